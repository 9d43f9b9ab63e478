package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tinytelemetry/mailpulse/internal/model"
)

const (
	transportHTTP = "http"
	transportNATS = "nats"
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	StateFile       string            `mapstructure:"state_file"`
	Logs            map[string]string `mapstructure:"logs"`
	APIKey          string            `mapstructure:"api_key"`
	APIURL          string            `mapstructure:"api_url"`
	IntervalSeconds int               `mapstructure:"interval_seconds"`
	FlushSeconds    int               `mapstructure:"qid_flush_seconds"`
	MaxQIDCache     int               `mapstructure:"max_qid_cache"`
	ServerName      string            `mapstructure:"server_name"`
	Transport       string            `mapstructure:"transport"`
	NATSURL         string            `mapstructure:"nats_url"`
	NATSSubject     string            `mapstructure:"nats_subject"`
	Compress        bool              `mapstructure:"compress"`
	StatusAddr      string            `mapstructure:"status_addr"`
	LogFile         string            `mapstructure:"log_file"`

	ConfigPath string `mapstructure:"-"` // not from config file
	Once       bool   `mapstructure:"-"`
	DryRun     bool   `mapstructure:"-"`
}

func (c appConfig) interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c appConfig) flushAfter() time.Duration {
	return time.Duration(c.FlushSeconds) * time.Second
}

// sources returns the configured files in drain order. Paths are made
// absolute since they key the checkpoint file.
func (c appConfig) sources() []model.LogSource {
	var out []model.LogSource
	for _, kind := range model.SourceKinds {
		path := strings.TrimSpace(c.Logs[string(kind)])
		if path == "" {
			continue
		}
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		out = append(out, model.LogSource{Kind: kind, Path: path})
	}
	return out
}

func (c appConfig) validate() error {
	var errs []error

	var unknown []string
	for kind := range c.Logs {
		if !model.SourceKind(kind).Valid() {
			unknown = append(unknown, kind)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		errs = append(errs, fmt.Errorf("unknown log kind(s): %s", strings.Join(unknown, ", ")))
	}
	if len(c.sources()) == 0 {
		errs = append(errs, errors.New("no log sources configured"))
	}
	if strings.TrimSpace(c.StateFile) == "" {
		errs = append(errs, errors.New("state_file must not be empty"))
	}
	if c.IntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("interval_seconds must be positive, got %d", c.IntervalSeconds))
	}
	if c.FlushSeconds <= 0 {
		errs = append(errs, fmt.Errorf("qid_flush_seconds must be positive, got %d", c.FlushSeconds))
	}
	if c.MaxQIDCache <= 0 {
		errs = append(errs, fmt.Errorf("max_qid_cache must be positive, got %d", c.MaxQIDCache))
	}

	switch c.Transport {
	case transportHTTP:
		if !c.DryRun && strings.TrimSpace(c.APIURL) == "" {
			errs = append(errs, errors.New("api_url is required for the http transport"))
		}
	case transportNATS:
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q (want %s or %s)", c.Transport, transportHTTP, transportNATS))
	}

	return errors.Join(errs...)
}
