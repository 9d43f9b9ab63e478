package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tinytelemetry/mailpulse/internal/model"
	"github.com/tinytelemetry/mailpulse/internal/ship"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

const (
	configEnv         = "AGENT_CONFIG"
	defaultConfigPath = "config.json"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("mailpulse", pflag.ContinueOnError)
	configPath := flags.String("config", "", "config file (default $"+configEnv+" or "+defaultConfigPath+")")
	showVersion := flags.Bool("version", false, "print version information")
	once := flags.Bool("once", false, "run a single poll cycle and exit")
	dryRun := flags.Bool("dry-run", false, "read and correlate but discard every batch")
	flags.String("status-addr", "", "serve /api/health and /metrics on this address")
	flags.String("log-file", "", "append agent logs to this file instead of stderr")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	if *showVersion {
		fmt.Printf("mailpulse - MTA log shipping agent\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", goVersion)
		return 0
	}

	cfg, err := loadConfig(resolveConfigPath(*configPath), flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}
	cfg.Once = *once
	cfg.DryRun = *dryRun
	if err := cfg.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		return 1
	}

	if err := runAgent(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(configEnv); env != "" {
		return env
	}
	return defaultConfigPath
}

// loadConfig reads configPath (JSON or YAML by extension), applies
// MAILPULSE_* environment overrides and any flags bound in flags.
func loadConfig(configPath string, flags *pflag.FlagSet) (appConfig, error) {
	var cfg appConfig

	v := viper.New()
	v.SetEnvPrefix("MAILPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("state_file", model.DefaultStateFile)
	v.SetDefault("interval_seconds", int(model.DefaultInterval.Seconds()))
	v.SetDefault("qid_flush_seconds", int(model.DefaultFlushAfter.Seconds()))
	v.SetDefault("max_qid_cache", model.DefaultMaxTransaction)
	v.SetDefault("transport", transportHTTP)
	v.SetDefault("nats_subject", ship.DefaultSubject)
	v.SetDefault("compress", false)
	v.SetDefault("status_addr", "")
	v.SetDefault("log_file", "")
	for _, key := range []string{"api_key", "api_url", "server_name", "nats_url"} {
		// Registered so AutomaticEnv reaches them during Unmarshal.
		v.SetDefault(key, "")
	}

	if flags != nil {
		for key, flag := range map[string]string{"status_addr": "status-addr", "log_file": "log-file"} {
			if f := flags.Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return cfg, fmt.Errorf("bind flag %s: %w", flag, err)
				}
			}
		}
	}

	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	} else {
		cfg.ConfigPath = v.ConfigFileUsed()
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}

	if cfg.ServerName == "" {
		host, err := os.Hostname()
		if err != nil {
			return cfg, fmt.Errorf("resolve hostname: %w", err)
		}
		cfg.ServerName = host
	}
	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	return cfg, nil
}
