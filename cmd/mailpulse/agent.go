package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/mailpulse/internal/agent"
	"github.com/tinytelemetry/mailpulse/internal/checkpoint"
	"github.com/tinytelemetry/mailpulse/internal/correlate"
	"github.com/tinytelemetry/mailpulse/internal/httpserver"
	"github.com/tinytelemetry/mailpulse/internal/logparse"
	"github.com/tinytelemetry/mailpulse/internal/logsource"
	"github.com/tinytelemetry/mailpulse/internal/metrics"
	"github.com/tinytelemetry/mailpulse/internal/ship"
)

// runAgent wires the pipeline and polls until SIGINT or SIGTERM.
func runAgent(cfg appConfig) error {
	cleanupLogger, err := configureRuntimeLogger(cfg.LogFile)
	if err != nil {
		return err
	}
	defer cleanupLogger()

	store, err := checkpoint.Open(cfg.StateFile)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint: %w", err)
	}

	correlator, err := correlate.New(correlate.Config{
		MaxEntries: cfg.MaxQIDCache,
		FlushAfter: cfg.flushAfter(),
		ServerName: cfg.ServerName,
	})
	if err != nil {
		return err
	}

	shipper, closeShipper, err := buildShipper(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize transport: %w", err)
	}
	defer closeShipper()

	var readers []logsource.Reader
	for _, src := range cfg.sources() {
		readers = append(readers, logsource.NewFileSource(src))
	}

	m, registry := metrics.New(nil)
	driver, err := agent.New(agent.Config{
		Sources:    readers,
		Classifier: logparse.NewClassifier(time.Local),
		Correlator: correlator,
		Shipper:    shipper,
		Offsets:    store,
		Metrics:    m,
		Interval:   cfg.interval(),
	})
	if err != nil {
		return err
	}

	if cfg.Once {
		report := driver.RunOnce(context.Background())
		log.Printf("agent: single cycle read %d lines, emitted %d events", totalLines(report.LinesRead), report.Emitted)
		if report.ShipError != "" {
			return fmt.Errorf("ship: %s", report.ShipError)
		}
		return nil
	}

	var statusServer *httpserver.Server
	if cfg.StatusAddr != "" {
		statusServer = httpserver.NewServer(cfg.StatusAddr, driver, registry)
		if err := statusServer.Start(); err != nil {
			return fmt.Errorf("failed to start status server: %w", err)
		}
	}

	// Set up context and signal handling before errgroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		if _, ok := <-sigCh; !ok {
			return
		}
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		deadline := time.NewTimer(10 * time.Second)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		os.Exit(1)
	}()

	printStartupBanner(cfg)

	err = runServices(ctx, driver, statusServer)
	if err != nil {
		log.Printf("agent: errgroup exited with error: %v", err)
	}
	log.Printf("agent: stopped, offsets saved to %s", store.Path())
	return err
}

type poller interface {
	Run(ctx context.Context) error
}

// runServices runs the poll loop and, when status is non-nil, the status
// server until ctx is cancelled or one of them fails.
func runServices(ctx context.Context, p poller, status *httpserver.Server) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.Run(gctx)
	})
	if status != nil {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return status.Stop()
			case err := <-status.Err():
				_ = status.Stop()
				return fmt.Errorf("status server: %w", err)
			}
		})
	}
	return g.Wait()
}

func buildShipper(cfg appConfig) (ship.Shipper, func(), error) {
	noop := func() {}
	if cfg.DryRun {
		return ship.Discard{}, noop, nil
	}

	switch cfg.Transport {
	case transportNATS:
		nc, err := ship.DialNATS(cfg.NATSURL, "mailpulse-"+cfg.ServerName)
		if err != nil {
			return nil, noop, err
		}
		s, err := ship.NewNATSShipper(nc, cfg.NATSSubject, cfg.APIKey, cfg.ServerName)
		if err != nil {
			nc.Close()
			return nil, noop, err
		}
		return s, func() { _ = nc.Drain() }, nil
	default:
		s, err := ship.NewHTTPShipper(ship.HTTPConfig{
			URL:      cfg.APIURL,
			APIKey:   cfg.APIKey,
			Compress: cfg.Compress,
		})
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	}
}

// configureRuntimeLogger sets timestamped log flags and, when path is set,
// appends log output to that file.
func configureRuntimeLogger(path string) (func(), error) {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetOutput(os.Stderr)
	if path == "" {
		return func() {}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	log.SetOutput(f)
	return func() {
		log.SetOutput(os.Stderr)
		_ = f.Close()
	}, nil
}

func totalLines(byKind map[string]int) int {
	n := 0
	for _, c := range byKind {
		n += c
	}
	return n
}

func printStartupBanner(cfg appConfig) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	row := func(mark, label, value string) string {
		return fmt.Sprintf("    %s  %-14s %s", mark, label, value)
	}

	var lines []string
	lines = append(lines, "")
	lines = append(lines, cyan.Bold(true).Render("    mailpulse"))
	lines = append(lines, "    "+dim.Render("v"+version))
	lines = append(lines, "")

	separator := dim.Render("    ─────────────────────────────────")
	lines = append(lines, separator)
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Sources"))
	lines = append(lines, "")
	for _, src := range cfg.sources() {
		mark := check
		if _, err := os.Stat(src.Path); err != nil {
			mark = dot
		}
		lines = append(lines, row(mark, string(src.Kind), dim.Render(shortenPath(src.Path))))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Delivery"))
	lines = append(lines, "")
	switch {
	case cfg.DryRun:
		lines = append(lines, row(dot, "Transport", dim.Render("dry run (discard)")))
	case cfg.Transport == transportNATS:
		lines = append(lines, row(check, "NATS", cyan.Render(cfg.NATSURL+" → "+cfg.NATSSubject)))
	default:
		lines = append(lines, row(check, "HTTP", cyan.Render(cfg.APIURL)))
	}
	if cfg.StatusAddr != "" {
		lines = append(lines, row(check, "Status API", cyan.Render(cfg.StatusAddr)))
	} else {
		lines = append(lines, row(dot, "Status API", dim.Render("disabled")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Runtime"))
	lines = append(lines, "")
	lines = append(lines, row(check, "Server", dim.Render(cfg.ServerName)))
	lines = append(lines, row(check, "Interval", dim.Render(cfg.interval().String())))
	lines = append(lines, row(check, "Flush After", dim.Render(cfg.flushAfter().String())))
	lines = append(lines, row(check, "State File", dim.Render(shortenPath(cfg.StateFile))))
	if cfg.ConfigPath != "" {
		lines = append(lines, row(check, "Config File", dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, row(dot, "Config File", dim.Render("defaults (no file)")))
	}

	lines = append(lines, "")
	lines = append(lines, separator)
	lines = append(lines, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"))
	lines = append(lines, "")

	fmt.Println(strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
