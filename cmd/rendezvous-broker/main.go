// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/rendezvous/broker"
	"github.com/bureau-foundation/rendezvous/lib/clock"
	"github.com/bureau-foundation/rendezvous/lib/config"
	"github.com/bureau-foundation/rendezvous/lib/process"
	"github.com/bureau-foundation/rendezvous/lib/version"
	"github.com/bureau-foundation/rendezvous/registry"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

type options struct {
	configPath    string
	listen        string
	metricsListen string
	verbose       bool
	showVersion   bool
}

// parseFlags parses args and returns the resolved configuration with
// explicitly set flags applied on top. A nil config with a nil error
// means the caller should exit successfully (help or version).
func parseFlags(args []string) (*config.Config, options, error) {
	var opts options
	flagSet := pflag.NewFlagSet("rendezvous-broker", pflag.ContinueOnError)
	flagSet.StringVar(&opts.configPath, "config", "", "path to config file (default: $"+config.EnvironmentVariable+")")
	flagSet.StringVar(&opts.listen, "listen", "", "address agents and controllers dial")
	flagSet.StringVar(&opts.metricsListen, "metrics-listen", "", "address for /metrics and /healthz (empty disables)")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "enable per-connection debug logging")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version information and exit")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, opts, nil
		}
		return nil, opts, err
	}
	if flagSet.NArg() > 0 {
		return nil, opts, fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}
	if opts.showVersion {
		return nil, opts, nil
	}

	cfg, err := config.Resolve(opts.configPath)
	if err != nil {
		return nil, opts, err
	}
	if flagSet.Changed("listen") {
		cfg.Broker.Listen = opts.listen
	}
	if flagSet.Changed("metrics-listen") {
		cfg.Broker.MetricsListen = opts.metricsListen
	}
	if err := cfg.Validate(); err != nil {
		return nil, opts, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, opts, nil
}

func run(args []string) error {
	cfg, opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	if opts.showVersion {
		fmt.Printf("rendezvous-broker %s\n", version.Info())
		return nil
	}
	if cfg == nil {
		return nil
	}

	logLevel := slog.LevelInfo
	if opts.verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	realClock := clock.Real()
	agents := registry.New(realClock, logger)

	metricsRegistry := prometheus.NewRegistry()
	metricsRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	server := &broker.Broker{
		ListenAddr:      cfg.Broker.Listen,
		Registry:        agents,
		Metrics:         broker.NewMetrics(metricsRegistry, agents),
		Clock:           realClock,
		Logger:          logger,
		PingInterval:    disabledIfZero(cfg.Broker.PingInterval),
		IdleTimeout:     disabledIfZero(cfg.Broker.IdleTimeout),
		HandoffTimeout:  cfg.Broker.HandoffTimeout.Std(),
		MaxFrameSize:    cfg.Broker.MaxFrameSize,
		RelayBufferSize: cfg.Broker.RelayBufferSize,
	}

	logger.Info("starting rendezvous-broker",
		"version", version.Info(),
		"environment", string(cfg.Environment),
	)
	if err := server.Start(ctx); err != nil {
		return err
	}

	if cfg.Broker.MetricsListen != "" {
		metricsServer := &http.Server{
			Addr:              cfg.Broker.MetricsListen,
			Handler:           broker.MetricsHandler(metricsRegistry),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownContext, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsServer.Shutdown(shutdownContext)
		}()
		logger.Info("metrics listening", "metrics_addr", cfg.Broker.MetricsListen)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	server.Stop()
	return nil
}

// disabledIfZero maps a zero config duration, which disables the
// feature, to the broker's negative "disabled" value.
func disabledIfZero(d config.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d.Std()
}
