// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/rendezvous/agent"
	"github.com/bureau-foundation/rendezvous/lib/agentid"
	"github.com/bureau-foundation/rendezvous/lib/config"
	"github.com/bureau-foundation/rendezvous/lib/process"
	"github.com/bureau-foundation/rendezvous/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

type options struct {
	configPath  string
	broker      string
	id          string
	verbose     bool
	showVersion bool
}

// parseFlags parses args and returns the resolved agent configuration
// with explicitly set flags applied. A nil config with a nil error
// means help or version was requested.
func parseFlags(args []string) (*config.Config, options, error) {
	var opts options
	flagSet := pflag.NewFlagSet("rendezvous-agent", pflag.ContinueOnError)
	flagSet.StringVar(&opts.configPath, "config", "", "path to config file (default: $"+config.EnvironmentVariable+")")
	flagSet.StringVar(&opts.broker, "broker", "", "broker address to dial")
	flagSet.StringVar(&opts.id, "id", "", "agent identifier (default: derived from this machine)")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "enable per-request debug logging")
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
	if flagSet.Changed("broker") {
		cfg.Agent.Broker = opts.broker
	}
	if flagSet.Changed("id") {
		cfg.Agent.ID = opts.id
	}
	if err := cfg.Validate(); err != nil {
		return nil, opts, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, opts, nil
}

// identity returns the agent id, user and host to register with. Values
// in cfg take precedence over what is probed from the machine.
func identity(cfg config.AgentConfig, machine agentid.MachineInfo) (id, user, host string) {
	id = cfg.ID
	if id == "" {
		id = agentid.Derive(machine)
	}
	user = cfg.User
	if user == "" {
		user = agentid.CurrentUser()
	}
	host = machine.Hostname
	if host == "" {
		host = "unknown"
	}
	return id, user, host
}

func run(args []string) error {
	cfg, opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	if opts.showVersion {
		fmt.Printf("rendezvous-agent %s\n", version.Info())
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

	machine, err := agentid.Probe()
	if err != nil {
		logger.Warn("machine probe incomplete", "error", err)
		if hostname, hostErr := os.Hostname(); hostErr == nil && machine.Hostname == "" {
			machine.Hostname = hostname
		}
	}
	id, user, host := identity(cfg.Agent, machine)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := &agent.Agent{
		ID:            id,
		User:          user,
		Host:          host,
		BrokerAddress: cfg.Agent.Broker,
		Executor: &agent.Executor{
			Shell:   cfg.Agent.Shell,
			Timeout: cfg.Agent.CommandTimeout.Std(),
			Dir:     cfg.Agent.FileRoot,
		},
		Files:             &agent.Files{Root: cfg.Agent.FileRoot},
		ReconnectDelay:    cfg.Agent.ReconnectDelay.Std(),
		MaxReconnectDelay: cfg.Agent.MaxReconnectDelay.Std(),
		MaxFrameSize:      cfg.Broker.MaxFrameSize,
		Logger:            logger,
		OnRegistered: func() {
			logger.Info("registered with broker", "agent_id", id, "broker", cfg.Agent.Broker)
		},
	}

	logger.Info("starting rendezvous-agent",
		"version", version.Info(),
		"agent_id", id,
		"user", user,
		"host", host,
	)
	// Commands run with this process's privileges for any controller
	// that can reach the broker.
	if err := runner.Run(ctx); err != nil {
		return fmt.Errorf("agent %s: %w", id, err)
	}
	logger.Info("shutting down")
	return nil
}
