// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the config file when no --config flag is
// given.
const EnvironmentVariable = "RENDEZVOUS_CONFIG"

// DefaultPort is the broker's TCP port.
const DefaultPort = 2810

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local machines and tests.
	Development Environment = "development"
	// Production is for a broker reachable by real agents.
	Production Environment = "production"
)

// Duration is a time.Duration written in YAML as a duration string.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML parses a scalar such as "30s". A bare 0 is accepted.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a string", node.Line)
	}
	if node.Value == "0" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes d in its string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the configuration shared by the broker and agent binaries.
// Each binary reads its own section.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	Broker BrokerConfig `yaml:"broker"`
	Agent  AgentConfig  `yaml:"agent"`

	// Per-environment overrides, applied after the base values.
	Development *Overrides `yaml:"development,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides contains the fields an environment section may replace.
type Overrides struct {
	Broker *BrokerConfig `yaml:"broker,omitempty"`
	Agent  *AgentConfig  `yaml:"agent,omitempty"`
}

// BrokerConfig configures the rendezvous broker.
type BrokerConfig struct {
	// Listen is the TCP address agents and controllers dial.
	// Default: ":2810"
	Listen string `yaml:"listen"`

	// MetricsListen serves /metrics and /healthz. Empty disables it.
	MetricsListen string `yaml:"metrics_listen"`

	// PingInterval is how often idle agents are sent PING. Zero
	// disables keepalive.
	// Default: 30s
	PingInterval Duration `yaml:"ping_interval"`

	// IdleTimeout evicts agents that have not been heard from. Zero
	// disables eviction.
	// Default: 90s (development), 60s (production)
	IdleTimeout Duration `yaml:"idle_timeout"`

	// HandoffTimeout bounds how long a CONNECT waits for the agent
	// link to be handed over.
	// Default: 5s
	HandoffTimeout Duration `yaml:"handoff_timeout"`

	// MaxFrameSize bounds one text frame in bytes. Zero selects the
	// frame package default.
	MaxFrameSize int `yaml:"max_frame_size"`

	// RelayBufferSize is the per-direction copy buffer in bytes. Zero
	// selects the relay default.
	RelayBufferSize int `yaml:"relay_buffer_size"`
}

// AgentConfig configures the agent.
type AgentConfig struct {
	// Broker is the broker address to dial.
	// Default: "127.0.0.1:2810"
	Broker string `yaml:"broker"`

	// ID overrides the derived machine identifier.
	ID string `yaml:"id"`

	// User overrides the reported owner.
	User string `yaml:"user"`

	// Shell runs commands as "Shell -c text".
	// Default: /bin/sh
	Shell string `yaml:"shell"`

	// CommandTimeout bounds one command.
	// Default: 30s
	CommandTimeout Duration `yaml:"command_timeout"`

	// FileRoot resolves relative FILE_REQUEST paths. Empty means the
	// agent's working directory.
	FileRoot string `yaml:"file_root"`

	// ReconnectDelay is the first wait after losing the broker. Zero
	// disables reconnection.
	// Default: 1s
	ReconnectDelay Duration `yaml:"reconnect_delay"`

	// MaxReconnectDelay caps the exponential backoff.
	// Default: 30s
	MaxReconnectDelay Duration `yaml:"max_reconnect_delay"`
}

// Default returns the configuration used when no file is given and
// the base onto which a file is merged.
func Default() *Config {
	return &Config{
		Environment: Development,
		Broker: BrokerConfig{
			Listen:         fmt.Sprintf(":%d", DefaultPort),
			PingInterval:   Duration(30 * time.Second),
			IdleTimeout:    Duration(90 * time.Second),
			HandoffTimeout: Duration(5 * time.Second),
		},
		Agent: AgentConfig{
			Broker:            fmt.Sprintf("127.0.0.1:%d", DefaultPort),
			Shell:             "/bin/sh",
			CommandTimeout:    Duration(30 * time.Second),
			ReconnectDelay:    Duration(time.Second),
			MaxReconnectDelay: Duration(30 * time.Second),
		},
	}
}

// Resolve loads the file at path if non-empty, else the file named by
// RENDEZVOUS_CONFIG if set, else returns Default().
func Resolve(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvironmentVariable)
	}
	if path == "" {
		cfg := Default()
		cfg.applyEnvironmentOverrides()
		return cfg, nil
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

// applyEnvironmentOverrides applies the section matching Environment.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
		if overrides == nil {
			overrides = &Overrides{
				Broker: &BrokerConfig{IdleTimeout: Duration(60 * time.Second)},
			}
		}
	}

	if overrides == nil {
		return
	}

	if broker := overrides.Broker; broker != nil {
		if broker.Listen != "" {
			c.Broker.Listen = broker.Listen
		}
		if broker.MetricsListen != "" {
			c.Broker.MetricsListen = broker.MetricsListen
		}
		if broker.PingInterval != 0 {
			c.Broker.PingInterval = broker.PingInterval
		}
		if broker.IdleTimeout != 0 {
			c.Broker.IdleTimeout = broker.IdleTimeout
		}
		if broker.HandoffTimeout != 0 {
			c.Broker.HandoffTimeout = broker.HandoffTimeout
		}
		if broker.MaxFrameSize != 0 {
			c.Broker.MaxFrameSize = broker.MaxFrameSize
		}
		if broker.RelayBufferSize != 0 {
			c.Broker.RelayBufferSize = broker.RelayBufferSize
		}
	}

	if agent := overrides.Agent; agent != nil {
		if agent.Broker != "" {
			c.Agent.Broker = agent.Broker
		}
		if agent.ID != "" {
			c.Agent.ID = agent.ID
		}
		if agent.User != "" {
			c.Agent.User = agent.User
		}
		if agent.Shell != "" {
			c.Agent.Shell = agent.Shell
		}
		if agent.CommandTimeout != 0 {
			c.Agent.CommandTimeout = agent.CommandTimeout
		}
		if agent.FileRoot != "" {
			c.Agent.FileRoot = agent.FileRoot
		}
		if agent.ReconnectDelay != 0 {
			c.Agent.ReconnectDelay = agent.ReconnectDelay
		}
		if agent.MaxReconnectDelay != 0 {
			c.Agent.MaxReconnectDelay = agent.MaxReconnectDelay
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} in address and
// path fields.
func (c *Config) expandVariables() {
	vars := map[string]string{"HOME": os.Getenv("HOME")}

	c.Broker.Listen = expandVars(c.Broker.Listen, vars)
	c.Broker.MetricsListen = expandVars(c.Broker.MetricsListen, vars)
	c.Agent.Broker = expandVars(c.Agent.Broker, vars)
	c.Agent.Shell = expandVars(c.Agent.Shell, vars)
	c.Agent.FileRoot = expandVars(c.Agent.FileRoot, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns, consulting
// vars before the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Broker.Listen == "" {
		errs = append(errs, fmt.Errorf("broker.listen is required"))
	}
	if c.Broker.PingInterval < 0 {
		errs = append(errs, fmt.Errorf("broker.ping_interval must not be negative"))
	}
	if c.Broker.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("broker.idle_timeout must not be negative"))
	}
	if c.Broker.IdleTimeout > 0 && c.Broker.PingInterval > 0 && c.Broker.IdleTimeout <= c.Broker.PingInterval {
		errs = append(errs, fmt.Errorf("broker.idle_timeout (%s) must exceed broker.ping_interval (%s)",
			c.Broker.IdleTimeout.Std(), c.Broker.PingInterval.Std()))
	}
	if c.Broker.HandoffTimeout <= 0 {
		errs = append(errs, fmt.Errorf("broker.handoff_timeout must be positive"))
	}
	if c.Broker.MaxFrameSize < 0 {
		errs = append(errs, fmt.Errorf("broker.max_frame_size must not be negative"))
	}
	if c.Broker.RelayBufferSize < 0 {
		errs = append(errs, fmt.Errorf("broker.relay_buffer_size must not be negative"))
	}

	if c.Agent.Broker == "" {
		errs = append(errs, fmt.Errorf("agent.broker is required"))
	}
	if c.Agent.Shell == "" {
		errs = append(errs, fmt.Errorf("agent.shell is required"))
	}
	if c.Agent.CommandTimeout <= 0 {
		errs = append(errs, fmt.Errorf("agent.command_timeout must be positive"))
	}
	if c.Agent.ReconnectDelay < 0 {
		errs = append(errs, fmt.Errorf("agent.reconnect_delay must not be negative"))
	}
	if c.Agent.MaxReconnectDelay < c.Agent.ReconnectDelay {
		errs = append(errs, fmt.Errorf("agent.max_reconnect_delay must be at least agent.reconnect_delay"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
