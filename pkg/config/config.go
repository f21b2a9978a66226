// Package config holds the control plane's capability-class configuration.
// Idle timeouts, retry budgets, slot capacities, and node ceilings are
// deployment inputs, never hardcoded in the scheduler.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CapabilityClass describes one category of compute host that jobs and
// sessions can request.
type CapabilityClass struct {
	// Name identifies the class (e.g. "desktop-gpu", "batch-standard").
	Name string `yaml:"name" mapstructure:"name"`

	// Slots is the per-node occupancy capacity: 1 for exclusive desktop
	// hosts, N for shared batch hosts.
	Slots int `yaml:"slots" mapstructure:"slots"`

	// MaxNodes is the hard ceiling on concurrent nodes in this class.
	MaxNodes int `yaml:"max_nodes" mapstructure:"max_nodes"`

	// MaxPending caps queued requests for the class; further submissions
	// are rejected at admission. Zero means unbounded.
	MaxPending int `yaml:"max_pending" mapstructure:"max_pending"`

	// IdleTimeout drains a node after this long at zero occupancy, and
	// terminates a session after this long without proxied traffic.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`

	// HeartbeatGrace marks a node lost after this long without a heartbeat.
	HeartbeatGrace time.Duration `yaml:"heartbeat_grace" mapstructure:"heartbeat_grace"`

	// ProvisionRetryLimit bounds provisioning attempts per request before
	// the request fails with a capacity error.
	ProvisionRetryLimit int `yaml:"provision_retry_limit" mapstructure:"provision_retry_limit"`

	// ProvisionBackoff is the base delay between provisioning retries,
	// doubled per attempt up to ProvisionBackoffMax.
	ProvisionBackoff    time.Duration `yaml:"provision_backoff" mapstructure:"provision_backoff"`
	ProvisionBackoffMax time.Duration `yaml:"provision_backoff_max" mapstructure:"provision_backoff_max"`
}

// Config is the control plane configuration.
type Config struct {
	// Classes maps class name to its capability configuration.
	Classes map[string]CapabilityClass `yaml:"classes" mapstructure:"classes"`

	// TickInterval is the reconciliation period.
	TickInterval time.Duration `yaml:"tick_interval" mapstructure:"tick_interval"`

	// TokenSigningKey signs session connection tokens (HS256).
	TokenSigningKey string `yaml:"token_signing_key" mapstructure:"token_signing_key"`
}

// Default returns a configuration suitable for local development. Production
// deployments are expected to define their own classes.
func Default() *Config {
	return &Config{
		TickInterval: 2 * time.Second,
		Classes: map[string]CapabilityClass{
			"desktop-standard": {
				Name:                "desktop-standard",
				Slots:               1,
				MaxNodes:            4,
				IdleTimeout:         30 * time.Minute,
				HeartbeatGrace:      90 * time.Second,
				ProvisionRetryLimit: 2,
				ProvisionBackoff:    5 * time.Second,
				ProvisionBackoffMax: 2 * time.Minute,
			},
			"batch-standard": {
				Name:                "batch-standard",
				Slots:               8,
				MaxNodes:            16,
				IdleTimeout:         10 * time.Minute,
				HeartbeatGrace:      90 * time.Second,
				ProvisionRetryLimit: 2,
				ProvisionBackoff:    5 * time.Second,
				ProvisionBackoffMax: 2 * time.Minute,
			},
		},
	}
}

// Load reads a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = Default().TickInterval
	}
	for name, class := range cfg.Classes {
		if class.Name == "" {
			class.Name = name
			cfg.Classes[name] = class
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if len(c.Classes) == 0 {
		return fmt.Errorf("at least one capability class is required")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive")
	}

	for name, class := range c.Classes {
		if class.Name != name {
			return fmt.Errorf("class %q: name mismatch (%q)", name, class.Name)
		}
		if class.Slots < 1 {
			return fmt.Errorf("class %q: slots must be at least 1", name)
		}
		if class.MaxNodes < 1 {
			return fmt.Errorf("class %q: max_nodes must be at least 1", name)
		}
		if class.IdleTimeout <= 0 {
			return fmt.Errorf("class %q: idle_timeout must be positive", name)
		}
		if class.HeartbeatGrace <= 0 {
			return fmt.Errorf("class %q: heartbeat_grace must be positive", name)
		}
		if class.ProvisionRetryLimit < 0 {
			return fmt.Errorf("class %q: provision_retry_limit must not be negative", name)
		}
		if class.ProvisionBackoff <= 0 {
			return fmt.Errorf("class %q: provision_backoff must be positive", name)
		}
		if class.ProvisionBackoffMax < class.ProvisionBackoff {
			return fmt.Errorf("class %q: provision_backoff_max must be at least provision_backoff", name)
		}
	}
	return nil
}

// Class looks up a capability class by name.
func (c *Config) Class(name string) (CapabilityClass, error) {
	class, ok := c.Classes[name]
	if !ok {
		return CapabilityClass{}, fmt.Errorf("unknown capability class: %s", name)
	}
	return class, nil
}
