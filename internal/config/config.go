// Package config provides configuration parsing and validation for the
// kmpsock adapter.
package config

import (
	"fmt"
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"
)

// Transport kinds accepted in instance sections.
const (
	TransportUDP  = "udp"
	TransportQUIC = "quic"
)

// Config is the complete adapter configuration.
type Config struct {
	Log       LogConfig        `yaml:"log"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Instances []InstanceConfig `yaml:"instances"`
}

// LogConfig selects log verbosity and output format.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the metrics listen address. Empty disables the
	// endpoint.
	Listen string `yaml:"listen"`
}

// InstanceConfig describes one service instance binding.
type InstanceConfig struct {
	Transport     string  `yaml:"transport"`      // udp (default) or quic
	Relay         bool    `yaml:"relay"`          // traffic passes a relay node
	LocalPort     uint16  `yaml:"local_port"`     // 0 for ephemeral
	RemoteAddress string  `yaml:"remote_address"` // peer IP
	RemotePort    uint16  `yaml:"remote_port"`    // peer port
	ReceiveRate   float64 `yaml:"receive_rate"`   // inbound datagrams/sec, 0 unlimited
	ReceiveBurst  int     `yaml:"receive_burst"`  // limiter burst, 0 for default
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and validates a yaml configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}

	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.Log.Format)
	}

	if len(c.Instances) == 0 {
		return fmt.Errorf("no instances configured")
	}

	for i, inst := range c.Instances {
		switch inst.Transport {
		case "", TransportUDP, TransportQUIC:
		default:
			return fmt.Errorf("instance %d: unknown transport %q", i, inst.Transport)
		}

		if inst.RemotePort == 0 {
			return fmt.Errorf("instance %d: remote_port is required", i)
		}
		if _, err := netip.ParseAddr(inst.RemoteAddress); err != nil {
			return fmt.Errorf("instance %d: invalid remote_address %q: %w", i, inst.RemoteAddress, err)
		}
		if inst.ReceiveRate < 0 {
			return fmt.Errorf("instance %d: receive_rate must not be negative", i)
		}
	}

	return nil
}

// TransportKind returns the transport for an instance, defaulting to
// UDP.
func (ic *InstanceConfig) TransportKind() string {
	if ic.Transport == "" {
		return TransportUDP
	}
	return ic.Transport
}

// RemoteEndpoint returns the parsed peer endpoint.
func (ic *InstanceConfig) RemoteEndpoint() (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(ic.RemoteAddress)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid remote_address %q: %w", ic.RemoteAddress, err)
	}
	return netip.AddrPortFrom(addr, ic.RemotePort), nil
}
