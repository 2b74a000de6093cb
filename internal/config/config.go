// Package config loads and validates the daemon's TOML configuration
// file (spec.md §6) and the declarative program drops under
// programs.d/.
package config

import (
	"fmt"
	"time"
)

// InterfaceConfig is the per-interface override table,
// interfaces.<ifname> in the TOML file.
type InterfaceConfig struct {
	XDPMode string `toml:"xdp_mode"`
}

func (c InterfaceConfig) Validate(ifname string) error {
	switch c.XDPMode {
	case "", "skb", "drv", "hw":
		return nil
	default:
		return fmt.Errorf("interfaces.%s.xdp_mode: invalid mode %q", ifname, c.XDPMode)
	}
}

// GRPCEndpoint is one entry of grpc.endpoints[].
type GRPCEndpoint struct {
	Type    string `toml:"type"`
	Path    string `toml:"path"`
	Enabled *bool  `toml:"enabled"`
}

// IsEnabled defaults to true per spec.md §6.
func (e GRPCEndpoint) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

func (e GRPCEndpoint) Validate() error {
	if e.Type != "unix" {
		return fmt.Errorf("grpc.endpoints: unsupported type %q", e.Type)
	}
	if e.Path == "" {
		return fmt.Errorf("grpc.endpoints: path is required")
	}
	return nil
}

// GRPCConfig is the grpc section.
type GRPCConfig struct {
	Endpoints []GRPCEndpoint `toml:"endpoints"`
}

// SigningConfig is the signing section; defaults chosen to match
// spec.md §6 (allow_unsigned defaults true, verify_enabled defaults
// false).
type SigningConfig struct {
	AllowUnsigned *bool `toml:"allow_unsigned"`
	VerifyEnabled *bool `toml:"verify_enabled"`
}

func (s SigningConfig) AllowsUnsigned() bool {
	return s.AllowUnsigned == nil || *s.AllowUnsigned
}

func (s SigningConfig) VerificationEnabled() bool {
	return s.VerifyEnabled != nil && *s.VerifyEnabled
}

// DatabaseConfig is the database section controlling the persistent
// store's lock-retry budget.
type DatabaseConfig struct {
	MaxRetries    int `toml:"max_retries"`
	MillisecDelay int `toml:"millisec_delay"`
}

const (
	defaultMaxRetries    = 5
	defaultMillisecDelay = 100
)

func (d DatabaseConfig) RetryDelay() time.Duration {
	ms := d.MillisecDelay
	if ms <= 0 {
		ms = defaultMillisecDelay
	}
	return time.Duration(ms) * time.Millisecond
}

func (d DatabaseConfig) Retries() int {
	if d.MaxRetries <= 0 {
		return defaultMaxRetries
	}
	return d.MaxRetries
}

// Config is the top-level daemon configuration file.
type Config struct {
	Interfaces map[string]InterfaceConfig `toml:"interfaces"`
	GRPC       GRPCConfig                 `toml:"grpc"`
	Signing    SigningConfig              `toml:"signing"`
	Database   DatabaseConfig             `toml:"database"`
}

// Validate checks every section for internal consistency. It does not
// touch the filesystem — path existence is the loader's concern.
func (c *Config) Validate() error {
	for name, ic := range c.Interfaces {
		if err := ic.Validate(name); err != nil {
			return err
		}
	}
	for i, ep := range c.GRPC.Endpoints {
		if err := ep.Validate(); err != nil {
			return fmt.Errorf("grpc.endpoints[%d]: %w", i, err)
		}
	}
	return nil
}

// XDPModeFor returns the configured attach-mode override for ifname, or
// "" if the kernel default should be used.
func (c *Config) XDPModeFor(ifname string) string {
	if c == nil {
		return ""
	}
	return c.Interfaces[ifname].XDPMode
}
