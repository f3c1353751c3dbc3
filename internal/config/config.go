// Package config holds the bridge's runtime configuration: struct defaults,
// an optional YAML file, then BLE_* environment keys, in that order.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
)

const envPrefix = "BLE_"

// Config carries every knob the core consumes. Field names follow the
// environment keys: BLE_SESSION_GRACE_PERIOD_SEC maps to
// SessionGracePeriodSec and so on.
type Config struct {
	ListenAddr string `koanf:"listen_addr" default:":8835"`
	LogLevel   string `koanf:"log_level" default:"info"`

	SessionGracePeriodSec int `koanf:"session_grace_period_sec" default:"5"`
	SessionIdleTimeoutSec int `koanf:"session_idle_timeout_sec" default:"45"`
	EvictionGraceSec      int `koanf:"eviction_grace_sec" default:"10"`
	StaleClaimTimeoutSec  int `koanf:"stale_claim_timeout_sec" default:"30"`
	SweepIntervalSec      int `koanf:"sweep_interval_sec" default:"30"`

	ScannerRecoveryDelayMs int `koanf:"scanner_recovery_delay_ms" default:"2000"`
	ScannerListenerStepMs  int `koanf:"scanner_listener_step_ms" default:"500"`
	ScanTimeoutMs          int `koanf:"scan_timeout_ms" default:"10000"`
	ConnectTimeoutMs       int `koanf:"connect_timeout_ms" default:"5000"`

	PacketLogCapacity int `koanf:"packet_log_capacity" default:"1024"`
}

// Load builds a Config from defaults, then an optional YAML file, then the
// BLE_* environment. path may be empty.
func Load(path string) (*Config, error) {
	cfg := New()

	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %q: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// New returns a Config populated with defaults only.
func New() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Validate rejects values the timers cannot work with.
func (c *Config) Validate() error {
	if c.SessionGracePeriodSec < 0 || c.SessionIdleTimeoutSec <= 0 || c.EvictionGraceSec < 0 {
		return fmt.Errorf("session timer values must be positive (grace=%d idle=%d eviction=%d)",
			c.SessionGracePeriodSec, c.SessionIdleTimeoutSec, c.EvictionGraceSec)
	}
	if c.StaleClaimTimeoutSec <= 0 || c.SweepIntervalSec <= 0 {
		return fmt.Errorf("claim/sweep values must be positive (stale=%d sweep=%d)",
			c.StaleClaimTimeoutSec, c.SweepIntervalSec)
	}
	if c.ScannerRecoveryDelayMs < 0 || c.ScannerListenerStepMs < 0 {
		return fmt.Errorf("scanner delay values must not be negative")
	}
	if c.ScanTimeoutMs <= 0 || c.ConnectTimeoutMs <= 0 {
		return fmt.Errorf("scan/connect timeouts must be positive")
	}
	if c.PacketLogCapacity <= 0 {
		return fmt.Errorf("packet log capacity must be positive")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func (c *Config) GracePeriod() time.Duration    { return time.Duration(c.SessionGracePeriodSec) * time.Second }
func (c *Config) IdleTimeout() time.Duration    { return time.Duration(c.SessionIdleTimeoutSec) * time.Second }
func (c *Config) EvictionGrace() time.Duration  { return time.Duration(c.EvictionGraceSec) * time.Second }
func (c *Config) StaleClaim() time.Duration     { return time.Duration(c.StaleClaimTimeoutSec) * time.Second }
func (c *Config) SweepInterval() time.Duration  { return time.Duration(c.SweepIntervalSec) * time.Second }
func (c *Config) RecoveryDelay() time.Duration  { return time.Duration(c.ScannerRecoveryDelayMs) * time.Millisecond }
func (c *Config) ListenerStep() time.Duration   { return time.Duration(c.ScannerListenerStepMs) * time.Millisecond }
func (c *Config) ScanTimeout() time.Duration    { return time.Duration(c.ScanTimeoutMs) * time.Millisecond }
func (c *Config) ConnectTimeout() time.Duration { return time.Duration(c.ConnectTimeoutMs) * time.Millisecond }

// ParseLevel maps a configured level to a logrus level. Aliases verbose and
// trace collapse to debug; warn collapses to error.
func ParseLevel(level string) (logrus.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "verbose", "trace":
		return logrus.DebugLevel, nil
	case "info", "":
		return logrus.InfoLevel, nil
	case "error", "warn", "warning":
		return logrus.ErrorLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("invalid log level: %s (must be debug, info, or error)", level)
	}
}
