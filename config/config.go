package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	Controller ControllerConfig `json:"controller" yaml:"controller"`
	Signal     SignalConfig     `json:"signal" yaml:"signal"`
	Ledger     LedgerConfig     `json:"ledger" yaml:"ledger"`
	Blotter    BlotterConfig    `json:"blotter" yaml:"blotter"`
	Log        LogConfig        `json:"log" yaml:"log"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
}

// ControllerConfig tunes the reconciliation controller. Durations are
// strings ("30s", "1m") parsed with time.ParseDuration; zero values
// disable the feature.
type ControllerConfig struct {
	SyncFrequency        string `json:"sync_frequency,omitempty" yaml:"sync_frequency,omitempty"`
	VerificationDelay    string `json:"execution_verification_delay,omitempty" yaml:"execution_verification_delay,omitempty"`
	CancelStrayOrders    bool   `json:"cancel_stray_orders" yaml:"cancel_stray_orders"`
	ShutdownPollInterval string `json:"shutdown_poll_interval,omitempty" yaml:"shutdown_poll_interval,omitempty"`
	LogBrokerEvents      bool   `json:"log_broker_events" yaml:"log_broker_events"`
}

// SignalConfig selects the decision policy.
type SignalConfig struct {
	Lockable bool `json:"lockable" yaml:"lockable"`
	AlwaysOn bool `json:"always_on" yaml:"always_on"`
}

type LedgerConfig struct {
	StorePath string `json:"store_path,omitempty" yaml:"store_path,omitempty"`
}

// BlotterConfig selects the trade sink. Type is "csv", "sqlite" or
// "none".
type BlotterConfig struct {
	Type         string `json:"type" yaml:"type"`
	Path         string `json:"path,omitempty" yaml:"path,omitempty"`
	DBPath       string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	SaveDeferred bool   `json:"save_deferred" yaml:"save_deferred"`
}

type LogConfig struct {
	Level string `json:"level,omitempty" yaml:"level,omitempty"`
}

type MetricsConfig struct {
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty"`
}

// ParseDuration resolves a duration field, returning zero for empty
// strings.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// Default returns a runnable configuration.
func Default() *Config {
	return &Config{
		Controller: ControllerConfig{
			SyncFrequency:        "1m",
			VerificationDelay:    "", // disabled
			ShutdownPollInterval: "1s",
		},
		Blotter: BlotterConfig{Type: "csv", Path: "blotter.csv"},
		Ledger:  LedgerConfig{StorePath: "ledger.db"},
		Log:     LogConfig{Level: "info"},
	}
}

// LoadFromFile loads configuration from a file (YAML with JSON
// fallback, matching either extension).
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err = yaml.Unmarshal(data, cfg); err != nil {
		if jerr := json.Unmarshal(data, cfg); jerr != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks duration fields and the blotter type.
func (c *Config) Validate() error {
	for name, v := range map[string]string{
		"sync_frequency":               c.Controller.SyncFrequency,
		"execution_verification_delay": c.Controller.VerificationDelay,
		"shutdown_poll_interval":       c.Controller.ShutdownPollInterval,
	} {
		if _, err := ParseDuration(v); err != nil {
			return fmt.Errorf("config %s: %w", name, err)
		}
	}
	switch c.Blotter.Type {
	case "", "none", "csv", "sqlite":
	default:
		return fmt.Errorf("config blotter type %q not supported", c.Blotter.Type)
	}
	return nil
}
