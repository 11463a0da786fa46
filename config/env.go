package config

import (
	"os"

	"github.com/joho/godotenv"
)

// Load resolves the effective configuration: a .env file in the
// working directory if present, then the config file (when path is
// non-empty), then LIVETRADER_* environment overrides on top.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	for env, dst := range map[string]*string{
		"LIVETRADER_LOG_LEVEL":      &c.Log.Level,
		"LIVETRADER_SYNC_FREQUENCY": &c.Controller.SyncFrequency,
		"LIVETRADER_BLOTTER_TYPE":   &c.Blotter.Type,
		"LIVETRADER_BLOTTER_PATH":   &c.Blotter.Path,
		"LIVETRADER_STORE_PATH":     &c.Ledger.StorePath,
		"LIVETRADER_METRICS_ADDR":   &c.Metrics.Addr,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
}
