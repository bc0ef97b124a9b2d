// Package config loads server configuration from file and environment.
// Precedence: explicit file, then TRIALMESH_* environment variables,
// then defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	HTTPAddr    string        `mapstructure:"http_addr"`
	JobWorkers  int           `mapstructure:"job_workers"`
	SiteTimeout time.Duration `mapstructure:"site_timeout"`

	// Site IDs to register at startup; their datasets are loaded
	// separately.
	ScreeningSites  []string `mapstructure:"screening_sites"`
	MonitoringSites []string `mapstructure:"monitoring_sites"`

	// SeedDemoData loads a small synthetic dataset into every
	// registered site, for local development.
	SeedDemoData bool `mapstructure:"seed_demo_data"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("job_workers", 4)
	v.SetDefault("site_timeout", 30*time.Second)
	v.SetDefault("seed_demo_data", false)

	v.SetEnvPrefix("TRIALMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("trialmesh")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.trialmesh")
		if err := v.ReadInConfig(); err != nil {
			// No config file is fine; defaults and env cover it.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}
