package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/conductor/internal/logger"
	"github.com/loykin/conductor/internal/recovery"
)

// Config is the top-level TOML structure for the conductor daemon.
type Config struct {
	Store    StoreConfig     `mapstructure:"store"`
	Process  ProcessConfig   `mapstructure:"process"`
	Health   HealthConfig    `mapstructure:"health"`
	Monitor  MonitorConfig   `mapstructure:"monitor"`
	Recovery recovery.Policy `mapstructure:"recovery"`
	Server   ServerConfig    `mapstructure:"server"`
	Log      logger.Config   `mapstructure:"log"`
}

type StoreConfig struct {
	// DSN selects the backend: postgres://... or a sqlite path.
	DSN string `mapstructure:"dsn"`
	// LazyLoad defers the full instance load until first use.
	LazyLoad bool `mapstructure:"lazy_load"`
}

type ProcessConfig struct {
	GracefulTimeout time.Duration       `mapstructure:"graceful_timeout"`
	StartGrace      time.Duration       `mapstructure:"start_grace"`
	PollInterval    time.Duration       `mapstructure:"poll_interval"`
	SampleInterval  time.Duration       `mapstructure:"sample_interval"`
	Log             logger.RotateConfig `mapstructure:"log"`
}

type HealthConfig struct {
	CheckTimeout    time.Duration `mapstructure:"check_timeout"`
	CPUThreshold    float64       `mapstructure:"cpu_threshold"`
	MemoryThreshold float64       `mapstructure:"memory_threshold_mb"`
	MinDiskFreeMB   float64       `mapstructure:"min_disk_free_mb"`
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
}

type MonitorConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	AlertCooldown time.Duration `mapstructure:"alert_cooldown"`
	HistoryCap    int           `mapstructure:"history_cap"`
}

type ServerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

// Load reads a TOML config file into Config.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Store.DSN == "" {
		cfg.Store.DSN = "conductor.db"
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = "127.0.0.1:8080"
	}
	return &cfg, nil
}
