package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	MessageDirector MDConfig      `toml:"message_director"`
	ClientAgent     CAConfig      `toml:"client_agent"`
	Metrics         MetricsConfig `toml:"metrics"`
	Logging         LoggingConfig `toml:"logging"`
}

type MDConfig struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
}

type CAConfig struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	MDAddress   string `toml:"md_address"`

	MinChannel uint64 `toml:"min_channel"`
	MaxChannel uint64 `toml:"max_channel"`

	ServerVersion  string `toml:"server_version"`
	DCHash         uint32 `toml:"dc_hash"`
	ValidateDCHash bool   `toml:"validate_dc_hash"`

	TokenDBPath string `toml:"token_db_path"`
	VisTable    string `toml:"vis_table"`
	NameDict    string `toml:"name_dictionary"`

	HeartbeatInterval time.Duration `toml:"heartbeat_interval"`
	DatabaseTimeout   time.Duration `toml:"database_timeout"`
}

type MetricsConfig struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "console"
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Defaults()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func Defaults() *Config {
	return &Config{
		MessageDirector: MDConfig{
			Enabled:     true,
			BindAddress: "127.0.0.1:7101",
		},
		ClientAgent: CAConfig{
			Enabled:           true,
			BindAddress:       "0.0.0.0:6667",
			MDAddress:         "127.0.0.1:7101",
			MinChannel:        1000000000,
			MaxChannel:        1009999999,
			ServerVersion:     "no-version",
			DCHash:            0,
			ValidateDCHash:    true,
			TokenDBPath:       "databases/play_tokens",
			VisTable:          "etc/vis_table.toml",
			NameDict:          "etc/name_dictionary.toml",
			HeartbeatInterval: 15 * time.Second,
			DatabaseTimeout:   5 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:     false,
			BindAddress: "127.0.0.1:9100",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
