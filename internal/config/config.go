// Package config loads the TOML configuration shared by doipserver and
// doipcli. Keys left out of a file keep their defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/skshohagmiah/doip/internal/logging"
	"github.com/skshohagmiah/doip/internal/server"
	"github.com/skshohagmiah/doip/pkg/client"
)

// Config is the complete configuration.
type Config struct {
	Server server.Config
	// MetricsAddress serves /metrics when set, e.g. ":9090".
	MetricsAddress string

	Client  client.Options
	Logging logging.Config
}

// Default returns the built in configuration.
func Default() Config {
	return Config{
		Server:  server.DefaultConfig(),
		Client:  *client.DefaultOptions(),
		Logging: logging.DefaultConfig(),
	}
}

type fileConfig struct {
	Server    serverSection    `toml:"server"`
	Processor processorSection `toml:"processor"`
	Client    clientSection    `toml:"client"`
	Logging   loggingSection   `toml:"logging"`
}

type serverSection struct {
	ListenAddress  string `toml:"listen_address"`
	Port           int    `toml:"port"`
	MaxIdleTime    string `toml:"max_idle_time"`
	MaxConnections int    `toml:"max_connections"`
	BufferSize     int    `toml:"buffer_size"`
	MetricsAddress string `toml:"metrics_address"`
}

type processorSection struct {
	Name   string         `toml:"name"`
	Config map[string]any `toml:"config"`
}

type clientSection struct {
	ClientID     string `toml:"client_id"`
	MaxPoolSize  int    `toml:"max_pool_size"`
	MaxPools     int    `toml:"max_pools"`
	PoolTTL      string `toml:"pool_ttl"`
	DialTimeout  string `toml:"dial_timeout"`
	ReadTimeout  string `toml:"read_timeout"`
	WriteTimeout string `toml:"write_timeout"`
}

type loggingSection struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// Load reads the configuration file at path.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return apply(raw, meta)
}

// Parse reads configuration from TOML text.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return apply(raw, meta)
}

func apply(raw fileConfig, meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	cfg := Default()
	if err := applyServer(&cfg, raw, meta); err != nil {
		return Config{}, err
	}
	if err := applyClient(&cfg.Client, raw.Client, meta); err != nil {
		return Config{}, err
	}
	applyLogging(&cfg.Logging, raw.Logging, meta)
	return cfg, nil
}

func applyServer(cfg *Config, raw fileConfig, meta toml.MetaData) error {
	s := raw.Server
	if meta.IsDefined("server", "listen_address") {
		cfg.Server.ListenAddress = strings.TrimSpace(s.ListenAddress)
	}
	if meta.IsDefined("server", "port") {
		if s.Port < 0 || s.Port > 65535 {
			return fmt.Errorf("server.port out of range: %d", s.Port)
		}
		cfg.Server.Port = s.Port
	}
	if meta.IsDefined("server", "max_idle_time") {
		d, err := parseDuration("server.max_idle_time", s.MaxIdleTime)
		if err != nil {
			return err
		}
		cfg.Server.MaxIdleTime = d
	}
	if meta.IsDefined("server", "max_connections") {
		cfg.Server.MaxConnections = s.MaxConnections
	}
	if meta.IsDefined("server", "buffer_size") {
		cfg.Server.BufferSize = s.BufferSize
	}
	if meta.IsDefined("server", "metrics_address") {
		cfg.MetricsAddress = strings.TrimSpace(s.MetricsAddress)
	}

	if meta.IsDefined("processor", "name") {
		cfg.Server.ProcessorName = strings.TrimSpace(raw.Processor.Name)
	}
	if meta.IsDefined("processor", "config") {
		cfg.Server.ProcessorConfig = raw.Processor.Config
	}
	return nil
}

func applyClient(cfg *client.Options, c clientSection, meta toml.MetaData) error {
	if meta.IsDefined("client", "client_id") {
		cfg.ClientID = strings.TrimSpace(c.ClientID)
	}
	if meta.IsDefined("client", "max_pool_size") {
		cfg.MaxPoolSize = c.MaxPoolSize
	}
	if meta.IsDefined("client", "max_pools") {
		cfg.MaxPools = c.MaxPools
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"pool_ttl", c.PoolTTL, &cfg.PoolTTL},
		{"dial_timeout", c.DialTimeout, &cfg.DialTimeout},
		{"read_timeout", c.ReadTimeout, &cfg.ReadTimeout},
		{"write_timeout", c.WriteTimeout, &cfg.WriteTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined("client", d.key) {
			continue
		}
		v, err := parseDuration("client."+d.key, d.raw)
		if err != nil {
			return err
		}
		*d.dst = v
	}
	return nil
}

func applyLogging(cfg *logging.Config, l loggingSection, meta toml.MetaData) {
	if meta.IsDefined("logging", "level") {
		cfg.Level = strings.TrimSpace(l.Level)
	}
	if meta.IsDefined("logging", "format") {
		cfg.Format = strings.TrimSpace(l.Format)
	}
	if meta.IsDefined("logging", "file") {
		cfg.File = strings.TrimSpace(l.File)
	}
	if meta.IsDefined("logging", "max_size_mb") {
		cfg.MaxSizeMB = l.MaxSizeMB
	}
	if meta.IsDefined("logging", "max_backups") {
		cfg.MaxBackups = l.MaxBackups
	}
	if meta.IsDefined("logging", "max_age_days") {
		cfg.MaxAgeDays = l.MaxAgeDays
	}
	if meta.IsDefined("logging", "compress") {
		cfg.Compress = l.Compress
	}
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return d, nil
}
