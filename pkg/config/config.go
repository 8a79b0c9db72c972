// Package config provides file- and environment-based configuration for
// seqwire binaries. Environment variables use the SEQWIRE prefix, e.g.
// SEQWIRE_LOG_LEVEL=debug.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/seqwire/seqwire/pkg/transport"
)

// Config is the root configuration for a seqwire node.
type Config struct {
	// ListenAddr is the UDP bind address for the datagram channel.
	ListenAddr string `mapstructure:"listen_addr"`

	Log       LogConfig       `mapstructure:"log"`
	Transport TransportConfig `mapstructure:"transport"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // console or json
	File   string `mapstructure:"file"`   // empty = stderr

	Rotate     bool `mapstructure:"rotate"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
}

// TransportConfig tunes the reliable transport. Durations are
// milliseconds; zero means the transport default.
type TransportConfig struct {
	MaxRetries         int     `mapstructure:"max_retries"`
	InitialRTOMS       int     `mapstructure:"initial_rto_ms"`
	MinRTOMS           int     `mapstructure:"min_rto_ms"`
	MaxRTOMS           int     `mapstructure:"max_rto_ms"`
	AdvertisedWindow   int     `mapstructure:"advertised_window"`
	SlowStartThreshold int     `mapstructure:"slow_start_threshold"`
	RecvWindow         int     `mapstructure:"recv_window"`
	Rate               float64 `mapstructure:"rate"`
	Burst              int     `mapstructure:"burst"`
	WindowTimeoutMS    int     `mapstructure:"window_timeout_ms"`
	IdleTimeoutMS      int     `mapstructure:"idle_timeout_ms"`
	CloseGraceMS       int     `mapstructure:"close_grace_ms"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		ListenAddr: ":7400",
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads configuration from path if non-empty, otherwise searches for
// a `seqwire` config file in the working directory. A missing file is not
// an error; defaults and environment overrides still apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SEQWIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", cfg.ListenAddr)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("seqwire")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	return nil
}

// TransportConfig converts the file representation into the transport's
// native Config.
func (c *Config) TransportConfig() transport.Config {
	t := c.Transport
	return transport.Config{
		MaxRetries:         t.MaxRetries,
		InitialRTO:         time.Duration(t.InitialRTOMS) * time.Millisecond,
		MinRTO:             time.Duration(t.MinRTOMS) * time.Millisecond,
		MaxRTO:             time.Duration(t.MaxRTOMS) * time.Millisecond,
		AdvertisedWindow:   t.AdvertisedWindow,
		SlowStartThreshold: t.SlowStartThreshold,
		RecvWindow:         t.RecvWindow,
		Rate:               t.Rate,
		Burst:              t.Burst,
		WindowTimeout:      time.Duration(t.WindowTimeoutMS) * time.Millisecond,
		IdleTimeout:        time.Duration(t.IdleTimeoutMS) * time.Millisecond,
		CloseGrace:         time.Duration(t.CloseGraceMS) * time.Millisecond,
	}
}
