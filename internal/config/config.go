package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the server runtime parameters.
type Config struct {
	ListenAddress       string        `mapstructure:"listen_address"`
	AdminAddress        string        `mapstructure:"admin_address"`
	LogLevel            string        `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
	Auth                AuthConfig    `mapstructure:"auth"`
	Limits              LimitsConfig  `mapstructure:"limits"`
}

// AuthConfig controls token lifetime and the signed-timestamp freshness window.
type AuthConfig struct {
	TokenTTL        time.Duration `mapstructure:"token_ttl"`
	TimestampWindow time.Duration `mapstructure:"timestamp_window"`
}

// LimitsConfig bounds per-connection resource usage.
type LimitsConfig struct {
	MaxFrameBytes int64 `mapstructure:"max_frame_bytes"`
	SendBuffer    int   `mapstructure:"send_buffer"`
}

const (
	defaultListenAddress       = "0.0.0.0:8080"
	defaultAdminAddress        = "127.0.0.1:9090"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultTokenTTL            = time.Hour
	defaultTimestampWindow     = 5 * time.Minute
	defaultMaxFrameBytes       = 1 << 20
	defaultSendBuffer          = 32
)

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with ENIGMO_ and can override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ENIGMO")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("listen_address", defaultListenAddress)
	v.SetDefault("admin_address", defaultAdminAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("auth.token_ttl", defaultTokenTTL.String())
	v.SetDefault("auth.timestamp_window", defaultTimestampWindow.String())
	v.SetDefault("limits.max_frame_bytes", defaultMaxFrameBytes)
	v.SetDefault("limits.send_buffer", defaultSendBuffer)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	for key, dst := range map[string]*time.Duration{
		"shutdown_grace_period": &cfg.ShutdownGracePeriod,
		"auth.token_ttl":        &cfg.Auth.TokenTTL,
		"auth.timestamp_window": &cfg.Auth.TimestampWindow,
	} {
		dur, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = dur
	}

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListenAddress
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.Limits.MaxFrameBytes <= 0 {
		cfg.Limits.MaxFrameBytes = defaultMaxFrameBytes
	}
	if cfg.Limits.SendBuffer <= 0 {
		cfg.Limits.SendBuffer = defaultSendBuffer
	}

	return cfg, nil
}
