package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the relay runtime parameters.
type Config struct {
	ListenAddress       string        `mapstructure:"listen_address"`
	AdminAddress        string        `mapstructure:"admin_address"`
	LogLevel            string        `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
	Storage             StorageConfig `mapstructure:"storage"`
	Session             SessionConfig `mapstructure:"session"`
}

// StorageConfig describes the SQLite-backed collaborator.
type StorageConfig struct {
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SessionConfig bounds per-connection resources.
type SessionConfig struct {
	SendBuffer int     `mapstructure:"send_buffer"`
	FrameRate  float64 `mapstructure:"frame_rate"`
	FrameBurst int     `mapstructure:"frame_burst"`
}

const (
	defaultListenAddress       = "0.0.0.0:8080"
	defaultAdminAddress        = "0.0.0.0:9090"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultStoragePath         = "data/relay.db"
	defaultStorageTimeout      = 5 * time.Second
	defaultSendBuffer          = 32
	defaultFrameRate           = 20.0
	defaultFrameBurst          = 40
)

// Load reads configuration from the provided file path (if any) and the
// environment. Environment variables are prefixed with RELAY_ and can
// override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RELAY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("listen_address", defaultListenAddress)
	v.SetDefault("admin_address", defaultAdminAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("storage.path", defaultStoragePath)
	v.SetDefault("storage.timeout", defaultStorageTimeout.String())
	v.SetDefault("session.send_buffer", defaultSendBuffer)
	v.SetDefault("session.frame_rate", defaultFrameRate)
	v.SetDefault("session.frame_burst", defaultFrameBurst)

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
	dur, err := parseDuration(v.GetString("shutdown_grace_period"), "shutdown_grace_period")
	if err != nil {
		return Config{}, err
	}
	cfg.ShutdownGracePeriod = dur

	dur, err = parseDuration(v.GetString("storage.timeout"), "storage.timeout")
	if err != nil {
		return Config{}, err
	}
	cfg.Storage.Timeout = dur

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListenAddress
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = defaultStoragePath
	}
	if cfg.Session.SendBuffer <= 0 {
		cfg.Session.SendBuffer = defaultSendBuffer
	}
	if cfg.Session.FrameRate <= 0 {
		cfg.Session.FrameRate = defaultFrameRate
	}
	if cfg.Session.FrameBurst <= 0 {
		cfg.Session.FrameBurst = defaultFrameBurst
	}

	return cfg, nil
}

func parseDuration(raw, key string) (time.Duration, error) {
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return dur, nil
}
