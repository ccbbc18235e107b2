// Package config loads the pylon service configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"pylon/internal/utils/log"
)

type (
	Config struct {
		HTTP            HTTPConfig       `mapstructure:"http"`
		Rendezvous      RendezvousConfig `mapstructure:"rendezvous"`
		Registry        RegistryConfig   `mapstructure:"registry"`
		Send            SendConfig       `mapstructure:"send"`
		Receipts        ReceiptsConfig   `mapstructure:"receipts"`
		Redis           RedisConfig      `mapstructure:"redis"`
		Mongo           MongoConfig      `mapstructure:"mongo"`
		FingerprintSalt string           `mapstructure:"fingerprint_salt"`
		Log             LogConfig        `mapstructure:"log"`
	}

	HTTPConfig struct {
		Addr           string        `mapstructure:"addr"`
		StaticDir      string        `mapstructure:"static_dir"`
		CORSOrigins    []string      `mapstructure:"cors_origins"`
		ReceiveTimeout time.Duration `mapstructure:"receive_timeout"`
	}

	RendezvousConfig struct {
		// Kind is "wormhole" for the public magic-wormhole mailbox or "memory"
		// for an in-process relay.
		Kind       string `mapstructure:"kind"`
		AppID      string `mapstructure:"app_id"`
		URL        string `mapstructure:"url"`
		CodeLength int    `mapstructure:"code_length"`
	}

	// RegistryConfig controls how long an unclaimed code is kept. A zero lease
	// keeps codes until they are sent to.
	RegistryConfig struct {
		Lease         time.Duration `mapstructure:"lease"`
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
	}

	SendConfig struct {
		Async bool `mapstructure:"async"`
	}

	ReceiptsConfig struct {
		TTL time.Duration `mapstructure:"ttl"`
	}

	// RedisConfig enables the redis receipt store when Addr is set.
	RedisConfig struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	}

	// MongoConfig enables the transfer audit log when URI is set.
	MongoConfig struct {
		URI      string `mapstructure:"uri"`
		Database string `mapstructure:"database"`
	}

	LogConfig struct {
		Level       string         `mapstructure:"level"`
		Format      string         `mapstructure:"format"`
		Outputs     []string       `mapstructure:"outputs"`
		Development bool           `mapstructure:"development"`
		Rotation    RotationConfig `mapstructure:"rotation"`
	}

	RotationConfig struct {
		Enable     bool   `mapstructure:"enable"`
		Filename   string `mapstructure:"filename"`
		MaxSizeMB  int    `mapstructure:"max_size_mb"`
		MaxBackups int    `mapstructure:"max_backups"`
		MaxAgeDays int    `mapstructure:"max_age_days"`
		Compress   bool   `mapstructure:"compress"`
	}
)

const (
	DefaultAppID         = "com.nikhil-prabhu.pylon-web"
	DefaultRendezvousURL = "ws://relay.magic-wormhole.io:4000/v1"
	DefaultCodeLength    = 2
)

func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:        "localhost:8000",
			CORSOrigins: []string{"*"},
		},
		Rendezvous: RendezvousConfig{
			Kind:       "wormhole",
			AppID:      DefaultAppID,
			URL:        DefaultRendezvousURL,
			CodeLength: DefaultCodeLength,
		},
		Registry: RegistryConfig{
			Lease:         10 * time.Minute,
			SweepInterval: 30 * time.Second,
		},
		Receipts: ReceiptsConfig{TTL: time.Hour},
		Mongo:    MongoConfig{Database: "pylon"},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stdout"},
			Rotation: RotationConfig{
				Filename:   "logs/pylon.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from path (if non-empty), otherwise from PYLON_CONFIG
// or a pylon.yaml found in the usual locations. Environment variables use the
// PYLON prefix with "." replaced by "_", e.g. PYLON_HTTP_ADDR.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PYLON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if path == "" {
		path = os.Getenv("PYLON_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pylon")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".pylon"))
		}
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

// env-only configs need every key known to viper up front
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.static_dir", cfg.HTTP.StaticDir)
	v.SetDefault("http.cors_origins", cfg.HTTP.CORSOrigins)
	v.SetDefault("http.receive_timeout", cfg.HTTP.ReceiveTimeout)
	v.SetDefault("rendezvous.kind", cfg.Rendezvous.Kind)
	v.SetDefault("rendezvous.app_id", cfg.Rendezvous.AppID)
	v.SetDefault("rendezvous.url", cfg.Rendezvous.URL)
	v.SetDefault("rendezvous.code_length", cfg.Rendezvous.CodeLength)
	v.SetDefault("registry.lease", cfg.Registry.Lease)
	v.SetDefault("registry.sweep_interval", cfg.Registry.SweepInterval)
	v.SetDefault("send.async", cfg.Send.Async)
	v.SetDefault("receipts.ttl", cfg.Receipts.TTL)
	v.SetDefault("redis.addr", cfg.Redis.Addr)
	v.SetDefault("redis.password", cfg.Redis.Password)
	v.SetDefault("redis.db", cfg.Redis.DB)
	v.SetDefault("mongo.uri", cfg.Mongo.URI)
	v.SetDefault("mongo.database", cfg.Mongo.Database)
	v.SetDefault("fingerprint_salt", cfg.FingerprintSalt)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	switch c.Rendezvous.Kind {
	case "wormhole", "memory":
	default:
		return fmt.Errorf("invalid rendezvous.kind: %q", c.Rendezvous.Kind)
	}

	if strings.TrimSpace(c.Rendezvous.AppID) == "" {
		return errors.New("rendezvous.app_id cannot be empty")
	}
	if c.Rendezvous.CodeLength < 1 {
		return fmt.Errorf("rendezvous.code_length must be positive, got %d", c.Rendezvous.CodeLength)
	}
	if c.Registry.Lease < 0 {
		return fmt.Errorf("registry.lease cannot be negative: %s", c.Registry.Lease)
	}
	if c.Registry.Lease > 0 && c.Registry.SweepInterval <= 0 {
		return errors.New("registry.sweep_interval must be positive when a lease is set")
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return errors.New("http.addr cannot be empty")
	}
	return nil
}

// LogOptions converts the log section for log.Setup.
func (c *Config) LogOptions() log.Options {
	return log.Options{
		Level:       c.Log.Level,
		Format:      c.Log.Format,
		Outputs:     c.Log.Outputs,
		Development: c.Log.Development,
		Rotation: log.Rotation{
			Enable:     c.Log.Rotation.Enable,
			Filename:   c.Log.Rotation.Filename,
			MaxSizeMB:  c.Log.Rotation.MaxSizeMB,
			MaxBackups: c.Log.Rotation.MaxBackups,
			MaxAgeDays: c.Log.Rotation.MaxAgeDays,
			Compress:   c.Log.Rotation.Compress,
		},
	}
}
