package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"prism-sync/localcache"
)

// Config is the client configuration, merged from the config file,
// PRISM_SYNC_* environment variables and command-line flags.
type Config struct {
	APIURL         string        `mapstructure:"api_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Notifier       string        `mapstructure:"notifier"`
	Debug          bool          `mapstructure:"debug"`
	Cache          CacheConfig   `mapstructure:"cache"`
}

// CacheConfig selects the device-local store.
type CacheConfig struct {
	Backend    string `mapstructure:"backend"`
	Dir        string `mapstructure:"dir"`
	SQLitePath string `mapstructure:"sqlite_path"`
	RedisURL   string `mapstructure:"redis_url"`
	Namespace  string `mapstructure:"namespace"`
}

func defaultConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "prism-sync")
	}
	return ".prism-sync"
}

func setDefaults(v *viper.Viper) {
	dir := defaultConfigDir()
	v.SetDefault("api_url", "http://localhost:8080")
	v.SetDefault("request_timeout", 15*time.Second)
	v.SetDefault("notifier", "terminal")
	v.SetDefault("debug", false)
	v.SetDefault("cache.backend", "file")
	v.SetDefault("cache.dir", filepath.Join(dir, "cache"))
	v.SetDefault("cache.sqlite_path", filepath.Join(dir, "cache.db"))
	v.SetDefault("cache.redis_url", "redis://localhost:6379/0")
	v.SetDefault("cache.namespace", "prism-sync")
}

// loadConfig reads configFile, or config.yaml from the default directory
// when configFile is empty. A missing default file is not an error.
func loadConfig(v *viper.Viper, configFile string) (Config, error) {
	setDefaults(v)
	v.SetEnvPrefix("PRISM_SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(defaultConfigDir())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.APIURL == "" {
		return Config{}, errors.New("api_url is required")
	}
	return cfg, nil
}

// openStore returns the configured local store and a function releasing it.
func openStore(cfg CacheConfig) (localcache.Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case "memory":
		return localcache.NewMemoryStore(), noop, nil
	case "file", "":
		s, err := localcache.NewFileStore(cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o700); err != nil {
			return nil, nil, fmt.Errorf("create cache directory: %w", err)
		}
		s, err := localcache.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		return localcache.NewRedisStore(client, cfg.Namespace, 0), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
