package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Feed         FeedConfig         `mapstructure:"feed"`
	Verify       VerifyConfig       `mapstructure:"verify"`
	Delivery     DeliveryConfig     `mapstructure:"delivery"`
	Subscription SubscriptionConfig `mapstructure:"subscription"`
	Log          LogConfig          `mapstructure:"log"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// AllowLocalCallbacks permits localhost and private-network
	// callback/topic URLs, for development and tests.
	AllowLocalCallbacks bool `mapstructure:"allow_local_callbacks"`
}

type DatabaseConfig struct {
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type FeedConfig struct {
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
	// PollInterval spaces periodic re-fetches of a topic absent
	// publisher pings. The protocol leaves this to hub policy.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// CheckInterval is how often the scheduler scans for due topics.
	CheckInterval   time.Duration `mapstructure:"check_interval"`
	UserAgent       string        `mapstructure:"user_agent"`
	MaxFetchRetries int           `mapstructure:"max_fetch_retries"`
	FetchRetryBase  time.Duration `mapstructure:"fetch_retry_base"`
}

type VerifyConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Workers int           `mapstructure:"workers"`
	// MaxAttempts bounds async verification retries after transport
	// failures; explicit rejections are never retried.
	MaxAttempts int           `mapstructure:"max_attempts"`
	RetryBase   time.Duration `mapstructure:"retry_base"`
}

type DeliveryConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	Workers         int           `mapstructure:"workers"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	RetryBase       time.Duration `mapstructure:"retry_base"`
	RetryMultiplier float64       `mapstructure:"retry_multiplier"`
	// FailureThreshold is how many exhausted delivery tasks in a row
	// unsubscribe a callback hub-side. The protocol defines no bound,
	// so this is a documented hub policy.
	FailureThreshold int `mapstructure:"failure_threshold"`
}

type SubscriptionConfig struct {
	// DefaultLease applies when the subscriber requests no
	// hub.lease_seconds.
	DefaultLease  time.Duration `mapstructure:"default_lease"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	Path  string `mapstructure:"path"`
}

func defaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dbPath := filepath.Join(homeDir, ".hubbub", "hub.db")
	logPath := filepath.Join(homeDir, ".hubbub", "hub.log")

	return &Config{
		Server: ServerConfig{
			Addr:                ":8080",
			AllowLocalCallbacks: false,
		},
		Database: DatabaseConfig{
			Path:    dbPath,
			Timeout: 1 * time.Second,
		},
		Feed: FeedConfig{
			HTTPTimeout:     30 * time.Second,
			PollInterval:    3 * time.Hour,
			CheckInterval:   1 * time.Minute,
			UserAgent:       "hubbub/1.0 (PubSubHubbub hub; github.com/pders01/hubbub)",
			MaxFetchRetries: 9,
			FetchRetryBase:  1 * time.Minute,
		},
		Verify: VerifyConfig{
			Timeout:     30 * time.Second,
			Workers:     4,
			MaxAttempts: 10,
			RetryBase:   5 * time.Minute,
		},
		Delivery: DeliveryConfig{
			Timeout:          30 * time.Second,
			Workers:          8,
			MaxAttempts:      8,
			RetryBase:        1 * time.Minute,
			RetryMultiplier:  2,
			FailureThreshold: 8,
		},
		Subscription: SubscriptionConfig{
			DefaultLease:  90 * 24 * time.Hour,
			SweepInterval: 10 * time.Minute,
		},
		Log: LogConfig{
			Level: "INFO",
			Path:  logPath,
		},
	}
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	cfg := defaultConfig()
	v.SetDefault("server", cfg.Server)
	v.SetDefault("database", cfg.Database)
	v.SetDefault("feed", cfg.Feed)
	v.SetDefault("verify", cfg.Verify)
	v.SetDefault("delivery", cfg.Delivery)
	v.SetDefault("subscription", cfg.Subscription)
	v.SetDefault("log", cfg.Log)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		homeDir, _ := os.UserHomeDir()
		configDir := filepath.Join(homeDir, ".config", "hubbub")

		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(configDir)
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("HUBBUB")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	expandPaths(&config)

	return &config, nil
}

// expandPath expands ~ to home directory and converts to absolute path
func expandPath(path string) string {
	if path == "" {
		return path
	}

	if len(path) >= 2 && path[:2] == "~/" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[2:])
	}

	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}

	return path
}

func expandPaths(cfg *Config) {
	cfg.Database.Path = expandPath(cfg.Database.Path)
	cfg.Log.Path = expandPath(cfg.Log.Path)
}

func Save(config *Config, path string) error {
	v := viper.New()

	v.Set("server", map[string]interface{}{
		"addr":                  config.Server.Addr,
		"allow_local_callbacks": config.Server.AllowLocalCallbacks,
	})
	v.Set("database", map[string]interface{}{
		"path":    config.Database.Path,
		"timeout": config.Database.Timeout.String(),
	})
	v.Set("feed", map[string]interface{}{
		"http_timeout":      config.Feed.HTTPTimeout.String(),
		"poll_interval":     config.Feed.PollInterval.String(),
		"check_interval":    config.Feed.CheckInterval.String(),
		"user_agent":        config.Feed.UserAgent,
		"max_fetch_retries": config.Feed.MaxFetchRetries,
		"fetch_retry_base":  config.Feed.FetchRetryBase.String(),
	})
	v.Set("verify", map[string]interface{}{
		"timeout":      config.Verify.Timeout.String(),
		"workers":      config.Verify.Workers,
		"max_attempts": config.Verify.MaxAttempts,
		"retry_base":   config.Verify.RetryBase.String(),
	})
	v.Set("delivery", map[string]interface{}{
		"timeout":           config.Delivery.Timeout.String(),
		"workers":           config.Delivery.Workers,
		"max_attempts":      config.Delivery.MaxAttempts,
		"retry_base":        config.Delivery.RetryBase.String(),
		"retry_multiplier":  config.Delivery.RetryMultiplier,
		"failure_threshold": config.Delivery.FailureThreshold,
	})
	v.Set("subscription", map[string]interface{}{
		"default_lease":  config.Subscription.DefaultLease.String(),
		"sweep_interval": config.Subscription.SweepInterval.String(),
	})
	v.Set("log", map[string]interface{}{
		"level": config.Log.Level,
		"path":  config.Log.Path,
	})

	v.SetConfigType("toml")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}

// GenerateDefaultConfig writes the built-in defaults to a config file
// so operators have a template of every policy knob.
func GenerateDefaultConfig(path string) error {
	return Save(defaultConfig(), path)
}
