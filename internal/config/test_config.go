package config

import "time"

// TestConfig returns a config suitable for testing: short timeouts,
// few retries, and local callbacks allowed so httptest servers pass
// validation.
func TestConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:                "127.0.0.1:0",
			AllowLocalCallbacks: true,
		},
		Database: DatabaseConfig{
			Path:    "", // tests supply a t.TempDir() path
			Timeout: 1 * time.Second,
		},
		Feed: FeedConfig{
			HTTPTimeout:     5 * time.Second,
			PollInterval:    1 * time.Minute,
			CheckInterval:   10 * time.Millisecond,
			UserAgent:       "hubbub-test/1.0",
			MaxFetchRetries: 2,
			FetchRetryBase:  10 * time.Millisecond,
		},
		Verify: VerifyConfig{
			Timeout:     5 * time.Second,
			Workers:     2,
			MaxAttempts: 2,
			RetryBase:   10 * time.Millisecond,
		},
		Delivery: DeliveryConfig{
			Timeout:          5 * time.Second,
			Workers:          2,
			MaxAttempts:      3,
			RetryBase:        5 * time.Millisecond,
			RetryMultiplier:  2,
			FailureThreshold: 2,
		},
		Subscription: SubscriptionConfig{
			DefaultLease:  1 * time.Hour,
			SweepInterval: 1 * time.Minute,
		},
		Log: LogConfig{
			Level: "OFF",
		},
	}
}
