package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	// Test server defaults
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr = %s, want ':8080'", cfg.Server.Addr)
	}
	if cfg.Server.AllowLocalCallbacks {
		t.Error("Server.AllowLocalCallbacks should default to false")
	}

	// Test feed defaults
	if cfg.Feed.HTTPTimeout != 30*time.Second {
		t.Errorf("Feed.HTTPTimeout = %v, want 30s", cfg.Feed.HTTPTimeout)
	}
	if cfg.Feed.PollInterval != 3*time.Hour {
		t.Errorf("Feed.PollInterval = %v, want 3h", cfg.Feed.PollInterval)
	}
	if cfg.Feed.UserAgent == "" {
		t.Error("Feed.UserAgent should not be empty")
	}

	// Test retry policy defaults
	if cfg.Verify.MaxAttempts != 10 {
		t.Errorf("Verify.MaxAttempts = %d, want 10", cfg.Verify.MaxAttempts)
	}
	if cfg.Delivery.MaxAttempts != 8 {
		t.Errorf("Delivery.MaxAttempts = %d, want 8", cfg.Delivery.MaxAttempts)
	}
	if cfg.Delivery.FailureThreshold != 8 {
		t.Errorf("Delivery.FailureThreshold = %d, want 8", cfg.Delivery.FailureThreshold)
	}

	// Test subscription defaults
	if cfg.Subscription.DefaultLease != 90*24*time.Hour {
		t.Errorf("Subscription.DefaultLease = %v, want 90 days", cfg.Subscription.DefaultLease)
	}
}

func TestLoad_DefaultConfig(t *testing.T) {
	// Test loading without a config file (should use defaults)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg == nil {
		t.Fatal("Load() returned nil config")
	}

	// Should have default values
	if cfg.Feed.PollInterval != 3*time.Hour {
		t.Errorf("Feed.PollInterval = %v, want 3h", cfg.Feed.PollInterval)
	}
}

func TestLoad_FromFile(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "config-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	configPath := filepath.Join(tmpDir, "test-config.toml")
	configContent := `
[server]
addr = ":9090"
allow_local_callbacks = true

[database]
path = "/tmp/test.db"
timeout = "10s"

[feed]
http_timeout = "60s"
poll_interval = "1h"
user_agent = "test-agent"

[delivery]
failure_threshold = 3
`

	if writeErr := os.WriteFile(configPath, []byte(configContent), 0o644); writeErr != nil {
		t.Fatal(writeErr)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Check loaded values
	if cfg.Server.Addr != ":9090" {
		t.Errorf("Server.Addr = %s, want ':9090'", cfg.Server.Addr)
	}
	if !cfg.Server.AllowLocalCallbacks {
		t.Error("Server.AllowLocalCallbacks should be true")
	}
	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %s, want '/tmp/test.db'", cfg.Database.Path)
	}
	if cfg.Feed.HTTPTimeout != 60*time.Second {
		t.Errorf("Feed.HTTPTimeout = %v, want 60s", cfg.Feed.HTTPTimeout)
	}
	if cfg.Feed.PollInterval != 1*time.Hour {
		t.Errorf("Feed.PollInterval = %v, want 1h", cfg.Feed.PollInterval)
	}
	if cfg.Delivery.FailureThreshold != 3 {
		t.Errorf("Delivery.FailureThreshold = %d, want 3", cfg.Delivery.FailureThreshold)
	}

	// Unset sections keep their defaults
	if cfg.Verify.MaxAttempts != 10 {
		t.Errorf("Verify.MaxAttempts = %d, want default 10", cfg.Verify.MaxAttempts)
	}
}

func TestSave(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "config-save-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	cfg := defaultConfig()
	cfg.Server.Addr = ":7070"
	cfg.Feed.UserAgent = "test-save-agent"
	cfg.Delivery.Workers = 3

	savePath := filepath.Join(tmpDir, "saved-config.toml")
	if saveErr := Save(cfg, savePath); saveErr != nil {
		t.Fatalf("Save() error = %v", saveErr)
	}

	// Verify file was created
	if _, statErr := os.Stat(savePath); os.IsNotExist(statErr) {
		t.Fatal("Save() did not create config file")
	}

	// Load it back and verify
	loaded, err := Load(savePath)
	if err != nil {
		t.Fatalf("Failed to load saved config: %v", err)
	}

	if loaded.Server.Addr != cfg.Server.Addr {
		t.Errorf("Loaded Server.Addr = %s, want %s", loaded.Server.Addr, cfg.Server.Addr)
	}
	if loaded.Feed.UserAgent != cfg.Feed.UserAgent {
		t.Errorf("Loaded Feed.UserAgent = %s, want %s", loaded.Feed.UserAgent, cfg.Feed.UserAgent)
	}
	if loaded.Delivery.Workers != cfg.Delivery.Workers {
		t.Errorf("Loaded Delivery.Workers = %d, want %d", loaded.Delivery.Workers, cfg.Delivery.Workers)
	}
}

func TestGenerateDefaultConfig(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "config-gen-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	configPath := filepath.Join(tmpDir, "generated.toml")
	if genErr := GenerateDefaultConfig(configPath); genErr != nil {
		t.Fatalf("GenerateDefaultConfig() error = %v", genErr)
	}

	// Verify file exists
	if _, statErr := os.Stat(configPath); os.IsNotExist(statErr) {
		t.Fatal("GenerateDefaultConfig() did not create file")
	}

	// Load and verify it has defaults
	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load generated config: %v", err)
	}

	if cfg.Subscription.DefaultLease != 90*24*time.Hour {
		t.Errorf("Generated config has Subscription.DefaultLease = %v, want 90 days", cfg.Subscription.DefaultLease)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	expanded := expandPath("~/data/hub.db")
	if expanded != filepath.Join(home, "data", "hub.db") {
		t.Errorf("expandPath() = %s, want home-relative path", expanded)
	}

	if expandPath("") != "" {
		t.Error("expandPath(\"\") should stay empty")
	}

	if !filepath.IsAbs(expandPath("relative/path.db")) {
		t.Error("expandPath() should return an absolute path")
	}
}

func TestTestConfig(t *testing.T) {
	cfg := TestConfig()

	if cfg == nil {
		t.Fatal("TestConfig() returned nil")
	}

	// Verify test-specific settings
	if !cfg.Server.AllowLocalCallbacks {
		t.Error("TestConfig must allow local callbacks for httptest servers")
	}
	if cfg.Feed.UserAgent != "hubbub-test/1.0" {
		t.Errorf("TestConfig Feed.UserAgent = %s, want 'hubbub-test/1.0'", cfg.Feed.UserAgent)
	}
}
