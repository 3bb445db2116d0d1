package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFile(t *testing.T) {
	t.Setenv(envListen, "")
	t.Setenv(envLogLevel, "")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() should not fail on a missing file: %s", err.Error())
	}
	if cfg.ListenAddr != "127.0.0.1:8891" {
		t.Errorf("Expected default listen address, got '%s'", cfg.ListenAddr)
	}
	if cfg.StatsFlushInterval != 5*time.Minute {
		t.Errorf("Expected default stats flush interval of 5m, got %s", cfg.StatsFlushInterval)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "deskthing.yaml")
	content := "dataDir: " + dir + "\nlistenAddr: 127.0.0.1:9000\nreleaseTTL: 30m\nlogLevel: debug\n"
	if err := os.WriteFile(cfgFile, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(envStatsClient+"=from-dotenv\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(envListen, "127.0.0.1:9100")
	t.Setenv(envLogLevel, "")
	t.Setenv(envStatsClient, "")
	os.Unsetenv(envStatsClient)

	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("Load() failed: %s", err.Error())
	}
	if cfg.ReleaseTTL != 30*time.Minute {
		t.Errorf("Expected release TTL of 30m, got %s", cfg.ReleaseTTL)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("Expected log level 'debug', got '%s'", cfg.LogLevel)
	}
	if cfg.ListenAddr != "127.0.0.1:9100" {
		t.Errorf("Environment should override the listen address, got '%s'", cfg.ListenAddr)
	}
	if cfg.StatsClientID != "from-dotenv" {
		t.Errorf("Expected stats client id from .env, got '%s'", cfg.StatsClientID)
	}
	if cfg.SettingsPath() != filepath.Join(dir, "settings.yaml") {
		t.Errorf("Unexpected settings path '%s'", cfg.SettingsPath())
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "loud"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should reject an unknown log level")
	}

	cfg = Default()
	cfg.StatsEndpoint = "not a url"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should reject an invalid stats endpoint")
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("Default config should be valid: %s", err.Error())
	}
}
