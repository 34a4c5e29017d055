package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIBase == "" || cfg.KeyringService != "driftmail" {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.PollInterval() != 5*time.Minute {
		t.Errorf("PollInterval = %s, want 5m", cfg.PollInterval())
	}
}

func TestLoadOverridesAndBackfills(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := "api_base: https://mail.internal\npoll_interval_sec: 60\ndemo: true\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIBase != "https://mail.internal" {
		t.Errorf("APIBase = %q", cfg.APIBase)
	}
	if cfg.PollInterval() != time.Minute {
		t.Errorf("PollInterval = %s", cfg.PollInterval())
	}
	if !cfg.Demo {
		t.Error("demo not read")
	}
	if cfg.PushURL == "" || cfg.LogLevel != "info" {
		t.Errorf("missing keys not backfilled: %+v", cfg)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("api_base: [unclosed"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("malformed config loaded without error")
	}
}
