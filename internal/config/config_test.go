package config

import (
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Name != "taf" {
		t.Errorf("expected Name=taf, got %s", cfg.Name)
	}
	if cfg.Signing.DefaultScheme != "rsa-pkcs1v15-sha256" {
		t.Errorf("expected default scheme rsa-pkcs1v15-sha256, got %s", cfg.Signing.DefaultScheme)
	}
	if cfg.Updater.Concurrency != 4 {
		t.Errorf("expected Concurrency=4, got %d", cfg.Updater.Concurrency)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfig_SaveLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")

	cfg := DefaultConfig()
	cfg.Signing.DefaultScheme = "ed25519"
	cfg.Updater.Concurrency = 8

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Signing.DefaultScheme != "ed25519" {
		t.Errorf("expected scheme ed25519, got %s", loaded.Signing.DefaultScheme)
	}
	if loaded.Updater.Concurrency != 8 {
		t.Errorf("expected Concurrency=8, got %d", loaded.Updater.Concurrency)
	}
}

func TestConfig_LoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file should yield defaults: %v", err)
	}
	if cfg.Updater.DefaultBranch != "main" {
		t.Errorf("expected default branch main, got %s", cfg.Updater.DefaultBranch)
	}
}

func TestConfig_EnvOverrides(t *testing.T) {
	t.Setenv("TAF_KEYSTORE", "/mnt/keys")
	t.Setenv("TAF_SIGNING_SCHEME", "rsassa-pss-sha256")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	if cfg.Keystore.Path != "/mnt/keys" {
		t.Errorf("expected keystore /mnt/keys, got %s", cfg.Keystore.Path)
	}
	if cfg.Signing.DefaultScheme != "rsassa-pss-sha256" {
		t.Errorf("expected scheme override, got %s", cfg.Signing.DefaultScheme)
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Signing.DefaultScheme = "dsa-sha1"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for unknown scheme")
	}

	cfg = DefaultConfig()
	cfg.Updater.Concurrency = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for zero concurrency")
	}

	cfg = DefaultConfig()
	cfg.Signing.TimestampExpiresDays = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for zero expiration")
	}
}

func TestHome_EnvOverride(t *testing.T) {
	t.Setenv("TAF_HOME", "/srv/taf")
	if got := Home(); got != "/srv/taf" {
		t.Errorf("expected /srv/taf, got %s", got)
	}
}
