package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	cfg := NewDefaultConfig()
	path := filepath.Join(t.TempDir(), "gembridge.toml")
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	return NewStore(path, cfg)
}

func TestLoadOrCreateWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "gembridge.toml")
	cfg, err := LoadOrCreateConfig(path)
	if err != nil {
		t.Fatalf("LoadOrCreateConfig: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:8000" || !cfg.Enabled {
		t.Fatalf("defaults = %+v", cfg)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not created: %v", err)
	}

	reloaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if reloaded.DefaultModel != cfg.DefaultModel {
		t.Fatalf("reloaded = %+v", reloaded)
	}
}

func TestUpdatePersistsAndSwaps(t *testing.T) {
	s := tempStore(t)
	err := s.Update(func(cfg *Config) error {
		cfg.DefaultModel = "gemini-3.0-pro"
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := s.Snapshot().DefaultModel; got != "gemini-3.0-pro" {
		t.Fatalf("snapshot model = %q", got)
	}
	onDisk, err := LoadConfig(s.Path())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if onDisk.DefaultModel != "gemini-3.0-pro" {
		t.Fatalf("on-disk model = %q", onDisk.DefaultModel)
	}
}

func TestUpdateValidationFailureLeavesMemoryUntouched(t *testing.T) {
	s := tempStore(t)
	err := s.Update(func(cfg *Config) error {
		cfg.TLS.Enabled = true
		cfg.TLS.Domain = ""
		return nil
	})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if s.Snapshot().TLS.Enabled {
		t.Fatal("invalid config swapped into memory")
	}
}

func TestUpdatePersistFailureLeavesMemoryUntouched(t *testing.T) {
	cfg := NewDefaultConfig()
	// A path whose parent is a regular file cannot be written.
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	s := NewStore(filepath.Join(blocker, "gembridge.toml"), cfg)

	err := s.Update(func(c *Config) error {
		c.DefaultModel = "gemini-3.0-pro"
		return nil
	})
	if err == nil {
		t.Fatal("expected persist error")
	}
	if got := s.Snapshot().DefaultModel; got != "gemini-3.0-flash" {
		t.Fatalf("memory changed despite failed persist: %q", got)
	}
}

func TestSetCredentialsRequiresBothCookies(t *testing.T) {
	s := tempStore(t)
	if err := s.SetCredentials(Credentials{Secure1PSID: "only"}); err == nil {
		t.Fatal("expected error for incomplete pair")
	}
	if _, ok := s.Credentials(); ok {
		t.Fatal("partial credentials reported complete")
	}

	if err := s.SetCredentials(Credentials{Secure1PSID: "a", Secure1PSIDTS: "b"}); err != nil {
		t.Fatalf("SetCredentials: %v", err)
	}
	creds, ok := s.Credentials()
	if !ok || creds.Secure1PSID != "a" || creds.Secure1PSIDTS != "b" {
		t.Fatalf("credentials = %+v ok=%v", creds, ok)
	}
	if creds.ExtractedAt.IsZero() {
		t.Fatal("extracted_at not stamped")
	}
}

func TestSetRotatedToken(t *testing.T) {
	s := tempStore(t)
	if err := s.SetCredentials(Credentials{Secure1PSID: "a", Secure1PSIDTS: "b"}); err != nil {
		t.Fatalf("SetCredentials: %v", err)
	}

	changed, err := s.SetRotatedToken("b")
	if err != nil || changed {
		t.Fatalf("unchanged token: changed=%v err=%v", changed, err)
	}

	changed, err = s.SetRotatedToken("b2")
	if err != nil || !changed {
		t.Fatalf("rotated token: changed=%v err=%v", changed, err)
	}
	if got := s.Snapshot().Cookies.Secure1PSIDTS; got != "b2" {
		t.Fatalf("stored token = %q", got)
	}
	// The long-lived cookie must survive rotation.
	if got := s.Snapshot().Cookies.Secure1PSID; got != "a" {
		t.Fatalf("psid = %q", got)
	}

	if _, err := s.SetRotatedToken(""); err == nil {
		t.Fatal("empty token accepted")
	}
}

func TestNormalizeFillsDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.Normalize()
	if cfg.ListenAddr == "" || cfg.DefaultModel == "" || cfg.Uploads.MaxFileMB != 50 || cfg.Logs.Level != "info" {
		t.Fatalf("normalized = %+v", cfg)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Cookies.ExtractedAt = "not-a-time"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "extracted_at") {
		t.Fatalf("err = %v", err)
	}

	cfg = NewDefaultConfig()
	cfg.Cookies.ExtractedAt = time.Now().UTC().Format(time.RFC3339)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}
