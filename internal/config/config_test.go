package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "work"
	cfg.Remote.URL = "wss://chat.example.net/sync"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.Remote.URL != "wss://chat.example.net/sync" {
		t.Errorf("Remote.URL = %q", loaded.Remote.URL)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadBackfillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "default_profile = \"main\"\n\n[outbox]\nmax_attempts = 3\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Outbox.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3 (explicit)", cfg.Outbox.MaxAttempts)
	}
	if cfg.Outbox.BaseDelayMS != 1000 {
		t.Errorf("BaseDelayMS = %d, want 1000 (default)", cfg.Outbox.BaseDelayMS)
	}
	if cfg.Typing.TTLMS != 3000 {
		t.Errorf("Typing.TTLMS = %d, want 3000 (default)", cfg.Typing.TTLMS)
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
