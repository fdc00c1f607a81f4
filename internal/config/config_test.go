package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadFromFileParsesSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	content := "# comment\nprofile_dir=/srv/profiles\ndb_path=/srv/t.db\nwatch_addr=0.0.0.0:1\ntoken=abc\nUnknown=1\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file error = %v", err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.ProfileDir != "/srv/profiles" {
		t.Fatalf("ProfileDir = %q, want /srv/profiles", cfg.ProfileDir)
	}
	if cfg.DBPath != "/srv/t.db" {
		t.Fatalf("DBPath = %q, want /srv/t.db", cfg.DBPath)
	}
	if cfg.WatchAddr != "0.0.0.0:1" {
		t.Fatalf("WatchAddr = %q", cfg.WatchAddr)
	}
	if cfg.Token != "abc" {
		t.Fatalf("Token = %q", cfg.Token)
	}
}

func TestLoadFromRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	if err := os.WriteFile(path, []byte("token=\"unterminated\n"), 0o600); err != nil {
		t.Fatalf("write config file error = %v", err)
	}
	if _, err := LoadFrom(path); err == nil {
		t.Fatal("LoadFrom() accepted an unterminated quoted value")
	}
}

func TestLoadFromDefaultsWhenMissing(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadFrom(filepath.Join(dir, "config"))
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.ProfileDir != filepath.Join(dir, "profiles") {
		t.Fatalf("ProfileDir = %q", cfg.ProfileDir)
	}
	if cfg.DBPath != filepath.Join(dir, "transcripts.db") {
		t.Fatalf("DBPath = %q", cfg.DBPath)
	}
	if cfg.Token != "" {
		t.Fatalf("Token = %q, want empty", cfg.Token)
	}
}

func TestEnsureTokenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config")
	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if err := cfg.EnsureToken(); err != nil {
		t.Fatalf("EnsureToken() error = %v", err)
	}
	if len(cfg.Token) != 32 {
		t.Fatalf("token length = %d, want 32", len(cfg.Token))
	}

	reloaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() reload error = %v", err)
	}
	if reloaded.Token != cfg.Token {
		t.Fatalf("reloaded token = %q, want %q", reloaded.Token, cfg.Token)
	}
	if reloaded.DBPath != cfg.DBPath || reloaded.ProfileDir != cfg.ProfileDir || reloaded.WatchAddr != cfg.WatchAddr {
		t.Fatalf("reloaded settings = %+v, want %+v", reloaded, cfg)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read settings: %v", err)
	}
	for _, key := range []string{"profile_dir=", "db_path=", "watch_addr=", "token="} {
		if !strings.Contains(string(data), key) {
			t.Fatalf("settings file missing %q:\n%s", key, data)
		}
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat settings: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("settings mode = %o, want 600", perm)
	}

	first := cfg.Token
	if err := cfg.EnsureToken(); err != nil {
		t.Fatalf("EnsureToken() second error = %v", err)
	}
	if cfg.Token != first {
		t.Fatalf("token regenerated")
	}
}
