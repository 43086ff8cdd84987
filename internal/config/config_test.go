package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigWithEnvOverride(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("HOME", tmp)
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("XDG_DATA_HOME", "")

	cfg := DefaultConfig()
	cfg.IMAP.Host = "imap.example.com"
	cfg.SMTP.Host = "smtp.example.com"
	cfg.Auth.Username = "User@Example.com"
	cfg.Auth.Password = "secret"

	if _, err := Save(cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}

	t.Setenv("MAILSYNC_IMAP_HOST", "env.imap.local")

	loaded, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if loaded.IMAP.Host != "env.imap.local" {
		t.Fatalf("expected env override, got %q", loaded.IMAP.Host)
	}
	if loaded.SMTP.Host != "smtp.example.com" {
		t.Fatalf("expected smtp host from file, got %q", loaded.SMTP.Host)
	}
	if loaded.Auth.Principal != "user@example.com" {
		t.Fatalf("expected principal derived from username, got %q", loaded.Auth.Principal)
	}
	if loaded.Sync.Interval != 5*time.Minute {
		t.Fatalf("expected default interval, got %s", loaded.Sync.Interval)
	}
	wantDSN := filepath.Join(tmp, ".local", "share", AppName, "mailsync.db")
	if loaded.Database.DSN != wantDSN {
		t.Fatalf("expected dsn %q, got %q", wantDSN, loaded.Database.DSN)
	}
}

func TestLoadFileMissingUsesDefaults(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_DATA_HOME", tmp)

	cfg, err := LoadFile(filepath.Join(tmp, "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Attachments.InlineThreshold != 1<<20 {
		t.Fatalf("unexpected threshold %d", cfg.Attachments.InlineThreshold)
	}
	if cfg.Sync.BackfillStandard != 30 || cfg.Sync.BackfillCustom != 100 {
		t.Fatalf("unexpected backfill caps %d/%d", cfg.Sync.BackfillStandard, cfg.Sync.BackfillCustom)
	}
	if cfg.Lock.Dir != filepath.Join(tmp, AppName, "locks") {
		t.Fatalf("unexpected lock dir %q", cfg.Lock.Dir)
	}
}

func TestValidateStore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.DSN = "x.db"
	if err := ValidateStore(cfg); err != nil {
		t.Fatalf("expected valid store config: %v", err)
	}
	cfg.Database.Driver = "mysql"
	if err := ValidateStore(cfg); err == nil {
		t.Fatalf("expected driver error")
	}
}

func TestRedact(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth.Password = "secret"
	if got := Redact(cfg).Auth.Password; got != "****" {
		t.Fatalf("expected masked password, got %q", got)
	}
	if cfg.Auth.Password != "secret" {
		t.Fatalf("redact must not modify the input")
	}
}
