package cli

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mailsync/internal/mailerr"
	"mailsync/internal/store"
	"mailsync/internal/testutil"
)

func writeConfig(t *testing.T, body string) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	configPath = path
	t.Cleanup(func() { configPath = "" })
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestLoadConfigPasswordSource(t *testing.T) {
	writeConfig(t, "auth:\n  username: alice@example.org\n  password: from-file\n")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.Password != "from-file" || cfg.Auth.PasswordSource != "config" {
		t.Fatalf("unexpected auth: %+v", cfg.Auth)
	}
	if cfg.Auth.Principal != "alice@example.org" {
		t.Fatalf("principal = %q", cfg.Auth.Principal)
	}

	t.Setenv("MAILSYNC_AUTH_PASSWORD", "from-env")
	cfg, err = loadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.Password != "from-env" || cfg.Auth.PasswordSource != "env" {
		t.Fatalf("unexpected auth: %+v", cfg.Auth)
	}
}

func TestSyncAndListMessages(t *testing.T) {
	srv := testutil.NewIMAPServer(t)
	writeConfig(t, fmt.Sprintf(`imap:
  host: %s
  port: %d
  tls: false
  starttls: false
auth:
  username: username
  password: password
log:
  level: error
`, srv.Host, srv.Port))

	out, err := run(t, "sync")
	if err != nil {
		t.Fatalf("sync: %v\n%s", err, out)
	}
	if !strings.Contains(out, "INBOX") || !strings.Contains(out, "new 1") {
		t.Fatalf("unexpected sync output:\n%s", out)
	}

	out, err = run(t, "messages", "list", "--folder", "INBOX")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "A little message, just for you") {
		t.Fatalf("synced message missing:\n%s", out)
	}

	out, err = run(t, "folders", "list")
	if err != nil {
		t.Fatalf("folders: %v", err)
	}
	if !strings.Contains(out, "inbox") {
		t.Fatalf("inbox role missing:\n%s", out)
	}
}

func TestSyncRequiresServer(t *testing.T) {
	writeConfig(t, "log:\n  level: error\n")
	if _, err := run(t, "sync"); err == nil {
		t.Fatalf("expected a configuration error")
	}
}

func TestFlagsOf(t *testing.T) {
	got := flagsOf(store.Message{IsRead: false, IsSent: true, HasAttachments: true})
	if got != "NSA-" {
		t.Fatalf("flags = %q", got)
	}
	if got := flagsOf(store.Message{IsRead: true, IsDeletedRemote: true}); got != "---D" {
		t.Fatalf("flags = %q", got)
	}
}

func TestPrintOutcome(t *testing.T) {
	var buf bytes.Buffer
	out := mailerr.Success()
	out.Warn("copying remote message: NO")
	if err := printOutcome(&buf, "Moved.", out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if buf.String() != "Moved.\nwarning: copying remote message: NO\n" {
		t.Fatalf("output = %q", buf.String())
	}

	boom := errors.New("boom")
	if err := printOutcome(&buf, "Moved.", mailerr.Failed(boom)); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" a@example.org, ,b@example.org ")
	if len(got) != 2 || got[0] != "a@example.org" || got[1] != "b@example.org" {
		t.Fatalf("got %v", got)
	}
	if splitList("") != nil {
		t.Fatalf("empty input should give nil")
	}
}
