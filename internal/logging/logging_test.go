package logging

import (
	"bytes"
	"strings"
	"testing"

	"mailsync/internal/config"
)

func TestMaskEmail(t *testing.T) {
	cases := map[string]string{
		"alice@example.com": "a***e@e*****e.c*m",
		"a@b.io":            "*@*.io",
		"not-an-address":    "not-an-address",
	}
	for in, want := range cases {
		if got := MaskEmail(in); got != want {
			t.Errorf("MaskEmail(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewWithWriterLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	log.Info().Msg("hidden")
	log.Warn().Str("folder", "INBOX").Msg("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered: %s", out)
	}
	if !strings.Contains(out, `"folder":"INBOX"`) {
		t.Fatalf("expected structured field, got %s", out)
	}
}
