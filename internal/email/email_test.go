package email

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mailsync/internal/mime"
)

func TestBuildMessage(t *testing.T) {
	date := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	raw, id, err := BuildMessage(ComposeInput{
		From:    "Alice <alice@example.org>",
		To:      []string{"Bob <bob@example.org>, carol@example.org"},
		Cc:      []string{"dave@example.org"},
		Bcc:     []string{"secret@example.org"},
		Subject: "Quarterly numbers",
		Text:    "plain body",
		HTML:    "<p>html body</p>",
		Date:    date,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.HasPrefix(id, "<") || !strings.HasSuffix(id, "@example.org>") {
		t.Fatalf("unexpected message id %q", id)
	}
	if strings.Contains(string(raw), "secret@example.org") {
		t.Fatalf("bcc address written to the message")
	}

	msg, err := mime.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Header.MessageID != id {
		t.Fatalf("message id = %q, want %q", msg.Header.MessageID, id)
	}
	if msg.Header.Subject != "Quarterly numbers" || !msg.Header.Date.Equal(date) {
		t.Fatalf("unexpected header: %+v", msg.Header)
	}
	if !strings.Contains(msg.Header.To, "bob@example.org") || !strings.Contains(msg.Header.To, "carol@example.org") {
		t.Fatalf("unexpected to: %q", msg.Header.To)
	}

	var text, html string
	for part, err := range msg.Parts() {
		if err != nil {
			t.Fatalf("part: %v", err)
		}
		switch p := part.(type) {
		case mime.Text:
			text = string(p)
		case mime.HTML:
			html = string(p)
		}
	}
	if !strings.Contains(text, "plain body") || !strings.Contains(html, "html body") {
		t.Fatalf("unexpected bodies: text=%q html=%q", text, html)
	}
}

func TestBuildMessageKeepsGivenID(t *testing.T) {
	_, id, err := BuildMessage(ComposeInput{From: "alice@example.org", To: []string{"bob@example.org"}, MessageID: "<fixed@example.org>"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if id != "<fixed@example.org>" {
		t.Fatalf("id = %q", id)
	}
}

func TestBuildMessageWithAttachment(t *testing.T) {
	raw, _, err := BuildMessage(ComposeInput{
		From:        "alice@example.org",
		To:          []string{"bob@example.org"},
		Subject:     "Report",
		Text:        "attached",
		Attachments: []Attachment{{Filename: "report.csv", ContentType: "text/csv", Data: []byte("a,b\n1,2\n")}},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	msg, err := mime.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var found *mime.Attachment
	for part, err := range msg.Parts() {
		if err != nil {
			t.Fatalf("part: %v", err)
		}
		if a, ok := part.(*mime.Attachment); ok {
			found = a
		}
	}
	if found == nil {
		t.Fatalf("attachment missing")
	}
	if found.Filename != "report.csv" || string(found.Data) != "a,b\n1,2\n" {
		t.Fatalf("unexpected attachment: %s %q", found.Filename, found.Data)
	}
	if !strings.HasPrefix(found.ContentType, "text/csv") {
		t.Fatalf("content type = %q", found.ContentType)
	}
}

func TestBuildMessageRequiresFrom(t *testing.T) {
	if _, _, err := BuildMessage(ComposeInput{To: []string{"bob@example.org"}}); err == nil {
		t.Fatalf("expected error")
	}
	if _, _, err := BuildMessage(ComposeInput{From: "not an address"}); err == nil {
		t.Fatalf("expected error for invalid from")
	}
}

func TestParseAddresses(t *testing.T) {
	list, err := ParseAddresses([]string{"Bob <bob@example.org>, carol@example.org", " ", "dave@example.org"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(list) != 3 || list[0].Name != "Bob" || list[2].Address != "dave@example.org" {
		t.Fatalf("unexpected list: %+v", list)
	}
	if _, err := ParseAddresses([]string{"bob@"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestExtractRecipients(t *testing.T) {
	raw := "From: alice@example.org\r\nTo: bob@example.org\r\nCc: Carol <carol@example.org>\r\nBcc: dave@example.org\r\nSubject: x\r\n\r\nbody\r\n"
	got, err := ExtractRecipients([]byte(raw))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if strings.Join(got, ",") != "bob@example.org,carol@example.org,dave@example.org" {
		t.Fatalf("unexpected recipients: %v", got)
	}
}

func TestLoadAttachment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page.html")
	if err := os.WriteFile(path, []byte("hello"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	att, err := LoadAttachment(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if att.Filename != "page.html" || att.ContentType != "text/html" || string(att.Data) != "hello" {
		t.Fatalf("unexpected attachment: %+v", att)
	}
}

func TestContentTypeOf(t *testing.T) {
	if got := ContentTypeOf("blob.unknownext"); got != "application/octet-stream" {
		t.Fatalf("got %q", got)
	}
	if got := ContentTypeOf("page.html"); got != "text/html" {
		t.Fatalf("got %q", got)
	}
}
