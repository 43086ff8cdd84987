package mime

import (
	"bytes"
	"strings"
	"testing"
)

const multipartMessage = "From: =?utf-8?q?J=C3=BCrgen?= <jurgen@example.org>\r\n" +
	"To: Bob <bob@example.org>, carol@example.org\r\n" +
	"Cc: dave@example.org\r\n" +
	"Subject: =?iso-8859-1?q?Gr=FC=DFe?=\r\n" +
	"Date: Tue, 05 Mar 2024 10:00:00 +0000\r\n" +
	"Message-ID: <abc@example.org>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=outer\r\n" +
	"\r\n" +
	"--outer\r\n" +
	"Content-Type: multipart/alternative; boundary=inner\r\n" +
	"\r\n" +
	"--inner\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"plain body\r\n" +
	"--inner\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>html body</p>\r\n" +
	"--inner--\r\n" +
	"--outer\r\n" +
	"Content-Type: image/png\r\n" +
	"Content-Disposition: inline; filename=logo.png\r\n" +
	"Content-ID: <logo@example.org>\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"iVBORw0KGgo=\r\n" +
	"--outer\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"report.pdf\"\r\n" +
	"\r\n" +
	"%PDF-1.4\r\n" +
	"--outer--\r\n"

func TestParseHeaderAndParts(t *testing.T) {
	msg, err := Parse([]byte(multipartMessage))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if msg.Header.MessageID != "<abc@example.org>" {
		t.Fatalf("message id = %q", msg.Header.MessageID)
	}
	if msg.Header.Subject != "Grüße" {
		t.Fatalf("subject = %q", msg.Header.Subject)
	}
	if msg.Header.From != "Jürgen <jurgen@example.org>" {
		t.Fatalf("from = %q", msg.Header.From)
	}
	if msg.Header.To != "Bob <bob@example.org>, carol@example.org" {
		t.Fatalf("to = %q", msg.Header.To)
	}
	if msg.Header.Date.IsZero() {
		t.Fatalf("expected date")
	}

	var text, html string
	var atts []*Attachment
	for part, err := range msg.Parts() {
		if err != nil {
			t.Fatalf("part: %v", err)
		}
		switch p := part.(type) {
		case Text:
			text = string(p)
		case HTML:
			html = string(p)
		case *Attachment:
			atts = append(atts, p)
		}
	}

	if strings.TrimSpace(text) != "plain body" {
		t.Fatalf("text = %q", text)
	}
	if strings.TrimSpace(html) != "<p>html body</p>" {
		t.Fatalf("html = %q", html)
	}
	if len(atts) != 2 {
		t.Fatalf("expected 2 attachments, got %d", len(atts))
	}
	logo := atts[0]
	if !logo.IsInline || logo.ContentID != "logo@example.org" || logo.Filename != "logo.png" {
		t.Fatalf("unexpected inline image: %+v", logo)
	}
	if !bytes.HasPrefix(logo.Data, []byte("\x89PNG")) {
		t.Fatalf("inline image not decoded: %q", logo.Data)
	}
	if atts[1].IsInline || atts[1].Filename != "report.pdf" {
		t.Fatalf("unexpected attachment: %+v", atts[1])
	}
}

func TestPartsAreNotRestartable(t *testing.T) {
	msg, err := Parse([]byte(multipartMessage))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	for range msg.Parts() {
	}
	for _, err := range msg.Parts() {
		if err != ErrConsumed {
			t.Fatalf("expected ErrConsumed, got %v", err)
		}
	}
}

func TestParseWithoutMessageID(t *testing.T) {
	raw := "From: a@example.org\r\nSubject: hi\r\n\r\nbody"
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Header.MessageID != "" {
		t.Fatalf("expected empty message id, got %q", msg.Header.MessageID)
	}
	for part, err := range msg.Parts() {
		if err != nil {
			t.Fatalf("part: %v", err)
		}
		if p, ok := part.(Text); !ok || string(p) != "body" {
			t.Fatalf("unexpected part %#v", part)
		}
	}
}

func TestUnknownCharsetFallsBack(t *testing.T) {
	raw := "From: a@example.org\r\n" +
		"Subject: caf\xe9\r\n" +
		"Content-Type: text/plain; charset=x-unknown\r\n" +
		"\r\n" +
		"caf\xe9 cr\xe8me"
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Header.Subject != "café" {
		t.Fatalf("subject = %q", msg.Header.Subject)
	}
	for part, err := range msg.Parts() {
		if err != nil {
			t.Fatalf("part: %v", err)
		}
		if p, ok := part.(Text); !ok || string(p) != "café crème" {
			t.Fatalf("unexpected part %#v", part)
		}
	}
}

func TestDecodeTextChain(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		want string
	}{
		{"utf-8", []byte("naïve"), "naïve"},
		{"latin-1", []byte("na\xefve"), "naïve"},
		{"cp1252 quotes", []byte("\x93quoted\x94"), "“quoted”"},
		{"ascii lossy", []byte("a\x81b\x8dc"), "a?b?c"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DecodeText(tc.in); got != tc.want {
				t.Fatalf("DecodeText(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("héllo", 2); got != "hé" {
		t.Fatalf("got %q", got)
	}
	if got := Truncate("héllo", 0); got != "héllo" {
		t.Fatalf("got %q", got)
	}
	if got := Truncate("héllo", 10); got != "héllo" {
		t.Fatalf("got %q", got)
	}
}
