// Package email composes outgoing RFC 5322 messages.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

type ComposeInput struct {
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	Text        string
	HTML        string
	Attachments []Attachment
	// Date defaults to the current time.
	Date time.Time
	// MessageID, with angle brackets, is generated when empty.
	MessageID string
}

// BuildMessage renders in and returns the raw message along with its
// Message-ID in angle brackets. Bcc recipients are never written to the
// header.
func BuildMessage(in ComposeInput) ([]byte, string, error) {
	if strings.TrimSpace(in.From) == "" {
		return nil, "", errors.New("from address is required")
	}
	from, err := mail.ParseAddress(in.From)
	if err != nil {
		return nil, "", fmt.Errorf("invalid from address %q: %w", in.From, err)
	}

	var header mail.Header
	date := in.Date
	if date.IsZero() {
		date = time.Now()
	}
	header.SetDate(date)
	header.SetSubject(in.Subject)
	header.SetAddressList("From", []*mail.Address{from})
	for _, field := range []struct {
		key   string
		addrs []string
	}{{"To", in.To}, {"Cc", in.Cc}} {
		list, err := ParseAddresses(field.addrs)
		if err != nil {
			return nil, "", err
		}
		if len(list) > 0 {
			header.SetAddressList(field.key, list)
		}
	}

	if id := strings.Trim(in.MessageID, "<>"); id != "" {
		header.SetMessageID(id)
	} else if err := header.GenerateMessageIDWithHostname(domainOf(from.Address)); err != nil {
		return nil, "", err
	}
	messageID := "<" + mustMessageID(&header) + ">"

	var buf bytes.Buffer
	if len(in.Attachments) == 0 {
		iw, err := mail.CreateInlineWriter(&buf, header)
		if err != nil {
			return nil, "", err
		}
		if err := writeBodies(iw, in.Text, in.HTML); err != nil {
			return nil, "", err
		}
		if err := iw.Close(); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), messageID, nil
	}

	mw, err := mail.CreateWriter(&buf, header)
	if err != nil {
		return nil, "", err
	}
	iw, err := mw.CreateInline()
	if err != nil {
		return nil, "", err
	}
	if err := writeBodies(iw, in.Text, in.HTML); err != nil {
		return nil, "", err
	}
	if err := iw.Close(); err != nil {
		return nil, "", err
	}

	for _, att := range in.Attachments {
		var h mail.AttachmentHeader
		contentType := att.ContentType
		if contentType == "" {
			contentType = ContentTypeOf(att.Filename)
		}
		h.SetContentType(contentType, nil)
		h.SetFilename(att.Filename)
		w, err := mw.CreateAttachment(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := w.Write(att.Data); err != nil {
			return nil, "", err
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), messageID, nil
}

// writeBodies writes the text part, and the HTML alternative when present.
// An HTML-only message has no text part.
func writeBodies(iw *mail.InlineWriter, text, html string) error {
	if text != "" || html == "" {
		if err := writeInline(iw, "text/plain", text); err != nil {
			return err
		}
	}
	if html != "" {
		return writeInline(iw, "text/html", html)
	}
	return nil
}

func writeInline(iw *mail.InlineWriter, contentType, body string) error {
	var h mail.InlineHeader
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := iw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, body); err != nil {
		return err
	}
	return w.Close()
}

// ParseAddresses parses each value as an address list, so "a@x, b@y" and
// "Name <a@x>" are both accepted.
func ParseAddresses(values []string) ([]*mail.Address, error) {
	var out []*mail.Address
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		list, err := mail.ParseAddressList(v)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", v, err)
		}
		out = append(out, list...)
	}
	return out, nil
}

// ExtractRecipients returns the addresses of the To, Cc and Bcc fields of
// raw.
func ExtractRecipients(raw []byte) ([]string, error) {
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	header := reader.Header

	var recipients []string
	for _, field := range []string{"To", "Cc", "Bcc"} {
		list, err := header.AddressList(field)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", field, err)
		}
		for _, addr := range list {
			recipients = append(recipients, addr.Address)
		}
	}
	return recipients, nil
}

// LoadAttachment reads a file from disk for attaching.
func LoadAttachment(path string) (Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Attachment{}, err
	}
	name := filepath.Base(path)
	return Attachment{Filename: name, ContentType: ContentTypeOf(name), Data: data}, nil
}

func ContentTypeOf(filename string) string {
	if t := mime.TypeByExtension(filepath.Ext(filename)); t != "" {
		if mediaType, _, err := mime.ParseMediaType(t); err == nil {
			return mediaType
		}
	}
	return "application/octet-stream"
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "localhost"
}

func mustMessageID(h *mail.Header) string {
	id, err := h.MessageID()
	if err != nil || id == "" {
		return strings.Trim(h.Get("Message-Id"), "<> ")
	}
	return id
}
