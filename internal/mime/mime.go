// Package mime decodes raw RFC 5322 messages into header fields and a lazy
// sequence of body parts.
package mime

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// Part is one decoded body part: Text, HTML or *Attachment.
type Part interface {
	isPart()
}

// Text is a text/plain body part.
type Text string

// HTML is a text/html body part.
type HTML string

// Attachment is any other leaf part, including inline images.
type Attachment struct {
	Filename    string
	ContentType string
	ContentID   string
	IsInline    bool
	Data        []byte
}

func (Text) isPart()        {}
func (HTML) isPart()        {}
func (*Attachment) isPart() {}

// Header holds the decoded top-level fields. Addresses are rendered as
// comma separated "Name <addr>" lists.
type Header struct {
	// MessageID includes the angle brackets; empty when absent.
	MessageID string
	From      string
	To        string
	Cc        string
	Bcc       string
	Subject   string
	Date      time.Time
}

// Message is a parsed message whose parts can be walked once.
type Message struct {
	Header Header

	reader   *mail.Reader
	consumed bool
}

// ErrConsumed is yielded when Parts is ranged over a second time.
var ErrConsumed = errors.New("mime: parts already consumed")

// Parse reads the message header. Unknown charsets are not an error: the
// affected fields go through DecodeText instead.
func Parse(raw []byte) (*Message, error) {
	r, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("reading message: %w", err)
	}

	h := r.Header
	hdr := Header{
		MessageID: messageID(&h),
		From:      addressField(&h, "From"),
		To:        addressField(&h, "To"),
		Cc:        addressField(&h, "Cc"),
		Bcc:       addressField(&h, "Bcc"),
		Subject:   textField(&h, "Subject"),
	}
	if d, err := h.Date(); err == nil {
		hdr.Date = d
	}

	return &Message{Header: hdr, reader: r}, nil
}

// Parts yields body parts in document order. A part whose body cannot be
// decoded is yielded as an error and the walk goes on; the sequence only
// stops when the multipart structure itself is broken.
func (m *Message) Parts() iter.Seq2[Part, error] {
	return func(yield func(Part, error) bool) {
		if m.consumed {
			yield(nil, ErrConsumed)
			return
		}
		m.consumed = true

		for {
			p, err := m.reader.NextPart()
			if err == io.EOF {
				return
			}
			if err != nil && !message.IsUnknownCharset(err) {
				yield(nil, fmt.Errorf("reading part: %w", err))
				return
			}

			part, err := decodePart(p)
			if err != nil {
				if !yield(nil, err) {
					return
				}
				continue
			}
			if part == nil {
				continue
			}
			if !yield(part, nil) {
				return
			}
		}
	}
}

func decodePart(p *mail.Part) (Part, error) {
	switch h := p.Header.(type) {
	case *mail.InlineHeader:
		contentType, _, _ := h.ContentType()
		data, err := io.ReadAll(p.Body)
		if err != nil {
			return nil, fmt.Errorf("reading %s part: %w", contentType, err)
		}
		switch {
		case contentType == "text/html":
			return HTML(DecodeText(data)), nil
		case contentType == "" || strings.HasPrefix(contentType, "text/plain"):
			return Text(DecodeText(data)), nil
		}
		filename, _ := (&mail.AttachmentHeader{Header: h.Header}).Filename()
		return &Attachment{
			Filename:    DecodeText([]byte(filename)),
			ContentType: contentType,
			ContentID:   contentID(h.Header),
			IsInline:    true,
			Data:        data,
		}, nil

	case *mail.AttachmentHeader:
		contentType, _, _ := h.ContentType()
		filename, err := h.Filename()
		if err != nil && !message.IsUnknownCharset(err) {
			filename = ""
		}
		data, err := io.ReadAll(p.Body)
		if err != nil {
			return nil, fmt.Errorf("reading attachment %q: %w", filename, err)
		}
		disp, _, _ := h.ContentDisposition()
		return &Attachment{
			Filename:    DecodeText([]byte(filename)),
			ContentType: contentType,
			ContentID:   contentID(h.Header),
			IsInline:    disp == "inline",
			Data:        data,
		}, nil
	}
	return nil, nil
}

func contentID(h message.Header) string {
	return strings.Trim(strings.TrimSpace(h.Get("Content-Id")), "<>")
}

func messageID(h *mail.Header) string {
	id, err := h.MessageID()
	if err != nil || id == "" {
		id = strings.Trim(strings.TrimSpace(h.Get("Message-Id")), "<>")
	}
	id = DecodeText([]byte(id))
	if id == "" {
		return ""
	}
	return "<" + id + ">"
}

func textField(h *mail.Header, key string) string {
	v, err := h.Text(key)
	if err != nil {
		v = h.Get(key)
	}
	return DecodeText([]byte(v))
}

func addressField(h *mail.Header, key string) string {
	addrs, err := h.AddressList(key)
	if err != nil {
		return textField(h, key)
	}
	return FormatAddresses(addrs)
}

// FormatAddresses renders addresses the way they are stored.
func FormatAddresses(addrs []*mail.Address) string {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a == nil {
			continue
		}
		name := DecodeText([]byte(a.Name))
		if name != "" {
			parts = append(parts, fmt.Sprintf("%s <%s>", name, a.Address))
		} else {
			parts = append(parts, a.Address)
		}
	}
	return strings.Join(parts, ", ")
}
