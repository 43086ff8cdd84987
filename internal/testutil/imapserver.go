package testutil

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"testing"
	"time"

	"mailsync/internal/config"

	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/server"
)

// IMAPServer is an in-process IMAP server backed by go-imap's memory
// backend. It starts with an INBOX holding one seen message (uid 6).
type IMAPServer struct {
	Backend *memory.Backend
	Host    string
	Port    int

	user *memory.User
}

func NewIMAPServer(t *testing.T) *IMAPServer {
	t.Helper()
	be := memory.New()
	srv := server.New(be)
	srv.AllowInsecureAuth = true
	srv.ErrorLog = log.New(io.Discard, "", 0)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	u, err := be.Login(nil, "username", "password")
	if err != nil {
		t.Fatalf("backend login: %v", err)
	}

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return &IMAPServer{Backend: be, Host: host, Port: port, user: u.(*memory.User)}
}

// Config returns a configuration pointing at the server with plain text
// transport.
func (s *IMAPServer) Config() config.Config {
	var cfg config.Config
	cfg.IMAP = config.IMAPConfig{
		Host:           s.Host,
		Port:           s.Port,
		DefaultFolder:  "INBOX",
		ConnectTimeout: 5 * time.Second,
	}
	cfg.Auth = config.AuthConfig{Username: "username", Password: "password", Principal: "username"}
	return cfg
}

// Mailbox returns the named mailbox, creating it when missing.
func (s *IMAPServer) Mailbox(t *testing.T, name string) *memory.Mailbox {
	t.Helper()
	mbox, err := s.user.GetMailbox(name)
	if err != nil {
		if err := s.user.CreateMailbox(name); err != nil {
			t.Fatalf("create mailbox %q: %v", name, err)
		}
		mbox, err = s.user.GetMailbox(name)
		if err != nil {
			t.Fatalf("get mailbox %q: %v", name, err)
		}
	}
	return mbox.(*memory.Mailbox)
}

// Reset empties a mailbox.
func (s *IMAPServer) Reset(t *testing.T, name string) {
	t.Helper()
	s.Mailbox(t, name).Messages = nil
}

// AddMessage appends a message with the given uid and flags.
func (s *IMAPServer) AddMessage(t *testing.T, mailbox string, uid uint32, flags []string, raw []byte) {
	t.Helper()
	mbox := s.Mailbox(t, mailbox)
	mbox.Messages = append(mbox.Messages, &memory.Message{
		Uid:   uid,
		Date:  time.Now(),
		Size:  uint32(len(raw)),
		Flags: flags,
		Body:  raw,
	})
}

// SetFlags replaces the flags of uid in mailbox.
func (s *IMAPServer) SetFlags(t *testing.T, mailbox string, uid uint32, flags []string) {
	t.Helper()
	for _, msg := range s.Mailbox(t, mailbox).Messages {
		if msg.Uid == uid {
			msg.Flags = flags
			return
		}
	}
	t.Fatalf("uid %d not in %q", uid, mailbox)
}

// Remove drops uid from mailbox.
func (s *IMAPServer) Remove(t *testing.T, mailbox string, uid uint32) *memory.Message {
	t.Helper()
	mbox := s.Mailbox(t, mailbox)
	for i, msg := range mbox.Messages {
		if msg.Uid == uid {
			mbox.Messages = append(mbox.Messages[:i], mbox.Messages[i+1:]...)
			return msg
		}
	}
	t.Fatalf("uid %d not in %q", uid, mailbox)
	return nil
}

// FixedDate is the Date header of messages built by RawMessage.
var FixedDate = time.Date(2016, time.May, 11, 14, 31, 59, 0, time.UTC)

// RawMessage builds a minimal text/plain message.
func RawMessage(messageID, subject, body string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: Alice <alice@example.org>\r\n")
	fmt.Fprintf(&b, "To: bob@example.org\r\n")
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", FixedDate.Format(time.RFC1123Z))
	if messageID != "" {
		fmt.Fprintf(&b, "Message-ID: %s\r\n", messageID)
	}
	fmt.Fprintf(&b, "Content-Type: text/plain; charset=utf-8\r\n\r\n%s", body)
	return b.Bytes()
}
