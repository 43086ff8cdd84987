package smtp

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog"

	"mailsync/internal/config"
)

type delivery struct {
	from string
	to   []string
	data string
}

type backend struct {
	mu         sync.Mutex
	deliveries []delivery
}

func (b *backend) Login(state *smtp.ConnectionState, username, password string) (smtp.Session, error) {
	if username != "user@example.org" || password != "secret" {
		return nil, errors.New("invalid credentials")
	}
	return &session{backend: b}, nil
}

func (b *backend) AnonymousLogin(state *smtp.ConnectionState) (smtp.Session, error) {
	return nil, smtp.ErrAuthRequired
}

type session struct {
	backend *backend
	current delivery
}

func (s *session) Reset()        { s.current = delivery{} }
func (s *session) Logout() error { return nil }
func (s *session) Mail(from string, opts smtp.MailOptions) error {
	s.current.from = from
	return nil
}
func (s *session) Rcpt(to string) error {
	s.current.to = append(s.current.to, to)
	return nil
}
func (s *session) Data(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.current.data = string(b)
	s.backend.mu.Lock()
	s.backend.deliveries = append(s.backend.deliveries, s.current)
	s.backend.mu.Unlock()
	return nil
}

func newServer(t *testing.T) (*backend, config.Config) {
	t.Helper()
	be := &backend{}
	srv := smtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true
	srv.ErrorLog = log.New(io.Discard, "", 0)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	var cfg config.Config
	cfg.SMTP = config.SMTPConfig{Host: host, Port: port}
	cfg.Auth = config.AuthConfig{Username: "user@example.org", Password: "secret"}
	return be, cfg
}

func TestSendDeliversMessage(t *testing.T) {
	be, cfg := newServer(t)
	tr := NewTransport(cfg, zerolog.Nop())

	msg := "From: user@example.org\r\nTo: bob@example.org\r\nSubject: Hi\r\n\r\nHello Bob\r\n"
	err := tr.Send(context.Background(), "user@example.org", []string{"bob@example.org", "carol@example.org"}, []byte(msg))
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	be.mu.Lock()
	defer be.mu.Unlock()
	if len(be.deliveries) != 1 {
		t.Fatalf("expected one delivery, got %d", len(be.deliveries))
	}
	d := be.deliveries[0]
	if d.from != "user@example.org" || len(d.to) != 2 {
		t.Fatalf("unexpected envelope: %+v", d)
	}
	if !strings.Contains(d.data, "Hello Bob") {
		t.Fatalf("unexpected data: %q", d.data)
	}
}

func TestSendRejectsBadCredentials(t *testing.T) {
	_, cfg := newServer(t)
	cfg.Auth.Password = "wrong"
	tr := NewTransport(cfg, zerolog.Nop())

	err := tr.Send(context.Background(), "user@example.org", []string{"bob@example.org"}, []byte("Subject: x\r\n\r\nx\r\n"))
	if err == nil {
		t.Fatalf("expected auth failure")
	}
}

func TestSendRequiresRecipients(t *testing.T) {
	tr := NewTransport(config.Config{SMTP: config.SMTPConfig{Host: "127.0.0.1", Port: 1}}, zerolog.Nop())
	if err := tr.Send(context.Background(), "user@example.org", nil, []byte("x")); err == nil {
		t.Fatalf("expected error without recipients")
	}
}
