// Package smtp submits raw messages over SMTP.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog"

	"mailsync/internal/config"
	"mailsync/internal/logging"
)

const dialTimeout = 30 * time.Second

// Transport sends through the configured submission server, authenticating
// with PLAIN when credentials are set.
type Transport struct {
	cfg      config.SMTPConfig
	username string
	password string
	log      zerolog.Logger
}

func NewTransport(cfg config.Config, logger zerolog.Logger) *Transport {
	return &Transport{
		cfg:      cfg.SMTP,
		username: cfg.Auth.Username,
		password: cfg.Auth.Password,
		log:      logging.Component(logger, "smtp"),
	}
}

func (t *Transport) Send(ctx context.Context, from string, recipients []string, msg []byte) error {
	if len(recipients) == 0 {
		return errors.New("no recipients provided")
	}
	if t.cfg.Host == "" {
		return errors.New("smtp host is not configured")
	}

	c, err := t.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if t.username != "" && t.password != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(sasl.NewPlainClient("", t.username, t.password)); err != nil {
				return fmt.Errorf("smtp auth: %w", err)
			}
		}
	}

	if err := c.Mail(from, nil); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, rcpt := range recipients {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp rcpt %s: %w", logging.MaskEmail(rcpt), err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}

	t.log.Debug().Str("from", logging.MaskEmail(from)).Int("recipients", len(recipients)).Msg("Message submitted")
	return c.Quit()
}

func (t *Transport) dial(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	tlsConfig := &tls.Config{
		ServerName:         t.cfg.Host,
		InsecureSkipVerify: t.cfg.InsecureSkipVerify,
	}

	dialer := &net.Dialer{Timeout: dialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if t.cfg.TLS {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if !t.cfg.TLS && t.cfg.StartTLS {
		if err := c.StartTLS(tlsConfig); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("smtp starttls: %w", err)
		}
	}
	return c, nil
}
