package imap

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"mailsync/internal/config"
	"mailsync/internal/mailerr"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/rs/zerolog"
)

// Client is the subset of the go-imap client used by sessions.
type Client interface {
	Login(username, password string) error
	Logout() error
	StartTLS(config *tls.Config) error
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	List(ref, name string, ch chan *imap.MailboxInfo) error
	Create(name string) error
	Search(criteria *imap.SearchCriteria) ([]uint32, error)
	Fetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	UidStore(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error
	UidCopy(seqset *imap.SeqSet, mailbox string) error
	Append(mailbox string, flags []string, date time.Time, msg imap.Literal) error
	Expunge(ch chan uint32) error
}

// Connector dials and authenticates a client.
type Connector func(cfg config.Config) (Client, error)

const defaultConnectTimeout = 30 * time.Second

type Service struct {
	Config    config.Config
	Connector Connector
	Logger    zerolog.Logger
}

func NewService(cfg config.Config, logger zerolog.Logger) *Service {
	return &Service{
		Config:    cfg,
		Connector: Connect,
		Logger:    logger.With().Str("component", "imap").Logger(),
	}
}

// Connect dials the configured server and logs in. Dialing, the TLS
// handshake and LOGIN share the connect timeout.
func Connect(cfg config.Config) (Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.IMAP.Host, cfg.IMAP.Port)
	timeout := cfg.IMAP.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	dialer := &net.Dialer{Timeout: timeout}
	tlsConfig := &tls.Config{
		ServerName:         cfg.IMAP.Host,
		InsecureSkipVerify: cfg.IMAP.InsecureSkipVerify,
	}

	var c *imapclient.Client
	var err error
	if cfg.IMAP.TLS {
		c, err = imapclient.DialWithDialerTLS(dialer, addr, tlsConfig)
	} else {
		c, err = imapclient.DialWithDialer(dialer, addr)
	}
	if err != nil {
		return nil, err
	}

	c.Timeout = timeout
	if !cfg.IMAP.TLS && cfg.IMAP.StartTLS {
		if err := c.StartTLS(tlsConfig); err != nil {
			_ = c.Logout()
			return nil, err
		}
	}
	if err := c.Login(cfg.Auth.Username, cfg.Auth.Password); err != nil {
		_ = c.Logout()
		return nil, err
	}
	// Large fetches are not bounded by the connect timeout.
	c.Timeout = 0

	return c, nil
}

// Connect opens an authenticated session and selects folder read-write. An
// empty folder skips selection. When folder cannot be selected the
// configured default folder is tried and Session.FellBack reports it.
func (s *Service) Connect(ctx context.Context, folder string) (*Session, error) {
	cfg := s.Config
	if cfg.IMAP.Host == "" || cfg.Auth.Username == "" || cfg.Auth.Password == "" {
		return nil, &mailerr.ConnectionError{Op: "connect", Err: errors.New("imap credentials are not configured")}
	}
	if err := ctx.Err(); err != nil {
		return nil, &mailerr.ConnectionError{Op: "connect", Err: err}
	}

	connector := s.Connector
	if connector == nil {
		connector = Connect
	}
	client, err := connector(cfg)
	if err != nil {
		return nil, &mailerr.ConnectionError{Op: "login", Err: err}
	}

	sess := &Session{client: client, log: s.Logger}
	if folder == "" {
		return sess, nil
	}

	status, err := client.Select(folder, false)
	if err == nil {
		sess.folder = folder
		sess.status = status
		return sess, nil
	}
	if !recoverable(err) {
		_ = sess.Close()
		return nil, &mailerr.ConnectionError{Op: "select", Err: err}
	}

	fallback := cfg.IMAP.DefaultFolder
	if fallback == "" {
		fallback = "INBOX"
	}
	if fallback == folder {
		_ = sess.Close()
		return nil, &mailerr.ProtocolError{Op: "select", Folder: folder, Err: err}
	}

	s.Logger.Warn().Err(err).Str("folder", folder).Str("fallback", fallback).Msg("Select failed, using default folder")
	status, ferr := client.Select(fallback, false)
	if ferr != nil {
		_ = sess.Close()
		return nil, &mailerr.ProtocolError{Op: "select", Folder: folder, Err: errors.Join(err, ferr)}
	}
	sess.folder = fallback
	sess.status = status
	sess.fellBack = true
	return sess, nil
}

// recoverable reports whether err is a server NO/BAD response rather than a
// broken connection.
func recoverable(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return false
	}
	return err.Error() != "imap: connection closed during command execution"
}

// Session is one authenticated connection. It is not safe for concurrent
// use.
type Session struct {
	client   Client
	log      zerolog.Logger
	folder   string
	status   *imap.MailboxStatus
	fellBack bool

	closeOnce sync.Once
	closeErr  error
}

// Folder is the currently selected folder.
func (s *Session) Folder() string { return s.folder }

// FellBack reports whether the requested folder was replaced by the default.
func (s *Session) FellBack() bool { return s.fellBack }

// Close logs out. Further calls are no-ops.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.client.Logout()
	})
	return s.closeErr
}

func (s *Session) protocolErr(op string, err error) error {
	return &mailerr.ProtocolError{Op: op, Folder: s.folder, Err: err}
}

func (s *Session) Select(name string) error {
	status, err := s.client.Select(name, false)
	if err != nil {
		return &mailerr.ProtocolError{Op: "select", Folder: name, Err: err}
	}
	s.folder = name
	s.status = status
	s.fellBack = false
	return nil
}

func (s *Session) List() ([]Mailbox, error) {
	var mailboxes []Mailbox
	ch := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- s.client.List("", "*", ch)
	}()
	for info := range ch {
		mailboxes = append(mailboxes, Mailbox{
			Name:       info.Name,
			Delimiter:  info.Delimiter,
			Attributes: info.Attributes,
		})
	}
	if err := <-done; err != nil {
		return nil, &mailerr.ProtocolError{Op: "list", Err: err}
	}
	return mailboxes, nil
}

func (s *Session) Create(name string) error {
	if err := s.client.Create(name); err != nil {
		return &mailerr.ProtocolError{Op: "create", Folder: name, Err: err}
	}
	return nil
}

// SearchAll returns every sequence number in the selected folder, ascending.
func (s *Session) SearchAll() ([]uint32, error) {
	seqs, err := s.client.Search(imap.NewSearchCriteria())
	if err != nil {
		return nil, s.protocolErr("search", err)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

// FetchUIDs maps sequence numbers to UIDs in one request. Sequence numbers
// the server did not answer for are absent from the result.
func (s *Session) FetchUIDs(seqs []uint32) (map[uint32]uint32, error) {
	out := make(map[uint32]uint32, len(seqs))
	if len(seqs) == 0 {
		return out, nil
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(seqs...)
	err := s.fetch(false, seqset, []imap.FetchItem{imap.FetchUid}, func(msg *imap.Message) {
		if msg.Uid != 0 {
			out[msg.SeqNum] = msg.Uid
		}
	})
	if err != nil {
		return out, s.protocolErr("fetch uid", err)
	}
	return out, nil
}

// FetchUID resolves a single sequence number.
func (s *Session) FetchUID(seq uint32) (uint32, error) {
	uids, err := s.FetchUIDs([]uint32{seq})
	if err != nil {
		return 0, err
	}
	uid, ok := uids[seq]
	if !ok {
		return 0, s.protocolErr("fetch uid", fmt.Errorf("no uid for sequence %d", seq))
	}
	return uid, nil
}

// FetchFlags returns the flags of each uid in one request.
func (s *Session) FetchFlags(uids []uint32) (map[uint32][]string, error) {
	out := make(map[uint32][]string, len(uids))
	if len(uids) == 0 {
		return out, nil
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	err := s.fetch(true, seqset, []imap.FetchItem{imap.FetchUid, imap.FetchFlags}, func(msg *imap.Message) {
		out[msg.Uid] = msg.Flags
	})
	if err != nil {
		return out, s.protocolErr("fetch flags", err)
	}
	return out, nil
}

// FetchRaw returns the full RFC 5322 message without setting \Seen.
func (s *Session) FetchRaw(uid uint32) ([]byte, error) {
	return s.fetchRaw(true, uid)
}

// FetchRawSeq is FetchRaw addressed by sequence number, for messages whose
// uid could not be resolved.
func (s *Session) FetchRawSeq(seq uint32) ([]byte, error) {
	return s.fetchRaw(false, seq)
}

func (s *Session) fetchRaw(uid bool, id uint32) ([]byte, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(id)
	section := &imap.BodySectionName{Peek: true}
	var raw []byte
	var readErr error
	found := false
	err := s.fetch(uid, seqset, []imap.FetchItem{imap.FetchUid, section.FetchItem()}, func(msg *imap.Message) {
		body := msg.GetBody(section)
		if body == nil || found {
			return
		}
		found = true
		raw, readErr = io.ReadAll(body)
	})
	if err != nil {
		return nil, s.protocolErr("fetch body", err)
	}
	if readErr != nil {
		return nil, s.protocolErr("fetch body", readErr)
	}
	if !found {
		return nil, s.protocolErr("fetch body", fmt.Errorf("message %d not found", id))
	}
	return raw, nil
}

func (s *Session) fetch(uid bool, seqset *imap.SeqSet, items []imap.FetchItem, fn func(*imap.Message)) error {
	ch := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		if uid {
			done <- s.client.UidFetch(seqset, items, ch)
		} else {
			done <- s.client.Fetch(seqset, items, ch)
		}
	}()
	for msg := range ch {
		if msg != nil {
			fn(msg)
		}
	}
	return <-done
}

// StoreDeleted sets \Deleted on uid.
func (s *Session) StoreDeleted(uid uint32) error {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := s.client.UidStore(seqset, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return s.protocolErr("store", err)
	}
	return nil
}

func (s *Session) Expunge() error {
	ch := make(chan uint32)
	done := make(chan error, 1)
	go func() {
		done <- s.client.Expunge(ch)
	}()
	for range ch {
	}
	if err := <-done; err != nil {
		return s.protocolErr("expunge", err)
	}
	return nil
}

func (s *Session) Copy(uid uint32, dest string) error {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	if err := s.client.UidCopy(seqset, dest); err != nil {
		return &mailerr.ProtocolError{Op: "copy", Folder: dest, Err: err}
	}
	return nil
}

func (s *Session) Append(folder string, flags []string, date time.Time, raw []byte) error {
	if flags == nil {
		flags = []string{}
	}
	if err := s.client.Append(folder, flags, date, bytes.NewReader(raw)); err != nil {
		return &mailerr.ProtocolError{Op: "append", Folder: folder, Err: err}
	}
	return nil
}
