// Package outbound sends composed mail: duplicate suppression, SMTP
// submission, a copy in the Sent folder and a local row.
package outbound

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-message/mail"
	"github.com/rs/zerolog"

	"mailsync/internal/attachment"
	"mailsync/internal/config"
	"mailsync/internal/email"
	"mailsync/internal/folders"
	"mailsync/internal/imap"
	"mailsync/internal/mailerr"
	"mailsync/internal/mime"
	"mailsync/internal/retry"
	"mailsync/internal/store"
)

const (
	// DuplicateWindow is how long an identical send is rejected for.
	DuplicateWindow = 60 * time.Second
	// LockName serializes sends across processes.
	LockName = "send"

	fingerprintRetention = 24 * time.Hour
)

// ErrSendBusy is returned when the send lock could not be taken in time.
var ErrSendBusy = errors.New("send busy")

type Transport interface {
	Send(ctx context.Context, from string, recipients []string, msg []byte) error
}

type Locker interface {
	Acquire(ctx context.Context, name string, timeout, poll time.Duration) (release func(), ok bool, err error)
}

// Mailbox is the IMAP access needed to file the sent copy.
type Mailbox interface {
	List() ([]imap.Mailbox, error)
	Append(folder string, flags []string, date time.Time, raw []byte) error
	Close() error
}

type Dialer func(ctx context.Context) (Mailbox, error)

func IMAPDialer(svc *imap.Service) Dialer {
	return func(ctx context.Context) (Mailbox, error) {
		sess, err := svc.Connect(ctx, "")
		if err != nil {
			return nil, err
		}
		return sess, nil
	}
}

type ComposeRequest struct {
	// From defaults to the configured username.
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	Text        string
	HTML        string
	Attachments []email.Attachment
}

type Receipt struct {
	MessageID string
	ID        string
	Folder    string
	Warnings  []string
}

type Dispatcher struct {
	cfg         config.Config
	store       store.Store
	transport   Transport
	dial        Dialer
	locker      Locker
	attachments *attachment.Store
	policy      retry.Policy
	log         zerolog.Logger
	now         func() time.Time
}

func NewDispatcher(cfg config.Config, st store.Store, transport Transport, dial Dialer, locker Locker, atts *attachment.Store, logger zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		cfg:         cfg,
		store:       st,
		transport:   transport,
		dial:        dial,
		locker:      locker,
		attachments: atts,
		log:         logger.With().Str("component", "outbound").Logger(),
		now:         time.Now,
	}
	d.policy = retry.Once(store.IsConnectivityError, func(ctx context.Context, err error) error {
		return st.Reconnect(ctx)
	})
	return d
}

// Send delivers req on behalf of principal. An identical message sent by the
// same principal within DuplicateWindow is rejected with a
// *mailerr.DuplicateSendError before anything goes over the network.
// Failures after a successful submission are reported as receipt warnings.
func (d *Dispatcher) Send(ctx context.Context, principal string, req ComposeRequest) (Receipt, error) {
	if strings.TrimSpace(req.From) == "" {
		req.From = d.cfg.Auth.Username
	}
	principal = strings.ToLower(strings.TrimSpace(principal))
	if principal == "" {
		principal = d.cfg.Auth.Principal
	}

	from, err := mail.ParseAddress(req.From)
	if err != nil {
		return Receipt{}, fmt.Errorf("invalid from address %q: %w", req.From, err)
	}
	to, err := email.ParseAddresses(req.To)
	if err != nil {
		return Receipt{}, err
	}
	cc, err := email.ParseAddresses(req.Cc)
	if err != nil {
		return Receipt{}, err
	}
	bcc, err := email.ParseAddresses(req.Bcc)
	if err != nil {
		return Receipt{}, err
	}
	recipients := envelope(to, cc, bcc)
	if len(recipients) == 0 {
		return Receipt{}, errors.New("at least one recipient is required")
	}

	fingerprint := Fingerprint(from.Address, recipients, req.Subject, req.Text, req.HTML)
	log := d.log.With().Str("principal", principal).Logger()

	release, ok, err := d.locker.Acquire(ctx, LockName, d.cfg.Lock.Timeout, d.cfg.Lock.PollInterval)
	if err != nil {
		return Receipt{}, err
	}
	if !ok {
		return Receipt{}, ErrSendBusy
	}
	defer release()

	now := d.now()
	last, err := retry.Value(ctx, d.policy, func(ctx context.Context) (lastSend, error) {
		at, ok, err := d.store.LastSent(ctx, principal, fingerprint)
		return lastSend{at, ok}, err
	})
	if err != nil {
		return Receipt{}, err
	}
	if last.ok {
		if elapsed := now.Sub(last.at); elapsed <= DuplicateWindow {
			log.Info().Str("fingerprint", fingerprint[:12]).Dur("elapsed", elapsed).Msg("Duplicate send rejected")
			return Receipt{}, &mailerr.DuplicateSendError{Fingerprint: fingerprint, Age: elapsed.Round(time.Second).String()}
		}
	}

	raw, messageID, err := email.BuildMessage(email.ComposeInput{
		From:        from.String(),
		To:          req.To,
		Cc:          req.Cc,
		Subject:     req.Subject,
		Text:        req.Text,
		HTML:        req.HTML,
		Attachments: req.Attachments,
		Date:        now,
	})
	if err != nil {
		return Receipt{}, err
	}

	if err := d.transport.Send(ctx, from.Address, recipients, raw); err != nil {
		log.Error().Err(err).Msg("Submission failed")
		return Receipt{}, &mailerr.TransportError{Err: err}
	}

	receipt := Receipt{MessageID: messageID}
	warn := func(msg string, err error) {
		log.Warn().Err(err).Msg(msg)
		receipt.Warnings = append(receipt.Warnings, fmt.Sprintf("%s: %v", msg, err))
	}

	if err := retry.Do(ctx, d.policy, func(ctx context.Context) error {
		return d.store.RecordSent(ctx, principal, fingerprint, now)
	}); err != nil {
		warn("send not recorded", err)
	}
	if err := d.store.PruneSent(ctx, now.Add(-fingerprintRetention)); err != nil {
		log.Debug().Err(err).Msg("Pruning send records failed")
	}

	receipt.Folder = d.fileSentCopy(ctx, raw, now, warn)

	msg := &store.Message{
		MessageID:      messageID,
		Folder:         receipt.Folder,
		Sender:         mime.FormatAddresses([]*mail.Address{from}),
		Recipients:     mime.FormatAddresses(to),
		Cc:             mime.FormatAddresses(cc),
		Bcc:            mime.FormatAddresses(bcc),
		Subject:        req.Subject,
		BodyText:       mime.Truncate(req.Text, d.cfg.Sync.BodyTextLimit),
		BodyHTML:       mime.Truncate(req.HTML, d.cfg.Sync.BodyHTMLLimit),
		IsRead:         true,
		IsSent:         true,
		HasAttachments: len(req.Attachments) > 0,
		ReceivedAt:     now.UTC(),
		LastSyncAt:     now.UTC(),
	}
	msg.SentAt.Time, msg.SentAt.Valid = now.UTC(), true

	rows := d.storeAttachments(req.Attachments, warn)
	if err := retry.Do(ctx, d.policy, func(ctx context.Context) error {
		return d.store.InsertMessage(ctx, msg, rows)
	}); err != nil {
		for _, a := range rows {
			_ = d.attachments.Remove(attachment.LocatorOf(a))
		}
		warn("local copy not saved", err)
	} else {
		receipt.ID = msg.ID
	}

	log.Info().
		Str("message_id", messageID).
		Str("folder", receipt.Folder).
		Int("recipients", len(recipients)).
		Int("warnings", len(receipt.Warnings)).
		Msg("Message sent")
	return receipt, nil
}

type lastSend struct {
	at time.Time
	ok bool
}

// fileSentCopy appends raw to the Sent-role folder and returns its name.
// The configured default is used when the folder cannot be resolved.
func (d *Dispatcher) fileSentCopy(ctx context.Context, raw []byte, date time.Time, warn func(string, error)) string {
	folder := d.cfg.Defaults.SentMailbox
	if folder == "" {
		folder = "Sent"
	}

	if d.dial == nil {
		return d.catalogSentFolder(ctx, folder)
	}
	mbox, err := d.dial(ctx)
	if err != nil {
		warn("sent copy not saved", err)
		return d.catalogSentFolder(ctx, folder)
	}
	defer mbox.Close()

	if name, err := folders.ResolveRemote(mbox, folders.RoleSent); err != nil {
		d.log.Debug().Err(err).Msg("Listing folders failed, using default sent folder")
	} else if name != "" {
		folder = name
	}

	if err := mbox.Append(folder, []string{goimap.SeenFlag}, date, raw); err != nil {
		warn("sent copy not saved", err)
	}
	return folder
}

// catalogSentFolder falls back to the folder cataloged with the sent role.
func (d *Dispatcher) catalogSentFolder(ctx context.Context, fallback string) string {
	all, err := d.store.ListFolders(ctx)
	if err != nil {
		return fallback
	}
	for _, f := range all {
		if f.Role == string(folders.RoleSent) {
			return f.Name
		}
	}
	return fallback
}

func (d *Dispatcher) storeAttachments(atts []email.Attachment, warn func(string, error)) []store.Attachment {
	var rows []store.Attachment
	for _, a := range atts {
		meta := attachment.Meta{Filename: a.Filename, ContentType: a.ContentType}
		loc, err := d.attachments.Store(a.Data, meta)
		if errors.Is(err, attachment.ErrDropped) {
			warn("attachment "+a.Filename+" not kept locally", err)
			continue
		}
		rows = append(rows, attachment.Row(loc, meta, len(a.Data)))
	}
	return rows
}

// envelope lists every recipient address once, lowercased and sorted.
func envelope(lists ...[]*mail.Address) []string {
	var out []string
	for _, list := range lists {
		for _, a := range list {
			addr := strings.ToLower(strings.TrimSpace(a.Address))
			if addr != "" {
				out = append(out, addr)
			}
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Fingerprint identifies a send by sender, recipient set, subject and body.
// Address case and recipient order do not matter.
func Fingerprint(sender string, recipients []string, subject, text, html string) string {
	rcpts := make([]string, 0, len(recipients))
	for _, r := range recipients {
		rcpts = append(rcpts, strings.ToLower(strings.TrimSpace(r)))
	}
	slices.Sort(rcpts)
	rcpts = slices.Compact(rcpts)

	body := sha256.Sum256([]byte(text + "\x00" + html))
	sum := sha256.Sum256([]byte(strings.Join([]string{
		strings.ToLower(strings.TrimSpace(sender)),
		strings.Join(rcpts, ","),
		subject,
		hex.EncodeToString(body[:]),
	}, "|")))
	return hex.EncodeToString(sum[:])
}
