package outbound

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mailsync/internal/attachment"
	"mailsync/internal/config"
	"mailsync/internal/email"
	"mailsync/internal/imap"
	"mailsync/internal/lock"
	"mailsync/internal/mailerr"
	"mailsync/internal/store"
	"mailsync/internal/testutil"
)

type fakeTransport struct {
	calls      int
	recipients []string
	raw        []byte
	err        error
}

func (f *fakeTransport) Send(ctx context.Context, from string, recipients []string, msg []byte) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.recipients = recipients
	f.raw = msg
	return nil
}

type appended struct {
	folder string
	flags  []string
	raw    []byte
}

type fakeMailbox struct {
	mailboxes []imap.Mailbox
	appends   []appended
	appendErr error
	closed    bool
}

func (m *fakeMailbox) List() ([]imap.Mailbox, error) { return m.mailboxes, nil }
func (m *fakeMailbox) Append(folder string, flags []string, date time.Time, raw []byte) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	m.appends = append(m.appends, appended{folder: folder, flags: flags, raw: raw})
	return nil
}
func (m *fakeMailbox) Close() error {
	m.closed = true
	return nil
}

type fixture struct {
	dispatcher *Dispatcher
	transport  *fakeTransport
	mailbox    *fakeMailbox
	store      *store.SQLStore
	clock      time.Time
	cfg        config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Auth.Username = "alice@example.org"
	cfg.Auth.Principal = "alice@example.org"
	cfg.Lock.Dir = t.TempDir()
	cfg.Lock.Timeout = 50 * time.Millisecond
	cfg.Lock.PollInterval = 10 * time.Millisecond
	cfg.Attachments.Dir = t.TempDir()

	f := &fixture{
		transport: &fakeTransport{},
		mailbox: &fakeMailbox{mailboxes: []imap.Mailbox{
			{Name: "INBOX", Delimiter: "/"},
			{Name: "Sent Items", Delimiter: "/", Attributes: []string{`\Sent`}},
		}},
		store: testutil.NewStore(t),
		clock: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		cfg:   cfg,
	}
	dial := func(ctx context.Context) (Mailbox, error) { return f.mailbox, nil }
	f.dispatcher = NewDispatcher(cfg, f.store, f.transport, dial, lock.New(cfg.Lock, zerolog.Nop()),
		attachment.New(cfg.Attachments, zerolog.Nop()), zerolog.Nop())
	f.dispatcher.now = func() time.Time { return f.clock }
	return f
}

func request() ComposeRequest {
	return ComposeRequest{
		To:      []string{"Bob <bob@example.org>"},
		Cc:      []string{"carol@example.org"},
		Bcc:     []string{"BOB@example.org"},
		Subject: "Quarterly numbers",
		Text:    "See the numbers below.",
	}
}

func TestSendStoresSentCopy(t *testing.T) {
	f := newFixture(t)

	receipt, err := f.dispatcher.Send(context.Background(), "", request())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(receipt.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", receipt.Warnings)
	}
	if receipt.Folder != "Sent Items" || receipt.ID == "" || !strings.HasPrefix(receipt.MessageID, "<") {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}

	if got := strings.Join(f.transport.recipients, ","); got != "bob@example.org,carol@example.org" {
		t.Fatalf("unexpected envelope: %s", got)
	}
	if strings.Contains(string(f.transport.raw), "Bcc") {
		t.Fatalf("bcc leaked into the message header")
	}

	if len(f.mailbox.appends) != 1 || f.mailbox.appends[0].folder != "Sent Items" {
		t.Fatalf("unexpected appends: %+v", f.mailbox.appends)
	}
	if !f.mailbox.closed {
		t.Fatalf("session not closed")
	}

	row, err := f.store.GetMessage(context.Background(), receipt.ID)
	if err != nil {
		t.Fatalf("get row: %v", err)
	}
	if !row.IsSent || !row.IsRead || row.UID != "" || row.Folder != "Sent Items" || row.MessageID != receipt.MessageID {
		t.Fatalf("unexpected row: %+v", row)
	}
}

func TestSendDuplicateWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.dispatcher.Send(ctx, "alice@example.org", request()); err != nil {
		t.Fatalf("first send: %v", err)
	}

	f.clock = f.clock.Add(60 * time.Second)
	_, err := f.dispatcher.Send(ctx, "Alice@Example.org", request())
	var dup *mailerr.DuplicateSendError
	if !errors.As(err, &dup) || dup.StatusCode() != 409 {
		t.Fatalf("expected duplicate at 60s, got %v", err)
	}
	if f.transport.calls != 1 {
		t.Fatalf("duplicate must not reach the transport")
	}

	f.clock = f.clock.Add(time.Second)
	if _, err := f.dispatcher.Send(ctx, "alice@example.org", request()); err != nil {
		t.Fatalf("send at 61s: %v", err)
	}
	if f.transport.calls != 2 {
		t.Fatalf("expected second submission, got %d calls", f.transport.calls)
	}
}

func TestSendDuplicateIsPerPrincipal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.dispatcher.Send(ctx, "alice@example.org", request()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := f.dispatcher.Send(ctx, "ops@example.org", request()); err != nil {
		t.Fatalf("other principal must not be blocked: %v", err)
	}
}

func TestSendTransportFailureRecordsNothing(t *testing.T) {
	f := newFixture(t)
	f.transport.err = errors.New("550 mailbox unavailable")
	ctx := context.Background()

	_, err := f.dispatcher.Send(ctx, "", request())
	if !mailerr.IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	msgs, err := f.store.ListMessages(ctx, store.MessageFilter{IncludeDeleted: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 0 || len(f.mailbox.appends) != 0 {
		t.Fatalf("failed send left traces: rows=%d appends=%d", len(msgs), len(f.mailbox.appends))
	}

	f.transport.err = nil
	if _, err := f.dispatcher.Send(ctx, "", request()); err != nil {
		t.Fatalf("retry after failure must not be a duplicate: %v", err)
	}
}

func TestSendAppendFailureIsWarning(t *testing.T) {
	f := newFixture(t)
	f.mailbox.appendErr = errors.New("NO [TRYCREATE] no such mailbox")

	receipt, err := f.dispatcher.Send(context.Background(), "", request())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(receipt.Warnings) != 1 || receipt.ID == "" {
		t.Fatalf("expected one warning and a local row, got %+v", receipt)
	}
}

func TestSendWithoutIMAPUsesDefaultFolder(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.dial = func(ctx context.Context) (Mailbox, error) {
		return nil, &mailerr.ConnectionError{Op: "login", Err: errors.New("refused")}
	}

	receipt, err := f.dispatcher.Send(context.Background(), "", request())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if receipt.Folder != "Sent" || len(receipt.Warnings) != 1 {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
}

func TestSendBusy(t *testing.T) {
	f := newFixture(t)
	holder := lock.New(f.cfg.Lock, zerolog.Nop())
	release, ok, err := holder.Acquire(context.Background(), LockName, time.Second, 10*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	defer release()

	if _, err := f.dispatcher.Send(context.Background(), "", request()); !errors.Is(err, ErrSendBusy) {
		t.Fatalf("expected send busy, got %v", err)
	}
	if f.transport.calls != 0 {
		t.Fatalf("transport called while busy")
	}
}

func TestSendKeepsAttachments(t *testing.T) {
	f := newFixture(t)
	req := request()
	req.Attachments = []email.Attachment{{Filename: "numbers.csv", ContentType: "text/csv", Data: []byte("q1,q2\n1,2\n")}}

	receipt, err := f.dispatcher.Send(context.Background(), "", req)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	atts, err := f.store.ListAttachments(context.Background(), receipt.ID)
	if err != nil {
		t.Fatalf("list attachments: %v", err)
	}
	if len(atts) != 1 || atts[0].Filename != "numbers.csv" {
		t.Fatalf("unexpected attachments: %+v", atts)
	}
}

func TestSendRequiresRecipient(t *testing.T) {
	f := newFixture(t)
	if _, err := f.dispatcher.Send(context.Background(), "", ComposeRequest{Subject: "x", Text: "x"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("Alice@Example.org", []string{"b@example.org", "C@example.org"}, "Hi", "body", "")
	b := Fingerprint("alice@example.org", []string{"c@example.org", "b@example.org", "B@example.org"}, "Hi", "body", "")
	if a != b {
		t.Fatalf("case and order must not matter")
	}
	if a == Fingerprint("alice@example.org", []string{"b@example.org", "c@example.org"}, "Hi", "other body", "") {
		t.Fatalf("body must matter")
	}
	if a == Fingerprint("alice@example.org", []string{"b@example.org", "c@example.org"}, "Hello", "body", "") {
		t.Fatalf("subject must matter")
	}
	if Fingerprint("a@example.org", nil, "Hi", "ab", "") == Fingerprint("a@example.org", nil, "Hi", "a", "b") {
		t.Fatalf("text and html must hash apart")
	}
}
