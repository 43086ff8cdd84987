package mirror

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/rs/zerolog"

	"mailsync/internal/attachment"
	"mailsync/internal/config"
	"mailsync/internal/imap"
	"mailsync/internal/mailerr"
	"mailsync/internal/store"
	"mailsync/internal/syncer"
	"mailsync/internal/testutil"
)

type fixture struct {
	srv    *testutil.IMAPServer
	store  *store.SQLStore
	atts   *attachment.Store
	svc    *imap.Service
	mirror *Mirror
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := testutil.NewIMAPServer(t)
	st := testutil.NewStore(t)
	atts := attachment.New(config.AttachmentConfig{Dir: t.TempDir(), InlineThreshold: 4}, zerolog.Nop())
	svc := imap.NewService(srv.Config(), zerolog.Nop())
	return &fixture{
		srv:    srv,
		store:  st,
		atts:   atts,
		svc:    svc,
		mirror: New(st, atts, IMAPDialer(svc), zerolog.Nop()),
	}
}

// track inserts the row the sync engine would have created for INBOX uid 6.
func (f *fixture) track(t *testing.T, folder, uid string, atts ...store.Attachment) *store.Message {
	t.Helper()
	msg := &store.Message{MessageID: "<0000000@localhost/>", UID: uid, Folder: folder, Subject: "A little message"}
	if err := f.store.InsertMessage(context.Background(), msg, atts); err != nil {
		t.Fatalf("insert: %v", err)
	}
	return msg
}

func TestDeleteRemovesRemoteAndLocal(t *testing.T) {
	f := newFixture(t)

	loc, err := f.atts.Store([]byte("larger than four bytes"), attachment.Meta{Filename: "notes.txt"})
	if err != nil || loc.Path == "" {
		t.Fatalf("store attachment: %+v %v", loc, err)
	}
	msg := f.track(t, "INBOX", "6", attachment.Row(loc, attachment.Meta{Filename: "notes.txt"}, 22))

	out := f.mirror.Delete(context.Background(), msg.ID)
	if out.Status != mailerr.StatusSuccess {
		t.Fatalf("unexpected outcome: %v", out)
	}
	if n := len(f.srv.Mailbox(t, "INBOX").Messages); n != 0 {
		t.Fatalf("expected remote message to be expunged, %d left", n)
	}
	if _, err := f.store.GetMessage(context.Background(), msg.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected local row to be gone, got %v", err)
	}
	if _, err := os.Stat(loc.Path); !os.IsNotExist(err) {
		t.Fatalf("attachment file left behind: %v", err)
	}
}

func TestDeleteWithoutUIDStaysLocal(t *testing.T) {
	f := newFixture(t)
	msg := f.track(t, "Sent", "")
	f.mirror.dial = func(ctx context.Context, folder string) (Session, error) {
		t.Fatalf("no session expected for a row without uid")
		return nil, nil
	}

	if out := f.mirror.Delete(context.Background(), msg.ID); out.Status != mailerr.StatusSuccess {
		t.Fatalf("unexpected outcome: %v", out)
	}
}

func TestDeleteRemoteFailureIsWarning(t *testing.T) {
	f := newFixture(t)
	msg := f.track(t, "INBOX", "6")
	f.mirror.dial = func(ctx context.Context, folder string) (Session, error) {
		return nil, &mailerr.ConnectionError{Op: "dial", Err: errors.New("connection refused")}
	}

	out := f.mirror.Delete(context.Background(), msg.ID)
	if out.Status != mailerr.StatusWarning || len(out.Warnings) != 1 {
		t.Fatalf("expected a warning, got %v", out)
	}
	if _, err := f.store.GetMessage(context.Background(), msg.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("local row must be removed regardless, got %v", err)
	}
}

func TestDeleteUnknownMessage(t *testing.T) {
	f := newFixture(t)
	out := f.mirror.Delete(context.Background(), "missing")
	if out.Status != mailerr.StatusError || !errors.Is(out.Err, store.ErrNotFound) {
		t.Fatalf("unexpected outcome: %v", out)
	}
}

func TestMoveCreatesTargetAndRelinksOnSync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := f.track(t, "INBOX", "6")

	out := f.mirror.Move(ctx, msg.ID, "Archive")
	if out.Status != mailerr.StatusSuccess {
		t.Fatalf("unexpected outcome: %v", out)
	}
	if n := len(f.srv.Mailbox(t, "INBOX").Messages); n != 0 {
		t.Fatalf("source still holds %d messages", n)
	}
	archived := f.srv.Mailbox(t, "Archive").Messages
	if len(archived) != 1 {
		t.Fatalf("expected one archived message, got %d", len(archived))
	}

	row, err := f.store.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.Folder != "Archive" || row.UID != "" {
		t.Fatalf("unexpected local row: %+v", row)
	}

	cfg := config.DefaultConfig()
	engine := syncer.NewEngine(cfg.Sync, syncer.IMAPDialer(f.svc), f.store, f.atts, zerolog.Nop())
	if _, err := engine.Run(ctx, "", nil); err != nil {
		t.Fatalf("sync: %v", err)
	}
	row, err = f.store.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get after sync: %v", err)
	}
	if row.Folder != "Archive" || row.UID == "" {
		t.Fatalf("sync should link the moved row to its new uid: %+v", row)
	}
}

func TestMoveFallbackFolderIsNotTouched(t *testing.T) {
	f := newFixture(t)
	msg := f.track(t, "Gone", "6")

	out := f.mirror.Move(context.Background(), msg.ID, "Archive")
	if out.Status != mailerr.StatusWarning {
		t.Fatalf("expected a warning, got %v", out)
	}
	if n := len(f.srv.Mailbox(t, "INBOX").Messages); n != 1 {
		t.Fatalf("INBOX must be left alone, has %d messages", n)
	}
	row, err := f.store.GetMessage(context.Background(), msg.ID)
	if err != nil || row.Folder != "Archive" {
		t.Fatalf("local move must still happen: %+v %v", row, err)
	}
}

func TestMoveToSameFolderIsNoop(t *testing.T) {
	f := newFixture(t)
	msg := f.track(t, "INBOX", "6")
	if out := f.mirror.Move(context.Background(), msg.ID, "INBOX"); out.Status != mailerr.StatusSuccess {
		t.Fatalf("unexpected outcome: %v", out)
	}
	row, _ := f.store.GetMessage(context.Background(), msg.ID)
	if row.UID != "6" {
		t.Fatalf("uid must be kept, got %q", row.UID)
	}
}

func TestMoveRequiresTarget(t *testing.T) {
	f := newFixture(t)
	msg := f.track(t, "INBOX", "6")
	if out := f.mirror.Move(context.Background(), msg.ID, " "); out.OK() {
		t.Fatalf("expected failure, got %v", out)
	}
}
