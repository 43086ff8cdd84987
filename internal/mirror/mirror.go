// Package mirror applies local message mutations to the server. The local
// change always happens; remote failures only produce warnings.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"mailsync/internal/attachment"
	"mailsync/internal/imap"
	"mailsync/internal/mailerr"
	"mailsync/internal/retry"
	"mailsync/internal/store"
)

// Session is an IMAP session with a folder selected.
type Session interface {
	FellBack() bool
	List() ([]imap.Mailbox, error)
	Create(name string) error
	Copy(uid uint32, dest string) error
	StoreDeleted(uid uint32) error
	Expunge() error
	Close() error
}

type Dialer func(ctx context.Context, folder string) (Session, error)

func IMAPDialer(svc *imap.Service) Dialer {
	return func(ctx context.Context, folder string) (Session, error) {
		sess, err := svc.Connect(ctx, folder)
		if err != nil {
			return nil, err
		}
		return sess, nil
	}
}

type Mirror struct {
	store       store.Store
	attachments *attachment.Store
	dial        Dialer
	policy      retry.Policy
	log         zerolog.Logger
}

func New(st store.Store, atts *attachment.Store, dial Dialer, logger zerolog.Logger) *Mirror {
	return &Mirror{
		store:       st,
		attachments: atts,
		dial:        dial,
		policy: retry.Once(store.IsConnectivityError, func(ctx context.Context, err error) error {
			return st.Reconnect(ctx)
		}),
		log: logger.With().Str("component", "mirror").Logger(),
	}
}

// Delete expunges the message remotely when its uid is known and removes
// the local row and its attachment files.
func (m *Mirror) Delete(ctx context.Context, id string) mailerr.Outcome {
	msg, err := m.load(ctx, id)
	if err != nil {
		return mailerr.Failed(err)
	}
	out := mailerr.Success()
	log := m.log.With().Str("id", msg.ID).Str("folder", msg.Folder).Logger()

	if uid, ok := remoteUID(msg); ok {
		m.withSession(ctx, msg.Folder, &out, func(sess Session) {
			if err := sess.StoreDeleted(uid); err != nil {
				m.warn(log, &out, "flagging remote message", err)
				return
			}
			if err := sess.Expunge(); err != nil {
				m.warn(log, &out, "expunging remote folder", err)
			}
		})
	}

	atts, err := m.store.ListAttachments(ctx, msg.ID)
	if err != nil {
		log.Debug().Err(err).Msg("Listing attachments failed")
	}
	if err := retry.Do(ctx, m.policy, func(ctx context.Context) error {
		return m.store.DeleteMessage(ctx, msg.ID)
	}); err != nil {
		return mailerr.Failed(err)
	}
	for _, a := range atts {
		if err := m.attachments.Remove(attachment.LocatorOf(a)); err != nil {
			m.warn(log, &out, "removing attachment file", err)
		}
	}

	log.Info().Str("status", string(out.Status)).Msg("Message deleted")
	return out
}

// Move copies the message to target and expunges it from its folder when
// its uid is known, creating target remotely if needed. The local row is
// moved with its uid cleared; the next sync links it to the new uid.
func (m *Mirror) Move(ctx context.Context, id, target string) mailerr.Outcome {
	target = strings.TrimSpace(target)
	if target == "" {
		return mailerr.Failed(errors.New("target folder is required"))
	}
	msg, err := m.load(ctx, id)
	if err != nil {
		return mailerr.Failed(err)
	}
	if msg.Folder == target {
		return mailerr.Success()
	}
	out := mailerr.Success()
	log := m.log.With().Str("id", msg.ID).Str("folder", msg.Folder).Str("target", target).Logger()

	if uid, ok := remoteUID(msg); ok {
		m.withSession(ctx, msg.Folder, &out, func(sess Session) {
			if err := ensureFolder(sess, target); err != nil {
				m.warn(log, &out, "creating target folder", err)
				return
			}
			if err := sess.Copy(uid, target); err != nil {
				m.warn(log, &out, "copying remote message", err)
				return
			}
			if err := sess.StoreDeleted(uid); err != nil {
				m.warn(log, &out, "flagging remote original", err)
				return
			}
			if err := sess.Expunge(); err != nil {
				m.warn(log, &out, "expunging source folder", err)
			}
		})
	}

	if err := retry.Do(ctx, m.policy, func(ctx context.Context) error {
		return m.store.MoveMessageLocal(ctx, msg.ID, target)
	}); err != nil {
		return mailerr.Failed(err)
	}

	log.Info().Str("status", string(out.Status)).Msg("Message moved")
	return out
}

func (m *Mirror) load(ctx context.Context, id string) (*store.Message, error) {
	msg, err := retry.Value(ctx, m.policy, func(ctx context.Context) (*store.Message, error) {
		return m.store.GetMessage(ctx, id)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("message %s: %w", id, err)
	}
	return msg, err
}

// withSession opens a session on folder and runs fn. A session that fell
// back to another folder is not used: its uids belong to that folder.
func (m *Mirror) withSession(ctx context.Context, folder string, out *mailerr.Outcome, fn func(Session)) {
	if m.dial == nil {
		out.Warn("remote mirror unavailable")
		return
	}
	log := m.log.With().Str("folder", folder).Logger()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	sess, err := m.dial(ctx, folder)
	if err != nil {
		m.warn(log, out, "connecting to server", err)
		return
	}
	defer sess.Close()

	if sess.FellBack() {
		m.warn(log, out, "selecting folder", fmt.Errorf("folder %q is not available", folder))
		return
	}
	fn(sess)
}

func (m *Mirror) warn(log zerolog.Logger, out *mailerr.Outcome, what string, err error) {
	log.Warn().Err(err).Msg("Remote mirror failed: " + what)
	out.Warn(fmt.Sprintf("%s: %v", what, err))
}

func ensureFolder(sess Session, name string) error {
	mailboxes, err := sess.List()
	if err != nil {
		return err
	}
	for _, mb := range mailboxes {
		if mb.Name == name {
			return nil
		}
	}
	return sess.Create(name)
}

func remoteUID(msg *store.Message) (uint32, bool) {
	if msg.UID == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(msg.UID, 10, 32)
	if err != nil || n == 0 {
		return 0, false
	}
	return uint32(n), true
}
