// Package syncer mirrors remote folders into the local store. One cycle
// opens a single IMAP session, reconciles the folder catalog and then walks
// every folder: new messages are imported, flag changes refreshed, moves
// detected by Message-ID and remote deletions applied.
package syncer

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"mailsync/internal/attachment"
	"mailsync/internal/config"
	"mailsync/internal/folders"
	"mailsync/internal/imap"
	"mailsync/internal/mailerr"
	"mailsync/internal/mime"
	"mailsync/internal/retry"
	"mailsync/internal/store"
)

// Session is the part of an IMAP session a sync cycle needs.
type Session interface {
	List() ([]imap.Mailbox, error)
	Select(name string) error
	SearchAll() ([]uint32, error)
	FetchUIDs(seqs []uint32) (map[uint32]uint32, error)
	FetchUID(seq uint32) (uint32, error)
	FetchFlags(uids []uint32) (map[uint32][]string, error)
	FetchRaw(uid uint32) ([]byte, error)
	FetchRawSeq(seq uint32) ([]byte, error)
	Close() error
}

// Dialer opens an authenticated session with nothing selected.
type Dialer func(ctx context.Context) (Session, error)

// IMAPDialer adapts an imap.Service.
func IMAPDialer(svc *imap.Service) Dialer {
	return func(ctx context.Context) (Session, error) {
		sess, err := svc.Connect(ctx, "")
		if err != nil {
			return nil, err
		}
		return sess, nil
	}
}

// FolderResult summarizes one folder pass.
type FolderResult struct {
	Folder          string
	New             int
	Updated         int
	Moved           int
	Deleted         int
	SoftDeleted     int
	Skipped         bool
	MappingComplete bool
	Err             error
}

type Report struct {
	// Skipped is set when another process held the sync lock.
	Skipped    bool
	StartedAt  time.Time
	FinishedAt time.Time
	Folders    []FolderResult
}

// Totals sums the per-folder counters.
func (r Report) Totals() FolderResult {
	var t FolderResult
	for _, f := range r.Folders {
		t.New += f.New
		t.Updated += f.Updated
		t.Moved += f.Moved
		t.Deleted += f.Deleted
		t.SoftDeleted += f.SoftDeleted
	}
	return t
}

// Failed lists folders that were skipped or ended with an error.
func (r Report) Failed() []string {
	var names []string
	for _, f := range r.Folders {
		if f.Skipped || f.Err != nil {
			names = append(names, f.Folder)
		}
	}
	return names
}

type Engine struct {
	cfg         config.SyncConfig
	dial        Dialer
	store       store.Store
	attachments *attachment.Store
	reconciler  *folders.Reconciler
	policy      retry.Policy
	log         zerolog.Logger
	now         func() time.Time
}

func NewEngine(cfg config.SyncConfig, dial Dialer, st store.Store, atts *attachment.Store, logger zerolog.Logger) *Engine {
	e := &Engine{
		cfg:         cfg,
		dial:        dial,
		store:       st,
		attachments: atts,
		reconciler:  folders.NewReconciler(st, logger),
		log:         logger.With().Str("component", "sync").Logger(),
		now:         time.Now,
	}
	e.policy = retry.Once(store.IsConnectivityError, func(ctx context.Context, err error) error {
		e.log.Warn().Err(err).Msg("Database connection lost, reconnecting")
		return st.Reconnect(ctx)
	})
	return e
}

// WithFolderNames passes configured role folder names to the catalog
// reconciler.
func (e *Engine) WithFolderNames(names map[folders.Role]string) *Engine {
	e.reconciler.WithNames(names)
	return e
}

// Run performs one sync cycle. A non-empty only restricts the cycle to that
// folder; progress, when set, is called after each folder. Only a failure to
// establish the session is returned as an error; folder level failures are
// reported per folder.
func (e *Engine) Run(ctx context.Context, only string, progress func(FolderResult)) (Report, error) {
	report := Report{StartedAt: e.now().UTC()}

	sess, err := e.dial(ctx)
	if err != nil {
		if !mailerr.IsConnection(err) {
			err = &mailerr.ConnectionError{Op: "connect", Err: err}
		}
		return report, err
	}
	defer sess.Close()

	synced, skipped, err := e.reconciler.Reconcile(ctx, sess)
	if err != nil {
		e.log.Warn().Err(err).Msg("Folder listing failed, using stored catalog")
	} else {
		e.log.Debug().Int("synced", synced).Int("skipped", skipped).Msg("Folder catalog reconciled")
	}

	targets, err := e.targets(ctx, only)
	if err != nil {
		return report, err
	}

	for _, f := range targets {
		if err := ctx.Err(); err != nil {
			report.FinishedAt = e.now().UTC()
			return report, err
		}
		res := e.syncFolder(ctx, sess, f)
		report.Folders = append(report.Folders, res)
		if progress != nil {
			progress(res)
		}
	}

	report.FinishedAt = e.now().UTC()
	t := report.Totals()
	e.log.Info().
		Int("folders", len(report.Folders)).
		Int("new", t.New).
		Int("updated", t.Updated).
		Int("moved", t.Moved).
		Int("deleted", t.Deleted+t.SoftDeleted).
		Dur("took", report.FinishedAt.Sub(report.StartedAt)).
		Msg("Sync cycle finished")
	return report, nil
}

func (e *Engine) targets(ctx context.Context, only string) ([]store.Folder, error) {
	all, err := retry.Value(ctx, e.policy, func(ctx context.Context) ([]store.Folder, error) {
		return e.store.ListFolders(ctx)
	})
	if err != nil {
		return nil, err
	}

	if only != "" {
		for _, f := range all {
			if f.Name == only {
				return []store.Folder{f}, nil
			}
		}
		// Not cataloged (listing failed or hidden); still try it.
		return []store.Folder{{Name: only, Role: string(folders.RoleCustom)}}, nil
	}

	if len(e.cfg.Folders) == 0 {
		return all, nil
	}
	var out []store.Folder
	for _, f := range all {
		if slices.ContainsFunc(e.cfg.Folders, func(name string) bool { return strings.EqualFold(name, f.Name) }) {
			out = append(out, f)
		}
	}
	return out, nil
}

// entry is one remote message of the listing. uid equals seq when the uid
// could not be resolved.
type entry struct {
	seq      uint32
	uid      uint32
	resolved bool
}

func (e *Engine) syncFolder(ctx context.Context, sess Session, f store.Folder) FolderResult {
	res := FolderResult{Folder: f.Name}
	started := e.now().UTC()
	log := e.log.With().Str("folder", f.Name).Logger()

	if err := sess.Select(f.Name); err != nil {
		log.Warn().Err(err).Msg("Skipping folder")
		res.Skipped = true
		res.Err = err
		return res
	}

	defer func() {
		e.recordRun(ctx, log, started, &res)
	}()

	stored, err := retry.Value(ctx, e.policy, func(ctx context.Context) ([]string, error) {
		return e.store.FolderUIDs(ctx, f.Name)
	})
	if err != nil {
		res.Err = err
		return res
	}
	watermark, hasWatermark := Watermark(stored)

	seqs, err := sess.SearchAll()
	if err != nil {
		res.Err = err
		return res
	}
	if len(stored) == 0 {
		if limit := e.backfillLimit(f); limit > 0 && len(seqs) > limit {
			seqs = seqs[len(seqs)-limit:]
		}
	}

	entries, complete := e.mapUIDs(sess, log, seqs)
	res.MappingComplete = complete

	var resolved []uint32
	for _, en := range entries {
		if en.resolved {
			resolved = append(resolved, en.uid)
		}
	}
	flags := map[uint32][]string{}
	if len(resolved) > 0 {
		flags, err = sess.FetchFlags(resolved)
		if err != nil {
			res.Err = err
			return res
		}
	}

	isSent := f.Role == string(folders.RoleSent)
	for _, en := range entries {
		isRead := isSent || (en.resolved && imap.Seen(flags[en.uid]))
		if err := e.apply(ctx, sess, f, en, isRead, hasWatermark, watermark, &res); err != nil {
			if store.IsConnectivityError(err) || ctx.Err() != nil {
				res.Err = err
				return res
			}
			log.Warn().Err(err).Uint32("uid", en.uid).Msg("Skipping message")
		}
	}

	if complete {
		if err := e.detectDeletions(ctx, f.Name, resolved, &res); err != nil {
			res.Err = err
		}
	}
	return res
}

func (e *Engine) backfillLimit(f store.Folder) int {
	if folders.Role(f.Role).IsSystem() {
		return e.cfg.BackfillStandard
	}
	return e.cfg.BackfillCustom
}

// Watermark returns the highest stored uid. ok is false when there is no
// stored uid or any of them is not numeric.
func Watermark(uids []string) (highest uint32, ok bool) {
	if len(uids) == 0 {
		return 0, false
	}
	for _, s := range uids {
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return 0, false
		}
		if uint32(n) > highest {
			highest = uint32(n)
		}
	}
	return highest, true
}

func (e *Engine) mapUIDs(sess Session, log zerolog.Logger, seqs []uint32) ([]entry, bool) {
	if len(seqs) == 0 {
		return nil, true
	}

	bySeq, err := sess.FetchUIDs(seqs)
	if err != nil {
		log.Debug().Err(err).Msg("Batched uid fetch failed, resolving one by one")
		bySeq = map[uint32]uint32{}
	}
	for _, seq := range seqs {
		if _, ok := bySeq[seq]; ok {
			continue
		}
		if uid, err := sess.FetchUID(seq); err == nil && uid != 0 {
			bySeq[seq] = uid
		}
	}

	if len(bySeq) == 0 {
		log.Warn().Int("messages", len(seqs)).Msg("No uids resolved, using sequence numbers")
	}

	entries := make([]entry, 0, len(seqs))
	complete := true
	for _, seq := range seqs {
		if uid, ok := bySeq[seq]; ok {
			entries = append(entries, entry{seq: seq, uid: uid, resolved: true})
			continue
		}
		complete = false
		entries = append(entries, entry{seq: seq, uid: seq})
	}
	return entries, complete
}

// apply classifies one remote entry and writes the outcome.
func (e *Engine) apply(ctx context.Context, sess Session, f store.Folder, en entry, isRead, hasWatermark bool, watermark uint32, res *FolderResult) error {
	uid := strconv.FormatUint(uint64(en.uid), 10)
	now := e.now().UTC()

	if en.resolved {
		existing, err := e.getMessage(ctx, func(ctx context.Context) (*store.Message, error) {
			return e.store.GetMessageByUID(ctx, f.Name, uid)
		})
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.IsRead != isRead || existing.IsDeletedRemote {
				res.Updated++
			}
			return e.db(ctx, func(ctx context.Context) error {
				return e.store.RefreshMessage(ctx, existing.ID, isRead, now)
			})
		}
		if hasWatermark && en.uid <= watermark {
			return nil
		}
	}

	var (
		raw []byte
		err error
	)
	if en.resolved {
		raw, err = sess.FetchRaw(en.uid)
	} else {
		raw, err = sess.FetchRawSeq(en.seq)
	}
	if err != nil {
		return err
	}

	msg, payloads, hasID := e.decode(raw, f, en.uid, isRead)
	if !en.resolved && !hasID {
		// A synthesized id built from a sequence number would not survive
		// uid resolution; import the message once its uid is known.
		e.log.Info().Str("folder", f.Name).Uint32("seq", en.seq).Msg("Deferring message without uid or Message-ID")
		return nil
	}
	msg.UID = uid

	existing, err := e.getMessage(ctx, func(ctx context.Context) (*store.Message, error) {
		return e.store.GetMessageByMessageID(ctx, msg.MessageID)
	})
	if err != nil {
		return err
	}
	if existing != nil {
		if !en.resolved && existing.Folder == f.Name {
			// Imported on an earlier pass; its real uid is unknown here.
			return nil
		}
		if existing.Folder == f.Name && existing.UID == uid {
			return e.db(ctx, func(ctx context.Context) error {
				return e.store.RefreshMessage(ctx, existing.ID, isRead, now)
			})
		}
		if err := e.db(ctx, func(ctx context.Context) error {
			return e.store.RelocateMessage(ctx, existing.ID, f.Name, uid, isRead, now)
		}); err != nil {
			return err
		}
		if existing.Folder == f.Name {
			// Sent or locally moved row learning its uid.
			res.Updated++
		} else {
			res.Moved++
		}
		return nil
	}

	rows := e.storeAttachments(msg, payloads)
	if err := e.db(ctx, func(ctx context.Context) error {
		return e.store.InsertMessage(ctx, msg, rows)
	}); err != nil {
		for _, a := range rows {
			_ = e.attachments.Remove(attachment.LocatorOf(a))
		}
		return err
	}
	res.New++
	return nil
}

// decode builds the message row. Parse failures still produce a row with
// best effort fields and has_attachments set, so the message is not lost.
// hasID reports whether the Message-ID came from the message itself.
func (e *Engine) decode(raw []byte, f store.Folder, uid uint32, isRead bool) (msg *store.Message, atts []*mime.Attachment, hasID bool) {
	now := e.now().UTC()
	msg = &store.Message{
		Folder:     f.Name,
		IsRead:     isRead,
		IsSent:     f.Role == string(folders.RoleSent),
		ReceivedAt: now,
		LastSyncAt: now,
	}

	parsed, err := mime.Parse(raw)
	if err != nil {
		perr := &mailerr.ParseError{Folder: f.Name, UID: uid, Err: err}
		e.log.Warn().Err(perr).Msg("Storing unparseable message")
		msg.MessageID = SyntheticMessageID(f.Name, uid, time.Time{})
		msg.BodyText = mime.Truncate(mime.DecodeText(raw), e.cfg.BodyTextLimit)
		msg.HasAttachments = true
		return msg, nil, false
	}

	h := parsed.Header
	msg.MessageID = h.MessageID
	hasID = msg.MessageID != ""
	if !hasID {
		msg.MessageID = SyntheticMessageID(f.Name, uid, h.Date)
	}
	msg.Sender = h.From
	msg.Recipients = h.To
	msg.Cc = h.Cc
	msg.Bcc = h.Bcc
	msg.Subject = h.Subject
	if !h.Date.IsZero() {
		msg.ReceivedAt = h.Date.UTC()
		msg.SentAt = sql.NullTime{Time: h.Date.UTC(), Valid: true}
	}

	var (
		text, html       string
		gotText, gotHTML bool
	)
	for part, err := range parsed.Parts() {
		if err != nil {
			// Only the failing part is lost.
			e.log.Warn().Err(&mailerr.ParseError{Folder: f.Name, UID: uid, Err: err}).Msg("Malformed message part")
			msg.HasAttachments = true
			continue
		}
		switch p := part.(type) {
		case mime.Text:
			if !gotText {
				text, gotText = string(p), true
			}
		case mime.HTML:
			if !gotHTML {
				html, gotHTML = string(p), true
			}
		case *mime.Attachment:
			atts = append(atts, p)
		}
	}
	msg.BodyText = mime.Truncate(text, e.cfg.BodyTextLimit)
	msg.BodyHTML = mime.Truncate(html, e.cfg.BodyHTMLLimit)
	if len(atts) > 0 {
		msg.HasAttachments = true
	}
	return msg, atts, hasID
}

func (e *Engine) storeAttachments(msg *store.Message, payloads []*mime.Attachment) []store.Attachment {
	rows := make([]store.Attachment, 0, len(payloads))
	for _, p := range payloads {
		meta := attachment.Meta{
			Filename:    p.Filename,
			ContentType: p.ContentType,
			IsInline:    p.IsInline,
			ContentID:   p.ContentID,
		}
		loc, err := e.attachments.Store(p.Data, meta)
		if errors.Is(err, attachment.ErrDropped) {
			e.log.Warn().Err(err).Str("message_id", msg.MessageID).Str("filename", p.Filename).Msg("Attachment dropped")
			continue
		}
		if err != nil {
			e.log.Warn().Err(err).Str("filename", p.Filename).Msg("Attachment kept inline after disk failure")
		}
		rows = append(rows, attachment.Row(loc, meta, len(p.Data)))
	}
	return rows
}

// detectDeletions handles stored numeric uids that are no longer listed
// remotely. A row whose Message-ID lives in another folder is deleted, any
// other row is only flagged.
func (e *Engine) detectDeletions(ctx context.Context, folder string, remote []uint32, res *FolderResult) error {
	stored, err := retry.Value(ctx, e.policy, func(ctx context.Context) ([]string, error) {
		return e.store.FolderUIDs(ctx, folder)
	})
	if err != nil {
		return err
	}

	present := make(map[uint32]bool, len(remote))
	for _, uid := range remote {
		present[uid] = true
	}

	for _, s := range stored {
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil || present[uint32(n)] {
			continue
		}
		msg, err := e.getMessage(ctx, func(ctx context.Context) (*store.Message, error) {
			return e.store.GetMessageByUID(ctx, folder, s)
		})
		if err != nil {
			return err
		}
		if msg == nil || msg.IsDeletedRemote {
			continue
		}

		elsewhere, err := retry.Value(ctx, e.policy, func(ctx context.Context) (bool, error) {
			return e.store.ExistsInOtherFolder(ctx, msg.MessageID, folder)
		})
		if err != nil {
			return err
		}
		if elsewhere {
			atts, _ := e.store.ListAttachments(ctx, msg.ID)
			if err := e.db(ctx, func(ctx context.Context) error {
				return e.store.DeleteMessage(ctx, msg.ID)
			}); err != nil {
				return err
			}
			for _, a := range atts {
				_ = e.attachments.Remove(attachment.LocatorOf(a))
			}
			res.Deleted++
			continue
		}
		if err := e.db(ctx, func(ctx context.Context) error {
			return e.store.MarkDeletedRemote(ctx, msg.ID)
		}); err != nil {
			return err
		}
		res.SoftDeleted++
	}
	return nil
}

func (e *Engine) recordRun(ctx context.Context, log zerolog.Logger, started time.Time, res *FolderResult) {
	run := store.SyncRun{
		Folder:          res.Folder,
		StartedAt:       started,
		FinishedAt:      e.now().UTC(),
		New:             res.New,
		Updated:         res.Updated,
		Moved:           res.Moved,
		Deleted:         res.Deleted,
		SoftDeleted:     res.SoftDeleted,
		MappingComplete: res.MappingComplete,
	}
	if res.Err != nil {
		run.Error = res.Err.Error()
	}
	if err := e.db(ctx, func(ctx context.Context) error { return e.store.RecordSyncRun(ctx, run) }); err != nil {
		log.Warn().Err(err).Msg("Failed to record sync run")
	}

	if !res.MappingComplete && res.Err == nil {
		n, err := e.store.ConsecutivePartialRuns(ctx, res.Folder)
		if err == nil {
			log.Warn().Int("consecutive", n).Msg("Uid mapping incomplete, deletions not applied")
		}
	}

	ev := log.Info()
	if res.Err != nil {
		ev = log.Warn().Err(res.Err)
	}
	ev.Int("new", res.New).
		Int("updated", res.Updated).
		Int("moved", res.Moved).
		Int("deleted", res.Deleted).
		Int("soft_deleted", res.SoftDeleted).
		Msg("Folder synced")
}

func (e *Engine) db(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, e.policy, fn)
}

// getMessage maps store.ErrNotFound to a nil message.
func (e *Engine) getMessage(ctx context.Context, fn func(ctx context.Context) (*store.Message, error)) (*store.Message, error) {
	msg, err := retry.Value(ctx, e.policy, fn)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return msg, err
}

// SyntheticMessageID derives a stable Message-ID for messages that carry
// none.
func SyntheticMessageID(folder string, uid uint32, date time.Time) string {
	var ts int64
	if !date.IsZero() {
		ts = date.Unix()
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d", folder, uid, ts)))
	return "<" + hex.EncodeToString(sum[:])[:32] + "@mailsync.local>"
}
