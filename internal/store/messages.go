package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const messageColumns = `id, message_id, COALESCE(uid, '') AS uid, folder, sender, recipients, cc, bcc,
	subject, body_text, body_html, is_read, is_sent, has_attachments,
	received_at, sent_at, last_sync_at, is_deleted_remote`

const attachmentColumns = `id, owner_id, filename, content_type, size, is_inline, content_id,
	content, COALESCE(file_path, '') AS file_path`

// FolderUIDs returns every known uid stored for folder.
func (s *SQLStore) FolderUIDs(ctx context.Context, folder string) ([]string, error) {
	db := s.conn()
	var uids []string
	err := db.SelectContext(ctx, &uids,
		db.Rebind("SELECT uid FROM messages WHERE folder = ? AND uid IS NOT NULL"), folder)
	if err != nil {
		return nil, fmt.Errorf("listing uids for %q: %w", folder, err)
	}
	return uids, nil
}

func (s *SQLStore) getMessage(ctx context.Context, where string, args ...any) (*Message, error) {
	db := s.conn()
	var m Message
	err := db.GetContext(ctx, &m, db.Rebind("SELECT "+messageColumns+" FROM messages WHERE "+where), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m, err := s.getMessage(ctx, "id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", id, err)
	}
	return m, nil
}

func (s *SQLStore) GetMessageByUID(ctx context.Context, folder, uid string) (*Message, error) {
	m, err := s.getMessage(ctx, "folder = ? AND uid = ?", folder, uid)
	if err != nil {
		return nil, fmt.Errorf("getting message %s/%s: %w", folder, uid, err)
	}
	return m, nil
}

func (s *SQLStore) GetMessageByMessageID(ctx context.Context, messageID string) (*Message, error) {
	m, err := s.getMessage(ctx, "message_id = ?", messageID)
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", messageID, err)
	}
	return m, nil
}

// ExistsInOtherFolder reports whether messageID is tracked outside folder.
func (s *SQLStore) ExistsInOtherFolder(ctx context.Context, messageID, folder string) (bool, error) {
	db := s.conn()
	var n int
	err := db.GetContext(ctx, &n,
		db.Rebind("SELECT COUNT(*) FROM messages WHERE message_id = ? AND folder <> ?"), messageID, folder)
	if err != nil {
		return false, fmt.Errorf("checking message %s: %w", messageID, err)
	}
	return n > 0, nil
}

// InsertMessage writes the message row and its attachments in one
// transaction. m.ID is assigned when empty.
func (s *SQLStore) InsertMessage(ctx context.Context, m *Message, atts []Attachment) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}

	db := s.conn()
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO messages (
			id, message_id, uid, folder, sender, recipients, cc, bcc,
			subject, body_text, body_html, is_read, is_sent, has_attachments,
			received_at, sent_at, last_sync_at, is_deleted_remote
		) VALUES (
			?, ?, ?, ?, ?, ?, ?, ?,
			?, ?, ?, ?, ?, ?,
			?, ?, ?, ?
		)`),
		m.ID, m.MessageID, nullString(m.UID), m.Folder, m.Sender, m.Recipients, m.Cc, m.Bcc,
		m.Subject, m.BodyText, m.BodyHTML, m.IsRead, m.IsSent, m.HasAttachments,
		m.ReceivedAt.UTC(), utcNullTime(m.SentAt), m.LastSyncAt.UTC(), m.IsDeletedRemote,
	)
	if err != nil {
		return wrapWrite(err, "inserting message %s", m.MessageID)
	}

	if len(atts) > 0 {
		stmt, err := tx.PreparexContext(ctx, tx.Rebind(`
			INSERT INTO attachments (
				id, owner_id, filename, content_type, size, is_inline, content_id, content, file_path
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`))
		if err != nil {
			return fmt.Errorf("preparing attachment insert: %w", err)
		}
		defer stmt.Close()

		for i := range atts {
			a := &atts[i]
			if a.ID == "" {
				a.ID = uuid.New().String()
			}
			a.OwnerID = m.ID
			_, err := stmt.ExecContext(ctx,
				a.ID, a.OwnerID, a.Filename, a.ContentType, a.Size, a.IsInline, a.ContentID,
				a.Content, nullString(a.FilePath),
			)
			if err != nil {
				return fmt.Errorf("inserting attachment %q: %w", a.Filename, err)
			}
		}
	}

	return tx.Commit()
}

// RefreshMessage updates the flags and sync metadata of a message that is
// still present remotely.
func (s *SQLStore) RefreshMessage(ctx context.Context, id string, isRead bool, syncedAt time.Time) error {
	return s.execOne(ctx, "refreshing message "+id, `
		UPDATE messages SET is_read = ?, last_sync_at = ?, is_deleted_remote = ?
		WHERE id = ?`, isRead, syncedAt.UTC(), false, id)
}

// RelocateMessage points an existing row at its new remote location.
func (s *SQLStore) RelocateMessage(ctx context.Context, id, folder, uid string, isRead bool, syncedAt time.Time) error {
	return s.execOne(ctx, "relocating message "+id, `
		UPDATE messages SET folder = ?, uid = ?, is_read = ?, last_sync_at = ?, is_deleted_remote = ?
		WHERE id = ?`, folder, nullString(uid), isRead, syncedAt.UTC(), false, id)
}

// MoveMessageLocal changes the folder of a row and forgets its uid, which
// belongs to the previous folder.
func (s *SQLStore) MoveMessageLocal(ctx context.Context, id, folder string) error {
	return s.execOne(ctx, "moving message "+id, `
		UPDATE messages SET folder = ?, uid = NULL WHERE id = ?`, folder, id)
}

func (s *SQLStore) MarkDeletedRemote(ctx context.Context, id string) error {
	return s.execOne(ctx, "soft-deleting message "+id, `
		UPDATE messages SET is_deleted_remote = ? WHERE id = ?`, true, id)
}

// DeleteMessage removes the row; attachment rows go with it.
func (s *SQLStore) DeleteMessage(ctx context.Context, id string) error {
	db := s.conn()
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// Explicit so that connections without foreign key enforcement agree.
	if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM attachments WHERE owner_id = ?"), id); err != nil {
		return fmt.Errorf("deleting attachments of %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM messages WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("deleting message %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("deleting message %s: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

// ListMessages returns messages newest first.
func (s *SQLStore) ListMessages(ctx context.Context, opts MessageFilter) ([]Message, error) {
	var conditions []string
	var args []any

	if opts.Folder != "" {
		conditions = append(conditions, "folder = ?")
		args = append(args, opts.Folder)
	}
	if !opts.IncludeDeleted {
		conditions = append(conditions, "is_deleted_remote = ?")
		args = append(args, false)
	}

	query := "SELECT " + messageColumns + " FROM messages"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY received_at DESC, id"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}

	db := s.conn()
	var msgs []Message
	if err := db.SelectContext(ctx, &msgs, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return msgs, nil
}

func (s *SQLStore) ListAttachments(ctx context.Context, ownerID string) ([]Attachment, error) {
	db := s.conn()
	var atts []Attachment
	err := db.SelectContext(ctx, &atts,
		db.Rebind("SELECT "+attachmentColumns+" FROM attachments WHERE owner_id = ? ORDER BY filename, id"), ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing attachments of %s: %w", ownerID, err)
	}
	return atts, nil
}

func (s *SQLStore) execOne(ctx context.Context, what, query string, args ...any) error {
	db := s.conn()
	res, err := db.ExecContext(ctx, db.Rebind(query), args...)
	if err != nil {
		return wrapWrite(err, "%s", what)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

func utcNullTime(t sql.NullTime) sql.NullTime {
	if t.Valid {
		t.Time = t.Time.UTC()
	}
	return t
}
