package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// LastSent returns the most recent send time recorded for fingerprint under
// principal. ok is false when the fingerprint has never been sent.
func (s *SQLStore) LastSent(ctx context.Context, principal, fingerprint string) (time.Time, bool, error) {
	db := s.conn()
	var ms sql.NullInt64
	err := db.GetContext(ctx, &ms, db.Rebind(`
		SELECT MAX(sent_at_ms) FROM sent_fingerprints
		WHERE principal = ? AND fingerprint = ?`), principal, fingerprint)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reading send record: %w", err)
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms.Int64), true, nil
}

func (s *SQLStore) RecordSent(ctx context.Context, principal, fingerprint string, at time.Time) error {
	db := s.conn()
	_, err := db.ExecContext(ctx, db.Rebind(`
		INSERT INTO sent_fingerprints (principal, fingerprint, sent_at_ms) VALUES (?, ?, ?)`),
		principal, fingerprint, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("recording send: %w", err)
	}
	return nil
}

// PruneSent forgets send records older than before.
func (s *SQLStore) PruneSent(ctx context.Context, before time.Time) error {
	db := s.conn()
	_, err := db.ExecContext(ctx, db.Rebind("DELETE FROM sent_fingerprints WHERE sent_at_ms < ?"), before.UnixMilli())
	if err != nil {
		return fmt.Errorf("pruning send records: %w", err)
	}
	return nil
}
