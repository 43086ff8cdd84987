package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

func (s *SQLStore) RecordSyncRun(ctx context.Context, run SyncRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	db := s.conn()
	_, err := db.ExecContext(ctx, db.Rebind(`
		INSERT INTO sync_runs (
			id, folder, started_at, finished_at, new_count, updated_count, moved_count,
			deleted_count, soft_deleted_count, mapping_complete, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		run.ID, run.Folder, run.StartedAt.UTC(), run.FinishedAt.UTC(), run.New, run.Updated, run.Moved,
		run.Deleted, run.SoftDeleted, run.MappingComplete, run.Error,
	)
	if err != nil {
		return fmt.Errorf("recording sync run for %q: %w", run.Folder, err)
	}
	return nil
}

// ConsecutivePartialRuns counts the most recent runs of folder, newest first,
// that ended without a complete uid mapping.
func (s *SQLStore) ConsecutivePartialRuns(ctx context.Context, folder string) (int, error) {
	db := s.conn()
	var flags []bool
	err := db.SelectContext(ctx, &flags, db.Rebind(`
		SELECT mapping_complete FROM sync_runs
		WHERE folder = ?
		ORDER BY started_at DESC, id DESC
		LIMIT 50`), folder)
	if err != nil {
		return 0, fmt.Errorf("reading sync runs for %q: %w", folder, err)
	}
	n := 0
	for _, complete := range flags {
		if complete {
			break
		}
		n++
	}
	return n, nil
}
