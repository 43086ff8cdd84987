package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const folderColumns = `id, name, display_name, role, is_system, parent, hierarchy_separator, last_synced`

// GetFolder returns the catalog entry for name or ErrNotFound.
func (s *SQLStore) GetFolder(ctx context.Context, name string) (*Folder, error) {
	db := s.conn()
	var f Folder
	err := db.GetContext(ctx, &f, db.Rebind("SELECT "+folderColumns+" FROM folders WHERE name = ?"), name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("folder %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting folder %q: %w", name, err)
	}
	return &f, nil
}

// InsertFolder creates a catalog entry. A concurrent insert of the same name
// surfaces as ErrConflict.
func (s *SQLStore) InsertFolder(ctx context.Context, f Folder) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	db := s.conn()
	_, err := db.ExecContext(ctx, db.Rebind(`
		INSERT INTO folders (`+folderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		f.ID, f.Name, f.DisplayName, f.Role, f.IsSystem, f.Parent, f.Separator, f.LastSynced.UTC(),
	)
	if err != nil {
		return wrapWrite(err, "inserting folder %q", f.Name)
	}
	return nil
}

// UpdateFolder refreshes classification and last_synced by name.
func (s *SQLStore) UpdateFolder(ctx context.Context, f Folder) error {
	db := s.conn()
	res, err := db.ExecContext(ctx, db.Rebind(`
		UPDATE folders
		SET display_name = ?, role = ?, is_system = ?, parent = ?, hierarchy_separator = ?, last_synced = ?
		WHERE name = ?`),
		f.DisplayName, f.Role, f.IsSystem, f.Parent, f.Separator, f.LastSynced.UTC(), f.Name,
	)
	if err != nil {
		return wrapWrite(err, "updating folder %q", f.Name)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("folder %q: %w", f.Name, ErrNotFound)
	}
	return nil
}

// ListFolders returns the catalog ordered by name.
func (s *SQLStore) ListFolders(ctx context.Context) ([]Folder, error) {
	db := s.conn()
	var folders []Folder
	if err := db.SelectContext(ctx, &folders, "SELECT "+folderColumns+" FROM folders ORDER BY name"); err != nil {
		return nil, fmt.Errorf("listing folders: %w", err)
	}
	return folders, nil
}

func (s *SQLStore) DeleteFolder(ctx context.Context, name string) error {
	db := s.conn()
	if _, err := db.ExecContext(ctx, db.Rebind("DELETE FROM folders WHERE name = ?"), name); err != nil {
		return fmt.Errorf("deleting folder %q: %w", name, err)
	}
	return nil
}
