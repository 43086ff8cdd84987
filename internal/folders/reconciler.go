// Package folders keeps the local folder catalog in step with the remote
// folder list and classifies folders into standard roles.
package folders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"mailsync/internal/imap"
	"mailsync/internal/store"
)

// Lister lists remote folders; *imap.Session implements it.
type Lister interface {
	List() ([]imap.Mailbox, error)
}

type Reconciler struct {
	store store.Store
	names map[Role]string
	log   zerolog.Logger
	now   func() time.Time
}

func NewReconciler(st store.Store, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store: st,
		log:   logger.With().Str("component", "folders").Logger(),
		now:   time.Now,
	}
}

// WithNames makes folders named exactly as configured take that role when
// they carry no special-use attribute.
func (r *Reconciler) WithNames(names map[Role]string) *Reconciler {
	r.names = names
	return r
}

func (r *Reconciler) role(mb imap.Mailbox) Role {
	if role := ResolveRole("", "", mb.Attributes); role != RoleCustom {
		return role
	}
	for role, name := range r.names {
		if name != "" && strings.EqualFold(name, mb.Name) {
			return role
		}
	}
	return ResolveRole(mb.Name, mb.Delimiter, mb.Attributes)
}

// Reconcile upserts a catalog entry for every valid remote folder. Entries
// that are provider internal, structurally invalid or keep failing to
// upsert are counted as skipped. Only a failed LIST is returned as an error.
func (r *Reconciler) Reconcile(ctx context.Context, lister Lister) (synced, skipped int, err error) {
	mailboxes, err := lister.List()
	if err != nil {
		return 0, 0, err
	}

	now := r.now().UTC()
	delimiters := map[string]bool{}
	for _, mb := range mailboxes {
		if mb.Delimiter != "" {
			delimiters[mb.Delimiter] = true
		}

		switch {
		case invalidName(mb.Name, mb.Delimiter):
			r.log.Debug().Str("folder", mb.Name).Msg("Skipping invalid folder name")
			skipped++
			continue
		case !mb.Selectable(), internalLabel(Leaf(mb.Name, mb.Delimiter)):
			r.log.Debug().Str("folder", mb.Name).Msg("Skipping provider internal folder")
			skipped++
			continue
		}

		role := r.role(mb)
		f := store.Folder{
			Name:        mb.Name,
			DisplayName: DisplayName(mb.Name, mb.Delimiter),
			Role:        string(role),
			IsSystem:    role.IsSystem(),
			Parent:      Parent(mb.Name, mb.Delimiter),
			Separator:   mb.Delimiter,
			LastSynced:  now,
		}
		if err := r.upsert(ctx, f); err != nil {
			r.log.Warn().Err(err).Str("folder", mb.Name).Msg("Failed to upsert folder")
			skipped++
			continue
		}
		synced++
	}

	r.pruneInvalid(ctx, delimiters)
	r.log.Info().Int("synced", synced).Int("skipped", skipped).Msg("Folders reconciled")
	return synced, skipped, nil
}

func (r *Reconciler) upsert(ctx context.Context, f store.Folder) error {
	_, err := r.store.GetFolder(ctx, f.Name)
	switch {
	case err == nil:
		return r.store.UpdateFolder(ctx, f)
	case !errors.Is(err, store.ErrNotFound):
		return err
	}

	err = r.store.InsertFolder(ctx, f)
	if err == nil || !errors.Is(err, store.ErrConflict) {
		return err
	}

	// Another process inserted it first.
	if _, err := r.store.GetFolder(ctx, f.Name); err != nil {
		return fmt.Errorf("re-reading folder after conflict: %w", err)
	}
	return r.store.UpdateFolder(ctx, f)
}

func (r *Reconciler) pruneInvalid(ctx context.Context, delimiters map[string]bool) {
	stored, err := r.store.ListFolders(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("Failed to list stored folders")
		return
	}
	for _, f := range stored {
		if !invalidName(f.Name, f.Separator) && !delimiters[f.Name] {
			continue
		}
		if err := r.store.DeleteFolder(ctx, f.Name); err != nil {
			r.log.Warn().Err(err).Str("folder", f.Name).Msg("Failed to delete invalid folder")
			continue
		}
		r.log.Info().Str("folder", f.Name).Msg("Deleted invalid folder")
	}
}

func invalidName(name, delimiter string) bool {
	return strings.TrimSpace(name) == "" || (delimiter != "" && name == delimiter)
}

// internalLabel matches bracketed system labels such as [Gmail].
func internalLabel(leaf string) bool {
	return len(leaf) >= 2 && strings.HasPrefix(leaf, "[") && strings.HasSuffix(leaf, "]")
}

// ResolveRemote finds the live remote folder holding role. Special-use
// attributes are preferred over name matches. It returns "" when no folder
// qualifies.
func ResolveRemote(lister Lister, role Role) (string, error) {
	mailboxes, err := lister.List()
	if err != nil {
		return "", err
	}
	byName := ""
	for _, mb := range mailboxes {
		if !mb.Selectable() || ResolveRole(mb.Name, mb.Delimiter, mb.Attributes) != role {
			continue
		}
		if ResolveRole("", "", mb.Attributes) == role {
			return mb.Name, nil
		}
		if byName == "" {
			byName = mb.Name
		}
	}
	return byName, nil
}
