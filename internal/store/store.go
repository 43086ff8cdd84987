package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a folder, message or attachment row does
	// not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("conflict")
)

// Folder is the local catalog entry for a remote mailbox.
type Folder struct {
	ID          string    `db:"id"`
	Name        string    `db:"name"`
	DisplayName string    `db:"display_name"`
	Role        string    `db:"role"`
	IsSystem    bool      `db:"is_system"`
	Parent      string    `db:"parent"`
	Separator   string    `db:"hierarchy_separator"`
	LastSynced  time.Time `db:"last_synced"`
}

// Message is one tracked mail message. UID is empty when the remote UID is
// not known yet (sent mail, locally moved mail).
type Message struct {
	ID              string       `db:"id"`
	MessageID       string       `db:"message_id"`
	UID             string       `db:"uid"`
	Folder          string       `db:"folder"`
	Sender          string       `db:"sender"`
	Recipients      string       `db:"recipients"`
	Cc              string       `db:"cc"`
	Bcc             string       `db:"bcc"`
	Subject         string       `db:"subject"`
	BodyText        string       `db:"body_text"`
	BodyHTML        string       `db:"body_html"`
	IsRead          bool         `db:"is_read"`
	IsSent          bool         `db:"is_sent"`
	HasAttachments  bool         `db:"has_attachments"`
	ReceivedAt      time.Time    `db:"received_at"`
	SentAt          sql.NullTime `db:"sent_at"`
	LastSyncAt      time.Time    `db:"last_sync_at"`
	IsDeletedRemote bool         `db:"is_deleted_remote"`
}

// Attachment rows carry exactly one of Content or FilePath.
type Attachment struct {
	ID          string `db:"id"`
	OwnerID     string `db:"owner_id"`
	Filename    string `db:"filename"`
	ContentType string `db:"content_type"`
	Size        int64  `db:"size"`
	IsInline    bool   `db:"is_inline"`
	ContentID   string `db:"content_id"`
	Content     []byte `db:"content"`
	FilePath    string `db:"file_path"`
}

// SyncRun records the outcome of one folder pass of a sync cycle.
type SyncRun struct {
	ID              string    `db:"id"`
	Folder          string    `db:"folder"`
	StartedAt       time.Time `db:"started_at"`
	FinishedAt      time.Time `db:"finished_at"`
	New             int       `db:"new_count"`
	Updated         int       `db:"updated_count"`
	Moved           int       `db:"moved_count"`
	Deleted         int       `db:"deleted_count"`
	SoftDeleted     int       `db:"soft_deleted_count"`
	MappingComplete bool      `db:"mapping_complete"`
	Error           string    `db:"error"`
}

// MessageFilter narrows ListMessages. Zero values match everything.
type MessageFilter struct {
	Folder         string
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// Store is the persistence boundary of the sync engine, the dispatcher and
// the mutation mirror.
type Store interface {
	// Folders
	GetFolder(ctx context.Context, name string) (*Folder, error)
	InsertFolder(ctx context.Context, f Folder) error
	UpdateFolder(ctx context.Context, f Folder) error
	ListFolders(ctx context.Context) ([]Folder, error)
	DeleteFolder(ctx context.Context, name string) error

	// Messages
	FolderUIDs(ctx context.Context, folder string) ([]string, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	GetMessageByUID(ctx context.Context, folder, uid string) (*Message, error)
	GetMessageByMessageID(ctx context.Context, messageID string) (*Message, error)
	ExistsInOtherFolder(ctx context.Context, messageID, folder string) (bool, error)
	InsertMessage(ctx context.Context, m *Message, atts []Attachment) error
	RefreshMessage(ctx context.Context, id string, isRead bool, syncedAt time.Time) error
	RelocateMessage(ctx context.Context, id, folder, uid string, isRead bool, syncedAt time.Time) error
	MoveMessageLocal(ctx context.Context, id, folder string) error
	MarkDeletedRemote(ctx context.Context, id string) error
	DeleteMessage(ctx context.Context, id string) error
	ListMessages(ctx context.Context, opts MessageFilter) ([]Message, error)

	// Attachments
	ListAttachments(ctx context.Context, ownerID string) ([]Attachment, error)

	// Duplicate-send window
	LastSent(ctx context.Context, principal, fingerprint string) (time.Time, bool, error)
	RecordSent(ctx context.Context, principal, fingerprint string, at time.Time) error
	PruneSent(ctx context.Context, before time.Time) error

	// Sync runs
	RecordSyncRun(ctx context.Context, run SyncRun) error
	ConsecutivePartialRuns(ctx context.Context, folder string) (int, error)

	// Lifecycle
	Reconnect(ctx context.Context) error
	Close() error
}
