package store

// migration holds a single schema migration with its target version and SQL.
// Column types are written as {{blob}}, {{time}} and {{bool}} and expanded per
// dialect.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS folders (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL UNIQUE,
	display_name        TEXT NOT NULL DEFAULT '',
	role                TEXT NOT NULL DEFAULT 'custom',
	is_system           {{bool}} NOT NULL DEFAULT FALSE,
	parent              TEXT NOT NULL DEFAULT '',
	hierarchy_separator TEXT NOT NULL DEFAULT '',
	last_synced         {{time}} NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id                TEXT PRIMARY KEY,
	message_id        TEXT NOT NULL UNIQUE,
	uid               TEXT,
	folder            TEXT NOT NULL,
	sender            TEXT NOT NULL DEFAULT '',
	recipients        TEXT NOT NULL DEFAULT '',
	cc                TEXT NOT NULL DEFAULT '',
	bcc               TEXT NOT NULL DEFAULT '',
	subject           TEXT NOT NULL DEFAULT '',
	body_text         TEXT NOT NULL DEFAULT '',
	body_html         TEXT NOT NULL DEFAULT '',
	is_read           {{bool}} NOT NULL DEFAULT FALSE,
	is_sent           {{bool}} NOT NULL DEFAULT FALSE,
	has_attachments   {{bool}} NOT NULL DEFAULT FALSE,
	received_at       {{time}} NOT NULL,
	sent_at           {{time}},
	last_sync_at      {{time}} NOT NULL,
	is_deleted_remote {{bool}} NOT NULL DEFAULT FALSE
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_folder_uid ON messages(folder, uid);
CREATE INDEX IF NOT EXISTS idx_messages_folder ON messages(folder);

CREATE TABLE IF NOT EXISTS attachments (
	id           TEXT PRIMARY KEY,
	owner_id     TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	filename     TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT '',
	size         BIGINT NOT NULL DEFAULT 0,
	is_inline    {{bool}} NOT NULL DEFAULT FALSE,
	content_id   TEXT NOT NULL DEFAULT '',
	content      {{blob}},
	file_path    TEXT
);

CREATE INDEX IF NOT EXISTS idx_attachments_owner ON attachments(owner_id);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS sent_fingerprints (
	principal   TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	sent_at_ms  BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sent_fingerprints_lookup ON sent_fingerprints(principal, fingerprint);
`,
	},
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS sync_runs (
	id                 TEXT PRIMARY KEY,
	folder             TEXT NOT NULL,
	started_at         {{time}} NOT NULL,
	finished_at        {{time}} NOT NULL,
	new_count          INTEGER NOT NULL DEFAULT 0,
	updated_count      INTEGER NOT NULL DEFAULT 0,
	moved_count        INTEGER NOT NULL DEFAULT 0,
	deleted_count      INTEGER NOT NULL DEFAULT 0,
	soft_deleted_count INTEGER NOT NULL DEFAULT 0,
	mapping_complete   {{bool}} NOT NULL DEFAULT TRUE,
	error              TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sync_runs_folder ON sync_runs(folder, started_at);
`,
	},
}
