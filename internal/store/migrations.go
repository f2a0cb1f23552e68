package store

// migration holds a single schema migration with its target version and SQL.
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
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	internal_id      INTEGER PRIMARY KEY,
	message_id       TEXT UNIQUE,
	thread_id        TEXT,
	subject          TEXT NOT NULL DEFAULT '',
	sender_address   TEXT NOT NULL DEFAULT '',
	sender_display   TEXT NOT NULL DEFAULT '',
	to_list          TEXT NOT NULL DEFAULT '',
	cc_list          TEXT NOT NULL DEFAULT '',
	date_received    DATETIME NOT NULL,
	mailbox          TEXT NOT NULL DEFAULT '',
	is_read          INTEGER NOT NULL DEFAULT 0,
	is_flagged       INTEGER NOT NULL DEFAULT 0,
	has_attachments  INTEGER NOT NULL DEFAULT 0,
	sync_status      TEXT NOT NULL DEFAULT 'pending',
	remote_page_id   TEXT,
	last_error       TEXT,
	retry_count      INTEGER NOT NULL DEFAULT 0,
	next_retry_at    DATETIME,
	created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_messages_sync_status ON messages(sync_status);
CREATE INDEX IF NOT EXISTS idx_messages_next_retry_at ON messages(next_retry_at);
CREATE INDEX IF NOT EXISTS idx_messages_message_id ON messages(message_id);
CREATE INDEX IF NOT EXISTS idx_messages_thread_id ON messages(thread_id);

CREATE TABLE IF NOT EXISTS unresolvable_anchors (
	thread_id  TEXT PRIMARY KEY,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
