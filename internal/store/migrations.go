package store

import "fmt"

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations. Entity tables share
// the shape (id, accountId, version, data, <indexed columns>); the data
// column is the hydration source, the rest exist for queries.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS Account (
	id           TEXT PRIMARY KEY,
	accountId    TEXT NOT NULL,
	version      INTEGER NOT NULL DEFAULT 1,
	data         TEXT NOT NULL,
	emailAddress TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS Folder (
	id        TEXT PRIMARY KEY,
	accountId TEXT NOT NULL,
	version   INTEGER NOT NULL DEFAULT 1,
	data      TEXT NOT NULL,
	path      TEXT NOT NULL,
	role      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS Label (
	id        TEXT PRIMARY KEY,
	accountId TEXT NOT NULL,
	version   INTEGER NOT NULL DEFAULT 1,
	data      TEXT NOT NULL,
	path      TEXT NOT NULL,
	role      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS Message (
	id              TEXT PRIMARY KEY,
	accountId       TEXT NOT NULL,
	version         INTEGER NOT NULL DEFAULT 1,
	data            TEXT NOT NULL,
	folderId        TEXT NOT NULL,
	folderImapUID   INTEGER NOT NULL,
	remoteUID       INTEGER NOT NULL,
	threadId        TEXT NOT NULL,
	gThrId          INTEGER NOT NULL DEFAULT 0,
	headerMessageId TEXT NOT NULL DEFAULT '',
	date            INTEGER NOT NULL DEFAULT 0,
	unread          INTEGER NOT NULL DEFAULT 0,
	starred         INTEGER NOT NULL DEFAULT 0,
	draft           INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_message_folder_uid
	ON Message(folderId, folderImapUID);
CREATE INDEX IF NOT EXISTS idx_message_thread ON Message(threadId);
CREATE INDEX IF NOT EXISTS idx_message_remote_uid ON Message(accountId, remoteUID);
CREATE INDEX IF NOT EXISTS idx_message_date ON Message(folderId, date);

CREATE TABLE IF NOT EXISTS MessageBody (
	id        TEXT PRIMARY KEY,
	value     TEXT,
	fetchedAt DATETIME
);

CREATE TABLE IF NOT EXISTS Thread (
	id                   TEXT PRIMARY KEY,
	accountId            TEXT NOT NULL,
	version              INTEGER NOT NULL DEFAULT 1,
	data                 TEXT NOT NULL,
	gThrId               INTEGER NOT NULL DEFAULT 0,
	subject              TEXT NOT NULL DEFAULT '',
	unread               INTEGER NOT NULL DEFAULT 0,
	lastMessageTimestamp INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_thread_gthrid ON Thread(accountId, gThrId);

CREATE TABLE IF NOT EXISTS ThreadReference (
	threadId        TEXT NOT NULL,
	accountId       TEXT NOT NULL,
	headerMessageId TEXT NOT NULL,
	PRIMARY KEY (accountId, headerMessageId, threadId)
);

CREATE INDEX IF NOT EXISTS idx_threadref_lookup
	ON ThreadReference(accountId, headerMessageId);

CREATE TABLE IF NOT EXISTS ThreadCounts (
	categoryId TEXT PRIMARY KEY,
	unread     INTEGER NOT NULL DEFAULT 0,
	total      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS File (
	id        TEXT PRIMARY KEY,
	accountId TEXT NOT NULL,
	version   INTEGER NOT NULL DEFAULT 1,
	data      TEXT NOT NULL,
	messageId TEXT NOT NULL,
	partId    TEXT NOT NULL,
	filename  TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_file_message_part
	ON File(messageId, partId);

CREATE TABLE IF NOT EXISTS Contact (
	id        TEXT PRIMARY KEY,
	accountId TEXT NOT NULL,
	version   INTEGER NOT NULL DEFAULT 1,
	data      TEXT NOT NULL,
	email     TEXT NOT NULL,
	refs      INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_contact_email ON Contact(accountId, email);

CREATE TABLE IF NOT EXISTS Task (
	id        TEXT PRIMARY KEY,
	accountId TEXT NOT NULL,
	version   INTEGER NOT NULL DEFAULT 1,
	data      TEXT NOT NULL,
	status    TEXT NOT NULL,
	cls       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_task_status ON Task(status);

CREATE VIRTUAL TABLE IF NOT EXISTS ThreadSearch
	USING fts5(to_, from_, body, categories, content_id UNINDEXED);

CREATE VIRTUAL TABLE IF NOT EXISTS ContactSearch
	USING fts5(content, content_id UNINDEXED);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}

// Migrate checks the current schema version and applies any outstanding
// migrations in order.
func (s *Store) Migrate() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}
