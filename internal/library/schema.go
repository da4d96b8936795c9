// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package library

const (
	// SchemaVersion tracks the database schema version for migrations
	SchemaVersion = 1
)

// Schema is the SQLite schema for the conversation library, with FTS over
// names and message text.
const Schema = `
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
) WITHOUT ROWID;

-- One row per conversation file, keyed by file name
CREATE TABLE IF NOT EXISTS conversations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    path TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL,
    archived INTEGER NOT NULL DEFAULT 0,
    starred INTEGER NOT NULL DEFAULT 0,
    turns INTEGER NOT NULL,
    preview TEXT NOT NULL DEFAULT '',
    body TEXT NOT NULL DEFAULT '',
    mod_time INTEGER NOT NULL,   -- Unix timestamp
    indexed_at INTEGER NOT NULL  -- Unix timestamp
);

CREATE INDEX IF NOT EXISTS idx_conversations_archived ON conversations(archived);
CREATE INDEX IF NOT EXISTS idx_conversations_starred ON conversations(starred);
CREATE INDEX IF NOT EXISTS idx_conversations_mod_time ON conversations(mod_time);

CREATE VIRTUAL TABLE IF NOT EXISTS conversations_fts USING fts5(
    name,
    body,
    content='conversations',
    content_rowid='id',
    tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS conversations_ai AFTER INSERT ON conversations BEGIN
    INSERT INTO conversations_fts(rowid, name, body)
    VALUES (new.id, new.name, new.body);
END;

CREATE TRIGGER IF NOT EXISTS conversations_ad AFTER DELETE ON conversations BEGIN
    INSERT INTO conversations_fts(conversations_fts, rowid, name, body)
    VALUES ('delete', old.id, old.name, old.body);
END;

CREATE TRIGGER IF NOT EXISTS conversations_au AFTER UPDATE ON conversations BEGIN
    INSERT INTO conversations_fts(conversations_fts, rowid, name, body)
    VALUES ('delete', old.id, old.name, old.body);
    INSERT INTO conversations_fts(rowid, name, body)
    VALUES (new.id, new.name, new.body);
END;
`

// InitMetadata seeds the metadata table.
const InitMetadata = `
INSERT OR IGNORE INTO metadata (key, value) VALUES ('schema_version', '1');
INSERT OR IGNORE INTO metadata (key, value) VALUES ('created_at', strftime('%s', 'now'));
INSERT OR IGNORE INTO metadata (key, value) VALUES ('last_sync', '0');
INSERT OR IGNORE INTO metadata (key, value) VALUES ('root_path', '');
`
