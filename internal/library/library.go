// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package library

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/comhra/internal/model"
	"github.com/jeranaias/comhra/internal/prompt"
	"github.com/jeranaias/comhra/internal/storage"
	"github.com/jeranaias/comhra/internal/util"
)

// DatabaseFile is the library database, relative to the data dir.
const DatabaseFile = "library.db"

// previewRunes is the length of the sidebar preview.
const previewRunes = 80

// ErrDatabase wraps every SQL failure.
var ErrDatabase = errors.New("library database error")

// =============================================================================
// TYPES
// =============================================================================

// Entry is one conversation as the sidebar shows it.
type Entry struct {
	Path     string
	Name     string
	Archived bool
	Starred  bool
	Turns    int
	Preview  string
	ModTime  time.Time
}

// Match filters on a boolean flag.
type Match int

const (
	// Any ignores the flag.
	Any Match = iota
	// Only keeps entries with the flag set.
	Only
	// Exclude drops entries with the flag set.
	Exclude
)

// Filter selects entries for List.
type Filter struct {
	Archived Match
	Starred  Match

	// Limit caps the result (0 = unlimited)
	Limit int
}

// =============================================================================
// LIBRARY
// =============================================================================

// Library indexes the files of a conversation store.
type Library struct {
	db    *sql.DB
	store *storage.ConversationStore
	mu    sync.RWMutex
}

// Open opens (or creates) the database at dbPath for store.
func Open(store *storage.ConversationStore, dbPath string) (*Library, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create database directory")
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "failed to set pragma %q", pragma)
		}
	}

	l := &Library{db: db, store: store}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to initialize schema")
	}
	return l, nil
}

func (l *Library) initSchema() error {
	if _, err := l.db.Exec(Schema); err != nil {
		return err
	}
	if _, err := l.db.Exec(InitMetadata); err != nil {
		return err
	}
	_, err := l.db.Exec("UPDATE metadata SET value = ? WHERE key = 'root_path'", l.store.BaseDir)
	return err
}

// Close closes the database.
func (l *Library) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}

// =============================================================================
// INDEXING
// =============================================================================

// Sync rebuilds the index from the store. Unreadable files are logged and
// skipped. It returns the number of indexed conversations.
func (l *Library) Sync(ctx context.Context) (int, error) {
	start := time.Now()
	names, err := l.store.List()
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(ErrDatabase, err.Error())
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM conversations"); err != nil {
		return 0, errors.Wrap(ErrDatabase, err.Error())
	}

	count := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		env, info, err := l.read(name)
		if err != nil {
			log.Warn().Err(err).Str("path", name).Msg("Skipping conversation")
			continue
		}
		if env == nil {
			continue
		}
		if err := upsert(tx, name, env, info); err != nil {
			return 0, err
		}
		count++
	}

	if _, err := tx.Exec("UPDATE metadata SET value = ? WHERE key = 'last_sync'", time.Now().Unix()); err != nil {
		return 0, errors.Wrap(ErrDatabase, err.Error())
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(ErrDatabase, err.Error())
	}

	log.Debug().Int("conversations", count).Dur("duration", time.Since(start)).Msg("Library synced")
	return count, nil
}

// Refresh re-reads one conversation file. A file that no longer exists is
// removed from the index.
func (l *Library) Refresh(name string) error {
	name = filepath.Base(name)
	env, info, err := l.read(name)
	if err != nil {
		return err
	}
	if env == nil {
		return l.Remove(name)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.Begin()
	if err != nil {
		return errors.Wrap(ErrDatabase, err.Error())
	}
	defer tx.Rollback()

	if err := upsert(tx, name, env, info); err != nil {
		return err
	}
	return tx.Commit()
}

// Remove drops one conversation from the index.
func (l *Library) Remove(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.db.Exec("DELETE FROM conversations WHERE path = ?", filepath.Base(name)); err != nil {
		return errors.Wrap(ErrDatabase, err.Error())
	}
	return nil
}

func (l *Library) read(name string) (*model.Envelope, os.FileInfo, error) {
	env, err := l.store.Load(name)
	if err != nil || env == nil {
		return nil, nil, err
	}
	info, err := os.Stat(l.store.Path(name))
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to stat conversation")
	}
	return env, info, nil
}

func upsert(tx *sql.Tx, name string, env *model.Envelope, info os.FileInfo) error {
	_, err := tx.Exec(`
		INSERT INTO conversations (path, name, archived, starred, turns, preview, body, mod_time, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			name = excluded.name,
			archived = excluded.archived,
			starred = excluded.starred,
			turns = excluded.turns,
			preview = excluded.preview,
			body = excluded.body,
			mod_time = excluded.mod_time,
			indexed_at = excluded.indexed_at
	`,
		name,
		env.Name,
		env.Archived,
		env.Starred,
		env.Turns(),
		util.Preview(prompt.Unformat(env.FirstUserContent()), previewRunes),
		body(env),
		info.ModTime().Unix(),
		time.Now().Unix(),
	)
	if err != nil {
		return errors.Wrapf(ErrDatabase, "index %s: %v", name, err)
	}
	return nil
}

// body is the searchable text of a conversation. RAG context is left out.
func body(env *model.Envelope) string {
	var sb strings.Builder
	for _, m := range env.Conversation {
		content := m.Content
		if m.Role == model.RoleUser {
			content = prompt.Unformat(content)
		}
		sb.WriteString(content)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// =============================================================================
// QUERIES
// =============================================================================

const entryColumns = "c.path, c.name, c.archived, c.starred, c.turns, c.preview, c.mod_time"

// List returns entries matching f, starred first, then newest first.
func (l *Library) List(f Filter) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	query := "SELECT " + entryColumns + " FROM conversations c"
	var conditions []string
	conditions = appendMatch(conditions, "c.archived", f.Archived)
	conditions = appendMatch(conditions, "c.starred", f.Starred)
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY c.starred DESC, c.mod_time DESC, c.path ASC"

	var args []interface{}
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(ErrDatabase, err.Error())
	}
	defer rows.Close()
	return scanEntries(rows)
}

func appendMatch(conditions []string, column string, m Match) []string {
	switch m {
	case Only:
		return append(conditions, column+" = 1")
	case Exclude:
		return append(conditions, column+" = 0")
	}
	return conditions
}

// Search finds conversations whose name or text matches query.
func (l *Library) Search(query string, limit int) ([]Entry, error) {
	fts := buildFTSQuery(query)
	if fts == "" {
		return []Entry{}, nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	sqlQuery := "SELECT " + entryColumns + `
		FROM conversations_fts fts
		JOIN conversations c ON c.id = fts.rowid
		WHERE conversations_fts MATCH ?
		ORDER BY fts.rank`
	args := []interface{}{fts}
	if limit > 0 {
		sqlQuery += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := l.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, errors.Wrap(ErrDatabase, err.Error())
	}
	defer rows.Close()
	return scanEntries(rows)
}

// buildFTSQuery quotes each word as a prefix term so user input cannot
// inject FTS syntax.
func buildFTSQuery(query string) string {
	words := strings.Fields(query)
	terms := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.ReplaceAll(w, `"`, "")
		if w == "" {
			continue
		}
		terms = append(terms, `"`+w+`"*`)
	}
	return strings.Join(terms, " ")
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var modTime int64
		if err := rows.Scan(&e.Path, &e.Name, &e.Archived, &e.Starred, &e.Turns, &e.Preview, &modTime); err != nil {
			return nil, errors.Wrap(ErrDatabase, err.Error())
		}
		e.ModTime = time.Unix(modTime, 0)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(ErrDatabase, err.Error())
	}
	return entries, nil
}
