// Package registry persists the project's knowledge items, file
// registry, API contracts, tickets and ambient rule state in a single
// SQLite database owned by the KM process. Writes are serialized
// through a dedicated writer goroutine; reads run concurrently under
// WAL mode.
package registry

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hexley-dev/kmd/internal/fsq"
)

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 500
)

// KnowledgeItem is one key/category-addressed record.
type KnowledgeItem struct {
	ID          string         `json:"id"`
	Category    string         `json:"category"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ContentHash string         `json:"content_hash"`
	Embedding   []byte         `json:"-"`
	CreatedAt   time.Time      `json:"created_at"`
}

// FileEntry records who owns a file the agents have written.
type FileEntry struct {
	Path         string    `json:"path"`
	LogicalName  string    `json:"logical_name,omitempty"`
	OwnerAgent   string    `json:"owner_agent"`
	LastVerifier string    `json:"last_verifier,omitempty"`
	Checksum     string    `json:"checksum"`
	LastSeen     time.Time `json:"last_seen"`
}

type writeReq struct {
	fn   func(db *sql.DB) error
	done chan error
}

// Store wraps the project registry database.
type Store struct {
	db     *sql.DB
	writes chan writeReq
	closed chan struct{}
}

// Open opens (or creates) the registry database and starts the writer.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:     db,
		writes: make(chan writeReq, 32),
		closed: make(chan struct{}),
	}
	go s.writer()
	return s, nil
}

func createSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS knowledge (
			id           TEXT PRIMARY KEY,
			category     TEXT NOT NULL,
			content      TEXT NOT NULL,
			metadata     TEXT NOT NULL DEFAULT '{}',
			content_hash TEXT NOT NULL,
			embedding    BLOB,
			created_at   TEXT NOT NULL,
			UNIQUE(category, content_hash)
		)`,
		`CREATE TABLE IF NOT EXISTS files (
			path          TEXT PRIMARY KEY,
			logical_name  TEXT UNIQUE,
			owner_agent   TEXT NOT NULL,
			last_verifier TEXT NOT NULL DEFAULT '',
			checksum      TEXT NOT NULL,
			last_seen     TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_contracts (
			name       TEXT NOT NULL,
			version    INTEGER NOT NULL,
			schema     TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY(name, version)
		)`,
		`CREATE TABLE IF NOT EXISTS tickets (
			id                 TEXT PRIMARY KEY,
			description        TEXT NOT NULL,
			mode               TEXT NOT NULL DEFAULT '',
			state              TEXT NOT NULL,
			created_at         TEXT NOT NULL,
			last_transition_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS transitions (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			ticket_id  TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state   TEXT NOT NULL,
			agent      TEXT NOT NULL,
			inputs     TEXT NOT NULL DEFAULT '[]',
			outputs    TEXT NOT NULL DEFAULT '[]',
			at         TEXT NOT NULL,
			FOREIGN KEY(ticket_id) REFERENCES tickets(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS rule_state (
			name       TEXT PRIMARY KEY,
			last_fired TEXT,
			failures   INTEGER NOT NULL DEFAULT 0,
			disabled   INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_knowledge_category ON knowledge(category, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_ticket ON transitions(ticket_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_state ON tickets(state)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// writer is the single goroutine all mutations flow through.
func (s *Store) writer() {
	for req := range s.writes {
		req.done <- req.fn(s.db)
	}
	close(s.closed)
}

func (s *Store) write(fn func(db *sql.DB) error) error {
	req := writeReq{fn: fn, done: make(chan error, 1)}
	s.writes <- req
	return <-req.done
}

// Close stops the writer and closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	close(s.writes)
	<-s.closed
	return s.db.Close()
}

// SaveKnowledge inserts a knowledge item, deduplicating on content hash
// within the category. A duplicate save returns the existing id.
func (s *Store) SaveKnowledge(category, content string, metadata map[string]any, embedding []byte) (string, error) {
	category = strings.TrimSpace(category)
	if category == "" {
		return "", fmt.Errorf("category is required")
	}
	if content == "" {
		return "", fmt.Errorf("content is required")
	}

	hash := fsq.SHA256Hex([]byte(content))

	var existing string
	err := s.db.QueryRow(`SELECT id FROM knowledge WHERE category = ? AND content_hash = ?`, category, hash).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	id := uuid.NewString()
	metaJSON, err := json.Marshal(orEmpty(metadata))
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}

	err = s.write(func(db *sql.DB) error {
		_, err := db.Exec(`INSERT INTO knowledge (id, category, content, metadata, content_hash, embedding, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(category, content_hash) DO NOTHING`,
			id, category, content, string(metaJSON), hash, embedding,
			time.Now().UTC().Format(time.RFC3339Nano),
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert knowledge: %w", err)
	}

	// A racing duplicate may have won the conflict; return whoever did.
	if err := s.db.QueryRow(`SELECT id FROM knowledge WHERE category = ? AND content_hash = ?`, category, hash).Scan(&existing); err != nil {
		return "", err
	}
	return existing, nil
}

// QueryKnowledge returns items, optionally filtered by category and a
// substring of the content, newest first.
func (s *Store) QueryKnowledge(category, filter string, limit int) ([]KnowledgeItem, error) {
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)

	if category = strings.TrimSpace(category); category != "" {
		clauses = append(clauses, "category = ?")
		args = append(args, category)
	}
	if filter = strings.TrimSpace(filter); filter != "" {
		clauses = append(clauses, "content LIKE ?")
		args = append(args, "%"+filter+"%")
	}

	stmt := `SELECT id, category, content, metadata, content_hash, created_at FROM knowledge`
	if len(clauses) > 0 {
		stmt += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	stmt += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, normalizeLimit(limit))

	rows, err := s.db.Query(stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]KnowledgeItem, 0)
	for rows.Next() {
		var (
			item      KnowledgeItem
			metaJSON  string
			createdAt string
		)
		if err := rows.Scan(&item.ID, &item.Category, &item.Content, &metaJSON, &item.ContentHash, &createdAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(metaJSON), &item.Metadata)
		item.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, item)
	}
	return out, rows.Err()
}

// RegisterFile upserts a file registry entry.
func (s *Store) RegisterFile(entry FileEntry) error {
	if strings.TrimSpace(entry.Path) == "" {
		return fmt.Errorf("path is required")
	}
	if strings.TrimSpace(entry.OwnerAgent) == "" {
		return fmt.Errorf("owner_agent is required")
	}
	if entry.LastSeen.IsZero() {
		entry.LastSeen = time.Now().UTC()
	}

	return s.write(func(db *sql.DB) error {
		_, err := db.Exec(`INSERT INTO files (path, logical_name, owner_agent, last_verifier, checksum, last_seen)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET
				logical_name = COALESCE(NULLIF(excluded.logical_name, ''), files.logical_name),
				owner_agent = excluded.owner_agent,
				last_verifier = excluded.last_verifier,
				checksum = excluded.checksum,
				last_seen = excluded.last_seen`,
			entry.Path,
			nullableString(entry.LogicalName),
			entry.OwnerAgent,
			entry.LastVerifier,
			entry.Checksum,
			entry.LastSeen.UTC().Format(time.RFC3339Nano),
		)
		return err
	})
}

// GetFilePath resolves a logical file name to its registered path.
func (s *Store) GetFilePath(logicalName string) (string, error) {
	logicalName = strings.TrimSpace(logicalName)
	if logicalName == "" {
		return "", fmt.Errorf("logical_name is required")
	}
	var path string
	err := s.db.QueryRow(`SELECT path FROM files WHERE logical_name = ?`, logicalName).Scan(&path)
	if err != nil {
		return "", err
	}
	return path, nil
}

// GetFile returns the registry entry for a path.
func (s *Store) GetFile(path string) (*FileEntry, error) {
	var (
		entry    FileEntry
		logical  sql.NullString
		lastSeen string
	)
	err := s.db.QueryRow(`SELECT path, logical_name, owner_agent, last_verifier, checksum, last_seen FROM files WHERE path = ?`, path).
		Scan(&entry.Path, &logical, &entry.OwnerAgent, &entry.LastVerifier, &entry.Checksum, &lastSeen)
	if err != nil {
		return nil, err
	}
	if logical.Valid {
		entry.LogicalName = logical.String
	}
	entry.LastSeen, _ = time.Parse(time.RFC3339Nano, lastSeen)
	return &entry, nil
}

// IsNotFound reports whether err is sql.ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultQueryLimit
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
