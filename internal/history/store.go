// Package history is the local cache of sessions and transcripts,
// written as updates stream in so session lists and transcripts
// survive restarts and work offline.
package history

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}

// Session is one cached session row.
type Session struct {
	ID       string
	Cwd      string
	Title    string
	LastSeen time.Time
}

// Item is one cached transcript entry.
type Item struct {
	Seq       int64
	SessionID string
	MessageID string
	Role      string
	Body      string
	CreatedAt time.Time
}

// TouchSession upserts a session row and bumps last_seen.
func (s *Store) TouchSession(id, cwd, title string) error {
	_, err := s.db.Exec(`INSERT INTO sessions (id, cwd, title, last_seen)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			cwd = CASE WHEN excluded.cwd != '' THEN excluded.cwd ELSE sessions.cwd END,
			title = CASE WHEN excluded.title != '' THEN excluded.title ELSE sessions.title END,
			last_seen = CURRENT_TIMESTAMP`,
		id, cwd, title)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// AppendItem records one transcript entry. messageID deduplicates the
// optimistic copy of a user message against the server echo.
func (s *Store) AppendItem(sessionID, messageID, role, body string) error {
	if messageID != "" {
		var n int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM chat_items WHERE session_id = ? AND message_id = ?`,
			sessionID, messageID).Scan(&n)
		if err != nil {
			return fmt.Errorf("check item: %w", err)
		}
		if n > 0 {
			return nil
		}
	}
	_, err := s.db.Exec(`INSERT INTO chat_items (session_id, message_id, role, body) VALUES (?, ?, ?, ?)`,
		sessionID, messageID, role, body)
	if err != nil {
		return fmt.Errorf("append item: %w", err)
	}
	return nil
}

// RecentSessions lists cached sessions, most recently seen first.
func (s *Store) RecentSessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, cwd, title, last_seen FROM sessions
		ORDER BY last_seen DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Cwd, &sess.Title, &sess.LastSeen); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Transcript returns a session's cached items in arrival order.
func (s *Store) Transcript(sessionID string) ([]Item, error) {
	rows, err := s.db.Query(`SELECT seq, session_id, message_id, role, body, created_at
		FROM chat_items WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.Seq, &it.SessionID, &it.MessageID, &it.Role, &it.Body, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and its transcript.
func (s *Store) DeleteSession(id string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
