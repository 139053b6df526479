package tools

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

// schema is executed on every open (idempotent via IF NOT EXISTS).
// Times are RFC 3339 UTC strings so they sort lexically.
const schema = `
CREATE TABLE IF NOT EXISTS events (
    id          TEXT PRIMARY KEY,
    title       TEXT NOT NULL,
    start_time  TEXT NOT NULL,
    end_time    TEXT DEFAULT '',
    description TEXT DEFAULT '',
    created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_start ON events(start_time);

CREATE TABLE IF NOT EXISTS notes (
    id         TEXT PRIMARY KEY,
    title      TEXT NOT NULL,
    content    TEXT NOT NULL DEFAULT '',
    tags       TEXT NOT NULL DEFAULT '[]',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS reminders (
    id         TEXT PRIMARY KEY,
    message    TEXT NOT NULL,
    remind_at  TEXT NOT NULL,
    sent       INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
    id           TEXT PRIMARY KEY,
    title        TEXT NOT NULL,
    due_date     TEXT DEFAULT '',
    priority     TEXT NOT NULL DEFAULT 'medium',
    status       TEXT NOT NULL DEFAULT 'pending',
    created_at   TEXT NOT NULL,
    completed_at TEXT DEFAULT ''
);

CREATE TABLE IF NOT EXISTS emails (
    id          TEXT PRIMARY KEY,
    folder      TEXT NOT NULL,
    from_addr   TEXT NOT NULL DEFAULT '',
    to_addr     TEXT NOT NULL DEFAULT '',
    cc          TEXT NOT NULL DEFAULT '',
    subject     TEXT NOT NULL DEFAULT '',
    body        TEXT NOT NULL DEFAULT '',
    in_reply_to TEXT NOT NULL DEFAULT '',
    mode        TEXT NOT NULL DEFAULT '',
    date        TEXT NOT NULL,
    read        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_emails_folder_date ON emails(folder, date);

CREATE TABLE IF NOT EXISTS monitors (
    url        TEXT PRIMARY KEY,
    hash       TEXT NOT NULL,
    checked_at TEXT NOT NULL
);
`

// Store is the local agent's SQLite database: calendar, notes, reminders,
// tasks, the local mailbox, and web_monitor hashes.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the database at path and applies the schema.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data directory %q: %w", dir, err)
		}
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- Email ---

// Email is one message in the local mailbox.
type Email struct {
	ID        string `json:"id"`
	Folder    string `json:"folder"`
	From      string `json:"from"`
	To        string `json:"to"`
	Cc        string `json:"cc,omitempty"`
	Subject   string `json:"subject"`
	Body      string `json:"body,omitempty"`
	InReplyTo string `json:"inReplyTo,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Date      string `json:"date"`
	Read      bool   `json:"read"`
}

// SaveEmail inserts e unless a message with the same id exists. It reports
// whether a row was inserted.
func (s *Store) SaveEmail(ctx context.Context, e Email) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO emails (id, folder, from_addr, to_addr, cc, subject, body, in_reply_to, mode, date, read)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Folder, e.From, e.To, e.Cc, e.Subject, e.Body, e.InReplyTo, e.Mode, e.Date, boolInt(e.Read))
	if err != nil {
		return false, fmt.Errorf("saving email %s: %w", e.ID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetEmail returns the message with id, or ok=false.
func (s *Store) GetEmail(ctx context.Context, id string) (Email, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, folder, from_addr, to_addr, cc, subject, body, in_reply_to, mode, date, read
		FROM emails WHERE id = ?`, id)
	e, err := scanEmail(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Email{}, false, nil
	}
	if err != nil {
		return Email{}, false, fmt.Errorf("reading email %s: %w", id, err)
	}
	return e, true, nil
}

// ListEmails returns up to limit messages in folder, newest first, plus the
// folder's total matching count.
func (s *Store) ListEmails(ctx context.Context, folder string, unreadOnly bool, limit int) ([]Email, int, error) {
	where := "folder = ?"
	if unreadOnly {
		where += " AND read = 0"
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM emails WHERE "+where, folder).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting emails: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, folder, from_addr, to_addr, cc, subject, body, in_reply_to, mode, date, read
		FROM emails WHERE `+where+` ORDER BY date DESC, id LIMIT ?`, folder, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("listing emails: %w", err)
	}
	defer rows.Close()

	var out []Email
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning email: %w", err)
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

// MarkEmailRead sets the read flag.
func (s *Store) MarkEmailRead(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE emails SET read = 1 WHERE id = ?", id); err != nil {
		return fmt.Errorf("marking email %s read: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEmail(r rowScanner) (Email, error) {
	var e Email
	var read int
	err := r.Scan(&e.ID, &e.Folder, &e.From, &e.To, &e.Cc, &e.Subject, &e.Body, &e.InReplyTo, &e.Mode, &e.Date, &read)
	e.Read = read != 0
	return e, err
}

// --- Monitors ---

// SwapMonitorHash stores hash as the latest for url and returns the previous
// hash ("" on the first check).
func (s *Store) SwapMonitorHash(ctx context.Context, url, hash string, now time.Time) (string, error) {
	var prev string
	err := s.db.QueryRowContext(ctx, "SELECT hash FROM monitors WHERE url = ?", url).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("reading monitor %s: %w", url, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO monitors (url, hash, checked_at) VALUES (?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET hash = excluded.hash, checked_at = excluded.checked_at`,
		url, hash, formatTime(now))
	if err != nil {
		return "", fmt.Errorf("saving monitor %s: %w", url, err)
	}
	return prev, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
