// Package persistence is the embedded SQLite store that holds all mutable
// daemon state: tasks and their event log, job run state, broker
// registrations and the token audit ring.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/lobwife/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

// Timestamps are stored as fixed-width UTC text so lexical order equals
// chronological order (the vault watermark compares updated_at as text).
const timeLayout = "2006-01-02T15:04:05.000000Z"

type migration struct {
	version    int
	checksum   string
	statements []string
}

// migrations are applied in order. Never edit an applied entry; append a new one.
var migrations = []migration{
	{
		version:  1,
		checksum: "lw-v1-2026-09-02-core",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS tasks (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL,
				slug TEXT,
				type TEXT NOT NULL DEFAULT 'swe',
				status TEXT NOT NULL DEFAULT 'queued',
				priority TEXT NOT NULL DEFAULT 'normal',
				model TEXT,
				assigned_to TEXT,
				repos TEXT,
				thread_ref TEXT,
				estimate_minutes INTEGER,
				requires_qa INTEGER NOT NULL DEFAULT 0,
				workflow TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				queued_at TEXT,
				assigned_at TEXT,
				completed_at TEXT,
				broker_repos TEXT,
				broker_status TEXT,
				broker_registered_at TEXT,
				token_count INTEGER NOT NULL DEFAULT 0
			);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_updated_at ON tasks(updated_at);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_slug ON tasks(slug);`,
			`CREATE TABLE IF NOT EXISTS task_events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				task_id INTEGER NOT NULL REFERENCES tasks(id),
				event_type TEXT NOT NULL,
				detail TEXT,
				actor TEXT,
				created_at TEXT NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, id);`,
			`CREATE TABLE IF NOT EXISTS job_state (
				name TEXT PRIMARY KEY,
				last_run TEXT,
				last_status TEXT,
				last_duration REAL,
				last_output TEXT,
				run_count INTEGER NOT NULL DEFAULT 0,
				fail_count INTEGER NOT NULL DEFAULT 0,
				enabled INTEGER NOT NULL DEFAULT 1
			);`,
			`CREATE TABLE IF NOT EXISTS broker_tasks (
				task_id TEXT PRIMARY KEY,
				repos TEXT NOT NULL,
				worker_type TEXT NOT NULL DEFAULT 'unknown',
				registered_at TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'active',
				token_count INTEGER NOT NULL DEFAULT 0
			);`,
			`CREATE TABLE IF NOT EXISTS token_audit (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				task_id TEXT NOT NULL,
				repos TEXT,
				action TEXT NOT NULL,
				created_at TEXT NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS kv_store (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at TEXT NOT NULL
			);`,
		},
	},
	{
		version:  2,
		checksum: "lw-v2-2026-09-20-lifecycle-markers",
		statements: []string{
			`ALTER TABLE tasks ADD COLUMN timeout_state TEXT NOT NULL DEFAULT 'none';`,
			`ALTER TABLE tasks ADD COLUMN investigation_task_id INTEGER;`,
			`ALTER TABLE tasks ADD COLUMN objective TEXT;`,
		},
	},
}

func latestSchemaVersion() int { return migrations[len(migrations)-1].version }

type Store struct {
	db   *sql.DB
	bus  *bus.Bus // may be nil in tests
	path string
	now  func() time.Time
}

// DefaultDBPath mirrors the legacy state directory layout.
func DefaultDBPath() string {
	if dir := os.Getenv("LOBWIFE_STATE_DIR"); dir != "" {
		return filepath.Join(dir, "lobmob.db")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".lobwife", "state", "lobmob.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus, path: path, now: time.Now}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Path is the database file location.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock overrides the store's time source. Tests use it to age rows.
func (s *Store) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.now = now
}

func (s *Store) nowText() string {
	return formatTime(s.now())
}

func (s *Store) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := make(map[int]string)
	rows, err := tx.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations;`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		var c string
		if err := rows.Scan(&v, &c); err != nil {
			rows.Close()
			return fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[v] = c
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("schema_migrations rows: %w", err)
	}

	for v := range applied {
		if v > latestSchemaVersion() {
			return fmt.Errorf("db schema version %d is newer than supported %d", v, latestSchemaVersion())
		}
	}

	for _, m := range migrations {
		if got, ok := applied[m.version]; ok {
			if got != m.checksum {
				return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", m.version, got, m.checksum)
			}
			continue
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration v%d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schema_migrations (version, checksum, applied_at) VALUES (?, ?, ?);
		`, m.version, m.checksum, s.nowText()); err != nil {
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// DBStats feeds the health endpoint.
type DBStats struct {
	OK        bool   `json:"ok"`
	SizeBytes int64  `json:"size_bytes"`
	TaskCount int    `json:"task_count"`
	Error     string `json:"error,omitempty"`
}

// Stats inspects the store. It never returns an error; failures are reported in
// the OK and Error fields.
func (s *Store) Stats(ctx context.Context) DBStats {
	var st DBStats
	if _, err := s.SchemaVersion(ctx); err != nil {
		st.Error = err.Error()
		return st
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks;`).Scan(&st.TaskCount); err != nil {
		st.Error = err.Error()
		return st
	}
	if fi, err := os.Stat(s.path); err == nil {
		st.SizeBytes = fi.Size()
	}
	st.OK = true
	return st
}

// Checkpoint runs a passive WAL checkpoint.
func (s *Store) Checkpoint(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(PASSIVE);`); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

// Backup writes a consistent snapshot of the database to destPath.
// An existing file at destPath is replaced.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return fmt.Errorf("backup destination path required")
	}
	tmp := destPath + ".tmp"
	_ = os.Remove(tmp)
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, tmp); err != nil {
		return fmt.Errorf("backup (VACUUM INTO): %w", err)
	}
	if err := os.Rename(tmp, destPath); err != nil {
		return fmt.Errorf("backup rename: %w", err)
	}
	return nil
}

func (s *Store) KVSet(ctx context.Context, key, val string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv_store (key, value, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at;
		`, key, val, s.nowText())
		if err != nil {
			return fmt.Errorf("kv set: %w", err)
		}
		return nil
	})
}

// KVGet retrieves a value from the kv_store. Returns empty string if key not found.
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&val)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("kv_get: %w", err)
	}
	return val, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

var parseLayouts = []string{
	timeLayout,
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime accepts the stored layout plus the ISO forms clients send.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func nullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := ParseTime(ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func mustTime(s string) time.Time {
	t, _ := ParseTime(s)
	return t
}
