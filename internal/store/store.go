// Package store is the durable coordination core: requests, responses,
// content-addressed files, the per-conversation message queue, worker leases
// and the timeline merge, all backed by a single shared SQLite database in
// WAL mode. Every operation is a single bounded transaction with WHERE-clause
// guards standing in for compare-and-swap; independent processes (CLI
// invocations, console tabs) coordinate only through this file.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/basket/go-cue/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// Schema ledger. Version 3 is the last schema written by the legacy
	// console; version 4 adds the payload_variant column and the schedules
	// table.
	schemaVersionLegacy = 3
	schemaVersionLatest = 4
)

const timeLayout = "2006-01-02 15:04:05.000"

// ErrSchemaOutdated aborts startup when the database predates the current
// schema and already holds data. The only recovery is an explicit migrate.
type ErrSchemaOutdated struct {
	Found int
}

func (e *ErrSchemaOutdated) Error() string {
	return fmt.Sprintf("database schema version %d is outdated; run: gocue migrate", e.Found)
}

// Store wraps the shared SQLite database. It is safe for concurrent use
// within a process; cross-process safety comes from WAL mode plus the
// single-statement guarded updates each method performs.
type Store struct {
	db      *sql.DB
	homeDir string
	bus     *bus.Bus     // may be nil in tests
	logger  *slog.Logger // never nil
}

// DefaultHome returns the cue home directory (~/.cue), honoring GOCUE_HOME.
func DefaultHome() string {
	if env := strings.TrimSpace(os.Getenv("GOCUE_HOME")); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".cue")
}

// DefaultDBPath returns the database path inside the cue home.
func DefaultDBPath() string {
	return filepath.Join(DefaultHome(), "cue.db")
}

// Open opens (creating if needed) the store at path. The parent directory is
// created, WAL mode is configured, and the schema ledger is verified; a
// database at an unsupported version fails here rather than mid-operation.
func Open(path string, eventBus *bus.Bus, logger *slog.Logger) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if logger == nil {
		logger = slog.Default()
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

	s := &Store{
		db:      db,
		homeDir: filepath.Dir(path),
		bus:     eventBus,
		logger:  logger,
	}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenForMigration opens the store without the schema version gate so the
// migrate subcommand can upgrade an outdated database that Open rejects.
func OpenForMigration(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if logger == nil {
		logger = slog.Default()
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
	s := &Store{db: db, homeDir: filepath.Dir(path), logger: logger}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for the console layer and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// HomeDir returns the directory holding the database and the files/ tree.
func (s *Store) HomeDir() string {
	return s.homeDir
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
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
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.Intn(int(delay / 2)))
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
// Matching on the message avoids importing the sqlite3 package in code paths
// that must also build without CGO.
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

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func (s *Store) now() string {
	return formatTime(time.Now())
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := createSchemaTx(ctx, tx); err != nil {
		return err
	}

	version, err := readSchemaVersionTx(ctx, tx)
	if err != nil {
		return err
	}
	switch {
	case version > schemaVersionLatest:
		return fmt.Errorf("database schema version %d is newer than supported %d", version, schemaVersionLatest)
	case version == schemaVersionLatest:
		// Up to date.
	case version == 0:
		// Fresh or pre-ledger database. A fresh one adopts the latest
		// version; one with data needs an explicit migrate.
		empty, err := requestTablesEmptyTx(ctx, tx)
		if err != nil {
			return err
		}
		if !empty {
			return &ErrSchemaOutdated{Found: version}
		}
		if err := writeSchemaVersionTx(ctx, tx, schemaVersionLatest); err != nil {
			return err
		}
	default:
		return &ErrSchemaOutdated{Found: version}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func createSchemaTx(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create schema_meta: %w", err)
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS cue_requests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT UNIQUE,
			agent_id TEXT NOT NULL,
			prompt TEXT NOT NULL,
			payload TEXT,
			payload_variant TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK(status IN ('PENDING', 'COMPLETED', 'CANCELLED')),
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS cue_responses (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT UNIQUE,
			response_json TEXT NOT NULL,
			cancelled INTEGER NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS cue_files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sha256 TEXT UNIQUE NOT NULL,
			file TEXT NOT NULL,
			mime_type TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS cue_response_files (
			response_id INTEGER NOT NULL,
			file_id INTEGER NOT NULL,
			idx INTEGER NOT NULL,
			PRIMARY KEY (response_id, idx)
		);`,
		`CREATE TABLE IF NOT EXISTS cue_message_queue (
			id TEXT PRIMARY KEY,
			conv_type TEXT NOT NULL CHECK(conv_type IN ('agent', 'group')),
			conv_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			message_json TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('queued', 'processing')),
			attempts INTEGER NOT NULL DEFAULT 0,
			next_run_at DATETIME NOT NULL,
			locked_by TEXT,
			locked_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE(conv_type, conv_id, position)
		);`,
		`CREATE TABLE IF NOT EXISTS worker_leases (
			lease_key TEXT PRIMARY KEY,
			holder_id TEXT NOT NULL,
			expires_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS agent_envs (
			agent_id TEXT PRIMARY KEY,
			agent_runtime TEXT,
			project_dir TEXT,
			agent_terminal TEXT,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS agent_profiles (
			agent_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS groups (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS group_members (
			group_id TEXT NOT NULL,
			agent_name TEXT NOT NULL,
			joined_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (group_id, agent_name),
			FOREIGN KEY (group_id) REFERENCES groups(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS conversation_meta (
			key TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			id TEXT NOT NULL,
			archived INTEGER NOT NULL DEFAULT 0,
			archived_at DATETIME,
			deleted INTEGER NOT NULL DEFAULT 0,
			deleted_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS conversation_pins (
			conv_type TEXT NOT NULL,
			conv_id TEXT NOT NULL,
			view TEXT NOT NULL,
			pin_order INTEGER PRIMARY KEY AUTOINCREMENT,
			pinned_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(conv_type, conv_id, view)
		);`,
		`CREATE TABLE IF NOT EXISTS bot_enabled_conversations (
			conv_type TEXT NOT NULL,
			conv_id TEXT NOT NULL,
			enabled INTEGER NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (conv_type, conv_id)
		);`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			conv_type TEXT NOT NULL CHECK(conv_type IN ('agent', 'group')),
			conv_id TEXT NOT NULL,
			cron_expr TEXT NOT NULL,
			message_json TEXT NOT NULL DEFAULT '{}',
			enabled INTEGER NOT NULL DEFAULT 1,
			next_run_at DATETIME,
			last_run_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS ix_cue_requests_request_id ON cue_requests(request_id);`,
		`CREATE INDEX IF NOT EXISTS ix_cue_requests_agent_id ON cue_requests(agent_id);`,
		`CREATE INDEX IF NOT EXISTS ix_cue_requests_status ON cue_requests(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS ix_cue_responses_request_id ON cue_responses(request_id);`,
		`CREATE INDEX IF NOT EXISTS ix_cue_files_sha256 ON cue_files(sha256);`,
		`CREATE INDEX IF NOT EXISTS ix_cue_response_files_response_id ON cue_response_files(response_id);`,
		`CREATE INDEX IF NOT EXISTS ix_cue_response_files_file_id ON cue_response_files(file_id);`,
		`CREATE INDEX IF NOT EXISTS ix_queue_claim ON cue_message_queue(status, next_run_at, conv_type, conv_id, position);`,
		`CREATE INDEX IF NOT EXISTS ix_schedules_due ON schedules(enabled, next_run_at);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema index: %w", err)
		}
	}
	return nil
}

// Migrate upgrades a legacy database in place: it adds the payload_variant
// column, backfills it from stored payloads, and advances the schema ledger.
// Safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migrate tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := createSchemaTx(ctx, tx); err != nil {
		return err
	}

	version, err := readSchemaVersionTx(ctx, tx)
	if err != nil {
		return err
	}
	if version > schemaVersionLatest {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, schemaVersionLatest)
	}
	if version < schemaVersionLegacy && version != 0 {
		return fmt.Errorf("database schema version %d predates file storage and cannot be migrated", version)
	}

	if _, err := tx.ExecContext(ctx, `ALTER TABLE cue_requests ADD COLUMN payload_variant TEXT NOT NULL DEFAULT '';`); err != nil &&
		!strings.Contains(err.Error(), "duplicate column name") {
		return fmt.Errorf("add cue_requests.payload_variant: %w", err)
	}

	// Backfill the variant for the one sub-kind the legacy console inferred
	// by substring search. json_extract makes the check structural.
	if _, err := tx.ExecContext(ctx, `
		UPDATE cue_requests
		SET payload_variant = 'pause'
		WHERE payload_variant = ''
		  AND payload IS NOT NULL
		  AND json_valid(payload)
		  AND json_extract(payload, '$.type') = 'confirm'
		  AND json_extract(payload, '$.variant') = 'pause';
	`); err != nil {
		return fmt.Errorf("backfill payload_variant: %w", err)
	}

	if err := writeSchemaVersionTx(ctx, tx, schemaVersionLatest); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrate tx: %w", err)
	}
	s.logger.Info("schema migrated", "from", version, "to", schemaVersionLatest)
	return nil
}

func readSchemaVersionTx(ctx context.Context, tx *sql.Tx) (int, error) {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT value FROM schema_meta WHERE key = 'schema_version';`).Scan(&raw)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	version, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", raw, err)
	}
	return version, nil
}

func writeSchemaVersionTx(ctx context.Context, tx *sql.Tx, version int) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_meta (key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value;
	`, strconv.Itoa(version)); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}
	return nil
}

func requestTablesEmptyTx(ctx context.Context, tx *sql.Tx) (bool, error) {
	var requests, responses int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM cue_requests;`).Scan(&requests); err != nil {
		return false, fmt.Errorf("count cue_requests: %w", err)
	}
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM cue_responses;`).Scan(&responses); err != nil {
		return false, fmt.Errorf("count cue_responses: %w", err)
	}
	return requests == 0 && responses == 0, nil
}
