// ABOUTME: SQLite implementation of the Store interface
// ABOUTME: Uses modernc.org/sqlite by default, mattn/go-sqlite3 when the sqlite3 driver is selected

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	DriverModernc = "sqlite"  // modernc.org/sqlite, pure Go
	DriverCGO     = "sqlite3" // github.com/mattn/go-sqlite3, requires cgo
)

// timeFormat is used for every timestamp column. Fixed width, always UTC, so
// lexical order in SQL matches time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store on top of SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens the default pure-Go driver at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return Open(DriverModernc, path)
}

// Open creates a store using the named driver. The schema is created if it
// doesn't exist and parent directories are created as needed.
//
// The pool is limited to a single connection: SQLite serializes writers anyway,
// and one connection keeps ":memory:" databases coherent and avoids SQLITE_BUSY
// between our own goroutines.
func Open(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if driver == "" {
		driver = DriverModernc
	}
	if driver != DriverModernc && driver != DriverCGO {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS identities (
			address          TEXT PRIMARY KEY,
			public_key       TEXT NOT NULL UNIQUE,
			display_name     TEXT NOT NULL,
			declared_purpose TEXT NOT NULL DEFAULT '',
			reputation       REAL NOT NULL,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS challenges (
			address    TEXT PRIMARY KEY,
			nonce      TEXT NOT NULL,
			issued_at  TEXT NOT NULL,
			expires_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_challenges_expires ON challenges(expires_at);

		CREATE TABLE IF NOT EXISTS signing_keys (
			key_id     TEXT PRIMARY KEY,
			secret     BLOB NOT NULL,
			status     TEXT NOT NULL,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			rotated_at TEXT,
			reason     TEXT NOT NULL DEFAULT '',

			CHECK (status IN ('active', 'expired'))
		);

		-- exactly one active version at a time
		CREATE UNIQUE INDEX IF NOT EXISTS idx_signing_keys_one_active
			ON signing_keys(status) WHERE status = 'active';

		CREATE TABLE IF NOT EXISTS revoked_tokens (
			token_digest TEXT PRIMARY KEY,
			subject      TEXT NOT NULL,
			reason       TEXT NOT NULL,
			revoked_at   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_revoked_subject ON revoked_tokens(subject);

		CREATE TABLE IF NOT EXISTS content_units (
			content_id    TEXT PRIMARY KEY,
			author        TEXT NOT NULL REFERENCES identities(address) ON DELETE CASCADE,
			body          TEXT NOT NULL,
			context_json  TEXT NOT NULL,
			evidence_json TEXT NOT NULL,
			evidence_hash TEXT NOT NULL,
			receipt       BLOB,
			created_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_content_author ON content_units(author, created_at);

		CREATE TABLE IF NOT EXISTS witness_events (
			seq           INTEGER PRIMARY KEY,
			event_id      TEXT NOT NULL UNIQUE,
			event_type    TEXT NOT NULL,
			actor         TEXT NOT NULL,
			action        TEXT NOT NULL,
			ts            TEXT NOT NULL,
			previous_hash TEXT NOT NULL,
			event_hash    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_witness_actor ON witness_events(actor, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "content_units",
			column: "quality_score",
			apply:  `ALTER TABLE content_units ADD COLUMN quality_score REAL NOT NULL DEFAULT 0`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

// CreateIdentity inserts a new identity.
// Returns ErrDuplicate if the address or public key is already registered.
func (s *SQLiteStore) CreateIdentity(ctx context.Context, id *Identity) error {
	query := `
		INSERT INTO identities (address, public_key, display_name, declared_purpose, reputation, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		id.Address,
		id.PublicKey,
		id.DisplayName,
		id.DeclaredPurpose,
		id.Reputation,
		formatTime(id.CreatedAt),
		formatTime(id.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting identity: %w", err)
	}

	s.logger.Debug("created identity", "address", id.Address)
	return nil
}

// GetIdentity retrieves an identity by address.
// Returns ErrNotFound if the identity doesn't exist.
func (s *SQLiteStore) GetIdentity(ctx context.Context, address string) (*Identity, error) {
	query := `
		SELECT address, public_key, display_name, declared_purpose, reputation, created_at, updated_at
		FROM identities
		WHERE address = ?
	`

	var id Identity
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, query, address).Scan(
		&id.Address,
		&id.PublicKey,
		&id.DisplayName,
		&id.DeclaredPurpose,
		&id.Reputation,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying identity: %w", err)
	}

	if id.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if id.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &id, nil
}

// AdjustReputation applies next to the stored reputation inside a transaction.
// Returns ErrNotFound if the identity doesn't exist.
func (s *SQLiteStore) AdjustReputation(ctx context.Context, address string, next func(current float64) float64) (float64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current float64
	err = tx.QueryRowContext(ctx, `SELECT reputation FROM identities WHERE address = ?`, address).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("querying reputation: %w", err)
	}

	updated := next(current)
	if _, err := tx.ExecContext(ctx,
		`UPDATE identities SET reputation = ?, updated_at = ? WHERE address = ?`,
		updated, formatTime(time.Now()), address,
	); err != nil {
		return 0, fmt.Errorf("updating reputation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing reputation: %w", err)
	}
	return updated, nil
}

// UpdatePurpose sets the declared purpose of an identity.
// Returns ErrNotFound if the identity doesn't exist.
func (s *SQLiteStore) UpdatePurpose(ctx context.Context, address, purpose string) error {
	return s.updateIdentity(ctx, `UPDATE identities SET declared_purpose = ?, updated_at = ? WHERE address = ?`, purpose, address)
}

func (s *SQLiteStore) updateIdentity(ctx context.Context, query string, value any, address string) error {
	result, err := s.db.ExecContext(ctx, query, value, formatTime(time.Now()), address)
	if err != nil {
		return fmt.Errorf("updating identity: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// CountIdentities returns the number of registered identities.
func (s *SQLiteStore) CountIdentities(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM identities`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting identities: %w", err)
	}
	return n, nil
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)
