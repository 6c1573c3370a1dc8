// ABOUTME: Signing key version persistence for session token secrets
// ABOUTME: Rotation demotes the active version and inserts its successor in one transaction

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const signingKeyColumns = `key_id, secret, status, created_at, expires_at, rotated_at, reason`

// CreateSigningKey inserts k. Inserting a second active version fails with
// ErrDuplicate because of the single-active unique index.
func (s *SQLiteStore) CreateSigningKey(ctx context.Context, k *SigningKeyVersion) error {
	if k.ID == "" {
		k.ID = uuid.New().String()
	}
	if err := insertSigningKey(ctx, s.db, k); err != nil {
		return err
	}
	s.logger.Debug("created signing key", "key_id", k.ID, "status", k.Status)
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertSigningKey(ctx context.Context, db execer, k *SigningKeyVersion) error {
	query := `
		INSERT INTO signing_keys (key_id, secret, status, created_at, expires_at, rotated_at, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	var rotatedAt sql.NullString
	if k.RotatedAt != nil {
		rotatedAt = sql.NullString{String: formatTime(*k.RotatedAt), Valid: true}
	}

	_, err := db.ExecContext(ctx, query,
		k.ID,
		k.Secret,
		string(k.Status),
		formatTime(k.CreatedAt),
		formatTime(k.ExpiresAt),
		rotatedAt,
		k.Reason,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting signing key: %w", err)
	}
	return nil
}

func scanSigningKey(scanner interface{ Scan(dest ...any) error }) (*SigningKeyVersion, error) {
	var k SigningKeyVersion
	var status, createdAt, expiresAt string
	var rotatedAt sql.NullString

	if err := scanner.Scan(&k.ID, &k.Secret, &status, &createdAt, &expiresAt, &rotatedAt, &k.Reason); err != nil {
		return nil, err
	}

	k.Status = SigningKeyStatus(status)
	var err error
	if k.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if k.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	if rotatedAt.Valid {
		t, err := parseTime(rotatedAt.String)
		if err != nil {
			return nil, err
		}
		k.RotatedAt = &t
	}
	return &k, nil
}

// ActiveSigningKey returns the active version.
// Returns ErrNotFound if no version has been created yet.
func (s *SQLiteStore) ActiveSigningKey(ctx context.Context) (*SigningKeyVersion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+signingKeyColumns+` FROM signing_keys WHERE status = 'active'`)
	k, err := scanSigningKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying active signing key: %w", err)
	}
	return k, nil
}

// ListSigningKeys returns every version, newest first.
func (s *SQLiteStore) ListSigningKeys(ctx context.Context) ([]*SigningKeyVersion, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+signingKeyColumns+` FROM signing_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying signing keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	keys := []*SigningKeyVersion{}
	for rows.Next() {
		k, err := scanSigningKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning signing key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating signing keys: %w", err)
	}
	return keys, nil
}

// RotateSigningKey demotes the active version to expired (its expires_at is left
// untouched) and inserts next as the new active version.
func (s *SQLiteStore) RotateSigningKey(ctx context.Context, next *SigningKeyVersion, rotatedAt time.Time) (*SigningKeyVersion, error) {
	if next.ID == "" {
		next.ID = uuid.New().String()
	}
	next.Status = SigningKeyActive

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prev, err := scanSigningKey(tx.QueryRowContext(ctx, `SELECT `+signingKeyColumns+` FROM signing_keys WHERE status = 'active'`))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		prev = nil
	case err != nil:
		return nil, fmt.Errorf("querying active signing key: %w", err)
	default:
		_, err = tx.ExecContext(ctx,
			`UPDATE signing_keys SET status = 'expired', rotated_at = ? WHERE key_id = ?`,
			formatTime(rotatedAt), prev.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("demoting signing key: %w", err)
		}
		prev.Status = SigningKeyExpired
		prev.RotatedAt = &rotatedAt
	}

	if err := insertSigningKey(ctx, tx, next); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing rotation: %w", err)
	}

	s.logger.Info("rotated signing key", "key_id", next.ID, "reason", next.Reason)
	return prev, nil
}
