// ABOUTME: Challenge persistence with atomic compare-and-delete consumption
// ABOUTME: One outstanding challenge per address; expired rows are purged in the background

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PutChallenge stores c, replacing any outstanding challenge for the same address.
func (s *SQLiteStore) PutChallenge(ctx context.Context, c *Challenge) error {
	query := `
		INSERT INTO challenges (address, nonce, issued_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			nonce = excluded.nonce,
			issued_at = excluded.issued_at,
			expires_at = excluded.expires_at
	`

	_, err := s.db.ExecContext(ctx, query,
		c.Address,
		c.Nonce,
		formatTime(c.IssuedAt),
		formatTime(c.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("storing challenge: %w", err)
	}
	return nil
}

// ConsumeChallenge deletes and returns the outstanding challenge for address in a
// single statement. Whichever caller's DELETE runs first gets the row; every other
// caller gets ErrNotFound.
func (s *SQLiteStore) ConsumeChallenge(ctx context.Context, address string) (*Challenge, error) {
	query := `
		DELETE FROM challenges
		WHERE address = ?
		RETURNING nonce, issued_at, expires_at
	`

	c := Challenge{Address: address}
	var issuedAt, expiresAt string
	err := s.db.QueryRowContext(ctx, query, address).Scan(&c.Nonce, &issuedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consuming challenge: %w", err)
	}

	if c.IssuedAt, err = parseTime(issuedAt); err != nil {
		return nil, err
	}
	if c.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// PurgeExpiredChallenges removes challenges that expired at or before now.
func (s *SQLiteStore) PurgeExpiredChallenges(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM challenges WHERE expires_at <= ?`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("purging challenges: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Debug("purged expired challenges", "count", n)
	}
	return n, nil
}
