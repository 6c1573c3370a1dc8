// ABOUTME: Revoked token persistence
// ABOUTME: Append-only set of token digests checked on every token verification

package store

import (
	"context"
	"fmt"
)

// RevokeToken records r. Revoking an already revoked digest is a no-op.
func (s *SQLiteStore) RevokeToken(ctx context.Context, r *RevokedToken) error {
	query := `
		INSERT INTO revoked_tokens (token_digest, subject, reason, revoked_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(token_digest) DO NOTHING
	`

	_, err := s.db.ExecContext(ctx, query,
		r.TokenDigest,
		r.Subject,
		r.Reason,
		formatTime(r.RevokedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting revocation: %w", err)
	}

	s.logger.Debug("revoked token", "subject", r.Subject, "reason", r.Reason)
	return nil
}

// IsTokenRevoked reports whether digest has been revoked.
func (s *SQLiteStore) IsTokenRevoked(ctx context.Context, digest string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM revoked_tokens WHERE token_digest = ?)`, digest,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking revocation: %w", err)
	}
	return exists == 1, nil
}

// ListRevocationsBySubject returns the revocations recorded for subject, oldest first.
func (s *SQLiteStore) ListRevocationsBySubject(ctx context.Context, subject string) ([]*RevokedToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token_digest, subject, reason, revoked_at
		FROM revoked_tokens
		WHERE subject = ?
		ORDER BY revoked_at ASC
	`, subject)
	if err != nil {
		return nil, fmt.Errorf("querying revocations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*RevokedToken{}
	for rows.Next() {
		var r RevokedToken
		var revokedAt string
		if err := rows.Scan(&r.TokenDigest, &r.Subject, &r.Reason, &revokedAt); err != nil {
			return nil, fmt.Errorf("scanning revocation: %w", err)
		}
		if r.RevokedAt, err = parseTime(revokedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating revocations: %w", err)
	}
	return out, nil
}
