// ABOUTME: Account data removal
// ABOUTME: Purges an identity with its content and challenge, keeping the audit trail

package store

import (
	"context"
	"fmt"
)

// PurgeIdentity deletes the identity, its content units and any outstanding
// challenge in one transaction. Returns ErrNotFound if the identity doesn't exist.
func (s *SQLiteStore) PurgeIdentity(ctx context.Context, address string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM content_units WHERE author = ?`, address); err != nil {
		return fmt.Errorf("deleting content: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM challenges WHERE address = ?`, address); err != nil {
		return fmt.Errorf("deleting challenge: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM identities WHERE address = ?`, address)
	if err != nil {
		return fmt.Errorf("deleting identity: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing purge: %w", err)
	}

	s.logger.Info("purged identity", "address", address)
	return nil
}
