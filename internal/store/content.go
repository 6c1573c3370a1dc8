// ABOUTME: Content unit persistence
// ABOUTME: Stores accepted submissions with their evidence, evidence hash and receipt

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const contentColumns = `content_id, author, body, context_json, evidence_json, evidence_hash, receipt, quality_score, created_at`

// SaveContent inserts c. Returns ErrDuplicate if the ID is taken.
func (s *SQLiteStore) SaveContent(ctx context.Context, c *ContentUnit) error {
	query := `
		INSERT INTO content_units (` + contentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		c.ID,
		c.Author,
		c.Body,
		string(c.ContextJSON),
		string(c.EvidenceJSON),
		c.EvidenceHash,
		c.Receipt,
		c.QualityScore,
		formatTime(c.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting content: %w", err)
	}

	s.logger.Debug("saved content", "content_id", c.ID, "author", c.Author)
	return nil
}

func scanContent(scanner interface{ Scan(dest ...any) error }) (*ContentUnit, error) {
	var c ContentUnit
	var contextJSON, evidenceJSON, createdAt string
	if err := scanner.Scan(
		&c.ID,
		&c.Author,
		&c.Body,
		&contextJSON,
		&evidenceJSON,
		&c.EvidenceHash,
		&c.Receipt,
		&c.QualityScore,
		&createdAt,
	); err != nil {
		return nil, err
	}
	c.ContextJSON = []byte(contextJSON)
	c.EvidenceJSON = []byte(evidenceJSON)

	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetContent retrieves a content unit by ID.
// Returns ErrNotFound if the unit doesn't exist.
func (s *SQLiteStore) GetContent(ctx context.Context, id string) (*ContentUnit, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contentColumns+` FROM content_units WHERE content_id = ?`, id)
	c, err := scanContent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying content: %w", err)
	}
	return c, nil
}

// DeleteContent removes a content unit. Deleting a missing unit is not an error.
func (s *SQLiteStore) DeleteContent(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM content_units WHERE content_id = ?`, id); err != nil {
		return fmt.Errorf("deleting content: %w", err)
	}
	s.logger.Debug("deleted content", "content_id", id)
	return nil
}

// ListContentByAuthor returns up to limit units by author, newest first.
func (s *SQLiteStore) ListContentByAuthor(ctx context.Context, author string, limit int) ([]*ContentUnit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contentColumns+` FROM content_units WHERE author = ? ORDER BY created_at DESC LIMIT ?`,
		author, normalizeWitnessLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying content: %w", err)
	}
	defer func() { _ = rows.Close() }()

	units := []*ContentUnit{}
	for rows.Next() {
		c, err := scanContent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning content: %w", err)
		}
		units = append(units, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating content: %w", err)
	}
	return units, nil
}
