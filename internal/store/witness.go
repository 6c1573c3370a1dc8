// ABOUTME: Witness event persistence for the hash chained audit log
// ABOUTME: Append-only; rows are never updated or deleted by the service

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// normalizeWitnessLimit applies default (100) and cap (1000) to list limits.
func normalizeWitnessLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

// AppendWitnessEvent inserts ev at ev.Seq.
// Returns ErrDuplicate if the sequence number is already taken.
func (s *SQLiteStore) AppendWitnessEvent(ctx context.Context, ev *WitnessEvent) error {
	query := `
		INSERT INTO witness_events (seq, event_id, event_type, actor, action, ts, previous_hash, event_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		ev.Seq,
		ev.ID,
		ev.EventType,
		ev.Actor,
		ev.Action,
		ev.Timestamp,
		ev.PreviousHash,
		ev.EventHash,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting witness event: %w", err)
	}

	s.logger.Debug("appended witness event",
		"seq", ev.Seq,
		"type", ev.EventType,
		"actor", ev.Actor,
	)
	return nil
}

// scanWitnessEvent scans a row into a WitnessEvent.
func scanWitnessEvent(scanner interface{ Scan(dest ...any) error }) (*WitnessEvent, error) {
	var ev WitnessEvent
	if err := scanner.Scan(
		&ev.Seq,
		&ev.ID,
		&ev.EventType,
		&ev.Actor,
		&ev.Action,
		&ev.Timestamp,
		&ev.PreviousHash,
		&ev.EventHash,
	); err != nil {
		return nil, err
	}
	return &ev, nil
}

const witnessColumns = `seq, event_id, event_type, actor, action, ts, previous_hash, event_hash`

// LastWitnessEvent returns the event with the highest sequence number.
// Returns ErrNotFound if the chain is empty.
func (s *SQLiteStore) LastWitnessEvent(ctx context.Context) (*WitnessEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+witnessColumns+` FROM witness_events ORDER BY seq DESC LIMIT 1`)
	ev, err := scanWitnessEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying last witness event: %w", err)
	}
	return ev, nil
}

// ListWitnessEvents returns up to limit events with seq > afterSeq, oldest first.
func (s *SQLiteStore) ListWitnessEvents(ctx context.Context, afterSeq int64, limit int) ([]*WitnessEvent, error) {
	query := `SELECT ` + witnessColumns + ` FROM witness_events WHERE seq > ? ORDER BY seq ASC LIMIT ?`
	return s.queryWitnessEvents(ctx, query, afterSeq, normalizeWitnessLimit(limit))
}

// ListWitnessEventsByActor returns up to limit events recorded for actor with
// seq > afterSeq, oldest first.
func (s *SQLiteStore) ListWitnessEventsByActor(ctx context.Context, actor string, afterSeq int64, limit int) ([]*WitnessEvent, error) {
	query := `SELECT ` + witnessColumns + ` FROM witness_events WHERE actor = ? AND seq > ? ORDER BY seq ASC LIMIT ?`
	return s.queryWitnessEvents(ctx, query, actor, afterSeq, normalizeWitnessLimit(limit))
}

func (s *SQLiteStore) queryWitnessEvents(ctx context.Context, query string, args ...any) ([]*WitnessEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying witness events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []*WitnessEvent{}
	for rows.Next() {
		ev, err := scanWitnessEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning witness event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating witness events: %w", err)
	}
	return events, nil
}

// CountWitnessEvents returns the number of events in the chain.
func (s *SQLiteStore) CountWitnessEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM witness_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting witness events: %w", err)
	}
	return n, nil
}
