// Package sqlite implements store.CallStore on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"ringlink/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS calls (
	id             TEXT PRIMARY KEY,
	caller_id      TEXT NOT NULL,
	callee_id      TEXT NOT NULL,
	status         TEXT NOT NULL,
	offer          TEXT,
	answer         TEXT,
	ice_candidates TEXT NOT NULL DEFAULT '[]',
	started_at     TIMESTAMP,
	ended_at       TIMESTAMP,
	created_at     TIMESTAMP NOT NULL,
	updated_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_calls_caller ON calls(caller_id);
CREATE INDEX IF NOT EXISTS idx_calls_callee ON calls(callee_id);
`

// Store implements store.CallStore for SQLite.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the SQLite database at dbPath and applies
// the schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateCall inserts a new call record.
func (s *Store) CreateCall(ctx context.Context, call *store.Call) error {
	now := time.Now().UTC()
	call.CreatedAt = now
	call.UpdatedAt = now

	candidates, err := marshalCandidates(call.ICECandidates)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO calls (id, caller_id, callee_id, status, offer, answer, ice_candidates, started_at, ended_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		call.ID, call.CallerID, call.CalleeID, string(call.Status),
		nullableRaw(call.Offer), nullableRaw(call.Answer), candidates,
		call.StartedAt, call.EndedAt, call.CreatedAt, call.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	return nil
}

// GetCall returns the record for id.
func (s *Store) GetCall(ctx context.Context, id string) (*store.Call, error) {
	query := `
		SELECT id, caller_id, callee_id, status, COALESCE(offer, ''), COALESCE(answer, ''), ice_candidates, started_at, ended_at, created_at, updated_at
		FROM calls
		WHERE id = ?
	`
	row := s.db.QueryRowContext(ctx, query, id)

	var (
		call       store.Call
		status     string
		offer      string
		answer     string
		candidates string
	)
	err := row.Scan(&call.ID, &call.CallerID, &call.CalleeID, &status, &offer, &answer,
		&candidates, &call.StartedAt, &call.EndedAt, &call.CreatedAt, &call.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan call: %w", err)
	}

	call.Status = store.Status(status)
	if offer != "" {
		call.Offer = json.RawMessage(offer)
	}
	if answer != "" {
		call.Answer = json.RawMessage(answer)
	}
	if err := json.Unmarshal([]byte(candidates), &call.ICECandidates); err != nil {
		return nil, fmt.Errorf("decode candidates: %w", err)
	}
	return &call, nil
}

// UpdateStatus applies a forward status transition. A record already in a
// terminal status is left untouched; an illegal non-terminal transition is
// an error.
func (s *Store) UpdateStatus(ctx context.Context, id string, next store.Status) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM calls WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}

	cur := store.Status(current)
	if cur.Terminal() {
		return nil
	}
	if !cur.CanTransition(next) {
		return fmt.Errorf("illegal status transition %s → %s", cur, next)
	}

	now := time.Now().UTC()
	var startedAt, endedAt any
	if next == store.StatusAccepted {
		startedAt = now
	}
	if next.Terminal() {
		endedAt = now
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE calls
		SET status = ?,
		    started_at = COALESCE(?, started_at),
		    ended_at = COALESCE(?, ended_at),
		    updated_at = ?
		WHERE id = ?
	`, string(next), startedAt, endedAt, now, id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}

	return tx.Commit()
}

// AppendCandidate adds one trickled candidate to the record, preserving
// arrival order.
func (s *Store) AppendCandidate(ctx context.Context, id string, candidate json.RawMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT ice_candidates FROM calls WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read candidates: %w", err)
	}

	var candidates []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &candidates); err != nil {
		return fmt.Errorf("decode candidates: %w", err)
	}
	candidates = append(candidates, candidate)

	encoded, err := marshalCandidates(candidates)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `UPDATE calls SET ice_candidates = ?, updated_at = ? WHERE id = ?`,
		encoded, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update candidates: %w", err)
	}

	return tx.Commit()
}

func marshalCandidates(candidates []json.RawMessage) (string, error) {
	if candidates == nil {
		candidates = []json.RawMessage{}
	}
	data, err := json.Marshal(candidates)
	if err != nil {
		return "", fmt.Errorf("encode candidates: %w", err)
	}
	return string(data), nil
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
