// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/autobrr/audiarr/internal/dbinterface"
)

var ErrPendingOperationNotFound = errors.New("pending operation not found")

// OperationPayload is the durable form of a transfer request. The idempotency
// token travels with it so a replay can be deduplicated downstream.
type OperationPayload struct {
	JobID            string `json:"jobId"`
	WorkKey          string `json:"workKey"`
	CandidateID      string `json:"candidateId"`
	Locator          string `json:"locator"`
	Category         string `json:"category"`
	IdempotencyToken string `json:"idempotencyToken"`
}

// PendingOperation records a transfer request that could not be submitted to
// any endpoint. Rows are appended and later flagged resolved, never deleted,
// so operators keep a full recovery trail.
type PendingOperation struct {
	ID         string           `json:"id"`
	Payload    OperationPayload `json:"payload"`
	Reason     string           `json:"reason"`
	Resolved   bool             `json:"resolved"`
	SavedAt    time.Time        `json:"savedAt"`
	ResolvedAt *time.Time       `json:"resolvedAt,omitempty"`
}

type PendingOperationStore struct {
	db dbinterface.Querier
}

func NewPendingOperationStore(db dbinterface.Querier) *PendingOperationStore {
	return &PendingOperationStore{db: db}
}

func (s *PendingOperationStore) Save(ctx context.Context, op *PendingOperation) error {
	payloadJSON, err := json.Marshal(op.Payload)
	if err != nil {
		return fmt.Errorf("marshal operation payload: %w", err)
	}

	op.SavedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_operations (id, payload, reason, resolved, saved_at)
		VALUES (?, ?, ?, 0, ?)
	`, op.ID, string(payloadJSON), op.Reason, op.SavedAt)
	if err != nil {
		return fmt.Errorf("failed to insert pending operation: %w", err)
	}

	return nil
}

func (s *PendingOperationStore) Get(ctx context.Context, id string) (*PendingOperation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, payload, reason, resolved, saved_at, resolved_at
		FROM pending_operations
		WHERE id = ?
	`, id)

	return scanPendingOperation(row)
}

// UnresolvedFor returns the oldest unresolved operation for a job/candidate
// pair, or ErrPendingOperationNotFound. Submitters use it to avoid queueing
// the same request twice during a long outage.
func (s *PendingOperationStore) UnresolvedFor(ctx context.Context, jobID, candidateID string) (*PendingOperation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, payload, reason, resolved, saved_at, resolved_at
		FROM pending_operations
		WHERE resolved = 0
		  AND json_extract(payload, '$.jobId') = ?
		  AND json_extract(payload, '$.candidateId') = ?
		ORDER BY saved_at ASC
		LIMIT 1
	`, jobID, candidateID)

	return scanPendingOperation(row)
}

// ListUnresolved returns operations still awaiting replay, oldest first.
func (s *PendingOperationStore) ListUnresolved(ctx context.Context) ([]*PendingOperation, error) {
	return s.list(ctx, `
		SELECT id, payload, reason, resolved, saved_at, resolved_at
		FROM pending_operations
		WHERE resolved = 0
		ORDER BY saved_at ASC
	`)
}

// List returns every recorded operation, newest first, for operator visibility.
func (s *PendingOperationStore) List(ctx context.Context) ([]*PendingOperation, error) {
	return s.list(ctx, `
		SELECT id, payload, reason, resolved, saved_at, resolved_at
		FROM pending_operations
		ORDER BY saved_at DESC
	`)
}

func (s *PendingOperationStore) list(ctx context.Context, query string) ([]*PendingOperation, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*PendingOperation
	for rows.Next() {
		op, err := scanPendingOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}

	return ops, rows.Err()
}

// CountUnresolved reports how many operations still await replay.
func (s *PendingOperationStore) CountUnresolved(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM pending_operations WHERE resolved = 0
	`).Scan(&count)
	return count, err
}

func scanPendingOperation(row rowScanner) (*PendingOperation, error) {
	var op PendingOperation
	var payloadJSON string
	var resolved int

	err := row.Scan(&op.ID, &payloadJSON, &op.Reason, &resolved, &op.SavedAt, &op.ResolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPendingOperationNotFound
	}
	if err != nil {
		return nil, err
	}

	op.Resolved = resolved != 0
	if err := json.Unmarshal([]byte(payloadJSON), &op.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload for operation %s: %w", op.ID, err)
	}

	return &op, nil
}

// MarkResolved flags an operation as replayed. Idempotent: resolving an
// already-resolved operation is a no-op, which keeps concurrent reconciliation
// passes safe.
func (s *PendingOperationStore) MarkResolved(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_operations
		SET resolved = 1, resolved_at = ?
		WHERE id = ? AND resolved = 0
	`, time.Now().UTC(), id)
	if err != nil {
		return err
	}

	// Zero rows means either unknown id or already resolved; distinguish so
	// callers never mistake a typo for success.
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM pending_operations WHERE id = ?`, id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrPendingOperationNotFound
		}
	}

	return nil
}
