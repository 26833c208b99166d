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

var (
	ErrJobNotFound      = errors.New("acquisition job not found")
	ErrJobTerminal      = errors.New("acquisition job is in a terminal state")
	ErrNoCandidates     = errors.New("acquisition job requires at least one candidate")
	ErrCandidateExists  = errors.New("candidate already attached to job")
	ErrCandidatesClosed = errors.New("job no longer accepts candidates")
)

type JobState string

const (
	JobStateDiscovered         JobState = "discovered"
	JobStateSelecting          JobState = "selecting"
	JobStateAwaitingAdmission  JobState = "awaiting-admission"
	JobStateTransferring       JobState = "transferring"
	JobStateVerifying          JobState = "verifying"
	JobStateVerificationFailed JobState = "verification-failed"
	JobStateCompleted          JobState = "completed"
	JobStateExhausted          JobState = "exhausted"
	JobStateFailed             JobState = "failed"
	JobStateCancelled          JobState = "cancelled"
)

// IsTerminal reports whether a job in this state may never transition again.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateCompleted, JobStateExhausted, JobStateFailed, JobStateCancelled:
		return true
	default:
		return false
	}
}

// AcceptsCandidates reports whether a job in this state may still receive
// late-discovered candidates. Once a transfer starts the set is frozen.
func (s JobState) AcceptsCandidates() bool {
	switch s {
	case JobStateDiscovered, JobStateSelecting, JobStateAwaitingAdmission:
		return true
	default:
		return false
	}
}

// AcquisitionJob tracks one work from request to terminal outcome.
type AcquisitionJob struct {
	ID                   string             `json:"id"`
	WorkKey              string             `json:"workKey"`
	Candidates           []CandidateRelease `json:"candidates"`
	ExcludedCandidateIDs []string           `json:"excludedCandidateIds"`
	State                JobState           `json:"state"`
	ActiveTransferID     *string            `json:"activeTransferId,omitempty"`
	ActiveCandidateID    *string            `json:"activeCandidateId,omitempty"`
	RetryCount           int                `json:"retryCount"`
	MaxRetries           int                `json:"maxRetries"`
	LastError            *string            `json:"lastError,omitempty"`
	CreatedAt            time.Time          `json:"createdAt"`
	UpdatedAt            time.Time          `json:"updatedAt"`
}

// Excluded returns the exclusion set keyed by candidate ID.
func (j *AcquisitionJob) Excluded() map[string]struct{} {
	set := make(map[string]struct{}, len(j.ExcludedCandidateIDs))
	for _, id := range j.ExcludedCandidateIDs {
		set[id] = struct{}{}
	}
	return set
}

type JobStore struct {
	db dbinterface.Querier
}

func NewJobStore(db dbinterface.Querier) *JobStore {
	return &JobStore{db: db}
}

func (s *JobStore) Create(ctx context.Context, job *AcquisitionJob) error {
	if len(job.Candidates) == 0 {
		return ErrNoCandidates
	}

	excludedJSON, err := json.Marshal(job.ExcludedCandidateIDs)
	if err != nil {
		return fmt.Errorf("marshal excluded ids: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, work_key, state, active_transfer_id, active_candidate_id,
		                  excluded_candidate_ids, retry_count, max_retries, last_error,
		                  created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.WorkKey, string(job.State), job.ActiveTransferID, job.ActiveCandidateID,
		string(excludedJSON), job.RetryCount, job.MaxRetries, job.LastError,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	for i, candidate := range job.Candidates {
		if err := insertCandidate(ctx, tx, job.ID, i, candidate); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func insertCandidate(ctx context.Context, tx dbinterface.TxQuerier, jobID string, position int, candidate CandidateRelease) error {
	payload, err := json.Marshal(candidate)
	if err != nil {
		return fmt.Errorf("marshal candidate %s: %w", candidate.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO job_candidates (job_id, candidate_id, position, payload)
		VALUES (?, ?, ?, ?)
	`, jobID, candidate.ID, position, string(payload))
	if err != nil {
		return fmt.Errorf("failed to insert candidate %s: %w", candidate.ID, err)
	}
	return nil
}

func (s *JobStore) Get(ctx context.Context, id string) (*AcquisitionJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, work_key, state, active_transfer_id, active_candidate_id,
		       excluded_candidate_ids, retry_count, max_retries, last_error,
		       created_at, updated_at
		FROM jobs
		WHERE id = ?
	`, id)

	job, err := scanJob(row)
	if err != nil {
		return nil, err
	}

	if err := s.loadCandidates(ctx, job); err != nil {
		return nil, err
	}

	return job, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*AcquisitionJob, error) {
	var job AcquisitionJob
	var state, excludedJSON string

	err := row.Scan(
		&job.ID, &job.WorkKey, &state, &job.ActiveTransferID, &job.ActiveCandidateID,
		&excludedJSON, &job.RetryCount, &job.MaxRetries, &job.LastError,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	job.State = JobState(state)
	if err := json.Unmarshal([]byte(excludedJSON), &job.ExcludedCandidateIDs); err != nil {
		return nil, fmt.Errorf("unmarshal excluded ids for job %s: %w", job.ID, err)
	}
	if job.ExcludedCandidateIDs == nil {
		job.ExcludedCandidateIDs = []string{}
	}

	return &job, nil
}

func (s *JobStore) loadCandidates(ctx context.Context, job *AcquisitionJob) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload
		FROM job_candidates
		WHERE job_id = ?
		ORDER BY position ASC
	`, job.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	job.Candidates = job.Candidates[:0]
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return err
		}
		var candidate CandidateRelease
		if err := json.Unmarshal([]byte(payload), &candidate); err != nil {
			return fmt.Errorf("unmarshal candidate for job %s: %w", job.ID, err)
		}
		job.Candidates = append(job.Candidates, candidate)
	}

	return rows.Err()
}

// List returns all jobs, newest first.
func (s *JobStore) List(ctx context.Context) ([]*AcquisitionJob, error) {
	return s.list(ctx, `
		SELECT id, work_key, state, active_transfer_id, active_candidate_id,
		       excluded_candidate_ids, retry_count, max_retries, last_error,
		       created_at, updated_at
		FROM jobs
		ORDER BY created_at DESC
	`)
}

// ListActive returns all jobs whose state is non-terminal. Used on startup to
// resume interrupted jobs from their last recorded state.
func (s *JobStore) ListActive(ctx context.Context) ([]*AcquisitionJob, error) {
	return s.list(ctx, `
		SELECT id, work_key, state, active_transfer_id, active_candidate_id,
		       excluded_candidate_ids, retry_count, max_retries, last_error,
		       created_at, updated_at
		FROM jobs
		WHERE state NOT IN ('completed', 'exhausted', 'failed', 'cancelled')
		ORDER BY created_at ASC
	`)
}

func (s *JobStore) list(ctx context.Context, query string) ([]*AcquisitionJob, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*AcquisitionJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, job := range jobs {
		if err := s.loadCandidates(ctx, job); err != nil {
			return nil, err
		}
	}

	return jobs, nil
}

// CountByState returns the number of jobs in each state.
func (s *JobStore) CountByState(ctx context.Context) (map[JobState]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT state, COUNT(1)
		FROM jobs
		GROUP BY state
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[JobState]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		counts[JobState(state)] = count
	}

	return counts, rows.Err()
}

// Update persists the mutable job fields. Terminal jobs are immutable; a write
// against one is refused rather than silently applied.
func (s *JobStore) Update(ctx context.Context, job *AcquisitionJob) error {
	current, err := s.Get(ctx, job.ID)
	if err != nil {
		return err
	}
	if current.State.IsTerminal() {
		return ErrJobTerminal
	}

	excludedJSON, err := json.Marshal(job.ExcludedCandidateIDs)
	if err != nil {
		return fmt.Errorf("marshal excluded ids: %w", err)
	}

	job.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?,
		    active_transfer_id = ?,
		    active_candidate_id = ?,
		    excluded_candidate_ids = ?,
		    retry_count = ?,
		    last_error = ?,
		    updated_at = ?
		WHERE id = ?
	`, string(job.State), job.ActiveTransferID, job.ActiveCandidateID,
		string(excludedJSON), job.RetryCount, job.LastError, job.UpdatedAt, job.ID)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrJobNotFound
	}

	return nil
}

// AppendCandidate attaches a late-discovered candidate to a job. The state
// guard runs in the same transaction as the insert, so a job advancing past
// admission concurrently cannot end up with a candidate it never saw.
func (s *JobStore) AppendCandidate(ctx context.Context, jobID string, candidate CandidateRelease) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var state string
	err = tx.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id = ?`, jobID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return err
	}
	if !JobState(state).AcceptsCandidates() {
		return ErrCandidatesClosed
	}

	var exists int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM job_candidates WHERE job_id = ? AND candidate_id = ?
	`, jobID, candidate.ID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return ErrCandidateExists
	}

	var position int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(position) + 1, 0) FROM job_candidates WHERE job_id = ?
	`, jobID).Scan(&position)
	if err != nil {
		return err
	}

	if err := insertCandidate(ctx, tx, jobID, position, candidate); err != nil {
		return err
	}

	return tx.Commit()
}
