// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/autobrr/audiarr/internal/dbinterface"
)

var ErrNoRatioSnapshot = errors.New("no ratio snapshot recorded")

// RatioSnapshot is one persisted sample of the shared resource budget. The
// latest row survives restarts so admission control has history to fall back
// on before its first live sample.
type RatioSnapshot struct {
	CurrentRatio     float64   `json:"currentRatio"`
	MembershipBudget int64     `json:"membershipBudget"`
	MembershipAtRisk bool      `json:"membershipAtRisk"`
	SampledAt        time.Time `json:"sampledAt"`
}

type RatioSnapshotStore struct {
	db dbinterface.Querier
}

func NewRatioSnapshotStore(db dbinterface.Querier) *RatioSnapshotStore {
	return &RatioSnapshotStore{db: db}
}

func (s *RatioSnapshotStore) Save(ctx context.Context, snap RatioSnapshot) error {
	atRisk := 0
	if snap.MembershipAtRisk {
		atRisk = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ratio_snapshots (current_ratio, membership_budget, membership_at_risk, sampled_at)
		VALUES (?, ?, ?, ?)
	`, snap.CurrentRatio, snap.MembershipBudget, atRisk, snap.SampledAt.UTC())
	return err
}

func (s *RatioSnapshotStore) Latest(ctx context.Context) (*RatioSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT current_ratio, membership_budget, membership_at_risk, sampled_at
		FROM ratio_snapshots
		ORDER BY id DESC
		LIMIT 1
	`)

	var snap RatioSnapshot
	var atRisk int
	err := row.Scan(&snap.CurrentRatio, &snap.MembershipBudget, &atRisk, &snap.SampledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRatioSnapshot
	}
	if err != nil {
		return nil, err
	}

	snap.MembershipAtRisk = atRisk != 0
	return &snap, nil
}

// Prune drops samples older than the retention window, keeping at least the
// most recent row.
func (s *RatioSnapshotStore) Prune(ctx context.Context, retain time.Duration) error {
	cutoff := time.Now().UTC().Add(-retain)
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM ratio_snapshots
		WHERE sampled_at < ?
		  AND id != (SELECT MAX(id) FROM ratio_snapshots)
	`, cutoff)
	return err
}
