// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package ratio

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/audiarr/internal/database"
	"github.com/autobrr/audiarr/internal/models"
)

func newTestController(t *testing.T, source Source) *Controller {
	t.Helper()
	return NewController(Config{SampleInterval: time.Minute, RatioFloor: 1.0}, source, nil)
}

func staticSource(snap models.RatioSnapshot) Source {
	return SourceFunc(func(ctx context.Context) (models.RatioSnapshot, error) {
		return snap, nil
	})
}

func TestDecisionBeforeFirstSampleIsConservative(t *testing.T) {
	c := newTestController(t, staticSource(models.RatioSnapshot{}))

	decision := c.Decision()
	assert.False(t, decision.AllowNewTransfers)
	assert.False(t, decision.AllowPaidAcquisitions)
}

func TestDecisionLadder(t *testing.T) {
	tests := []struct {
		name       string
		snapshot   models.RatioSnapshot
		wantNew    bool
		wantPaid   bool
		wantReason Reason
	}{
		{
			name:       "healthy",
			snapshot:   models.RatioSnapshot{CurrentRatio: 1.5},
			wantNew:    true,
			wantPaid:   true,
			wantReason: ReasonNormal,
		},
		{
			name:     "ratio_emergency_at_floor",
			snapshot: models.RatioSnapshot{CurrentRatio: 1.0},
			// Seeding must continue during an emergency, so new transfers
			// stay allowed; only paid spending stops.
			wantNew:    true,
			wantPaid:   false,
			wantReason: ReasonRatioEmergency,
		},
		{
			name:       "ratio_emergency_below_floor",
			snapshot:   models.RatioSnapshot{CurrentRatio: 0.95},
			wantNew:    true,
			wantPaid:   false,
			wantReason: ReasonRatioEmergency,
		},
		{
			name:       "membership_overrides_healthy_ratio",
			snapshot:   models.RatioSnapshot{CurrentRatio: 1.5, MembershipAtRisk: true},
			wantNew:    true,
			wantPaid:   false,
			wantReason: ReasonMembershipAtRisk,
		},
		{
			name:       "membership_overrides_ratio_emergency",
			snapshot:   models.RatioSnapshot{CurrentRatio: 0.5, MembershipAtRisk: true},
			wantNew:    true,
			wantPaid:   false,
			wantReason: ReasonMembershipAtRisk,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestController(t, staticSource(tt.snapshot))
			c.sample(context.Background())

			decision := c.Decision()
			assert.Equal(t, tt.wantNew, decision.AllowNewTransfers)
			assert.Equal(t, tt.wantPaid, decision.AllowPaidAcquisitions)
			assert.Equal(t, tt.wantReason, decision.Reason)
		})
	}
}

func TestBudgetFloorMarksMembershipAtRisk(t *testing.T) {
	c := NewController(Config{SampleInterval: time.Minute, RatioFloor: 1.0, BudgetFloor: 500},
		staticSource(models.RatioSnapshot{CurrentRatio: 2.0, MembershipBudget: 400}), nil)
	c.sample(context.Background())

	decision := c.Decision()
	assert.False(t, decision.AllowPaidAcquisitions)
	assert.Equal(t, ReasonMembershipAtRisk, decision.Reason)
}

func TestRecoveryIsImmediate(t *testing.T) {
	current := models.RatioSnapshot{CurrentRatio: 0.9}
	source := SourceFunc(func(ctx context.Context) (models.RatioSnapshot, error) {
		return current, nil
	})

	c := newTestController(t, source)
	c.sample(context.Background())
	require.Equal(t, ReasonRatioEmergency, c.Decision().Reason)

	// No hysteresis: the first healthy sample reverts to normal.
	current = models.RatioSnapshot{CurrentRatio: 1.2}
	c.sample(context.Background())
	decision := c.Decision()
	assert.Equal(t, ReasonNormal, decision.Reason)
	assert.True(t, decision.AllowPaidAcquisitions)
}

func TestSetThresholdsReEvaluatesImmediately(t *testing.T) {
	c := newTestController(t, staticSource(models.RatioSnapshot{CurrentRatio: 1.2}))
	c.sample(context.Background())
	require.Equal(t, ReasonNormal, c.Decision().Reason)

	waiter := c.NextSample()

	// Raising the floor above the current ratio flips the decision without
	// waiting for the next sample, and releases parked waiters.
	c.SetThresholds(1.5, 0)

	decision := c.Decision()
	assert.Equal(t, ReasonRatioEmergency, decision.Reason)
	assert.False(t, decision.AllowPaidAcquisitions)

	select {
	case <-waiter:
	case <-time.After(time.Second):
		t.Fatal("waiter not released after threshold change")
	}
}

func TestFailedSampleKeepsPreviousDecision(t *testing.T) {
	healthy := true
	source := SourceFunc(func(ctx context.Context) (models.RatioSnapshot, error) {
		if !healthy {
			return models.RatioSnapshot{}, errors.New("signal source unavailable")
		}
		return models.RatioSnapshot{CurrentRatio: 1.5}, nil
	})

	c := newTestController(t, source)
	c.sample(context.Background())
	require.Equal(t, ReasonNormal, c.Decision().Reason)

	healthy = false
	c.sample(context.Background())

	decision := c.Decision()
	assert.Equal(t, ReasonNormal, decision.Reason)
	assert.True(t, decision.AllowPaidAcquisitions)
}

func TestNextSampleBroadcast(t *testing.T) {
	c := newTestController(t, staticSource(models.RatioSnapshot{CurrentRatio: 1.5}))

	waiter := c.NextSample()
	select {
	case <-waiter:
		t.Fatal("channel closed before any sample")
	default:
	}

	c.sample(context.Background())

	select {
	case <-waiter:
	case <-time.After(time.Second):
		t.Fatal("waiter not released after sample")
	}

	// The next generation of waiters parks on a fresh channel.
	select {
	case <-c.NextSample():
		t.Fatal("fresh waiter channel already closed")
	default:
	}
}

func TestSeedingAdvisorNotifiedOnRatioEmergency(t *testing.T) {
	c := newTestController(t, staticSource(models.RatioSnapshot{CurrentRatio: 0.8}))

	notified := make(chan Decision, 1)
	c.RegisterSeedingAdvisor(func(d Decision) {
		notified <- d
	})

	c.sample(context.Background())

	select {
	case d := <-notified:
		assert.Equal(t, ReasonRatioEmergency, d.Reason)
	case <-time.After(time.Second):
		t.Fatal("seeding advisor was not notified")
	}
}

func TestControllerSeedsFromPersistedSnapshot(t *testing.T) {
	db, err := database.New(filepath.Join(t.TempDir(), "audiarr.db"))
	require.NoError(t, err)
	defer db.Close()

	store := models.NewRatioSnapshotStore(db)
	require.NoError(t, store.Save(context.Background(), models.RatioSnapshot{
		CurrentRatio:     1.4,
		MembershipAtRisk: true,
		SampledAt:        time.Now().UTC(),
	}))

	c := NewController(Config{SampleInterval: time.Minute, RatioFloor: 1.0},
		staticSource(models.RatioSnapshot{}), store)

	// A membership emergency in effect when the process died survives the
	// restart without waiting for a fresh sample.
	decision := c.Decision()
	assert.Equal(t, ReasonMembershipAtRisk, decision.Reason)
	assert.False(t, decision.AllowPaidAcquisitions)

	state, ok := c.State()
	require.True(t, ok)
	assert.InDelta(t, 1.4, state.CurrentRatio, 0.0001)
	assert.True(t, state.MembershipAtRisk)
}

func TestSamplePersistsSnapshot(t *testing.T) {
	db, err := database.New(filepath.Join(t.TempDir(), "audiarr.db"))
	require.NoError(t, err)
	defer db.Close()

	store := models.NewRatioSnapshotStore(db)

	// Stale history from a long-dead process is pruned on the next sample.
	require.NoError(t, store.Save(context.Background(), models.RatioSnapshot{
		CurrentRatio: 0.3,
		SampledAt:    time.Now().UTC().Add(-30 * 24 * time.Hour),
	}))

	c := NewController(Config{SampleInterval: time.Minute, RatioFloor: 1.0},
		staticSource(models.RatioSnapshot{CurrentRatio: 2.5, MembershipBudget: 1200}), store)

	c.sample(context.Background())

	latest, err := store.Latest(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 2.5, latest.CurrentRatio, 0.0001)
	assert.Equal(t, int64(1200), latest.MembershipBudget)

	var count int
	require.NoError(t, db.QueryRowContext(context.Background(), `SELECT COUNT(1) FROM ratio_snapshots`).Scan(&count))
	assert.Equal(t, 1, count)
}
