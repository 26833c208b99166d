// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package ratio implements admission control over the shared upload/download
// budget. A single background loop samples the budget signal and publishes an
// immutable snapshot; every job reads that snapshot before starting a
// transfer. Membership protection outranks everything else.
package ratio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/audiarr/internal/models"
)

type Reason string

const (
	ReasonNormal           Reason = "normal"
	ReasonRatioEmergency   Reason = "ratio-emergency"
	ReasonMembershipAtRisk Reason = "membership-at-risk"
)

// Decision is the system-wide permission state for starting transfers.
type Decision struct {
	AllowNewTransfers     bool      `json:"allowNewTransfers"`
	AllowPaidAcquisitions bool      `json:"allowPaidAcquisitions"`
	Reason                Reason    `json:"reason"`
	SampledAt             time.Time `json:"sampledAt"`
}

// Source supplies the raw ratio/budget signal once per sampling interval.
type Source interface {
	Sample(ctx context.Context) (models.RatioSnapshot, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) (models.RatioSnapshot, error)

func (f SourceFunc) Sample(ctx context.Context) (models.RatioSnapshot, error) {
	return f(ctx)
}

type Config struct {
	SampleInterval time.Duration
	// Ratio at or below this value is an emergency.
	RatioFloor float64
	// Budget at or below this value marks membership at risk, in addition to
	// any explicit at-risk flag from the source.
	BudgetFloor int64
}

// Snapshots past the first are diagnostics, not state; a week is plenty.
const snapshotRetention = 7 * 24 * time.Hour

func DefaultConfig() Config {
	return Config{
		SampleInterval: 3 * time.Minute,
		RatioFloor:     1.0,
		BudgetFloor:    0,
	}
}

type snapshot struct {
	state    models.RatioSnapshot
	decision Decision
}

// Controller is the single writer of the admission snapshot. Jobs read it via
// an atomic load; staleness up to one sampling interval is by contract.
type Controller struct {
	cfgMu  sync.RWMutex
	cfg    Config
	source Source
	store  *models.RatioSnapshotStore

	current atomic.Pointer[snapshot]

	// advisors receive the side-channel nudge on a ratio emergency.
	advisorsMu sync.RWMutex
	advisors   []func(Decision)

	// waiters holds the broadcast channel closed on each publish.
	waitersMu sync.Mutex
	waiters   chan struct{}
}

func NewController(cfg Config, source Source, store *models.RatioSnapshotStore) *Controller {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultConfig().SampleInterval
	}

	c := &Controller{
		cfg:     cfg,
		source:  source,
		store:   store,
		waiters: make(chan struct{}),
	}

	// Seed from the last persisted sample so a restart does not forget a
	// membership emergency that was in effect when the process died.
	if store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if last, err := store.Latest(ctx); err == nil {
			c.current.Store(&snapshot{state: *last, decision: c.decide(*last)})
		}
	}

	return c
}

// SetThresholds swaps the ratio and budget floors, re-evaluating the current
// snapshot so a tightened floor takes effect without waiting for the next
// sample. The sampling interval is fixed at construction.
func (c *Controller) SetThresholds(ratioFloor float64, budgetFloor int64) {
	c.cfgMu.Lock()
	c.cfg.RatioFloor = ratioFloor
	c.cfg.BudgetFloor = budgetFloor
	c.cfgMu.Unlock()

	if snap := c.current.Load(); snap != nil {
		c.current.Store(&snapshot{state: snap.state, decision: c.decide(snap.state)})
		c.broadcast()
	}
}

// RegisterSeedingAdvisor adds a side-channel consumer notified (without
// blocking the control loop) whenever a sample lands in ratio emergency.
func (c *Controller) RegisterSeedingAdvisor(fn func(Decision)) {
	c.advisorsMu.Lock()
	defer c.advisorsMu.Unlock()
	c.advisors = append(c.advisors, fn)
}

// Start runs an immediate sample, then the periodic loop.
func (c *Controller) Start(ctx context.Context) {
	c.sample(ctx)

	go func() {
		ticker := time.NewTicker(c.cfg.SampleInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sample(ctx)
			}
		}
	}()
}

func (c *Controller) sample(ctx context.Context) {
	state, err := c.source.Sample(ctx)
	if err != nil {
		// Keep the previous snapshot; a failed sample must not flap the
		// decision. Consumers tolerate staleness of one interval, and the
		// persisted seed covers the cold-start case.
		log.Warn().Err(err).Msg("Ratio sample failed, keeping previous admission decision")
		return
	}
	state.SampledAt = time.Now().UTC()

	decision := c.decide(state)
	c.current.Store(&snapshot{state: state, decision: decision})

	if c.store != nil {
		if err := c.store.Save(ctx, state); err != nil {
			log.Error().Err(err).Msg("Failed to persist ratio snapshot")
		}
		if err := c.store.Prune(ctx, snapshotRetention); err != nil {
			log.Warn().Err(err).Msg("Failed to prune old ratio snapshots")
		}
	}

	log.Debug().
		Float64("ratio", state.CurrentRatio).
		Int64("budget", state.MembershipBudget).
		Bool("membershipAtRisk", state.MembershipAtRisk).
		Str("reason", string(decision.Reason)).
		Msg("Published admission decision")

	if decision.Reason == ReasonRatioEmergency {
		c.notifyAdvisors(decision)
	}

	c.broadcast()
}

// decide applies the escalation ladder. Membership protection overrides
// everything: no paid acquisition may proceed while the tier is at risk, no
// matter how healthy the ratio looks.
func (c *Controller) decide(state models.RatioSnapshot) Decision {
	c.cfgMu.RLock()
	ratioFloor, budgetFloor := c.cfg.RatioFloor, c.cfg.BudgetFloor
	c.cfgMu.RUnlock()

	d := Decision{
		AllowNewTransfers:     true,
		AllowPaidAcquisitions: true,
		Reason:                ReasonNormal,
		SampledAt:             state.SampledAt,
	}

	if state.CurrentRatio <= ratioFloor {
		// Seeding must continue or increase during a ratio emergency, so new
		// transfers stay allowed; only paid spending stops.
		d.AllowPaidAcquisitions = false
		d.Reason = ReasonRatioEmergency
	}

	if state.MembershipAtRisk || (budgetFloor > 0 && state.MembershipBudget <= budgetFloor) {
		d.AllowPaidAcquisitions = false
		d.Reason = ReasonMembershipAtRisk
	}

	return d
}

// Decision returns the latest published decision. Before any sample exists it
// is conservative: nothing new starts until the signal has been read once.
func (c *Controller) Decision() Decision {
	if snap := c.current.Load(); snap != nil {
		return snap.decision
	}
	return Decision{
		AllowNewTransfers:     false,
		AllowPaidAcquisitions: false,
		Reason:                ReasonRatioEmergency,
	}
}

// State returns the latest raw snapshot, or false before the first sample.
func (c *Controller) State() (models.RatioSnapshot, bool) {
	if snap := c.current.Load(); snap != nil {
		return snap.state, true
	}
	return models.RatioSnapshot{}, false
}

// NextSample returns a channel closed when the next sample is published.
// Jobs parked in awaiting-admission select on it instead of polling.
func (c *Controller) NextSample() <-chan struct{} {
	c.waitersMu.Lock()
	defer c.waitersMu.Unlock()
	return c.waiters
}

func (c *Controller) broadcast() {
	c.waitersMu.Lock()
	close(c.waiters)
	c.waiters = make(chan struct{})
	c.waitersMu.Unlock()
}

func (c *Controller) notifyAdvisors(d Decision) {
	c.advisorsMu.RLock()
	advisors := append([]func(Decision){}, c.advisors...)
	c.advisorsMu.RUnlock()

	for _, fn := range advisors {
		go fn(d)
	}
}
