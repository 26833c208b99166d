// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package orchestrator drives each acquisition job through its state machine:
// select a candidate, wait for admission, transfer, verify, and on failure
// loop back with the failed candidate excluded. One goroutine per job owns
// every transition, so transitions within a job are strictly sequential.
package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/autobrr/audiarr/internal/models"
	"github.com/autobrr/audiarr/internal/ratio"
	"github.com/autobrr/audiarr/internal/selector"
	"github.com/autobrr/audiarr/internal/transfer"
	"github.com/autobrr/audiarr/internal/verify"
)

var (
	ErrJobNotRunning   = errors.New("job is not running")
	ErrJobNotCompleted = errors.New("job has not completed")

	// ErrCandidatesClosed surfaces the store's candidate-window guard.
	ErrCandidatesClosed = models.ErrCandidatesClosed
)

// Submitter is the transfer-layer surface the orchestrator needs.
type Submitter interface {
	Submit(ctx context.Context, payload models.OperationPayload) (transfer.SubmitResult, error)
}

// Admission exposes the controller's published decision and its
// next-sample wakeup channel.
type Admission interface {
	Decision() ratio.Decision
	NextSample() <-chan struct{}
}

// Verifier checks a completed transfer against the candidate's declared
// attributes.
type Verifier interface {
	Verify(ctx context.Context, candidate models.CandidateRelease, manifest verify.FileManifest) verify.Result
}

type Config struct {
	MaxRetries             int
	MaxConcurrentTransfers int64
	Preferences            selector.Preferences
}

type eventKind int

const (
	eventTransferComplete eventKind = iota
	eventTransferStalled
)

type jobEvent struct {
	kind     eventKind
	manifest verify.FileManifest
}

// jobHandle is the orchestrator's side of a running job: external events go
// in through events, candidate additions nudge wake, cancel stops the loop.
// cancelled separates an operator cancel from process shutdown: both stop the
// loop, but only the former is a terminal outcome for the job.
type jobHandle struct {
	id        string
	cancel    context.CancelFunc
	cancelled atomic.Bool
	events    chan jobEvent
	wake      chan struct{}
	done      chan struct{}
}

func (h *jobHandle) nudge() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

type Orchestrator struct {
	cfg       Config
	jobs      *models.JobStore
	client    Submitter
	verifier  Verifier
	admission Admission

	// transferSlots bounds how many jobs may hold an active transfer at once.
	transferSlots *semaphore.Weighted

	// prefs is hot-reloadable from config without restarting job loops.
	prefs atomic.Pointer[selector.Preferences]

	handlesMu sync.Mutex
	handles   map[string]*jobHandle

	rootCtx context.Context
	wg      sync.WaitGroup
}

func New(cfg Config, jobs *models.JobStore, client Submitter, verifier Verifier, admission Admission) *Orchestrator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.MaxConcurrentTransfers <= 0 {
		cfg.MaxConcurrentTransfers = 4
	}

	o := &Orchestrator{
		cfg:           cfg,
		jobs:          jobs,
		client:        client,
		verifier:      verifier,
		admission:     admission,
		transferSlots: semaphore.NewWeighted(cfg.MaxConcurrentTransfers),
		handles:       make(map[string]*jobHandle),
	}
	o.prefs.Store(&cfg.Preferences)
	return o
}

// SetPreferences swaps the selection preferences. Jobs pick them up on their
// next selection pass.
func (o *Orchestrator) SetPreferences(prefs selector.Preferences) {
	o.prefs.Store(&prefs)
}

func (o *Orchestrator) preferences() selector.Preferences {
	return *o.prefs.Load()
}

// Start resumes every non-terminal job from its persisted state. Jobs that
// died mid-transfer pick up waiting for the completion event; everything else
// continues from wherever it stopped.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.rootCtx = ctx

	active, err := o.jobs.ListActive(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list active jobs")
	}

	for _, job := range active {
		o.launch(job)
	}

	if len(active) > 0 {
		log.Info().Int("count", len(active)).Msg("Resumed interrupted acquisition jobs")
	}

	return nil
}

// Wait blocks until every job loop has exited. Used during shutdown.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// CreateJob persists a new job for the work and starts driving it.
func (o *Orchestrator) CreateJob(ctx context.Context, workKey string, candidates []models.CandidateRelease) (*models.AcquisitionJob, error) {
	job := &models.AcquisitionJob{
		ID:                   uuid.NewString(),
		WorkKey:              workKey,
		Candidates:           candidates,
		ExcludedCandidateIDs: []string{},
		State:                models.JobStateDiscovered,
		MaxRetries:           o.cfg.MaxRetries,
	}

	if err := o.jobs.Create(ctx, job); err != nil {
		return nil, err
	}

	log.Info().
		Str("jobID", job.ID).
		Str("workKey", workKey).
		Int("candidates", len(candidates)).
		Msg("Created acquisition job")

	o.launch(job)
	return job, nil
}

// Reacquire starts a fresh job for a completed one's work, carrying the same
// candidate set with a cleared exclusion list. The completed job stays
// immutable; re-evaluating a finished work is always a new job.
func (o *Orchestrator) Reacquire(ctx context.Context, jobID string) (*models.AcquisitionJob, error) {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State != models.JobStateCompleted {
		return nil, ErrJobNotCompleted
	}

	return o.CreateJob(ctx, job.WorkKey, job.Candidates)
}

// Cancel stops a running job. The loop observes it at the next transition
// boundary and records the Cancelled terminal state; an in-flight transfer is
// left to the transfer service.
func (o *Orchestrator) Cancel(jobID string) error {
	h := o.handle(jobID)
	if h == nil {
		return ErrJobNotRunning
	}
	h.cancelled.Store(true)
	h.cancel()
	return nil
}

// AddCandidate attaches a late-discovered candidate. Only jobs still choosing
// (selecting or awaiting admission) accept new candidates; a candidate
// arriving during or after transfer is refused. The store enforces the state
// window atomically with the insert.
func (o *Orchestrator) AddCandidate(ctx context.Context, jobID string, candidate models.CandidateRelease) error {
	if err := o.jobs.AppendCandidate(ctx, jobID, candidate); err != nil {
		return err
	}

	log.Debug().
		Str("jobID", jobID).
		Str("candidateID", candidate.ID).
		Msg("Attached late candidate")

	// A new candidate may unblock a job parked on admission.
	if h := o.handle(jobID); h != nil {
		h.nudge()
	}
	return nil
}

// TransferCompleted delivers the completion event from the transfer monitor,
// carrying the manifest of files the transfer produced.
func (o *Orchestrator) TransferCompleted(ctx context.Context, jobID string, manifest verify.FileManifest) error {
	return o.deliver(ctx, jobID, jobEvent{kind: eventTransferComplete, manifest: manifest})
}

// TransferStalled delivers a stall/error signal; the job requeues its
// transfer rather than failing.
func (o *Orchestrator) TransferStalled(ctx context.Context, jobID string) error {
	return o.deliver(ctx, jobID, jobEvent{kind: eventTransferStalled})
}

func (o *Orchestrator) deliver(ctx context.Context, jobID string, ev jobEvent) error {
	h := o.handle(jobID)
	if h == nil {
		return ErrJobNotRunning
	}

	select {
	case h.events <- ev:
		return nil
	case <-h.done:
		return ErrJobNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) handle(jobID string) *jobHandle {
	o.handlesMu.Lock()
	defer o.handlesMu.Unlock()
	return o.handles[jobID]
}

func (o *Orchestrator) launch(job *models.AcquisitionJob) {
	ctx := o.rootCtx
	if ctx == nil {
		ctx = context.Background()
	}
	jobCtx, cancel := context.WithCancel(ctx)

	h := &jobHandle{
		id:     job.ID,
		cancel: cancel,
		events: make(chan jobEvent, 4),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	o.handlesMu.Lock()
	o.handles[job.ID] = h
	o.handlesMu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			close(h.done)
			o.handlesMu.Lock()
			delete(o.handles, job.ID)
			o.handlesMu.Unlock()
			cancel()
		}()
		o.run(jobCtx, job, h)
	}()
}

// run is the per-job driver loop. It is the only writer of this job's record;
// every iteration handles exactly one state and either transitions or parks
// on an event.
func (o *Orchestrator) run(ctx context.Context, job *models.AcquisitionJob, h *jobHandle) {
	// manifest survives the Transferring -> Verifying edge within one loop
	// pass. After a restart into Verifying it is empty and the loop waits for
	// the monitor to re-emit completion.
	var manifest *verify.FileManifest
	holdingSlot := false

	releaseSlot := func() {
		if holdingSlot {
			o.transferSlots.Release(1)
			holdingSlot = false
		}
	}
	defer releaseSlot()

	for {
		if ctx.Err() != nil {
			releaseSlot()
			// Only an operator cancel is terminal. On process shutdown the
			// job keeps its persisted state and resumes on the next start.
			if h.cancelled.Load() {
				o.finish(job, models.JobStateCancelled, nil)
			}
			return
		}

		switch job.State {
		case models.JobStateDiscovered:
			if !o.transition(job, models.JobStateSelecting) {
				return
			}

		case models.JobStateSelecting:
			if !o.reload(ctx, job) {
				return
			}

			ranking := selector.Select(job.Candidates, job.Excluded(), o.preferences())
			if ranking.NoCandidate() {
				o.finish(job, models.JobStateExhausted, nil)
				return
			}

			best := ranking.Best()
			job.ActiveCandidateID = &best.ID
			if !o.transition(job, models.JobStateAwaitingAdmission) {
				return
			}

		case models.JobStateAwaitingAdmission:
			// Wakeups can be stale, so the decision and ranking are
			// recomputed from scratch on every pass.
			if !o.reload(ctx, job) {
				return
			}

			ranking := selector.Select(job.Candidates, job.Excluded(), o.preferences())
			if ranking.NoCandidate() {
				o.finish(job, models.JobStateExhausted, nil)
				return
			}

			candidate, admitted := o.admit(job, ranking)
			if !admitted {
				o.park(ctx, h)
				continue
			}

			if err := o.transferSlots.Acquire(ctx, 1); err != nil {
				continue
			}
			holdingSlot = true

			token := uuid.NewString()
			job.ActiveCandidateID = &candidate.ID
			job.ActiveTransferID = &token
			if !o.transition(job, models.JobStateTransferring) {
				return
			}

			result, err := o.client.Submit(ctx, models.OperationPayload{
				JobID:            job.ID,
				WorkKey:          job.WorkKey,
				CandidateID:      candidate.ID,
				Locator:          candidate.Locator,
				IdempotencyToken: token,
			})
			if err != nil {
				// Only infrastructure failure (no endpoints configured, or
				// the fallback store itself broke) lands here. Requeue and
				// wait for the next sample rather than burning a retry.
				msg := err.Error()
				job.LastError = &msg
				releaseSlot()
				log.Error().Err(err).Str("jobID", job.ID).Msg("Transfer submit failed, requeueing")
				if !o.transition(job, models.JobStateAwaitingAdmission) {
					return
				}
				o.park(ctx, h)
				continue
			}

			if result.Status == transfer.SubmitQueued {
				// Every endpoint is down. The operation is durably parked;
				// the job goes back to waiting instead of failing. The
				// resubmit on the next sample is deduplicated downstream, so
				// it cannot race the reconciliation replay.
				releaseSlot()
				job.ActiveTransferID = nil
				log.Warn().
					Str("jobID", job.ID).
					Str("operationID", result.OperationID).
					Msg("Transfer queued for reconciliation, job requeued")
				if !o.transition(job, models.JobStateAwaitingAdmission) {
					return
				}
				o.park(ctx, h)
			}

		case models.JobStateTransferring:
			select {
			case <-ctx.Done():
				continue
			case ev := <-h.events:
				switch ev.kind {
				case eventTransferComplete:
					releaseSlot()
					manifest = &ev.manifest
					if !o.transition(job, models.JobStateVerifying) {
						return
					}
				case eventTransferStalled:
					releaseSlot()
					job.ActiveTransferID = nil
					log.Warn().Str("jobID", job.ID).Msg("Transfer stalled, job requeued")
					if !o.transition(job, models.JobStateAwaitingAdmission) {
						return
					}
				}
			}

		case models.JobStateVerifying:
			if manifest == nil {
				// Restarted mid-verify: the manifest died with the old
				// process. Park until the monitor re-emits completion.
				select {
				case <-ctx.Done():
					continue
				case ev := <-h.events:
					if ev.kind != eventTransferComplete {
						continue
					}
					manifest = &ev.manifest
				}
			}

			candidate, ok := activeCandidate(job)
			if !ok {
				msg := "active candidate missing from job record"
				job.LastError = &msg
				o.finish(job, models.JobStateFailed, nil)
				return
			}

			result := o.verifier.Verify(ctx, candidate, *manifest)
			manifest = nil

			if result.Passed {
				o.finish(job, models.JobStateCompleted, nil)
				return
			}

			summary := result.Summary()
			job.LastError = &summary
			job.ExcludedCandidateIDs = append(job.ExcludedCandidateIDs, candidate.ID)
			job.RetryCount++
			job.ActiveTransferID = nil
			job.ActiveCandidateID = nil
			log.Warn().
				Str("jobID", job.ID).
				Str("candidateID", candidate.ID).
				Int("retryCount", job.RetryCount).
				Str("issues", summary).
				Msg("Verification failed, candidate excluded")
			if !o.transition(job, models.JobStateVerificationFailed) {
				return
			}

		case models.JobStateVerificationFailed:
			if job.RetryCount > job.MaxRetries {
				o.finish(job, models.JobStateFailed, job.LastError)
				return
			}
			if !o.transition(job, models.JobStateSelecting) {
				return
			}

		default:
			log.Error().Str("jobID", job.ID).Str("state", string(job.State)).Msg("Job loop reached unexpected state")
			return
		}
	}
}

// park suspends a waiting job until the next admission sample, a candidate
// nudge, or cancellation.
func (o *Orchestrator) park(ctx context.Context, h *jobHandle) {
	select {
	case <-ctx.Done():
	case <-o.admission.NextSample():
	case <-h.wake:
	}
}

// admit applies the admission gate to the ranking. A blocked paid candidate
// degrades to the best non-paid one before the job gives up and parks.
func (o *Orchestrator) admit(job *models.AcquisitionJob, ranking selector.Ranking) (models.CandidateRelease, bool) {
	decision := o.admission.Decision()
	if !decision.AllowNewTransfers {
		return models.CandidateRelease{}, false
	}

	candidate := ranking.Best()
	if !candidate.IsPaid() || decision.AllowPaidAcquisitions {
		return candidate, true
	}

	if alt, ok := ranking.BestWhere(func(c models.CandidateRelease) bool { return !c.IsPaid() }); ok {
		log.Info().
			Str("jobID", job.ID).
			Str("paidCandidateID", candidate.ID).
			Str("candidateID", alt.ID).
			Str("reason", string(decision.Reason)).
			Msg("Paid candidate blocked by admission, degrading to free candidate")
		return alt, true
	}

	log.Debug().
		Str("jobID", job.ID).
		Str("reason", string(decision.Reason)).
		Msg("No admissible candidate, job waiting on next admission sample")
	return models.CandidateRelease{}, false
}

// reload refreshes the candidate list from storage so late additions are
// visible. Reports false when the loop must stop.
func (o *Orchestrator) reload(ctx context.Context, job *models.AcquisitionJob) bool {
	fresh, err := o.jobs.Get(ctx, job.ID)
	if err != nil {
		log.Error().Err(err).Str("jobID", job.ID).Msg("Failed to reload job")
		return false
	}
	job.Candidates = fresh.Candidates
	return true
}

// transition persists a state change. Reports false when the job cannot
// advance (record gone or already terminal), which stops the loop.
func (o *Orchestrator) transition(job *models.AcquisitionJob, to models.JobState) bool {
	from := job.State
	job.State = to

	if err := o.jobs.Update(context.Background(), job); err != nil {
		log.Error().Err(err).
			Str("jobID", job.ID).
			Str("from", string(from)).
			Str("to", string(to)).
			Msg("Failed to persist job transition")
		return false
	}

	log.Debug().
		Str("jobID", job.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Job transition")
	return true
}

// finish records a terminal state. Uses a background context so shutdown
// cancellation cannot lose the terminal write.
func (o *Orchestrator) finish(job *models.AcquisitionJob, state models.JobState, lastError *string) {
	if lastError != nil {
		job.LastError = lastError
	}
	from := job.State
	job.State = state

	if err := o.jobs.Update(context.Background(), job); err != nil {
		log.Error().Err(err).
			Str("jobID", job.ID).
			Str("state", string(state)).
			Msg("Failed to persist terminal job state")
		return
	}

	log.Info().
		Str("jobID", job.ID).
		Str("workKey", job.WorkKey).
		Str("from", string(from)).
		Str("state", string(state)).
		Int("retryCount", job.RetryCount).
		Msg("Job reached terminal state")
}

func activeCandidate(job *models.AcquisitionJob) (models.CandidateRelease, bool) {
	if job.ActiveCandidateID == nil {
		return models.CandidateRelease{}, false
	}
	for _, c := range job.Candidates {
		if c.ID == *job.ActiveCandidateID {
			return c, true
		}
	}
	return models.CandidateRelease{}, false
}
