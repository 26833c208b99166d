// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/audiarr/internal/database"
	"github.com/autobrr/audiarr/internal/models"
	"github.com/autobrr/audiarr/internal/ratio"
	"github.com/autobrr/audiarr/internal/selector"
	"github.com/autobrr/audiarr/internal/transfer"
	"github.com/autobrr/audiarr/internal/verify"
)

type fakeSubmitter struct {
	mu     sync.Mutex
	queued bool
	calls  []models.OperationPayload
}

func (s *fakeSubmitter) Submit(ctx context.Context, payload models.OperationPayload) (transfer.SubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, payload)

	if s.queued {
		return transfer.SubmitResult{Status: transfer.SubmitQueued, OperationID: "op-1"}, nil
	}
	return transfer.SubmitResult{Status: transfer.SubmitAccepted, EndpointID: "primary-1"}, nil
}

func (s *fakeSubmitter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *fakeSubmitter) call(i int) models.OperationPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[i]
}

type fakeAdmission struct {
	mu       sync.Mutex
	decision ratio.Decision
	next     chan struct{}
}

func newFakeAdmission(decision ratio.Decision) *fakeAdmission {
	return &fakeAdmission{
		decision: decision,
		next:     make(chan struct{}),
	}
}

func (a *fakeAdmission) Decision() ratio.Decision {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.decision
}

func (a *fakeAdmission) NextSample() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

func (a *fakeAdmission) publish(decision ratio.Decision) {
	a.mu.Lock()
	a.decision = decision
	close(a.next)
	a.next = make(chan struct{})
	a.mu.Unlock()
}

type fakeVerifier struct {
	mu   sync.Mutex
	fail map[string]bool
}

func (v *fakeVerifier) Verify(ctx context.Context, candidate models.CandidateRelease, manifest verify.FileManifest) verify.Result {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.fail[candidate.ID] {
		return verify.Result{
			Passed: false,
			Issues: []verify.Issue{{Dimension: "total-size", Expected: "100", Actual: "42"}},
		}
	}
	return verify.Result{Passed: true}
}

var (
	allowAll = ratio.Decision{AllowNewTransfers: true, AllowPaidAcquisitions: true, Reason: ratio.ReasonNormal}
	noPaid   = ratio.Decision{AllowNewTransfers: true, AllowPaidAcquisitions: false, Reason: ratio.ReasonRatioEmergency}
	blockAll = ratio.Decision{AllowNewTransfers: false, AllowPaidAcquisitions: false, Reason: ratio.ReasonRatioEmergency}
)

type fixture struct {
	orch      *Orchestrator
	store     *models.JobStore
	submitter *fakeSubmitter
	admission *fakeAdmission
	verifier  *fakeVerifier
}

func newFixture(t *testing.T, cfg Config, decision ratio.Decision) *fixture {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "audiarr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		store:     models.NewJobStore(db),
		submitter: &fakeSubmitter{},
		admission: newFakeAdmission(decision),
		verifier:  &fakeVerifier{fail: map[string]bool{}},
	}
	f.orch = New(cfg, f.store, f.submitter, f.verifier, f.admission)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		f.orch.Wait()
	})
	require.NoError(t, f.orch.Start(ctx))

	return f
}

func (f *fixture) waitState(t *testing.T, jobID string, state models.JobState) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := f.store.Get(context.Background(), jobID)
		return err == nil && job.State == state
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached state %s", jobID, state)
}

func (f *fixture) waitSubmissions(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.submitter.callCount() >= n
	}, 5*time.Second, 10*time.Millisecond, "never saw %d submissions", n)
}

func freeCandidate(id string) models.CandidateRelease {
	bitrate := 128
	return models.CandidateRelease{
		ID:           id,
		Title:        "Project Hail Mary",
		Author:       "Andy Weir",
		BitrateKbps:  &bitrate,
		Abridged:     models.AbridgementUnabridged,
		Container:    models.ContainerSingleFileChaptered,
		PriceTier:    models.PriceTierFree,
		Locator:      "magnet:?xt=urn:btih:" + id,
		DiscoveredAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

func paidCandidate(id string) models.CandidateRelease {
	c := freeCandidate(id)
	c.PriceTier = models.PriceTierPaid
	// Outranks any free sibling so only the admission gate can reorder them.
	c.PopularitySignal = 1000
	return c
}

func manifest() verify.FileManifest {
	return verify.FileManifest{Files: []verify.FileEntry{{Path: "book.m4b", SizeBytes: 1000, Audio: true}}}
}

func TestHappyPathCompletesWithZeroRetries(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 3}, allowAll)

	job, err := f.orch.CreateJob(context.Background(), "weir-hail-mary", []models.CandidateRelease{freeCandidate("cand-1")})
	require.NoError(t, err)

	f.waitSubmissions(t, 1)
	assert.Equal(t, "cand-1", f.submitter.call(0).CandidateID)
	require.NoError(t, f.orch.TransferCompleted(context.Background(), job.ID, manifest()))

	f.waitState(t, job.ID, models.JobStateCompleted)

	got, err := f.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Zero(t, got.RetryCount)
	assert.Nil(t, got.LastError)
}

func TestVerificationFailureRetriesNextCandidate(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 3}, allowAll)
	f.verifier.fail["cand-1"] = true

	a := freeCandidate("cand-1")
	a.PopularitySignal = 10 // ranks first until excluded
	b := freeCandidate("cand-2")

	job, err := f.orch.CreateJob(context.Background(), "weir-hail-mary", []models.CandidateRelease{a, b})
	require.NoError(t, err)

	f.waitSubmissions(t, 1)
	require.Equal(t, "cand-1", f.submitter.call(0).CandidateID)
	require.NoError(t, f.orch.TransferCompleted(context.Background(), job.ID, manifest()))

	f.waitSubmissions(t, 2)
	require.Equal(t, "cand-2", f.submitter.call(1).CandidateID)
	require.NoError(t, f.orch.TransferCompleted(context.Background(), job.ID, manifest()))

	f.waitState(t, job.ID, models.JobStateCompleted)

	got, err := f.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, []string{"cand-1"}, got.ExcludedCandidateIDs)
}

func TestRetryBoundForcesFailed(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 1}, allowAll)

	candidates := []models.CandidateRelease{
		freeCandidate("cand-1"),
		freeCandidate("cand-2"),
		freeCandidate("cand-3"),
	}
	for _, c := range candidates {
		f.verifier.fail[c.ID] = true
	}

	job, err := f.orch.CreateJob(context.Background(), "weir-hail-mary", candidates)
	require.NoError(t, err)

	// maxRetries+1 selection attempts, never more.
	f.waitSubmissions(t, 1)
	require.NoError(t, f.orch.TransferCompleted(context.Background(), job.ID, manifest()))
	f.waitSubmissions(t, 2)
	require.NoError(t, f.orch.TransferCompleted(context.Background(), job.ID, manifest()))

	f.waitState(t, job.ID, models.JobStateFailed)
	assert.Equal(t, 2, f.submitter.callCount())

	got, err := f.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "total-size")
}

func TestAllCandidatesExcludedIsExhausted(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 5}, allowAll)
	f.verifier.fail["cand-1"] = true

	job, err := f.orch.CreateJob(context.Background(), "weir-hail-mary", []models.CandidateRelease{freeCandidate("cand-1")})
	require.NoError(t, err)

	f.waitSubmissions(t, 1)
	require.NoError(t, f.orch.TransferCompleted(context.Background(), job.ID, manifest()))

	f.waitState(t, job.ID, models.JobStateExhausted)
}

func TestRatioEmergencyBlocksPaidOnlyJob(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 3}, noPaid)

	job, err := f.orch.CreateJob(context.Background(), "weir-hail-mary", []models.CandidateRelease{paidCandidate("cand-paid")})
	require.NoError(t, err)

	f.waitState(t, job.ID, models.JobStateAwaitingAdmission)
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, f.submitter.callCount())

	// Ratio recovers on the next sample; the paid candidate proceeds.
	f.admission.publish(allowAll)

	f.waitSubmissions(t, 1)
	assert.Equal(t, "cand-paid", f.submitter.call(0).CandidateID)
}

func TestPaidBlockDegradesToFreeCandidate(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 3}, noPaid)

	job, err := f.orch.CreateJob(context.Background(), "weir-hail-mary", []models.CandidateRelease{
		paidCandidate("cand-paid"),
		freeCandidate("cand-free"),
	})
	require.NoError(t, err)

	f.waitSubmissions(t, 1)
	assert.Equal(t, "cand-free", f.submitter.call(0).CandidateID)

	require.NoError(t, f.orch.TransferCompleted(context.Background(), job.ID, manifest()))
	f.waitState(t, job.ID, models.JobStateCompleted)
}

func TestLateCandidateUnblocksWaitingJob(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 3}, noPaid)

	job, err := f.orch.CreateJob(context.Background(), "weir-hail-mary", []models.CandidateRelease{paidCandidate("cand-paid")})
	require.NoError(t, err)

	f.waitState(t, job.ID, models.JobStateAwaitingAdmission)

	require.NoError(t, f.orch.AddCandidate(context.Background(), job.ID, freeCandidate("cand-late")))

	f.waitSubmissions(t, 1)
	assert.Equal(t, "cand-late", f.submitter.call(0).CandidateID)
}

func TestLateCandidateRefusedAfterTransferStarts(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 3}, allowAll)

	job, err := f.orch.CreateJob(context.Background(), "weir-hail-mary", []models.CandidateRelease{freeCandidate("cand-1")})
	require.NoError(t, err)

	f.waitSubmissions(t, 1)
	f.waitState(t, job.ID, models.JobStateTransferring)

	err = f.orch.AddCandidate(context.Background(), job.ID, freeCandidate("cand-late"))
	assert.ErrorIs(t, err, ErrCandidatesClosed)
}

func TestQueuedSubmissionRequeuesJob(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 3}, allowAll)
	f.submitter.queued = true

	job, err := f.orch.CreateJob(context.Background(), "weir-hail-mary", []models.CandidateRelease{freeCandidate("cand-1")})
	require.NoError(t, err)

	f.waitSubmissions(t, 1)
	f.waitState(t, job.ID, models.JobStateAwaitingAdmission)

	// The job parks until the next sample instead of hammering submissions.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, f.submitter.callCount())

	// Endpoints recover; the next sample resubmits and the job proceeds.
	f.submitter.mu.Lock()
	f.submitter.queued = false
	f.submitter.mu.Unlock()
	f.admission.publish(allowAll)

	f.waitSubmissions(t, 2)
	f.waitState(t, job.ID, models.JobStateTransferring)
}

func TestTransferStallRequeues(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 3}, allowAll)

	job, err := f.orch.CreateJob(context.Background(), "weir-hail-mary", []models.CandidateRelease{freeCandidate("cand-1")})
	require.NoError(t, err)

	f.waitSubmissions(t, 1)
	f.waitState(t, job.ID, models.JobStateTransferring)

	require.NoError(t, f.orch.TransferStalled(context.Background(), job.ID))
	f.waitSubmissions(t, 2)

	require.NoError(t, f.orch.TransferCompleted(context.Background(), job.ID, manifest()))
	f.waitState(t, job.ID, models.JobStateCompleted)
}

func TestCancelWaitingJob(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 3}, blockAll)

	job, err := f.orch.CreateJob(context.Background(), "weir-hail-mary", []models.CandidateRelease{freeCandidate("cand-1")})
	require.NoError(t, err)

	f.waitState(t, job.ID, models.JobStateAwaitingAdmission)
	require.NoError(t, f.orch.Cancel(job.ID))

	f.waitState(t, job.ID, models.JobStateCancelled)
	assert.Zero(t, f.submitter.callCount())

	// Terminal jobs reject further events.
	err = f.orch.TransferCompleted(context.Background(), job.ID, manifest())
	assert.ErrorIs(t, err, ErrJobNotRunning)
}

func TestShutdownKeepsJobsResumable(t *testing.T) {
	db, err := database.New(filepath.Join(t.TempDir(), "audiarr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := models.NewJobStore(db)

	submitter := &fakeSubmitter{}
	orch := New(Config{MaxRetries: 3}, store, submitter, &fakeVerifier{}, newFakeAdmission(blockAll))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, orch.Start(ctx))

	job, err := orch.CreateJob(context.Background(), "weir-hail-mary", []models.CandidateRelease{freeCandidate("cand-1")})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := store.Get(context.Background(), job.ID)
		return err == nil && got.State == models.JobStateAwaitingAdmission
	}, 5*time.Second, 10*time.Millisecond)

	// Graceful shutdown cancels the root context and drains the job loops.
	cancel()
	orch.Wait()

	// The job keeps its last recorded state instead of being cancelled.
	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateAwaitingAdmission, got.State)

	// A fresh process resumes it and drives it to completion.
	resumed := New(Config{MaxRetries: 3}, store, submitter, &fakeVerifier{}, newFakeAdmission(allowAll))
	ctx2, cancel2 := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel2()
		resumed.Wait()
	})
	require.NoError(t, resumed.Start(ctx2))

	require.Eventually(t, func() bool {
		return submitter.callCount() >= 1
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, resumed.TransferCompleted(context.Background(), job.ID, manifest()))

	require.Eventually(t, func() bool {
		got, err := store.Get(context.Background(), job.ID)
		return err == nil && got.State == models.JobStateCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStartResumesPersistedJobs(t *testing.T) {
	db, err := database.New(filepath.Join(t.TempDir(), "audiarr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := models.NewJobStore(db)
	interrupted := &models.AcquisitionJob{
		ID:                   "job-resume",
		WorkKey:              "weir-hail-mary",
		State:                models.JobStateAwaitingAdmission,
		ExcludedCandidateIDs: []string{},
		MaxRetries:           3,
		Candidates:           []models.CandidateRelease{freeCandidate("cand-1")},
	}
	require.NoError(t, store.Create(context.Background(), interrupted))

	submitter := &fakeSubmitter{}
	orch := New(Config{MaxRetries: 3}, store, submitter, &fakeVerifier{}, newFakeAdmission(allowAll))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		orch.Wait()
	})
	require.NoError(t, orch.Start(ctx))

	// The interrupted job picks up from awaiting-admission, not discovered.
	require.Eventually(t, func() bool {
		return submitter.callCount() >= 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, orch.TransferCompleted(context.Background(), "job-resume", verify.FileManifest{}))
	require.Eventually(t, func() bool {
		job, err := store.Get(context.Background(), "job-resume")
		return err == nil && job.State == models.JobStateCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestReacquireCompletedJob(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 3}, allowAll)

	job, err := f.orch.CreateJob(context.Background(), "weir-hail-mary", []models.CandidateRelease{freeCandidate("cand-1")})
	require.NoError(t, err)

	f.waitSubmissions(t, 1)
	require.NoError(t, f.orch.TransferCompleted(context.Background(), job.ID, manifest()))
	f.waitState(t, job.ID, models.JobStateCompleted)

	_, err = f.orch.Reacquire(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrJobNotFound)

	fresh, err := f.orch.Reacquire(context.Background(), job.ID)
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, fresh.ID)
	assert.Equal(t, job.WorkKey, fresh.WorkKey)

	f.waitSubmissions(t, 2)
	require.NoError(t, f.orch.TransferCompleted(context.Background(), fresh.ID, manifest()))
	f.waitState(t, fresh.ID, models.JobStateCompleted)

	// The original stays immutable in its terminal state.
	original, err := f.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCompleted, original.State)
}

func TestSetPreferencesAppliesToNextSelection(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 3}, blockAll)

	narrator := "Ray Porter"
	preferred := freeCandidate("cand-preferred")
	preferred.Narrator = &narrator

	other := freeCandidate("cand-other")
	other.PopularitySignal = 50

	job, err := f.orch.CreateJob(context.Background(), "weir-hail-mary", []models.CandidateRelease{other, preferred})
	require.NoError(t, err)
	f.waitState(t, job.ID, models.JobStateAwaitingAdmission)

	f.orch.SetPreferences(selector.Preferences{PreferredNarrators: []string{"Ray Porter"}})
	f.admission.publish(allowAll)

	f.waitSubmissions(t, 1)
	assert.Equal(t, "cand-preferred", f.submitter.call(0).CandidateID)
}
