// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package transfer

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/audiarr/internal/models"
)

var ErrNoEndpoints = errors.New("no transfer endpoints configured")

const (
	submitAttempts     = 2
	submitRetryBackoff = 2 * time.Second
)

type SubmitStatus string

const (
	SubmitAccepted SubmitStatus = "accepted"
	SubmitQueued   SubmitStatus = "queued"
)

// SubmitResult reports where an operation landed. Queued is a business
// outcome, not an error: the operation is durably parked for reconciliation.
type SubmitResult struct {
	Status      SubmitStatus
	EndpointID  string
	OperationID string
}

// Client submits transfer operations against an ordered endpoint chain with
// health-checked failover. Total exhaustion persists the operation instead of
// failing the caller.
type Client struct {
	endpoints []*Endpoint
	checker   *HealthChecker
	pending   *models.PendingOperationStore

	submitTimeout time.Duration

	replayMu sync.Mutex

	// submitFn is swapped in tests; the default performs the real add call.
	submitFn func(ctx context.Context, ep *Endpoint, payload models.OperationPayload) error
	// existsFn checks for an out-of-band duplicate before a replay resubmits.
	existsFn func(ctx context.Context, ep *Endpoint, payload models.OperationPayload) (bool, error)
}

func NewClient(endpoints []*Endpoint, checker *HealthChecker, pending *models.PendingOperationStore, submitTimeout time.Duration) *Client {
	if submitTimeout <= 0 {
		submitTimeout = 15 * time.Second
	}

	c := &Client{
		endpoints:     endpoints,
		checker:       checker,
		pending:       pending,
		submitTimeout: submitTimeout,
	}
	c.submitFn = c.addTorrent
	c.existsFn = c.torrentExists
	return c
}

func (c *Client) Endpoints() []*Endpoint {
	return c.endpoints
}

func (c *Client) addTorrent(ctx context.Context, ep *Endpoint, payload models.OperationPayload) error {
	options := map[string]string{
		"tags": "audiarr," + payload.IdempotencyToken,
	}
	category := payload.Category
	if category == "" {
		category = ep.Category
	}
	if category != "" {
		options["category"] = category
	}

	return ep.client.AddTorrentFromUrlCtx(ctx, payload.Locator, options)
}

func (c *Client) torrentExists(ctx context.Context, ep *Endpoint, payload models.OperationPayload) (bool, error) {
	hash := InfoHashFromLocator(payload.Locator)
	if hash == "" {
		return false, nil
	}

	torrents, err := ep.client.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{Hashes: []string{hash}})
	if err != nil {
		return false, err
	}
	return len(torrents) > 0, nil
}

// Submit walks the endpoint chain primary-first. Each endpoint gets a fresh
// health check, then a bounded retry against transient errors only. When the
// whole chain is down the operation is persisted and reported as Queued;
// endpoint-level failures never reach the caller individually.
func (c *Client) Submit(ctx context.Context, payload models.OperationPayload) (SubmitResult, error) {
	if len(c.endpoints) == 0 {
		return SubmitResult{}, ErrNoEndpoints
	}

	if payload.IdempotencyToken == "" {
		payload.IdempotencyToken = uuid.NewString()
	}

	var failures []string

	for _, ep := range c.endpoints {
		status := c.checker.Fresh(ctx, ep)
		if !status.Healthy() {
			failures = append(failures, fmt.Sprintf("%s: %s", ep.ID, status.ErrorKind))
			continue
		}

		if err := c.submitWithRetry(ctx, ep, payload); err != nil {
			kind := ClassifyError(err)
			failures = append(failures, fmt.Sprintf("%s: %s", ep.ID, kind))
			log.Warn().Err(err).
				Str("endpoint", ep.ID).
				Str("workKey", payload.WorkKey).
				Str("errorKind", string(kind)).
				Msg("Transfer submit failed on endpoint, trying next")
			continue
		}

		log.Info().
			Str("endpoint", ep.ID).
			Str("workKey", payload.WorkKey).
			Str("candidateID", payload.CandidateID).
			Msg("Transfer accepted")
		return SubmitResult{Status: SubmitAccepted, EndpointID: ep.ID}, nil
	}

	// A caller retrying through a long outage must not stack duplicate queue
	// rows; an unresolved operation for this job/candidate already covers it.
	if existing, err := c.pending.UnresolvedFor(ctx, payload.JobID, payload.CandidateID); err == nil {
		log.Debug().
			Str("operationID", existing.ID).
			Str("workKey", payload.WorkKey).
			Msg("Operation already queued for reconciliation, not re-queueing")
		return SubmitResult{Status: SubmitQueued, OperationID: existing.ID}, nil
	} else if !errors.Is(err, models.ErrPendingOperationNotFound) {
		return SubmitResult{}, errors.Wrap(err, "failed to check pending operations")
	}

	op := &models.PendingOperation{
		ID:      uuid.NewString(),
		Payload: payload,
		Reason:  strings.Join(failures, "; "),
	}
	if err := c.pending.Save(ctx, op); err != nil {
		return SubmitResult{}, errors.Wrap(err, "failed to persist pending operation")
	}

	log.Warn().
		Str("operationID", op.ID).
		Str("workKey", payload.WorkKey).
		Str("reason", op.Reason).
		Msg("All endpoints exhausted, operation queued for reconciliation")

	return SubmitResult{Status: SubmitQueued, OperationID: op.ID}, nil
}

func (c *Client) submitWithRetry(ctx context.Context, ep *Endpoint, payload models.OperationPayload) error {
	// The add call is idempotent downstream: re-adding an existing infohash
	// is a no-op for the transfer service, so a duplicate check first keeps
	// replays from racing live submissions.
	exists, err := c.existsFn(ctx, ep, payload)
	if err == nil && exists {
		log.Debug().
			Str("endpoint", ep.ID).
			Str("candidateID", payload.CandidateID).
			Msg("Transfer already present on endpoint, treating as accepted")
		return nil
	}

	return retry.Do(
		func() error {
			submitCtx, cancel := context.WithTimeout(ctx, c.submitTimeout)
			defer cancel()
			return c.submitFn(submitCtx, ep, payload)
		},
		retry.Attempts(submitAttempts),
		retry.Delay(submitRetryBackoff),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return transientKind(ClassifyError(err))
		}),
	)
}

// Replay re-attempts unresolved pending operations. It is idempotent and safe
// to run concurrently with live submissions: the duplicate check catches
// operations that succeeded out-of-band, and MarkResolved tolerates a second
// resolver. Returns the number of operations resolved this pass.
func (c *Client) Replay(ctx context.Context) (int, error) {
	c.replayMu.Lock()
	defer c.replayMu.Unlock()

	ops, err := c.pending.ListUnresolved(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list pending operations")
	}

	resolved := 0
	for _, op := range ops {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}

		if c.replayOne(ctx, op) {
			if err := c.pending.MarkResolved(ctx, op.ID); err != nil {
				log.Error().Err(err).Str("operationID", op.ID).Msg("Failed to mark pending operation resolved")
				continue
			}
			resolved++
		}
	}

	if resolved > 0 {
		log.Info().Int("resolved", resolved).Int("scanned", len(ops)).Msg("Reconciliation pass resolved pending operations")
	}

	return resolved, nil
}

func (c *Client) replayOne(ctx context.Context, op *models.PendingOperation) bool {
	for _, ep := range c.endpoints {
		status := c.checker.Fresh(ctx, ep)
		if !status.Healthy() {
			continue
		}

		if err := c.submitWithRetry(ctx, ep, op.Payload); err != nil {
			log.Debug().Err(err).
				Str("operationID", op.ID).
				Str("endpoint", ep.ID).
				Msg("Replay attempt failed on endpoint")
			continue
		}

		log.Info().
			Str("operationID", op.ID).
			Str("endpoint", ep.ID).
			Str("workKey", op.Payload.WorkKey).
			Msg("Replayed pending operation")
		return true
	}
	return false
}

// StartReconciliation launches the periodic replay loop.
func (c *Client) StartReconciliation(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.Replay(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Error().Err(err).Msg("Reconciliation pass failed")
				}
			}
		}
	}()
}

// TransferTotals reports lifetime upload/download byte counts from the first
// healthy endpoint. Used by admission control to derive the shared ratio.
func (c *Client) TransferTotals(ctx context.Context) (uploaded, downloaded int64, err error) {
	for _, ep := range c.endpoints {
		status := c.checker.Fresh(ctx, ep)
		if !status.Healthy() {
			continue
		}

		data, err := ep.client.SyncMainDataCtx(ctx, 0)
		if err != nil {
			log.Debug().Err(err).Str("endpoint", ep.ID).Msg("Failed to read transfer totals")
			continue
		}

		return data.ServerState.AlltimeUl, data.ServerState.AlltimeDl, nil
	}

	return 0, 0, errors.New("no healthy endpoint for transfer totals")
}

// ForceResumeStalledUploads force-starts stalled seeding torrents on every
// healthy endpoint. Invoked from the ratio-emergency advisory side channel.
func (c *Client) ForceResumeStalledUploads(ctx context.Context) {
	for _, ep := range c.endpoints {
		status := c.checker.Fresh(ctx, ep)
		if !status.Healthy() {
			continue
		}

		torrents, err := ep.client.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{Filter: qbt.TorrentFilterStalled})
		if err != nil {
			log.Debug().Err(err).Str("endpoint", ep.ID).Msg("Failed to list stalled torrents")
			continue
		}

		var hashes []string
		for _, t := range torrents {
			if t.State == qbt.TorrentStateStalledUp {
				hashes = append(hashes, t.Hash)
			}
		}
		if len(hashes) == 0 {
			continue
		}

		if err := ep.client.SetForceStartCtx(ctx, hashes, true); err != nil {
			log.Warn().Err(err).Str("endpoint", ep.ID).Int("count", len(hashes)).Msg("Failed to force-resume stalled uploads")
			continue
		}

		log.Info().Str("endpoint", ep.ID).Int("count", len(hashes)).Msg("Force-resumed stalled uploads")
	}
}

// InfoHashFromLocator extracts the btih infohash from a magnet locator, or
// returns "" when the locator carries none.
func InfoHashFromLocator(locator string) string {
	u, err := url.Parse(locator)
	if err != nil || u.Scheme != "magnet" {
		return ""
	}

	for _, xt := range u.Query()["xt"] {
		if rest, ok := strings.CutPrefix(xt, "urn:btih:"); ok && rest != "" {
			return strings.ToLower(rest)
		}
	}
	return ""
}
