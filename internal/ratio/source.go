// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package ratio

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/audiarr/internal/models"
)

// TransferTotals reports lifetime upload/download bytes from the transfer
// layer. Implemented by the resilient transfer client.
type TransferTotals interface {
	TransferTotals(ctx context.Context) (uploaded, downloaded int64, err error)
}

// membershipStatus is the JSON shape the tracker-side budget endpoint
// returns.
type membershipStatus struct {
	BonusPoints int64 `json:"bonusPoints"`
	AtRisk      bool  `json:"atRisk"`
}

// MembershipClient polls the external budget/tier signal. The endpoint is
// optional: without one the membership dimension stays neutral and only the
// ratio ladder applies.
type MembershipClient struct {
	url        string
	userAgent  string
	httpClient *http.Client
}

func NewMembershipClient(url, userAgent string) *MembershipClient {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.RetryWaitMin = time.Second
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.HTTPClient.Timeout = 15 * time.Second
	retryClient.Logger = nil

	return &MembershipClient{
		url:        url,
		userAgent:  userAgent,
		httpClient: retryClient.StandardClient(),
	}
}

func (m *MembershipClient) fetch(ctx context.Context) (membershipStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, nil)
	if err != nil {
		return membershipStatus{}, err
	}
	req.Header.Set("User-Agent", m.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return membershipStatus{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return membershipStatus{}, fmt.Errorf("membership status returned %d", resp.StatusCode)
	}

	var status membershipStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return membershipStatus{}, errors.Wrap(err, "failed to decode membership status")
	}

	return status, nil
}

// NewTransferSource builds the production Source: ratio from the transfer
// layer's lifetime totals, membership budget from the optional tracker
// endpoint.
func NewTransferSource(totals TransferTotals, membership *MembershipClient) Source {
	return SourceFunc(func(ctx context.Context) (models.RatioSnapshot, error) {
		uploaded, downloaded, err := totals.TransferTotals(ctx)
		if err != nil {
			return models.RatioSnapshot{}, errors.Wrap(err, "failed to sample transfer totals")
		}

		snap := models.RatioSnapshot{}
		if downloaded > 0 {
			snap.CurrentRatio = float64(uploaded) / float64(downloaded)
		} else {
			// Nothing downloaded yet: the budget cannot be in danger.
			snap.CurrentRatio = 999
		}

		if membership != nil {
			status, err := membership.fetch(ctx)
			if err != nil {
				// A flaky tracker endpoint must not block admission
				// sampling; the ratio dimension still updates.
				log.Warn().Err(err).Msg("Membership status fetch failed, keeping dimension neutral")
			} else {
				snap.MembershipBudget = status.BonusPoints
				snap.MembershipAtRisk = status.AtRisk
			}
		}

		return snap, nil
	})
}
