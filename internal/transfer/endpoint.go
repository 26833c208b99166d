// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package transfer

import (
	"sync"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"

	"github.com/autobrr/audiarr/internal/domain"
)

type Role string

const (
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
)

type ErrorKind string

const (
	ErrorKindNetworkUnreachable ErrorKind = "network-unreachable"
	ErrorKindAuthRejected       ErrorKind = "auth-rejected"
	ErrorKindRateLimited        ErrorKind = "rate-limited"
	ErrorKindUnknown            ErrorKind = "unknown"
)

// HealthStatus is the result of a single probe against an endpoint.
type HealthStatus struct {
	Reachable     bool      `json:"reachable"`
	Authenticated bool      `json:"authenticated"`
	ErrorKind     ErrorKind `json:"errorKind,omitempty"`
	CheckedAt     time.Time `json:"checkedAt"`
}

func (h HealthStatus) Healthy() bool {
	return h.Reachable && h.Authenticated
}

// Endpoint is one reachable instance of the transfer service. It wraps the
// qBittorrent client and caches the last health probe result.
type Endpoint struct {
	ID       string
	Role     Role
	Host     string
	Category string

	client *qbt.Client

	healthMu   sync.RWMutex
	lastHealth *HealthStatus
}

func NewEndpoint(cfg domain.EndpointConfig, timeout time.Duration) *Endpoint {
	role := RoleSecondary
	if cfg.Role == string(RolePrimary) {
		role = RolePrimary
	}

	client := qbt.NewClient(qbt.Config{
		Host:          cfg.Host,
		Username:      cfg.Username,
		Password:      cfg.Password,
		Timeout:       int(timeout.Seconds()),
		TLSSkipVerify: cfg.TLSSkipVerify,
	})

	return &Endpoint{
		ID:       cfg.Name,
		Role:     role,
		Host:     cfg.Host,
		Category: cfg.Category,
		client:   client,
	}
}

// EndpointsFromConfig builds endpoints in config order, primaries first.
// Config order is the failover order, so a primary listed after a secondary
// is still tried before it.
func EndpointsFromConfig(cfgs []domain.EndpointConfig, timeout time.Duration) []*Endpoint {
	var primaries, secondaries []*Endpoint
	for _, cfg := range cfgs {
		ep := NewEndpoint(cfg, timeout)
		if ep.Role == RolePrimary {
			primaries = append(primaries, ep)
		} else {
			secondaries = append(secondaries, ep)
		}
	}
	return append(primaries, secondaries...)
}

// LastHealth returns a copy of the cached health status, or nil if the
// endpoint has never been probed.
func (e *Endpoint) LastHealth() *HealthStatus {
	e.healthMu.RLock()
	defer e.healthMu.RUnlock()

	if e.lastHealth == nil {
		return nil
	}
	status := *e.lastHealth
	return &status
}

func (e *Endpoint) setHealth(status HealthStatus) {
	e.healthMu.Lock()
	defer e.healthMu.Unlock()
	e.lastHealth = &status
}
