// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package transfer

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultHealthStaleness  = 30 * time.Second
	defaultHealthTimeout    = 10 * time.Second
	defaultNetworkDialLimit = 3 * time.Second
)

// NetworkProbe answers "is this box online at all". It is consulted before an
// endpoint is blamed for an outage, so a dead uplink is not misattributed to
// the transfer service.
type NetworkProbe interface {
	Reachable(ctx context.Context) bool
}

// TCPProbe dials a network anchor (gateway, public resolver) with a short
// timeout.
type TCPProbe struct {
	Addr    string
	Timeout time.Duration
}

func (p TCPProbe) Reachable(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultNetworkDialLimit
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// HealthChecker probes transfer endpoints and caches results on the endpoint.
type HealthChecker struct {
	probe     NetworkProbe
	staleness time.Duration
	timeout   time.Duration

	// loginFn is swapped in tests; the default performs the authenticated
	// no-op call against the real endpoint.
	loginFn func(ctx context.Context, ep *Endpoint) error
}

func NewHealthChecker(probe NetworkProbe, staleness, timeout time.Duration) *HealthChecker {
	if staleness <= 0 {
		staleness = defaultHealthStaleness
	}
	if timeout <= 0 {
		timeout = defaultHealthTimeout
	}

	hc := &HealthChecker{
		probe:     probe,
		staleness: staleness,
		timeout:   timeout,
	}
	hc.loginFn = hc.authenticatedNoop
	return hc
}

func (hc *HealthChecker) authenticatedNoop(ctx context.Context, ep *Endpoint) error {
	if err := ep.client.LoginCtx(ctx); err != nil {
		return err
	}
	_, err := ep.client.GetWebAPIVersionCtx(ctx)
	return err
}

// Check performs a full probe: network anchor first, then an authenticated
// no-op against the endpoint. Expected failure classes never surface as
// errors; they are classified into the returned status.
func (hc *HealthChecker) Check(ctx context.Context, ep *Endpoint) HealthStatus {
	now := time.Now()

	if hc.probe != nil && !hc.probe.Reachable(ctx) {
		status := HealthStatus{
			Reachable: false,
			ErrorKind: ErrorKindNetworkUnreachable,
			CheckedAt: now,
		}
		ep.setHealth(status)
		log.Warn().Str("endpoint", ep.ID).Msg("Network anchor unreachable, skipping endpoint probe")
		return status
	}

	checkCtx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	if err := hc.loginFn(checkCtx, ep); err != nil {
		kind := ClassifyError(err)
		status := HealthStatus{
			Reachable:     kind != ErrorKindNetworkUnreachable,
			Authenticated: false,
			ErrorKind:     kind,
			CheckedAt:     now,
		}
		ep.setHealth(status)
		log.Debug().Err(err).Str("endpoint", ep.ID).Str("errorKind", string(kind)).Msg("Endpoint health check failed")
		return status
	}

	status := HealthStatus{
		Reachable:     true,
		Authenticated: true,
		CheckedAt:     now,
	}
	ep.setHealth(status)
	return status
}

// Fresh returns the cached status if it is within the staleness window,
// otherwise re-probes. A stale status is never trusted for a transfer
// decision.
func (hc *HealthChecker) Fresh(ctx context.Context, ep *Endpoint) HealthStatus {
	if cached := ep.LastHealth(); cached != nil && time.Since(cached.CheckedAt) < hc.staleness {
		return *cached
	}
	return hc.Check(ctx, ep)
}

// ClassifyError maps an endpoint error onto exactly one error kind.
// Classification is by message content, the same way the transfer service
// reports bans and throttles.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ""
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "429"):
		return ErrorKindRateLimited
	case strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "401") ||
		strings.Contains(msg, "403") ||
		strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "banned") ||
		strings.Contains(msg, "login") ||
		strings.Contains(msg, "authentication"):
		return ErrorKindAuthRejected
	case strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "network is unreachable") ||
		strings.Contains(msg, "connection reset"):
		return ErrorKindNetworkUnreachable
	default:
		return ErrorKindUnknown
	}
}

// transientKind reports whether a submit failure of this kind is worth an
// immediate bounded retry on the same endpoint. Auth rejections are not: the
// endpoint is unhealthy and the client should move on.
func transientKind(kind ErrorKind) bool {
	return kind == ErrorKindRateLimited || kind == ErrorKindNetworkUnreachable
}
