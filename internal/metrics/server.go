// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// MetricsServer serves the Prometheus endpoint on its own listener, separate
// from the main API, optionally behind basic auth.
type MetricsServer struct {
	manager *MetricsManager
	host    string
	port    int

	// username -> password, parsed from "user:pass,user2:pass2".
	basicAuthUsers map[string]string
}

func NewMetricsServer(manager *MetricsManager, host string, port int, basicAuthUsers string) *MetricsServer {
	return &MetricsServer{
		manager:        manager,
		host:           host,
		port:           port,
		basicAuthUsers: parseBasicAuthUsers(basicAuthUsers),
	}
}

func parseBasicAuthUsers(raw string) map[string]string {
	users := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		username, password, ok := strings.Cut(pair, ":")
		if !ok || username == "" {
			log.Warn().Str("entry", pair).Msg("Ignoring malformed metrics basic auth entry")
			continue
		}
		users[username] = password
	}
	return users
}

func (s *MetricsServer) ListenAndServe() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.withBasicAuth(promhttp.HandlerFor(s.manager.GetRegistry(), promhttp.HandlerOpts{})))

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	log.Info().Str("addr", addr).Bool("basicAuth", len(s.basicAuthUsers) > 0).Msg("Starting metrics server")
	return server.ListenAndServe()
}

func (s *MetricsServer) withBasicAuth(next http.Handler) http.Handler {
	if len(s.basicAuthUsers) == 0 {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if ok {
			if expected, found := s.basicAuthUsers[username]; found {
				if subtle.ConstantTimeCompare([]byte(password), []byte(expected)) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			}
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="metrics"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
}
