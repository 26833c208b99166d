// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/autobrr/audiarr/internal/transfer"
)

type HealthHandler struct {
	client  *transfer.Client
	version string
}

func NewHealthHandler(client *transfer.Client, version string) *HealthHandler {
	return &HealthHandler{
		client:  client,
		version: version,
	}
}

type endpointHealth struct {
	ID      string                 `json:"id"`
	Role    transfer.Role          `json:"role"`
	Health  *transfer.HealthStatus `json:"health,omitempty"`
	Healthy bool                   `json:"healthy"`
}

type healthResponse struct {
	Status    string           `json:"status"`
	Version   string           `json:"version"`
	Endpoints []endpointHealth `json:"endpoints"`
}

// Check reports liveness plus the cached health of every transfer endpoint.
// Endpoint health here is the last probe result, not a fresh check.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Version:   h.version,
		Endpoints: []endpointHealth{},
	}

	for _, ep := range h.client.Endpoints() {
		health := ep.LastHealth()
		healthy := false
		if health != nil {
			healthy = health.Healthy()
		}
		resp.Endpoints = append(resp.Endpoints, endpointHealth{
			ID:      ep.ID,
			Role:    ep.Role,
			Health:  health,
			Healthy: healthy,
		})
	}

	RespondJSON(w, http.StatusOK, resp)
}
