// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/audiarr/internal/models"
	"github.com/autobrr/audiarr/internal/transfer"
)

type PendingOperationsHandler struct {
	pending *models.PendingOperationStore
	client  *transfer.Client
}

func NewPendingOperationsHandler(pending *models.PendingOperationStore, client *transfer.Client) *PendingOperationsHandler {
	return &PendingOperationsHandler{
		pending: pending,
		client:  client,
	}
}

func (h *PendingOperationsHandler) Routes(r chi.Router) {
	r.Route("/pending-operations", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/replay", h.Replay)
	})
}

// List exposes the durable fallback queue for operator inspection, resolved
// entries included.
func (h *PendingOperationsHandler) List(w http.ResponseWriter, r *http.Request) {
	ops, err := h.pending.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list pending operations")
		RespondError(w, http.StatusInternalServerError, "Failed to list pending operations")
		return
	}

	if ops == nil {
		ops = []*models.PendingOperation{}
	}
	RespondJSON(w, http.StatusOK, ops)
}

// Replay triggers an immediate reconciliation pass instead of waiting for the
// periodic one.
func (h *PendingOperationsHandler) Replay(w http.ResponseWriter, r *http.Request) {
	resolved, err := h.client.Replay(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("manual reconciliation pass failed")
		RespondError(w, http.StatusInternalServerError, "Reconciliation pass failed")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]int{"resolved": resolved})
}
