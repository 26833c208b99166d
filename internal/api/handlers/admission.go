// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/autobrr/audiarr/internal/models"
	"github.com/autobrr/audiarr/internal/ratio"
)

type AdmissionHandler struct {
	controller *ratio.Controller
}

func NewAdmissionHandler(controller *ratio.Controller) *AdmissionHandler {
	return &AdmissionHandler{controller: controller}
}

type admissionResponse struct {
	Decision ratio.Decision        `json:"decision"`
	State    *models.RatioSnapshot `json:"state,omitempty"`
}

// Get returns the latest admission decision and, once a sample exists, the
// raw ratio snapshot behind it. Seeding-management collaborators poll this.
func (h *AdmissionHandler) Get(w http.ResponseWriter, r *http.Request) {
	resp := admissionResponse{Decision: h.controller.Decision()}
	if state, ok := h.controller.State(); ok {
		resp.State = &state
	}

	RespondJSON(w, http.StatusOK, resp)
}
