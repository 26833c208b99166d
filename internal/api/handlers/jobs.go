// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/audiarr/internal/models"
	"github.com/autobrr/audiarr/internal/orchestrator"
	"github.com/autobrr/audiarr/internal/verify"
)

type JobsHandler struct {
	jobs         *models.JobStore
	orchestrator *orchestrator.Orchestrator
}

func NewJobsHandler(jobs *models.JobStore, orch *orchestrator.Orchestrator) *JobsHandler {
	return &JobsHandler{
		jobs:         jobs,
		orchestrator: orch,
	}
}

func (h *JobsHandler) Routes(r chi.Router) {
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", h.ListJobs)
		r.Post("/", h.CreateJob)

		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/", h.GetJob)
			r.Post("/cancel", h.CancelJob)
			r.Post("/candidates", h.AddCandidate)
			r.Post("/transfer-complete", h.TransferComplete)
			r.Post("/transfer-stalled", h.TransferStalled)
			r.Post("/reacquire", h.Reacquire)
		})
	})
}

type createJobRequest struct {
	WorkKey    string                    `json:"workKey"`
	Candidates []models.CandidateRelease `json:"candidates"`
}

func (h *JobsHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	if strings.TrimSpace(req.WorkKey) == "" {
		RespondError(w, http.StatusBadRequest, "workKey is required")
		return
	}
	if len(req.Candidates) == 0 {
		RespondError(w, http.StatusBadRequest, "At least one candidate is required")
		return
	}

	job, err := h.orchestrator.CreateJob(r.Context(), req.WorkKey, req.Candidates)
	if err != nil {
		log.Error().Err(err).Str("workKey", req.WorkKey).Msg("failed to create acquisition job")
		RespondError(w, http.StatusInternalServerError, "Failed to create job")
		return
	}

	RespondJSON(w, http.StatusCreated, job)
}

func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.jobs.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list jobs")
		RespondError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	if jobs == nil {
		jobs = []*models.AcquisitionJob{}
	}
	RespondJSON(w, http.StatusOK, jobs)
}

func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			RespondError(w, http.StatusNotFound, "Job not found")
			return
		}
		log.Error().Err(err).Msg("failed to get job")
		RespondError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	RespondJSON(w, http.StatusOK, job)
}

func (h *JobsHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	if err := h.orchestrator.Cancel(jobID); err != nil {
		if errors.Is(err, orchestrator.ErrJobNotRunning) {
			RespondError(w, http.StatusConflict, "Job is not running")
			return
		}
		log.Error().Err(err).Str("jobID", jobID).Msg("failed to cancel job")
		RespondError(w, http.StatusInternalServerError, "Failed to cancel job")
		return
	}

	RespondJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (h *JobsHandler) AddCandidate(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	var candidate models.CandidateRelease
	if err := json.NewDecoder(r.Body).Decode(&candidate); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if candidate.ID == "" {
		RespondError(w, http.StatusBadRequest, "Candidate id is required")
		return
	}

	err := h.orchestrator.AddCandidate(r.Context(), jobID, candidate)
	switch {
	case err == nil:
		RespondJSON(w, http.StatusCreated, map[string]string{"status": "attached"})
	case errors.Is(err, models.ErrJobNotFound):
		RespondError(w, http.StatusNotFound, "Job not found")
	case errors.Is(err, orchestrator.ErrCandidatesClosed):
		RespondError(w, http.StatusConflict, "Job no longer accepts candidates")
	case errors.Is(err, models.ErrCandidateExists):
		RespondError(w, http.StatusConflict, "Candidate already attached")
	default:
		log.Error().Err(err).Str("jobID", jobID).Msg("failed to attach candidate")
		RespondError(w, http.StatusInternalServerError, "Failed to attach candidate")
	}
}

// TransferComplete receives the completion event from the transfer monitor,
// carrying the manifest of produced files.
func (h *JobsHandler) TransferComplete(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	var manifest verify.FileManifest
	if err := json.NewDecoder(r.Body).Decode(&manifest); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	if err := h.orchestrator.TransferCompleted(r.Context(), jobID, manifest); err != nil {
		if errors.Is(err, orchestrator.ErrJobNotRunning) {
			RespondError(w, http.StatusConflict, "Job is not running")
			return
		}
		log.Error().Err(err).Str("jobID", jobID).Msg("failed to deliver transfer completion")
		RespondError(w, http.StatusInternalServerError, "Failed to deliver transfer completion")
		return
	}

	RespondJSON(w, http.StatusAccepted, map[string]string{"status": "verifying"})
}

func (h *JobsHandler) TransferStalled(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	if err := h.orchestrator.TransferStalled(r.Context(), jobID); err != nil {
		if errors.Is(err, orchestrator.ErrJobNotRunning) {
			RespondError(w, http.StatusConflict, "Job is not running")
			return
		}
		log.Error().Err(err).Str("jobID", jobID).Msg("failed to deliver transfer stall")
		RespondError(w, http.StatusInternalServerError, "Failed to deliver transfer stall")
		return
	}

	RespondJSON(w, http.StatusAccepted, map[string]string{"status": "requeued"})
}

// Reacquire starts a fresh job for a completed work, e.g. when a superior
// edition appeared after the original job finished.
func (h *JobsHandler) Reacquire(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := h.orchestrator.Reacquire(r.Context(), jobID)
	switch {
	case err == nil:
		RespondJSON(w, http.StatusCreated, job)
	case errors.Is(err, models.ErrJobNotFound):
		RespondError(w, http.StatusNotFound, "Job not found")
	case errors.Is(err, orchestrator.ErrJobNotCompleted):
		RespondError(w, http.StatusConflict, "Only completed jobs can be reacquired")
	default:
		log.Error().Err(err).Str("jobID", jobID).Msg("failed to reacquire job")
		RespondError(w, http.StatusInternalServerError, "Failed to reacquire job")
	}
}
