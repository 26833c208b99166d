// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metrics exposes the orchestrator's operational state to Prometheus.
// Values are collected at scrape time from the stores and the admission
// controller rather than being incremented inline.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/audiarr/internal/models"
	"github.com/autobrr/audiarr/internal/ratio"
	"github.com/autobrr/audiarr/internal/transfer"
)

const collectTimeout = 10 * time.Second

// jobStates enumerates every state so gauges report zero instead of vanishing
// when no job is in a given state.
var jobStates = []models.JobState{
	models.JobStateDiscovered,
	models.JobStateSelecting,
	models.JobStateAwaitingAdmission,
	models.JobStateTransferring,
	models.JobStateVerifying,
	models.JobStateVerificationFailed,
	models.JobStateCompleted,
	models.JobStateExhausted,
	models.JobStateFailed,
	models.JobStateCancelled,
}

type MetricsManager struct {
	registry *prometheus.Registry

	jobs       *models.JobStore
	pending    *models.PendingOperationStore
	controller *ratio.Controller
	client     *transfer.Client

	jobsByState       *prometheus.Desc
	pendingUnresolved *prometheus.Desc
	currentRatio      *prometheus.Desc
	membershipBudget  *prometheus.Desc
	membershipAtRisk  *prometheus.Desc
	allowNewTransfers *prometheus.Desc
	allowPaid         *prometheus.Desc
	admissionReason   *prometheus.Desc
	endpointHealthy   *prometheus.Desc
}

func NewMetricsManager(jobs *models.JobStore, pending *models.PendingOperationStore, controller *ratio.Controller, client *transfer.Client) *MetricsManager {
	m := &MetricsManager{
		registry:   prometheus.NewRegistry(),
		jobs:       jobs,
		pending:    pending,
		controller: controller,
		client:     client,

		jobsByState: prometheus.NewDesc(
			"audiarr_jobs",
			"Number of acquisition jobs by state",
			[]string{"state"}, nil,
		),
		pendingUnresolved: prometheus.NewDesc(
			"audiarr_pending_operations_unresolved",
			"Transfer operations queued for reconciliation",
			nil, nil,
		),
		currentRatio: prometheus.NewDesc(
			"audiarr_ratio_current",
			"Lifetime upload/download ratio from the last admission sample",
			nil, nil,
		),
		membershipBudget: prometheus.NewDesc(
			"audiarr_membership_budget",
			"Membership bonus budget from the last admission sample",
			nil, nil,
		),
		membershipAtRisk: prometheus.NewDesc(
			"audiarr_membership_at_risk",
			"Whether the membership tier is at risk (1) or not (0)",
			nil, nil,
		),
		allowNewTransfers: prometheus.NewDesc(
			"audiarr_admission_allow_new_transfers",
			"Whether new transfers are currently admitted (1) or not (0)",
			nil, nil,
		),
		allowPaid: prometheus.NewDesc(
			"audiarr_admission_allow_paid_acquisitions",
			"Whether paid acquisitions are currently admitted (1) or not (0)",
			nil, nil,
		),
		admissionReason: prometheus.NewDesc(
			"audiarr_admission_reason",
			"Current admission decision reason (1 on the active reason)",
			[]string{"reason"}, nil,
		),
		endpointHealthy: prometheus.NewDesc(
			"audiarr_endpoint_healthy",
			"Whether a transfer endpoint passed its last health check",
			[]string{"endpoint", "role"}, nil,
		),
	}

	m.registry.MustRegister(m)
	return m
}

func (m *MetricsManager) GetRegistry() *prometheus.Registry {
	return m.registry
}

func (m *MetricsManager) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.jobsByState
	ch <- m.pendingUnresolved
	ch <- m.currentRatio
	ch <- m.membershipBudget
	ch <- m.membershipAtRisk
	ch <- m.allowNewTransfers
	ch <- m.allowPaid
	ch <- m.admissionReason
	ch <- m.endpointHealthy
}

func (m *MetricsManager) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	m.collectJobs(ctx, ch)
	m.collectPending(ctx, ch)
	m.collectAdmission(ch)
	m.collectEndpoints(ch)
}

func (m *MetricsManager) collectJobs(ctx context.Context, ch chan<- prometheus.Metric) {
	counts, err := m.jobs.CountByState(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to collect job metrics")
		return
	}

	for _, state := range jobStates {
		ch <- prometheus.MustNewConstMetric(m.jobsByState, prometheus.GaugeValue, float64(counts[state]), string(state))
	}
}

func (m *MetricsManager) collectPending(ctx context.Context, ch chan<- prometheus.Metric) {
	count, err := m.pending.CountUnresolved(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to collect pending operation metrics")
		return
	}

	ch <- prometheus.MustNewConstMetric(m.pendingUnresolved, prometheus.GaugeValue, float64(count))
}

func (m *MetricsManager) collectAdmission(ch chan<- prometheus.Metric) {
	decision := m.controller.Decision()

	ch <- prometheus.MustNewConstMetric(m.allowNewTransfers, prometheus.GaugeValue, boolValue(decision.AllowNewTransfers))
	ch <- prometheus.MustNewConstMetric(m.allowPaid, prometheus.GaugeValue, boolValue(decision.AllowPaidAcquisitions))

	for _, reason := range []ratio.Reason{ratio.ReasonNormal, ratio.ReasonRatioEmergency, ratio.ReasonMembershipAtRisk} {
		ch <- prometheus.MustNewConstMetric(m.admissionReason, prometheus.GaugeValue, boolValue(decision.Reason == reason), string(reason))
	}

	if state, ok := m.controller.State(); ok {
		ch <- prometheus.MustNewConstMetric(m.currentRatio, prometheus.GaugeValue, state.CurrentRatio)
		ch <- prometheus.MustNewConstMetric(m.membershipBudget, prometheus.GaugeValue, float64(state.MembershipBudget))
		ch <- prometheus.MustNewConstMetric(m.membershipAtRisk, prometheus.GaugeValue, boolValue(state.MembershipAtRisk))
	}
}

func (m *MetricsManager) collectEndpoints(ch chan<- prometheus.Metric) {
	for _, ep := range m.client.Endpoints() {
		healthy := false
		if health := ep.LastHealth(); health != nil {
			healthy = health.Healthy()
		}
		ch <- prometheus.MustNewConstMetric(m.endpointHealthy, prometheus.GaugeValue, boolValue(healthy), ep.ID, string(ep.Role))
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
