/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// Package metrics exposes Prometheus metrics for the key pool. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Provisioning causes.
const (
	CauseKeyConsumed = "key_consumed"
	CauseOutOfKeys   = "out_of_keys"
	CausePeriodic    = "periodic"
)

// Provisioning statuses.
const (
	StatusKeysProvisioned      = "keys_successfully_provisioned"
	StatusNoProvisioningNeeded = "no_provisioning_needed"
	StatusNoCertificates       = "no_certificates_matched"
	StatusProvisioningDisabled = "provisioning_disabled"
	StatusInterrupted          = "interrupted"
	StatusFailed               = "failed"
	StatusOutOfErrorBudget     = "out_of_error_budget"
)

// Client operations.
const (
	OpFetchConfig = "fetch_config"
	OpSignCerts   = "sign_certificates"
)

type Metrics struct {
	registry *prometheus.Registry

	provisioningAttempts *prometheus.CounterVec
	clientOperations     *prometheus.CounterVec
	serverWait           *prometheus.HistogramVec
	poolKeys             *prometheus.GaugeVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		provisioningAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rkpd",
			Name:      "provisioning_attempts_total",
			Help:      "Provisioning runs by cause and outcome.",
		}, []string{"cause", "status"}),
		clientOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rkpd",
			Name:      "server_operations_total",
			Help:      "Exchanges with the provisioning server by operation and result.",
		}, []string{"operation", "result"}),
		serverWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rkpd",
			Name:      "server_wait_seconds",
			Help:      "Time spent waiting on the provisioning server per attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"operation"}),
		poolKeys: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rkpd",
			Name:      "pool_keys",
			Help:      "Attestation keys in the pool by signer and state.",
		}, []string{"signer", "state"}),
	}
	m.registry.MustRegister(
		m.provisioningAttempts,
		m.clientOperations,
		m.serverWait,
		m.poolKeys,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ProvisioningAttempt(cause, status string) {
	if m == nil {
		return
	}
	m.provisioningAttempts.WithLabelValues(cause, status).Inc()
}

func (m *Metrics) ClientOperation(op, result string) {
	if m == nil {
		return
	}
	m.clientOperations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) ObserveServerWait(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.serverWait.WithLabelValues(op).Observe(d.Seconds())
}

// SetPoolStats publishes the state of one signer's pool.
func (m *Metrics) SetPoolStats(signer string, inUse, unassigned, toGenerate int) {
	if m == nil {
		return
	}
	m.poolKeys.WithLabelValues(signer, "in_use").Set(float64(inUse))
	m.poolKeys.WithLabelValues(signer, "unassigned").Set(float64(unassigned))
	m.poolKeys.WithLabelValues(signer, "to_generate").Set(float64(toGenerate))
}
