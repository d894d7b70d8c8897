// Copyright (C) 2025 Kettle Glass (oss@kettleglass.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability defines Prometheus metrics for the ask service.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrorCode values label askd_ask_errors_total.
const (
	ErrorCodeAuthRequired       = "auth_required"
	ErrorCodeModelNotConfigured = "model_not_configured"
	ErrorCodeSurfaceUnavailable = "surface_unavailable"
	ErrorCodeProvider           = "provider_error"
	ErrorCodePersistence        = "persistence_error"
	ErrorCodeUsageReport        = "usage_report_error"
)

// Request outcome labels.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// AskMetrics aggregates every metric the ask pipeline records. All methods
// are nil-safe so headless and test configurations can simply not wire
// metrics.
type AskMetrics struct {
	RequestsTotal        *prometheus.CounterVec
	DeltasTotal          prometheus.Counter
	TokensReportedTotal  *prometheus.CounterVec
	FallbackRetriesTotal prometheus.Counter
	ErrorsTotal          *prometheus.CounterVec
	ActiveStreams        prometheus.Gauge
	TimeToFirstToken     prometheus.Histogram
	StreamDuration       *prometheus.HistogramVec
}

// DefaultMetrics is the process-wide metrics instance, set by InitMetrics.
// It stays nil when metrics are disabled.
var DefaultMetrics *AskMetrics

// InitMetrics registers the default metrics on the default registry.
// Call exactly once from the composition root.
func InitMetrics() {
	DefaultMetrics = NewAskMetrics(prometheus.DefaultRegisterer)
}

// NewAskMetrics registers ask metrics on reg.
func NewAskMetrics(reg prometheus.Registerer) *AskMetrics {
	factory := promauto.With(reg)
	return &AskMetrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kettle",
			Subsystem: "ask",
			Name:      "requests_total",
			Help:      "Ask requests by terminal outcome.",
		}, []string{"outcome"}),
		DeltasTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kettle",
			Subsystem: "ask",
			Name:      "content_deltas_total",
			Help:      "Content deltas applied across all streams.",
		}),
		TokensReportedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kettle",
			Subsystem: "ask",
			Name:      "tokens_reported_total",
			Help:      "Provider-reported tokens forwarded to billing.",
		}, []string{"model"}),
		FallbackRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kettle",
			Subsystem: "ask",
			Name:      "multimodal_fallback_retries_total",
			Help:      "Text-only retries after a multimodal rejection.",
		}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kettle",
			Subsystem: "ask",
			Name:      "errors_total",
			Help:      "Errors by code, including non-fatal ones.",
		}, []string{"error_code"}),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "kettle",
			Subsystem: "ask",
			Name:      "active_streams",
			Help:      "Streaming loops currently running (0 or 1 per surface).",
		}),
		TimeToFirstToken: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kettle",
			Subsystem: "ask",
			Name:      "time_to_first_token_seconds",
			Help:      "Latency from admission to the first content delta.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		StreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kettle",
			Subsystem: "ask",
			Name:      "stream_duration_seconds",
			Help:      "Total stream duration by terminal outcome.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),
	}
}

// RecordOutcome counts one terminal request outcome and observes its
// admission-to-terminal duration.
func (m *AskMetrics) RecordOutcome(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(outcome).Inc()
	m.StreamDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *AskMetrics) RecordDelta() {
	if m == nil {
		return
	}
	m.DeltasTotal.Inc()
}

func (m *AskMetrics) RecordTokens(model string, total int) {
	if m == nil {
		return
	}
	m.TokensReportedTotal.WithLabelValues(model).Add(float64(total))
}

func (m *AskMetrics) RecordFallbackRetry() {
	if m == nil {
		return
	}
	m.FallbackRetriesTotal.Inc()
}

func (m *AskMetrics) RecordError(code string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(code).Inc()
}

func (m *AskMetrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

func (m *AskMetrics) StreamStopped() {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
}

func (m *AskMetrics) RecordFirstToken(sinceAdmission time.Duration) {
	if m == nil {
		return
	}
	m.TimeToFirstToken.Observe(sinceAdmission.Seconds())
}
