// Drawbot metrics definitions
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	goruntime "runtime"
	"time"

	drawerrors "drawbot-go/pkg/errors"
)

// Run outcomes
const (
	OutcomeCompleted  = "completed"
	OutcomeProtocol   = "protocol"
	OutcomeConnection = "connection"
	OutcomeCancelled  = "cancelled"
	OutcomeError      = "error"
)

// OutcomeOf classifies the result of a run.
func OutcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeCompleted
	case drawerrors.IsCancelled(err):
		return OutcomeCancelled
	case drawerrors.IsProtocol(err):
		return OutcomeProtocol
	case drawerrors.IsConnection(err):
		return OutcomeConnection
	}
	return OutcomeError
}

// DrawbotMetrics holds the metrics of the drawing host.
type DrawbotMetrics struct {
	// Device link
	CommandsSent   *Counter
	CommandErrors  *Counter
	CommandLatency *Histogram

	// Executor
	PointsStreamed *Counter
	PathsCompleted *Counter
	Runs           *Counter
	ExecutorState  *Gauge

	// Streaming transport
	StreamPublished *Counter
	StreamDropped   *Counter
	StreamReceived  *Counter

	// Process
	Uptime     *Gauge
	Goroutines *Gauge

	startTime time.Time
	registry  *Registry
}

// NewDrawbotMetrics creates and registers every drawbot metric on a fresh
// registry.
func NewDrawbotMetrics() *DrawbotMetrics {
	m := &DrawbotMetrics{
		startTime: time.Now(),
		registry:  NewRegistry(),
	}

	m.CommandsSent = NewCounter("drawbot_commands_sent_total",
		"Commands sent to the device by kind")
	m.CommandErrors = NewCounter("drawbot_command_errors_total",
		"Failed commands by kind and error code")
	m.CommandLatency = NewHistogram("drawbot_command_latency_seconds",
		"Command round-trip time including every acknowledgement",
		ExponentialBuckets(0.0005, 2, 14))

	m.PointsStreamed = NewCounter("drawbot_points_streamed_total",
		"Setpoints streamed without waiting for motion")
	m.PathsCompleted = NewCounter("drawbot_paths_completed_total",
		"Paths fully executed")
	m.Runs = NewCounter("drawbot_runs_total",
		"Executor runs by outcome")
	m.ExecutorState = NewGauge("drawbot_executor_state",
		"Executor state (0=idle, 1=ready, 2=executing, 3=aborted)")

	m.StreamPublished = NewCounter("drawbot_stream_published_total",
		"Paths handed to the streaming transport")
	m.StreamDropped = NewCounter("drawbot_stream_dropped_total",
		"Paths dropped by the streaming transport by reason")
	m.StreamReceived = NewCounter("drawbot_stream_received_total",
		"Paths received from the streaming transport")

	m.Uptime = NewGauge("drawbot_uptime_seconds", "Process uptime")
	m.Goroutines = NewGauge("drawbot_goroutines", "Number of goroutines")

	m.registry.MustRegister(
		m.CommandsSent, m.CommandErrors, m.CommandLatency,
		m.PointsStreamed, m.PathsCompleted, m.Runs, m.ExecutorState,
		m.StreamPublished, m.StreamDropped, m.StreamReceived,
		m.Uptime, m.Goroutines,
	)
	return m
}

// RecordCommand records one command exchange.
func (m *DrawbotMetrics) RecordCommand(kind string, d time.Duration, err error) {
	l := Labels{"command": kind}
	m.CommandsSent.Inc(l)
	m.CommandLatency.ObserveDuration(l, d)
	if err != nil {
		m.CommandErrors.Inc(Labels{"command": kind, "code": string(drawerrors.CodeOf(err))})
	}
}

// RecordRun records the outcome of an executor run.
func (m *DrawbotMetrics) RecordRun(err error) {
	m.Runs.Inc(Labels{"outcome": OutcomeOf(err)})
}

// SetExecutorState publishes the executor state number.
func (m *DrawbotMetrics) SetExecutorState(state int) {
	m.ExecutorState.Set(nil, float64(state))
}

// RecordStreamDrop counts a dropped path.
func (m *DrawbotMetrics) RecordStreamDrop(reason string) {
	m.StreamDropped.Inc(Labels{"reason": reason})
}

// UpdateSystemMetrics refreshes the process gauges.
func (m *DrawbotMetrics) UpdateSystemMetrics() {
	m.Uptime.Set(nil, time.Since(m.startTime).Seconds())
	m.Goroutines.Set(nil, float64(goruntime.NumGoroutine()))
}

// Gather returns all metrics in Prometheus text format.
func (m *DrawbotMetrics) Gather() string {
	m.UpdateSystemMetrics()
	return m.registry.Gather()
}

// Registry returns the underlying registry.
func (m *DrawbotMetrics) Registry() *Registry {
	return m.registry
}
