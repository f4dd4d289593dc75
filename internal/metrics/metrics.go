/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package metrics holds the prometheus collectors of the extension host.
// Every method is safe on a nil *Metrics, which records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "extension_host"

// Metrics groups the collectors registered on one private registry.
type Metrics struct {
	Registry *prometheus.Registry

	state             *prometheus.GaugeVec
	restarts          *prometheus.CounterVec
	handshakeFailures *prometheus.CounterVec
	snapshotsSent     *prometheus.CounterVec
	snapshotsAcked    *prometheus.CounterVec
	snapshotsExpired  *prometheus.CounterVec
	pending           *prometheus.GaugeVec
	trackedProcesses  prometheus.Gauge
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "extension_state",
			Help:      "1 for the current lifecycle state of each extension, 0 otherwise.",
		}, []string{"extension", "state"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extension_restarts_total",
			Help:      "Restart attempts per extension.",
		}, []string{"extension"}),
		handshakeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Failed or timed out handshakes per extension.",
		}, []string{"extension"}),
		snapshotsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_sent_total",
			Help:      "Snapshots handed to a transport.",
		}, []string{"extension", "transport"}),
		snapshotsAcked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_acked_total",
			Help:      "Pending snapshots removed by an acknowledgment.",
		}, []string{"extension"}),
		snapshotsExpired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_expired_total",
			Help:      "Pending snapshots removed by the TTL sweep.",
		}, []string{"extension"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshots_pending",
			Help:      "Snapshots delivered but not yet acknowledged.",
		}, []string{"extension"}),
		trackedProcesses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_processes",
			Help:      "Extension processes tracked for cleanup.",
		}),
	}
	m.Registry.MustRegister(
		m.state,
		m.restarts,
		m.handshakeFailures,
		m.snapshotsSent,
		m.snapshotsAcked,
		m.snapshotsExpired,
		m.pending,
		m.trackedProcesses,
	)
	return m
}

// SetState marks current as the only active state of extension among all.
func (m *Metrics) SetState(extension, current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.state.WithLabelValues(extension, s).Set(v)
	}
}

func (m *Metrics) RestartAttempted(extension string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(extension).Inc()
}

func (m *Metrics) HandshakeFailed(extension string) {
	if m == nil {
		return
	}
	m.handshakeFailures.WithLabelValues(extension).Inc()
}

func (m *Metrics) SnapshotSent(extension, transport string) {
	if m == nil {
		return
	}
	m.snapshotsSent.WithLabelValues(extension, transport).Inc()
}

// SnapshotRecorded bumps the pending gauge of extension.
func (m *Metrics) SnapshotRecorded(extension string) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(extension).Inc()
}

// SnapshotAcked moves one snapshot of extension out of pending.
func (m *Metrics) SnapshotAcked(extension string) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(extension).Dec()
	m.snapshotsAcked.WithLabelValues(extension).Inc()
}

// SnapshotsExpired moves n snapshots of extension out of pending.
func (m *Metrics) SnapshotsExpired(extension string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.pending.WithLabelValues(extension).Sub(float64(n))
	m.snapshotsExpired.WithLabelValues(extension).Add(float64(n))
}

// SnapshotsDropped removes n snapshots of extension from pending without
// counting them as acked or expired.
func (m *Metrics) SnapshotsDropped(extension string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.pending.WithLabelValues(extension).Sub(float64(n))
}

func (m *Metrics) SetTrackedProcesses(n int) {
	if m == nil {
		return
	}
	m.trackedProcesses.Set(float64(n))
}
