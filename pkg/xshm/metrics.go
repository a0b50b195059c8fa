/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
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

package xshm

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/xshm/api"
)

// Metrics is an Observer exporting Prometheus metrics.
type Metrics struct {
	segments   *prometheus.GaugeVec
	pending    prometheus.Gauge
	operations *prometheus.CounterVec
	bytes      *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	orphans    prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	m := &Metrics{
		segments: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "segments",
			Help:      "Number of shared memory segments by state.",
		}, []string{"state"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_operations",
			Help:      "Transfer operations waiting for a completion notification.",
		}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Finished transfer operations by kind and outcome.",
		}, []string{"kind", "outcome"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "Bytes moved through segments by successfully completed operations.",
		}, []string{"kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Time between issuing a transfer and observing its completion.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"kind"}),
		orphans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphan_completions_total",
			Help:      "Completion notifications that matched no pending operation.",
		}),
	}
	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.segments, m.pending, m.operations, m.bytes, m.duration, m.orphans}
}

func (m *Metrics) SegmentCreated(seg *Segment) {
	m.segments.WithLabelValues(StateCreated.String()).Inc()
}

func (m *Metrics) SegmentTransition(seg *Segment, from, to SegmentState) {
	m.segments.WithLabelValues(from.String()).Dec()
	m.segments.WithLabelValues(to.String()).Inc()
}

func (m *Metrics) OperationStarted(op *Operation) {
	m.pending.Inc()
}

func (m *Metrics) OperationFinished(op *Operation, err error) {
	m.pending.Dec()
	kind := op.Kind().String()
	outcome := "completed"
	switch {
	case errors.Is(err, ErrConnectionLost):
		outcome = "connection_lost"
	case err != nil:
		outcome = "failed"
	}
	m.operations.WithLabelValues(kind, outcome).Inc()
	if err == nil {
		m.bytes.WithLabelValues(kind).Add(float64(op.Length()))
	}
	m.duration.WithLabelValues(kind).Observe(time.Since(op.Started()).Seconds())
}

func (m *Metrics) OrphanCompletion(seq api.Sequence) {
	m.orphans.Inc()
}
