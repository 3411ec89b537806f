// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "basalt"
	metricsSubsystem = "scheduler"
)

// Metrics instruments the scheduler. It implements
// prometheus.Collector; the caller registers it with its registry.
type Metrics struct {
	selections prometheus.Counter
	noBackend  prometheus.Counter
	faults     *prometheus.CounterVec
}

// NewMetrics returns a fresh, unregistered collector.
func NewMetrics() *Metrics {
	return &Metrics{
		selections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "selections_total",
			Help:      "Number of successful placement selections.",
		}),
		noBackend: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "no_valid_backend_total",
			Help:      "Number of requests for which no backend survived filtering.",
		}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "faults_total",
			Help:      "Filter and weigher evaluation errors, by stage and name.",
		}, []string{"stage", "name"}),
	}
}

// Describe is part of prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.selections.Describe(ch)
	m.noBackend.Describe(ch)
	m.faults.Describe(ch)
}

// Collect is part of prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.selections.Collect(ch)
	m.noBackend.Collect(ch)
	m.faults.Collect(ch)
}

func (m *Metrics) selected() {
	if m != nil {
		m.selections.Inc()
	}
}

func (m *Metrics) exhausted() {
	if m != nil {
		m.noBackend.Inc()
	}
}

func (m *Metrics) fault(stage, name string) {
	if m != nil {
		m.faults.WithLabelValues(stage, name).Inc()
	}
}
