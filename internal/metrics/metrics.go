// Copyright 2025 The Cascade Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the engine's Prometheus collectors.
type Metrics struct {
	InstancesStarted  *prometheus.CounterVec
	InstancesFinished *prometheus.CounterVec
	InstanceDuration  *prometheus.HistogramVec

	StepsExecuted *prometheus.CounterVec
	StepDuration  *prometheus.HistogramVec

	ApprovalsCreated   prometheus.Counter
	ApprovalsFinalized *prometheus.CounterVec

	EventsDispatched *prometheus.CounterVec
	EventsPublished  *prometheus.CounterVec

	StoreConflicts prometheus.Counter
}

// New creates and registers the collectors on reg. A nil registerer uses
// the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		InstancesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cascade",
			Name:      "instances_started_total",
			Help:      "Workflow instances started, by trigger type.",
		}, []string{"trigger_type"}),
		InstancesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cascade",
			Name:      "instances_finished_total",
			Help:      "Workflow instances reaching a terminal status.",
		}, []string{"status"}),
		InstanceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cascade",
			Name:      "instance_duration_seconds",
			Help:      "Wall time from instance start to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
		}, []string{"status"}),
		StepsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cascade",
			Name:      "steps_executed_total",
			Help:      "Step executions, by step type and outcome.",
		}, []string{"step_type", "outcome"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cascade",
			Name:      "step_duration_seconds",
			Help:      "Step execution duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step_type"}),
		ApprovalsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cascade",
			Name:      "approvals_created_total",
			Help:      "Approval requests created.",
		}),
		ApprovalsFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cascade",
			Name:      "approvals_finalized_total",
			Help:      "Approval requests finalized, by outcome.",
		}, []string{"outcome"}),
		EventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cascade",
			Name:      "events_dispatched_total",
			Help:      "Inbound events processed, by event type.",
		}, []string{"event_type"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cascade",
			Name:      "events_published_total",
			Help:      "Outbound events published, by event type.",
		}, []string{"event_type"}),
		StoreConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cascade",
			Name:      "store_conflicts_total",
			Help:      "Optimistic concurrency conflicts on document writes.",
		}),
	}

	reg.MustRegister(
		m.InstancesStarted,
		m.InstancesFinished,
		m.InstanceDuration,
		m.StepsExecuted,
		m.StepDuration,
		m.ApprovalsCreated,
		m.ApprovalsFinalized,
		m.EventsDispatched,
		m.EventsPublished,
		m.StoreConflicts,
	)
	return m
}

// Nop returns unregistered collectors for tests.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}

// ObserveStep records one step execution.
func (m *Metrics) ObserveStep(stepType, outcome string, d time.Duration) {
	m.StepsExecuted.WithLabelValues(stepType, outcome).Inc()
	m.StepDuration.WithLabelValues(stepType).Observe(d.Seconds())
}

// ObserveInstanceFinished records one terminal instance.
func (m *Metrics) ObserveInstanceFinished(status string, d time.Duration) {
	m.InstancesFinished.WithLabelValues(status).Inc()
	m.InstanceDuration.WithLabelValues(status).Observe(d.Seconds())
}
