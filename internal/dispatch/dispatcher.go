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

package dispatch

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/cascadehq/cascade/internal/metrics"
	"github.com/cascadehq/cascade/internal/repository"
	"github.com/cascadehq/cascade/internal/tracing"
	"github.com/cascadehq/cascade/pkg/workflow"
)

// Runner executes a freshly created instance. Implemented by the engine.
type Runner interface {
	Run(ctx context.Context, inst *workflow.WorkflowInstance) error
}

// Resumer continues an instance parked on an event wait. Implemented by
// the engine.
type Resumer interface {
	Resume(ctx context.Context, instanceID string, eventData map[string]any) error
}

// Dispatcher matches inbound events against the trigger registry,
// creates one instance per matching registration, and wakes instances
// parked waiting for the event type.
type Dispatcher struct {
	triggers    *repository.Triggers
	definitions *repository.Definitions
	instances   *repository.Instances
	runner      Runner
	resumer     Resumer
	limiter     *rate.Limiter
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// Options configures a Dispatcher.
type Options struct {
	// RatePerSecond caps instance creations. Zero disables limiting.
	RatePerSecond float64

	// Burst is the limiter burst size, defaulting to 10.
	Burst int
}

// NewDispatcher creates an event dispatcher.
func NewDispatcher(triggers *repository.Triggers, definitions *repository.Definitions, instances *repository.Instances, runner Runner, resumer Resumer, m *metrics.Metrics, logger *slog.Logger, opts Options) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.Nop()
	}
	var limiter *rate.Limiter
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 10
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return &Dispatcher{
		triggers:    triggers,
		definitions: definitions,
		instances:   instances,
		runner:      runner,
		resumer:     resumer,
		limiter:     limiter,
		metrics:     m,
		logger:      logger,
	}
}

// Dispatch routes one inbound event. Every active registration for the
// event type is evaluated in descending priority order; each match
// creates and runs one instance. A registration whose filter fails to
// parse matches by default, logged at warn, so a typo in one filter
// degrades to over-triggering rather than silently dropping events.
// Instances parked waiting for the event type are resumed with the
// event document. Returns the instances created.
func (d *Dispatcher) Dispatch(ctx context.Context, event *workflow.InboundEvent) ([]*workflow.WorkflowInstance, error) {
	ctx, span := tracing.StartEventSpan(ctx, event.EventType, event.Subject)
	created, err := d.dispatch(ctx, event)
	tracing.End(span, err)
	return created, err
}

func (d *Dispatcher) dispatch(ctx context.Context, event *workflow.InboundEvent) ([]*workflow.WorkflowInstance, error) {
	d.metrics.EventsDispatched.WithLabelValues(event.EventType).Inc()

	regs, err := d.triggers.ListByEventType(ctx, event.EventType)
	if err != nil {
		return nil, err
	}

	doc := event.Document()
	if len(regs) == 0 {
		d.logger.Debug("no trigger registrations for event",
			"event_type", event.EventType,
		)
		d.resumeWaiting(ctx, event, doc)
		return nil, nil
	}

	var created []*workflow.WorkflowInstance
	for _, reg := range regs {
		f, err := parseFilter(reg.EventFilter)
		if err != nil {
			d.logger.Warn("invalid event filter, treating as match",
				"trigger_id", reg.ID,
				"event_type", reg.EventType,
				"filter", reg.EventFilter,
				"error", err,
			)
		}
		if f != nil && !f.matches(doc) {
			continue
		}

		inst, err := d.startInstance(ctx, reg, event, doc)
		if err != nil {
			d.logger.Error("trigger dispatch failed",
				"trigger_id", reg.ID,
				"workflow_id", reg.WorkflowID,
				"event_type", event.EventType,
				"error", err,
			)
			continue
		}
		created = append(created, inst)
	}
	d.resumeWaiting(ctx, event, doc)
	return created, nil
}

// resumeWaiting wakes instances parked on an event wait matching the
// inbound event type. Resume failures are logged and do not fail the
// dispatch; the instance stays waiting for a later delivery.
func (d *Dispatcher) resumeWaiting(ctx context.Context, event *workflow.InboundEvent, doc map[string]any) {
	if d.resumer == nil {
		return
	}
	waiting, err := d.instances.ListWaitingForEvent(ctx, event.EventType, 0)
	if err != nil {
		d.logger.Error("waiting instance scan failed",
			"event_type", event.EventType,
			"error", err,
		)
		return
	}
	for _, inst := range waiting {
		if err := d.resumer.Resume(ctx, inst.ID, doc); err != nil {
			d.logger.Error("event resume failed",
				"instance_id", inst.ID,
				"event_type", event.EventType,
				"error", err,
			)
			continue
		}
		d.logger.Info("event resumed waiting instance",
			"instance_id", inst.ID,
			"event_type", event.EventType,
		)
	}
}

func (d *Dispatcher) startInstance(ctx context.Context, reg *workflow.TriggerRegistration, event *workflow.InboundEvent, doc map[string]any) (*workflow.WorkflowInstance, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	def, err := d.definitions.GetActive(ctx, reg.WorkflowID)
	if err != nil {
		return nil, err
	}

	variables := initialVariables(def)
	for name, path := range reg.ExtractVariables {
		if v := lookup(doc, path); v != nil {
			variables[name] = v
		}
	}

	inst := &workflow.WorkflowInstance{
		WorkflowID:      def.WorkflowID,
		WorkflowVersion: def.Version,
		OrganizationID:  def.OrganizationID,
		TriggerID:       reg.ID,
		TriggerType:     string(workflow.TriggerTypeEvent),
		TriggerData:     doc,
		Status:          workflow.InstanceStatusPending,
		Variables:       variables,
		CorrelationID:   event.Subject,
	}
	if err := d.instances.Create(ctx, inst); err != nil {
		return nil, err
	}

	d.metrics.InstancesStarted.WithLabelValues(inst.TriggerType).Inc()
	d.logger.Info("event triggered instance",
		"instance_id", inst.ID,
		"workflow_id", def.WorkflowID,
		"trigger_id", reg.ID,
		"event_type", event.EventType,
	)

	if d.runner != nil {
		if err := d.runner.Run(ctx, inst); err != nil {
			return inst, err
		}
	}
	return inst, nil
}

// initialVariables seeds the instance variable map with definition
// defaults.
func initialVariables(def *workflow.WorkflowDefinition) map[string]any {
	variables := make(map[string]any)
	for name, spec := range def.Variables {
		if spec.DefaultValue != nil {
			variables[name] = spec.DefaultValue
		}
	}
	return variables
}
