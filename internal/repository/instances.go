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

package repository

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cascadehq/cascade/internal/store"
	"github.com/cascadehq/cascade/pkg/errors"
	"github.com/cascadehq/cascade/pkg/workflow"
)

// Instances is the workflow instance repository. Saves are conditional
// on the instance ETag so concurrent writers lose cleanly instead of
// clobbering step history.
type Instances struct {
	store  store.Store
	logger *slog.Logger

	// defaultTTLSeconds is applied to instances that do not carry a TTL,
	// bounding retention of finished runs.
	defaultTTLSeconds int
}

// NewInstances creates an instance repository.
func NewInstances(st store.Store, defaultTTLSeconds int, logger *slog.Logger) *Instances {
	if logger == nil {
		logger = slog.Default()
	}
	return &Instances{store: st, logger: logger, defaultTTLSeconds: defaultTTLSeconds}
}

// Create persists a new instance in pending status.
func (r *Instances) Create(ctx context.Context, inst *workflow.WorkflowInstance) error {
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	if inst.Status == "" {
		inst.Status = workflow.InstanceStatusPending
	}
	if inst.Variables == nil {
		inst.Variables = map[string]any{}
	}
	if inst.TTLSeconds == 0 {
		inst.TTLSeconds = r.defaultTTLSeconds
	}
	now := time.Now().UTC()
	inst.CreatedAt = now
	inst.UpdatedAt = now
	inst.ETag = ""

	if err := r.save(ctx, inst); err != nil {
		return err
	}
	r.logger.Info("workflow instance created",
		"instance_id", inst.ID,
		"workflow_id", inst.WorkflowID,
		"trigger_type", inst.TriggerType,
	)
	return nil
}

// Get retrieves an instance by ID.
func (r *Instances) Get(ctx context.Context, instanceID string) (*workflow.WorkflowInstance, error) {
	doc, err := r.store.Get(ctx, store.Instances, instanceID, instanceID)
	if err != nil {
		return nil, err
	}
	return decodeInstance(doc)
}

// Save writes the instance back conditionally on its ETag. A
// ConflictError means another writer advanced the instance first; the
// caller should reload and retry or abandon.
func (r *Instances) Save(ctx context.Context, inst *workflow.WorkflowInstance) error {
	inst.UpdatedAt = time.Now().UTC()
	return r.save(ctx, inst)
}

// ListByWorkflow returns instances of one workflow definition,
// optionally filtered by status.
func (r *Instances) ListByWorkflow(ctx context.Context, workflowID string, status workflow.InstanceStatus, limit int) ([]*workflow.WorkflowInstance, error) {
	where := []store.Clause{
		{Path: "workflowId", Op: store.CmpEq, Value: workflowID},
	}
	if status != "" {
		where = append(where, store.Clause{Path: "status", Op: store.CmpEq, Value: string(status)})
	}
	docs, err := r.store.Query(ctx, store.Instances, store.Query{Where: where, Limit: limit})
	if err != nil {
		return nil, err
	}
	return decodeInstances(docs)
}

// ListByStatus returns instances in the given status across workflows.
func (r *Instances) ListByStatus(ctx context.Context, status workflow.InstanceStatus, limit int) ([]*workflow.WorkflowInstance, error) {
	docs, err := r.store.Query(ctx, store.Instances, store.Query{
		Where: []store.Clause{
			{Path: "status", Op: store.CmpEq, Value: string(status)},
		},
		Limit: limit,
	})
	if err != nil {
		return nil, err
	}
	return decodeInstances(docs)
}

// ListResumable returns waiting instances whose resumeAt has passed.
func (r *Instances) ListResumable(ctx context.Context, now time.Time, limit int) ([]*workflow.WorkflowInstance, error) {
	docs, err := r.store.Query(ctx, store.Instances, store.Query{
		Where: []store.Clause{
			{Path: "status", Op: store.CmpEq, Value: string(workflow.InstanceStatusWaiting)},
			{Path: "resumeAt", Op: store.CmpLte, Value: now.UTC().Format(time.RFC3339Nano)},
		},
		Limit: limit,
	})
	if err != nil {
		return nil, err
	}
	return decodeInstances(docs)
}

// ListWaitingForEvent returns instances parked on an event wait of the
// given event type.
func (r *Instances) ListWaitingForEvent(ctx context.Context, eventType string, limit int) ([]*workflow.WorkflowInstance, error) {
	docs, err := r.store.Query(ctx, store.Instances, store.Query{
		Where: []store.Clause{
			{Path: "status", Op: store.CmpEq, Value: string(workflow.InstanceStatusWaiting)},
			{Path: "waitingForEvent", Op: store.CmpEq, Value: eventType},
		},
		Limit: limit,
	})
	if err != nil {
		return nil, err
	}
	return decodeInstances(docs)
}

// Transition moves the instance to a new status, enforcing the
// lifecycle state machine, and saves it conditionally.
func (r *Instances) Transition(ctx context.Context, inst *workflow.WorkflowInstance, to workflow.InstanceStatus) error {
	if !inst.Status.CanTransition(to) {
		return &errors.StateError{
			Resource:  "workflow instance",
			ID:        inst.ID,
			Current:   string(inst.Status),
			Operation: "transition to " + string(to),
		}
	}
	inst.Status = to
	return r.Save(ctx, inst)
}

func (r *Instances) save(ctx context.Context, inst *workflow.WorkflowInstance) error {
	etag := inst.ETag
	inst.ETag = ""
	body, err := json.Marshal(inst)
	if err != nil {
		return errors.Wrap(err, "encode instance")
	}
	stored, err := r.store.Upsert(ctx, store.Instances, &store.Document{
		ID:           inst.ID,
		PartitionKey: inst.ID,
		Body:         body,
		ETag:         etag,
		TTLSeconds:   inst.TTLSeconds,
	})
	if err != nil {
		return err
	}
	inst.ETag = stored.ETag
	return nil
}

func decodeInstance(doc *store.Document) (*workflow.WorkflowInstance, error) {
	var inst workflow.WorkflowInstance
	if err := json.Unmarshal(doc.Body, &inst); err != nil {
		return nil, errors.Wrap(err, "decode instance")
	}
	inst.ETag = doc.ETag
	return &inst, nil
}

func decodeInstances(docs []*store.Document) ([]*workflow.WorkflowInstance, error) {
	out := make([]*workflow.WorkflowInstance, 0, len(docs))
	for _, doc := range docs {
		inst, err := decodeInstance(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}
