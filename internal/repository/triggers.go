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
	"sort"

	"github.com/cascadehq/cascade/internal/store"
	"github.com/cascadehq/cascade/pkg/errors"
	"github.com/cascadehq/cascade/pkg/workflow"
)

// Triggers is the runtime trigger registry. Registrations are partitioned
// by event type so the dispatch path reads one partition per event.
type Triggers struct {
	store  store.Store
	logger *slog.Logger
}

// NewTriggers creates a trigger registry repository.
func NewTriggers(st store.Store, logger *slog.Logger) *Triggers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Triggers{store: st, logger: logger}
}

// Register upserts one registration into the registry.
func (r *Triggers) Register(ctx context.Context, reg *workflow.TriggerRegistration) error {
	if reg.ID == "" {
		return &errors.ValidationError{Field: "id", Message: "trigger ID is required"}
	}
	if reg.EventType == "" {
		return &errors.ValidationError{Field: "eventType", Message: "event type is required"}
	}
	body, err := json.Marshal(reg)
	if err != nil {
		return errors.Wrap(err, "encode trigger registration")
	}
	stored, err := r.store.Upsert(ctx, store.Triggers, &store.Document{
		ID:           reg.ID,
		PartitionKey: reg.EventType,
		Body:         body,
	})
	if err != nil {
		return err
	}
	reg.ETag = stored.ETag
	r.logger.Info("trigger registered",
		"trigger_id", reg.ID,
		"event_type", reg.EventType,
		"workflow_id", reg.WorkflowID,
	)
	return nil
}

// SyncDefinition registers every active event trigger of an activated
// definition, replacing registrations of its prior versions.
func (r *Triggers) SyncDefinition(ctx context.Context, def *workflow.WorkflowDefinition) error {
	if err := r.UnregisterWorkflow(ctx, def.WorkflowID); err != nil {
		return err
	}
	for _, t := range def.Triggers {
		if t.Type != workflow.TriggerTypeEvent || !t.IsActive {
			continue
		}
		reg := &workflow.TriggerRegistration{
			ID:               t.ID,
			EventType:        t.EventType,
			WorkflowID:       def.WorkflowID,
			WorkflowVersion:  def.Version,
			IsActive:         true,
			EventFilter:      t.EventFilter,
			ExtractVariables: t.ExtractVariables,
			Priority:         t.Priority,
		}
		if err := r.Register(ctx, reg); err != nil {
			return errors.Wrapf(err, "registering trigger %s", t.ID)
		}
	}
	return nil
}

// UnregisterWorkflow removes every registration owned by a workflow.
func (r *Triggers) UnregisterWorkflow(ctx context.Context, workflowID string) error {
	docs, err := r.store.Query(ctx, store.Triggers, store.Query{
		Where: []store.Clause{
			{Path: "workflowId", Op: store.CmpEq, Value: workflowID},
		},
	})
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if err := r.store.Delete(ctx, store.Triggers, doc.ID, doc.PartitionKey); err != nil && !errors.IsNotFound(err) {
			return err
		}
	}
	return nil
}

// ListByEventType returns the active registrations subscribed to an event
// type, ordered by descending priority.
func (r *Triggers) ListByEventType(ctx context.Context, eventType string) ([]*workflow.TriggerRegistration, error) {
	docs, err := r.store.Query(ctx, store.Triggers, store.Query{PartitionKey: eventType})
	if err != nil {
		return nil, err
	}
	regs := make([]*workflow.TriggerRegistration, 0, len(docs))
	for _, doc := range docs {
		var reg workflow.TriggerRegistration
		if err := json.Unmarshal(doc.Body, &reg); err != nil {
			return nil, errors.Wrap(err, "decode trigger registration")
		}
		if !reg.IsActive {
			continue
		}
		reg.ETag = doc.ETag
		regs = append(regs, &reg)
	}
	sort.SliceStable(regs, func(i, j int) bool {
		return regs[i].Priority > regs[j].Priority
	})
	return regs, nil
}
