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

// Package repository persists the engine's durable entities through the
// document store: definitions, instances, approvals, trigger
// registrations, and templates.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cascadehq/cascade/internal/store"
	"github.com/cascadehq/cascade/pkg/errors"
	"github.com/cascadehq/cascade/pkg/workflow"
)

// Definitions is the workflow definition repository. Definitions are
// immutable per version; updates create a new version.
type Definitions struct {
	store  store.Store
	logger *slog.Logger
}

// NewDefinitions creates a definition repository.
func NewDefinitions(st store.Store, logger *slog.Logger) *Definitions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Definitions{store: st, logger: logger}
}

func definitionDocID(workflowID string, version int) string {
	return fmt.Sprintf("%s:%d", workflowID, version)
}

// Create validates and persists a new definition in draft status.
// Missing identifiers are minted.
func (r *Definitions) Create(ctx context.Context, def *workflow.WorkflowDefinition) error {
	if def.WorkflowID == "" {
		def.WorkflowID = uuid.NewString()
	}
	if def.Version == 0 {
		def.Version = 1
	}
	if def.Status == "" {
		def.Status = workflow.DefinitionStatusDraft
	}
	for i := range def.Steps {
		if def.Steps[i].ID == "" {
			def.Steps[i].ID = uuid.NewString()
		}
	}
	for i := range def.Triggers {
		if def.Triggers[i].ID == "" {
			def.Triggers[i].ID = uuid.NewString()
		}
	}
	def.ID = definitionDocID(def.WorkflowID, def.Version)

	if err := def.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now
	def.ETag = ""

	if err := r.save(ctx, def); err != nil {
		return err
	}
	r.logger.Info("workflow definition created",
		"workflow_id", def.WorkflowID,
		"version", def.Version,
	)
	return nil
}

// Get retrieves one definition version.
func (r *Definitions) Get(ctx context.Context, workflowID string, version int) (*workflow.WorkflowDefinition, error) {
	doc, err := r.store.Get(ctx, store.Definitions, definitionDocID(workflowID, version), workflowID)
	if err != nil {
		return nil, err
	}
	return decodeDefinition(doc)
}

// GetActive retrieves the single active version of a workflow.
func (r *Definitions) GetActive(ctx context.Context, workflowID string) (*workflow.WorkflowDefinition, error) {
	docs, err := r.store.Query(ctx, store.Definitions, store.Query{
		PartitionKey: workflowID,
		Where: []store.Clause{
			{Path: "status", Op: store.CmpEq, Value: string(workflow.DefinitionStatusActive)},
		},
		Limit: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, &errors.NotFoundError{Resource: "active workflow definition", ID: workflowID}
	}
	return decodeDefinition(docs[0])
}

// ListVersions returns every stored version of a workflow.
func (r *Definitions) ListVersions(ctx context.Context, workflowID string) ([]*workflow.WorkflowDefinition, error) {
	docs, err := r.store.Query(ctx, store.Definitions, store.Query{PartitionKey: workflowID})
	if err != nil {
		return nil, err
	}
	return decodeDefinitions(docs)
}

// NewVersion persists def as the next version of its workflow, leaving
// the prior versions untouched.
func (r *Definitions) NewVersion(ctx context.Context, def *workflow.WorkflowDefinition) error {
	versions, err := r.ListVersions(ctx, def.WorkflowID)
	if err != nil {
		return err
	}
	highest := 0
	for _, v := range versions {
		if v.Version > highest {
			highest = v.Version
		}
	}
	next := *def
	next.Version = highest + 1
	next.Status = workflow.DefinitionStatusDraft
	next.ID = definitionDocID(next.WorkflowID, next.Version)
	next.ETag = ""

	if err := next.Validate(); err != nil {
		return err
	}
	next.CreatedAt = time.Now().UTC()
	next.UpdatedAt = next.CreatedAt
	if err := r.save(ctx, &next); err != nil {
		return err
	}
	*def = next
	return nil
}

// Activate transitions (workflowID, version) to active and demotes any
// previously active version to inactive. Returns the activated
// definition; the caller is responsible for syncing event triggers into
// the registry.
func (r *Definitions) Activate(ctx context.Context, workflowID string, version int) (*workflow.WorkflowDefinition, error) {
	def, err := r.Get(ctx, workflowID, version)
	if err != nil {
		return nil, err
	}
	if def.IsDeleted {
		return nil, &errors.StateError{
			Resource: "workflow definition", ID: def.ID,
			Current: "deleted", Operation: "activate",
		}
	}

	versions, err := r.ListVersions(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	for _, prior := range versions {
		if prior.Version == version || prior.Status != workflow.DefinitionStatusActive {
			continue
		}
		prior.Status = workflow.DefinitionStatusInactive
		prior.UpdatedAt = time.Now().UTC()
		if err := r.save(ctx, prior); err != nil {
			return nil, errors.Wrapf(err, "deactivating version %d", prior.Version)
		}
		r.logger.Info("workflow definition deactivated",
			"workflow_id", workflowID,
			"version", prior.Version,
		)
	}

	def.Status = workflow.DefinitionStatusActive
	def.UpdatedAt = time.Now().UTC()
	if err := r.save(ctx, def); err != nil {
		return nil, err
	}
	r.logger.Info("workflow definition activated",
		"workflow_id", workflowID,
		"version", version,
	)
	return def, nil
}

// Deactivate transitions the definition to inactive.
func (r *Definitions) Deactivate(ctx context.Context, workflowID string, version int) error {
	def, err := r.Get(ctx, workflowID, version)
	if err != nil {
		return err
	}
	def.Status = workflow.DefinitionStatusInactive
	def.UpdatedAt = time.Now().UTC()
	return r.save(ctx, def)
}

// SoftDelete marks the definition deleted without destroying history.
func (r *Definitions) SoftDelete(ctx context.Context, workflowID string, version int) error {
	def, err := r.Get(ctx, workflowID, version)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	def.IsDeleted = true
	def.DeletedAt = &now
	def.Status = workflow.DefinitionStatusDeprecated
	def.UpdatedAt = now
	return r.save(ctx, def)
}

func (r *Definitions) save(ctx context.Context, def *workflow.WorkflowDefinition) error {
	etag := def.ETag
	def.ETag = ""
	body, err := json.Marshal(def)
	if err != nil {
		return errors.Wrap(err, "encode definition")
	}
	stored, err := r.store.Upsert(ctx, store.Definitions, &store.Document{
		ID:           def.ID,
		PartitionKey: def.WorkflowID,
		Body:         body,
		ETag:         etag,
	})
	if err != nil {
		return err
	}
	def.ETag = stored.ETag
	return nil
}

func decodeDefinition(doc *store.Document) (*workflow.WorkflowDefinition, error) {
	var def workflow.WorkflowDefinition
	if err := json.Unmarshal(doc.Body, &def); err != nil {
		return nil, errors.Wrap(err, "decode definition")
	}
	def.ETag = doc.ETag
	return &def, nil
}

func decodeDefinitions(docs []*store.Document) ([]*workflow.WorkflowDefinition, error) {
	out := make([]*workflow.WorkflowDefinition, 0, len(docs))
	for _, doc := range docs {
		def, err := decodeDefinition(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}
