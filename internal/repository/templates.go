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

// Templates is the workflow template repository.
type Templates struct {
	store  store.Store
	logger *slog.Logger
}

// NewTemplates creates a template repository.
func NewTemplates(st store.Store, logger *slog.Logger) *Templates {
	if logger == nil {
		logger = slog.Default()
	}
	return &Templates{store: st, logger: logger}
}

// Create persists a new template.
func (r *Templates) Create(ctx context.Context, tpl *workflow.WorkflowTemplate) error {
	if tpl.ID == "" {
		tpl.ID = uuid.NewString()
	}
	if tpl.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "template name is required"}
	}
	now := time.Now().UTC()
	tpl.CreatedAt = now
	tpl.UpdatedAt = now
	tpl.ETag = ""
	return r.save(ctx, tpl)
}

// Get retrieves a template by ID.
func (r *Templates) Get(ctx context.Context, templateID string) (*workflow.WorkflowTemplate, error) {
	doc, err := r.store.Get(ctx, store.Templates, templateID, templateID)
	if err != nil {
		return nil, err
	}
	return decodeTemplate(doc)
}

// Update writes the template back conditionally on its ETag.
func (r *Templates) Update(ctx context.Context, tpl *workflow.WorkflowTemplate) error {
	tpl.UpdatedAt = time.Now().UTC()
	return r.save(ctx, tpl)
}

// List returns every stored template.
func (r *Templates) List(ctx context.Context) ([]*workflow.WorkflowTemplate, error) {
	docs, err := r.store.Query(ctx, store.Templates, store.Query{})
	if err != nil {
		return nil, err
	}
	out := make([]*workflow.WorkflowTemplate, 0, len(docs))
	for _, doc := range docs {
		tpl, err := decodeTemplate(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, tpl)
	}
	return out, nil
}

// Delete removes a template.
func (r *Templates) Delete(ctx context.Context, templateID string) error {
	return r.store.Delete(ctx, store.Templates, templateID, templateID)
}

func (r *Templates) save(ctx context.Context, tpl *workflow.WorkflowTemplate) error {
	etag := tpl.ETag
	tpl.ETag = ""
	body, err := json.Marshal(tpl)
	if err != nil {
		return errors.Wrap(err, "encode template")
	}
	stored, err := r.store.Upsert(ctx, store.Templates, &store.Document{
		ID:           tpl.ID,
		PartitionKey: tpl.ID,
		Body:         body,
		ETag:         etag,
	})
	if err != nil {
		return err
	}
	tpl.ETag = stored.ETag
	return nil
}

func decodeTemplate(doc *store.Document) (*workflow.WorkflowTemplate, error) {
	var tpl workflow.WorkflowTemplate
	if err := json.Unmarshal(doc.Body, &tpl); err != nil {
		return nil, errors.Wrap(err, "decode template")
	}
	tpl.ETag = doc.ETag
	return &tpl, nil
}
