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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadehq/cascade/internal/store"
	"github.com/cascadehq/cascade/pkg/errors"
	"github.com/cascadehq/cascade/pkg/workflow"
)

func sampleDefinition() *workflow.WorkflowDefinition {
	return &workflow.WorkflowDefinition{
		Name: "invoice-processing",
		Steps: []workflow.WorkflowStep{
			{
				ID:    "submit",
				Type:  workflow.StepTypeAction,
				Order: 1,
				Action: &workflow.ActionConfig{
					Type: workflow.ActionHTTPRequest,
					URL:  "https://api.test/invoices",
				},
			},
			{ID: "done", Type: workflow.StepTypeTerminate, Order: 2},
		},
		Triggers: []workflow.TriggerDefinition{
			{
				Type:      workflow.TriggerTypeEvent,
				EventType: "invoice.received",
				IsActive:  true,
			},
		},
	}
}

func TestDefinitionsCreate(t *testing.T) {
	ctx := context.Background()
	repo := NewDefinitions(store.NewMemoryStore(), nil)

	def := sampleDefinition()
	require.NoError(t, repo.Create(ctx, def))

	assert.NotEmpty(t, def.WorkflowID)
	assert.Equal(t, 1, def.Version)
	assert.Equal(t, workflow.DefinitionStatusDraft, def.Status)
	assert.NotEmpty(t, def.Triggers[0].ID)
	assert.NotEmpty(t, def.ETag)

	got, err := repo.Get(ctx, def.WorkflowID, 1)
	require.NoError(t, err)
	assert.Equal(t, def.Name, got.Name)
	assert.Equal(t, def.ETag, got.ETag)
}

func TestDefinitionsCreateRejectsInvalid(t *testing.T) {
	repo := NewDefinitions(store.NewMemoryStore(), nil)
	def := sampleDefinition()
	def.Name = ""
	err := repo.Create(context.Background(), def)
	assert.True(t, errors.IsValidation(err))
}

func TestDefinitionsSingleActiveVersion(t *testing.T) {
	ctx := context.Background()
	repo := NewDefinitions(store.NewMemoryStore(), nil)

	def := sampleDefinition()
	require.NoError(t, repo.Create(ctx, def))

	v2 := *def
	require.NoError(t, repo.NewVersion(ctx, &v2))
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, workflow.DefinitionStatusDraft, v2.Status)

	// No active version yet.
	_, err := repo.GetActive(ctx, def.WorkflowID)
	assert.True(t, errors.IsNotFound(err))

	_, err = repo.Activate(ctx, def.WorkflowID, 1)
	require.NoError(t, err)

	active, err := repo.GetActive(ctx, def.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, 1, active.Version)

	// Activating v2 demotes v1.
	_, err = repo.Activate(ctx, def.WorkflowID, 2)
	require.NoError(t, err)

	active, err = repo.GetActive(ctx, def.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, 2, active.Version)

	v1, err := repo.Get(ctx, def.WorkflowID, 1)
	require.NoError(t, err)
	assert.Equal(t, workflow.DefinitionStatusInactive, v1.Status)

	versions, err := repo.ListVersions(ctx, def.WorkflowID)
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestDefinitionsDeactivate(t *testing.T) {
	ctx := context.Background()
	repo := NewDefinitions(store.NewMemoryStore(), nil)

	def := sampleDefinition()
	require.NoError(t, repo.Create(ctx, def))
	_, err := repo.Activate(ctx, def.WorkflowID, 1)
	require.NoError(t, err)

	require.NoError(t, repo.Deactivate(ctx, def.WorkflowID, 1))
	_, err = repo.GetActive(ctx, def.WorkflowID)
	assert.True(t, errors.IsNotFound(err))
}

func TestDefinitionsSoftDelete(t *testing.T) {
	ctx := context.Background()
	repo := NewDefinitions(store.NewMemoryStore(), nil)

	def := sampleDefinition()
	require.NoError(t, repo.Create(ctx, def))
	require.NoError(t, repo.SoftDelete(ctx, def.WorkflowID, 1))

	got, err := repo.Get(ctx, def.WorkflowID, 1)
	require.NoError(t, err)
	assert.True(t, got.IsDeleted)
	assert.NotNil(t, got.DeletedAt)
	assert.Equal(t, workflow.DefinitionStatusDeprecated, got.Status)

	// A deleted version cannot be activated.
	_, err = repo.Activate(ctx, def.WorkflowID, 1)
	assert.True(t, errors.IsState(err))
}
