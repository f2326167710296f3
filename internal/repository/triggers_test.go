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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadehq/cascade/internal/store"
	"github.com/cascadehq/cascade/pkg/errors"
	"github.com/cascadehq/cascade/pkg/workflow"
)

func TestTriggersRegisterValidation(t *testing.T) {
	ctx := context.Background()
	repo := NewTriggers(store.NewMemoryStore(), nil)

	err := repo.Register(ctx, &workflow.TriggerRegistration{EventType: "e"})
	assert.True(t, errors.IsValidation(err))

	err = repo.Register(ctx, &workflow.TriggerRegistration{ID: "t1"})
	assert.True(t, errors.IsValidation(err))

	reg := &workflow.TriggerRegistration{ID: "t1", EventType: "order.created", WorkflowID: "wf-1", IsActive: true}
	require.NoError(t, repo.Register(ctx, reg))
	assert.NotEmpty(t, reg.ETag)
}

func TestTriggersListByEventType(t *testing.T) {
	ctx := context.Background()
	repo := NewTriggers(store.NewMemoryStore(), nil)

	regs := []*workflow.TriggerRegistration{
		{ID: "low", EventType: "order.created", WorkflowID: "wf-1", IsActive: true, Priority: 1},
		{ID: "high", EventType: "order.created", WorkflowID: "wf-2", IsActive: true, Priority: 10},
		{ID: "inactive", EventType: "order.created", WorkflowID: "wf-3", IsActive: false},
		{ID: "other", EventType: "order.updated", WorkflowID: "wf-4", IsActive: true},
	}
	for _, reg := range regs {
		require.NoError(t, repo.Register(ctx, reg))
	}

	got, err := repo.ListByEventType(ctx, "order.created")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "high", got[0].ID)
	assert.Equal(t, "low", got[1].ID)
}

func TestTriggersSyncDefinitionReplacesPriorVersion(t *testing.T) {
	ctx := context.Background()
	repo := NewTriggers(store.NewMemoryStore(), nil)

	v1 := &workflow.WorkflowDefinition{
		WorkflowID: "wf-1",
		Version:    1,
		Triggers: []workflow.TriggerDefinition{
			{ID: "t1", Type: workflow.TriggerTypeEvent, EventType: "invoice.received", IsActive: true},
			{ID: "t2", Type: workflow.TriggerTypeManual},
			{ID: "t3", Type: workflow.TriggerTypeEvent, EventType: "invoice.voided", IsActive: false},
		},
	}
	require.NoError(t, repo.SyncDefinition(ctx, v1))

	got, err := repo.ListByEventType(ctx, "invoice.received")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].WorkflowVersion)

	// Manual and inactive triggers never reach the registry.
	got, err = repo.ListByEventType(ctx, "invoice.voided")
	require.NoError(t, err)
	assert.Empty(t, got)

	// Activating v2 with a different subscription drops the v1 entry.
	v2 := &workflow.WorkflowDefinition{
		WorkflowID: "wf-1",
		Version:    2,
		Triggers: []workflow.TriggerDefinition{
			{ID: "t9", Type: workflow.TriggerTypeEvent, EventType: "invoice.approved", IsActive: true},
		},
	}
	require.NoError(t, repo.SyncDefinition(ctx, v2))

	got, err = repo.ListByEventType(ctx, "invoice.received")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = repo.ListByEventType(ctx, "invoice.approved")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].WorkflowVersion)
}

func TestApprovalsCreateAndListExpired(t *testing.T) {
	ctx := context.Background()
	repo := NewApprovals(store.NewMemoryStore(), 600, nil)

	req := &workflow.ApprovalRequest{InstanceID: "inst-1", WorkflowID: "wf-1", StepID: "gate"}
	require.NoError(t, repo.Create(ctx, req))
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, workflow.ApprovalStatusPending, req.Status)
	assert.Equal(t, 1, req.RequiredApprovals)
	assert.Equal(t, 600, req.TTLSeconds)
	assert.False(t, req.RequestedAt.IsZero())

	got, err := repo.Get(ctx, req.ID, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, req.ID, got.ID)

	byInstance, err := repo.ListByInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Len(t, byInstance, 1)

	pending, err := repo.ListPending(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	// Only past-deadline pending requests show up as expired.
	now := req.RequestedAt
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	expired := &workflow.ApprovalRequest{InstanceID: "inst-2", StepID: "gate", ExpiresAt: &past}
	require.NoError(t, repo.Create(ctx, expired))
	open := &workflow.ApprovalRequest{InstanceID: "inst-3", StepID: "gate", ExpiresAt: &future}
	require.NoError(t, repo.Create(ctx, open))

	due, err := repo.ListExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, expired.ID, due[0].ID)
}
