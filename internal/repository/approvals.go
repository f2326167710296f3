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

// Approvals is the approval request repository.
type Approvals struct {
	store  store.Store
	logger *slog.Logger

	defaultTTLSeconds int
}

// NewApprovals creates an approval repository.
func NewApprovals(st store.Store, defaultTTLSeconds int, logger *slog.Logger) *Approvals {
	if logger == nil {
		logger = slog.Default()
	}
	return &Approvals{store: st, logger: logger, defaultTTLSeconds: defaultTTLSeconds}
}

// Create persists a new approval request in pending status.
func (r *Approvals) Create(ctx context.Context, req *workflow.ApprovalRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Status == "" {
		req.Status = workflow.ApprovalStatusPending
	}
	if req.RequiredApprovals <= 0 {
		req.RequiredApprovals = 1
	}
	if req.TTLSeconds == 0 {
		req.TTLSeconds = r.defaultTTLSeconds
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}
	req.ETag = ""
	return r.save(ctx, req)
}

// Get retrieves an approval request.
func (r *Approvals) Get(ctx context.Context, approvalID, instanceID string) (*workflow.ApprovalRequest, error) {
	doc, err := r.store.Get(ctx, store.Approvals, approvalID, instanceID)
	if err != nil {
		return nil, err
	}
	return decodeApproval(doc)
}

// Save writes the request back conditionally on its ETag, so concurrent
// decisions serialize instead of double counting.
func (r *Approvals) Save(ctx context.Context, req *workflow.ApprovalRequest) error {
	return r.save(ctx, req)
}

// ListByInstance returns every approval request raised by one instance.
func (r *Approvals) ListByInstance(ctx context.Context, instanceID string) ([]*workflow.ApprovalRequest, error) {
	docs, err := r.store.Query(ctx, store.Approvals, store.Query{PartitionKey: instanceID})
	if err != nil {
		return nil, err
	}
	return decodeApprovals(docs)
}

// ListPending returns pending approval requests across instances.
func (r *Approvals) ListPending(ctx context.Context, limit int) ([]*workflow.ApprovalRequest, error) {
	docs, err := r.store.Query(ctx, store.Approvals, store.Query{
		Where: []store.Clause{
			{Path: "status", Op: store.CmpEq, Value: string(workflow.ApprovalStatusPending)},
		},
		Limit: limit,
	})
	if err != nil {
		return nil, err
	}
	return decodeApprovals(docs)
}

// ListExpired returns pending requests whose deadline passed before now.
func (r *Approvals) ListExpired(ctx context.Context, now time.Time, limit int) ([]*workflow.ApprovalRequest, error) {
	docs, err := r.store.Query(ctx, store.Approvals, store.Query{
		Where: []store.Clause{
			{Path: "status", Op: store.CmpEq, Value: string(workflow.ApprovalStatusPending)},
			{Path: "expiresAt", Op: store.CmpLte, Value: now.UTC().Format(time.RFC3339Nano)},
		},
		Limit: limit,
	})
	if err != nil {
		return nil, err
	}
	return decodeApprovals(docs)
}

func (r *Approvals) save(ctx context.Context, req *workflow.ApprovalRequest) error {
	etag := req.ETag
	req.ETag = ""
	body, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "encode approval request")
	}
	stored, err := r.store.Upsert(ctx, store.Approvals, &store.Document{
		ID:           req.ID,
		PartitionKey: req.InstanceID,
		Body:         body,
		ETag:         etag,
		TTLSeconds:   req.TTLSeconds,
	})
	if err != nil {
		return err
	}
	req.ETag = stored.ETag
	return nil
}

func decodeApproval(doc *store.Document) (*workflow.ApprovalRequest, error) {
	var req workflow.ApprovalRequest
	if err := json.Unmarshal(doc.Body, &req); err != nil {
		return nil, errors.Wrap(err, "decode approval request")
	}
	req.ETag = doc.ETag
	return &req, nil
}

func decodeApprovals(docs []*store.Document) ([]*workflow.ApprovalRequest, error) {
	out := make([]*workflow.ApprovalRequest, 0, len(docs))
	for _, doc := range docs {
		req, err := decodeApproval(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}
