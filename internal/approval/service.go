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

// Package approval runs the approval sub-state-machine gating human and
// wait(approval) steps: pending until enough approvals arrive, a single
// rejection finalizes, reassignment closes the original and opens a fresh
// pending request.
package approval

import (
	"context"
	"log/slog"
	"time"

	"github.com/cascadehq/cascade/internal/metrics"
	"github.com/cascadehq/cascade/internal/publish"
	"github.com/cascadehq/cascade/internal/repository"
	"github.com/cascadehq/cascade/pkg/errors"
	"github.com/cascadehq/cascade/pkg/workflow"
)

// conflictRetries bounds reload-and-retry attempts when concurrent
// decisions race on one request.
const conflictRetries = 3

// Resumer continues a waiting instance once its approval finalizes.
type Resumer interface {
	Resume(ctx context.Context, instanceID string, eventData map[string]any) error
}

// Service coordinates approval requests with the instances they gate.
type Service struct {
	approvals *repository.Approvals
	publisher publish.Publisher
	resumer   Resumer
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates an approval service. The resumer may be set later
// with SetResumer to break the construction cycle with the engine.
func NewService(approvals *repository.Approvals, publisher publish.Publisher, m *metrics.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = publish.NopPublisher{}
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Service{
		approvals: approvals,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// SetResumer wires the engine in after construction.
func (s *Service) SetResumer(r Resumer) { s.resumer = r }

// WithNow replaces the service clock. Tests only.
func (s *Service) WithNow(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateForStep raises a pending approval request for one step of one
// instance and returns it.
func (s *Service) CreateForStep(ctx context.Context, inst *workflow.WorkflowInstance, stepID string, cfg *workflow.HumanConfig, resolvedContext map[string]any) (*workflow.ApprovalRequest, error) {
	if cfg == nil {
		return nil, &errors.ValidationError{Field: "human", Message: "approval configuration is required"}
	}
	req := &workflow.ApprovalRequest{
		InstanceID:        inst.ID,
		WorkflowID:        inst.WorkflowID,
		StepID:            stepID,
		OrganizationID:    inst.OrganizationID,
		ApproverRoles:     cfg.ApproverRoles,
		ApproverUsers:     cfg.ApproverUsers,
		RequiredApprovals: cfg.RequiredApprovals,
		Context:           resolvedContext,
		RequestedAt:       s.now().UTC(),
		Status:            workflow.ApprovalStatusPending,
	}
	if cfg.ExpiresInSeconds > 0 {
		expires := req.RequestedAt.Add(time.Duration(cfg.ExpiresInSeconds) * time.Second)
		req.ExpiresAt = &expires
	}
	if err := s.approvals.Create(ctx, req); err != nil {
		return nil, err
	}

	s.metrics.ApprovalsCreated.Inc()
	s.publishEvent(ctx, publish.EventApprovalRequested, req)
	s.logger.Info("approval requested",
		"approval_id", req.ID,
		"instance_id", req.InstanceID,
		"step_id", req.StepID,
		"required_approvals", req.RequiredApprovals,
	)
	return req, nil
}

// RecordDecision applies one user's decision. Decisions against
// finalized or expired requests fail with StateError; duplicate decisions
// by one user fail with ValidationError. A rejection finalizes
// immediately; the final required approval finalizes as approved. Either
// finalization resumes the gated instance.
func (s *Service) RecordDecision(ctx context.Context, approvalID, instanceID, userID, decision, comment string, data map[string]any) (*workflow.ApprovalRequest, error) {
	if decision != workflow.DecisionApproved && decision != workflow.DecisionRejected {
		return nil, &errors.ValidationError{
			Field:      "decision",
			Message:    "decision must be approved or rejected",
			Suggestion: "reassignment uses the reassign operation, not a decision",
		}
	}

	var req *workflow.ApprovalRequest
	for attempt := 0; ; attempt++ {
		var err error
		req, err = s.approvals.Get(ctx, approvalID, instanceID)
		if err != nil {
			return nil, err
		}

		if err := s.applyDecision(req, userID, decision, comment, data); err != nil {
			return nil, err
		}

		err = s.approvals.Save(ctx, req)
		if err == nil {
			break
		}
		if !errors.IsConflict(err) || attempt >= conflictRetries {
			return nil, err
		}
		s.metrics.StoreConflicts.Inc()
	}

	s.logger.Info("approval decision recorded",
		"approval_id", req.ID,
		"instance_id", req.InstanceID,
		"user_id", userID,
		"decision", decision,
		"status", req.Status,
	)

	if req.Status.IsTerminal() {
		s.finalize(ctx, req)
	}
	return req, nil
}

func (s *Service) applyDecision(req *workflow.ApprovalRequest, userID, decision, comment string, data map[string]any) error {
	if req.Status != workflow.ApprovalStatusPending {
		return &errors.StateError{
			Resource:  "approval",
			ID:        req.ID,
			Current:   string(req.Status),
			Operation: "decide",
		}
	}
	if req.Expired(s.now()) {
		return &errors.StateError{
			Resource:  "approval",
			ID:        req.ID,
			Current:   "expired",
			Operation: "decide",
		}
	}
	if req.HasDecisionFrom(userID) {
		return &errors.ValidationError{
			Field:   "userId",
			Message: "user already decided this approval",
		}
	}

	req.Decisions = append(req.Decisions, workflow.ApprovalDecision{
		UserID:    userID,
		Decision:  decision,
		Comment:   comment,
		Data:      data,
		DecidedAt: s.now().UTC(),
	})

	if decision == workflow.DecisionRejected {
		req.Status = workflow.ApprovalStatusRejected
		return nil
	}

	req.CurrentApprovals++
	if req.CurrentApprovals >= req.RequiredApprovals {
		req.Status = workflow.ApprovalStatusApproved
	}
	return nil
}

// Reassign closes the request as reassigned, recording a synthetic
// reassignment marker that never counts toward the approval quorum, and
// opens a fresh pending request addressed to toUserID. Approvals already
// collected carry over.
func (s *Service) Reassign(ctx context.Context, approvalID, instanceID, byUserID, toUserID, comment string) (*workflow.ApprovalRequest, error) {
	if toUserID == "" {
		return nil, &errors.ValidationError{Field: "toUserId", Message: "reassignment target is required"}
	}

	req, err := s.approvals.Get(ctx, approvalID, instanceID)
	if err != nil {
		return nil, err
	}
	if req.Status != workflow.ApprovalStatusPending {
		return nil, &errors.StateError{
			Resource:  "approval",
			ID:        req.ID,
			Current:   string(req.Status),
			Operation: "reassign",
		}
	}

	req.Status = workflow.ApprovalStatusReassigned
	req.ReassignedTo = toUserID
	req.Decisions = append(req.Decisions, workflow.ApprovalDecision{
		UserID:    byUserID,
		Decision:  workflow.DecisionReassigned,
		Comment:   comment,
		DecidedAt: s.now().UTC(),
	})
	if err := s.approvals.Save(ctx, req); err != nil {
		return nil, err
	}

	replacement := &workflow.ApprovalRequest{
		InstanceID:        req.InstanceID,
		WorkflowID:        req.WorkflowID,
		StepID:            req.StepID,
		OrganizationID:    req.OrganizationID,
		ApproverUsers:     []string{toUserID},
		RequiredApprovals: req.RequiredApprovals,
		CurrentApprovals:  req.CurrentApprovals,
		Context:           req.Context,
		RequestedAt:       s.now().UTC(),
		ExpiresAt:         req.ExpiresAt,
		Status:            workflow.ApprovalStatusPending,
	}
	for _, d := range req.Decisions {
		if d.Decision == workflow.DecisionApproved {
			replacement.Decisions = append(replacement.Decisions, d)
		}
	}
	if err := s.approvals.Create(ctx, replacement); err != nil {
		return nil, err
	}

	s.logger.Info("approval reassigned",
		"approval_id", req.ID,
		"replacement_id", replacement.ID,
		"instance_id", req.InstanceID,
		"to_user", toUserID,
	)
	return replacement, nil
}

// ExpireSweep finalizes pending requests whose deadline passed and
// resumes their instances with an expired approval result. Returns the
// number of requests expired.
func (s *Service) ExpireSweep(ctx context.Context) (int, error) {
	expired, err := s.approvals.ListExpired(ctx, s.now(), 0)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, req := range expired {
		req.Status = workflow.ApprovalStatusExpired
		if err := s.approvals.Save(ctx, req); err != nil {
			if errors.IsConflict(err) {
				continue
			}
			return count, err
		}
		count++
		s.logger.Info("approval expired",
			"approval_id", req.ID,
			"instance_id", req.InstanceID,
		)
		s.publishEvent(ctx, publish.EventApprovalExpired, req)
		s.metrics.ApprovalsFinalized.WithLabelValues(string(workflow.ApprovalStatusExpired)).Inc()
		s.resume(ctx, req)
	}
	return count, nil
}

// finalize publishes the decision event and resumes the gated instance.
func (s *Service) finalize(ctx context.Context, req *workflow.ApprovalRequest) {
	s.metrics.ApprovalsFinalized.WithLabelValues(string(req.Status)).Inc()
	s.publishEvent(ctx, publish.EventApprovalDecided, req)
	s.resume(ctx, req)
}

func (s *Service) resume(ctx context.Context, req *workflow.ApprovalRequest) {
	if s.resumer == nil {
		return
	}
	err := s.resumer.Resume(ctx, req.InstanceID, map[string]any{
		"approvalResult": Result(req),
	})
	if err != nil {
		s.logger.Error("resume after approval failed",
			"approval_id", req.ID,
			"instance_id", req.InstanceID,
			"error", err,
		)
	}
}

// Result flattens a finalized request into the approvalResult document
// merged into the resumed instance's variables. It carries the full
// decision trail plus the data attached to the finalizing decision.
func Result(req *workflow.ApprovalRequest) map[string]any {
	var approvedBy []string
	var rejectedBy string
	var comments []string
	decisions := make([]map[string]any, 0, len(req.Decisions))
	var data map[string]any
	for _, d := range req.Decisions {
		switch d.Decision {
		case workflow.DecisionApproved:
			approvedBy = append(approvedBy, d.UserID)
		case workflow.DecisionRejected:
			rejectedBy = d.UserID
		}
		if d.Comment != "" {
			comments = append(comments, d.Comment)
		}
		entry := map[string]any{
			"userId":    d.UserID,
			"decision":  string(d.Decision),
			"decidedAt": d.DecidedAt.UTC().Format(time.RFC3339),
		}
		if d.Comment != "" {
			entry["comment"] = d.Comment
		}
		if len(d.Data) > 0 {
			entry["data"] = d.Data
			data = d.Data
		}
		decisions = append(decisions, entry)
	}
	result := map[string]any{
		"approvalId": req.ID,
		"stepId":     req.StepID,
		"status":     string(req.Status),
		"approved":   req.Status == workflow.ApprovalStatusApproved,
		"decisions":  decisions,
	}
	if data != nil {
		result["data"] = data
	}
	if len(approvedBy) > 0 {
		result["approvedBy"] = approvedBy
	}
	if rejectedBy != "" {
		result["rejectedBy"] = rejectedBy
	}
	if len(comments) > 0 {
		result["comments"] = comments
	}
	return result
}

func (s *Service) publishEvent(ctx context.Context, eventType string, req *workflow.ApprovalRequest) {
	event := publish.NewEvent(eventType, req.InstanceID, map[string]any{
		"approvalId": req.ID,
		"instanceId": req.InstanceID,
		"workflowId": req.WorkflowID,
		"stepId":     req.StepID,
		"status":     string(req.Status),
	})
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("approval event publish failed",
			"event_type", eventType,
			"approval_id", req.ID,
			"error", err,
		)
	}
}
