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
	"time"

	"github.com/cascadehq/cascade/pkg/workflow"
)

// WorkflowStats aggregates execution outcomes for one workflow.
type WorkflowStats struct {
	WorkflowID string `json:"workflowId"`

	Total     int `json:"total"`
	Running   int `json:"running"`
	Waiting   int `json:"waiting"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	TimedOut  int `json:"timedOut"`

	// MeanDurationMs averages createdAt-to-completedAt over finished runs.
	MeanDurationMs int64 `json:"meanDurationMs"`

	// SuccessRate is completed over terminal instances, 0..1.
	SuccessRate float64 `json:"successRate"`
}

// Stats computes execution statistics for one workflow by scanning its
// instances. Expired instances have already aged out of the store and do
// not contribute.
func (r *Instances) Stats(ctx context.Context, workflowID string) (*WorkflowStats, error) {
	instances, err := r.ListByWorkflow(ctx, workflowID, "", 0)
	if err != nil {
		return nil, err
	}

	stats := &WorkflowStats{WorkflowID: workflowID}
	var durationTotal time.Duration
	finished := 0
	terminal := 0

	for _, inst := range instances {
		stats.Total++
		switch inst.Status {
		case workflow.InstanceStatusRunning, workflow.InstanceStatusPending:
			stats.Running++
		case workflow.InstanceStatusWaiting, workflow.InstanceStatusPaused:
			stats.Waiting++
		case workflow.InstanceStatusCompleted:
			stats.Completed++
		case workflow.InstanceStatusFailed:
			stats.Failed++
		case workflow.InstanceStatusCancelled:
			stats.Cancelled++
		case workflow.InstanceStatusTimedOut:
			stats.TimedOut++
		}
		if inst.Status.IsTerminal() {
			terminal++
		}
		if inst.CompletedAt != nil {
			durationTotal += inst.CompletedAt.Sub(inst.CreatedAt)
			finished++
		}
	}

	if finished > 0 {
		stats.MeanDurationMs = durationTotal.Milliseconds() / int64(finished)
	}
	if terminal > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(terminal)
	}
	return stats, nil
}
