package workflow

import "time"

// InstanceStatus represents the lifecycle status of a workflow instance.
type InstanceStatus string

const (
	InstanceStatusPending   InstanceStatus = "pending"
	InstanceStatusRunning   InstanceStatus = "running"
	InstanceStatusWaiting   InstanceStatus = "waiting"
	InstanceStatusPaused    InstanceStatus = "paused"
	InstanceStatusCompleted InstanceStatus = "completed"
	InstanceStatusFailed    InstanceStatus = "failed"
	InstanceStatusCancelled InstanceStatus = "cancelled"
	InstanceStatusTimedOut  InstanceStatus = "timed_out"
)

// IsTerminal reports whether the status admits no further transitions.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceStatusCompleted, InstanceStatusFailed, InstanceStatusCancelled, InstanceStatusTimedOut:
		return true
	}
	return false
}

// CanTransition reports whether the instance state machine permits moving
// from s to target.
func (s InstanceStatus) CanTransition(target InstanceStatus) bool {
	if s == target && s == InstanceStatusRunning {
		return true
	}
	switch s {
	case InstanceStatusPending:
		return target == InstanceStatusRunning || target == InstanceStatusCancelled
	case InstanceStatusRunning:
		switch target {
		case InstanceStatusWaiting, InstanceStatusPaused, InstanceStatusCompleted,
			InstanceStatusFailed, InstanceStatusCancelled, InstanceStatusTimedOut:
			return true
		}
	case InstanceStatusWaiting:
		return target == InstanceStatusRunning || target == InstanceStatusCancelled
	case InstanceStatusPaused:
		return target == InstanceStatusRunning || target == InstanceStatusCancelled
	}
	return false
}

// ErrorInfo is the durable error record attached to failed steps and
// instances.
type ErrorInfo struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	StepID  string         `json:"stepId,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// StepExecutionStatus represents the status of one step attempt.
type StepExecutionStatus string

const (
	StepExecutionPending   StepExecutionStatus = "pending"
	StepExecutionRunning   StepExecutionStatus = "running"
	StepExecutionCompleted StepExecutionStatus = "completed"
	StepExecutionFailed    StepExecutionStatus = "failed"
	StepExecutionSkipped   StepExecutionStatus = "skipped"
	StepExecutionWaiting   StepExecutionStatus = "waiting"
)

// StepExecution records one attempt at one step within an instance.
// An instance holds at most one entry per (stepId, retryCount) pair.
type StepExecution struct {
	StepID      string              `json:"stepId"`
	StepName    string              `json:"stepName,omitempty"`
	StepType    StepType            `json:"stepType"`
	Status      StepExecutionStatus `json:"status"`
	StartedAt   time.Time           `json:"startedAt"`
	CompletedAt *time.Time          `json:"completedAt,omitempty"`

	// Input is a snapshot of the instance variables at step start.
	Input  map[string]any `json:"input,omitempty"`
	Output map[string]any `json:"output,omitempty"`
	Error  *ErrorInfo     `json:"error,omitempty"`

	RetryCount int   `json:"retryCount"`
	DurationMs int64 `json:"durationMs,omitempty"`
}

// ActivityEntry is one line of the instance activity log.
type ActivityEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level,omitempty"`
	Message   string    `json:"message"`
	StepID    string    `json:"stepId,omitempty"`
}

// WorkflowInstance is a single execution of one definition version.
type WorkflowInstance struct {
	ID string `json:"id"`

	WorkflowID      string `json:"workflowId"`
	WorkflowVersion int    `json:"workflowVersion"`
	OrganizationID  string `json:"organizationId,omitempty"`

	TriggerID   string         `json:"triggerId,omitempty"`
	TriggerType string         `json:"triggerType,omitempty"`
	TriggerData map[string]any `json:"triggerData,omitempty"`

	Status        InstanceStatus `json:"status"`
	CurrentStepID string         `json:"currentStepId,omitempty"`

	StepExecutions []StepExecution `json:"stepExecutions,omitempty"`

	// Variables is the mutable per-instance variable map. Step
	// variableUpdates merge into it, last write wins.
	Variables map[string]any `json:"variables,omitempty"`

	// CompletedStepIDs is duplicate-free.
	CompletedStepIDs []string `json:"completedStepIds,omitempty"`

	CorrelationID    string `json:"correlationId,omitempty"`
	ParentInstanceID string `json:"parentInstanceId,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	// ResumeAt is persisted before a long in-loop delay so a restarted
	// engine can pick the instance back up.
	ResumeAt *time.Time `json:"resumeAt,omitempty"`

	// WaitingForEvent is the awaited event type while the instance is
	// parked on an event wait; the dispatcher resumes on arrival.
	WaitingForEvent string `json:"waitingForEvent,omitempty"`

	LastError   *ErrorInfo `json:"lastError,omitempty"`
	InitiatedBy string     `json:"initiatedBy,omitempty"`

	ActivityLog []ActivityEntry `json:"activityLog,omitempty"`

	CurrentStage    string `json:"currentStage,omitempty"`
	ProgressPercent int    `json:"progressPercent,omitempty"`

	// TTLSeconds is the retention window applied by the store.
	TTLSeconds int `json:"ttl,omitempty"`

	// ETag is the optimistic concurrency token assigned by the store.
	ETag string `json:"_etag,omitempty"`
}

// MarkStepCompleted appends stepID to CompletedStepIDs if absent.
func (i *WorkflowInstance) MarkStepCompleted(stepID string) {
	for _, id := range i.CompletedStepIDs {
		if id == stepID {
			return
		}
	}
	i.CompletedStepIDs = append(i.CompletedStepIDs, stepID)
}

// MergeVariables merges updates into the instance variables,
// updates winning on key collisions.
func (i *WorkflowInstance) MergeVariables(updates map[string]any) {
	if len(updates) == 0 {
		return
	}
	if i.Variables == nil {
		i.Variables = make(map[string]any, len(updates))
	}
	for k, v := range updates {
		i.Variables[k] = v
	}
}

// StepOutputs aggregates the outputs of completed steps, keyed by step ID.
// The latest completed attempt wins for steps that retried.
func (i *WorkflowInstance) StepOutputs() map[string]any {
	outputs := make(map[string]any)
	for idx := range i.StepExecutions {
		exec := &i.StepExecutions[idx]
		if exec.Status == StepExecutionCompleted {
			outputs[exec.StepID] = exec.Output
		}
	}
	return outputs
}
