// Package engine runs workflow instances: the step executor dispatches on
// step type, the orchestrator loop advances instances through the step
// graph and persists state at every durable boundary.
package engine

import (
	"time"

	"github.com/cascadehq/cascade/pkg/workflow"
)

// StepResult is the outcome of one step execution attempt.
type StepResult struct {
	Success bool

	// Output becomes the step's recorded output, addressable by later
	// steps as steps.<id>.
	Output map[string]any

	// Error is set when Success is false.
	Error *workflow.ErrorInfo

	// NextStepID overrides transition selection (decision steps).
	NextStepID string

	// ShouldTerminate ends the instance successfully (terminate steps).
	ShouldTerminate bool

	// VariableUpdates merge into the instance variables, last write wins.
	VariableUpdates map[string]any

	// Wait parks the instance instead of advancing.
	Wait *WaitState
}

// WaitReason classifies why an instance parked.
type WaitReason string

const (
	WaitReasonEvent    WaitReason = "event"
	WaitReasonApproval WaitReason = "approval"
	WaitReasonTimer    WaitReason = "timer"
)

// WaitState describes a parked step.
type WaitState struct {
	Reason WaitReason

	// EventType is the awaited event for event waits.
	EventType string

	// ApprovalID references the pending approval for approval waits.
	ApprovalID string

	// ResumeAt is the wake-up time for timer waits.
	ResumeAt *time.Time

	// Deadline bounds event and approval waits; zero means unbounded.
	Deadline *time.Time
}

func failure(code, message, stepID string, details map[string]any) *StepResult {
	return &StepResult{
		Success: false,
		Error: &workflow.ErrorInfo{
			Code:    code,
			Message: message,
			StepID:  stepID,
			Details: details,
		},
	}
}
