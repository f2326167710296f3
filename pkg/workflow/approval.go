package workflow

import "time"

// ApprovalStatus represents the lifecycle status of an approval request.
// Pending is the only non-terminal status.
type ApprovalStatus string

const (
	ApprovalStatusPending    ApprovalStatus = "pending"
	ApprovalStatusApproved   ApprovalStatus = "approved"
	ApprovalStatusRejected   ApprovalStatus = "rejected"
	ApprovalStatusReassigned ApprovalStatus = "reassigned"
	ApprovalStatusExpired    ApprovalStatus = "expired"
)

// IsTerminal reports whether the status admits no further decisions.
func (s ApprovalStatus) IsTerminal() bool {
	return s != ApprovalStatusPending
}

// Decision values accepted from users.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"

	// DecisionReassigned is the synthetic close marker recorded on an
	// approval that was reassigned. It never counts toward
	// RequiredApprovals.
	DecisionReassigned = "reassigned"
)

// ApprovalDecision is one user's contribution to an approval request.
// A single user may contribute at most one decision.
type ApprovalDecision struct {
	UserID    string         `json:"userId"`
	Decision  string         `json:"decision"`
	Comment   string         `json:"comment,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	DecidedAt time.Time      `json:"decidedAt"`
}

// ApprovalRequest gates a human or wait(approval) step. It is partitioned
// by InstanceID and carries a TTL so finalized records age out.
type ApprovalRequest struct {
	ID string `json:"id"`

	InstanceID     string `json:"instanceId"`
	WorkflowID     string `json:"workflowId"`
	StepID         string `json:"stepId"`
	OrganizationID string `json:"organizationId,omitempty"`

	ApproverRoles []string `json:"approverRoles,omitempty"`
	ApproverUsers []string `json:"approverUsers,omitempty"`

	RequiredApprovals int `json:"requiredApprovals"`
	CurrentApprovals  int `json:"currentApprovals"`

	Context map[string]any `json:"context,omitempty"`

	RequestedAt time.Time  `json:"requestedAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`

	Status    ApprovalStatus     `json:"status"`
	Decisions []ApprovalDecision `json:"decisions,omitempty"`

	// ReassignedTo names the user the request was forwarded to, set on
	// the closed original when a reassignment happens.
	ReassignedTo string `json:"reassignedTo,omitempty"`

	TTLSeconds int    `json:"ttl,omitempty"`
	ETag       string `json:"_etag,omitempty"`
}

// HasDecisionFrom reports whether userID already contributed a decision.
func (a *ApprovalRequest) HasDecisionFrom(userID string) bool {
	for _, d := range a.Decisions {
		if d.UserID == userID {
			return true
		}
	}
	return false
}

// Expired reports whether the request's deadline has passed at now.
func (a *ApprovalRequest) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && a.ExpiresAt.Before(now)
}
