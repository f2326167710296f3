// Package workflow defines the durable data model of the orchestration
// engine: workflow definitions, steps, transitions, conditions, instances,
// approvals, triggers, and templates.
package workflow

import (
	"time"
)

// DefinitionStatus represents the lifecycle status of a workflow definition.
type DefinitionStatus string

const (
	DefinitionStatusDraft      DefinitionStatus = "draft"
	DefinitionStatusActive     DefinitionStatus = "active"
	DefinitionStatusInactive   DefinitionStatus = "inactive"
	DefinitionStatusDeprecated DefinitionStatus = "deprecated"
)

// WorkflowDefinition is the static blueprint of a workflow. Definitions are
// immutable per version; changes create a new version. At most one version
// per workflowId may be active at a time.
type WorkflowDefinition struct {
	// ID is the document identifier, unique per (workflowId, version).
	ID string `json:"id" yaml:"id,omitempty"`

	// WorkflowID groups all versions of the same workflow.
	WorkflowID string `json:"workflowId" yaml:"workflowId,omitempty"`

	// Version is the integer definition version, starting at 1.
	Version int `json:"version" yaml:"version,omitempty"`

	Name        string           `json:"name" yaml:"name"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Status      DefinitionStatus `json:"status" yaml:"status,omitempty"`

	OrganizationID string `json:"organizationId,omitempty" yaml:"organizationId,omitempty"`

	// Triggers declare the sources that can start an instance.
	Triggers []TriggerDefinition `json:"triggers,omitempty" yaml:"triggers,omitempty"`

	// Steps is the ordered step graph. Steps execute in ascending Order
	// when no explicit transition applies.
	Steps []WorkflowStep `json:"steps" yaml:"steps"`

	// Variables is the declared variable schema (name -> spec).
	Variables map[string]VariableSpec `json:"variables,omitempty" yaml:"variables,omitempty"`

	Settings WorkflowSettings `json:"settings" yaml:"settings,omitempty"`

	Tags     []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Category string   `json:"category,omitempty" yaml:"category,omitempty"`

	CreatedAt time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"-"`
	CreatedBy string    `json:"createdBy,omitempty" yaml:"-"`
	UpdatedBy string    `json:"updatedBy,omitempty" yaml:"-"`

	IsDeleted bool       `json:"isDeleted,omitempty" yaml:"-"`
	DeletedAt *time.Time `json:"deletedAt,omitempty" yaml:"-"`

	// ETag is the optimistic concurrency token assigned by the store.
	ETag string `json:"_etag,omitempty" yaml:"-"`
}

// VariableSpec declares a workflow variable.
type VariableSpec struct {
	Type         string `json:"type,omitempty" yaml:"type,omitempty"`
	Required     bool   `json:"required,omitempty" yaml:"required,omitempty"`
	DefaultValue any    `json:"defaultValue,omitempty" yaml:"defaultValue,omitempty"`
	Validation   string `json:"validation,omitempty" yaml:"validation,omitempty"`
}

// WorkflowSettings holds per-definition execution policy.
type WorkflowSettings struct {
	// MaxExecutionSeconds is the ceiling on total instance runtime.
	// Zero means the engine default applies.
	MaxExecutionSeconds int `json:"maxExecutionSeconds,omitempty" yaml:"maxExecutionSeconds,omitempty"`

	// RetentionDays controls instance document TTL.
	RetentionDays int `json:"retentionDays,omitempty" yaml:"retentionDays,omitempty"`

	// AllowParallelExecutions permits multiple concurrent instances of
	// the same definition.
	AllowParallelExecutions bool `json:"allowParallelExecutions,omitempty" yaml:"allowParallelExecutions,omitempty"`

	// NotificationTargets receive lifecycle notifications.
	NotificationTargets []string `json:"notificationTargets,omitempty" yaml:"notificationTargets,omitempty"`

	// AuditEnabled toggles activity log writes.
	AuditEnabled bool `json:"auditEnabled,omitempty" yaml:"auditEnabled,omitempty"`
}

// FirstStep returns the implicit start step: the enabled step with the
// lowest Order. Returns nil for a definition with no usable steps.
func (d *WorkflowDefinition) FirstStep() *WorkflowStep {
	var first *WorkflowStep
	for i := range d.Steps {
		s := &d.Steps[i]
		if !s.Enabled() {
			continue
		}
		if first == nil || s.Order < first.Order {
			first = s
		}
	}
	return first
}

// Step returns the step with the given ID, or nil.
func (d *WorkflowDefinition) Step(id string) *WorkflowStep {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}
