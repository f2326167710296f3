package workflow

// TriggerType identifies how an instance gets started.
type TriggerType string

const (
	TriggerTypeEvent    TriggerType = "event"
	TriggerTypeHTTP     TriggerType = "http"
	TriggerTypeSchedule TriggerType = "schedule"
	TriggerTypeManual   TriggerType = "manual"
)

// TriggerDefinition declares an instance-creation source inside a workflow
// definition. Only event triggers are indexed in the runtime registry;
// HTTP, schedule, and manual triggers are invoked through other paths.
type TriggerDefinition struct {
	ID   string      `json:"id" yaml:"id"`
	Type TriggerType `json:"type" yaml:"type"`
	Name string      `json:"name,omitempty" yaml:"name,omitempty"`

	// EventType is the subscribed event for event triggers.
	EventType string `json:"eventType,omitempty" yaml:"eventType,omitempty"`

	// EventFilter is a single comparison of the form "path op literal",
	// e.g. `data.lineOfBusiness == "medical"`. Empty matches everything.
	EventFilter string `json:"eventFilter,omitempty" yaml:"eventFilter,omitempty"`

	// ExtractVariables maps initial variable names to $.-rooted paths
	// into the event document.
	ExtractVariables map[string]string `json:"extractVariables,omitempty" yaml:"extractVariables,omitempty"`

	// Priority orders trigger evaluation, higher first.
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`

	IsActive bool `json:"isActive" yaml:"isActive"`

	// Schedule is a cron expression for schedule triggers.
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// TriggerRegistration is the runtime registry entry for an active event
// trigger, partitioned by EventType for cheap lookup on the dispatch path.
type TriggerRegistration struct {
	// ID is the trigger ID from the owning definition.
	ID string `json:"id"`

	EventType string `json:"eventType"`

	WorkflowID      string `json:"workflowId"`
	WorkflowVersion int    `json:"workflowVersion"`

	IsActive bool `json:"isActive"`

	EventFilter      string            `json:"eventFilter,omitempty"`
	ExtractVariables map[string]string `json:"extractVariables,omitempty"`

	Priority int `json:"priority,omitempty"`

	ETag string `json:"_etag,omitempty"`
}

// InboundEvent is the shape delivered by the external event dispatcher.
type InboundEvent struct {
	EventType string         `json:"eventType"`
	Data      map[string]any `json:"data"`
	Subject   string         `json:"subject,omitempty"`
	EventTime string         `json:"eventTime,omitempty"`
}

// Document returns the event as a map for filter evaluation and variable
// extraction, with data nested under "data".
func (e *InboundEvent) Document() map[string]any {
	doc := map[string]any{
		"eventType": e.EventType,
		"data":      e.Data,
	}
	if e.Subject != "" {
		doc["subject"] = e.Subject
	}
	if e.EventTime != "" {
		doc["eventTime"] = e.EventTime
	}
	return doc
}
