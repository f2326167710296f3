package workflow

// StepType identifies the execution semantics of a workflow step.
type StepType string

const (
	StepTypeAction      StepType = "action"
	StepTypeDecision    StepType = "decision"
	StepTypeParallel    StepType = "parallel"
	StepTypeWait        StepType = "wait"
	StepTypeLoop        StepType = "loop"
	StepTypeHuman       StepType = "human"
	StepTypeSubworkflow StepType = "subworkflow"
	StepTypeTransform   StepType = "transform"
	StepTypeScript      StepType = "script"
	StepTypeSetVariable StepType = "setVariable"
	StepTypeDelay       StepType = "delay"
	StepTypeRetry       StepType = "retry"
	StepTypeCompensate  StepType = "compensate"
	StepTypeTerminate   StepType = "terminate"
)

// WorkflowStep is a node in the definition graph.
// Exactly one kind-specific config field should be populated,
// matching the step Type.
type WorkflowStep struct {
	// ID is unique within the containing definition.
	ID   string   `json:"id" yaml:"id"`
	Name string   `json:"name,omitempty" yaml:"name,omitempty"`
	Type StepType `json:"type" yaml:"type"`

	// Order controls implicit sequencing: when a step has no explicit
	// transitions, the step with the next higher Order runs next.
	Order int `json:"order" yaml:"order"`

	// IsEnabled defaults to true when nil.
	IsEnabled *bool `json:"isEnabled,omitempty" yaml:"isEnabled,omitempty"`

	Action       *ActionConfig      `json:"action,omitempty" yaml:"action,omitempty"`
	Conditions   []TransitionRule   `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Parallel     *ParallelConfig    `json:"parallelConfig,omitempty" yaml:"parallelConfig,omitempty"`
	Wait         *WaitConfig        `json:"waitConfig,omitempty" yaml:"waitConfig,omitempty"`
	Loop         *LoopConfig        `json:"loopConfig,omitempty" yaml:"loopConfig,omitempty"`
	Script       *ScriptConfig      `json:"scriptConfig,omitempty" yaml:"scriptConfig,omitempty"`
	Transform    *TransformConfig   `json:"transformConfig,omitempty" yaml:"transformConfig,omitempty"`
	Subworkflow  *SubworkflowConfig `json:"subworkflowConfig,omitempty" yaml:"subworkflowConfig,omitempty"`
	Human        *HumanConfig       `json:"humanConfig,omitempty" yaml:"humanConfig,omitempty"`
	SetVariables map[string]any     `json:"setVariables,omitempty" yaml:"setVariables,omitempty"`
	DelaySeconds int                `json:"delaySeconds,omitempty" yaml:"delaySeconds,omitempty"`

	// Transitions are consulted after the step completes. When empty,
	// implicit ordering applies.
	Transitions []TransitionRule `json:"transitions,omitempty" yaml:"transitions,omitempty"`

	// OnError dictates the failure policy for this step.
	OnError *ErrorHandler `json:"onError,omitempty" yaml:"onError,omitempty"`

	// TimeoutSeconds applies to a single step attempt.
	TimeoutSeconds int `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds,omitempty"`
}

// Enabled reports whether the step participates in execution.
func (s *WorkflowStep) Enabled() bool {
	return s.IsEnabled == nil || *s.IsEnabled
}

// ActionType identifies an outbound action executed by an action step.
type ActionType string

const (
	ActionHTTPRequest      ActionType = "http_request"
	ActionPublishEvent     ActionType = "publish_event"
	ActionStoreQuery       ActionType = "cosmos_query"
	ActionStoreUpsert      ActionType = "cosmos_upsert"
	ActionStoreDelete      ActionType = "cosmos_delete"
	ActionSendCommand      ActionType = "send_command"
	ActionSendNotification ActionType = "send_notification"
	ActionCallFunction     ActionType = "call_function"
)

// ActionConfig configures an action step. Fields are interpreted per Type;
// string values pass through the expression evaluator before use.
type ActionConfig struct {
	Type ActionType `json:"type" yaml:"type"`

	// OutputVariable names the variable receiving the action output.
	OutputVariable string `json:"outputVariable,omitempty" yaml:"outputVariable,omitempty"`

	// http_request
	URL            string            `json:"url,omitempty" yaml:"url,omitempty"`
	Method         string            `json:"method,omitempty" yaml:"method,omitempty"`
	Headers        map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body           any               `json:"body,omitempty" yaml:"body,omitempty"`
	Auth           *AuthConfig       `json:"auth,omitempty" yaml:"auth,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds,omitempty"`
	ValidateStatus []int             `json:"validateStatus,omitempty" yaml:"validateStatus,omitempty"`

	// publish_event
	EventType string `json:"eventType,omitempty" yaml:"eventType,omitempty"`
	Subject   string `json:"subject,omitempty" yaml:"subject,omitempty"`
	Data      any    `json:"data,omitempty" yaml:"data,omitempty"`

	// cosmos_query / cosmos_upsert / cosmos_delete
	Collection   string         `json:"collection,omitempty" yaml:"collection,omitempty"`
	Query        string         `json:"query,omitempty" yaml:"query,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Document     any            `json:"document,omitempty" yaml:"document,omitempty"`
	DocumentID   string         `json:"documentId,omitempty" yaml:"documentId,omitempty"`
	PartitionKey string         `json:"partitionKey,omitempty" yaml:"partitionKey,omitempty"`

	// send_command / send_notification / call_function
	Target  string         `json:"target,omitempty" yaml:"target,omitempty"`
	Payload map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// AuthConfig configures the Authorization header of an HTTP action.
type AuthConfig struct {
	// Type is one of: bearer, basic, api-key.
	Type     string `json:"type" yaml:"type"`
	Token    string `json:"token,omitempty" yaml:"token,omitempty"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`

	// Header overrides the header name for api-key auth (default X-API-Key).
	Header string `json:"header,omitempty" yaml:"header,omitempty"`
	Key    string `json:"key,omitempty" yaml:"key,omitempty"`
}

// TransitionRule is a guarded edge to another step.
// Default transitions are consulted only when no conditional transition
// matched. Lower Priority values are evaluated first; missing means last.
type TransitionRule struct {
	TargetStepID string               `json:"targetStepId" yaml:"targetStepId"`
	Condition    *ConditionExpression `json:"condition,omitempty" yaml:"condition,omitempty"`
	IsDefault    bool                 `json:"isDefault,omitempty" yaml:"isDefault,omitempty"`
	Priority     *int                 `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// WaitConfig configures a wait step.
type WaitConfig struct {
	// Type is one of: event, approval, timer.
	Type string `json:"type" yaml:"type"`

	// EventType is the awaited event for event waits.
	EventType string `json:"eventType,omitempty" yaml:"eventType,omitempty"`

	// Approval configures the approval gate for approval waits.
	Approval *HumanConfig `json:"approval,omitempty" yaml:"approval,omitempty"`

	// TimeoutSeconds bounds the wait; zero means unbounded.
	TimeoutSeconds int `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds,omitempty"`
}

// HumanConfig configures a human-in-the-loop approval gate.
type HumanConfig struct {
	ApproverRoles     []string       `json:"approverRoles,omitempty" yaml:"approverRoles,omitempty"`
	ApproverUsers     []string       `json:"approverUsers,omitempty" yaml:"approverUsers,omitempty"`
	RequiredApprovals int            `json:"requiredApprovals,omitempty" yaml:"requiredApprovals,omitempty"`
	ExpiresInSeconds  int            `json:"expiresInSeconds,omitempty" yaml:"expiresInSeconds,omitempty"`
	Context           map[string]any `json:"context,omitempty" yaml:"context,omitempty"`
}

// ParallelConfig is reserved: the orchestrator currently advances past
// parallel steps without fanning out.
type ParallelConfig struct {
	BranchStepIDs  []string `json:"branchStepIds,omitempty" yaml:"branchStepIds,omitempty"`
	JoinPolicy     string   `json:"joinPolicy,omitempty" yaml:"joinPolicy,omitempty"`
	TimeoutSeconds int      `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds,omitempty"`
}

// LoopConfig is reserved: the orchestrator currently advances past loop
// steps without iterating.
type LoopConfig struct {
	Collection     string               `json:"collection,omitempty" yaml:"collection,omitempty"`
	ItemVariable   string               `json:"itemVariable,omitempty" yaml:"itemVariable,omitempty"`
	MaxParallel    int                  `json:"maxParallel,omitempty" yaml:"maxParallel,omitempty"`
	BreakCondition *ConditionExpression `json:"breakCondition,omitempty" yaml:"breakCondition,omitempty"`
}

// SubworkflowConfig is reserved: the orchestrator currently advances past
// subworkflow steps without spawning a child instance.
type SubworkflowConfig struct {
	WorkflowID        string            `json:"workflowId" yaml:"workflowId"`
	InputMapping      map[string]string `json:"inputMapping,omitempty" yaml:"inputMapping,omitempty"`
	OutputMapping     map[string]string `json:"outputMapping,omitempty" yaml:"outputMapping,omitempty"`
	WaitForCompletion bool              `json:"waitForCompletion,omitempty" yaml:"waitForCompletion,omitempty"`
}

// ScriptConfig configures a privileged script step. Scripts run with a
// controlled symbol set and a wall-clock timeout; this is not a sandbox.
type ScriptConfig struct {
	Source         string `json:"source" yaml:"source"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds,omitempty"`
	OutputVariable string `json:"outputVariable,omitempty" yaml:"outputVariable,omitempty"`
}

// TransformConfig configures a transform step evaluated by the
// advanced expression engine.
type TransformConfig struct {
	Expression     string `json:"expression" yaml:"expression"`
	InputVariable  string `json:"inputVariable,omitempty" yaml:"inputVariable,omitempty"`
	OutputVariable string `json:"outputVariable" yaml:"outputVariable"`
}

// ErrorHandler dictates what the orchestrator does when a step fails.
type ErrorHandler struct {
	// Action is one of: fail, skip, retry, goto, compensate.
	// Empty means fail.
	Action string `json:"action,omitempty" yaml:"action,omitempty"`

	// FallbackStepID is the redirect target for goto.
	FallbackStepID string `json:"fallbackStepId,omitempty" yaml:"fallbackStepId,omitempty"`

	// RetryPolicy applies when Action is retry.
	RetryPolicy *RetryPolicy `json:"retryPolicy,omitempty" yaml:"retryPolicy,omitempty"`
}

// RetryPolicy bounds per-step retries.
type RetryPolicy struct {
	MaxAttempts int `json:"maxAttempts" yaml:"maxAttempts"`

	// BackoffType is fixed or exponential. Fixed sleeps InitialDelaySeconds
	// between attempts; exponential doubles it per retry.
	BackoffType         string `json:"backoffType,omitempty" yaml:"backoffType,omitempty"`
	InitialDelaySeconds int    `json:"initialDelaySeconds,omitempty" yaml:"initialDelaySeconds,omitempty"`
	MaxDelaySeconds     int    `json:"maxDelaySeconds,omitempty" yaml:"maxDelaySeconds,omitempty"`

	// RetryableErrors limits retries to the listed error codes.
	// Empty means every failure is retryable.
	RetryableErrors []string `json:"retryableErrors,omitempty" yaml:"retryableErrors,omitempty"`
}
