package workflow

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/cascadehq/cascade/pkg/errors"
)

// WorkflowTemplate is a parameterized definition blueprint. Instantiating
// a template mints fresh step and trigger IDs and rewrites every internal
// reference, so two definitions produced from the same template never
// share an ID.
type WorkflowTemplate struct {
	ID string `json:"id" yaml:"id,omitempty"`

	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Category    string `json:"category,omitempty" yaml:"category,omitempty"`

	// Base is the definition blueprint copied into each instantiation.
	Base TemplateBase `json:"base" yaml:"base"`

	// RequiredVariables must be supplied at instantiation time.
	RequiredVariables []string `json:"requiredVariables,omitempty" yaml:"requiredVariables,omitempty"`

	// ConfigSchema optionally describes the accepted parameters.
	ConfigSchema map[string]any `json:"configSchema,omitempty" yaml:"configSchema,omitempty"`

	CreatedAt time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"-"`

	ETag string `json:"_etag,omitempty" yaml:"-"`
}

// TemplateBase holds the definition fields a template stamps out.
type TemplateBase struct {
	Triggers  []TriggerDefinition     `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	Steps     []WorkflowStep          `json:"steps" yaml:"steps"`
	Variables map[string]VariableSpec `json:"variables,omitempty" yaml:"variables,omitempty"`
	Settings  WorkflowSettings        `json:"settings,omitempty" yaml:"settings,omitempty"`
}

// InstantiateParams configures a template instantiation.
type InstantiateParams struct {
	// Name of the produced definition. Defaults to the template name.
	Name string

	// OrganizationID stamped onto the definition.
	OrganizationID string

	// Variables override or supply defaults declared by the template.
	Variables map[string]any

	// CreatedBy is recorded in the definition audit metadata.
	CreatedBy string
}

// Instantiate produces a fresh draft definition from the template.
// Every step and trigger ID is newly minted; transitions, decision
// conditions, error-handler fallbacks, and parallel branch lists are
// rewritten to reference the new IDs.
func (t *WorkflowTemplate) Instantiate(params InstantiateParams) (*WorkflowDefinition, error) {
	for _, name := range t.RequiredVariables {
		if _, ok := params.Variables[name]; !ok {
			if spec, declared := t.Base.Variables[name]; declared && spec.DefaultValue != nil {
				continue
			}
			return nil, &errors.ValidationError{
				Field:      "variables." + name,
				Message:    "required template variable not provided",
				Suggestion: "supply a value for every name in requiredVariables",
			}
		}
	}

	base, err := cloneBase(&t.Base)
	if err != nil {
		return nil, errors.Wrap(err, "clone template base")
	}

	// Mint new IDs for every step and trigger.
	stepIDs := make(map[string]string, len(base.Steps))
	for i := range base.Steps {
		stepIDs[base.Steps[i].ID] = uuid.NewString()
	}
	for i := range base.Steps {
		rewriteStep(&base.Steps[i], stepIDs)
	}
	for i := range base.Triggers {
		base.Triggers[i].ID = uuid.NewString()
	}

	name := params.Name
	if name == "" {
		name = t.Name
	}

	variables := make(map[string]VariableSpec, len(base.Variables))
	for k, v := range base.Variables {
		if override, ok := params.Variables[k]; ok {
			v.DefaultValue = override
		}
		variables[k] = v
	}
	for k, v := range params.Variables {
		if _, declared := variables[k]; !declared {
			variables[k] = VariableSpec{DefaultValue: v}
		}
	}

	now := time.Now().UTC()
	def := &WorkflowDefinition{
		ID:             uuid.NewString(),
		WorkflowID:     uuid.NewString(),
		Version:        1,
		Name:           name,
		Description:    t.Description,
		Status:         DefinitionStatusDraft,
		OrganizationID: params.OrganizationID,
		Triggers:       base.Triggers,
		Steps:          base.Steps,
		Variables:      variables,
		Settings:       base.Settings,
		Category:       t.Category,
		CreatedAt:      now,
		UpdatedAt:      now,
		CreatedBy:      params.CreatedBy,
	}
	return def, nil
}

// rewriteStep replaces the step's own ID and every step reference it holds.
func rewriteStep(s *WorkflowStep, ids map[string]string) {
	s.ID = ids[s.ID]

	rewriteTransitions(s.Transitions, ids)
	rewriteTransitions(s.Conditions, ids)

	if s.OnError != nil && s.OnError.FallbackStepID != "" {
		if mapped, ok := ids[s.OnError.FallbackStepID]; ok {
			s.OnError.FallbackStepID = mapped
		}
	}

	if s.Parallel != nil {
		for i, branch := range s.Parallel.BranchStepIDs {
			if mapped, ok := ids[branch]; ok {
				s.Parallel.BranchStepIDs[i] = mapped
			}
		}
	}
}

func rewriteTransitions(rules []TransitionRule, ids map[string]string) {
	for i := range rules {
		if mapped, ok := ids[rules[i].TargetStepID]; ok {
			rules[i].TargetStepID = mapped
		}
	}
}

// cloneBase deep-copies the template base through JSON so instantiations
// never alias template-owned maps or slices.
func cloneBase(base *TemplateBase) (*TemplateBase, error) {
	raw, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var out TemplateBase
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
