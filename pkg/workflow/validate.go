package workflow

import (
	"fmt"

	"github.com/cascadehq/cascade/pkg/errors"
)

// Validate checks the structural invariants of a workflow definition:
// unique step IDs, resolvable transition targets, a derivable start step,
// and per-kind config presence.
func (d *WorkflowDefinition) Validate() error {
	if d.Name == "" {
		return &errors.ValidationError{
			Field:      "name",
			Message:    "definition name is required",
			Suggestion: "set a non-empty name",
		}
	}
	if len(d.Steps) == 0 {
		return &errors.ValidationError{
			Field:      "steps",
			Message:    "definition has no steps",
			Suggestion: "add at least one step",
		}
	}

	seen := make(map[string]bool, len(d.Steps))
	for i := range d.Steps {
		s := &d.Steps[i]
		if s.ID == "" {
			return &errors.ValidationError{
				Field:      fmt.Sprintf("steps[%d].id", i),
				Message:    "step ID is required",
				Suggestion: "assign a unique ID to every step",
			}
		}
		if seen[s.ID] {
			return &errors.ValidationError{
				Field:      fmt.Sprintf("steps[%d].id", i),
				Message:    fmt.Sprintf("duplicate step ID %q", s.ID),
				Suggestion: "step IDs must be unique within a definition",
			}
		}
		seen[s.ID] = true

		if err := s.validateConfig(); err != nil {
			return err
		}
	}

	// Transition targets must reference extant steps.
	for i := range d.Steps {
		s := &d.Steps[i]
		for _, rules := range [][]TransitionRule{s.Transitions, s.Conditions} {
			for _, rule := range rules {
				if rule.TargetStepID == "" || !seen[rule.TargetStepID] {
					return &errors.ValidationError{
						Field:      fmt.Sprintf("steps.%s.transitions", s.ID),
						Message:    fmt.Sprintf("transition targets unknown step %q", rule.TargetStepID),
						Suggestion: "targetStepId must reference a step in this definition",
					}
				}
			}
		}
		if s.OnError != nil && s.OnError.Action == "goto" {
			if s.OnError.FallbackStepID == "" || !seen[s.OnError.FallbackStepID] {
				return &errors.ValidationError{
					Field:      fmt.Sprintf("steps.%s.onError.fallbackStepId", s.ID),
					Message:    "goto error handler requires an extant fallback step",
					Suggestion: "set fallbackStepId to a step in this definition",
				}
			}
		}
	}

	if d.FirstStep() == nil {
		return &errors.ValidationError{
			Field:      "steps",
			Message:    "definition has no enabled start step",
			Suggestion: "enable at least one step",
		}
	}

	for i := range d.Triggers {
		t := &d.Triggers[i]
		if t.Type == TriggerTypeEvent && t.EventType == "" {
			return &errors.ValidationError{
				Field:      fmt.Sprintf("triggers[%d].eventType", i),
				Message:    "event trigger requires an eventType",
				Suggestion: "set the subscribed event type",
			}
		}
	}

	return nil
}

// validateConfig checks that the step carries the config its kind needs.
func (s *WorkflowStep) validateConfig() error {
	missing := func(field string) error {
		return &errors.ValidationError{
			Field:      fmt.Sprintf("steps.%s.%s", s.ID, field),
			Message:    fmt.Sprintf("%s step requires %s", s.Type, field),
			Suggestion: "populate the kind-specific config for the step type",
		}
	}

	switch s.Type {
	case StepTypeAction:
		if s.Action == nil {
			return missing("action")
		}
	case StepTypeDecision:
		if len(s.Conditions) == 0 {
			return missing("conditions")
		}
	case StepTypeWait:
		if s.Wait == nil {
			return missing("waitConfig")
		}
	case StepTypeTransform:
		if s.Transform == nil || s.Transform.Expression == "" || s.Transform.OutputVariable == "" {
			return missing("transformConfig")
		}
	case StepTypeScript:
		if s.Script == nil || s.Script.Source == "" {
			return missing("scriptConfig")
		}
	case StepTypeSetVariable:
		if len(s.SetVariables) == 0 {
			return missing("setVariables")
		}
	case StepTypeDelay:
		if s.DelaySeconds <= 0 {
			return missing("delaySeconds")
		}
	case StepTypeSubworkflow:
		if s.Subworkflow == nil || s.Subworkflow.WorkflowID == "" {
			return missing("subworkflowConfig")
		}
	case StepTypeHuman:
		if s.Human == nil {
			return missing("humanConfig")
		}
	case StepTypeParallel, StepTypeLoop, StepTypeRetry, StepTypeCompensate, StepTypeTerminate:
		// Reserved or config-free kinds.
	default:
		return &errors.ValidationError{
			Field:      fmt.Sprintf("steps.%s.type", s.ID),
			Message:    fmt.Sprintf("unknown step type %q", s.Type),
			Suggestion: "use one of the supported step types",
		}
	}
	return nil
}
