package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadehq/cascade/pkg/errors"
)

func validDefinition() *WorkflowDefinition {
	return &WorkflowDefinition{
		Name: "order-approval",
		Steps: []WorkflowStep{
			{
				ID:    "fetch",
				Type:  StepTypeAction,
				Order: 1,
				Action: &ActionConfig{
					Type: ActionHTTPRequest,
					URL:  "https://api.test/orders",
				},
			},
			{
				ID:    "route",
				Type:  StepTypeDecision,
				Order: 2,
				Conditions: []TransitionRule{
					{TargetStepID: "fetch", Condition: &ConditionExpression{
						Left: "$.amount", Operator: OpGt, Right: 1000,
					}},
				},
			},
		},
	}
}

func TestDefinitionValidate(t *testing.T) {
	t.Run("valid definition", func(t *testing.T) {
		assert.NoError(t, validDefinition().Validate())
	})

	t.Run("missing name", func(t *testing.T) {
		def := validDefinition()
		def.Name = ""
		err := def.Validate()
		require.Error(t, err)
		assert.True(t, errors.IsValidation(err))
	})

	t.Run("no steps", func(t *testing.T) {
		def := validDefinition()
		def.Steps = nil
		assert.Error(t, def.Validate())
	})

	t.Run("duplicate step ID", func(t *testing.T) {
		def := validDefinition()
		def.Steps[1].ID = "fetch"
		err := def.Validate()
		require.Error(t, err)
		assert.True(t, errors.IsValidation(err))
	})

	t.Run("empty step ID", func(t *testing.T) {
		def := validDefinition()
		def.Steps[0].ID = ""
		assert.Error(t, def.Validate())
	})

	t.Run("transition to unknown step", func(t *testing.T) {
		def := validDefinition()
		def.Steps[0].Transitions = []TransitionRule{{TargetStepID: "ghost"}}
		assert.Error(t, def.Validate())
	})

	t.Run("decision condition to unknown step", func(t *testing.T) {
		def := validDefinition()
		def.Steps[1].Conditions[0].TargetStepID = "ghost"
		assert.Error(t, def.Validate())
	})

	t.Run("goto handler requires extant fallback", func(t *testing.T) {
		def := validDefinition()
		def.Steps[0].OnError = &ErrorHandler{Action: "goto", FallbackStepID: "ghost"}
		assert.Error(t, def.Validate())

		def.Steps[0].OnError.FallbackStepID = "route"
		assert.NoError(t, def.Validate())
	})

	t.Run("all steps disabled", func(t *testing.T) {
		def := validDefinition()
		disabled := false
		for i := range def.Steps {
			def.Steps[i].IsEnabled = &disabled
		}
		assert.Error(t, def.Validate())
	})

	t.Run("event trigger without eventType", func(t *testing.T) {
		def := validDefinition()
		def.Triggers = []TriggerDefinition{{ID: "t1", Type: TriggerTypeEvent}}
		assert.Error(t, def.Validate())

		def.Triggers[0].EventType = "order.created"
		assert.NoError(t, def.Validate())
	})
}

func TestStepConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		step    WorkflowStep
		wantErr bool
	}{
		{"action without config", WorkflowStep{ID: "s", Type: StepTypeAction}, true},
		{"decision without conditions", WorkflowStep{ID: "s", Type: StepTypeDecision}, true},
		{"wait without config", WorkflowStep{ID: "s", Type: StepTypeWait}, true},
		{
			"transform missing output variable",
			WorkflowStep{ID: "s", Type: StepTypeTransform, Transform: &TransformConfig{Expression: ".a"}},
			true,
		},
		{
			"transform complete",
			WorkflowStep{ID: "s", Type: StepTypeTransform, Transform: &TransformConfig{Expression: ".a", OutputVariable: "out"}},
			false,
		},
		{"script without source", WorkflowStep{ID: "s", Type: StepTypeScript, Script: &ScriptConfig{}}, true},
		{"setVariable without assignments", WorkflowStep{ID: "s", Type: StepTypeSetVariable}, true},
		{"delay without seconds", WorkflowStep{ID: "s", Type: StepTypeDelay}, true},
		{"delay with seconds", WorkflowStep{ID: "s", Type: StepTypeDelay, DelaySeconds: 5}, false},
		{"subworkflow without workflowId", WorkflowStep{ID: "s", Type: StepTypeSubworkflow, Subworkflow: &SubworkflowConfig{}}, true},
		{"human without config", WorkflowStep{ID: "s", Type: StepTypeHuman}, true},
		{"terminate needs nothing", WorkflowStep{ID: "s", Type: StepTypeTerminate}, false},
		{"parallel reserved kind passes", WorkflowStep{ID: "s", Type: StepTypeParallel}, false},
		{"unknown type", WorkflowStep{ID: "s", Type: StepType("teleport")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := &WorkflowDefinition{Name: "x", Steps: []WorkflowStep{tt.step}}
			err := def.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFirstStep(t *testing.T) {
	disabled := false
	def := &WorkflowDefinition{
		Steps: []WorkflowStep{
			{ID: "b", Order: 2, Type: StepTypeTerminate},
			{ID: "a", Order: 1, Type: StepTypeTerminate, IsEnabled: &disabled},
			{ID: "c", Order: 3, Type: StepTypeTerminate},
		},
	}
	first := def.FirstStep()
	require.NotNil(t, first)
	assert.Equal(t, "b", first.ID)

	assert.Nil(t, (&WorkflowDefinition{}).FirstStep())
}
