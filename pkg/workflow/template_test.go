package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadehq/cascade/pkg/errors"
)

func approvalTemplate() *WorkflowTemplate {
	return &WorkflowTemplate{
		ID:                "tpl-1",
		Name:              "generic-approval",
		Category:          "approvals",
		RequiredVariables: []string{"approver"},
		Base: TemplateBase{
			Triggers: []TriggerDefinition{
				{ID: "trig", Type: TriggerTypeEvent, EventType: "request.created", IsActive: true},
			},
			Steps: []WorkflowStep{
				{
					ID:    "gate",
					Type:  StepTypeHuman,
					Order: 1,
					Human: &HumanConfig{RequiredApprovals: 1},
					OnError: &ErrorHandler{
						Action:         "goto",
						FallbackStepID: "notify",
					},
					Transitions: []TransitionRule{{TargetStepID: "notify"}},
				},
				{
					ID:    "notify",
					Type:  StepTypeAction,
					Order: 2,
					Action: &ActionConfig{
						Type: ActionSendNotification,
						Target: "{{ $.approver }}",
					},
				},
			},
			Variables: map[string]VariableSpec{
				"approver": {Type: "string", Required: true},
				"channel":  {Type: "string", DefaultValue: "email"},
			},
			Settings: WorkflowSettings{AuditEnabled: true},
		},
	}
}

func TestTemplateInstantiate(t *testing.T) {
	tpl := approvalTemplate()

	def, err := tpl.Instantiate(InstantiateParams{
		Name:      "payroll-approval",
		Variables: map[string]any{"approver": "lead", "extra": float64(3)},
		CreatedBy: "tester",
	})
	require.NoError(t, err)

	assert.Equal(t, "payroll-approval", def.Name)
	assert.Equal(t, DefinitionStatusDraft, def.Status)
	assert.Equal(t, 1, def.Version)
	assert.NotEmpty(t, def.WorkflowID)
	assert.Equal(t, "tester", def.CreatedBy)
	assert.Equal(t, "approvals", def.Category)
	assert.True(t, def.Settings.AuditEnabled)

	// Fresh IDs everywhere, with internal references rewritten.
	require.Len(t, def.Steps, 2)
	gate, notify := def.Steps[0], def.Steps[1]
	assert.NotEqual(t, "gate", gate.ID)
	assert.NotEqual(t, "notify", notify.ID)
	assert.Equal(t, notify.ID, gate.Transitions[0].TargetStepID)
	assert.Equal(t, notify.ID, gate.OnError.FallbackStepID)
	assert.NotEqual(t, "trig", def.Triggers[0].ID)

	// Overrides land as defaults; undeclared params become specs.
	assert.Equal(t, "lead", def.Variables["approver"].DefaultValue)
	assert.Equal(t, "email", def.Variables["channel"].DefaultValue)
	assert.Equal(t, float64(3), def.Variables["extra"].DefaultValue)

	// The produced definition passes validation.
	assert.NoError(t, def.Validate())
}

func TestTemplateInstantiateTwiceNeverSharesIDs(t *testing.T) {
	tpl := approvalTemplate()
	params := InstantiateParams{Variables: map[string]any{"approver": "a"}}

	first, err := tpl.Instantiate(params)
	require.NoError(t, err)
	second, err := tpl.Instantiate(params)
	require.NoError(t, err)

	assert.NotEqual(t, first.WorkflowID, second.WorkflowID)
	for i := range first.Steps {
		assert.NotEqual(t, first.Steps[i].ID, second.Steps[i].ID)
	}

	// Instantiation must not mutate the template base.
	assert.Equal(t, "gate", tpl.Base.Steps[0].ID)
	assert.Equal(t, "notify", tpl.Base.Steps[0].Transitions[0].TargetStepID)
}

func TestTemplateRequiredVariables(t *testing.T) {
	tpl := approvalTemplate()

	_, err := tpl.Instantiate(InstantiateParams{})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	// A declared default satisfies the requirement.
	tpl.Base.Variables["approver"] = VariableSpec{Type: "string", DefaultValue: "fallback"}
	def, err := tpl.Instantiate(InstantiateParams{})
	require.NoError(t, err)
	assert.Equal(t, "fallback", def.Variables["approver"].DefaultValue)
}

func TestTemplateDefaultsNameFromTemplate(t *testing.T) {
	tpl := approvalTemplate()
	def, err := tpl.Instantiate(InstantiateParams{Variables: map[string]any{"approver": "a"}})
	require.NoError(t, err)
	assert.Equal(t, "generic-approval", def.Name)
}
