package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadehq/cascade/internal/repository"
	"github.com/cascadehq/cascade/internal/store"
	"github.com/cascadehq/cascade/pkg/errors"
	"github.com/cascadehq/cascade/pkg/workflow"
)

// fakeClock advances instantly on Sleep so delay and retry tests run in
// real milliseconds.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.slept = append(c.slept, d)
	return nil
}

type stubGate struct {
	created []*workflow.ApprovalRequest
	expires time.Time
}

func (g *stubGate) CreateForStep(ctx context.Context, inst *workflow.WorkflowInstance, stepID string, cfg *workflow.HumanConfig, resolvedContext map[string]any) (*workflow.ApprovalRequest, error) {
	req := &workflow.ApprovalRequest{
		ID:                "apr-" + stepID,
		InstanceID:        inst.ID,
		WorkflowID:        inst.WorkflowID,
		StepID:            stepID,
		ApproverUsers:     cfg.ApproverUsers,
		RequiredApprovals: cfg.RequiredApprovals,
		Context:           resolvedContext,
		Status:            workflow.ApprovalStatusPending,
	}
	if !g.expires.IsZero() {
		expires := g.expires
		req.ExpiresAt = &expires
	}
	g.created = append(g.created, req)
	return req, nil
}

type engineFixture struct {
	store       *store.MemoryStore
	definitions *repository.Definitions
	instances   *repository.Instances
	gate        *stubGate
	clock       *fakeClock
	engine      *Engine
}

func newEngineFixture(t *testing.T, opts ...Option) *engineFixture {
	t.Helper()
	st := store.NewMemoryStore()
	f := &engineFixture{
		store:       st,
		definitions: repository.NewDefinitions(st, nil),
		instances:   repository.NewInstances(st, 0, nil),
		gate:        &stubGate{},
		clock:       newFakeClock(),
	}
	executor := NewStepExecutor(st, nil, nil, nil, f.gate, nil,
		WithExecutorClock(f.clock.Now))
	opts = append([]Option{WithClock(f.clock)}, opts...)
	f.engine = New(f.definitions, f.instances, executor, nil, nil, nil, opts...)
	return f
}

// start creates the definition and a pending instance of it.
func (f *engineFixture) start(t *testing.T, def *workflow.WorkflowDefinition, vars map[string]any) *workflow.WorkflowInstance {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.definitions.Create(ctx, def))
	inst := &workflow.WorkflowInstance{
		WorkflowID:      def.WorkflowID,
		WorkflowVersion: def.Version,
		Variables:       vars,
	}
	require.NoError(t, f.instances.Create(ctx, inst))
	return inst
}

func definition(name string, steps ...workflow.WorkflowStep) *workflow.WorkflowDefinition {
	return &workflow.WorkflowDefinition{
		Name:     name,
		Steps:    steps,
		Settings: workflow.WorkflowSettings{AuditEnabled: true},
	}
}

func setVar(id string, order int, name string, value any) workflow.WorkflowStep {
	return workflow.WorkflowStep{
		ID:           id,
		Type:         workflow.StepTypeSetVariable,
		Order:        order,
		SetVariables: map[string]any{name: value},
	}
}

func (f *engineFixture) stored(t *testing.T, instanceID string) *workflow.WorkflowInstance {
	t.Helper()
	inst, err := f.instances.Get(context.Background(), instanceID)
	require.NoError(t, err)
	return inst
}

func executionsFor(inst *workflow.WorkflowInstance, stepID string) []workflow.StepExecution {
	var out []workflow.StepExecution
	for _, exec := range inst.StepExecutions {
		if exec.StepID == stepID {
			out = append(out, exec)
		}
	}
	return out
}

func TestRunSequentialActionWorkflow(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	f := newEngineFixture(t)
	def := definition("fetch-and-flag",
		workflow.WorkflowStep{
			ID:    "fetch",
			Type:  workflow.StepTypeAction,
			Order: 1,
			Action: &workflow.ActionConfig{
				Type:           workflow.ActionHTTPRequest,
				URL:            server.URL,
				OutputVariable: "resp",
			},
		},
		setVar("flag", 2, "handled", true),
	)
	inst := f.start(t, def, nil)

	require.NoError(t, f.engine.Run(context.Background(), inst))

	assert.Equal(t, workflow.InstanceStatusCompleted, inst.Status)
	assert.Equal(t, 100, inst.ProgressPercent)
	require.NotNil(t, inst.CompletedAt)
	require.NotNil(t, inst.StartedAt)

	resp, ok := inst.Variables["resp"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 200, resp["status"])
	assert.Equal(t, map[string]any{"ok": true}, resp["body"])
	assert.Equal(t, true, inst.Variables["handled"])

	assert.ElementsMatch(t, []string{"fetch", "flag"}, inst.CompletedStepIDs)
	assert.NotEmpty(t, inst.ActivityLog)

	stored := f.stored(t, inst.ID)
	assert.Equal(t, workflow.InstanceStatusCompleted, stored.Status)
}

func TestRunRetryPolicyRecovers(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	f := newEngineFixture(t)
	def := definition("flaky-call",
		workflow.WorkflowStep{
			ID:    "call",
			Type:  workflow.StepTypeAction,
			Order: 1,
			Action: &workflow.ActionConfig{
				Type: workflow.ActionHTTPRequest,
				URL:  server.URL,
			},
			OnError: &workflow.ErrorHandler{
				Action: "retry",
				RetryPolicy: &workflow.RetryPolicy{
					MaxAttempts:         3,
					InitialDelaySeconds: 1,
				},
			},
		},
	)
	inst := f.start(t, def, nil)

	require.NoError(t, f.engine.Run(context.Background(), inst))

	assert.Equal(t, workflow.InstanceStatusCompleted, inst.Status)
	assert.Equal(t, 2, calls)

	execs := executionsFor(inst, "call")
	require.Len(t, execs, 2)
	assert.Equal(t, workflow.StepExecutionFailed, execs[0].Status)
	assert.Equal(t, "HTTP_500", execs[0].Error.Code)
	assert.Equal(t, workflow.StepExecutionCompleted, execs[1].Status)
	assert.Equal(t, 1, execs[1].RetryCount)

	// One retry backoff sleep between the attempts.
	assert.Contains(t, f.clock.slept, time.Second)
}

func TestRunRetryExhaustedFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	f := newEngineFixture(t)
	def := definition("always-down",
		workflow.WorkflowStep{
			ID:    "call",
			Type:  workflow.StepTypeAction,
			Order: 1,
			Action: &workflow.ActionConfig{
				Type: workflow.ActionHTTPRequest,
				URL:  server.URL,
			},
			OnError: &workflow.ErrorHandler{
				Action:      "retry",
				RetryPolicy: &workflow.RetryPolicy{MaxAttempts: 2},
			},
		},
	)
	inst := f.start(t, def, nil)

	require.NoError(t, f.engine.Run(context.Background(), inst))

	assert.Equal(t, workflow.InstanceStatusFailed, inst.Status)
	require.NotNil(t, inst.LastError)
	assert.Equal(t, "HTTP_502", inst.LastError.Code)
	assert.Len(t, executionsFor(inst, "call"), 2)
}

func TestRunDecisionBranching(t *testing.T) {
	route := func() workflow.WorkflowStep {
		return workflow.WorkflowStep{
			ID:    "route",
			Type:  workflow.StepTypeDecision,
			Order: 1,
			Conditions: []workflow.TransitionRule{
				{
					TargetStepID: "manual",
					Condition: &workflow.ConditionExpression{
						Left:     "$.amount",
						Operator: workflow.OpGt,
						Right:    1000,
					},
				},
				{TargetStepID: "auto", IsDefault: true},
			},
		}
	}
	branch := func(id string, order int) workflow.WorkflowStep {
		step := setVar(id, order, "path", id)
		step.Transitions = []workflow.TransitionRule{{TargetStepID: "done", IsDefault: true}}
		return step
	}
	done := workflow.WorkflowStep{ID: "done", Type: workflow.StepTypeTerminate, Order: 4}

	tests := []struct {
		name   string
		amount float64
		want   string
	}{
		{"above threshold routes to manual", 1500, "manual"},
		{"below threshold takes default", 200, "auto"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEngineFixture(t)
			def := definition("triage", route(), branch("manual", 2), branch("auto", 3), done)
			inst := f.start(t, def, map[string]any{"amount": tt.amount})

			require.NoError(t, f.engine.Run(context.Background(), inst))

			assert.Equal(t, workflow.InstanceStatusCompleted, inst.Status)
			assert.Equal(t, tt.want, inst.Variables["path"])

			execs := executionsFor(inst, "route")
			require.Len(t, execs, 1)
			assert.Equal(t, map[string]any{"selectedStepId": tt.want}, execs[0].Output)
		})
	}
}

func TestRunDecisionNoMatchFails(t *testing.T) {
	f := newEngineFixture(t)
	def := definition("no-default-route",
		workflow.WorkflowStep{
			ID:    "route",
			Type:  workflow.StepTypeDecision,
			Order: 1,
			Conditions: []workflow.TransitionRule{
				{
					TargetStepID: "never",
					Condition: &workflow.ConditionExpression{
						Left:     "$.amount",
						Operator: workflow.OpGt,
						Right:    1000000,
					},
				},
			},
		},
		setVar("never", 2, "reached", true),
	)
	inst := f.start(t, def, map[string]any{"amount": float64(10)})

	require.NoError(t, f.engine.Run(context.Background(), inst))

	assert.Equal(t, workflow.InstanceStatusFailed, inst.Status)
	require.NotNil(t, inst.LastError)
	assert.Equal(t, "DECISION_NO_MATCH", inst.LastError.Code)
	assert.Nil(t, inst.Variables["reached"])
}

func TestRunTransformAndScriptSteps(t *testing.T) {
	f := newEngineFixture(t)
	def := definition("enrich",
		setVar("seed", 1, "amount", float64(40)),
		workflow.WorkflowStep{
			ID:    "double",
			Type:  workflow.StepTypeTransform,
			Order: 2,
			Transform: &workflow.TransformConfig{
				Expression:     ".amount * 2",
				OutputVariable: "doubled",
			},
		},
		workflow.WorkflowStep{
			ID:    "finalize",
			Type:  workflow.StepTypeScript,
			Order: 3,
			Script: &workflow.ScriptConfig{
				Source:         "doubled + 5",
				OutputVariable: "final",
			},
		},
	)
	inst := f.start(t, def, nil)

	require.NoError(t, f.engine.Run(context.Background(), inst))

	assert.Equal(t, workflow.InstanceStatusCompleted, inst.Status)
	assert.Equal(t, float64(80), inst.Variables["doubled"])
	assert.Equal(t, float64(85), inst.Variables["final"])
}

func TestRunShortDelayServedInline(t *testing.T) {
	f := newEngineFixture(t)
	def := definition("brief-pause",
		workflow.WorkflowStep{ID: "pause", Type: workflow.StepTypeDelay, Order: 1, DelaySeconds: 5},
		setVar("after", 2, "resumed", true),
	)
	inst := f.start(t, def, nil)

	require.NoError(t, f.engine.Run(context.Background(), inst))

	assert.Equal(t, workflow.InstanceStatusCompleted, inst.Status)
	assert.Equal(t, true, inst.Variables["resumed"])
	assert.Contains(t, f.clock.slept, 5*time.Second)
}

func TestRunLongDelayParksAndResumes(t *testing.T) {
	f := newEngineFixture(t)
	def := definition("overnight",
		workflow.WorkflowStep{ID: "pause", Type: workflow.StepTypeDelay, Order: 1, DelaySeconds: 3600},
		setVar("after", 2, "resumed", true),
	)
	inst := f.start(t, def, nil)
	started := f.clock.Now()

	require.NoError(t, f.engine.Run(context.Background(), inst))

	assert.Equal(t, workflow.InstanceStatusWaiting, inst.Status)
	require.NotNil(t, inst.ResumeAt)
	assert.Equal(t, started.Add(time.Hour), inst.ResumeAt.UTC())
	assert.Empty(t, f.clock.slept)

	execs := executionsFor(inst, "pause")
	require.Len(t, execs, 1)
	assert.Equal(t, workflow.StepExecutionWaiting, execs[0].Status)

	require.NoError(t, f.engine.Resume(context.Background(), inst.ID, nil))

	stored := f.stored(t, inst.ID)
	assert.Equal(t, workflow.InstanceStatusCompleted, stored.Status)
	assert.Nil(t, stored.ResumeAt)
	assert.Equal(t, true, stored.Variables["resumed"])
}

func TestRunWaitEventParksAndResumes(t *testing.T) {
	f := newEngineFixture(t)
	def := definition("await-payment",
		workflow.WorkflowStep{
			ID:    "await",
			Type:  workflow.StepTypeWait,
			Order: 1,
			Wait:  &workflow.WaitConfig{Type: "event", EventType: "payment.received"},
		},
		setVar("after", 2, "settled", true),
	)
	inst := f.start(t, def, nil)

	require.NoError(t, f.engine.Run(context.Background(), inst))

	assert.Equal(t, workflow.InstanceStatusWaiting, inst.Status)
	assert.Nil(t, inst.ResumeAt)
	assert.Equal(t, "payment.received", inst.WaitingForEvent)

	eventData := map[string]any{"paymentId": "pay-9"}
	require.NoError(t, f.engine.Resume(context.Background(), inst.ID, eventData))

	stored := f.stored(t, inst.ID)
	assert.Equal(t, workflow.InstanceStatusCompleted, stored.Status)
	assert.Empty(t, stored.WaitingForEvent)
	assert.Equal(t, true, stored.Variables["settled"])

	// The payload merges under the eventData key, not at the top level.
	nested, ok := stored.Variables["eventData"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "pay-9", nested["paymentId"])
	assert.Nil(t, stored.Variables["paymentId"])

	// The event payload lands in the waiting step's output.
	execs := executionsFor(stored, "await")
	require.Len(t, execs, 1)
	assert.Equal(t, workflow.StepExecutionCompleted, execs[0].Status)
	assert.Equal(t, "pay-9", execs[0].Output["paymentId"])
}

func TestRunApprovalParksAndResumes(t *testing.T) {
	f := newEngineFixture(t)
	f.gate.expires = f.clock.Now().Add(48 * time.Hour)

	def := definition("purchase-approval",
		workflow.WorkflowStep{
			ID:    "gate",
			Type:  workflow.StepTypeHuman,
			Order: 1,
			Human: &workflow.HumanConfig{
				ApproverUsers:     []string{"alice"},
				RequiredApprovals: 1,
			},
		},
		setVar("after", 2, "issued", true),
	)
	inst := f.start(t, def, nil)

	require.NoError(t, f.engine.Run(context.Background(), inst))

	assert.Equal(t, workflow.InstanceStatusWaiting, inst.Status)
	require.NotNil(t, inst.ResumeAt)
	assert.Equal(t, f.gate.expires, inst.ResumeAt.UTC())
	require.Len(t, f.gate.created, 1)
	assert.Equal(t, inst.ID, f.gate.created[0].InstanceID)

	execs := executionsFor(inst, "gate")
	require.Len(t, execs, 1)
	assert.Equal(t, workflow.StepExecutionWaiting, execs[0].Status)
	assert.Equal(t, "apr-gate", execs[0].Output["approvalId"])

	result := map[string]any{
		"approvalResult": map[string]any{"approved": true, "approvedBy": []any{"alice"}},
	}
	require.NoError(t, f.engine.Resume(context.Background(), inst.ID, result))

	stored := f.stored(t, inst.ID)
	assert.Equal(t, workflow.InstanceStatusCompleted, stored.Status)
	assert.Equal(t, true, stored.Variables["issued"])
	nested, ok := stored.Variables["eventData"].(map[string]any)
	require.True(t, ok)
	approval, ok := nested["approvalResult"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, approval["approved"])
}

func TestResumeRejectsNonWaiting(t *testing.T) {
	f := newEngineFixture(t)
	def := definition("simple", setVar("only", 1, "done", true))
	inst := f.start(t, def, nil)

	err := f.engine.Resume(context.Background(), inst.ID, nil)
	assert.True(t, errors.IsState(err))
}

func TestRunSetVariableResolvesTemplates(t *testing.T) {
	f := newEngineFixture(t)
	def := definition("greeting",
		setVar("greet", 1, "greeting", "Hello, {{$.name}}!"),
		workflow.WorkflowStep{ID: "stop", Type: workflow.StepTypeTerminate, Order: 2},
	)
	inst := f.start(t, def, map[string]any{"name": "Ada"})

	require.NoError(t, f.engine.Run(context.Background(), inst))

	assert.Equal(t, workflow.InstanceStatusCompleted, inst.Status)
	assert.Equal(t, "Hello, Ada!", inst.Variables["greeting"])
	assert.ElementsMatch(t, []string{"greet", "stop"}, inst.CompletedStepIDs)
}

func TestRunTerminateStopsExecution(t *testing.T) {
	f := newEngineFixture(t)
	def := definition("early-exit",
		setVar("first", 1, "ran", true),
		workflow.WorkflowStep{ID: "stop", Type: workflow.StepTypeTerminate, Order: 2},
		setVar("unreachable", 3, "leaked", true),
	)
	inst := f.start(t, def, nil)

	require.NoError(t, f.engine.Run(context.Background(), inst))

	assert.Equal(t, workflow.InstanceStatusCompleted, inst.Status)
	assert.Equal(t, true, inst.Variables["ran"])
	assert.Nil(t, inst.Variables["leaked"])
	assert.Empty(t, executionsFor(inst, "unreachable"))
}

func TestRunMaxStepsExceeded(t *testing.T) {
	f := newEngineFixture(t, WithMaxSteps(5))

	ping := setVar("ping", 1, "n", 1)
	ping.Transitions = []workflow.TransitionRule{{TargetStepID: "pong", IsDefault: true}}
	pong := setVar("pong", 2, "n", 2)
	pong.Transitions = []workflow.TransitionRule{{TargetStepID: "ping", IsDefault: true}}

	def := definition("cycle", ping, pong)
	inst := f.start(t, def, nil)

	require.NoError(t, f.engine.Run(context.Background(), inst))

	assert.Equal(t, workflow.InstanceStatusFailed, inst.Status)
	require.NotNil(t, inst.LastError)
	assert.Equal(t, "MAX_STEPS_EXCEEDED", inst.LastError.Code)
}

func TestRunDeadlineTimesOut(t *testing.T) {
	f := newEngineFixture(t)
	def := definition("tight-deadline",
		workflow.WorkflowStep{ID: "pause", Type: workflow.StepTypeDelay, Order: 1, DelaySeconds: 2},
		setVar("after", 2, "resumed", true),
	)
	def.Settings.MaxExecutionSeconds = 1
	inst := f.start(t, def, nil)

	require.NoError(t, f.engine.Run(context.Background(), inst))

	assert.Equal(t, workflow.InstanceStatusTimedOut, inst.Status)
	require.NotNil(t, inst.LastError)
	assert.Equal(t, "EXECUTION_TIMEOUT", inst.LastError.Code)
	assert.Nil(t, inst.Variables["resumed"])
}

func TestCancel(t *testing.T) {
	f := newEngineFixture(t)
	def := definition("cancellable",
		workflow.WorkflowStep{
			ID:    "await",
			Type:  workflow.StepTypeWait,
			Order: 1,
			Wait:  &workflow.WaitConfig{Type: "event", EventType: "never.arrives"},
		},
	)
	inst := f.start(t, def, nil)
	require.NoError(t, f.engine.Run(context.Background(), inst))
	require.Equal(t, workflow.InstanceStatusWaiting, inst.Status)

	require.NoError(t, f.engine.Cancel(context.Background(), inst.ID, "operator request"))

	stored := f.stored(t, inst.ID)
	assert.Equal(t, workflow.InstanceStatusCancelled, stored.Status)
	require.NotNil(t, stored.CompletedAt)
	require.NotNil(t, stored.LastError)
	assert.Equal(t, "CANCELLED", stored.LastError.Code)

	// Terminal instances cannot be cancelled again.
	err := f.engine.Cancel(context.Background(), inst.ID, "again")
	assert.True(t, errors.IsState(err))
}

func TestCancelDuringRetryStopsCleanly(t *testing.T) {
	f := newEngineFixture(t)

	// The first attempt cancels the instance out from under the run, so
	// the checkpoint before the second attempt hits the finalized state.
	var calls int
	var instanceID string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.NoError(t, f.engine.Cancel(context.Background(), instanceID, "operator request"))
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	def := definition("cancel-mid-retry",
		workflow.WorkflowStep{
			ID:    "call",
			Type:  workflow.StepTypeAction,
			Order: 1,
			Action: &workflow.ActionConfig{
				Type: workflow.ActionHTTPRequest,
				URL:  server.URL,
			},
			OnError: &workflow.ErrorHandler{
				Action:      "retry",
				RetryPolicy: &workflow.RetryPolicy{MaxAttempts: 3},
			},
		},
		setVar("after", 2, "reached", true),
	)
	inst := f.start(t, def, nil)
	instanceID = inst.ID

	require.NoError(t, f.engine.Run(context.Background(), inst))

	assert.Equal(t, 1, calls)
	stored := f.stored(t, inst.ID)
	assert.Equal(t, workflow.InstanceStatusCancelled, stored.Status)
	require.NotNil(t, stored.LastError)
	assert.Equal(t, "CANCELLED", stored.LastError.Code)
	assert.Nil(t, stored.Variables["reached"])
}

func TestRunStoreActions(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	// A closed order that the query filter must exclude.
	_, err := f.store.Upsert(ctx, "orders", &store.Document{
		ID:           "ord-0",
		PartitionKey: "ord-0",
		Body:         []byte(`{"id":"ord-0","status":"closed","total":900}`),
	})
	require.NoError(t, err)

	def := definition("order-lookup",
		workflow.WorkflowStep{
			ID:    "save",
			Type:  workflow.StepTypeAction,
			Order: 1,
			Action: &workflow.ActionConfig{
				Type:       workflow.ActionStoreUpsert,
				Collection: "orders",
				DocumentID: "ord-1",
				Document: map[string]any{
					"status": "open",
					"total":  float64(250),
				},
				OutputVariable: "saved",
			},
		},
		workflow.WorkflowStep{
			ID:    "find",
			Type:  workflow.StepTypeAction,
			Order: 2,
			Action: &workflow.ActionConfig{
				Type:           workflow.ActionStoreQuery,
				Collection:     "orders",
				Query:          `status == "{{$.wanted}}" AND total >= 100`,
				OutputVariable: "found",
			},
		},
	)
	inst := f.start(t, def, map[string]any{"wanted": "open"})

	require.NoError(t, f.engine.Run(context.Background(), inst))
	assert.Equal(t, workflow.InstanceStatusCompleted, inst.Status)

	saved, ok := inst.Variables["saved"].(map[string]any)
	require.True(t, ok)
	resource, ok := saved["resource"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ord-1", resource["id"])
	assert.Equal(t, "open", resource["status"])

	found, ok := inst.Variables["found"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1, found["count"])
	resources, ok := found["resources"].([]any)
	require.True(t, ok)
	require.Len(t, resources, 1)
	first, ok := resources[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ord-1", first["id"])
}

func TestParseQueryClauses(t *testing.T) {
	clauses, err := parseQueryClauses(`status == "open" AND total >= 100 AND archived != true`)
	require.NoError(t, err)
	require.Len(t, clauses, 3)
	assert.Equal(t, store.Clause{Path: "status", Op: store.CmpEq, Value: "open"}, clauses[0])
	assert.Equal(t, store.Clause{Path: "total", Op: store.CmpGte, Value: float64(100)}, clauses[1])
	assert.Equal(t, store.Clause{Path: "archived", Op: store.CmpNeq, Value: true}, clauses[2])

	_, err = parseQueryClauses(`status ~ "open"`)
	assert.Error(t, err)

	_, err = parseQueryClauses(`total > abc`)
	assert.Error(t, err)
}

func TestRunOnErrorSkipContinues(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	f := newEngineFixture(t)
	def := definition("best-effort",
		workflow.WorkflowStep{
			ID:    "notify",
			Type:  workflow.StepTypeAction,
			Order: 1,
			Action: &workflow.ActionConfig{
				Type: workflow.ActionHTTPRequest,
				URL:  server.URL,
			},
			OnError: &workflow.ErrorHandler{Action: "skip"},
		},
		setVar("after", 2, "continued", true),
	)
	inst := f.start(t, def, nil)

	require.NoError(t, f.engine.Run(context.Background(), inst))

	assert.Equal(t, workflow.InstanceStatusCompleted, inst.Status)
	assert.Equal(t, true, inst.Variables["continued"])

	execs := executionsFor(inst, "notify")
	require.Len(t, execs, 1)
	assert.Equal(t, workflow.StepExecutionSkipped, execs[0].Status)
}

func TestRunOnErrorGotoRedirects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	f := newEngineFixture(t)
	def := definition("fallback-path",
		workflow.WorkflowStep{
			ID:    "call",
			Type:  workflow.StepTypeAction,
			Order: 1,
			Action: &workflow.ActionConfig{
				Type: workflow.ActionHTTPRequest,
				URL:  server.URL,
			},
			OnError: &workflow.ErrorHandler{Action: "goto", FallbackStepID: "recover"},
		},
		setVar("happy", 2, "happy", true),
		setVar("recover", 3, "recovered", true),
	)
	inst := f.start(t, def, nil)

	require.NoError(t, f.engine.Run(context.Background(), inst))

	assert.Equal(t, workflow.InstanceStatusCompleted, inst.Status)
	assert.Equal(t, true, inst.Variables["recovered"])
	assert.Nil(t, inst.Variables["happy"])
	assert.Empty(t, executionsFor(inst, "happy"))
}

func TestRunDisabledStepSkipped(t *testing.T) {
	disabled := false
	f := newEngineFixture(t)
	dark := setVar("dark", 2, "dark", true)
	dark.IsEnabled = &disabled
	def := definition("partial-rollout",
		setVar("first", 1, "first", true),
		dark,
		setVar("last", 3, "last", true),
	)
	inst := f.start(t, def, nil)

	require.NoError(t, f.engine.Run(context.Background(), inst))

	assert.Equal(t, workflow.InstanceStatusCompleted, inst.Status)
	assert.Equal(t, true, inst.Variables["first"])
	assert.Equal(t, true, inst.Variables["last"])
	assert.Nil(t, inst.Variables["dark"])

	execs := executionsFor(inst, "dark")
	require.Len(t, execs, 1)
	assert.Equal(t, workflow.StepExecutionSkipped, execs[0].Status)
}

func TestRunReservedStepTypesAdvance(t *testing.T) {
	f := newEngineFixture(t)
	def := definition("future-features",
		workflow.WorkflowStep{
			ID:       "fanout",
			Type:     workflow.StepTypeParallel,
			Order:    1,
			Parallel: &workflow.ParallelConfig{BranchStepIDs: []string{"a", "b"}},
		},
		setVar("after", 2, "done", true),
	)
	inst := f.start(t, def, nil)

	require.NoError(t, f.engine.Run(context.Background(), inst))

	assert.Equal(t, workflow.InstanceStatusCompleted, inst.Status)
	assert.Equal(t, true, inst.Variables["done"])

	execs := executionsFor(inst, "fanout")
	require.Len(t, execs, 1)
	assert.Equal(t, map[string]any{"skipped": true}, execs[0].Output)
}

func TestRunUnknownStepFails(t *testing.T) {
	f := newEngineFixture(t)
	def := definition("simple", setVar("only", 1, "done", true))
	ctx := context.Background()
	require.NoError(t, f.definitions.Create(ctx, def))

	inst := &workflow.WorkflowInstance{
		WorkflowID:      def.WorkflowID,
		WorkflowVersion: def.Version,
		CurrentStepID:   "ghost",
	}
	require.NoError(t, f.instances.Create(ctx, inst))

	require.NoError(t, f.engine.Run(ctx, inst))

	assert.Equal(t, workflow.InstanceStatusFailed, inst.Status)
	require.NotNil(t, inst.LastError)
	assert.Equal(t, "STEP_NOT_FOUND", inst.LastError.Code)
}

func TestRunRejectsTerminalInstance(t *testing.T) {
	f := newEngineFixture(t)
	def := definition("simple", setVar("only", 1, "done", true))
	inst := f.start(t, def, nil)
	require.NoError(t, f.engine.Run(context.Background(), inst))
	require.Equal(t, workflow.InstanceStatusCompleted, inst.Status)

	err := f.engine.Run(context.Background(), inst)
	assert.True(t, errors.IsState(err))
}
