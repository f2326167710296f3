package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cascadehq/cascade/internal/metrics"
	"github.com/cascadehq/cascade/internal/publish"
	"github.com/cascadehq/cascade/internal/repository"
	"github.com/cascadehq/cascade/internal/tracing"
	"github.com/cascadehq/cascade/pkg/errors"
	"github.com/cascadehq/cascade/pkg/workflow"
	"github.com/cascadehq/cascade/pkg/workflow/expression"
)

const (
	// defaultMaxSteps bounds step executions per run to catch cycles.
	defaultMaxSteps = 1000

	// defaultMaxExecution is the instance deadline when neither the
	// definition nor the engine configuration sets one.
	defaultMaxExecution = 24 * time.Hour

	// inlineDelayLimit is the longest delay served by sleeping inside the
	// loop; longer delays park the instance with a resumeAt.
	inlineDelayLimit = 30 * time.Second
)

// Clock abstracts time for the orchestrator so tests can run delays and
// deadlines instantly.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Engine is the workflow orchestrator. One Run call drives one instance
// until it finishes or parks; state is persisted at every step boundary
// so a crashed engine resumes from the last completed step.
type Engine struct {
	definitions *repository.Definitions
	instances   *repository.Instances
	executor    *StepExecutor
	publisher   publish.Publisher
	metrics     *metrics.Metrics
	logger      *slog.Logger
	clock       Clock

	maxSteps         int
	maxExecution     time.Duration
	inlineDelayLimit time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxSteps overrides the per-run step ceiling.
func WithMaxSteps(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

// WithMaxExecution overrides the default instance deadline.
func WithMaxExecution(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.maxExecution = d
		}
	}
}

// WithClock replaces the engine clock. Tests only.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithInlineDelayLimit overrides the inline sleep ceiling for delay steps.
func WithInlineDelayLimit(d time.Duration) Option {
	return func(e *Engine) { e.inlineDelayLimit = d }
}

// New creates an Engine.
func New(definitions *repository.Definitions, instances *repository.Instances, executor *StepExecutor, publisher publish.Publisher, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = publish.NopPublisher{}
	}
	if m == nil {
		m = metrics.Nop()
	}
	e := &Engine{
		definitions:      definitions,
		instances:        instances,
		executor:         executor,
		publisher:        publisher,
		metrics:          m,
		logger:           logger,
		clock:            realClock{},
		maxSteps:         defaultMaxSteps,
		maxExecution:     defaultMaxExecution,
		inlineDelayLimit: inlineDelayLimit,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run drives a pending or running instance until it reaches a terminal
// status or parks waiting.
func (e *Engine) Run(ctx context.Context, inst *workflow.WorkflowInstance) error {
	ctx, span := tracing.StartInstanceSpan(ctx, "workflow.run", inst.ID, inst.WorkflowID)
	err := e.run(ctx, inst)
	tracing.End(span, err)
	return err
}

func (e *Engine) run(ctx context.Context, inst *workflow.WorkflowInstance) error {
	def, err := e.definitions.Get(ctx, inst.WorkflowID, inst.WorkflowVersion)
	if err != nil {
		return err
	}

	switch inst.Status {
	case workflow.InstanceStatusPending:
		now := e.clock.Now().UTC()
		inst.Status = workflow.InstanceStatusRunning
		inst.StartedAt = &now
		e.audit(def, inst, "", "instance started")
		if err := e.checkpoint(ctx, inst); err != nil {
			return err
		}
		e.publishLifecycle(ctx, publish.EventInstanceStarted, inst)
	case workflow.InstanceStatusRunning:
		// Crash recovery resumes from the persisted current step.
	default:
		return &errors.StateError{
			Resource:  "workflow instance",
			ID:        inst.ID,
			Current:   string(inst.Status),
			Operation: "run",
		}
	}

	return e.loop(ctx, def, inst)
}

// Resume continues a waiting or paused instance. The event data merges
// into the instance variables under the eventData key and becomes the
// output of the parked step.
func (e *Engine) Resume(ctx context.Context, instanceID string, eventData map[string]any) error {
	ctx, span := tracing.StartInstanceSpan(ctx, "workflow.resume", instanceID, "")
	err := e.resume(ctx, instanceID, eventData)
	tracing.End(span, err)
	return err
}

func (e *Engine) resume(ctx context.Context, instanceID string, eventData map[string]any) error {
	inst, err := e.instances.Get(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status != workflow.InstanceStatusWaiting && inst.Status != workflow.InstanceStatusPaused {
		return &errors.StateError{
			Resource:  "workflow instance",
			ID:        inst.ID,
			Current:   string(inst.Status),
			Operation: "resume",
		}
	}

	def, err := e.definitions.Get(ctx, inst.WorkflowID, inst.WorkflowVersion)
	if err != nil {
		return err
	}

	if len(eventData) > 0 {
		inst.MergeVariables(map[string]any{"eventData": eventData})
	}

	step := def.Step(inst.CurrentStepID)
	if step == nil {
		return e.finish(ctx, def, inst, workflow.InstanceStatusFailed, &workflow.ErrorInfo{
			Code:    "STEP_NOT_FOUND",
			Message: fmt.Sprintf("waiting step %q is gone from the definition", inst.CurrentStepID),
			StepID:  inst.CurrentStepID,
		})
	}

	e.completeWaitingStep(inst, eventData)
	inst.MarkStepCompleted(step.ID)
	inst.Status = workflow.InstanceStatusRunning
	inst.ResumeAt = nil
	inst.WaitingForEvent = ""
	e.audit(def, inst, step.ID, "instance resumed")

	exprCtx := e.contextFor(inst)
	next := e.determineNextStep(def, step, &StepResult{Success: true}, exprCtx)
	if next == "" {
		return e.finish(ctx, def, inst, workflow.InstanceStatusCompleted, nil)
	}
	inst.CurrentStepID = next
	if err := e.checkpoint(ctx, inst); err != nil {
		return err
	}

	e.logger.Info("instance resumed",
		"instance_id", inst.ID,
		"step_id", step.ID,
		"next_step_id", next,
	)
	return e.loop(ctx, def, inst)
}

// Cancel terminates a non-terminal instance.
func (e *Engine) Cancel(ctx context.Context, instanceID, reason string) error {
	ctx, span := tracing.StartInstanceSpan(ctx, "workflow.cancel", instanceID, "")
	err := e.cancel(ctx, instanceID, reason)
	tracing.End(span, err)
	return err
}

func (e *Engine) cancel(ctx context.Context, instanceID, reason string) error {
	inst, err := e.instances.Get(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status.IsTerminal() {
		return &errors.StateError{
			Resource:  "workflow instance",
			ID:        inst.ID,
			Current:   string(inst.Status),
			Operation: "cancel",
		}
	}

	def, err := e.definitions.Get(ctx, inst.WorkflowID, inst.WorkflowVersion)
	if err != nil {
		return err
	}

	message := "instance cancelled"
	if reason != "" {
		message = "instance cancelled: " + reason
		e.audit(def, inst, inst.CurrentStepID, "cancelled: "+reason)
	}
	return e.finish(ctx, def, inst, workflow.InstanceStatusCancelled, &workflow.ErrorInfo{
		Code:    "CANCELLED",
		Message: message,
		StepID:  inst.CurrentStepID,
	})
}

// loop is the orchestrator: execute the current step, persist, advance.
func (e *Engine) loop(ctx context.Context, def *workflow.WorkflowDefinition, inst *workflow.WorkflowInstance) error {
	deadline := e.deadlineFor(def, inst)

	for steps := 0; ; steps++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !deadline.IsZero() && e.clock.Now().After(deadline) {
			return e.finish(ctx, def, inst, workflow.InstanceStatusTimedOut, &workflow.ErrorInfo{
				Code:    "EXECUTION_TIMEOUT",
				Message: "instance exceeded its maximum execution time",
				StepID:  inst.CurrentStepID,
			})
		}
		if steps >= e.maxSteps {
			return e.finish(ctx, def, inst, workflow.InstanceStatusFailed, &workflow.ErrorInfo{
				Code:    "MAX_STEPS_EXCEEDED",
				Message: fmt.Sprintf("instance executed more than %d steps, assuming a definition cycle", e.maxSteps),
				StepID:  inst.CurrentStepID,
			})
		}

		step := e.currentStep(def, inst)
		if step == nil {
			return e.finish(ctx, def, inst, workflow.InstanceStatusFailed, &workflow.ErrorInfo{
				Code:    "STEP_NOT_FOUND",
				Message: fmt.Sprintf("step %q not found in definition %s v%d", inst.CurrentStepID, def.WorkflowID, def.Version),
				StepID:  inst.CurrentStepID,
			})
		}
		inst.CurrentStepID = step.ID

		if !step.Enabled() {
			e.recordSkipped(inst, step, nil)
			exprCtx := e.contextFor(inst)
			next := e.determineNextStep(def, step, &StepResult{Success: true}, exprCtx)
			if next == "" {
				return e.finish(ctx, def, inst, workflow.InstanceStatusCompleted, nil)
			}
			inst.CurrentStepID = next
			continue
		}

		result, err := e.executeWithPolicy(ctx, def, inst, step)
		if err != nil {
			return e.handleConflict(ctx, inst, err)
		}

		if !result.Success {
			advanced, next, ferr := e.applyFailurePolicy(ctx, def, inst, step, result)
			if ferr != nil {
				return ferr
			}
			if !advanced {
				// finish already persisted the terminal state.
				return nil
			}
			if next == "" {
				return e.finish(ctx, def, inst, workflow.InstanceStatusCompleted, nil)
			}
			inst.CurrentStepID = next
			if err := e.checkpoint(ctx, inst); err != nil {
				return e.handleConflict(ctx, inst, err)
			}
			continue
		}

		// Timer waits short enough to serve inline skip the park entirely.
		if result.Wait != nil && result.Wait.Reason == WaitReasonTimer && result.Wait.ResumeAt != nil {
			wait := result.Wait.ResumeAt.Sub(e.clock.Now())
			if wait <= e.inlineDelayLimit {
				if wait > 0 {
					if err := e.clock.Sleep(ctx, wait); err != nil {
						return err
					}
				}
				result.Wait = nil
			}
		}

		if result.Wait != nil {
			return e.park(ctx, def, inst, step, result)
		}

		e.recordCompleted(inst, step, result)
		inst.MergeVariables(result.VariableUpdates)
		inst.MarkStepCompleted(step.ID)
		e.audit(def, inst, step.ID, "step completed")

		if result.ShouldTerminate {
			return e.finish(ctx, def, inst, workflow.InstanceStatusCompleted, nil)
		}

		exprCtx := e.contextFor(inst)
		next := e.determineNextStep(def, step, result, exprCtx)
		if next == "" {
			return e.finish(ctx, def, inst, workflow.InstanceStatusCompleted, nil)
		}
		inst.CurrentStepID = next
		if err := e.checkpoint(ctx, inst); err != nil {
			return e.handleConflict(ctx, inst, err)
		}
	}
}

// executeWithPolicy runs one step, applying the retry policy in place.
// Executor panics are not caught; a Go error from the executor is
// synthesized into a step failure.
func (e *Engine) executeWithPolicy(ctx context.Context, def *workflow.WorkflowDefinition, inst *workflow.WorkflowInstance, step *workflow.WorkflowStep) (*StepResult, error) {
	var policy *workflow.RetryPolicy
	if step.OnError != nil && step.OnError.Action == "retry" {
		policy = step.OnError.RetryPolicy
	}
	maxAttempts := 1
	if policy != nil && policy.MaxAttempts > 1 {
		maxAttempts = policy.MaxAttempts
	}

	var result *StepResult
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := e.clock.Sleep(ctx, retryDelay(policy, attempt)); err != nil {
				return nil, err
			}
		}

		// Conflicts propagate raw so the loop can distinguish a
		// concurrent finalization from a result-bearing return.
		e.recordRunning(inst, step, attempt)
		if err := e.checkpoint(ctx, inst); err != nil {
			return nil, err
		}

		started := e.clock.Now()
		exprCtx := e.contextFor(inst)
		var err error
		result, err = e.executor.Execute(ctx, inst, step, exprCtx)
		if err != nil {
			result = failure("STEP_EXECUTION_ERROR", err.Error(), step.ID, nil)
		}
		elapsed := e.clock.Now().Sub(started)

		if result.Success {
			e.metrics.ObserveStep(string(step.Type), "success", elapsed)
			e.finishAttempt(inst, step, result, elapsed)
			return result, nil
		}

		e.metrics.ObserveStep(string(step.Type), "failure", elapsed)
		e.finishAttempt(inst, step, result, elapsed)
		e.logger.Warn("step failed",
			"instance_id", inst.ID,
			"step_id", step.ID,
			"attempt", attempt+1,
			"code", result.Error.Code,
			"error", result.Error.Message,
		)

		if policy != nil && !retryable(policy, result.Error.Code) {
			break
		}
	}
	return result, nil
}

// applyFailurePolicy reacts to a definitively failed step. Returns
// advanced=true with the next step when execution continues (skip, goto);
// advanced=false means the instance was finalized.
func (e *Engine) applyFailurePolicy(ctx context.Context, def *workflow.WorkflowDefinition, inst *workflow.WorkflowInstance, step *workflow.WorkflowStep, result *StepResult) (bool, string, error) {
	action := ""
	if step.OnError != nil {
		action = step.OnError.Action
	}

	switch action {
	case "skip":
		e.recordSkipped(inst, step, result.Error)
		inst.MarkStepCompleted(step.ID)
		e.audit(def, inst, step.ID, "step failed, skipped by policy")
		exprCtx := e.contextFor(inst)
		next := e.determineNextStep(def, step, &StepResult{Success: true}, exprCtx)
		return true, next, nil
	case "goto":
		if step.OnError.FallbackStepID == "" {
			break
		}
		e.audit(def, inst, step.ID, "step failed, redirected to fallback")
		return true, step.OnError.FallbackStepID, nil
	}

	// fail, compensate, exhausted retries, and everything else finalize.
	inst.LastError = result.Error
	return false, "", e.finish(ctx, def, inst, workflow.InstanceStatusFailed, result.Error)
}

// park persists the instance as waiting and stops the loop.
func (e *Engine) park(ctx context.Context, def *workflow.WorkflowDefinition, inst *workflow.WorkflowInstance, step *workflow.WorkflowStep, result *StepResult) error {
	wait := result.Wait
	inst.Status = workflow.InstanceStatusWaiting
	inst.WaitingForEvent = wait.EventType
	switch {
	case wait.ResumeAt != nil:
		inst.ResumeAt = wait.ResumeAt
	case wait.Deadline != nil:
		inst.ResumeAt = wait.Deadline
	default:
		inst.ResumeAt = nil
	}
	e.markWaiting(inst, step, result)
	inst.MergeVariables(result.VariableUpdates)
	e.audit(def, inst, step.ID, "instance waiting: "+string(wait.Reason))

	if err := e.checkpoint(ctx, inst); err != nil {
		return e.handleConflict(ctx, inst, err)
	}

	e.publishLifecycle(ctx, publish.EventInstanceWaiting, inst)
	e.logger.Info("instance parked",
		"instance_id", inst.ID,
		"step_id", step.ID,
		"reason", string(wait.Reason),
	)
	return nil
}

// finish moves the instance to a terminal status and persists it.
func (e *Engine) finish(ctx context.Context, def *workflow.WorkflowDefinition, inst *workflow.WorkflowInstance, status workflow.InstanceStatus, errInfo *workflow.ErrorInfo) error {
	now := e.clock.Now().UTC()
	inst.Status = status
	inst.CompletedAt = &now
	inst.ResumeAt = nil
	inst.WaitingForEvent = ""
	if errInfo != nil {
		inst.LastError = errInfo
	}
	if status == workflow.InstanceStatusCompleted {
		inst.ProgressPercent = 100
	}
	e.audit(def, inst, inst.CurrentStepID, "instance "+string(status))

	if err := e.checkpoint(ctx, inst); err != nil {
		return err
	}

	if inst.StartedAt != nil {
		e.metrics.ObserveInstanceFinished(string(status), now.Sub(*inst.StartedAt))
	}
	e.publishLifecycle(ctx, lifecycleEventFor(status), inst)
	e.logger.Info("instance finished",
		"instance_id", inst.ID,
		"workflow_id", inst.WorkflowID,
		"status", string(status),
	)
	return nil
}

// determineNextStep picks the successor: an explicit result override
// first, then the step's transitions, then the enabled step with the next
// higher order. Empty means the instance is done.
func (e *Engine) determineNextStep(def *workflow.WorkflowDefinition, step *workflow.WorkflowStep, result *StepResult, exprCtx *expression.Context) string {
	if result.NextStepID != "" {
		return result.NextStepID
	}
	if len(step.Transitions) > 0 {
		if target, ok := expression.FindMatchingTransition(step.Transitions, exprCtx); ok {
			return target
		}
		return ""
	}

	var next *workflow.WorkflowStep
	for i := range def.Steps {
		candidate := &def.Steps[i]
		if !candidate.Enabled() || candidate.Order <= step.Order {
			continue
		}
		if next == nil || candidate.Order < next.Order {
			next = candidate
		}
	}
	if next == nil {
		return ""
	}
	return next.ID
}

func (e *Engine) currentStep(def *workflow.WorkflowDefinition, inst *workflow.WorkflowInstance) *workflow.WorkflowStep {
	if inst.CurrentStepID == "" {
		return def.FirstStep()
	}
	return def.Step(inst.CurrentStepID)
}

func (e *Engine) deadlineFor(def *workflow.WorkflowDefinition, inst *workflow.WorkflowInstance) time.Time {
	started := inst.CreatedAt
	if inst.StartedAt != nil {
		started = *inst.StartedAt
	}
	max := e.maxExecution
	if def.Settings.MaxExecutionSeconds > 0 {
		max = time.Duration(def.Settings.MaxExecutionSeconds) * time.Second
	}
	if max <= 0 {
		return time.Time{}
	}
	return started.Add(max)
}

func (e *Engine) contextFor(inst *workflow.WorkflowInstance) *expression.Context {
	return &expression.Context{
		Variables:   inst.Variables,
		StepOutputs: inst.StepOutputs(),
		Input:       inst.TriggerData,
		Env:         map[string]string{},
	}
}

// recordRunning appends a running StepExecution for this attempt.
func (e *Engine) recordRunning(inst *workflow.WorkflowInstance, step *workflow.WorkflowStep, attempt int) {
	inst.StepExecutions = append(inst.StepExecutions, workflow.StepExecution{
		StepID:     step.ID,
		StepName:   step.Name,
		StepType:   step.Type,
		Status:     workflow.StepExecutionRunning,
		StartedAt:  e.clock.Now().UTC(),
		Input:      snapshot(inst.Variables),
		RetryCount: attempt,
	})
}

// finishAttempt closes the latest StepExecution for the step.
func (e *Engine) finishAttempt(inst *workflow.WorkflowInstance, step *workflow.WorkflowStep, result *StepResult, elapsed time.Duration) {
	exec := e.latestExecution(inst, step.ID)
	if exec == nil {
		return
	}
	now := e.clock.Now().UTC()
	exec.CompletedAt = &now
	exec.DurationMs = elapsed.Milliseconds()
	if result.Success {
		exec.Status = workflow.StepExecutionCompleted
		exec.Output = result.Output
	} else {
		exec.Status = workflow.StepExecutionFailed
		exec.Error = result.Error
	}
}

// recordCompleted is a no-op when finishAttempt already closed the
// execution; it exists for paths that complete without an attempt record.
func (e *Engine) recordCompleted(inst *workflow.WorkflowInstance, step *workflow.WorkflowStep, result *StepResult) {
	exec := e.latestExecution(inst, step.ID)
	if exec != nil && exec.Status != workflow.StepExecutionRunning && exec.Status != workflow.StepExecutionWaiting {
		return
	}
	if exec == nil {
		now := e.clock.Now().UTC()
		inst.StepExecutions = append(inst.StepExecutions, workflow.StepExecution{
			StepID:    step.ID,
			StepName:  step.Name,
			StepType:  step.Type,
			Status:    workflow.StepExecutionCompleted,
			StartedAt: now,
			Output:    result.Output,
		})
		return
	}
	now := e.clock.Now().UTC()
	exec.Status = workflow.StepExecutionCompleted
	exec.CompletedAt = &now
	exec.Output = result.Output
}

func (e *Engine) recordSkipped(inst *workflow.WorkflowInstance, step *workflow.WorkflowStep, errInfo *workflow.ErrorInfo) {
	exec := e.latestExecution(inst, step.ID)
	now := e.clock.Now().UTC()
	if exec != nil && exec.Status == workflow.StepExecutionFailed {
		exec.Status = workflow.StepExecutionSkipped
		return
	}
	inst.StepExecutions = append(inst.StepExecutions, workflow.StepExecution{
		StepID:    step.ID,
		StepName:  step.Name,
		StepType:  step.Type,
		Status:    workflow.StepExecutionSkipped,
		StartedAt: now,
		Error:     errInfo,
	})
}

// markWaiting flags the latest execution of the parked step as waiting.
func (e *Engine) markWaiting(inst *workflow.WorkflowInstance, step *workflow.WorkflowStep, result *StepResult) {
	exec := e.latestExecution(inst, step.ID)
	if exec == nil {
		return
	}
	exec.Status = workflow.StepExecutionWaiting
	exec.CompletedAt = nil
	exec.Output = result.Output
}

// completeWaitingStep closes the waiting execution on resume.
func (e *Engine) completeWaitingStep(inst *workflow.WorkflowInstance, eventData map[string]any) {
	for i := len(inst.StepExecutions) - 1; i >= 0; i-- {
		exec := &inst.StepExecutions[i]
		if exec.Status != workflow.StepExecutionWaiting {
			continue
		}
		now := e.clock.Now().UTC()
		exec.Status = workflow.StepExecutionCompleted
		exec.CompletedAt = &now
		if exec.Output == nil {
			exec.Output = map[string]any{}
		}
		for k, v := range eventData {
			exec.Output[k] = v
		}
		return
	}
}

func (e *Engine) latestExecution(inst *workflow.WorkflowInstance, stepID string) *workflow.StepExecution {
	for i := len(inst.StepExecutions) - 1; i >= 0; i-- {
		if inst.StepExecutions[i].StepID == stepID {
			return &inst.StepExecutions[i]
		}
	}
	return nil
}

// checkpoint saves the instance, absorbing one concurrent-writer conflict
// by reloading the token. A concurrently finalized instance surfaces as a
// StateError so the loop stops instead of overwriting a cancellation.
func (e *Engine) checkpoint(ctx context.Context, inst *workflow.WorkflowInstance) error {
	err := e.instances.Save(ctx, inst)
	if err == nil {
		return nil
	}
	if !errors.IsConflict(err) {
		return err
	}
	e.metrics.StoreConflicts.Inc()

	current, gerr := e.instances.Get(ctx, inst.ID)
	if gerr != nil {
		return err
	}
	if current.Status.IsTerminal() {
		return &errors.StateError{
			Resource:  "workflow instance",
			ID:        inst.ID,
			Current:   string(current.Status),
			Operation: "save",
		}
	}
	inst.ETag = current.ETag
	return e.instances.Save(ctx, inst)
}

// handleConflict turns a concurrent finalization into a clean stop.
func (e *Engine) handleConflict(ctx context.Context, inst *workflow.WorkflowInstance, err error) error {
	if errors.IsState(err) {
		e.logger.Info("instance finalized concurrently, stopping",
			"instance_id", inst.ID,
		)
		return nil
	}
	return err
}

func (e *Engine) audit(def *workflow.WorkflowDefinition, inst *workflow.WorkflowInstance, stepID, message string) {
	if !def.Settings.AuditEnabled {
		return
	}
	inst.ActivityLog = append(inst.ActivityLog, workflow.ActivityEntry{
		Timestamp: e.clock.Now().UTC(),
		Level:     "info",
		Message:   message,
		StepID:    stepID,
	})
}

func (e *Engine) publishLifecycle(ctx context.Context, eventType string, inst *workflow.WorkflowInstance) {
	data := map[string]any{
		"instanceId":      inst.ID,
		"workflowId":      inst.WorkflowID,
		"workflowVersion": inst.WorkflowVersion,
		"status":          string(inst.Status),
	}
	if inst.LastError != nil {
		data["error"] = map[string]any{
			"code":    inst.LastError.Code,
			"message": inst.LastError.Message,
		}
	}
	event := publish.NewEvent(eventType, inst.ID, data)
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Warn("lifecycle event publish failed",
			"event_type", eventType,
			"instance_id", inst.ID,
			"error", err,
		)
	}
	e.metrics.EventsPublished.WithLabelValues(eventType).Inc()
}

func lifecycleEventFor(status workflow.InstanceStatus) string {
	switch status {
	case workflow.InstanceStatusCompleted:
		return publish.EventInstanceCompleted
	case workflow.InstanceStatusFailed:
		return publish.EventInstanceFailed
	case workflow.InstanceStatusCancelled:
		return publish.EventInstanceCancelled
	case workflow.InstanceStatusTimedOut:
		return publish.EventInstanceTimedOut
	}
	return publish.EventInstanceCompleted
}

func retryDelay(policy *workflow.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.InitialDelaySeconds <= 0 {
		return 0
	}
	delay := time.Duration(policy.InitialDelaySeconds) * time.Second
	if policy.BackoffType == "exponential" {
		for i := 1; i < attempt; i++ {
			delay *= 2
		}
	}
	if policy.MaxDelaySeconds > 0 {
		max := time.Duration(policy.MaxDelaySeconds) * time.Second
		if delay > max {
			delay = max
		}
	}
	return delay
}

func retryable(policy *workflow.RetryPolicy, code string) bool {
	if policy == nil || len(policy.RetryableErrors) == 0 {
		return true
	}
	for _, c := range policy.RetryableErrors {
		if c == code {
			return true
		}
	}
	return false
}

func snapshot(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
