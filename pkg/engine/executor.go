package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cascadehq/cascade/internal/publish"
	"github.com/cascadehq/cascade/internal/script"
	"github.com/cascadehq/cascade/internal/store"
	"github.com/cascadehq/cascade/internal/transform"
	"github.com/cascadehq/cascade/pkg/errors"
	"github.com/cascadehq/cascade/pkg/workflow"
	"github.com/cascadehq/cascade/pkg/workflow/expression"
)

const (
	// defaultHTTPTimeout applies to http_request actions without an
	// explicit timeout.
	defaultHTTPTimeout = 30 * time.Second

	// maxResponseBytes caps an http_request response body.
	maxResponseBytes = 4 * 1024 * 1024
)

// defaultValidStatuses accepted when an action does not list its own.
var defaultValidStatuses = []int{200, 201, 202, 204}

// ApprovalGate raises approval requests for human and wait(approval)
// steps. Implemented by the approval service.
type ApprovalGate interface {
	CreateForStep(ctx context.Context, inst *workflow.WorkflowInstance, stepID string, cfg *workflow.HumanConfig, resolvedContext map[string]any) (*workflow.ApprovalRequest, error)
}

// StepExecutor executes one step and reports the outcome. It never
// mutates the instance; the orchestrator owns all durable state.
type StepExecutor struct {
	store      store.Store
	publisher  publish.Publisher
	transforms *transform.Executor
	scripts    *script.Executor
	approvals  ApprovalGate
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// ExecutorOption configures a StepExecutor.
type ExecutorOption func(*StepExecutor)

// WithHTTPClient replaces the HTTP client used by http_request actions.
func WithHTTPClient(client *http.Client) ExecutorOption {
	return func(e *StepExecutor) { e.httpClient = client }
}

// WithExecutorClock replaces the executor clock. Tests only.
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *StepExecutor) { e.now = now }
}

// NewStepExecutor creates a step executor.
func NewStepExecutor(st store.Store, publisher publish.Publisher, transforms *transform.Executor, scripts *script.Executor, approvals ApprovalGate, logger *slog.Logger, opts ...ExecutorOption) *StepExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = publish.NopPublisher{}
	}
	if transforms == nil {
		transforms = transform.NewExecutor(0, 0)
	}
	if scripts == nil {
		scripts = script.NewExecutor(0)
	}
	e := &StepExecutor{
		store:      st,
		publisher:  publisher,
		transforms: transforms,
		scripts:    scripts,
		approvals:  approvals,
		httpClient: &http.Client{},
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one step against the expression context. Failures that are
// part of normal operation (failed HTTP status, script error) come back as
// an unsuccessful StepResult, not a Go error; errors are reserved for
// engine-level problems.
func (e *StepExecutor) Execute(ctx context.Context, inst *workflow.WorkflowInstance, step *workflow.WorkflowStep, exprCtx *expression.Context) (*StepResult, error) {
	switch step.Type {
	case workflow.StepTypeAction:
		return e.executeAction(ctx, step, exprCtx)
	case workflow.StepTypeDecision:
		return e.executeDecision(step, exprCtx)
	case workflow.StepTypeTransform:
		return e.executeTransform(ctx, step, exprCtx)
	case workflow.StepTypeScript:
		return e.executeScript(ctx, step, exprCtx)
	case workflow.StepTypeSetVariable:
		return e.executeSetVariable(step, exprCtx)
	case workflow.StepTypeDelay:
		return e.executeDelay(step)
	case workflow.StepTypeTerminate:
		return &StepResult{Success: true, ShouldTerminate: true, Output: map[string]any{"terminated": true}}, nil
	case workflow.StepTypeWait:
		return e.executeWait(ctx, inst, step, exprCtx)
	case workflow.StepTypeHuman:
		return e.executeHuman(ctx, inst, step, step.Human, exprCtx)
	case workflow.StepTypeParallel, workflow.StepTypeLoop, workflow.StepTypeSubworkflow,
		workflow.StepTypeRetry, workflow.StepTypeCompensate:
		// Reserved step types advance without executing.
		e.logger.Debug("reserved step type, advancing",
			"step_id", step.ID,
			"step_type", string(step.Type),
		)
		return &StepResult{Success: true, Output: map[string]any{"skipped": true}}, nil
	default:
		return failure("UNSUPPORTED_STEP_TYPE", fmt.Sprintf("unknown step type %q", step.Type), step.ID, nil), nil
	}
}

func (e *StepExecutor) executeAction(ctx context.Context, step *workflow.WorkflowStep, exprCtx *expression.Context) (*StepResult, error) {
	cfg := step.Action
	if cfg == nil {
		return failure("ACTION_CONFIG_MISSING", "action step has no action configuration", step.ID, nil), nil
	}

	var (
		output map[string]any
		err    error
	)
	switch cfg.Type {
	case workflow.ActionHTTPRequest:
		output, err = e.httpRequest(ctx, step, cfg, exprCtx)
	case workflow.ActionPublishEvent:
		output, err = e.publishEvent(ctx, cfg, exprCtx)
	case workflow.ActionStoreQuery:
		output, err = e.storeQuery(ctx, cfg, exprCtx)
	case workflow.ActionStoreUpsert:
		output, err = e.storeUpsert(ctx, cfg, exprCtx)
	case workflow.ActionStoreDelete:
		output, err = e.storeDelete(ctx, cfg, exprCtx)
	case workflow.ActionSendCommand:
		output, err = e.sendThrough(ctx, "workflow.command", cfg, exprCtx)
	case workflow.ActionSendNotification:
		output, err = e.sendThrough(ctx, "workflow.notification", cfg, exprCtx)
	case workflow.ActionCallFunction:
		output, err = e.sendThrough(ctx, "workflow.function", cfg, exprCtx)
	default:
		return failure("UNSUPPORTED_ACTION_TYPE", fmt.Sprintf("unknown action type %q", cfg.Type), step.ID, nil), nil
	}
	if err != nil {
		var execErr *errors.ExecutionError
		if errors.As(err, &execErr) {
			return failure(execErr.Code, execErr.Message, step.ID, execErr.Details), nil
		}
		return failure("ACTION_ERROR", err.Error(), step.ID, nil), nil
	}

	result := &StepResult{Success: true, Output: output}
	if cfg.OutputVariable != "" {
		result.VariableUpdates = map[string]any{cfg.OutputVariable: output}
	}
	return result, nil
}

func (e *StepExecutor) httpRequest(ctx context.Context, step *workflow.WorkflowStep, cfg *workflow.ActionConfig, exprCtx *expression.Context) (map[string]any, error) {
	url := expression.Stringify(expression.ResolveString(cfg.URL, exprCtx))
	if url == "" {
		return nil, &errors.ExecutionError{Code: "HTTP_CONFIG_ERROR", Message: "url resolved to empty"}
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
		if cfg.Body != nil {
			method = http.MethodPost
		}
	}

	var bodyReader io.Reader
	if cfg.Body != nil {
		resolved := expression.Resolve(cfg.Body, exprCtx)
		raw, err := json.Marshal(resolved)
		if err != nil {
			return nil, errors.Wrap(err, "encode request body")
		}
		bodyReader = bytes.NewReader(raw)
	}

	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, url, bodyReader)
	if err != nil {
		return nil, &errors.ExecutionError{Code: "HTTP_CONFIG_ERROR", Message: err.Error()}
	}
	if cfg.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for name, value := range cfg.Headers {
		req.Header.Set(name, expression.Stringify(expression.ResolveString(value, exprCtx)))
	}
	if err := applyAuth(req, cfg.Auth, exprCtx); err != nil {
		return nil, err
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, &errors.ExecutionError{Code: "HTTP_REQUEST_ERROR", Message: err.Error(), Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &errors.ExecutionError{Code: "HTTP_REQUEST_ERROR", Message: "read response: " + err.Error(), Cause: err}
	}

	var body any
	contentType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if strings.Contains(contentType, "json") && len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			body = string(raw)
		}
	} else if len(raw) > 0 {
		body = string(raw)
	}

	output := map[string]any{
		"status": resp.StatusCode,
		"body":   body,
	}

	valid := cfg.ValidateStatus
	if len(valid) == 0 {
		valid = defaultValidStatuses
	}
	for _, code := range valid {
		if resp.StatusCode == code {
			return output, nil
		}
	}
	return nil, &errors.ExecutionError{
		Code:    fmt.Sprintf("HTTP_%d", resp.StatusCode),
		Message: fmt.Sprintf("%s %s returned status %d", method, url, resp.StatusCode),
		StepID:  step.ID,
		Details: output,
	}
}

func applyAuth(req *http.Request, auth *workflow.AuthConfig, exprCtx *expression.Context) error {
	if auth == nil {
		return nil
	}
	resolve := func(s string) string {
		return expression.Stringify(expression.ResolveString(s, exprCtx))
	}
	switch auth.Type {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+resolve(auth.Token))
	case "basic":
		req.SetBasicAuth(resolve(auth.Username), resolve(auth.Password))
	case "api-key":
		header := auth.Header
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, resolve(auth.Key))
	default:
		return &errors.ExecutionError{
			Code:    "HTTP_CONFIG_ERROR",
			Message: fmt.Sprintf("unknown auth type %q", auth.Type),
		}
	}
	return nil
}

func (e *StepExecutor) publishEvent(ctx context.Context, cfg *workflow.ActionConfig, exprCtx *expression.Context) (map[string]any, error) {
	eventType := expression.Stringify(expression.ResolveString(cfg.EventType, exprCtx))
	if eventType == "" {
		return nil, &errors.ExecutionError{Code: "EVENT_PUBLISH_ERROR", Message: "eventType resolved to empty"}
	}
	subject := expression.Stringify(expression.ResolveString(cfg.Subject, exprCtx))

	data, _ := expression.Resolve(cfg.Data, exprCtx).(map[string]any)
	event := publish.NewEvent(eventType, subject, data)
	if err := e.publisher.Publish(ctx, event); err != nil {
		var execErr *errors.ExecutionError
		if errors.As(err, &execErr) {
			return nil, execErr
		}
		return nil, &errors.ExecutionError{Code: "EVENT_PUBLISH_ERROR", Message: err.Error(), Cause: err}
	}
	return map[string]any{"eventId": event.ID, "eventType": eventType}, nil
}

func (e *StepExecutor) storeQuery(ctx context.Context, cfg *workflow.ActionConfig, exprCtx *expression.Context) (map[string]any, error) {
	if e.store == nil {
		return nil, &errors.ExecutionError{Code: "STORE_ERROR", Message: "no store configured"}
	}
	q := store.Query{
		PartitionKey: expression.Stringify(expression.ResolveString(cfg.PartitionKey, exprCtx)),
	}
	if cfg.Query != "" {
		resolved := expression.Stringify(expression.ResolveString(cfg.Query, exprCtx))
		clauses, err := parseQueryClauses(resolved)
		if err != nil {
			return nil, &errors.ExecutionError{Code: "STORE_QUERY_ERROR", Message: err.Error(), Cause: err}
		}
		q.Where = append(q.Where, clauses...)
	}
	for path, value := range cfg.Parameters {
		q.Where = append(q.Where, store.Clause{
			Path:  path,
			Op:    store.CmpEq,
			Value: expression.Resolve(value, exprCtx),
		})
	}
	docs, err := e.store.Query(ctx, store.Collection(cfg.Collection), q)
	if err != nil {
		return nil, &errors.ExecutionError{Code: "STORE_ERROR", Message: err.Error(), Cause: err}
	}
	resources := make([]any, 0, len(docs))
	for _, doc := range docs {
		var item any
		if err := json.Unmarshal(doc.Body, &item); err != nil {
			continue
		}
		resources = append(resources, item)
	}
	return map[string]any{"resources": resources, "count": len(resources)}, nil
}

// storeQueryOps maps the query grammar operators onto store comparisons,
// longest first so ">=" is not read as ">".
var storeQueryOps = []struct {
	token string
	op    string
}{
	{"==", store.CmpEq},
	{"!=", store.CmpNeq},
	{">=", store.CmpGte},
	{"<=", store.CmpLte},
	{">", store.CmpGt},
	{"<", store.CmpLt},
}

// parseQueryClauses parses the query expression of a store query action:
// one or more `path op literal` comparisons joined by AND, with quoted
// string, numeric, boolean, or null literals.
func parseQueryClauses(query string) ([]store.Clause, error) {
	var clauses []store.Clause
	for _, part := range strings.Split(query, " AND ") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		clause, err := parseQueryClause(part)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, clause)
	}
	if len(clauses) == 0 {
		return nil, &errors.ValidationError{
			Field:   "action.query",
			Message: "query has no comparisons",
		}
	}
	return clauses, nil
}

func parseQueryClause(part string) (store.Clause, error) {
	for _, cand := range storeQueryOps {
		idx := strings.Index(part, cand.token)
		if idx < 0 {
			continue
		}
		path := strings.TrimSpace(part[:idx])
		raw := strings.TrimSpace(part[idx+len(cand.token):])
		if path == "" || raw == "" {
			break
		}
		value, err := parseQueryLiteral(raw)
		if err != nil {
			return store.Clause{}, err
		}
		return store.Clause{Path: path, Op: cand.op, Value: value}, nil
	}
	return store.Clause{}, &errors.ValidationError{
		Field:   "action.query",
		Message: fmt.Sprintf("comparison %q must be of the form 'path op literal'", part),
	}
}

func parseQueryLiteral(raw string) (any, error) {
	if len(raw) >= 2 {
		if (raw[0] == '"' && raw[len(raw)-1] == '"') || (raw[0] == '\'' && raw[len(raw)-1] == '\'') {
			return raw[1 : len(raw)-1], nil
		}
	}
	switch raw {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null":
		return nil, nil
	}
	var n float64
	if err := json.Unmarshal([]byte(raw), &n); err == nil {
		return n, nil
	}
	return nil, &errors.ValidationError{
		Field:   "action.query",
		Message: fmt.Sprintf("literal %q must be quoted, numeric, boolean, or null", raw),
	}
}

func (e *StepExecutor) storeUpsert(ctx context.Context, cfg *workflow.ActionConfig, exprCtx *expression.Context) (map[string]any, error) {
	if e.store == nil {
		return nil, &errors.ExecutionError{Code: "STORE_ERROR", Message: "no store configured"}
	}
	doc := expression.Resolve(cfg.Document, exprCtx)
	docMap, ok := doc.(map[string]any)
	if !ok {
		return nil, &errors.ExecutionError{Code: "STORE_ERROR", Message: "document must resolve to an object"}
	}

	id := expression.Stringify(expression.ResolveString(cfg.DocumentID, exprCtx))
	if id == "" {
		if existing, ok := docMap["id"].(string); ok && existing != "" {
			id = existing
		} else {
			id = uuid.NewString()
		}
	}
	docMap["id"] = id

	partitionKey := expression.Stringify(expression.ResolveString(cfg.PartitionKey, exprCtx))
	if partitionKey == "" {
		partitionKey = id
	}

	body, err := json.Marshal(docMap)
	if err != nil {
		return nil, errors.Wrap(err, "encode document")
	}
	if _, err := e.store.Upsert(ctx, store.Collection(cfg.Collection), &store.Document{
		ID:           id,
		PartitionKey: partitionKey,
		Body:         body,
	}); err != nil {
		return nil, &errors.ExecutionError{Code: "STORE_ERROR", Message: err.Error(), Cause: err}
	}
	return map[string]any{"resource": docMap}, nil
}

func (e *StepExecutor) storeDelete(ctx context.Context, cfg *workflow.ActionConfig, exprCtx *expression.Context) (map[string]any, error) {
	if e.store == nil {
		return nil, &errors.ExecutionError{Code: "STORE_ERROR", Message: "no store configured"}
	}
	id := expression.Stringify(expression.ResolveString(cfg.DocumentID, exprCtx))
	partitionKey := expression.Stringify(expression.ResolveString(cfg.PartitionKey, exprCtx))
	if partitionKey == "" {
		partitionKey = id
	}
	err := e.store.Delete(ctx, store.Collection(cfg.Collection), id, partitionKey)
	if err != nil {
		if errors.IsNotFound(err) {
			return map[string]any{"deleted": false}, nil
		}
		return nil, &errors.ExecutionError{Code: "STORE_ERROR", Message: err.Error(), Cause: err}
	}
	return map[string]any{"deleted": true}, nil
}

// sendThrough routes command, notification, and function actions through
// the outbound event sink.
func (e *StepExecutor) sendThrough(ctx context.Context, eventType string, cfg *workflow.ActionConfig, exprCtx *expression.Context) (map[string]any, error) {
	target := expression.Stringify(expression.ResolveString(cfg.Target, exprCtx))
	if target == "" {
		return nil, &errors.ExecutionError{Code: "ACTION_CONFIG_ERROR", Message: "target resolved to empty"}
	}
	payload, _ := expression.Resolve(cfg.Payload, exprCtx).(map[string]any)
	event := publish.NewEvent(eventType, target, payload)
	if err := e.publisher.Publish(ctx, event); err != nil {
		return nil, &errors.ExecutionError{Code: "EVENT_PUBLISH_ERROR", Message: err.Error(), Cause: err}
	}
	return map[string]any{"eventId": event.ID, "target": target}, nil
}

func (e *StepExecutor) executeDecision(step *workflow.WorkflowStep, exprCtx *expression.Context) (*StepResult, error) {
	target, ok := expression.FindMatchingTransition(step.Conditions, exprCtx)
	if !ok {
		return failure("DECISION_NO_MATCH", "no decision branch matched and no default is declared", step.ID, nil), nil
	}
	return &StepResult{
		Success:    true,
		NextStepID: target,
		Output:     map[string]any{"selectedStepId": target},
	}, nil
}

func (e *StepExecutor) executeTransform(ctx context.Context, step *workflow.WorkflowStep, exprCtx *expression.Context) (*StepResult, error) {
	cfg := step.Transform
	if cfg == nil {
		return failure("TRANSFORM_ERROR", "transform step has no transform configuration", step.ID, nil), nil
	}

	var input any
	if cfg.InputVariable != "" {
		input = exprCtx.Variables[cfg.InputVariable]
	} else {
		input = map[string]any(exprCtx.Variables)
	}

	out, err := e.transforms.Execute(ctx, cfg.Expression, input)
	if err != nil {
		return failure(errors.CodeOf(err, "TRANSFORM_ERROR"), err.Error(), step.ID, nil), nil
	}

	result := &StepResult{Success: true, Output: map[string]any{"result": out}}
	if cfg.OutputVariable != "" {
		result.VariableUpdates = map[string]any{cfg.OutputVariable: out}
	}
	return result, nil
}

func (e *StepExecutor) executeScript(ctx context.Context, step *workflow.WorkflowStep, exprCtx *expression.Context) (*StepResult, error) {
	cfg := step.Script
	if cfg == nil {
		return failure("SCRIPT_ERROR", "script step has no script configuration", step.ID, nil), nil
	}

	out, err := e.scripts.Execute(ctx, cfg.Source, exprCtx)
	if err != nil {
		return failure(errors.CodeOf(err, "SCRIPT_ERROR"), err.Error(), step.ID, nil), nil
	}

	result := &StepResult{Success: true, Output: map[string]any{"result": out}}
	if cfg.OutputVariable != "" {
		result.VariableUpdates = map[string]any{cfg.OutputVariable: out}
	}
	return result, nil
}

func (e *StepExecutor) executeSetVariable(step *workflow.WorkflowStep, exprCtx *expression.Context) (*StepResult, error) {
	updates := make(map[string]any, len(step.SetVariables))
	for name, value := range step.SetVariables {
		updates[name] = expression.Resolve(value, exprCtx)
	}
	return &StepResult{
		Success:         true,
		Output:          updates,
		VariableUpdates: updates,
	}, nil
}

func (e *StepExecutor) executeDelay(step *workflow.WorkflowStep) (*StepResult, error) {
	if step.DelaySeconds <= 0 {
		return &StepResult{Success: true, Output: map[string]any{"delayed": false}}, nil
	}
	resumeAt := e.now().UTC().Add(time.Duration(step.DelaySeconds) * time.Second)
	return &StepResult{
		Success: true,
		Output:  map[string]any{"delayed": true, "resumeAt": resumeAt.Format(time.RFC3339)},
		Wait: &WaitState{
			Reason:   WaitReasonTimer,
			ResumeAt: &resumeAt,
		},
	}, nil
}

func (e *StepExecutor) executeWait(ctx context.Context, inst *workflow.WorkflowInstance, step *workflow.WorkflowStep, exprCtx *expression.Context) (*StepResult, error) {
	cfg := step.Wait
	if cfg == nil {
		return failure("WAIT_CONFIG_MISSING", "wait step has no wait configuration", step.ID, nil), nil
	}

	var deadline *time.Time
	if cfg.TimeoutSeconds > 0 {
		d := e.now().UTC().Add(time.Duration(cfg.TimeoutSeconds) * time.Second)
		deadline = &d
	}

	switch cfg.Type {
	case "timer":
		if deadline == nil {
			return failure("WAIT_CONFIG_ERROR", "timer wait requires timeoutSeconds", step.ID, nil), nil
		}
		return &StepResult{
			Success: true,
			Wait:    &WaitState{Reason: WaitReasonTimer, ResumeAt: deadline},
		}, nil
	case "event":
		if cfg.EventType == "" {
			return failure("WAIT_CONFIG_ERROR", "event wait requires eventType", step.ID, nil), nil
		}
		return &StepResult{
			Success: true,
			Wait: &WaitState{
				Reason:    WaitReasonEvent,
				EventType: cfg.EventType,
				Deadline:  deadline,
			},
		}, nil
	case "approval":
		result, err := e.executeHuman(ctx, inst, step, cfg.Approval, exprCtx)
		if err != nil {
			return nil, err
		}
		if result.Wait != nil {
			result.Wait.Deadline = deadline
		}
		return result, nil
	default:
		return failure("WAIT_CONFIG_ERROR", fmt.Sprintf("unknown wait type %q", cfg.Type), step.ID, nil), nil
	}
}

func (e *StepExecutor) executeHuman(ctx context.Context, inst *workflow.WorkflowInstance, step *workflow.WorkflowStep, cfg *workflow.HumanConfig, exprCtx *expression.Context) (*StepResult, error) {
	if cfg == nil {
		return failure("APPROVAL_CONFIG_MISSING", "approval step has no approver configuration", step.ID, nil), nil
	}
	if e.approvals == nil {
		return failure("APPROVAL_UNAVAILABLE", "no approval service configured", step.ID, nil), nil
	}

	resolvedContext, _ := expression.Resolve(cfg.Context, exprCtx).(map[string]any)
	req, err := e.approvals.CreateForStep(ctx, inst, step.ID, cfg, resolvedContext)
	if err != nil {
		return failure("APPROVAL_CREATE_ERROR", err.Error(), step.ID, nil), nil
	}

	return &StepResult{
		Success: true,
		Output:  map[string]any{"approvalId": req.ID},
		Wait: &WaitState{
			Reason:     WaitReasonApproval,
			ApprovalID: req.ID,
			Deadline:   req.ExpiresAt,
		},
	}, nil
}
