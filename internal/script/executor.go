// Copyright 2025 The Cascade Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package script executes sandboxed expressions for script steps using
// the expr language. Scripts see the instance variables, prior step
// outputs, and the trigger input as top-level identifiers.
package script

import (
	"context"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/cascadehq/cascade/pkg/errors"
	"github.com/cascadehq/cascade/pkg/workflow/expression"
)

// DefaultTimeout bounds one script evaluation.
const DefaultTimeout = 5 * time.Second

// Executor compiles and runs expr programs with a wall-clock timeout.
// Compiled programs are cached per source string.
type Executor struct {
	timeout time.Duration

	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExecutor creates a script executor. A zero timeout takes the default.
func NewExecutor(timeout time.Duration) *Executor {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Executor{
		timeout: timeout,
		cache:   make(map[string]*vm.Program),
	}
}

// Execute evaluates source against the expression context. Failures carry
// the SCRIPT_ERROR code so error handlers can match on it.
func (e *Executor) Execute(ctx context.Context, source string, exprCtx *expression.Context) (any, error) {
	if source == "" {
		return nil, nil
	}

	program, err := e.compile(source)
	if err != nil {
		return nil, &errors.ExecutionError{
			Code:    "SCRIPT_ERROR",
			Message: "script compile error: " + err.Error(),
			Cause:   err,
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resultCh := make(chan any, 1)
	errCh := make(chan error, 1)
	go func() {
		out, err := expr.Run(program, environment(exprCtx))
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- out
	}()

	select {
	case out := <-resultCh:
		return out, nil
	case err := <-errCh:
		return nil, &errors.ExecutionError{
			Code:    "SCRIPT_ERROR",
			Message: err.Error(),
			Cause:   err,
		}
	case <-execCtx.Done():
		return nil, &errors.ExecutionError{
			Code:    "SCRIPT_ERROR",
			Message: "script timed out",
			Cause:   &errors.TimeoutError{Operation: "script step", Duration: e.timeout},
		}
	}
}

// Validate compiles the script without running it.
func (e *Executor) Validate(source string) error {
	if source == "" {
		return nil
	}
	if _, err := e.compile(source); err != nil {
		return &errors.ValidationError{
			Field:   "script.source",
			Message: "invalid script: " + err.Error(),
		}
	}
	return nil
}

func (e *Executor) compile(source string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[source]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(source, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[source] = program
	e.mu.Unlock()
	return program, nil
}

// environment flattens the expression context into the expr environment.
// Variables are exposed at the top level; steps and input stay nested.
func environment(exprCtx *expression.Context) map[string]any {
	env := map[string]any{}
	if exprCtx == nil {
		return env
	}
	for k, v := range exprCtx.Variables {
		env[k] = v
	}
	env["variables"] = exprCtx.Variables
	env["steps"] = exprCtx.StepOutputs
	env["input"] = exprCtx.Input
	return env
}
