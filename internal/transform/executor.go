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

// Package transform executes jq expressions for transform steps.
package transform

import (
	"context"
	"encoding/json"
	"time"

	"github.com/itchyny/gojq"

	"github.com/cascadehq/cascade/pkg/errors"
)

const (
	// DefaultTimeout bounds one jq evaluation.
	DefaultTimeout = 5 * time.Second

	// DefaultMaxInputSize caps the JSON-encoded input at 10MB.
	DefaultMaxInputSize = 10 * 1024 * 1024
)

// Executor evaluates jq expressions with timeout and input size limits.
type Executor struct {
	timeout      time.Duration
	maxInputSize int64
}

// NewExecutor creates a jq executor. Zero arguments take the defaults.
func NewExecutor(timeout time.Duration, maxInputSize int64) *Executor {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if maxInputSize == 0 {
		maxInputSize = DefaultMaxInputSize
	}
	return &Executor{timeout: timeout, maxInputSize: maxInputSize}
}

// Execute runs expression against data. Multiple jq outputs collapse to an
// array, a single output is returned directly, no output yields nil.
func (e *Executor) Execute(ctx context.Context, expression string, data any) (any, error) {
	if expression == "" {
		return data, nil
	}
	if err := e.validateInputSize(data); err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, &errors.ExecutionError{
			Code:    "TRANSFORM_ERROR",
			Message: "jq parse error: " + err.Error(),
		}
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, &errors.ExecutionError{
			Code:    "TRANSFORM_ERROR",
			Message: "jq compile error: " + err.Error(),
		}
	}

	resultCh := make(chan any, 1)
	errCh := make(chan error, 1)
	go func() {
		iter := code.RunWithContext(execCtx, data)
		var results []any
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if err, isErr := v.(error); isErr {
				errCh <- &errors.ExecutionError{
					Code:    "TRANSFORM_ERROR",
					Message: err.Error(),
				}
				return
			}
			results = append(results, v)
		}
		switch len(results) {
		case 0:
			resultCh <- nil
		case 1:
			resultCh <- results[0]
		default:
			resultCh <- results
		}
	}()

	select {
	case result := <-resultCh:
		return result, nil
	case err := <-errCh:
		return nil, err
	case <-execCtx.Done():
		return nil, &errors.TimeoutError{Operation: "transform", Duration: e.timeout}
	}
}

// Validate compiles the expression, catching syntax errors at definition
// validation time instead of at run time.
func (e *Executor) Validate(expression string) error {
	if expression == "" {
		return nil
	}
	query, err := gojq.Parse(expression)
	if err != nil {
		return &errors.ValidationError{
			Field:   "transform.expression",
			Message: "invalid jq expression: " + err.Error(),
		}
	}
	if _, err := gojq.Compile(query); err != nil {
		return &errors.ValidationError{
			Field:   "transform.expression",
			Message: "jq compilation failed: " + err.Error(),
		}
	}
	return nil
}

func (e *Executor) validateInputSize(data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "marshal transform input")
	}
	if int64(len(raw)) > e.maxInputSize {
		return &errors.ValidationError{
			Field:   "transform.input",
			Message: "input exceeds the maximum transform size",
		}
	}
	return nil
}
