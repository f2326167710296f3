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

package script

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadehq/cascade/pkg/errors"
	"github.com/cascadehq/cascade/pkg/workflow/expression"
)

func scriptContext() *expression.Context {
	ctx := expression.NewContext()
	ctx.Variables = map[string]any{
		"amount":   float64(1500),
		"currency": "EUR",
	}
	ctx.StepOutputs = map[string]any{
		"lookup": map[string]any{"tier": "gold"},
	}
	ctx.Input = map[string]any{"source": "api"}
	return ctx
}

func TestExecuteScript(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   any
	}{
		{"empty source is nil", "", nil},
		{"arithmetic on variables", "amount * 2", float64(3000)},
		{"string concatenation", `currency + "-" + steps.lookup.tier`, "EUR-gold"},
		{"conditional", `amount > 1000 ? "review" : "auto"`, "review"},
		{"variables map access", `variables.currency`, "EUR"},
		{"input access", `input.source`, "api"},
		{"undefined variable resolves nil", `missing == nil`, true},
	}

	executor := NewExecutor(0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := executor.Execute(context.Background(), tt.source, scriptContext())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExecuteScriptCompileError(t *testing.T) {
	executor := NewExecutor(0)
	_, err := executor.Execute(context.Background(), "amount +", scriptContext())
	require.Error(t, err)
	var execErr *errors.ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, "SCRIPT_ERROR", execErr.Code)
}

func TestValidateScript(t *testing.T) {
	executor := NewExecutor(0)
	assert.NoError(t, executor.Validate(""))
	assert.NoError(t, executor.Validate("amount > 100"))
	assert.True(t, errors.IsValidation(executor.Validate("1 +")))
}

func TestCompiledProgramsAreCached(t *testing.T) {
	executor := NewExecutor(0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := executor.Execute(ctx, "amount + 1", scriptContext())
		require.NoError(t, err)
		assert.Equal(t, float64(1501), got)
	}
	executor.mu.RLock()
	defer executor.mu.RUnlock()
	assert.Len(t, executor.cache, 1)
}
