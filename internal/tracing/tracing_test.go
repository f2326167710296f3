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

package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestSpanLifecycle(t *testing.T) {
	ctx, span := StartInstanceSpan(context.Background(), "workflow.run", "inst-1", "wf-1")
	require.NotNil(t, span)
	assert.Equal(t, span, trace.SpanFromContext(ctx))
	End(span, errors.New("boom"))

	_, eventSpan := StartEventSpan(context.Background(), "claim.submitted", "claim-77")
	require.NotNil(t, eventSpan)
	End(eventSpan, nil)
}
