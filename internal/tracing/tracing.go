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

// Package tracing instruments workflow execution with OpenTelemetry
// spans. The engine records spans through the globally registered tracer
// provider; a process that does not install one gets no-op spans.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/cascadehq/cascade"

func tracer() trace.Tracer {
	return otel.Tracer(scopeName)
}

// StartInstanceSpan opens a span covering one engine operation on an
// instance.
func StartInstanceSpan(ctx context.Context, operation, instanceID, workflowID string) (context.Context, trace.Span) {
	return tracer().Start(ctx, operation, trace.WithAttributes(
		attribute.String("workflow.instance_id", instanceID),
		attribute.String("workflow.id", workflowID),
	))
}

// StartEventSpan opens a span covering the dispatch of one inbound event.
func StartEventSpan(ctx context.Context, eventType, subject string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "event.dispatch", trace.WithAttributes(
		attribute.String("event.type", eventType),
		attribute.String("event.subject", subject),
	))
}

// End closes the span, recording err when non-nil.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
