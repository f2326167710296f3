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

// Package publish emits engine lifecycle events and publish_event step
// payloads to an outbound event sink.
package publish

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Event is the outbound envelope. DataVersion is fixed at "1.0".
type Event struct {
	ID          string         `json:"id"`
	EventType   string         `json:"eventType"`
	Subject     string         `json:"subject,omitempty"`
	EventTime   time.Time      `json:"eventTime"`
	Data        map[string]any `json:"data,omitempty"`
	DataVersion string         `json:"dataVersion"`
}

// NewEvent builds an envelope with a fresh ID and the current time.
func NewEvent(eventType, subject string, data map[string]any) Event {
	return Event{
		ID:          uuid.NewString(),
		EventType:   eventType,
		Subject:     subject,
		EventTime:   time.Now().UTC(),
		Data:        data,
		DataVersion: "1.0",
	}
}

// Lifecycle event types emitted by the engine.
const (
	EventInstanceStarted   = "workflow.instance.started"
	EventInstanceCompleted = "workflow.instance.completed"
	EventInstanceFailed    = "workflow.instance.failed"
	EventInstanceCancelled = "workflow.instance.cancelled"
	EventInstanceTimedOut  = "workflow.instance.timedOut"
	EventInstanceWaiting   = "workflow.instance.waiting"
	EventApprovalRequested = "workflow.approval.requested"
	EventApprovalDecided   = "workflow.approval.decided"
	EventApprovalExpired   = "workflow.approval.expired"
)

// Publisher is the outbound event sink.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// LogPublisher writes events to the structured log. It is the default sink
// when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a log-backed publisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

// Publish logs the event.
func (p *LogPublisher) Publish(ctx context.Context, event Event) error {
	p.logger.Info("event published",
		"event_id", event.ID,
		"event_type", event.EventType,
		"subject", event.Subject,
	)
	return nil
}

// NopPublisher discards events. Tests only.
type NopPublisher struct{}

// Publish discards the event.
func (NopPublisher) Publish(ctx context.Context, event Event) error { return nil }
