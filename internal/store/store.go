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

// Package store provides the partitioned document store consumed by the
// repositories: JSON documents grouped into collections, addressed by
// (id, partitionKey), with optional TTL and ETag conditional writes.
package store

import (
	"context"
	"time"
)

// Collection names the document collections of the engine.
type Collection string

const (
	// Definitions is partitioned by workflowId.
	Definitions Collection = "workflowDefinitions"
	// Instances is partitioned by instanceId.
	Instances Collection = "workflowInstances"
	// Triggers is partitioned by eventType.
	Triggers Collection = "workflowTriggers"
	// Approvals is partitioned by instanceId.
	Approvals Collection = "workflowApprovals"
	// Templates is partitioned by templateId.
	Templates Collection = "workflowTemplates"
	// Canvas is partitioned by workflowId.
	Canvas Collection = "workflowCanvas"
)

// Document is one stored JSON document.
type Document struct {
	ID           string
	PartitionKey string

	// Body is the JSON-encoded document.
	Body []byte

	// ETag is the optimistic concurrency token. Upsert with a non-empty
	// ETag fails with ConflictError when the stored token differs.
	ETag string

	// TTLSeconds expires the document that long after its last write.
	// Zero means no expiry.
	TTLSeconds int

	UpdatedAt time.Time
}

// Comparison operators accepted in query clauses.
const (
	CmpEq  = "eq"
	CmpNeq = "neq"
	CmpGt  = "gt"
	CmpGte = "gte"
	CmpLt  = "lt"
	CmpLte = "lte"
)

// Clause filters documents on a dotted JSON path.
type Clause struct {
	Path  string
	Op    string
	Value any
}

// Query selects documents within a collection.
type Query struct {
	// PartitionKey restricts the query to one partition when non-empty.
	PartitionKey string

	// Where clauses are conjunctive.
	Where []Clause

	// Limit bounds the result count; zero means unbounded.
	Limit int
}

// Store is the document database contract the core consumes.
type Store interface {
	// Get retrieves a document. Returns NotFoundError when absent or
	// expired.
	Get(ctx context.Context, col Collection, id, partitionKey string) (*Document, error)

	// Upsert writes a document and returns it with a fresh ETag.
	// A non-empty ETag on the input makes the write conditional.
	Upsert(ctx context.Context, col Collection, doc *Document) (*Document, error)

	// Query returns documents matching the query, excluding expired ones.
	Query(ctx context.Context, col Collection, q Query) ([]*Document, error)

	// Delete removes a document. Returns NotFoundError when absent.
	Delete(ctx context.Context, col Collection, id, partitionKey string) error
}
