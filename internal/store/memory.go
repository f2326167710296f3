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

package store

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cascadehq/cascade/pkg/errors"
)

// MemoryStore is an in-memory Store implementation. It is thread-safe and
// suitable for testing or single-instance deployments.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[Collection]map[string]*Document

	// nowFn is swappable in tests to exercise TTL expiry.
	nowFn func() time.Time
}

// NewMemoryStore creates a new in-memory document store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:  make(map[Collection]map[string]*Document),
		nowFn: time.Now,
	}
}

// WithNow replaces the store's clock. Tests only.
func (s *MemoryStore) WithNow(nowFn func() time.Time) *MemoryStore {
	s.nowFn = nowFn
	return s
}

func docKey(id, partitionKey string) string {
	return partitionKey + "\x00" + id
}

func (s *MemoryStore) expired(doc *Document) bool {
	if doc.TTLSeconds <= 0 {
		return false
	}
	return s.nowFn().After(doc.UpdatedAt.Add(time.Duration(doc.TTLSeconds) * time.Second))
}

// Get retrieves a document by ID within a partition.
func (s *MemoryStore) Get(ctx context.Context, col Collection, id, partitionKey string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[col][docKey(id, partitionKey)]
	if !ok || s.expired(doc) {
		return nil, &errors.NotFoundError{Resource: string(col), ID: id}
	}
	return copyDocument(doc), nil
}

// Upsert writes a document, honoring the ETag precondition when set.
func (s *MemoryStore) Upsert(ctx context.Context, col Collection, doc *Document) (*Document, error) {
	if doc.ID == "" {
		return nil, &errors.ValidationError{Field: "id", Message: "document ID cannot be empty"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.docs[col] == nil {
		s.docs[col] = make(map[string]*Document)
	}
	key := docKey(doc.ID, doc.PartitionKey)

	if doc.ETag != "" {
		existing, ok := s.docs[col][key]
		if !ok || existing.ETag != doc.ETag {
			return nil, &errors.ConflictError{Resource: string(col), ID: doc.ID}
		}
	}

	stored := copyDocument(doc)
	stored.ETag = uuid.NewString()
	stored.UpdatedAt = s.nowFn()
	s.docs[col][key] = stored

	return copyDocument(stored), nil
}

// Query returns non-expired documents matching the query.
func (s *MemoryStore) Query(ctx context.Context, col Collection, q Query) ([]*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*Document
	for _, doc := range s.docs[col] {
		if s.expired(doc) {
			continue
		}
		if q.PartitionKey != "" && doc.PartitionKey != q.PartitionKey {
			continue
		}
		if len(q.Where) > 0 {
			var body map[string]any
			if err := json.Unmarshal(doc.Body, &body); err != nil {
				continue
			}
			if !matchesClauses(body, q.Where) {
				continue
			}
		}
		results = append(results, copyDocument(doc))
		if q.Limit > 0 && len(results) >= q.Limit {
			break
		}
	}
	return results, nil
}

// Delete removes a document.
func (s *MemoryStore) Delete(ctx context.Context, col Collection, id, partitionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := docKey(id, partitionKey)
	if _, ok := s.docs[col][key]; !ok {
		return &errors.NotFoundError{Resource: string(col), ID: id}
	}
	delete(s.docs[col], key)
	return nil
}

func matchesClauses(body map[string]any, clauses []Clause) bool {
	for _, c := range clauses {
		if !matchClause(body, c) {
			return false
		}
	}
	return true
}

func matchClause(body map[string]any, c Clause) bool {
	value := lookupPath(body, c.Path)
	switch c.Op {
	case CmpEq:
		return looselyEqual(value, c.Value)
	case CmpNeq:
		return !looselyEqual(value, c.Value)
	case CmpGt, CmpGte, CmpLt, CmpLte:
		return compareOrdered(value, c.Value, c.Op)
	default:
		return false
	}
}

func lookupPath(body map[string]any, path string) any {
	var current any = body
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return current
}

func looselyEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as == bs
	}
	return a == b
}

func compareOrdered(a, b any, op string) bool {
	// RFC 3339 strings compare as instants: the fractional second is
	// variable width, so "05Z" vs "05.5Z" misorders lexically.
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			at, aerr := time.Parse(time.RFC3339Nano, as)
			bt, berr := time.Parse(time.RFC3339Nano, bs)
			if aerr == nil && berr == nil {
				return applyCmp(at.Compare(bt), op)
			}
			return applyCmp(strings.Compare(as, bs), op)
		}
	}
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if !aok || !bok {
		return false
	}
	switch {
	case af < bf:
		return applyCmp(-1, op)
	case af > bf:
		return applyCmp(1, op)
	default:
		return applyCmp(0, op)
	}
}

func applyCmp(cmp int, op string) bool {
	switch op {
	case CmpGt:
		return cmp > 0
	case CmpGte:
		return cmp >= 0
	case CmpLt:
		return cmp < 0
	case CmpLte:
		return cmp <= 0
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func copyDocument(doc *Document) *Document {
	out := *doc
	out.Body = make([]byte, len(doc.Body))
	copy(out.Body, doc.Body)
	return &out
}
