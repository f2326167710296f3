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
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/cascadehq/cascade/pkg/errors"
)

// SQLiteStore is a durable Store backed by a single SQLite database,
// suitable for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// SQLiteConfig contains SQLite connection configuration.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// NewSQLiteStore opens (and migrates) a SQLite-backed document store.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			body TEXT NOT NULL,
			etag TEXT NOT NULL,
			ttl_seconds INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,
			expires_at TEXT,
			PRIMARY KEY (collection, id, partition_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_partition
			ON documents(collection, partition_key)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_expiry
			ON documents(expires_at) WHERE expires_at IS NOT NULL`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get retrieves a document by ID within a partition.
func (s *SQLiteStore) Get(ctx context.Context, col Collection, id, partitionKey string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT body, etag, ttl_seconds, updated_at
		FROM documents
		WHERE collection = ? AND id = ? AND partition_key = ?
		  AND (expires_at IS NULL OR julianday(expires_at) > julianday(?))`,
		string(col), id, partitionKey, nowRFC3339())

	doc := &Document{ID: id, PartitionKey: partitionKey}
	var updatedAt string
	err := row.Scan(&doc.Body, &doc.ETag, &doc.TTLSeconds, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: string(col), ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	doc.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return doc, nil
}

// Upsert writes a document, honoring the ETag precondition when set.
func (s *SQLiteStore) Upsert(ctx context.Context, col Collection, doc *Document) (*Document, error) {
	if doc.ID == "" {
		return nil, &errors.ValidationError{Field: "id", Message: "document ID cannot be empty"}
	}

	now := time.Now().UTC()
	newETag := uuid.NewString()
	var expiresAt any
	if doc.TTLSeconds > 0 {
		expiresAt = now.Add(time.Duration(doc.TTLSeconds) * time.Second).Format(time.RFC3339Nano)
	}

	if doc.ETag != "" {
		res, err := s.db.ExecContext(ctx, `
			UPDATE documents
			SET body = ?, etag = ?, ttl_seconds = ?, updated_at = ?, expires_at = ?
			WHERE collection = ? AND id = ? AND partition_key = ? AND etag = ?`,
			string(doc.Body), newETag, doc.TTLSeconds, now.Format(time.RFC3339Nano), expiresAt,
			string(col), doc.ID, doc.PartitionKey, doc.ETag)
		if err != nil {
			return nil, fmt.Errorf("conditional upsert: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			return nil, &errors.ConflictError{Resource: string(col), ID: doc.ID}
		}
	} else {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO documents (collection, id, partition_key, body, etag, ttl_seconds, updated_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (collection, id, partition_key) DO UPDATE SET
				body = excluded.body,
				etag = excluded.etag,
				ttl_seconds = excluded.ttl_seconds,
				updated_at = excluded.updated_at,
				expires_at = excluded.expires_at`,
			string(col), doc.ID, doc.PartitionKey, string(doc.Body), newETag,
			doc.TTLSeconds, now.Format(time.RFC3339Nano), expiresAt)
		if err != nil {
			return nil, fmt.Errorf("upsert: %w", err)
		}
	}

	out := copyDocument(doc)
	out.ETag = newETag
	out.UpdatedAt = now
	return out, nil
}

// Query returns non-expired documents matching the query. Where clauses
// translate to json_extract filters over the document body.
func (s *SQLiteStore) Query(ctx context.Context, col Collection, q Query) ([]*Document, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT id, partition_key, body, etag, ttl_seconds, updated_at
		FROM documents
		WHERE collection = ? AND (expires_at IS NULL OR julianday(expires_at) > julianday(?))`)
	args := []any{string(col), nowRFC3339()}

	if q.PartitionKey != "" {
		sb.WriteString(" AND partition_key = ?")
		args = append(args, q.PartitionKey)
	}
	for _, clause := range q.Where {
		op, ok := sqlOp(clause.Op)
		if !ok {
			return nil, &errors.ValidationError{
				Field:   "query.where",
				Message: fmt.Sprintf("unsupported comparison %q", clause.Op),
			}
		}
		// Ordered comparisons on timestamp values go through julianday so
		// variable-width fractional seconds compare as instants rather
		// than text.
		if isOrderedOp(clause.Op) && isTimestamp(clause.Value) {
			sb.WriteString(fmt.Sprintf(" AND julianday(json_extract(body, ?)) %s julianday(?)", op))
		} else {
			sb.WriteString(fmt.Sprintf(" AND json_extract(body, ?) %s ?", op))
		}
		args = append(args, "$."+clause.Path, clause.Value)
	}
	if q.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var results []*Document
	for rows.Next() {
		doc := &Document{}
		var updatedAt string
		if err := rows.Scan(&doc.ID, &doc.PartitionKey, &doc.Body, &doc.ETag, &doc.TTLSeconds, &updatedAt); err != nil {
			return nil, err
		}
		doc.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		results = append(results, doc)
	}
	return results, rows.Err()
}

// Delete removes a document.
func (s *SQLiteStore) Delete(ctx context.Context, col Collection, id, partitionKey string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM documents
		WHERE collection = ? AND id = ? AND partition_key = ?`,
		string(col), id, partitionKey)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &errors.NotFoundError{Resource: string(col), ID: id}
	}
	return nil
}

func sqlOp(op string) (string, bool) {
	switch op {
	case CmpEq:
		return "=", true
	case CmpNeq:
		return "!=", true
	case CmpGt:
		return ">", true
	case CmpGte:
		return ">=", true
	case CmpLt:
		return "<", true
	case CmpLte:
		return "<=", true
	}
	return "", false
}

func isOrderedOp(op string) bool {
	switch op {
	case CmpGt, CmpGte, CmpLt, CmpLte:
		return true
	}
	return false
}

func isTimestamp(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	_, err := time.Parse(time.RFC3339Nano, s)
	return err == nil
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
