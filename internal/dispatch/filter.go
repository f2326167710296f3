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

// Package dispatch routes inbound events to trigger registrations and
// creates pending instances for the matches.
package dispatch

import (
	"strconv"
	"strings"

	"github.com/cascadehq/cascade/pkg/errors"
)

// filter is one parsed event filter: a single comparison of a dotted
// path against a literal, e.g. `data.lineOfBusiness == "medical"`.
type filter struct {
	path    string
	op      string
	literal any
}

var filterOps = []string{"==", "!=", ">=", "<=", ">", "<"}

// parseFilter parses the event filter grammar. An empty expression
// returns a nil filter that matches everything.
func parseFilter(expression string) (*filter, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, nil
	}

	for _, op := range filterOps {
		idx := strings.Index(expression, op)
		if idx < 0 {
			continue
		}
		path := strings.TrimSpace(expression[:idx])
		rawLiteral := strings.TrimSpace(expression[idx+len(op):])
		if path == "" || rawLiteral == "" {
			break
		}
		literal, err := parseLiteral(rawLiteral)
		if err != nil {
			return nil, err
		}
		return &filter{path: path, op: op, literal: literal}, nil
	}
	return nil, &errors.ValidationError{
		Field:   "eventFilter",
		Message: "filter must be of the form 'path op literal'",
	}
}

func parseLiteral(raw string) (any, error) {
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
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return n, nil
	}
	return nil, &errors.ValidationError{
		Field:   "eventFilter",
		Message: "literal must be quoted, numeric, boolean, or null",
	}
}

// matches evaluates the filter against the event document. A nil filter
// matches everything.
func (f *filter) matches(doc map[string]any) bool {
	if f == nil {
		return true
	}
	value := lookup(doc, f.path)
	switch f.op {
	case "==":
		return looselyEqual(value, f.literal)
	case "!=":
		return !looselyEqual(value, f.literal)
	case ">", ">=", "<", "<=":
		lv, lok := asFloat(value)
		rv, rok := asFloat(f.literal)
		if !lok || !rok {
			return false
		}
		switch f.op {
		case ">":
			return lv > rv
		case ">=":
			return lv >= rv
		case "<":
			return lv < rv
		default:
			return lv <= rv
		}
	}
	return false
}

// lookup resolves a dotted path in the event document. Paths may carry a
// "$." prefix.
func lookup(doc map[string]any, path string) any {
	path = strings.TrimPrefix(path, "$.")
	var current any = doc
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
	}
	return 0, false
}
