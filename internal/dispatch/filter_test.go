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

package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFilter(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		wantNil    bool
		wantErr    bool
	}{
		{"empty matches everything", "", true, false},
		{"whitespace only", "   ", true, false},
		{"quoted string literal", `data.lineOfBusiness == "medical"`, false, false},
		{"single quoted literal", `data.region == 'emea'`, false, false},
		{"numeric literal", "data.amount >= 1000", false, false},
		{"boolean literal", "data.urgent == true", false, false},
		{"null literal", "data.assignee != null", false, false},
		{"missing operator", "data.amount", false, true},
		{"unquoted string literal", "data.region == emea", false, true},
		{"missing path", "== 5", false, true},
		{"missing literal", "data.amount >", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := parseFilter(tt.expression)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantNil, f == nil)
		})
	}
}

func TestFilterMatches(t *testing.T) {
	doc := map[string]any{
		"eventType": "claim.submitted",
		"subject":   "claim-77",
		"data": map[string]any{
			"lineOfBusiness": "medical",
			"amount":         float64(1500),
			"urgent":         true,
			"assignee":       nil,
		},
	}

	tests := []struct {
		name       string
		expression string
		want       bool
	}{
		{"string equality", `data.lineOfBusiness == "medical"`, true},
		{"string mismatch", `data.lineOfBusiness == "dental"`, false},
		{"inequality", `data.lineOfBusiness != "dental"`, true},
		{"numeric gt", "data.amount > 1000", true},
		{"numeric gte boundary", "data.amount >= 1500", true},
		{"numeric lt", "data.amount < 1000", false},
		{"numeric lte", "data.amount <= 1500", true},
		{"boolean", "data.urgent == true", true},
		{"null equality", "data.assignee == null", true},
		{"missing path equals null", "data.missing == null", true},
		{"missing path never gt", "data.missing > 1", false},
		{"dollar-rooted path", `$.data.lineOfBusiness == "medical"`, true},
		{"top-level field", `eventType == "claim.submitted"`, true},
		{"ordered over string is false", `data.lineOfBusiness > 5`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := parseFilter(tt.expression)
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.matches(doc))
		})
	}
}

func TestLookup(t *testing.T) {
	doc := map[string]any{
		"a": map[string]any{"b": map[string]any{"c": float64(1)}},
	}
	assert.Equal(t, float64(1), lookup(doc, "a.b.c"))
	assert.Equal(t, float64(1), lookup(doc, "$.a.b.c"))
	assert.Nil(t, lookup(doc, "a.x"))
	assert.Nil(t, lookup(doc, "a.b.c.d"))
}
