// Copyright 2026 The Gangway Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"errors"
	"testing"
)

func TestPredicateValidate(t *testing.T) {
	if err := (Predicate{Field: "age", Op: OpGte, Value: 21}).Validate(); err != nil {
		t.Fatalf("valid predicate rejected: %v", err)
	}
	if err := (Predicate{Field: "", Op: OpEq}).Validate(); !errors.Is(err, ErrInvalidPredicate) {
		t.Fatalf("empty field = %v, want ErrInvalidPredicate", err)
	}
	if err := (Predicate{Field: "age", Op: "regex"}).Validate(); !errors.Is(err, ErrInvalidPredicate) {
		t.Fatalf("unknown operator = %v, want ErrInvalidPredicate", err)
	}
}

func TestPredicateMatches(t *testing.T) {
	document := map[string]any{
		"name":  "gangway",
		"stars": int64(42),
		"score": 3.5,
		"tags":  []any{"p2p", "storage"},
	}

	tests := []struct {
		name      string
		predicate Predicate
		want      bool
	}{
		{"eq string", Predicate{Field: "name", Op: OpEq, Value: "gangway"}, true},
		{"eq string miss", Predicate{Field: "name", Op: OpEq, Value: "other"}, false},
		{"eq cross-type number", Predicate{Field: "stars", Op: OpEq, Value: 42.0}, true},
		{"ne", Predicate{Field: "name", Op: OpNe, Value: "other"}, true},
		{"ne on absent field", Predicate{Field: "missing", Op: OpNe, Value: "x"}, true},
		{"gt", Predicate{Field: "stars", Op: OpGt, Value: 41}, true},
		{"gt equal", Predicate{Field: "stars", Op: OpGt, Value: 42}, false},
		{"gte equal", Predicate{Field: "stars", Op: OpGte, Value: 42}, true},
		{"lt float", Predicate{Field: "score", Op: OpLt, Value: 4}, true},
		{"lte", Predicate{Field: "score", Op: OpLte, Value: 3.5}, true},
		{"gt on absent field", Predicate{Field: "missing", Op: OpGt, Value: 1}, false},
		{"gt incomparable types", Predicate{Field: "name", Op: OpGt, Value: 1}, false},
		{"string ordering", Predicate{Field: "name", Op: OpLt, Value: "zzz"}, true},
		{"contains substring", Predicate{Field: "name", Op: OpContains, Value: "gang"}, true},
		{"contains substring miss", Predicate{Field: "name", Op: OpContains, Value: "xyz"}, false},
		{"contains array element", Predicate{Field: "tags", Op: OpContains, Value: "p2p"}, true},
		{"contains array miss", Predicate{Field: "tags", Op: OpContains, Value: "compute"}, false},
		{"exists", Predicate{Field: "name", Op: OpExists}, true},
		{"exists absent", Predicate{Field: "missing", Op: OpExists}, false},
		{"exists false expectation", Predicate{Field: "missing", Op: OpExists, Value: false}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := test.predicate.Matches(document); got != test.want {
				t.Errorf("Matches = %v, want %v", got, test.want)
			}
		})
	}
}
