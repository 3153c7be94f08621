// Copyright 2026 The Gangway Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPredicate is returned when a query predicate names an
// unknown operator or is otherwise malformed.
var ErrInvalidPredicate = errors.New("engine: invalid predicate")

// PredicateOp is a predicate comparison operator.
type PredicateOp string

const (
	OpEq       PredicateOp = "eq"
	OpNe       PredicateOp = "ne"
	OpGt       PredicateOp = "gt"
	OpGte      PredicateOp = "gte"
	OpLt       PredicateOp = "lt"
	OpLte      PredicateOp = "lte"
	OpContains PredicateOp = "contains"
	OpExists   PredicateOp = "exists"
)

// Predicate is a structured query filter: one field, one operator, one
// comparison value. It is plain data, interpreted by the engine —
// nothing executable crosses the boundary.
type Predicate struct {
	Field string      `cbor:"1,keyasint" json:"field"`
	Op    PredicateOp `cbor:"2,keyasint" json:"op"`
	Value any         `cbor:"3,keyasint,omitempty" json:"value,omitempty"`
}

// Validate checks the predicate before any document is inspected, so a
// malformed predicate fails the whole query rather than silently
// matching nothing.
func (p Predicate) Validate() error {
	if p.Field == "" {
		return fmt.Errorf("%w: empty field", ErrInvalidPredicate)
	}
	switch p.Op {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpContains, OpExists:
		return nil
	default:
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidPredicate, p.Op)
	}
}

// Matches reports whether the document satisfies the predicate. A
// document lacking the field matches only the negative cases (ne, and
// exists with a false expectation).
func (p Predicate) Matches(document map[string]any) bool {
	value, present := document[p.Field]

	switch p.Op {
	case OpExists:
		expected := true
		if b, ok := p.Value.(bool); ok {
			expected = b
		}
		return present == expected
	case OpEq:
		return present && equalValues(value, p.Value)
	case OpNe:
		return !present || !equalValues(value, p.Value)
	case OpContains:
		if !present {
			return false
		}
		return containsValue(value, p.Value)
	case OpGt, OpGte, OpLt, OpLte:
		if !present {
			return false
		}
		ordering, comparable := compareValues(value, p.Value)
		if !comparable {
			return false
		}
		switch p.Op {
		case OpGt:
			return ordering > 0
		case OpGte:
			return ordering >= 0
		case OpLt:
			return ordering < 0
		default:
			return ordering <= 0
		}
	default:
		return false
	}
}

// equalValues compares with numeric coercion: CBOR decoding yields
// int64/uint64 while JSON-originated predicates carry float64, and 3
// must equal 3.0 regardless of the route the value took.
func equalValues(a, b any) bool {
	if aNumber, aOk := asFloat(a); aOk {
		bNumber, bOk := asFloat(b)
		return bOk && aNumber == bNumber
	}
	return a == b
}

// compareValues orders two values when they are mutually comparable
// (both numeric or both strings).
func compareValues(a, b any) (int, bool) {
	if aNumber, aOk := asFloat(a); aOk {
		bNumber, bOk := asFloat(b)
		if !bOk {
			return 0, false
		}
		switch {
		case aNumber < bNumber:
			return -1, true
		case aNumber > bNumber:
			return 1, true
		default:
			return 0, true
		}
	}
	aString, aOk := a.(string)
	bString, bOk := b.(string)
	if aOk && bOk {
		return strings.Compare(aString, bString), true
	}
	return 0, false
}

// containsValue handles the two container shapes documents carry:
// substring match on strings, element match on arrays.
func containsValue(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		return ok && strings.Contains(h, n)
	case []any:
		for _, element := range h {
			if equalValues(element, needle) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
