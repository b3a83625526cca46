package domain

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpExists      = "exists"
	OpNotExists   = "not_exists"
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpMatches     = "matches"
	OpIn          = "in"
	OpNotIn       = "not_in"
)

// Predicate is a key/op/value test over a string mapping. It backs agent
// requirements, run conditions and gate rules alike.
type Predicate struct {
	Key    string
	Op     string
	Value  string
	Values []string
}

// NormalizeOp maps op aliases to canonical names. Unknown ops map to "".
func NormalizeOp(op string) string {
	switch strings.ToLower(strings.TrimSpace(op)) {
	case OpEquals, "eq", "==":
		return OpEquals
	case OpNotEquals, "neq", "does_not_equal", "!=":
		return OpNotEquals
	case OpExists:
		return OpExists
	case OpNotExists, "does_not_exist":
		return OpNotExists
	case OpContains:
		return OpContains
	case OpNotContains, "does_not_contain":
		return OpNotContains
	case OpMatches:
		return OpMatches
	case OpIn:
		return OpIn
	case OpNotIn:
		return OpNotIn
	default:
		return ""
	}
}

// Validate checks the op and its operands without evaluating anything.
func (p Predicate) Validate() error {
	if strings.TrimSpace(p.Key) == "" {
		return fmt.Errorf("predicate key is required")
	}
	op := NormalizeOp(p.Op)
	switch op {
	case "":
		return fmt.Errorf("predicate %q op unsupported: %q", p.Key, p.Op)
	case OpExists, OpNotExists:
		return nil
	case OpIn, OpNotIn:
		if len(trimNonEmpty(p.Values)) == 0 {
			return fmt.Errorf("predicate %q values must be non-empty for %s", p.Key, op)
		}
		return nil
	case OpMatches:
		if _, err := regexp.Compile(p.Value); err != nil {
			return fmt.Errorf("predicate %q pattern invalid: %w", p.Key, err)
		}
		return nil
	default:
		if strings.TrimSpace(p.Value) == "" {
			return fmt.Errorf("predicate %q value is required for %s", p.Key, op)
		}
		return nil
	}
}

// Evaluate tests the predicate against values. Comparisons are
// case-sensitive and ignore surrounding whitespace, so equals(os.family,
// "linux") does not match an agent reporting "Linux". An absent key never
// satisfies a predicate except not_exists.
func (p Predicate) Evaluate(values map[string]string) bool {
	value, ok := values[strings.TrimSpace(p.Key)]
	op := NormalizeOp(p.Op)
	if op == OpNotExists {
		return !ok
	}
	if !ok {
		return false
	}
	switch op {
	case OpExists:
		return true
	case OpEquals:
		return strings.TrimSpace(value) == strings.TrimSpace(p.Value)
	case OpNotEquals:
		return strings.TrimSpace(value) != strings.TrimSpace(p.Value)
	case OpContains:
		return strings.Contains(strings.TrimSpace(value), strings.TrimSpace(p.Value))
	case OpNotContains:
		return !strings.Contains(strings.TrimSpace(value), strings.TrimSpace(p.Value))
	case OpMatches:
		re, err := regexp.Compile(p.Value)
		if err != nil {
			return false
		}
		return re.MatchString(value)
	case OpIn:
		return sliceContains(trimNonEmpty(p.Values), strings.TrimSpace(value))
	case OpNotIn:
		return !sliceContains(trimNonEmpty(p.Values), strings.TrimSpace(value))
	default:
		return false
	}
}

func (p Predicate) String() string {
	switch NormalizeOp(p.Op) {
	case OpExists, OpNotExists:
		return fmt.Sprintf("%s(%s)", NormalizeOp(p.Op), p.Key)
	case OpIn, OpNotIn:
		return fmt.Sprintf("%s(%s, [%s])", NormalizeOp(p.Op), p.Key, strings.Join(p.Values, ","))
	default:
		return fmt.Sprintf("%s(%s, %q)", NormalizeOp(p.Op), p.Key, p.Value)
	}
}

// EvaluateAll reports whether every predicate holds. An empty list holds.
func EvaluateAll(preds []Predicate, values map[string]string) bool {
	for _, pred := range preds {
		if !pred.Evaluate(values) {
			return false
		}
	}
	return true
}

func trimNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, item := range values {
		v := strings.TrimSpace(item)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func sliceContains(values []string, target string) bool {
	for _, item := range values {
		if item == target {
			return true
		}
	}
	return false
}
