package consent

import (
	"encoding/json"
	"reflect"
	"time"
)

// EvaluateRules walks the rule list in order and returns the result of the
// first rule whose condition holds, or OutcomeAbsent when none do. It is pure
// domain logic: no I/O, no side effects, and it never fails. A claim that
// cannot be resolved makes every operator except "exists" evaluate to false,
// so a missing claim can never grant an exemption.
func EvaluateRules(rules []Rule, claims Claims, now time.Time) RuleOutcome {
	for _, rule := range rules {
		if ruleMatches(rule, claims, now) {
			return rule.Result
		}
	}
	return OutcomeAbsent
}

func ruleMatches(rule Rule, claims Claims, now time.Time) bool {
	value, defined := ResolveClaim(claims, rule.Claim, now)

	if rule.Operator == OpExists {
		return defined
	}
	if !defined {
		return false
	}

	var expected any
	if len(rule.Value) > 0 {
		if err := json.Unmarshal(rule.Value, &expected); err != nil {
			return false
		}
	}

	switch rule.Operator {
	case OpEq:
		return claimEqual(value, expected)
	case OpNeq:
		return !claimEqual(value, expected)
	case OpIn:
		return claimMember(value, expected)
	case OpNotIn:
		list, ok := expected.([]any)
		if !ok {
			return false
		}
		for _, candidate := range list {
			if claimEqual(value, candidate) {
				return false
			}
		}
		return true
	case OpGt:
		a, b, ok := bothNumeric(value, expected)
		return ok && a > b
	case OpGte:
		a, b, ok := bothNumeric(value, expected)
		return ok && a >= b
	case OpLt:
		a, b, ok := bothNumeric(value, expected)
		return ok && a < b
	case OpLte:
		a, b, ok := bothNumeric(value, expected)
		return ok && a <= b
	}
	// Unknown operator: condition false, never an error.
	return false
}

// claimMember tests list membership; a non-list comparison value is false.
func claimMember(value, expected any) bool {
	list, ok := expected.([]any)
	if !ok {
		return false
	}
	for _, candidate := range list {
		if claimEqual(value, candidate) {
			return true
		}
	}
	return false
}

// claimEqual compares numerics numerically so that an int claim matches a
// JSON-decoded float64; everything else falls back to deep equality.
func claimEqual(a, b any) bool {
	if fa, ok := asNumber(a); ok {
		if fb, ok := asNumber(b); ok {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

// bothNumeric returns both sides as float64 when both are numeric; a type
// mismatch makes the comparison false rather than an error.
func bothNumeric(a, b any) (float64, float64, bool) {
	fa, ok := asNumber(a)
	if !ok {
		return 0, 0, false
	}
	fb, ok := asNumber(b)
	if !ok {
		return 0, 0, false
	}
	return fa, fb, true
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
