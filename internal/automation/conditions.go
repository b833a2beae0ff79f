// Package automation implements event-triggered automations: condition
// evaluation, template resolution, action execution, per-instance
// concurrency scheduling, debouncing and the engine that ties them together.
package automation

import (
	"encoding/json"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/jkaninda/omni/internal/domain"
)

// ConditionOutcome is the evaluation of one condition against a payload.
type ConditionOutcome struct {
	Field    string                   `json:"field"`
	Operator domain.ConditionOperator `json:"operator"`
	Expected any                      `json:"expected,omitempty"`
	Actual   any                      `json:"actual,omitempty"`
	Matched  bool                     `json:"matched"`
}

// ConditionReport is the combined evaluation of a condition list.
type ConditionReport struct {
	Matched    bool               `json:"matched"`
	Conditions []ConditionOutcome `json:"conditions"`
}

// Lookup resolves a dotted path inside a JSON-like document.
// Numeric segments index into slices. The second return is false when any
// segment is missing.
func Lookup(v any, path string) (any, bool) {
	if path == "" {
		return v, true
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// fieldValue looks up a condition field. Conditions are commonly written as
// "payload.x"; the prefix is dropped unless the payload has its own "payload" key.
func fieldValue(payload map[string]any, field string) (any, bool) {
	if rest, ok := strings.CutPrefix(field, "payload."); ok {
		if _, has := payload["payload"]; !has {
			return Lookup(payload, rest)
		}
	}
	return Lookup(payload, field)
}

// EvaluateCondition applies a single condition to a payload. It never panics;
// unknown operators and type mismatches evaluate to false.
func EvaluateCondition(payload map[string]any, cond domain.Condition) bool {
	actual, present := fieldValue(payload, cond.Field)
	return evaluate(actual, present, cond)
}

func evaluate(actual any, present bool, cond domain.Condition) bool {
	switch cond.Operator {
	case domain.OpExists:
		return present && actual != nil
	case domain.OpNotExists:
		return !present || actual == nil
	case domain.OpEq:
		return present && valuesEqual(actual, cond.Value)
	case domain.OpNeq:
		return !present || !valuesEqual(actual, cond.Value)
	case domain.OpGt, domain.OpLt, domain.OpGte, domain.OpLte:
		if !present {
			return false
		}
		return compareNumbers(actual, cond.Value, cond.Operator)
	case domain.OpContains:
		return present && contains(actual, cond.Value)
	case domain.OpNotContains:
		return !present || !contains(actual, cond.Value)
	case domain.OpRegex:
		return present && matchRegex(actual, cond.Value)
	default:
		return false
	}
}

// EvaluateConditions combines conditions with the given logic.
// An empty list always matches.
func EvaluateConditions(conds []domain.Condition, logic domain.ConditionLogic, payload map[string]any) ConditionReport {
	report := ConditionReport{Conditions: make([]ConditionOutcome, 0, len(conds))}
	if len(conds) == 0 {
		report.Matched = true
		return report
	}

	anyMatched, allMatched := false, true
	for _, c := range conds {
		actual, present := fieldValue(payload, c.Field)
		ok := evaluate(actual, present, c)
		report.Conditions = append(report.Conditions, ConditionOutcome{
			Field:    c.Field,
			Operator: c.Operator,
			Expected: c.Value,
			Actual:   actual,
			Matched:  ok,
		})
		anyMatched = anyMatched || ok
		allMatched = allMatched && ok
	}

	if logic == domain.LogicOr {
		report.Matched = anyMatched
	} else {
		report.Matched = allMatched
	}
	return report
}

// --- Comparison helpers ---

// toNumber converts numeric values and numeric strings to float64.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func isNumberType(v any) bool {
	if _, ok := v.(string); ok {
		return false
	}
	_, ok := toNumber(v)
	return ok
}

// valuesEqual compares numerically when at least one side is a number and
// the other coerces to one. Otherwise it compares JSON-normalised values.
func valuesEqual(a, b any) bool {
	if isNumberType(a) || isNumberType(b) {
		fa, okA := toNumber(a)
		fb, okB := toNumber(b)
		if okA && okB {
			return fa == fb
		}
		return false
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		return ok && sa == sb
	}
	return reflect.DeepEqual(normalize(a), normalize(b))
}

// normalize round-trips a value through JSON so typed maps and slices
// compare equal to their decoded form.
func normalize(v any) any {
	switch v.(type) {
	case nil, bool, string, float64:
		return v
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func compareNumbers(actual, expected any, op domain.ConditionOperator) bool {
	a, okA := toNumber(actual)
	b, okB := toNumber(expected)
	if !okA || !okB {
		return false
	}
	switch op {
	case domain.OpGt:
		return a > b
	case domain.OpLt:
		return a < b
	case domain.OpGte:
		return a >= b
	case domain.OpLte:
		return a <= b
	}
	return false
}

func contains(actual, expected any) bool {
	switch haystack := actual.(type) {
	case string:
		needle, ok := expected.(string)
		return ok && strings.Contains(haystack, needle)
	case []any:
		for _, item := range haystack {
			if valuesEqual(item, expected) {
				return true
			}
		}
		return false
	case []string:
		needle, ok := expected.(string)
		if !ok {
			return false
		}
		for _, item := range haystack {
			if item == needle {
				return true
			}
		}
		return false
	default:
		return false
	}
}

var regexCache sync.Map // pattern -> *regexp.Regexp, or nil for invalid patterns

func compileCached(pattern string) *regexp.Regexp {
	if v, ok := regexCache.Load(pattern); ok {
		re, _ := v.(*regexp.Regexp)
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		regexCache.Store(pattern, (*regexp.Regexp)(nil))
		return nil
	}
	regexCache.Store(pattern, re)
	return re
}

func matchRegex(actual, pattern any) bool {
	p, ok := pattern.(string)
	if !ok {
		return false
	}
	var s string
	switch v := actual.(type) {
	case string:
		s = v
	case bool:
		s = strconv.FormatBool(v)
	case nil, map[string]any, []any:
		return false
	default:
		n, ok := toNumber(v)
		if !ok {
			return false
		}
		s = formatNumber(n)
	}
	re := compileCached(p)
	if re == nil {
		return false
	}
	return re.MatchString(s)
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
