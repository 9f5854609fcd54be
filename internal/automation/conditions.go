package automation

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Condition operators accepted in trigger rules.
const (
	opEq       = "$eq"
	opNe       = "$ne"
	opGt       = "$gt"
	opGte      = "$gte"
	opLt       = "$lt"
	opLte      = "$lte"
	opIn       = "$in"
	opNin      = "$nin"
	opExists   = "$exists"
	opContains = "$contains"
)

var knownOperators = map[string]struct{}{
	opEq: {}, opNe: {}, opGt: {}, opGte: {}, opLt: {}, opLte: {},
	opIn: {}, opNin: {}, opExists: {}, opContains: {},
}

// EvaluateConditions reports whether every rule holds against payload.
//
// A rule key is a dotted path into the payload. Its value is either a
// literal compared by deep equality or an operator object such as
// {"$gte": 3}. Empty rules always hold. A missing path fails every
// operator except {"$exists": false} and $ne.
func EvaluateConditions(rules, payload map[string]any) (bool, error) {
	keys := make([]string, 0, len(rules))
	for k := range rules {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, path := range keys {
		actual, present := lookupPath(payload, path)
		ok, err := evaluateRule(rules[path], actual, present)
		if err != nil {
			return false, fmt.Errorf("%w: %s: %w", ErrInvalidCondition, path, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// ValidateConditions checks rule syntax without a payload.
func ValidateConditions(rules map[string]any) error {
	for path, rule := range rules {
		if strings.TrimSpace(path) == "" {
			return fmt.Errorf("%w: empty path", ErrInvalidCondition)
		}
		ops, isOp, err := operatorObject(rule)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidCondition, path, err)
		}
		if !isOp {
			continue
		}
		for op, operand := range ops {
			if err := checkOperand(op, operand); err != nil {
				return fmt.Errorf("%w: %s: %w", ErrInvalidCondition, path, err)
			}
		}
	}
	return nil
}

func evaluateRule(rule, actual any, present bool) (bool, error) {
	ops, isOp, err := operatorObject(rule)
	if err != nil {
		return false, err
	}
	if !isOp {
		return present && valuesEqual(actual, rule), nil
	}

	for op, operand := range ops {
		if err := checkOperand(op, operand); err != nil {
			return false, err
		}
		if !applyOperator(op, operand, actual, present) {
			return false, nil
		}
	}
	return true, nil
}

// operatorObject splits a rule into its operators. A map whose keys all
// start with "$" is an operator object; a map with no "$" keys is a literal.
func operatorObject(rule any) (map[string]any, bool, error) {
	m, ok := rule.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false, nil
	}

	dollar := 0
	for k := range m {
		if strings.HasPrefix(k, "$") {
			dollar++
		}
	}
	switch dollar {
	case 0:
		return nil, false, nil
	case len(m):
		return m, true, nil
	default:
		return nil, false, fmt.Errorf("operators mixed with literal keys")
	}
}

func checkOperand(op string, operand any) error {
	if _, ok := knownOperators[op]; !ok {
		return fmt.Errorf("unknown operator %q", op)
	}
	switch op {
	case opIn, opNin:
		if _, ok := asSlice(operand); !ok {
			return fmt.Errorf("%s needs an array", op)
		}
	case opExists:
		if _, ok := operand.(bool); !ok {
			return fmt.Errorf("%s needs a boolean", op)
		}
	}
	return nil
}

func applyOperator(op string, operand, actual any, present bool) bool {
	if op == opExists {
		return present == operand.(bool)
	}
	if op == opNe {
		return !present || !valuesEqual(actual, operand)
	}
	if !present {
		return false
	}

	switch op {
	case opEq:
		return valuesEqual(actual, operand)
	case opGt, opGte, opLt, opLte:
		c, ok := compareOrdered(actual, operand)
		if !ok {
			return false
		}
		switch op {
		case opGt:
			return c > 0
		case opGte:
			return c >= 0
		case opLt:
			return c < 0
		default:
			return c <= 0
		}
	case opIn:
		return sliceContains(operand, actual)
	case opNin:
		return !sliceContains(operand, actual)
	case opContains:
		if s, ok := actual.(string); ok {
			sub, ok := operand.(string)
			return ok && strings.Contains(s, sub)
		}
		return sliceContains(actual, operand)
	}
	return false
}

// lookupPath walks a dotted path through nested maps.
func lookupPath(payload map[string]any, path string) (any, bool) {
	var cur any = payload
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	sa, aIsSlice := asSlice(a)
	sb, bIsSlice := asSlice(b)
	if aIsSlice || bIsSlice {
		if !aIsSlice || !bIsSlice || len(sa) != len(sb) {
			return false
		}
		for i := range sa {
			if !valuesEqual(sa[i], sb[i]) {
				return false
			}
		}
		return true
	}
	ma, aIsMap := a.(map[string]any)
	mb, bIsMap := b.(map[string]any)
	if aIsMap || bIsMap {
		if !aIsMap || !bIsMap || len(ma) != len(mb) {
			return false
		}
		for k, va := range ma {
			vb, ok := mb[k]
			if !ok || !valuesEqual(va, vb) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func compareOrdered(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	sa, ok := a.(string)
	if !ok {
		return 0, false
	}
	sb, ok := b.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(sa, sb), true
}

func sliceContains(list, v any) bool {
	items, ok := asSlice(list)
	if !ok {
		return false
	}
	for _, item := range items {
		if valuesEqual(item, v) {
			return true
		}
	}
	return false
}

func asSlice(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if s, ok := v.([]any); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// toFloat normalises the numeric types that JSON decoding and Go callers
// produce.
func toFloat(v any) (float64, bool) {
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
	}
	return 0, false
}
