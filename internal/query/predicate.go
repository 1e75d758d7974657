package query

import (
	"fmt"
	"strconv"
	"strings"
)

// CompilePredicate parses a small comparison-only expression — `field
// op literal`, e.g. "value>0", "status==active", "count<=10" — into a
// Predicate. It is intentionally minimal: the registry and the
// distquery/distsearch coordinators only need *some* evaluation
// function, and spec.md never names a query grammar, so this covers
// the comparisons the end-to-end examples (spec.md Examples table row
// 1: "predicate value>0") actually exercise.
//
// src's left-hand side addresses the decoded JSON value directly when
// it is the literal "value" (scalar-valued maps), otherwise it is
// looked up as a field of the value when the value decodes to an
// object.
func CompilePredicate(src string) (Predicate, error) {
	field, op, literal, err := splitComparison(src)
	if err != nil {
		return nil, err
	}
	litNum, litIsNum := parseNumber(literal)

	return func(_ string, _ string, value any) bool {
		operand := value
		if field != "value" {
			obj, ok := value.(map[string]any)
			if !ok {
				return false
			}
			operand, ok = obj[field]
			if !ok {
				return false
			}
		}
		return compare(operand, op, literal, litNum, litIsNum)
	}, nil
}

func splitComparison(src string) (field, op, literal string, err error) {
	src = strings.TrimSpace(src)
	for _, candidate := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		if idx := strings.Index(src, candidate); idx > 0 {
			return strings.TrimSpace(src[:idx]), candidate, strings.Trim(strings.TrimSpace(src[idx+len(candidate):]), `"'`), nil
		}
	}
	return "", "", "", fmt.Errorf("query: unsupported predicate %q", src)
}

func parseNumber(s string) (float64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}

func compare(operand any, op, literal string, litNum float64, litIsNum bool) bool {
	switch op {
	case "==":
		return fmt.Sprint(operand) == literal
	case "!=":
		return fmt.Sprint(operand) != literal
	}

	var operandNum float64
	switch v := operand.(type) {
	case float64:
		operandNum = v
	case int:
		operandNum = float64(v)
	default:
		if !litIsNum {
			return false
		}
		n, ok := parseNumber(fmt.Sprint(operand))
		if !ok {
			return false
		}
		operandNum = n
	}
	if !litIsNum {
		return false
	}

	switch op {
	case ">":
		return operandNum > litNum
	case ">=":
		return operandNum >= litNum
	case "<":
		return operandNum < litNum
	case "<=":
		return operandNum <= litNum
	}
	return false
}
