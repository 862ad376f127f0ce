package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Comparator compares a business object value (lho) against a rule literal (rho)
type Comparator func(lho any, rho string) bool

// Operator names
const (
	OpEqual            = "="
	OpNotEqual         = "!="
	OpLessOrEqual      = "<="
	OpGreaterOrEqual   = ">="
	OpBetween          = "between"
	OpIn               = "in"
	OpNotIn            = "notIn"
	OpContains         = "contains"
	OpDoesNotContain   = "doesNotContain"
	OpBeginsWith       = "beginsWith"
	OpDoesNotBeginWith = "doesNotBeginWith"
	OpEndsWith         = "endsWith"
	OpDoesNotEndWith   = "doesNotEndWith"
	OpIsNull           = "isNull"
	OpIsNotNull        = "isNotNull"
)

// operatorTable is fixed; nothing writes to it after package initialization.
var operatorTable = map[PropertyType]map[string]Comparator{
	Integer: numericOperators(parseInteger),
	Float:   numericOperators(parseDecimal),
	Categorical: {
		OpEqual:    equalFold,
		OpNotEqual: not(equalFold),
		OpIn:       inList,
		OpNotIn:    not(inList),
	},
	Text: {
		OpEqual:    equalFold,
		OpNotEqual: not(equalFold),
		OpContains: func(lho any, rho string) bool {
			return strings.Contains(lower(lho), strings.ToLower(rho))
		},
		OpDoesNotContain: func(lho any, rho string) bool {
			return !strings.Contains(lower(lho), strings.ToLower(rho))
		},
		OpBeginsWith: func(lho any, rho string) bool {
			return strings.HasPrefix(lower(lho), strings.ToLower(rho))
		},
		OpDoesNotBeginWith: func(lho any, rho string) bool {
			return !strings.HasPrefix(lower(lho), strings.ToLower(rho))
		},
		OpEndsWith: func(lho any, rho string) bool {
			return strings.HasSuffix(lower(lho), strings.ToLower(rho))
		},
		OpDoesNotEndWith: func(lho any, rho string) bool {
			return !strings.HasSuffix(lower(lho), strings.ToLower(rho))
		},
		OpIn:    inList,
		OpNotIn: not(inList),
		OpIsNull: func(lho any, _ string) bool {
			return isEmpty(lho)
		},
		OpIsNotNull: func(lho any, _ string) bool {
			return !isEmpty(lho)
		},
	},
}

// LookupOperator returns the comparison registered for a property type and operator name
func LookupOperator(t PropertyType, op string) (Comparator, bool) {
	ops, ok := operatorTable[t]
	if !ok {
		return nil, false
	}
	fn, ok := ops[op]
	return fn, ok
}

// Operators lists the operator names available for a property type, sorted
func Operators(t PropertyType) []string {
	ops := operatorTable[t]
	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Compare applies a single operator outside of a query tree
func Compare(t PropertyType, op string, lho any, rho string) (bool, error) {
	fn, ok := LookupOperator(t, op)
	if !ok {
		return false, fmt.Errorf("%w: %q for type %s", ErrUnresolvedOperator, op, t)
	}
	return fn(lho, rho), nil
}

// ParseOperand parses a numeric literal the way Integer and Float comparisons read it.
// ok is false for other property types and for unparsable literals.
func ParseOperand(t PropertyType, literal string) (float64, bool) {
	switch t {
	case Integer:
		return parseInteger(literal)
	case Float:
		return parseDecimal(literal)
	default:
		return 0, false
	}
}

func not(fn Comparator) Comparator {
	return func(lho any, rho string) bool {
		return !fn(lho, rho)
	}
}

// numericOperators builds the shared Integer/Float table around a literal parser.
// A missing or non-numeric lho, or an unparsable literal, never compares equal,
// ordered or in range, so only != and notIn hold for it.
func numericOperators(parse func(string) (float64, bool)) map[string]Comparator {
	in := func(lho any, rho string) bool {
		l, ok := toNumber(lho)
		if !ok {
			return false
		}
		for _, item := range strings.Split(rho, ",") {
			if v, ok := parse(item); ok && v == l {
				return true
			}
		}
		return false
	}

	return map[string]Comparator{
		OpEqual: func(lho any, rho string) bool {
			l, r, ok := numericOperands(lho, rho, parse)
			return ok && l == r
		},
		OpNotEqual: func(lho any, rho string) bool {
			l, r, ok := numericOperands(lho, rho, parse)
			return !ok || l != r
		},
		OpLessOrEqual: func(lho any, rho string) bool {
			l, r, ok := numericOperands(lho, rho, parse)
			return ok && l <= r
		},
		OpGreaterOrEqual: func(lho any, rho string) bool {
			l, r, ok := numericOperands(lho, rho, parse)
			return ok && l >= r
		},
		OpBetween: func(lho any, rho string) bool {
			bounds := strings.Split(rho, ",")
			if len(bounds) < 2 {
				return false
			}
			l, ok := toNumber(lho)
			if !ok {
				return false
			}
			lo, okLo := parse(bounds[0])
			hi, okHi := parse(bounds[1])
			return okLo && okHi && l >= lo && l <= hi
		},
		OpIn:    in,
		OpNotIn: not(in),
	}
}

func numericOperands(lho any, rho string, parse func(string) (float64, bool)) (float64, float64, bool) {
	l, ok := toNumber(lho)
	if !ok {
		return 0, 0, false
	}
	r, ok := parse(rho)
	if !ok {
		return 0, 0, false
	}
	return l, r, true
}

// parseInteger reads the leading integer of a literal, ignoring surrounding
// whitespace and any trailing characters ("37.9" reads as 37).
func parseInteger(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	end := 0
	if end < len(s) && (s[end] == '+' || s[end] == '-') {
		end++
	}
	digits := end
	for end < len(s) && isDigit(s[end]) {
		end++
	}
	if end == digits {
		return 0, false
	}
	n, err := strconv.ParseFloat(s[:end], 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseDecimal reads the longest leading decimal of a literal: an optional sign,
// then Infinity or digits with an optional fraction and exponent ("37.5kg" reads
// as 37.5, "1e" as 1). Trailing characters are ignored.
func parseDecimal(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	end := 0
	if end < len(s) && (s[end] == '+' || s[end] == '-') {
		end++
	}
	if strings.HasPrefix(s[end:], "Infinity") {
		if s[0] == '-' {
			return math.Inf(-1), true
		}
		return math.Inf(1), true
	}

	digits := 0
	for end < len(s) && isDigit(s[end]) {
		end++
		digits++
	}
	if end < len(s) && s[end] == '.' {
		end++
		for end < len(s) && isDigit(s[end]) {
			end++
			digits++
		}
	}
	if digits == 0 {
		return 0, false
	}

	// an exponent counts only when digits follow it
	if end < len(s) && (s[end] == 'e' || s[end] == 'E') {
		exp := end + 1
		if exp < len(s) && (s[exp] == '+' || s[exp] == '-') {
			exp++
		}
		if exp < len(s) && isDigit(s[exp]) {
			for exp < len(s) && isDigit(s[exp]) {
				exp++
			}
			end = exp
		}
	}

	n, err := strconv.ParseFloat(s[:end], 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return 0, false
	}
	return n, true
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// toNumber converts any Go numeric kind to float64; integers past 2^53 lose precision
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
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
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// lower folds a value for case-insensitive comparison. A missing or nil value
// folds to "", so = "" and in lists with an empty item hold for it.
func lower(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return strings.ToLower(s)
	default:
		return strings.ToLower(fmt.Sprint(s))
	}
}

func equalFold(lho any, rho string) bool {
	return lower(lho) == strings.ToLower(rho)
}

// inList splits the raw literal on commas; items are not trimmed
func inList(lho any, rho string) bool {
	l := lower(lho)
	for _, item := range strings.Split(strings.ToLower(rho), ",") {
		if item == l {
			return true
		}
	}
	return false
}

// isEmpty treats missing, nil, "", any numeric zero (or NaN) and false as empty
func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case bool:
		return !x
	}
	if n, ok := toNumber(v); ok {
		return n == 0 || math.IsNaN(n)
	}
	return false
}
