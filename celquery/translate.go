// Package celquery renders query trees as CEL expressions.
//
// A translated expression reads a single variable, object, holding the business
// object as a map of property name to value. For well-typed objects the compiled
// program agrees with rules.Engine.Execute.
package celquery

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"
	"github.com/liamcoop/querytree/rules"
)

// Variable is the name the business object is bound to in translated expressions
const Variable = "object"

// costLimit bounds a single evaluation
const costLimit = 1000000

// Translate renders query as a CEL boolean expression over Variable.
// Unresolved operators, unsupported value sources, invalid combinators and
// excessive nesting fail with the same *rules.EvaluationError Execute returns.
func Translate(query *rules.Query, types rules.PropertyTypeMap) (string, error) {
	if types == nil {
		return "", rules.ErrConfigurationMissing
	}
	if query == nil {
		return "", rules.ErrNilQuery
	}

	t := translator{types: types, maxDepth: rules.DefaultMaxDepth}
	return t.group(query, 0)
}

// NewEnv returns the CEL environment translated expressions compile in
func NewEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable(Variable, cel.MapType(cel.StringType, cel.DynType)),
		ext.Strings(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// Compile translates and compiles query into a program ready for Eval
func Compile(query *rules.Query, types rules.PropertyTypeMap) (cel.Program, error) {
	expr, err := Translate(query, types)
	if err != nil {
		return nil, err
	}

	env, err := NewEnv()
	if err != nil {
		return nil, err
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}

	prog, err := env.Program(ast, cel.CostLimit(costLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}
	return prog, nil
}

// Eval runs a compiled program against object
func Eval(prog cel.Program, object rules.BusinessObject) (bool, error) {
	if object == nil {
		return false, rules.ErrNilBusinessObject
	}

	out, _, err := prog.Eval(map[string]any{Variable: map[string]any(object)})
	if err != nil {
		return false, fmt.Errorf("evaluation error: %w", err)
	}

	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression returned %T, not bool", out.Value())
	}
	return matched, nil
}

type translator struct {
	types    rules.PropertyTypeMap
	maxDepth int
}

func (t translator) group(g *rules.RuleGroup, depth int) (string, error) {
	if depth > t.maxDepth {
		return "", &rules.EvaluationError{Combinator: g.Combinator, Depth: depth, Err: rules.ErrMaxDepthExceeded}
	}

	var leaves []*rules.Rule
	var groups []*rules.RuleGroup
	for _, n := range g.Rules {
		switch v := n.(type) {
		case *rules.Rule:
			if v != nil {
				leaves = append(leaves, v)
			}
		case *rules.RuleGroup:
			if v != nil {
				groups = append(groups, v)
			}
		}
	}

	parts := make([]string, 0, len(leaves)+len(groups))
	for _, r := range leaves {
		expr, err := t.rule(r, depth)
		if err != nil {
			return "", err
		}
		parts = append(parts, "("+expr+")")
	}
	for _, child := range groups {
		expr, err := t.group(child, depth+1)
		if err != nil {
			return "", err
		}
		parts = append(parts, "("+expr+")")
	}

	var expr string
	switch g.Combinator {
	case rules.CombinatorAnd:
		expr = join(parts, " && ", "true")
	case rules.CombinatorOr:
		expr = join(parts, " || ", "false")
	default:
		return "", &rules.EvaluationError{Combinator: g.Combinator, Depth: depth, Err: rules.ErrInvalidCombinator}
	}

	if g.Not {
		return "!(" + expr + ")", nil
	}
	return expr, nil
}

func join(parts []string, sep, empty string) string {
	if len(parts) == 0 {
		return empty
	}
	return strings.Join(parts, sep)
}

func (t translator) rule(r *rules.Rule, depth int) (string, error) {
	if r.ValueSource != "" && r.ValueSource != rules.ValueSourceValue {
		return "", &rules.EvaluationError{
			Field:    r.Field,
			Operator: r.Operator,
			Depth:    depth,
			Err:      fmt.Errorf("%w: %q", rules.ErrUnsupportedValueSource, r.ValueSource),
		}
	}

	typ := t.types[r.Field]
	if _, ok := rules.LookupOperator(typ, r.Operator); !ok {
		return "", &rules.EvaluationError{Field: r.Field, Operator: r.Operator, Depth: depth, Err: rules.ErrUnresolvedOperator}
	}

	switch typ {
	case rules.Integer, rules.Float:
		return numeric(typ, r), nil
	default:
		return text(r), nil
	}
}

// field is the CEL selector for a property
func field(name string) string {
	return Variable + "[" + strconv.Quote(name) + "]"
}

func present(name string) string {
	return strconv.Quote(name) + " in " + Variable
}

func numeric(typ rules.PropertyType, r *rules.Rule) string {
	f := field(r.Field)
	guard := fmt.Sprintf("%s && (type(%s) == int || type(%s) == uint || type(%s) == double)", present(r.Field), f, f, f)
	value := "double(" + f + ")"

	compare := func(op, literal string) string {
		n, ok := rules.ParseOperand(typ, literal)
		if !ok {
			return "false"
		}
		return fmt.Sprintf("%s && %s %s %s", guard, value, op, double(n))
	}

	switch r.Operator {
	case rules.OpEqual:
		return compare("==", r.Value)
	case rules.OpNotEqual:
		return negate(compare("==", r.Value))
	case rules.OpLessOrEqual:
		return compare("<=", r.Value)
	case rules.OpGreaterOrEqual:
		return compare(">=", r.Value)
	case rules.OpBetween:
		bounds := strings.Split(r.Value, ",")
		if len(bounds) < 2 {
			return "false"
		}
		lo, okLo := rules.ParseOperand(typ, bounds[0])
		hi, okHi := rules.ParseOperand(typ, bounds[1])
		if !okLo || !okHi {
			return "false"
		}
		return fmt.Sprintf("%s && %s >= %s && %s <= %s", guard, value, double(lo), value, double(hi))
	case rules.OpIn:
		return numericList(typ, guard, value, r.Value)
	case rules.OpNotIn:
		return negate(numericList(typ, guard, value, r.Value))
	default:
		return "false"
	}
}

func numericList(typ rules.PropertyType, guard, value, literal string) string {
	var items []string
	for _, item := range strings.Split(literal, ",") {
		if n, ok := rules.ParseOperand(typ, item); ok {
			items = append(items, double(n))
		}
	}
	if len(items) == 0 {
		return "false"
	}
	return fmt.Sprintf("%s && %s in [%s]", guard, value, strings.Join(items, ", "))
}

// double renders n as a CEL double literal
func double(n float64) string {
	switch {
	case math.IsInf(n, 1):
		return `double("+Inf")`
	case math.IsInf(n, -1):
		return `double("-Inf")`
	}
	s := strconv.FormatFloat(n, 'g', -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

func negate(expr string) string {
	switch expr {
	case "false":
		return "true"
	case "true":
		return "false"
	}
	return "!(" + expr + ")"
}

func text(r *rules.Rule) string {
	f := field(r.Field)
	value := fmt.Sprintf(`((%s && %s != null) ? string(%s) : "").lowerAscii()`, present(r.Field), f, f)
	literal := strconv.Quote(strings.ToLower(r.Value))

	switch r.Operator {
	case rules.OpEqual:
		return value + " == " + literal
	case rules.OpNotEqual:
		return value + " != " + literal
	case rules.OpIn:
		return stringList(value, r.Value)
	case rules.OpNotIn:
		return negate(stringList(value, r.Value))
	case rules.OpContains:
		return value + ".contains(" + literal + ")"
	case rules.OpDoesNotContain:
		return "!" + value + ".contains(" + literal + ")"
	case rules.OpBeginsWith:
		return value + ".startsWith(" + literal + ")"
	case rules.OpDoesNotBeginWith:
		return "!" + value + ".startsWith(" + literal + ")"
	case rules.OpEndsWith:
		return value + ".endsWith(" + literal + ")"
	case rules.OpDoesNotEndWith:
		return "!" + value + ".endsWith(" + literal + ")"
	case rules.OpIsNull:
		return empty(r.Field)
	case rules.OpIsNotNull:
		return negate(empty(r.Field))
	default:
		return "false"
	}
}

// stringList splits on commas without trimming, matching the engine
func stringList(value, literal string) string {
	items := strings.Split(strings.ToLower(literal), ",")
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = strconv.Quote(item)
	}
	return fmt.Sprintf("%s in [%s]", value, strings.Join(quoted, ", "))
}

// empty matches missing, null, "", zero, NaN and false
func empty(name string) string {
	f := field(name)
	return fmt.Sprintf(`!(%s) || %s == null || %s == "" || %s == 0 || %s == false || (type(%s) == double && %s != %s)`,
		present(name), f, f, f, f, f, f, f)
}
