package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// DefaultMaxDepth bounds query nesting when no WithMaxDepth option is given
const DefaultMaxDepth = 64

// traceLevel matches logger.LevelTrace
const traceLevel = slog.Level(-8)

// Engine evaluates query trees against business objects using a configured
// property type map. Safe for concurrent use; Configure takes an exclusive lock
// so it never overlaps an in-flight Execute.
type Engine struct {
	types    PropertyTypeMap
	maxDepth int
	logger   *slog.Logger
	mu       sync.RWMutex
}

// Option configures an Engine
type Option func(*Engine)

// WithMaxDepth limits how deeply rule groups may nest. Values below 1 are ignored.
func WithMaxDepth(depth int) Option {
	return func(en *Engine) {
		if depth > 0 {
			en.maxDepth = depth
		}
	}
}

// WithLogger traces every rule and group evaluation at trace level
func WithLogger(logger *slog.Logger) Option {
	return func(en *Engine) {
		en.logger = logger
	}
}

// NewEngine creates an engine for business objects described by types.
// A nil map leaves the engine unconfigured; Execute then fails with ErrConfigurationMissing.
func NewEngine(types PropertyTypeMap, opts ...Option) *Engine {
	en := &Engine{
		types:    types.Clone(),
		maxDepth: DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(en)
	}
	return en
}

// Configure replaces the property type map
func (en *Engine) Configure(types PropertyTypeMap) {
	c := types.Clone()

	en.mu.Lock()
	en.types = c
	en.mu.Unlock()

	if en.logger != nil {
		en.logger.Info("property types configured", slog.Int("properties", len(c)))
	}
}

// PropertyTypes returns a copy of the configured property type map
func (en *Engine) PropertyTypes() PropertyTypeMap {
	en.mu.RLock()
	defer en.mu.RUnlock()
	return en.types.Clone()
}

// MaxDepth returns the deepest group nesting Execute accepts
func (en *Engine) MaxDepth() int {
	return en.maxDepth
}

// Execute evaluates query against object.
// A returned error always means the query could not be evaluated; it is never a disguised false.
func (en *Engine) Execute(object BusinessObject, query *Query) (bool, error) {
	en.mu.RLock()
	types := en.types
	en.mu.RUnlock()

	if types == nil {
		return false, ErrConfigurationMissing
	}
	if object == nil {
		return false, ErrNilBusinessObject
	}
	if query == nil {
		return false, ErrNilQuery
	}

	ev := &evaluation{
		types:    types,
		object:   object,
		maxDepth: en.maxDepth,
		logger:   en.logger,
	}
	return ev.group(query, 0)
}

// evaluation holds the state of one Execute call
type evaluation struct {
	types    PropertyTypeMap
	object   BusinessObject
	maxDepth int
	logger   *slog.Logger
}

func (ev *evaluation) rule(r *Rule, depth int) (bool, error) {
	if err := checkValueSource(r); err != nil {
		return false, &EvaluationError{Field: r.Field, Operator: r.Operator, Depth: depth, Err: err}
	}

	cmp, ok := LookupOperator(ev.types[r.Field], r.Operator)
	if !ok {
		return false, &EvaluationError{Field: r.Field, Operator: r.Operator, Depth: depth, Err: ErrUnresolvedOperator}
	}

	lho := ev.object[r.Field]
	result := cmp(lho, r.Value)

	ev.trace("evaluated rule",
		slog.String("field", r.Field),
		slog.String("operator", r.Operator),
		slog.Any("lho", lho),
		slog.String("rho", r.Value),
		slog.Bool("result", result),
	)
	return result, nil
}

// group evaluates every leaf rule, then every nested group, then folds the
// results with the group's combinator. Nothing short-circuits, so an error
// anywhere in the tree is always reported.
func (ev *evaluation) group(g *RuleGroup, depth int) (bool, error) {
	if depth > ev.maxDepth {
		return false, &EvaluationError{Combinator: g.Combinator, Depth: depth, Err: ErrMaxDepthExceeded}
	}

	leaves, groups := partition(g.Rules)
	results := make([]bool, 0, len(leaves)+len(groups))

	for _, r := range leaves {
		ok, err := ev.rule(r, depth)
		if err != nil {
			return false, err
		}
		results = append(results, ok)
	}
	for _, child := range groups {
		ok, err := ev.group(child, depth+1)
		if err != nil {
			return false, err
		}
		results = append(results, ok)
	}

	result, err := combine(g.Combinator, results)
	if err != nil {
		return false, &EvaluationError{Combinator: g.Combinator, Depth: depth, Err: err}
	}
	if g.Not {
		result = !result
	}

	ev.trace("evaluated rule group",
		slog.Int("depth", depth),
		slog.String("combinator", g.Combinator),
		slog.Int("rules", len(leaves)),
		slog.Int("groups", len(groups)),
		slog.Bool("not", g.Not),
		slog.Bool("result", result),
	)
	return result, nil
}

func (ev *evaluation) trace(msg string, attrs ...slog.Attr) {
	if ev.logger == nil {
		return
	}
	ev.logger.LogAttrs(context.Background(), traceLevel, msg, attrs...)
}

// partition splits children into leaves and groups, keeping relative order.
// Nil entries are skipped.
func partition(nodes []Node) ([]*Rule, []*RuleGroup) {
	var leaves []*Rule
	var groups []*RuleGroup
	for _, n := range nodes {
		switch v := n.(type) {
		case *Rule:
			if v != nil {
				leaves = append(leaves, v)
			}
		case *RuleGroup:
			if v != nil {
				groups = append(groups, v)
			}
		}
	}
	return leaves, groups
}

func combine(combinator string, results []bool) (bool, error) {
	switch combinator {
	case CombinatorAnd:
		acc := true
		for _, r := range results {
			acc = acc && r
		}
		return acc, nil
	case CombinatorOr:
		acc := false
		for _, r := range results {
			acc = acc || r
		}
		return acc, nil
	default:
		return false, ErrInvalidCombinator
	}
}

func checkValueSource(r *Rule) error {
	switch r.ValueSource {
	case "", ValueSourceValue:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedValueSource, r.ValueSource)
	}
}

// Validate checks a query without a business object and reports every problem
// Execute would hit: unresolved operators, unsupported value sources, invalid
// combinators and excessive nesting.
func (en *Engine) Validate(query *Query) error {
	en.mu.RLock()
	types := en.types
	en.mu.RUnlock()

	if types == nil {
		return ErrConfigurationMissing
	}
	if query == nil {
		return ErrNilQuery
	}

	var result *multierror.Error
	var walk func(g *RuleGroup, depth int)
	walk = func(g *RuleGroup, depth int) {
		if depth > en.maxDepth {
			result = multierror.Append(result, &EvaluationError{Combinator: g.Combinator, Depth: depth, Err: ErrMaxDepthExceeded})
			return
		}

		leaves, groups := partition(g.Rules)
		for _, r := range leaves {
			if err := checkValueSource(r); err != nil {
				result = multierror.Append(result, &EvaluationError{Field: r.Field, Operator: r.Operator, Depth: depth, Err: err})
			}
			if _, ok := LookupOperator(types[r.Field], r.Operator); !ok {
				result = multierror.Append(result, &EvaluationError{Field: r.Field, Operator: r.Operator, Depth: depth, Err: ErrUnresolvedOperator})
			}
		}
		for _, child := range groups {
			walk(child, depth+1)
		}

		if _, err := combine(g.Combinator, nil); err != nil {
			result = multierror.Append(result, &EvaluationError{Combinator: g.Combinator, Depth: depth, Err: err})
		}
	}
	walk(query, 0)

	return result.ErrorOrNil()
}
