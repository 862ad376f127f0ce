package rules

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by Engine.Execute.
var (
	// ErrConfigurationMissing indicates Execute ran before any property types were configured.
	ErrConfigurationMissing = errors.New("the business object property types are not configured")

	// ErrNilBusinessObject indicates Execute was called without a business object.
	ErrNilBusinessObject = errors.New("argument businessObject is nil")

	// ErrNilQuery indicates Execute was called without a query.
	ErrNilQuery = errors.New("argument query is nil")
)

// Sentinel errors wrapped by EvaluationError.
var (
	// ErrUnresolvedOperator indicates no comparison exists for a rule's property type and operator.
	ErrUnresolvedOperator = errors.New("no comparison operator is defined")

	// ErrInvalidCombinator indicates a group combinator other than "and" or "or".
	ErrInvalidCombinator = errors.New("invalid combinator")

	// ErrUnsupportedValueSource indicates a rule reads its operand from somewhere other than its value.
	ErrUnsupportedValueSource = errors.New("unsupported value source")

	// ErrMaxDepthExceeded indicates the query tree is nested deeper than the engine allows.
	ErrMaxDepthExceeded = errors.New("query nesting exceeds maximum depth")
)

// EvaluationError reports where in a query tree evaluation failed.
type EvaluationError struct {
	// Field is the rule field, empty for group-level failures.
	Field string
	// Operator is the rule operator, empty for group-level failures.
	Operator string
	// Combinator is the offending group combinator.
	Combinator string
	// Depth is the group nesting level, 0 for the query itself.
	Depth int
	// Err is one of the sentinel errors above.
	Err error
}

// Error implements the error interface.
func (e *EvaluationError) Error() string {
	switch {
	case errors.Is(e.Err, ErrUnresolvedOperator):
		return fmt.Sprintf("rule could not be evaluated because no comparison operator %q for field %s is defined", e.Operator, e.Field)
	case errors.Is(e.Err, ErrInvalidCombinator):
		return fmt.Sprintf("invalid combinator: %s", e.Combinator)
	case errors.Is(e.Err, ErrUnsupportedValueSource):
		return fmt.Sprintf("rule for field %s: %v", e.Field, e.Err)
	case e.Field != "":
		return fmt.Sprintf("rule for field %s at depth %d: %v", e.Field, e.Depth, e.Err)
	default:
		return fmt.Sprintf("rule group at depth %d: %v", e.Depth, e.Err)
	}
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *EvaluationError) Unwrap() error {
	return e.Err
}
