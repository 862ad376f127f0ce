package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PropertyType identifies how a business object property is compared
type PropertyType string

const (
	Integer     PropertyType = "int"
	Float       PropertyType = "float"
	Categorical PropertyType = "select"
	Text        PropertyType = "string"
)

// PropertyTypes returns every supported property type in a stable order
func PropertyTypes() []PropertyType {
	return []PropertyType{Integer, Float, Categorical, Text}
}

// ParsePropertyType converts a type name into a PropertyType.
// Names are case-insensitive and accept the long aliases (integer, categorical, text).
func ParsePropertyType(name string) (PropertyType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "int", "integer":
		return Integer, nil
	case "float":
		return Float, nil
	case "select", "categorical":
		return Categorical, nil
	case "string", "text":
		return Text, nil
	default:
		return "", fmt.Errorf("unknown property type: %q", name)
	}
}

// String implements fmt.Stringer
func (t PropertyType) String() string {
	return string(t)
}

// UnmarshalText accepts any name understood by ParsePropertyType
func (t *PropertyType) UnmarshalText(text []byte) error {
	parsed, err := ParsePropertyType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// PropertyTypeMap maps business object property names to their declared type
type PropertyTypeMap map[string]PropertyType

// ParsePropertyTypeMap decodes a property type map from YAML or JSON
// (JSON is a subset of YAML, so one decoder serves both)
func ParsePropertyTypeMap(data []byte) (PropertyTypeMap, error) {
	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse property types: %w", err)
	}

	types := make(PropertyTypeMap, len(raw))
	for name, typeName := range raw {
		t, err := ParsePropertyType(typeName)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", name, err)
		}
		types[name] = t
	}
	return types, nil
}

// Clone returns a copy that shares nothing with the receiver
func (m PropertyTypeMap) Clone() PropertyTypeMap {
	if m == nil {
		return nil
	}
	c := make(PropertyTypeMap, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// Names returns the property names in sorted order
func (m PropertyTypeMap) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BusinessObject is the flat set of property values a query is evaluated against
type BusinessObject map[string]any

// Node is either a *Rule or a *RuleGroup
type Node interface {
	node()
}

// ValueSourceValue is the only supported value source: the rule's literal Value
const ValueSourceValue = "value"

// Rule compares one business object property against a literal
type Rule struct {
	Field       string `json:"field"`
	Operator    string `json:"operator"`
	ValueSource string `json:"valueSource,omitempty"`
	Value       string `json:"value"`
}

// RuleGroup combines its children with a combinator ("and" or "or").
// When Not is set the combined result is negated, following react-querybuilder;
// query builders that always emit "not": false see no difference, but a tree
// carrying "not": true evaluates to the opposite of an engine that ignores the flag.
type RuleGroup struct {
	Rules      []Node `json:"rules"`
	Combinator string `json:"combinator"`
	Not        bool   `json:"not,omitempty"`
}

// Query is the root of a rule tree
type Query = RuleGroup

func (*Rule) node()      {}
func (*RuleGroup) node() {}

// Combinators
const (
	CombinatorAnd = "and"
	CombinatorOr  = "or"
)

// And builds a group whose children must all match
func And(nodes ...Node) *RuleGroup {
	return &RuleGroup{Combinator: CombinatorAnd, Rules: nodes}
}

// Or builds a group where any child may match
func Or(nodes ...Node) *RuleGroup {
	return &RuleGroup{Combinator: CombinatorOr, Rules: nodes}
}

// NewRule builds a leaf rule reading its operand from the literal value
func NewRule(field, operator, value string) *Rule {
	return &Rule{Field: field, Operator: operator, ValueSource: ValueSourceValue, Value: value}
}

// UnmarshalJSON decodes a rule, tolerating a null, numeric or boolean value
func (r *Rule) UnmarshalJSON(data []byte) error {
	var raw struct {
		Field       string          `json:"field"`
		Operator    string          `json:"operator"`
		ValueSource string          `json:"valueSource"`
		Value       json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	value, err := literalText(raw.Value)
	if err != nil {
		return fmt.Errorf("rule for field %s: %w", raw.Field, err)
	}

	*r = Rule{
		Field:       raw.Field,
		Operator:    raw.Operator,
		ValueSource: raw.ValueSource,
		Value:       value,
	}
	return nil
}

func literalText(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", err
		}
		return s, nil
	case '{', '[':
		return "", fmt.Errorf("value must be a scalar, got %s", trimmed)
	default:
		// numbers and booleans keep their literal spelling
		return string(trimmed), nil
	}
}

// UnmarshalJSON decodes a group and resolves each child into a Rule or RuleGroup
func (g *RuleGroup) UnmarshalJSON(data []byte) error {
	var raw struct {
		Rules      []json.RawMessage `json:"rules"`
		Combinator string            `json:"combinator"`
		Not        bool              `json:"not"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	nodes := make([]Node, 0, len(raw.Rules))
	for i, child := range raw.Rules {
		n, err := DecodeNode(child)
		if err != nil {
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
		nodes = append(nodes, n)
	}

	*g = RuleGroup{Rules: nodes, Combinator: raw.Combinator, Not: raw.Not}
	return nil
}

// MarshalJSON always emits a rules array, never null
func (g RuleGroup) MarshalJSON() ([]byte, error) {
	type plain RuleGroup
	p := plain(g)
	if p.Rules == nil {
		p.Rules = []Node{}
	}
	return json.Marshal(p)
}

// DecodeNode decodes one element of a rules list. An object carrying "field" is a
// Rule, one carrying "rules" is a RuleGroup; anything else is rejected.
func DecodeNode(data []byte) (Node, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("invalid rule node: %w", err)
	}

	_, hasField := keys["field"]
	_, hasRules := keys["rules"]

	switch {
	case hasField && hasRules:
		return nil, fmt.Errorf("rule node cannot carry both \"field\" and \"rules\"")
	case hasField:
		var r Rule
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, err
		}
		return &r, nil
	case hasRules:
		var g RuleGroup
		if err := json.Unmarshal(data, &g); err != nil {
			return nil, err
		}
		return &g, nil
	default:
		return nil, fmt.Errorf("rule node must carry either \"field\" or \"rules\"")
	}
}

// ParseQuery decodes a JSON query tree
func ParseQuery(data []byte) (*Query, error) {
	var q Query
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("failed to parse query: %w", err)
	}
	return &q, nil
}

// SavedQuery is a named query tree persisted in a QueryStore
type SavedQuery struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Query     *Query    `json:"query"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// EvaluationResult contains the outcome of evaluating a saved query
type EvaluationResult struct {
	QueryID   string `json:"queryId"`
	QueryName string `json:"queryName"`
	Matched   bool   `json:"matched"`
	Error     error  `json:"-"`
}
