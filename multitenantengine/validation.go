package multitenantengine

import (
	"fmt"
	"regexp"

	"github.com/hashicorp/go-multierror"
	"github.com/liamcoop/querytree/rules"
)

const (
	// MaxProperties is the largest schema a tenant may register
	MaxProperties = 200

	// MaxIdentifierLength bounds property names
	MaxIdentifierLength = 100
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidateSchema checks a tenant schema and reports every problem found,
// in property name order
func ValidateSchema(schema Schema) error {
	if len(schema) == 0 {
		return fmt.Errorf("schema cannot be empty, must declare at least one property")
	}

	var result *multierror.Error
	if len(schema) > MaxProperties {
		result = multierror.Append(result, fmt.Errorf("schema declares %d properties, maximum allowed is %d", len(schema), MaxProperties))
	}

	for _, name := range schema.Names() {
		if err := validateIdentifier(name); err != nil {
			result = multierror.Append(result, fmt.Errorf("invalid property name %q: %w", name, err))
		}
		if !isPropertyType(schema[name]) {
			result = multierror.Append(result, fmt.Errorf("property %q has invalid type %q (must be one of: %s)", name, schema[name], typeNames()))
		}
	}

	return result.ErrorOrNil()
}

// ParseSchema decodes a YAML or JSON schema and validates it
func ParseSchema(data []byte) (Schema, error) {
	schema, err := rules.ParsePropertyTypeMap(data)
	if err != nil {
		return nil, err
	}
	if err := ValidateSchema(schema); err != nil {
		return nil, err
	}
	return schema, nil
}

func validateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > MaxIdentifierLength {
		return fmt.Errorf("identifier length %d exceeds maximum of %d characters", len(name), MaxIdentifierLength)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("must match pattern %s", identifierPattern)
	}
	return nil
}

func isPropertyType(t rules.PropertyType) bool {
	for _, known := range rules.PropertyTypes() {
		if t == known {
			return true
		}
	}
	return false
}

func typeNames() string {
	names := ""
	for i, t := range rules.PropertyTypes() {
		if i > 0 {
			names += ", "
		}
		names += t.String()
	}
	return names
}
