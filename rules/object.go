package rules

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// ObjectFromStruct flattens a struct (or map) into a BusinessObject.
// Property names come from the `rules` struct tag, falling back to the field name.
func ObjectFromStruct(v any) (BusinessObject, error) {
	if v == nil {
		return nil, ErrNilBusinessObject
	}

	out := map[string]any{}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "rules",
		Result:  &out,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := dec.Decode(v); err != nil {
		return nil, fmt.Errorf("failed to decode business object: %w", err)
	}
	return BusinessObject(out), nil
}
