package rules

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type car struct {
	Make            string  `rules:"make"`
	Year            int     `rules:"year"`
	TurningDiameter float64 `rules:"turningDiameter"`
	Transmission    string
}

// TestObjectFromStruct verifies struct fields become properties named by their tag
func TestObjectFromStruct(t *testing.T) {
	want := BusinessObject{
		"make":            "Ford Motor Company",
		"year":            1969,
		"turningDiameter": 37.6,
		"Transmission":    "Manual",
	}

	for name, in := range map[string]any{
		"value":   car{Make: "Ford Motor Company", Year: 1969, TurningDiameter: 37.6, Transmission: "Manual"},
		"pointer": &car{Make: "Ford Motor Company", Year: 1969, TurningDiameter: 37.6, Transmission: "Manual"},
	} {
		t.Run(name, func(t *testing.T) {
			got, err := ObjectFromStruct(in)
			if err != nil {
				t.Fatalf("ObjectFromStruct() error = %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("ObjectFromStruct() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// TestObjectFromStructEvaluates runs a query against a converted struct
func TestObjectFromStructEvaluates(t *testing.T) {
	object, err := ObjectFromStruct(car{Make: "Ford", Year: 1969, TurningDiameter: 37.6})
	if err != nil {
		t.Fatalf("ObjectFromStruct() error = %v", err)
	}

	en := NewEngine(PropertyTypeMap{"make": Text, "year": Integer, "turningDiameter": Float})
	ok, err := en.Execute(object, And(NewRule("make", "=", "ford"), NewRule("turningDiameter", "<=", "38")))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !ok {
		t.Error("Expected converted struct to match")
	}
}

// TestObjectFromStructErrors verifies inputs that cannot become an object
func TestObjectFromStructErrors(t *testing.T) {
	if _, err := ObjectFromStruct(nil); !errors.Is(err, ErrNilBusinessObject) {
		t.Errorf("ObjectFromStruct(nil) error = %v, want %v", err, ErrNilBusinessObject)
	}
	if _, err := ObjectFromStruct(42); err == nil {
		t.Error("Expected error for a non-struct value")
	}
}
