// Package validate checks RPC parameters against a declared shape before they
// are sent.
package validate

import (
	"fmt"
	"sort"
)

// Shape maps parameter names to the tag their value must satisfy.
type Shape map[string]Tag

// ValidationError names the first offending parameter and the tag it failed.
type ValidationError struct {
	Field    string
	Expected Tag
	Missing  bool
}

func (e *ValidationError) Error() string {
	if e.Missing {
		return fmt.Sprintf("missing mandatory parameter %q (%s)", e.Field, e.Expected)
	}
	return fmt.Sprintf("parameter %q is not a valid %s", e.Field, e.Expected)
}

// Validate requires every field in shape to be present in values and to
// satisfy its tag. values is a map[string]any or a struct with json tags.
func Validate(shape Shape, values any) error {
	return check(shape, values, true)
}

// ValidateOptional only checks the fields of shape that are present.
func ValidateOptional(shape Shape, values any) error {
	return check(shape, values, false)
}

func check(shape Shape, values any, mandatory bool) error {
	var m map[string]any
	if values != nil {
		var ok bool
		m, ok = fields(values)
		if !ok {
			return fmt.Errorf("parameters must be an object, got %T", values)
		}
	}

	names := make([]string, 0, len(shape))
	for name := range shape {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		tag := shape[name]
		p, ok := lookup(tag)
		if !ok {
			return fmt.Errorf("unknown tag %q for parameter %q", tag, name)
		}
		v, present := m[name]
		if !present || v == nil {
			if mandatory {
				return &ValidationError{Field: name, Expected: tag, Missing: true}
			}
			continue
		}
		if !p(v) {
			return &ValidationError{Field: name, Expected: tag}
		}
	}
	return nil
}
