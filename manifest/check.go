package manifest

import (
	"fmt"
	"math"

	"github.com/effective-security/toolbelt/envelope"
)

// Check validates already-coerced params against the schema. Violations are
// reported as validation errors naming the failing field.
func (s *Schema) Check(params map[string]any) error {
	if s == nil {
		return nil
	}

	for _, req := range s.Required {
		if _, ok := params[req]; !ok {
			return envelope.Validation("missing required parameter %q", req).
				WithField("field", req)
		}
	}

	if s.AdditionalProperties != nil && !*s.AdditionalProperties {
		for key := range params {
			if s.Property(key) == nil {
				return envelope.Validation("unknown parameter %q", key).
					WithField("field", key).
					WithHint("the schema declares additionalProperties: false")
			}
		}
	}

	for key, val := range params {
		prop := s.Property(key)
		if prop == nil {
			continue
		}
		if err := prop.checkValue(key, val); err != nil {
			return err
		}
	}
	return nil
}

func (s *Schema) checkValue(field string, val any) error {
	if val == nil {
		return nil
	}

	switch s.Type {
	case "string":
		str, ok := val.(string)
		if !ok {
			return typeError(field, "string", val)
		}
		return s.checkEnum(field, str)
	case "number", "integer":
		num, ok := asFloat(val)
		if !ok {
			return typeError(field, s.Type, val)
		}
		if s.Type == "integer" && num != math.Trunc(num) {
			return envelope.Validation("parameter %q must be an integer, got %v", field, val).
				WithField("field", field)
		}
		if s.Minimum != nil && num < *s.Minimum {
			return envelope.Validation("parameter %q is below the minimum %v", field, *s.Minimum).
				WithField("field", field)
		}
		if s.Maximum != nil && num > *s.Maximum {
			return envelope.Validation("parameter %q is above the maximum %v", field, *s.Maximum).
				WithField("field", field)
		}
		return s.checkEnum(field, num)
	case "boolean":
		if _, ok := val.(bool); !ok {
			return typeError(field, "boolean", val)
		}
	case "array":
		list, ok := val.([]any)
		if !ok {
			return typeError(field, "array", val)
		}
		if s.Items != nil {
			for i, item := range list {
				if err := s.Items.checkValue(fmt.Sprintf("%s[%d]", field, i), item); err != nil {
					return err
				}
			}
		}
	case "object":
		obj, ok := val.(map[string]any)
		if !ok {
			return typeError(field, "object", val)
		}
		return s.Check(obj)
	}
	return nil
}

func (s *Schema) checkEnum(field string, val any) error {
	if len(s.Enum) == 0 {
		return nil
	}
	for _, allowed := range s.Enum {
		if enumEqual(allowed, val) {
			return nil
		}
	}
	return envelope.Validation("parameter %q must be one of %v, got %v", field, s.Enum, val).
		WithField("field", field)
}

func enumEqual(allowed, val any) bool {
	if allowed == val {
		return true
	}
	// JSON decoding yields float64 for every number; enum literals may have
	// been declared as ints in Go fallback specs.
	af, aok := asFloat(allowed)
	vf, vok := asFloat(val)
	return aok && vok && af == vf
}

func asFloat(val any) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func typeError(field, want string, got any) error {
	return envelope.Validation("parameter %q must be a %s, got %T", field, want, got).
		WithField("field", field)
}
