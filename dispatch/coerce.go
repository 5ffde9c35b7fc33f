package dispatch

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/effective-security/toolbelt/envelope"
	"github.com/effective-security/toolbelt/manifest"
)

// coerceParams shapes incoming values to the declared schema types where the
// conversion is unambiguous: string↔number, scalar→single-element list,
// JSON-array-string→list, comma-split string→list. Ambiguous or failing
// coercions become validation errors. Keys the schema does not declare pass
// through untouched; Schema.Check decides their fate.
func coerceParams(schema *manifest.Schema, params map[string]any) (map[string]any, error) {
	if schema == nil {
		return params, nil
	}
	out := make(map[string]any, len(params))
	for key, val := range params {
		prop := schema.Property(key)
		if prop == nil || val == nil {
			out[key] = val
			continue
		}
		coerced, err := coerceValue(key, prop, val)
		if err != nil {
			return nil, err
		}
		out[key] = coerced
	}
	return out, nil
}

func coerceValue(field string, prop *manifest.Schema, val any) (any, error) {
	switch prop.Type {
	case "string":
		return coerceString(val), nil
	case "number", "integer":
		return coerceNumber(field, prop.Type, val)
	case "boolean":
		return coerceBool(field, val)
	case "array":
		return coerceList(field, prop, val)
	case "object":
		if nested, ok := val.(map[string]any); ok {
			return coerceParams(prop, nested)
		}
	}
	return val, nil
}

func coerceString(val any) any {
	switch v := val.(type) {
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	}
	return val
}

func coerceNumber(field, typ string, val any) (any, error) {
	str, ok := val.(string)
	if !ok {
		return val, nil
	}
	num, err := strconv.ParseFloat(strings.TrimSpace(str), 64)
	if err != nil {
		return nil, envelope.Validation("parameter %q: cannot interpret %q as a %s", field, str, typ).
			WithField("field", field)
	}
	if typ == "integer" && num != math.Trunc(num) {
		return nil, envelope.Validation("parameter %q: %q is not an integer", field, str).
			WithField("field", field)
	}
	return num, nil
}

func coerceBool(field string, val any) (any, error) {
	str, ok := val.(string)
	if !ok {
		return val, nil
	}
	switch strings.ToLower(strings.TrimSpace(str)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return nil, envelope.Validation("parameter %q: cannot interpret %q as a boolean", field, str).
		WithField("field", field)
}

func coerceList(field string, prop *manifest.Schema, val any) (any, error) {
	var list []any
	switch v := val.(type) {
	case []any:
		list = v
	case []string:
		list = make([]any, len(v))
		for i, s := range v {
			list[i] = s
		}
	case string:
		trimmed := strings.TrimSpace(v)
		if strings.HasPrefix(trimmed, "[") {
			if err := json.Unmarshal([]byte(trimmed), &list); err != nil {
				return nil, envelope.Validation("parameter %q: malformed JSON array", field).
					WithField("field", field)
			}
		} else {
			for _, part := range strings.Split(v, ",") {
				part = strings.TrimSpace(part)
				if part != "" {
					list = append(list, part)
				}
			}
		}
	default:
		// scalar promoted to a single-element list
		list = []any{val}
	}

	if prop.Items != nil {
		for i, item := range list {
			coerced, err := coerceValue(field, prop.Items, item)
			if err != nil {
				return nil, err
			}
			list[i] = coerced
		}
	}
	return list, nil
}
