package manifest

import (
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/invopop/jsonschema"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

var (
	cache   = make(map[reflect.Type]*Schema)
	cacheMu sync.RWMutex
)

// FromType builds a parameter schema from a Go params struct, for inline
// fallback specs. Results are cached per type for the process lifetime.
func FromType(t reflect.Type) *Schema {
	cacheMu.RLock()
	s, ok := cache[t]
	cacheMu.RUnlock()
	if ok {
		return s
	}

	s = convert(functionSchema(t))

	cacheMu.Lock()
	cache[t] = s
	cacheMu.Unlock()
	return s
}

// functionSchema reflects the type and flattens the top-level $ref into a
// plain object schema with resolved property definitions.
func functionSchema(t reflect.Type) *jsonschema.Schema {
	r := new(jsonschema.Reflector)

	// Identical struct names from different packages must not collide on the
	// generated $ref name.
	r.Namer = func(t reflect.Type) string {
		name := t.Name()
		if t.Kind() == reflect.Struct {
			full := t.PkgPath() + "/" + t.Name()
			name = t.Name() + "@" + strconv.FormatUint(xxhash.Sum64String(full), 10)
		}
		return name
	}

	reflected := r.ReflectFromType(t)
	rootID := strings.TrimPrefix(reflected.Ref, "#/$defs/")

	defs := make(map[string]*jsonschema.Schema)
	var root *jsonschema.Schema
	for name, def := range reflected.Definitions {
		if name == rootID {
			root = def
		} else {
			defs[name] = def
		}
	}
	if root == nil {
		return reflected
	}

	res := &jsonschema.Schema{
		Type:       root.Type,
		Properties: root.Properties,
		Required:   root.Required,
	}
	resolveRefs(res.Properties, defs)
	return res
}

func resolveRefs(props *orderedmap.OrderedMap[string, *jsonschema.Schema], defs map[string]*jsonschema.Schema) {
	if props == nil {
		return
	}
	for pair := props.Oldest(); pair != nil; pair = pair.Next() {
		child := pair.Value
		if child.Ref != "" {
			if def, ok := defs[strings.TrimPrefix(child.Ref, "#/$defs/")]; ok {
				pair.Value = def
				child = def
			}
		}
		if child.Properties != nil {
			resolveRefs(child.Properties, defs)
		}
		if child.Items != nil && child.Items.Ref != "" {
			if def, ok := defs[strings.TrimPrefix(child.Items.Ref, "#/$defs/")]; ok {
				child.Items = def
			}
		}
	}
}

// convert maps the reflected jsonschema tree onto the manifest subset.
func convert(in *jsonschema.Schema) *Schema {
	if in == nil {
		return nil
	}
	out := &Schema{
		Type:        in.Type,
		Description: in.Description,
		Required:    in.Required,
		Enum:        in.Enum,
	}
	if in.Properties != nil {
		out.Properties = make(map[string]*Schema, in.Properties.Len())
		for pair := in.Properties.Oldest(); pair != nil; pair = pair.Next() {
			out.Properties[pair.Key] = convert(pair.Value)
		}
	}
	if in.Items != nil {
		out.Items = convert(in.Items)
	}
	if in.Minimum != "" {
		if v, err := strconv.ParseFloat(string(in.Minimum), 64); err == nil {
			out.Minimum = &v
		}
	}
	if in.Maximum != "" {
		if v, err := strconv.ParseFloat(string(in.Maximum), 64); err == nil {
			out.Maximum = &v
		}
	}
	return out
}
