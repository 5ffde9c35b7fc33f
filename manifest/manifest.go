// Package manifest holds the per-tool specs: declared name, display name,
// natural-language description, and the parameter schema describing the
// tool's callable surface.
//
// Each tool ships a JSON document under `tool_specs/<tool_name>.json`:
//
//	{"type": "function", "function": {"name", "displayName", "description", "parameters"}}
//
// YAML documents with the same shape are accepted as `<tool_name>.yaml`.
// Absence of the file triggers the tool's minimal inline fallback, which must
// declare at minimum `operation` as required.
package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolbelt", "manifest")

var validate = validator.New()

// ToolSpec is the manifest for one tool. Immutable after load.
type ToolSpec struct {
	Name        string  `json:"name" yaml:"name" validate:"required"`
	DisplayName string  `json:"displayName,omitempty" yaml:"displayName,omitempty"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters  *Schema `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Schema is the JSON Schema subset supported by tool manifests: object,
// string, number, integer, boolean, array, enums, required,
// additionalProperties and numeric bounds. It is a structural description,
// not executable code.
type Schema struct {
	Type        string             `json:"type,omitempty" yaml:"type,omitempty"`
	Description string             `json:"description,omitempty" yaml:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty" yaml:"properties,omitempty"`
	Items       *Schema            `json:"items,omitempty" yaml:"items,omitempty"`
	Enum        []any              `json:"enum,omitempty" yaml:"enum,omitempty"`
	Required    []string           `json:"required,omitempty" yaml:"required,omitempty"`
	// AdditionalProperties defaults to tolerant (nil): callers may pass keys
	// the schema does not know.
	AdditionalProperties *bool    `json:"additionalProperties,omitempty" yaml:"additionalProperties,omitempty"`
	Minimum              *float64 `json:"minimum,omitempty" yaml:"minimum,omitempty"`
	Maximum              *float64 `json:"maximum,omitempty" yaml:"maximum,omitempty"`
}

// Property returns the schema for a declared parameter, or nil.
func (s *Schema) Property(name string) *Schema {
	if s == nil || s.Properties == nil {
		return nil
	}
	return s.Properties[name]
}

// IsRequired reports whether the parameter is in the required list.
func (s *Schema) IsRequired(name string) bool {
	if s == nil {
		return false
	}
	for _, r := range s.Required {
		if r == name {
			return true
		}
	}
	return false
}

// document is the on-disk wrapper shape.
type document struct {
	Type     string   `json:"type" yaml:"type"`
	Function ToolSpec `json:"function" yaml:"function"`
}

// Load reads the manifest document for a tool from the spec directory.
func Load(dir, name string) (*ToolSpec, error) {
	jsonPath := filepath.Join(dir, name+".json")
	if bs, err := os.ReadFile(jsonPath); err == nil {
		return parseDocument(bs, json.Unmarshal, jsonPath)
	}
	yamlPath := filepath.Join(dir, name+".yaml")
	if bs, err := os.ReadFile(yamlPath); err == nil {
		return parseDocument(bs, yaml.Unmarshal, yamlPath)
	}
	return nil, errors.Newf("no manifest document for tool %q in %s", name, dir)
}

// LoadOrFallback reads the on-disk manifest, falling back to the supplied
// inline spec when the document is missing or malformed.
func LoadOrFallback(dir, name string, fallback *ToolSpec) *ToolSpec {
	spec, err := Load(dir, name)
	if err != nil {
		logger.KV(xlog.DEBUG, "tool", name, "reason", "manifest fallback", "err", err.Error())
		return fallback
	}
	return spec
}

func parseDocument(bs []byte, unmarshal func([]byte, any) error, path string) (*ToolSpec, error) {
	var doc document
	if err := unmarshal(bs, &doc); err != nil {
		return nil, errors.Wrapf(err, "failed to parse manifest %s", path)
	}
	if doc.Type != "function" {
		return nil, errors.Newf("manifest %s: unsupported document type %q", path, doc.Type)
	}
	if err := validate.Struct(doc.Function); err != nil {
		return nil, errors.Wrapf(err, "invalid manifest %s", path)
	}
	return &doc.Function, nil
}
