// Package schema compiles and applies the JSON schemas a machine definition
// declares for its initial context and inbound event payloads.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrSchemaViolation is the sentinel every validation failure wraps.
var ErrSchemaViolation = errors.New("schema violation")

// ViolationError reports which schema rejected which instance location.
type ViolationError struct {
	Schema string
	Reason string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("schema violation: %s: %s", e.Schema, e.Reason)
}

func (e *ViolationError) Unwrap() error { return ErrSchemaViolation }

// ErrorName returns the taxonomy name used in error envelopes.
func (e *ViolationError) ErrorName() string { return "SchemaViolation" }

// Schema is a compiled JSON schema plus the source it was compiled from. The
// source travels with machine definitions; the compiled form never does.
// A Schema with empty source accepts every instance.
type Schema struct {
	name     string
	source   string
	compiled *jsonschema.Schema
}

// Compile compiles a JSON schema source. An empty source yields an
// accept-everything schema, which is how absent schema declarations behave.
func Compile(name, source string) (*Schema, error) {
	s := &Schema{name: name, source: source}
	if strings.TrimSpace(source) == "" {
		return s, nil
	}
	c := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := c.AddResource(url, strings.NewReader(source)); err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	s.compiled = compiled
	return s, nil
}

// MustCompile compiles or panics. Intended for machine definition literals.
func MustCompile(name, source string) *Schema {
	s, err := Compile(name, source)
	if err != nil {
		panic(err)
	}
	return s
}

// Name returns the schema's registry name.
func (s *Schema) Name() string { return s.name }

// Source returns the original schema source.
func (s *Schema) Source() string { return s.source }

// Validate checks data against the schema. Data is normalized through a JSON
// round trip first so Go-native values (ints, structs, typed slices) validate
// the same as values decoded off the wire.
func (s *Schema) Validate(data map[string]interface{}) error {
	if s == nil || s.compiled == nil {
		return nil
	}
	instance, err := normalize(data)
	if err != nil {
		return &ViolationError{Schema: s.name, Reason: err.Error()}
	}
	if err := s.compiled.Validate(instance); err != nil {
		return &ViolationError{Schema: s.name, Reason: reason(err)}
	}
	return nil
}

func normalize(data map[string]interface{}) (interface{}, error) {
	if data == nil {
		data = map[string]interface{}{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var instance interface{}
	if err := json.Unmarshal(raw, &instance); err != nil {
		return nil, err
	}
	return instance, nil
}

// reason flattens a jsonschema validation error into one compact line,
// keeping the deepest cause which names the offending location.
func reason(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	loc := leaf.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("%s: %s", loc, leaf.Message)
}

// Registry holds the named schemas of one machine version.
type Registry struct {
	schemas map[string]*Schema
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*Schema)}
}

// Add compiles and stores a schema under name, replacing any previous one.
func (r *Registry) Add(name, source string) error {
	s, err := Compile(name, source)
	if err != nil {
		return err
	}
	r.schemas[name] = s
	return nil
}

// Get returns the schema registered under name.
func (r *Registry) Get(name string) (*Schema, bool) {
	s, ok := r.schemas[name]
	return s, ok
}

// Validate applies the named schema to data. An unregistered name accepts
// everything, matching absent schema declarations.
func (r *Registry) Validate(name string, data map[string]interface{}) error {
	s, ok := r.schemas[name]
	if !ok {
		return nil
	}
	return s.Validate(data)
}
