package node

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaRegistry compiles and caches a JSON Schema per node kind, and
// validates Draft/Patch `data` payloads against it. Kinds with no
// registered schema round-trip their data unvalidated (spec §4.5: schema
// validation is opt-in per kind).
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewSchemaRegistry returns an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]*jsonschema.Schema)}
}

// Register compiles schemaJSON and associates it with kind, replacing any
// schema previously registered for that kind.
func (r *SchemaRegistry) Register(kind string, schemaJSON []byte) error {
	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("%w: decoding schema for kind %q: %v", ErrInvalidInput, kind, err)
	}
	resource := "mem://" + kind + ".schema.json"
	if err := compiler.AddResource(resource, doc); err != nil {
		return fmt.Errorf("%w: registering schema for kind %q: %v", ErrInvalidInput, kind, err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return fmt.Errorf("%w: compiling schema for kind %q: %v", ErrInvalidInput, kind, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[kind] = schema
	return nil
}

// Validate checks data against the schema registered for kind, if any. A
// kind with no registered schema always passes.
func (r *SchemaRegistry) Validate(kind string, data json.RawMessage) error {
	if len(data) == 0 {
		return nil
	}

	r.mu.RLock()
	schema, ok := r.schemas[kind]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("%w: data is not valid JSON: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: data for kind %q failed schema validation: %v", ErrInvalidInput, kind, err)
	}
	return nil
}
