package registry

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema is a compiled JSON Schema for task payloads.
type Schema struct {
	raw    json.RawMessage
	schema *jsonschema.Schema
}

// CompileSchema compiles raw under a resource name derived from slug.
func CompileSchema(slug string, raw json.RawMessage) (*Schema, error) {
	// UnmarshalJSON keeps numbers as json.Number, which the validator requires.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal payload schema: %w", err)
	}
	name := "mem://taskd/agents/" + slug + "/payload.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile payload schema: %w", err)
	}
	return &Schema{raw: raw, schema: sch}, nil
}

// Validate checks payload against the schema. A nil Schema accepts anything.
func (s *Schema) Validate(payload json.RawMessage) error {
	if s == nil {
		return nil
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := s.schema.Validate(inst); err != nil {
		return fmt.Errorf("payload does not match schema: %w", err)
	}
	return nil
}

func (s *Schema) Raw() json.RawMessage {
	if s == nil {
		return nil
	}
	return s.raw
}
