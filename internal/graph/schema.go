package graph

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// DocumentValidator validates a raw graph document against a JSON
// Schema before decoding, catching malformed graphs at load time
// instead of partway through a run.
type DocumentValidator struct {
	schema *jsonschema.Schema
}

// NewDocumentValidator compiles schemaJSON for repeated use.
func NewDocumentValidator(schemaJSON []byte) (*DocumentValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal graph schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("graph.json", doc); err != nil {
		return nil, fmt.Errorf("add graph schema resource: %w", err)
	}
	schema, err := c.Compile("graph.json")
	if err != nil {
		return nil, fmt.Errorf("compile graph schema: %w", err)
	}
	return &DocumentValidator{schema: schema}, nil
}

// Validate checks raw graph-document bytes against the compiled schema.
func (v *DocumentValidator) Validate(raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("unmarshal graph document: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("graph document schema validation: %w", err)
	}
	return nil
}

// DecodeGraphWithSchema validates raw against validator (if non-nil)
// before decoding and compiling it.
func DecodeGraphWithSchema(raw []byte, validator *DocumentValidator) (*Graph, error) {
	if validator != nil {
		if err := validator.Validate(raw); err != nil {
			return nil, err
		}
	}
	return DecodeGraph(raw)
}
