package graph_test

import (
	"testing"

	"github.com/basket/goclawd/internal/graph"
)

const minimalGraphSchema = `{
	"type": "object",
	"required": ["Nodes"],
	"properties": {
		"Nodes": {
			"type": "array",
			"minItems": 1
		}
	}
}`

func TestDocumentValidatorRejectsSchemaViolation(t *testing.T) {
	v, err := graph.NewDocumentValidator([]byte(minimalGraphSchema))
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}
	if err := v.Validate([]byte(`{"Nodes": []}`)); err == nil {
		t.Fatalf("expected an empty Nodes array to violate minItems")
	}
	if err := v.Validate([]byte(`{}`)); err == nil {
		t.Fatalf("expected a document missing Nodes to fail required check")
	}
}

func TestDocumentValidatorAcceptsValidDocument(t *testing.T) {
	v, err := graph.NewDocumentValidator([]byte(minimalGraphSchema))
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}
	doc := []byte(`{"Nodes": [{"ID": "input_start", "Type": "input_start"}]}`)
	if err := v.Validate(doc); err != nil {
		t.Fatalf("expected a valid document to pass, got %v", err)
	}
}

func TestDecodeGraphWithSchemaRejectsInvalidDocumentBeforeDecoding(t *testing.T) {
	v, err := graph.NewDocumentValidator([]byte(minimalGraphSchema))
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}
	_, err = graph.DecodeGraphWithSchema([]byte(`{"Nodes": []}`), v)
	if err == nil {
		t.Fatalf("expected schema validation to reject the document before decode")
	}
}

func TestDecodeGraphWithSchemaDecodesAndCompilesValidDocument(t *testing.T) {
	v, err := graph.NewDocumentValidator([]byte(minimalGraphSchema))
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}
	doc := []byte(`{"Nodes": [{"ID": "input_start", "Type": "input_start"}]}`)
	g, err := graph.DecodeGraphWithSchema(doc, v)
	if err != nil {
		t.Fatalf("decode with schema: %v", err)
	}
	if g.EntryID() != "input_start" {
		t.Fatalf("expected the decoded graph to be compiled, entry id = %q", g.EntryID())
	}
}

func TestDecodeGraphWithSchemaSkipsValidationWhenNilValidator(t *testing.T) {
	doc := []byte(`{"Nodes": [{"ID": "input_start", "Type": "input_start"}]}`)
	g, err := graph.DecodeGraphWithSchema(doc, nil)
	if err != nil {
		t.Fatalf("decode with nil validator: %v", err)
	}
	if g.EntryID() != "input_start" {
		t.Fatalf("expected entry id input_start, got %q", g.EntryID())
	}
}
