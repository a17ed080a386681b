package gene

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

const colorDocument = `
root: Root
enums:
  - name: Color
    members: [{name: Red}, {name: Green}, {name: Blue}]
  - name: Size
    members:
      - {name: small, value: 1}
      - {name: large, value: 8}
schemas:
  - name: Root
    fields:
      - {name: color, type: enum, enum: Color}
      - {name: size, type: enum, enum: Size, optional: true}
      - {name: sub, type: schema, schema: Sub, optional: true}
  - name: Sub
    fields:
      - {name: f, type: float}
      - {name: n, type: int}
overrides:
  - path: sub.f
    range: {low: 0, high: 1, step: 0.05}
  - path: sub.n
    range: {start: 1, stop: 4}
  - path: color
    values: [Red, Blue]
`

// TestParseSchema tests building a manager from YAML
func TestParseSchema(t *testing.T) {
	doc, err := ParseSchema([]byte(colorDocument))
	if err != nil {
		t.Fatalf("ParseSchema failed: %v", err)
	}
	m, err := doc.Manager()
	if err != nil {
		t.Fatalf("Manager failed: %v", err)
	}

	if m.Len() != 4 {
		t.Fatalf("expected 4 genes, got %d", m.Len())
	}
	if m.Epoch() != 3 {
		t.Errorf("expected 3 overrides to advance the epoch to 3, got %d", m.Epoch())
	}

	f, _ := m.Descriptor("sub.f")
	band, ok := f.Range().(Band)
	if !ok || band.Step != 0.05 {
		t.Errorf("expected band with step 0.05, got %v", f.Range())
	}
	n, _ := m.Descriptor("sub.n")
	if span, ok := n.Range().(Span); !ok || span.Start != 1 || span.Stop != 4 || span.Step != 1 {
		t.Errorf("expected span 1..4, got %v", n.Range())
	}
	color, _ := m.Descriptor("color")
	if color.Table().Len() != 2 {
		t.Errorf("expected 2 colors after override, got %d", color.Table().Len())
	}

	want := Args{"color": "Red", "size": 8, "sub": map[string]any{"f": 0.35, "n": 2}}
	vec, err := m.ArgsToVector(want)
	if err != nil {
		t.Fatalf("ArgsToVector failed: %v", err)
	}
	got, err := m.VectorToArgs(vec)
	if err != nil {
		t.Fatalf("VectorToArgs failed: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip mismatch: got %v, want %v", got, want)
	}
}

// TestLoadSchemaFile tests reading a document from disk
func TestLoadSchemaFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")
	if err := os.WriteFile(path, []byte(colorDocument), 0o600); err != nil {
		t.Fatalf("failed to write schema: %v", err)
	}

	doc, err := LoadSchemaFile(path)
	if err != nil {
		t.Fatalf("LoadSchemaFile failed: %v", err)
	}
	schema, err := doc.Schema()
	if err != nil {
		t.Fatalf("Schema failed: %v", err)
	}
	if schema.Name != "Root" || len(schema.Fields) != 3 {
		t.Errorf("unexpected root schema %+v", schema)
	}

	if _, err := LoadSchemaFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

// TestDocumentErrors tests invalid documents
func TestDocumentErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no root", "schemas: [{name: A, fields: [{name: x, type: int}]}]"},
		{"unknown root", "root: B\nschemas: [{name: A, fields: [{name: x, type: int}]}]"},
		{"unknown type", "root: A\nschemas: [{name: A, fields: [{name: x, type: decimal}]}]"},
		{"unknown enum", "root: A\nschemas: [{name: A, fields: [{name: x, type: enum, enum: E}]}]"},
		{"cycle", "root: A\nschemas: [{name: A, fields: [{name: a, type: schema, schema: A}]}]"},
		{"duplicate schema", "root: A\nschemas: [{name: A, fields: []}, {name: A, fields: []}]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := ParseSchema([]byte(tt.yaml))
			if err != nil {
				t.Fatalf("ParseSchema failed: %v", err)
			}
			_, err = doc.Schema()
			var schemaErr *SchemaError
			if !errors.As(err, &schemaErr) {
				t.Errorf("expected SchemaError, got %v", err)
			}
		})
	}
}

// TestDocumentOverrideErrors tests overrides that cannot be applied
func TestDocumentOverrideErrors(t *testing.T) {
	base := "root: A\nschemas: [{name: A, fields: [{name: x, type: int}]}]\n"
	tests := []struct {
		name      string
		overrides string
		target    error
	}{
		{"unknown path", "overrides: [{path: y, range: {start: 0, stop: 2}}]", ErrUnknownPath},
		{"open span", "overrides: [{path: x, range: {start: 0}}]", nil},
		{"optional without values", "overrides: [{path: x, optional: true}]", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := ParseSchema([]byte(base + tt.overrides))
			if err != nil {
				t.Fatalf("ParseSchema failed: %v", err)
			}
			_, err = doc.Manager()
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.target != nil && !errors.Is(err, tt.target) {
				t.Errorf("expected %v, got %v", tt.target, err)
			}
		})
	}
}
