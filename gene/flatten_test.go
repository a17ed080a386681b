package gene

import (
	"errors"
	"testing"
)

func nestedGateSchema() *Schema {
	leaf := NewSchema("Leaf", Int("k"))
	mid := NewSchema("Mid",
		Float("w"),
		Nested("leaf", leaf).AsOptional(),
	)
	return NewSchema("Root",
		Nested("mid", mid).AsOptional(),
		Bool("on"),
	)
}

// TestFlattenPositions tests that positions follow sorted field names
func TestFlattenPositions(t *testing.T) {
	descriptors, _, err := Flatten(nestedGateSchema())
	if err != nil {
		t.Fatalf("Flatten failed: %v", err)
	}

	want := []string{"mid.leaf.k", "mid.w", "on"}
	if len(descriptors) != len(want) {
		t.Fatalf("expected %d descriptors, got %d", len(want), len(descriptors))
	}
	for i, d := range descriptors {
		if d.Position() != i {
			t.Errorf("descriptor %s: expected position %d, got %d", d.Path(), i, d.Position())
		}
		if d.Path().String() != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], d.Path())
		}
	}
}

// TestFlattenGates tests gate discovery and witness assignment
func TestFlattenGates(t *testing.T) {
	descriptors, gates, err := Flatten(nestedGateSchema())
	if err != nil {
		t.Fatalf("Flatten failed: %v", err)
	}

	if len(gates) != 2 {
		t.Fatalf("expected 2 gates, got %d", len(gates))
	}
	inner, outer := gates[0], gates[1]
	if inner.Path.String() != "mid.leaf" || outer.Path.String() != "mid" {
		t.Fatalf("expected deepest gate first, got %s then %s", inner.Path, outer.Path)
	}
	if inner.Parent != outer {
		t.Error("expected mid to be the parent of mid.leaf")
	}
	if len(outer.Children) != 1 || outer.Children[0] != inner {
		t.Errorf("expected mid.leaf as the only child of mid, got %d children", len(outer.Children))
	}

	if len(outer.Witnesses) != 1 || outer.Witnesses[0] != 1 {
		t.Errorf("expected mid.w as the witness of mid, got %v", outer.Witnesses)
	}
	if len(inner.Witnesses) != 1 || inner.Witnesses[0] != 0 {
		t.Errorf("expected mid.leaf.k as the witness of mid.leaf, got %v", inner.Witnesses)
	}
	if len(outer.Members) != 2 {
		t.Errorf("expected mid to cover 2 leaves, got %v", outer.Members)
	}

	k := descriptors[0]
	if !k.Gate().Equal(Path{"mid", "leaf"}) {
		t.Errorf("expected nearest gate mid.leaf, got %s", k.Gate())
	}
	if !k.UnderOptional() || !k.NullableForFilter() {
		t.Error("expected mid.leaf.k to be nullable for filter")
	}
	if on := descriptors[2]; on.Gate() != nil || on.Nullable() {
		t.Error("expected top-level required field outside every gate")
	}
}

// TestFlattenOptionalLeavesAreNotWitnesses tests that declared optional
// leaves never decide presence
func TestFlattenOptionalLeavesAreNotWitnesses(t *testing.T) {
	schema := NewSchema("Root",
		Nested("opt", NewSchema("Opt", Float("x").AsOptional())).AsOptional(),
	)
	_, gates, err := Flatten(schema)
	if err != nil {
		t.Fatalf("Flatten failed: %v", err)
	}
	if len(gates[0].Witnesses) != 0 {
		t.Errorf("expected no witnesses, got %v", gates[0].Witnesses)
	}
	if len(gates[0].Leaves) != 1 {
		t.Errorf("expected one leaf, got %v", gates[0].Leaves)
	}
}

// TestFlattenSchemaErrors tests rejected schemas
func TestFlattenSchemaErrors(t *testing.T) {
	cyclic := NewSchema("Cyclic", Int("n"))
	cyclic.Add(Nested("self", cyclic))

	tests := []struct {
		name   string
		schema *Schema
	}{
		{"nil schema", nil},
		{"cyclic schema", cyclic},
		{"duplicate field", NewSchema("Dup", Int("a"), Float("a"))},
		{"unnamed field", NewSchema("Blank", Int(""))},
		{"nested without schema", NewSchema("Bad", Field{Name: "x", Kind: KindSchema})},
		{"enum without members", NewSchema("Bad", EnumOf("e", NewEnum("E")))},
		{"enum repeats member", NewSchema("Bad", EnumOf("e", NewEnum("E", "a", "a")))},
		{"unknown kind", NewSchema("Bad", Field{Name: "x", Kind: Kind(42)})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Flatten(tt.schema)
			var schemaErr *SchemaError
			if !errors.As(err, &schemaErr) {
				t.Errorf("expected SchemaError, got %v", err)
			}
		})
	}
}

// TestFlattenSharedSchema tests a schema referenced twice
func TestFlattenSharedSchema(t *testing.T) {
	point := NewSchema("Point", Float("x"), Float("y"))
	schema := NewSchema("Segment", Nested("from", point), Nested("to", point))

	descriptors, gates, err := Flatten(schema)
	if err != nil {
		t.Fatalf("Flatten failed: %v", err)
	}
	if len(descriptors) != 4 {
		t.Errorf("expected 4 descriptors, got %d", len(descriptors))
	}
	if len(gates) != 0 {
		t.Errorf("expected no gates, got %d", len(gates))
	}
}
