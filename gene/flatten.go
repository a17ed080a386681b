package gene

import (
	"fmt"
	"reflect"
	"sort"
)

// Gate is an optional nested schema. Its leaves are present or absent
// together.
type Gate struct {
	Path Path
	// Parent is the nearest enclosing gate, nil at top level.
	Parent *Gate
	// Children are the gates nested directly inside this one.
	Children []*Gate
	// Witnesses are the positions of required leaves whose nearest gate is
	// this one. Any of them decoding to null marks the gate absent.
	Witnesses []int
	// Leaves are the positions of leaves whose nearest gate is this one.
	Leaves []int
	// Members are the positions of every leaf below the gate.
	Members []int
}

// Depth is the number of path elements.
func (g *Gate) Depth() int { return len(g.Path) }

type flattener struct {
	descriptors []*Descriptor
	gates       []*Gate
	seen        map[string]struct{}
	visiting    map[*Schema]struct{}
}

// Flatten walks schema depth-first and returns one descriptor per leaf field
// together with the gates, deepest first. Fields are ordered by name inside
// every level so the same schema always yields the same positions.
func Flatten(schema *Schema) ([]*Descriptor, []*Gate, error) {
	if schema == nil {
		return nil, nil, NewSchemaError("", "schema is nil")
	}
	f := &flattener{
		seen:     make(map[string]struct{}),
		visiting: make(map[*Schema]struct{}),
	}
	if err := f.walk(schema, Path{}, false, nil); err != nil {
		return nil, nil, err
	}

	sort.SliceStable(f.gates, func(i, j int) bool {
		return f.gates[i].Depth() > f.gates[j].Depth()
	})
	return f.descriptors, f.gates, nil
}

func (f *flattener) walk(s *Schema, prefix Path, underOptional bool, gate *Gate) error {
	if _, ok := f.visiting[s]; ok {
		return NewSchemaError(prefix.String(), fmt.Sprintf("schema %q contains itself", s.Name))
	}
	f.visiting[s] = struct{}{}
	defer delete(f.visiting, s)

	fields := append([]Field(nil), s.Fields...)
	sort.SliceStable(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })

	for _, field := range fields {
		if field.Name == "" {
			return NewSchemaError(prefix.String(), fmt.Sprintf("schema %q has a field without a name", s.Name))
		}
		path := prefix.Child(field.Name)
		key := path.String()
		if _, dup := f.seen[key]; dup {
			return NewSchemaError(key, "duplicate path")
		}
		f.seen[key] = struct{}{}

		switch field.Kind {
		case KindSchema:
			if field.Schema == nil {
				return NewSchemaError(key, "nested field has no schema")
			}
			inner := gate
			if field.Optional {
				inner = &Gate{Path: path, Parent: gate}
				if gate != nil {
					gate.Children = append(gate.Children, inner)
				}
				f.gates = append(f.gates, inner)
			}
			if err := f.walk(field.Schema, path, underOptional || field.Optional, inner); err != nil {
				return err
			}
			continue

		case KindEnum:
			if err := checkEnum(key, field.Enum); err != nil {
				return err
			}

		case KindBool, KindInt, KindFloat, KindString:

		default:
			return NewSchemaError(key, fmt.Sprintf("unsupported field kind %s", field.Kind))
		}

		if err := f.addLeaf(path, field, underOptional, gate); err != nil {
			return err
		}
	}
	return nil
}

func (f *flattener) addLeaf(path Path, field Field, underOptional bool, gate *Gate) error {
	var gatePath Path
	if gate != nil {
		gatePath = gate.Path
	}
	d, err := newDescriptor(len(f.descriptors), path, field, underOptional, gatePath)
	if err != nil {
		return err
	}
	f.descriptors = append(f.descriptors, d)

	for g := gate; g != nil; g = g.Parent {
		g.Members = append(g.Members, d.position)
	}
	if gate != nil {
		gate.Leaves = append(gate.Leaves, d.position)
		if d.NullableForFilter() {
			gate.Witnesses = append(gate.Witnesses, d.position)
		}
	}
	return nil
}

func checkEnum(key string, e *Enum) error {
	if e == nil {
		return NewSchemaError(key, "enum field has no enum")
	}
	if len(e.Members) == 0 {
		return NewSchemaError(key, fmt.Sprintf("enum %q has no members", e.Name))
	}
	names := make(map[string]struct{}, len(e.Members))
	values := make(map[any]struct{}, len(e.Members))
	for _, m := range e.Members {
		if _, dup := names[m.Name]; dup {
			return NewSchemaError(key, fmt.Sprintf("enum %q repeats member %q", e.Name, m.Name))
		}
		names[m.Name] = struct{}{}
		if m.Value == nil || !reflect.TypeOf(m.Value).Comparable() {
			return NewSchemaError(key, fmt.Sprintf("enum %q member %q needs a comparable value", e.Name, m.Name))
		}
		if _, dup := values[m.Value]; dup {
			return NewSchemaError(key, fmt.Sprintf("enum %q member %q repeats value %v", e.Name, m.Name, m.Value))
		}
		values[m.Value] = struct{}{}
	}
	return nil
}
