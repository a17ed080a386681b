package gene

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Document is the YAML form of a schema together with range and value
// overrides for the resulting manager.
//
// Example:
//
//	root: Root
//	enums:
//	  - name: Color
//	    members: [{name: Red}, {name: Green}, {name: Blue}]
//	schemas:
//	  - name: Root
//	    fields:
//	      - {name: color, type: enum, enum: Color}
//	      - {name: sub, type: schema, schema: Sub, optional: true}
//	  - name: Sub
//	    fields:
//	      - {name: f, type: float}
//	overrides:
//	  - path: sub.f
//	    range: {low: 0, high: 1, step: 0.05}
type Document struct {
	Root      string           `yaml:"root"`
	Enums     []EnumDocument   `yaml:"enums"`
	Schemas   []SchemaDocument `yaml:"schemas"`
	Overrides []Override       `yaml:"overrides"`
}

// EnumDocument declares an enum. Members without a value use their name.
type EnumDocument struct {
	Name    string `yaml:"name"`
	Members []struct {
		Name  string `yaml:"name"`
		Value any    `yaml:"value"`
	} `yaml:"members"`
}

// SchemaDocument declares a schema.
type SchemaDocument struct {
	Name   string          `yaml:"name"`
	Fields []FieldDocument `yaml:"fields"`
}

// FieldDocument declares a field. Enum and Schema name the referenced
// declarations for enum and schema fields.
type FieldDocument struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Optional bool   `yaml:"optional"`
	Enum     string `yaml:"enum"`
	Schema   string `yaml:"schema"`
}

// Override narrows one gene after the manager is built.
type Override struct {
	Path     string     `yaml:"path"`
	Range    *RangeSpec `yaml:"range"`
	Values   []any      `yaml:"values"`
	Optional *bool      `yaml:"optional"`
}

// RangeSpec is the YAML form of a Range: an explicit value list, an integer
// start/stop/step span or a low/high/step band.
type RangeSpec struct {
	Values []float64 `yaml:"values"`
	Start  *int      `yaml:"start"`
	Stop   *int      `yaml:"stop"`
	Low    *float64  `yaml:"low"`
	High   *float64  `yaml:"high"`
	Step   *float64  `yaml:"step"`
}

// Range builds the Range the document describes.
func (r RangeSpec) Range() (Range, error) {
	switch {
	case r.Values != nil:
		return List(r.Values), nil

	case r.Start != nil || r.Stop != nil:
		if r.Start == nil || r.Stop == nil {
			return nil, fmt.Errorf("span needs both start and stop")
		}
		step := 1
		if r.Step != nil {
			step = int(*r.Step)
		}
		return Span{Start: *r.Start, Stop: *r.Stop, Step: step}, nil

	case r.Low != nil || r.High != nil:
		if r.Low == nil || r.High == nil {
			return nil, fmt.Errorf("band needs both low and high")
		}
		var step float64
		if r.Step != nil {
			step = *r.Step
		}
		return Band{Low: *r.Low, High: *r.High, Step: step}, nil
	}
	return nil, fmt.Errorf("range needs values, start/stop or low/high")
}

// ParseSchema decodes a YAML document.
func ParseSchema(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse schema document: %w", err)
	}
	return &doc, nil
}

// LoadSchemaFile reads and decodes a YAML document from path.
func LoadSchemaFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	return ParseSchema(data)
}

// Schema builds the root schema. Schemas referenced more than once share one
// *Schema value.
func (d *Document) Schema() (*Schema, error) {
	enums := make(map[string]*Enum, len(d.Enums))
	for _, ed := range d.Enums {
		if _, dup := enums[ed.Name]; dup {
			return nil, NewSchemaError("", fmt.Sprintf("enum %q declared twice", ed.Name))
		}
		e := &Enum{Name: ed.Name}
		for _, m := range ed.Members {
			value := m.Value
			if value == nil {
				value = m.Name
			}
			e.Members = append(e.Members, EnumMember{Name: m.Name, Value: value})
		}
		enums[ed.Name] = e
	}

	decls := make(map[string]SchemaDocument, len(d.Schemas))
	for _, sd := range d.Schemas {
		if _, dup := decls[sd.Name]; dup {
			return nil, NewSchemaError("", fmt.Sprintf("schema %q declared twice", sd.Name))
		}
		decls[sd.Name] = sd
	}

	b := &schemaBuilder{
		enums:    enums,
		decls:    decls,
		built:    make(map[string]*Schema),
		building: make(map[string]bool),
	}
	if d.Root == "" {
		return nil, NewSchemaError("", "document has no root schema")
	}
	return b.build(d.Root)
}

type schemaBuilder struct {
	enums    map[string]*Enum
	decls    map[string]SchemaDocument
	built    map[string]*Schema
	building map[string]bool
}

func (b *schemaBuilder) build(name string) (*Schema, error) {
	if s, ok := b.built[name]; ok {
		return s, nil
	}
	decl, ok := b.decls[name]
	if !ok {
		return nil, NewSchemaError("", fmt.Sprintf("unknown schema %q", name))
	}
	if b.building[name] {
		return nil, NewSchemaError("", fmt.Sprintf("schema %q contains itself", name))
	}
	b.building[name] = true
	defer delete(b.building, name)

	s := &Schema{Name: name}
	for _, fd := range decl.Fields {
		kind, ok := ParseKind(fd.Type)
		if !ok {
			return nil, NewSchemaError(name+"."+fd.Name, fmt.Sprintf("unknown field type %q", fd.Type))
		}
		field := Field{Name: fd.Name, Kind: kind, Optional: fd.Optional}

		switch kind {
		case KindEnum:
			e, ok := b.enums[fd.Enum]
			if !ok {
				return nil, NewSchemaError(name+"."+fd.Name, fmt.Sprintf("unknown enum %q", fd.Enum))
			}
			field.Enum = e
		case KindSchema:
			nested, err := b.build(fd.Schema)
			if err != nil {
				return nil, err
			}
			field.Schema = nested
		}
		s.Fields = append(s.Fields, field)
	}

	b.built[name] = s
	return s, nil
}

// Apply installs every override on m, in document order.
func (d *Document) Apply(m *Manager) error {
	for _, o := range d.Overrides {
		if err := applyOverride(m, o); err != nil {
			return fmt.Errorf("override %q: %w", o.Path, err)
		}
	}
	return nil
}

func applyOverride(m *Manager, o Override) error {
	if o.Values != nil || o.Optional != nil {
		desc, ok := m.Descriptor(o.Path)
		if !ok {
			return ErrUnknownPath
		}
		if o.Values == nil && !desc.Kind().IsTable() {
			return NewRangeError(o.Path, "optional override on a numeric gene needs values")
		}
		if err := m.SetValues(o.Path, o.Values, o.Optional); err != nil {
			return err
		}
	}

	if o.Range != nil {
		r, err := o.Range.Range()
		if err != nil {
			return NewRangeError(o.Path, err.Error())
		}
		if err := m.SetRange(o.Path, r); err != nil {
			return err
		}
	}
	return nil
}

// Manager builds the schema, creates a manager and applies the overrides.
func (d *Document) Manager(opts ...Option) (*Manager, error) {
	schema, err := d.Schema()
	if err != nil {
		return nil, err
	}
	m, err := NewManager(schema, opts...)
	if err != nil {
		return nil, err
	}
	if err := d.Apply(m); err != nil {
		return nil, err
	}
	return m, nil
}
