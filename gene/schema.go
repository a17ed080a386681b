package gene

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Kind specifies the domain of a schema field.
type Kind int

const (
	// KindBool is a true/false flag.
	KindBool Kind = iota + 1
	// KindInt is a bounded integer.
	KindInt
	// KindFloat is a bounded float.
	KindFloat
	// KindString is an open, growable set of strings.
	KindString
	// KindEnum is a closed, named set of values.
	KindEnum
	// KindSchema is a nested schema.
	KindSchema
)

var kindNames = map[Kind]string{
	KindBool:   "bool",
	KindInt:    "int",
	KindFloat:  "float",
	KindString: "string",
	KindEnum:   "enum",
	KindSchema: "schema",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// IsTable reports whether values of this kind are stored as indices into a
// value registry instead of being carried as numbers.
func (k Kind) IsTable() bool {
	return k == KindBool || k == KindEnum || k == KindString
}

// ParseKind maps a kind name ("bool", "int", ...) back to its Kind.
func ParseKind(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == strings.ToLower(name) {
			return k, true
		}
	}
	return 0, false
}

// Path is the ordered list of field names from the schema root to a field.
type Path []string

// ParsePath splits a dotted path ("horizontal.alpha").
func ParsePath(s string) Path {
	if s == "" {
		return Path{}
	}
	return Path(strings.Split(s, "."))
}

func (p Path) String() string {
	return strings.Join(p, ".")
}

// Child returns a copy of p extended by name.
func (p Path) Child(name string) Path {
	child := make(Path, len(p)+1)
	copy(child, p)
	child[len(p)] = name
	return child
}

// HasPrefix reports whether prefix is a strict ancestor of p.
func (p Path) HasPrefix(prefix Path) bool {
	if len(p) <= len(prefix) {
		return false
	}
	for i := range prefix {
		if p[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Equal reports whether both paths name the same field.
func (p Path) Equal(other Path) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// EnumMember is one named member of an Enum. Value is what decoded
// configurations carry; it must be comparable.
type EnumMember struct {
	Name  string
	Value any
}

// Enum is a closed set of named values.
type Enum struct {
	Name    string
	Members []EnumMember
}

// NewEnum creates an enum whose member values are the member names.
func NewEnum(name string, members ...string) *Enum {
	e := &Enum{Name: name, Members: make([]EnumMember, 0, len(members))}
	for _, m := range members {
		e.Members = append(e.Members, EnumMember{Name: m, Value: m})
	}
	return e
}

// NewEnumMembers creates an enum from explicit members.
func NewEnumMembers(name string, members ...EnumMember) *Enum {
	return &Enum{Name: name, Members: append([]EnumMember(nil), members...)}
}

// sortedMembers returns the members ordered by name, which fixes the table
// index of every member independent of declaration order.
func (e *Enum) sortedMembers() []EnumMember {
	members := append([]EnumMember(nil), e.Members...)
	sort.SliceStable(members, func(i, j int) bool {
		return members[i].Name < members[j].Name
	})
	return members
}

// Lookup finds a member by value or, failing that, by name.
func (e *Enum) Lookup(v any) (EnumMember, bool) {
	if v == nil {
		return EnumMember{}, false
	}
	if reflect.TypeOf(v).Comparable() {
		for _, m := range e.Members {
			if reflect.TypeOf(m.Value) == reflect.TypeOf(v) && m.Value == v {
				return m, true
			}
		}
	}
	if name, ok := v.(string); ok {
		for _, m := range e.Members {
			if m.Name == name {
				return m, true
			}
		}
	}
	return EnumMember{}, false
}

// Field is one named entry of a Schema.
type Field struct {
	Name     string
	Kind     Kind
	Optional bool
	Enum     *Enum
	Schema   *Schema
}

// Bool declares a required boolean field.
func Bool(name string) Field { return Field{Name: name, Kind: KindBool} }

// Int declares a required integer field.
func Int(name string) Field { return Field{Name: name, Kind: KindInt} }

// Float declares a required float field.
func Float(name string) Field { return Field{Name: name, Kind: KindFloat} }

// String declares a required open string field.
func String(name string) Field { return Field{Name: name, Kind: KindString} }

// EnumOf declares a required enumeration field.
func EnumOf(name string, e *Enum) Field {
	return Field{Name: name, Kind: KindEnum, Enum: e}
}

// Nested declares a required nested schema.
func Nested(name string, s *Schema) Field {
	return Field{Name: name, Kind: KindSchema, Schema: s}
}

// AsOptional returns a copy of the field that may be absent.
func (f Field) AsOptional() Field {
	f.Optional = true
	return f
}

// Schema is a static, declarative description of a configuration shape.
//
// Example:
//
//	sub := gene.NewSchema("Sub", gene.Float("f"))
//	root := gene.NewSchema("Root",
//	    gene.EnumOf("color", gene.NewEnum("Color", "Red", "Green", "Blue")),
//	    gene.Nested("sub", sub).AsOptional(),
//	)
type Schema struct {
	Name   string
	Fields []Field
}

// NewSchema creates a schema from fields.
func NewSchema(name string, fields ...Field) *Schema {
	return &Schema{Name: name, Fields: append([]Field(nil), fields...)}
}

// Add appends fields and returns the schema for chaining.
func (s *Schema) Add(fields ...Field) *Schema {
	s.Fields = append(s.Fields, fields...)
	return s
}
