// Package gene encodes nested, optional-field configurations as fixed-length
// numeric vectors for genetic optimizers, and decodes them back.
//
// A Schema is flattened once into ordered Descriptors, one per leaf field.
// The Manager converts configurations (Args) to vectors and back, samples
// random vectors, and keeps optional sub-schemas ("gates") atomic: a decoded
// configuration either carries a whole sub-schema or omits its key.
//
// Example:
//
//	color := gene.NewEnum("Color", "Red", "Green", "Blue")
//	schema := gene.NewSchema("Root",
//	    gene.EnumOf("color", color),
//	    gene.Nested("sub", gene.NewSchema("Sub", gene.Float("f"))).AsOptional(),
//	)
//	m, err := gene.NewManager(schema)
//	vec, err := m.ArgsToVector(gene.Args{"color": "Green"})
//	args, err := m.VectorToArgs(vec) // {"color": "Green"}
//
// A Manager is not safe for concurrent use while it is being configured.
// Finish every SetRange/SetValues call and Seal the manager before vectors
// are produced; every mutation advances Epoch and vectors from an earlier
// epoch must be re-encoded, not decoded.
package gene

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"
)

// Presence is the decided state of an optional sub-schema.
type Presence uint8

const (
	// Absent means the sub-schema is omitted entirely.
	Absent Presence = iota
	// Present means the sub-schema is materialized.
	Present
)

func (p Presence) String() string {
	if p == Present {
		return "present"
	}
	return "absent"
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for configuration changes and value
// table growth.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// Manager holds the flattened descriptors of a schema and converts between
// configurations and gene vectors.
type Manager struct {
	descriptors []*Descriptor
	byPath      map[string]*Descriptor
	gates       []*Gate
	gateByPath  map[string]*Gate
	epoch       uint64
	sealed      bool
	logger      *slog.Logger
}

// NewManager flattens schema and returns a manager in its configuration
// phase.
func NewManager(schema *Schema, opts ...Option) (*Manager, error) {
	descriptors, gates, err := Flatten(schema)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		descriptors: descriptors,
		byPath:      make(map[string]*Descriptor, len(descriptors)),
		gates:       gates,
		gateByPath:  make(map[string]*Gate, len(gates)),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}

	for _, d := range descriptors {
		key := d.path.String()
		if _, dup := m.byPath[key]; dup {
			return nil, NewSchemaError(key, "duplicate path")
		}
		m.byPath[key] = d
	}
	for _, g := range gates {
		m.gateByPath[g.Path.String()] = g
	}

	m.logger.Debug("gene manager created",
		"schema", schema.Name,
		"genes", len(descriptors),
		"gates", len(gates),
	)
	return m, nil
}

// Len returns the number of gene slots.
func (m *Manager) Len() int { return len(m.descriptors) }

// Descriptors returns the descriptors in position order.
func (m *Manager) Descriptors() []*Descriptor {
	return append([]*Descriptor(nil), m.descriptors...)
}

// Descriptor looks up a descriptor by dotted path.
func (m *Manager) Descriptor(path string) (*Descriptor, bool) {
	d, ok := m.byPath[path]
	return d, ok
}

// Paths returns every gene path in position order.
func (m *Manager) Paths() []Path {
	paths := make([]Path, len(m.descriptors))
	for i, d := range m.descriptors {
		paths[i] = d.path
	}
	return paths
}

// Gates returns the optional sub-schemas, deepest first.
func (m *Manager) Gates() []*Gate {
	return append([]*Gate(nil), m.gates...)
}

// GatePaths returns the paths of the optional sub-schemas, deepest first.
func (m *Manager) GatePaths() []Path {
	paths := make([]Path, len(m.gates))
	for i, g := range m.gates {
		paths[i] = g.Path
	}
	return paths
}

// Epoch counts configuration changes. Vectors are only meaningful within the
// epoch they were produced in.
func (m *Manager) Epoch() uint64 { return m.epoch }

// CheckEpoch returns ErrStaleEpoch unless epoch is the current one.
func (m *Manager) CheckEpoch(epoch uint64) error {
	if epoch != m.epoch {
		return fmt.Errorf("%w: got %d, current %d", ErrStaleEpoch, epoch, m.epoch)
	}
	return nil
}

// Seal ends the configuration phase. Later SetRange and SetValues calls fail
// with ErrSealed. It returns the Check error and stays unsealed when a
// required gene cannot be sampled.
func (m *Manager) Seal() error {
	if m.sealed {
		return nil
	}
	if err := m.Check(); err != nil {
		return err
	}
	m.sealed = true
	m.logger.Debug("gene manager sealed", "epoch", m.epoch)
	return nil
}

// Check returns a *RangeError for the first required gene that has nothing
// to sample, such as an open string gene before SetValues or AddValue.
func (m *Manager) Check() error {
	for _, d := range m.descriptors {
		if d.Range() == nil && !d.Nullable() {
			return NewRangeError(d.path.String(), fmt.Sprintf("required %s gene has no values", d.kind))
		}
	}
	return nil
}

// Sealed reports whether Seal was called.
func (m *Manager) Sealed() bool { return m.sealed }

func (m *Manager) mutable(path string) (*Descriptor, error) {
	if m.sealed {
		return nil, fmt.Errorf("%s: %w", path, ErrSealed)
	}
	d, ok := m.byPath[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrUnknownPath)
	}
	return d, nil
}

// SetRange narrows or replaces the sampling range of the gene at path.
func (m *Manager) SetRange(path string, r Range) error {
	d, err := m.mutable(path)
	if err != nil {
		return err
	}
	if err := d.SetRange(r); err != nil {
		return err
	}
	m.epoch++
	m.logger.Debug("gene range set", "path", path, "range", fmt.Sprint(r), "epoch", m.epoch)
	return nil
}

// SetValues replaces the candidate values of the gene at path. Vectors
// encoded before the call must be re-encoded.
func (m *Manager) SetValues(path string, candidates []any, isOptional *bool) error {
	d, err := m.mutable(path)
	if err != nil {
		return err
	}
	if err := d.SetValues(candidates, isOptional); err != nil {
		return err
	}
	m.epoch++
	m.logger.Debug("gene values set", "path", path, "values", len(candidates), "epoch", m.epoch)
	return nil
}

// AddValue appends a value to an open string gene. Existing indices keep
// their meaning, so the epoch does not change.
func (m *Manager) AddValue(path string, v any) error {
	d, ok := m.byPath[path]
	if !ok {
		return fmt.Errorf("%s: %w", path, ErrUnknownPath)
	}
	return d.AddValue(v)
}

// RandomVector samples every gene and then nulls every member of each
// sub-schema that came out absent, so the vector decodes to a configuration
// with whole sub-schemas only.
func (m *Manager) RandomVector(rng *rand.Rand) Vector {
	vec := make(Vector, len(m.descriptors))
	for _, d := range m.descriptors {
		vec[d.position] = d.Sample(rng)
	}
	m.cascade(vec)
	return vec
}

// Repair applies the same null cascade as RandomVector to an existing
// vector in place, e.g. after crossover.
func (m *Manager) Repair(vec Vector) error {
	if len(vec) != len(m.descriptors) {
		return m.lengthError(vec)
	}
	m.cascade(vec)
	return nil
}

func (m *Manager) cascade(vec Vector) {
	presence := m.presence(m.nullMask(vec))
	for _, g := range m.gates {
		if presence[g] == Present {
			continue
		}
		for _, pos := range g.Members {
			d := m.descriptors[pos]
			if d.Nullable() {
				vec[pos] = d.Null()
			}
		}
	}
}

func (m *Manager) nullMask(vec Vector) []bool {
	nulls := make([]bool, len(m.descriptors))
	for _, d := range m.descriptors {
		nulls[d.position] = d.IsNull(vec[d.position])
	}
	return nulls
}

// presence decides every gate bottom-up, then pushes absence down to nested
// gates. A gate with witnesses is absent when any witness is null; a gate
// without witnesses is present when it holds a non-null leaf or a present
// child gate.
func (m *Manager) presence(nulls []bool) map[*Gate]Presence {
	states := make(map[*Gate]Presence, len(m.gates))

	for _, g := range m.gates {
		state := Present
		if len(g.Witnesses) > 0 {
			for _, pos := range g.Witnesses {
				if nulls[pos] {
					state = Absent
					break
				}
			}
		} else {
			state = Absent
			for _, pos := range g.Leaves {
				if !nulls[pos] {
					state = Present
					break
				}
			}
			for _, child := range g.Children {
				if states[child] == Present {
					state = Present
					break
				}
			}
		}
		states[g] = state
	}

	for i := len(m.gates) - 1; i >= 0; i-- {
		g := m.gates[i]
		if g.Parent != nil && states[g.Parent] == Absent {
			states[g] = Absent
		}
	}
	return states
}

// Presence reports, per gate path, whether vec decodes with that optional
// sub-schema present.
func (m *Manager) Presence(vec Vector) (map[string]Presence, error) {
	if len(vec) != len(m.descriptors) {
		return nil, m.lengthError(vec)
	}
	states := m.presence(m.nullMask(vec))
	out := make(map[string]Presence, len(states))
	for g, state := range states {
		out[g.Path.String()] = state
	}
	return out, nil
}

// ArgsToVector encodes a configuration. A missing optional sub-schema makes
// every gene below it null; a missing required value is an *EncodingError.
func (m *Manager) ArgsToVector(args Args) (Vector, error) {
	vec := make(Vector, len(m.descriptors))
	for _, d := range m.descriptors {
		v, explained, err := m.lookup(args, d)
		if err != nil {
			return nil, err
		}
		if explained && !d.Nullable() {
			vec[d.position] = d.filler()
			continue
		}

		x, grown, err := d.encode(v)
		if err != nil {
			return nil, err
		}
		if grown {
			m.logger.Debug("gene value registered", "path", d.path.String(), "value", v, "index", x)
		}
		if v != nil && !math.IsNaN(x) && d.Nullable() && d.IsNull(x) {
			m.logger.Debug("gene value outside range decodes as null", "path", d.path.String(), "value", v)
		}
		vec[d.position] = x
	}
	return vec, nil
}

// lookup walks args along the descriptor path. explained is true when the
// value is missing because an optional sub-schema on the path is absent.
func (m *Manager) lookup(args Args, d *Descriptor) (value any, explained bool, err error) {
	var cur any = map[string]any(args)
	for i, name := range d.path {
		mapping, ok := cur.(map[string]any)
		if !ok {
			return nil, false, NewEncodingError(d.path[:i].String(), fmt.Sprintf("expected a mapping, got %T", cur), nil)
		}

		v, present := mapping[name]
		if present && v != nil {
			cur = v
			continue
		}

		// An empty mapping for an optional sub-schema reads as absent.
		if i > 0 && len(mapping) == 0 {
			if _, gate := m.gateByPath[d.path[:i].String()]; gate {
				return nil, true, nil
			}
		}
		if i == len(d.path)-1 {
			if d.optional {
				return nil, false, nil
			}
			return nil, false, NewEncodingError(d.path.String(), "required value is missing", nil)
		}
		if _, gate := m.gateByPath[d.path[:i+1].String()]; gate {
			return nil, true, nil
		}
		if d.optional {
			return nil, false, nil
		}
		return nil, false, NewEncodingError(d.path.String(), fmt.Sprintf("required mapping %q is missing", d.path[:i+1]), nil)
	}
	return cur, false, nil
}

// VectorToArgs decodes vec into a configuration. Absent optional
// sub-schemas are left out and null optional values are omitted. Values
// outside their range are not errors here; use IsValid.
func (m *Manager) VectorToArgs(vec Vector) (Args, error) {
	if len(vec) != len(m.descriptors) {
		return nil, m.lengthError(vec)
	}

	values := make([]any, len(m.descriptors))
	nulls := make([]bool, len(m.descriptors))
	for _, d := range m.descriptors {
		values[d.position] = d.decode(vec[d.position])
		nulls[d.position] = values[d.position] == nil
	}
	presence := m.presence(nulls)

	args := Args{}
	for _, d := range m.descriptors {
		if d.gate != nil && presence[m.gateByPath[d.gate.String()]] == Absent {
			continue
		}
		parent := materialize(args, d.path[:len(d.path)-1])
		if v := values[d.position]; v != nil {
			parent[d.path[len(d.path)-1]] = v
		}
	}
	return args, nil
}

func materialize(args Args, path Path) map[string]any {
	cur := map[string]any(args)
	for _, name := range path {
		next, ok := cur[name].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[name] = next
		}
		cur = next
	}
	return cur
}

// IsValid checks every slot against its descriptor and returns the
// conjunction together with the per-slot result.
func (m *Manager) IsValid(vec Vector) (bool, []bool) {
	health := make([]bool, len(m.descriptors))
	all := len(vec) == len(m.descriptors)
	for _, d := range m.descriptors {
		if d.position >= len(vec) {
			continue
		}
		health[d.position] = d.IsInRange(vec[d.position])
		all = all && health[d.position]
	}
	return all, health
}

// GeneType returns the numeric kind of every slot.
func (m *Manager) GeneType() []GeneType {
	types := make([]GeneType, len(m.descriptors))
	for i, d := range m.descriptors {
		types[i] = d.Type()
	}
	return types
}

// GeneSpace returns the active domain of every slot.
func (m *Manager) GeneSpace() []Space {
	spaces := make([]Space, len(m.descriptors))
	for i, d := range m.descriptors {
		spaces[i] = d.Space()
	}
	return spaces
}

func (m *Manager) lengthError(vec Vector) error {
	return fmt.Errorf("%w: got %d, want %d", ErrVectorLength, len(vec), len(m.descriptors))
}

func (m *Manager) String() string {
	var b strings.Builder
	for i, d := range m.descriptors {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(d.String())
	}
	if len(m.gates) > 0 {
		b.WriteString("\nNullable Paths:")
		for _, g := range m.gates {
			b.WriteString("\n  ")
			b.WriteString(g.Path.String())
		}
	}
	return b.String()
}
