package gene

import (
	"fmt"
	"math"
	"math/rand/v2"
	"reflect"
	"sort"
	"strings"
)

const (
	// defaultIntStop is the exclusive end of the sampling window used for
	// integer genes that never had a range set.
	defaultIntStop = 10
	// defaultFloatStep is the step of the default [0, 1] float band.
	defaultFloatStep = 0.1
	// continuousOutcomes weights the null draw for continuous bands.
	continuousOutcomes = 10
)

// Descriptor owns one scalar gene slot: its value domain, null
// representation, active sampling range and the conversion between domain
// values and numbers.
//
// Descriptors are not safe for concurrent mutation; see Manager.
type Descriptor struct {
	position      int
	path          Path
	kind          Kind
	declared      bool // optional in the schema; never changes
	optional      bool // current optional flag, SetValues may override it
	underOptional bool
	gate          Path
	enum          *Enum
	table         *Registry
	active        Range
	sentinel      float64
}

func newDescriptor(position int, path Path, field Field, underOptional bool, gate Path) (*Descriptor, error) {
	d := &Descriptor{
		position:      position,
		path:          path,
		kind:          field.Kind,
		declared:      field.Optional,
		optional:      field.Optional,
		underOptional: underOptional,
		gate:          gate,
		enum:          field.Enum,
	}
	if d.kind.IsTable() {
		if err := d.buildTable(nil); err != nil {
			return nil, err
		}
	}
	d.resetSentinel()
	return d, nil
}

// Position is the index of the slot in a gene vector.
func (d *Descriptor) Position() int { return d.position }

// Path is the field path from the schema root.
func (d *Descriptor) Path() Path { return d.path }

// Kind is the domain kind.
func (d *Descriptor) Kind() Kind { return d.kind }

// DeclaredOptional reports whether the schema declared the field optional.
func (d *Descriptor) DeclaredOptional() bool { return d.declared }

// Optional reports the current optional flag.
func (d *Descriptor) Optional() bool { return d.optional }

// UnderOptional reports whether an ancestor nested schema is optional.
func (d *Descriptor) UnderOptional() bool { return d.underOptional }

// Gate is the path of the nearest optional ancestor, nil when there is none.
func (d *Descriptor) Gate() Path { return d.gate }

// NullableForFilter reports whether the field is required inside an optional
// sub-schema. Such a field is null exactly when its sub-schema is absent,
// which makes it a presence witness for that sub-schema.
func (d *Descriptor) NullableForFilter() bool {
	return !d.declared && d.underOptional
}

// Nullable reports whether null is a legal value of the slot.
func (d *Descriptor) Nullable() bool {
	return d.optional || d.NullableForFilter()
}

// Table returns the value registry of bool, enum and string genes.
func (d *Descriptor) Table() *Registry { return d.table }

// Null returns the slot's null representation: NaN for floats, the sentinel
// for integers and index 0 for nullable tables.
func (d *Descriptor) Null() float64 {
	switch d.kind {
	case KindInt:
		return d.sentinel
	case KindBool, KindEnum, KindString:
		if d.table.Nullable() {
			return 0
		}
	}
	return math.NaN()
}

// Range returns the active range, falling back to the default band of the
// kind. It is nil for a string gene that has no values yet.
func (d *Descriptor) Range() Range {
	if d.active != nil {
		return d.active
	}
	switch d.kind {
	case KindInt:
		return Span{Start: 0, Stop: defaultIntStop, Step: 1}
	case KindFloat:
		return Band{Low: 0, High: 1, Step: defaultFloatStep}
	}
	indices := d.table.NonNullIndices()
	if len(indices) == 0 {
		return nil
	}
	list := make(List, len(indices))
	for i, idx := range indices {
		list[i] = float64(idx)
	}
	return list
}

// HasExplicitRange reports whether SetRange installed the active range.
func (d *Descriptor) HasExplicitRange() bool { return d.active != nil }

// Encode maps a domain value, or nil, to its slot number. Unseen strings are
// appended to the value table. Numbers outside the range pass through, but a
// nullable slot decodes them as null. An integer equal to the null sentinel
// is an *EncodingError.
func (d *Descriptor) Encode(v any) (float64, error) {
	x, _, err := d.encode(v)
	return x, err
}

func (d *Descriptor) encode(v any) (x float64, grown bool, err error) {
	if v == nil {
		if !d.Nullable() {
			return 0, false, NewEncodingError(d.path.String(), "required value is missing", nil)
		}
		return d.Null(), false, nil
	}

	switch d.kind {
	case KindFloat:
		f, ok := toFloat(v)
		if !ok {
			return 0, false, d.typeError(v)
		}
		if math.IsNaN(f) {
			return d.encode(nil)
		}
		return f, false, nil

	case KindInt:
		i, ok := toInt(v)
		if !ok {
			return 0, false, d.typeError(v)
		}
		if d.Nullable() && float64(i) == d.sentinel {
			return 0, false, NewEncodingError(d.path.String(), fmt.Sprintf("%d is the null sentinel of range %s", i, d.Range()), nil)
		}
		return float64(i), false, nil

	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return 0, false, d.typeError(v)
		}
		return d.tableIndex(b)

	case KindEnum:
		member, ok := d.enum.Lookup(v)
		if !ok {
			return 0, false, NewEncodingError(d.path.String(), fmt.Sprintf("%v is not a member of %s", v, d.enum.Name), nil)
		}
		return d.tableIndex(member.Value)

	case KindString:
		s, ok := v.(string)
		if !ok {
			return 0, false, d.typeError(v)
		}
		idx, added := d.table.Add(s)
		return float64(idx), added, nil
	}
	return 0, false, NewEncodingError(d.path.String(), fmt.Sprintf("unsupported kind %s", d.kind), nil)
}

func (d *Descriptor) tableIndex(v any) (float64, bool, error) {
	idx, ok := d.table.Index(v)
	if !ok {
		return 0, false, NewEncodingError(d.path.String(), fmt.Sprintf("%v is not among the candidate values", v), nil)
	}
	return float64(idx), false, nil
}

func (d *Descriptor) typeError(v any) error {
	return NewEncodingError(d.path.String(), fmt.Sprintf("cannot encode %T as %s", v, d.kind), nil)
}

// Decode maps a slot number back to (path, value). The value is nil when x
// is the null representation, or when x lies outside the active range and
// the slot is nullable. A non-nullable numeric slot returns out-of-range
// numbers unchanged; IsInRange reports the violation.
func (d *Descriptor) Decode(x float64) (Path, any) {
	return d.path, d.decode(x)
}

func (d *Descriptor) decode(x float64) any {
	if math.IsNaN(x) {
		return nil
	}
	if d.Nullable() && d.isNullRepr(x) {
		return nil
	}
	inRange := d.inRange(x)
	if !inRange && d.Nullable() {
		return nil
	}

	switch d.kind {
	case KindFloat:
		return x
	case KindInt:
		if x == math.Trunc(x) {
			return int(x)
		}
		return x
	}

	if x != math.Trunc(x) {
		return nil
	}
	v, ok := d.table.Value(int(x))
	if !ok {
		return nil
	}
	return v
}

// IsNull reports whether x decodes to null.
func (d *Descriptor) IsNull(x float64) bool {
	return d.decode(x) == nil
}

func (d *Descriptor) isNullRepr(x float64) bool {
	switch d.kind {
	case KindFloat:
		return math.IsNaN(x)
	case KindInt:
		return x == d.sentinel
	}
	return d.table.Nullable() && x == 0
}

func (d *Descriptor) inRange(x float64) bool {
	r := d.Range()
	if r == nil || math.IsNaN(x) {
		return false
	}
	return r.Contains(x)
}

// IsInRange reports whether x is the null representation of a nullable slot
// or lies inside the active range.
func (d *Descriptor) IsInRange(x float64) bool {
	if d.Nullable() && d.isNullRepr(x) {
		return true
	}
	return d.inRange(x)
}

// Sample draws a number from the active range. Null is one more equally
// likely outcome when the slot is nullable and either no range was set or
// the slot is a presence witness stored in a table.
func (d *Descriptor) Sample(rng *rand.Rand) float64 {
	r := d.Range()
	if r == nil {
		if d.Nullable() {
			return d.Null()
		}
		return 0
	}

	if d.Nullable() && (d.active == nil || (d.kind.IsTable() && d.NullableForFilter())) {
		outcomes := r.Count()
		if outcomes < 0 {
			outcomes = continuousOutcomes
		}
		if rng.IntN(outcomes+1) == 0 {
			return d.Null()
		}
	}
	return r.Sample(rng)
}

// filler is the value written for a non-nullable slot whose sub-schema is
// absent. It is never decoded.
func (d *Descriptor) filler() float64 {
	switch r := d.Range().(type) {
	case List:
		return r[0]
	case Span:
		return float64(r.Start)
	case Band:
		return r.Low
	}
	return 0
}

// SetRange replaces the active range; nil restores the default. Integer
// genes move their null sentinel just past the new range, so vectors holding
// the old sentinel must not be decoded afterwards.
func (d *Descriptor) SetRange(r Range) error {
	if r == nil {
		d.active = nil
		d.resetSentinel()
		return nil
	}
	if msg := r.validate(); msg != "" {
		return NewRangeError(d.path.String(), msg)
	}

	normalized, err := d.normalize(r)
	if err != nil {
		return err
	}
	d.active = normalized
	d.resetSentinel()
	return nil
}

func (d *Descriptor) normalize(r Range) (Range, error) {
	switch d.kind {
	case KindFloat:
		switch v := r.(type) {
		case Span:
			return Band{Low: float64(v.Start), High: float64(v.Start + (v.Count()-1)*v.Step), Step: float64(v.Step)}, nil
		case List:
			return v.sorted(), nil
		}
		return r, nil
	}

	// Integer genes and table indices.
	switch v := r.(type) {
	case Band:
		step := int(v.Step)
		if step < 1 {
			step = 1
		}
		if tooManySteps(v.Low, v.High, float64(step)) {
			return nil, NewRangeError(d.path.String(), fmt.Sprintf("%s gene range holds too many values", d.kind))
		}
		span := Span{Start: int(math.Ceil(v.Low)), Stop: int(math.Floor(v.High)) + 1, Step: step}
		if msg := span.validate(); msg != "" {
			return nil, NewRangeError(d.path.String(), msg)
		}
		r = span
	case List:
		for _, x := range v {
			if x != math.Trunc(x) {
				return nil, NewRangeError(d.path.String(), fmt.Sprintf("%s gene cannot hold %g", d.kind, x))
			}
		}
		r = v.sorted()
	}

	if d.kind.IsTable() {
		if err := d.checkIndices(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (d *Descriptor) checkIndices(r Range) error {
	lo, hi := 0.0, float64(d.table.Len()-1)
	switch v := r.(type) {
	case Span:
		last := v.Start + (v.Count()-1)*v.Step
		if float64(v.Start) < lo || float64(last) > hi {
			return NewRangeError(d.path.String(), fmt.Sprintf("span %s exceeds the value table of size %d", v, d.table.Len()))
		}
	case List:
		for _, x := range v {
			if x < lo || x > hi {
				return NewRangeError(d.path.String(), fmt.Sprintf("index %g exceeds the value table of size %d", x, d.table.Len()))
			}
		}
	}
	return nil
}

func (d *Descriptor) resetSentinel() {
	if d.kind != KindInt {
		return
	}
	d.sentinel = math.Floor(d.Range().Upper()) + 1
}

// SetValues replaces the candidate values of the gene. Bool, enum and string
// genes rebuild their value table, invalidating every number encoded against
// the old table; numeric genes turn the candidates into a List range.
// isOptional, when non-nil, overrides the optional flag.
func (d *Descriptor) SetValues(candidates []any, isOptional *bool) error {
	if isOptional != nil {
		d.optional = *isOptional
	}

	if !d.kind.IsTable() {
		list := make(List, 0, len(candidates))
		for _, c := range candidates {
			f, ok := toFloat(c)
			if !ok {
				return NewRangeError(d.path.String(), fmt.Sprintf("cannot use %T as %s candidate", c, d.kind))
			}
			list = append(list, f)
		}
		return d.SetRange(list)
	}

	if err := d.buildTable(candidates); err != nil {
		return err
	}
	d.active = nil
	return nil
}

func (d *Descriptor) buildTable(candidates []any) error {
	table := NewRegistry(d.Nullable())

	switch d.kind {
	case KindBool:
		if candidates == nil {
			candidates = []any{false, true}
		}
		bools := make([]bool, 0, 2)
		for _, c := range candidates {
			b, ok := c.(bool)
			if !ok {
				return NewRangeError(d.path.String(), fmt.Sprintf("cannot use %T as bool candidate", c))
			}
			bools = append(bools, b)
		}
		sort.Slice(bools, func(i, j int) bool { return !bools[i] && bools[j] })
		for _, b := range bools {
			table.Add(b)
		}

	case KindEnum:
		members := d.enum.sortedMembers()
		if candidates != nil {
			members = members[:0:0]
			for _, c := range candidates {
				m, ok := d.enum.Lookup(c)
				if !ok {
					return NewRangeError(d.path.String(), fmt.Sprintf("%v is not a member of %s", c, d.enum.Name))
				}
				members = append(members, m)
			}
			sort.SliceStable(members, func(i, j int) bool { return members[i].Name < members[j].Name })
		}
		for _, m := range members {
			table.Add(m.Value)
		}

	case KindString:
		for _, c := range candidates {
			s, ok := c.(string)
			if !ok {
				return NewRangeError(d.path.String(), fmt.Sprintf("cannot use %T as string candidate", c))
			}
			table.Add(s)
		}
	}

	d.table = table
	return nil
}

// AddValue appends one value to an open string table.
func (d *Descriptor) AddValue(v any) error {
	if d.kind != KindString {
		return fmt.Errorf("%s: %w", d.path, ErrNotGrowable)
	}
	s, ok := v.(string)
	if !ok {
		return NewRangeError(d.path.String(), fmt.Sprintf("cannot use %T as string value", v))
	}
	d.table.Add(s)
	return nil
}

// Type reports the numeric kind of the slot.
func (d *Descriptor) Type() GeneType {
	if d.kind != KindFloat {
		return GeneType{Kind: NumberInt, Precision: -1}
	}
	if b, ok := d.Range().(Band); ok {
		return GeneType{Kind: NumberFloat, Precision: Precision(b.Step)}
	}
	return GeneType{Kind: NumberFloat, Precision: -1}
}

// Space reports the active domain, null included for nullable slots.
func (d *Descriptor) Space() Space {
	space := Space{Nullable: d.Nullable(), Null: d.Null()}

	switch r := d.Range().(type) {
	case nil:
		space.Values = []float64{}
	case List:
		space.Values = append([]float64(nil), r...)
	case Span:
		if d.kind.IsTable() {
			space.Values = make([]float64, 0, r.Count())
			for i := 0; i < r.Count(); i++ {
				space.Values = append(space.Values, float64(r.Start+i*r.Step))
			}
		} else {
			space.Low = float64(r.Start)
			space.High = float64(r.Start + (r.Count()-1)*r.Step)
			space.Step = float64(r.Step)
		}
	case Band:
		space.Low, space.High, space.Step = r.Low, r.High, r.Step
	}

	if space.IsList() && space.Nullable && !math.IsNaN(space.Null) && !List(space.Values).Contains(space.Null) {
		space.Values = append([]float64{space.Null}, space.Values...)
	}
	return space
}

func (d *Descriptor) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Gene %d:", d.position)
	fmt.Fprintf(&b, "\n  Key: %s", d.path)
	fmt.Fprintf(&b, "\n  Kind: %s", d.kind)
	fmt.Fprintf(&b, "\n  Declared Optional: %t", d.declared)
	fmt.Fprintf(&b, "\n  Optional: %t", d.optional)
	fmt.Fprintf(&b, "\n  Under Optional: %t", d.underOptional)
	fmt.Fprintf(&b, "\n  Nullable for Filter: %t", d.NullableForFilter())
	if r := d.Range(); r != nil {
		fmt.Fprintf(&b, "\n  Range: %s", r)
	} else {
		b.WriteString("\n  Range: <empty>")
	}
	if d.table != nil {
		b.WriteString("\n  Values:")
		for i, v := range d.table.Values() {
			fmt.Fprintf(&b, "\n    %d: %v", i, v)
		}
	}
	return b.String()
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	if i, ok := toInt(v); ok {
		return float64(i), true
	}
	return 0, false
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		if n == math.Trunc(n) && !math.IsInf(n, 0) {
			return int(n), true
		}
		return 0, false
	case float32:
		f := float64(n)
		if f == math.Trunc(f) && !math.IsInf(f, 0) {
			return int(f), true
		}
		return 0, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return int(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int(rv.Uint()), true
	}
	return 0, false
}
