package gene

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Vector is the numeric encoding of one configuration: one slot per gene.
type Vector []float64

// Args is a decoded configuration. Nested schemas are map[string]any values;
// an absent optional sub-schema is a missing key.
type Args = map[string]any

// Clone returns an independent copy of v.
func (v Vector) Clone() Vector {
	return append(Vector(nil), v...)
}

// Equal compares slot by slot, treating NaN as equal to NaN.
func (v Vector) Equal(other Vector) bool {
	if len(v) != len(other) {
		return false
	}
	for i := range v {
		if !isSame(v[i], other[i]) {
			return false
		}
	}
	return true
}

// Key is a stable textual form of v, usable as a map key.
func (v Vector) Key() string {
	var b strings.Builder
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		if math.IsNaN(x) {
			b.WriteString("nan")
			continue
		}
		b.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
	}
	return b.String()
}

func (v Vector) String() string {
	return "[" + v.Key() + "]"
}

// MarshalJSON writes null for NaN slots, which JSON numbers cannot hold.
func (v Vector) MarshalJSON() ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	slots := make([]*float64, len(v))
	for i := range v {
		if !math.IsNaN(v[i]) {
			slots[i] = &v[i]
		}
	}
	return json.Marshal(slots)
}

// UnmarshalJSON reads null slots back as NaN.
func (v *Vector) UnmarshalJSON(data []byte) error {
	var slots []*float64
	if err := json.Unmarshal(data, &slots); err != nil {
		return err
	}
	if slots == nil {
		*v = nil
		return nil
	}
	out := make(Vector, len(slots))
	for i, x := range slots {
		if x == nil {
			out[i] = math.NaN()
			continue
		}
		out[i] = *x
	}
	*v = out
	return nil
}
