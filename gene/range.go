package gene

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
)

const epsilon = 1e-9

// maxSteps bounds the number of values a discrete range may hold.
const maxSteps = math.MaxInt32

// Range is the active sampling domain of one gene slot. It is one of List,
// Span or Band.
type Range interface {
	// Contains reports whether x is one of the values the range produces.
	Contains(x float64) bool
	// Count is the number of distinct values, or -1 for a continuous band.
	Count() int
	// Sample draws one value.
	Sample(rng *rand.Rand) float64
	// Upper is the bound used to place the integer null sentinel.
	Upper() float64
	String() string

	validate() string
}

// List is an explicit set of values.
type List []float64

// Contains implements Range.
func (l List) Contains(x float64) bool {
	for _, v := range l {
		if math.Abs(v-x) <= epsilon {
			return true
		}
	}
	return false
}

// Count implements Range.
func (l List) Count() int { return len(l) }

// Sample implements Range.
func (l List) Sample(rng *rand.Rand) float64 {
	return l[rng.IntN(len(l))]
}

// Upper implements Range.
func (l List) Upper() float64 {
	upper := math.Inf(-1)
	for _, v := range l {
		upper = math.Max(upper, v)
	}
	return upper
}

func (l List) String() string {
	parts := make([]string, len(l))
	for i, v := range l {
		parts[i] = formatNumber(v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func (l List) validate() string {
	if len(l) == 0 {
		return "empty value list"
	}
	for _, v := range l {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "value list must be finite"
		}
	}
	return ""
}

func (l List) sorted() List {
	out := append(List(nil), l...)
	sort.Float64s(out)
	return out
}

// Span is the half-open integer range [Start, Stop) walked in Step increments.
type Span struct {
	Start, Stop, Step int
}

// Contains implements Range.
func (s Span) Contains(x float64) bool {
	if x != math.Trunc(x) {
		return false
	}
	v := int(x)
	if v < s.Start || v >= s.Stop {
		return false
	}
	return (v-s.Start)%s.Step == 0
}

// Count implements Range.
func (s Span) Count() int {
	return (s.Stop-s.Start-1)/s.Step + 1
}

// Sample implements Range.
func (s Span) Sample(rng *rand.Rand) float64 {
	return float64(s.Start + rng.IntN(s.Count())*s.Step)
}

// Upper implements Range.
func (s Span) Upper() float64 { return float64(s.Stop) }

func (s Span) String() string {
	return fmt.Sprintf("range(%d, %d, %d)", s.Start, s.Stop, s.Step)
}

func (s Span) validate() string {
	if s.Step <= 0 {
		return "span step must be positive"
	}
	if s.Stop <= s.Start {
		return "span stop must be greater than start"
	}
	if tooManySteps(float64(s.Start), float64(s.Stop), float64(s.Step)) {
		return "span holds too many values"
	}
	return ""
}

// Band is the closed interval [Low, High]. A positive Step restricts samples
// to Low + k*Step; a zero Step samples continuously.
type Band struct {
	Low, High, Step float64
}

// Contains implements Range.
func (b Band) Contains(x float64) bool {
	return x >= b.Low-epsilon && x <= b.High+epsilon
}

// Count implements Range.
func (b Band) Count() int {
	if b.Step <= 0 {
		return -1
	}
	return int(math.Round((b.High-b.Low)/b.Step)) + 1
}

// Sample implements Range.
func (b Band) Sample(rng *rand.Rand) float64 {
	if b.Step <= 0 {
		return b.Low + rng.Float64()*(b.High-b.Low)
	}
	v := b.Low + float64(rng.IntN(b.Count()))*b.Step
	precision := max(Precision(b.Step), Precision(math.Abs(b.Low)))
	return roundTo(math.Min(v, b.High), precision)
}

// Upper implements Range.
func (b Band) Upper() float64 { return b.High }

func (b Band) String() string {
	return fmt.Sprintf("{low: %s, high: %s, step: %s}", formatNumber(b.Low), formatNumber(b.High), formatNumber(b.Step))
}

func (b Band) validate() string {
	if math.IsNaN(b.Low) || math.IsNaN(b.High) || math.IsInf(b.Low, 0) || math.IsInf(b.High, 0) {
		return "band bounds must be finite"
	}
	if b.High < b.Low {
		return "band high must not be below low"
	}
	if b.Step < 0 {
		return "band step must not be negative"
	}
	if b.Step > 0 && tooManySteps(b.Low, b.High, b.Step) {
		return "band holds too many steps; use a larger step or step 0"
	}
	return ""
}

func tooManySteps(low, high, step float64) bool {
	return (high-low)/step > maxSteps
}

// Precision returns the number of decimals needed to print step exactly,
// capped at 10. It is -1 for a non-positive step.
func Precision(step float64) int {
	if step <= 0 {
		return -1
	}
	for p := 0; p <= 10; p++ {
		scaled := step * math.Pow10(p)
		if math.Abs(scaled-math.Round(scaled)) < epsilon {
			return p
		}
	}
	return 10
}

func roundTo(v float64, precision int) float64 {
	if precision < 0 {
		return v
	}
	scale := math.Pow10(precision)
	return math.Round(v*scale) / scale
}

func formatNumber(v float64) string {
	return fmt.Sprintf("%g", v)
}

// NumberKind is the numeric representation of a gene slot.
type NumberKind int

const (
	// NumberInt slots carry integral values.
	NumberInt NumberKind = iota
	// NumberFloat slots carry real values.
	NumberFloat
)

func (k NumberKind) String() string {
	if k == NumberFloat {
		return "float"
	}
	return "int"
}

// GeneType tells an external optimizer how to allocate and round one slot.
type GeneType struct {
	Kind NumberKind
	// Precision is the number of decimals to round to, or -1 for none.
	Precision int
}

// Space is the current domain of one slot in the shape optimizers expect:
// an explicit value list when Values is non-nil, a {Low, High, Step} band
// otherwise.
type Space struct {
	Values   []float64
	Low      float64
	High     float64
	Step     float64
	Nullable bool
	// Null is the slot's null representation; NaN for float slots.
	Null float64
}

// IsList reports whether the space is an explicit value list.
func (s Space) IsList() bool {
	return s.Values != nil
}

// Contains reports whether x lies in the space, the null value included when
// the space is nullable.
func (s Space) Contains(x float64) bool {
	if s.Nullable && isSame(x, s.Null) {
		return true
	}
	if s.IsList() {
		return List(s.Values).Contains(x)
	}
	return Band{Low: s.Low, High: s.High}.Contains(x)
}

func isSame(a, b float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.IsNaN(a) && math.IsNaN(b)
	}
	return a == b
}
