package evaluation

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/scttfrdmn/genekit/genekit-go/gene"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// fitnessStats collects the fitness values seen for one gene value.
type fitnessStats struct {
	samples []float64
}

func (s *fitnessStats) add(f float64) { s.samples = append(s.samples, f) }
func (s *fitnessStats) count() int    { return len(s.samples) }
func (s *fitnessStats) avg() float64  { return stat.Mean(s.samples, nil) }
func (s *fitnessStats) min() float64  { return floats.Min(s.samples) }
func (s *fitnessStats) max() float64  { return floats.Max(s.samples) }

// betterThan requires a higher average, minimum and maximum.
func (s *fitnessStats) betterThan(other *fitnessStats) bool {
	return other.avg() < s.avg() && other.min() < s.min() && other.max() < s.max()
}

func (s *fitnessStats) betterTopThan(other *fitnessStats) bool {
	return other.avg() < s.avg() && other.max() < s.max()
}

func (s *fitnessStats) betterAvgThan(other *fitnessStats) bool {
	return other.avg() < s.avg()
}

func (s *fitnessStats) String() string {
	return fmt.Sprintf("(%d, %g, %g, %g)", s.count(), s.min(), s.avg(), s.max())
}

// geneStats tracks one gene position. Values keep their first-seen order;
// every NaN shares one bucket.
type geneStats struct {
	keys   []float64
	values []*fitnessStats
	index  map[float64]int
	nan    int
	total  fitnessStats
}

func newGeneStats() *geneStats {
	return &geneStats{index: make(map[float64]int), nan: -1}
}

func (g *geneStats) add(value, f float64) {
	g.total.add(f)

	var idx int
	switch i, ok := g.index[value]; {
	case math.IsNaN(value) && g.nan >= 0:
		idx = g.nan
	case !math.IsNaN(value) && ok:
		idx = i
	default:
		idx = len(g.values)
		g.keys = append(g.keys, value)
		g.values = append(g.values, &fitnessStats{})
		if math.IsNaN(value) {
			g.nan = idx
		} else {
			g.index[value] = idx
		}
	}
	g.values[idx].add(f)
}

// best picks the value whose fitness beats the gene average, preferring
// one that is better on all of avg/min/max or on avg/max. Without such a
// value it falls back to the best-max or best-avg value depending on where
// the best-avg value lies between the best-min and best-max values.
func (g *geneStats) best() (float64, bool) {
	if len(g.values) == 0 {
		return 0, false
	}

	current := -1
	mi, av, ma := g.keys[0], g.keys[0], g.keys[0]
	vMi, vAv, vMa := g.values[0].min(), g.values[0].avg(), g.values[0].max()

	for i, v := range g.values {
		if i > 0 {
			if vMi < v.min() {
				vMi, mi = v.min(), g.keys[i]
			}
			if vMa < v.max() {
				vMa, ma = v.max(), g.keys[i]
			}
			if vAv < v.avg() {
				vAv, av = v.avg(), g.keys[i]
			}
		}

		if v.betterAvgThan(&g.total) {
			if current < 0 || v.betterThan(g.values[current]) || v.betterTopThan(g.values[current]) {
				current = i
			}
		}
	}

	if current >= 0 {
		return g.keys[current], true
	}
	if ma-av < av-mi {
		return ma, true
	}
	if (ma+mi)/2 < av {
		return av, true
	}
	return ma, true
}

func (g *geneStats) String() string {
	var b strings.Builder
	b.WriteString("{")
	for i, k := range g.keys {
		fmt.Fprintf(&b, "\n  %s: %s", formatGeneValue(k), g.values[i])
	}
	b.WriteString("\n}")
	return b.String()
}

func formatGeneValue(v float64) string {
	if math.IsNaN(v) {
		return "nan"
	}
	return fmt.Sprintf("%g", v)
}

// GenesWatcher keeps per-position fitness statistics for every gene value
// that was evaluated. The genetic optimizer uses it to mutate genes towards
// values that have done well so far.
//
// Fitness is "larger is better"; minimizing callers negate their scores.
// GenesWatcher is safe for concurrent use.
type GenesWatcher struct {
	mu    sync.Mutex
	genes []*geneStats
}

// NewGenesWatcher creates a watcher for vectors of the given length.
func NewGenesWatcher(size int) *GenesWatcher {
	w := &GenesWatcher{}
	w.genes = makeGeneStats(size)
	return w
}

func makeGeneStats(size int) []*geneStats {
	genes := make([]*geneStats, size)
	for i := range genes {
		genes[i] = newGeneStats()
	}
	return genes
}

// Append records the fitness of one evaluated vector.
func (w *GenesWatcher) Append(vec gene.Vector, fitness float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, x := range vec {
		if i < len(w.genes) {
			w.genes[i].add(x, fitness)
		}
	}
}

// BestValue returns the most promising value seen at position i.
func (w *GenesWatcher) BestValue(i int) (float64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if i < 0 || i >= len(w.genes) {
		return 0, false
	}
	return w.genes[i].best()
}

// Len returns the number of distinct values seen at position i.
func (w *GenesWatcher) Len(i int) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if i < 0 || i >= len(w.genes) {
		return 0
	}
	return len(w.genes[i].values)
}

// Size returns the vector length the watcher was created for.
func (w *GenesWatcher) Size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.genes)
}

// Reset drops all statistics.
func (w *GenesWatcher) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.genes = makeGeneStats(len(w.genes))
}

func (w *GenesWatcher) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var b strings.Builder
	for i, g := range w.genes {
		fmt.Fprintf(&b, "Gene %d:\n  ", i)
		b.WriteString(strings.Join(strings.Split(g.String(), "\n"), "\n  "))
		b.WriteString("\n")
	}
	return b.String()
}
