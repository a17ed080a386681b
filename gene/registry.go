package gene

// Registry is an append-only table assigning small integers to values.
// Index 0 holds nil when the registry was created nullable. An index, once
// assigned, is never reassigned.
type Registry struct {
	values   []any
	index    map[any]int
	nullable bool
}

// NewRegistry creates a registry, reserving index 0 for nil when nullable.
func NewRegistry(nullable bool) *Registry {
	r := &Registry{index: make(map[any]int), nullable: nullable}
	if nullable {
		r.values = append(r.values, nil)
	}
	return r
}

// Add registers v and returns its index. added is false when v was already
// present.
func (r *Registry) Add(v any) (idx int, added bool) {
	if v == nil {
		if r.nullable {
			return 0, false
		}
		return -1, false
	}
	if i, ok := r.index[v]; ok {
		return i, false
	}
	i := len(r.values)
	r.values = append(r.values, v)
	r.index[v] = i
	return i, true
}

// Index returns the index of v. nil maps to the null index when nullable.
func (r *Registry) Index(v any) (int, bool) {
	if v == nil {
		return 0, r.nullable
	}
	i, ok := r.index[v]
	return i, ok
}

// Value returns the value at index i.
func (r *Registry) Value(i int) (any, bool) {
	if i < 0 || i >= len(r.values) {
		return nil, false
	}
	return r.values[i], true
}

// Len returns the number of entries, the null entry included.
func (r *Registry) Len() int {
	return len(r.values)
}

// Nullable reports whether index 0 is the null entry.
func (r *Registry) Nullable() bool {
	return r.nullable
}

// NonNullIndices lists every index that holds a real value.
func (r *Registry) NonNullIndices() []int {
	start := 0
	if r.nullable {
		start = 1
	}
	indices := make([]int, 0, len(r.values)-start)
	for i := start; i < len(r.values); i++ {
		indices = append(indices, i)
	}
	return indices
}

// Values returns a copy of the table.
func (r *Registry) Values() []any {
	return append([]any(nil), r.values...)
}
