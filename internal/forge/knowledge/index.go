// Package knowledge stores approved test code for semantic reuse and the
// short lessons learned after successful repairs.
package knowledge

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"
)

// CreatedAtProperty is the date property every class carries; Prune filters on it.
const CreatedAtProperty = "createdAt"

// Hit is one nearest-neighbour match. Distance is cosine distance (0 = identical).
type Hit struct {
	ID       string
	Distance float64
	Props    map[string]any
}

// Filter restricts a query to objects whose text property equals Value.
type Filter struct {
	Property string
	Value    string
}

// Index is the vector backend shared by the cache and the lessons store.
type Index interface {
	EnsureClass(ctx context.Context, class string, props []string) error
	// Insert is a no-op when an object with id already exists.
	Insert(ctx context.Context, class, id string, props map[string]any, vector []float32) error
	// NearestWithin returns up to limit hits ordered by distance. A maxDistance
	// of zero or less means unbounded.
	NearestWithin(ctx context.Context, class string, vector []float32, maxDistance float64, limit int, where *Filter) ([]Hit, error)
	DeleteOlderThan(ctx context.Context, class string, cutoff time.Time) (int, error)
}

type memObject struct {
	props     map[string]any
	vector    []float32
	createdAt time.Time
	seq       int
}

// MemoryIndex is a brute-force in-process Index.
type MemoryIndex struct {
	mu      sync.RWMutex
	classes map[string]map[string]*memObject
	seq     int
	now     func() time.Time
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{classes: map[string]map[string]*memObject{}, now: time.Now}
}

func (m *MemoryIndex) EnsureClass(_ context.Context, class string, _ []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.classes[class]; !ok {
		m.classes[class] = map[string]*memObject{}
	}
	return nil
}

func (m *MemoryIndex) Insert(_ context.Context, class, id string, props map[string]any, vector []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	objs, ok := m.classes[class]
	if !ok {
		objs = map[string]*memObject{}
		m.classes[class] = objs
	}
	if _, exists := objs[id]; exists {
		return nil
	}
	cp := make(map[string]any, len(props))
	for k, v := range props {
		cp[k] = v
	}
	created := m.now().UTC()
	if s, ok := props[CreatedAtProperty].(string); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			created = t
		}
	}
	m.seq++
	objs[id] = &memObject{props: cp, vector: append([]float32(nil), vector...), createdAt: created, seq: m.seq}
	return nil
}

func (m *MemoryIndex) NearestWithin(_ context.Context, class string, vector []float32, maxDistance float64, limit int, where *Filter) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	type scored struct {
		hit Hit
		seq int
	}
	var out []scored
	for id, obj := range m.classes[class] {
		if where != nil {
			if v, _ := obj.props[where.Property].(string); v != where.Value {
				continue
			}
		}
		d := CosineDistance(vector, obj.vector)
		if maxDistance > 0 && d > maxDistance {
			continue
		}
		props := make(map[string]any, len(obj.props))
		for k, v := range obj.props {
			props[k] = v
		}
		out = append(out, scored{hit: Hit{ID: id, Distance: d, Props: props}, seq: obj.seq})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].hit.Distance != out[j].hit.Distance {
			return out[i].hit.Distance < out[j].hit.Distance
		}
		return out[i].seq < out[j].seq
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	hits := make([]Hit, len(out))
	for i := range out {
		hits[i] = out[i].hit
	}
	return hits, nil
}

func (m *MemoryIndex) DeleteOlderThan(_ context.Context, class string, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, obj := range m.classes[class] {
		if obj.createdAt.Before(cutoff) {
			delete(m.classes[class], id)
			n++
		}
	}
	return n, nil
}

// CosineDistance returns 1 - cos(a, b). Mismatched or zero vectors count as
// orthogonal.
func CosineDistance(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 1
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
