package semantic

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/folio-press/folio/engine/domain"
)

// Index is the behaviour shared by VectorStore and MemoryStore.
type Index interface {
	Available() bool
	Upsert(ctx context.Context, id string, embedding []float32, md Metadata) error
	Delete(ctx context.Context, id string) error
	DeleteMany(ctx context.Context, ids []string) error
	Query(ctx context.Context, embedding []float32, topK int, filter Filter) ([]Match, error)
	FetchByID(ctx context.Context, id string) (Record, bool, error)
	Stats(ctx context.Context) (Stats, error)
}

var (
	_ Index = (*VectorStore)(nil)
	_ Index = (*MemoryStore)(nil)
)

// MemoryStore is an in-process Index with exact brute-force search. It is
// used in tests and for the "memory" index backend.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	dims    int
	metric  Metric
	ready   bool
	log     *slog.Logger
}

// NewMemoryStore returns an empty, unprovisioned MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record), metric: MetricCosine, log: slog.Default()}
}

// WithLogger sets the logger used for skipped-write warnings.
func (m *MemoryStore) WithLogger(log *slog.Logger) *MemoryStore {
	if log != nil {
		m.log = log
	}
	return m
}

// EnsureIndex provisions the store. Re-provisioning with a different
// dimension fails like it does against Qdrant.
func (m *MemoryStore) EnsureIndex(_ context.Context, dims int, metric Metric) error {
	if dims <= 0 {
		return domain.NewError(domain.ErrIndexProvisioningFailed, "memory.ensure_index", fmt.Errorf("invalid dimension %d", dims))
	}
	if _, err := toDistance(metric); err != nil {
		return domain.NewError(domain.ErrIndexProvisioningFailed, "memory.ensure_index", err)
	}
	if metric == "" {
		metric = MetricCosine
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dims != 0 && m.dims != dims {
		return domain.NewError(domain.ErrIndexProvisioningFailed, "memory.ensure_index",
			fmt.Errorf("index has dimension %d, want %d", m.dims, dims))
	}
	m.dims = dims
	m.metric = metric
	m.ready = true
	return nil
}

// Reset drops every record, keeping the configured dimension.
func (m *MemoryStore) Reset() {
	m.mu.Lock()
	m.records = make(map[string]Record)
	m.mu.Unlock()
}

// SetAvailable flips availability without touching stored records.
func (m *MemoryStore) SetAvailable(ok bool) {
	m.mu.Lock()
	m.ready = ok
	m.mu.Unlock()
}

func (m *MemoryStore) Available() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

func (m *MemoryStore) Upsert(_ context.Context, id string, embedding []float32, md Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		m.log.Warn("semantic: index unavailable, skipping upsert", "content_id", id)
		return nil
	}
	if len(embedding) != m.dims {
		return domain.NewErrorID(domain.ErrIndexWriteFailed, "memory.upsert", id,
			fmt.Errorf("embedding has %d dimensions, index has %d", len(embedding), m.dims))
	}
	if md.ContentID == "" {
		md.ContentID = id
	}
	// Normalise through the scalar encoding so reads see what Qdrant would return.
	md = MetadataFromFields(md.Fields())
	m.records[id] = Record{
		ID:        id,
		Embedding: append([]float32(nil), embedding...),
		Metadata:  md,
	}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	return m.DeleteMany(ctx, []string{id})
}

func (m *MemoryStore) DeleteMany(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		m.log.Warn("semantic: index unavailable, skipping delete", "count", len(ids))
		return nil
	}
	for _, id := range ids {
		delete(m.records, id)
	}
	return nil
}

func (m *MemoryStore) Query(_ context.Context, embedding []float32, topK int, filter Filter) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.ready {
		return nil, domain.NewError(domain.ErrIndexUnavailable, "memory.query", nil)
	}
	if topK <= 0 {
		return nil, nil
	}

	matches := make([]Match, 0, len(m.records))
	for id, rec := range m.records {
		if !filter.Matches(rec.Metadata.Fields()) {
			continue
		}
		matches = append(matches, Match{
			ID:       id,
			Score:    score(m.metric, embedding, rec.Embedding),
			Metadata: rec.Metadata,
		})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (m *MemoryStore) FetchByID(_ context.Context, id string) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.ready {
		return Record{}, false, domain.NewErrorID(domain.ErrIndexUnavailable, "memory.fetch", id, nil)
	}
	rec, ok := m.records[id]
	if !ok {
		return Record{}, false, nil
	}
	rec.Embedding = append([]float32(nil), rec.Embedding...)
	return rec, true, nil
}

func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.ready {
		return Stats{}, domain.NewError(domain.ErrIndexUnavailable, "memory.stats", nil)
	}
	return Stats{Count: uint64(len(m.records)), Dimension: m.dims, Metric: m.metric}, nil
}

// Len returns the number of stored records regardless of availability.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// score returns a similarity where higher is closer, matching Qdrant's
// ordering for each distance.
func score(metric Metric, a, b []float32) float32 {
	n := min(len(a), len(b))
	a, b = a[:n], b[:n]
	switch metric {
	case MetricDot:
		return dot(a, b)
	case MetricEuclidean:
		var sum float64
		for i := range a {
			d := float64(a[i] - b[i])
			sum += d * d
		}
		return -float32(math.Sqrt(sum))
	default:
		var na, nb float64
		for i := range a {
			na += float64(a[i]) * float64(a[i])
			nb += float64(b[i]) * float64(b[i])
		}
		if na == 0 || nb == 0 {
			return 0
		}
		return float32(float64(dot(a, b)) / (math.Sqrt(na) * math.Sqrt(nb)))
	}
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
