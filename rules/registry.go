package rules

import (
	"context"
	"sort"
	"sync"
)

// Registry persists rule set metadata. Records are never physically removed;
// undeploy marks them DELETED.
type Registry interface {
	// Put inserts or replaces the record for m.ID. The execution count of an
	// existing record is owned by IncrementExecutions and is not overwritten.
	Put(ctx context.Context, m *RuleSetMetadata) error

	// Get returns the record for id or an error wrapping ErrNotFound
	Get(ctx context.Context, id string) (*RuleSetMetadata, error)

	// FindByVersion returns every non-deleted record with the given version
	FindByVersion(ctx context.Context, version string) ([]*RuleSetMetadata, error)

	// FindByName returns every non-deleted record with the given name
	FindByName(ctx context.Context, name string) ([]*RuleSetMetadata, error)

	// List returns all records, oldest first
	List(ctx context.Context) ([]*RuleSetMetadata, error)

	// IncrementExecutions adds one to the execution count of id
	IncrementExecutions(ctx context.Context, id string) error
}

// InMemoryRegistry implements Registry using an in-memory map.
// Thread-safe with RWMutex; callers receive copies.
type InMemoryRegistry struct {
	records map[string]*RuleSetMetadata
	mu      sync.RWMutex
}

var _ Registry = (*InMemoryRegistry)(nil)

// NewInMemoryRegistry creates an empty registry
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		records: make(map[string]*RuleSetMetadata),
	}
}

func (r *InMemoryRegistry) Put(_ context.Context, m *RuleSetMetadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := m.clone()
	if existing, ok := r.records[m.ID]; ok {
		c.ExecutionCount = existing.ExecutionCount
	}
	r.records[m.ID] = c
	return nil
}

func (r *InMemoryRegistry) Get(_ context.Context, id string) (*RuleSetMetadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, exists := r.records[id]
	if !exists {
		return nil, notFound(id)
	}
	return m.clone(), nil
}

func (r *InMemoryRegistry) FindByVersion(_ context.Context, version string) ([]*RuleSetMetadata, error) {
	return r.filter(func(m *RuleSetMetadata) bool {
		return m.Status != StatusDeleted && m.Version == version
	}), nil
}

func (r *InMemoryRegistry) FindByName(_ context.Context, name string) ([]*RuleSetMetadata, error) {
	return r.filter(func(m *RuleSetMetadata) bool {
		return m.Status != StatusDeleted && m.Name == name
	}), nil
}

func (r *InMemoryRegistry) List(_ context.Context) ([]*RuleSetMetadata, error) {
	return r.filter(func(*RuleSetMetadata) bool { return true }), nil
}

func (r *InMemoryRegistry) IncrementExecutions(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.records[id]
	if !exists {
		return notFound(id)
	}
	m.ExecutionCount++
	return nil
}

func (r *InMemoryRegistry) filter(keep func(*RuleSetMetadata) bool) []*RuleSetMetadata {
	r.mu.RLock()
	out := make([]*RuleSetMetadata, 0, len(r.records))
	for _, m := range r.records {
		if keep(m) {
			out = append(out, m.clone())
		}
	}
	r.mu.RUnlock()

	sortByCreated(out)
	return out
}

func sortByCreated(list []*RuleSetMetadata) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
