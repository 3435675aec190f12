package order

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Query selects orders. Zero-valued fields do not filter.
type Query struct {
	CustomerID    string
	CookID        string
	Statuses      []Status
	UpdatedBefore time.Time
	Limit         int
}

func (q Query) matches(o *Order) bool {
	if q.CustomerID != "" && o.CustomerID != q.CustomerID {
		return false
	}
	if q.CookID != "" && o.CookID != q.CookID {
		return false
	}
	if !q.UpdatedBefore.IsZero() && !o.UpdatedAt.Before(q.UpdatedBefore) {
		return false
	}
	if len(q.Statuses) == 0 {
		return true
	}
	for _, s := range q.Statuses {
		if o.Status == s {
			return true
		}
	}
	return false
}

// UpdateFunc mutates an order in place and reports whether anything changed.
// Returning an error aborts the update and leaves the stored order untouched.
type UpdateFunc func(o *Order) (changed bool, err error)

// Store persists orders. Update is a guarded read-modify-write: fn sees the current
// state and the write only happens if the order has not changed in between.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	Update(ctx context.Context, id string, fn UpdateFunc) (*Order, bool, error)
	Find(ctx context.Context, q Query) ([]*Order, error)
}

// MemoryStore keeps orders in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	orders map[string]*Order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*Order)}
}

func (s *MemoryStore) Create(_ context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[o.ID]; exists {
		return ErrConflict
	}
	stored := o.Clone()
	stored.Version = 1
	s.orders[o.ID] = stored
	o.Version = 1
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, id string, fn UpdateFunc) (*Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.orders[id]
	if !ok {
		return nil, false, ErrNotFound
	}

	working := current.Clone()
	changed, err := fn(working)
	if err != nil {
		return current.Clone(), false, err
	}
	if !changed {
		return current.Clone(), false, nil
	}

	working.Version = current.Version + 1
	s.orders[id] = working
	return working.Clone(), true, nil
}

func (s *MemoryStore) Find(_ context.Context, q Query) ([]*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Order
	for _, o := range s.orders {
		if q.matches(o) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}
