package payment

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Query selects transactions. Zero-valued fields do not filter.
type Query struct {
	CustomerID           string
	Statuses             []Status
	CompensationStatuses []CompensationStatus
	MaxAttempts          int
	UpdatedBefore        time.Time
}

func (q Query) matches(t *Transaction) bool {
	if q.CustomerID != "" && t.CustomerID != q.CustomerID {
		return false
	}
	if len(q.Statuses) > 0 && !containsStatus(q.Statuses, t.Status) {
		return false
	}
	if len(q.CompensationStatuses) > 0 && !containsCompensation(q.CompensationStatuses, t.CompensationStatus) {
		return false
	}
	if q.MaxAttempts > 0 && t.CompensationAttempts >= q.MaxAttempts {
		return false
	}
	if !q.UpdatedBefore.IsZero() && !t.UpdatedAt.Before(q.UpdatedBefore) {
		return false
	}
	return true
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsCompensation(list []CompensationStatus, s CompensationStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// UpdateFunc mutates a transaction and reports whether anything changed.
type UpdateFunc func(t *Transaction) (changed bool, err error)

// Store persists payment transactions, one per order.
type Store interface {
	Create(ctx context.Context, t *Transaction) error
	GetByOrder(ctx context.Context, orderID string) (*Transaction, error)
	Update(ctx context.Context, orderID string, fn UpdateFunc) (*Transaction, bool, error)
	Find(ctx context.Context, q Query) ([]*Transaction, error)
}

type MemoryStore struct {
	mu      sync.Mutex
	byOrder map[string]*Transaction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byOrder: make(map[string]*Transaction)}
}

func (s *MemoryStore) Create(_ context.Context, t *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byOrder[t.OrderID]; exists {
		return ErrDuplicate
	}
	t.Version = 1
	s.byOrder[t.OrderID] = t.Clone()
	return nil
}

func (s *MemoryStore) GetByOrder(_ context.Context, orderID string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byOrder[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, orderID string, fn UpdateFunc) (*Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.byOrder[orderID]
	if !ok {
		return nil, false, ErrNotFound
	}
	working := current.Clone()
	changed, err := fn(working)
	if err != nil || !changed {
		return current.Clone(), false, err
	}
	working.Version = current.Version + 1
	s.byOrder[orderID] = working
	return working.Clone(), true, nil
}

func (s *MemoryStore) Find(_ context.Context, q Query) ([]*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Transaction
	for _, t := range s.byOrder {
		if q.matches(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
