package menu

import (
	"context"
	"sync"
)

// Hold is the number of units recorded against a dish for one order.
type Hold struct {
	DishID   string
	Quantity int
}

// HoldStore remembers what each order took from the catalog so a release gives
// back exactly that, once. An order with an empty hold list still counts as held.
type HoldStore interface {
	Has(ctx context.Context, orderID string) (bool, error)
	Put(ctx context.Context, orderID string, holds []Hold) error
	// Take removes and returns the holds for orderID.
	Take(ctx context.Context, orderID string) ([]Hold, bool, error)
}

// Reservations is the in-process HoldStore used alongside the memory catalog.
type Reservations struct {
	mu      sync.Mutex
	byOrder map[string][]Hold
}

func NewReservations() *Reservations {
	return &Reservations{byOrder: make(map[string][]Hold)}
}

func (r *Reservations) Has(_ context.Context, orderID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byOrder[orderID]
	return ok, nil
}

func (r *Reservations) Put(_ context.Context, orderID string, holds []Hold) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byOrder[orderID] = holds
	return nil
}

func (r *Reservations) Take(_ context.Context, orderID string) ([]Hold, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	holds, ok := r.byOrder[orderID]
	delete(r.byOrder, orderID)
	return holds, ok, nil
}
