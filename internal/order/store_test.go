package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_CreateGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	o := pendingOrder()
	require.NoError(t, s.Create(ctx, o))
	assert.ErrorIs(t, s.Create(ctx, o), ErrConflict)

	got, err := s.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)

	got.Items[0].Quantity = 9
	again, _ := s.Get(ctx, o.ID)
	assert.Equal(t, 2, again.Items[0].Quantity, "stored order must not alias returned copies")

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_UpdateGuards(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, pendingOrder()))

	updated, changed, err := s.Update(ctx, "order-1", func(o *Order) (bool, error) {
		return true, o.TransitionTo(StatusConfirmed, t0)
	})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusConfirmed, updated.Status)
	assert.Equal(t, int64(2), updated.Version)

	_, changed, err = s.Update(ctx, "order-1", func(o *Order) (bool, error) {
		o.CookID = "should not stick"
		return false, errors.New("guard failed")
	})
	assert.Error(t, err)
	assert.False(t, changed)
	got, _ := s.Get(ctx, "order-1")
	assert.Empty(t, got.CookID)
	assert.Equal(t, int64(2), got.Version)

	_, changed, err = s.Update(ctx, "order-1", func(*Order) (bool, error) { return false, nil })
	require.NoError(t, err)
	assert.False(t, changed)

	_, _, err = s.Update(ctx, "missing", func(*Order) (bool, error) { return true, nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ConcurrentTransitionsApplyOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, pendingOrder()))

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, changed, _ := s.Update(ctx, "order-1", func(o *Order) (bool, error) {
				if o.Status != StatusPending {
					return false, nil
				}
				return true, o.TransitionTo(StatusConfirmed, t0)
			})
			if changed {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, applied)
}

func TestMemoryStore_Find(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	mk := func(id, customer, cook string, status Status, created time.Time) {
		require.NoError(t, s.Create(ctx, &Order{ID: id, CustomerID: customer, CookID: cook, Status: status,
			CreatedAt: created, UpdatedAt: created}))
	}
	mk("o1", "c1", "k1", StatusPending, t0)
	mk("o2", "c1", "k2", StatusDelivered, t0.Add(time.Minute))
	mk("o3", "c2", "k1", StatusPreparing, t0.Add(2*time.Minute))

	byCustomer, err := s.Find(ctx, Query{CustomerID: "c1"})
	require.NoError(t, err)
	require.Len(t, byCustomer, 2)
	assert.Equal(t, "o2", byCustomer[0].ID, "newest first")

	active, err := s.Find(ctx, Query{CookID: "k1", Statuses: ActiveStatuses()})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	stale, err := s.Find(ctx, Query{UpdatedBefore: t0.Add(90 * time.Second)})
	require.NoError(t, err)
	assert.Len(t, stale, 2)

	limited, err := s.Find(ctx, Query{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
