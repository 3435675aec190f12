package menu

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDish_RecordAndRelease(t *testing.T) {
	d := Dish{ID: "dish-a", Status: DishActive, AvailableQuantity: 1, DailyCapacity: 5}
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	d.recordOrder(at)
	assert.Equal(t, 0, d.AvailableQuantity)
	assert.Equal(t, 1, d.TotalOrders)
	assert.Equal(t, DishOutOfStock, d.Status)

	d.recordOrder(at)
	assert.Equal(t, 0, d.AvailableQuantity, "never negative")

	d.release(10, at)
	assert.Equal(t, 5, d.AvailableQuantity, "capped at daily capacity")
	assert.Equal(t, 0, d.TotalOrders)
	assert.Equal(t, DishActive, d.Status)
}

func TestMemoryCatalog(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCatalog(Dish{ID: "dish-a", Status: DishActive, AvailableQuantity: 3})

	require.NoError(t, c.RecordDishOrder(ctx, "dish-a"))
	d, err := c.GetDishByID(ctx, "dish-a")
	require.NoError(t, err)
	assert.Equal(t, 2, d.AvailableQuantity)

	require.NoError(t, c.ReleaseDish(ctx, "dish-a", 1))
	d, err = c.GetDishByID(ctx, "dish-a")
	require.NoError(t, err)
	assert.Equal(t, 3, d.AvailableQuantity)

	_, err = c.GetDishByID(ctx, "nope")
	assert.ErrorIs(t, err, ErrDishNotFound)
	assert.ErrorIs(t, c.RecordDishOrder(ctx, "nope"), ErrDishNotFound)
}

func TestMemoryCatalog_ListDishesSortedByID(t *testing.T) {
	c := NewMemoryCatalog(
		Dish{ID: "dish-c", CookID: "C2"},
		Dish{ID: "dish-a", CookID: "C1"},
		Dish{ID: "dish-b", CookID: "C1"},
	)

	dishes, err := c.ListDishes(context.Background())
	require.NoError(t, err)
	ids := make([]string, len(dishes))
	for i, d := range dishes {
		ids[i] = d.ID
	}
	assert.Equal(t, []string{"dish-a", "dish-b", "dish-c"}, ids)
}
