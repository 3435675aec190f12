package menu

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var ErrDishNotFound = errors.New("dish not found")

type DishStatus string

const (
	DishActive                 DishStatus = "ACTIVE"
	DishInactive               DishStatus = "INACTIVE"
	DishOutOfStock             DishStatus = "OUT_OF_STOCK"
	DishTemporarilyUnavailable DishStatus = "TEMPORARILY_UNAVAILABLE"
)

// Dish is the catalog view the validator needs.
type Dish struct {
	ID                string
	CookID            string
	Name              string
	Price             decimal.Decimal
	Status            DishStatus
	AvailableQuantity int
	DailyCapacity     int
	TotalOrders       int
	UpdatedAt         time.Time
}

// recordOrder counts one ordered unit. Availability never goes negative and a dish
// that runs out is marked OUT_OF_STOCK.
func (d *Dish) recordOrder(at time.Time) {
	d.TotalOrders++
	if d.AvailableQuantity > 0 {
		d.AvailableQuantity--
	}
	if d.AvailableQuantity == 0 {
		d.Status = DishOutOfStock
	}
	d.UpdatedAt = at
}

// release returns qty units, capped at the daily capacity when one is set.
func (d *Dish) release(qty int, at time.Time) {
	d.AvailableQuantity += qty
	if d.DailyCapacity > 0 && d.AvailableQuantity > d.DailyCapacity {
		d.AvailableQuantity = d.DailyCapacity
	}
	d.TotalOrders -= qty
	if d.TotalOrders < 0 {
		d.TotalOrders = 0
	}
	if d.Status == DishOutOfStock && d.AvailableQuantity > 0 {
		d.Status = DishActive
	}
	d.UpdatedAt = at
}

// Catalog is the menu service as seen by order fulfillment.
type Catalog interface {
	GetDishByID(ctx context.Context, id string) (Dish, error)
	RecordDishOrder(ctx context.Context, id string) error
	ReleaseDish(ctx context.Context, id string, qty int) error
}

type MemoryCatalog struct {
	mu     sync.Mutex
	dishes map[string]Dish
}

func NewMemoryCatalog(dishes ...Dish) *MemoryCatalog {
	c := &MemoryCatalog{dishes: make(map[string]Dish, len(dishes))}
	for _, d := range dishes {
		c.dishes[d.ID] = d
	}
	return c
}

// ListDishes returns every dish ordered by id.
func (c *MemoryCatalog) ListDishes(_ context.Context) ([]Dish, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Dish, 0, len(c.dishes))
	for _, d := range c.dishes {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Put adds or replaces a dish.
func (c *MemoryCatalog) Put(d Dish) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dishes[d.ID] = d
}

func (c *MemoryCatalog) GetDishByID(_ context.Context, id string) (Dish, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.dishes[id]
	if !ok {
		return Dish{}, fmt.Errorf("%w: %s", ErrDishNotFound, id)
	}
	return d, nil
}

func (c *MemoryCatalog) RecordDishOrder(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.dishes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDishNotFound, id)
	}
	d.recordOrder(time.Now().UTC())
	c.dishes[id] = d
	return nil
}

func (c *MemoryCatalog) ReleaseDish(_ context.Context, id string, qty int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.dishes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDishNotFound, id)
	}
	d.release(qty, time.Now().UTC())
	c.dishes[id] = d
	return nil
}
