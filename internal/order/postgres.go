package order

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"orderfulfillment/internal/platform/postgres"

	"github.com/lib/pq"
)

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// PostgresStore persists orders as a JSONB document plus an order_items table.
// Filterable fields are mirrored into columns.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func encodeDocument(o *Order) ([]byte, error) {
	doc := *o
	doc.Items = nil
	return json.Marshal(&doc)
}

func decodeDocument(raw []byte) (*Order, error) {
	var o Order
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("failed to decode order document: %w", err)
	}
	return &o, nil
}

func (s *PostgresStore) Create(ctx context.Context, o *Order) error {
	o.Version = 1
	doc, err := encodeDocument(o)
	if err != nil {
		return err
	}

	return postgres.InTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO orders (id, customer_id, cook_id, status, version, created_at, updated_at, document)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			o.ID, o.CustomerID, o.CookID, string(o.Status), o.Version, o.CreatedAt, o.UpdatedAt, doc)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return ErrConflict
			}
			return fmt.Errorf("failed to insert order: %w", err)
		}
		return insertItems(ctx, tx, o.ID, o.Items)
	})
}

func insertItems(ctx context.Context, tx *sql.Tx, orderID string, items []Item) error {
	for i, it := range items {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO order_items (order_id, position, dish_id, dish_name, unit_price, quantity, special_instructions, total_price)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			orderID, i, it.DishID, it.DishName, it.UnitPrice, it.Quantity, it.SpecialInstructions, it.TotalPrice)
		if err != nil {
			return fmt.Errorf("failed to insert order item %d: %w", i, err)
		}
	}
	return nil
}

func loadItems(ctx context.Context, q queryer, ids []string) (map[string][]Item, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT order_id, dish_id, dish_name, unit_price, quantity, special_instructions, total_price
		FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, position`,
		pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to load order items: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]Item, len(ids))
	for rows.Next() {
		var orderID string
		var it Item
		if err := rows.Scan(&orderID, &it.DishID, &it.DishName, &it.UnitPrice, &it.Quantity,
			&it.SpecialInstructions, &it.TotalPrice); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		out[orderID] = append(out[orderID], it)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, "SELECT document FROM orders WHERE id = $1", id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	o, err := decodeDocument(raw)
	if err != nil {
		return nil, err
	}
	items, err := loadItems(ctx, s.db, []string{id})
	if err != nil {
		return nil, err
	}
	o.Items = items[id]
	return o, nil
}

// Update locks the row with SELECT ... FOR UPDATE for the duration of fn.
func (s *PostgresStore) Update(ctx context.Context, id string, fn UpdateFunc) (*Order, bool, error) {
	var result *Order
	var changed bool

	err := postgres.InTx(ctx, s.db, func(tx *sql.Tx) error {
		var raw []byte
		err := tx.QueryRowContext(ctx, "SELECT document FROM orders WHERE id = $1 FOR UPDATE", id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock order: %w", err)
		}

		current, err := decodeDocument(raw)
		if err != nil {
			return err
		}
		items, err := loadItems(ctx, tx, []string{id})
		if err != nil {
			return err
		}
		current.Items = items[id]
		result = current

		working := current.Clone()
		ok, err := fn(working)
		if err != nil || !ok {
			return err
		}

		working.Version = current.Version + 1
		doc, err := encodeDocument(working)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE orders SET cook_id = $2, status = $3, version = $4, updated_at = $5, document = $6
			WHERE id = $1 AND version = $7`,
			id, working.CookID, string(working.Status), working.Version, working.UpdatedAt, doc, current.Version)
		if err != nil {
			return fmt.Errorf("failed to update order: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrConflict
		}

		if !itemsEqual(current.Items, working.Items) {
			if _, err := tx.ExecContext(ctx, "DELETE FROM order_items WHERE order_id = $1", id); err != nil {
				return fmt.Errorf("failed to replace order items: %w", err)
			}
			if err := insertItems(ctx, tx, id, working.Items); err != nil {
				return err
			}
		}

		result = working
		changed = true
		return nil
	})
	if err != nil {
		return result, false, err
	}
	return result, changed, nil
}

func itemsEqual(a, b []Item) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].DishID != b[i].DishID || a[i].DishName != b[i].DishName || a[i].Quantity != b[i].Quantity ||
			a[i].SpecialInstructions != b[i].SpecialInstructions ||
			!a[i].UnitPrice.Equal(b[i].UnitPrice) || !a[i].TotalPrice.Equal(b[i].TotalPrice) {
			return false
		}
	}
	return true
}

func (s *PostgresStore) Find(ctx context.Context, q Query) ([]*Order, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.CustomerID != "" {
		where = append(where, "customer_id = "+arg(q.CustomerID))
	}
	if q.CookID != "" {
		where = append(where, "cook_id = "+arg(q.CookID))
	}
	if len(q.Statuses) > 0 {
		statuses := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "status = ANY("+arg(pq.Array(statuses))+")")
	}
	if !q.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < "+arg(q.UpdatedBefore))
	}

	query := "SELECT document FROM orders"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if q.Limit > 0 {
		query += " LIMIT " + arg(q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var out []*Order
	var ids []string
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		o, err := decodeDocument(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
		ids = append(ids, o.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}

	items, err := loadItems(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for _, o := range out {
		o.Items = items[o.ID]
	}
	return out, nil
}
