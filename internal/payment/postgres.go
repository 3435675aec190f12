package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"orderfulfillment/internal/platform/postgres"

	"github.com/lib/pq"
)

const transactionColumns = `id, order_id, customer_id, amount, currency, payment_method, status,
	gateway_transaction_id, gateway_response, failure_reason,
	compensation_status, compensation_action, compensation_attempts, compensation_reason,
	reserved_at, captured_at, refunded_at, failed_at, created_at, updated_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

// PostgresStore keeps the payment ledger in payment_transactions.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var (
		t                                            Transaction
		method, status, compStatus, compAction       string
		reservedAt, capturedAt, refundedAt, failedAt sql.NullTime
	)
	err := row.Scan(&t.ID, &t.OrderID, &t.CustomerID, &t.Amount, &t.Currency, &method, &status,
		&t.GatewayTransactionID, &t.GatewayResponse, &t.FailureReason,
		&compStatus, &compAction, &t.CompensationAttempts, &t.CompensationReason,
		&reservedAt, &capturedAt, &refundedAt, &failedAt, &t.CreatedAt, &t.UpdatedAt, &t.Version)
	if err != nil {
		return nil, err
	}
	t.PaymentMethod = Method(method)
	t.Status = Status(status)
	t.CompensationStatus = CompensationStatus(compStatus)
	t.CompensationAction = Action(compAction)
	t.ReservedAt = fromNull(reservedAt)
	t.CapturedAt = fromNull(capturedAt)
	t.RefundedAt = fromNull(refundedAt)
	t.FailedAt = fromNull(failedAt)
	return &t, nil
}

func fromNull(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	return &n.Time
}

func toNull(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (s *PostgresStore) Create(ctx context.Context, t *Transaction) error {
	t.Version = 1
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payment_transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		t.ID, t.OrderID, t.CustomerID, t.Amount, t.Currency, string(t.PaymentMethod), string(t.Status),
		t.GatewayTransactionID, t.GatewayResponse, t.FailureReason,
		string(t.CompensationStatus), string(t.CompensationAction), t.CompensationAttempts, t.CompensationReason,
		toNull(t.ReservedAt), toNull(t.CapturedAt), toNull(t.RefundedAt), toNull(t.FailedAt),
		t.CreatedAt, t.UpdatedAt, t.Version)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert payment transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByOrder(ctx context.Context, orderID string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM payment_transactions WHERE order_id = $1`, orderID)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment transaction: %w", err)
	}
	return t, nil
}

// Update locks the row for the duration of fn, so concurrent handlers for the same
// order serialize on the database rather than racing on a stale read.
func (s *PostgresStore) Update(ctx context.Context, orderID string, fn UpdateFunc) (*Transaction, bool, error) {
	var (
		result  *Transaction
		changed bool
	)
	err := postgres.InTx(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+transactionColumns+` FROM payment_transactions WHERE order_id = $1 FOR UPDATE`, orderID)
		current, err := scanTransaction(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock payment transaction: %w", err)
		}

		working := current.Clone()
		ok, err := fn(working)
		if err != nil {
			result = current
			return err
		}
		if !ok {
			result = current
			return nil
		}

		working.Version = current.Version + 1
		res, err := tx.ExecContext(ctx,
			`UPDATE payment_transactions SET status = $2, gateway_transaction_id = $3, gateway_response = $4,
			failure_reason = $5, compensation_status = $6, compensation_action = $7, compensation_attempts = $8,
			compensation_reason = $9, reserved_at = $10, captured_at = $11, refunded_at = $12, failed_at = $13,
			updated_at = $14, version = $15
			WHERE order_id = $1 AND version = $16`,
			orderID, string(working.Status), working.GatewayTransactionID, working.GatewayResponse,
			working.FailureReason, string(working.CompensationStatus), string(working.CompensationAction),
			working.CompensationAttempts, working.CompensationReason,
			toNull(working.ReservedAt), toNull(working.CapturedAt), toNull(working.RefundedAt), toNull(working.FailedAt),
			working.UpdatedAt, working.Version, current.Version)
		if err != nil {
			return fmt.Errorf("failed to update payment transaction: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrConflict
		}
		result, changed = working, true
		return nil
	})
	if err != nil {
		return result, false, err
	}
	return result, changed, nil
}

func (s *PostgresStore) Find(ctx context.Context, q Query) ([]*Transaction, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if q.CustomerID != "" {
		add("customer_id = $%d", q.CustomerID)
	}
	if len(q.Statuses) > 0 {
		vals := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			vals[i] = string(st)
		}
		add("status = ANY($%d)", pq.Array(vals))
	}
	if len(q.CompensationStatuses) > 0 {
		vals := make([]string, len(q.CompensationStatuses))
		for i, st := range q.CompensationStatuses {
			vals[i] = string(st)
		}
		add("compensation_status = ANY($%d)", pq.Array(vals))
	}
	if q.MaxAttempts > 0 {
		add("compensation_attempts < $%d", q.MaxAttempts)
	}
	if !q.UpdatedBefore.IsZero() {
		add("updated_at < $%d", q.UpdatedBefore)
	}

	query := `SELECT ` + transactionColumns + ` FROM payment_transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payment transactions: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
