package payment

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// MaxCompensationAttempts bounds automatic refund and release retries. Reaching it
// leaves the transaction for manual intervention.
const MaxCompensationAttempts = 3

const DefaultCurrency = "INR"

var (
	ErrNotFound              = errors.New("payment transaction not found")
	ErrDuplicate             = errors.New("payment transaction already exists for order")
	ErrInvalidState          = errors.New("payment transaction in wrong state")
	ErrCompensationExhausted = errors.New("compensation attempts exhausted")
	ErrCompensationInFlight  = errors.New("compensation already in progress")
	ErrConflict              = errors.New("payment transaction was modified concurrently")
)

type Status string

const (
	StatusPending           Status = "PENDING"
	StatusReserved          Status = "RESERVED"
	StatusCaptured          Status = "CAPTURED"
	StatusFailed            Status = "FAILED"
	StatusRefunded          Status = "REFUNDED"
	StatusPartiallyRefunded Status = "PARTIALLY_REFUNDED"
)

type CompensationStatus string

const (
	CompensationNone       CompensationStatus = "NONE"
	CompensationPending    CompensationStatus = "PENDING"
	CompensationInProgress CompensationStatus = "IN_PROGRESS"
	CompensationCompleted  CompensationStatus = "COMPLETED"
	CompensationFailed     CompensationStatus = "FAILED"
)

// Action is the compensating gateway call a transaction is undergoing.
type Action string

const (
	ActionRefund  Action = "REFUND"
	ActionRelease Action = "RELEASE"
)

type Method string

const (
	MethodUPI        Method = "UPI"
	MethodCreditCard Method = "CREDIT_CARD"
	MethodDebitCard  Method = "DEBIT_CARD"
	MethodNetBanking Method = "NET_BANKING"
	MethodWallet     Method = "WALLET"
	MethodCOD        Method = "COD"
)

// ParseMethod maps a free-form method name onto a known one, defaulting to UPI.
func ParseMethod(s string) Method {
	switch m := Method(s); m {
	case MethodUPI, MethodCreditCard, MethodDebitCard, MethodNetBanking, MethodWallet, MethodCOD:
		return m
	default:
		return MethodUPI
	}
}

// Transaction is the payment ledger entry for one order.
type Transaction struct {
	ID                   string
	OrderID              string
	CustomerID           string
	Amount               decimal.Decimal
	Currency             string
	PaymentMethod        Method
	Status               Status
	GatewayTransactionID string
	GatewayResponse      string
	FailureReason        string
	CompensationStatus   CompensationStatus
	CompensationAction   Action
	CompensationAttempts int
	CompensationReason   string
	ReservedAt           *time.Time
	CapturedAt           *time.Time
	RefundedAt           *time.Time
	FailedAt             *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
	Version              int64
}

func (t *Transaction) Clone() *Transaction {
	c := *t
	for _, p := range []**time.Time{&c.ReservedAt, &c.CapturedAt, &c.RefundedAt, &c.FailedAt} {
		if *p != nil {
			v := **p
			*p = &v
		}
	}
	return &c
}

// CanRetryCompensation reports whether an automatic retry is still allowed.
func (t *Transaction) CanRetryCompensation() bool {
	return t.CompensationAttempts < MaxCompensationAttempts
}

func stamp(at time.Time) *time.Time {
	return &at
}
