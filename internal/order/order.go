package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrValidation        = errors.New("invalid order")
	ErrAlreadyValidated  = errors.New("order totals already assigned")
	ErrConflict          = errors.New("order was modified concurrently")
)

type Status string

const (
	StatusPending        Status = "PENDING"
	StatusConfirmed      Status = "CONFIRMED"
	StatusPreparing      Status = "PREPARING"
	StatusReadyForPickup Status = "READY_FOR_PICKUP"
	StatusOutForDelivery Status = "OUT_FOR_DELIVERY"
	StatusDelivered      Status = "DELIVERED"
	StatusCancelled      Status = "CANCELLED"
	StatusRejected       Status = "REJECTED"
)

// Statuses lists every order status in lifecycle order.
var Statuses = []Status{
	StatusPending, StatusConfirmed, StatusPreparing, StatusReadyForPickup,
	StatusOutForDelivery, StatusDelivered, StatusCancelled, StatusRejected,
}

var transitions = map[Status][]Status{
	StatusPending:        {StatusConfirmed, StatusRejected},
	StatusConfirmed:      {StatusPreparing, StatusCancelled},
	StatusPreparing:      {StatusReadyForPickup, StatusCancelled},
	StatusReadyForPickup: {StatusOutForDelivery, StatusDelivered},
	StatusOutForDelivery: {StatusDelivered},
}

// CanTransition reports whether from -> to is an edge of the order lifecycle.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCancelled || s == StatusRejected
}

// ActiveStatuses are the statuses an order can be in while it still needs attention.
func ActiveStatuses() []Status {
	var out []Status
	for _, s := range Statuses {
		if !s.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}

type DeliveryType string

const (
	DeliveryTypeDelivery DeliveryType = "DELIVERY"
	DeliveryTypePickup   DeliveryType = "PICKUP"
)

// PaymentStatus is the customer-facing view of the payment, not the ledger state.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "PENDING"
	PaymentProcessing PaymentStatus = "PROCESSING"
	PaymentCompleted  PaymentStatus = "COMPLETED"
	PaymentFailed     PaymentStatus = "FAILED"
	PaymentRefunded   PaymentStatus = "REFUNDED"
)

const DefaultPaymentMethod = "COD"

// Item is one line of an order. Name and price are snapshots taken at validation.
type Item struct {
	DishID              string          `json:"dishId"`
	DishName            string          `json:"dishName,omitempty"`
	UnitPrice           decimal.Decimal `json:"unitPrice"`
	Quantity            int             `json:"quantity"`
	SpecialInstructions string          `json:"specialInstructions,omitempty"`
	TotalPrice          decimal.Decimal `json:"totalPrice"`
}

// Order is the aggregate root of a customer purchase.
type Order struct {
	ID         string `json:"id"`
	CustomerID string `json:"customerId"`
	CookID     string `json:"cookId,omitempty"`
	Status     Status `json:"status"`
	Items      []Item `json:"items"`

	Subtotal    decimal.Decimal `json:"subtotal"`
	DeliveryFee decimal.Decimal `json:"deliveryFee"`
	TaxAmount   decimal.Decimal `json:"taxAmount"`
	TotalAmount decimal.Decimal `json:"totalAmount"`

	DeliveryType         DeliveryType `json:"deliveryType"`
	DeliveryAddress      string       `json:"deliveryAddress,omitempty"`
	DeliveryCity         string       `json:"deliveryCity,omitempty"`
	DeliveryPincode      string       `json:"deliveryPincode,omitempty"`
	DeliveryInstructions string       `json:"deliveryInstructions,omitempty"`
	SpecialInstructions  string       `json:"specialInstructions,omitempty"`

	PaymentMethod        string        `json:"paymentMethod"`
	PaymentStatus        PaymentStatus `json:"paymentStatus"`
	PaymentTransactionID string        `json:"paymentTransactionId,omitempty"`

	CancellationReason string           `json:"cancellationReason,omitempty"`
	Rating             *decimal.Decimal `json:"rating,omitempty"`
	ReviewComment      string           `json:"reviewComment,omitempty"`

	Validated             bool       `json:"validated"`
	EstimatedDeliveryTime time.Time  `json:"estimatedDeliveryTime"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
	ValidatedAt           *time.Time `json:"validatedAt,omitempty"`
	ConfirmedAt           *time.Time `json:"confirmedAt,omitempty"`
	PreparingAt           *time.Time `json:"preparingAt,omitempty"`
	PreparedAt            *time.Time `json:"preparedAt,omitempty"`
	PickedUpAt            *time.Time `json:"pickedUpAt,omitempty"`
	DeliveredAt           *time.Time `json:"deliveredAt,omitempty"`
	CancelledAt           *time.Time `json:"cancelledAt,omitempty"`

	Version int64 `json:"version"`
}

// Clone returns a deep copy so stores never hand out shared state.
func (o *Order) Clone() *Order {
	c := *o
	c.Items = append([]Item(nil), o.Items...)
	if o.Rating != nil {
		r := *o.Rating
		c.Rating = &r
	}
	for _, p := range []**time.Time{&c.ValidatedAt, &c.ConfirmedAt, &c.PreparingAt, &c.PreparedAt,
		&c.PickedUpAt, &c.DeliveredAt, &c.CancelledAt} {
		if *p != nil {
			t := **p
			*p = &t
		}
	}
	return &c
}

// TransitionTo moves the order to next and stamps the timestamp bound to that
// transition. An illegal transition returns ErrInvalidTransition and leaves the
// order untouched.
func (o *Order) TransitionTo(next Status, at time.Time) error {
	if !CanTransition(o.Status, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, next)
	}

	ts := at
	switch next {
	case StatusConfirmed:
		o.ConfirmedAt = &ts
	case StatusPreparing:
		o.PreparingAt = &ts
	case StatusReadyForPickup:
		o.PreparedAt = &ts
	case StatusOutForDelivery:
		o.PickedUpAt = &ts
	case StatusDelivered:
		o.DeliveredAt = &ts
		o.PaymentStatus = PaymentCompleted
	case StatusCancelled, StatusRejected:
		o.CancelledAt = &ts
	}
	o.Status = next
	o.UpdatedAt = at
	return nil
}

// Validation is the verdict data written onto the order by a successful validation.
type Validation struct {
	CookID      string
	Subtotal    decimal.Decimal
	DeliveryFee decimal.Decimal
	TaxAmount   decimal.Decimal
	TotalAmount decimal.Decimal
	Items       []Item
}

// ApplyValidation writes totals, cook and item snapshots. It succeeds once per order.
func (o *Order) ApplyValidation(v Validation, at time.Time) error {
	if o.Validated {
		return ErrAlreadyValidated
	}
	if o.Status != StatusPending {
		return fmt.Errorf("%w: cannot validate order in status %s", ErrInvalidTransition, o.Status)
	}

	o.CookID = v.CookID
	o.Subtotal = v.Subtotal
	o.DeliveryFee = v.DeliveryFee
	o.TaxAmount = v.TaxAmount
	o.TotalAmount = v.TotalAmount
	if len(v.Items) > 0 {
		o.Items = mergeSnapshots(o.Items, v.Items)
	}
	o.Validated = true
	o.PaymentStatus = PaymentProcessing
	ts := at
	o.ValidatedAt = &ts
	o.UpdatedAt = at
	return nil
}

// mergeSnapshots keeps the customer's per-item instructions while taking names and
// prices from the validator.
func mergeSnapshots(requested, validated []Item) []Item {
	notes := make(map[string]string, len(requested))
	for _, it := range requested {
		notes[it.DishID] = it.SpecialInstructions
	}
	out := make([]Item, len(validated))
	for i, it := range validated {
		if it.SpecialInstructions == "" {
			it.SpecialInstructions = notes[it.DishID]
		}
		it.TotalPrice = it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity)))
		out[i] = it
	}
	return out
}

// Reject ends a pending order.
func (o *Order) Reject(reason string, at time.Time) error {
	if err := o.TransitionTo(StatusRejected, at); err != nil {
		return err
	}
	o.CancellationReason = reason
	o.PaymentStatus = PaymentFailed
	return nil
}

// Cancel ends a confirmed or preparing order.
func (o *Order) Cancel(reason string, at time.Time) error {
	if o.Status.IsTerminal() {
		return fmt.Errorf("%w: order already %s", ErrInvalidTransition, o.Status)
	}
	if err := o.TransitionTo(StatusCancelled, at); err != nil {
		return err
	}
	o.CancellationReason = reason
	return nil
}

var (
	minRating = decimal.NewFromInt(1)
	maxRating = decimal.NewFromInt(5)
)

// AddReview attaches a rating in [1, 5] and an optional comment to a delivered order.
func (o *Order) AddReview(rating decimal.Decimal, comment string, at time.Time) error {
	if o.Status != StatusDelivered {
		return fmt.Errorf("%w: can only review delivered orders, order is %s", ErrValidation, o.Status)
	}
	if rating.LessThan(minRating) || rating.GreaterThan(maxRating) {
		return fmt.Errorf("%w: rating %s outside [1, 5]", ErrValidation, rating.String())
	}
	r := rating
	o.Rating = &r
	o.ReviewComment = comment
	o.UpdatedAt = at
	return nil
}
