package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payload is the typed data section of an envelope.
type Payload interface {
	EventType() Type
}

// ItemRequest is a dish and quantity as requested by the customer.
type ItemRequest struct {
	DishID              string `json:"dishId"`
	Quantity            int    `json:"quantity"`
	SpecialInstructions string `json:"specialInstructions,omitempty"`
}

// ValidatedItem is the price and name snapshot taken by the validator.
type ValidatedItem struct {
	DishID    string          `json:"dishId"`
	DishName  string          `json:"dishName"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Quantity  int             `json:"quantity"`
}

type OrderCreationRequestedData struct {
	CustomerID   string        `json:"customerId"`
	DeliveryType string        `json:"deliveryType"`
	Items        []ItemRequest `json:"items"`
}

type InventoryValidationRequestedData struct {
	CustomerID   string        `json:"customerId"`
	DeliveryType string        `json:"deliveryType"`
	Items        []ItemRequest `json:"items"`
}

// ValidationResponseData is the validator's verdict. Totals and items are only
// meaningful when IsValid is true.
type ValidationResponseData struct {
	IsValid     bool            `json:"isValid"`
	CookID      string          `json:"cookId,omitempty"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	DeliveryFee decimal.Decimal `json:"deliveryFee"`
	TaxAmount   decimal.Decimal `json:"taxAmount"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	Items       []ValidatedItem `json:"items,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

type PaymentReservationRequestedData struct {
	CustomerID    string          `json:"customerId"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"paymentMethod,omitempty"`
}

type PaymentReservationSuccessData struct {
	PaymentID string `json:"paymentId"`
}

type PaymentReservationFailureData struct {
	Reason string `json:"reason"`
}

type PaymentReservationReleasedData struct {
	Reason string `json:"reason"`
}

type PaymentCapturedData struct {
	Amount decimal.Decimal `json:"amount"`
}

type PaymentCaptureFailedData struct {
	Reason string `json:"reason"`
}

type PaymentRefundRequestedData struct {
	PaymentID string `json:"paymentId"`
	Reason    string `json:"reason"`
}

type PaymentRefundSuccessData struct {
	Amount decimal.Decimal `json:"amount"`
}

type PaymentRefundFailureData struct {
	Reason   string `json:"reason"`
	Attempts int    `json:"attempts"`
}

type InventoryReleaseRequestedData struct {
	Reason string `json:"reason"`
}

// InventoryReconciliationRequestedData flags a dish whose availability counter
// could not be decremented after the order was accepted.
type InventoryReconciliationRequestedData struct {
	DishID   string `json:"dishId"`
	Quantity int    `json:"quantity"`
	Reason   string `json:"reason"`
}

type OrderConfirmedData struct {
	CustomerID string `json:"customerId"`
	CookID     string `json:"cookId"`
}

type OrderRejectedData struct {
	CustomerID string `json:"customerId"`
	Reason     string `json:"reason"`
}

type OrderCancelledData struct {
	CustomerID string `json:"customerId"`
	CookID     string `json:"cookId,omitempty"`
	Reason     string `json:"reason"`
}

type OrderSagaCompletedData struct{}

type OrderCompensationCompletedData struct {
	CompensationType string `json:"compensationType"`
	Reason           string `json:"reason"`
}

type OrderCancellationNotificationRequestedData struct {
	CustomerID string `json:"customerId"`
	Reason     string `json:"reason"`
}

type OrderStatusUpdatedData struct {
	OldStatus  string `json:"oldStatus"`
	NewStatus  string `json:"newStatus"`
	CustomerID string `json:"customerId"`
	CookID     string `json:"cookId,omitempty"`
}

type OrderReviewedData struct {
	CustomerID string          `json:"customerId"`
	CookID     string          `json:"cookId,omitempty"`
	Rating     decimal.Decimal `json:"rating"`
	Comment    string          `json:"comment"`
}

// SagaTimeoutData is synthesized by the timeout sweeper, never by a collaborator.
type SagaTimeoutData struct {
	Step     string    `json:"step"`
	Deadline time.Time `json:"deadline"`
}

func (OrderCreationRequestedData) EventType() Type { return OrderCreationRequested }
func (InventoryValidationRequestedData) EventType() Type { return InventoryValidationRequested }
func (ValidationResponseData) EventType() Type { return OrderValidationResponse }
func (PaymentReservationRequestedData) EventType() Type { return PaymentReservationRequested }
func (PaymentReservationSuccessData) EventType() Type { return PaymentReservationSuccess }
func (PaymentReservationFailureData) EventType() Type { return PaymentReservationFailure }
func (PaymentReservationReleasedData) EventType() Type { return PaymentReservationReleased }
func (PaymentCapturedData) EventType() Type { return PaymentCaptured }
func (PaymentCaptureFailedData) EventType() Type { return PaymentCaptureFailed }
func (PaymentRefundRequestedData) EventType() Type { return PaymentRefundRequested }
func (PaymentRefundSuccessData) EventType() Type { return PaymentRefundSuccess }
func (PaymentRefundFailureData) EventType() Type { return PaymentRefundFailure }
func (InventoryReleaseRequestedData) EventType() Type { return InventoryReleaseRequested }
func (InventoryReconciliationRequestedData) EventType() Type {
	return InventoryReconciliationRequested
}
func (OrderConfirmedData) EventType() Type { return OrderConfirmed }
func (OrderRejectedData) EventType() Type { return OrderRejected }
func (OrderCancelledData) EventType() Type { return OrderCancelled }
func (OrderSagaCompletedData) EventType() Type { return OrderSagaCompleted }
func (OrderCompensationCompletedData) EventType() Type { return OrderCompensationCompleted }
func (OrderCancellationNotificationRequestedData) EventType() Type {
	return OrderCancellationNotificationRequested
}
func (OrderStatusUpdatedData) EventType() Type { return OrderStatusUpdated }
func (OrderReviewedData) EventType() Type { return OrderReviewed }
func (SagaTimeoutData) EventType() Type { return SagaTimeout }

var registry = map[Type]func() Payload{
	OrderCreationRequested:                 func() Payload { return &OrderCreationRequestedData{} },
	InventoryValidationRequested:           func() Payload { return &InventoryValidationRequestedData{} },
	OrderValidationResponse:                func() Payload { return &ValidationResponseData{} },
	PaymentReservationRequested:            func() Payload { return &PaymentReservationRequestedData{} },
	PaymentReservationSuccess:              func() Payload { return &PaymentReservationSuccessData{} },
	PaymentReservationFailure:              func() Payload { return &PaymentReservationFailureData{} },
	PaymentReservationReleased:             func() Payload { return &PaymentReservationReleasedData{} },
	PaymentCaptured:                        func() Payload { return &PaymentCapturedData{} },
	PaymentCaptureFailed:                   func() Payload { return &PaymentCaptureFailedData{} },
	PaymentRefundRequested:                 func() Payload { return &PaymentRefundRequestedData{} },
	PaymentRefundSuccess:                   func() Payload { return &PaymentRefundSuccessData{} },
	PaymentRefundFailure:                   func() Payload { return &PaymentRefundFailureData{} },
	InventoryReleaseRequested:              func() Payload { return &InventoryReleaseRequestedData{} },
	InventoryReconciliationRequested:       func() Payload { return &InventoryReconciliationRequestedData{} },
	OrderConfirmed:                         func() Payload { return &OrderConfirmedData{} },
	OrderRejected:                          func() Payload { return &OrderRejectedData{} },
	OrderCancelled:                         func() Payload { return &OrderCancelledData{} },
	OrderSagaCompleted:                     func() Payload { return &OrderSagaCompletedData{} },
	OrderCompensationCompleted:             func() Payload { return &OrderCompensationCompletedData{} },
	OrderCancellationNotificationRequested: func() Payload { return &OrderCancellationNotificationRequestedData{} },
	OrderStatusUpdated:                     func() Payload { return &OrderStatusUpdatedData{} },
	OrderReviewed:                          func() Payload { return &OrderReviewedData{} },
	SagaTimeout:                            func() Payload { return &SagaTimeoutData{} },
}

// Known reports whether t has a registered payload type.
func Known(t Type) bool {
	_, ok := registry[t]
	return ok
}
