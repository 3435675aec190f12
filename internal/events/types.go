package events

// Type tags an envelope and selects the payload decoded from its data.
type Type string

// Saga and order lifecycle events.
const (
	OrderCreationRequested                 Type = "ORDER_CREATION_REQUESTED"
	InventoryValidationRequested           Type = "INVENTORY_VALIDATION_REQUESTED"
	OrderValidationResponse                Type = "ORDER_VALIDATION_RESPONSE"
	PaymentReservationRequested            Type = "PAYMENT_RESERVATION_REQUESTED"
	PaymentReservationSuccess              Type = "PAYMENT_RESERVATION_SUCCESS"
	PaymentReservationFailure              Type = "PAYMENT_RESERVATION_FAILURE"
	PaymentReservationReleased             Type = "PAYMENT_RESERVATION_RELEASED"
	PaymentCaptured                        Type = "PAYMENT_CAPTURED"
	PaymentCaptureFailed                   Type = "PAYMENT_CAPTURE_FAILED"
	PaymentRefundRequested                 Type = "PAYMENT_REFUND_REQUESTED"
	PaymentRefundSuccess                   Type = "PAYMENT_REFUND_SUCCESS"
	PaymentRefundFailure                   Type = "PAYMENT_REFUND_FAILURE"
	InventoryReleaseRequested              Type = "INVENTORY_RELEASE_REQUESTED"
	InventoryReconciliationRequested       Type = "INVENTORY_RECONCILIATION_REQUESTED"
	OrderConfirmed                         Type = "ORDER_CONFIRMED"
	OrderRejected                          Type = "ORDER_REJECTED"
	OrderCancelled                         Type = "ORDER_CANCELLED"
	OrderSagaCompleted                     Type = "ORDER_SAGA_COMPLETED"
	OrderCompensationCompleted             Type = "ORDER_COMPENSATION_COMPLETED"
	OrderCancellationNotificationRequested Type = "ORDER_CANCELLATION_NOTIFICATION_REQUESTED"
	OrderStatusUpdated                     Type = "ORDER_STATUS_UPDATED"
	OrderReviewed                          Type = "ORDER_REVIEWED"
	SagaTimeout                            Type = "SAGA_TIMEOUT"
)

// Reasons carried by release, rejection and compensation events.
const (
	ReasonPaymentFailed        = "PAYMENT_FAILED"
	ReasonOrderCancelled       = "ORDER_CANCELLED"
	ReasonSagaTimeout          = "SAGA_TIMEOUT"
	ReasonPaymentCaptureFailed = "PAYMENT_CAPTURE_FAILED"
)

// Compensation types reported in ORDER_COMPENSATION_COMPLETED.
const (
	CompensationValidationFailed  = "INVENTORY_VALIDATION_FAILED"
	CompensationReservationFailed = "PAYMENT_RESERVATION_FAILED"
	CompensationCaptureFailed     = "PAYMENT_CAPTURE_FAILED"
	CompensationOrderCancelled    = "ORDER_CANCELLED"
)

// Saga steps that can time out.
const (
	StepValidation         = "VALIDATION"
	StepPaymentReservation = "PAYMENT_RESERVATION"
	StepPaymentCapture     = "PAYMENT_CAPTURE"
)
