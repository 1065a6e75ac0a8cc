package repositories

import "fmt"

// PaymentErrorCode enumerates repository error causes for payment operations.
type PaymentErrorCode string

const (
	// PaymentErrorUnknown represents an unspecified failure.
	PaymentErrorUnknown PaymentErrorCode = "payment_unknown"
	// PaymentErrorNoPending indicates no pending transaction exists for the order.
	PaymentErrorNoPending PaymentErrorCode = "payment_no_pending"
	// PaymentErrorAmountMismatch indicates the settled amount diverges from the
	// recorded transaction amount beyond tolerance.
	PaymentErrorAmountMismatch PaymentErrorCode = "payment_amount_mismatch"
	// PaymentErrorOrderNotFound indicates the referenced order is missing.
	PaymentErrorOrderNotFound PaymentErrorCode = "payment_order_not_found"
)

// PaymentError wraps payment-specific failures with machine readable codes.
type PaymentError struct {
	Op      string
	Code    PaymentErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *PaymentError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *PaymentError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewPaymentError constructs a typed payment error.
func NewPaymentError(code PaymentErrorCode, message string, err error) *PaymentError {
	if message == "" {
		message = string(code)
	}
	return &PaymentError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}
