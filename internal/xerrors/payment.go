package xerrors

import "errors"

// PaymentErrorKind classifies a failed in-person payment verification.
type PaymentErrorKind string

const (
	KindLocked              PaymentErrorKind = "CARD_LOCKED"
	KindInvalidCredential   PaymentErrorKind = "INVALID_CREDENTIAL"
	KindInsufficientBalance PaymentErrorKind = "INSUFFICIENT_BALANCE"
	KindExpired             PaymentErrorKind = "EXPIRED"
	KindAlreadyUsed         PaymentErrorKind = "ALREADY_USED"
	KindScopeMismatch       PaymentErrorKind = "SCOPE_MISMATCH"
	KindNotFound            PaymentErrorKind = "NOT_FOUND"
	KindValidation          PaymentErrorKind = "VALIDATION"
	KindInactive            PaymentErrorKind = "INACTIVE"
)

// PaymentError is the single error type returned by the verification engine.
// KindLocked is the hard security stop; every other kind is a recoverable
// business outcome that callers render to the user.
type PaymentError struct {
	Kind    PaymentErrorKind
	Message string
	Err     error
}

func (e *PaymentError) Error() string { return e.Message }

func (e *PaymentError) Unwrap() error { return e.Err }

// HardStop reports whether the failure must not be retried by the caller.
func (e *PaymentError) HardStop() bool { return e.Kind == KindLocked }

// NewPaymentError builds a PaymentError of the given kind.
func NewPaymentError(kind PaymentErrorKind, message string, cause error) *PaymentError {
	return &PaymentError{Kind: kind, Message: message, Err: cause}
}

// AsPaymentError extracts a PaymentError from err.
func AsPaymentError(err error) (*PaymentError, bool) {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
