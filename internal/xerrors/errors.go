// Package xerrors holds the error taxonomy shared by the wallet, verification,
// loan and settlement components.
package xerrors

import (
	"errors"
	"fmt"
	"time"
)

// Sentinels for errors.Is matching. Every typed error below reports Is() true
// for its sentinel so callers never need to type-assert.
var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrCardLocked          = errors.New("card is temporarily locked")
	ErrRateLimited         = errors.New("rate limit exceeded")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrExpired             = errors.New("expired")
	ErrAlreadyUsed         = errors.New("already used")
	ErrExternalService     = errors.New("external service failure")
	ErrInvalidState        = errors.New("invalid state transition")
)

// ValidationError reports malformed or out-of-range input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Validation builds a ValidationError.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports an unknown card, loan, product or balance.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NotFound builds a NotFoundError.
func NotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// LockedError is the hard security stop raised for a locked card.
type LockedError struct {
	CardID      string
	LockedUntil time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("card %s is locked until %s due to repeated failed attempts",
		e.CardID, e.LockedUntil.UTC().Format(time.RFC3339))
}

func (e *LockedError) Is(target error) bool {
	return target == ErrCardLocked || target == ErrRateLimited
}

// InsufficientBalanceError is returned before any ledger write when a debit
// would overdraw the source balance.
type InsufficientBalanceError struct {
	BalanceID string
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on %s: available %d, requested %d",
		e.BalanceID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Is(target error) bool { return target == ErrInsufficientBalance }

// ExpiredError reports a time-boxed secret used after its expiry.
type ExpiredError struct {
	Subject   string
	ExpiredAt time.Time
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("%s expired at %s", e.Subject, e.ExpiredAt.UTC().Format(time.RFC3339))
}

func (e *ExpiredError) Is(target error) bool { return target == ErrExpired }

// AlreadyUsedError reports a single-use secret redeemed twice.
type AlreadyUsedError struct {
	Subject string
}

func (e *AlreadyUsedError) Error() string { return e.Subject + " has already been used" }

func (e *AlreadyUsedError) Is(target error) bool { return target == ErrAlreadyUsed }

// ExternalServiceError wraps ledger, notification and provider transport failures.
type ExternalServiceError struct {
	Service    string
	Op         string
	StatusCode int
	Err        error
}

func (e *ExternalServiceError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s failed with status %d: %v", e.Service, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Service, e.Op, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

func (e *ExternalServiceError) Is(target error) bool { return target == ErrExternalService }

// Retryable reports whether a caller may retry the same request.
func (e *ExternalServiceError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500 || e.StatusCode == 429
}

// InvalidStateError reports an operation attempted from the wrong lifecycle state.
type InvalidStateError struct {
	Entity string
	ID     string
	State  string
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in status %s", e.Op, e.Entity, e.ID, e.State)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }
