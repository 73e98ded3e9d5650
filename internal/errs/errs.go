// Package errs holds the error taxonomy shared by the training pipeline.
// Each concrete type matches a sentinel through errors.Is so callers can
// branch on the kind without caring about the payload.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrValidation             = errors.New("validation failed")
	ErrNotFound               = errors.New("not found")
	ErrAuthorization          = errors.New("not authorized")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrUpstream               = errors.New("upstream failure")
	ErrAccountingInconsistent = errors.New("accounting inconsistency")
	// ErrBusy is returned when another dispatch for the same user holds the lock.
	ErrBusy = errors.New("operation already in progress")
)

type ValidationError struct {
	Field   string
	Message string
}

func Validation(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Message: msg}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

type NotFoundError struct {
	Resource string
	ID       string
}

func NotFound(resource string, id any) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: fmt.Sprint(id)}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

type AuthorizationError struct {
	Message string
}

func (e *AuthorizationError) Error() string {
	if e.Message == "" {
		return ErrAuthorization.Error()
	}
	return e.Message
}

func (e *AuthorizationError) Is(target error) bool { return target == ErrAuthorization }

type InsufficientBalanceError struct {
	Required  int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientBalanceError) Is(target error) bool { return target == ErrInsufficientBalance }

// UpstreamError wraps a failure of an external dependency after retries ran out.
type UpstreamError struct {
	Op  string
	Err error
}

func Upstream(op string, err error) *UpstreamError {
	return &UpstreamError{Op: op, Err: err}
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Is(target error) bool { return target == ErrUpstream }

// AccountingInconsistencyError marks a broken ledger invariant. It is always
// recorded as an alert before being returned.
type AccountingInconsistencyError struct {
	UserID int64
	Kind   string
	Detail string
}

func (e *AccountingInconsistencyError) Error() string {
	return fmt.Sprintf("accounting inconsistency (%s) for user %d: %s", e.Kind, e.UserID, e.Detail)
}

func (e *AccountingInconsistencyError) Is(target error) bool {
	return target == ErrAccountingInconsistent
}
