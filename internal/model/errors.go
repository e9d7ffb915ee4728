package model

import (
	"errors"
	"fmt"
)

// Error taxonomy for intent outcomes. The sync engine absorbs ErrConflict,
// surfaces ErrNotAuthorized/ErrNotFound/ErrInvalidOperation as action-scoped
// failures, and degrades ErrTransient to a failed pending entry.
var (
	ErrNotAuthorized    = errors.New("not authorized")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrInvalidOperation = errors.New("invalid operation")
	ErrTransient        = errors.New("transient network failure")
)

// AuthError signals an expired or invalid credential. It is distinguished
// from ErrNotAuthorized (a role/ownership violation on a valid session) and
// must be surfaced without any partial local mutation.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (status %d)", e.Status)
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// Retryable reports whether the failure may be retried by an explicit
// user or caller action. Authorization and state-machine violations never
// are.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
