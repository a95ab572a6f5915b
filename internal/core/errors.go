package core

import (
	"context"
	"errors"
	"fmt"
)

// Kind groups errors by what the user can do about them.
type Kind string

const (
	// KindValidation errors are correctable by the user.
	KindValidation Kind = "validation"
	// KindAuth errors require a (re-)login.
	KindAuth Kind = "auth"
	// KindNotFound errors reference an entity that does not exist.
	KindNotFound Kind = "not_found"
	// KindNetwork errors are transient and may be retried by the caller.
	KindNetwork Kind = "network"
)

// Error is a classified domain error. Values are compared with errors.Is.
type Error struct {
	kind Kind
	code string
	msg  string
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{kind: kind, code: code, msg: msg}
}

func (e *Error) Error() string { return e.msg }

// Kind returns the error category.
func (e *Error) Kind() Kind { return e.kind }

// Code returns a stable machine readable identifier.
func (e *Error) Code() string { return e.code }

// Auth errors
var (
	ErrDuplicateEmail    = newError(KindAuth, "duplicate_email", "email already registered")
	ErrWeakCredential    = newError(KindAuth, "weak_credential", "password is too weak")
	ErrInvalidCredential = newError(KindAuth, "invalid_credential", "invalid email or password")
	ErrSessionExpired    = newError(KindAuth, "session_expired", "session expired")
	ErrUnauthenticated   = newError(KindAuth, "unauthenticated", "not logged in")
	ErrAuthInProgress    = newError(KindAuth, "auth_in_progress", "authentication already in progress")
	ErrTooManyAttempts   = newError(KindAuth, "too_many_attempts", "too many login attempts, try again later")
	// ErrSessionChanged is returned for results that arrived after the session
	// they were issued under ended; such results are never applied.
	ErrSessionChanged = newError(KindAuth, "session_changed", "session changed while request was in flight")
)

// Validation errors
var (
	ErrEmptyName         = newError(KindValidation, "empty_name", "category name is empty")
	ErrNameTooLong       = newError(KindValidation, "name_too_long", "category name too long (max 100 characters)")
	ErrDuplicateName     = newError(KindValidation, "duplicate_name", "category name already exists")
	ErrNegativeBudget    = newError(KindValidation, "negative_budget", "budget cannot be negative")
	ErrInvalidCategory   = newError(KindValidation, "invalid_category", "category does not exist")
	ErrNonPositiveAmount = newError(KindValidation, "non_positive_amount", "amount must be positive")
	ErrNoteTooLong       = newError(KindValidation, "note_too_long", "note too long (max 200 characters)")
	ErrInvalidEmail      = newError(KindValidation, "invalid_email", "invalid email format")
	ErrCategoryInUse     = newError(KindValidation, "category_in_use", "category still has expenses")
)

var (
	ErrNotFound       = newError(KindNotFound, "not_found", "not found")
	ErrNetworkFailure = newError(KindNetwork, "network_failure", "network failure")
)

// NetworkFailure wraps err as a network failure of op. Context deadlines and
// cancellations are reported the same way.
func NetworkFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrNetworkFailure, err)
}

// KindOf returns the kind of the first classified error in err's chain.
// Deadline errors that were not classified count as network failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	return ""
}

// IsRetryable reports whether the caller may retry the operation as is.
func IsRetryable(err error) bool {
	return KindOf(err) == KindNetwork
}

// NeedsReauth reports whether the error invalidates the current session.
func NeedsReauth(err error) bool {
	return errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrUnauthenticated)
}
