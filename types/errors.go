package types

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass classifies a failure for retry and recovery decisions
type ErrorClass string

const (
	// ErrorClassRateLimited is provider throttling; retried with backoff
	ErrorClassRateLimited ErrorClass = "rate_limited"
	// ErrorClassTransient is a timeout or temporary unavailability; retried with backoff
	ErrorClassTransient ErrorClass = "transient"
	// ErrorClassConflict means the resource is in a state that blocks the call
	ErrorClassConflict ErrorClass = "conflict"
	// ErrorClassNotFound means the resource is already gone
	ErrorClassNotFound ErrorClass = "not_found"
	// ErrorClassPermission is an authorization failure; never retried
	ErrorClassPermission ErrorClass = "permission_denied"
	// ErrorClassPersistence means the state store is unavailable
	ErrorClassPersistence ErrorClass = "persistence"
	// ErrorClassAmbiguous means the outcome of a destructive call is unknown
	ErrorClassAmbiguous ErrorClass = "ambiguous"
	// ErrorClassPolicy means a deletion guard refused the action
	ErrorClassPolicy ErrorClass = "policy_denied"
	// ErrorClassUnknown is anything not classified above
	ErrorClassUnknown ErrorClass = "unknown"
)

// Retryable reports whether the class may be retried within the same pass
func (c ErrorClass) Retryable() bool {
	return c == ErrorClassRateLimited || c == ErrorClassTransient
}

// Fatal reports whether the class ends the lifecycle regardless of budget
func (c ErrorClass) Fatal() bool {
	return c == ErrorClassPermission || c == ErrorClassPolicy
}

// ClassifiedError carries an ErrorClass along with the failing operation
type ClassifiedError struct {
	Class      ErrorClass
	Op         string
	ResourceID string
	Code       string
	Err        error
}

func (e *ClassifiedError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Op)
	if e.ResourceID != "" {
		msg += fmt.Sprintf(" (resource=%s)", e.ResourceID)
	}
	if e.Code != "" {
		msg += fmt.Sprintf(" code=%s", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/As
func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// WithResource adds resource context to an error
func (e *ClassifiedError) WithResource(id string) *ClassifiedError {
	e.ResourceID = id
	return e
}

// WithCode records the provider error code
func (e *ClassifiedError) WithCode(code string) *ClassifiedError {
	e.Code = code
	return e
}

// NewError wraps err with the given class
func NewError(class ErrorClass, op string, err error) *ClassifiedError {
	return &ClassifiedError{Class: class, Op: op, Err: err}
}

func RateLimited(op string, err error) *ClassifiedError {
	return NewError(ErrorClassRateLimited, op, err)
}

func Transient(op string, err error) *ClassifiedError {
	return NewError(ErrorClassTransient, op, err)
}

func Conflict(op string, err error) *ClassifiedError {
	return NewError(ErrorClassConflict, op, err)
}

func NotFound(op string, err error) *ClassifiedError {
	return NewError(ErrorClassNotFound, op, err)
}

func Permission(op string, err error) *ClassifiedError {
	return NewError(ErrorClassPermission, op, err)
}

func Persistence(op string, err error) *ClassifiedError {
	return NewError(ErrorClassPersistence, op, err)
}

func Ambiguous(op string, err error) *ClassifiedError {
	return NewError(ErrorClassAmbiguous, op, err)
}

func PolicyDenied(op string, err error) *ClassifiedError {
	return NewError(ErrorClassPolicy, op, err)
}

// ClassOf extracts the class of err. Context deadlines count as transient;
// anything unclassified is unknown.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTransient
	}
	return ErrorClassUnknown
}

// IsPersistence reports whether err came from the state store
func IsPersistence(err error) bool {
	return ClassOf(err) == ErrorClassPersistence
}
