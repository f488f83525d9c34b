package apperr

import (
	"errors"
	"fmt"
)

// Error kinds. Every AppError unwraps to exactly one of these so callers can
// branch with errors.Is without knowing the concrete message.
var (
	ErrValidation         = errors.New("validation failed")
	ErrNoMatchingRow      = errors.New("no matching row")
	ErrIntegrity          = errors.New("integrity error")
	ErrRelationshipConfig = errors.New("relationship configuration error")
	ErrForbidden          = errors.New("forbidden")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrDisabled           = errors.New("endpoint disabled")
	ErrNotReady           = errors.New("not ready")
)

type AppError struct {
	Code    string        `json:"code"`
	Status  int           `json:"-"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details,omitempty"`

	kind  error
	cause error
}

type ErrorDetail struct {
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error *AppError `json:"error"`
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.kind != nil {
		errs = append(errs, e.kind)
	}
	if e.cause != nil {
		errs = append(errs, e.cause)
	}
	return errs
}

// New builds an AppError that does not belong to any of the well-known kinds.
func New(code string, status int, msg string) *AppError {
	return &AppError{Code: code, Status: status, Message: msg}
}

// Validation reports a malformed request. The message should name the
// offending token (field, operator, parameter).
func Validation(format string, args ...any) *AppError {
	return &AppError{
		Code:    "VALIDATION_FAILED",
		Status:  400,
		Message: fmt.Sprintf(format, args...),
		kind:    ErrValidation,
	}
}

func ValidationDetails(details []ErrorDetail) *AppError {
	return &AppError{
		Code:    "VALIDATION_FAILED",
		Status:  400,
		Message: "Validation failed",
		Details: details,
		kind:    ErrValidation,
	}
}

func NoMatchingRow(resource string, id any) *AppError {
	msg := fmt.Sprintf("%s not found", resource)
	if id != nil {
		msg = fmt.Sprintf("%s with id %v not found", resource, id)
	}
	return &AppError{Code: "NOT_FOUND", Status: 404, Message: msg, kind: ErrNoMatchingRow}
}

// Integrity wraps a constraint violation raised by the database. The driver
// message is kept so it reaches the client unmodified.
func Integrity(cause error, unique bool) *AppError {
	e := &AppError{
		Code:    "INTEGRITY_ERROR",
		Status:  400,
		Message: "Constraint violation: " + cause.Error(),
		kind:    ErrIntegrity,
		cause:   cause,
	}
	if unique {
		e.Code = "CONFLICT"
		e.Status = 409
	}
	return e
}

func RelationshipConfig(format string, args ...any) *AppError {
	return &AppError{
		Code:    "RELATIONSHIP_CONFIG",
		Status:  500,
		Message: fmt.Sprintf(format, args...),
		kind:    ErrRelationshipConfig,
	}
}

func Unauthorized(msg string) *AppError {
	return &AppError{Code: "UNAUTHORIZED", Status: 401, Message: msg, kind: ErrUnauthorized}
}

func Forbidden(msg string) *AppError {
	return &AppError{Code: "FORBIDDEN", Status: 403, Message: msg, kind: ErrForbidden}
}

func Disabled(resource, action string) *AppError {
	return &AppError{
		Code:    "ENDPOINT_DISABLED",
		Status:  405,
		Message: fmt.Sprintf("%s is disabled for %s", action, resource),
		kind:    ErrDisabled,
	}
}

func NotReady() *AppError {
	return &AppError{
		Code:    "NOT_READY",
		Status:  503,
		Message: "Resources are still being resolved",
		kind:    ErrNotReady,
	}
}

func UnknownResource(name string) *AppError {
	return &AppError{Code: "UNKNOWN_RESOURCE", Status: 404, Message: fmt.Sprintf("Unknown resource: %s", name)}
}

// From returns the AppError carried by err, or nil.
func From(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}
