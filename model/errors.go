package model

import (
	"context"
	"errors"
	"fmt"
)

// Failure reasons carried by terminal failure events.
const (
	ReasonInvalidArguments   = "InvalidArguments"
	ReasonPermissionDenied   = "ProtectedOrPermissionDenied"
	ReasonBackendUnavailable = "BackendUnavailable"
	ReasonCancelled          = "Cancelled"
	ReasonUnknownCommand     = "UnknownCommand"
	ReasonBrokenReference    = "BrokenReference"
	ReasonNotFound           = "NotFound"
	ReasonInternalError      = "InternalError"
)

// Validation codes attached to InvalidArguments failures.
const (
	CodeMissingWidget              = "missingWidget"
	CodeWidgetKindMismatch         = "widgetKindMismatch"
	CodeMissingSection             = "missingSection"
	CodeMissingItem                = "missingItem"
	CodeMissingLayout              = "missingLayout"
	CodeMissingMeasure             = "missingMeasure"
	CodeMissingAttribute           = "missingAttribute"
	CodeMissingDisplayForm         = "missingDisplayForm"
	CodeMissingDateDataSet         = "missingDateDataSet"
	CodeMissingInsight             = "missingInsight"
	CodeMissingFilter              = "missingFilter"
	CodeMissingAlert               = "missingAlert"
	CodeInvalidDrillTarget         = "invalidDrillTarget"
	CodeInvalidDrillOrigin         = "invalidDrillOrigin"
	CodeInvalidComparisonType      = "invalidComparisonType"
	CodeInvalidComparisonDirection = "invalidComparisonDirection"
	CodeInvalidSize                = "invalidSize"
	CodeInvalidPayload             = "invalidPayload"
	CodeInvalidIndex               = "invalidIndex"
	CodeSectionNotEmpty            = "sectionNotEmpty"
	CodeDuplicateWidget            = "duplicateWidget"
	CodeDuplicateFilter            = "duplicateFilter"
	CodeInvalidAlertCondition      = "invalidAlertCondition"
	CodeInvalidDateFilter          = "invalidDateFilter"
	CodeDialogLeased               = "dialogLeased"
	CodeInvalidLease               = "invalidLease"
	CodeNothingToUndo              = "nothingToUndo"
	CodeNothingToRedo              = "nothingToRedo"
	CodeConcurrentModification     = "concurrentModification"
	CodeCorrelationInUse           = "correlationInUse"
)

// Failure is the error descriptor of a failed command. It implements error
// so handlers and gateways can return it directly.
type Failure struct {
	Reason  string       `json:"reason"`
	Code    string       `json:"code,omitempty"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.Code != "" {
		return fmt.Sprintf("%s(%s): %s", f.Reason, f.Code, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Reason, f.Message)
}

// Is matches another *Failure with the same reason and, when set, code.
func (f *Failure) Is(target error) bool {
	t, ok := target.(*Failure)
	if !ok {
		return false
	}
	if t.Reason != f.Reason {
		return false
	}
	return t.Code == "" || t.Code == f.Code
}

// InvalidArguments returns an InvalidArguments failure with a validation code.
func InvalidArguments(code, format string, args ...any) *Failure {
	return &Failure{Reason: ReasonInvalidArguments, Code: code, Message: fmt.Sprintf(format, args...)}
}

// PermissionDenied returns a ProtectedOrPermissionDenied failure.
func PermissionDenied(msg string) *Failure {
	return &Failure{Reason: ReasonPermissionDenied, Message: msg}
}

// BackendUnavailable returns a BackendUnavailable failure.
func BackendUnavailable(msg string) *Failure {
	return &Failure{Reason: ReasonBackendUnavailable, Message: msg}
}

// NotFound returns a NotFound failure for the given reference.
func NotFound(ref ObjRef) *Failure {
	return &Failure{Reason: ReasonNotFound, Message: fmt.Sprintf("%s not found", ref)}
}

// Cancelled returns a Cancelled failure.
func Cancelled() *Failure {
	return &Failure{Reason: ReasonCancelled, Message: "command was cancelled before commit"}
}

// UnknownCommand returns an UnknownCommand failure.
func UnknownCommand(typ string) *Failure {
	return &Failure{Reason: ReasonUnknownCommand, Message: fmt.Sprintf("no handler registered for %q", typ)}
}

// BrokenReference returns a BrokenReference failure.
func BrokenReference(code, msg string) *Failure {
	return &Failure{Reason: ReasonBrokenReference, Code: code, Message: msg}
}

// InternalError returns an InternalError failure.
func InternalError(msg string) *Failure {
	return &Failure{Reason: ReasonInternalError, Message: msg}
}

// AsFailure classifies any error as a Failure. Context cancellation maps to
// Cancelled, deadline expiry to BackendUnavailable and anything unknown to
// InternalError.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Cancelled()
	case errors.Is(err, context.DeadlineExceeded):
		return BackendUnavailable("backend did not respond in time")
	}
	return InternalError(err.Error())
}

// IsReason reports whether err is a Failure with the given reason.
func IsReason(err error, reason string) bool {
	var f *Failure
	return errors.As(err, &f) && f.Reason == reason
}

// HTTP error codes used in ErrorEnvelope.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrCancelled          = "CANCELLED"
	ErrTimeout            = "TIMEOUT"
)

// ErrorEnvelope is the error body returned by the HTTP surface.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// EnvelopeFromFailure converts a command failure into the HTTP envelope.
func EnvelopeFromFailure(f *Failure) *ErrorEnvelope {
	code := ErrInternalError
	switch f.Reason {
	case ReasonInvalidArguments, ReasonUnknownCommand:
		code = ErrBadRequest
		if len(f.Details) > 0 {
			code = ErrValidationError
		}
	case ReasonPermissionDenied:
		code = ErrForbidden
	case ReasonNotFound:
		code = ErrNotFound
	case ReasonBackendUnavailable:
		code = ErrBackendUnavailable
	case ReasonCancelled:
		code = ErrCancelled
	case ReasonBrokenReference:
		code = ErrConflict
	}
	return &ErrorEnvelope{Code: code, Message: f.Error(), Details: f.Details}
}
