package services

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorInvalid      ErrorCode = "invalid"
	ErrorForbidden    ErrorCode = "forbidden"
	ErrorNotFound     ErrorCode = "not_found"
	ErrorConflict     ErrorCode = "conflict"
	ErrorUnauthorized ErrorCode = "unauthorized"
	ErrorStorage      ErrorCode = "storage"
	ErrorTask         ErrorCode = "task"
)

// Validation reasons reported alongside ErrorInvalid. Every one of them is
// user-correctable and surfaces as a 400 with the reason string.
const (
	ReasonForbidden          = "forbidden"
	ReasonUnknownParticipant = "unknown_participant"
	ReasonUnknownStream      = "unknown_stream"
	ReasonBadRange           = "bad_range"
	ReasonBadTime            = "bad_time"
	ReasonBadRegistry        = "bad_registry"
	ReasonMissingParam       = "missing_param"
)

type ServiceError struct {
	Code    ErrorCode
	Reason  string
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error { return e.Err }

func NewInvalidError(msg string) error   { return &ServiceError{Code: ErrorInvalid, Message: msg} }
func NewForbiddenError(msg string) error { return &ServiceError{Code: ErrorForbidden, Message: msg} }
func NewNotFoundError(msg string) error  { return &ServiceError{Code: ErrorNotFound, Message: msg} }
func NewConflictError(msg string) error  { return &ServiceError{Code: ErrorConflict, Message: msg} }
func NewUnauthorizedError(msg string) error {
	return &ServiceError{Code: ErrorUnauthorized, Message: msg}
}

func NewValidationError(reason, msg string) error {
	return &ServiceError{Code: ErrorInvalid, Reason: reason, Message: msg}
}

func NewStorageError(msg string, err error) error {
	return &ServiceError{Code: ErrorStorage, Message: msg, Err: err}
}

func NewTaskError(msg string, err error) error {
	return &ServiceError{Code: ErrorTask, Message: msg, Err: err}
}

func AsServiceError(err error) (*ServiceError, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsReason reports whether err is a validation error with the given reason.
func IsReason(err error, reason string) bool {
	se, ok := AsServiceError(err)
	return ok && se.Code == ErrorInvalid && se.Reason == reason
}

func IsCode(err error, code ErrorCode) bool {
	se, ok := AsServiceError(err)
	return ok && se.Code == code
}
