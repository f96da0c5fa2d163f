package depot

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable error code returned to callers.
type Code string

const (
	CodeSchemaLoad       Code = "SCHEMA_LOAD_ERROR"
	CodeValidation       Code = "VALIDATION_ERROR"
	CodeInvalidRequest   Code = "INVALID_REQUEST"
	CodeAlreadyExists    Code = "ALREADY_EXISTS"
	CodeNotFound         Code = "NOT_FOUND"
	CodeBlobNotFound     Code = "BLOB_NOT_FOUND"
	CodeTargetNotFound   Code = "TARGET_NOT_FOUND"
	CodeBlobTooLarge     Code = "BLOB_TOO_LARGE"
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
	CodeCorruptRecord    Code = "CORRUPT_RECORD"
	CodeUnauthorized     Code = "UNAUTHORIZED"
	CodeForbidden        Code = "FORBIDDEN"
	CodeInternal         Code = "INTERNAL_ERROR"
)

// Error is a coded repository error. Every error the engine returns carries
// a stable code and a human-readable message; internal failures map to
// CodeInternal without leaking details.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// newError builds a coded error wrapping an underlying cause.
func newError(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the code from an error chain, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MessageOf extracts the user-facing message from an error chain. Unexpected
// internal failures get a generic message.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "an unexpected error occurred"
}
