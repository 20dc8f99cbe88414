package qerr

import (
	"errors"
	"fmt"
)

// Code represents a stable error category that callers can switch on.
type Code string

const (
	CodeUnknown      Code = "unknown"
	CodeDuplicate    Code = "duplicate"     // run already held by another instance
	CodeNotFound     Code = "not_found"     // run or key does not exist
	CodeCacheIO      Code = "cache_io"      // shared-cache operation failed
	CodeStoreIO      Code = "store_io"      // durable-store operation failed
	CodeUnauthorized Code = "unauthorized"  // API token missing or invalid
	CodeInvalid      Code = "invalid_input" // malformed request or payload
)

// Error is a simple value type that carries a Code plus the underlying error.
type Error struct {
	Code Code
	err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// New wraps an error with the provided code. If err is nil a nil is returned.
func New(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, err: err}
}

// IsCode reports whether err, or any error it wraps, carries code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
