package core

import (
	"context"
	"errors"
	"fmt"
)

const (
	CodeConfig       = "CONFIG_ERROR"
	CodeConnection   = "CONNECTION_ERROR"
	CodeSchema       = "SCHEMA_ERROR"
	CodeCatalog      = "CATALOG_ERROR"
	CodeNotFound     = "NOT_FOUND"
	CodeCancelled    = "CANCELLED"
	CodeNotSupported = "NOT_SUPPORTED"
)

// ErrNotSupported is returned by optional connector operations.
var ErrNotSupported = &Error{Code: CodeNotSupported}

// Error carries a taxonomy code and a retryability hint around the cause.
// Status holds the remote HTTP status for catalog failures and is zero otherwise.
type Error struct {
	Code      string
	Retryable bool
	Status    int
	Reason    string
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Code
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on code so errors.Is(err, ErrNotSupported) works for wrapped values.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Reason == "" || t.Reason == e.Reason)
}

func wrapError(code string, retryable bool, err error) *Error {
	return &Error{Code: code, Retryable: retryable, Err: err}
}

// ConfigError reports unusable configuration. Never retried.
func ConfigError(format string, args ...any) error {
	return wrapError(CodeConfig, false, fmt.Errorf(format, args...))
}

// ConnectionError wraps network, auth and handshake failures. Retryable.
func ConnectionError(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) && e.Code == CodeConnection {
		return err
	}
	return wrapError(CodeConnection, true, err)
}

// SchemaError reports malformed introspection output.
func SchemaError(format string, args ...any) error {
	return wrapError(CodeSchema, false, fmt.Errorf(format, args...))
}

// CatalogError wraps a non-2xx Catalog API answer. Server errors are retryable.
func CatalogError(status int, err error) error {
	return &Error{Code: CodeCatalog, Retryable: status >= 500, Status: status, Err: err}
}

// NotFound marks an absent remote resource.
func NotFound(what string) error {
	return wrapError(CodeNotFound, false, fmt.Errorf("%s not found", what))
}

// Cancelled marks cooperative cancellation. The reason is kept on the
// execution record, e.g. "concurrent_run".
func Cancelled(reason string) error {
	return &Error{Code: CodeCancelled, Reason: reason}
}

// CodeOf returns the taxonomy code of err. Context cancellation maps to
// CANCELLED and deadline expiry to CONNECTION_ERROR.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	switch {
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return CodeConnection
	}
	return ""
}

// IsRetryable reports whether another attempt may succeed.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func IsNotFound(err error) bool  { return CodeOf(err) == CodeNotFound }
func IsCancelled(err error) bool { return CodeOf(err) == CodeCancelled }
func IsConfig(err error) bool    { return CodeOf(err) == CodeConfig }

// CancelReason returns the reason attached to a cancellation, if any.
func CancelReason(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code == CodeCancelled {
		return e.Reason
	}
	return ""
}
