package core

import (
	"errors"
	"fmt"
)

// Failure codes understood by transport adapters.
const (
	CodeInvalidParams = "invalid_params"
	CodeNotFound      = "not_found"
	CodeInternal      = "internal"
)

// Failure captures transport-neutral error details that adapters can map to
// JSON-RPC (or other protocols).
type Failure struct {
	Code   string
	Detail string
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

// InvalidParams returns an invalid_params failure.
func InvalidParams(format string, args ...any) error {
	return Failure{Code: CodeInvalidParams, Detail: fmt.Sprintf(format, args...)}
}

// NotFound returns a not_found failure.
func NotFound(format string, args ...any) error {
	return Failure{Code: CodeNotFound, Detail: fmt.Sprintf(format, args...)}
}

// Internal returns an internal failure wrapping err's message.
func Internal(err error) error {
	return Failure{Code: CodeInternal, Detail: err.Error()}
}

// FailureCode extracts the failure code from err, or CodeInternal when err is
// not a Failure.
func FailureCode(err error) string {
	var f Failure
	if errors.As(err, &f) {
		return f.Code
	}
	return CodeInternal
}

// IsNotFound reports whether err is a not_found failure.
func IsNotFound(err error) bool {
	var f Failure
	return errors.As(err, &f) && f.Code == CodeNotFound
}

// IsInvalidParams reports whether err is an invalid_params failure.
func IsInvalidParams(err error) bool {
	var f Failure
	return errors.As(err, &f) && f.Code == CodeInvalidParams
}
