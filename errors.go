package gemback

import (
	"errors"
	"fmt"
)

// ErrorCode lets callers branch on the reason a dispatch failed.
type ErrorCode string

const (
	CodeAuth              ErrorCode = "AUTH_ERROR"
	CodeAllModelsFailed   ErrorCode = "ALL_MODELS_FAILED"
	CodeCanceled          ErrorCode = "CANCELED"
	CodeStreamInterrupted ErrorCode = "STREAM_INTERRUPTED"
)

var (
	ErrAuth              = &DispatchError{Code: CodeAuth}
	ErrAllModelsFailed   = &DispatchError{Code: CodeAllModelsFailed}
	ErrCanceled          = &DispatchError{Code: CodeCanceled}
	ErrStreamInterrupted = &DispatchError{Code: CodeStreamInterrupted}
)

// DispatchError is returned when a dispatch terminates without a response.
type DispatchError struct {
	Code    ErrorCode
	Message string

	// Failed attempts in the order they happened. For an authentication
	// failure this is the partial list up to the offending model.
	Attempts []AttemptRecord

	// Status code of the error that terminated the dispatch, if known.
	StatusCode int

	// Model that terminated the dispatch. Empty when every model failed.
	Model string

	RequestID string

	// Underlying error of the last attempt.
	Err error
}

func (e *DispatchError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Model != "" {
		msg = fmt.Sprintf("%s (model %s)", msg, e.Model)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Is matches any DispatchError carrying the same code, so
// errors.Is(err, gemback.ErrAuth) works on returned errors.
func (e *DispatchError) Is(target error) bool {
	t, ok := target.(*DispatchError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// CodeOf returns the dispatch error code of err, or an empty code.
func CodeOf(err error) ErrorCode {
	var dispatchErr *DispatchError
	if errors.As(err, &dispatchErr) {
		return dispatchErr.Code
	}
	return ""
}

// ConfigError reports an invalid construction parameter.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration for %s: %s", e.Field, e.Reason)
}
