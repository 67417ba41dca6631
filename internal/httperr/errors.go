// Package httperr defines the error taxonomy shared by the request pipeline.
//
// Error classes:
//   - CancelledError: user initiated, never retried, always terminal
//   - HTTPError: response status >= 300, carries the status and a best-effort body
//   - FileLockedError: a managed file is held by another writer or process
//   - CallbackError: a failure raised inside caller supplied callback code
//   - ErrResumeMismatch: a resumed download no longer matches the server copy
//
// Classification for retry decisions lives in the retry package; this package
// only describes what went wrong.
package httperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNotModified marks a 304 answer when the caller asks for it as an error.
	ErrNotModified = errors.New("not modified")

	// ErrResumeMismatch is returned when the trailing window of a partial
	// download differs from the bytes the server sent for the same offset.
	ErrResumeMismatch = errors.New("partial download does not match remote content")

	// ErrNoLoader is returned when no loader can produce the requested type.
	ErrNoLoader = errors.New("no loader registered for result type")

	// ErrRecursiveLoader is returned when a parser composition resolves to itself.
	ErrRecursiveLoader = errors.New("loader composition recurses into itself")

	// ErrClosed is returned by components used after Close.
	ErrClosed = errors.New("closed")

	// ErrInvalidArgument marks a request that can never succeed as built.
	ErrInvalidArgument = errors.New("invalid argument")
)

// maxBodyInMessage bounds how much of the response body ends up in Error().
const maxBodyInMessage = 256

// HTTPError reports a response whose status is 300 or above.
type HTTPError struct {
	Code     int
	Message  string
	Body     string
	Header   http.Header
	Location string
}

// NewHTTPError builds an HTTPError for the given status.
func NewHTTPError(code int, message string) *HTTPError {
	if message == "" {
		message = http.StatusText(code)
	}
	return &HTTPError{Code: code, Message: message}
}

func (e *HTTPError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "http %d", e.Code)
	if e.Message != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Message)
	}
	if e.Body != "" {
		body := e.Body
		if len(body) > maxBodyInMessage {
			body = body[:maxBodyInMessage] + "..."
		}
		sb.WriteString(": ")
		sb.WriteString(body)
	}
	return sb.String()
}

// IsRedirect reports whether the status asks the client to go elsewhere.
func (e *HTTPError) IsRedirect() bool {
	return e.Code == http.StatusMovedPermanently || e.Code == http.StatusFound
}

// IsNotModified reports a 304 answer to a conditional request.
func (e *HTTPError) IsNotModified() bool {
	return e.Code == http.StatusNotModified
}

// IsRangeNotSatisfiable reports a 416 answer to a Range request.
func (e *HTTPError) IsRangeNotSatisfiable() bool {
	return e.Code == http.StatusRequestedRangeNotSatisfiable
}

// ParseError reports a response body that could not be converted.
type ParseError struct {
	Target string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Target, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// CancelledError is the terminal error of a cancelled task.
type CancelledError struct {
	Reason string
	Cause  error
}

// NewCancelled builds a CancelledError.
func NewCancelled(reason string, cause error) *CancelledError {
	return &CancelledError{Reason: reason, Cause: cause}
}

func (e *CancelledError) Error() string {
	if e.Reason == "" {
		return "cancelled"
	}
	return "cancelled: " + e.Reason
}

func (e *CancelledError) Unwrap() error { return e.Cause }

// FileLockedError reports contention on a managed file.
type FileLockedError struct {
	Path string
}

func (e *FileLockedError) Error() string {
	return fmt.Sprintf("file is locked by another writer: %s", e.Path)
}

// CallbackError wraps a failure that originated in caller code.
type CallbackError struct {
	Stage string
	Err   error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("callback %s failed: %v", e.Stage, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }

// FromPanic converts a recovered panic value into a CallbackError.
func FromPanic(stage string, v any) *CallbackError {
	if err, ok := v.(error); ok {
		return &CallbackError{Stage: stage, Err: err}
	}
	return &CallbackError{Stage: stage, Err: fmt.Errorf("panic: %v", v)}
}

// IsCancelled reports whether err is, or wraps, a CancelledError.
func IsCancelled(err error) bool {
	var ce *CancelledError
	return errors.As(err, &ce)
}

// AsHTTP returns the HTTPError inside err, if any.
func AsHTTP(err error) (*HTTPError, bool) {
	var he *HTTPError
	if errors.As(err, &he) {
		return he, true
	}
	return nil, false
}

// IsCallback reports whether err came from caller code.
func IsCallback(err error) bool {
	var ce *CallbackError
	return errors.As(err, &ce)
}
