// Package retry decides whether a failed attempt is repeated and how long to
// wait before the next one.
package retry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"syscall"
	"time"

	"github.com/GriffinCanCode/xfetch/internal/httperr"
	"github.com/GriffinCanCode/xfetch/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/xfetch/internal/params"
	"github.com/hashicorp/go-retryablehttp"
)

// DefaultMaxRetries is used when neither the policy nor the request sets one.
const DefaultMaxRetries = 2

// Policy holds the engine-wide retry settings.
type Policy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
	Backoff    retryablehttp.Backoff
}

// NewPolicy returns a policy with exponential backoff between 200ms and 5s.
func NewPolicy(maxRetries int) *Policy {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Policy{
		MaxRetries: maxRetries,
		MinWait:    200 * time.Millisecond,
		MaxWait:    5 * time.Second,
		Backoff:    retryablehttp.DefaultBackoff,
	}
}

// MaxFor returns the retry budget for p.
func (pol *Policy) MaxFor(p *params.Params) int {
	if p != nil && p.MaxRetries >= 0 {
		return p.MaxRetries
	}
	return pol.MaxRetries
}

// ShouldRetry reports whether attempt (1-based count of retries already
// granted plus this one) may run again after err.
func (pol *Policy) ShouldRetry(err error, attempt int, p *params.Params) bool {
	if err == nil {
		return false
	}
	if attempt > pol.MaxFor(p) {
		return false
	}
	if p == nil || !p.Method.PermitsRetry() {
		return false
	}
	return !Denied(err)
}

// Wait sleeps for the backoff of attempt, or returns early with ctx's error.
func (pol *Policy) Wait(ctx context.Context, attempt int, err error) error {
	d := pol.Delay(attempt, err)
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Delay returns the backoff before attempt. A 429 or 503 with Retry-After is
// honored through the backoff function.
func (pol *Policy) Delay(attempt int, err error) time.Duration {
	backoff := pol.Backoff
	if backoff == nil {
		backoff = retryablehttp.DefaultBackoff
	}

	var resp *http.Response
	if he, ok := httperr.AsHTTP(err); ok && he.Header != nil {
		resp = &http.Response{StatusCode: he.Code, Header: he.Header}
	}
	return backoff(pol.MinWait, pol.MaxWait, attempt-1, resp)
}

// Denied reports whether err belongs to a class that never benefits from
// another attempt.
func Denied(err error) bool {
	if err == nil {
		return true
	}

	if httperr.IsCancelled(err) || errors.Is(err, context.Canceled) {
		return true
	}
	if httperr.IsCallback(err) {
		return true
	}

	var locked *httperr.FileLockedError
	if errors.As(err, &locked) {
		return true
	}

	if he, ok := httperr.AsHTTP(err); ok {
		return !retryableStatus(he.Code)
	}

	if errors.Is(err, httperr.ErrResumeMismatch) {
		return false
	}

	// Malformed input and illegal arguments.
	if errors.Is(err, httperr.ErrInvalidArgument) || errors.Is(err, httperr.ErrNoLoader) ||
		errors.Is(err, httperr.ErrRecursiveLoader) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Op == "parse" {
		return true
	}
	var escapeErr url.EscapeError
	var hostErr url.InvalidHostError
	if errors.As(err, &escapeErr) || errors.As(err, &hostErr) {
		return true
	}

	// Parse failures.
	var parseErr *httperr.ParseError
	if errors.As(err, &parseErr) {
		return true
	}

	// Programming errors.
	var rtErr runtime.Error
	if errors.As(err, &rtErr) {
		return true
	}

	// Timeouts.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Unknown host.
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && !dnsErr.IsTemporary {
		return true
	}

	// Missing route.
	if errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}

	// Protocol violations.
	var recordErr tls.RecordHeaderError
	var unknownAuth x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var invalidCert x509.CertificateInvalidError
	if errors.As(err, &recordErr) || errors.As(err, &unknownAuth) ||
		errors.As(err, &hostnameErr) || errors.As(err, &invalidCert) {
		return true
	}
	if errors.Is(err, http.ErrSchemeMismatch) {
		return true
	}

	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyRequests) {
		return true
	}

	return false
}

// retryableStatus lists the statuses worth repeating: server failures,
// throttling, request timeouts and a rejected resume range.
func retryableStatus(code int) bool {
	switch {
	case code >= 500:
		return code != http.StatusNotImplemented
	case code == http.StatusTooManyRequests,
		code == http.StatusRequestTimeout,
		code == http.StatusRequestedRangeNotSatisfiable:
		return true
	default:
		return false
	}
}
