// Package provider holds the error taxonomy shared by the STT, LLM and TTS
// adapters. Adapters wrap vendor failures in a TransientError (worth retrying)
// or a PermanentError (bad input, bad credentials) so the pipeline stages can
// decide between retry and give-up without knowing the vendor.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
)

// TransientError marks a failure that may succeed on retry: network and
// timeout failures, 5xx responses and rate limiting.
type TransientError struct {
	Provider string
	Status   int
	Err      error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: transient failure (status %d): %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: transient failure: %v", e.Provider, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that will not go away on retry.
type PermanentError struct {
	Provider string
	Status   int
	Err      error
}

func (e *PermanentError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: permanent failure (status %d): %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: permanent failure: %v", e.Provider, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Classify wraps err according to an HTTP status code. A zero status means the
// request never produced a response; the error itself then decides.
// Classify returns nil when err is nil and status is a 2xx.
func Classify(name string, status int, err error) error {
	if err == nil {
		if status >= 200 && status < 300 {
			return nil
		}
		err = errors.New(http.StatusText(status))
	}
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return &TransientError{Provider: name, Status: status, Err: err}
	case status >= 400:
		return &PermanentError{Provider: name, Status: status, Err: err}
	}
	if isTransientCause(err) {
		return &TransientError{Provider: name, Err: err}
	}
	return &PermanentError{Provider: name, Err: err}
}

// IsTransient reports whether err is worth retrying. Unclassified errors are
// judged by their cause: deadlines, timeouts and connection failures (reset,
// refused, closed mid-response) are transient. Cancellation is never
// transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return false
	}
	return isTransientCause(err)
}

func isTransientCause(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	for _, target := range connErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return !dnsErr.IsNotFound
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// connErrors are causes of a connection that broke before a full response.
var connErrors = []error{
	io.EOF,
	io.ErrUnexpectedEOF,
	net.ErrClosed,
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.ECONNABORTED,
	syscall.EPIPE,
}
