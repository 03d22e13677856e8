package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

var (
	// ErrInvalidTransition is returned when a record does not fit the page lifecycle.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrNotFound is returned for unknown page IDs or missing objects.
	ErrNotFound = errors.New("not found")
	// ErrLogIO marks a failed durable append. It is fatal for dispatch.
	ErrLogIO = errors.New("log io failure")
	// ErrParse marks a body that could not be parsed.
	ErrParse = errors.New("parse failure")
	// ErrIndex marks a failed index write.
	ErrIndex = errors.New("index failure")
	// ErrMalformedURL is returned when a URL cannot be normalized.
	ErrMalformedURL = errors.New("malformed url")
	// ErrCapReached is returned when the page cap stops a new discovery.
	ErrCapReached = errors.New("site cap reached")
)

// Failure reasons written to FetchFailed records.
const (
	ReasonTimeout          = "timeout"
	ReasonConnection       = "connection"
	ReasonDNS              = "dns"
	ReasonMalformedURL     = "malformed_url"
	ReasonRobotsDisallowed = "robots_disallowed"
	ReasonFetch            = "fetch_error"
	ReasonPanic            = "panic"
)

// FetchError is a classified fetch failure.
type FetchError struct {
	Class  FailureClass
	Reason string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	switch {
	case e.Err != nil && e.Status != 0:
		return fmt.Sprintf("%s fetch failure (%s, status %d): %v", e.Class, e.Reason, e.Status, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s fetch failure (%s): %v", e.Class, e.Reason, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("%s fetch failure (%s, status %d)", e.Class, e.Reason, e.Status)
	default:
		return fmt.Sprintf("%s fetch failure (%s)", e.Class, e.Reason)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// Transient reports whether the failure may be retried.
func (e *FetchError) Transient() bool { return e.Class == FailureTransient }

// NewTransientError builds a retryable FetchError.
func NewTransientError(reason string, err error) *FetchError {
	return &FetchError{Class: FailureTransient, Reason: reason, Err: err}
}

// NewPermanentError builds a terminal FetchError.
func NewPermanentError(reason string, err error) *FetchError {
	return &FetchError{Class: FailurePermanent, Reason: reason, Err: err}
}

// StatusError classifies a non-2xx HTTP status. It returns nil for 2xx.
func StatusError(status int) *FetchError {
	if status >= 200 && status < 300 {
		return nil
	}
	fe := &FetchError{Status: status, Reason: fmt.Sprintf("http_%d", status)}
	switch {
	case status == http.StatusTooManyRequests, status >= 500:
		fe.Class = FailureTransient
	default:
		fe.Class = FailurePermanent
	}
	return fe
}

// ClassifyError maps any fetch error onto the failure taxonomy. Unknown
// errors are treated as transient so the retry budget decides.
func ClassifyError(err error) *FetchError {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTransientError(ReasonTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTransientError(ReasonTimeout, err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return NewPermanentError(ReasonDNS, err)
		}
		return NewTransientError(ReasonDNS, err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return NewTransientError(ReasonConnection, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return NewTransientError(ReasonConnection, err)
	}
	if errors.Is(err, ErrMalformedURL) {
		return NewPermanentError(ReasonMalformedURL, err)
	}
	return NewTransientError(ReasonFetch, err)
}
