package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrNotFound matches 404 responses.
	ErrNotFound = errors.New("remote resource not found")
	// ErrUnavailable matches timeouts and connection failures.
	ErrUnavailable = errors.New("remote tracker unavailable")
)

// UnavailableError wraps a transport failure.
type UnavailableError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *UnavailableError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s: timeout: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: remote tracker unavailable: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrUnavailable) match.
func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

// RejectedError is a 422 response carrying the remote's validation messages.
type RejectedError struct {
	Op     string
	Errors []string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: rejected: %s", e.Op, strings.Join(e.Errors, "; "))
}

// StatusError is any other non-2xx response.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("%s: API error %d: %s", e.Op, e.Code, body)
}

// Is makes a 404 match ErrNotFound, and throttling or gateway failures
// match ErrUnavailable.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Code == 404
	case ErrUnavailable:
		return retryableStatus(e.Code)
	}
	return false
}

// IsTimeout reports whether err is a request timeout.
func IsTimeout(err error) bool {
	var u *UnavailableError
	return errors.As(err, &u) && u.Timeout
}

func classifyTransport(op string, err error) error {
	timeout := errors.Is(err, context.DeadlineExceeded)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		timeout = true
	}
	return &UnavailableError{Op: op, Timeout: timeout, Err: err}
}

func retryableStatus(code int) bool {
	switch code {
	case 429, 502, 503, 504:
		return true
	}
	return false
}
