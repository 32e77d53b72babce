package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/sony/gobreaker"
)

// ConnectionError means the server could not be reached or dropped the
// connection. It is the only error class worth retrying.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RequestError is a request the server received and rejected.
type RequestError struct {
	StatusCode  int
	MessageCode string
	Message     string
}

func (e *RequestError) Error() string {
	if e.MessageCode != "" {
		return fmt.Sprintf("request failed (%d %s): %s", e.StatusCode, e.MessageCode, e.Message)
	}
	return fmt.Sprintf("request failed (%d): %s", e.StatusCode, e.Message)
}

// IsTransient reports whether err is a connection failure that may succeed
// when the identical request is sent again.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return true
	}
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// classify wraps transport failures as ConnectionError. Cancellation is
// passed through so a cancelled job is not retried.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	switch {
	case errors.As(err, &netErr),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return &ConnectionError{Op: op, Err: err}
	}
	return err
}
