package breaker

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
)

// Class categorizes a call failure for retry and escalation policy.
type Class int

const (
	// ClassNone means no failure (nil error).
	ClassNone Class = iota
	// ClassTransient covers timeouts and connection drops; safe to retry.
	ClassTransient
	// ClassProtocol covers malformed or errored provider responses; counted,
	// escalates, but not retried.
	ClassProtocol
	// ClassFatal is an explicit unrecoverable signal; quarantines immediately.
	ClassFatal
)

// String returns the class name for logs and metrics labels.
func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassProtocol:
		return "protocol"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// FatalError wraps an error that the provider signalled as unrecoverable.
// It bypasses breaker counting and quarantines the server immediately.
type FatalError struct {
	Err error
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	return "fatal: " + e.Err.Error()
}

// Unwrap returns the wrapped error.
func (e *FatalError) Unwrap() error {
	return e.Err
}

// ProtocolError wraps a malformed or errored provider response.
type ProtocolError struct {
	Err error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return "protocol: " + e.Err.Error()
}

// Unwrap returns the wrapped error.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Classify maps an error onto a failure class. Typed errors win; otherwise
// a small set of message heuristics catches errors surfaced as plain strings
// by transports and SDKs.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	var fatalErr *FatalError
	if errors.As(err, &fatalErr) {
		return ClassFatal
	}
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return ClassProtocol
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return ClassTransient
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())
	transientMarkers := []string{
		"timeout", "timed out", "deadline exceeded",
		"connection reset", "connection refused", "connection closed",
		"broken pipe", "temporarily unavailable",
		"429", "rate limit", "500", "502", "503", "504",
	}
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return ClassTransient
		}
	}

	return ClassProtocol
}
