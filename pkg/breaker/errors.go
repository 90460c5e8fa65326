package breaker

import (
	"fmt"
	"time"
)

// CircuitOpenError is returned by Allow while a server's circuit is open.
// The provider was not invoked.
type CircuitOpenError struct {
	ServerID   string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit open for server %s (retry in %s)", e.ServerID, e.RetryAfter.Round(time.Millisecond))
	}
	return fmt.Sprintf("circuit open for server %s", e.ServerID)
}

// QuarantinedError is returned for servers under quarantine. Quarantine does
// not clear itself; the operator must clear it explicitly.
type QuarantinedError struct {
	ServerID string
	Reason   string
}

// Error implements the error interface.
func (e *QuarantinedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("server %s is quarantined: %s", e.ServerID, e.Reason)
	}
	return fmt.Sprintf("server %s is quarantined", e.ServerID)
}
