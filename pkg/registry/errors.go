package registry

import "fmt"

// NotFoundError indicates the requested server id is not registered.
type NotFoundError struct {
	ServerID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("server %q not found", e.ServerID)
}

// ValidationError indicates tool arguments were rejected before dispatch.
// It is a caller fault and is never counted against the server's breaker.
type ValidationError struct {
	ServerID string
	Tool     string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %q on server %q: %s", e.Tool, e.ServerID, e.Reason)
}
