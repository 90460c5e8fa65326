package mcp

import (
	"fmt"

	"github.com/stewardmcp/steward/pkg/status"
)

// ConfigError reports an invalid server configuration field.
type ConfigError struct {
	ServerID string
	Field    string
	Reason   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config for server %q: %s: %s", e.ServerID, e.Field, e.Reason)
}

// NotAvailableError is returned when an operation requires a running server
// but the server is in some other state.
type NotAvailableError struct {
	ServerID string
	State    status.State
}

func (e *NotAvailableError) Error() string {
	return fmt.Sprintf("server %q is not available (state: %s)", e.ServerID, e.State)
}

// DisabledError is returned when starting a server whose config disables it.
type DisabledError struct {
	ServerID string
}

func (e *DisabledError) Error() string {
	return fmt.Sprintf("server %q is disabled in its configuration", e.ServerID)
}
