package mcp

import (
	"context"
	"fmt"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"

	"github.com/stewardmcp/steward/internal/observability"
	"github.com/stewardmcp/steward/pkg/breaker"
	"github.com/stewardmcp/steward/pkg/status"
)

const (
	// DefaultConnectTimeout bounds transport establishment during Start.
	DefaultConnectTimeout = 30 * time.Second
	// DefaultStopGrace is how long Stop waits for a graceful shutdown
	// before killing the transport.
	DefaultStopGrace = 5 * time.Second
)

// Options tunes a ManagedServer. Zero values fall back to defaults.
type Options struct {
	// Dialer overrides the real transport dial, mainly for tests.
	Dialer Dialer

	ConnectTimeout      time.Duration
	StopGrace           time.Duration
	DiagnosticsCapacity int

	// OnStateChange is invoked synchronously on every transition. It must
	// not call back into the server.
	OnStateChange func(id string, state status.State)
}

// ManagedServer supervises a single MCP server through its lifecycle:
// stopped -> starting -> running -> stopping -> stopped, with error and
// quarantined as the off-ramp states.
type ManagedServer struct {
	cfg  ServerConfig
	dial Dialer
	diag *Diagnostics

	connectTimeout time.Duration
	stopGrace      time.Duration
	onState        func(string, status.State)

	mu               sync.Mutex
	state            status.State
	conn             Conn
	gen              int
	quarantined      bool
	quarantineReason string
}

// NewManagedServer validates the config and returns a supervisor in the
// stopped state. Nothing is launched until Start.
func NewManagedServer(cfg ServerConfig, opts Options) (*ManagedServer, error) {
	if cfg == nil {
		return nil, &ConfigError{Field: "config", Reason: "config is required"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dial := opts.Dialer
	if dial == nil {
		dial = Dial
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	stopGrace := opts.StopGrace
	if stopGrace <= 0 {
		stopGrace = DefaultStopGrace
	}

	return &ManagedServer{
		cfg:            cfg,
		dial:           dial,
		diag:           NewDiagnostics(opts.DiagnosticsCapacity),
		connectTimeout: connectTimeout,
		stopGrace:      stopGrace,
		onState:        opts.OnStateChange,
		state:          status.StateStopped,
	}, nil
}

// ID returns the server's identifier.
func (s *ManagedServer) ID() string { return s.cfg.ID() }

// Config returns the server's configuration.
func (s *ManagedServer) Config() ServerConfig { return s.cfg }

// Enabled reports whether the config allows this server to start.
func (s *ManagedServer) Enabled() bool { return !s.cfg.base().Disabled }

// State returns the current lifecycle state.
func (s *ManagedServer) State() status.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Diagnostics returns the retained stderr lines and lifecycle notes.
func (s *ManagedServer) Diagnostics() []string { return s.diag.Lines() }

// SessionID returns the negotiated session id, empty when not connected.
func (s *ManagedServer) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ""
	}
	return s.conn.SessionID()
}

func (s *ManagedServer) setStateLocked(state status.State) {
	s.state = state
	observability.SetServerState(s.cfg.ID(), string(state))
	if s.onState != nil {
		s.onState(s.cfg.ID(), state)
	}
}

// Start launches the transport and waits for the MCP handshake. Starting an
// already-running server is a no-op; a quarantined server refuses with
// *breaker.QuarantinedError.
func (s *ManagedServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.quarantined {
		return &breaker.QuarantinedError{ServerID: s.cfg.ID(), Reason: s.quarantineReason}
	}
	if s.cfg.base().Disabled {
		return &DisabledError{ServerID: s.cfg.ID()}
	}
	switch s.state {
	case status.StateRunning:
		return nil
	case status.StateStarting, status.StateStopping:
		return &NotAvailableError{ServerID: s.cfg.ID(), State: s.state}
	}

	s.setStateLocked(status.StateStarting)
	log.Info().Str("server", s.cfg.ID()).Str("transport", string(s.cfg.Kind())).Msg("Starting server")

	dialCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	conn, err := s.dial(dialCtx, s.cfg, s.diag)
	if err != nil {
		s.diag.Recordf("start failed: %v", err)
		s.setStateLocked(status.StateError)
		log.Error().Err(err).Str("server", s.cfg.ID()).Msg("Server start failed")
		return fmt.Errorf("failed to start server %q: %w", s.cfg.ID(), err)
	}

	s.conn = conn
	s.gen++
	go s.monitor(s.gen, conn)

	s.setStateLocked(status.StateRunning)
	log.Info().Str("server", s.cfg.ID()).Str("sessionId", conn.SessionID()).Msg("Server running")
	return nil
}

// monitor watches for the session ending outside of Stop and flips the
// server into the error state when it does.
func (s *ManagedServer) monitor(gen int, conn Conn) {
	err := conn.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()

	// A newer session or an in-flight Stop owns the state now.
	if gen != s.gen || s.conn == nil {
		return
	}
	s.conn = nil
	if err != nil {
		s.diag.Recordf("session ended unexpectedly: %v", err)
	} else {
		s.diag.Recordf("session ended unexpectedly")
	}
	s.setStateLocked(status.StateError)
	log.Warn().Err(err).Str("server", s.cfg.ID()).Msg("Server session ended unexpectedly")
}

// Stop shuts the server down, forcing the transport closed when graceful
// shutdown outlasts the grace period. Stop is idempotent from any state.
func (s *ManagedServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.conn == nil {
		// No session to tear down, but the FSM still walks through the
		// stopping edge rather than jumping states.
		if s.state != status.StateStopped && s.state != status.StateQuarantined {
			s.setStateLocked(status.StateStopping)
			final := status.StateStopped
			if s.quarantined {
				final = status.StateQuarantined
			}
			s.setStateLocked(final)
		}
		s.mu.Unlock()
		return nil
	}

	conn := s.conn
	s.conn = nil
	s.gen++
	s.setStateLocked(status.StateStopping)
	s.mu.Unlock()

	log.Info().Str("server", s.cfg.ID()).Msg("Stopping server")

	done := make(chan error, 1)
	go func() { done <- conn.Close() }()

	select {
	case err := <-done:
		if err != nil {
			log.Warn().Err(err).Str("server", s.cfg.ID()).Msg("Graceful shutdown reported error")
		}
	case <-time.After(s.stopGrace):
		s.diag.Recordf("forced shutdown after %s grace period", s.stopGrace)
		log.Warn().Str("server", s.cfg.ID()).Dur("grace", s.stopGrace).Msg("Grace period exceeded, killing transport")
		if err := conn.Kill(); err != nil {
			log.Error().Err(err).Str("server", s.cfg.ID()).Msg("Forced shutdown failed")
		}
	case <-ctx.Done():
		s.diag.Recordf("shutdown aborted by caller: %v", ctx.Err())
		if err := conn.Kill(); err != nil {
			log.Error().Err(err).Str("server", s.cfg.ID()).Msg("Forced shutdown failed")
		}
	}

	s.mu.Lock()
	final := status.StateStopped
	if s.quarantined {
		final = status.StateQuarantined
	}
	s.setStateLocked(final)
	s.mu.Unlock()

	log.Info().Str("server", s.cfg.ID()).Msg("Server stopped")
	return nil
}

// CallTool invokes a tool. The server must be running.
func (s *ManagedServer) CallTool(ctx context.Context, tool string, args map[string]interface{}) (*ToolResult, error) {
	s.mu.Lock()
	if s.state != status.StateRunning || s.conn == nil {
		state := s.state
		s.mu.Unlock()
		return nil, &NotAvailableError{ServerID: s.cfg.ID(), State: state}
	}
	conn := s.conn
	timeout := s.cfg.base().CallTimeout
	s.mu.Unlock()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := conn.CallTool(ctx, &mcpsdk.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		s.diag.Recordf("tool %s failed: %v", tool, err)
		return nil, fmt.Errorf("tool call %q on server %q failed: %w", tool, s.cfg.ID(), err)
	}
	return resultFromCall(s.cfg.ID(), tool, res), nil
}

// ListTools returns the tools the running server exposes.
func (s *ManagedServer) ListTools(ctx context.Context) ([]ToolInfo, error) {
	s.mu.Lock()
	if s.state != status.StateRunning || s.conn == nil {
		state := s.state
		s.mu.Unlock()
		return nil, &NotAvailableError{ServerID: s.cfg.ID(), State: state}
	}
	conn := s.conn
	timeout := s.cfg.base().CallTimeout
	s.mu.Unlock()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := conn.ListTools(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools on server %q: %w", s.cfg.ID(), err)
	}
	tools := make([]ToolInfo, 0, len(res.Tools))
	for _, tool := range res.Tools {
		tools = append(tools, toolInfoFromSDK(tool))
	}
	return tools, nil
}

// Ping checks connectivity on the running session.
func (s *ManagedServer) Ping(ctx context.Context) error {
	s.mu.Lock()
	if s.state != status.StateRunning || s.conn == nil {
		state := s.state
		s.mu.Unlock()
		return &NotAvailableError{ServerID: s.cfg.ID(), State: state}
	}
	conn := s.conn
	s.mu.Unlock()

	return conn.Ping(ctx)
}

// SetQuarantined marks the server so future starts are refused. The flag is
// sticky until ClearQuarantined.
func (s *ManagedServer) SetQuarantined(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.quarantined = true
	s.quarantineReason = reason
	s.diag.Recordf("quarantined: %s", reason)
	if s.conn == nil {
		s.setStateLocked(status.StateQuarantined)
	}
}

// ClearQuarantined lifts the quarantine flag. The server stays stopped until
// explicitly started.
func (s *ManagedServer) ClearQuarantined() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.quarantined {
		return
	}
	s.quarantined = false
	s.quarantineReason = ""
	s.diag.Recordf("quarantine cleared")
	if s.state == status.StateQuarantined {
		s.setStateLocked(status.StateStopped)
	}
}

// Quarantined reports the sticky flag and its reason.
func (s *ManagedServer) Quarantined() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quarantined, s.quarantineReason
}
