package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"

	"github.com/stewardmcp/steward/internal/observability"
	"github.com/stewardmcp/steward/internal/tracing"
	"github.com/stewardmcp/steward/pkg/breaker"
	"github.com/stewardmcp/steward/pkg/gate"
	"github.com/stewardmcp/steward/pkg/mcp"
	"github.com/stewardmcp/steward/pkg/retry"
	"github.com/stewardmcp/steward/pkg/status"
)

const tracerName = "steward.registry"

// quarantineStopTimeout bounds the background stop issued when a server
// is quarantined mid-flight.
const quarantineStopTimeout = 30 * time.Second

const (
	eventToolCall        = "tool_call"
	eventQuarantine      = "quarantine"
	eventQuarantineClear = "quarantine_cleared"
	eventRegistered      = "registered"
	eventRemoved         = "removed"
	eventReloaded        = "reloaded"
)

// Options configures a Manager. Zero-value fields get working defaults.
type Options struct {
	Tracker    *status.Tracker
	Isolator   *breaker.Isolator
	Retrier    *retry.Manager
	Gate       *gate.Gate
	Classifier *gate.Classifier

	// Store, when set, persists quarantine flags across restarts.
	Store *status.Store

	// Server is the template applied to every ManagedServer the registry
	// creates. Its OnStateChange hook is chained after the tracker update.
	Server mcp.Options
}

type entry struct {
	// opMu serializes lifecycle operations (start, stop, reload, remove)
	// for one server id. Tool calls do not take it.
	opMu sync.Mutex

	mu      sync.RWMutex
	server  *mcp.ManagedServer
	tools   []mcp.ToolInfo
	schemas map[string]*gojsonschema.Schema
}

func (e *entry) srv() *mcp.ManagedServer {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.server
}

func (e *entry) setServer(s *mcp.ManagedServer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.server = s
	e.tools = nil
	e.schemas = nil
}

func (e *entry) setTools(id string, infos []mcp.ToolInfo) {
	schemas := make(map[string]*gojsonschema.Schema, len(infos))
	for _, info := range infos {
		if info.InputSchema == nil {
			continue
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(info.InputSchema))
		if err != nil {
			log.Warn().Err(err).Str("server", id).Str("tool", info.Name).Msg("Skipping unparseable tool schema")
			continue
		}
		schemas[info.Name] = schema
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.tools = infos
	e.schemas = schemas
}

func (e *entry) toolList() []mcp.ToolInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]mcp.ToolInfo, len(e.tools))
	copy(out, e.tools)
	return out
}

func (e *entry) schema(tool string) *gojsonschema.Schema {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.schemas[tool]
}

// Manager is the registry of managed servers and the single entry point
// for dispatching tool calls to them.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry

	tracker    *status.Tracker
	isolator   *breaker.Isolator
	retrier    *retry.Manager
	gate       *gate.Gate
	classifier *gate.Classifier
	store      *status.Store
	serverOpts mcp.Options
}

// New builds a Manager and takes over the isolator's OnQuarantine hook;
// a hook already present is chained after the registry's own handling.
func New(opts Options) *Manager {
	if opts.Tracker == nil {
		opts.Tracker = status.NewTracker(0, log.Logger)
	}
	if opts.Isolator == nil {
		opts.Isolator = breaker.New(breaker.DefaultConfig(), log.Logger)
	}
	if opts.Retrier == nil {
		opts.Retrier = retry.New(retry.DefaultPolicy(), log.Logger)
	}
	if opts.Gate == nil {
		opts.Gate = gate.New()
	}
	if opts.Classifier == nil {
		opts.Classifier = gate.NewClassifier()
	}

	m := &Manager{
		entries:    make(map[string]*entry),
		tracker:    opts.Tracker,
		isolator:   opts.Isolator,
		retrier:    opts.Retrier,
		gate:       opts.Gate,
		classifier: opts.Classifier,
		store:      opts.Store,
		serverOpts: opts.Server,
	}

	prev := m.isolator.OnQuarantine
	m.isolator.OnQuarantine = func(id, reason string) {
		m.handleQuarantine(id, reason)
		if prev != nil {
			prev(id, reason)
		}
	}
	return m
}

func (m *Manager) serverOptions() mcp.Options {
	opts := m.serverOpts
	prev := opts.OnStateChange
	opts.OnStateChange = func(id string, state status.State) {
		m.tracker.SetStatus(id, state)
		if prev != nil {
			prev(id, state)
		}
	}
	return opts
}

func (m *Manager) entryFor(id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{ServerID: id}
	}
	return e, nil
}

// Register adds a server under its config id. The server starts out
// stopped; a quarantine flag already held by the isolator carries over.
func (m *Manager) Register(cfg mcp.ServerConfig) error {
	if cfg == nil {
		return fmt.Errorf("config must not be nil")
	}
	id := cfg.ID()

	srv, err := mcp.NewManagedServer(cfg, m.serverOptions())
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, exists := m.entries[id]; exists {
		m.mu.Unlock()
		return fmt.Errorf("server %q is already registered", id)
	}
	m.entries[id] = &entry{server: srv}
	n := len(m.entries)
	m.mu.Unlock()

	m.tracker.SetStatus(id, status.StateStopped)
	m.tracker.SetMetadata(id, "transport", string(cfg.Kind()))
	if reason, ok := m.isolator.QuarantineReason(id); ok {
		srv.SetQuarantined(reason)
	}
	m.tracker.RecordEvent(id, eventRegistered, map[string]interface{}{
		"transport": string(cfg.Kind()),
	})
	observability.SetServersRegistered(n)
	observability.RecordConfigAudit(context.Background(), "server_registered", id, map[string]interface{}{
		"transport": string(cfg.Kind()),
	})

	log.Info().Str("server", id).Str("transport", string(cfg.Kind())).Msg("Server registered")
	return nil
}

// Remove stops the server, deregisters it, and resets its circuit so a
// later registration under the same id starts clean. Tracker history stays
// until cleaned up; quarantine stays until explicitly cleared.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return &NotFoundError{ServerID: id}
	}
	delete(m.entries, id)
	n := len(m.entries)
	m.mu.Unlock()

	observability.SetServersRegistered(n)

	e.opMu.Lock()
	defer e.opMu.Unlock()
	if err := e.srv().Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop server %q during removal: %w", id, err)
	}
	m.isolator.Reset(id)
	m.tracker.RecordEvent(id, eventRemoved, nil)
	observability.RecordConfigAudit(ctx, "server_removed", id, nil)
	log.Info().Str("server", id).Msg("Server removed")
	return nil
}

// Reload swaps the server's config in place: stop, rebuild, and start
// again if it was running. Breaker and quarantine state are keyed by id
// and survive the swap.
func (m *Manager) Reload(ctx context.Context, cfg mcp.ServerConfig) error {
	if cfg == nil {
		return fmt.Errorf("config must not be nil")
	}
	id := cfg.ID()
	e, err := m.entryFor(id)
	if err != nil {
		return err
	}

	next, err := mcp.NewManagedServer(cfg, m.serverOptions())
	if err != nil {
		return err
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	old := e.srv()
	wasRunning := old.State() == status.StateRunning
	if err := old.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop server %q during reload: %w", id, err)
	}

	quarantined := false
	if reason, ok := m.isolator.QuarantineReason(id); ok {
		next.SetQuarantined(reason)
		quarantined = true
	}
	e.setServer(next)

	m.tracker.SetMetadata(id, "transport", string(cfg.Kind()))
	m.tracker.RecordEvent(id, eventReloaded, map[string]interface{}{
		"transport":   string(cfg.Kind()),
		"was_running": wasRunning,
	})
	observability.RecordConfigAudit(ctx, "server_reloaded", id, map[string]interface{}{
		"transport": string(cfg.Kind()),
	})
	log.Info().Str("server", id).Bool("wasRunning", wasRunning).Msg("Server config reloaded")

	if wasRunning && !quarantined {
		return m.start(ctx, id, e)
	}
	return nil
}

// Get returns the managed server for the id.
func (m *Manager) Get(id string) (*mcp.ManagedServer, error) {
	e, err := m.entryFor(id)
	if err != nil {
		return nil, err
	}
	return e.srv(), nil
}

// List returns the registered ids in lexical order.
func (m *Manager) List() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Start launches the server and warms the tool cache.
func (m *Manager) Start(ctx context.Context, id string) error {
	e, err := m.entryFor(id)
	if err != nil {
		return err
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return m.start(ctx, id, e)
}

func (m *Manager) start(ctx context.Context, id string, e *entry) error {
	srv := e.srv()
	if err := srv.Start(ctx); err != nil {
		return err
	}
	if sid := srv.SessionID(); sid != "" {
		m.tracker.SetMetadata(id, "session_id", sid)
	}

	tools, err := srv.ListTools(ctx)
	if err != nil {
		log.Warn().Err(err).Str("server", id).Msg("Failed to list tools after start")
		return nil
	}
	e.setTools(id, tools)
	m.tracker.SetMetadata(id, "tool_count", len(tools))
	return nil
}

// Stop shuts the server down.
func (m *Manager) Stop(ctx context.Context, id string) error {
	e, err := m.entryFor(id)
	if err != nil {
		return err
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.srv().Stop(ctx)
}

// StartAll starts every registered server, skipping quarantined and
// disabled ones. A failure on one server does not stop the rest; the
// returned map holds one error per failed id, nil when all started.
func (m *Manager) StartAll(ctx context.Context) map[string]error {
	var errs map[string]error
	for _, id := range m.List() {
		if m.isolator.Quarantined(id) {
			log.Warn().Str("server", id).Msg("Skipping quarantined server")
			continue
		}
		if srv, err := m.Get(id); err == nil && !srv.Enabled() {
			log.Debug().Str("server", id).Msg("Skipping disabled server")
			continue
		}
		if err := m.Start(ctx, id); err != nil {
			if errs == nil {
				errs = make(map[string]error)
			}
			errs[id] = err
		}
	}
	return errs
}

// StopAll stops every registered server. The returned map holds one error
// per failed id, nil when all stopped cleanly.
func (m *Manager) StopAll(ctx context.Context) map[string]error {
	var errs map[string]error
	for _, id := range m.List() {
		if err := m.Stop(ctx, id); err != nil {
			if errs == nil {
				errs = make(map[string]error)
			}
			errs[id] = err
		}
	}
	return errs
}

// CallTool dispatches a tool call through the full pipeline: concurrency
// gate, argument validation, retry loop, circuit breaker, server. The
// breaker only sees real transport outcomes; validation failures and
// lifecycle refusals are not counted against it.
func (m *Manager) CallTool(ctx context.Context, serverID, tool string, args map[string]interface{}) (*mcp.ToolResult, error) {
	e, err := m.entryFor(serverID)
	if err != nil {
		return nil, err
	}

	category := m.classifier.Classify(tool)
	callID, _ := gonanoid.New()

	ctx = tracing.WithCallID(ctx, callID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "registry.call_tool",
		attribute.String("server", serverID),
		attribute.String("tool", tool),
		attribute.String("category", string(category)),
		attribute.String("call_id", callID),
	)
	defer span.End()

	release, err := m.gate.Acquire(ctx, category)
	if err != nil {
		return nil, fmt.Errorf("tool call %q on server %q aborted while waiting for the %s gate: %w", tool, serverID, category, err)
	}
	defer release()

	if err := m.validateArgs(e, serverID, tool, args); err != nil {
		return nil, err
	}

	start := time.Now()
	var result *mcp.ToolResult
	err = m.retrier.Do(ctx, serverID, func(ctx context.Context) error {
		if allowErr := m.isolator.Allow(serverID); allowErr != nil {
			return allowErr
		}
		res, callErr := e.srv().CallTool(ctx, tool, args)
		if callErr != nil {
			var na *mcp.NotAvailableError
			if errors.As(callErr, &na) {
				// A lifecycle refusal says nothing about server health. It
				// must not count against the breaker, and if this call held
				// the half-open probe slot the slot goes back, otherwise the
				// circuit would stay half-open forever.
				m.isolator.ReleaseProbe(serverID)
			} else {
				m.isolator.RecordFailure(serverID, callErr)
			}
			return callErr
		}
		m.isolator.RecordSuccess(serverID)
		result = res
		return nil
	})

	elapsed := time.Since(start)
	success := err == nil && result != nil && result.Success
	observability.RecordToolCall(serverID, string(category), success, elapsed)

	details := map[string]interface{}{
		"call_id":     callID,
		"tool":        tool,
		"category":    string(category),
		"duration_ms": elapsed.Milliseconds(),
		"success":     success,
	}
	if err != nil {
		details["error"] = err.Error()
	}
	m.tracker.RecordEvent(serverID, eventToolCall, details)

	auditStatus := "success"
	if !success {
		auditStatus = "failure"
	}
	observability.RecordToolAudit(ctx, serverID, tool, auditStatus, details)

	if err != nil {
		return nil, err
	}
	return result, nil
}

func (m *Manager) validateArgs(e *entry, serverID, tool string, args map[string]interface{}) error {
	schema := e.schema(tool)
	if schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	res, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return &ValidationError{ServerID: serverID, Tool: tool, Reason: err.Error()}
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, verr := range res.Errors() {
			msgs = append(msgs, verr.String())
		}
		return &ValidationError{ServerID: serverID, Tool: tool, Reason: strings.Join(msgs, "; ")}
	}
	return nil
}

// Tools returns the server's tool listing, from cache when warm.
func (m *Manager) Tools(ctx context.Context, id string) ([]mcp.ToolInfo, error) {
	e, err := m.entryFor(id)
	if err != nil {
		return nil, err
	}
	if tools := e.toolList(); len(tools) > 0 {
		return tools, nil
	}

	srv := e.srv()
	if srv.State() != status.StateRunning {
		return nil, nil
	}
	tools, lerr := srv.ListTools(ctx)
	if lerr != nil {
		return nil, lerr
	}
	e.setTools(id, tools)
	return tools, nil
}

// ClearQuarantine lifts the quarantine flag everywhere it is held: the
// isolator, the managed server, and the persistent store. Returns true
// when a flag was actually cleared.
func (m *Manager) ClearQuarantine(id string) (bool, error) {
	e, err := m.entryFor(id)
	if err != nil {
		return false, err
	}

	cleared := m.isolator.ClearQuarantine(id)
	e.srv().ClearQuarantined()
	if m.store != nil {
		ok, serr := m.store.ClearQuarantine(id)
		if serr != nil {
			log.Warn().Err(serr).Str("server", id).Msg("Failed to clear persisted quarantine flag")
		} else if ok {
			cleared = true
		}
	}

	if cleared {
		m.tracker.RecordEvent(id, eventQuarantineClear, nil)
		observability.RecordQuarantineAudit(context.Background(), id, "quarantine_cleared", "")
		log.Info().Str("server", id).Msg("Quarantine cleared by operator")
	}
	return cleared, nil
}

// RestoreQuarantines rehydrates quarantine flags persisted during a
// previous run. Call it before registering servers so Register can carry
// the flag onto each rebuilt ManagedServer.
func (m *Manager) RestoreQuarantines() error {
	if m.store == nil {
		return nil
	}
	flags, err := m.store.QuarantinedServers()
	if err != nil {
		return fmt.Errorf("failed to load quarantine flags: %w", err)
	}
	for id, reason := range flags {
		m.isolator.Restore(id, reason)
		log.Warn().Str("server", id).Str("reason", reason).Msg("Restored quarantine flag from previous run")
	}
	return nil
}

// handleQuarantine reacts to the isolator tripping a server into
// quarantine: persist the flag, mark the server, and sever its session
// in the background.
func (m *Manager) handleQuarantine(id, reason string) {
	if m.store != nil {
		if err := m.store.SetQuarantine(id, reason); err != nil {
			log.Warn().Err(err).Str("server", id).Msg("Failed to persist quarantine flag")
		}
	}
	m.tracker.RecordEvent(id, eventQuarantine, map[string]interface{}{"reason": reason})
	observability.RecordQuarantineAudit(context.Background(), id, "quarantined", reason)

	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return
	}

	srv := e.srv()
	srv.SetQuarantined(reason)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), quarantineStopTimeout)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			log.Warn().Err(err).Str("server", id).Msg("Failed to stop quarantined server")
		}
	}()
}

// Overview is a point-in-time row for one server, for status displays.
type Overview struct {
	ServerID         string               `json:"server_id"`
	State            status.State         `json:"state"`
	Transport        mcp.TransportKind    `json:"transport"`
	Enabled          bool                 `json:"enabled"`
	Uptime           *time.Duration       `json:"uptime,omitempty"`
	Circuit          breaker.CircuitState `json:"circuit"`
	Quarantined      bool                 `json:"quarantined"`
	QuarantineReason string               `json:"quarantine_reason,omitempty"`
	ToolCount        int                  `json:"tool_count"`
}

// Overviews returns one row per registered server, sorted by id.
func (m *Manager) Overviews() []Overview {
	ids := m.List()
	out := make([]Overview, 0, len(ids))
	for _, id := range ids {
		e, err := m.entryFor(id)
		if err != nil {
			continue
		}
		srv := e.srv()
		quarantined, reason := srv.Quarantined()
		out = append(out, Overview{
			ServerID:         id,
			State:            srv.State(),
			Transport:        srv.Config().Kind(),
			Enabled:          srv.Enabled(),
			Uptime:           m.tracker.Uptime(id),
			Circuit:          m.isolator.State(id),
			Quarantined:      quarantined,
			QuarantineReason: reason,
			ToolCount:        len(e.toolList()),
		})
	}
	return out
}

// Tracker exposes the status tracker for read-side consumers.
func (m *Manager) Tracker() *status.Tracker { return m.tracker }

// Isolator exposes the error isolator for read-side consumers.
func (m *Manager) Isolator() *breaker.Isolator { return m.isolator }

// RetryStats returns cumulative retry counters.
func (m *Manager) RetryStats() retry.Stats { return m.retrier.Stats() }
