package registry

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardmcp/steward/pkg/breaker"
	"github.com/stewardmcp/steward/pkg/gate"
	"github.com/stewardmcp/steward/pkg/mcp"
	"github.com/stewardmcp/steward/pkg/retry"
	"github.com/stewardmcp/steward/pkg/status"
)

type fakeConn struct {
	mu       sync.Mutex
	calls    int
	callHook func(tool string) (*mcpsdk.CallToolResult, error)
	closed   bool
	delay    time.Duration

	// shared concurrency counters, for gate tests
	inFlight *int32
	maxSeen  *int32

	waitOnce sync.Once
	waitCh   chan error
}

func newFakeConn() *fakeConn {
	return &fakeConn{waitCh: make(chan error, 1)}
}

func (c *fakeConn) CallTool(_ context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error) {
	if c.inFlight != nil {
		n := atomic.AddInt32(c.inFlight, 1)
		for {
			seen := atomic.LoadInt32(c.maxSeen)
			if n <= seen || atomic.CompareAndSwapInt32(c.maxSeen, seen, n) {
				break
			}
		}
		defer atomic.AddInt32(c.inFlight, -1)
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}

	c.mu.Lock()
	c.calls++
	hook := c.callHook
	c.mu.Unlock()

	if hook != nil {
		return hook(params.Name)
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "ok"}},
	}, nil
}

func (c *fakeConn) ListTools(context.Context, *mcpsdk.ListToolsParams) (*mcpsdk.ListToolsResult, error) {
	return &mcpsdk.ListToolsResult{}, nil
}

func (c *fakeConn) Ping(context.Context) error { return nil }
func (c *fakeConn) SessionID() string          { return "sess-test" }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.end(nil)
	return nil
}

func (c *fakeConn) Kill() error {
	c.end(errors.New("killed"))
	return nil
}

func (c *fakeConn) Wait() error { return <-c.waitCh }

func (c *fakeConn) end(err error) {
	c.waitOnce.Do(func() { c.waitCh <- err })
}

func (c *fakeConn) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *fakeConn) wasClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeDialer hands out one fakeConn per server id and counts dials.
type fakeDialer struct {
	mu    sync.Mutex
	make  map[string]func() *fakeConn
	fail  map[string]error
	count map[string]int
	last  map[string]*fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		make:  make(map[string]func() *fakeConn),
		fail:  make(map[string]error),
		count: make(map[string]int),
		last:  make(map[string]*fakeConn),
	}
}

func (d *fakeDialer) dial(_ context.Context, cfg mcp.ServerConfig, _ io.Writer) (mcp.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count[cfg.ID()]++
	if err := d.fail[cfg.ID()]; err != nil {
		return nil, err
	}
	factory := d.make[cfg.ID()]
	var conn *fakeConn
	if factory != nil {
		conn = factory()
	} else {
		conn = newFakeConn()
	}
	d.last[cfg.ID()] = conn
	return conn, nil
}

func (d *fakeDialer) dials(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count[id]
}

func (d *fakeDialer) conn(id string) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last[id]
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard).Level(zerolog.Disabled)
}

func fastBreaker() breaker.Config {
	return breaker.Config{
		FailureThreshold:    3,
		WindowSize:          5,
		WindowThreshold:     5,
		Cooldown:            15 * time.Millisecond,
		CooldownMax:         60 * time.Millisecond,
		QuarantineThreshold: 100,
	}
}

func singleAttempt() retry.Policy {
	return retry.Policy{
		MaxAttempts: 1,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func newTestManager(d *fakeDialer, breakerCfg breaker.Config, policy retry.Policy) *Manager {
	logger := testLogger()
	return New(Options{
		Tracker:  status.NewTracker(0, logger),
		Isolator: breaker.New(breakerCfg, logger),
		Retrier:  retry.New(policy, logger),
		Gate:     gate.New(),
		Server: mcp.Options{
			Dialer:         d.dial,
			ConnectTimeout: time.Second,
			StopGrace:      100 * time.Millisecond,
		},
	})
}

func stdioConfig(t *testing.T, id string) mcp.ServerConfig {
	t.Helper()
	cfg, err := mcp.NewStdioConfig(id, "mcp-test-server", nil, nil)
	require.NoError(t, err)
	return cfg
}

func eventTypes(tracker *status.Tracker, id string) []string {
	events := tracker.Events(id, 0)
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func transientErr() error {
	return errors.New("connection reset by peer")
}

func TestRegisterListAndGet(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(d, fastBreaker(), singleAttempt())

	require.NoError(t, m.Register(stdioConfig(t, "beta")))
	require.NoError(t, m.Register(stdioConfig(t, "alpha")))

	assert.Equal(t, []string{"alpha", "beta"}, m.List())

	err := m.Register(stdioConfig(t, "alpha"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	srv, err := m.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, status.StateStopped, srv.State())

	_, err = m.Get("ghost")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "ghost", notFound.ServerID)
}

func TestCallToolHappyPath(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(d, fastBreaker(), singleAttempt())

	require.NoError(t, m.Register(stdioConfig(t, "fs")))
	require.NoError(t, m.Start(context.Background(), "fs"))

	res, err := m.CallTool(context.Background(), "fs", "read_file", map[string]interface{}{"path": "/tmp/x"})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Success)
	assert.Equal(t, "ok", res.Output)
	assert.Equal(t, 1, d.conn("fs").callCount())

	events := m.Tracker().Events("fs", 0)
	var call *status.Event
	for i := range events {
		if events[i].Type == "tool_call" {
			call = &events[i]
		}
	}
	require.NotNil(t, call, "expected a tool_call event")
	assert.Equal(t, "read_file", call.Details["tool"])
	assert.Equal(t, "read", call.Details["category"])
	assert.Equal(t, true, call.Details["success"])
	assert.NotEmpty(t, call.Details["call_id"])
}

func TestCallToolUnknownServer(t *testing.T) {
	m := newTestManager(newFakeDialer(), fastBreaker(), singleAttempt())

	_, err := m.CallTool(context.Background(), "ghost", "read_file", nil)
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestCallToolOnStoppedServerSkipsBreaker(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(d, fastBreaker(), singleAttempt())
	require.NoError(t, m.Register(stdioConfig(t, "fs")))

	_, err := m.CallTool(context.Background(), "fs", "read_file", nil)
	var notAvailable *mcp.NotAvailableError
	require.ErrorAs(t, err, &notAvailable)

	snap := m.Isolator().Snapshot("fs")
	assert.Equal(t, breaker.CircuitClosed, snap.State)
	assert.Zero(t, snap.CumulativeFailures, "lifecycle refusals must not count against the breaker")
	assert.Zero(t, d.dials("fs"))
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	d := newFakeDialer()
	d.make["fs"] = func() *fakeConn {
		c := newFakeConn()
		c.callHook = func(string) (*mcpsdk.CallToolResult, error) { return nil, transientErr() }
		return c
	}
	m := newTestManager(d, fastBreaker(), singleAttempt())
	require.NoError(t, m.Register(stdioConfig(t, "fs")))
	require.NoError(t, m.Start(context.Background(), "fs"))

	for i := 0; i < 3; i++ {
		_, err := m.CallTool(context.Background(), "fs", "read_file", nil)
		require.Error(t, err)
	}
	assert.Equal(t, breaker.CircuitOpen, m.Isolator().State("fs"))

	_, err := m.CallTool(context.Background(), "fs", "read_file", nil)
	var open *breaker.CircuitOpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, 3, d.conn("fs").callCount(), "open circuit must not reach the transport")
}

func TestOpenBreakerShortCircuitsRetries(t *testing.T) {
	d := newFakeDialer()
	d.make["fs"] = func() *fakeConn {
		c := newFakeConn()
		c.callHook = func(string) (*mcpsdk.CallToolResult, error) { return nil, transientErr() }
		return c
	}
	cfg := fastBreaker()
	cfg.FailureThreshold = 1
	policy := singleAttempt()
	policy.MaxAttempts = 3

	m := newTestManager(d, cfg, policy)
	require.NoError(t, m.Register(stdioConfig(t, "fs")))
	require.NoError(t, m.Start(context.Background(), "fs"))

	_, err := m.CallTool(context.Background(), "fs", "read_file", nil)
	var open *breaker.CircuitOpenError
	require.ErrorAs(t, err, &open, "retry loop should stop at the opened circuit")
	assert.Equal(t, 1, d.conn("fs").callCount(), "no retry may bypass an open circuit")
}

func TestHalfOpenProbeRecovers(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)

	d := newFakeDialer()
	d.make["fs"] = func() *fakeConn {
		c := newFakeConn()
		c.callHook = func(string) (*mcpsdk.CallToolResult, error) {
			if failing.Load() {
				return nil, transientErr()
			}
			return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "ok"}}}, nil
		}
		return c
	}
	cfg := fastBreaker()
	cfg.FailureThreshold = 1
	cfg.Cooldown = 10 * time.Millisecond

	m := newTestManager(d, cfg, singleAttempt())
	require.NoError(t, m.Register(stdioConfig(t, "fs")))
	require.NoError(t, m.Start(context.Background(), "fs"))

	_, err := m.CallTool(context.Background(), "fs", "read_file", nil)
	require.Error(t, err)
	require.Equal(t, breaker.CircuitOpen, m.Isolator().State("fs"))

	failing.Store(false)
	time.Sleep(30 * time.Millisecond)

	res, err := m.CallTool(context.Background(), "fs", "read_file", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, breaker.CircuitClosed, m.Isolator().State("fs"))
}

func TestHalfOpenSurvivesLifecycleRefusal(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)

	d := newFakeDialer()
	d.make["fs"] = func() *fakeConn {
		c := newFakeConn()
		c.callHook = func(string) (*mcpsdk.CallToolResult, error) {
			if failing.Load() {
				return nil, transientErr()
			}
			return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "ok"}}}, nil
		}
		return c
	}
	cfg := fastBreaker()
	cfg.FailureThreshold = 1
	cfg.Cooldown = 10 * time.Millisecond

	m := newTestManager(d, cfg, singleAttempt())
	require.NoError(t, m.Register(stdioConfig(t, "fs")))
	require.NoError(t, m.Start(context.Background(), "fs"))

	_, err := m.CallTool(context.Background(), "fs", "read_file", nil)
	require.Error(t, err)
	require.Equal(t, breaker.CircuitOpen, m.Isolator().State("fs"))

	// Stop the server, then let the cooldown elapse. The next call claims
	// the half-open slot but is refused before it reaches the transport;
	// the slot must go back so recovery is still possible.
	require.NoError(t, m.Stop(context.Background(), "fs"))
	time.Sleep(30 * time.Millisecond)

	_, err = m.CallTool(context.Background(), "fs", "read_file", nil)
	var notAvailable *mcp.NotAvailableError
	require.ErrorAs(t, err, &notAvailable)

	failing.Store(false)
	require.NoError(t, m.Start(context.Background(), "fs"))

	res, err := m.CallTool(context.Background(), "fs", "read_file", nil)
	require.NoError(t, err, "the refused call must not hold the probe slot forever")
	assert.True(t, res.Success)
	assert.Equal(t, breaker.CircuitClosed, m.Isolator().State("fs"))
}

func TestRetryRecoversTransientFailure(t *testing.T) {
	var attempts atomic.Int32
	d := newFakeDialer()
	d.make["fs"] = func() *fakeConn {
		c := newFakeConn()
		c.callHook = func(string) (*mcpsdk.CallToolResult, error) {
			if attempts.Add(1) == 1 {
				return nil, transientErr()
			}
			return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "ok"}}}, nil
		}
		return c
	}
	policy := singleAttempt()
	policy.MaxAttempts = 3

	m := newTestManager(d, fastBreaker(), policy)
	require.NoError(t, m.Register(stdioConfig(t, "fs")))
	require.NoError(t, m.Start(context.Background(), "fs"))

	res, err := m.CallTool(context.Background(), "fs", "read_file", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, d.conn("fs").callCount())
	assert.GreaterOrEqual(t, m.RetryStats().Successes, int64(1))
}

func TestFatalErrorQuarantinesImmediately(t *testing.T) {
	d := newFakeDialer()
	d.make["fs"] = func() *fakeConn {
		c := newFakeConn()
		c.callHook = func(string) (*mcpsdk.CallToolResult, error) {
			return nil, &breaker.FatalError{Err: errors.New("exec format error")}
		}
		return c
	}
	m := newTestManager(d, fastBreaker(), singleAttempt())
	require.NoError(t, m.Register(stdioConfig(t, "fs")))
	require.NoError(t, m.Start(context.Background(), "fs"))

	_, err := m.CallTool(context.Background(), "fs", "read_file", nil)
	require.Error(t, err)
	assert.True(t, m.Isolator().Quarantined("fs"))

	srv, err := m.Get("fs")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return srv.State() == status.StateQuarantined
	}, time.Second, 5*time.Millisecond, "quarantined server should be torn down")

	assert.Contains(t, eventTypes(m.Tracker(), "fs"), "quarantine")
}

func TestQuarantineStickyAcrossStartAttempts(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(d, fastBreaker(), singleAttempt())
	require.NoError(t, m.Register(stdioConfig(t, "fs")))

	m.Isolator().Quarantine("fs", "manual kill")

	for i := 0; i < 3; i++ {
		err := m.Start(context.Background(), "fs")
		var quarantined *breaker.QuarantinedError
		require.ErrorAs(t, err, &quarantined)
		assert.Equal(t, "manual kill", quarantined.Reason)
	}
	assert.Zero(t, d.dials("fs"))

	cleared, err := m.ClearQuarantine("fs")
	require.NoError(t, err)
	assert.True(t, cleared)

	require.NoError(t, m.Start(context.Background(), "fs"))
	assert.Equal(t, 1, d.dials("fs"))
	assert.Contains(t, eventTypes(m.Tracker(), "fs"), "quarantine_cleared")
}

func TestQuarantineCumulativeThreshold(t *testing.T) {
	d := newFakeDialer()
	d.make["fs"] = func() *fakeConn {
		c := newFakeConn()
		c.callHook = func(string) (*mcpsdk.CallToolResult, error) { return nil, transientErr() }
		return c
	}
	cfg := fastBreaker()
	cfg.FailureThreshold = 10
	cfg.WindowSize = 20
	cfg.WindowThreshold = 20
	cfg.QuarantineThreshold = 3

	m := newTestManager(d, cfg, singleAttempt())
	require.NoError(t, m.Register(stdioConfig(t, "fs")))
	require.NoError(t, m.Start(context.Background(), "fs"))

	for i := 0; i < 3; i++ {
		_, err := m.CallTool(context.Background(), "fs", "read_file", nil)
		require.Error(t, err)
	}
	assert.True(t, m.Isolator().Quarantined("fs"))
}

func TestQuarantinePersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	store, err := status.OpenStore(filepath.Join(dir, "steward.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger := testLogger()
	d := newFakeDialer()

	first := New(Options{
		Tracker:  status.NewTracker(0, logger),
		Isolator: breaker.New(fastBreaker(), logger),
		Retrier:  retry.New(singleAttempt(), logger),
		Gate:     gate.New(),
		Store:    store,
		Server:   mcp.Options{Dialer: d.dial, ConnectTimeout: time.Second, StopGrace: 100 * time.Millisecond},
	})
	require.NoError(t, first.Register(stdioConfig(t, "fs")))
	first.Isolator().Quarantine("fs", "crash loop")

	// Fresh isolator and registry, same store: a process restart.
	second := New(Options{
		Tracker:  status.NewTracker(0, logger),
		Isolator: breaker.New(fastBreaker(), logger),
		Retrier:  retry.New(singleAttempt(), logger),
		Gate:     gate.New(),
		Store:    store,
		Server:   mcp.Options{Dialer: d.dial, ConnectTimeout: time.Second, StopGrace: 100 * time.Millisecond},
	})
	require.NoError(t, second.RestoreQuarantines())
	require.NoError(t, second.Register(stdioConfig(t, "fs")))

	err = second.Start(context.Background(), "fs")
	var quarantined *breaker.QuarantinedError
	require.ErrorAs(t, err, &quarantined)
	assert.Equal(t, "crash loop", quarantined.Reason)

	cleared, err := second.ClearQuarantine("fs")
	require.NoError(t, err)
	assert.True(t, cleared)

	flags, err := store.QuarantinedServers()
	require.NoError(t, err)
	assert.Empty(t, flags)

	require.NoError(t, second.Start(context.Background(), "fs"))
}

func TestValidationFailureSkipsDispatch(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(d, fastBreaker(), singleAttempt())
	require.NoError(t, m.Register(stdioConfig(t, "fs")))
	require.NoError(t, m.Start(context.Background(), "fs"))

	e, err := m.entryFor("fs")
	require.NoError(t, err)
	e.setTools("fs", []mcp.ToolInfo{{
		Name: "write_file",
		InputSchema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"path"},
			"properties": map[string]interface{}{
				"path": map[string]interface{}{"type": "string"},
			},
		},
	}})

	_, err = m.CallTool(context.Background(), "fs", "write_file", map[string]interface{}{"content": "hi"})
	var invalid *ValidationError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "write_file", invalid.Tool)

	assert.Zero(t, d.conn("fs").callCount(), "invalid arguments must not reach the server")
	assert.Zero(t, m.Isolator().Snapshot("fs").CumulativeFailures)

	res, err := m.CallTool(context.Background(), "fs", "write_file", map[string]interface{}{"path": "/tmp/x"})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestWriteGateSerializesAcrossServers(t *testing.T) {
	var inFlight, maxSeen int32
	d := newFakeDialer()
	ids := []string{"s0", "s1", "s2", "s3", "s4"}
	for _, id := range ids {
		d.make[id] = func() *fakeConn {
			c := newFakeConn()
			c.delay = 20 * time.Millisecond
			c.inFlight = &inFlight
			c.maxSeen = &maxSeen
			return c
		}
	}
	m := newTestManager(d, fastBreaker(), singleAttempt())
	for _, id := range ids {
		require.NoError(t, m.Register(stdioConfig(t, id)))
	}
	require.Empty(t, m.StartAll(context.Background()))

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := m.CallTool(context.Background(), id, "write_file", map[string]interface{}{"path": "/tmp/x"})
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxSeen), "writes must never overlap")
}

func TestReadsBypassTheGate(t *testing.T) {
	var inFlight, maxSeen int32
	d := newFakeDialer()
	ids := []string{"s0", "s1", "s2", "s3", "s4"}
	for _, id := range ids {
		d.make[id] = func() *fakeConn {
			c := newFakeConn()
			c.delay = 50 * time.Millisecond
			c.inFlight = &inFlight
			c.maxSeen = &maxSeen
			return c
		}
	}
	m := newTestManager(d, fastBreaker(), singleAttempt())
	for _, id := range ids {
		require.NoError(t, m.Register(stdioConfig(t, id)))
	}
	require.Empty(t, m.StartAll(context.Background()))

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := m.CallTool(context.Background(), id, "read_file", map[string]interface{}{"path": "/tmp/x"})
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	assert.GreaterOrEqual(t, atomic.LoadInt32(&maxSeen), int32(2), "reads should run concurrently")
}

func TestReloadPreservesBreakerState(t *testing.T) {
	d := newFakeDialer()
	d.make["fs"] = func() *fakeConn {
		c := newFakeConn()
		c.callHook = func(string) (*mcpsdk.CallToolResult, error) { return nil, transientErr() }
		return c
	}
	cfg := fastBreaker()
	cfg.FailureThreshold = 1
	cfg.Cooldown = time.Minute

	m := newTestManager(d, cfg, singleAttempt())
	require.NoError(t, m.Register(stdioConfig(t, "fs")))
	require.NoError(t, m.Start(context.Background(), "fs"))

	_, err := m.CallTool(context.Background(), "fs", "read_file", nil)
	require.Error(t, err)
	require.Equal(t, breaker.CircuitOpen, m.Isolator().State("fs"))

	require.NoError(t, m.Reload(context.Background(), stdioConfig(t, "fs")))
	assert.Equal(t, 2, d.dials("fs"), "reload should restart a running server")

	_, err = m.CallTool(context.Background(), "fs", "read_file", nil)
	var open *breaker.CircuitOpenError
	require.ErrorAs(t, err, &open, "breaker state is keyed by id and survives reload")
	assert.Zero(t, d.conn("fs").callCount())
}

func TestReloadStoppedServerStaysStopped(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(d, fastBreaker(), singleAttempt())
	require.NoError(t, m.Register(stdioConfig(t, "fs")))

	require.NoError(t, m.Reload(context.Background(), stdioConfig(t, "fs")))
	assert.Zero(t, d.dials("fs"))

	srv, err := m.Get("fs")
	require.NoError(t, err)
	assert.Equal(t, status.StateStopped, srv.State())
}

func TestRemoveStopsAndForgets(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(d, fastBreaker(), singleAttempt())
	require.NoError(t, m.Register(stdioConfig(t, "fs")))
	require.NoError(t, m.Start(context.Background(), "fs"))

	require.NoError(t, m.Remove(context.Background(), "fs"))
	assert.True(t, d.conn("fs").wasClosed())

	_, err := m.Get("fs")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)

	err = m.Remove(context.Background(), "fs")
	require.ErrorAs(t, err, &notFound)
}

func TestRemoveResetsCircuit(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)

	d := newFakeDialer()
	d.make["fs"] = func() *fakeConn {
		c := newFakeConn()
		c.callHook = func(string) (*mcpsdk.CallToolResult, error) {
			if failing.Load() {
				return nil, transientErr()
			}
			return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "ok"}}}, nil
		}
		return c
	}
	cfg := fastBreaker()
	cfg.FailureThreshold = 1
	cfg.Cooldown = time.Minute

	m := newTestManager(d, cfg, singleAttempt())
	require.NoError(t, m.Register(stdioConfig(t, "fs")))
	require.NoError(t, m.Start(context.Background(), "fs"))

	_, err := m.CallTool(context.Background(), "fs", "read_file", nil)
	require.Error(t, err)
	require.Equal(t, breaker.CircuitOpen, m.Isolator().State("fs"))

	require.NoError(t, m.Remove(context.Background(), "fs"))

	// A later registration under the same id starts from a clean slate.
	failing.Store(false)
	require.NoError(t, m.Register(stdioConfig(t, "fs")))
	assert.Equal(t, breaker.CircuitClosed, m.Isolator().State("fs"))

	require.NoError(t, m.Start(context.Background(), "fs"))
	res, err := m.CallTool(context.Background(), "fs", "read_file", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestRemoveKeepsQuarantine(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(d, fastBreaker(), singleAttempt())
	require.NoError(t, m.Register(stdioConfig(t, "fs")))

	m.Isolator().Quarantine("fs", "manual kill")
	require.NoError(t, m.Remove(context.Background(), "fs"))

	require.NoError(t, m.Register(stdioConfig(t, "fs")))
	err := m.Start(context.Background(), "fs")
	var quarantined *breaker.QuarantinedError
	require.ErrorAs(t, err, &quarantined, "quarantine outlives removal until explicitly cleared")
	assert.Equal(t, "manual kill", quarantined.Reason)
}

func TestStartAllReportsFailuresPerServer(t *testing.T) {
	d := newFakeDialer()
	d.fail["broken"] = errors.New("spawn failed: no such file or directory")

	m := newTestManager(d, fastBreaker(), singleAttempt())
	require.NoError(t, m.Register(stdioConfig(t, "good")))
	require.NoError(t, m.Register(stdioConfig(t, "broken")))

	failed := m.StartAll(context.Background())
	require.Len(t, failed, 1)
	require.Contains(t, failed, "broken")
	assert.ErrorContains(t, failed["broken"], "spawn failed")

	good, err := m.Get("good")
	require.NoError(t, err)
	assert.Equal(t, status.StateRunning, good.State())

	require.Empty(t, m.StopAll(context.Background()))
}

func TestStartAllSkipsQuarantined(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(d, fastBreaker(), singleAttempt())
	require.NoError(t, m.Register(stdioConfig(t, "good")))
	require.NoError(t, m.Register(stdioConfig(t, "bad")))

	m.Isolator().Quarantine("bad", "manual kill")

	require.Empty(t, m.StartAll(context.Background()))
	assert.Equal(t, 1, d.dials("good"))
	assert.Zero(t, d.dials("bad"))

	require.Empty(t, m.StopAll(context.Background()))
	good, err := m.Get("good")
	require.NoError(t, err)
	assert.Equal(t, status.StateStopped, good.State())
}

func TestOverviews(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(d, fastBreaker(), singleAttempt())
	require.NoError(t, m.Register(stdioConfig(t, "b")))
	require.NoError(t, m.Register(stdioConfig(t, "a")))
	require.NoError(t, m.Start(context.Background(), "a"))

	rows := m.Overviews()
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0].ServerID)
	assert.Equal(t, status.StateRunning, rows[0].State)
	assert.Equal(t, mcp.TransportStdio, rows[0].Transport)
	assert.Equal(t, breaker.CircuitClosed, rows[0].Circuit)
	require.NotNil(t, rows[0].Uptime)

	assert.Equal(t, "b", rows[1].ServerID)
	assert.Equal(t, status.StateStopped, rows[1].State)
	assert.Nil(t, rows[1].Uptime)
}

func TestConcurrentLifecycleSettles(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(d, fastBreaker(), singleAttempt())
	require.NoError(t, m.Register(stdioConfig(t, "fs")))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = m.Start(context.Background(), "fs")
			} else {
				_ = m.Stop(context.Background(), "fs")
			}
		}(i)
	}
	wg.Wait()

	require.NoError(t, m.Stop(context.Background(), "fs"))
	srv, err := m.Get("fs")
	require.NoError(t, err)
	assert.Equal(t, status.StateStopped, srv.State())
}
