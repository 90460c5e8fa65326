package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stewardmcp/steward/internal/observability"
)

// CircuitState is the breaker position for one server.
type CircuitState string

const (
	// CircuitClosed lets calls through and counts failures.
	CircuitClosed CircuitState = "closed"
	// CircuitOpen short-circuits calls until the cooldown elapses.
	CircuitOpen CircuitState = "open"
	// CircuitHalfOpen lets exactly one probe call through.
	CircuitHalfOpen CircuitState = "half_open"
)

// Config tunes the breaker and quarantine thresholds.
type Config struct {
	// FailureThreshold trips the circuit after this many consecutive failures.
	FailureThreshold int
	// WindowSize is how many recent outcomes the rolling window keeps.
	WindowSize int
	// WindowThreshold trips the circuit when this many of the last
	// WindowSize outcomes failed, even without a consecutive run.
	WindowThreshold int
	// Cooldown is the initial open duration before a half-open probe.
	Cooldown time.Duration
	// CooldownMax caps the exponential cooldown growth.
	CooldownMax time.Duration
	// QuarantineThreshold quarantines after this many cumulative failures.
	// It is deliberately higher than FailureThreshold: the breaker recovers
	// on its own, quarantine does not.
	QuarantineThreshold int
}

// DefaultConfig returns production thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		WindowSize:          10,
		WindowThreshold:     5,
		Cooldown:            30 * time.Second,
		CooldownMax:         10 * time.Minute,
		QuarantineThreshold: 20,
	}
}

// circuit holds breaker state for a single server id.
type circuit struct {
	state       CircuitState
	consecutive int
	cumulative  int
	window      []bool
	windowNext  int
	windowLen   int
	openedAt    time.Time
	cooldown    time.Duration
	probing     bool
}

// Snapshot is a read-only view of one server's isolation state.
type Snapshot struct {
	State               CircuitState
	ConsecutiveFailures int
	CumulativeFailures  int
	Cooldown            time.Duration
	Quarantined         bool
	QuarantineReason    string
}

// Isolator tracks circuit and quarantine state per server id. All methods
// are safe for concurrent use.
type Isolator struct {
	cfg Config
	log zerolog.Logger

	mu          sync.Mutex
	circuits    map[string]*circuit
	quarantined map[string]string

	// OnQuarantine, when set, is called (outside the lock) whenever a server
	// enters quarantine. The registry uses it to persist the flag and emit
	// an event.
	OnQuarantine func(serverID, reason string)

	now func() time.Time
}

// New creates an isolator with the given thresholds.
func New(cfg Config, log zerolog.Logger) *Isolator {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	if cfg.WindowThreshold <= 0 {
		cfg.WindowThreshold = DefaultConfig().WindowThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if cfg.CooldownMax < cfg.Cooldown {
		cfg.CooldownMax = DefaultConfig().CooldownMax
	}
	if cfg.QuarantineThreshold <= 0 {
		cfg.QuarantineThreshold = DefaultConfig().QuarantineThreshold
	}
	return &Isolator{
		cfg:         cfg,
		log:         log,
		circuits:    make(map[string]*circuit),
		quarantined: make(map[string]string),
		now:         time.Now,
	}
}

func (i *Isolator) circuitLocked(id string) *circuit {
	c, ok := i.circuits[id]
	if !ok {
		c = &circuit{
			state:    CircuitClosed,
			window:   make([]bool, i.cfg.WindowSize),
			cooldown: i.cfg.Cooldown,
		}
		i.circuits[id] = c
	}
	return c
}

// Allow reports whether a call to the server may proceed. It returns a
// QuarantinedError or CircuitOpenError when the call must not happen.
// A nil return during half-open claims the single probe slot; the caller
// must follow up with RecordSuccess or RecordFailure.
func (i *Isolator) Allow(id string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if reason, ok := i.quarantined[id]; ok {
		return &QuarantinedError{ServerID: id, Reason: reason}
	}

	c := i.circuitLocked(id)
	switch c.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		elapsed := i.now().Sub(c.openedAt)
		if elapsed < c.cooldown {
			return &CircuitOpenError{ServerID: id, RetryAfter: c.cooldown - elapsed}
		}
		c.state = CircuitHalfOpen
		c.probing = true
		observability.SetCircuitState(id, string(CircuitHalfOpen))
		i.log.Info().Str("server", id).Msg("circuit half-open, probing")
		return nil
	case CircuitHalfOpen:
		if c.probing {
			return &CircuitOpenError{ServerID: id, RetryAfter: c.cooldown}
		}
		c.probing = true
		return nil
	default:
		return nil
	}
}

// ReleaseProbe returns a claimed half-open probe slot without recording an
// outcome. Callers use it when a claimed probe never reached the transport
// (a lifecycle refusal, say): such calls carry no signal about server
// health, and swallowing the slot would leave the circuit half-open with no
// way back. No-op outside half-open.
func (i *Isolator) ReleaseProbe(id string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	c, ok := i.circuits[id]
	if !ok || c.state != CircuitHalfOpen {
		return
	}
	c.probing = false
}

// RecordSuccess notes a successful call, closing the circuit if a probe
// succeeded and resetting failure counters.
func (i *Isolator) RecordSuccess(id string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	c := i.circuitLocked(id)
	if c.state == CircuitHalfOpen {
		i.log.Info().Str("server", id).Msg("probe succeeded, circuit closed")
	}
	c.state = CircuitClosed
	c.probing = false
	c.consecutive = 0
	c.cooldown = i.cfg.Cooldown
	i.pushOutcomeLocked(c, false)
	observability.SetCircuitState(id, string(CircuitClosed))
}

// RecordFailure classifies err, updates the circuit, and escalates to
// quarantine on a fatal failure or when the cumulative threshold is crossed.
// It returns the failure class so callers can branch without re-classifying.
func (i *Isolator) RecordFailure(id string, err error) Class {
	class := Classify(err)
	if class == ClassNone {
		return class
	}

	var quarantineReason string

	i.mu.Lock()
	if class == ClassFatal {
		quarantineReason = "fatal error: " + err.Error()
		i.quarantineLocked(id, quarantineReason)
		i.mu.Unlock()
		i.fireQuarantine(id, quarantineReason)
		return class
	}

	c := i.circuitLocked(id)
	c.consecutive++
	c.cumulative++
	i.pushOutcomeLocked(c, true)

	switch {
	case c.state == CircuitHalfOpen:
		// Probe failed: reopen with an increased, capped cooldown.
		c.cooldown *= 2
		if c.cooldown > i.cfg.CooldownMax {
			c.cooldown = i.cfg.CooldownMax
		}
		i.openLocked(id, c)
		i.log.Warn().Str("server", id).Dur("cooldown", c.cooldown).Msg("probe failed, circuit reopened")
	case c.state == CircuitClosed && (c.consecutive >= i.cfg.FailureThreshold || i.windowFailuresLocked(c) >= i.cfg.WindowThreshold):
		i.openLocked(id, c)
		observability.RecordBreakerTrip(id)
		i.log.Warn().
			Str("server", id).
			Int("consecutive", c.consecutive).
			Dur("cooldown", c.cooldown).
			Msg("circuit tripped open")
	}

	if c.cumulative >= i.cfg.QuarantineThreshold {
		quarantineReason = "cumulative failure threshold exceeded"
		i.quarantineLocked(id, quarantineReason)
	}
	i.mu.Unlock()

	if quarantineReason != "" {
		i.fireQuarantine(id, quarantineReason)
	}
	return class
}

func (i *Isolator) openLocked(id string, c *circuit) {
	c.state = CircuitOpen
	c.openedAt = i.now()
	c.probing = false
	observability.SetCircuitState(id, string(CircuitOpen))
}

func (i *Isolator) pushOutcomeLocked(c *circuit, failed bool) {
	c.window[c.windowNext] = failed
	c.windowNext = (c.windowNext + 1) % len(c.window)
	if c.windowLen < len(c.window) {
		c.windowLen++
	}
}

func (i *Isolator) windowFailuresLocked(c *circuit) int {
	n := 0
	for idx := 0; idx < c.windowLen; idx++ {
		if c.window[idx] {
			n++
		}
	}
	return n
}

func (i *Isolator) quarantineLocked(id, reason string) {
	if _, ok := i.quarantined[id]; ok {
		return
	}
	i.quarantined[id] = reason
	observability.SetQuarantine(id, true)
	i.log.Error().Str("server", id).Str("reason", reason).Msg("server quarantined")
}

func (i *Isolator) fireQuarantine(id, reason string) {
	if i.OnQuarantine != nil {
		i.OnQuarantine(id, reason)
	}
}

// Quarantine marks a server quarantined with the given reason and fires
// the OnQuarantine hook. Used by operator tooling.
func (i *Isolator) Quarantine(id, reason string) {
	i.mu.Lock()
	_, already := i.quarantined[id]
	if !already {
		i.quarantineLocked(id, reason)
	}
	i.mu.Unlock()
	if !already {
		i.fireQuarantine(id, reason)
	}
}

// Restore marks a server quarantined without firing OnQuarantine. It is
// for rehydrating flags already persisted during a previous run.
func (i *Isolator) Restore(id, reason string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.quarantineLocked(id, reason)
}

// ClearQuarantine removes the quarantine flag and resets the server's
// circuit so it starts from a clean slate. Returns false if the server
// was not quarantined.
func (i *Isolator) ClearQuarantine(id string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, ok := i.quarantined[id]; !ok {
		return false
	}
	delete(i.quarantined, id)
	delete(i.circuits, id)
	observability.SetQuarantine(id, false)
	observability.SetCircuitState(id, string(CircuitClosed))
	i.log.Info().Str("server", id).Msg("quarantine cleared")
	return true
}

// Quarantined reports whether the server is quarantined.
func (i *Isolator) Quarantined(id string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.quarantined[id]
	return ok
}

// QuarantineReason returns the recorded reason, if the server is quarantined.
func (i *Isolator) QuarantineReason(id string) (string, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	reason, ok := i.quarantined[id]
	return reason, ok
}

// State returns the breaker position for the server.
func (i *Isolator) State(id string) CircuitState {
	i.mu.Lock()
	defer i.mu.Unlock()
	c, ok := i.circuits[id]
	if !ok {
		return CircuitClosed
	}
	return c.state
}

// Snapshot returns a read-only view of the server's isolation state.
func (i *Isolator) Snapshot(id string) Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()

	snap := Snapshot{State: CircuitClosed}
	if c, ok := i.circuits[id]; ok {
		snap.State = c.state
		snap.ConsecutiveFailures = c.consecutive
		snap.CumulativeFailures = c.cumulative
		snap.Cooldown = c.cooldown
	}
	if reason, ok := i.quarantined[id]; ok {
		snap.Quarantined = true
		snap.QuarantineReason = reason
	}
	return snap
}

// Reset drops the server's circuit so a later registration under the same
// id starts from a clean slate. The registry calls it on removal; reload
// deliberately does not, breaker state is keyed by id and survives a config
// swap. Quarantine is untouched: Reset clears nothing quarantine-related,
// so a remove/re-add cycle cannot silently unquarantine.
func (i *Isolator) Reset(id string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.circuits, id)
	observability.SetCircuitState(id, string(CircuitClosed))
}
