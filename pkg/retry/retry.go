// Package retry wraps tool-provider calls with bounded exponential backoff.
// Only transient failures are retried; everything else propagates on the
// first attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/stewardmcp/steward/internal/observability"
	"github.com/stewardmcp/steward/pkg/breaker"
)

// Policy tunes the retry loop.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// BaseDelay is the sleep before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the grown delay.
	MaxDelay time.Duration
	// Multiplier grows the delay per attempt.
	Multiplier float64
	// Jitter adds up to Jitter*delay of random slack to avoid thundering herds.
	Jitter float64
}

// DefaultPolicy returns production retry settings.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.2,
	}
}

// Stats aggregates retry activity across all calls.
type Stats struct {
	Attempts  int64
	Successes int64
	Failures  int64
}

// Manager runs operations under the retry policy. Safe for concurrent use.
type Manager struct {
	policy Policy
	log    zerolog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	attempts  atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
}

// New creates a retry manager.
func New(policy Policy, log zerolog.Logger) *Manager {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultPolicy().MaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultPolicy().BaseDelay
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = DefaultPolicy().MaxDelay
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = DefaultPolicy().Multiplier
	}
	if policy.Jitter < 0 {
		policy.Jitter = 0
	}
	return &Manager{
		policy: policy,
		log:    log,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay computes the backoff before retry number attempt (0-based). Pure so
// the schedule is testable with a fixed rng.
func Delay(p Policy, attempt int, rng *rand.Rand) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if p.Jitter > 0 && rng != nil {
		d += d * p.Jitter * rng.Float64()
	}
	delay := time.Duration(d)
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Do invokes fn, retrying transient failures with backoff. Circuit-open and
// quarantine errors are never retried: the breaker already knows the provider
// is down, so queueing more attempts behind it only adds latency.
func (m *Manager) Do(ctx context.Context, serverID string, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < m.policy.MaxAttempts; attempt++ {
		m.attempts.Add(1)
		err := fn(ctx)
		if err == nil {
			m.successes.Add(1)
			if attempt > 0 {
				observability.RecordRetryRecovery(serverID)
				m.log.Debug().Str("server", serverID).Int("attempt", attempt+1).Msg("call recovered after retry")
			}
			return nil
		}
		lastErr = err

		var openErr *breaker.CircuitOpenError
		var quarErr *breaker.QuarantinedError
		if errors.As(err, &openErr) || errors.As(err, &quarErr) {
			m.failures.Add(1)
			return err
		}

		if breaker.Classify(err) != breaker.ClassTransient {
			m.failures.Add(1)
			return err
		}
		if attempt == m.policy.MaxAttempts-1 {
			break
		}

		m.rngMu.Lock()
		delay := Delay(m.policy, attempt, m.rng)
		m.rngMu.Unlock()
		observability.RecordRetryAttempt(serverID)
		m.log.Debug().
			Str("server", serverID).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("transient failure, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			m.failures.Add(1)
			return fmt.Errorf("retry aborted: %w", ctx.Err())
		}
	}

	m.failures.Add(1)
	return fmt.Errorf("all %d attempts failed: %w", m.policy.MaxAttempts, lastErr)
}

// Stats returns a snapshot of aggregate retry counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Attempts:  m.attempts.Load(),
		Successes: m.successes.Load(),
		Failures:  m.failures.Load(),
	}
}
