package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		FailureThreshold:    3,
		WindowSize:          10,
		WindowThreshold:     5,
		Cooldown:            time.Second,
		CooldownMax:         8 * time.Second,
		QuarantineThreshold: 20,
	}
}

func newTestIsolator(t *testing.T) (*Isolator, *time.Time) {
	t.Helper()
	iso := New(testConfig(), zerolog.Nop())
	now := time.Now()
	iso.now = func() time.Time { return now }
	return iso, &now
}

func transientErr() error {
	return errors.New("connection reset by peer")
}

func TestBreakerTripsAfterThreeConsecutiveFailures(t *testing.T) {
	iso, _ := newTestIsolator(t)

	for n := 0; n < 3; n++ {
		require.NoError(t, iso.Allow("srv"))
		iso.RecordFailure("srv", transientErr())
	}
	assert.Equal(t, CircuitOpen, iso.State("srv"))

	// Fourth call short-circuits inside the cooldown window.
	err := iso.Allow("srv")
	var openErr *CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "srv", openErr.ServerID)
	assert.Greater(t, openErr.RetryAfter, time.Duration(0))
}

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	iso, _ := newTestIsolator(t)

	iso.RecordFailure("srv", transientErr())
	iso.RecordFailure("srv", transientErr())
	assert.Equal(t, CircuitClosed, iso.State("srv"))

	iso.RecordSuccess("srv")
	iso.RecordFailure("srv", transientErr())
	iso.RecordFailure("srv", transientErr())
	assert.Equal(t, CircuitClosed, iso.State("srv"), "success resets the consecutive count")
}

func TestBreakerHalfOpenAllowsSingleProbe(t *testing.T) {
	iso, now := newTestIsolator(t)

	for n := 0; n < 3; n++ {
		iso.RecordFailure("srv", transientErr())
	}
	require.Equal(t, CircuitOpen, iso.State("srv"))

	*now = now.Add(1100 * time.Millisecond)

	// First caller after the cooldown gets the probe slot.
	require.NoError(t, iso.Allow("srv"))
	assert.Equal(t, CircuitHalfOpen, iso.State("srv"))

	// Second caller is rejected while the probe is in flight.
	err := iso.Allow("srv")
	var openErr *CircuitOpenError
	assert.ErrorAs(t, err, &openErr)
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	iso, now := newTestIsolator(t)

	for n := 0; n < 3; n++ {
		iso.RecordFailure("srv", transientErr())
	}
	*now = now.Add(2 * time.Second)
	require.NoError(t, iso.Allow("srv"))

	iso.RecordSuccess("srv")
	assert.Equal(t, CircuitClosed, iso.State("srv"))
	assert.NoError(t, iso.Allow("srv"))

	snap := iso.Snapshot("srv")
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.Equal(t, time.Second, snap.Cooldown, "cooldown resets after recovery")
}

func TestBreakerProbeFailureReopensWithLongerCooldown(t *testing.T) {
	iso, now := newTestIsolator(t)

	for n := 0; n < 3; n++ {
		iso.RecordFailure("srv", transientErr())
	}
	require.Equal(t, time.Second, iso.Snapshot("srv").Cooldown)

	*now = now.Add(2 * time.Second)
	require.NoError(t, iso.Allow("srv"))
	iso.RecordFailure("srv", transientErr())

	snap := iso.Snapshot("srv")
	assert.Equal(t, CircuitOpen, snap.State)
	assert.Equal(t, 2*time.Second, snap.Cooldown)

	// Each failed probe doubles the cooldown up to the cap.
	for _, want := range []time.Duration{4 * time.Second, 8 * time.Second, 8 * time.Second} {
		*now = now.Add(snap.Cooldown + time.Millisecond)
		require.NoError(t, iso.Allow("srv"))
		iso.RecordFailure("srv", transientErr())
		snap = iso.Snapshot("srv")
		assert.Equal(t, want, snap.Cooldown)
	}
}

func TestReleaseProbeReturnsSlot(t *testing.T) {
	iso, now := newTestIsolator(t)

	for n := 0; n < 3; n++ {
		iso.RecordFailure("srv", transientErr())
	}
	*now = now.Add(1100 * time.Millisecond)
	require.NoError(t, iso.Allow("srv"))
	require.Equal(t, CircuitHalfOpen, iso.State("srv"))

	// The claimed call never reached the transport, so the slot goes back
	// and the next caller probes instead.
	iso.ReleaseProbe("srv")
	assert.NoError(t, iso.Allow("srv"))
	assert.Equal(t, CircuitHalfOpen, iso.State("srv"))

	iso.RecordSuccess("srv")
	assert.Equal(t, CircuitClosed, iso.State("srv"))
}

func TestHalfOpenSlotStaysClaimedWithoutRelease(t *testing.T) {
	iso, now := newTestIsolator(t)

	for n := 0; n < 3; n++ {
		iso.RecordFailure("srv", transientErr())
	}
	*now = now.Add(1100 * time.Millisecond)
	require.NoError(t, iso.Allow("srv"))

	// Without an outcome or a release the slot is held no matter how much
	// time passes.
	*now = now.Add(24 * time.Hour)
	var openErr *CircuitOpenError
	assert.ErrorAs(t, iso.Allow("srv"), &openErr)
}

func TestReleaseProbeOutsideHalfOpenIsNoOp(t *testing.T) {
	iso, _ := newTestIsolator(t)

	assert.NotPanics(t, func() { iso.ReleaseProbe("unknown") })

	for n := 0; n < 3; n++ {
		iso.RecordFailure("srv", transientErr())
	}
	iso.ReleaseProbe("srv")
	assert.Equal(t, CircuitOpen, iso.State("srv"), "release must not touch an open circuit")
}

func TestBreakerWindowThreshold(t *testing.T) {
	iso, _ := newTestIsolator(t)

	// Alternate failures and successes: never 3 consecutive, but 5 of the
	// last 10 outcomes fail.
	for n := 0; n < 5; n++ {
		iso.RecordFailure("srv", transientErr())
		if n < 4 {
			iso.RecordSuccess("srv")
		}
	}
	assert.Equal(t, CircuitOpen, iso.State("srv"))
}

func TestFatalFailureQuarantinesImmediately(t *testing.T) {
	iso, _ := newTestIsolator(t)

	var hookID, hookReason string
	iso.OnQuarantine = func(id, reason string) {
		hookID, hookReason = id, reason
	}

	class := iso.RecordFailure("srv", &FatalError{Err: errors.New("unsupported protocol")})
	assert.Equal(t, ClassFatal, class)
	assert.True(t, iso.Quarantined("srv"))
	assert.Equal(t, "srv", hookID)
	assert.Contains(t, hookReason, "fatal")

	err := iso.Allow("srv")
	var qErr *QuarantinedError
	require.ErrorAs(t, err, &qErr)
	assert.Equal(t, "srv", qErr.ServerID)
}

func TestCumulativeFailuresQuarantine(t *testing.T) {
	iso, now := newTestIsolator(t)

	// Grind through breaker trips until the cumulative threshold lands.
	for n := 0; n < 20; n++ {
		if err := iso.Allow("srv"); err != nil {
			*now = now.Add(iso.Snapshot("srv").Cooldown + time.Millisecond)
			require.NoError(t, iso.Allow("srv"))
		}
		iso.RecordFailure("srv", transientErr())
	}
	assert.True(t, iso.Quarantined("srv"))
}

func TestQuarantineIsStickyUntilCleared(t *testing.T) {
	iso, now := newTestIsolator(t)

	iso.Quarantine("srv", "operator test")
	require.True(t, iso.Quarantined("srv"))

	// Cooldowns do not apply: quarantine outlives any breaker timer.
	*now = now.Add(time.Hour)
	var qErr *QuarantinedError
	assert.ErrorAs(t, iso.Allow("srv"), &qErr)

	assert.False(t, iso.ClearQuarantine("other"), "clearing an unquarantined id is a no-op")
	assert.True(t, iso.ClearQuarantine("srv"))
	assert.False(t, iso.Quarantined("srv"))
	assert.NoError(t, iso.Allow("srv"))
}

func TestResetDropsCircuitButKeepsQuarantine(t *testing.T) {
	iso, _ := newTestIsolator(t)

	for n := 0; n < 3; n++ {
		iso.RecordFailure("srv", transientErr())
	}
	iso.Quarantine("srv", "broken config")

	iso.Reset("srv")
	assert.Equal(t, CircuitClosed, iso.State("srv"))
	assert.True(t, iso.Quarantined("srv"), "reset must not clear quarantine")
}

func TestIsolatorTracksServersIndependently(t *testing.T) {
	iso, _ := newTestIsolator(t)

	for n := 0; n < 3; n++ {
		iso.RecordFailure("flaky", transientErr())
	}
	assert.Equal(t, CircuitOpen, iso.State("flaky"))
	assert.Equal(t, CircuitClosed, iso.State("healthy"))
	assert.NoError(t, iso.Allow("healthy"))
}
