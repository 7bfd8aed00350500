package pacer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker_TripsAtThreshold(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	cb := circuitBreaker{state: CLOSED}

	assert.False(t, cb.evaluate("c1", 0.9499, 0.95, now))
	assert.Equal(t, CLOSED, cb.state)

	assert.True(t, cb.evaluate("c1", 0.95, 0.95, now))
	assert.Equal(t, OPEN, cb.state)
	assert.Equal(t, now, cb.openedAt)
}

func TestCircuitBreaker_OpenIsSticky(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	cb := circuitBreaker{state: CLOSED}
	cb.evaluate("c1", 0.96, 0.95, now)

	// Re-evaluating over threshold while OPEN is not a transition and must
	// not move openedAt.
	assert.False(t, cb.evaluate("c1", 0.99, 0.95, now.Add(time.Minute)))
	assert.Equal(t, OPEN, cb.state)
	assert.Equal(t, now, cb.openedAt)
}

func TestCircuitBreaker_HalfOpenNeedsCooldownAndSpendDrop(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	cooldown := 5 * time.Minute
	cb := circuitBreaker{state: CLOSED}
	cb.evaluate("c1", 0.96, 0.95, now)

	// Cooldown not elapsed.
	assert.False(t, cb.tryHalfOpen(0.5, 0.95, cooldown, "c1", now.Add(cooldown-time.Second)))
	assert.Equal(t, OPEN, cb.state)

	// Cooldown elapsed but spend still over the line: admitting probes here
	// would just re-trip on the next evaluation.
	assert.False(t, cb.tryHalfOpen(0.96, 0.95, cooldown, "c1", now.Add(cooldown+time.Second)))
	assert.Equal(t, OPEN, cb.state)

	// Both conditions met.
	assert.True(t, cb.tryHalfOpen(0.5, 0.95, cooldown, "c1", now.Add(cooldown+time.Second)))
	assert.Equal(t, HALF_OPEN, cb.state)
}

func TestCircuitBreaker_CloseFromProbe(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	cb := circuitBreaker{state: CLOSED}
	cb.evaluate("c1", 0.96, 0.95, now)
	cb.tryHalfOpen(0.5, 0.95, time.Minute, "c1", now.Add(2*time.Minute))

	assert.True(t, cb.closeFromProbe("c1"))
	assert.Equal(t, CLOSED, cb.state)
	assert.True(t, cb.openedAt.IsZero())

	// Only HALF_OPEN can close through a probe.
	assert.False(t, cb.closeFromProbe("c1"))
	cb.evaluate("c1", 0.96, 0.95, now)
	assert.False(t, cb.closeFromProbe("c1"))
	assert.Equal(t, OPEN, cb.state)
}

func TestCircuitBreaker_RetripsFromHalfOpen(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	cb := circuitBreaker{state: CLOSED}
	cb.evaluate("c1", 0.96, 0.95, now)
	cb.tryHalfOpen(0.5, 0.95, time.Minute, "c1", now.Add(2*time.Minute))

	retrip := now.Add(3 * time.Minute)
	assert.True(t, cb.evaluate("c1", 0.97, 0.95, retrip))
	assert.Equal(t, OPEN, cb.state)
	assert.Equal(t, retrip, cb.openedAt)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	cb := circuitBreaker{state: CLOSED}

	assert.False(t, cb.reset("c1"))

	cb.evaluate("c1", 0.96, 0.95, now)
	assert.True(t, cb.reset("c1"))
	assert.Equal(t, CLOSED, cb.state)
	assert.True(t, cb.openedAt.IsZero())
}

// TestCircuitBreaker_Restore verifies the startup rebase: the remaining
// cooldown is preserved relative to the restoring process's clock.
func TestCircuitBreaker_Restore(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	var cb circuitBreaker
	cb.restore("c1", OPEN, now.Add(-2*time.Minute), now)
	assert.Equal(t, OPEN, cb.state)
	assert.Equal(t, 2*time.Minute, now.Sub(cb.openedAt))

	// A zero or future wall time restores with no elapsed cooldown.
	cb = circuitBreaker{}
	cb.restore("c1", OPEN, time.Time{}, now)
	assert.Equal(t, OPEN, cb.state)
	assert.Equal(t, now, cb.openedAt)

	cb = circuitBreaker{}
	cb.restore("c1", OPEN, now.Add(time.Hour), now)
	assert.Equal(t, now, cb.openedAt)

	cb = circuitBreaker{}
	cb.restore("c1", HALF_OPEN, time.Time{}, now)
	assert.Equal(t, HALF_OPEN, cb.state)

	cb = circuitBreaker{}
	cb.restore("c1", CLOSED, time.Time{}, now)
	assert.Equal(t, CLOSED, cb.state)

	// Unknown persisted states collapse to CLOSED.
	cb = circuitBreaker{}
	cb.restore("c1", CircuitBreakerState("GARBAGE"), time.Time{}, now)
	assert.Equal(t, CLOSED, cb.state)
}
