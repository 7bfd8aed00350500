package pacer

import (
	"time"

	log "github.com/sirupsen/logrus"
)

type CircuitBreakerState string

const (
	CLOSED    CircuitBreakerState = "CLOSED"
	OPEN      CircuitBreakerState = "OPEN"
	HALF_OPEN CircuitBreakerState = "HALF_OPEN"
)

// circuitBreaker is the per-campaign kill switch around budget exhaustion.
// It lives inside a ledger shard and relies on the shard lock for exclusion,
// so none of its methods synchronize. Timing uses the clock's monotonic
// reading; wall jumps cannot reopen or early-release a breaker.
//
// Transitions: CLOSED -> OPEN when the spend fraction crosses the open
// threshold; OPEN -> HALF_OPEN once the cooldown has elapsed and the
// fraction is back under the threshold; HALF_OPEN -> CLOSED on an admitted
// probe, or back to OPEN if spend is still over the line. OPEN never goes
// straight to CLOSED except at day rollover.
type circuitBreaker struct {
	state    CircuitBreakerState
	openedAt time.Time
}

// evaluate applies the threshold rule. Called on every decision and every
// tracked spend. Returns true when the state changed.
func (cb *circuitBreaker) evaluate(campaignID string, frac, threshold float64, now time.Time) bool {
	if frac < threshold {
		return false
	}
	switch cb.state {
	case CLOSED, HALF_OPEN:
		cb.trip(campaignID, now)
		return true
	}
	return false
}

// tryHalfOpen moves OPEN to HALF_OPEN once the cooldown has elapsed and
// spend has dropped back under the threshold. Without the spend condition
// the breaker would flap: every probe admitted at >= threshold re-trips
// immediately.
func (cb *circuitBreaker) tryHalfOpen(frac, threshold float64, cooldown time.Duration, campaignID string, now time.Time) bool {
	if cb.state != OPEN {
		return false
	}
	if now.Sub(cb.openedAt) < cooldown || frac >= threshold {
		return false
	}
	cb.state = HALF_OPEN
	setBreakerMetric(campaignID, HALF_OPEN)
	log.WithField("campaign_id", campaignID).Info("Circuit breaker entering HALF_OPEN state")
	return true
}

// closeFromProbe completes recovery after an admitted half-open probe.
func (cb *circuitBreaker) closeFromProbe(campaignID string) bool {
	if cb.state != HALF_OPEN {
		return false
	}
	cb.state = CLOSED
	cb.openedAt = time.Time{}
	setBreakerMetric(campaignID, CLOSED)
	log.WithField("campaign_id", campaignID).Info("Circuit breaker recovered to CLOSED state")
	return true
}

// reset forces CLOSED regardless of state. Used at day rollover and by the
// admin reset.
func (cb *circuitBreaker) reset(campaignID string) bool {
	if cb.state == CLOSED {
		return false
	}
	cb.state = CLOSED
	cb.openedAt = time.Time{}
	setBreakerMetric(campaignID, CLOSED)
	log.WithField("campaign_id", campaignID).Info("Circuit breaker reset to CLOSED state")
	return true
}

func (cb *circuitBreaker) trip(campaignID string, now time.Time) {
	cb.state = OPEN
	cb.openedAt = now
	setBreakerMetric(campaignID, OPEN)
	log.WithFields(log.Fields{
		"campaign_id": campaignID,
		"reason":      "budget threshold exceeded",
	}).Warn("Circuit breaker tripped to OPEN state")
}

// restore seeds state from the persisted mirror at startup. openedAt is
// rebased onto the local clock so the remaining cooldown survives a restart.
func (cb *circuitBreaker) restore(campaignID string, state CircuitBreakerState, openedWall time.Time, now time.Time) {
	switch state {
	case OPEN:
		elapsed := now.Sub(openedWall)
		if openedWall.IsZero() || elapsed < 0 {
			elapsed = 0
		}
		cb.state = OPEN
		cb.openedAt = now.Add(-elapsed)
	case HALF_OPEN:
		cb.state = HALF_OPEN
		cb.openedAt = time.Time{}
	default:
		cb.state = CLOSED
		cb.openedAt = time.Time{}
	}
	setBreakerMetric(campaignID, cb.state)
}
