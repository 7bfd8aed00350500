package pacer

import (
	"math"
	"time"
)

// EWMA weight for the ADAPTIVE mode's hourly spend history.
const adaptiveAlpha = 0.3

// computeThrottle is the pacing policy: a pure map from (spec, snapshot,
// now) to a throttle rate in [0, 1] plus the reason to report when that rate
// denies a bid. Rate 0 always allows, rate 1 always denies, anything between
// is a probability. The Bernoulli draw against the rate happens in the
// engine with the shard's RNG, never here.
func computeThrottle(spec *CampaignSpec, snap *SpendSnapshot, overshootCap float64, cal *Calendar, now time.Time) (float64, Reason) {
	budget := spec.DailyBudgetCents
	spent := snap.DaySpentCents

	if budget == 0 {
		return 1, ReasonBudgetExhausted
	}
	if spec.StartHour > 0 && cal.Hour(now) < spec.StartHour {
		return 1, ReasonInactive
	}
	if spent >= budget {
		return 1, ReasonBudgetExhausted
	}
	if spec.TotalBudgetCents > 0 && snap.TotalSpentCents >= spec.TotalBudgetCents {
		return 1, ReasonBudgetExhausted
	}

	h := cal.ElapsedHours(now)
	b := float64(budget)
	s := float64(spent)

	switch spec.Mode {
	case ASAP:
		// No temporal shaping; the exhaustion check above and the circuit
		// breaker are the only limits.
		return 0, ReasonOK

	case FRONT_LOADED:
		return throttleAgainstTarget(s, b*frontLoadedCurve(h/24), overshootCap)

	case ADAPTIVE:
		return adaptiveThrottle(b, s, &snap.HourlySpentCents, h, overshootCap)

	default:
		return throttleAgainstTarget(s, b*(h/24), overshootCap)
	}
}

// frontLoadedCurve is the concave spend target: 1-(1-t)^2 of budget by day
// fraction t, which puts ~70% of spend in the first half of the day.
func frontLoadedCurve(t float64) float64 {
	if t >= 1 {
		return 1
	}
	if t <= 0 {
		return 0
	}
	return 1 - (1-t)*(1-t)
}

// throttleAgainstTarget compares spend against a target curve point. Under
// target bids flow freely; past target * overshootCap they stop; in between
// the rate rises linearly.
func throttleAgainstTarget(spent, target, overshootCap float64) (float64, Reason) {
	if spent <= target {
		return 0, ReasonOK
	}
	if target <= 0 || spent >= target*overshootCap {
		return 1, ReasonThrottled
	}
	rate := (spent/target - 1) / (overshootCap - 1)
	if rate > 1 {
		rate = 1
	}
	return rate, ReasonThrottled
}

// adaptiveThrottle projects end-of-day spend from an EWMA of the day's
// completed hours. With no completed hour to learn from it degenerates to
// even pacing.
func adaptiveThrottle(budget, spent float64, hours *[24]int64, h float64, overshootCap float64) (float64, Reason) {
	completed := int(h)
	if completed > 24 {
		completed = 24
	}
	if completed <= 0 {
		return throttleAgainstTarget(spent, budget*(h/24), overshootCap)
	}

	ewma := float64(hours[0])
	for i := 1; i < completed; i++ {
		ewma = adaptiveAlpha*float64(hours[i]) + (1-adaptiveAlpha)*ewma
	}

	projected := spent + ewma*(24-h)
	if projected <= budget {
		return 0, ReasonOK
	}
	rate := (projected - budget) / budget
	if rate > 1 {
		rate = 1
	}
	return rate, ReasonThrottled
}

type SimulationPoint struct {
	Hour              int     `json:"hour"`
	ProjectedSpend    int64   `json:"projected_spend"`
	RemainingBudget   int64   `json:"remaining_budget"`
	TrafficMultiplier float64 `json:"traffic_multiplier"`
}

type SimulationResult struct {
	CampaignID          string            `json:"campaign_id"`
	PacingMode          PacingMode        `json:"pacing_mode"`
	Simulation          []SimulationPoint `json:"simulation"`
	TotalProjectedSpend int64             `json:"total_projected_spend"`
}

// SimulatePlan projects hour-by-hour spend for a campaign starting from an
// untouched daily budget. The traffic pattern scales each hour's capacity;
// missing entries default to 1.0. The projection draws from a single budget
// pool and does not model day rollover.
func SimulatePlan(spec *CampaignSpec, hoursAhead int, pattern []float64) SimulationResult {
	budget := spec.DailyBudgetCents
	remaining := budget
	points := make([]SimulationPoint, 0, hoursAhead)

	for hour := 0; hour < hoursAhead; hour++ {
		mult := 1.0
		if hour < len(pattern) {
			mult = pattern[hour]
		}

		capacity := hourlyTarget(spec.Mode, budget, hour) * mult
		spend := int64(math.Min(capacity, float64(remaining)))
		if spend < 0 {
			spend = 0
		}
		remaining -= spend

		points = append(points, SimulationPoint{
			Hour:              hour,
			ProjectedSpend:    spend,
			RemainingBudget:   remaining,
			TrafficMultiplier: mult,
		})
	}

	return SimulationResult{
		CampaignID:          spec.ID,
		PacingMode:          spec.Mode,
		Simulation:          points,
		TotalProjectedSpend: budget - remaining,
	}
}

// hourlyTarget is the unscaled spend capacity one hour contributes under a
// pacing mode's target curve.
func hourlyTarget(mode PacingMode, budget int64, hour int) float64 {
	b := float64(budget)
	switch mode {
	case ASAP:
		// ASAP can take the whole remaining budget in any hour.
		return b
	case FRONT_LOADED:
		lo := frontLoadedCurve(float64(hour) / 24)
		hi := frontLoadedCurve(float64(hour+1) / 24)
		return b * (hi - lo)
	default:
		// EVEN; ADAPTIVE has no history to learn from in a projection.
		return b / 24
	}
}
