package pacer

import (
	"errors"
	"fmt"
	"time"
)

type PacingMode string

const (
	EVEN         PacingMode = "EVEN"
	ASAP         PacingMode = "ASAP"
	FRONT_LOADED PacingMode = "FRONT_LOADED"
	ADAPTIVE     PacingMode = "ADAPTIVE"
)

type CampaignStatus string

const (
	StatusActive  CampaignStatus = "ACTIVE"
	StatusPaused  CampaignStatus = "PAUSED"
	StatusDeleted CampaignStatus = "DELETED"
)

type Reason string

const (
	ReasonOK              Reason = "OK"
	ReasonThrottled       Reason = "THROTTLED"
	ReasonCircuitOpen     Reason = "CIRCUIT_OPEN"
	ReasonBudgetExhausted Reason = "BUDGET_EXHAUSTED"
	ReasonInactive        Reason = "INACTIVE"
	ReasonUnknownCampaign Reason = "UNKNOWN_CAMPAIGN"
	ReasonPaused          Reason = "PAUSED"
)

var (
	ErrCampaignNotFound = errors.New("campaign not found")
	ErrQueueFull        = errors.New("persistence queue full")
	ErrClosed           = errors.New("engine closed")
)

// CampaignSpec is the immutable pacing contract for one campaign. Registry
// updates replace the whole value; nothing mutates a live spec.
type CampaignSpec struct {
	ID               string         `json:"id"`
	Name             string         `json:"name,omitempty"`
	DailyBudgetCents int64          `json:"daily_budget_cents"`
	TotalBudgetCents int64          `json:"total_budget_cents,omitempty"`
	ActiveFrom       time.Time      `json:"active_from,omitempty"`
	ActiveTo         time.Time      `json:"active_to,omitempty"`
	Mode             PacingMode     `json:"pacing_mode"`
	Status           CampaignStatus `json:"status"`
	StartHour        int            `json:"start_hour,omitempty"`
	Version          int64          `json:"version"`
}

func (s *CampaignSpec) Validate() error {
	if s.ID == "" {
		return errors.New("campaign id is empty")
	}
	if s.DailyBudgetCents < 0 {
		return fmt.Errorf("campaign %s: negative daily budget", s.ID)
	}
	if s.TotalBudgetCents < 0 {
		return fmt.Errorf("campaign %s: negative total budget", s.ID)
	}
	if s.StartHour < 0 || s.StartHour > 23 {
		return fmt.Errorf("campaign %s: start hour %d out of range", s.ID, s.StartHour)
	}
	switch s.Mode {
	case EVEN, ASAP, FRONT_LOADED, ADAPTIVE:
	default:
		return fmt.Errorf("campaign %s: unknown pacing mode %q", s.ID, s.Mode)
	}
	switch s.Status {
	case StatusActive, StatusPaused, StatusDeleted:
	default:
		return fmt.Errorf("campaign %s: unknown status %q", s.ID, s.Status)
	}
	return nil
}

// WithinWindow reports whether t falls inside the campaign's active window.
// Zero bounds are open on that side.
func (s *CampaignSpec) WithinWindow(t time.Time) bool {
	if !s.ActiveFrom.IsZero() && t.Before(s.ActiveFrom) {
		return false
	}
	if !s.ActiveTo.IsZero() && t.After(s.ActiveTo) {
		return false
	}
	return true
}

// DecisionResult is the outcome of one bid evaluation. Returned by value so
// the fast path allocates nothing.
type DecisionResult struct {
	CampaignID   string  `json:"campaign_id"`
	AllowBid     bool    `json:"allow_bid"`
	ThrottleRate float64 `json:"throttle_rate"`
	Reason       Reason  `json:"reason"`
}

// SpendSnapshot is a coherent copy of one campaign-day's counters. Hour
// buckets always sum to DaySpentCents.
type SpendSnapshot struct {
	CampaignID       string
	Day              string
	DaySpentCents    int64
	HourlySpentCents [24]int64
	TotalSpentCents  int64
	Impressions      int64
	LastUpdate       time.Time
	BreakerState     CircuitBreakerState
	BreakerOpenedAt  time.Time
}

// TrackResult reports the counters immediately after a spend increment was
// applied (or replayed, for a duplicate event id).
type TrackResult struct {
	CampaignID       string              `json:"campaign_id"`
	Day              string              `json:"day"`
	Hour             int                 `json:"hour"`
	DailySpentCents  int64               `json:"daily_spent_cents"`
	HourlySpentCents int64               `json:"hourly_spent_cents"`
	TotalSpentCents  int64               `json:"total_spent_cents"`
	BreakerState     CircuitBreakerState `json:"circuit_breaker_state"`
	PacePercentage   float64             `json:"pace_percentage"`
	Duplicate        bool                `json:"duplicate,omitempty"`
}

// BudgetStatus is the read-only pacing view served by the status endpoint.
type BudgetStatus struct {
	CampaignID          string  `json:"campaign_id"`
	DailyBudgetCents    int64   `json:"daily_budget_cents"`
	DailySpentCents     int64   `json:"daily_spent_cents"`
	HourlySpentCents    int64   `json:"hourly_spent_cents"`
	PacePercentage      float64 `json:"pace_percentage"`
	ShouldThrottle      bool    `json:"should_throttle"`
	ThrottleRate        float64 `json:"throttle_rate"`
	CircuitBreakerOpen  bool    `json:"circuit_breaker_open"`
	CircuitBreakerState string  `json:"circuit_breaker_state"`
}

func pacePercentage(spent, budget int64) float64 {
	if budget == 0 {
		return 0
	}
	return float64(spent) / float64(budget) * 100
}
