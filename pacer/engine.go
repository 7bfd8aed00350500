package pacer

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
)

// Engine wires the registry, ledger, policy, and persistence bridge into
// the pacing operations the transport exposes.
type Engine struct {
	cfg      *Config
	cal      *Calendar
	registry *Registry
	ledger   *Ledger
	bridge   *Bridge
	rdb      *redis.Client
	audit    *SpendLog

	stop   chan struct{}
	closed atomic.Bool
}

type engineOptions struct {
	clock Clock
	rngf  func(shard int) *rand.Rand
	audit *SpendLog
}

type Option func(*engineOptions)

// WithClock replaces the wall clock. Tests pin time with this.
func WithClock(clock Clock) Option {
	return func(o *engineOptions) { o.clock = clock }
}

// WithRandFactory replaces the per-shard RNG seeding, making throttle and
// probe draws reproducible.
func WithRandFactory(f func(shard int) *rand.Rand) Option {
	return func(o *engineOptions) { o.rngf = f }
}

// WithSpendLog attaches the Postgres audit trail.
func WithSpendLog(s *SpendLog) Option {
	return func(o *engineOptions) { o.audit = s }
}

func NewEngine(cfg *Config, rdb *redis.Client, catalog Catalog, opts ...Option) *Engine {
	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}
	cal := NewCalendar(cfg.Location(), o.clock)
	ledger := NewLedger(cfg, cal, o.rngf)
	return &Engine{
		cfg:      cfg,
		cal:      cal,
		registry: NewRegistry(catalog, cal, cfg),
		ledger:   ledger,
		bridge:   NewBridge(rdb, ledger, cal, cfg),
		rdb:      rdb,
		audit:    o.audit,
		stop:     make(chan struct{}),
	}
}

// Start warms the registry, rehydrates the ledger from the cache, and kicks
// off the background loops. Warm-up failures degrade visibility but never
// block startup; campaigns load lazily on first decision.
func (e *Engine) Start(ctx context.Context) {
	n, err := e.registry.WarmLoad(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to warm campaign registry")
	} else {
		log.WithField("campaigns", n).Info("Campaign registry loaded")
	}

	specs := e.registry.All()
	ids := make([]string, 0, len(specs))
	for _, spec := range specs {
		ids = append(ids, spec.ID)
	}
	if err := e.bridge.Rehydrate(ctx, ids); err != nil {
		log.WithError(err).Warn("Failed to rehydrate ledger from cache")
	}

	e.bridge.Start()
	go e.registry.refreshLoop(e.stop, e.cfg.RefreshInterval)
	go watchCampaignChanges(e.rdb, e.registry, e.stop)
}

// Decide evaluates one bid opportunity. Denials come back as a result with
// AllowBid false and the reason set; an error means the decision could not
// be made inside the caller's deadline and the caller should not bid.
func (e *Engine) Decide(ctx context.Context, campaignID string) (DecisionResult, error) {
	if e.closed.Load() {
		return DecisionResult{}, ErrClosed
	}

	res := DecisionResult{CampaignID: campaignID}

	// A registry miss, however it happened (unknown id, catalog slow, fetch
	// bound hit), is an UNKNOWN_CAMPAIGN deny rather than an error. The only
	// error Decide returns is a deadline that expires waiting on the shard.
	spec, ok := e.registry.Resolve(ctx, campaignID)
	if !ok {
		return e.deny(res, ReasonUnknownCampaign), nil
	}
	if spec.Status != StatusActive {
		return e.deny(res, ReasonPaused), nil
	}
	if !spec.WithinWindow(e.cal.Now()) {
		return e.deny(res, ReasonInactive), nil
	}

	var (
		rate   float64
		reason Reason
		allow  bool
	)
	err := e.ledger.withCampaign(ctx, campaignID, func(sh *shard, st *campaignState, today *ledgerCell, now time.Time) {
		frac := 0.0
		if spec.DailyBudgetCents > 0 {
			frac = float64(today.spent) / float64(spec.DailyBudgetCents)
		}
		if st.breaker.evaluate(st.id, frac, e.cfg.OpenFraction, now) {
			sh.noteBreaker(st)
		}
		if st.breaker.state == OPEN {
			if st.breaker.tryHalfOpen(frac, e.cfg.OpenFraction, e.cfg.Cooldown, st.id, now) {
				sh.noteBreaker(st)
			}
		}

		switch st.breaker.state {
		case OPEN:
			rate, reason = 1, ReasonCircuitOpen
			return
		case HALF_OPEN:
			if sh.rng.Float64() >= e.cfg.HalfOpenProbe {
				rate, reason = 1, ReasonCircuitOpen
				return
			}
			// Probe admitted: the breaker closes and the bid still answers
			// to the pacing policy below.
			if st.breaker.closeFromProbe(st.id) {
				sh.noteBreaker(st)
			}
		}

		snap := SpendSnapshot{
			CampaignID:       st.id,
			Day:              today.day,
			DaySpentCents:    today.spent,
			HourlySpentCents: today.hours,
			TotalSpentCents:  st.total,
			BreakerState:     st.breaker.state,
		}
		rate, reason = computeThrottle(spec, &snap, e.cfg.OvershootCap, e.cal, now)
		switch {
		case rate <= 0:
			allow, reason = true, ReasonOK
		case rate >= 1:
			// reason already names why
		case sh.rng.Float64() < rate:
			reason = ReasonThrottled
		default:
			allow, reason = true, ReasonOK
		}
	})
	if err != nil {
		return DecisionResult{}, err
	}

	res.AllowBid = allow
	res.ThrottleRate = rate
	res.Reason = reason
	decisionsTotal.WithLabelValues(string(reason)).Inc()
	return res, nil
}

func (e *Engine) deny(res DecisionResult, reason Reason) DecisionResult {
	res.AllowBid = false
	res.ThrottleRate = 1
	res.Reason = reason
	decisionsTotal.WithLabelValues(string(reason)).Inc()
	return res
}

// Track records one observed spend event. Campaigns the registry has not
// seen still count; their spend accrues against the id and folds into
// pacing the moment a spec arrives. A full persistence queue rejects the
// event with ErrQueueFull before anything increments, so the caller can
// retry without double counting.
func (e *Engine) Track(ctx context.Context, inc SpendIncrement) (TrackResult, error) {
	if e.closed.Load() {
		return TrackResult{}, ErrClosed
	}

	spec, _ := e.registry.Peek(inc.CampaignID)
	res, err := e.ledger.Apply(ctx, spec, inc)
	if err != nil {
		return TrackResult{}, err
	}
	if !res.Duplicate {
		trackedSpendTotal.Add(float64(inc.SpendCents))
		if spec != nil && spec.DailyBudgetCents > 0 {
			budgetUtilization.WithLabelValues(inc.CampaignID).Set(res.PacePercentage)
		}
		at := inc.At
		if at.IsZero() {
			at = e.cal.Now()
		}
		e.audit.LogSpend(inc, at)
	}
	return res, nil
}

// Status reports current pacing state without touching the shard lock:
// counters come from the published snapshot and the throttle rate is
// recomputed deterministically from them.
func (e *Engine) Status(campaignID string) (BudgetStatus, error) {
	spec, ok := e.registry.Lookup(campaignID)
	if !ok {
		// One bounded fetch so operators can inspect campaigns that have
		// never bid through this process.
		ctx, cancel := context.WithTimeout(context.Background(), catalogFetchTimeout)
		defer cancel()
		spec, ok = e.registry.Resolve(ctx, campaignID)
		if !ok {
			return BudgetStatus{}, ErrCampaignNotFound
		}
	}

	now := e.cal.Now()
	snap := e.ledger.Snapshot(campaignID, now)

	// Present the breaker the next decision would see: an expired cooldown
	// reads as HALF_OPEN even though the stored state only moves when
	// traffic touches the shard.
	state := snap.BreakerState
	if state == OPEN {
		frac := 0.0
		if spec.DailyBudgetCents > 0 {
			frac = float64(snap.DaySpentCents) / float64(spec.DailyBudgetCents)
		}
		if now.Sub(snap.BreakerOpenedAt) >= e.cfg.Cooldown && frac < e.cfg.OpenFraction {
			state = HALF_OPEN
		}
	}

	rate, _ := computeThrottle(spec, &snap, e.cfg.OvershootCap, e.cal, now)
	status := BudgetStatus{
		CampaignID:          campaignID,
		DailyBudgetCents:    spec.DailyBudgetCents,
		DailySpentCents:     snap.DaySpentCents,
		HourlySpentCents:    snap.HourlySpentCents[e.cal.Hour(now)],
		PacePercentage:      pacePercentage(snap.DaySpentCents, spec.DailyBudgetCents),
		ShouldThrottle:      rate > 0 || state == OPEN,
		ThrottleRate:        rate,
		CircuitBreakerOpen:  state == OPEN,
		CircuitBreakerState: string(state),
	}
	budgetUtilization.WithLabelValues(campaignID).Set(status.PacePercentage)
	return status, nil
}

// Reset zeroes today's counters for one campaign everywhere at once: the
// in-memory cell, its dedup history, and the cached day and hour keys.
// Lifetime spend survives; a daily reset does not rewind the total cap.
func (e *Engine) Reset(ctx context.Context, campaignID string) error {
	day, err := e.ledger.ResetDay(ctx, campaignID)
	if err != nil {
		return err
	}
	if err := e.bridge.DeleteDay(ctx, campaignID, day); err != nil {
		return err
	}
	e.audit.LogReset(campaignID)
	budgetUtilization.WithLabelValues(campaignID).Set(0)
	log.WithFields(log.Fields{"campaign_id": campaignID, "day": day}).Info("Budget reset")
	return nil
}

// Simulate projects spend forward for one campaign under its pacing mode.
func (e *Engine) Simulate(ctx context.Context, campaignID string, hoursAhead int, pattern []float64) (SimulationResult, error) {
	spec, ok := e.registry.Resolve(ctx, campaignID)
	if !ok {
		return SimulationResult{}, ErrCampaignNotFound
	}
	return SimulatePlan(spec, hoursAhead, pattern), nil
}

// Healthy is the liveness signal: false once closed or while the
// persistence bridge is degraded.
func (e *Engine) Healthy() bool {
	return !e.closed.Load() && !e.bridge.Degraded()
}

// Degraded reports whether the persistence bridge is in its failure mode.
func (e *Engine) Degraded() bool {
	return e.bridge.Degraded()
}

// EngineStats is the operational summary for the status endpoint.
type EngineStats struct {
	Campaigns    int  `json:"campaigns"`
	Tracked      int  `json:"tracked_campaigns"`
	Shards       int  `json:"shards"`
	QueuedDeltas int  `json:"queued_deltas"`
	Degraded     bool `json:"persistence_degraded"`
}

func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Campaigns:    e.registry.Len(),
		Tracked:      e.ledger.TrackedCampaigns(),
		Shards:       e.cfg.ShardCount,
		QueuedDeltas: e.ledger.QueuedDeltas(),
		Degraded:     e.bridge.Degraded(),
	}
}

// Close rejects new work, then drains and stops the persistence bridge.
func (e *Engine) Close(ctx context.Context) error {
	if e.closed.Swap(true) {
		return nil
	}
	close(e.stop)
	return e.bridge.Close(ctx)
}
