package pacer

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru"
	log "github.com/sirupsen/logrus"
)

// SpendIncrement is one observed spend event.
type SpendIncrement struct {
	CampaignID  string
	SpendCents  int64
	Impressions int64
	EventID     string    // optional idempotency key
	At          time.Time // event instant; zero means now
}

// spendDelta is one ledger mutation bound for the persistence mirror. It
// carries the post-increment day total so the published budget event
// reflects exactly what the tracker observed.
type spendDelta struct {
	campaignID      string
	day             string
	hour            int
	spendCents      int64
	impressions     int64
	daySpent        int64
	breakerState    CircuitBreakerState
	breakerOpenedAt time.Time
	at              time.Time
}

// breakerUpdate mirrors a breaker transition to the cache. Best effort; the
// mirror is a TTL'd cache, never the source of truth.
type breakerUpdate struct {
	campaignID string
	state      CircuitBreakerState
	openedAt   time.Time
}

// ledgerCell holds one campaign's counters for one pacing day.
type ledgerCell struct {
	day        string
	spent      int64
	hours      [24]int64
	imps       int64
	lastUpdate time.Time
}

// campaignState is everything one shard tracks for one campaign.
type campaignState struct {
	id      string
	today   *ledgerCell
	days    map[string]*ledgerCell
	total   int64
	breaker circuitBreaker
	dedup   *lru.Cache
}

type shard struct {
	mu        chan struct{} // capacity 1; send acquires, receive releases
	campaigns map[string]*campaignState
	rng       *rand.Rand

	deltas   chan spendDelta
	slots    chan struct{} // free queue slots, taken before an increment
	breakers chan breakerUpdate
}

// lock acquires the shard, giving up when ctx expires first. Only the
// decision path uses the deadline; an admitted track must finish.
func (sh *shard) lock(ctx context.Context) error {
	select {
	case sh.mu <- struct{}{}:
		return nil
	default:
	}
	select {
	case sh.mu <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (sh *shard) lockBlocking() { sh.mu <- struct{}{} }
func (sh *shard) unlock()       { <-sh.mu }

// noteBreaker queues the campaign's current breaker state for mirroring.
// Non-blocking: if the channel is full the next flush batch carries it.
func (sh *shard) noteBreaker(st *campaignState) {
	upd := breakerUpdate{campaignID: st.id, state: st.breaker.state, openedAt: st.breaker.openedAt}
	select {
	case sh.breakers <- upd:
	default:
	}
}

// Ledger is the sharded in-memory spend store. A campaign hashes to exactly
// one shard, so every decision and mutation for it serializes behind that
// shard's lock; no cross-shard coordination exists anywhere.
type Ledger struct {
	shards []*shard
	cal    *Calendar
	cfg    *Config
	views  sync.Map // campaign id -> *SpendSnapshot, the lock-free read path
}

func NewLedger(cfg *Config, cal *Calendar, rngf func(shard int) *rand.Rand) *Ledger {
	if rngf == nil {
		rngf = func(i int) *rand.Rand {
			return rand.New(rand.NewSource(time.Now().UnixNano() + int64(i)))
		}
	}
	shards := make([]*shard, cfg.ShardCount)
	for i := range shards {
		sh := &shard{
			mu:        make(chan struct{}, 1),
			campaigns: make(map[string]*campaignState),
			rng:       rngf(i),
			deltas:    make(chan spendDelta, cfg.QueueSize),
			slots:     make(chan struct{}, cfg.QueueSize),
			breakers:  make(chan breakerUpdate, 64),
		}
		for j := 0; j < cfg.QueueSize; j++ {
			sh.slots <- struct{}{}
		}
		shards[i] = sh
	}
	return &Ledger{shards: shards, cal: cal, cfg: cfg}
}

func (l *Ledger) shardFor(campaignID string) *shard {
	return l.shards[xxhash.Sum64String(campaignID)%uint64(len(l.shards))]
}

// state returns the campaign's shard-local state, creating it on first
// contact. Caller holds the shard lock.
func (sh *shard) state(l *Ledger, campaignID string) *campaignState {
	st, ok := sh.campaigns[campaignID]
	if !ok {
		cache, _ := lru.New(l.cfg.DedupSize)
		st = &campaignState{
			id:      campaignID,
			days:    make(map[string]*ledgerCell),
			breaker: circuitBreaker{state: CLOSED},
			dedup:   cache,
		}
		sh.campaigns[campaignID] = st
	}
	return st
}

// ensureToday rolls the campaign onto the current pacing day. The first
// activity observed in a new day creates a fresh cell, forces the breaker
// CLOSED, and evicts cells past the retention window. Caller holds the
// shard lock.
func (l *Ledger) ensureToday(sh *shard, st *campaignState, now time.Time) *ledgerCell {
	day := l.cal.Day(now)
	if st.today != nil && st.today.day == day {
		return st.today
	}
	cell, ok := st.days[day]
	if !ok {
		cell = &ledgerCell{day: day}
		st.days[day] = cell
	}
	if st.today != nil {
		if st.breaker.reset(st.id) {
			sh.noteBreaker(st)
		}
		cutoff := l.cal.DaysAgo(now, l.cfg.RetentionDays)
		for d := range st.days {
			if d < cutoff {
				delete(st.days, d)
			}
		}
	}
	st.today = cell
	return cell
}

// cellFor resolves which day cell an event timestamp lands in. Days inside
// the retention window get their own cell; anything older folds into today
// rather than resurrecting an evicted day.
func (l *Ledger) cellFor(st *campaignState, day string, today *ledgerCell, now time.Time) *ledgerCell {
	cutoff := l.cal.DaysAgo(now, l.cfg.RetentionDays)
	if day < cutoff {
		log.WithFields(log.Fields{
			"campaign_id": st.id,
			"day":         day,
		}).Warn("Spend event older than retention window, folding into today")
		return today
	}
	cell, ok := st.days[day]
	if !ok {
		cell = &ledgerCell{day: day}
		st.days[day] = cell
	}
	return cell
}

// Apply folds one spend increment into the ledger and enqueues its
// persistence delta. The free queue slot is reserved before any mutation,
// so the delta send under the lock can never block and a spend the queue
// cannot absorb is rejected with ErrQueueFull instead of silently dropped.
func (l *Ledger) Apply(ctx context.Context, spec *CampaignSpec, inc SpendIncrement) (TrackResult, error) {
	sh := l.shardFor(inc.CampaignID)

	select {
	case <-sh.slots:
	default:
		wait := time.NewTimer(l.cfg.EnqueueWaitCap)
		select {
		case <-sh.slots:
			wait.Stop()
		case <-ctx.Done():
			wait.Stop()
			return TrackResult{}, ErrQueueFull
		case <-wait.C:
			return TrackResult{}, ErrQueueFull
		}
	}

	sh.lockBlocking()
	res, enqueued := l.applyLocked(sh, spec, inc)
	sh.unlock()

	if !enqueued {
		sh.slots <- struct{}{}
	}
	return res, nil
}

func (l *Ledger) applyLocked(sh *shard, spec *CampaignSpec, inc SpendIncrement) (TrackResult, bool) {
	st := sh.state(l, inc.CampaignID)

	if inc.EventID != "" {
		if prior, ok := st.dedup.Get(inc.EventID); ok {
			res := prior.(TrackResult)
			res.Duplicate = true
			return res, false
		}
	}

	now := l.cal.Now()
	today := l.ensureToday(sh, st, now)

	at := inc.At
	if at.IsZero() {
		at = now
	}
	cell := today
	if day := l.cal.Day(at); day != today.day {
		cell = l.cellFor(st, day, today, now)
	}
	hour := l.cal.Hour(at)

	cell.spent += inc.SpendCents
	cell.hours[hour] += inc.SpendCents
	cell.imps += inc.Impressions
	cell.lastUpdate = now
	st.total += inc.SpendCents

	// The breaker threshold is judged against today even when the event was
	// stamped for an earlier day.
	if spec != nil && spec.DailyBudgetCents > 0 {
		frac := float64(today.spent) / float64(spec.DailyBudgetCents)
		if st.breaker.evaluate(st.id, frac, l.cfg.OpenFraction, now) {
			sh.noteBreaker(st)
		}
	}

	res := TrackResult{
		CampaignID:       st.id,
		Day:              cell.day,
		Hour:             hour,
		DailySpentCents:  cell.spent,
		HourlySpentCents: cell.hours[hour],
		TotalSpentCents:  st.total,
		BreakerState:     st.breaker.state,
	}
	if spec != nil {
		res.PacePercentage = pacePercentage(today.spent, spec.DailyBudgetCents)
	}

	if inc.EventID != "" {
		st.dedup.Add(inc.EventID, res)
	}

	sh.deltas <- spendDelta{
		campaignID:      st.id,
		day:             cell.day,
		hour:            hour,
		spendCents:      inc.SpendCents,
		impressions:     inc.Impressions,
		daySpent:        cell.spent,
		breakerState:    st.breaker.state,
		breakerOpenedAt: st.breaker.openedAt,
		at:              now,
	}
	deltaQueueDepth.Inc()

	l.publishView(st, today, now)

	return res, true
}

// withCampaign runs fn while holding the campaign's shard lock, after
// rolling the campaign onto the current day. fn must not block.
func (l *Ledger) withCampaign(ctx context.Context, campaignID string, fn func(sh *shard, st *campaignState, today *ledgerCell, now time.Time)) error {
	sh := l.shardFor(campaignID)
	if err := sh.lock(ctx); err != nil {
		return err
	}
	defer sh.unlock()
	st := sh.state(l, campaignID)
	now := l.cal.Now()
	today := l.ensureToday(sh, st, now)
	fn(sh, st, today, now)
	return nil
}

// publishView refreshes the lock-free snapshot for status readers. Caller
// holds the shard lock.
func (l *Ledger) publishView(st *campaignState, today *ledgerCell, now time.Time) {
	snap := &SpendSnapshot{
		CampaignID:       st.id,
		Day:              today.day,
		DaySpentCents:    today.spent,
		HourlySpentCents: today.hours,
		TotalSpentCents:  st.total,
		Impressions:      today.imps,
		LastUpdate:       today.lastUpdate,
		BreakerState:     st.breaker.state,
		BreakerOpenedAt:  st.breaker.openedAt,
	}
	l.views.Store(st.id, snap)
}

// Snapshot returns the campaign's current-day counters without touching the
// shard lock. The view may trail the live cell by in-flight increments but
// never shows a day total out of step with its hour buckets.
func (l *Ledger) Snapshot(campaignID string, now time.Time) SpendSnapshot {
	day := l.cal.Day(now)
	if v, ok := l.views.Load(campaignID); ok {
		snap := *v.(*SpendSnapshot)
		if snap.Day == day {
			return snap
		}
		// View predates the current day: counters restart at rollover and
		// the breaker resets, but lifetime spend carries over.
		return SpendSnapshot{CampaignID: campaignID, Day: day, TotalSpentCents: snap.TotalSpentCents, BreakerState: CLOSED}
	}
	return SpendSnapshot{CampaignID: campaignID, Day: day, BreakerState: CLOSED}
}

// ResetDay zeroes today's counters, clears the dedup history, and closes
// the breaker. Lifetime spend is untouched; a daily reset does not rewind a
// campaign's total-budget cap.
func (l *Ledger) ResetDay(ctx context.Context, campaignID string) (string, error) {
	var day string
	err := l.withCampaign(ctx, campaignID, func(sh *shard, st *campaignState, today *ledgerCell, now time.Time) {
		day = today.day
		*today = ledgerCell{day: day}
		st.dedup.Purge()
		st.breaker.reset(st.id)
		sh.noteBreaker(st)
		l.publishView(st, today, now)
	})
	return day, err
}

// seed installs counters recovered from the persistence mirror. Startup
// only, before traffic is admitted.
func (l *Ledger) seed(campaignID, day string, hours [24]int64, total int64, brState CircuitBreakerState, openedAt time.Time) {
	sh := l.shardFor(campaignID)
	sh.lockBlocking()
	defer sh.unlock()

	st := sh.state(l, campaignID)
	var spent int64
	for _, v := range hours {
		spent += v
	}
	cell := &ledgerCell{day: day, spent: spent, hours: hours}
	st.days[day] = cell
	st.today = cell
	st.total = total

	now := l.cal.Now()
	st.breaker.restore(campaignID, brState, openedAt, now)
	l.publishView(st, cell, now)
}

// QueuedDeltas reports how many mutations await flushing across all shards.
func (l *Ledger) QueuedDeltas() int {
	n := 0
	for _, sh := range l.shards {
		n += len(sh.deltas)
	}
	return n
}

// TrackedCampaigns counts campaigns with shard-local state.
func (l *Ledger) TrackedCampaigns() int {
	n := 0
	for _, sh := range l.shards {
		sh.lockBlocking()
		n += len(sh.campaigns)
		sh.unlock()
	}
	return n
}
