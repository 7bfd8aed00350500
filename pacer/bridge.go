package pacer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Consecutive flush failures before the bridge reports itself degraded.
const degradedAfterFailures = 5

func dayKey(campaignID, day string) string {
	return fmt.Sprintf("budget:day:%s:%s", campaignID, day)
}

func hourKey(campaignID, day string, hour int) string {
	return fmt.Sprintf("budget:hour:%s:%s:%02d", campaignID, day, hour)
}

func totalKey(campaignID string) string {
	return "budget:total:" + campaignID
}

func breakerKey(campaignID string) string {
	return "breaker:" + campaignID
}

// breakerRecord is the persisted breaker mirror.
type breakerRecord struct {
	State    CircuitBreakerState `json:"state"`
	OpenedAt string              `json:"opened_at,omitempty"`
}

func breakerPayload(state CircuitBreakerState, openedAt time.Time) ([]byte, error) {
	rec := breakerRecord{State: state}
	if state == OPEN && !openedAt.IsZero() {
		rec.OpenedAt = openedAt.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(rec)
}

// Bridge drains the ledger's per-shard delta queues into the shared cache
// and restores the ledger from it at startup. One flusher goroutine per
// shard preserves per-campaign delta order. The in-memory ledger stays
// authoritative throughout; the cache exists for cross-process visibility
// and restart recovery.
type Bridge struct {
	rdb    *redis.Client
	ledger *Ledger
	cal    *Calendar
	cfg    *Config

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	degraded   atomic.Bool
	failStreak atomic.Int32
}

func NewBridge(rdb *redis.Client, ledger *Ledger, cal *Calendar, cfg *Config) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{rdb: rdb, ledger: ledger, cal: cal, cfg: cfg, ctx: ctx, cancel: cancel}
}

func (b *Bridge) Start() {
	for i, sh := range b.ledger.shards {
		b.wg.Add(1)
		go b.flusher(i, sh)
	}
}

// Close stops the flushers after a final drain. Callers must stop producing
// tracks first.
func (b *Bridge) Close(ctx context.Context) error {
	b.cancel()
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) Degraded() bool {
	return b.degraded.Load()
}

func (b *Bridge) flusher(shardIdx int, sh *shard) {
	defer b.wg.Done()

	worker := uuid.NewString()
	log.WithFields(log.Fields{"shard": shardIdx, "worker": worker}).Debug("Flusher started")

	for {
		select {
		case d := <-sh.deltas:
			batch := b.collect(sh, d)
			b.flushWithRetry(sh, shardIdx, batch)
		case upd := <-sh.breakers:
			b.mirrorBreaker(upd)
		case <-b.ctx.Done():
			b.drainFinal(sh, shardIdx)
			return
		}
	}
}

// collect opens the flush window after the first delta arrives and drains
// everything that lands inside it.
func (b *Bridge) collect(sh *shard, first spendDelta) []spendDelta {
	batch := append(make([]spendDelta, 0, 64), first)
	window := time.NewTimer(b.cfg.FlushWindow)
	defer window.Stop()
	for {
		select {
		case d := <-sh.deltas:
			batch = append(batch, d)
			if len(batch) >= b.cfg.QueueSize {
				return batch
			}
		case <-window.C:
			return batch
		}
	}
}

// flushWithRetry writes the batch, retrying with jittered exponential
// backoff until it lands or the bridge shuts down. Deltas are never
// dropped while the process lives; their queue slots stay occupied until
// the flush succeeds, which is what backpressures trackers during an
// outage.
func (b *Bridge) flushWithRetry(sh *shard, shardIdx int, batch []spendDelta) {
	defer func() {
		for range batch {
			sh.slots <- struct{}{}
		}
		deltaQueueDepth.Sub(float64(len(batch)))
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.RandomizationFactor = 1
	bo.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		err := b.flush(context.Background(), batch)
		if err != nil {
			attempt++
			b.noteFailure(err)
			log.WithError(err).WithFields(log.Fields{
				"shard":   shardIdx,
				"attempt": attempt,
				"deltas":  len(batch),
			}).Warn("Persistence flush failed")
		}
		return err
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, b.ctx)); err != nil {
		// Shutdown interrupted the retry loop; give a recovered cache one
		// last chance to take the tail of the stream.
		fctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if ferr := b.flush(fctx, batch); ferr != nil {
			log.WithError(ferr).WithField("deltas", len(batch)).Error("Dropping unflushed deltas at shutdown")
			return
		}
	}
	b.noteSuccess()
}

// flush writes one coalesced batch in a single transaction: counter
// increments and TTLs, breaker mirrors, then one budget event per campaign
// carrying the newest tracked state.
func (b *Bridge) flush(ctx context.Context, batch []spendDelta) error {
	start := time.Now()

	dayIncr := make(map[string]int64)
	hourIncr := make(map[string]int64)
	totalIncr := make(map[string]int64)
	last := make(map[string]spendDelta, 8)

	for _, d := range batch {
		dayIncr[dayKey(d.campaignID, d.day)] += d.spendCents
		hourIncr[hourKey(d.campaignID, d.day, d.hour)] += d.spendCents
		totalIncr[d.campaignID] += d.spendCents
		last[d.campaignID] = d
	}

	ttl := time.Duration(b.cfg.RetentionDays+1) * 24 * time.Hour
	pipe := b.rdb.TxPipeline()
	for k, v := range dayIncr {
		pipe.IncrBy(ctx, k, v)
		pipe.Expire(ctx, k, ttl)
	}
	for k, v := range hourIncr {
		pipe.IncrBy(ctx, k, v)
		pipe.Expire(ctx, k, ttl)
	}
	for id, v := range totalIncr {
		pipe.IncrBy(ctx, totalKey(id), v)
	}
	for id, d := range last {
		payload, err := breakerPayload(d.breakerState, d.breakerOpenedAt)
		if err != nil {
			continue
		}
		pipe.Set(ctx, breakerKey(id), payload, b.cfg.Cooldown*4)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return err
	}

	// Events ride a separate best-effort pipeline so a publish hiccup never
	// replays counter increments.
	evPipe := b.rdb.Pipeline()
	for id, d := range last {
		payload, err := json.Marshal(BudgetEvent{
			CampaignID:    id,
			DaySpentCents: d.daySpent,
			BreakerState:  d.breakerState,
			TS:            d.at,
		})
		if err != nil {
			continue
		}
		evPipe.Publish(ctx, channelBudgetUpdates, payload)
	}
	if _, err := evPipe.Exec(ctx); err != nil {
		log.WithError(err).Debug("Failed to publish budget events")
	}

	flushDuration.Observe(time.Since(start).Seconds())
	return nil
}

func (b *Bridge) mirrorBreaker(upd breakerUpdate) {
	payload, err := breakerPayload(upd.state, upd.openedAt)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.rdb.Set(ctx, breakerKey(upd.campaignID), payload, b.cfg.Cooldown*4).Err(); err != nil {
		log.WithError(err).WithField("campaign_id", upd.campaignID).Debug("Failed to mirror breaker state")
	}
}

// drainFinal empties whatever remains in the shard's queues and attempts
// one last flush before the process exits.
func (b *Bridge) drainFinal(sh *shard, shardIdx int) {
	var batch []spendDelta
drain:
	for {
		select {
		case d := <-sh.deltas:
			batch = append(batch, d)
		case upd := <-sh.breakers:
			b.mirrorBreaker(upd)
		default:
			break drain
		}
	}
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := b.flush(ctx, batch); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"shard":  shardIdx,
			"deltas": len(batch),
		}).Error("Dropping unflushed deltas at shutdown")
	}
	deltaQueueDepth.Sub(float64(len(batch)))
}

func (b *Bridge) noteFailure(err error) {
	flushFailuresTotal.Inc()
	n := b.failStreak.Add(1)
	if int(n) == degradedAfterFailures && !b.degraded.Swap(true) {
		persistenceDegraded.Set(1)
		log.WithError(err).Error("Persistence bridge degraded after repeated flush failures")
		go publishEvent(context.Background(), b.rdb, BudgetEvent{Event: EventPersistenceDegraded, TS: b.cal.Now()})
	}
}

func (b *Bridge) noteSuccess() {
	b.failStreak.Store(0)
	if b.degraded.Swap(false) {
		persistenceDegraded.Set(0)
		log.Info("Persistence bridge recovered")
		go publishEvent(context.Background(), b.rdb, BudgetEvent{Event: EventPersistenceRecovered, TS: b.cal.Now()})
	}
}

// Rehydrate seeds the ledger from the shared cache. Hour buckets are
// authoritative for the day total: keys can expire independently, so the
// cell is rebuilt from the hour sum and a disagreeing day key only logs.
func (b *Bridge) Rehydrate(ctx context.Context, ids []string) error {
	now := b.cal.Now()
	day := b.cal.Day(now)

	restored := 0
	for _, id := range ids {
		pipe := b.rdb.Pipeline()
		dayCmd := pipe.Get(ctx, dayKey(id, day))
		hourCmds := make([]*redis.StringCmd, 24)
		for h := 0; h < 24; h++ {
			hourCmds[h] = pipe.Get(ctx, hourKey(id, day, h))
		}
		totalCmd := pipe.Get(ctx, totalKey(id))
		brCmd := pipe.Get(ctx, breakerKey(id))
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return fmt.Errorf("rehydrate %s: %w", id, err)
		}

		var hours [24]int64
		var sum int64
		found := false
		for h := 0; h < 24; h++ {
			if v, err := hourCmds[h].Int64(); err == nil {
				hours[h] = v
				sum += v
				found = true
			}
		}
		if dayVal, err := dayCmd.Int64(); err == nil {
			found = true
			if dayVal != sum {
				log.WithFields(log.Fields{
					"campaign_id": id,
					"day_key":     dayVal,
					"hour_sum":    sum,
				}).Warn("Cached day total disagrees with hour buckets, using hour sum")
			}
		}

		total, _ := totalCmd.Int64()

		state := CLOSED
		var openedAt time.Time
		if raw, err := brCmd.Result(); err == nil {
			var rec breakerRecord
			if jerr := json.Unmarshal([]byte(raw), &rec); jerr == nil {
				state = rec.State
				if rec.OpenedAt != "" {
					if t, perr := time.Parse(time.RFC3339Nano, rec.OpenedAt); perr == nil {
						openedAt = t
					}
				}
				found = true
			}
		}

		if !found && total == 0 {
			continue
		}
		b.ledger.seed(id, day, hours, total, state, openedAt)
		restored++
	}

	if restored > 0 {
		log.WithField("campaigns", restored).Info("Ledger rehydrated from cache")
	}
	return nil
}

// DeleteDay removes the cached counters for one campaign-day by explicit
// key enumeration (the day key plus all 24 hour keys) and rewrites the
// breaker mirror as CLOSED. Wildcard deletes are deliberately not used:
// they are unsupported by DEL and would take other days' history with
// them.
func (b *Bridge) DeleteDay(ctx context.Context, campaignID, day string) error {
	keys := make([]string, 0, 25)
	keys = append(keys, dayKey(campaignID, day))
	for h := 0; h < 24; h++ {
		keys = append(keys, hourKey(campaignID, day, h))
	}
	payload, err := breakerPayload(CLOSED, time.Time{})
	if err != nil {
		return err
	}

	pipe := b.rdb.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.Set(ctx, breakerKey(campaignID), payload, b.cfg.Cooldown*4)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("reset %s: %w", campaignID, err)
	}

	publishEvent(ctx, b.rdb, BudgetEvent{
		CampaignID: campaignID,
		Event:      EventBudgetReset,
		TS:         b.cal.Now(),
	})
	return nil
}
