package pacer

import (
	"context"
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEngine struct {
	mr  *miniredis.Miniredis
	rdb *redis.Client
	clk *fakeClock
	cat *fakeCatalog
	src *scriptedSource
	eng *Engine
}

func newTestEngine(t *testing.T, cfg *Config, specs ...*CampaignSpec) *testEngine {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clk := newFakeClock(time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC))
	cat := newFakeCatalog(specs...)
	src := &scriptedSource{vals: []int64{drawValue(0.999999)}}

	eng := NewEngine(cfg, rdb, cat,
		WithClock(clk.Now),
		WithRandFactory(func(int) *rand.Rand { return rand.New(src) }),
	)
	startCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	eng.Start(startCtx)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		eng.Close(ctx)
		rdb.Close()
		mr.Close()
	})
	return &testEngine{mr: mr, rdb: rdb, clk: clk, cat: cat, src: src, eng: eng}
}

// script replaces the shard RNG's upcoming draws.
func (te *testEngine) script(draws ...float64) {
	vals := make([]int64, len(draws))
	for i, f := range draws {
		vals[i] = drawValue(f)
	}
	te.src.mu.Lock()
	te.src.vals = vals
	te.src.i = 0
	te.src.mu.Unlock()
}

func (te *testEngine) track(t *testing.T, id string, cents int64) TrackResult {
	t.Helper()
	res, err := te.eng.Track(context.Background(), SpendIncrement{CampaignID: id, SpendCents: cents})
	require.NoError(t, err)
	return res
}

// setSpend rewrites a tracked campaign's counters in place, for scenarios
// where spend must drop without waiting out a day.
func (te *testEngine) setSpend(id string, dayCents, totalCents int64, hour int) {
	l := te.eng.ledger
	sh := l.shardFor(id)
	sh.lockBlocking()
	st := sh.campaigns[id]
	st.today.spent = dayCents
	st.today.hours = [24]int64{}
	st.today.hours[hour] = dayCents
	st.total = totalCents
	l.publishView(st, st.today, l.cal.Now())
	sh.unlock()
}

func TestEngine_EvenPacingOnTrack(t *testing.T) {
	te := newTestEngine(t, testConfig(), activeSpec("c1", 240000, EVEN))

	// Noon, half the budget gone: exactly on pace.
	te.track(t, "c1", 120000)

	res, err := te.eng.Decide(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, res.AllowBid)
	assert.Equal(t, ReasonOK, res.Reason)
	assert.Equal(t, 0.0, res.ThrottleRate)
}

func TestEngine_EvenPacingOverspent(t *testing.T) {
	te := newTestEngine(t, testConfig(), activeSpec("c1", 240000, EVEN))

	// Noon, 75% of budget gone: 1.5x the pro-rata target, the cap.
	te.track(t, "c1", 180000)

	res, err := te.eng.Decide(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, res.AllowBid)
	assert.Equal(t, ReasonThrottled, res.Reason)
	assert.Equal(t, 1.0, res.ThrottleRate)
}

// TestEngine_PartialThrottleDraws verifies the Bernoulli gate: with a 0.4
// rate a draw under it denies, a draw over it allows, and the rate is
// reported either way.
func TestEngine_PartialThrottleDraws(t *testing.T) {
	te := newTestEngine(t, testConfig(), activeSpec("c1", 240000, EVEN))
	te.track(t, "c1", 144000)
	te.script(0.39, 0.41)

	res, err := te.eng.Decide(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, res.AllowBid)
	assert.Equal(t, ReasonThrottled, res.Reason)
	assert.InDelta(t, 0.4, res.ThrottleRate, 1e-6)

	res, err = te.eng.Decide(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, res.AllowBid)
	assert.Equal(t, ReasonOK, res.Reason)
	assert.InDelta(t, 0.4, res.ThrottleRate, 1e-6)
}

// TestEngine_BreakerTripsAtThreshold walks an ASAP campaign into the 95%
// line and checks spend keeps landing while bids stop.
func TestEngine_BreakerTripsAtThreshold(t *testing.T) {
	te := newTestEngine(t, testConfig(), activeSpec("c1", 10000, ASAP))

	for i := 0; i < 18; i++ {
		te.track(t, "c1", 500)
	}

	// 90% spent: ASAP still bids.
	res, err := te.eng.Decide(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, res.AllowBid)

	r19 := te.track(t, "c1", 500)
	assert.Equal(t, OPEN, r19.BreakerState)

	res, err = te.eng.Decide(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, res.AllowBid)
	assert.Equal(t, ReasonCircuitOpen, res.Reason)
	assert.Equal(t, 1.0, res.ThrottleRate)

	// Tracking is never blocked by the breaker; the spend happened.
	r20 := te.track(t, "c1", 500)
	assert.Equal(t, int64(10000), r20.DailySpentCents)
	assert.Equal(t, OPEN, r20.BreakerState)
}

// TestEngine_BreakerHalfOpenProbe drives the full recovery arc: cooldown
// expiry, a denied probe, an admitted probe, then normal pacing.
func TestEngine_BreakerHalfOpenProbe(t *testing.T) {
	cfg := testConfig()
	te := newTestEngine(t, cfg, activeSpec("c1", 10000, ASAP))

	for i := 0; i < 19; i++ {
		te.track(t, "c1", 500)
	}

	te.clk.Advance(cfg.Cooldown + time.Second)
	te.setSpend("c1", 8000, 8000, 12)
	te.script(0.5, 0.05)

	// First decision flips OPEN to HALF_OPEN; the 0.5 draw misses the 0.1
	// probe window, so the bid itself is still denied.
	res, err := te.eng.Decide(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, res.AllowBid)
	assert.Equal(t, ReasonCircuitOpen, res.Reason)

	// The 0.05 draw is admitted: the breaker closes and the bid answers to
	// the pacing policy, which has room.
	res, err = te.eng.Decide(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, res.AllowBid)
	assert.Equal(t, ReasonOK, res.Reason)

	after := te.track(t, "c1", 100)
	assert.Equal(t, CLOSED, after.BreakerState)
}

// TestEngine_StatusPresentsEffectiveBreakerState verifies the read-only
// view reports what the next decision would do with an expired cooldown,
// without mutating anything.
func TestEngine_StatusPresentsEffectiveBreakerState(t *testing.T) {
	cfg := testConfig()
	te := newTestEngine(t, cfg, activeSpec("c1", 10000, ASAP))

	for i := 0; i < 19; i++ {
		te.track(t, "c1", 500)
	}

	st, err := te.eng.Status("c1")
	require.NoError(t, err)
	assert.Equal(t, "OPEN", st.CircuitBreakerState)
	assert.True(t, st.CircuitBreakerOpen)
	assert.True(t, st.ShouldThrottle)

	te.clk.Advance(cfg.Cooldown + time.Second)
	te.setSpend("c1", 8000, 8000, 12)

	st, err = te.eng.Status("c1")
	require.NoError(t, err)
	assert.Equal(t, "HALF_OPEN", st.CircuitBreakerState)
	assert.False(t, st.CircuitBreakerOpen)
	assert.False(t, st.ShouldThrottle)
}

func TestEngine_UnknownCampaignDenied(t *testing.T) {
	te := newTestEngine(t, testConfig())

	res, err := te.eng.Decide(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, res.AllowBid)
	assert.Equal(t, ReasonUnknownCampaign, res.Reason)
	assert.Equal(t, 1.0, res.ThrottleRate)

	// The miss is negative-cached; repeat decisions stay off the catalog.
	fetches := te.cat.fetchCount()
	res, err = te.eng.Decide(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, ReasonUnknownCampaign, res.Reason)
	assert.Equal(t, fetches, te.cat.fetchCount())
}

// TestEngine_SlowCatalogDeniesInsideDeadline verifies a cold campaign on a
// slow catalog costs at most the fetch bound, then recovers once the
// background fetch lands.
func TestEngine_SlowCatalogDeniesInsideDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.FetchWait = 60 * time.Millisecond
	te := newTestEngine(t, cfg)

	te.cat.put(activeSpec("cold", 100000, EVEN))
	te.cat.setDelay(250 * time.Millisecond)

	start := time.Now()
	res, err := te.eng.Decide(context.Background(), "cold")
	require.NoError(t, err)
	assert.False(t, res.AllowBid)
	assert.Equal(t, ReasonUnknownCampaign, res.Reason)
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	assert.Eventually(t, func() bool {
		res, err := te.eng.Decide(context.Background(), "cold")
		return err == nil && res.AllowBid
	}, 2*time.Second, 25*time.Millisecond)
}

func TestEngine_InactiveCampaignsDenied(t *testing.T) {
	paused := activeSpec("p1", 1000, EVEN)
	paused.Status = StatusPaused

	ended := activeSpec("e1", 1000, EVEN)
	ended.ActiveTo = time.Date(2025, 6, 14, 0, 0, 0, 0, time.UTC)

	notYet := activeSpec("f1", 1000, EVEN)
	notYet.ActiveFrom = time.Date(2025, 6, 20, 0, 0, 0, 0, time.UTC)

	evening := activeSpec("s1", 1000, EVEN)
	evening.StartHour = 18

	te := newTestEngine(t, testConfig(), paused, ended, notYet, evening)

	tests := []struct {
		id     string
		reason Reason
	}{
		{"p1", ReasonPaused},
		{"e1", ReasonInactive},
		{"f1", ReasonInactive},
		{"s1", ReasonInactive}, // noon is before the 18:00 start hour
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			res, err := te.eng.Decide(context.Background(), tt.id)
			require.NoError(t, err)
			assert.False(t, res.AllowBid)
			assert.Equal(t, tt.reason, res.Reason)
			assert.Equal(t, 1.0, res.ThrottleRate)
		})
	}
}

func TestEngine_ZeroBudgetDenied(t *testing.T) {
	te := newTestEngine(t, testConfig(), activeSpec("z1", 0, EVEN))

	res, err := te.eng.Decide(context.Background(), "z1")
	require.NoError(t, err)
	assert.False(t, res.AllowBid)
	assert.Equal(t, ReasonBudgetExhausted, res.Reason)
}

func TestEngine_TotalBudgetCapDenied(t *testing.T) {
	spec := activeSpec("c1", 240000, EVEN)
	spec.TotalBudgetCents = 500000
	te := newTestEngine(t, testConfig(), spec)

	// Today is comfortably under target; lifetime is spent.
	te.track(t, "c1", 1)
	te.setSpend("c1", 100000, 500000, 12)

	res, err := te.eng.Decide(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, res.AllowBid)
	assert.Equal(t, ReasonBudgetExhausted, res.Reason)
}

// TestEngine_TrackBeforeSpecKnown verifies spend for a campaign the
// registry has never seen still counts, and folds into pacing the moment
// the spec arrives.
func TestEngine_TrackBeforeSpecKnown(t *testing.T) {
	te := newTestEngine(t, testConfig())

	res := te.track(t, "orphan", 900)
	assert.Equal(t, int64(900), res.DailySpentCents)
	assert.Equal(t, 0.0, res.PacePercentage)
	assert.Equal(t, CLOSED, res.BreakerState)

	te.eng.registry.Upsert(activeSpec("orphan", 1000, EVEN))

	// 900 spent against a 1000 budget at noon: 1.8x the pro-rata target.
	dec, err := te.eng.Decide(context.Background(), "orphan")
	require.NoError(t, err)
	assert.False(t, dec.AllowBid)
	assert.Equal(t, ReasonThrottled, dec.Reason)
	assert.Equal(t, 1.0, dec.ThrottleRate)
}

// TestEngine_PendingSpendTripsBreaker verifies the first decision after a
// spec arrives judges the accumulated spend, which can trip the breaker
// outright.
func TestEngine_PendingSpendTripsBreaker(t *testing.T) {
	te := newTestEngine(t, testConfig())

	te.track(t, "orphan", 2000)
	te.eng.registry.Upsert(activeSpec("orphan", 1000, EVEN))

	dec, err := te.eng.Decide(context.Background(), "orphan")
	require.NoError(t, err)
	assert.False(t, dec.AllowBid)
	assert.Equal(t, ReasonCircuitOpen, dec.Reason)
}

func TestEngine_TrackIdempotentEventID(t *testing.T) {
	te := newTestEngine(t, testConfig(), activeSpec("c1", 10000, EVEN))

	inc := SpendIncrement{CampaignID: "c1", SpendCents: 500, EventID: "evt-1"}
	r1, err := te.eng.Track(context.Background(), inc)
	require.NoError(t, err)
	assert.False(t, r1.Duplicate)

	r2, err := te.eng.Track(context.Background(), inc)
	require.NoError(t, err)
	assert.True(t, r2.Duplicate)
	assert.Equal(t, r1.DailySpentCents, r2.DailySpentCents)

	st, err := te.eng.Status("c1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), st.DailySpentCents)
}

// TestEngine_ReadAfterTrack verifies a status read issued after a track
// acknowledgment sees that spend.
func TestEngine_ReadAfterTrack(t *testing.T) {
	te := newTestEngine(t, testConfig(), activeSpec("c1", 240000, EVEN))

	res := te.track(t, "c1", 7500)

	st, err := te.eng.Status("c1")
	require.NoError(t, err)
	assert.Equal(t, res.DailySpentCents, st.DailySpentCents)
	assert.Equal(t, res.HourlySpentCents, st.HourlySpentCents)
	assert.Equal(t, res.PacePercentage, st.PacePercentage)
}

func TestEngine_StatusFields(t *testing.T) {
	te := newTestEngine(t, testConfig(), activeSpec("c1", 240000, EVEN))
	te.track(t, "c1", 180000)

	st, err := te.eng.Status("c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", st.CampaignID)
	assert.Equal(t, int64(240000), st.DailyBudgetCents)
	assert.Equal(t, int64(180000), st.DailySpentCents)
	assert.Equal(t, int64(180000), st.HourlySpentCents)
	assert.Equal(t, 75.0, st.PacePercentage)
	assert.True(t, st.ShouldThrottle)
	assert.Equal(t, 1.0, st.ThrottleRate)
	assert.False(t, st.CircuitBreakerOpen)
	assert.Equal(t, "CLOSED", st.CircuitBreakerState)
}

func TestEngine_StatusUnknownCampaign(t *testing.T) {
	te := newTestEngine(t, testConfig())

	_, err := te.eng.Status("ghost")
	assert.ErrorIs(t, err, ErrCampaignNotFound)
}

func TestEngine_ResetClearsEverywhere(t *testing.T) {
	te := newTestEngine(t, testConfig(), activeSpec("c1", 10000, EVEN))

	res := te.track(t, "c1", 9500)
	assert.Equal(t, OPEN, res.BreakerState)

	day := te.eng.cal.Day(te.clk.Now())
	require.Eventually(t, func() bool {
		return te.mr.Exists(dayKey("c1", day))
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, te.eng.Reset(context.Background(), "c1"))

	st, err := te.eng.Status("c1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.DailySpentCents)
	assert.Equal(t, "CLOSED", st.CircuitBreakerState)
	assert.False(t, st.ShouldThrottle)

	assert.False(t, te.mr.Exists(dayKey("c1", day)))

	// Lifetime spend is not rewound by a daily reset.
	snap := te.eng.ledger.Snapshot("c1", te.clk.Now())
	assert.Equal(t, int64(9500), snap.TotalSpentCents)
}

func TestEngine_Simulate(t *testing.T) {
	te := newTestEngine(t, testConfig(), activeSpec("c1", 240000, EVEN))

	res, err := te.eng.Simulate(context.Background(), "c1", 24, nil)
	require.NoError(t, err)
	assert.Len(t, res.Simulation, 24)
	assert.Equal(t, int64(240000), res.TotalProjectedSpend)

	_, err = te.eng.Simulate(context.Background(), "ghost", 24, nil)
	assert.ErrorIs(t, err, ErrCampaignNotFound)
}

// TestEngine_CampaignChangeFeed verifies a change notification evicts the
// cached spec and picks up the catalog's new version.
func TestEngine_CampaignChangeFeed(t *testing.T) {
	te := newTestEngine(t, testConfig(), activeSpec("c1", 1000, EVEN))

	updated := activeSpec("c1", 9900, EVEN)
	updated.Version = 2
	te.cat.put(updated)

	payload, err := json.Marshal(campaignChange{ID: "c1", Version: 2})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		te.rdb.Publish(context.Background(), channelCampaignChanges, payload)
		spec, ok := te.eng.registry.Lookup("c1")
		return ok && spec.DailyBudgetCents == 9900
	}, 3*time.Second, 50*time.Millisecond)
}

func TestEngine_DeadlineExceededOnShardContention(t *testing.T) {
	te := newTestEngine(t, testConfig(), activeSpec("c1", 240000, EVEN))

	sh := te.eng.ledger.shardFor("c1")
	sh.lockBlocking()
	defer sh.unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := te.eng.Decide(ctx, "c1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEngine_HealthTracksBridge(t *testing.T) {
	te := newTestEngine(t, testConfig(), activeSpec("c1", 1000, EVEN))

	assert.True(t, te.eng.Healthy())
	assert.False(t, te.eng.Degraded())

	for i := 0; i < 5; i++ {
		te.eng.bridge.noteFailure(context.DeadlineExceeded)
	}
	assert.False(t, te.eng.Healthy())
	assert.True(t, te.eng.Degraded())

	te.eng.bridge.noteSuccess()
	assert.True(t, te.eng.Healthy())
}

func TestEngine_Stats(t *testing.T) {
	cfg := testConfig()
	te := newTestEngine(t, cfg, activeSpec("c1", 1000, EVEN), activeSpec("c2", 2000, ASAP))
	te.track(t, "c1", 100)

	stats := te.eng.Stats()
	assert.Equal(t, 2, stats.Campaigns)
	assert.Equal(t, 1, stats.Tracked)
	assert.Equal(t, cfg.ShardCount, stats.Shards)
	assert.False(t, stats.Degraded)
}

func TestEngine_CloseRejectsWork(t *testing.T) {
	te := newTestEngine(t, testConfig(), activeSpec("c1", 1000, EVEN))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, te.eng.Close(ctx))

	_, err := te.eng.Decide(context.Background(), "c1")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = te.eng.Track(context.Background(), SpendIncrement{CampaignID: "c1", SpendCents: 1})
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, te.eng.Healthy())

	// Closing twice is harmless.
	assert.NoError(t, te.eng.Close(ctx))
}

func BenchmarkEngine_Decide(b *testing.B) {
	mr, err := miniredis.Run()
	if err != nil {
		b.Fatal(err)
	}
	defer mr.Close()

	cfg := testConfig()
	cfg.ShardCount = 64
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	eng := NewEngine(cfg, rdb, newFakeCatalog())
	eng.registry.Upsert(activeSpec("bench", 1<<40, EVEN))

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := eng.Decide(ctx, "bench"); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEngine_Track(b *testing.B) {
	mr, err := miniredis.Run()
	if err != nil {
		b.Fatal(err)
	}
	defer mr.Close()

	cfg := testConfig()
	cfg.ShardCount = 64
	cfg.QueueSize = 4096
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	eng := NewEngine(cfg, rdb, newFakeCatalog())
	eng.registry.Upsert(activeSpec("bench", 1<<40, EVEN))

	// Recycle queue slots directly instead of running the flushers, so the
	// benchmark measures the tracking path alone.
	stop := make(chan struct{})
	defer close(stop)
	for _, sh := range eng.ledger.shards {
		go func(sh *shard) {
			for {
				select {
				case <-sh.deltas:
					sh.slots <- struct{}{}
				case <-stop:
					return
				}
			}
		}(sh)
	}

	inc := SpendIncrement{CampaignID: "bench", SpendCents: 1}
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := eng.Track(ctx, inc); err != nil {
			b.Fatal(err)
		}
	}
}
