package pacer

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
)

func TestMain(m *testing.M) {
	log.SetLevel(log.ErrorLevel)
	os.Exit(m.Run())
}

// testConfig returns a Config sized for unit tests: few shards so lock
// interleavings are exercised, short waits so failure paths finish fast.
func testConfig() *Config {
	return &Config{
		ShardCount:       4,
		OpenFraction:     0.95,
		Cooldown:         5 * time.Minute,
		HalfOpenProbe:    0.10,
		FlushWindow:      20 * time.Millisecond,
		OvershootCap:     1.5,
		Timezone:         "UTC",
		DecisionDeadline: 50 * time.Millisecond,
		RetentionDays:    7,
		QueueSize:        256,
		DedupSize:        128,
		NegativeTTL:      30 * time.Second,
		FetchWait:        100 * time.Millisecond,
		RefreshInterval:  time.Minute,
		EnqueueWaitCap:   25 * time.Millisecond,
	}
}

// fakeClock is a hand-cranked Clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock {
	return &fakeClock{now: at}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fakeClock) Set(at time.Time) {
	f.mu.Lock()
	f.now = at
	f.mu.Unlock()
}

// scriptedSource feeds math/rand a fixed cycle of values so Bernoulli draws
// are deterministic. drawValue(f) yields the Int63 that Float64 maps back
// to f.
type scriptedSource struct {
	mu   sync.Mutex
	vals []int64
	i    int
}

func (s *scriptedSource) Int63() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.vals[s.i%len(s.vals)]
	s.i++
	return v
}

func (s *scriptedSource) Seed(int64) {}

func drawValue(f float64) int64 {
	return int64(f * float64(1<<63))
}

// fakeCatalog is an in-memory Catalog with latency and failure injection.
type fakeCatalog struct {
	mu      sync.Mutex
	specs   map[string]*CampaignSpec
	fetches int
	err     error
	delay   time.Duration
}

func newFakeCatalog(specs ...*CampaignSpec) *fakeCatalog {
	m := make(map[string]*CampaignSpec, len(specs))
	for _, s := range specs {
		m[s.ID] = s
	}
	return &fakeCatalog{specs: m}
}

func (f *fakeCatalog) put(spec *CampaignSpec) {
	f.mu.Lock()
	f.specs[spec.ID] = spec
	f.mu.Unlock()
}

func (f *fakeCatalog) setDelay(d time.Duration) {
	f.mu.Lock()
	f.delay = d
	f.mu.Unlock()
}

func (f *fakeCatalog) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeCatalog) Fetch(ctx context.Context, id string) (*CampaignSpec, error) {
	f.mu.Lock()
	f.fetches++
	err := f.err
	delay := f.delay
	spec, ok := f.specs[id]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrCampaignNotFound
	}
	return spec, nil
}

func (f *fakeCatalog) ListActive(ctx context.Context) ([]*CampaignSpec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]*CampaignSpec, 0, len(f.specs))
	for _, s := range f.specs {
		if s.Status == StatusActive {
			out = append(out, s)
		}
	}
	return out, nil
}

func activeSpec(id string, budget int64, mode PacingMode) *CampaignSpec {
	return &CampaignSpec{
		ID:               id,
		DailyBudgetCents: budget,
		Mode:             mode,
		Status:           StatusActive,
		Version:          1,
	}
}
