package pacer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const catalogFetchTimeout = 5 * time.Second

// Registry caches campaign specs for the decision path. The map is
// copy-on-write: readers load an immutable snapshot and never block,
// writers clone, mutate, and swap under a mutex. Misses go through a
// single-flight catalog fetch so a stampede of lookups for one id costs one
// catalog call.
type Registry struct {
	specs atomic.Value // map[string]*CampaignSpec

	mu  sync.Mutex
	neg map[string]time.Time // unknown ids and their negative-cache expiry

	group   singleflight.Group
	catalog Catalog
	cal     *Calendar
	negTTL  time.Duration
	wait    time.Duration
}

func NewRegistry(catalog Catalog, cal *Calendar, cfg *Config) *Registry {
	r := &Registry{
		neg:     make(map[string]time.Time),
		catalog: catalog,
		cal:     cal,
		negTTL:  cfg.NegativeTTL,
		wait:    cfg.FetchWait,
	}
	r.specs.Store(map[string]*CampaignSpec{})
	return r
}

// Lookup returns the cached spec, touching nothing else.
func (r *Registry) Lookup(id string) (*CampaignSpec, bool) {
	m := r.specs.Load().(map[string]*CampaignSpec)
	spec, ok := m[id]
	return spec, ok
}

// Resolve returns the spec for id, waiting at most the fetch bound (and the
// caller's deadline) on a cache miss. On timeout the caller treats the
// campaign as unknown while the fetch keeps running and lands in the cache
// for the next request.
func (r *Registry) Resolve(ctx context.Context, id string) (*CampaignSpec, bool) {
	if spec, ok := r.Lookup(id); ok {
		return spec, true
	}
	if r.negativeHit(id) || r.catalog == nil {
		return nil, false
	}

	ch := r.group.DoChan(id, func() (interface{}, error) {
		return r.fetch(id)
	})

	timer := time.NewTimer(r.wait)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false
		}
		return res.Val.(*CampaignSpec), true
	case <-ctx.Done():
		return nil, false
	case <-timer.C:
		return nil, false
	}
}

// Peek is Resolve without the wait: a miss kicks off the background fetch
// but the caller is never suspended.
func (r *Registry) Peek(id string) (*CampaignSpec, bool) {
	if spec, ok := r.Lookup(id); ok {
		return spec, true
	}
	if !r.negativeHit(id) && r.catalog != nil {
		r.group.DoChan(id, func() (interface{}, error) {
			return r.fetch(id)
		})
	}
	return nil, false
}

// fetch pulls one spec from the catalog under its own timeout so abandoned
// callers cannot cancel a shared fetch. Failures and unknown ids both land
// in the negative cache; a stampede on a dead catalog costs one fetch per
// TTL window.
func (r *Registry) fetch(id string) (*CampaignSpec, error) {
	ctx, cancel := context.WithTimeout(context.Background(), catalogFetchTimeout)
	defer cancel()

	spec, err := r.catalog.Fetch(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrCampaignNotFound) {
			log.WithError(err).WithField("campaign_id", id).Warn("Catalog fetch failed")
		}
		r.storeNegative(id)
		return nil, err
	}
	if spec.Status == StatusDeleted {
		r.Remove(id)
		r.storeNegative(id)
		return nil, ErrCampaignNotFound
	}
	r.Upsert(spec)
	return spec, nil
}

// Upsert installs the spec unless the cache already holds a newer version.
func (r *Registry) Upsert(spec *CampaignSpec) bool {
	if err := spec.Validate(); err != nil {
		log.WithError(err).Error("Rejecting invalid campaign spec")
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.specs.Load().(map[string]*CampaignSpec)
	if cur, ok := old[spec.ID]; ok && cur.Version > spec.Version {
		return false
	}
	next := make(map[string]*CampaignSpec, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[spec.ID] = spec
	r.specs.Store(next)
	delete(r.neg, spec.ID)
	return true
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.specs.Load().(map[string]*CampaignSpec)
	if _, ok := old[id]; !ok {
		return
	}
	next := make(map[string]*CampaignSpec, len(old))
	for k, v := range old {
		if k != id {
			next[k] = v
		}
	}
	r.specs.Store(next)
}

// Invalidate drops the cached entry and refetches in the background. Driven
// by the campaigns:changes feed.
func (r *Registry) Invalidate(id string) {
	r.Remove(id)
	r.mu.Lock()
	delete(r.neg, id)
	r.mu.Unlock()

	if r.catalog != nil {
		r.group.Forget(id)
		r.group.DoChan(id, func() (interface{}, error) {
			return r.fetch(id)
		})
	}
}

// WarmLoad pulls every ACTIVE campaign into the cache. Returns how many
// specs were installed.
func (r *Registry) WarmLoad(ctx context.Context) (int, error) {
	if r.catalog == nil {
		return 0, nil
	}
	specs, err := r.catalog.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, spec := range specs {
		if r.Upsert(spec) {
			n++
		}
	}
	return n, nil
}

// refreshLoop re-syncs the active set on a fixed cadence, catching catalog
// changes whose notifications were missed.
func (r *Registry) refreshLoop(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if _, err := r.WarmLoad(ctx); err != nil {
				log.WithError(err).Error("Failed to refresh campaigns")
			}
			cancel()
		case <-stop:
			return
		}
	}
}

func (r *Registry) negativeHit(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	exp, ok := r.neg[id]
	if !ok {
		return false
	}
	if r.cal.Now().After(exp) {
		delete(r.neg, id)
		return false
	}
	return true
}

func (r *Registry) storeNegative(id string) {
	r.mu.Lock()
	r.neg[id] = r.cal.Now().Add(r.negTTL)
	r.mu.Unlock()
}

// All returns the cached specs in no particular order.
func (r *Registry) All() []*CampaignSpec {
	m := r.specs.Load().(map[string]*CampaignSpec)
	out := make([]*CampaignSpec, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Len() int {
	return len(r.specs.Load().(map[string]*CampaignSpec))
}
