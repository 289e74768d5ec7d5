package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"geoquest-engine/internal/domain"
	"golang.org/x/sync/singleflight"
)

// BundleLoader fetches task bundles from a backing store (e.g., Postgres JSONB).
type BundleLoader interface {
	LoadBundle(ctx context.Context, bundleID string) (domain.TaskBundle, error)
}

// BundleRepository caches bundles with TTL to avoid repeated DB hits.
type BundleRepository struct {
	loader BundleLoader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group

	mu    sync.RWMutex
	rnd   *rand.Rand
	cache map[string]cachedBundle
}

type cachedBundle struct {
	bundle    domain.TaskBundle
	expiresAt time.Time
}

func NewBundleRepository(loader BundleLoader, ttl time.Duration) *BundleRepository {
	return &BundleRepository{
		loader: loader,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedBundle),
	}
}

func (r *BundleRepository) GetBundle(ctx context.Context, bundleID string) (domain.TaskBundle, error) {
	if bundle, ok := r.cached(bundleID); ok {
		return bundle, nil
	}

	result, err, _ := r.sf.Do(bundleID, func() (interface{}, error) {
		if bundle, ok := r.cached(bundleID); ok {
			return bundle, nil
		}

		bundle, err := r.loader.LoadBundle(ctx, bundleID)
		if err != nil {
			return domain.TaskBundle{}, err
		}

		r.mu.Lock()
		r.cache[bundleID] = cachedBundle{
			bundle:    bundle,
			expiresAt: r.clock().Add(r.ttlWithJitterLocked()),
		}
		r.mu.Unlock()
		return bundle, nil
	})
	if err != nil {
		return domain.TaskBundle{}, err
	}
	return result.(domain.TaskBundle), nil
}

func (r *BundleRepository) cached(bundleID string) (domain.TaskBundle, bool) {
	now := r.clock()
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[bundleID]
	if !ok || !entry.expiresAt.After(now) {
		return domain.TaskBundle{}, false
	}
	return entry.bundle, true
}

// ttlWithJitterLocked must be called with mu held; rand.Rand is not safe for concurrent use.
func (r *BundleRepository) ttlWithJitterLocked() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	// add up to 10% jitter to spread expirations
	jitterMax := int64(r.ttl) / 10
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}

// StaticBundleLoader is a simple loader backed by an in-memory map (useful for tests/demos).
type StaticBundleLoader struct {
	bundles map[string]domain.TaskBundle
}

func NewStaticBundleLoader(bundles map[string]domain.TaskBundle) *StaticBundleLoader {
	return &StaticBundleLoader{bundles: bundles}
}

func (l *StaticBundleLoader) LoadBundle(_ context.Context, bundleID string) (domain.TaskBundle, error) {
	if bundle, ok := l.bundles[bundleID]; ok {
		return bundle, nil
	}
	return domain.TaskBundle{}, domain.ErrBundleNotFound
}
