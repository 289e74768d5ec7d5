package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"geoquest-engine/internal/domain"
	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// BundleLoader fetches task bundles from a backing store (e.g., Postgres JSONB).
type BundleLoader interface {
	LoadBundle(ctx context.Context, bundleID string) (domain.TaskBundle, error)
}

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

// BundleRepository caches bundles in Redis as zstd-compressed JSON under bundle:{id} and falls
// back to a loader on cache miss.
type BundleRepository struct {
	client *redis.Client
	loader BundleLoader
	ttl    time.Duration
	sf     singleflight.Group

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewBundleRepository(client *redis.Client, loader BundleLoader, ttl time.Duration) *BundleRepository {
	return &BundleRepository{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *BundleRepository) GetBundle(ctx context.Context, bundleID string) (domain.TaskBundle, error) {
	if bundle, ok := r.cached(ctx, bundleID); ok {
		return bundle, nil
	}

	result, err, _ := r.sf.Do(bundleID, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		if bundle, ok := r.cached(ctx, bundleID); ok {
			return bundle, nil
		}

		bundle, err := r.loader.LoadBundle(ctx, bundleID)
		if err != nil {
			return domain.TaskBundle{}, err
		}

		if raw, err := json.Marshal(bundle); err == nil {
			// best-effort: a failed write only costs another load
			_ = r.client.Set(ctx, r.key(bundleID), encoder.EncodeAll(raw, nil), r.ttlWithJitter()).Err()
		}
		return bundle, nil
	})
	if err != nil {
		return domain.TaskBundle{}, err
	}
	return result.(domain.TaskBundle), nil
}

// Invalidate drops the cached copy so the next read reloads it.
func (r *BundleRepository) Invalidate(ctx context.Context, bundleID string) error {
	return r.client.Del(ctx, r.key(bundleID)).Err()
}

func (r *BundleRepository) cached(ctx context.Context, bundleID string) (domain.TaskBundle, bool) {
	blob, err := r.client.Get(ctx, r.key(bundleID)).Bytes()
	if err != nil {
		return domain.TaskBundle{}, false
	}
	bundle, err := decodeBundle(blob)
	if err != nil {
		return domain.TaskBundle{}, false
	}
	return bundle, true
}

func decodeBundle(blob []byte) (domain.TaskBundle, error) {
	raw, err := decoder.DecodeAll(blob, nil)
	if err != nil {
		return domain.TaskBundle{}, fmt.Errorf("decompress bundle: %w", err)
	}
	var bundle domain.TaskBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return domain.TaskBundle{}, fmt.Errorf("unmarshal bundle: %w", err)
	}
	if len(bundle.Tasks) == 0 {
		return domain.TaskBundle{}, errors.New("cached bundle has no tasks")
	}
	return bundle, nil
}

func (r *BundleRepository) key(bundleID string) string {
	return "bundle:" + bundleID
}

func (r *BundleRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	jitterMax := int64(r.ttl) / 10
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}
