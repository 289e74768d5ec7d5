package cli

import (
	"context"
	"sync"
	"testing"
	"time"

	"geoquest-engine/internal/domain"
	redisstore "geoquest-engine/internal/infra/redis"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type bundleMap struct {
	mu      sync.Mutex
	bundles map[string]domain.TaskBundle
}

func (m *bundleMap) SaveBundle(_ context.Context, b domain.TaskBundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bundles[b.ID] = b
	return nil
}

func (m *bundleMap) LoadBundle(_ context.Context, id string) (domain.TaskBundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bundles[id]
	if !ok {
		return domain.TaskBundle{}, domain.ErrBundleNotFound
	}
	return b, nil
}

func winkelBundle(prompt string) domain.TaskBundle {
	return domain.TaskBundle{
		ID:     "winkel:standard",
		UnitID: "winkel",
		Mode:   domain.ModeStandard,
		Tasks:  []domain.Task{{ID: "w1", Kind: domain.KindChoice, Prompt: prompt, CorrectAnswer: domain.Answer{Text: "C"}}},
	}
}

func TestStoreBundlesInvalidatesRedisCache(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := &bundleMap{bundles: map[string]domain.TaskBundle{"winkel:standard": winkelBundle("alt")}}
	cache := redisstore.NewBundleRepository(client, store, time.Hour)
	ctx := context.Background()
	if got, err := cache.GetBundle(ctx, "winkel:standard"); err != nil || got.Tasks[0].Prompt != "alt" {
		t.Fatalf("warm cache: %+v %v", got, err)
	}

	fresh := map[string]domain.TaskBundle{"winkel:standard": winkelBundle("neu")}
	if err := storeBundles(ctx, fresh, store, cache, zap.NewNop()); err != nil {
		t.Fatalf("store bundles: %v", err)
	}
	got, err := cache.GetBundle(ctx, "winkel:standard")
	if err != nil {
		t.Fatalf("get bundle: %v", err)
	}
	if got.Tasks[0].Prompt != "neu" {
		t.Fatalf("cache still serves the old bundle: %q", got.Tasks[0].Prompt)
	}
}

func TestStoreBundlesWithoutCache(t *testing.T) {
	store := &bundleMap{bundles: map[string]domain.TaskBundle{}}
	if err := storeBundles(context.Background(), map[string]domain.TaskBundle{"winkel:standard": winkelBundle("neu")}, store, nil, zap.NewNop()); err != nil {
		t.Fatalf("store bundles: %v", err)
	}
	if _, ok := store.bundles["winkel:standard"]; !ok {
		t.Fatalf("bundle not saved")
	}
}
