package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"geoquest-engine/internal/domain"
)

func TestBundleRepositoryCaches(t *testing.T) {
	loader := &countingLoader{
		BundleLoader: NewStaticBundleLoader(map[string]domain.TaskBundle{
			"unit-1:standard": sampleBundle(),
		}),
	}
	repo := NewBundleRepository(loader, time.Minute)

	if _, err := repo.GetBundle(context.Background(), "unit-1:standard"); err != nil {
		t.Fatalf("get bundle: %v", err)
	}
	if loader.calls.Load() != 1 {
		t.Fatalf("expected loader once, got %d", loader.calls.Load())
	}

	if _, err := repo.GetBundle(context.Background(), "unit-1:standard"); err != nil {
		t.Fatalf("get bundle 2: %v", err)
	}
	if loader.calls.Load() != 1 {
		t.Fatalf("expected cache hit, loader calls %d", loader.calls.Load())
	}
}

func TestBundleRepositoryExpires(t *testing.T) {
	loader := &countingLoader{
		BundleLoader: NewStaticBundleLoader(map[string]domain.TaskBundle{"unit-1:standard": sampleBundle()}),
	}
	repo := NewBundleRepository(loader, time.Minute)
	now := time.Now()
	repo.clock = func() time.Time { return now }

	_, _ = repo.GetBundle(context.Background(), "unit-1:standard")
	now = now.Add(2 * time.Minute)
	_, _ = repo.GetBundle(context.Background(), "unit-1:standard")
	if loader.calls.Load() != 2 {
		t.Fatalf("expected reload after ttl, got %d", loader.calls.Load())
	}
}

func TestBundleRepositoryCollapsesConcurrentMisses(t *testing.T) {
	release := make(chan struct{})
	loader := &countingLoader{
		BundleLoader: NewStaticBundleLoader(map[string]domain.TaskBundle{"unit-1:standard": sampleBundle()}),
		gate:         release,
	}
	repo := NewBundleRepository(loader, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.GetBundle(context.Background(), "unit-1:standard"); err != nil {
				t.Errorf("get bundle: %v", err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	if loader.calls.Load() != 1 {
		t.Fatalf("expected a single load, got %d", loader.calls.Load())
	}
}

func TestBundleRepositoryNotFound(t *testing.T) {
	repo := NewBundleRepository(NewStaticBundleLoader(nil), time.Minute)
	if _, err := repo.GetBundle(context.Background(), "nope"); !errors.Is(err, domain.ErrBundleNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

type countingLoader struct {
	BundleLoader
	calls atomic.Int32
	gate  chan struct{}
}

func (l *countingLoader) LoadBundle(ctx context.Context, bundleID string) (domain.TaskBundle, error) {
	l.calls.Add(1)
	if l.gate != nil {
		<-l.gate
	}
	return l.BundleLoader.LoadBundle(ctx, bundleID)
}

func sampleBundle() domain.TaskBundle {
	return domain.TaskBundle{
		ID:     "unit-1:standard",
		UnitID: "unit-1",
		Mode:   domain.ModeStandard,
		Tasks: []domain.Task{
			{ID: "t1", Kind: domain.KindChoice, Prompt: "Welche Figur hat vier gleich lange Seiten?", CorrectAnswer: domain.Answer{Text: "Raute"}},
		},
	}
}
