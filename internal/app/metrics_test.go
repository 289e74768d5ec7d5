package app_test

import (
	"context"
	"testing"

	"geoquest-engine/internal/app"
	"geoquest-engine/internal/domain"
	"geoquest-engine/internal/infra/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsExposesEngineCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	app.RegisterMetrics(reg)

	users := memory.NewUserStore()
	seedUser(t, users, "u1", 0)
	run, err := app.NewQuestRun(sampleBundle(), domain.ModeStandard, nil)
	if err != nil {
		t.Fatalf("new run: %v", err)
	}
	ctx := context.Background()
	for _, a := range []struct{ id, text string }{{"t1", "B"}, {"t2", "90"}, {"t3", "ein rechter Winkel"}} {
		if _, err := run.Answer(ctx, a.id, answer(a.text)); err != nil {
			t.Fatalf("answer %s: %v", a.id, err)
		}
	}
	summary, _ := run.Summary()
	if _, err := newProgression(users).CompleteQuest(ctx, "u1", "unit-1", domain.ModeStandard, summary); err != nil {
		t.Fatalf("complete: %v", err)
	}

	for _, name := range []string{"geoquest_answers_judged_total", "geoquest_coins_awarded_total", "geoquest_tile_transitions_total"} {
		n, err := testutil.GatherAndCount(reg, name)
		if err != nil {
			t.Fatalf("gather %s: %v", name, err)
		}
		if n == 0 {
			t.Fatalf("expected samples for %s", name)
		}
	}
}
