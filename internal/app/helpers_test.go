package app_test

import (
	"context"
	"testing"
	"time"

	"geoquest-engine/internal/domain"
	"geoquest-engine/internal/infra/memory"
)

type fixedRewards map[domain.Mode]int

func (r fixedRewards) PerTask(mode domain.Mode) int { return r[mode] }

type flatFee int

func (f flatFee) EntryFee(int) int { return int(f) }

type unitValues map[string]int

func (u unitValues) BountyValue(unitID string) (int, bool) {
	v, ok := u[unitID]
	return v, ok
}

func seedUser(t *testing.T, users *memory.UserStore, id string, coins int) {
	t.Helper()
	if _, err := users.EnsureUser(context.Background(), id, coins); err != nil {
		t.Fatalf("ensure user %s: %v", id, err)
	}
}

func coinsOf(t *testing.T, users *memory.UserStore, id string) int {
	t.Helper()
	state, err := users.GetUser(context.Background(), id)
	if err != nil {
		t.Fatalf("get user %s: %v", id, err)
	}
	return state.Coins
}

func sampleBundle() domain.TaskBundle {
	return domain.TaskBundle{
		ID:     "unit-1:standard",
		UnitID: "unit-1",
		Mode:   domain.ModeStandard,
		Tasks: []domain.Task{
			{ID: "t1", Kind: domain.KindChoice, CorrectAnswer: domain.Answer{Text: "B"}},
			{ID: "t2", Kind: domain.KindAngleMeasure, CorrectAnswer: domain.Answer{Text: "90"}},
			{ID: "t3", Kind: domain.KindFreeText, CorrectAnswer: domain.Answer{Text: "rechter Winkel"}},
		},
	}
}

type stepClock struct {
	t    time.Time
	step time.Duration
}

func (c *stepClock) now() time.Time {
	c.t = c.t.Add(c.step)
	return c.t
}
