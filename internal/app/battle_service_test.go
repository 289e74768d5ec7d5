package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"geoquest-engine/internal/app"
	"geoquest-engine/internal/domain"
	"geoquest-engine/internal/infra/memory"
)

type battleFixture struct {
	users   *memory.UserStore
	battles *memory.BattleStore
	svc     *app.BattleService
}

func newBattleFixture(t *testing.T, coinsA, coinsB int) battleFixture {
	t.Helper()
	users := memory.NewUserStore()
	seedUser(t, users, "alice", coinsA)
	seedUser(t, users, "bob", coinsB)
	battles := memory.NewBattleStore()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc := app.NewBattleServiceWithClock(users, battles, nil, func() time.Time { return now })
	return battleFixture{users: users, battles: battles, svc: svc}
}

func (f battleFixture) running(t *testing.T, stake int) domain.Battle {
	t.Helper()
	ctx := context.Background()
	b, err := f.svc.Create(ctx, "alice", stake, 0, sampleBundle())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b, err = f.svc.Accept(ctx, b.ID, "bob")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if b.Status != domain.BattleRunning {
		t.Fatalf("expected running, got %s", b.Status)
	}
	return b
}

func run(correct int, elapsed int64) domain.QuestRunSummary {
	return domain.QuestRunSummary{CorrectCount: correct, TotalTasks: 3, Mistakes: 3 - correct, ElapsedMs: elapsed}
}

func TestBattleScoreWinnerTakesPot(t *testing.T) {
	f := newBattleFixture(t, 100, 100)
	ctx := context.Background()
	b := f.running(t, 30)
	if coinsOf(t, f.users, "alice") != 70 || coinsOf(t, f.users, "bob") != 70 {
		t.Fatalf("both stakes should be escrowed")
	}

	if _, err := f.svc.SubmitTurn(ctx, b.ID, "alice", run(3, 9000)); err != nil {
		t.Fatalf("alice turn: %v", err)
	}
	settled, err := f.svc.SubmitTurn(ctx, b.ID, "bob", run(2, 4000))
	if err != nil {
		t.Fatalf("bob turn: %v", err)
	}
	if settled.Status != domain.BattleFinished || settled.WinnerID != "alice" || settled.ResultReason != domain.ReasonScore {
		t.Fatalf("unexpected result %+v", settled)
	}
	if coinsOf(t, f.users, "alice") != 130 || coinsOf(t, f.users, "bob") != 70 {
		t.Fatalf("payout wrong: alice=%d bob=%d", coinsOf(t, f.users, "alice"), coinsOf(t, f.users, "bob"))
	}
}

func TestBattleTimeBreaksTie(t *testing.T) {
	f := newBattleFixture(t, 50, 50)
	ctx := context.Background()
	b := f.running(t, 20)
	_, _ = f.svc.SubmitTurn(ctx, b.ID, "alice", run(2, 8000))
	settled, err := f.svc.SubmitTurn(ctx, b.ID, "bob", run(2, 7000))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if settled.WinnerID != "bob" || settled.ResultReason != domain.ReasonTime {
		t.Fatalf("expected bob by time, got %+v", settled)
	}
	if coinsOf(t, f.users, "bob") != 70 || coinsOf(t, f.users, "alice") != 30 {
		t.Fatalf("payout wrong")
	}
}

func TestBattleDrawRefundsBoth(t *testing.T) {
	f := newBattleFixture(t, 50, 50)
	ctx := context.Background()
	b := f.running(t, 20)
	_, _ = f.svc.SubmitTurn(ctx, b.ID, "alice", run(1, 5000))
	settled, err := f.svc.SubmitTurn(ctx, b.ID, "bob", run(1, 5000))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if settled.WinnerID != "" || settled.ResultReason != domain.ReasonDraw {
		t.Fatalf("expected draw, got %+v", settled)
	}
	if coinsOf(t, f.users, "alice") != 50 || coinsOf(t, f.users, "bob") != 50 {
		t.Fatalf("draw must refund both stakes")
	}
}

func TestBattleCreateInsufficientFunds(t *testing.T) {
	f := newBattleFixture(t, 10, 10)
	_, err := f.svc.Create(context.Background(), "alice", 20, 0, sampleBundle())
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if coinsOf(t, f.users, "alice") != 10 {
		t.Fatalf("balance must be untouched")
	}
}

func TestBattleAcceptInsufficientFundsStaysPending(t *testing.T) {
	f := newBattleFixture(t, 50, 5)
	ctx := context.Background()
	b, err := f.svc.Create(ctx, "alice", 20, 2, sampleBundle())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(b.TaskBundle.Tasks) != 2 {
		t.Fatalf("expected bundle truncated to 2 rounds, got %d", len(b.TaskBundle.Tasks))
	}
	if _, err := f.svc.Accept(ctx, b.ID, "bob"); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	got, _ := f.svc.Get(ctx, b.ID)
	if got.Status != domain.BattlePending || got.OpponentID != "" {
		t.Fatalf("battle must stay pending, got %+v", got)
	}
}

func TestBattleAcceptRules(t *testing.T) {
	f := newBattleFixture(t, 100, 100)
	ctx := context.Background()
	b, _ := f.svc.Create(ctx, "alice", 10, 0, sampleBundle())
	if _, err := f.svc.Accept(ctx, b.ID, "alice"); !errors.Is(err, domain.ErrSelfChallenge) {
		t.Fatalf("expected self challenge, got %v", err)
	}
	if _, err := f.svc.Accept(ctx, b.ID, "bob"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	seedUser(t, f.users, "carol", 100)
	if _, err := f.svc.Accept(ctx, b.ID, "carol"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if coinsOf(t, f.users, "carol") != 100 {
		t.Fatalf("rejected accept must not charge")
	}
}

func TestBattleSubmitRules(t *testing.T) {
	f := newBattleFixture(t, 100, 100)
	ctx := context.Background()
	pending, _ := f.svc.Create(ctx, "alice", 10, 0, sampleBundle())
	if _, err := f.svc.SubmitTurn(ctx, pending.ID, "alice", run(3, 1)); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("submit on pending: %v", err)
	}

	b := f.running(t, 10)
	if _, err := f.svc.SubmitTurn(ctx, b.ID, "mallory", run(3, 1)); !errors.Is(err, domain.ErrNotParticipant) {
		t.Fatalf("expected not participant, got %v", err)
	}
	if _, err := f.svc.SubmitTurn(ctx, b.ID, "alice", domain.QuestRunSummary{CorrectCount: 5, TotalTasks: 3}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid summary, got %v", err)
	}
	if _, err := f.svc.SubmitTurn(ctx, b.ID, "alice", run(1, 100)); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := f.svc.SubmitTurn(ctx, b.ID, "alice", run(3, 1)); !errors.Is(err, domain.ErrDuplicateTurn) {
		t.Fatalf("expected duplicate turn, got %v", err)
	}
	got, _ := f.svc.Get(ctx, b.ID)
	if got.ChallengerSummary.CorrectCount != 1 {
		t.Fatalf("first summary must be kept, got %+v", got.ChallengerSummary)
	}
	if _, err := f.svc.Settle(ctx, b.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("settle with one turn: %v", err)
	}
}

func TestBattleSettleIsIdempotent(t *testing.T) {
	f := newBattleFixture(t, 100, 100)
	ctx := context.Background()
	b := f.running(t, 25)
	_, _ = f.svc.SubmitTurn(ctx, b.ID, "alice", run(3, 10))
	_, _ = f.svc.SubmitTurn(ctx, b.ID, "bob", run(0, 10))

	for i := 0; i < 3; i++ {
		got, err := f.svc.Settle(ctx, b.ID)
		if err != nil || got.Status != domain.BattleFinished {
			t.Fatalf("settle %d: %+v %v", i, got, err)
		}
	}
	if coinsOf(t, f.users, "alice") != 125 || coinsOf(t, f.users, "bob") != 75 {
		t.Fatalf("payout must happen once: alice=%d bob=%d", coinsOf(t, f.users, "alice"), coinsOf(t, f.users, "bob"))
	}
	if _, err := f.svc.SubmitTurn(ctx, b.ID, "bob", run(3, 1)); !errors.Is(err, domain.ErrStaleState) {
		t.Fatalf("submit after finish: %v", err)
	}
}

func TestBattleConcurrentSettlementConservesCoins(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newBattleFixture(t, 100, 100)
		ctx := context.Background()
		b := f.running(t, 40)

		var wg sync.WaitGroup
		wg.Add(4)
		go func() { defer wg.Done(); _, _ = f.svc.SubmitTurn(ctx, b.ID, "alice", run(2, 10)) }()
		go func() { defer wg.Done(); _, _ = f.svc.SubmitTurn(ctx, b.ID, "bob", run(1, 10)) }()
		go func() { defer wg.Done(); _, _ = f.svc.Settle(ctx, b.ID) }()
		go func() { defer wg.Done(); _, _ = f.svc.Settle(ctx, b.ID) }()
		wg.Wait()

		got, err := f.svc.Settle(ctx, b.ID)
		if err != nil || got.Status != domain.BattleFinished {
			t.Fatalf("battle not settled: %+v %v", got, err)
		}
		alice, bob := coinsOf(t, f.users, "alice"), coinsOf(t, f.users, "bob")
		if alice+bob != 200 || alice != 140 {
			t.Fatalf("conservation broken: alice=%d bob=%d", alice, bob)
		}
	}
}

func TestBattleNotifiesHub(t *testing.T) {
	f := newBattleFixture(t, 100, 100)
	hub := app.NewBattleHub()
	f.svc.SetNotifier(hub)
	ctx := context.Background()

	b, _ := f.svc.Create(ctx, "alice", 10, 0, sampleBundle())
	updates, cancel := hub.Subscribe(b.ID)
	defer cancel()

	if _, err := f.svc.Accept(ctx, b.ID, "bob"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	select {
	case got := <-updates:
		if got.Status != domain.BattleRunning {
			t.Fatalf("expected running snapshot, got %s", got.Status)
		}
	case <-time.After(time.Second):
		t.Fatalf("no update delivered")
	}
}

func TestDecideWinner(t *testing.T) {
	b := domain.Battle{ChallengerID: "a", OpponentID: "b"}
	cases := []struct {
		c, o   domain.QuestRunSummary
		winner string
		reason domain.ResultReason
	}{
		{run(3, 50), run(2, 10), "a", domain.ReasonScore},
		{run(1, 10), run(2, 50), "b", domain.ReasonScore},
		{run(2, 10), run(2, 11), "a", domain.ReasonTime},
		{run(2, 10), run(2, 10), "", domain.ReasonDraw},
	}
	for _, tc := range cases {
		c, o := tc.c, tc.o
		b.ChallengerSummary, b.OpponentSummary = &c, &o
		winner, reason := app.DecideWinner(b)
		if winner != tc.winner || reason != tc.reason {
			t.Fatalf("c=%+v o=%+v: got %q/%s", c, o, winner, reason)
		}
	}
}

// cancelOnFinish cancels the caller's context right after a battle is stored as finished.
type cancelOnFinish struct {
	app.BattleRepository
	cancel context.CancelFunc
}

func (c cancelOnFinish) ConditionalUpdate(ctx context.Context, battleID string, expected domain.BattleStatus, patch domain.BattlePatch) (domain.Battle, error) {
	b, err := c.BattleRepository.ConditionalUpdate(ctx, battleID, expected, patch)
	if err == nil && patch.Status != nil && *patch.Status == domain.BattleFinished {
		c.cancel()
	}
	return b, err
}

// flakyUsers fails writes on a cancelled context the way a networked store does and can be
// told to drop a number of credits.
type flakyUsers struct {
	*memory.UserStore
	mu          sync.Mutex
	failCredits int
}

func (u *flakyUsers) ApplyUserDelta(ctx context.Context, userID string, delta domain.UserDelta) (domain.UserProgressionState, error) {
	if err := ctx.Err(); err != nil {
		return domain.UserProgressionState{}, err
	}
	u.mu.Lock()
	fail := delta.CoinsDelta > 0 && u.failCredits > 0
	if fail {
		u.failCredits--
	}
	u.mu.Unlock()
	if fail {
		return domain.UserProgressionState{}, errors.New("connection reset by peer")
	}
	return u.UserStore.ApplyUserDelta(ctx, userID, delta)
}

func TestBattlePayoutSurvivesCancelledRequest(t *testing.T) {
	users := &flakyUsers{UserStore: memory.NewUserStore()}
	seedUser(t, users.UserStore, "alice", 100)
	seedUser(t, users.UserStore, "bob", 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := app.NewBattleService(users, cancelOnFinish{BattleRepository: memory.NewBattleStore(), cancel: cancel}, nil)

	b, err := svc.Create(ctx, "alice", 20, 0, sampleBundle())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Accept(ctx, b.ID, "bob"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := svc.SubmitTurn(ctx, b.ID, "alice", run(3, 10)); err != nil {
		t.Fatalf("alice turn: %v", err)
	}
	settled, err := svc.SubmitTurn(ctx, b.ID, "bob", run(1, 10))
	if err != nil {
		t.Fatalf("bob turn: %v", err)
	}
	if ctx.Err() == nil {
		t.Fatalf("finish update should have cancelled the request")
	}
	if settled.Status != domain.BattleFinished || !settled.PaidOut || settled.WinnerID != "alice" {
		t.Fatalf("unexpected settlement %+v", settled)
	}
	if alice, bob := coinsOf(t, users.UserStore, "alice"), coinsOf(t, users.UserStore, "bob"); alice != 120 || bob != 80 {
		t.Fatalf("escrow lost: alice=%d bob=%d", alice, bob)
	}
}

func TestBattleUnpaidSettlementIsRedriven(t *testing.T) {
	users := &flakyUsers{UserStore: memory.NewUserStore()}
	seedUser(t, users.UserStore, "alice", 100)
	seedUser(t, users.UserStore, "bob", 100)
	svc := app.NewBattleService(users, memory.NewBattleStore(), nil)
	ctx := context.Background()

	b, _ := svc.Create(ctx, "alice", 20, 0, sampleBundle())
	if _, err := svc.Accept(ctx, b.ID, "bob"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := svc.SubmitTurn(ctx, b.ID, "alice", run(3, 10)); err != nil {
		t.Fatalf("alice turn: %v", err)
	}

	users.mu.Lock()
	users.failCredits = 3
	users.mu.Unlock()
	recorded, err := svc.SubmitTurn(ctx, b.ID, "bob", run(1, 10))
	if err != nil {
		t.Fatalf("recorded turn must not be reported as failed: %v", err)
	}
	if recorded.OpponentSummary == nil || recorded.OpponentSummary.CorrectCount != 1 {
		t.Fatalf("expected bob's turn in the result, got %+v", recorded)
	}
	pending, _ := svc.Get(ctx, b.ID)
	if pending.Status != domain.BattleFinished || pending.PaidOut {
		t.Fatalf("expected finished and unpaid, got %+v", pending)
	}
	if coinsOf(t, users.UserStore, "alice") != 80 {
		t.Fatalf("nothing should be paid yet")
	}

	for i := 0; i < 2; i++ {
		settled, err := svc.Settle(ctx, b.ID)
		if err != nil || !settled.PaidOut {
			t.Fatalf("settle %d: %+v %v", i, settled, err)
		}
	}
	if alice, bob := coinsOf(t, users.UserStore, "alice"), coinsOf(t, users.UserStore, "bob"); alice != 120 || bob != 80 {
		t.Fatalf("expected one payout: alice=%d bob=%d", alice, bob)
	}
}

func TestBattleTurnStartsOnce(t *testing.T) {
	f := newBattleFixture(t, 100, 100)
	ctx := context.Background()
	b := f.running(t, 10)

	if _, err := f.svc.StartTurn(ctx, b.ID, "mallory"); !errors.Is(err, domain.ErrNotParticipant) {
		t.Fatalf("expected not participant, got %v", err)
	}
	started, err := f.svc.StartTurn(ctx, b.ID, "alice")
	if err != nil || !started.HasStarted("alice") {
		t.Fatalf("start: %+v %v", started, err)
	}
	if _, err := f.svc.StartTurn(ctx, b.ID, "alice"); !errors.Is(err, domain.ErrDuplicateTurn) {
		t.Fatalf("expected duplicate turn, got %v", err)
	}
	if _, err := f.svc.StartTurn(ctx, b.ID, "bob"); err != nil {
		t.Fatalf("bob start: %v", err)
	}
	if _, err := f.svc.SubmitTurn(ctx, b.ID, "alice", run(2, 50)); err != nil {
		t.Fatalf("started turn must be submittable: %v", err)
	}
}
