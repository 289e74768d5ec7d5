package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"geoquest-engine/internal/domain"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const payoutAttempts = 3

// BattleService runs wagered two-player matches: escrow on create and accept, one turn per
// side, and a single settlement that pays the winner or refunds both on a draw.
type BattleService struct {
	users   UserRepository
	battles BattleRepository
	log     *zap.Logger
	now     func() time.Time
	newID   func() string

	notifier BattleNotifier
}

func NewBattleService(users UserRepository, battles BattleRepository, logger *zap.Logger) *BattleService {
	return NewBattleServiceWithClock(users, battles, logger, time.Now)
}

// NewBattleServiceWithClock is used by tests for deterministic timestamps.
func NewBattleServiceWithClock(users UserRepository, battles BattleRepository, logger *zap.Logger, now func() time.Time) *BattleService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BattleService{
		users:   users,
		battles: battles,
		log:     logger,
		now:     now,
		newID:   uuid.NewString,
	}
}

// SetNotifier routes every written battle state to n, e.g. a BattleHub or a cross-instance feed.
func (s *BattleService) SetNotifier(n BattleNotifier) {
	s.notifier = n
}

func (s *BattleService) notify(ctx context.Context, b domain.Battle) {
	if s.notifier != nil {
		s.notifier.Notify(ctx, b)
	}
}

// Get returns a battle by id.
func (s *BattleService) Get(ctx context.Context, battleID string) (domain.Battle, error) {
	return s.battles.GetBattle(ctx, battleID)
}

// Create escrows the challenger's stake and stores a pending battle over the first roundCount
// tasks of bundle. roundCount <= 0 uses the whole bundle.
func (s *BattleService) Create(ctx context.Context, challengerID string, stake, roundCount int, bundle domain.TaskBundle) (domain.Battle, error) {
	ctx, span := tracer.Start(ctx, "BattleService.Create")
	defer span.End()
	span.SetAttributes(attribute.String("challenger.id", challengerID), attribute.Int("stake", stake))

	if challengerID == "" {
		return domain.Battle{}, fmt.Errorf("%w: challenger required", domain.ErrInvalidArgument)
	}
	if stake <= 0 {
		return domain.Battle{}, fmt.Errorf("%w: stake must be positive", domain.ErrInvalidArgument)
	}
	if err := bundle.Check(); err != nil {
		return domain.Battle{}, err
	}
	if roundCount <= 0 {
		roundCount = len(bundle.Tasks)
	}
	if roundCount > len(bundle.Tasks) {
		return domain.Battle{}, fmt.Errorf("%w: %d rounds but only %d tasks", domain.ErrInvalidArgument, roundCount, len(bundle.Tasks))
	}
	bundle.Tasks = append([]domain.Task(nil), bundle.Tasks[:roundCount]...)

	if _, err := s.users.ApplyUserDelta(ctx, challengerID, domain.UserDelta{CoinsDelta: -stake, Reason: "battle_escrow"}); err != nil {
		return domain.Battle{}, err
	}
	escrowMoves.WithLabelValues("in").Add(float64(stake))

	now := s.now()
	battle := domain.Battle{
		ID:           s.newID(),
		ChallengerID: challengerID,
		Stake:        stake,
		RoundCount:   roundCount,
		TaskBundle:   bundle,
		Status:       domain.BattlePending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	created, err := s.battles.CreateBattle(ctx, battle)
	if err != nil {
		if refundErr := s.credit(ctx, challengerID, stake, "battle_escrow_refund", nil); refundErr != nil {
			return domain.Battle{}, fmt.Errorf("create battle: %w (refund failed: %v)", err, refundErr)
		}
		return domain.Battle{}, fmt.Errorf("create battle: %w", err)
	}
	s.log.Info("battle created", zap.String("battle", created.ID), zap.String("challenger", challengerID), zap.Int("stake", stake))
	return created, nil
}

// Accept escrows the opponent's stake and starts the battle.
func (s *BattleService) Accept(ctx context.Context, battleID, opponentID string) (domain.Battle, error) {
	ctx, span := tracer.Start(ctx, "BattleService.Accept")
	defer span.End()
	span.SetAttributes(attribute.String("battle.id", battleID), attribute.String("opponent.id", opponentID))

	if opponentID == "" {
		return domain.Battle{}, fmt.Errorf("%w: opponent required", domain.ErrInvalidArgument)
	}
	battle, err := s.battles.GetBattle(ctx, battleID)
	if err != nil {
		return domain.Battle{}, err
	}
	if battle.Status != domain.BattlePending {
		return battle, fmt.Errorf("%w: battle %s is %s", domain.ErrInvalidTransition, battleID, battle.Status)
	}
	if opponentID == battle.ChallengerID {
		return battle, domain.ErrSelfChallenge
	}

	if _, err := s.users.ApplyUserDelta(ctx, opponentID, domain.UserDelta{CoinsDelta: -battle.Stake, Reason: "battle_escrow"}); err != nil {
		return battle, err
	}
	escrowMoves.WithLabelValues("in").Add(float64(battle.Stake))

	running := domain.BattleRunning
	updated, err := s.battles.ConditionalUpdate(ctx, battleID, domain.BattlePending, domain.BattlePatch{
		Status:     &running,
		OpponentID: &opponentID,
		UpdatedAt:  s.now(),
	})
	if err != nil {
		// Someone else got there first; give the stake back.
		if refundErr := s.credit(ctx, opponentID, battle.Stake, "battle_escrow_refund", nil); refundErr != nil {
			return battle, fmt.Errorf("%w (refund failed: %v)", err, refundErr)
		}
		return battle, err
	}
	s.log.Info("battle accepted", zap.String("battle", battleID), zap.String("opponent", opponentID))
	s.notify(ctx, updated)
	return updated, nil
}

// StartTurn marks playerID's turn as begun. A turn can be started once, so a player who
// abandons a run cannot replay it from a fresh start.
func (s *BattleService) StartTurn(ctx context.Context, battleID, playerID string) (domain.Battle, error) {
	ctx, span := tracer.Start(ctx, "BattleService.StartTurn")
	defer span.End()
	span.SetAttributes(attribute.String("battle.id", battleID), attribute.String("player.id", playerID))

	battle, err := s.battles.GetBattle(ctx, battleID)
	if err != nil {
		return domain.Battle{}, err
	}
	if !battle.IsParticipant(playerID) {
		return battle, domain.ErrNotParticipant
	}
	if battle.Status != domain.BattleRunning {
		return battle, fmt.Errorf("%w: battle %s is %s", domain.ErrInvalidTransition, battleID, battle.Status)
	}
	if battle.HasStarted(playerID) || battle.SummaryFor(playerID) != nil {
		return battle, domain.ErrDuplicateTurn
	}
	updated, err := s.battles.ConditionalUpdate(ctx, battleID, domain.BattleRunning, domain.BattlePatch{
		StartedBy: &playerID,
		UpdatedAt: s.now(),
	})
	if err != nil {
		return battle, err
	}
	s.log.Debug("battle turn started", zap.String("battle", battleID), zap.String("player", playerID))
	return updated, nil
}

// SubmitTurn records playerID's run summary. Each side submits once; a second submission is
// rejected and the recorded summary is kept. The submission that completes the pair settles;
// a failed settlement is logged and left to a later Settle, the recorded turn is returned.
func (s *BattleService) SubmitTurn(ctx context.Context, battleID, playerID string, summary domain.QuestRunSummary) (domain.Battle, error) {
	ctx, span := tracer.Start(ctx, "BattleService.SubmitTurn")
	defer span.End()
	span.SetAttributes(attribute.String("battle.id", battleID), attribute.String("player.id", playerID))

	battle, err := s.battles.GetBattle(ctx, battleID)
	if err != nil {
		return domain.Battle{}, err
	}
	if !battle.IsParticipant(playerID) {
		return battle, domain.ErrNotParticipant
	}
	switch battle.Status {
	case domain.BattlePending:
		return battle, fmt.Errorf("%w: battle %s not accepted yet", domain.ErrInvalidTransition, battleID)
	case domain.BattleFinished:
		return battle, fmt.Errorf("%w: battle %s already finished", domain.ErrStaleState, battleID)
	}
	if battle.SummaryFor(playerID) != nil {
		return battle, domain.ErrDuplicateTurn
	}
	if err := checkSummary(summary, len(battle.TaskBundle.Tasks)); err != nil {
		return battle, err
	}

	now := s.now()
	turn := domain.BattleTurn{BattleID: battleID, PlayerID: playerID, Summary: summary, SubmittedAt: now}
	updated, err := s.battles.ConditionalUpdate(ctx, battleID, domain.BattleRunning, domain.BattlePatch{
		Turn:      &turn,
		UpdatedAt: now,
	})
	if err != nil {
		return battle, err
	}
	s.log.Info("battle turn recorded", zap.String("battle", battleID), zap.String("player", playerID),
		zap.Int("correct", summary.CorrectCount), zap.Int64("elapsedMs", summary.ElapsedMs))

	if updated.BothSubmitted() {
		settled, err := s.Settle(ctx, battleID)
		if err != nil {
			s.log.Error("settlement after last turn failed", zap.String("battle", battleID), zap.Error(err))
			return updated, nil
		}
		return settled, nil
	}
	s.notify(ctx, updated)
	return updated, nil
}

func checkSummary(summary domain.QuestRunSummary, tasks int) error {
	switch {
	case summary.TotalTasks != tasks:
		return fmt.Errorf("%w: summary covers %d tasks, battle has %d", domain.ErrInvalidArgument, summary.TotalTasks, tasks)
	case summary.CorrectCount < 0 || summary.CorrectCount > summary.TotalTasks:
		return fmt.Errorf("%w: correct count out of range", domain.ErrInvalidArgument)
	case summary.Mistakes < 0 || summary.ElapsedMs < 0:
		return fmt.Errorf("%w: negative mistakes or elapsed time", domain.ErrInvalidArgument)
	}
	return nil
}

// DecideWinner ranks the two recorded summaries: more correct answers wins, then less time,
// otherwise it is a draw with no winner.
func DecideWinner(b domain.Battle) (string, domain.ResultReason) {
	c, o := b.ChallengerSummary, b.OpponentSummary
	switch {
	case c.CorrectCount > o.CorrectCount:
		return b.ChallengerID, domain.ReasonScore
	case o.CorrectCount > c.CorrectCount:
		return b.OpponentID, domain.ReasonScore
	case c.ElapsedMs < o.ElapsedMs:
		return b.ChallengerID, domain.ReasonTime
	case o.ElapsedMs < c.ElapsedMs:
		return b.OpponentID, domain.ReasonTime
	default:
		return "", domain.ReasonDraw
	}
}

// Settle finishes a running battle whose two turns are in. Only the caller whose conditional
// update moves the battle to finished decides the result. The payout is keyed by battle in each
// user's ledger and the battle is marked paid afterwards, so settling a finished but unpaid
// battle re-drives the missing credits and settling a paid battle returns it unchanged.
func (s *BattleService) Settle(ctx context.Context, battleID string) (domain.Battle, error) {
	ctx, span := tracer.Start(ctx, "BattleService.Settle")
	defer span.End()
	span.SetAttributes(attribute.String("battle.id", battleID))

	battle, err := s.battles.GetBattle(ctx, battleID)
	if err != nil {
		return domain.Battle{}, err
	}
	if battle.Status == domain.BattleFinished {
		return s.completePayout(ctx, battle)
	}
	if battle.Status != domain.BattleRunning || !battle.BothSubmitted() {
		return battle, fmt.Errorf("%w: battle %s is not ready to settle", domain.ErrInvalidTransition, battleID)
	}

	winner, reason := DecideWinner(battle)
	finished := domain.BattleFinished
	updated, err := s.battles.ConditionalUpdate(ctx, battleID, domain.BattleRunning, domain.BattlePatch{
		Status:       &finished,
		WinnerID:     &winner,
		ResultReason: &reason,
		UpdatedAt:    s.now(),
	})
	if errors.Is(err, domain.ErrStaleState) {
		current, getErr := s.battles.GetBattle(ctx, battleID)
		if getErr == nil && current.Status == domain.BattleFinished {
			return s.completePayout(ctx, current)
		}
		return battle, err
	}
	if err != nil {
		return battle, err
	}

	battlesSettled.WithLabelValues(string(reason)).Inc()
	s.log.Info("battle settled", zap.String("battle", battleID), zap.String("winner", winner), zap.String("reason", string(reason)))
	return s.completePayout(ctx, updated)
}

// completePayout credits the escrow of a finished battle and marks it paid. It runs detached
// from ctx's cancellation: once the result is stored the credits must not be abandoned.
func (s *BattleService) completePayout(ctx context.Context, b domain.Battle) (domain.Battle, error) {
	if b.PaidOut {
		return b, nil
	}
	ctx = context.WithoutCancel(ctx)
	if err := s.payout(ctx, b); err != nil {
		return b, fmt.Errorf("payout for battle %s pending: %w", b.ID, err)
	}
	paid := true
	updated, err := s.battles.ConditionalUpdate(ctx, b.ID, domain.BattleFinished, domain.BattlePatch{
		PaidOut:   &paid,
		UpdatedAt: s.now(),
	})
	if err != nil {
		return b, fmt.Errorf("mark battle %s paid: %w", b.ID, err)
	}
	s.notify(ctx, updated)
	return updated, nil
}

func (s *BattleService) payout(ctx context.Context, b domain.Battle) error {
	marker := &domain.LedgerEntry{Key: domain.BattleLedgerKey(b.ID), Mode: domain.ModeStandard}
	if b.ResultReason == domain.ReasonDraw {
		if err := s.credit(ctx, b.ChallengerID, b.Stake, "battle_draw_refund:"+b.ID, marker); err != nil {
			return err
		}
		return s.credit(ctx, b.OpponentID, b.Stake, "battle_draw_refund:"+b.ID, marker)
	}
	return s.credit(ctx, b.WinnerID, 2*b.Stake, "battle_win:"+b.ID, marker)
}

// credit returns escrowed coins, detached from ctx's cancellation. Credits cannot fail on
// balance, so only transport errors are retried. With a marker the credit is written together
// with that ledger entry and a marker already present means the credit was made before.
func (s *BattleService) credit(ctx context.Context, userID string, amount int, reason string, marker *domain.LedgerEntry) error {
	ctx = context.WithoutCancel(ctx)
	delta := domain.UserDelta{CoinsDelta: amount, Reason: reason}
	if marker != nil {
		delta.LedgerUpdates = []domain.LedgerEntry{*marker}
	}
	var err error
	for attempt := 0; attempt < payoutAttempts; attempt++ {
		_, err = s.users.ApplyUserDelta(ctx, userID, delta)
		if err == nil {
			escrowMoves.WithLabelValues("out").Add(float64(amount))
			return nil
		}
		if marker != nil && errors.Is(err, domain.ErrStaleState) {
			return nil
		}
	}
	s.log.Error("escrow credit failed", zap.String("user", userID), zap.Int("amount", amount), zap.String("reason", reason), zap.Error(err))
	return err
}
