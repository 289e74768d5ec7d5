package app

import (
	"context"
	"errors"
	"fmt"

	"geoquest-engine/internal/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	maxDeltaRetries = 5
	bountyClearTask = domain.MarkerPrefix + "bounty"
	bountyTicket    = domain.MarkerPrefix + "ticket"
)

// TileStateOf derives a unit's tile state from the two perfect-run sets.
func TileStateOf(state domain.UserProgressionState, unitID string) domain.TileState {
	switch {
	case state.HasPerfectBounty(unitID) && state.HasPerfectStandard(unitID):
		return domain.TileBountyCleared
	case state.HasPerfectStandard(unitID):
		return domain.TileGoldUnlocked
	default:
		return domain.TileLocked
	}
}

// Transition records a tile state change caused by one completion.
type Transition struct {
	From domain.TileState `json:"from"`
	To   domain.TileState `json:"to"`
}

// Changed reports whether the tile moved.
func (t Transition) Changed() bool {
	return t.From != t.To
}

// ApplyQuestCompletion returns the state after a completed run of unitID in mode.
// Only perfect runs move a tile, and only forward: a perfect standard run unlocks gold, a perfect
// bounty run on a gold tile clears the bounty. A bounty summary for a locked tile is rejected with
// domain.ErrInvalidTransition and the state is returned unchanged.
func ApplyQuestCompletion(state domain.UserProgressionState, unitID string, mode domain.Mode, summary domain.QuestRunSummary) (domain.UserProgressionState, Transition, error) {
	from := TileStateOf(state, unitID)
	tr := Transition{From: from, To: from}

	if mode == domain.ModeBounty && from == domain.TileLocked {
		return state, tr, fmt.Errorf("%w: bounty on locked unit %s", domain.ErrInvalidTransition, unitID)
	}
	if !summary.IsPerfectRun() || summary.TotalTasks == 0 {
		return state, tr, nil
	}

	switch mode {
	case domain.ModeStandard:
		if state.HasPerfectStandard(unitID) {
			return state, tr, nil
		}
		next := state.Clone()
		next.PerfectStandardQuizUnits[unitID] = struct{}{}
		tr.To = TileStateOf(next, unitID)
		return next, tr, nil
	case domain.ModeBounty:
		if state.HasPerfectBounty(unitID) {
			return state, tr, nil
		}
		next := state.Clone()
		next.PerfectBountyUnits[unitID] = struct{}{}
		tr.To = TileStateOf(next, unitID)
		return next, tr, nil
	default:
		return state, tr, nil
	}
}

// CompletionResult is what a learner gets back after finishing a run.
type CompletionResult struct {
	Summary     domain.QuestRunSummary `json:"summary"`
	Award       AwardResult            `json:"award"`
	BountyBonus int                    `json:"bountyBonus,omitempty"`
	Transition  Transition             `json:"transition"`
	Tile        domain.TileState       `json:"tile"`
	Coins       int                    `json:"coins"`
}

// BountyAttempt is returned by StartBounty.
type BountyAttempt struct {
	UnitID string `json:"unitId"`
	Fee    int    `json:"fee"`
	Coins  int    `json:"coins"`
}

// ProgressionService applies solo quest completions and bounty entry to user state.
type ProgressionService struct {
	users   UserRepository
	rewards RewardSchedule
	fees    FeeSchedule
	units   UnitCatalog
	log     *zap.Logger
}

func NewProgressionService(users UserRepository, rewards RewardSchedule, fees FeeSchedule, units UnitCatalog, logger *zap.Logger) *ProgressionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressionService{
		users:   users,
		rewards: rewards,
		fees:    fees,
		units:   units,
		log:     logger,
	}
}

// UserOverview is a user's balance and the tile state of the requested units.
type UserOverview struct {
	UserID string                      `json:"userId"`
	Coins  int                         `json:"coins"`
	Tiles  map[string]domain.TileState `json:"tiles"`
}

// Overview returns the balance and tile states for a user.
func (s *ProgressionService) Overview(ctx context.Context, userID string, unitIDs []string) (UserOverview, error) {
	state, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return UserOverview{}, err
	}
	out := UserOverview{UserID: userID, Coins: state.Coins, Tiles: make(map[string]domain.TileState, len(unitIDs))}
	for _, unit := range unitIDs {
		out.Tiles[unit] = TileStateOf(state, unit)
	}
	return out, nil
}

// StartBounty charges the entry fee for a bounty attempt. The fee is only taken when the
// balance covers it. A locked unit is rejected after the fee is charged, because the fee prices
// the attempt itself. On an unlocked unit the fee buys a ticket stored in the user's ledger,
// written in the same delta as the debit; only one unused ticket per unit can be held.
func (s *ProgressionService) StartBounty(ctx context.Context, userID, unitID string) (BountyAttempt, error) {
	ctx, span := tracer.Start(ctx, "ProgressionService.StartBounty")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID), attribute.String("unit.id", unitID))

	value, ok := s.units.BountyValue(unitID)
	if !ok {
		return BountyAttempt{}, fmt.Errorf("%w: unit %s has no bounty", domain.ErrInvalidArgument, unitID)
	}
	fee := s.fees.EntryFee(value)
	if fee < 0 {
		fee = 0
	}

	current, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return BountyAttempt{}, err
	}
	// Tiles only move forward, so a unit seen unlocked here stays unlocked.
	locked := TileStateOf(current, unitID) == domain.TileLocked
	delta := domain.UserDelta{CoinsDelta: -fee, Reason: "bounty_fee:" + unitID}
	if !locked {
		delta.LedgerUpdates = []domain.LedgerEntry{ticketEntry(unitID)}
	}

	state := current
	if !delta.Empty() {
		state, err = s.users.ApplyUserDelta(ctx, userID, delta)
		if errors.Is(err, domain.ErrStaleState) {
			return BountyAttempt{UnitID: unitID, Coins: state.Coins}, fmt.Errorf("%w: a bounty attempt for %s is already paid", domain.ErrInvalidTransition, unitID)
		}
		if err != nil {
			return BountyAttempt{}, err
		}
	}
	attempt := BountyAttempt{UnitID: unitID, Fee: fee, Coins: state.Coins}

	if locked {
		s.log.Info("bounty rejected on locked unit", zap.String("user", userID), zap.String("unit", unitID), zap.Int("fee", fee))
		return attempt, fmt.Errorf("%w: unit %s is locked", domain.ErrInvalidTransition, unitID)
	}
	return attempt, nil
}

// ConsumeBountyTicket reports whether a paid bounty attempt is waiting for userID on unitID and
// uses it up. Two concurrent calls cannot both consume the same ticket.
func (s *ProgressionService) ConsumeBountyTicket(ctx context.Context, userID, unitID string) (bool, error) {
	_, err := s.users.ApplyUserDelta(ctx, userID, domain.UserDelta{
		LedgerRemovals: []domain.LedgerEntry{ticketEntry(unitID)},
		Reason:         "bounty_ticket:" + unitID,
	})
	if errors.Is(err, domain.ErrStaleState) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func ticketEntry(unitID string) domain.LedgerEntry {
	return domain.LedgerEntry{Key: domain.LedgerKey(unitID, bountyTicket), Mode: domain.ModeBounty}
}

// CompleteQuest applies a finished run: coin award through the anti-farming ledger and the tile
// transition, persisted as one conditional delta. A concurrent writer makes the delta stale; the
// state is then re-read and the award recomputed.
func (s *ProgressionService) CompleteQuest(ctx context.Context, userID, unitID string, mode domain.Mode, summary domain.QuestRunSummary) (CompletionResult, error) {
	ctx, span := tracer.Start(ctx, "ProgressionService.CompleteQuest")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID), attribute.String("unit.id", unitID), attribute.String("mode", string(mode)))

	if !mode.Valid() {
		return CompletionResult{}, fmt.Errorf("%w: unknown mode %q", domain.ErrInvalidArgument, mode)
	}

	for attempt := 0; attempt < maxDeltaRetries; attempt++ {
		state, err := s.users.GetUser(ctx, userID)
		if err != nil {
			return CompletionResult{}, err
		}

		next, tr, err := ApplyQuestCompletion(state, unitID, mode, summary)
		if err != nil {
			return CompletionResult{}, err
		}
		award := AwardCoins(summary, unitID, mode, state.QuestionCoins, s.rewards.PerTask(mode))

		delta := domain.UserDelta{
			CoinsDelta:    award.Delta,
			LedgerUpdates: award.NewEntries,
			Reason:        "quest:" + string(mode) + ":" + unitID,
		}
		if !state.HasPerfectStandard(unitID) && next.HasPerfectStandard(unitID) {
			delta.AddPerfectStandard = []string{unitID}
		}
		bonus := 0
		if !state.HasPerfectBounty(unitID) && next.HasPerfectBounty(unitID) {
			delta.AddPerfectBounty = []string{unitID}
			// The clear marker in the ledger makes the one-time bonus conditional like every other reward.
			if value, ok := s.units.BountyValue(unitID); ok && value > 0 {
				bonus = value
				delta.CoinsDelta += value
				delta.LedgerUpdates = append(delta.LedgerUpdates, domain.LedgerEntry{Key: domain.LedgerKey(unitID, bountyClearTask), Mode: domain.ModeBounty})
			}
		}

		updated := state
		if !delta.Empty() {
			updated, err = s.users.ApplyUserDelta(ctx, userID, delta)
			if errors.Is(err, domain.ErrStaleState) {
				s.log.Debug("completion raced, retrying", zap.String("user", userID), zap.Int("attempt", attempt))
				continue
			}
			if err != nil {
				return CompletionResult{}, err
			}
		}

		if delta.CoinsDelta > 0 {
			coinsAwarded.WithLabelValues(string(mode)).Add(float64(delta.CoinsDelta))
		}
		if tr.Changed() {
			tileTransitions.WithLabelValues(string(tr.To)).Inc()
			s.log.Info("tile advanced", zap.String("user", userID), zap.String("unit", unitID), zap.String("from", string(tr.From)), zap.String("to", string(tr.To)))
		}
		return CompletionResult{
			Summary:     summary,
			Award:       award,
			BountyBonus: bonus,
			Transition:  tr,
			Tile:        TileStateOf(updated, unitID),
			Coins:       updated.Coins,
		}, nil
	}
	return CompletionResult{}, fmt.Errorf("complete quest for %s: %w", userID, domain.ErrStaleState)
}
