package app

import (
	"context"

	"geoquest-engine/internal/domain"
)

// UserRepository abstracts where progression state lives (in-memory, Redis, Postgres).
type UserRepository interface {
	// EnsureUser creates the user with startingCoins if it does not exist yet.
	EnsureUser(ctx context.Context, userID string, startingCoins int) (domain.UserProgressionState, error)
	GetUser(ctx context.Context, userID string) (domain.UserProgressionState, error)
	// ApplyUserDelta applies the delta atomically. It fails with domain.ErrInsufficientFunds when
	// coins would go negative and with domain.ErrStaleState when a ledger entry already exists;
	// in both cases nothing is written.
	ApplyUserDelta(ctx context.Context, userID string, delta domain.UserDelta) (domain.UserProgressionState, error)
}

// BattleRepository persists battles behind a compare-and-swap on status.
type BattleRepository interface {
	CreateBattle(ctx context.Context, battle domain.Battle) (domain.Battle, error)
	GetBattle(ctx context.Context, battleID string) (domain.Battle, error)
	// ConditionalUpdate applies patch only if the stored status equals expected, otherwise
	// domain.ErrStaleState. A patch turn for an already filled slot fails with domain.ErrDuplicateTurn.
	ConditionalUpdate(ctx context.Context, battleID string, expected domain.BattleStatus, patch domain.BattlePatch) (domain.Battle, error)
}

// BundleRepository loads task bundles (from cache/backing store).
type BundleRepository interface {
	GetBundle(ctx context.Context, bundleID string) (domain.TaskBundle, error)
}

// FieldSpec describes one expected sub-field for the evaluator.
type FieldSpec struct {
	Field    string `json:"field"`
	Expected string `json:"expected"`
}

// EvaluationRequest is what the external free-text evaluator is asked to judge.
type EvaluationRequest struct {
	Question      string      `json:"question"`
	Submitted     string      `json:"submittedAnswer"`
	CorrectAnswer string      `json:"correctAnswer"`
	FieldSpecs    []FieldSpec `json:"fieldSpecs,omitempty"`
}

// Verdict is the evaluator's judgement.
type Verdict struct {
	IsFullyCorrect   bool            `json:"isFullyCorrect"`
	PerFieldVerdicts map[string]bool `json:"perFieldVerdicts,omitempty"`
	Feedback         string          `json:"feedback,omitempty"`
}

// Evaluator judges free-text answers out of process. It may fail or time out.
type Evaluator interface {
	Evaluate(ctx context.Context, req EvaluationRequest) (Verdict, error)
}

// FeeSchedule maps a unit's bounty value to the entry fee charged when a bounty attempt starts.
type FeeSchedule interface {
	EntryFee(bountyValue int) int
}

// UnitCatalog knows each unit's bounty value.
type UnitCatalog interface {
	BountyValue(unitID string) (int, bool)
}

// RewardSchedule gives the coins one correctly answered task earns in a mode.
type RewardSchedule interface {
	PerTask(mode domain.Mode) int
}
