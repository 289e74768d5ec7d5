package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// TaskKind is the closed set of interaction styles a task can have.
type TaskKind string

const (
	KindChoice             TaskKind = "choice"
	KindBoolean            TaskKind = "boolean"
	KindFreeText           TaskKind = "freeText"
	KindCoordinate         TaskKind = "coordinate"
	KindDragClassification TaskKind = "dragClassification"
	KindAngleMeasure       TaskKind = "angleMeasure"
	KindSliderTransform    TaskKind = "sliderTransform"
	KindAreaDecomposition  TaskKind = "areaDecomposition"
	KindMultiField         TaskKind = "multiField"
)

// TaskKinds lists every known kind.
var TaskKinds = []TaskKind{
	KindChoice,
	KindBoolean,
	KindFreeText,
	KindCoordinate,
	KindDragClassification,
	KindAngleMeasure,
	KindSliderTransform,
	KindAreaDecomposition,
	KindMultiField,
}

// Valid reports whether k is one of the known kinds.
func (k TaskKind) Valid() bool {
	for _, known := range TaskKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Answer is both the shape of a learner submission and of a task's correct answer.
// Scalar kinds use Text; multi-field tasks use Fields; drag-classification and
// area-decomposition use Mapping (item -> bucket).
type Answer struct {
	Text    string            `json:"text,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
	Mapping map[string]string `json:"mapping,omitempty"`
}

// Task is immutable once its bundle has been generated.
type Task struct {
	ID            string           `json:"id"`
	Kind          TaskKind         `json:"kind"`
	Prompt        string           `json:"prompt,omitempty"`
	CorrectAnswer Answer           `json:"correctAnswer"`
	Validator     *ValidatorConfig `json:"validator,omitempty"`
}

// TaskBundle is the fixed task list a run is played over.
type TaskBundle struct {
	ID     string `json:"id"`
	UnitID string `json:"unitId"`
	Mode   Mode   `json:"mode,omitempty"`
	Tasks  []Task `json:"tasks"`
}

// BundleID names the bundle for a unit played in a mode.
func BundleID(unitID string, mode Mode) string {
	return unitID + ":" + string(mode)
}

// Mode is the reward context a run is played in.
type Mode string

const (
	ModeStandard Mode = "standard"
	ModeHardmode Mode = "hardmode"
	ModePreTask  Mode = "preTask"
	ModeBounty   Mode = "bounty"
)

// Modes lists every reward mode.
var Modes = []Mode{ModeStandard, ModeHardmode, ModePreTask, ModeBounty}

func (m Mode) Valid() bool {
	switch m {
	case ModeStandard, ModeHardmode, ModePreTask, ModeBounty:
		return true
	}
	return false
}

// HighStakes reports whether free-text answers in this mode are judged by the external evaluator.
func (m Mode) HighStakes() bool {
	return m == ModeHardmode || m == ModeBounty
}

// QuestRunSummary is emitted once when a run completes.
type QuestRunSummary struct {
	CorrectCount   int      `json:"correctCount"`
	TotalTasks     int      `json:"totalTasks"`
	Mistakes       int      `json:"mistakes"`
	ElapsedMs      int64    `json:"elapsedMs"`
	CorrectTaskIDs []string `json:"correctTaskIds,omitempty"`
}

// IsPerfectRun is true when the run completed without a single mistake.
func (s QuestRunSummary) IsPerfectRun() bool {
	return s.Mistakes == 0
}

// UserProgressionState is the part of a user record the engine reads and writes.
// Values are treated as immutable snapshots; use Clone before modifying.
type UserProgressionState struct {
	UserID                   string                       `json:"userId"`
	Coins                    int                          `json:"coins"`
	PerfectStandardQuizUnits map[string]struct{}          `json:"-"`
	PerfectBountyUnits       map[string]struct{}          `json:"-"`
	QuestionCoins            map[string]map[Mode]struct{} `json:"-"`
}

// NewUserProgressionState returns an empty state with allocated sets.
func NewUserProgressionState(userID string, coins int) UserProgressionState {
	return UserProgressionState{
		UserID:                   userID,
		Coins:                    coins,
		PerfectStandardQuizUnits: make(map[string]struct{}),
		PerfectBountyUnits:       make(map[string]struct{}),
		QuestionCoins:            make(map[string]map[Mode]struct{}),
	}
}

// Clone deep-copies the state so the copy can be modified independently.
func (s UserProgressionState) Clone() UserProgressionState {
	out := NewUserProgressionState(s.UserID, s.Coins)
	for unit := range s.PerfectStandardQuizUnits {
		out.PerfectStandardQuizUnits[unit] = struct{}{}
	}
	for unit := range s.PerfectBountyUnits {
		out.PerfectBountyUnits[unit] = struct{}{}
	}
	out.QuestionCoins = CloneLedger(s.QuestionCoins)
	return out
}

// HasPerfectStandard reports membership in the standard perfect-run set.
func (s UserProgressionState) HasPerfectStandard(unitID string) bool {
	_, ok := s.PerfectStandardQuizUnits[unitID]
	return ok
}

// HasPerfectBounty reports membership in the bounty perfect-run set.
func (s UserProgressionState) HasPerfectBounty(unitID string) bool {
	_, ok := s.PerfectBountyUnits[unitID]
	return ok
}

// Rewarded reports whether the ledger already holds mode for key.
func (s UserProgressionState) Rewarded(key string, mode Mode) bool {
	modes, ok := s.QuestionCoins[key]
	if !ok {
		return false
	}
	_, ok = modes[mode]
	return ok
}

// LedgerKey is the anti-farming key for a task inside a unit.
func LedgerKey(unitID, taskID string) string {
	return unitID + "|" + taskID
}

// MarkerPrefix starts every ledger id the engine reserves for itself. Unit and task ids may
// not start with it and may not contain the "|" separator, so markers never collide with tasks.
const MarkerPrefix = "#"

// BattleLedgerKey marks that the escrow of a battle was paid back to a user.
func BattleLedgerKey(battleID string) string {
	return MarkerPrefix + "battle|" + battleID
}

// ValidLedgerID reports whether id can be a unit or task id inside a ledger key.
func ValidLedgerID(id string) bool {
	return id != "" && !strings.HasPrefix(id, MarkerPrefix) && !strings.Contains(id, "|")
}

// CloneLedger deep-copies an anti-farming ledger.
func CloneLedger(ledger map[string]map[Mode]struct{}) map[string]map[Mode]struct{} {
	out := make(map[string]map[Mode]struct{}, len(ledger))
	for key, modes := range ledger {
		set := make(map[Mode]struct{}, len(modes))
		for m := range modes {
			set[m] = struct{}{}
		}
		out[key] = set
	}
	return out
}

// LedgerEntry is one (key, mode) pair of the anti-farming ledger.
type LedgerEntry struct {
	Key  string `json:"key"`
	Mode Mode   `json:"mode"`
}

// UserDelta is applied atomically to a single user record.
// LedgerUpdates must all be absent from the stored ledger and LedgerRemovals must all be
// present, otherwise the whole delta is rejected.
type UserDelta struct {
	CoinsDelta         int
	LedgerUpdates      []LedgerEntry
	LedgerRemovals     []LedgerEntry
	AddPerfectStandard []string
	AddPerfectBounty   []string
	Reason             string
}

// Empty reports whether applying the delta would change nothing.
func (d UserDelta) Empty() bool {
	return d.CoinsDelta == 0 && len(d.LedgerUpdates) == 0 && len(d.LedgerRemovals) == 0 &&
		len(d.AddPerfectStandard) == 0 && len(d.AddPerfectBounty) == 0
}

// ApplyTo returns the state after the delta, or an error when the delta cannot apply.
// Stores share it so every backend enforces identical rules.
func (d UserDelta) ApplyTo(state UserProgressionState) (UserProgressionState, error) {
	if state.Coins+d.CoinsDelta < 0 {
		return state, ErrInsufficientFunds
	}
	for _, entry := range d.LedgerUpdates {
		if state.Rewarded(entry.Key, entry.Mode) {
			return state, ErrStaleState
		}
	}
	for _, entry := range d.LedgerRemovals {
		if !state.Rewarded(entry.Key, entry.Mode) {
			return state, ErrStaleState
		}
	}
	next := state.Clone()
	next.Coins += d.CoinsDelta
	for _, entry := range d.LedgerRemovals {
		delete(next.QuestionCoins[entry.Key], entry.Mode)
		if len(next.QuestionCoins[entry.Key]) == 0 {
			delete(next.QuestionCoins, entry.Key)
		}
	}
	for _, entry := range d.LedgerUpdates {
		modes, ok := next.QuestionCoins[entry.Key]
		if !ok {
			modes = make(map[Mode]struct{})
			next.QuestionCoins[entry.Key] = modes
		}
		modes[entry.Mode] = struct{}{}
	}
	for _, unit := range d.AddPerfectStandard {
		next.PerfectStandardQuizUnits[unit] = struct{}{}
	}
	for _, unit := range d.AddPerfectBounty {
		next.PerfectBountyUnits[unit] = struct{}{}
	}
	return next, nil
}

// SortedUnits returns the members of a unit set in a stable order.
func SortedUnits(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for unit := range set {
		out = append(out, unit)
	}
	sort.Strings(out)
	return out
}

// TileState is derived from the two perfect-run sets and is never stored.
type TileState string

const (
	TileLocked        TileState = "locked"
	TileGoldUnlocked  TileState = "goldUnlocked"
	TileBountyCleared TileState = "bountyCleared"
)

// BattleStatus moves pending -> running -> finished.
type BattleStatus string

const (
	BattlePending  BattleStatus = "pending"
	BattleRunning  BattleStatus = "running"
	BattleFinished BattleStatus = "finished"
)

// ResultReason explains how a finished battle was decided.
type ResultReason string

const (
	ReasonScore ResultReason = "score"
	ReasonTime  ResultReason = "time"
	ReasonDraw  ResultReason = "draw"
)

// Battle is one wagered match between two learners over a shared bundle.
type Battle struct {
	ID                string           `json:"id"`
	ChallengerID      string           `json:"challengerId"`
	OpponentID        string           `json:"opponentId,omitempty"`
	Stake             int              `json:"stake"`
	RoundCount        int              `json:"roundCount"`
	TaskBundle        TaskBundle       `json:"taskBundle"`
	Status            BattleStatus     `json:"status"`
	ChallengerSummary *QuestRunSummary `json:"challengerSummary,omitempty"`
	OpponentSummary   *QuestRunSummary `json:"opponentSummary,omitempty"`
	Turns             []BattleTurn     `json:"turns,omitempty"`
	StartedBy         []string         `json:"startedBy,omitempty"`
	WinnerID          string           `json:"winnerId,omitempty"`
	ResultReason      ResultReason     `json:"resultReason,omitempty"`
	PaidOut           bool             `json:"paidOut,omitempty"`
	CreatedAt         time.Time        `json:"createdAt"`
	UpdatedAt         time.Time        `json:"updatedAt"`
}

// IsParticipant reports whether playerID is one of the two sides.
func (b Battle) IsParticipant(playerID string) bool {
	return playerID != "" && (playerID == b.ChallengerID || playerID == b.OpponentID)
}

// SummaryFor returns the recorded summary slot for playerID.
func (b Battle) SummaryFor(playerID string) *QuestRunSummary {
	switch playerID {
	case b.ChallengerID:
		return b.ChallengerSummary
	case b.OpponentID:
		return b.OpponentSummary
	}
	return nil
}

// HasStarted reports whether playerID has already begun their turn.
func (b Battle) HasStarted(playerID string) bool {
	for _, id := range b.StartedBy {
		if id == playerID {
			return true
		}
	}
	return false
}

// BothSubmitted is true once both sides have a recorded turn.
func (b Battle) BothSubmitted() bool {
	return b.ChallengerSummary != nil && b.OpponentSummary != nil
}

// BattleTurn is one side's immutable submission.
type BattleTurn struct {
	BattleID    string          `json:"battleId"`
	PlayerID    string          `json:"playerId"`
	Summary     QuestRunSummary `json:"summary"`
	SubmittedAt time.Time       `json:"submittedAt"`
}

// BattlePatch describes a conditional change to a battle.
// A non-nil Turn fills the submitting player's summary slot and must find it empty.
// A non-nil StartedBy marks that player's turn as begun; each side can start once.
type BattlePatch struct {
	Status       *BattleStatus
	OpponentID   *string
	StartedBy    *string
	Turn         *BattleTurn
	WinnerID     *string
	ResultReason *ResultReason
	PaidOut      *bool
	UpdatedAt    time.Time
}

// Apply returns the battle after the patch, enforcing slot and participant rules.
// The caller has already checked the expected status.
func (p BattlePatch) Apply(b Battle) (Battle, error) {
	next := b
	next.Turns = append([]BattleTurn(nil), b.Turns...)
	next.StartedBy = append([]string(nil), b.StartedBy...)
	if p.OpponentID != nil {
		if next.OpponentID != "" {
			return b, ErrStaleState
		}
		next.OpponentID = *p.OpponentID
	}
	if p.StartedBy != nil {
		player := *p.StartedBy
		if !next.IsParticipant(player) {
			return b, ErrNotParticipant
		}
		if next.HasStarted(player) || next.SummaryFor(player) != nil {
			return b, ErrDuplicateTurn
		}
		next.StartedBy = append(next.StartedBy, player)
	}
	if p.Turn != nil {
		summary := p.Turn.Summary
		switch p.Turn.PlayerID {
		case next.ChallengerID:
			if next.ChallengerSummary != nil {
				return b, ErrDuplicateTurn
			}
			next.ChallengerSummary = &summary
		case next.OpponentID:
			if next.OpponentSummary != nil {
				return b, ErrDuplicateTurn
			}
			next.OpponentSummary = &summary
		default:
			return b, ErrNotParticipant
		}
		next.Turns = append(next.Turns, *p.Turn)
	}
	if p.Status != nil {
		next.Status = *p.Status
	}
	if p.WinnerID != nil {
		next.WinnerID = *p.WinnerID
	}
	if p.ResultReason != nil {
		next.ResultReason = *p.ResultReason
	}
	if p.PaidOut != nil {
		next.PaidOut = *p.PaidOut
	}
	if !p.UpdatedAt.IsZero() {
		next.UpdatedAt = p.UpdatedAt
	}
	return next, nil
}

// Check verifies a bundle is playable: at least one task, unique non-empty ids usable in
// ledger keys, known kinds and well-formed validator configs.
func (b TaskBundle) Check() error {
	if len(b.Tasks) == 0 {
		return fmt.Errorf("%w: no tasks", ErrInvalidBundle)
	}
	if b.UnitID != "" && !ValidLedgerID(b.UnitID) {
		return fmt.Errorf("%w: unit id %q may not contain %q or start with %q", ErrInvalidBundle, b.UnitID, "|", MarkerPrefix)
	}
	seen := make(map[string]struct{}, len(b.Tasks))
	for i, t := range b.Tasks {
		if t.ID == "" {
			return fmt.Errorf("%w: task %d has no id", ErrInvalidBundle, i)
		}
		if !ValidLedgerID(t.ID) {
			return fmt.Errorf("%w: task id %q may not contain %q or start with %q", ErrInvalidBundle, t.ID, "|", MarkerPrefix)
		}
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("%w: duplicate task id %s", ErrInvalidBundle, t.ID)
		}
		seen[t.ID] = struct{}{}
		if !t.Kind.Valid() {
			return fmt.Errorf("%w: task %s has unknown kind %q", ErrInvalidBundle, t.ID, t.Kind)
		}
		if t.Validator != nil {
			if err := t.Validator.Check(); err != nil {
				return fmt.Errorf("%w: task %s: %v", ErrInvalidBundle, t.ID, err)
			}
		}
	}
	return nil
}
