package domain

import "errors"

var (
	// ErrUserNotFound is returned when a user record does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrBattleNotFound is returned when a battle id is unknown.
	ErrBattleNotFound = errors.New("battle not found")
	// ErrBundleNotFound indicates the task bundle could not be loaded.
	ErrBundleNotFound = errors.New("task bundle not found")
	// ErrInvalidBundle indicates a bundle failed schema or validator checks.
	ErrInvalidBundle = errors.New("invalid task bundle")
	// ErrInvalidArgument covers malformed requests (bad stake, unknown mode, empty ids).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInsufficientFunds is returned before any debit when a balance cannot cover a stake or fee.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrStaleState means a conditional update found the record had already moved on.
	ErrStaleState = errors.New("already processed")
	// ErrDuplicateTurn is returned when a player submits a second turn for the same battle.
	ErrDuplicateTurn = errors.New("turn already submitted")
	// ErrInvalidTransition is returned for a state machine step that is not allowed from the current state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrNotParticipant is returned when a player acts on a battle they are not part of.
	ErrNotParticipant = errors.New("player is not a participant of this battle")
	// ErrSelfChallenge is returned when the challenger tries to accept their own battle.
	ErrSelfChallenge = errors.New("cannot accept own battle")

	// ErrEvaluatorUnavailable is returned when the free-text evaluator failed or answered garbage.
	// The attempt counts as a mistake and the learner may retry the same task.
	ErrEvaluatorUnavailable = errors.New("answer evaluator unavailable")
	// ErrTaskOutOfOrder is returned when a submission names a task other than the current one.
	ErrTaskOutOfOrder = errors.New("task is not the current task")
	// ErrRunCompleted is returned when answering after the last task.
	ErrRunCompleted = errors.New("quest run already completed")
	// ErrRateLimited is returned when a connection submits answers faster than allowed.
	ErrRateLimited = errors.New("too many requests")
)

// Code is a machine-readable error code sent to clients.
type Code string

const (
	CodeUnknown              Code = "E_INTERNAL"
	CodeNotFound             Code = "E_NOT_FOUND"
	CodeBadRequest           Code = "E_BAD_REQUEST"
	CodeInsufficientFunds    Code = "E_INSUFFICIENT_FUNDS"
	CodeStale                Code = "E_STALE"
	CodeInvalidTransition    Code = "E_INVALID_TRANSITION"
	CodeNoPermission         Code = "E_NO_PERMISSION"
	CodeEvaluatorUnavailable Code = "E_EVALUATOR_UNAVAILABLE"
	CodeRateLimit            Code = "E_RATE_LIMIT"
)

var codes = []struct {
	err  error
	code Code
}{
	{ErrUserNotFound, CodeNotFound},
	{ErrBattleNotFound, CodeNotFound},
	{ErrBundleNotFound, CodeNotFound},
	{ErrInvalidBundle, CodeBadRequest},
	{ErrInvalidArgument, CodeBadRequest},
	{ErrTaskOutOfOrder, CodeBadRequest},
	{ErrRunCompleted, CodeBadRequest},
	{ErrInsufficientFunds, CodeInsufficientFunds},
	{ErrStaleState, CodeStale},
	{ErrDuplicateTurn, CodeStale},
	{ErrInvalidTransition, CodeInvalidTransition},
	{ErrNotParticipant, CodeNoPermission},
	{ErrSelfChallenge, CodeNoPermission},
	{ErrEvaluatorUnavailable, CodeEvaluatorUnavailable},
	{ErrRateLimited, CodeRateLimit},
}

// CodeOf maps an error chain to its wire code.
func CodeOf(err error) Code {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeUnknown
}

// Retryable reports whether the caller may repeat the same request.
func Retryable(err error) bool {
	return errors.Is(err, ErrEvaluatorUnavailable) || errors.Is(err, ErrRateLimited)
}
