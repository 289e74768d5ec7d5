package redis

import (
	"context"
	"encoding/json"
	"errors"

	"geoquest-engine/internal/domain"
	"github.com/redis/go-redis/v9"
)

// userRecord is the JSON stored under user:{id}.
type userRecord struct {
	Coins           int                      `json:"coins"`
	PerfectStandard []string                 `json:"perfectStandard,omitempty"`
	PerfectBounty   []string                 `json:"perfectBounty,omitempty"`
	QuestionCoins   map[string][]domain.Mode `json:"questionCoins,omitempty"`
}

func toRecord(state domain.UserProgressionState) userRecord {
	rec := userRecord{
		Coins:           state.Coins,
		PerfectStandard: domain.SortedUnits(state.PerfectStandardQuizUnits),
		PerfectBounty:   domain.SortedUnits(state.PerfectBountyUnits),
		QuestionCoins:   make(map[string][]domain.Mode, len(state.QuestionCoins)),
	}
	for key, modes := range state.QuestionCoins {
		for _, m := range domain.Modes {
			if _, ok := modes[m]; ok {
				rec.QuestionCoins[key] = append(rec.QuestionCoins[key], m)
			}
		}
	}
	return rec
}

func (r userRecord) toState(userID string) domain.UserProgressionState {
	state := domain.NewUserProgressionState(userID, r.Coins)
	for _, unit := range r.PerfectStandard {
		state.PerfectStandardQuizUnits[unit] = struct{}{}
	}
	for _, unit := range r.PerfectBounty {
		state.PerfectBountyUnits[unit] = struct{}{}
	}
	for key, modes := range r.QuestionCoins {
		set := make(map[domain.Mode]struct{}, len(modes))
		for _, m := range modes {
			set[m] = struct{}{}
		}
		state.QuestionCoins[key] = set
	}
	return state
}

// UserStore keeps progression state in Redis. Every delta is an optimistic WATCH/MULTI
// transaction on the user's key, so concurrent instances never lose an update.
type UserStore struct {
	client *redis.Client
}

func NewUserStore(client *redis.Client) *UserStore {
	return &UserStore{client: client}
}

func (s *UserStore) key(userID string) string {
	return "user:" + userID
}

func (s *UserStore) EnsureUser(ctx context.Context, userID string, startingCoins int) (domain.UserProgressionState, error) {
	if userID == "" {
		return domain.UserProgressionState{}, domain.ErrInvalidArgument
	}
	if startingCoins < 0 {
		startingCoins = 0
	}
	raw, err := json.Marshal(toRecord(domain.NewUserProgressionState(userID, startingCoins)))
	if err != nil {
		return domain.UserProgressionState{}, err
	}
	if err := s.client.SetNX(ctx, s.key(userID), raw, 0).Err(); err != nil {
		return domain.UserProgressionState{}, err
	}
	return s.GetUser(ctx, userID)
}

func (s *UserStore) GetUser(ctx context.Context, userID string) (domain.UserProgressionState, error) {
	return s.load(ctx, s.client, userID)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *UserStore) load(ctx context.Context, c getter, userID string) (domain.UserProgressionState, error) {
	raw, err := c.Get(ctx, s.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.UserProgressionState{}, domain.ErrUserNotFound
	}
	if err != nil {
		return domain.UserProgressionState{}, err
	}
	var rec userRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.UserProgressionState{}, err
	}
	return rec.toState(userID), nil
}

func (s *UserStore) ApplyUserDelta(ctx context.Context, userID string, delta domain.UserDelta) (domain.UserProgressionState, error) {
	key := s.key(userID)
	var out domain.UserProgressionState
	err := watchRetry(ctx, s.client, key, func(tx *redis.Tx) error {
		state, err := s.load(ctx, tx, userID)
		if err != nil {
			return err
		}
		next, err := delta.ApplyTo(state)
		if err != nil {
			out = state
			return err
		}
		raw, err := json.Marshal(toRecord(next))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			return nil
		})
		if err == nil {
			out = next
		}
		return err
	})
	return out, err
}
