package memory

import (
	"context"
	"sync"

	"geoquest-engine/internal/domain"
)

// UserStore is an in-memory implementation of app.UserRepository. A single mutex makes
// every delta atomic, which is all a single instance needs.
type UserStore struct {
	mu    sync.Mutex
	users map[string]domain.UserProgressionState
}

func NewUserStore() *UserStore {
	return &UserStore{users: make(map[string]domain.UserProgressionState)}
}

func (s *UserStore) EnsureUser(_ context.Context, userID string, startingCoins int) (domain.UserProgressionState, error) {
	if userID == "" {
		return domain.UserProgressionState{}, domain.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.users[userID]; ok {
		return state.Clone(), nil
	}
	if startingCoins < 0 {
		startingCoins = 0
	}
	state := domain.NewUserProgressionState(userID, startingCoins)
	s.users[userID] = state
	return state.Clone(), nil
}

func (s *UserStore) GetUser(_ context.Context, userID string) (domain.UserProgressionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.users[userID]
	if !ok {
		return domain.UserProgressionState{}, domain.ErrUserNotFound
	}
	return state.Clone(), nil
}

func (s *UserStore) ApplyUserDelta(_ context.Context, userID string, delta domain.UserDelta) (domain.UserProgressionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.users[userID]
	if !ok {
		return domain.UserProgressionState{}, domain.ErrUserNotFound
	}
	next, err := delta.ApplyTo(state)
	if err != nil {
		return state.Clone(), err
	}
	s.users[userID] = next
	return next.Clone(), nil
}
