package memory

import (
	"context"
	"fmt"
	"sync"

	"geoquest-engine/internal/domain"
)

// BattleStore is an in-memory implementation of app.BattleRepository.
type BattleStore struct {
	mu      sync.RWMutex
	battles map[string]domain.Battle
}

func NewBattleStore() *BattleStore {
	return &BattleStore{battles: make(map[string]domain.Battle)}
}

func (s *BattleStore) CreateBattle(_ context.Context, battle domain.Battle) (domain.Battle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.battles[battle.ID]; exists {
		return domain.Battle{}, fmt.Errorf("battle %s: %w", battle.ID, domain.ErrStaleState)
	}
	s.battles[battle.ID] = battle
	return battle, nil
}

func (s *BattleStore) GetBattle(_ context.Context, battleID string) (domain.Battle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	battle, ok := s.battles[battleID]
	if !ok {
		return domain.Battle{}, domain.ErrBattleNotFound
	}
	return battle, nil
}

func (s *BattleStore) ConditionalUpdate(_ context.Context, battleID string, expected domain.BattleStatus, patch domain.BattlePatch) (domain.Battle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	battle, ok := s.battles[battleID]
	if !ok {
		return domain.Battle{}, domain.ErrBattleNotFound
	}
	if battle.Status != expected {
		return battle, domain.ErrStaleState
	}
	next, err := patch.Apply(battle)
	if err != nil {
		return battle, err
	}
	s.battles[battleID] = next
	return next, nil
}
