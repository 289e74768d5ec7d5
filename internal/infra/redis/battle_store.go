package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"geoquest-engine/internal/domain"
	"github.com/redis/go-redis/v9"
)

// BattleStore keeps battles as JSON under battle:{id}; status changes are WATCH/MULTI
// compare-and-swap transactions.
type BattleStore struct {
	client *redis.Client
}

func NewBattleStore(client *redis.Client) *BattleStore {
	return &BattleStore{client: client}
}

func (s *BattleStore) key(battleID string) string {
	return "battle:" + battleID
}

func (s *BattleStore) CreateBattle(ctx context.Context, battle domain.Battle) (domain.Battle, error) {
	raw, err := json.Marshal(battle)
	if err != nil {
		return domain.Battle{}, err
	}
	created, err := s.client.SetNX(ctx, s.key(battle.ID), raw, 0).Result()
	if err != nil {
		return domain.Battle{}, err
	}
	if !created {
		return domain.Battle{}, fmt.Errorf("battle %s: %w", battle.ID, domain.ErrStaleState)
	}
	return battle, nil
}

func (s *BattleStore) GetBattle(ctx context.Context, battleID string) (domain.Battle, error) {
	return s.load(ctx, s.client, battleID)
}

func (s *BattleStore) load(ctx context.Context, c getter, battleID string) (domain.Battle, error) {
	raw, err := c.Get(ctx, s.key(battleID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Battle{}, domain.ErrBattleNotFound
	}
	if err != nil {
		return domain.Battle{}, err
	}
	var battle domain.Battle
	if err := json.Unmarshal(raw, &battle); err != nil {
		return domain.Battle{}, err
	}
	return battle, nil
}

func (s *BattleStore) ConditionalUpdate(ctx context.Context, battleID string, expected domain.BattleStatus, patch domain.BattlePatch) (domain.Battle, error) {
	key := s.key(battleID)
	var out domain.Battle
	err := watchRetry(ctx, s.client, key, func(tx *redis.Tx) error {
		battle, err := s.load(ctx, tx, battleID)
		if err != nil {
			return err
		}
		out = battle
		if battle.Status != expected {
			return domain.ErrStaleState
		}
		next, err := patch.Apply(battle)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(next)
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
