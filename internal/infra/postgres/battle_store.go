package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"geoquest-engine/internal/domain"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// BattleStore keeps the full battle as JSONB next to the columns the compare-and-swap needs.
// Turns are also written to battle_turns, whose primary key rejects a second turn per player.
type BattleStore struct {
	pool *pgxpool.Pool
}

func NewBattleStore(pool *pgxpool.Pool) *BattleStore {
	return &BattleStore{pool: pool}
}

func (s *BattleStore) CreateBattle(ctx context.Context, battle domain.Battle) (domain.Battle, error) {
	raw, err := json.Marshal(battle)
	if err != nil {
		return domain.Battle{}, err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO battles (id, challenger_id, stake, status, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, battle.ID, battle.ChallengerID, battle.Stake, string(battle.Status), raw, battle.CreatedAt, battle.UpdatedAt)
	if err != nil {
		return domain.Battle{}, fmt.Errorf("insert battle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Battle{}, fmt.Errorf("battle %s: %w", battle.ID, domain.ErrStaleState)
	}
	return battle, nil
}

func (s *BattleStore) GetBattle(ctx context.Context, battleID string) (domain.Battle, error) {
	return loadBattle(ctx, s.pool, battleID, false)
}

func loadBattle(ctx context.Context, q querier, battleID string, forUpdate bool) (domain.Battle, error) {
	query := `SELECT data FROM battles WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var raw []byte
	if err := q.QueryRow(ctx, query, battleID).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Battle{}, domain.ErrBattleNotFound
		}
		return domain.Battle{}, fmt.Errorf("load battle: %w", err)
	}
	var battle domain.Battle
	if err := json.Unmarshal(raw, &battle); err != nil {
		return domain.Battle{}, fmt.Errorf("unmarshal battle: %w", err)
	}
	return battle, nil
}

func (s *BattleStore) ConditionalUpdate(ctx context.Context, battleID string, expected domain.BattleStatus, patch domain.BattlePatch) (domain.Battle, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Battle{}, err
	}
	defer tx.Rollback(ctx)

	battle, err := loadBattle(ctx, tx, battleID, true)
	if err != nil {
		return domain.Battle{}, err
	}
	if battle.Status != expected {
		return battle, domain.ErrStaleState
	}
	next, err := patch.Apply(battle)
	if err != nil {
		return battle, err
	}

	if patch.Turn != nil {
		summary, err := json.Marshal(patch.Turn.Summary)
		if err != nil {
			return battle, err
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO battle_turns (battle_id, player_id, summary, submitted_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT DO NOTHING
		`, battleID, patch.Turn.PlayerID, summary, patch.Turn.SubmittedAt)
		if err != nil {
			return battle, fmt.Errorf("insert turn: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return battle, domain.ErrDuplicateTurn
		}
	}

	raw, err := json.Marshal(next)
	if err != nil {
		return battle, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE battles
		SET status = $2,
			opponent_id = NULLIF($3, ''),
			data = $4,
			updated_at = $5
		WHERE id = $1 AND status = $6
	`, battleID, string(next.Status), next.OpponentID, raw, next.UpdatedAt, string(expected)); err != nil {
		return battle, fmt.Errorf("update battle: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return battle, err
	}
	return next, nil
}
