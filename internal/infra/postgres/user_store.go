package postgres

import (
	"context"
	"errors"
	"fmt"

	"geoquest-engine/internal/domain"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

const (
	progressPerfectStandard = "perfectStandard"
	progressPerfectBounty   = "perfectBounty"
)

// UserStore persists progression state. Each delta runs in one transaction that locks the
// user row, so the balance check, the ledger check and the writes see the same state.
type UserStore struct {
	pool *pgxpool.Pool
}

func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

func (s *UserStore) EnsureUser(ctx context.Context, userID string, startingCoins int) (domain.UserProgressionState, error) {
	if userID == "" {
		return domain.UserProgressionState{}, domain.ErrInvalidArgument
	}
	if startingCoins < 0 {
		startingCoins = 0
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, coins) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, userID, startingCoins); err != nil {
		return domain.UserProgressionState{}, fmt.Errorf("ensure user: %w", err)
	}
	return s.GetUser(ctx, userID)
}

func (s *UserStore) GetUser(ctx context.Context, userID string) (domain.UserProgressionState, error) {
	return loadUser(ctx, s.pool, userID, false)
}

func loadUser(ctx context.Context, q querier, userID string, forUpdate bool) (domain.UserProgressionState, error) {
	query := `SELECT coins FROM users WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var coins int
	if err := q.QueryRow(ctx, query, userID).Scan(&coins); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.UserProgressionState{}, domain.ErrUserNotFound
		}
		return domain.UserProgressionState{}, fmt.Errorf("load user: %w", err)
	}
	state := domain.NewUserProgressionState(userID, coins)

	rows, err := q.Query(ctx, `SELECT unit_id, kind FROM user_unit_progress WHERE user_id = $1`, userID)
	if err != nil {
		return domain.UserProgressionState{}, fmt.Errorf("load progress: %w", err)
	}
	for rows.Next() {
		var unit, kind string
		if err := rows.Scan(&unit, &kind); err != nil {
			rows.Close()
			return domain.UserProgressionState{}, err
		}
		switch kind {
		case progressPerfectStandard:
			state.PerfectStandardQuizUnits[unit] = struct{}{}
		case progressPerfectBounty:
			state.PerfectBountyUnits[unit] = struct{}{}
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.UserProgressionState{}, err
	}

	rows, err = q.Query(ctx, `SELECT ledger_key, mode FROM question_coins WHERE user_id = $1`, userID)
	if err != nil {
		return domain.UserProgressionState{}, fmt.Errorf("load ledger: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key, mode string
		if err := rows.Scan(&key, &mode); err != nil {
			return domain.UserProgressionState{}, err
		}
		modes, ok := state.QuestionCoins[key]
		if !ok {
			modes = make(map[domain.Mode]struct{})
			state.QuestionCoins[key] = modes
		}
		modes[domain.Mode(mode)] = struct{}{}
	}
	return state, rows.Err()
}

func (s *UserStore) ApplyUserDelta(ctx context.Context, userID string, delta domain.UserDelta) (domain.UserProgressionState, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.UserProgressionState{}, err
	}
	defer tx.Rollback(ctx)

	state, err := loadUser(ctx, tx, userID, true)
	if err != nil {
		return domain.UserProgressionState{}, err
	}
	next, err := delta.ApplyTo(state)
	if err != nil {
		return state, err
	}

	if delta.CoinsDelta != 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE users
			SET coins = coins + $2,
				updated_at = now()
			WHERE id = $1
		`, userID, delta.CoinsDelta); err != nil {
			return state, fmt.Errorf("update coins: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO coin_ledger (user_id, amount, reason, coins_before, coins_after)
			VALUES ($1, $2, $3, $4, $5)
		`, userID, delta.CoinsDelta, delta.Reason, state.Coins, next.Coins); err != nil {
			return state, fmt.Errorf("coin ledger: %w", err)
		}
	}
	for _, entry := range delta.LedgerUpdates {
		if _, err := tx.Exec(ctx, `
			INSERT INTO question_coins (user_id, ledger_key, mode) VALUES ($1, $2, $3)
		`, userID, entry.Key, string(entry.Mode)); err != nil {
			return state, fmt.Errorf("question coins: %w", err)
		}
	}
	for _, entry := range delta.LedgerRemovals {
		if _, err := tx.Exec(ctx, `
			DELETE FROM question_coins WHERE user_id = $1 AND ledger_key = $2 AND mode = $3
		`, userID, entry.Key, string(entry.Mode)); err != nil {
			return state, fmt.Errorf("question coins: %w", err)
		}
	}
	if err := insertProgress(ctx, tx, userID, progressPerfectStandard, delta.AddPerfectStandard); err != nil {
		return state, err
	}
	if err := insertProgress(ctx, tx, userID, progressPerfectBounty, delta.AddPerfectBounty); err != nil {
		return state, err
	}

	if err := tx.Commit(ctx); err != nil {
		return state, err
	}
	return next, nil
}

func insertProgress(ctx context.Context, tx pgx.Tx, userID, kind string, units []string) error {
	for _, unit := range units {
		if _, err := tx.Exec(ctx, `
			INSERT INTO user_unit_progress (user_id, unit_id, kind) VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
		`, userID, unit, kind); err != nil {
			return fmt.Errorf("unit progress: %w", err)
		}
	}
	return nil
}
