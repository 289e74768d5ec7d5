package postgres

import (
	"context"
	"errors"
	"fmt"

	"geoquest-engine/internal/domain"
	"geoquest-engine/internal/taskbundle"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// BundleLoader loads task bundle JSONB from Postgres.
type BundleLoader struct {
	pool *pgxpool.Pool
}

func NewBundleLoader(pool *pgxpool.Pool) *BundleLoader {
	return &BundleLoader{pool: pool}
}

func (l *BundleLoader) LoadBundle(ctx context.Context, bundleID string) (domain.TaskBundle, error) {
	var raw []byte
	err := l.pool.QueryRow(ctx, `SELECT data FROM task_bundles WHERE id=$1`, bundleID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TaskBundle{}, domain.ErrBundleNotFound
	}
	if err != nil {
		return domain.TaskBundle{}, fmt.Errorf("load bundle: %w", err)
	}
	return taskbundle.Parse(raw)
}

// SaveBundle upserts a checked bundle.
func (l *BundleLoader) SaveBundle(ctx context.Context, bundle domain.TaskBundle) error {
	raw, err := taskbundle.Marshal(bundle)
	if err != nil {
		return err
	}
	_, err = l.pool.Exec(ctx, `
		INSERT INTO task_bundles (id, data, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
	`, bundle.ID, raw)
	if err != nil {
		return fmt.Errorf("save bundle: %w", err)
	}
	return nil
}
