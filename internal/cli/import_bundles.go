package cli

import (
	"context"
	"fmt"
	"sort"
	"time"

	"geoquest-engine/internal/config"
	"geoquest-engine/internal/domain"
	pgstore "geoquest-engine/internal/infra/postgres"
	redisstore "geoquest-engine/internal/infra/redis"
	"geoquest-engine/internal/logging"
	"geoquest-engine/internal/taskbundle"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewImportBundlesCmd validates bundle files and upserts them into Postgres.
func NewImportBundlesCmd(configPath *string) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "import-bundles",
		Short: "Validate task bundle JSON files and store them in Postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.Bundles.Dir
			}
			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync()
			return importBundles(cmd.Context(), cfg, dir, logger)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "directory of *.json bundles (defaults to bundles.dir)")
	return cmd
}

// bundleSaver is the write side of the bundle store.
type bundleSaver interface {
	SaveBundle(ctx context.Context, bundle domain.TaskBundle) error
}

// bundleInvalidator drops a cached bundle so running servers reload it.
type bundleInvalidator interface {
	Invalidate(ctx context.Context, bundleID string) error
}

func importBundles(ctx context.Context, cfg config.Config, dir string, logger *zap.Logger) error {
	if dir == "" {
		return fmt.Errorf("no bundle directory given")
	}
	bundles, err := taskbundle.LoadDir(dir)
	if err != nil {
		return err
	}
	if err := runMigrationsWithConfig(ctx, cfg, logger); err != nil {
		return err
	}
	pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	loader := pgstore.NewBundleLoader(pool)
	var cache bundleInvalidator
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		cache = redisstore.NewBundleRepository(client, loader, config.TTLDuration(cfg.Bundles.TTL, 10*time.Minute))
	}
	return storeBundles(ctx, bundles, loader, cache, logger)
}

// storeBundles saves bundles in id order and drops each one from the cache, if any.
func storeBundles(ctx context.Context, bundles map[string]domain.TaskBundle, store bundleSaver, cache bundleInvalidator, logger *zap.Logger) error {
	ids := make([]string, 0, len(bundles))
	for id := range bundles {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if err := store.SaveBundle(ctx, bundles[id]); err != nil {
			return fmt.Errorf("save bundle %s: %w", id, err)
		}
		if cache != nil {
			if err := cache.Invalidate(ctx, id); err != nil {
				logger.Warn("cached bundle not invalidated, it expires with its ttl", zap.String("bundle", id), zap.Error(err))
			}
		}
		logger.Info("bundle imported", zap.String("bundle", id), zap.Int("tasks", len(bundles[id].Tasks)))
	}
	return nil
}
