package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"geoquest-engine/internal/app"
	"geoquest-engine/internal/config"
	"geoquest-engine/internal/domain"
	"geoquest-engine/internal/evaluator"
	"geoquest-engine/internal/infra/memory"
	pgstore "geoquest-engine/internal/infra/postgres"
	redisstore "geoquest-engine/internal/infra/redis"
	"geoquest-engine/internal/logging"
	"geoquest-engine/internal/taskbundle"
	"geoquest-engine/internal/telemetry"
	transport "geoquest-engine/internal/transport/http"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the engine server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

// backends are the stores picked from the config: Postgres, then Redis, then process memory.
type backends struct {
	users   app.UserRepository
	battles app.BattleRepository
	bundles app.BundleRepository
	redis   *redis.Client
	pool    *pgxpool.Pool
}

func (b *backends) close() {
	if b.pool != nil {
		b.pool.Close()
	}
	if b.redis != nil {
		_ = b.redis.Close()
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracer shutdown", zap.Error(err))
		}
	}()

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg, logger); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	ctx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()

	stores, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stores.close()

	rewards := cfg.Rewards
	if len(rewards.Units) == 0 {
		rewards.Units = sampleUnits()
	}

	var judge app.Evaluator
	if cfg.Evaluator.Enabled() {
		judge = evaluator.New(cfg.Evaluator)
		logger.Info("free-text evaluator enabled", zap.String("model", cfg.Evaluator.Model))
	}

	hub := app.NewBattleHub()
	battles := app.NewBattleService(stores.users, stores.battles, logger.Named("battles"))
	if stores.redis != nil {
		// Every instance relays the feed into its own hub, including its own publishes.
		feed := redisstore.NewBattleFeed(stores.redis, logger.Named("feed"))
		battles.SetNotifier(feed)
		go func() {
			if err := feed.Run(ctx, hub, nil); err != nil {
				logger.Error("battle feed stopped", zap.Error(err))
			}
		}()
	} else {
		battles.SetNotifier(hub)
	}

	handler := transport.NewHandler(transport.Deps{
		Progression:   app.NewProgressionService(stores.users, rewards, rewards, rewards, logger.Named("progression")),
		Battles:       battles,
		Hub:           hub,
		Bundles:       stores.bundles,
		Users:         stores.users,
		Evaluator:     judge,
		StartingCoins: rewards.StartingCoins,
		Units:         rewards.UnitIDs(),
		Limits:        cfg.Limits,
		Logger:        logger.Named("http"),
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	app.RegisterMetrics(registry)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	handler.Register(mux)

	server := &http.Server{
		Addr:        ":" + finalPort,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: it would cut long-lived websocket connections
	}

	go func() {
		logger.Info("starting geoquest engine", zap.String("port", finalPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("failed to start server", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		logger.Info("shutting down server")
	case <-ctx.Done():
		logger.Info("context canceled, shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func openBackends(ctx context.Context, cfg config.Config, logger *zap.Logger) (*backends, error) {
	b := &backends{}
	if cfg.Redis.Addr != "" {
		b.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			b.close()
			return nil, err
		}
		b.pool = pool
	}

	switch {
	case b.pool != nil:
		b.users = pgstore.NewUserStore(b.pool)
		b.battles = pgstore.NewBattleStore(b.pool)
		logger.Info("using postgres for users and battles")
	case b.redis != nil:
		b.users = redisstore.NewUserStore(b.redis)
		b.battles = redisstore.NewBattleStore(b.redis)
		logger.Info("using redis for users and battles")
	default:
		b.users = memory.NewUserStore()
		b.battles = memory.NewBattleStore()
		logger.Warn("no store configured, state is kept in memory")
	}

	var loader memory.BundleLoader
	if b.pool != nil {
		loader = pgstore.NewBundleLoader(b.pool)
	} else {
		bundles := sampleBundles()
		if cfg.Bundles.Dir != "" {
			fromDir, err := taskbundle.LoadDir(cfg.Bundles.Dir)
			if err != nil {
				b.close()
				return nil, err
			}
			bundles = fromDir
		}
		logger.Info("serving static bundles", zap.Int("count", len(bundles)))
		loader = memory.NewStaticBundleLoader(bundles)
	}

	bundleTTL := config.TTLDuration(cfg.Bundles.TTL, 10*time.Minute)
	if b.redis != nil {
		b.bundles = redisstore.NewBundleRepository(b.redis, loader, bundleTTL)
	} else {
		b.bundles = memory.NewBundleRepository(loader, bundleTTL)
	}
	return b, nil
}

// sampleUnits are the bounty values of the built-in units, used when none are configured.
func sampleUnits() map[string]int {
	return map[string]int{"winkel": 40, "dreiecke": 60}
}

// sampleBundles keeps a fresh checkout playable without a database or bundle directory.
func sampleBundles() map[string]domain.TaskBundle {
	target := 60.0
	return map[string]domain.TaskBundle{
		"winkel:standard": {
			ID:     "winkel:standard",
			UnitID: "winkel",
			Mode:   domain.ModeStandard,
			Tasks: []domain.Task{
				{ID: "w1", Kind: domain.KindChoice, Prompt: "Welcher Winkel ist stumpf: A 45°, B 90°, C 120°?", CorrectAnswer: domain.Answer{Text: "C"}},
				{ID: "w2", Kind: domain.KindAngleMeasure, Prompt: "Miss den Winkel im Dreieck.", CorrectAnswer: domain.Answer{Text: "60"},
					Validator: &domain.ValidatorConfig{Type: domain.ValidatorNumericTolerance, Target: &target, Tolerance: 2}},
				{ID: "w3", Kind: domain.KindFreeText, Prompt: "Wie heißt ein Winkel von genau 90°?", CorrectAnswer: domain.Answer{Text: "rechter Winkel"}},
			},
		},
		"dreiecke:standard": {
			ID:     "dreiecke:standard",
			UnitID: "dreiecke",
			Mode:   domain.ModeStandard,
			Tasks: []domain.Task{
				{ID: "d1", Kind: domain.KindBoolean, Prompt: "Jedes gleichseitige Dreieck ist gleichschenklig.", CorrectAnswer: domain.Answer{Text: "true"}},
				{ID: "d2", Kind: domain.KindMultiField, Prompt: "Winkelsumme und Anzahl der Ecken?", CorrectAnswer: domain.Answer{Fields: map[string]string{"summe": "180", "ecken": "3"}}},
			},
		},
	}
}
