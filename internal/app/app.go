package app

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/sundayezeilo/shortlink/internal/clicks"
	"github.com/sundayezeilo/shortlink/internal/config"
	"github.com/sundayezeilo/shortlink/internal/db/migrations"
	db "github.com/sundayezeilo/shortlink/internal/db/sqlc"
	"github.com/sundayezeilo/shortlink/internal/faststore"
	"github.com/sundayezeilo/shortlink/internal/metacache"
	"github.com/sundayezeilo/shortlink/internal/metrics"
	"github.com/sundayezeilo/shortlink/internal/reconcile"
	"github.com/sundayezeilo/shortlink/internal/server"
	"github.com/sundayezeilo/shortlink/internal/shortener"
)

// App holds the application dependencies and configuration.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	DBPool    *pgxpool.Pool
	Store     *faststore.Client
	Scheduler *reconcile.Scheduler
	Server    *server.Server
	Handler   *shortener.Handler
}

// New initializes and returns a new App instance with all dependencies wired up.
func New(ctx context.Context) (*App, error) {
	loadEnv()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return NewWithConfig(ctx, cfg, setupLogger(cfg.App.LogLevel))
}

// NewWithConfig wires the application from an already loaded configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	logger.Info("starting application",
		"env", cfg.App.Environment,
		"service", cfg.App.ServiceName,
		"version", cfg.App.ServiceVersion,
	)

	if cfg.Database.Migrate {
		if err := migrations.Up(cfg.Database.URL()); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		logger.Info("database schema up to date")
	}

	dbPool, err := connectDatabase(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := connectRedis(ctx, cfg, logger)

	m := metrics.New(cfg.App.ServiceName)

	queries := db.New(dbPool)
	repo := shortener.NewRepository(queries, &shortener.RepositoryConfig{
		QueryTimeout: cfg.Database.QueryTimeout,
	})
	clickSvc := clicks.NewService(store, logger)
	cache := metacache.New(store, &metacache.Config{
		TTL:    cfg.Cache.MetadataTTL,
		Logger: logger,
	})

	svc := shortener.NewService(repo, clickSvc, cache, &shortener.ServiceConfig{
		KeyLength:     cfg.Links.KeyLength,
		KeyMaxRetries: cfg.Links.KeyMaxRetries,
		DefaultExpiry: cfg.Links.DefaultExpiry(),
		MetadataTTL:   cfg.Cache.MetadataTTL,
		LoadTimeout:   cfg.Database.QueryTimeout,
		Observer:      m,
		Logger:        logger,
	})
	handler := shortener.NewHandler(shortener.HandlerConfig{
		Service: svc,
		Logger:  logger,
		BaseURL: cfg.Server.BaseURL,
	})

	scheduler := reconcile.New(store, repo, &reconcile.Config{
		Interval: cfg.Reconcile.Interval,
		LockTTL:  cfg.Reconcile.LockTTL,
		Observer: m,
		Logger:   logger,
	})

	srv := server.New(cfg, logger, server.Deps{
		Handler: handler,
		Checks: map[string]server.Pinger{
			"postgres": dbPool,
			"redis":    store,
		},
		Reconciler: scheduler,
		Metrics:    m,
	})

	logger.Info("application initialized",
		"port", cfg.Server.Port,
		"base_url", cfg.Server.BaseURL,
		"reconcile_enabled", cfg.Reconcile.Enabled,
	)

	return &App{
		Config:    cfg,
		Logger:    logger,
		DBPool:    dbPool,
		Store:     store,
		Scheduler: scheduler,
		Server:    srv,
		Handler:   handler,
	}, nil
}

// Start starts background work and the server, blocking until shutdown.
func (a *App) Start(ctx context.Context) error {
	if a.Config.Reconcile.Enabled {
		a.Scheduler.Start(ctx)
	}

	if err := a.Server.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown stops background work and releases connections.
func (a *App) Shutdown() error {
	a.Logger.Info("shutting down application")

	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}

	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Warn("failed to close redis client", "error", err.Error())
		} else {
			a.Logger.Info("redis connection closed")
		}
	}

	if a.DBPool != nil {
		a.DBPool.Close()
		a.Logger.Info("database connection closed")
	}
	return nil
}

// loadEnv loads .env only in development and test.
func loadEnv() {
	env := os.Getenv("APP_ENV")
	if env == "development" || env == "test" {
		if err := godotenv.Load(); err != nil {
			log.Println("no .env file found.")
		}
	}
}

// setupLogger creates a JSON logger at the given level.
func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func connectDatabase(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolConfig.MaxConns = cfg.Database.MaxConns
	poolConfig.MinConns = cfg.Database.MinConns

	logger.Info("connecting to database",
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
		"database", cfg.Database.Name,
	)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established")
	return pool, nil
}

// connectRedis opens the fast store client. An unreachable Redis is logged and
// tolerated: the client reconnects on demand, resolution fails open and the
// health check reports the dependency as down.
func connectRedis(ctx context.Context, cfg *config.Config, logger *slog.Logger) *faststore.Client {
	logger.Info("connecting to redis", "addr", cfg.Redis.Addr, "db", cfg.Redis.DB)

	store := faststore.Open(faststore.Options{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		PoolSize:    cfg.Redis.PoolSize,
		DialTimeout: cfg.Redis.DialTimeout,
		OpTimeout:   cfg.Redis.OpTimeout,
	})
	if err := store.Ping(ctx); err != nil {
		logger.Warn("redis unreachable, starting degraded",
			"addr", cfg.Redis.Addr,
			"error", err.Error(),
		)
		return store
	}

	logger.Info("redis connection established")
	return store
}
