// Package runtime wires configuration, storage, the application services and
// the HTTP server into a runnable process.
package runtime

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	app "github.com/formscan/formscan/internal/app"
	"github.com/formscan/formscan/internal/app/httpapi"
	"github.com/formscan/formscan/internal/app/metrics"
	"github.com/formscan/formscan/internal/app/storage/postgres"
	"github.com/formscan/formscan/internal/config"
	"github.com/formscan/formscan/internal/fetch"
	"github.com/formscan/formscan/internal/middleware"
	"github.com/formscan/formscan/pkg/logger"
)

// Application owns every runtime dependency and the HTTP server lifecycle.
type Application struct {
	cfg    *config.Config
	log    *logger.Logger
	app    *app.Application
	server *http.Server
	db     *sqlx.DB
	redis  *redis.Client
}

// NewApplication constructs a fully wired application from the environment.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	for _, dir := range []string{"data", "logs"} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s directory: %w", dir, err)
		}
	}

	stores, db, err := buildStores(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("configure stores: %w", err)
	}

	var cache fetch.Cache
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.WithError(err).Warn("redis unreachable; page cache disabled")
			_ = redisClient.Close()
			redisClient = nil
		} else {
			cache = fetch.NewRedisCache(redisClient, cfg.Redis.PageTTL, log)
			log.WithField("addr", cfg.Redis.Addr).Info("page cache enabled")
		}
	}

	application, err := app.New(cfg, stores, cache, log)
	if err != nil {
		return nil, fmt.Errorf("build application: %w", err)
	}

	var pinger httpapi.Pinger
	if db != nil {
		pinger = db
	}

	var handler http.Handler = httpapi.NewHandler(application, pinger, log)
	handler = middleware.NewRateLimiter(cfg.API.RateLimitRPS, cfg.API.RateBurst, log).Handler(handler)
	handler = middleware.NewCORSMiddleware(cfg.API.CORSOrigins).Handler(handler)
	handler = middleware.RequestLogger(log)(handler)
	handler = metrics.InstrumentHandler(handler)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Application{
		cfg:    cfg,
		log:    log,
		app:    application,
		server: server,
		db:     db,
		redis:  redisClient,
	}, nil
}

// Run starts the background services and the HTTP server, blocking until the
// context is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.app.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("HTTP server listening on %s", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the HTTP server, the background services and the storage
// connections.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.log.WithError(err).Warn("http server shutdown")
	}
	if err := a.app.Stop(shutdownCtx); err != nil {
		a.log.WithError(err).Warn("service shutdown")
	}

	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.WithError(err).Warn("error closing redis connection")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("error closing database connection")
			return err
		}
	}
	return nil
}

// buildStores opens PostgreSQL when configured, falling back to the
// in-memory store otherwise.
func buildStores(cfg *config.Config, log *logger.Logger) (app.Stores, *sqlx.DB, error) {
	if cfg.Database.Driver == "" || cfg.Database.DSN == "" {
		log.Warn("database not configured; using in-memory storage")
		return app.Stores{}, nil, nil
	}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return app.Stores{}, nil, err
	}

	if err := postgres.Migrate(db.DB); err != nil {
		db.Close()
		return app.Stores{}, nil, fmt.Errorf("run migrations: %w", err)
	}

	store := postgres.New(db)
	return app.Stores{
		Scans:     store,
		Forms:     store,
		Datasets:  store,
		Schedules: store,
	}, db, nil
}

func openDatabase(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
