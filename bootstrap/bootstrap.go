// Package bootstrap wires all dependencies and starts the application.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/farebox/quotagate/adapters/clock"
	"github.com/farebox/quotagate/adapters/hasher"
	"github.com/farebox/quotagate/adapters/idgen"
	"github.com/farebox/quotagate/adapters/memory"
	"github.com/farebox/quotagate/adapters/metrics"
	redisstore "github.com/farebox/quotagate/adapters/redis"
	"github.com/farebox/quotagate/adapters/sqlite"
	"github.com/farebox/quotagate/app"
	"github.com/farebox/quotagate/config"
	"github.com/farebox/quotagate/ports"
	"github.com/farebox/quotagate/web"
)

// App represents the running application.
type App struct {
	Logger     zerolog.Logger
	Config     *config.Config
	DB         *sqlite.DB
	HTTPServer *http.Server
	Metrics    *metrics.Collector
	Enforcer   *app.Enforcer

	holder    *config.Holder
	filePlans *app.FilePlans
	store     ports.UsageStore
	memStore  *memory.UsageStore
	stopCh    chan struct{}
}

// New builds the application from a loaded configuration.
func New(cfg *config.Config) (*App, error) {
	a := &App{
		Config: cfg,
		Logger: newLogger(cfg.Logging),
		stopCh: make(chan struct{}),
	}
	if err := a.init(); err != nil {
		return nil, err
	}
	return a, nil
}

// NewWithHotReload builds the application with config file watching.
// Plan changes apply without restart; server and store settings do not.
func NewWithHotReload(path string) (*App, error) {
	bootLogger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	holder, err := config.NewHolder(path, bootLogger)
	if err != nil {
		return nil, err
	}

	a, err := New(holder.Get())
	if err != nil {
		holder.Close()
		return nil, err
	}
	a.holder = holder

	if a.filePlans != nil {
		holder.OnChange(func(cfg *config.Config) {
			a.filePlans.Reload(cfg.Plans)
		})
	}
	if err := holder.WatchFile(); err != nil {
		a.Logger.Warn().Err(err).Msg("config watch unavailable")
	}
	holder.WatchSignals()

	return a, nil
}

func (a *App) init() error {
	cfg := a.Config

	if cfg.Metrics.Enabled {
		a.Metrics = metrics.New()
	}

	if err := a.initStores(); err != nil {
		return err
	}

	plans, subs, err := a.initPlanSource()
	if err != nil {
		return err
	}

	a.Enforcer = app.NewEnforcer(app.EnforcerDeps{
		Subscriptions: subs,
		Plans:         plans,
		Store:         a.store,
		Clock:         clock.Real{},
		StoreTimeout:  cfg.Store.Timeout,
		Metrics:       a.Metrics,
		Logger:        a.Logger.With().Str("component", "enforcer").Logger(),
	})

	handler := web.NewHandler(web.Deps{
		Enforcer:      a.Enforcer,
		Plans:         a.planStore(),
		Subscriptions: subs,
		Hasher:        hasher.New(0),
		IDs:           idgen.UUID{},
		Admin: web.AdminAuth{
			Enabled:   cfg.Admin.Enabled,
			TokenHash: []byte(cfg.Admin.TokenHash),
		},
		Logger: a.Logger.With().Str("component", "web").Logger(),
	})

	mux := web.ResolveIdentity(handler.Router(web.RouterConfig{Metrics: cfg.Metrics.Enabled}))

	a.HTTPServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return nil
}

// initStores builds the usage counter backend.
func (a *App) initStores() error {
	cfg := a.Config
	switch cfg.Store.Backend {
	case "memory":
		a.memStore = memory.NewUsageStore(memory.UsageStoreConfig{
			CleanupInterval: cfg.Cleanup.Interval,
		})
		a.store = a.memStore
		a.Logger.Warn().Msg("memory store selected: counters are not shared across processes")
	case "sqlite":
		db, err := sqlite.Open(cfg.Store.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return fmt.Errorf("migrate: %w", err)
		}
		a.DB = db
		a.store = sqlite.NewUsageStore(db)
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		store, err := redisstore.NewUsageStore(client, redisstore.Config{
			KeyPrefix: cfg.Store.Redis.KeyPrefix,
		})
		if err != nil {
			return err
		}
		a.store = store
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	return nil
}

// initPlanSource selects where plans and subscriptions come from:
// the config file when it declares plans, else the sqlite database.
func (a *App) initPlanSource() (app.PlanProvider, ports.SubscriptionStore, error) {
	cfg := a.Config

	if len(cfg.Plans) > 0 {
		filePlans, err := app.NewFilePlans(cfg.Plans, a.Metrics, a.Logger.With().Str("component", "plans").Logger())
		if err != nil {
			return nil, nil, err
		}
		a.filePlans = filePlans

		subs := memory.NewSubscriptionStore()
		for _, s := range cfg.Subscriptions {
			status := ports.SubscriptionStatus(s.Status)
			if status == "" {
				status = ports.SubscriptionActive
			}
			subs.Create(context.Background(), ports.Subscription{
				ID:              s.ID,
				TenantID:        s.TenantID,
				PlanID:          s.PlanID,
				Status:          status,
				StartAt:         s.StartAt,
				EndAt:           s.EndAt,
				TZOffsetMinutes: s.TZOffsetMinutes,
			})
		}
		return filePlans, subs, nil
	}

	if a.DB == nil {
		return nil, nil, fmt.Errorf("no plans in config and no sqlite database: declare plans or use the sqlite backend")
	}
	return app.NewStorePlans(sqlite.NewPlanStore(a.DB)), sqlite.NewSubscriptionStore(a.DB), nil
}

// planStore exposes plan admin only for database-backed plan sources.
func (a *App) planStore() ports.PlanStore {
	if a.filePlans != nil || a.DB == nil {
		return nil
	}
	return sqlite.NewPlanStore(a.DB)
}

// Run starts the HTTP server and blocks until shutdown.
func (a *App) Run() error {
	go a.cleanupLoop()

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", a.HTTPServer.Addr).Msg("server listening")
		if err := a.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	return a.Shutdown()
}

// Shutdown gracefully stops the application.
func (a *App) Shutdown() error {
	close(a.stopCh)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.HTTPServer.Shutdown(ctx); err != nil {
		a.Logger.Error().Err(err).Msg("http shutdown")
	}
	if a.holder != nil {
		a.holder.Close()
	}
	if a.memStore != nil {
		a.memStore.Close()
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			return fmt.Errorf("close database: %w", err)
		}
	}
	return nil
}

// cleanupLoop periodically reaps expired usage counters.
func (a *App) cleanupLoop() {
	interval := a.Config.Cleanup.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			removed, err := a.store.CleanupExpired(ctx, time.Now())
			cancel()
			if err != nil {
				a.Logger.Error().Err(err).Msg("counter cleanup")
			} else if removed > 0 {
				a.Logger.Debug().Int64("removed", removed).Msg("reaped expired counters")
			}
		case <-a.stopCh:
			return
		}
	}
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		logger = zerolog.New(output)
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().Timestamp().Logger()
}
