package automation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"PortfolioAutopilot/internal/config"
	"PortfolioAutopilot/internal/metrics"
	"PortfolioAutopilot/internal/model"
	"PortfolioAutopilot/internal/notifier"
	"PortfolioAutopilot/internal/oracle"
	"PortfolioAutopilot/internal/resilience"
	"PortfolioAutopilot/internal/scheduler"
	"PortfolioAutopilot/internal/server"
	"PortfolioAutopilot/internal/store"
	"PortfolioAutopilot/internal/store/postgres"
	"PortfolioAutopilot/internal/swap"
)

// DefaultShutdownTimeout bounds the wait for in-flight jobs on exit.
const DefaultShutdownTimeout = 30 * time.Second

// App is the fully wired process.
type App struct {
	Config    *config.Config
	Service   *Service
	Scheduler *scheduler.Scheduler
	Metrics   *metrics.Metrics
	Server    *server.Server
	Store     store.Store

	// ShutdownTimeout bounds the wait for in-flight jobs on exit.
	ShutdownTimeout time.Duration

	telegram *notifier.Telegram
	closers  []func() error
}

// Bootstrap builds every component from cfg. The caller must Close the App.
func Bootstrap(ctx context.Context, cfg *config.Config) (*App, error) {
	app := &App{Config: cfg, ShutdownTimeout: DefaultShutdownTimeout}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	app.Metrics = metrics.New()
	guard := func(name string) *resilience.Guard {
		return resilience.NewGuard(resilience.Options{
			Name:            name,
			Timeout:         cfg.Retry.Timeout,
			Attempts:        cfg.Retry.Attempts,
			InitialBackoff:  cfg.Retry.InitialBackoff,
			MaxBackoff:      cfg.Retry.MaxBackoff,
			BreakerFailures: cfg.Retry.BreakerFailures,
			BreakerCooldown: cfg.Retry.BreakerCooldown,
			OnResult:        app.Metrics.ExternalCall,
		})
	}

	var base oracle.Oracle
	switch cfg.Oracle.Mode {
	case "mock":
		base = oracle.NewMockOracle(cfg.Oracle.MockPrices)
	default:
		base = oracle.NewHTTPOracle(cfg.Oracle.BaseURL, cfg.Oracle.APIKey, cfg.Proxy,
			cfg.Oracle.RateLimit, cfg.Oracle.Burst, guard("oracle"))
	}
	log.Info().Str("mode", cfg.Oracle.Mode).Msg("price oracle configured")

	var cache oracle.Cache = oracle.NewMemoryCache()
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unavailable, using in-memory price cache")
			client.Close()
		} else {
			cache = oracle.NewRedisCache(client, cfg.Redis.Prefix)
			app.closers = append(app.closers, client.Close)
		}
	}
	prices := oracle.NewCachedOracle(base, cache, cfg.Oracle.CacheTTL)

	var sc swap.Client
	switch cfg.Swap.Mode {
	case "http":
		sc = swap.NewHTTPClient(cfg.Swap.BaseURL, cfg.Swap.APIKey, cfg.Proxy, guard("swap"))
	default:
		sc = swap.NewPaper(base, cfg.Oracle.Quote, cfg.Swap.PaperBalances)
	}
	log.Info().Str("mode", cfg.Swap.Mode).Msg("swap executor configured")

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app.Store = st
	app.closers = append(app.closers, st.Close)

	var n notifier.Notifier = notifier.Noop{}
	if cfg.Telegram.BotToken != "" {
		app.telegram = notifier.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Proxy, guard("telegram"))
		n = app.telegram
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("scheduler timezone: %w", err)
	}
	app.Scheduler = scheduler.New(ctx, scheduler.Options{
		RunTimeout:  cfg.Scheduler.RunTimeout,
		HistorySize: cfg.Scheduler.HistorySize,
		Location:    loc,
		Recorder:    st,
	})
	app.Service = NewService(cfg, Deps{
		Oracle:    prices,
		Swap:      sc,
		Store:     st,
		Scheduler: app.Scheduler,
		Notifier:  n,
		Metrics:   app.Metrics,
	})
	if err := app.Service.Setup(ctx); err != nil {
		return nil, fmt.Errorf("setup jobs: %w", err)
	}
	app.Server = server.New(cfg.Server.Listen, app.Service, app.Metrics.Handler())

	ok = true
	return app, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case "memory":
		log.Warn().Msg("using in-memory store, state is lost on exit")
		return store.NewMemory(), nil
	case "postgres":
		return postgres.New(ctx, cfg.Database.PostgresDSN)
	default:
		if dir := filepath.Dir(cfg.Database.SQLitePath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		return store.NewSQLite(cfg.Database.SQLitePath)
	}
}

// Run starts the scheduler, command polling and the ops server and blocks
// until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.Scheduler.StartAll()

	if a.telegram != nil && a.Config.Telegram.Polling {
		go a.telegram.StartPolling(ctx, a.Service.HandleCommand)
	}
	if a.Config.Scheduler.RunOnStart {
		log.Info().Msg("run_on_start enabled, running enabled jobs now")
		for _, j := range a.Scheduler.Jobs() {
			if !j.Enabled {
				continue
			}
			go func(id string) {
				if _, err := a.Scheduler.RunNow(ctx, id); err != nil {
					log.Warn().Err(err).Str("job", id).Msg("run on start")
				}
			}(j.ID)
		}
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- a.Server.Run(ctx) }()

	log.Info().Msg("autopilot is running")
	var runErr error
	select {
	case <-ctx.Done():
		<-serverErr
	case runErr = <-serverErr:
		if runErr != nil {
			runErr = fmt.Errorf("ops server: %w", runErr)
		}
	}

	log.Info().Msg("shutting down")
	if err := a.shutdownScheduler(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// RunOnce runs one job immediately, then shuts the scheduler down. A failed
// shutdown is logged and joined to the returned error.
func (a *App) RunOnce(ctx context.Context, jobID string) (model.ExecutionRecord, error) {
	rec, err := a.Scheduler.RunNow(ctx, jobID)
	if serr := a.shutdownScheduler(); serr != nil {
		err = errors.Join(err, serr)
	}
	return rec, err
}

func (a *App) shutdownScheduler() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.ShutdownTimeout)
	defer cancel()
	if err := a.Scheduler.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("in-flight jobs did not finish")
		return err
	}
	return nil
}

// Close releases the store and cache connections.
func (a *App) Close() error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.closers = nil
	return firstErr
}
