package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"dexmonitor/internal/alerting"
	"dexmonitor/internal/bot"
	"dexmonitor/internal/chart"
	"dexmonitor/internal/config"
	"dexmonitor/internal/fetcher"
	"dexmonitor/internal/health"
	"dexmonitor/internal/scheduler"
	"dexmonitor/internal/service"
	"dexmonitor/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) newSource() fetcher.PriceSource {
	cfg := a.Config.Fetcher
	return fetcher.NewDexScreener(fetcher.DexScreenerOptions{
		BaseURL:       cfg.BaseURL,
		Timeout:       cfg.RequestTimeout,
		UserAgent:     cfg.UserAgent,
		RatePerSecond: cfg.RatePerSecond,
		Burst:         cfg.Burst,
		SampleBucket:  cfg.SampleBucket,
	}, a.Logger)
}

// newTelegram returns the alert notifier and, when the bot token is set, the
// shared Bot API client. Without a token alerts are only logged.
func (a *App) newTelegram() (alerting.Notifier, *tgbotapi.BotAPI, error) {
	cfg := a.Config.Telegram
	if cfg.BotToken == "" {
		a.Logger.Warn().Msg("telegram.bot_token not configured; alerts are only logged")
		return alerting.Nop{Logger: a.Logger}, nil, nil
	}
	api, err := alerting.NewBotAPI(cfg.BotToken, cfg.APIBase, cfg.RequestTimeout)
	if err != nil {
		return nil, nil, err
	}
	return alerting.NewTelegramNotifier(api, a.Logger), api, nil
}

func (a *App) newMonitors(store storage.MonitorStore) *service.Monitors {
	return service.NewMonitors(store, a.Config.Fetcher.DefaultChain, decimal.NewFromFloat(a.Config.Telegram.DefaultThreshold), a.Logger)
}

func (a *App) chartOptions() chart.Options {
	return chart.Options{Width: a.Config.Chart.Width, Height: a.Config.Chart.Height}
}

// openStore connects to PostgreSQL, applying migrations first when
// database.auto_migrate is set. It returns nil when no DSN is configured.
func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	if a.Config.Database.AutoMigrate {
		if _, err := a.migrate(); err != nil {
			return nil, nil, err
		}
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// requireStore is openStore for commands that are meaningless without a
// database.
func (a *App) requireStore(ctx context.Context, action string) (*storage.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, fmt.Errorf("database not configured; cannot %s", action)
	}
	return store, closeStore, nil
}

func (a *App) migrate() (uint, error) {
	version, err := storage.Migrate(a.Config.Database.DSN)
	if err != nil {
		return 0, err
	}
	a.Logger.Info().Uint("version", version).Msg("database schema up to date")
	return version, nil
}

// Run executes the long-running monitoring service: the evaluation loop, the
// retention loop, the health server and, when enabled, the command bot.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var repo storage.Repository
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store != nil {
		repo = store
		defer closeStore()
	} else {
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory store, state is lost on exit")
		repo = storage.NewMemory()
	}

	notifier, api, err := a.newTelegram()
	if err != nil {
		return err
	}
	var tg *bot.Bot
	if a.Config.Telegram.CommandsEnabled && api != nil {
		tg = bot.NewBot(api, a.Logger)
	}

	tracker := health.NewTracker(nil)
	runner := service.NewRunner(repo, a.newSource(), notifier, tracker, service.RunnerOptions{
		FetchWorkers:   a.Config.Runner.FetchWorkers,
		FetchTimeout:   a.Config.Runner.FetchTimeout,
		CycleTimeout:   a.Config.Runner.CycleTimeout,
		NotifyTimeout:  a.Config.Telegram.RequestTimeout,
		BaselineNotice: a.Config.Telegram.BaselineNotice,
	}, a.Logger)
	sweeper := service.NewRetentionSweeper(repo, a.Config.Retention.Horizon, a.Config.Retention.BatchSize, nil, a.Logger)

	evalLoop := scheduler.New(scheduler.Options{
		Name:         "evaluation",
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)
	retentionLoop := scheduler.New(scheduler.Options{
		Name:         "retention",
		Interval:     a.Config.Retention.Interval,
		StartupDelay: a.Config.Retention.StartupDelay,
	}, a.Logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return evalLoop.Run(ctx, runner.Tick) })
	g.Go(func() error { return retentionLoop.Run(ctx, sweeper.Tick) })

	if a.Config.Health.Enabled {
		srv := health.NewServer(tracker, repo, health.Options{
			ListenAddr:  a.Config.Health.ListenAddr,
			StaleAfter:  a.Config.Health.StaleAfter,
			ReadTimeout: a.Config.Health.ReadTimeout,
		}, a.Logger)
		g.Go(func() error { return srv.Run(ctx) })
	}

	if tg != nil {
		handler := bot.NewHandler(a.newMonitors(repo), repo, tg, bot.Options{
			ChartWindow: a.Config.Chart.DefaultWindow,
			Chart:       a.chartOptions(),
		}, a.Logger)
		g.Go(func() error { return tg.Run(ctx, handler) })
	}

	a.Logger.Info().
		Dur("interval", a.Config.Scheduler.Interval).
		Dur("retention_horizon", a.Config.Retention.Horizon).
		Bool("commands", a.Config.Telegram.CommandsEnabled).
		Msg("starting monitoring service")

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// Migrate applies pending schema migrations.
func (a *App) Migrate(ctx context.Context) error {
	if a.Config.Database.DSN == "" {
		return errors.New("database not configured; cannot migrate")
	}
	version, err := a.migrate()
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "schema version %d\n", version)
	return nil
}

// Sweep runs one retention pass.
func (a *App) Sweep(ctx context.Context) error {
	store, closeStore, err := a.requireStore(ctx, "sweep samples")
	if err != nil {
		return err
	}
	defer closeStore()

	sweeper := service.NewRetentionSweeper(store, a.Config.Retention.Horizon, a.Config.Retention.BatchSize, nil, a.Logger)
	deleted, err := sweeper.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "deleted %d samples older than %s\n", deleted, a.Config.Retention.Horizon)
	return nil
}
