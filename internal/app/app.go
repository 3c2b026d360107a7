package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"cdpguard/internal/alerting"
	"cdpguard/internal/config"
	"cdpguard/internal/executor"
	"cdpguard/internal/fetcher"
	"cdpguard/internal/metrics"
	"cdpguard/internal/monitor"
	"cdpguard/internal/planner"
	"cdpguard/internal/scheduler"
	"cdpguard/internal/setup"
	"cdpguard/internal/storage"
	"cdpguard/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newVaults() *fetcher.Vaults {
	return fetcher.NewVaults(fetcher.VaultOptions{
		RPCURL:          a.Config.Ethereum.RPCURL,
		ResolverAddress: a.Config.Ethereum.ResolverAddress,
		Timeout:         a.Config.Ethereum.RequestTimeout,
	}, a.Logger)
}

func (a *App) newQuoter() *fetcher.CowQuoter {
	return fetcher.NewCowQuoter(fetcher.CowOptions{
		BaseURL:      a.Config.Quote.BaseURL,
		PriceQuality: a.Config.Quote.PriceQuality,
		Timeout:      a.Config.Quote.RequestTimeout,
		UserAgent:    a.Config.Quote.UserAgent,
		TokenAliases: a.Config.Quote.TokenAliases,
	}, a.Logger)
}

func (a *App) newPlanner(quoter planner.QuoteProvider) *planner.Planner {
	tokens := a.Config.Tokens
	return planner.New(planner.Options{
		DebtToken:       planner.Token{Symbol: tokens.Debt.Symbol, Address: tokens.Debt.Address, Decimals: tokens.Debt.Decimals},
		CollateralToken: planner.Token{Symbol: tokens.Collateral.Symbol, Address: tokens.Collateral.Address, Decimals: tokens.Collateral.Decimals},
		Connectors: planner.Connectors{
			FlashLoan: a.Config.Planner.FlashLoanConnector,
			Vault:     a.Config.Planner.VaultConnector,
			Exchange:  a.Config.Planner.ExchangeConnector,
		},
	}, quoter, a.Logger)
}

func (a *App) newExecutor() (executor.Executor, error) {
	if a.Config.Executor.DryRun {
		a.Logger.Warn().Msg("executor.dry_run enabled; plans are logged, not broadcast")
		return executor.NewDryRun(a.Logger), nil
	}
	return executor.NewDSA(executor.DSAOptions{
		RPCURL:         a.Config.Ethereum.RPCURL,
		AccountAddress: a.Config.Ethereum.DSAAddress,
		PrivateKeyHex:  a.Config.Ethereum.PrivateKey,
		ChainID:        a.Config.Ethereum.ChainID,
		Origin:         a.Config.Executor.Origin,
		GasBufferPct:   a.Config.Executor.GasBufferPct,
		Timeout:        a.Config.Executor.Timeout,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, a.Config.Alerting.Timeout, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	store, err := storage.Open(ctx, a.Config.Database, a.Config.App.Name)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	watches, err := a.Config.WatchConfigs()
	if err != nil {
		return err
	}
	if len(watches) == 0 && !a.Config.Setup.Enabled {
		return errors.New("no watches configured; set watch/watches or enable setup")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	exec, err := a.newExecutor()
	if err != nil {
		return err
	}

	vaults := a.newVaults()
	deps := monitor.Deps{
		Snapshots:     vaults,
		Planner:       a.newPlanner(a.newQuoter()),
		Executor:      exec,
		Notifier:      a.newNotifier(),
		NotifyTimeout: a.Config.Alerting.Timeout,
	}
	if deps.Notifier == nil {
		a.Logger.Warn().Msg("no alert channel configured; alerts are logged only")
	}
	lockKey := int64(0)
	if store != nil {
		deps.Samples = store
		deps.Alerts = store
		deps.Interventions = store
		deps.Locker = store
		lockKey = a.Config.Scheduler.AdvisoryLockKey
	}

	sup := monitor.NewSupervisor(monitor.Options{
		Scheduler: scheduler.Options{
			Interval:       a.Config.Scheduler.Interval,
			AlignToStart:   a.Config.Scheduler.AlignToBucket,
			StartupDelay:   a.Config.Scheduler.StartupDelay,
			RunImmediately: true,
		},
		BaseLockKey: lockKey,
	}, deps, a.Logger)

	for _, wc := range watches {
		if _, err := sup.Upsert(wc); err != nil {
			return fmt.Errorf("register watch %s: %w", wc.PositionID, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sup.Run(gctx)
	})

	if a.Config.Metrics.Enabled {
		g.Go(func() error {
			return metrics.Serve(gctx, a.Config.Metrics.Listen, a.Logger)
		})
	}

	if a.Config.Setup.Enabled {
		template, err := a.Config.SetupTemplate()
		if err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		wizard := setup.NewWizard(setup.Options{
			SessionTTL: a.Config.Setup.SessionTTL,
			Template:   template,
		}, vaults, sup, sup, a.Logger)
		bot, err := setup.NewBot(setup.BotOptions{
			Token:          a.Config.Alerting.Telegram.BotToken,
			APIBase:        a.Config.Alerting.Telegram.APIBase,
			AllowedChatIDs: a.Config.Setup.AllowedChatIDs,
		}, wizard, a.Logger)
		if err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		g.Go(func() error {
			return bot.Run(gctx)
		})
	}

	if store != nil && a.Config.Database.SampleRetention > 0 {
		g.Go(func() error {
			return a.pruneSamples(gctx, store, a.Config.Database.SampleRetention)
		})
	}

	a.Logger.Info().Int("watches", len(watches)).Str("build", version.String()).Msg("starting monitoring service")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// pruneSamples drops samples older than retention once an hour.
func (a *App) pruneSamples(ctx context.Context, store storage.SampleStore, retention time.Duration) error {
	sched := scheduler.New(scheduler.Options{Interval: time.Hour, RunImmediately: true}, a.Logger)
	err := sched.Run(ctx, func(ctx context.Context, at time.Time) error {
		return store.DeleteSamplesBefore(ctx, at.Add(-retention))
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit      int
	PositionID string
	What       string
}

// SimulateOptions describe a hypothetical vault state.
type SimulateOptions struct {
	PositionID  string
	StatusRatio decimal.Decimal
	Debt        decimal.Decimal
	PriceUSD    decimal.Decimal
	// QuotePrice, when positive, replaces the live quote with a fixed price.
	QuotePrice decimal.Decimal
	Notify     bool
}
