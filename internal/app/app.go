package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"usdfc-telemetry/internal/aggregator"
	"usdfc-telemetry/internal/alerting"
	"usdfc-telemetry/internal/breaker"
	"usdfc-telemetry/internal/config"
	"usdfc-telemetry/internal/httpapi"
	"usdfc-telemetry/internal/metrics"
	"usdfc-telemetry/internal/ratelimit"
	"usdfc-telemetry/internal/scheduler"
	"usdfc-telemetry/internal/service"
	"usdfc-telemetry/internal/source"
	"usdfc-telemetry/internal/storage"
	"usdfc-telemetry/internal/version"
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

func (a *App) newRegistry() *metrics.Registry {
	token, troveManager, priceFeed, stabilityPool, multiTroveGetter := a.Config.Contracts.ContractAddresses()
	contracts := metrics.Contracts{
		Token:            token,
		TroveManager:     troveManager,
		PriceFeed:        priceFeed,
		StabilityPool:    stabilityPool,
		MultiTroveGetter: multiTroveGetter,
	}
	return metrics.NewRegistry(contracts, a.Config.Contracts.Token, a.Config.Metrics.TTLs)
}

func (a *App) newSources() []source.Client {
	src := a.Config.Sources
	return []source.Client{
		source.NewRPC(source.RPCOptions{
			URL:     src.RPC.URL,
			Timeout: src.RPC.RequestTimeout,
		}, a.Logger),
		source.NewBlockscout(source.RESTOptions{
			BaseURL:   src.Blockscout.URL,
			Timeout:   src.Blockscout.RequestTimeout,
			UserAgent: src.Blockscout.UserAgent,
		}, a.Logger),
		source.NewGecko(source.RESTOptions{
			BaseURL:   src.Gecko.URL,
			Timeout:   src.Gecko.RequestTimeout,
			UserAgent: src.Gecko.UserAgent,
		}, a.Logger),
		source.NewSubgraph(source.SubgraphOptions{
			URL:       src.Subgraph.URL,
			Timeout:   src.Subgraph.RequestTimeout,
			UserAgent: src.Subgraph.UserAgent,
		}, a.Logger),
	}
}

func (a *App) breakerOptions() map[string]breaker.Options {
	src := a.Config.Sources
	opts := make(map[string]breaker.Options, 4)
	for name, cfg := range map[string]config.SourceConfig{
		source.NameRPC:        src.RPC,
		source.NameBlockscout: src.Blockscout,
		source.NameGecko:      src.Gecko,
		source.NameSubgraph:   src.Subgraph,
	} {
		opts[name] = breaker.Options{
			FailureThreshold: cfg.FailureThreshold,
			Cooldown:         cfg.Cooldown,
			MaxCooldown:      cfg.MaxCooldown,
		}
	}
	return opts
}

func (a *App) newAggregator(registry *metrics.Registry) *aggregator.Aggregator {
	return aggregator.New(aggregator.Options{
		Registry:   registry,
		Clients:    a.newSources(),
		Breakers:   a.breakerOptions(),
		Limiter:    ratelimit.NewKeyed(a.Config.Aggregator.RatePerSec, a.Config.Aggregator.RateBurst),
		MaxRetries: a.Config.Aggregator.MaxRetries,
		RetryBase:  a.Config.Aggregator.RetryBase,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
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

// Run executes the long-running telemetry service: the HTTP API, the
// snapshot loop and the cache sweeper.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

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

	registry := a.newRegistry()
	agg := a.newAggregator(registry)
	agg.Cache().StartSweeper(ctx, a.Config.Aggregator.SweepInterval, a.Config.Aggregator.SweepGrace)
	defer agg.Cache().Close()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		Immediate:    true,
	}, a.Logger)

	notifier := a.newNotifier()

	var snapshotStore storage.SnapshotStore
	var alertStore storage.AlertStore
	if store != nil {
		snapshotStore = store
		alertStore = store
	}

	svc := service.New(a.Config, sched, agg, registry.IDs(), snapshotStore, alertStore, notifier, a.Logger)
	api := httpapi.New(a.Config.Server, agg, a.Logger)

	a.Logger.Info().Str("build", version.String()).Msg("starting telemetry service")

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return svc.Run(gctx) })
	group.Go(func() error { return api.Run(gctx) })

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("telemetry service stopped")
	return nil
}

// ExportOptions hold parameters for exporting historical snapshots.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	MetricID string
	Limit    int
}
