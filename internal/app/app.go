package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"gold-rate-alerts/internal/alerting"
	"gold-rate-alerts/internal/collector"
	"gold-rate-alerts/internal/config"
	"gold-rate-alerts/internal/delivery"
	"gold-rate-alerts/internal/fetcher"
	"gold-rate-alerts/internal/history"
	"gold-rate-alerts/internal/model"
	"gold-rate-alerts/internal/scheduler"
	"gold-rate-alerts/internal/server"
	"gold-rate-alerts/internal/source"
	"gold-rate-alerts/internal/storage"
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

// instruments materialises the configured instrument list.
func (a *App) instruments() []model.Instrument {
	out := make([]model.Instrument, 0, len(a.Config.Instruments.Metals)+len(a.Config.Instruments.Pairs))
	for _, m := range a.Config.Instruments.Metals {
		out = append(out, model.MetalInstrument(m.Metal, m.Country))
	}
	for _, p := range a.Config.Instruments.Pairs {
		out = append(out, model.PairInstrument(p.Base, p.Quote))
	}
	return out
}

// countryMarkets maps each configured country to its pricing currency and
// retail premium.
func (a *App) countryMarkets() map[string]source.CountryMarket {
	markets := make(map[string]source.CountryMarket, len(a.Config.Instruments.Metals))
	for _, m := range a.Config.Instruments.Metals {
		premium := decimal.NewFromFloat(m.Premium)
		if !premium.IsPositive() {
			premium = decimal.NewFromInt(1)
		}
		markets[m.Country] = source.CountryMarket{
			Currency: m.Currency,
			Premium:  premium,
		}
	}
	return markets
}

// newAdapters builds the upstream source chain in priority order: the
// structured API first, scrapers after.
func (a *App) newAdapters() []source.Adapter {
	markets := a.countryMarkets()
	srcCfg := a.Config.Sources

	return []source.Adapter{
		source.NewMetalAPI(source.MetalAPIOptions{
			BaseURL:   srcCfg.MetalAPI.BaseURL,
			APIKey:    srcCfg.MetalAPI.APIKey,
			Timeout:   srcCfg.MetalAPI.Timeout,
			Countries: markets,
		}, a.Logger),
		source.NewGoldPage(source.GoldPageOptions{
			BaseURL:   srcCfg.GoldPage.BaseURL,
			Timeout:   srcCfg.GoldPage.Timeout,
			UserAgent: srcCfg.GoldPage.UserAgent,
			HostGap:   srcCfg.GoldPage.HostGap,
			Countries: markets,
		}, a.Logger),
		source.NewXE(source.XEOptions{
			BaseURL:   srcCfg.XE.BaseURL,
			Timeout:   srcCfg.XE.Timeout,
			UserAgent: srcCfg.XE.UserAgent,
			HostGap:   srcCfg.XE.HostGap,
		}, a.Logger),
	}
}

func (a *App) plausibilityBands() map[model.InstrumentKind]fetcher.Band {
	p := a.Config.Plausibility
	return map[model.InstrumentKind]fetcher.Band{
		model.KindMetal: {
			Min: decimal.NewFromFloat(p.Metal.Min),
			Max: decimal.NewFromFloat(p.Metal.Max),
		},
		model.KindFX: {
			Min: decimal.NewFromFloat(p.FX.Min),
			Max: decimal.NewFromFloat(p.FX.Max),
		},
	}
}

func (a *App) staticDefaults() map[string]fetcher.StaticQuote {
	defaults := make(map[string]fetcher.StaticQuote, len(a.Config.Fallbacks))
	for key, d := range a.Config.Fallbacks {
		defaults[key] = fetcher.StaticQuote{
			Value:    decimal.NewFromFloat(d.Value),
			Currency: d.Currency,
		}
	}
	return defaults
}

// newQuoteCache assembles the fallback fetcher wrapped in the TTL cache.
func (a *App) newQuoteCache() *fetcher.Cache {
	chain := fetcher.New(a.newAdapters(), fetcher.Options{
		PerSourceTimeout: a.Config.Sources.PerSourceTimeout,
		Bands:            a.plausibilityBands(),
		Defaults:         a.staticDefaults(),
	}, a.Logger)

	return fetcher.NewCache(chain, fetcher.CacheOptions{
		MetalTTL: a.Config.Cache.MetalTTL,
		FXTTL:    a.Config.Cache.FXTTL,
	})
}

// newSender picks the push transport. Without FCM credentials notifications
// are logged instead of delivered, which keeps local development useful.
func (a *App) newSender() delivery.Sender {
	if a.Config.Delivery.FCM.Enabled {
		fcm := a.Config.Delivery.FCM
		return delivery.NewFCMSender(delivery.FCMOptions{
			BaseURL:   fcm.BaseURL,
			ServerKey: fcm.ServerKey,
			Timeout:   fcm.Timeout,
		}, a.Logger)
	}
	return &delivery.LogSender{Logger: a.Logger}
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

// newCollector wires the full pipeline over the given quote source.
func (a *App) newCollector(quotes fetcher.QuoteFetcher, store *storage.Store) (*collector.Collector, *history.History) {
	hist := history.New(store, a.Config.Retention.Keep, a.Logger)
	dispatcher := alerting.NewDispatcher(a.newSender(), store, a.Logger)
	evaluator := alerting.NewEvaluator(store, a.Logger)

	coll := collector.New(
		quotes,
		hist,
		evaluator,
		dispatcher,
		store,
		a.instruments(),
		store,
		collector.Options{
			Workers:         a.Config.Collector.Workers,
			AdvisoryLockKey: a.Config.Scheduler.AdvisoryLockKey,
		},
		a.Logger,
	)
	return coll, hist
}

// Run executes the long-running collection service: the periodic collector,
// the daily retention sweep and digest, and the optional HTTP API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn is required to run the service")
	}
	defer closeStore()

	cache := a.newQuoteCache()
	coll, hist := a.newCollector(cache, store)

	sched := scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		AlignToClock:   a.Config.Scheduler.AlignToClock,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		RunImmediately: true,
	}, a.Logger)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return sched.Run(groupCtx, coll.Collect)
	})

	group.Go(func() error {
		return a.runCron(groupCtx, coll)
	})

	if a.Config.Server.Enabled {
		srv := server.New(cache, cache, hist, store, server.Options{
			Listen: a.Config.Server.Listen,
		}, a.Logger)
		group.Go(func() error {
			return srv.Run(groupCtx)
		})
	}

	a.Logger.Info().
		Int("instruments", len(a.instruments())).
		Dur("interval", a.Config.Scheduler.Interval).
		Msg("starting collection service")

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("collection service stopped")
	return nil
}

// runCron drives the low-frequency maintenance jobs: the retention sweep
// and the daily digest, both on UTC cron schedules.
func (a *App) runCron(ctx context.Context, coll *collector.Collector) error {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	if _, err := c.AddFunc(a.Config.Retention.Schedule, func() {
		if err := coll.Sweep(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("retention sweep failed")
		}
	}); err != nil {
		return err
	}

	if a.Config.Digest.Enabled {
		if _, err := c.AddFunc(a.Config.Digest.Schedule, func() {
			if err := coll.Digest(ctx); err != nil {
				a.Logger.Error().Err(err).Msg("digest run failed")
			}
		}); err != nil {
			return err
		}
	}

	c.Start()
	<-ctx.Done()

	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
	}
	return ctx.Err()
}

// CollectOnce runs a single collection cycle and exits. Useful for crontab
// style deployments and debugging.
func (a *App) CollectOnce(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot collect")
	}
	defer closeStore()

	coll, _ := a.newCollector(a.newQuoteCache(), store)
	return coll.Collect(ctx, time.Now().UTC())
}

// DigestOnce sends the daily summary immediately.
func (a *App) DigestOnce(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot send digest")
	}
	defer closeStore()

	coll, _ := a.newCollector(a.newQuoteCache(), store)
	return coll.Digest(ctx)
}

// ShowOptions configure the show command.
type ShowOptions struct {
	InstrumentKey string
	Limit         int
}

// ExportOptions hold parameters for exporting observation history.
type ExportOptions struct {
	InstrumentKey string
	CSVPath       string
	PNGPath       string
	Limit         int
}

// SimulateOptions configure the simulate command.
type SimulateOptions struct {
	InstrumentKey string
	Value         decimal.Decimal
	Currency      string
}
