package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"gold-rate-alerts/internal/alerting"
	"gold-rate-alerts/internal/fetcher"
	"gold-rate-alerts/internal/history"
	"gold-rate-alerts/internal/model"
	"gold-rate-alerts/internal/storage"
)

// Options tune the collection pipeline.
type Options struct {
	// Workers bounds how many instruments are fetched concurrently, to
	// respect upstream rate limits.
	Workers int
	// AdvisoryLockKey keeps a cycle single-flight across replicas when a
	// locker is available. Zero disables locking.
	AdvisoryLockKey int64
}

// Collector wires the pipeline for one schedule: fetch (through the cache)
// → record → evaluate → dispatch, plus the retention sweep and the daily
// digest. No failure inside a cycle is fatal; blast radius is one
// instrument or one user.
type Collector struct {
	quotes      fetcher.QuoteFetcher
	history     *history.History
	evaluator   *alerting.Evaluator
	dispatcher  *alerting.Dispatcher
	subs        storage.SubscriptionStore
	instruments []model.Instrument
	locker      storage.AdvisoryLocker
	opts        Options
	logger      zerolog.Logger
}

// New constructs the collector over its collaborators. locker may be nil.
func New(
	quotes fetcher.QuoteFetcher,
	hist *history.History,
	evaluator *alerting.Evaluator,
	dispatcher *alerting.Dispatcher,
	subs storage.SubscriptionStore,
	instruments []model.Instrument,
	locker storage.AdvisoryLocker,
	opts Options,
	logger zerolog.Logger,
) *Collector {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &Collector{
		quotes:      quotes,
		history:     hist,
		evaluator:   evaluator,
		dispatcher:  dispatcher,
		subs:        subs,
		instruments: instruments,
		locker:      locker,
		opts:        opts,
		logger:      logger.With().Str("component", "collector").Logger(),
	}
}

// Collect runs one full collection cycle.
func (c *Collector) Collect(ctx context.Context, tick time.Time) error {
	unlock, proceed, err := c.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		c.logger.Debug().Time("tick", tick).Msg("skip cycle, advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	observations := c.collectObservations(ctx)
	if len(observations) == 0 {
		c.logger.Warn().Time("tick", tick).Msg("cycle produced no observations")
		return nil
	}

	c.logger.Info().
		Time("tick", tick).
		Int("observations", len(observations)).
		Msg("observations recorded")

	return c.alert(ctx, observations)
}

// collectObservations fetches and records every configured instrument.
// Instruments are independent: each failure is logged and isolated.
func (c *Collector) collectObservations(ctx context.Context) []model.Observation {
	var mu sync.Mutex
	observations := make([]model.Observation, 0, len(c.instruments))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(c.opts.Workers)

	for _, inst := range c.instruments {
		group.Go(func() error {
			quote := c.quotes.FetchQuote(groupCtx, inst)

			obs, err := c.history.Record(groupCtx, quote)
			if err != nil {
				// Persistence failure: surface in the log, retry on the
				// next scheduled cycle.
				c.logger.Error().Err(err).Str("instrument", inst.Key()).Msg("record failed")
				return nil
			}

			mu.Lock()
			observations = append(observations, obs)
			mu.Unlock()
			return nil
		})
	}

	// Worker funcs never return errors; Wait only orders completion.
	_ = group.Wait()
	return observations
}

// alert runs one evaluation pass and dispatches the resulting work list.
func (c *Collector) alert(ctx context.Context, observations []model.Observation) error {
	triggers, err := c.evaluator.Evaluate(ctx, observations)
	if err != nil {
		return fmt.Errorf("evaluate subscriptions: %w", err)
	}

	for _, trig := range triggers {
		if err := c.dispatcher.Dispatch(ctx, trig); err != nil {
			// Transient delivery failure: cooldown was not consumed, so
			// this user retries naturally next cycle.
			c.logger.Error().Err(err).Str("user", trig.Subscription.UserID).Msg("dispatch failed")
		}
	}
	return nil
}

// Sweep enforces the retention bound across all instruments. Runs on its
// own low-frequency schedule so storage stays bounded even if per-cycle
// pruning is skipped.
func (c *Collector) Sweep(ctx context.Context) error {
	return c.history.PruneAll(ctx)
}

// Digest sends the daily multi-instrument summary to every enabled
// subscription, subject to each user's cooldown.
func (c *Collector) Digest(ctx context.Context) error {
	summary := make([]model.Observation, 0, len(c.instruments))
	for _, inst := range c.instruments {
		obs, err := c.history.Latest(ctx, inst)
		if err != nil {
			c.logger.Error().Err(err).Str("instrument", inst.Key()).Msg("digest read failed")
			continue
		}
		if obs != nil {
			summary = append(summary, *obs)
		}
	}
	if len(summary) == 0 {
		c.logger.Warn().Msg("digest skipped, no observations")
		return nil
	}

	subs, err := c.subs.ListEnabledSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("list enabled subscriptions: %w", err)
	}

	sent := 0
	for _, sub := range subs {
		if err := c.dispatcher.DispatchDigest(ctx, sub, summary); err != nil {
			c.logger.Error().Err(err).Str("user", sub.UserID).Msg("digest dispatch failed")
			continue
		}
		sent++
	}

	c.logger.Info().Int("subscriptions", len(subs)).Int("processed", sent).Msg("digest cycle complete")
	return nil
}

func (c *Collector) acquireLock(ctx context.Context) (func(), bool, error) {
	if c.opts.AdvisoryLockKey == 0 || c.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := c.locker.TryAdvisoryLock(ctx, c.opts.AdvisoryLockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
