package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"gold-rate-alerts/internal/model"
	"gold-rate-alerts/internal/storage"
)

// DefaultKeep is the retention bound per instrument when none is
// configured.
const DefaultKeep = 100

var hundred = decimal.NewFromInt(100)

// History owns observation persistence and retention. Delta and percent
// delta are computed exactly once at record time against the immediately
// preceding observation and never recomputed retroactively.
type History struct {
	store  storage.ObservationStore
	keep   int
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs a History over the persistence boundary. keep bounds the
// number of retained observations per instrument.
func New(store storage.ObservationStore, keep int, logger zerolog.Logger) *History {
	if keep <= 0 {
		keep = DefaultKeep
	}
	return &History{
		store:  store,
		keep:   keep,
		logger: logger.With().Str("component", "history").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
		locks:  make(map[string]*sync.Mutex),
	}
}

// keyLock returns the mutex serializing record calls for one instrument.
// Concurrent ticks must never compute a delta against a stale latest read.
func (h *History) keyLock(key string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	lock, ok := h.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		h.locks[key] = lock
	}
	return lock
}

// Record persists one observation built from the quote: it reads the most
// recent prior observation, computes the change, inserts, and prunes the
// instrument back to the retention bound. A persistence failure is
// surfaced to the caller; the next scheduled cycle retries naturally.
func (h *History) Record(ctx context.Context, quote model.Quote) (model.Observation, error) {
	key := quote.Instrument.Key()
	lock := h.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	previous, err := h.store.LatestObservation(ctx, key)
	if err != nil {
		return model.Observation{}, fmt.Errorf("read latest observation: %w", err)
	}

	// The observation is stamped when it is recorded, not when the quote
	// was fetched: the cache replays one quote for every read inside its
	// TTL window, and replays must still produce strictly ordered rows.
	// quote.RetrievedAt stays on the quote as provenance only.
	obs := model.Observation{
		Instrument: quote.Instrument,
		Value:      quote.Value,
		Currency:   quote.Currency,
		Source:     quote.Source,
		ObservedAt: h.now(),
	}
	if previous != nil && !obs.ObservedAt.After(previous.ObservedAt) {
		obs.ObservedAt = previous.ObservedAt.Add(time.Microsecond)
	}

	if previous != nil {
		prev := previous.Value
		obs.PreviousValue = &prev
		obs.Delta = quote.Value.Sub(prev)
		if !prev.IsZero() {
			obs.PercentDelta = obs.Delta.Div(prev).Mul(hundred)
		}
	}

	inserted, err := h.store.InsertObservation(ctx, obs)
	if err != nil {
		return model.Observation{}, fmt.Errorf("insert observation: %w", err)
	}

	if deleted, err := h.store.DeleteOlderThanTopK(ctx, key, h.keep); err != nil {
		// Retention failure does not invalidate the recorded observation;
		// the low-frequency sweep picks up the slack.
		h.logger.Error().Err(err).Str("instrument", key).Msg("per-cycle prune failed")
	} else if deleted > 0 {
		h.logger.Debug().Int64("deleted", deleted).Str("instrument", key).Msg("pruned old observations")
	}

	return inserted, nil
}

// Latest returns the newest observation for the instrument, or nil.
func (h *History) Latest(ctx context.Context, inst model.Instrument) (*model.Observation, error) {
	return h.store.LatestObservation(ctx, inst.Key())
}

// List returns up to limit observations for the instrument, most recent
// first.
func (h *History) List(ctx context.Context, inst model.Instrument, limit int) ([]model.Observation, error) {
	return h.store.ListObservations(ctx, inst.Key(), limit)
}

// PruneAll enforces the retention bound for every known instrument. It is
// idempotent: a second run with no intervening record deletes nothing.
func (h *History) PruneAll(ctx context.Context) error {
	keys, err := h.store.ListInstrumentKeys(ctx)
	if err != nil {
		return fmt.Errorf("list instrument keys: %w", err)
	}

	var total int64
	for _, key := range keys {
		deleted, err := h.store.DeleteOlderThanTopK(ctx, key, h.keep)
		if err != nil {
			// Keep sweeping the remaining instruments.
			h.logger.Error().Err(err).Str("instrument", key).Msg("sweep prune failed")
			continue
		}
		total += deleted
	}

	h.logger.Info().Int64("deleted", total).Int("instruments", len(keys)).Msg("retention sweep complete")
	return nil
}
