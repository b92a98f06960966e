package fetcher

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"gold-rate-alerts/internal/model"
	"gold-rate-alerts/internal/source"
)

// QuoteFetcher is the contract the cache and collector consume: a fetch
// that always produces a Quote. Fetch failure is absorbed, not propagated —
// price data is best effort.
type QuoteFetcher interface {
	FetchQuote(ctx context.Context, inst model.Instrument) model.Quote
}

// Band is the plausibility window for one instrument class. Values outside
// the band are treated as parsing garbage and rejected.
type Band struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// Contains reports whether v is a plausible value for the band.
func (b Band) Contains(v decimal.Decimal) bool {
	if !v.IsPositive() {
		return false
	}
	if !b.Min.IsZero() && v.LessThanOrEqual(b.Min) {
		return false
	}
	if !b.Max.IsZero() && v.GreaterThanOrEqual(b.Max) {
		return false
	}
	return true
}

// StaticQuote is a hardcoded last-known-good default for one instrument.
type StaticQuote struct {
	Value    decimal.Decimal
	Currency string
}

// Options parameterise the fallback fetcher.
type Options struct {
	// PerSourceTimeout bounds each adapter call independently of the
	// caller's context.
	PerSourceTimeout time.Duration
	Bands            map[model.InstrumentKind]Band
	Defaults         map[string]StaticQuote
}

// Fetcher tries an ordered list of source adapters and falls back to the
// static default table when every adapter fails or returns an implausible
// value. It never returns an error.
type Fetcher struct {
	adapters []source.Adapter
	opts     Options
	logger   zerolog.Logger
}

// New constructs a fallback fetcher over the adapters in priority order.
func New(adapters []source.Adapter, opts Options, logger zerolog.Logger) *Fetcher {
	if opts.PerSourceTimeout <= 0 {
		opts.PerSourceTimeout = 12 * time.Second
	}
	return &Fetcher{
		adapters: adapters,
		opts:     opts,
		logger:   logger.With().Str("component", "fetcher").Logger(),
	}
}

// FetchQuote returns the first plausible quote from the adapter chain, or
// the static default tagged source=fallback.
func (f *Fetcher) FetchQuote(ctx context.Context, inst model.Instrument) model.Quote {
	band := f.opts.Bands[inst.Kind]

	for _, adapter := range f.adapters {
		quote, err := f.fetchOne(ctx, adapter, inst)
		if err != nil {
			f.logger.Debug().
				Err(err).
				Str("source", adapter.Name()).
				Str("instrument", inst.Key()).
				Msg("source failed, falling through")
			continue
		}
		if !band.Contains(quote.Value) {
			f.logger.Warn().
				Str("source", adapter.Name()).
				Str("instrument", inst.Key()).
				Str("value", quote.Value.String()).
				Msg("implausible value rejected")
			continue
		}
		return quote
	}

	return f.fallbackQuote(inst)
}

func (f *Fetcher) fetchOne(ctx context.Context, adapter source.Adapter, inst model.Instrument) (model.Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, f.opts.PerSourceTimeout)
	defer cancel()
	return adapter.Fetch(ctx, inst)
}

func (f *Fetcher) fallbackQuote(inst model.Instrument) model.Quote {
	def, ok := f.opts.Defaults[inst.Key()]
	if !ok {
		// No default configured for this instrument; serve a unit value
		// rather than zero so downstream math stays finite.
		def = StaticQuote{Value: decimal.NewFromInt(1)}
	}

	f.logger.Warn().
		Str("instrument", inst.Key()).
		Str("value", def.Value.String()).
		Msg("all sources failed, serving static default")

	return model.Quote{
		Instrument:  inst,
		Value:       def.Value,
		Currency:    def.Currency,
		RetrievedAt: time.Now().UTC(),
		Source:      model.SourceFallback,
	}
}

var _ QuoteFetcher = (*Fetcher)(nil)
