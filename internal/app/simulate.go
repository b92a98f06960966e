package app

import (
	"context"
	"errors"
	"time"

	"gold-rate-alerts/internal/alerting"
	"gold-rate-alerts/internal/history"
	"gold-rate-alerts/internal/model"
)

// Simulate injects a synthetic quote for one instrument and runs it through
// the real pipeline: record, evaluate, dispatch. Lets operators verify rule
// and notification wiring without waiting for a market move.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	if !opts.Value.IsPositive() {
		return errors.New("value must be positive")
	}

	inst, err := model.ParseInstrumentKey(opts.InstrumentKey)
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot simulate")
	}
	defer closeStore()

	currency := opts.Currency
	if currency == "" {
		currency = a.defaultCurrency(inst)
	}

	hist := history.New(store, a.Config.Retention.Keep, a.Logger)
	evaluator := alerting.NewEvaluator(store, a.Logger)
	dispatcher := alerting.NewDispatcher(a.newSender(), store, a.Logger)

	obs, err := hist.Record(ctx, model.Quote{
		Instrument:  inst,
		Value:       opts.Value,
		Currency:    currency,
		RetrievedAt: time.Now().UTC(),
		Source:      "simulated",
	})
	if err != nil {
		return err
	}

	a.Logger.Info().
		Str("instrument", inst.Key()).
		Str("value", obs.Value.String()).
		Str("delta", obs.Delta.String()).
		Msg("synthetic observation recorded")

	triggers, err := evaluator.Evaluate(ctx, []model.Observation{obs})
	if err != nil {
		return err
	}

	for _, trig := range triggers {
		if err := dispatcher.Dispatch(ctx, trig); err != nil {
			a.Logger.Error().Err(err).Str("user", trig.Subscription.UserID).Msg("dispatch failed")
		}
	}

	a.Logger.Info().Int("triggers", len(triggers)).Msg("simulation complete")
	return nil
}

// defaultCurrency resolves the pricing currency for an instrument from the
// configured markets and fallbacks.
func (a *App) defaultCurrency(inst model.Instrument) string {
	if inst.Kind == model.KindFX {
		return inst.Quote
	}
	for _, m := range a.Config.Instruments.Metals {
		if m.Metal == inst.Metal && m.Country == inst.Country {
			return m.Currency
		}
	}
	if d, ok := a.Config.Fallbacks[inst.Key()]; ok {
		return d.Currency
	}
	return ""
}
