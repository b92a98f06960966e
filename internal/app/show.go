package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"gold-rate-alerts/internal/history"
	"gold-rate-alerts/internal/model"
)

// Show prints recent observations for one instrument, or the latest
// observation per instrument when no key is given.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show observations")
	}
	defer closeStore()

	hist := history.New(store, a.Config.Retention.Keep, a.Logger)

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tInstrument\tValue\tDelta\tDelta%\tCurrency\tSource")

	if opts.InstrumentKey != "" {
		inst, err := model.ParseInstrumentKey(opts.InstrumentKey)
		if err != nil {
			return err
		}
		observations, err := hist.List(ctx, inst, opts.Limit)
		if err != nil {
			return err
		}
		if len(observations) == 0 {
			fmt.Fprintln(os.Stdout, "no observations found")
			return nil
		}
		for _, obs := range observations {
			printObservation(writer, obs)
		}
		return writer.Flush()
	}

	keys, err := store.ListInstrumentKeys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Fprintln(os.Stdout, "no observations found")
		return nil
	}
	for _, key := range keys {
		inst, err := model.ParseInstrumentKey(key)
		if err != nil {
			continue
		}
		obs, err := hist.Latest(ctx, inst)
		if err != nil {
			return err
		}
		if obs != nil {
			printObservation(writer, *obs)
		}
	}
	return writer.Flush()
}

func printObservation(writer *tabwriter.Writer, obs model.Observation) {
	fmt.Fprintf(
		writer,
		"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
		obs.ObservedAt.UTC().Format(time.RFC3339),
		obs.Instrument.Key(),
		obs.Value.StringFixed(2),
		obs.Delta.StringFixed(2),
		obs.PercentDelta.StringFixed(2),
		obs.Currency,
		obs.Source,
	)
}
