package app

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"gold-rate-alerts/internal/history"
	"gold-rate-alerts/internal/model"
)

// Export renders one instrument's retained history as CSV and/or a PNG
// chart of value and percent change.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.InstrumentKey == "" {
		return errors.New("--instrument is required")
	}

	inst, err := model.ParseInstrumentKey(opts.InstrumentKey)
	if err != nil {
		return err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = a.Config.Retention.Keep
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	hist := history.New(store, a.Config.Retention.Keep, a.Logger)
	observations, err := hist.List(ctx, inst, limit)
	if err != nil {
		return err
	}
	if len(observations) == 0 {
		a.Logger.Info().Str("instrument", inst.Key()).Msg("no observations to export")
		return nil
	}

	// Storage returns newest first; charts and CSV read chronologically.
	reverse(observations)
	a.Logger.Info().Int("observations", len(observations)).Str("instrument", inst.Key()).Msg("exporting history")

	if opts.CSVPath != "" {
		if err := writeObservationsCSV(opts.CSVPath, observations); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeObservationsPNG(opts.PNGPath, inst, observations); err != nil {
			return err
		}
	}

	return nil
}

func reverse(observations []model.Observation) {
	for i, j := 0, len(observations)-1; i < j; i, j = i+1, j-1 {
		observations[i], observations[j] = observations[j], observations[i]
	}
}

func writeObservationsCSV(path string, observations []model.Observation) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"observed_at", "instrument", "value", "delta", "percent_delta", "currency", "source"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, obs := range observations {
		record := []string{
			obs.ObservedAt.Format(time.RFC3339),
			obs.Instrument.Key(),
			obs.Value.String(),
			obs.Delta.String(),
			obs.PercentDelta.String(),
			obs.Currency,
			obs.Source,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeObservationsPNG(path string, inst model.Instrument, observations []model.Observation) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(observations))
	values := make([]float64, len(observations))
	percents := make([]float64, len(observations))

	for i, obs := range observations {
		x[i] = obs.ObservedAt
		values[i] = obs.Value.InexactFloat64()
		percents[i] = obs.PercentDelta.InexactFloat64()
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           inst.Label(),
			ValueFormatter: valueFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Change (%)",
			ValueFormatter: valueFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Value",
				XValues: x,
				YValues: values,
			},
			chart.TimeSeries{
				Name:    "Change %",
				XValues: x,
				YValues: percents,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
