package source

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gold-rate-alerts/internal/model"
)

// ErrUnavailable marks a source failure that the fallback fetcher absorbs.
// Adapters wrap every failure mode (transport, parse, implausible payload)
// in this sentinel; nothing else escapes the package.
var ErrUnavailable = errors.New("source unavailable")

// Adapter wraps one external price source behind a uniform fetch contract.
// An adapter either returns a Quote or an error wrapping ErrUnavailable; it
// never blocks past its configured timeout.
type Adapter interface {
	Name() string
	Fetch(ctx context.Context, inst model.Instrument) (model.Quote, error)
}

// GramsPerTroyOunce converts API ounce quotes to the per-gram prices the
// rest of the pipeline works in.
var GramsPerTroyOunce = decimal.NewFromFloat(31.1035)

// throttle enforces a minimum gap between requests to one upstream host.
// Scraped sites block bursts, so sequential calls are spaced out.
type throttle struct {
	mu   sync.Mutex
	gap  time.Duration
	last time.Time
}

func newThrottle(gap time.Duration) *throttle {
	return &throttle{gap: gap}
}

// wait blocks until the gap since the previous request has elapsed, or the
// context is cancelled.
func (t *throttle) wait(ctx context.Context) error {
	if t == nil || t.gap <= 0 {
		return nil
	}

	t.mu.Lock()
	sleep := t.gap - time.Since(t.last)
	t.last = time.Now().Add(sleep)
	t.mu.Unlock()

	if sleep <= 0 {
		return nil
	}

	timer := time.NewTimer(sleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// parseAmount parses a scraped numeric string, tolerating thousands
// separators and surrounding text.
func parseAmount(raw string) (decimal.Decimal, bool) {
	cleaned := strings.TrimSpace(strings.ReplaceAll(raw, ",", ""))
	if cleaned == "" {
		return decimal.Decimal{}, false
	}
	value, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return value, true
}
