package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"gold-rate-alerts/internal/model"
)

const xeVisiblePage = `<html><body>
<p class="result__BigRate-sc-1bsijpp-1">30.9042 Egyptian Pounds</p>
</body></html>`

const xeScriptPage = `<html><body>
<script>window.__DATA__ = {"from":"USD","to":"EGP","rate":30.8511};</script>
</body></html>`

func newXETest(baseURL string) *XE {
	return NewXE(XEOptions{
		BaseURL: baseURL,
		Timeout: time.Second,
	}, noopLogger())
}

func TestXEFetchVisibleRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("From") != "USD" || query.Get("To") != "EGP" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(xeVisiblePage))
	}))
	defer srv.Close()

	quote, err := newXETest(srv.URL).Fetch(context.Background(), model.PairInstrument("USD", "EGP"))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	want := decimal.RequireFromString("30.9042")
	if !quote.Value.Equal(want) {
		t.Fatalf("rate: got %s, want %s", quote.Value, want)
	}
	if quote.Currency != "EGP" {
		t.Fatalf("currency should be the quote side: %s", quote.Currency)
	}
	if quote.Source != "xe" {
		t.Fatalf("source: %s", quote.Source)
	}
}

func TestXEFetchScriptFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(xeScriptPage))
	}))
	defer srv.Close()

	quote, err := newXETest(srv.URL).Fetch(context.Background(), model.PairInstrument("USD", "EGP"))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	want := decimal.RequireFromString("30.8511")
	if !quote.Value.Equal(want) {
		t.Fatalf("rate: got %s, want %s", quote.Value, want)
	}
}

func TestXEFetchNoRateFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html><body><p>converter unavailable</p></body></html>"))
	}))
	defer srv.Close()

	_, err := newXETest(srv.URL).Fetch(context.Background(), model.PairInstrument("USD", "EGP"))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("unparseable page must map to ErrUnavailable: %v", err)
	}
}

func TestXEFetchRejectsMetalInstruments(t *testing.T) {
	if _, err := newXETest("http://unused.invalid").Fetch(context.Background(), model.MetalInstrument("gold", "egypt")); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("metal instrument: %v", err)
	}
}

func TestXEFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newXETest(srv.URL).Fetch(context.Background(), model.PairInstrument("USD", "EGP"))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("http error must map to ErrUnavailable: %v", err)
	}
}

func TestThrottleSpacesRequests(t *testing.T) {
	th := newThrottle(30 * time.Millisecond)

	start := time.Now()
	if err := th.wait(context.Background()); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	if err := th.wait(context.Background()); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("second request should be delayed by the gap, elapsed %s", elapsed)
	}
}

func TestThrottleRespectsContext(t *testing.T) {
	th := newThrottle(time.Minute)
	if err := th.wait(context.Background()); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := th.wait(ctx); err == nil {
		t.Fatal("cancelled context must abort the wait")
	}
}
