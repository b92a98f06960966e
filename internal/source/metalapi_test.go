package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"gold-rate-alerts/internal/model"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func egyptMarkets() map[string]CountryMarket {
	return map[string]CountryMarket{
		"egypt": {Currency: "EGP", Premium: decimal.NewFromFloat(1.06)},
	}
}

func TestMetalAPIFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("api_key") != "key" {
			t.Fatalf("api key not forwarded: %s", r.URL.RawQuery)
		}
		if query.Get("base") != "EGP" || query.Get("currencies") != "XAU" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		// 0.00001 XAU per EGP means 100000 EGP per ounce.
		_, _ = w.Write([]byte(`{"success":true,"base":"EGP","rates":{"XAU":0.00001}}`))
	}))
	defer srv.Close()

	m := NewMetalAPI(MetalAPIOptions{
		BaseURL:   srv.URL,
		APIKey:    "key",
		Timeout:   time.Second,
		Countries: egyptMarkets(),
	}, noopLogger())

	quote, err := m.Fetch(context.Background(), model.MetalInstrument("gold", "egypt"))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	// 100000 per ounce / 31.1035 grams * 1.06 premium, rounded to piasters.
	want := decimal.RequireFromString("3407.98")
	if !quote.Value.Equal(want) {
		t.Fatalf("per-gram value: got %s, want %s", quote.Value, want)
	}
	if quote.Currency != "EGP" {
		t.Fatalf("currency: %s", quote.Currency)
	}
	if quote.Source != "metalpriceapi" {
		t.Fatalf("source: %s", quote.Source)
	}
}

func TestMetalAPIFetchAPIFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"error":{"message":"quota exceeded"}}`))
	}))
	defer srv.Close()

	m := NewMetalAPI(MetalAPIOptions{
		BaseURL:   srv.URL,
		APIKey:    "key",
		Countries: egyptMarkets(),
	}, noopLogger())

	_, err := m.Fetch(context.Background(), model.MetalInstrument("gold", "egypt"))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("api failure must map to ErrUnavailable: %v", err)
	}
}

func TestMetalAPIFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	m := NewMetalAPI(MetalAPIOptions{
		BaseURL:   srv.URL,
		APIKey:    "key",
		Countries: egyptMarkets(),
	}, noopLogger())

	_, err := m.Fetch(context.Background(), model.MetalInstrument("gold", "egypt"))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("http error must map to ErrUnavailable: %v", err)
	}
}

func TestMetalAPIFetchGuards(t *testing.T) {
	m := NewMetalAPI(MetalAPIOptions{Countries: egyptMarkets()}, noopLogger())

	if _, err := m.Fetch(context.Background(), model.MetalInstrument("gold", "egypt")); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("missing api key: %v", err)
	}

	m = NewMetalAPI(MetalAPIOptions{APIKey: "key", Countries: egyptMarkets()}, noopLogger())
	if _, err := m.Fetch(context.Background(), model.PairInstrument("USD", "EGP")); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("fx instrument: %v", err)
	}
	if _, err := m.Fetch(context.Background(), model.MetalInstrument("platinum", "egypt")); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("unsupported metal: %v", err)
	}
	if _, err := m.Fetch(context.Background(), model.MetalInstrument("gold", "france")); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("unconfigured country: %v", err)
	}
}

func TestParseAmount(t *testing.T) {
	cases := map[string]string{
		"3,250.75": "3250.75",
		"30.90":    "30.9",
		"1,000":    "1000",
	}
	for raw, want := range cases {
		value, ok := parseAmount(raw)
		if !ok {
			t.Fatalf("parse %q failed", raw)
		}
		if value.String() != want {
			t.Fatalf("parse %q: got %s, want %s", raw, value, want)
		}
	}

	if _, ok := parseAmount("not-a-number"); ok {
		t.Fatal("garbage must not parse")
	}
}
