package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"gold-rate-alerts/internal/model"
)

const metalAPILatestPath = "/v1/latest"

// metal symbols as reported by the MetalpriceAPI rates object.
var metalSymbols = map[string]string{
	"gold":   "XAU",
	"silver": "XAG",
}

// CountryMarket describes the local market a metal instrument trades in:
// the pricing currency and the retail premium over the spot price.
type CountryMarket struct {
	Currency string
	Premium  decimal.Decimal
}

// MetalAPIOptions parameterise the MetalpriceAPI adapter.
type MetalAPIOptions struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
	Countries map[string]CountryMarket
}

// MetalAPI fetches spot metal rates from MetalpriceAPI and converts them to
// local per-gram retail prices.
type MetalAPI struct {
	opts    MetalAPIOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewMetalAPI constructs the API-backed metal adapter.
func NewMetalAPI(opts MetalAPIOptions, logger zerolog.Logger) *MetalAPI {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.metalpriceapi.com"
	}

	return &MetalAPI{
		opts:    opts,
		logger:  logger.With().Str("component", "metalapi_source").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

func (m *MetalAPI) Name() string { return "metalpriceapi" }

// Fetch retrieves the spot rate for the instrument's metal in the local
// currency and converts ounces to grams with the market premium applied.
func (m *MetalAPI) Fetch(ctx context.Context, inst model.Instrument) (model.Quote, error) {
	if inst.Kind != model.KindMetal {
		return model.Quote{}, fmt.Errorf("%w: metalpriceapi only serves metal instruments", ErrUnavailable)
	}
	if m.opts.APIKey == "" {
		return model.Quote{}, fmt.Errorf("%w: metalpriceapi key not configured", ErrUnavailable)
	}

	symbol, ok := metalSymbols[inst.Metal]
	if !ok {
		return model.Quote{}, fmt.Errorf("%w: no api symbol for metal %q", ErrUnavailable, inst.Metal)
	}

	market, ok := m.opts.Countries[inst.Country]
	if !ok || market.Currency == "" {
		return model.Quote{}, fmt.Errorf("%w: no market config for country %q", ErrUnavailable, inst.Country)
	}

	query := url.Values{}
	query.Set("api_key", m.opts.APIKey)
	query.Set("base", market.Currency)
	query.Set("currencies", symbol)

	endpoint := m.baseURL + metalAPILatestPath + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return model.Quote{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ua := strings.TrimSpace(m.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return model.Quote{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.Quote{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return model.Quote{}, fmt.Errorf("%w: metalpriceapi status %d", ErrUnavailable, resp.StatusCode)
	}

	parsed := gjson.ParseBytes(body)
	if !parsed.Get("success").Bool() {
		return model.Quote{}, fmt.Errorf("%w: metalpriceapi reported failure: %s", ErrUnavailable, parsed.Get("error.message").String())
	}

	// The API reports currency-per-ounce as its inverse: rates.XAU is
	// ounces per unit of base currency.
	rate := parsed.Get("rates." + symbol).Float()
	if rate <= 0 {
		return model.Quote{}, fmt.Errorf("%w: metalpriceapi returned non-positive rate for %s", ErrUnavailable, symbol)
	}

	perOunce := decimal.NewFromInt(1).Div(decimal.NewFromFloat(rate))
	perGram := perOunce.Div(GramsPerTroyOunce)

	premium := market.Premium
	if premium.IsZero() {
		premium = decimal.NewFromInt(1)
	}
	value := perGram.Mul(premium).Round(2)

	m.logger.Debug().
		Str("instrument", inst.Key()).
		Str("value", value.String()).
		Msg("metalpriceapi quote")

	return model.Quote{
		Instrument:  inst,
		Value:       value,
		Currency:    market.Currency,
		RetrievedAt: time.Now().UTC(),
		Source:      m.Name(),
	}, nil
}

var _ Adapter = (*MetalAPI)(nil)
