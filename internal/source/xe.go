package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"gold-rate-alerts/internal/model"
)

// Selectors where the converter page has shown the rate across redesigns,
// newest first. Kept as an ordered list so markup drift degrades gracefully.
var xeRateSelectors = []string{
	`p[class*="result__BigRate"]`,
	`p[class*="BigRate"]`,
	".converterresult-toAmount",
	".uccResultAmount",
	`span[class*="faded-digits"]`,
}

var scriptRatePattern = regexp.MustCompile(`"rate"\s*:\s*([\d.]+)`)

// XEOptions parameterise the FX converter scraper.
type XEOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	HostGap   time.Duration
}

// XE scrapes mid-market FX rates from the currency converter page.
type XE struct {
	opts     XEOptions
	logger   zerolog.Logger
	client   *http.Client
	baseURL  string
	throttle *throttle
}

// NewXE constructs the FX scraping adapter.
func NewXE(opts XEOptions, logger zerolog.Logger) *XE {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://www.xe.com"
	}

	return &XE{
		opts:     opts,
		logger:   logger.With().Str("component", "xe_source").Logger(),
		client:   &http.Client{Timeout: timeout},
		baseURL:  baseURL,
		throttle: newThrottle(opts.HostGap),
	}
}

func (x *XE) Name() string { return "xe" }

// Fetch scrapes the rate for one currency pair.
func (x *XE) Fetch(ctx context.Context, inst model.Instrument) (model.Quote, error) {
	if inst.Kind != model.KindFX {
		return model.Quote{}, fmt.Errorf("%w: xe only serves currency pairs", ErrUnavailable)
	}

	if err := x.throttle.wait(ctx); err != nil {
		return model.Quote{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	query := url.Values{}
	query.Set("Amount", "1")
	query.Set("From", inst.Base)
	query.Set("To", inst.Quote)
	endpoint := x.baseURL + "/currencyconverter/convert/?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return model.Quote{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ua := strings.TrimSpace(x.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := x.client.Do(req)
	if err != nil {
		return model.Quote{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.Quote{}, fmt.Errorf("%w: xe status %d", ErrUnavailable, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return model.Quote{}, fmt.Errorf("%w: parse page: %v", ErrUnavailable, err)
	}

	rate, ok := extractVisibleRate(doc)
	if !ok {
		rate, ok = extractScriptRate(doc, inst)
	}
	if !ok {
		return model.Quote{}, fmt.Errorf("%w: no usable rate found for %s", ErrUnavailable, inst.Label())
	}

	x.logger.Debug().
		Str("instrument", inst.Key()).
		Str("value", rate.String()).
		Msg("xe quote")

	return model.Quote{
		Instrument:  inst,
		Value:       rate,
		Currency:    inst.Quote,
		RetrievedAt: time.Now().UTC(),
		Source:      x.Name(),
	}, nil
}

// extractVisibleRate tries the known display selectors in order and keeps
// the first number that looks like an exchange rate.
func extractVisibleRate(doc *goquery.Document) (decimal.Decimal, bool) {
	lower := decimal.NewFromFloat(0.001)
	upper := decimal.NewFromInt(10000)

	for _, selector := range xeRateSelectors {
		var found decimal.Decimal
		var ok bool

		doc.Find(selector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			for _, raw := range amountPattern.FindAllString(sel.Text(), -1) {
				value, parsed := parseAmount(raw)
				if !parsed {
					continue
				}
				if value.GreaterThan(lower) && value.LessThan(upper) {
					found, ok = value, true
					return false
				}
			}
			return true
		})

		if ok {
			return found, true
		}
	}
	return decimal.Decimal{}, false
}

// extractScriptRate is the last-ditch strategy: a "rate": literal inside an
// inline script mentioning both currencies.
func extractScriptRate(doc *goquery.Document, inst model.Instrument) (decimal.Decimal, bool) {
	var found decimal.Decimal
	var ok bool

	doc.Find("script").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		content := sel.Text()
		if !strings.Contains(content, inst.Base) || !strings.Contains(content, inst.Quote) {
			return true
		}
		match := scriptRatePattern.FindStringSubmatch(content)
		if match == nil {
			return true
		}
		value, parsed := parseAmount(match[1])
		if !parsed || !value.IsPositive() {
			return true
		}
		found, ok = value, true
		return false
	})

	return found, ok
}

var _ Adapter = (*XE)(nil)
