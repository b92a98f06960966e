package source

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"gold-rate-alerts/internal/model"
)

var (
	karatPattern  = regexp.MustCompile(`(?i)(\d+)\s*(?:k|karat|عيار)`)
	amountPattern = regexp.MustCompile(`[\d,]+\.?\d*`)
)

// GoldPageOptions parameterise the gold price page scraper.
type GoldPageOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	HostGap   time.Duration
	Countries map[string]CountryMarket
}

// GoldPage scrapes per-country retail gold prices from an unstructured
// price listing page. Markup on these sites drifts, so extraction runs a
// sequence of candidate strategies and accepts the first consistent parse.
type GoldPage struct {
	opts     GoldPageOptions
	logger   zerolog.Logger
	client   *http.Client
	baseURL  string
	throttle *throttle
}

// NewGoldPage constructs the scraping adapter.
func NewGoldPage(opts GoldPageOptions, logger zerolog.Logger) *GoldPage {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://goldpricenow.live"
	}

	return &GoldPage{
		opts:     opts,
		logger:   logger.With().Str("component", "goldpage_source").Logger(),
		client:   &http.Client{Timeout: timeout},
		baseURL:  baseURL,
		throttle: newThrottle(opts.HostGap),
	}
}

func (g *GoldPage) Name() string { return "goldpage" }

// Fetch scrapes the 24k per-gram price for the instrument's country.
func (g *GoldPage) Fetch(ctx context.Context, inst model.Instrument) (model.Quote, error) {
	if inst.Kind != model.KindMetal || inst.Metal != "gold" {
		return model.Quote{}, fmt.Errorf("%w: goldpage only serves gold instruments", ErrUnavailable)
	}

	market, ok := g.opts.Countries[inst.Country]
	if !ok || market.Currency == "" {
		return model.Quote{}, fmt.Errorf("%w: no market config for country %q", ErrUnavailable, inst.Country)
	}

	if err := g.throttle.wait(ctx); err != nil {
		return model.Quote{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	endpoint := fmt.Sprintf("%s/%s/", g.baseURL, inst.Country)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return model.Quote{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ua := strings.TrimSpace(g.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return model.Quote{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.Quote{}, fmt.Errorf("%w: goldpage status %d", ErrUnavailable, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return model.Quote{}, fmt.Errorf("%w: parse page: %v", ErrUnavailable, err)
	}

	base, ok := g.extract(doc)
	if !ok {
		return model.Quote{}, fmt.Errorf("%w: no usable 24k price found for %s", ErrUnavailable, inst.Country)
	}

	premium := market.Premium
	if premium.IsZero() {
		premium = decimal.NewFromInt(1)
	}
	value := base.Mul(premium).Round(2)

	g.logger.Debug().
		Str("instrument", inst.Key()).
		Str("value", value.String()).
		Msg("goldpage quote")

	return model.Quote{
		Instrument:  inst,
		Value:       value,
		Currency:    market.Currency,
		RetrievedAt: time.Now().UTC(),
		Source:      g.Name(),
	}, nil
}

// extract tries the candidate strategies in order and returns the first
// internally consistent 24k per-gram price.
func (g *GoldPage) extract(doc *goquery.Document) (decimal.Decimal, bool) {
	if value, ok := extractKaratTable(doc); ok {
		return value, true
	}
	return extractPriceCells(doc)
}

// extractKaratTable walks table rows and price rows looking for a karat
// marker alongside a price, keeping the 24k entry.
func extractKaratTable(doc *goquery.Document) (decimal.Decimal, bool) {
	prices := map[int]decimal.Decimal{}

	doc.Find("tr, .price-row").Each(func(_ int, sel *goquery.Selection) {
		text := sel.Text()
		karatMatch := karatPattern.FindStringSubmatch(text)
		amounts := amountPattern.FindAllString(text, -1)
		if karatMatch == nil || len(amounts) == 0 {
			return
		}

		karat := 0
		fmt.Sscanf(karatMatch[1], "%d", &karat)
		if karat == 0 {
			return
		}

		// The price is the last number on the row; earlier ones tend to
		// be the karat itself or a change figure.
		value, ok := parseAmount(amounts[len(amounts)-1])
		if !ok || value.LessThanOrEqual(decimal.NewFromInt(100)) {
			return
		}
		prices[karat] = value
	})

	value, ok := prices[24]
	return value, ok
}

// extractPriceCells is the looser second strategy: any element marked as a
// price whose text parses to a plausible per-gram amount.
func extractPriceCells(doc *goquery.Document) (decimal.Decimal, bool) {
	var found decimal.Decimal
	var ok bool

	doc.Find(".price, .gold-price, [data-price]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		raw := sel.AttrOr("data-price", sel.Text())
		amounts := amountPattern.FindAllString(raw, 1)
		if len(amounts) == 0 {
			return true
		}
		value, parsed := parseAmount(amounts[0])
		if !parsed || value.LessThanOrEqual(decimal.NewFromInt(100)) {
			return true
		}
		found, ok = value, true
		return false
	})

	return found, ok
}

var _ Adapter = (*GoldPage)(nil)
