package alerting

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"gold-rate-alerts/internal/model"
)

// Supported locales. Anything else falls back to the default.
const (
	LangEnglish = "en"
	LangArabic  = "ar"

	DefaultLanguage = LangEnglish
)

var metalNamesAr = map[string]string{
	"gold":   "الذهب",
	"silver": "الفضة",
}

func normalizeLanguage(lang string) string {
	switch strings.ToLower(lang) {
	case LangArabic:
		return LangArabic
	default:
		return DefaultLanguage
	}
}

// signedPercent renders a percent change with an explicit plus sign on
// gains, matching the client display convention.
func signedPercent(p decimal.Decimal) string {
	s := p.StringFixed(2)
	if p.Sign() > 0 {
		return "+" + s
	}
	return s
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func metalName(lang, metal string) string {
	if lang == LangArabic {
		if name, ok := metalNamesAr[metal]; ok {
			return name
		}
	}
	return metal
}

// renderAlert produces the localized title and body for one triggered
// alert. The body always carries the instrument identity, the new value
// with its unit, and the signed percent change.
func renderAlert(lang string, obs model.Observation) (title, body string) {
	lang = normalizeLanguage(lang)
	percent := signedPercent(obs.PercentDelta)

	if obs.Instrument.Kind == model.KindFX {
		pair := fmt.Sprintf("%s/%s", obs.Instrument.Base, obs.Instrument.Quote)
		if lang == LangArabic {
			title = "تنبيه سعر الصرف"
			body = fmt.Sprintf("سعر صرف %s الآن %s (%s%%)", pair, obs.Value.StringFixed(4), percent)
			return title, body
		}
		title = "Exchange Rate Alert"
		body = fmt.Sprintf("%s rate is now %s (%s%%)", pair, obs.Value.StringFixed(4), percent)
		return title, body
	}

	if lang == LangArabic {
		title = fmt.Sprintf("تنبيه سعر %s – %s", metalName(lang, obs.Instrument.Metal), obs.Instrument.Country)
		body = fmt.Sprintf("سعر %s في %s الآن %s %s (%s%%)",
			metalName(lang, obs.Instrument.Metal), obs.Instrument.Country,
			obs.Value.StringFixed(2), obs.Currency, percent)
		return title, body
	}

	title = fmt.Sprintf("%s Price Alert – %s", titleCase(obs.Instrument.Metal), obs.Instrument.Country)
	body = fmt.Sprintf("%s price in %s is now %s %s (%s%%)",
		titleCase(obs.Instrument.Metal), obs.Instrument.Country,
		obs.Value.StringFixed(2), obs.Currency, percent)
	return title, body
}

// renderDigest produces the localized multi-instrument daily summary.
func renderDigest(lang string, summary []model.Observation) (title, body string) {
	lang = normalizeLanguage(lang)

	var builder strings.Builder
	for _, obs := range summary {
		percent := signedPercent(obs.PercentDelta)
		if obs.Instrument.Kind == model.KindFX {
			builder.WriteString(fmt.Sprintf("%s/%s: %s (%s%%)\n",
				obs.Instrument.Base, obs.Instrument.Quote, obs.Value.StringFixed(4), percent))
			continue
		}
		builder.WriteString(fmt.Sprintf("%s (%s): %s %s (%s%%)\n",
			metalName(lang, obs.Instrument.Metal), obs.Instrument.Country,
			obs.Value.StringFixed(2), obs.Currency, percent))
	}

	if lang == LangArabic {
		return "ملخص السوق اليومي", builder.String()
	}
	return "Daily Market Summary", builder.String()
}
