package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// InstrumentKind partitions instruments into commodity prices and FX pairs.
type InstrumentKind string

const (
	KindMetal InstrumentKind = "metal"
	KindFX    InstrumentKind = "fx"
)

// Instrument identifies one trackable thing: a (metal, country) commodity
// or a (base, quote) currency pair. Identity is immutable and serves as the
// cache and history partition key.
type Instrument struct {
	Kind    InstrumentKind `json:"kind"`
	Metal   string         `json:"metal,omitempty"`
	Country string         `json:"country,omitempty"`
	Base    string         `json:"base,omitempty"`
	Quote   string         `json:"quote,omitempty"`
}

// MetalInstrument builds a commodity instrument such as gold in Egypt.
func MetalInstrument(metal, country string) Instrument {
	return Instrument{
		Kind:    KindMetal,
		Metal:   strings.ToLower(metal),
		Country: strings.ToLower(country),
	}
}

// PairInstrument builds an FX pair instrument such as USD/EGP.
func PairInstrument(base, quote string) Instrument {
	return Instrument{
		Kind:  KindFX,
		Base:  strings.ToUpper(base),
		Quote: strings.ToUpper(quote),
	}
}

// Key returns the partition key, e.g. "metal/gold/egypt" or "fx/USD/EGP".
func (i Instrument) Key() string {
	if i.Kind == KindFX {
		return fmt.Sprintf("fx/%s/%s", i.Base, i.Quote)
	}
	return fmt.Sprintf("metal/%s/%s", i.Metal, i.Country)
}

// Label returns a human-readable identity for messages and logs.
func (i Instrument) Label() string {
	if i.Kind == KindFX {
		return fmt.Sprintf("%s/%s", i.Base, i.Quote)
	}
	return fmt.Sprintf("%s (%s)", i.Metal, i.Country)
}

// ParseInstrumentKey reverses Key. It accepts only keys produced by Key.
func ParseInstrumentKey(key string) (Instrument, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 {
		return Instrument{}, fmt.Errorf("invalid instrument key %q", key)
	}
	switch InstrumentKind(parts[0]) {
	case KindMetal:
		return MetalInstrument(parts[1], parts[2]), nil
	case KindFX:
		return PairInstrument(parts[1], parts[2]), nil
	}
	return Instrument{}, fmt.Errorf("invalid instrument kind in key %q", key)
}

// SourceFallback tags quotes answered from the static default table.
const SourceFallback = "fallback"

// Quote is a single upstream price reading. Ephemeral: it is consumed to
// build an Observation and never persisted itself.
type Quote struct {
	Instrument  Instrument
	Value       decimal.Decimal
	Currency    string
	RetrievedAt time.Time
	Source      string
}

// Observation is a persisted time-series record with the change computed
// against the immediately preceding observation for the same instrument.
type Observation struct {
	ID            int64
	Instrument    Instrument
	Value         decimal.Decimal
	PreviousValue *decimal.Decimal
	Delta         decimal.Decimal
	PercentDelta  decimal.Decimal
	Currency      string
	Source        string
	ObservedAt    time.Time
}

// Changed reports whether the observation represents a real price move.
func (o Observation) Changed() bool {
	return !o.Delta.IsZero()
}

// Direction is an alert rule's comparison mode.
type Direction string

const (
	DirectionAbove Direction = "above"
	DirectionBelow Direction = "below"
	DirectionAny   Direction = "any"
)

// Valid reports whether d is one of the three supported directions.
func (d Direction) Valid() bool {
	switch d {
	case DirectionAbove, DirectionBelow, DirectionAny:
		return true
	}
	return false
}

// Rule is one alert condition bound to a single instrument.
type Rule struct {
	Instrument Instrument      `json:"instrument"`
	Threshold  decimal.Decimal `json:"threshold"`
	Direction  Direction       `json:"direction"`
}

// Matches reports whether the rule fires for the observation. Zero-delta
// observations never fire: no-op ticks are suppressed upstream of any
// direction check.
func (r Rule) Matches(obs Observation) bool {
	if r.Instrument.Key() != obs.Instrument.Key() {
		return false
	}
	if !obs.Changed() {
		return false
	}
	switch r.Direction {
	case DirectionAbove:
		return obs.Value.GreaterThan(r.Threshold)
	case DirectionBelow:
		return obs.Value.LessThan(r.Threshold)
	case DirectionAny:
		return true
	}
	return false
}

// Subscription is one user's full alerting configuration plus cooldown
// state. An empty DeliveryToken makes the subscription inert for direct
// delivery until the registration flow supplies a fresh one.
type Subscription struct {
	UserID         string
	DeliveryToken  string
	Language       string
	Enabled        bool
	Rules          []Rule
	MinInterval    time.Duration
	LastNotifiedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CooldownElapsed reports whether enough time has passed since the last
// notification. A subscription that has never been notified is always due.
func (s Subscription) CooldownElapsed(now time.Time) bool {
	if s.LastNotifiedAt == nil {
		return true
	}
	if s.MinInterval <= 0 {
		return true
	}
	return now.Sub(*s.LastNotifiedAt) >= s.MinInterval
}

// Deliverable reports whether the subscription can receive direct pushes.
func (s Subscription) Deliverable() bool {
	return s.Enabled && s.DeliveryToken != ""
}

// Trigger is one (subscription, rule, observation) unit of dispatch work
// produced by the evaluator.
type Trigger struct {
	Subscription Subscription
	Rule         Rule
	Observation  Observation
}
