package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"gold-rate-alerts/internal/delivery"
	"gold-rate-alerts/internal/model"
	"gold-rate-alerts/internal/storage"
)

// Dispatcher renders localized messages for triggered alerts and digests,
// invokes the delivery capability, and owns all subscription mutations:
// cooldown advancement on success and token pruning on permanent failure.
type Dispatcher struct {
	sender delivery.Sender
	subs   storage.SubscriptionStore
	logger zerolog.Logger
	now    func() time.Time
}

// NewDispatcher constructs a dispatcher over the delivery and subscription
// boundaries.
func NewDispatcher(sender delivery.Sender, subs storage.SubscriptionStore, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		sender: sender,
		subs:   subs,
		logger: logger.With().Str("component", "dispatcher").Logger(),
		now:    time.Now,
	}
}

// Dispatch delivers one triggered alert. Success consumes the user's
// cooldown window; a permanent failure clears the dead token without
// consuming it; a transient failure propagates with no state change so the
// next cycle retries naturally.
func (d *Dispatcher) Dispatch(ctx context.Context, trig model.Trigger) error {
	obs := trig.Observation
	title, body := renderAlert(trig.Subscription.Language, obs)
	return d.deliver(ctx, trig.Subscription, title, body, alertPayload(obs))
}

// DispatchDigest delivers the multi-instrument summary to one subscription,
// bypassing per-rule matching but honoring the same cooldown.
func (d *Dispatcher) DispatchDigest(ctx context.Context, sub model.Subscription, summary []model.Observation) error {
	if !sub.Deliverable() {
		return nil
	}
	if !sub.CooldownElapsed(d.now()) {
		return nil
	}
	if len(summary) == 0 {
		return nil
	}

	title, body := renderDigest(sub.Language, summary)
	return d.deliver(ctx, sub, title, body, map[string]string{"type": "daily_digest"})
}

func (d *Dispatcher) deliver(ctx context.Context, sub model.Subscription, title, body string, data map[string]string) error {
	err := d.sender.Send(ctx, sub.DeliveryToken, title, body, data)

	// State changes are targeted column updates, not full-row saves: the
	// subscription in hand is a snapshot from evaluation time, and a
	// settings or registration update may have landed since.
	switch {
	case err == nil:
		if saveErr := d.subs.TouchNotified(ctx, sub.UserID, d.now().UTC()); saveErr != nil {
			return fmt.Errorf("advance cooldown for %s: %w", sub.UserID, saveErr)
		}
		d.logger.Info().Str("user", sub.UserID).Str("title", title).Msg("notification dispatched")
		return nil

	case delivery.IsPermanent(err):
		// Dead token: prune it so the subscription goes inert until the
		// registration flow supplies a fresh one. The cooldown is left
		// untouched.
		if saveErr := d.subs.ClearDeliveryToken(ctx, sub.UserID); saveErr != nil {
			return fmt.Errorf("prune dead token for %s: %w", sub.UserID, saveErr)
		}
		d.logger.Warn().Str("user", sub.UserID).Err(err).Msg("delivery token pruned")
		return nil

	default:
		// Transient: no mutation, the caller decides; the unconsumed
		// cooldown retries this user on the next cycle.
		return fmt.Errorf("deliver to %s: %w", sub.UserID, err)
	}
}

func alertPayload(obs model.Observation) map[string]string {
	data := map[string]string{
		"value":   obs.Value.String(),
		"percent": obs.PercentDelta.StringFixed(2),
		"change":  classifyChange(obs),
	}

	if obs.Instrument.Kind == model.KindFX {
		data["type"] = "currency_rate"
		data["from"] = obs.Instrument.Base
		data["to"] = obs.Instrument.Quote
		return data
	}

	data["type"] = "metal_price"
	data["metal"] = obs.Instrument.Metal
	data["country"] = obs.Instrument.Country
	data["currency"] = obs.Currency
	return data
}

func classifyChange(obs model.Observation) string {
	switch obs.Delta.Sign() {
	case 1:
		return "up"
	case -1:
		return "down"
	default:
		return "flat"
	}
}
