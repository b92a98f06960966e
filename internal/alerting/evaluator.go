package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"gold-rate-alerts/internal/model"
	"gold-rate-alerts/internal/storage"
)

// Evaluator decides which subscriptions to notify for a batch of fresh
// observations. It is read-only: the returned work list is consumed by the
// Dispatcher, which alone advances cooldown state.
type Evaluator struct {
	subs   storage.SubscriptionStore
	logger zerolog.Logger
	now    func() time.Time
}

// NewEvaluator constructs an evaluator over the subscription boundary.
func NewEvaluator(subs storage.SubscriptionStore, logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		subs:   subs,
		logger: logger.With().Str("component", "evaluator").Logger(),
		now:    time.Now,
	}
}

// Evaluate scans every enabled, deliverable subscription whose cooldown has
// elapsed against the observation batch. The cooldown is checked once per
// subscription per pass, not once per rule: the first rule to fire consumes
// the window, so each user gets at most one trigger per pass.
func (e *Evaluator) Evaluate(ctx context.Context, observations []model.Observation) ([]model.Trigger, error) {
	if len(observations) == 0 {
		return nil, nil
	}

	subs, err := e.subs.ListEnabledSubscriptions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list enabled subscriptions: %w", err)
	}

	now := e.now()
	triggers := make([]model.Trigger, 0)

	for _, sub := range subs {
		if !sub.Deliverable() {
			continue
		}
		if !sub.CooldownElapsed(now) {
			continue
		}

		if trigger, ok := firstMatch(sub, observations); ok {
			triggers = append(triggers, trigger)
		}
	}

	e.logger.Debug().
		Int("observations", len(observations)).
		Int("subscriptions", len(subs)).
		Int("triggers", len(triggers)).
		Msg("evaluation pass complete")

	return triggers, nil
}

func firstMatch(sub model.Subscription, observations []model.Observation) (model.Trigger, bool) {
	for _, obs := range observations {
		for _, rule := range sub.Rules {
			if rule.Matches(obs) {
				return model.Trigger{Subscription: sub, Rule: rule, Observation: obs}, true
			}
		}
	}
	return model.Trigger{}, false
}
