package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"gold-rate-alerts/internal/model"
)

const (
	findSubscriptionSQL = `SELECT
        user_id,
        delivery_token,
        language,
        enabled,
        rules,
        min_interval_ms,
        last_notified_at,
        created_at,
        updated_at
    FROM subscriptions
    WHERE user_id = $1;`

	listEnabledSubscriptionsSQL = `SELECT
        user_id,
        delivery_token,
        language,
        enabled,
        rules,
        min_interval_ms,
        last_notified_at,
        created_at,
        updated_at
    FROM subscriptions
    WHERE enabled = TRUE;`

	saveSubscriptionSQL = `INSERT INTO subscriptions (
        user_id,
        delivery_token,
        language,
        enabled,
        rules,
        min_interval_ms,
        last_notified_at,
        created_at,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,NOW(),NOW()
    )
    ON CONFLICT (user_id) DO UPDATE
    SET delivery_token   = EXCLUDED.delivery_token,
        language         = EXCLUDED.language,
        enabled          = EXCLUDED.enabled,
        rules            = EXCLUDED.rules,
        min_interval_ms  = EXCLUDED.min_interval_ms,
        last_notified_at = EXCLUDED.last_notified_at,
        updated_at       = NOW();`

	touchNotifiedSQL = `UPDATE subscriptions
    SET last_notified_at = $2,
        updated_at       = NOW()
    WHERE user_id = $1;`

	clearDeliveryTokenSQL = `UPDATE subscriptions
    SET delivery_token = NULL,
        updated_at     = NOW()
    WHERE user_id = $1;`
)

// FindSubscription returns one user's subscription, or nil when the user
// has never registered.
func (s *Store) FindSubscription(ctx context.Context, userID string) (*model.Subscription, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, findSubscriptionSQL, userID)
	if queryErr != nil {
		return nil, fmt.Errorf("find subscription: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return nil, rows.Err()
		}
		return nil, nil
	}

	sub, scanErr := scanSubscription(rows)
	if scanErr != nil {
		return nil, scanErr
	}
	return &sub, nil
}

// ListEnabledSubscriptions lists every subscription with alerting enabled,
// deliverable or not; the evaluator filters on token presence.
func (s *Store) ListEnabledSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listEnabledSubscriptionsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list enabled subscriptions: %w", queryErr)
	}
	defer rows.Close()

	subs := make([]model.Subscription, 0)
	for rows.Next() {
		sub, scanErr := scanSubscription(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		subs = append(subs, sub)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return subs, nil
}

// SaveSubscription upserts one subscription keyed by user id.
func (s *Store) SaveSubscription(ctx context.Context, sub model.Subscription) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	rules, err := json.Marshal(sub.Rules)
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}

	var token interface{}
	if sub.DeliveryToken != "" {
		token = sub.DeliveryToken
	}
	var lastNotified interface{}
	if sub.LastNotifiedAt != nil {
		lastNotified = sub.LastNotifiedAt.UTC()
	}

	if _, execErr := pool.Exec(ctx, saveSubscriptionSQL,
		sub.UserID,
		token,
		sub.Language,
		sub.Enabled,
		rules,
		sub.MinInterval.Milliseconds(),
		lastNotified,
	); execErr != nil {
		return fmt.Errorf("save subscription: %w", execErr)
	}
	return nil
}

// TouchNotified advances one user's cooldown timestamp and nothing else.
func (s *Store) TouchNotified(ctx context.Context, userID string, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, touchNotifiedSQL, userID, at.UTC()); execErr != nil {
		return fmt.Errorf("touch notified: %w", execErr)
	}
	return nil
}

// ClearDeliveryToken nulls one user's delivery token, leaving rules,
// language and cooldown state untouched.
func (s *Store) ClearDeliveryToken(ctx context.Context, userID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, clearDeliveryTokenSQL, userID); execErr != nil {
		return fmt.Errorf("clear delivery token: %w", execErr)
	}
	return nil
}

func scanSubscription(rows pgx.Rows) (model.Subscription, error) {
	var (
		userID       string
		token        sql.NullString
		language     string
		enabled      bool
		rulesJSON    []byte
		intervalMs   int64
		lastNotified sql.NullTime
		createdAt    time.Time
		updatedAt    time.Time
	)

	if err := rows.Scan(&userID, &token, &language, &enabled, &rulesJSON, &intervalMs, &lastNotified, &createdAt, &updatedAt); err != nil {
		return model.Subscription{}, err
	}

	var rules []model.Rule
	if len(rulesJSON) > 0 {
		if err := json.Unmarshal(rulesJSON, &rules); err != nil {
			return model.Subscription{}, fmt.Errorf("unmarshal rules: %w", err)
		}
	}

	sub := model.Subscription{
		UserID:      userID,
		Language:    language,
		Enabled:     enabled,
		Rules:       rules,
		MinInterval: time.Duration(intervalMs) * time.Millisecond,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	}
	if token.Valid {
		sub.DeliveryToken = token.String
	}
	if lastNotified.Valid {
		ts := lastNotified.Time
		sub.LastNotifiedAt = &ts
	}

	return sub, nil
}
