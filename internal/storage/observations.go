package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"gold-rate-alerts/internal/model"
)

const (
	insertObservationSQL = `INSERT INTO observations (
        instrument_key,
        value,
        previous_value,
        delta,
        percent_delta,
        currency,
        source,
        observed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    RETURNING id;`

	latestObservationSQL = `SELECT
        id,
        instrument_key,
        value,
        previous_value,
        delta,
        percent_delta,
        currency,
        source,
        observed_at
    FROM observations
    WHERE instrument_key = $1
    ORDER BY observed_at DESC, id DESC
    LIMIT 1;`

	listObservationsSQL = `SELECT
        id,
        instrument_key,
        value,
        previous_value,
        delta,
        percent_delta,
        currency,
        source,
        observed_at
    FROM observations
    WHERE instrument_key = $1
    ORDER BY observed_at DESC, id DESC
    LIMIT $2;`

	deleteOlderThanTopKSQL = `DELETE FROM observations
    WHERE instrument_key = $1
      AND id NOT IN (
        SELECT id FROM observations
        WHERE instrument_key = $1
        ORDER BY observed_at DESC, id DESC
        LIMIT $2
      );`

	listInstrumentKeysSQL = `SELECT DISTINCT instrument_key FROM observations;`
)

// InsertObservation persists one observation and returns it with its
// assigned id.
func (s *Store) InsertObservation(ctx context.Context, obs model.Observation) (model.Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.Observation{}, err
	}

	var prev interface{}
	if obs.PreviousValue != nil {
		prev = obs.PreviousValue.String()
	}

	row := pool.QueryRow(ctx, insertObservationSQL,
		obs.Instrument.Key(),
		obs.Value.String(),
		prev,
		obs.Delta.String(),
		obs.PercentDelta.String(),
		obs.Currency,
		obs.Source,
		obs.ObservedAt,
	)
	if err := row.Scan(&obs.ID); err != nil {
		return model.Observation{}, fmt.Errorf("insert observation: %w", err)
	}
	return obs, nil
}

// LatestObservation returns the most recent observation for an instrument
// key, or nil when none exists.
func (s *Store) LatestObservation(ctx context.Context, key string) (*model.Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, latestObservationSQL, key)
	if queryErr != nil {
		return nil, fmt.Errorf("latest observation: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return nil, rows.Err()
		}
		return nil, nil
	}

	obs, scanErr := scanObservation(rows)
	if scanErr != nil {
		return nil, scanErr
	}
	return &obs, nil
}

// ListObservations lists the newest observations for a key, most recent
// first, bounded by limit.
func (s *Store) ListObservations(ctx context.Context, key string, limit int) ([]model.Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listObservationsSQL, key, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list observations: %w", queryErr)
	}
	defer rows.Close()

	observations := make([]model.Observation, 0, limit)
	for rows.Next() {
		obs, scanErr := scanObservation(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		observations = append(observations, obs)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return observations, nil
}

// DeleteOlderThanTopK removes every observation for a key beyond the k most
// recent and reports how many were deleted.
func (s *Store) DeleteOlderThanTopK(ctx context.Context, key string, k int) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	cmdTag, execErr := pool.Exec(ctx, deleteOlderThanTopKSQL, key, k)
	if execErr != nil {
		return 0, fmt.Errorf("delete older than top-k: %w", execErr)
	}
	return cmdTag.RowsAffected(), nil
}

// ListInstrumentKeys returns every instrument key with at least one stored
// observation. Drives the retention sweep.
func (s *Store) ListInstrumentKeys(ctx context.Context) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listInstrumentKeysSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list instrument keys: %w", queryErr)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return keys, nil
}

func scanObservation(rows pgx.Rows) (model.Observation, error) {
	var (
		id         int64
		key        string
		valueStr   string
		prevStr    sql.NullString
		deltaStr   string
		percentStr string
		currency   string
		src        string
		observedAt time.Time
	)

	if err := rows.Scan(&id, &key, &valueStr, &prevStr, &deltaStr, &percentStr, &currency, &src, &observedAt); err != nil {
		return model.Observation{}, err
	}

	inst, err := model.ParseInstrumentKey(key)
	if err != nil {
		return model.Observation{}, fmt.Errorf("scan observation: %w", err)
	}

	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		return model.Observation{}, fmt.Errorf("parse value: %w", err)
	}
	delta, err := decimal.NewFromString(deltaStr)
	if err != nil {
		return model.Observation{}, fmt.Errorf("parse delta: %w", err)
	}
	percent, err := decimal.NewFromString(percentStr)
	if err != nil {
		return model.Observation{}, fmt.Errorf("parse percent delta: %w", err)
	}

	obs := model.Observation{
		ID:           id,
		Instrument:   inst,
		Value:        value,
		Delta:        delta,
		PercentDelta: percent,
		Currency:     currency,
		Source:       src,
		ObservedAt:   observedAt,
	}

	if prevStr.Valid {
		prev, err := decimal.NewFromString(prevStr.String)
		if err != nil {
			return model.Observation{}, fmt.Errorf("parse previous value: %w", err)
		}
		obs.PreviousValue = &prev
	}

	return obs, nil
}
