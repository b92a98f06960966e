package history

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"gold-rate-alerts/internal/model"
)

type memStore struct {
	byKey     map[string][]model.Observation
	nextID    int64
	insertErr map[string]error
	pruneErr  map[string]error
}

func newMemStore() *memStore {
	return &memStore{
		byKey:     map[string][]model.Observation{},
		insertErr: map[string]error{},
		pruneErr:  map[string]error{},
	}
}

func (m *memStore) InsertObservation(ctx context.Context, obs model.Observation) (model.Observation, error) {
	key := obs.Instrument.Key()
	if err := m.insertErr[key]; err != nil {
		return model.Observation{}, err
	}
	m.nextID++
	obs.ID = m.nextID
	m.byKey[key] = append(m.byKey[key], obs)
	return obs, nil
}

func (m *memStore) LatestObservation(ctx context.Context, key string) (*model.Observation, error) {
	list := m.byKey[key]
	if len(list) == 0 {
		return nil, nil
	}
	obs := list[len(list)-1]
	return &obs, nil
}

func (m *memStore) ListObservations(ctx context.Context, key string, limit int) ([]model.Observation, error) {
	list := m.byKey[key]
	out := make([]model.Observation, 0, len(list))
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, list[i])
	}
	return out, nil
}

func (m *memStore) DeleteOlderThanTopK(ctx context.Context, key string, k int) (int64, error) {
	if err := m.pruneErr[key]; err != nil {
		return 0, err
	}
	list := m.byKey[key]
	if len(list) <= k {
		return 0, nil
	}
	deleted := int64(len(list) - k)
	m.byKey[key] = list[len(list)-k:]
	return deleted, nil
}

func (m *memStore) ListInstrumentKeys(ctx context.Context) ([]string, error) {
	keys := make([]string, 0, len(m.byKey))
	for key := range m.byKey {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func quoteAt(value int64, at time.Time) model.Quote {
	return model.Quote{
		Instrument:  model.MetalInstrument("gold", "egypt"),
		Value:       decimal.NewFromInt(value),
		Currency:    "EGP",
		RetrievedAt: at,
		Source:      "test",
	}
}

func TestRecordFirstObservationHasNoDelta(t *testing.T) {
	store := newMemStore()
	hist := New(store, 100, noopLogger())

	obs, err := hist.Record(context.Background(), quoteAt(3200, time.Now()))
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	if obs.PreviousValue != nil {
		t.Fatal("first observation must have no previous value")
	}
	if !obs.Delta.IsZero() || !obs.PercentDelta.IsZero() {
		t.Fatalf("first observation change must be zero, got %s / %s", obs.Delta, obs.PercentDelta)
	}
}

func TestRecordCachedQuoteReplayStaysStrictlyOrdered(t *testing.T) {
	store := newMemStore()
	hist := New(store, 100, noopLogger())

	// Freeze the clock: two records of the same cached quote must still
	// produce strictly increasing observation times.
	frozen := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	hist.now = func() time.Time { return frozen }

	fetched := frozen.Add(-40 * time.Minute)
	quote := quoteAt(3200, fetched)

	first, err := hist.Record(context.Background(), quote)
	if err != nil {
		t.Fatalf("record first: %v", err)
	}
	second, err := hist.Record(context.Background(), quote)
	if err != nil {
		t.Fatalf("record second: %v", err)
	}

	if !first.ObservedAt.Equal(frozen) {
		t.Fatalf("observation must be stamped at record time, got %s", first.ObservedAt)
	}
	if first.ObservedAt.Equal(fetched) {
		t.Fatal("observation time must not inherit the quote fetch time")
	}
	if !second.ObservedAt.After(first.ObservedAt) {
		t.Fatalf("replayed quote must still be strictly ordered: %s vs %s", second.ObservedAt, first.ObservedAt)
	}

	list, err := hist.List(context.Background(), quote.Instrument, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for i := 1; i < len(list); i++ {
		if !list[i-1].ObservedAt.After(list[i].ObservedAt) {
			t.Fatalf("listing must be strictly ordered by observation time: %s vs %s", list[i-1].ObservedAt, list[i].ObservedAt)
		}
	}
}

func TestRecordComputesChangeOnce(t *testing.T) {
	store := newMemStore()
	hist := New(store, 100, noopLogger())

	now := time.Now()
	if _, err := hist.Record(context.Background(), quoteAt(3200, now)); err != nil {
		t.Fatalf("record first: %v", err)
	}
	obs, err := hist.Record(context.Background(), quoteAt(3264, now.Add(time.Minute)))
	if err != nil {
		t.Fatalf("record second: %v", err)
	}

	if obs.PreviousValue == nil || !obs.PreviousValue.Equal(decimal.NewFromInt(3200)) {
		t.Fatalf("previous value: %v", obs.PreviousValue)
	}
	if !obs.Delta.Equal(decimal.NewFromInt(64)) {
		t.Fatalf("delta: %s", obs.Delta)
	}
	if !obs.PercentDelta.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("percent delta: %s", obs.PercentDelta)
	}
}

func TestRecordZeroPreviousValueSkipsPercent(t *testing.T) {
	store := newMemStore()
	hist := New(store, 100, noopLogger())

	inst := model.MetalInstrument("gold", "egypt")
	store.byKey[inst.Key()] = []model.Observation{{
		ID:         1,
		Instrument: inst,
		Value:      decimal.Zero,
	}}

	obs, err := hist.Record(context.Background(), quoteAt(3200, time.Now()))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !obs.PercentDelta.IsZero() {
		t.Fatalf("percent against zero base must stay zero, got %s", obs.PercentDelta)
	}
	if !obs.Delta.Equal(decimal.NewFromInt(3200)) {
		t.Fatalf("delta: %s", obs.Delta)
	}
}

func TestRecordEnforcesRetention(t *testing.T) {
	store := newMemStore()
	hist := New(store, 5, noopLogger())

	now := time.Now()
	for i := 0; i < 8; i++ {
		if _, err := hist.Record(context.Background(), quoteAt(int64(3000+i), now.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	key := model.MetalInstrument("gold", "egypt").Key()
	if got := len(store.byKey[key]); got != 5 {
		t.Fatalf("retention bound 5, stored %d", got)
	}

	latest, err := hist.Latest(context.Background(), model.MetalInstrument("gold", "egypt"))
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if !latest.Value.Equal(decimal.NewFromInt(3007)) {
		t.Fatalf("newest observation must survive pruning, got %s", latest.Value)
	}
}

func TestRecordSurvivesPruneFailure(t *testing.T) {
	store := newMemStore()
	key := model.MetalInstrument("gold", "egypt").Key()
	store.pruneErr[key] = errors.New("boom")

	hist := New(store, 5, noopLogger())
	if _, err := hist.Record(context.Background(), quoteAt(3200, time.Now())); err != nil {
		t.Fatalf("prune failure must not fail the record: %v", err)
	}
	if len(store.byKey[key]) != 1 {
		t.Fatal("observation must be persisted despite prune failure")
	}
}

func TestRecordInsertFailurePropagates(t *testing.T) {
	store := newMemStore()
	key := model.MetalInstrument("gold", "egypt").Key()
	store.insertErr[key] = errors.New("down")

	hist := New(store, 5, noopLogger())
	if _, err := hist.Record(context.Background(), quoteAt(3200, time.Now())); err == nil {
		t.Fatal("insert failure must propagate")
	}
}

func TestPruneAllIdempotent(t *testing.T) {
	store := newMemStore()
	hist := New(store, 3, noopLogger())

	now := time.Now()
	for i := 0; i < 6; i++ {
		if _, err := hist.Record(context.Background(), quoteAt(int64(3000+i), now.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	if err := hist.PruneAll(context.Background()); err != nil {
		t.Fatalf("prune all: %v", err)
	}
	key := model.MetalInstrument("gold", "egypt").Key()
	after := append([]model.Observation(nil), store.byKey[key]...)

	if err := hist.PruneAll(context.Background()); err != nil {
		t.Fatalf("second prune all: %v", err)
	}
	if len(store.byKey[key]) != len(after) {
		t.Fatal("second sweep with no new records must delete nothing")
	}
}

func TestPruneAllContinuesPastFailures(t *testing.T) {
	store := newMemStore()
	hist := New(store, 1, noopLogger())

	now := time.Now()
	gold := model.MetalInstrument("gold", "egypt")
	silver := model.MetalInstrument("silver", "egypt")
	for i := 0; i < 3; i++ {
		at := now.Add(time.Duration(i) * time.Minute)
		store.byKey[gold.Key()] = append(store.byKey[gold.Key()], model.Observation{Instrument: gold, ObservedAt: at})
		store.byKey[silver.Key()] = append(store.byKey[silver.Key()], model.Observation{Instrument: silver, ObservedAt: at})
	}
	store.pruneErr[gold.Key()] = errors.New("boom")

	if err := hist.PruneAll(context.Background()); err != nil {
		t.Fatalf("sweep must absorb per-instrument failures: %v", err)
	}
	if len(store.byKey[silver.Key()]) != 1 {
		t.Fatal("healthy instruments must still be pruned")
	}
}
