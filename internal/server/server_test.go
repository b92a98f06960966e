package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"gold-rate-alerts/internal/fetcher"
	"gold-rate-alerts/internal/history"
	"gold-rate-alerts/internal/model"
)

type memStore struct {
	mu     sync.Mutex
	byKey  map[string][]model.Observation
	nextID int64
	subs   map[string]model.Subscription
}

func newMemStore() *memStore {
	return &memStore{
		byKey: map[string][]model.Observation{},
		subs:  map[string]model.Subscription{},
	}
}

func (m *memStore) InsertObservation(ctx context.Context, obs model.Observation) (model.Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	obs.ID = m.nextID
	m.byKey[obs.Instrument.Key()] = append(m.byKey[obs.Instrument.Key()], obs)
	return obs, nil
}

func (m *memStore) LatestObservation(ctx context.Context, key string) (*model.Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.byKey[key]
	if len(list) == 0 {
		return nil, nil
	}
	obs := list[len(list)-1]
	return &obs, nil
}

func (m *memStore) ListObservations(ctx context.Context, key string, limit int) ([]model.Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.byKey[key]
	out := make([]model.Observation, 0, len(list))
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, list[i])
	}
	return out, nil
}

func (m *memStore) DeleteOlderThanTopK(ctx context.Context, key string, k int) (int64, error) {
	return 0, nil
}

func (m *memStore) ListInstrumentKeys(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.byKey))
	for key := range m.byKey {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *memStore) FindSubscription(ctx context.Context, userID string) (*model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[userID]
	if !ok {
		return nil, nil
	}
	return &sub, nil
}

func (m *memStore) ListEnabledSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	return nil, nil
}

func (m *memStore) SaveSubscription(ctx context.Context, sub model.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.UserID] = sub
	return nil
}

func (m *memStore) TouchNotified(ctx context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[userID]
	if !ok {
		return nil
	}
	ts := at
	sub.LastNotifiedAt = &ts
	m.subs[userID] = sub
	return nil
}

func (m *memStore) ClearDeliveryToken(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[userID]
	if !ok {
		return nil
	}
	sub.DeliveryToken = ""
	m.subs[userID] = sub
	return nil
}

type staticQuotes struct {
	calls int
}

func (s *staticQuotes) FetchQuote(ctx context.Context, inst model.Instrument) model.Quote {
	s.calls++
	return model.Quote{
		Instrument:  inst,
		Value:       decimal.NewFromInt(3200),
		Currency:    "EGP",
		RetrievedAt: time.Now().UTC(),
		Source:      "static",
	}
}

func newTestServer(store *memStore) (*Server, *fetcher.Cache, *staticQuotes) {
	quotes := &staticQuotes{}
	cache := fetcher.NewCache(quotes, fetcher.CacheOptions{MetalTTL: time.Hour, FXTTL: time.Hour})
	hist := history.New(store, 100, zerolog.Nop())
	srv := New(cache, cache, hist, store, Options{}, zerolog.Nop())
	return srv, cache, quotes
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRegisterAndFetchSubscription(t *testing.T) {
	store := newMemStore()
	srv, _, _ := newTestServer(store)
	router := srv.Router()

	payload := `{
		"user_id": "u1",
		"delivery_token": "tok-1",
		"language": "ar",
		"min_interval_ms": 300000,
		"rules": [{
			"instrument": {"kind": "metal", "metal": "gold", "country": "egypt"},
			"threshold": "3000",
			"direction": "above"
		}]
	}`

	rec := doJSON(t, router, http.MethodPost, "/api/alerts/register", payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("register status %d: %s", rec.Code, rec.Body)
	}

	saved := store.subs["u1"]
	if saved.DeliveryToken != "tok-1" || !saved.Enabled {
		t.Fatalf("saved subscription: %#v", saved)
	}
	if saved.MinInterval != 5*time.Minute {
		t.Fatalf("min interval: %s", saved.MinInterval)
	}
	if len(saved.Rules) != 1 || saved.Rules[0].Direction != model.DirectionAbove {
		t.Fatalf("rules: %#v", saved.Rules)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/alerts/u1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status %d", rec.Code)
	}

	var resp subscriptionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.HasToken || resp.Language != "ar" {
		t.Fatalf("response: %#v", resp)
	}
}

func TestRegisterRefreshesTokenKeepingState(t *testing.T) {
	store := newMemStore()
	created := time.Now().Add(-24 * time.Hour).UTC()
	notified := time.Now().Add(-time.Hour).UTC()
	store.subs["u1"] = model.Subscription{
		UserID:         "u1",
		DeliveryToken:  "",
		Language:       "ar",
		Enabled:        true,
		MinInterval:    10 * time.Minute,
		LastNotifiedAt: &notified,
		CreatedAt:      created,
	}

	srv, _, _ := newTestServer(store)
	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/alerts/register", `{"user_id":"u1","delivery_token":"fresh"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("register status %d: %s", rec.Code, rec.Body)
	}

	saved := store.subs["u1"]
	if saved.DeliveryToken != "fresh" {
		t.Fatal("token must be refreshed")
	}
	if saved.Language != "ar" || saved.MinInterval != 10*time.Minute {
		t.Fatalf("re-registration must keep prior settings: %#v", saved)
	}
	if saved.LastNotifiedAt == nil || !saved.LastNotifiedAt.Equal(notified) {
		t.Fatal("re-registration must not reset the cooldown state")
	}
	if !saved.CreatedAt.Equal(created) {
		t.Fatal("re-registration must keep the creation time")
	}
}

func TestRegisterValidation(t *testing.T) {
	store := newMemStore()
	srv, _, _ := newTestServer(store)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/alerts/register", `{"user_id":"u1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing token should 400, got %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/alerts/register", `{
		"user_id": "u1", "delivery_token": "t",
		"rules": [{"instrument": {"kind": "metal", "metal": "gold", "country": "egypt"}, "threshold": "1", "direction": "sideways"}]
	}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad direction should 400, got %d", rec.Code)
	}
}

func TestGetSubscriptionNotFound(t *testing.T) {
	srv, _, _ := newTestServer(newMemStore())
	rec := doJSON(t, srv.Router(), http.MethodGet, "/api/alerts/nobody", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown user should 404, got %d", rec.Code)
	}
}

func TestUpdateSettingsPartialPatch(t *testing.T) {
	store := newMemStore()
	store.subs["u1"] = model.Subscription{
		UserID:        "u1",
		DeliveryToken: "tok",
		Language:      "en",
		Enabled:       true,
		MinInterval:   time.Minute,
	}

	srv, _, _ := newTestServer(store)
	rec := doJSON(t, srv.Router(), http.MethodPut, "/api/alerts/u1/settings", `{"enabled": false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("settings status %d: %s", rec.Code, rec.Body)
	}

	saved := store.subs["u1"]
	if saved.Enabled {
		t.Fatal("enabled must be patched")
	}
	if saved.Language != "en" || saved.DeliveryToken != "tok" || saved.MinInterval != time.Minute {
		t.Fatalf("absent fields must stay untouched: %#v", saved)
	}
}

func TestPriceEndpointsReadThroughCache(t *testing.T) {
	store := newMemStore()
	srv, _, quotes := newTestServer(store)
	router := srv.Router()

	for i := 0; i < 3; i++ {
		rec := doJSON(t, router, http.MethodGet, "/api/gold/price/egypt", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("price status %d", rec.Code)
		}
	}
	if quotes.calls != 1 {
		t.Fatalf("repeated reads must hit the cache, upstream calls %d", quotes.calls)
	}

	rec := doJSON(t, router, http.MethodGet, "/api/currency/rate/USD/EGP", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("rate status %d", rec.Code)
	}

	var resp quoteResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Instrument.Key() != "fx/USD/EGP" {
		t.Fatalf("instrument: %#v", resp.Instrument)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	store := newMemStore()
	inst := model.MetalInstrument("gold", "egypt")
	for i := 0; i < 3; i++ {
		_, _ = store.InsertObservation(context.Background(), model.Observation{
			Instrument: inst,
			Value:      decimal.NewFromInt(int64(3000 + i)),
			Currency:   "EGP",
			Source:     "test",
			ObservedAt: time.Now().UTC(),
		})
	}

	srv, _, _ := newTestServer(store)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/api/history/metal/gold/egypt?limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("history status %d: %s", rec.Code, rec.Body)
	}

	var resp struct {
		Entries []historyEntry `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Entries) != 2 {
		t.Fatalf("limit not honored: %d entries", len(resp.Entries))
	}
	if resp.Entries[0].Value != "3002" {
		t.Fatalf("entries must be newest first: %#v", resp.Entries[0])
	}
}

func TestHistoryEndpointRejectsBadKey(t *testing.T) {
	srv, _, _ := newTestServer(newMemStore())
	rec := doJSON(t, srv.Router(), http.MethodGet, "/api/history/stock/AAPL/us", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad instrument should 400, got %d", rec.Code)
	}
}

func TestCacheRefreshEndpoint(t *testing.T) {
	store := newMemStore()
	srv, _, quotes := newTestServer(store)
	router := srv.Router()

	doJSON(t, router, http.MethodGet, "/api/gold/price/egypt", "")
	if quotes.calls != 1 {
		t.Fatalf("priming read: %d calls", quotes.calls)
	}

	rec := doJSON(t, router, http.MethodPost, "/api/cache/refresh?class=metal", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status %d", rec.Code)
	}

	doJSON(t, router, http.MethodGet, "/api/gold/price/egypt", "")
	if quotes.calls != 2 {
		t.Fatalf("read after flush must refetch, calls %d", quotes.calls)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/cache/refresh?class=bonds", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown class should 400, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(newMemStore())
	rec := doJSON(t, srv.Router(), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status %d", rec.Code)
	}
}
