package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"gold-rate-alerts/internal/fetcher"
	"gold-rate-alerts/internal/history"
	"gold-rate-alerts/internal/model"
	"gold-rate-alerts/internal/storage"
)

// Options tune the operational HTTP API.
type Options struct {
	Listen          string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server exposes subscription management and on-demand price reads over
// HTTP. It reads through the same cache as the scheduled pipeline, so a
// burst of API traffic cannot stampede the upstream sources.
type Server struct {
	quotes  fetcher.QuoteFetcher
	cache   *fetcher.Cache
	history *history.History
	subs    storage.SubscriptionStore
	opts    Options
	logger  zerolog.Logger
}

// New constructs the Server. cache may be nil when the refresh endpoint is
// not needed.
func New(
	quotes fetcher.QuoteFetcher,
	cache *fetcher.Cache,
	hist *history.History,
	subs storage.SubscriptionStore,
	opts Options,
	logger zerolog.Logger,
) *Server {
	if opts.Listen == "" {
		opts.Listen = ":8080"
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	return &Server{
		quotes:  quotes,
		cache:   cache,
		history: hist,
		subs:    subs,
		opts:    opts,
		logger:  logger.With().Str("component", "server").Logger(),
	}
}

// Router assembles the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/alerts/register", s.handleRegister)
		r.Get("/alerts/{userID}", s.handleGetSubscription)
		r.Put("/alerts/{userID}/settings", s.handleUpdateSettings)

		r.Get("/gold/price/{country}", s.handleMetalPrice("gold"))
		r.Get("/silver/price/{country}", s.handleMetalPrice("silver"))
		r.Get("/currency/rate/{base}/{quote}", s.handleCurrencyRate)
		r.Get("/history/{kind}/{first}/{second}", s.handleHistory)

		r.Post("/cache/refresh", s.handleCacheRefresh)
	})

	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.Listen,
		Handler:      s.Router(),
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", s.opts.Listen).Msg("http server started")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerRequest struct {
	UserID        string       `json:"user_id"`
	DeliveryToken string       `json:"delivery_token"`
	Language      string       `json:"language"`
	MinIntervalMS int64        `json:"min_interval_ms"`
	Rules         []model.Rule `json:"rules"`
}

type subscriptionResponse struct {
	UserID         string       `json:"user_id"`
	Language       string       `json:"language"`
	Enabled        bool         `json:"enabled"`
	Rules          []model.Rule `json:"rules"`
	MinIntervalMS  int64        `json:"min_interval_ms"`
	HasToken       bool         `json:"has_token"`
	LastNotifiedAt *time.Time   `json:"last_notified_at,omitempty"`
}

func toSubscriptionResponse(sub model.Subscription) subscriptionResponse {
	return subscriptionResponse{
		UserID:         sub.UserID,
		Language:       sub.Language,
		Enabled:        sub.Enabled,
		Rules:          sub.Rules,
		MinIntervalMS:  sub.MinInterval.Milliseconds(),
		HasToken:       sub.DeliveryToken != "",
		LastNotifiedAt: sub.LastNotifiedAt,
	}
}

// handleRegister creates a subscription or refreshes the delivery token of
// an existing one. Re-registering re-enables a subscription whose token was
// invalidated by the push provider.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.UserID == "" || req.DeliveryToken == "" {
		writeError(w, http.StatusBadRequest, "user_id and delivery_token are required")
		return
	}
	if err := validateRules(req.Rules); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	existing, err := s.subs.FindSubscription(r.Context(), req.UserID)
	if err != nil {
		s.logger.Error().Err(err).Str("user", req.UserID).Msg("find subscription failed")
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	now := time.Now().UTC()
	sub := model.Subscription{
		UserID:        req.UserID,
		DeliveryToken: req.DeliveryToken,
		Language:      req.Language,
		Enabled:       true,
		Rules:         req.Rules,
		MinInterval:   time.Duration(req.MinIntervalMS) * time.Millisecond,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if existing != nil {
		sub.CreatedAt = existing.CreatedAt
		sub.LastNotifiedAt = existing.LastNotifiedAt
		if len(req.Rules) == 0 {
			sub.Rules = existing.Rules
		}
		if req.Language == "" {
			sub.Language = existing.Language
		}
		if req.MinIntervalMS == 0 {
			sub.MinInterval = existing.MinInterval
		}
	}

	if err := s.subs.SaveSubscription(r.Context(), sub); err != nil {
		s.logger.Error().Err(err).Str("user", req.UserID).Msg("save subscription failed")
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	writeJSON(w, http.StatusOK, toSubscriptionResponse(sub))
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	sub, err := s.subs.FindSubscription(r.Context(), userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user", userID).Msg("find subscription failed")
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	if sub == nil {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionResponse(*sub))
}

type settingsRequest struct {
	Enabled       *bool         `json:"enabled,omitempty"`
	Language      *string       `json:"language,omitempty"`
	DeliveryToken *string       `json:"delivery_token,omitempty"`
	MinIntervalMS *int64        `json:"min_interval_ms,omitempty"`
	Rules         *[]model.Rule `json:"rules,omitempty"`
}

// handleUpdateSettings patches an existing subscription. Absent fields are
// left untouched.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	sub, err := s.subs.FindSubscription(r.Context(), userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user", userID).Msg("find subscription failed")
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	if sub == nil {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}

	if req.Enabled != nil {
		sub.Enabled = *req.Enabled
	}
	if req.Language != nil {
		sub.Language = *req.Language
	}
	if req.DeliveryToken != nil {
		sub.DeliveryToken = *req.DeliveryToken
	}
	if req.MinIntervalMS != nil {
		sub.MinInterval = time.Duration(*req.MinIntervalMS) * time.Millisecond
	}
	if req.Rules != nil {
		if err := validateRules(*req.Rules); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		sub.Rules = *req.Rules
	}
	sub.UpdatedAt = time.Now().UTC()

	if err := s.subs.SaveSubscription(r.Context(), *sub); err != nil {
		s.logger.Error().Err(err).Str("user", userID).Msg("save subscription failed")
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	writeJSON(w, http.StatusOK, toSubscriptionResponse(*sub))
}

type quoteResponse struct {
	Instrument  model.Instrument `json:"instrument"`
	Value       string           `json:"value"`
	Currency    string           `json:"currency"`
	Source      string           `json:"source"`
	RetrievedAt time.Time        `json:"retrieved_at"`
}

func (s *Server) handleMetalPrice(metal string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		country := chi.URLParam(r, "country")
		if country == "" {
			writeError(w, http.StatusBadRequest, "country is required")
			return
		}
		quote := s.quotes.FetchQuote(r.Context(), model.MetalInstrument(metal, country))
		writeJSON(w, http.StatusOK, quoteResponse{
			Instrument:  quote.Instrument,
			Value:       quote.Value.String(),
			Currency:    quote.Currency,
			Source:      quote.Source,
			RetrievedAt: quote.RetrievedAt,
		})
	}
}

func (s *Server) handleCurrencyRate(w http.ResponseWriter, r *http.Request) {
	base := chi.URLParam(r, "base")
	quoteCcy := chi.URLParam(r, "quote")
	if base == "" || quoteCcy == "" {
		writeError(w, http.StatusBadRequest, "base and quote are required")
		return
	}
	quote := s.quotes.FetchQuote(r.Context(), model.PairInstrument(base, quoteCcy))
	writeJSON(w, http.StatusOK, quoteResponse{
		Instrument:  quote.Instrument,
		Value:       quote.Value.String(),
		Currency:    quote.Currency,
		Source:      quote.Source,
		RetrievedAt: quote.RetrievedAt,
	})
}

type historyEntry struct {
	Value        string    `json:"value"`
	Delta        string    `json:"delta"`
	PercentDelta string    `json:"percent_delta"`
	Currency     string    `json:"currency"`
	Source       string    `json:"source"`
	ObservedAt   time.Time `json:"observed_at"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	first := chi.URLParam(r, "first")
	second := chi.URLParam(r, "second")

	inst, err := model.ParseInstrumentKey(kind + "/" + first + "/" + second)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown instrument")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	observations, err := s.history.List(r.Context(), inst, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("instrument", inst.Key()).Msg("history read failed")
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	entries := make([]historyEntry, 0, len(observations))
	for _, obs := range observations {
		entries = append(entries, historyEntry{
			Value:        obs.Value.String(),
			Delta:        obs.Delta.String(),
			PercentDelta: obs.PercentDelta.String(),
			Currency:     obs.Currency,
			Source:       obs.Source,
			ObservedAt:   obs.ObservedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"instrument": inst,
		"entries":    entries,
	})
}

// handleCacheRefresh drops cached quotes so the next read refetches. The
// class query parameter narrows the flush to one instrument class.
func (s *Server) handleCacheRefresh(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeError(w, http.StatusServiceUnavailable, "cache not configured")
		return
	}

	class := r.URL.Query().Get("class")
	switch class {
	case "":
		s.cache.Clear("")
	case string(model.KindMetal), string(model.KindFX):
		s.cache.Clear(model.InstrumentKind(class))
	default:
		writeError(w, http.StatusBadRequest, "class must be metal or fx")
		return
	}

	s.logger.Info().Str("class", class).Msg("cache flushed via api")
	writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
}

func validateRules(rules []model.Rule) error {
	for _, rule := range rules {
		if !rule.Direction.Valid() {
			return errors.New("rule direction must be above, below, or any")
		}
		if _, err := model.ParseInstrumentKey(rule.Instrument.Key()); err != nil {
			return errors.New("rule instrument is invalid")
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
