// Package api exposes the operator HTTP surface and the viewer websocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"coinsim/internal/broadcast"
	"coinsim/internal/domain"
	"coinsim/internal/service"
	"coinsim/internal/simulation"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// SimulationService is the operator-facing simulation API
type SimulationService interface {
	StartSimulation(ctx context.Context, instrumentID string, target decimal.Decimal, durationMinutes int) (domain.SimulationHandle, error)
	StopSimulation(ctx context.Context, instrumentID string) error
	GetSimulationStatus(instrumentID string) (domain.SimulationSnapshot, bool)
	ListSimulations() []domain.SimulationSnapshot
}

// CoinReader serves coin listings and price history
type CoinReader interface {
	ListCoins(ctx context.Context) ([]domain.Coin, error)
	GetCoin(ctx context.Context, id string) (*domain.Coin, error)
	History(ctx context.Context, id string, limit int) ([]domain.PriceHistory, error)
	Ping(ctx context.Context) error
}

// ViewerHub accepts websocket viewers
type ViewerHub interface {
	Register(c broadcast.Conn)
	Len() int
}

// MarketView exposes the last real-market poll
type MarketView interface {
	Quotes() []*domain.Quote
	LastResult() service.PollResult
}

// Options toggles optional routes
type Options struct {
	Market      MarketView   // serves /api/market when set
	Metrics     http.Handler // mounted on /metrics when set
	EnablePprof bool         // mounts /debug
	Now         func() time.Time
}

// Handler wires HTTP routes to the services
type Handler struct {
	sims     SimulationService
	coins    CoinReader
	hub      ViewerHub
	opts     Options
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler creates the HTTP handler
func NewHandler(sims SimulationService, coins CoinReader, hub ViewerHub, opts Options) *Handler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Handler{
		sims:  sims,
		coins: coins,
		hub:   hub,
		opts:  opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Viewers are read-only; any origin may watch
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: slog.Default().With("module", "api"),
	}
}

// Routes builds the chi router
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))

		r.Route("/simulations", func(r chi.Router) {
			r.Post("/", h.StartSimulation)
			r.Get("/", h.ListSimulations)
			r.Get("/{id}", h.GetSimulation)
			r.Delete("/{id}", h.StopSimulation)
		})

		r.Get("/coins", h.ListCoins)
		r.Get("/coins/{id}", h.GetCoin)
		r.Get("/coins/{id}/history", h.CoinHistory)

		if h.opts.Market != nil {
			r.Get("/market", h.Market)
		}
	})

	r.Get("/ws", h.ServeWS)
	r.Get("/healthz", h.Health)
	if h.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.opts.Metrics)
	}
	if h.opts.EnablePprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

// StartSimulationRequest is the body of POST /api/simulations
type StartSimulationRequest struct {
	InstrumentID    string          `json:"instrumentId"`
	TargetPrice     decimal.Decimal `json:"targetPrice"`
	DurationMinutes int             `json:"durationMinutes"`
}

// SimulationView is a snapshot plus its deterministic base price
type SimulationView struct {
	domain.SimulationSnapshot
	BasePrice decimal.Decimal `json:"base_price"`
}

// StartSimulation handles POST /api/simulations
func (h *Handler) StartSimulation(w http.ResponseWriter, r *http.Request) {
	var req StartSimulationRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	handle, err := h.sims.StartSimulation(r.Context(), req.InstrumentID, req.TargetPrice, req.DurationMinutes)
	if err != nil {
		h.fail(w, r, "Failed to start simulation", err)
		return
	}
	writeJSON(w, http.StatusCreated, handle)
}

// ListSimulations handles GET /api/simulations
func (h *Handler) ListSimulations(w http.ResponseWriter, r *http.Request) {
	now := h.opts.Now()
	snaps := h.sims.ListSimulations()
	views := make([]SimulationView, 0, len(snaps))
	for _, s := range snaps {
		views = append(views, SimulationView{SimulationSnapshot: s, BasePrice: simulation.BasePrice(s, now)})
	}
	writeJSON(w, http.StatusOK, views)
}

// GetSimulation handles GET /api/simulations/{id}
func (h *Handler) GetSimulation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, ok := h.sims.GetSimulationStatus(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no active simulation for "+id)
		return
	}
	writeJSON(w, http.StatusOK, SimulationView{SimulationSnapshot: snap, BasePrice: simulation.BasePrice(snap, h.opts.Now())})
}

// StopSimulation handles DELETE /api/simulations/{id}
func (h *Handler) StopSimulation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.sims.StopSimulation(r.Context(), id); err != nil {
		h.fail(w, r, "Failed to stop simulation", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListCoins handles GET /api/coins
func (h *Handler) ListCoins(w http.ResponseWriter, r *http.Request) {
	coins, err := h.coins.ListCoins(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list coins", err)
		return
	}
	writeJSON(w, http.StatusOK, coins)
}

// GetCoin handles GET /api/coins/{id}
func (h *Handler) GetCoin(w http.ResponseWriter, r *http.Request) {
	coin, err := h.coins.GetCoin(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to get coin", err)
		return
	}
	writeJSON(w, http.StatusOK, coin)
}

// CoinHistory handles GET /api/coins/{id}/history?limit=N
func (h *Handler) CoinHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	if _, err := h.coins.GetCoin(r.Context(), id); err != nil {
		h.fail(w, r, "Failed to get coin", err)
		return
	}
	recs, err := h.coins.History(r.Context(), id, limit)
	if err != nil {
		h.fail(w, r, "Failed to read history", err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// MarketResponse is the body of GET /api/market
type MarketResponse struct {
	LastPoll service.PollResult `json:"last_poll"`
	Quotes   []*domain.Quote    `json:"quotes"`
}

// Market handles GET /api/market
func (h *Handler) Market(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, MarketResponse{
		LastPoll: h.opts.Market.LastResult(),
		Quotes:   h.opts.Market.Quotes(),
	})
}

// ServeWS upgrades a viewer connection and registers it with the hub
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		h.logger.Warn("Websocket upgrade failed", slog.Any("error", err))
		return
	}
	h.hub.Register(broadcast.NewWSConn(conn))
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	if err := h.coins.Ping(ctx); err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, code, map[string]any{
		"status":      status,
		"simulations": len(h.sims.ListSimulations()),
		"viewers":     h.hub.Len(),
	})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	code := StatusFor(err)
	if code >= 500 {
		h.logger.Error(msg, slog.String("path", r.URL.Path), slog.Any("error", err))
	} else {
		h.logger.Info(msg, slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	writeError(w, code, err.Error())
}

// StatusFor maps domain errors to HTTP status codes
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Debug("HTTP request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("Failed to encode response", slog.Any("error", err))
	}
}
