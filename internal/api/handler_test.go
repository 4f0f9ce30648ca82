package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"coinsim/internal/broadcast"
	"coinsim/internal/domain"
	"coinsim/internal/event"
	"coinsim/internal/service"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fakeSims struct {
	mu      sync.Mutex
	active  map[string]domain.SimulationSnapshot
	startFn func(id string, target decimal.Decimal, minutes int) (domain.SimulationHandle, error)
	stopErr error
}

func (f *fakeSims) StartSimulation(ctx context.Context, id string, target decimal.Decimal, minutes int) (domain.SimulationHandle, error) {
	return f.startFn(id, target, minutes)
}

func (f *fakeSims) StopSimulation(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	if _, ok := f.active[id]; !ok {
		return fmt.Errorf("%w: no active simulation for %s", domain.ErrNotFound, id)
	}
	delete(f.active, id)
	return nil
}

func (f *fakeSims) GetSimulationStatus(id string) (domain.SimulationSnapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.active[id]
	return s, ok
}

func (f *fakeSims) ListSimulations() []domain.SimulationSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.SimulationSnapshot, 0, len(f.active))
	for _, s := range f.active {
		out = append(out, s)
	}
	return out
}

type fakeCoins struct {
	coins   []domain.Coin
	history []domain.PriceHistory
	pingErr error
	limit   int
}

func (f *fakeCoins) ListCoins(ctx context.Context) ([]domain.Coin, error) { return f.coins, nil }

func (f *fakeCoins) GetCoin(ctx context.Context, id string) (*domain.Coin, error) {
	for i := range f.coins {
		if f.coins[i].ID == id {
			return &f.coins[i], nil
		}
	}
	return nil, fmt.Errorf("%w: coin %s", domain.ErrNotFound, id)
}

func (f *fakeCoins) History(ctx context.Context, id string, limit int) ([]domain.PriceHistory, error) {
	f.limit = limit
	return f.history, nil
}

func (f *fakeCoins) Ping(ctx context.Context) error { return f.pingErr }

type fakeMarket struct{}

func (fakeMarket) Quotes() []*domain.Quote {
	return []*domain.Quote{{ID: "bitcoin", Price: decimal.NewFromInt(67000), ChangeRate: decimal.RequireFromString("-1.2")}}
}

func (fakeMarket) LastResult() service.PollResult {
	return service.PollResult{At: t0, Requested: 2, Updated: 1, Skipped: 1}
}

type fixture struct {
	sims   *fakeSims
	coins  *fakeCoins
	hub    *broadcast.Hub
	server *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		sims: &fakeSims{
			active: map[string]domain.SimulationSnapshot{
				"bitcoin": {
					InstrumentID:    "bitcoin",
					StartPrice:      decimal.NewFromInt(100),
					TargetPrice:     decimal.NewFromInt(150),
					RatePerMinute:   decimal.NewFromInt(5),
					StartedAt:       t0,
					DurationMinutes: 10,
					Phase:           domain.PhaseRising,
				},
			},
		},
		coins: &fakeCoins{
			coins: []domain.Coin{
				{ID: "bitcoin", Symbol: "BTC", Price: decimal.NewFromInt(100)},
			},
			history: []domain.PriceHistory{
				{CoinID: "bitcoin", Price: decimal.NewFromInt(100), Source: domain.SourceMarket},
			},
		},
		hub: broadcast.NewHub(nil),
	}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("metrics ok"))
	})
	h := NewHandler(f.sims, f.coins, f.hub, Options{
		Market:      fakeMarket{},
		Metrics:     metrics,
		EnablePprof: true,
		Now:         func() time.Time { return t0.Add(4 * time.Minute) },
	})
	f.server = httptest.NewServer(h.Routes())
	t.Cleanup(func() {
		f.server.Close()
		f.hub.Close()
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", domain.ErrInvalidArgument), http.StatusBadRequest},
		{fmt.Errorf("x: %w", domain.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", domain.ErrConflict), http.StatusConflict},
		{fmt.Errorf("x: %w", domain.ErrUpstreamUnavailable), http.StatusBadGateway},
		{fmt.Errorf("x: %w", domain.ErrPersistence), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}

func TestStartSimulation(t *testing.T) {
	f := newFixture(t)
	f.sims.startFn = func(id string, target decimal.Decimal, minutes int) (domain.SimulationHandle, error) {
		assert.Equal(t, "ethereum", id)
		assert.True(t, target.Equal(decimal.RequireFromString("4000.5")))
		assert.Equal(t, 30, minutes)
		return domain.SimulationHandle{ID: "h-1", InstrumentID: id, Generation: 7, StartedAt: t0}, nil
	}

	resp, body := f.do(t, http.MethodPost, "/api/simulations",
		`{"instrumentId":"ethereum","targetPrice":"4000.5","durationMinutes":30}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var handle domain.SimulationHandle
	require.NoError(t, json.Unmarshal(body, &handle))
	assert.Equal(t, "h-1", handle.ID)
	assert.Equal(t, uint64(7), handle.Generation)
}

func TestStartSimulation_Errors(t *testing.T) {
	f := newFixture(t)
	f.sims.startFn = func(id string, target decimal.Decimal, minutes int) (domain.SimulationHandle, error) {
		if id == "bitcoin" {
			return domain.SimulationHandle{}, fmt.Errorf("%w: simulation already active for bitcoin", domain.ErrConflict)
		}
		return domain.SimulationHandle{}, fmt.Errorf("%w: duration must be between 1 and 10080 minutes", domain.ErrInvalidArgument)
	}

	resp, _ := f.do(t, http.MethodPost, "/api/simulations", `{"instrumentId":"bitcoin","targetPrice":1,"durationMinutes":1}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/simulations", `{"instrumentId":"x","targetPrice":1,"durationMinutes":0}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "duration must be between")

	resp, _ = f.do(t, http.MethodPost, "/api/simulations", `{"instrumentId":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/simulations", `{"instrument":"x"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "unknown fields are rejected")
}

func TestGetAndListSimulations(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/simulations/bitcoin", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view struct {
		InstrumentID string          `json:"instrument_id"`
		Phase        string          `json:"phase"`
		BasePrice    decimal.Decimal `json:"base_price"`
	}
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, "bitcoin", view.InstrumentID)
	assert.Equal(t, "rising", view.Phase)
	assert.True(t, view.BasePrice.Equal(decimal.NewFromInt(120)), "base price at minute 4, got %s", view.BasePrice)

	resp, _ = f.do(t, http.MethodGet, "/api/simulations/ethereum", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/simulations", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []json.RawMessage
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 1)
}

func TestStopSimulation(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodDelete, "/api/simulations/bitcoin", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/api/simulations/bitcoin", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	f.sims.stopErr = fmt.Errorf("simulation stopped but re-anchor failed: %w", domain.ErrUpstreamUnavailable)
	resp, _ = f.do(t, http.MethodDelete, "/api/simulations/any", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestCoins(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/coins", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), `"symbol":"BTC"`)

	resp, _ = f.do(t, http.MethodGet, "/api/coins/bitcoin", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/coins/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/coins/bitcoin/history?limit=25", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 25, f.coins.limit)
	assert.Contains(t, string(body), `"source":"market"`)

	resp, _ = f.do(t, http.MethodGet, "/api/coins/bitcoin/history?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/coins/nope/history", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMarket(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/market", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got MarketResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, 1, got.LastPoll.Skipped)
	require.Len(t, got.Quotes, 1)
	assert.Equal(t, "bitcoin", got.Quotes[0].ID)
	assert.True(t, got.Quotes[0].Price.Equal(decimal.NewFromInt(67000)))
}

func TestHealthMetricsAndPprof(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)
	assert.Contains(t, string(body), `"simulations":1`)

	f.coins.pingErr = errors.New("db gone")
	resp, _ = f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "metrics ok", string(body))

	resp, _ = f.do(t, http.MethodGet, "/debug/pprof/", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServeWS_ViewerReceivesBroadcast(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.hub.Len() == 1 }, time.Second, 5*time.Millisecond)

	f.hub.Publish(event.NewPriceUpdate("bitcoin", decimal.NewFromInt(101), decimal.NewFromInt(1), t0))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev event.PriceUpdateEvent
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, event.TypePriceUpdate, ev.Type)
	assert.Equal(t, "bitcoin", ev.InstrumentID)
	assert.Equal(t, 101.0, ev.Price)

	conn.Close()
	require.Eventually(t, func() bool { return f.hub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}
