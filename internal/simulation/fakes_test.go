package simulation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"coinsim/internal/domain"
	"coinsim/internal/event"
	"coinsim/internal/pattern"

	"github.com/shopspring/decimal"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// NewTicker returns a ticker that never fires; tests drive ticks explicitly.
func (c *fakeClock) NewTicker(time.Duration) Ticker {
	return &silentTicker{ch: make(chan time.Time)}
}

type silentTicker struct {
	ch      chan time.Time
	stopped atomic.Bool
}

func (t *silentTicker) C() <-chan time.Time { return t.ch }
func (t *silentTicker) Stop()               { t.stopped.Store(true) }

// memStore is a CoinStore + HistoryStore that detects overlapping price writers.
type memStore struct {
	mu         sync.Mutex
	prices     map[string]decimal.Decimal
	history    []domain.PriceHistory
	setErr     error
	inflight   map[string]int
	overlaps   atomic.Int32
	writeDelay time.Duration
}

func newMemStore(prices map[string]int64) *memStore {
	s := &memStore{
		prices:   make(map[string]decimal.Decimal),
		inflight: make(map[string]int),
	}
	for id, p := range prices {
		s.prices[id] = decimal.NewFromInt(p)
	}
	return s
}

func (s *memStore) GetPrice(ctx context.Context, id string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prices[id]
	if !ok {
		return decimal.Zero, errors.New("record not found")
	}
	return p, nil
}

func (s *memStore) SetPrice(ctx context.Context, id string, price decimal.Decimal, at time.Time) error {
	s.mu.Lock()
	if s.setErr != nil {
		err := s.setErr
		s.mu.Unlock()
		return err
	}
	s.inflight[id]++
	if s.inflight[id] > 1 {
		s.overlaps.Add(1)
	}
	delay := s.writeDelay
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	s.mu.Lock()
	s.prices[id] = price
	s.inflight[id]--
	s.mu.Unlock()
	return nil
}

func (s *memStore) Exists(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.prices[id]
	return ok, nil
}

func (s *memStore) Append(ctx context.Context, rec *domain.PriceHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, *rec)
	return nil
}

func (s *memStore) price(id string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prices[id]
}

func (s *memStore) failWrites(err error) {
	s.mu.Lock()
	s.setErr = err
	s.mu.Unlock()
}

func (s *memStore) records(id string) []domain.PriceHistory {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PriceHistory
	for _, r := range s.history {
		if r.CoinID == id {
			out = append(out, r)
		}
	}
	return out
}

type fakeFetcher struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	err    error
	calls  atomic.Int32
}

func newFakeFetcher(prices map[string]int64) *fakeFetcher {
	f := &fakeFetcher{prices: make(map[string]decimal.Decimal)}
	for id, p := range prices {
		f.prices[id] = decimal.NewFromInt(p)
	}
	return f
}

func (f *fakeFetcher) FetchRealPrice(ctx context.Context, id string) (decimal.Decimal, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return decimal.Zero, f.err
	}
	p, ok := f.prices[id]
	if !ok {
		return decimal.Zero, errors.New("unknown coin")
	}
	return p, nil
}

func (f *fakeFetcher) set(id string, price decimal.Decimal, err error) {
	f.mu.Lock()
	f.prices[id] = price
	f.err = err
	f.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*event.PriceUpdateEvent
}

func (p *recordingPublisher) Publish(ev any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := ev.(*event.PriceUpdateEvent); ok {
		p.events = append(p.events, e)
	}
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type harness struct {
	svc    *Service
	store  *memStore
	prices *fakeFetcher
	clock  *fakeClock
	pub    *recordingPublisher
}

func newHarness(t *testing.T, coins map[string]int64, real map[string]int64) *harness {
	t.Helper()

	h := &harness{
		store:  newMemStore(coins),
		prices: newFakeFetcher(real),
		clock:  &fakeClock{now: t0},
		pub:    &recordingPublisher{},
	}
	h.svc = NewService(Config{}, Deps{
		Coins:     h.store,
		History:   h.store,
		Prices:    h.prices,
		Publisher: h.pub,
		Generator: pattern.New(pattern.Fixed{}),
		Clock:     h.clock,
	})
	t.Cleanup(func() { h.svc.Shutdown(context.Background()) })
	return h
}

// advanceAndTick moves simulated time forward one minute at a time, ticking each minute.
func (h *harness) advanceAndTick(t *testing.T, id string, minutes int) {
	t.Helper()
	for i := 0; i < minutes; i++ {
		h.clock.Advance(time.Minute)
		if err := h.svc.tick(context.Background(), id); err != nil {
			t.Fatalf("tick at minute %d: %v", i+1, err)
		}
	}
}
