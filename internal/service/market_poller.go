package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"coinsim/internal/domain"
	"coinsim/internal/event"

	"github.com/shopspring/decimal"
)

// CoinRepository is the slice of storage the poller needs
type CoinRepository interface {
	ActiveCoinIDs(ctx context.Context) ([]string, error)
	GetPrice(ctx context.Context, id string) (decimal.Decimal, error)
	ApplyQuote(ctx context.Context, id string, q *domain.Quote, at time.Time) error
	Append(ctx context.Context, rec *domain.PriceHistory) error
}

// SimulationGuard runs a write only when no simulation owns the coin
type SimulationGuard interface {
	UnlessSimulating(id string, fn func() error) (bool, error)
}

// PricePrimer receives every real price observed by the poller
type PricePrimer interface {
	Prime(id string, price decimal.Decimal)
}

// Publisher fans written prices out to viewers
type Publisher interface {
	Publish(ev any)
}

// PollObserver is the metrics hook of the poller
type PollObserver interface {
	PollCompleted(status string, seconds float64, updated, skipped int)
}

// PollResult summarises one poll run
type PollResult struct {
	At        time.Time `json:"at"`
	Requested int       `json:"requested"`
	Updated   int       `json:"updated"`
	Skipped   int       `json:"skipped"` // simulating coins
	Failed    int       `json:"failed"`
}

// MarketPollerDeps are the collaborators of a MarketPoller
type MarketPollerDeps struct {
	Repo      CoinRepository
	Quotes    domain.QuoteSource
	Guard     SimulationGuard
	Cache     PricePrimer
	Publisher Publisher
	Observer  PollObserver
}

// MarketPoller periodically copies real market quotes onto coins that are not simulating.
type MarketPoller struct {
	deps     MarketPollerDeps
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.RWMutex
	latest map[string]*domain.Quote
	last   PollResult

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMarketPoller creates a poller running every interval
func NewMarketPoller(deps MarketPollerDeps, interval time.Duration) *MarketPoller {
	if interval <= 0 {
		interval = time.Minute
	}
	return &MarketPoller{
		deps:     deps,
		interval: interval,
		now:      time.Now,
		logger:   slog.Default().With("module", "poller"),
		latest:   make(map[string]*domain.Quote),
	}
}

// Start polls once immediately, then on every interval until Stop or ctx cancellation.
func (p *MarketPoller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("Market polling panic recovered", slog.Any("panic", r))
			}
		}()

		p.runOnce(ctx)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				p.logger.Info("Market polling stopped")
				return
			case <-ticker.C:
				p.runOnce(ctx)
			}
		}
	}()
}

// Stop stops the polling and waits for the current run
func (p *MarketPoller) Stop() {
	if p.cancel != nil {
		p.cancel()
		p.wg.Wait()
	}
}

func (p *MarketPoller) runOnce(ctx context.Context) {
	if _, err := p.Poll(ctx); err != nil {
		p.logger.Warn("Market poll failed", slog.Any("error", err))
	}
}

// Poll fetches quotes for every active coin in one request and writes those not simulating.
func (p *MarketPoller) Poll(ctx context.Context) (PollResult, error) {
	start := p.now()
	res := PollResult{At: start}

	ids, err := p.deps.Repo.ActiveCoinIDs(ctx)
	if err != nil {
		p.observe("error", start, res)
		return res, fmt.Errorf("%w: list coins: %v", domain.ErrPersistence, err)
	}
	res.Requested = len(ids)
	if len(ids) == 0 {
		p.observe("ok", start, res)
		return res, nil
	}

	quotes, err := p.deps.Quotes.FetchQuotes(ctx, ids)
	if err != nil {
		p.observe("error", start, res)
		return res, err
	}

	for _, id := range ids {
		q, ok := quotes[id]
		if !ok || !q.Price.IsPositive() {
			res.Failed++
			continue
		}

		if p.deps.Cache != nil {
			p.deps.Cache.Prime(id, q.Price)
		}

		var ev *event.PriceUpdateEvent
		wrote, err := p.deps.Guard.UnlessSimulating(id, func() error {
			var werr error
			ev, werr = p.apply(ctx, id, q, start)
			return werr
		})
		switch {
		case err != nil:
			res.Failed++
			p.logger.Warn("Market price write failed", slog.String("coin", id), slog.Any("error", err))
		case !wrote:
			res.Skipped++
		default:
			res.Updated++
			if p.deps.Publisher != nil {
				p.deps.Publisher.Publish(ev)
			}
		}
	}

	p.mu.Lock()
	for id, q := range quotes {
		p.latest[id] = q
	}
	p.last = res
	p.mu.Unlock()

	p.observe("ok", start, res)
	p.logger.Debug("Market poll completed",
		slog.Int("requested", res.Requested),
		slog.Int("updated", res.Updated),
		slog.Int("skipped", res.Skipped),
		slog.Int("failed", res.Failed),
	)
	return res, nil
}

// apply writes one quote. Must run inside UnlessSimulating.
func (p *MarketPoller) apply(ctx context.Context, id string, q *domain.Quote, at time.Time) (*event.PriceUpdateEvent, error) {
	prev, err := p.deps.Repo.GetPrice(ctx, id)
	if err != nil {
		prev = decimal.Zero
	}
	if err := p.deps.Repo.ApplyQuote(ctx, id, q, at); err != nil {
		return nil, fmt.Errorf("%w: apply quote %s: %v", domain.ErrPersistence, id, err)
	}

	change := domain.PercentChange(prev, q.Price)
	rec := &domain.PriceHistory{
		CoinID:        id,
		Price:         q.Price,
		PercentChange: change,
		Source:        domain.SourceMarket,
		RecordedAt:    at,
	}
	if err := p.deps.Repo.Append(ctx, rec); err != nil {
		return nil, fmt.Errorf("%w: append history %s: %v", domain.ErrPersistence, id, err)
	}
	return event.NewPriceUpdate(id, q.Price, change, at), nil
}

func (p *MarketPoller) observe(status string, start time.Time, res PollResult) {
	if p.deps.Observer != nil {
		p.deps.Observer.PollCompleted(status, p.now().Sub(start).Seconds(), res.Updated, res.Skipped)
	}
}

// Latest returns the last quote seen for id
func (p *MarketPoller) Latest(id string) (*domain.Quote, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	q, ok := p.latest[id]
	return q, ok
}

// Quotes returns every last-seen quote sorted by id
func (p *MarketPoller) Quotes() []*domain.Quote {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]*domain.Quote, 0, len(p.latest))
	for _, q := range p.latest {
		result = append(result, q)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result
}

// LastResult returns the summary of the most recent successful poll
func (p *MarketPoller) LastResult() PollResult {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}
