package simulation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"coinsim/internal/domain"
	"coinsim/internal/event"
	"coinsim/internal/pattern"

	"github.com/shopspring/decimal"
)

// fallingVolatilityShare scales the oscillation layered over the fallback interpolation
const fallingVolatilityShare = 0.3

// Publisher receives every written price (the broadcast hub in production)
type Publisher interface {
	Publish(ev any)
}

// Observer receives scheduler outcomes (metrics hook)
type Observer interface {
	TickRecorded(phase string)
	TickFailed(reason string)
	SimulationsActive(n int)
}

// Tick failure reasons
const (
	reasonUpstream    = "upstream"
	reasonNonPositive = "non_positive"
	reasonPersistence = "persistence"
	reasonStale       = "stale"
	reasonPanic       = "panic"
)

// Scheduler owns the per-simulation timers and the tick computation.
type Scheduler struct {
	clock          Clock
	interval       time.Duration
	fallbackWindow time.Duration
	ioTimeout      time.Duration

	coins     domain.CoinStore
	history   domain.HistoryStore
	prices    domain.PriceFetcher
	publisher Publisher
	gen       *pattern.Generator
	registry  *Registry
	obs       Observer
	logger    *slog.Logger
}

// tickResult is the outcome of one computation, committed only after a successful write
type tickResult struct {
	price     decimal.Decimal
	phase     domain.Phase
	startedAt time.Time // fallback start, set on Rising -> Falling
}

// source labels the history record; the completing tick is the re-anchor
func (t tickResult) source() string {
	if t.phase == domain.PhaseCompleted {
		return domain.SourceReanchor
	}
	return domain.SourceSimulation
}

// BasePrice is the deterministic Rising-phase price at now, clamped to the target
// once the target is reached or the planned duration has elapsed.
func BasePrice(sim domain.SimulationSnapshot, now time.Time) decimal.Decimal {
	elapsed := elapsedMinutes(sim.StartedAt, now)
	base := sim.StartPrice.Add(sim.RatePerMinute.Mul(decimal.NewFromFloat(elapsed)))
	if domain.DirectionOf(sim.RatePerMinute).Reached(base, sim.TargetPrice) || elapsed >= float64(sim.DurationMinutes) {
		return sim.TargetPrice
	}
	return base
}

// compute advances sim's state machine to now without mutating it.
func (s *Scheduler) compute(ctx context.Context, sim *domain.Simulation, now time.Time) (tickResult, error) {
	switch sim.Phase {
	case domain.PhaseRising:
		return s.computeRising(sim, now), nil
	case domain.PhaseFalling:
		return s.computeFalling(ctx, sim, now)
	default:
		return tickResult{}, fmt.Errorf("no tick for phase %s", sim.Phase)
	}
}

func (s *Scheduler) computeRising(sim *domain.Simulation, now time.Time) tickResult {
	elapsed := elapsedMinutes(sim.StartedAt, now)
	duration := float64(sim.DurationMinutes)

	base := sim.StartPrice.Add(sim.RatePerMinute.Mul(decimal.NewFromFloat(elapsed)))
	progress := elapsed / duration
	if progress > 1 {
		progress = 1
	}
	factor := s.gen.Factor(progress, sim.Volatility, now)
	observed := base.Mul(decimal.NewFromFloat(factor))

	// elapsed >= duration guards against the rate having been rounded toward start
	if sim.Direction().Reached(base, sim.TargetPrice) || elapsed >= duration {
		return tickResult{
			price:     sim.TargetPrice,
			phase:     domain.PhaseFalling,
			startedAt: now,
		}
	}
	return tickResult{price: observed, phase: domain.PhaseRising}
}

func (s *Scheduler) computeFalling(ctx context.Context, sim *domain.Simulation, now time.Time) (tickResult, error) {
	progress := now.Sub(sim.FallbackStartedAt).Seconds() / s.fallbackWindow.Seconds()
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}

	realPrice, err := s.prices.FetchRealPrice(ctx, sim.InstrumentID)
	if err != nil {
		return tickResult{}, err
	}

	if progress >= 1 {
		return tickResult{price: realPrice, phase: domain.PhaseCompleted}, nil
	}

	p := decimal.NewFromFloat(progress)
	lerp := sim.FallbackStartPrice.Add(realPrice.Sub(sim.FallbackStartPrice).Mul(p))

	// Secondary oscillation fades out as the fallback completes
	osc := s.gen.Factor(progress, sim.Volatility*fallingVolatilityShare, now) - 1
	observed := lerp.Mul(decimal.NewFromFloat(1 + osc*(1-progress)))

	return tickResult{price: observed, phase: domain.PhaseFalling}, nil
}

// write persists one price and fans it out to viewers.
func (s *Scheduler) write(ctx context.Context, id string, price, prev decimal.Decimal, at time.Time, source string) error {
	if err := s.coins.SetPrice(ctx, id, price, at); err != nil {
		return fmt.Errorf("%w: set price %s: %v", domain.ErrPersistence, id, err)
	}

	change := domain.PercentChange(prev, price)
	rec := &domain.PriceHistory{
		CoinID:        id,
		Price:         price,
		PercentChange: change,
		Source:        source,
		RecordedAt:    at,
	}
	if err := s.history.Append(ctx, rec); err != nil {
		return fmt.Errorf("%w: append history %s: %v", domain.ErrPersistence, id, err)
	}

	if s.publisher != nil {
		s.publisher.Publish(event.NewPriceUpdate(id, price, change, at))
	}
	return nil
}

// reanchor writes the real market price of id once, ending simulated control.
func (s *Scheduler) reanchor(ctx context.Context, id string) error {
	realPrice, err := s.prices.FetchRealPrice(ctx, id)
	if err != nil {
		return err
	}
	if !realPrice.IsPositive() {
		return fmt.Errorf("%w: real price for %s is not positive: %s", domain.ErrUpstreamUnavailable, id, realPrice)
	}

	prev, err := s.coins.GetPrice(ctx, id)
	if err != nil {
		prev = decimal.Zero
	}

	if err := s.write(ctx, id, realPrice, prev, s.clock.Now(), domain.SourceReanchor); err != nil {
		return err
	}

	s.logger.Info("Instrument re-anchored to market price",
		slog.String("instrument", id),
		slog.String("price", realPrice.String()),
	)
	return nil
}

func (s *Scheduler) tickRecorded(phase domain.Phase) {
	if s.obs != nil {
		s.obs.TickRecorded(phase.String())
	}
}

func (s *Scheduler) tickFailed(reason string) {
	if s.obs != nil {
		s.obs.TickFailed(reason)
	}
}

func elapsedMinutes(from, to time.Time) float64 {
	e := to.Sub(from).Minutes()
	if e < 0 {
		return 0
	}
	return e
}
