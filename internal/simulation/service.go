// Package simulation drives instrument prices toward operator-chosen targets
// and hands them back to the market feed afterwards.
package simulation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"coinsim/internal/domain"
	"coinsim/internal/pattern"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Defaults
const (
	DefaultTickInterval       = time.Minute
	DefaultFallbackWindow     = 30 * time.Minute
	DefaultMaxDurationMinutes = 10080 // one week
	DefaultIOTimeout          = 15 * time.Second
)

// Config tunes the scheduler
type Config struct {
	TickInterval       time.Duration
	FallbackWindow     time.Duration
	MaxDurationMinutes int
	IOTimeout          time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.FallbackWindow <= 0 {
		c.FallbackWindow = DefaultFallbackWindow
	}
	if c.MaxDurationMinutes <= 0 || c.MaxDurationMinutes > DefaultMaxDurationMinutes {
		c.MaxDurationMinutes = DefaultMaxDurationMinutes
	}
	if c.IOTimeout <= 0 {
		c.IOTimeout = DefaultIOTimeout
	}
	return c
}

// Deps are the collaborators of the Service. Prices should be a PriceCache.
type Deps struct {
	Coins     domain.CoinStore
	History   domain.HistoryStore
	Prices    domain.PriceFetcher
	Publisher Publisher
	Generator *pattern.Generator
	Clock     Clock
	Observer  Observer
}

// Service is the operator-facing orchestrator for simulations.
type Service struct {
	cfg      Config
	registry *Registry
	sched    *Scheduler
	coins    domain.CoinStore
	clock    Clock
	logger   *slog.Logger
}

// NewService wires a Service with its own registry
func NewService(cfg Config, deps Deps) *Service {
	cfg = cfg.withDefaults()
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.Generator == nil {
		deps.Generator = pattern.New(nil)
	}

	logger := slog.Default().With("module", "simulation")
	registry := NewRegistry()

	return &Service{
		cfg:      cfg,
		registry: registry,
		sched: &Scheduler{
			clock:          deps.Clock,
			interval:       cfg.TickInterval,
			fallbackWindow: cfg.FallbackWindow,
			ioTimeout:      cfg.IOTimeout,
			coins:          deps.Coins,
			history:        deps.History,
			prices:         deps.Prices,
			publisher:      deps.Publisher,
			gen:            deps.Generator,
			registry:       registry,
			obs:            deps.Observer,
			logger:         logger,
		},
		coins:  deps.Coins,
		clock:  deps.Clock,
		logger: logger,
	}
}

// StartSimulation takes over instrumentID's price and drives it to target over durationMinutes.
// One tick is performed before returning so viewers see movement immediately.
func (s *Service) StartSimulation(ctx context.Context, instrumentID string, target decimal.Decimal, durationMinutes int) (domain.SimulationHandle, error) {
	if instrumentID == "" {
		return domain.SimulationHandle{}, fmt.Errorf("%w: instrument id is required", domain.ErrInvalidArgument)
	}
	if !target.IsPositive() {
		return domain.SimulationHandle{}, fmt.Errorf("%w: target price must be positive, got %s", domain.ErrInvalidArgument, target)
	}
	if durationMinutes < 1 || durationMinutes > s.cfg.MaxDurationMinutes {
		return domain.SimulationHandle{}, fmt.Errorf("%w: duration must be between 1 and %d minutes, got %d",
			domain.ErrInvalidArgument, s.cfg.MaxDurationMinutes, durationMinutes)
	}
	if s.registry.Active(instrumentID) {
		return domain.SimulationHandle{}, fmt.Errorf("%w: simulation already active for %s", domain.ErrConflict, instrumentID)
	}

	exists, err := s.coins.Exists(ctx, instrumentID)
	if err != nil {
		return domain.SimulationHandle{}, fmt.Errorf("%w: lookup %s: %v", domain.ErrPersistence, instrumentID, err)
	}
	if !exists {
		return domain.SimulationHandle{}, fmt.Errorf("%w: instrument %s", domain.ErrNotFound, instrumentID)
	}

	startPrice, err := s.coins.GetPrice(ctx, instrumentID)
	if err != nil {
		return domain.SimulationHandle{}, fmt.Errorf("%w: read price %s: %v", domain.ErrPersistence, instrumentID, err)
	}
	if !startPrice.IsPositive() {
		return domain.SimulationHandle{}, fmt.Errorf("%w: current price of %s is not positive", domain.ErrInvalidArgument, instrumentID)
	}

	now := s.clock.Now()
	sim := &domain.Simulation{
		ID:              uuid.NewString(),
		InstrumentID:    instrumentID,
		StartPrice:      startPrice,
		TargetPrice:     target,
		StartedAt:       now,
		DurationMinutes: durationMinutes,
		RatePerMinute:   target.Sub(startPrice).Div(decimal.NewFromInt(int64(durationMinutes))),
		Volatility:      pattern.Volatility(startPrice.InexactFloat64(), target.InexactFloat64()),
		Phase:           domain.PhaseRising,
		LastPrice:       startPrice,
	}

	r, err := s.registry.insert(ctx, instrumentID, func(gen uint64) *runner {
		sim.Generation = gen
		return s.sched.newRunner(sim)
	})
	if err != nil {
		return domain.SimulationHandle{}, err
	}
	r.start()
	s.activeChanged()

	s.logger.Info("Simulation started",
		slog.String("instrument", instrumentID),
		slog.String("id", sim.ID),
		slog.String("start", startPrice.String()),
		slog.String("target", target.String()),
		slog.Int("duration_min", durationMinutes),
		slog.Float64("volatility", sim.Volatility),
	)

	if err := r.tickNow(ctx); err != nil {
		s.logger.Warn("Immediate tick not delivered", slog.String("instrument", instrumentID), slog.Any("error", err))
	}

	return domain.SimulationHandle{
		ID:           sim.ID,
		InstrumentID: instrumentID,
		Generation:   sim.Generation,
		StartedAt:    now,
	}, nil
}

// StopSimulation disarms instrumentID's timer, re-anchors to the market price and removes it.
// The instrument stays claimed until the re-anchor is written, so no other writer interleaves.
// No tick for the instrument can fire after it returns.
func (s *Service) StopSimulation(ctx context.Context, instrumentID string) error {
	r, ok := s.registry.beginStop(instrumentID)
	if !ok {
		return fmt.Errorf("%w: no active simulation for %s", domain.ErrNotFound, instrumentID)
	}
	r.halt()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.IOTimeout)
	defer cancel()
	err := s.sched.reanchor(ctx, instrumentID)

	s.registry.removeIf(instrumentID, r.generation)
	s.activeChanged()
	s.logger.Info("Simulation stopped", slog.String("instrument", instrumentID))

	if err != nil {
		s.logger.Warn("Re-anchor after stop failed", slog.String("instrument", instrumentID), slog.Any("error", err))
		return fmt.Errorf("simulation stopped but re-anchor failed: %w", err)
	}
	return nil
}

// GetSimulationStatus returns a copy of instrumentID's simulation, if active
func (s *Service) GetSimulationStatus(instrumentID string) (domain.SimulationSnapshot, bool) {
	return s.registry.Snapshot(instrumentID)
}

// ListSimulations returns copies of all active simulations sorted by instrument id
func (s *Service) ListSimulations() []domain.SimulationSnapshot {
	return s.registry.Snapshots()
}

// IsSimulating reports whether instrumentID's price is currently simulated
func (s *Service) IsSimulating(instrumentID string) bool {
	return s.registry.Active(instrumentID)
}

// UnlessSimulating runs fn while guaranteeing no simulation can start for instrumentID.
// Returns false without calling fn if one is active.
func (s *Service) UnlessSimulating(instrumentID string, fn func() error) (bool, error) {
	return s.registry.UnlessActive(instrumentID, fn)
}

// Shutdown halts every simulation without re-anchoring
func (s *Service) Shutdown(ctx context.Context) {
	runners := s.registry.drain()
	for _, r := range runners {
		select {
		case <-ctx.Done():
			r.cancel()
		default:
			r.halt()
		}
	}
	s.activeChanged()
	s.logger.Info("Simulation scheduler shut down", slog.Int("halted", len(runners)))
}

// tick forces an immediate tick for instrumentID and waits for it
func (s *Service) tick(ctx context.Context, instrumentID string) error {
	r, ok := s.registry.get(instrumentID)
	if !ok {
		return fmt.Errorf("%w: no active simulation for %s", domain.ErrNotFound, instrumentID)
	}
	return r.tickNow(ctx)
}

func (s *Service) activeChanged() {
	if s.sched.obs != nil {
		s.sched.obs.SimulationsActive(s.registry.Len())
	}
}
