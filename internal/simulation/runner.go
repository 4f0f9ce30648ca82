package simulation

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"coinsim/internal/domain"
)

// runner is the single goroutine that owns one simulation.
// Only run() touches sim; readers go through the published snapshot.
type runner struct {
	s          *Scheduler
	sim        *domain.Simulation
	generation uint64
	stopping   bool // guarded by the registry lock
	snap       atomic.Pointer[domain.SimulationSnapshot]

	ctx    context.Context
	cancel context.CancelFunc
	kick   chan chan struct{} // tick-now requests, replied to by closing the inner channel
	done   chan struct{}

	logger *slog.Logger
}

func (s *Scheduler) newRunner(sim *domain.Simulation) *runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &runner{
		s:          s,
		sim:        sim,
		generation: sim.Generation,
		ctx:        ctx,
		cancel:     cancel,
		kick:       make(chan chan struct{}),
		done:       make(chan struct{}),
		logger: s.logger.With(
			slog.String("instrument", sim.InstrumentID),
			slog.Uint64("generation", sim.Generation),
		),
	}
	r.publish()
	return r
}

// start arms the recurring timer and launches the event loop
func (r *runner) start() {
	ticker := r.s.clock.NewTicker(r.s.interval)
	go r.run(ticker)
}

// run is the event loop. It MUST be the only goroutine touching r.sim.
func (r *runner) run(ticker Ticker) {
	defer close(r.done)
	defer ticker.Stop()

	r.logger.Info("Simulation armed",
		slog.String("start", r.sim.StartPrice.String()),
		slog.String("target", r.sim.TargetPrice.String()),
		slog.Int("duration_min", r.sim.DurationMinutes),
	)

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Info("Simulation halted", slog.Int("ticks", r.sim.Ticks))
			return
		case <-ticker.C():
			if r.step() {
				return
			}
		case reply := <-r.kick:
			finished := r.step()
			close(reply)
			if finished {
				return
			}
		}
	}
}

// step runs one tick and, on completion, the terminal bookkeeping.
// Returns true once the simulation is finished.
func (r *runner) step() bool {
	r.tick()
	if r.sim.Phase != domain.PhaseCompleted {
		return false
	}
	r.finish()
	return true
}

// tick computes, writes and commits one price. Failures skip the tick, never the timer.
func (r *runner) tick() {
	defer func() {
		if rec := recover(); rec != nil {
			r.s.tickFailed(reasonPanic)
			r.logger.Error("Tick panic recovered",
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(r.ctx, r.s.ioTimeout)
	defer cancel()

	now := r.s.clock.Now()
	res, err := r.s.compute(ctx, r.sim, now)
	if err != nil {
		r.s.tickFailed(reasonUpstream)
		r.logger.Warn("Tick skipped: price computation failed", slog.Any("error", err))
		return
	}

	if !res.price.IsPositive() {
		r.s.tickFailed(reasonNonPositive)
		r.logger.Warn("Tick skipped: non-positive price", slog.String("price", res.price.String()))
		return
	}

	// Stop may have won the race while we were computing
	if r.ctx.Err() != nil || !r.s.registry.holds(r.sim.InstrumentID, r.generation) {
		r.s.tickFailed(reasonStale)
		return
	}

	prev := r.sim.LastPrice
	if !prev.IsPositive() {
		prev = r.sim.StartPrice
	}
	if err := r.s.write(ctx, r.sim.InstrumentID, res.price, prev, now, res.source()); err != nil {
		r.s.tickFailed(reasonPersistence)
		r.logger.Warn("Tick skipped: write failed", slog.Any("error", err))
		return
	}

	r.commit(res, now)
	r.s.tickRecorded(r.sim.Phase)
}

// commit applies a written tick to the simulation state
func (r *runner) commit(res tickResult, now time.Time) {
	if r.sim.Phase == domain.PhaseRising && res.phase == domain.PhaseFalling {
		// The only write of the fallback fields
		r.sim.FallbackStartedAt = res.startedAt
		r.sim.FallbackStartPrice = res.price
		r.logger.Info("Target reached, falling back to market",
			slog.String("target", r.sim.TargetPrice.String()),
		)
	}
	r.sim.Phase = res.phase
	r.sim.Ticks++
	r.sim.LastPrice = res.price
	r.sim.LastTickAt = now
	r.publish()
}

// finish leaves the registry. The completing tick already wrote the real price.
func (r *runner) finish() {
	if r.s.registry.retire(r.sim.InstrumentID, r.generation) {
		if r.s.obs != nil {
			r.s.obs.SimulationsActive(r.s.registry.Len())
		}
	}
	r.logger.Info("Simulation completed", slog.Int("ticks", r.sim.Ticks))
}

// tickNow asks the loop for an immediate tick and waits for it.
func (r *runner) tickNow(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case r.kick <- reply:
	case <-r.done:
		return fmt.Errorf("%w: simulation for %s already finished", domain.ErrNotFound, r.sim.InstrumentID)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// halt stops the loop and waits until no tick can be in flight.
func (r *runner) halt() {
	r.cancel()
	<-r.done
}

func (r *runner) publish() {
	snap := r.sim.Snapshot()
	r.snap.Store(&snap)
}

func (r *runner) snapshot() domain.SimulationSnapshot {
	return *r.snap.Load()
}
