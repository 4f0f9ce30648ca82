package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Phase is a simulation's position in its state machine
type Phase int

const (
	PhaseRising Phase = iota + 1
	PhaseFalling
	PhaseCompleted
)

// String returns the string representation of Phase
func (p Phase) String() string {
	switch p {
	case PhaseRising:
		return "rising"
	case PhaseFalling:
		return "falling"
	case PhaseCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// MarshalText lets Phase render as its name in JSON
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Simulation is an active, time-bounded override of an instrument's price.
// It is owned by a single scheduler goroutine; everyone else sees Snapshots.
type Simulation struct {
	ID              string
	InstrumentID    string
	Generation      uint64
	StartPrice      decimal.Decimal
	TargetPrice     decimal.Decimal
	StartedAt       time.Time
	DurationMinutes int
	RatePerMinute   decimal.Decimal
	Volatility      float64
	Phase           Phase

	// Written once, at the Rising -> Falling transition
	FallbackStartedAt  time.Time
	FallbackStartPrice decimal.Decimal

	Ticks      int
	LastPrice  decimal.Decimal
	LastTickAt time.Time
}

// Direction returns which way the simulation is heading
func (s *Simulation) Direction() Direction {
	return DirectionOf(s.RatePerMinute)
}

// Snapshot returns an immutable copy for readers
func (s *Simulation) Snapshot() SimulationSnapshot {
	return SimulationSnapshot{
		ID:                 s.ID,
		InstrumentID:       s.InstrumentID,
		Generation:         s.Generation,
		StartPrice:         s.StartPrice,
		TargetPrice:        s.TargetPrice,
		StartedAt:          s.StartedAt,
		DurationMinutes:    s.DurationMinutes,
		RatePerMinute:      s.RatePerMinute,
		Volatility:         s.Volatility,
		Phase:              s.Phase,
		FallbackStartedAt:  s.FallbackStartedAt,
		FallbackStartPrice: s.FallbackStartPrice,
		Ticks:              s.Ticks,
		LastPrice:          s.LastPrice,
		LastTickAt:         s.LastTickAt,
	}
}

// SimulationSnapshot is a point-in-time view of a Simulation
type SimulationSnapshot struct {
	ID                 string          `json:"id"`
	InstrumentID       string          `json:"instrument_id"`
	Generation         uint64          `json:"generation"`
	StartPrice         decimal.Decimal `json:"start_price"`
	TargetPrice        decimal.Decimal `json:"target_price"`
	StartedAt          time.Time       `json:"started_at"`
	DurationMinutes    int             `json:"duration_minutes"`
	RatePerMinute      decimal.Decimal `json:"rate_per_minute"`
	Volatility         float64         `json:"volatility"`
	Phase              Phase           `json:"phase"`
	FallbackStartedAt  time.Time       `json:"fallback_started_at,omitempty"`
	FallbackStartPrice decimal.Decimal `json:"fallback_start_price"`
	Ticks              int             `json:"ticks"`
	LastPrice          decimal.Decimal `json:"last_price"`
	LastTickAt         time.Time       `json:"last_tick_at,omitempty"`
}

// SimulationHandle identifies a started simulation
type SimulationHandle struct {
	ID           string    `json:"id"`
	InstrumentID string    `json:"instrument_id"`
	Generation   uint64    `json:"generation"`
	StartedAt    time.Time `json:"started_at"`
}
