package pattern

import (
	"math/rand/v2"
)

// RandomSource supplies the stochastic terms of the generator.
type RandomSource interface {
	// Symmetric returns a value in [-1, 1).
	Symmetric() float64
	// Chance reports whether an event with probability p happens.
	Chance(p float64) bool
}

// MathRand is the production source backed by math/rand/v2.
type MathRand struct{}

// NewMathRand returns the default random source
func NewMathRand() MathRand {
	return MathRand{}
}

func (MathRand) Symmetric() float64 {
	return rand.Float64()*2 - 1
}

func (MathRand) Chance(p float64) bool {
	return rand.Float64() < p
}

// Fixed is a deterministic source for tests and tooling.
type Fixed struct {
	Value float64 // returned by Symmetric
	Hit   bool    // returned by Chance
}

func (f Fixed) Symmetric() float64 {
	return f.Value
}

func (f Fixed) Chance(float64) bool {
	return f.Hit
}
