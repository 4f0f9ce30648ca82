// Package pattern produces the multiplicative price factor applied on every simulation tick.
package pattern

import (
	"math"
	"time"
)

// wave is one sinusoid of the multi-scale market motion
type wave struct {
	cycles    float64 // full periods over the simulation lifetime
	amplitude float64
	phase     float64
}

// Faster waves are smaller; the slowest wave carries most of the swing.
var waves = [5]wave{
	{cycles: 48, amplitude: 0.0015, phase: 0.0},
	{cycles: 24, amplitude: 0.0025, phase: 0.7},
	{cycles: 12, amplitude: 0.0040, phase: 1.9},
	{cycles: 6, amplitude: 0.0060, phase: 2.6},
	{cycles: 3, amplitude: 0.0090, phase: 4.1},
}

const (
	highFreqNoise = 0.0015
	lowFreqNoise  = 0.0050

	spikeChance    = 0.03
	spikeAmplitude = 0.015

	trendAmplitude = 0.002

	maxVolatility = 3.0
)

// Session multipliers
const (
	marketHoursMultiplier = 1.25
	nightMultiplier       = 0.6
	weekendMultiplier     = 0.7
)

// Generator computes price-adjustment factors.
// It holds no state besides its random source.
type Generator struct {
	rand RandomSource
}

// New creates a Generator. A nil source falls back to math/rand.
func New(src RandomSource) *Generator {
	if src == nil {
		src = NewMathRand()
	}
	return &Generator{rand: src}
}

// Factor returns the multiplier for a base price at the given progress in [0,1].
// at only drives the time-of-day and day-of-week scaling of the waves.
func (g *Generator) Factor(progress, volatility float64, at time.Time) float64 {
	progress = clamp(progress, 0, 1)
	if volatility < 0 {
		volatility = 0
	}

	session := SessionMultiplier(at)

	var wavesSum float64
	for _, w := range waves {
		wavesSum += w.amplitude * math.Sin(2*math.Pi*w.cycles*progress+w.phase)
	}
	wavesSum *= volatility * session

	noise := (g.rand.Symmetric()*highFreqNoise + g.rand.Symmetric()*lowFreqNoise) * volatility

	var spike float64
	if g.rand.Chance(spikeChance) {
		spike += spikeAmplitude
	}
	if g.rand.Chance(spikeChance) {
		spike -= spikeAmplitude
	}
	spike *= volatility

	trend := trendAmplitude * math.Sin(2*math.Pi*progress)

	return 1 + wavesSum + noise + spike + trend
}

// Volatility derives the multiplier from the requested move: min(1 + 2|target-start|/start, 3).
func Volatility(start, target float64) float64 {
	if start <= 0 {
		return maxVolatility
	}
	return math.Min(1+2*math.Abs(target-start)/start, maxVolatility)
}

// SessionMultiplier scales wave amplitude by time of day (UTC) and weekday.
func SessionMultiplier(at time.Time) float64 {
	at = at.UTC()

	m := 1.0
	switch h := at.Hour(); {
	case h >= 9 && h < 17:
		m = marketHoursMultiplier
	case h >= 22 || h < 6:
		m = nightMultiplier
	}

	if wd := at.Weekday(); wd == time.Saturday || wd == time.Sunday {
		m *= weekendMultiplier
	}
	return m
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
