package replay

import (
	"math/rand"
	"time"
)

// Calculator decides how long to wait before the next replay given the
// delay used for the previous one (zero before the first replay).
type Calculator interface {
	CalculateReplayInterval(lastDelay time.Duration) time.Duration
}

// ConstantCalculator replays on a fixed period regardless of history.
type ConstantCalculator struct {
	BaseReplayPeriod time.Duration
}

func NewConstantCalculator(baseReplayPeriod time.Duration) *ConstantCalculator {
	return &ConstantCalculator{BaseReplayPeriod: baseReplayPeriod}
}

func (c *ConstantCalculator) CalculateReplayInterval(lastDelay time.Duration) time.Duration {
	return c.BaseReplayPeriod
}

// RandomSource provides random values for jitter calculation.
type RandomSource interface {
	// Float64 returns a random float64 in [0.0, 1.0).
	Float64() float64
}

type defaultRandomSource struct{}

func (defaultRandomSource) Float64() float64 {
	return rand.Float64()
}

// ExponentialCalculator multiplies the previous delay on every replay up
// to Max, with optional jitter:
//
//	next = min(Max, last * Multiplier) * (1.0 + random(0,1) * Jitter)
type ExponentialCalculator struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     float64
	random     RandomSource
}

// NewExponentialCalculator creates an exponential calculator.
// If random is nil, math/rand is used.
func NewExponentialCalculator(base time.Duration, multiplier float64, max time.Duration, jitter float64, random RandomSource) *ExponentialCalculator {
	if random == nil {
		random = defaultRandomSource{}
	}
	if multiplier < 1 {
		multiplier = 1
	}
	return &ExponentialCalculator{
		Base:       base,
		Multiplier: multiplier,
		Max:        max,
		Jitter:     jitter,
		random:     random,
	}
}

func (c *ExponentialCalculator) CalculateReplayInterval(lastDelay time.Duration) time.Duration {
	next := c.Base
	if lastDelay > 0 {
		next = time.Duration(float64(lastDelay) * c.Multiplier)
	}
	if c.Max > 0 && next > c.Max {
		next = c.Max
	}
	if c.Jitter > 0 {
		next = time.Duration(float64(next) * (1.0 + c.random.Float64()*c.Jitter))
	}
	return next
}
