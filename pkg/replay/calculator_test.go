package replay

import (
	"testing"
	"time"
)

type fixedRandom struct {
	value float64
}

func (f fixedRandom) Float64() float64 {
	return f.value
}

func Test_constant_calculator_ignores_previous_delay(t *testing.T) {
	calculator := NewConstantCalculator(2 * time.Second)
	for _, last := range []time.Duration{0, time.Second, time.Hour} {
		if got := calculator.CalculateReplayInterval(last); got != 2*time.Second {
			t.Error("expected 2s, got ", got)
		}
	}
}

func Test_exponential_calculator_grows_until_capped(t *testing.T) {
	calculator := NewExponentialCalculator(time.Second, 2, 5*time.Second, 0, nil)

	expected := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	delay := time.Duration(0)
	for i, want := range expected {
		delay = calculator.CalculateReplayInterval(delay)
		if delay != want {
			t.Error("step ", i, ": expected ", want, ", got ", delay)
		}
	}
}

func Test_exponential_calculator_applies_jitter(t *testing.T) {
	calculator := NewExponentialCalculator(time.Second, 2, 0, 0.5, fixedRandom{value: 0.5})

	if got := calculator.CalculateReplayInterval(0); got != 1250*time.Millisecond {
		t.Error("expected 1.25s, got ", got)
	}
}
