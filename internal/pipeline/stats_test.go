package pipeline

import (
	"math"
	"math/rand"
	"testing"
	"time"
)

func TestCalculateTimingStats(t *testing.T) {
	t.Run("no samples", func(t *testing.T) {
		stats := CalculateTimingStats(nil, 40*time.Millisecond)
		if stats.MeanMS != 0 || stats.MaxMS != 0 || stats.BudgetMS != 40 {
			t.Errorf("stats = %+v, want zero values with budget 40", stats)
		}
	})

	t.Run("single sample", func(t *testing.T) {
		stats := CalculateTimingStats([]time.Duration{12 * time.Millisecond}, 0)
		if stats.MeanMS != 12 || stats.MinMS != 12 || stats.MaxMS != 12 {
			t.Errorf("stats = %+v, want 12ms everywhere", stats)
		}
		if stats.StdDevMS != 0 || stats.JitterMS != 0 {
			t.Errorf("stats = %+v, want no spread", stats)
		}
	})

	t.Run("known values", func(t *testing.T) {
		samples := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond}
		stats := CalculateTimingStats(samples, 33*time.Millisecond)

		if stats.MeanMS != 15 {
			t.Errorf("MeanMS = %v, want 15", stats.MeanMS)
		}
		if stats.StdDevMS != 5 {
			t.Errorf("StdDevMS = %v, want 5", stats.StdDevMS)
		}
		if stats.JitterMS != 10 {
			t.Errorf("JitterMS = %v, want 10", stats.JitterMS)
		}
		if stats.MinMS != 10 || stats.MaxMS != 20 {
			t.Errorf("Min/Max = %v/%v, want 10/20", stats.MinMS, stats.MaxMS)
		}
	})
}

// Property: min ≤ mean ≤ max and stddev ≤ (max - min) for any sample set
func TestCalculateTimingStatsBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		samples := make([]time.Duration, 1+rng.Intn(50))
		for j := range samples {
			samples[j] = time.Duration(rng.Intn(100_000)) * time.Microsecond
		}

		stats := CalculateTimingStats(samples, 0)
		const eps = 1e-9
		if stats.MeanMS < stats.MinMS-eps || stats.MeanMS > stats.MaxMS+eps {
			t.Fatalf("mean %v outside [%v, %v]", stats.MeanMS, stats.MinMS, stats.MaxMS)
		}
		if stats.StdDevMS > stats.MaxMS-stats.MinMS+eps {
			t.Fatalf("stddev %v exceeds range %v", stats.StdDevMS, stats.MaxMS-stats.MinMS)
		}
		if math.IsNaN(stats.JitterMS) || stats.JitterMS < 0 {
			t.Fatalf("jitter %v invalid", stats.JitterMS)
		}
	}
}
