package pipeline

import (
	"math"
	"time"

	"github.com/gelson12/bjj-video-analysis/internal/types"
)

// CalculateTimingStats summarizes per-frame processing durations
//
// This function:
//  1. Calculates mean processing time
//  2. Finds min/max processing time
//  3. Calculates population standard deviation
//  4. Calculates jitter (mean absolute change between consecutive frames)
//
// budget is the frame interval (1/fps); zero means the deadline check was disabled.
func CalculateTimingStats(samples []time.Duration, budget time.Duration) types.TimingStats {
	stats := types.TimingStats{BudgetMS: ms(budget)}

	n := len(samples)
	if n == 0 {
		return stats
	}

	var sum float64
	stats.MinMS = ms(samples[0])
	stats.MaxMS = stats.MinMS
	for _, d := range samples {
		v := ms(d)
		sum += v
		stats.MinMS = math.Min(stats.MinMS, v)
		stats.MaxMS = math.Max(stats.MaxMS, v)
	}
	stats.MeanMS = sum / float64(n)

	var sumSquares float64
	for _, d := range samples {
		diff := ms(d) - stats.MeanMS
		sumSquares += diff * diff
	}
	stats.StdDevMS = math.Sqrt(sumSquares / float64(n))

	if n > 1 {
		var jitterSum float64
		for i := 1; i < n; i++ {
			jitterSum += math.Abs(ms(samples[i]) - ms(samples[i-1]))
		}
		stats.JitterMS = jitterSum / float64(n-1)
	}

	return stats
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
