package engine

import (
	"math"

	"hrwatch/internal/model"
)

// ComputeStats derives min/max/avg over the non-placeholder readings.
// alertCount is carried through untouched.
func ComputeStats(readings []model.Reading, alertCount int) model.Stats {
	var (
		n        int
		sum      float64
		min, max float64
	)
	for _, r := range readings {
		v, ok := r.Value()
		if !ok {
			continue
		}
		if n == 0 || v < min {
			min = v
		}
		if n == 0 || v > max {
			max = v
		}
		sum += v
		n++
	}
	if n == 0 {
		return model.Stats{AlertCount: alertCount}
	}
	return model.Stats{
		Min:        min,
		Max:        max,
		Avg:        roundHalfUp(sum / float64(n)),
		AlertCount: alertCount,
	}
}

func roundHalfUp(v float64) int {
	return int(math.Floor(v + 0.5))
}
