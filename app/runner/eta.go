package runner

import "math"

// EstimateETA returns estimated remaining seconds for the job, rounded down.
// It is a linear extrapolation from the observed throughput and assumes constant per-step cost,
// so the estimate drifts for jobs with highly variable step duration.
// Returns false if nothing can be estimated, i.e. ratio is not in (0,1).
func EstimateETA(elapsedSeconds, ratio float64) (int64, bool) {
	if ratio <= 0 || ratio >= 1 {
		return 0, false
	}
	remaining := elapsedSeconds * (1 - ratio) / ratio
	if remaining < 0 || math.IsNaN(remaining) || math.IsInf(remaining, 0) {
		return 0, false
	}
	return int64(math.Floor(remaining)), true
}
