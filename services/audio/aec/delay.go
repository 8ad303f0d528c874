package aec

import "math"

// EstimateDelay finds the lag, in samples, at which the reference history
// best matches near. hist holds the reference with its newest sample last
// and must be aligned so that hist's tail is concurrent with near's tail.
// Lags from 0 to maxLag are searched; score is the normalised correlation
// in [-1, 1] of the best lag, 0 if nothing could be compared.
func EstimateDelay(near, hist []int16, maxLag int) (lag int, score float64) {
	n := len(near)
	if n == 0 {
		return 0, 0
	}
	var en float64
	for _, v := range near {
		en += float64(v) * float64(v)
	}
	if en == 0 {
		return 0, 0
	}
	best := math.Inf(-1)
	for l := 0; l <= maxLag; l++ {
		end := len(hist) - l
		start := end - n
		if start < 0 {
			break
		}
		var xy, ey float64
		for i, v := range hist[start:end] {
			fv := float64(v)
			xy += float64(near[i]) * fv
			ey += fv * fv
		}
		if ey == 0 {
			continue
		}
		c := xy / math.Sqrt(en*ey)
		if c > best {
			best, lag = c, l
		}
	}
	if math.IsInf(best, -1) {
		return 0, 0
	}
	return lag, best
}
