package pipeline

import "math"

// sampleIndices picks m frame indices by nearest-timestamp selection over an
// evenly spaced grid across [ts[0], ts[len-1]]. Ties break toward the
// earlier frame. The same frame may be picked more than once when m exceeds
// the batch size.
func sampleIndices(ts []float64, m int) []int {
	if len(ts) == 0 || m <= 0 {
		return nil
	}

	picks := make([]int, 0, m)
	span := ts[len(ts)-1] - ts[0]

	for i := 0; i < m; i++ {
		target := ts[0]
		if m > 1 {
			target = ts[0] + float64(i)*span/float64(m-1)
		}

		best := 0
		bestDist := math.Abs(ts[0] - target)
		for j := 1; j < len(ts); j++ {
			d := math.Abs(ts[j] - target)
			if d < bestDist {
				best = j
				bestDist = d
			}
		}
		picks = append(picks, best)
	}

	return picks
}
