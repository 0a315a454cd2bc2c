package fingerprint

import "math"

// Matcher decides whether two grids show the same scene. A cell differs when
// its absolute difference reaches PixelThresh; two grids match when the
// fraction of differing cells is at most PercentageThresh.
type Matcher struct {
	PixelThresh      float64
	PercentageThresh float64
}

// Difference returns the fraction of cells that differ between a and b.
// Grids of different shapes differ completely.
func (m Matcher) Difference(a, b Grid) float64 {
	if a.N != b.N || len(a.Cells) != len(b.Cells) || len(a.Cells) == 0 {
		return 1
	}

	differing := 0
	for i := range a.Cells {
		if d := math.Abs(a.Cells[i] - b.Cells[i]); d > 0 && d >= m.PixelThresh {
			differing++
		}
	}
	return float64(differing) / float64(len(a.Cells))
}

// Same reports whether a and b are close enough to be the same scene.
func (m Matcher) Same(a, b Grid) bool {
	return m.Difference(a, b) <= m.PercentageThresh
}
