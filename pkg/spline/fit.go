package spline

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"tractmcmc/internal/models"
)

// Shape index weights for placing segment boundaries that no curvature peak
// claimed. The two residual terms are each normalized to the whole curve.
const (
	shapeLengthWeight    = 0.5
	shapeCurvatureWeight = 0.5
)

// dominantCurvatureRatio is how far above the mean curvature a local maximum
// must rise to count as a dominant point.
const dominantCurvatureRatio = 2.0

// minDominantCurvature ignores the staircase curvature of digital curves.
const minDominantCurvature = 0.05

// shapeSweeps is the number of passes used to balance free boundaries.
const shapeSweeps = 10

// Fit least-squares fits the control points to an arbitrary discrete curve.
// The end control points are fixed to the curve ends; the interior ones are
// solved for after segmenting the curve at its dominant points. If the
// resulting spline cannot be interpolated the fit is retried with an
// equidistant parameterization. On failure the previous control points are
// restored and false is returned.
func (s *Spline) Fit(input []r3.Vec) bool {
	pts := dedupe(input)
	n := len(s.cpts)
	if len(pts) < n {
		return false
	}

	saved := s.ControlPoints()

	arc := arcLength(pts)
	if arc[len(arc)-1] == 0 {
		return false
	}

	bounds := dominantBounds(pts, arc, n)
	if s.fitWithBounds(pts, arc, bounds) {
		return true
	}

	if s.fitWithBounds(pts, arc, equidistantBounds(arc, n)) {
		return true
	}

	_ = s.SetControlPoints(saved)
	s.Interpolate()
	return false
}

// FitPoints fits the control points to a curve of grid points.
func (s *Spline) FitPoints(input []models.Point3) bool {
	return s.Fit(PathVectors(input))
}

// fitWithBounds parameterizes pts by the given segment boundaries, solves
// for the interior control points and interpolates the result.
func (s *Spline) fitWithBounds(pts []r3.Vec, arc []float64, bounds []int) bool {
	if bounds == nil {
		return false
	}
	segs, ts := parameterize(arc, bounds)
	cpts, ok := solveControlPoints(pts, segs, ts, len(s.cpts))
	if !ok {
		return false
	}
	if err := s.SetControlPoints(cpts); err != nil {
		return false
	}
	return s.Interpolate()
}

// dominantBounds chooses the curve indices at which control points sit.
// Curvature peaks claim the nearest free boundary, keeping at least half a
// nominal segment length from boundaries already fixed. Unclaimed
// boundaries are then moved to balance the shape index of their two
// neighbouring segments.
func dominantBounds(pts []r3.Vec, arc []float64, n int) []int {
	last := len(pts) - 1
	total := arc[last]
	nominal := total / float64(n-1)
	minSep := nominal / 2

	bounds := equidistantBounds(arc, n)
	if bounds == nil {
		return nil
	}
	anchored := make([]bool, n)
	anchored[0], anchored[n-1] = true, true

	curv := FiniteCurvatures(smoothPoints(pts))
	for _, peak := range curvaturePeaks(curv) {
		k := nearestFreeBoundary(bounds, anchored, arc, peak)
		if k < 0 {
			break
		}
		if !canAnchor(bounds, anchored, arc, k, peak, minSep) {
			continue
		}
		bounds[k] = peak
		anchored[k] = true
	}

	cum := cumulativeCurvature(curv, arc)
	balanceFreeBounds(bounds, anchored, arc, cum)
	return bounds
}

// equidistantBounds splits the curve into n-1 intervals of equal arc length.
func equidistantBounds(arc []float64, n int) []int {
	last := len(arc) - 1
	if last < n-1 {
		return nil
	}
	total := arc[last]
	bounds := make([]int, n)
	bounds[n-1] = last

	j := 0
	for k := 1; k < n-1; k++ {
		target := total * float64(k) / float64(n-1)
		for j < last && arc[j+1] <= target {
			j++
		}
		idx := j
		if j < last && target-arc[j] > arc[j+1]-target {
			idx = j + 1
		}
		// keep boundaries strictly increasing with room for the rest
		idx = max(idx, bounds[k-1]+1)
		idx = min(idx, last-(n-1-k))
		bounds[k] = idx
	}
	return bounds
}

// curvaturePeaks returns the indices of dominant local curvature maxima in
// decreasing order of curvature.
func curvaturePeaks(curv []float64) []int {
	if len(curv) < 3 {
		return nil
	}
	threshold := math.Max(dominantCurvatureRatio*floats.Sum(curv)/float64(len(curv)), minDominantCurvature)

	var peaks []int
	for i := 1; i < len(curv)-1; i++ {
		if curv[i] >= curv[i-1] && curv[i] > curv[i+1] && curv[i] > threshold {
			peaks = append(peaks, i)
		}
	}
	sort.SliceStable(peaks, func(a, b int) bool {
		return curv[peaks[a]] > curv[peaks[b]]
	})
	return peaks
}

// nearestFreeBoundary returns the interior boundary closest in arc length to
// peak that is not yet anchored. Ties go to the lower boundary.
func nearestFreeBoundary(bounds []int, anchored []bool, arc []float64, peak int) int {
	best := -1
	bestDist := math.Inf(1)
	for k := 1; k < len(bounds)-1; k++ {
		if anchored[k] {
			continue
		}
		if d := math.Abs(arc[bounds[k]] - arc[peak]); d < bestDist {
			best, bestDist = k, d
		}
	}
	return best
}

// canAnchor checks that moving boundary k to peak keeps the minimum
// separation from every anchored boundary, keeps the order of anchored
// boundaries, and leaves room for the free boundaries in between.
func canAnchor(bounds []int, anchored []bool, arc []float64, k, peak int, minSep float64) bool {
	for j := range bounds {
		if anchored[j] && math.Abs(arc[bounds[j]]-arc[peak]) < minSep {
			return false
		}
	}

	lo := k - 1
	for !anchored[lo] {
		lo--
	}
	hi := k + 1
	for !anchored[hi] {
		hi++
	}
	if peak <= bounds[lo] || peak >= bounds[hi] {
		return false
	}
	return peak-bounds[lo] >= k-lo && bounds[hi]-peak >= hi-k
}

// balanceFreeBounds places every unanchored boundary where the shape index
// of the segment before it best matches the segment after it.
func balanceFreeBounds(bounds []int, anchored []bool, arc, cum []float64) {
	total := arc[len(arc)-1]
	totalCurv := cum[len(cum)-1]

	shape := func(a, b int) float64 {
		v := shapeLengthWeight * (arc[b] - arc[a]) / total
		if totalCurv > 0 {
			v += shapeCurvatureWeight * (cum[b] - cum[a]) / totalCurv
		}
		return v
	}

	for sweep := 0; sweep < shapeSweeps; sweep++ {
		moved := false
		for k := 1; k < len(bounds)-1; k++ {
			if anchored[k] {
				continue
			}
			lo, hi := bounds[k-1], bounds[k+1]
			best := bounds[k]
			bestDiff := math.Inf(1)
			for i := lo + 1; i < hi; i++ {
				if d := math.Abs(shape(lo, i) - shape(i, hi)); d < bestDiff {
					best, bestDiff = i, d
				}
			}
			if best != bounds[k] && hi-lo > 1 {
				bounds[k] = best
				moved = true
			}
		}
		if !moved {
			break
		}
	}
}

// parameterize assigns each curve point a segment and a real-valued
// parameter in [0,1] proportional to arc length within the segment.
func parameterize(arc []float64, bounds []int) ([]int, []float64) {
	segs := make([]int, len(arc))
	ts := make([]float64, len(arc))
	for k := 0; k < len(bounds)-1; k++ {
		a, b := bounds[k], bounds[k+1]
		span := arc[b] - arc[a]
		for i := a; i < b; i++ {
			segs[i] = k
			if span > 0 {
				ts[i] = (arc[i] - arc[a]) / span
			}
		}
	}
	lastIdx := len(arc) - 1
	segs[lastIdx] = len(bounds) - 2
	ts[lastIdx] = 1
	return segs, ts
}

// solveControlPoints solves the linear least-squares problem for the
// interior control points with both ends pinned to the curve ends.
func solveControlPoints(pts []r3.Vec, segs []int, ts []float64, n int) ([]models.Point3, bool) {
	first := pts[0]
	last := pts[len(pts)-1]
	unknowns := n - 2
	if len(pts) < unknowns {
		return nil, false
	}

	a := mat.NewDense(len(pts), unknowns, nil)
	b := mat.NewDense(len(pts), 3, nil)
	for i, p := range pts {
		w := controlWeights(n, segs[i], ts[i])
		for j := 1; j < n-1; j++ {
			a.Set(i, j-1, w[j])
		}
		rhs := r3.Sub(p, r3.Add(r3.Scale(w[0], first), r3.Scale(w[n-1], last)))
		b.Set(i, 0, rhs.X)
		b.Set(i, 1, rhs.Y)
		b.Set(i, 2, rhs.Z)
	}

	var x mat.Dense
	if err := x.Solve(a, b); err != nil {
		return nil, false
	}

	cpts := make([]models.Point3, n)
	cpts[0] = models.Round(first)
	cpts[n-1] = models.Round(last)
	for j := 0; j < unknowns; j++ {
		v := r3.Vec{X: x.At(j, 0), Y: x.At(j, 1), Z: x.At(j, 2)}
		if math.IsNaN(v.X) || math.IsNaN(v.Y) || math.IsNaN(v.Z) {
			return nil, false
		}
		cpts[j+1] = models.Round(v)
	}
	return cpts, true
}

func arcLength(pts []r3.Vec) []float64 {
	arc := make([]float64, len(pts))
	for i := 1; i < len(pts); i++ {
		arc[i] = arc[i-1] + r3.Norm(r3.Sub(pts[i], pts[i-1]))
	}
	return arc
}

// cumulativeCurvature integrates curvature over arc length.
func cumulativeCurvature(curv, arc []float64) []float64 {
	cum := make([]float64, len(curv))
	for i := 1; i < len(curv); i++ {
		cum[i] = cum[i-1] + 0.5*(curv[i]+curv[i-1])*(arc[i]-arc[i-1])
	}
	return cum
}

// smoothPoints applies a moving average to a curve, keeping the ends fixed.
func smoothPoints(pts []r3.Vec) []r3.Vec {
	out := smooth(pts)
	out[0] = pts[0]
	out[len(out)-1] = pts[len(pts)-1]
	return out
}

func dedupe(pts []r3.Vec) []r3.Vec {
	out := make([]r3.Vec, 0, len(pts))
	for i, p := range pts {
		if i > 0 && p == out[len(out)-1] {
			continue
		}
		out = append(out, p)
	}
	return out
}
