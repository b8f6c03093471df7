package spline

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"tractmcmc/internal/models"
)

// smoothHalfWidth is the half width of the moving average applied to
// finite differences.
const smoothHalfWidth = 2

const tinyNorm = 1e-12

// ComputeTangent fills the unit tangent of every path point. Analytic mode
// falls back to numerical differences if the control points changed since
// the last successful Interpolate.
func (s *Spline) ComputeTangent(mode DerivativeMode) []r3.Vec {
	s.computeDerivatives(mode)
	s.tangents = resize(s.tangents, len(s.firstDeriv))
	for i, d := range s.firstDeriv {
		s.tangents[i] = unit(d)
	}
	return s.tangents
}

// ComputeNormal fills the unit normal of every path point: the component of
// the second derivative orthogonal to the tangent.
func (s *Spline) ComputeNormal(mode DerivativeMode) []r3.Vec {
	s.computeDerivatives(mode)
	s.normals = resize(s.normals, len(s.firstDeriv))
	for i := range s.firstDeriv {
		s.normals[i] = Normal(s.firstDeriv[i], s.secondDeriv[i])
	}
	return s.normals
}

// ComputeCurvature fills the curvature |r' x r''| / |r'|^3 of every path point.
func (s *Spline) ComputeCurvature(mode DerivativeMode) []float64 {
	s.computeDerivatives(mode)
	s.curvatures = resizeFloat(s.curvatures, len(s.firstDeriv))
	for i := range s.firstDeriv {
		s.curvatures[i] = Curvature(s.firstDeriv[i], s.secondDeriv[i])
	}
	return s.curvatures
}

func (s *Spline) computeDerivatives(mode DerivativeMode) {
	if mode == Analytic && s.interpolated {
		s.analyticDerivatives()
		return
	}
	pts := make([]r3.Vec, len(s.allPoints))
	for i, p := range s.allPoints {
		pts[i] = p.Vec()
	}
	s.firstDeriv, s.secondDeriv = FiniteDerivatives(pts)
}

// analyticDerivatives evaluates the cubic basis derivatives, building the
// segment coefficients once per segment.
func (s *Spline) analyticDerivatives() {
	n := len(s.allPoints)
	s.firstDeriv = resize(s.firstDeriv, n)
	s.secondDeriv = resize(s.secondDeriv, n)

	segs, ts := s.segmentIndices()
	current := -1
	var seg segment
	for i := range s.allPoints {
		if segs[i] != current {
			current = segs[i]
			seg = segmentAt(s.cpts, current)
		}
		s.firstDeriv[i] = seg.first(ts[i])
		s.secondDeriv[i] = seg.second(ts[i])
	}
}

// FiniteDerivatives returns smoothed first and second derivatives of a
// discrete curve with respect to the point index. Interior points use
// central differences, the two ends first-order one-sided differences.
func FiniteDerivatives(pts []r3.Vec) (first, second []r3.Vec) {
	first = smooth(difference(pts))
	second = smooth(difference(first))
	return first, second
}

// FiniteTangents returns unit tangents of a discrete curve.
func FiniteTangents(pts []r3.Vec) []r3.Vec {
	first, _ := FiniteDerivatives(pts)
	for i, d := range first {
		first[i] = unit(d)
	}
	return first
}

// FiniteCurvatures returns the curvature of a discrete curve.
func FiniteCurvatures(pts []r3.Vec) []float64 {
	first, second := FiniteDerivatives(pts)
	k := make([]float64, len(first))
	for i := range first {
		k[i] = Curvature(first[i], second[i])
	}
	return k
}

// PathVectors converts grid points to real-valued vectors.
func PathVectors(pts []models.Point3) []r3.Vec {
	out := make([]r3.Vec, len(pts))
	for i, p := range pts {
		out[i] = p.Vec()
	}
	return out
}

// Curvature returns |d1 x d2| / |d1|^3, or 0 where d1 vanishes.
func Curvature(d1, d2 r3.Vec) float64 {
	n := r3.Norm(d1)
	if n < tinyNorm {
		return 0
	}
	return r3.Norm(r3.Cross(d1, d2)) / (n * n * n)
}

// Normal returns the unit component of d2 orthogonal to d1, or the zero
// vector on a straight stretch.
func Normal(d1, d2 r3.Vec) r3.Vec {
	t := unit(d1)
	perp := r3.Sub(d2, r3.Scale(r3.Dot(d2, t), t))
	return unit(perp)
}

func difference(pts []r3.Vec) []r3.Vec {
	n := len(pts)
	d := make([]r3.Vec, n)
	if n < 2 {
		return d
	}
	d[0] = r3.Sub(pts[1], pts[0])
	d[n-1] = r3.Sub(pts[n-1], pts[n-2])
	for i := 1; i < n-1; i++ {
		d[i] = r3.Scale(0.5, r3.Sub(pts[i+1], pts[i-1]))
	}
	return d
}

// smooth applies a centered moving average, truncated at the ends.
func smooth(v []r3.Vec) []r3.Vec {
	out := make([]r3.Vec, len(v))
	for i := range v {
		lo := max(0, i-smoothHalfWidth)
		hi := min(len(v)-1, i+smoothHalfWidth)
		var sum r3.Vec
		for j := lo; j <= hi; j++ {
			sum = r3.Add(sum, v[j])
		}
		out[i] = r3.Scale(1/float64(hi-lo+1), sum)
	}
	return out
}

func unit(v r3.Vec) r3.Vec {
	n := r3.Norm(v)
	if n < tinyNorm || math.IsNaN(n) {
		return r3.Vec{}
	}
	return r3.Scale(1/n, v)
}

func resize(v []r3.Vec, n int) []r3.Vec {
	if cap(v) < n {
		return make([]r3.Vec, n)
	}
	return v[:n]
}

func resizeFloat(v []float64, n int) []float64 {
	if cap(v) < n {
		return make([]float64, n)
	}
	return v[:n]
}
