package spline

import (
	"gonum.org/v1/gonum/spatial/r3"

	"tractmcmc/internal/models"
)

// segmentKind tags a control-point segment by its position along the curve.
// The end segments borrow a reflected phantom control point.
type segmentKind int

const (
	firstSegment segmentKind = iota
	interiorSegment
	lastSegment
)

func kindOf(k, numControl int) segmentKind {
	switch {
	case k == 0:
		return firstSegment
	case k == numControl-2:
		return lastSegment
	default:
		return interiorSegment
	}
}

// segment holds the polynomial coefficients of one Catmull-Rom segment
// running from control point k (t=0) to control point k+1 (t=1):
//
//	P(t) = 0.5 * (a + b t + c t^2 + d t^3)
type segment struct {
	a, b, c, d r3.Vec
}

func newSegment(p0, p1, p2, p3 r3.Vec) segment {
	return segment{
		a: r3.Scale(2, p1),
		b: r3.Sub(p2, p0),
		c: r3.Add(r3.Sub(r3.Scale(2, p0), r3.Scale(5, p1)), r3.Sub(r3.Scale(4, p2), p3)),
		d: r3.Add(r3.Sub(r3.Scale(3, p1), p0), r3.Sub(p3, r3.Scale(3, p2))),
	}
}

// at evaluates the segment position.
func (s segment) at(t float64) r3.Vec {
	v := r3.Add(s.a, r3.Scale(t, s.b))
	v = r3.Add(v, r3.Scale(t*t, s.c))
	v = r3.Add(v, r3.Scale(t*t*t, s.d))
	return r3.Scale(0.5, v)
}

// first evaluates dP/dt.
func (s segment) first(t float64) r3.Vec {
	v := r3.Add(s.b, r3.Scale(2*t, s.c))
	v = r3.Add(v, r3.Scale(3*t*t, s.d))
	return r3.Scale(0.5, v)
}

// second evaluates d2P/dt2.
func (s segment) second(t float64) r3.Vec {
	return r3.Scale(0.5, r3.Add(r3.Scale(2, s.c), r3.Scale(6*t, s.d)))
}

// segmentAt builds segment k of the control points cpts.
func segmentAt(cpts []models.Point3, k int) segment {
	p1 := cpts[k].Vec()
	p2 := cpts[k+1].Vec()

	var p0, p3 r3.Vec
	switch kindOf(k, len(cpts)) {
	case firstSegment:
		p0 = r3.Sub(r3.Scale(2, p1), p2)
		p3 = cpts[k+2].Vec()
	case lastSegment:
		p0 = cpts[k-1].Vec()
		p3 = r3.Sub(r3.Scale(2, p2), p1)
	default:
		p0 = cpts[k-1].Vec()
		p3 = cpts[k+2].Vec()
	}
	return newSegment(p0, p1, p2, p3)
}

// basisWeights returns the Catmull-Rom blending weights of the four
// control points of a segment at parameter t.
func basisWeights(t float64) [4]float64 {
	t2 := t * t
	t3 := t2 * t
	return [4]float64{
		0.5 * (-t + 2*t2 - t3),
		0.5 * (2 - 5*t2 + 3*t3),
		0.5 * (t + 4*t2 - 3*t3),
		0.5 * (-t2 + t3),
	}
}

// controlWeights expresses the position at parameter t of segment k as a
// linear combination of the n real control points, folding the phantom
// points of the end segments back onto their defining control points.
func controlWeights(n, k int, t float64) []float64 {
	w := make([]float64, n)
	b := basisWeights(t)

	switch kindOf(k, n) {
	case firstSegment:
		// phantom = 2*C0 - C1
		w[0] += 2*b[0] + b[1]
		w[1] += -b[0] + b[2]
		w[2] += b[3]
	case lastSegment:
		// phantom = 2*C[n-1] - C[n-2]
		w[k-1] += b[0]
		w[k] += b[1] - b[3]
		w[k+1] += b[2] + 2*b[3]
	default:
		w[k-1] += b[0]
		w[k] += b[1]
		w[k+1] += b[2]
		w[k+2] += b[3]
	}
	return w
}
