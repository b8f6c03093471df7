// Package spline implements the Catmull-Rom curve used to represent a
// candidate pathway. A spline is defined by an ordered set of integer control
// points and is discretized into a connected digital curve on the voxel grid,
// one grid step at a time, staying inside a bounding mask.
package spline

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"tractmcmc/internal/models"
)

// MinControlPoints is the smallest control point count that defines a cubic segment.
const MinControlPoints = 4

// minStep bounds the bisection of the arc-length step. A continuous segment
// never needs a smaller step to reach an adjacent voxel.
const minStep = 1e-9

// DerivativeMode selects how path derivatives are computed.
type DerivativeMode int

const (
	// Analytic uses the cubic basis derivatives. Valid only while the control
	// points are unchanged since the last successful Interpolate.
	Analytic DerivativeMode = iota

	// Numerical uses smoothed finite differences along the discretized path.
	Numerical
)

// ParseDerivativeMode converts a configuration string to a DerivativeMode.
func ParseDerivativeMode(s string) (DerivativeMode, error) {
	switch s {
	case "", "analytic":
		return Analytic, nil
	case "numerical":
		return Numerical, nil
	default:
		return Analytic, fmt.Errorf("unknown derivative mode %q (must be analytic or numerical)", s)
	}
}

// Spline is a Catmull-Rom curve through a fixed number of control points,
// together with its discretization on the voxel grid.
//
// A Spline is not safe for concurrent use. It is rebuilt in place on every
// proposal of the sampler that owns it.
type Spline struct {
	// mask defines the legal grid region for control and path points
	mask models.Grid

	// cpts are the control points; len(cpts) is fixed at construction
	cpts []models.Point3

	// allPoints is the discretized path, one voxel per grid step
	allPoints []models.Point3

	// arcParams holds, for every path point, the segment parameter in [0,1)
	// at which it was generated. It resets to 0 at every control point.
	arcParams []float64

	// derivative caches, filled by ComputeTangent/ComputeNormal/ComputeCurvature
	firstDeriv  []r3.Vec
	secondDeriv []r3.Vec
	tangents    []r3.Vec
	normals     []r3.Vec
	curvatures  []float64

	// interpolated is set by a successful Interpolate and cleared whenever
	// the control points change
	interpolated bool
}

// New creates a spline with n control points (all at the origin) bounded by mask.
func New(n int, mask models.Grid) (*Spline, error) {
	if n < MinControlPoints {
		return nil, fmt.Errorf("spline needs at least %d control points, got %d", MinControlPoints, n)
	}
	if mask == nil {
		return nil, fmt.Errorf("spline mask must not be nil")
	}
	return &Spline{
		mask: mask,
		cpts: make([]models.Point3, n),
	}, nil
}

// NewWithPoints creates a spline from the given control points. The points
// are copied.
func NewWithPoints(cpts []models.Point3, mask models.Grid) (*Spline, error) {
	s, err := New(len(cpts), mask)
	if err != nil {
		return nil, err
	}
	copy(s.cpts, cpts)
	return s, nil
}

// NumControlPoints returns the fixed control point count.
func (s *Spline) NumControlPoints() int {
	return len(s.cpts)
}

// Mask returns the bounding mask.
func (s *Spline) Mask() models.Grid {
	return s.mask
}

// ControlPoints returns a copy of the control points.
func (s *Spline) ControlPoints() []models.Point3 {
	out := make([]models.Point3, len(s.cpts))
	copy(out, s.cpts)
	return out
}

// ControlPoint returns control point i.
func (s *Spline) ControlPoint(i int) models.Point3 {
	return s.cpts[i]
}

// SetControlPoints replaces the control points. The count must match.
func (s *Spline) SetControlPoints(cpts []models.Point3) error {
	if len(cpts) != len(s.cpts) {
		return fmt.Errorf("expected %d control points, got %d", len(s.cpts), len(cpts))
	}
	copy(s.cpts, cpts)
	s.interpolated = false
	return nil
}

// SetControlPoint replaces control point i.
func (s *Spline) SetControlPoint(i int, p models.Point3) {
	s.cpts[i] = p
	s.interpolated = false
}

// AllPoints returns the discretized path. The slice is owned by the spline
// and is overwritten by the next Interpolate.
func (s *Spline) AllPoints() []models.Point3 {
	return s.allPoints
}

// ArcParams returns the per-point segment parameters of the path.
func (s *Spline) ArcParams() []float64 {
	return s.arcParams
}

// Tangents returns the tangents from the last ComputeTangent call.
func (s *Spline) Tangents() []r3.Vec { return s.tangents }

// Normals returns the normals from the last ComputeNormal call.
func (s *Spline) Normals() []r3.Vec { return s.normals }

// Curvatures returns the curvatures from the last ComputeCurvature call.
func (s *Spline) Curvatures() []float64 { return s.curvatures }

// IsInMask reports whether p lies inside the bounding mask.
func (s *Spline) IsInMask(p models.Point3) bool {
	return models.Inside(s.mask, p)
}

// IsDegenerate reports whether two consecutive control points coincide.
func (s *Spline) IsDegenerate() bool {
	return Degenerate(s.cpts)
}

// Degenerate reports whether two consecutive points of cpts coincide.
func Degenerate(cpts []models.Point3) bool {
	for i := 1; i < len(cpts); i++ {
		if cpts[i] == cpts[i-1] {
			return true
		}
	}
	return false
}

// Interpolate regenerates the discretized path from the current control
// points. It returns false, leaving the path empty, if the control points
// are degenerate or if any control or path point falls outside the mask.
// A false return is an ordinary rejection, not an error.
//
// Every accepted path is a connected digital curve: consecutive points are
// at grid distance exactly 1.
func (s *Spline) Interpolate() bool {
	s.interpolated = false
	s.allPoints = s.allPoints[:0]
	s.arcParams = s.arcParams[:0]

	if len(s.cpts) < MinControlPoints || s.IsDegenerate() {
		return false
	}
	for _, c := range s.cpts {
		if !s.IsInMask(c) {
			return false
		}
	}

	s.allPoints = append(s.allPoints, s.cpts[0])
	s.arcParams = append(s.arcParams, 0)

	for k := 0; k < len(s.cpts)-1; k++ {
		if !s.interpolateSegment(k) {
			s.allPoints = s.allPoints[:0]
			s.arcParams = s.arcParams[:0]
			return false
		}
	}

	s.interpolated = true
	return true
}

// interpolateSegment walks segment k with an adaptively bisected step until
// it reaches control point k+1.
func (s *Spline) interpolateSegment(k int) bool {
	seg := segmentAt(s.cpts, k)
	target := s.cpts[k+1]
	prev := s.cpts[k]

	// start from the inverse control point spacing
	dt := 1 / r3.Norm(r3.Sub(target.Vec(), prev.Vec()))
	t := 0.0

	for {
		next := t + dt
		if next > 1 {
			next = 1
		}

		p := models.Round(seg.at(next))
		if next == 1 {
			p = target
		}

		switch step := p.Chebyshev(prev); {
		case step == 0:
			// still on the previous voxel: widen the search
			t = next
			if dt < 1 {
				dt *= 2
			}
		case step > 1:
			dt /= 2
			if dt < minStep {
				return false
			}
		default:
			if !s.IsInMask(p) {
				return false
			}
			s.allPoints = append(s.allPoints, p)
			if p == target {
				s.arcParams = append(s.arcParams, 0)
				return true
			}
			s.arcParams = append(s.arcParams, next)
			prev = p
			t = next
		}
	}
}

// PointToSegment returns the control-point segment the path point at index
// falls in, found by counting parameter resets up to index.
func (s *Spline) PointToSegment(index int) int {
	if index >= len(s.arcParams) {
		index = len(s.arcParams) - 1
	}
	seg := 0
	for i := 1; i <= index; i++ {
		if s.arcParams[i] == 0 {
			seg++
		}
	}
	if last := len(s.cpts) - 2; seg > last {
		seg = last
	}
	return seg
}

// segmentIndices returns, for every path point, its segment and the segment
// parameter at which the analytic derivatives should be evaluated.
func (s *Spline) segmentIndices() ([]int, []float64) {
	segs := make([]int, len(s.arcParams))
	ts := make([]float64, len(s.arcParams))
	last := len(s.cpts) - 2

	seg := 0
	for i, t := range s.arcParams {
		if i > 0 && t == 0 {
			seg++
		}
		if seg > last {
			// the final control point closes the last segment
			segs[i] = last
			ts[i] = 1
			continue
		}
		segs[i] = seg
		ts[i] = t
	}
	return segs, ts
}
