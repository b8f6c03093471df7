package coffin

import (
	"gonum.org/v1/gonum/spatial/r3"

	"tractmcmc/internal/models"
)

// zigZagCos is the cosine below which consecutive segments count as a reversal.
const zigZagCos = -0.95

// ProposePathFull perturbs every control point and interpolates the
// proposed spline. A false return is a rejected jump, already counted.
func (c *Coffin) ProposePathFull() bool {
	c.beginProposal()
	for i := range c.proposed {
		c.perturbed[i] = true
		c.proposed[i] = c.jitter(c.cpts[i], c.std[i])
	}
	return c.checkProposal()
}

// ProposePathSingle perturbs control point i only.
func (c *Coffin) ProposePathSingle(i int) bool {
	c.beginProposal()
	c.perturbed[i] = true
	c.proposed[i] = c.jitter(c.cpts[i], c.std[i])
	return c.checkProposal()
}

func (c *Coffin) beginProposal() {
	copy(c.proposed, c.cpts)
	for i := range c.perturbed {
		c.perturbed[i] = false
	}
	c.proposals++
	c.metrics.proposals.WithLabelValues(c.phase.String()).Inc()
}

// jitter draws a Gaussian step with per-axis SD std and rounds to the grid.
func (c *Coffin) jitter(p models.Point3, std r3.Vec) models.Point3 {
	return models.Round(r3.Vec{
		X: float64(p.X) + std.X*c.normal.Rand(),
		Y: float64(p.Y) + std.Y*c.normal.Rand(),
		Z: float64(p.Z) + std.Z*c.normal.Rand(),
	})
}

// checkProposal runs the cheap checks on the perturbed control points and
// then interpolates the proposal into the spline workspace.
func (c *Coffin) checkProposal() bool {
	last := len(c.proposed) - 1
	for i, moved := range c.perturbed {
		if !moved {
			continue
		}
		p := c.proposed[i]
		if !models.Inside(c.mask, p) {
			c.record(false, reasonMask)
			return false
		}
		if (i == 0 && c.rois[0] != nil && !models.Inside(c.rois[0], p)) ||
			(i == last && c.rois[1] != nil && !models.Inside(c.rois[1], p)) {
			c.record(false, reasonROI)
			return false
		}
		if zigZag(c.proposed, i) {
			c.record(false, reasonZigZag)
			return false
		}
	}

	if err := c.spline.SetControlPoints(c.proposed); err != nil || !c.spline.Interpolate() {
		c.record(false, reasonInterpolate)
		return false
	}
	c.metrics.pathLength.Observe(float64(len(c.spline.AllPoints())))
	return true
}

// zigZag reports whether moving control point i reverses the curve at i or
// at one of its neighbours. Zero-length segments are left to the degeneracy
// check of the spline.
func zigZag(cpts []models.Point3, i int) bool {
	for j := i - 1; j <= i+1; j++ {
		if j < 1 || j > len(cpts)-2 {
			continue
		}
		a := cpts[j].Sub(cpts[j-1]).Vec()
		b := cpts[j+1].Sub(cpts[j]).Vec()
		na, nb := r3.Norm(a), r3.Norm(b)
		if na == 0 || nb == 0 {
			continue
		}
		if r3.Dot(a, b)/(na*nb) < zigZagCos {
			return true
		}
	}
	return false
}

