package coffin

import (
	"log/slog"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// UpdateProposalStd rescales the proposal SD of every control point whose
// acceptance rate over the last window left the target band, then clamps
// each axis to [MinStd, MaxStd] and starts a new window. Control points that
// were not proposed during the window keep their SD.
func (c *Coffin) UpdateProposalStd() {
	p := c.params
	for i := range c.std {
		total := c.accWindow[i] + c.rejWindow[i]
		if total == 0 {
			continue
		}
		rate := float64(c.accWindow[i]) / float64(total)
		switch {
		case rate > p.TargetAcceptHigh:
			c.std[i] = r3.Scale(p.AdaptFactor, c.std[i])
		case rate < p.TargetAcceptLow:
			c.std[i] = r3.Scale(1/p.AdaptFactor, c.std[i])
		}
		c.std[i] = clampStd(c.std[i], p.MinStd, p.MaxStd)

		c.log.Debug("proposal std updated",
			slog.Int("cpt", i),
			slog.Float64("accept_rate", rate),
			slog.Float64("std", r3.Norm(c.std[i])/math.Sqrt(3)))
		c.accWindow[i], c.rejWindow[i] = 0, 0
	}
	c.metrics.setStd(c.std)
}

func clampStd(s r3.Vec, lo, hi float64) r3.Vec {
	return r3.Vec{
		X: math.Min(hi, math.Max(lo, s.X)),
		Y: math.Min(hi, math.Max(lo, s.Y)),
		Z: math.Min(hi, math.Max(lo, s.Z)),
	}
}
