package coffin

import (
	"errors"
	"fmt"
	"log/slog"

	"tractmcmc/internal/models"
)

// InitializeMcmc checks the initial control points and brings the chain to
// a valid starting state. When the initial spline cannot be interpolated or
// mapped into a session, only the control point of the offending segment is
// perturbed, until a valid path is found or the retry budget runs out.
func (c *Coffin) InitializeMcmc() error {
	c.phase = PhaseInitialize

	last := len(c.cpts) - 1
	for i, p := range c.cpts {
		if !models.Inside(c.mask, p) {
			return configErrorf("initial control point %d %v is outside the mask", i, p)
		}
	}
	if roi := c.rois[0]; roi != nil && !models.Inside(roi, c.cpts[0]) {
		return configErrorf("first control point %v is outside its end region", c.cpts[0])
	}
	if roi := c.rois[1]; roi != nil && !models.Inside(roi, c.cpts[last]) {
		return configErrorf("last control point %v is outside its end region", c.cpts[last])
	}

	for attempt := 0; ; attempt++ {
		seg, ok, err := c.tryInitialState()
		if err != nil {
			return err
		}
		if ok {
			if attempt > 0 {
				c.log.Info("initial path repaired", slog.Int("retries", attempt))
			}
			break
		}
		if attempt >= c.params.InitRetries {
			return fmt.Errorf("%w: no valid initial path after %d retries (last failing segment %d)",
				ErrMappingFailure, attempt, seg)
		}
		c.perturbForInit(seg)
	}

	c.initialPath = append([]models.Point3(nil), c.path...)
	c.metrics.logPosterior.Set(c.LogPosterior())
	if c.params.NumBurnIn > 0 {
		c.phase = PhaseBurnIn
	} else {
		c.phase = PhaseSample
	}
	c.log.Info("chain initialized",
		slog.Int("path_length", len(c.path)),
		slog.Float64("log_posterior", c.LogPosterior()))
	return nil
}

// tryInitialState evaluates the current control points. On failure it
// returns the implicated segment, or -1 if none could be located.
func (c *Coffin) tryInitialState() (int, bool, error) {
	if err := c.spline.SetControlPoints(c.cpts); err != nil {
		return -1, false, err
	}
	for i := 1; i < len(c.cpts); i++ {
		if c.cpts[i] == c.cpts[i-1] {
			return i - 1, false, nil
		}
	}
	if !c.spline.Interpolate() {
		return -1, false, nil
	}

	if !c.params.UsePriorOnly {
		logLik := 0.0
		for _, tp := range c.timepoints {
			if !tp.MapPathFromBase(c.spline) {
				seg := tp.FindErrorSegment(c.spline)
				if seg < 0 {
					seg = tp.ErrorSegment()
				}
				c.log.Debug("initial path does not map",
					slog.Int("session", tp.Index()), slog.Int("segment", seg))
				return seg, false, nil
			}
			if err := tp.ComputePathDataFit(); err != nil {
				var numErr *NumericalError
				if errors.As(err, &numErr) {
					return numErr.Segment, false, fmt.Errorf("%w: %w", ErrNumericalFailure, err)
				}
				return -1, false, err
			}
		}
		for _, tp := range c.timepoints {
			tp.Commit()
			logLik += tp.Current().LogLikelihood()
		}
		c.logLik = logLik
	}

	c.logPrior, c.priorTerms = c.scorePrior()
	c.path = append(c.path[:0], c.spline.AllPoints()...)
	return -1, true, nil
}

// perturbForInit moves the interior control point closing segment seg, or
// a random interior point if seg is unknown. End points stay in their ROIs.
func (c *Coffin) perturbForInit(seg int) {
	n := len(c.cpts)
	i := seg + 1
	switch {
	case seg < 0:
		i = 1 + c.rng.IntN(n-2)
	case i > n-2:
		i = n - 2
	}

	// a few draws to find an in-mask position; otherwise keep the point
	for try := 0; try < 10; try++ {
		p := c.jitter(c.cpts[i], c.std[i])
		if p != c.cpts[i] && models.Inside(c.mask, p) {
			c.log.Debug("perturbing control point",
				slog.Int("cpt", i), slog.String("from", c.cpts[i].String()), slog.String("to", p.String()))
			c.cpts[i] = p
			return
		}
	}
}
