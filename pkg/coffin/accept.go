package coffin

import (
	"fmt"
	"log/slog"
	"math"

	"golang.org/x/sync/errgroup"

	"tractmcmc/pkg/priors"
	"tractmcmc/pkg/timepoint"
)

// sessionResult is what one session evaluation hands back for reduction.
type sessionResult struct {
	mapped   bool
	logLik   float64
	decision timepoint.Decision
}

// AcceptPath scores the proposal in the spline workspace and runs the
// Metropolis test against the accepted state. A proposal whose posterior is
// not lower is accepted without drawing a random number. With usePriorOnly
// the data term is left out and the sessions are not touched.
//
// The returned error is fatal; a rejection is a false return.
func (c *Coffin) AcceptPath(usePriorOnly bool) (bool, error) {
	prior, terms := c.scorePrior()
	newPost, oldPost := prior, c.logPrior

	var logLik float64
	if !usePriorOnly {
		results, err := c.evaluateSessions()
		if err != nil {
			return false, err
		}
		ok, reason := c.reduceSessions(results)
		if !ok {
			c.revertSessions()
			c.record(false, reason)
			return false, nil
		}
		for _, r := range results {
			logLik += r.logLik
		}
		newPost += logLik
		oldPost += c.logLik
	}

	delta := newPost - oldPost
	accept := delta >= 0
	if !accept {
		accept = delta >= logUniform(c.uniform.Rand())
	}

	if !accept {
		if !usePriorOnly {
			c.revertSessions()
		}
		c.record(false, reasonMetropolis)
		return false, nil
	}

	copy(c.cpts, c.proposed)
	c.path = append(c.path[:0], c.spline.AllPoints()...)
	c.logPrior, c.priorTerms = prior, terms
	if !usePriorOnly {
		c.logLik = logLik
		for _, tp := range c.timepoints {
			tp.Commit()
		}
	}
	c.record(true, "")
	c.metrics.logPosterior.Set(c.LogPosterior())
	return true, nil
}

func logUniform(u float64) float64 {
	if u <= 0 {
		return math.Inf(-1)
	}
	return math.Log(u)
}

// evaluateSessions maps and scores the proposal in every session. Sessions
// are independent, so several are evaluated concurrently.
func (c *Coffin) evaluateSessions() ([]sessionResult, error) {
	results := make([]sessionResult, len(c.timepoints))
	eval := func(k int) error {
		tp := c.timepoints[k]
		if !tp.MapPathFromBase(c.spline) {
			return nil
		}
		if err := tp.ComputePathDataFit(); err != nil {
			return fmt.Errorf("%w: pathway %s: %w", ErrNumericalFailure, c.name, err)
		}
		results[k] = sessionResult{
			mapped:   true,
			logLik:   tp.Proposed().LogLikelihood(),
			decision: tp.Decide(),
		}
		return nil
	}

	if len(c.timepoints) == 1 {
		return results, eval(0)
	}
	var g errgroup.Group
	for k := range c.timepoints {
		g.Go(func() error { return eval(k) })
	}
	return results, g.Wait()
}

// reduceSessions tallies the local decision of every mapped session and
// reports whether the proposal may go on to the Metropolis test.
func (c *Coffin) reduceSessions(results []sessionResult) (bool, string) {
	mapped := true
	for k, r := range results {
		if !r.mapped {
			mapped = false
			continue
		}
		if r.decision.Accept {
			c.sessionAccept[k]++
		} else {
			c.sessionReject[k]++
		}
	}
	if !mapped {
		return false, reasonMapping
	}
	if c.params.RejectFZero {
		for k, r := range results {
			if r.decision.FZeroNew > r.decision.FZeroOld {
				c.log.Debug("proposal adds f-zero voxels",
					slog.Int("session", k),
					slog.Int("old", r.decision.FZeroOld),
					slog.Int("new", r.decision.FZeroNew))
				return false, reasonFZero
			}
		}
	}
	return true, ""
}

func (c *Coffin) revertSessions() {
	for _, tp := range c.timepoints {
		tp.Revert()
	}
}

// scorePrior evaluates the prior set on the path in the spline workspace.
func (c *Coffin) scorePrior() (float64, []float64) {
	if len(c.priors) == 0 {
		return 0, nil
	}
	path := priors.Path{
		Points:     c.spline.AllPoints(),
		Tangents:   c.spline.ComputeTangent(c.params.DerivativeMode),
		Curvatures: c.spline.ComputeCurvature(c.params.DerivativeMode),
	}
	return c.priors.LogPrior(path)
}
