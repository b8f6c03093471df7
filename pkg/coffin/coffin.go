// Package coffin runs the MCMC chain that samples a pathway between two end
// regions. A chain perturbs the control points of a spline, scores the
// interpolated path against every session's data and the anatomical priors,
// and keeps or discards the jump with a Metropolis test. Proposal standard
// deviations are tuned from the acceptance rate as the chain runs.
package coffin

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat/distuv"

	"tractmcmc/internal/models"
	"tractmcmc/pkg/priors"
	"tractmcmc/pkg/spline"
	"tractmcmc/pkg/timepoint"
)

// UniformSource draws the Metropolis threshold from U(0,1).
type UniformSource interface {
	Rand() float64
}

// Phase of a chain.
type Phase int

const (
	PhaseInitialize Phase = iota
	PhaseBurnIn
	PhaseSample
	PhaseFinalize
)

var phaseNames = [...]string{"initialize", "burn-in", "sample", "finalize"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseNames[p]
}

// Coffin is one MCMC chain. It is not safe for concurrent use; independent
// chains run in parallel through RunPathways.
type Coffin struct {
	params Params
	name   string
	log    *slog.Logger

	mask       *models.Volume
	rois       [2]*models.Volume
	timepoints []*timepoint.TimePoint
	priors     priors.Set

	rng     *rand.Rand
	normal  distuv.Normal
	uniform UniformSource

	// spline is the proposal workspace; the accepted state is cpts and path
	spline    *spline.Spline
	cpts      []models.Point3
	proposed  []models.Point3
	perturbed []bool
	path      []models.Point3

	initialPath []models.Point3

	std        []r3.Vec
	nextSingle int

	// acceptance counters per control point, for the adaptation window and
	// for the whole run
	accWindow, rejWindow []int
	accTotal, rejTotal   []int

	// per-session local decisions
	sessionAccept, sessionReject []int

	rejections map[string]int

	logPrior   float64
	logLik     float64
	priorTerms []float64

	phase            Phase
	iteration        int
	acceptedInSample int
	accepted         int
	proposals        int

	histogram *models.Volume
	samples   []Sample
	trace     []TracePoint

	metrics *chainMetrics
	runID   uuid.UUID
	started time.Time
}

// New validates the inputs and builds a chain for pathway. Each session gets
// its own evaluator; sessions and priors are only read.
func New(params Params, pathway Pathway, sessions []Session, prs priors.Set, logger *slog.Logger) (*Coffin, error) {
	if logger == nil {
		logger = slog.Default()
	}
	n := len(pathway.ControlPoints)
	if err := params.Validate(n); err != nil {
		return nil, err
	}
	if pathway.Mask == nil {
		return nil, configErrorf("pathway %q has no mask", pathway.Name)
	}
	for end, roi := range pathway.EndROIs {
		if roi == nil {
			continue
		}
		if err := checkROI(roi, pathway.Mask); err != nil {
			return nil, configErrorf("pathway %q end region %d: %v", pathway.Name, end+1, err)
		}
	}
	if !params.UsePriorOnly && len(sessions) == 0 {
		return nil, configErrorf("no sessions given and prior-only mode is off")
	}

	log := logger.With(slog.String("pathway", pathway.Name))

	tps := make([]*timepoint.TimePoint, len(sessions))
	for i, s := range sessions {
		tp, err := timepoint.New(i, s.Model, s.Mask, s.Registration, timepoint.Options{
			OffPathSamples: params.OffPathSamples,
			Logger:         log,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
		tps[i] = tp
	}

	sp, err := spline.NewWithPoints(pathway.ControlPoints, pathway.Mask)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	rng := rand.New(rand.NewPCG(params.Seed, 0x9e3779b97f4a7c15))
	c := &Coffin{
		params:        params,
		name:          pathway.Name,
		log:           log,
		mask:          pathway.Mask,
		rois:          pathway.EndROIs,
		timepoints:    tps,
		priors:        prs,
		rng:           rng,
		normal:        distuv.Normal{Mu: 0, Sigma: 1, Src: rng},
		uniform:       distuv.Uniform{Min: 0, Max: 1, Src: rng},
		spline:        sp,
		cpts:          append([]models.Point3(nil), pathway.ControlPoints...),
		proposed:      make([]models.Point3, n),
		perturbed:     make([]bool, n),
		std:           append([]r3.Vec(nil), params.InitialStd...),
		accWindow:     make([]int, n),
		rejWindow:     make([]int, n),
		accTotal:      make([]int, n),
		rejTotal:      make([]int, n),
		sessionAccept: make([]int, len(sessions)),
		sessionReject: make([]int, len(sessions)),
		rejections:    make(map[string]int, len(rejectionReasons)),
		histogram:     models.NewVolumeLike(pathway.Mask),
		metrics:       newChainMetrics(pathway.Name),
		runID:         uuid.New(),
	}
	c.metrics.setStd(c.std)
	return c, nil
}

// checkROI requires the region to share the mask's grid and to overlap it.
func checkROI(roi, mask *models.Volume) error {
	if roi.Width != mask.Width || roi.Height != mask.Height || roi.Depth != mask.Depth {
		return fmt.Errorf("dimensions %dx%dx%d differ from the mask", roi.Width, roi.Height, roi.Depth)
	}
	for i, v := range roi.Data {
		if v > 0 && mask.Data[i] > 0 {
			return nil
		}
	}
	return fmt.Errorf("region does not intersect the mask")
}

// SetUniformSource replaces the source of Metropolis thresholds.
func (c *Coffin) SetUniformSource(u UniformSource) {
	c.uniform = u
}

// Name returns the pathway name.
func (c *Coffin) Name() string { return c.name }

// Phase returns the current phase.
func (c *Coffin) Phase() Phase { return c.phase }

// ControlPoints returns a copy of the accepted control points.
func (c *Coffin) ControlPoints() []models.Point3 {
	return append([]models.Point3(nil), c.cpts...)
}

// Path returns a copy of the accepted path.
func (c *Coffin) Path() []models.Point3 {
	return append([]models.Point3(nil), c.path...)
}

// Std returns a copy of the current proposal standard deviations.
func (c *Coffin) Std() []r3.Vec {
	return append([]r3.Vec(nil), c.std...)
}

// LogPosterior returns the log-posterior of the accepted state.
func (c *Coffin) LogPosterior() float64 {
	if c.params.UsePriorOnly {
		return c.logPrior
	}
	return c.logPrior + c.logLik
}

// NumSamples returns the number of kept samples.
func (c *Coffin) NumSamples() int { return len(c.samples) }

// Run executes the whole chain: initialization, burn-in, sampling and
// finalization. Proposal SDs adapt during burn-in only and stay fixed while
// samples are kept. It stops early only if ctx is cancelled or a fatal error
// occurs.
func (c *Coffin) Run(ctx context.Context) (*Result, error) {
	c.started = time.Now()
	if err := c.InitializeMcmc(); err != nil {
		return nil, err
	}

	total := c.params.NumBurnIn + c.params.NumSample
	every := max(1, total/100)
	c.log.Info("starting chain",
		slog.Int("burn_in", c.params.NumBurnIn),
		slog.Int("samples", c.params.NumSample),
		slog.String("mode", c.params.Mode.String()))

	for it := 0; it < total; it++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if it == c.params.NumBurnIn && c.phase != PhaseSample {
			c.phase = PhaseSample
			c.log.Info("burn-in complete", slog.Float64("accept_rate", c.acceptRate()))
		}
		if _, err := c.Step(); err != nil {
			return nil, err
		}
		if c.phase == PhaseBurnIn && c.iteration%c.params.UpdatePropNth == 0 {
			c.UpdateProposalStd()
		}
		if (it+1)%every == 0 || it+1 == total {
			c.reportProgress(it+1, total)
		}
	}
	return c.Finalize()
}

// Step runs one propose / accept iteration and keeps the state as a sample
// when due. It reports whether the jump was accepted.
func (c *Coffin) Step() (bool, error) {
	c.iteration++

	var ok bool
	if c.params.Mode == ProposalFull {
		ok = c.ProposePathFull()
	} else {
		i := c.nextSingle
		c.nextSingle = (i + 1) % len(c.cpts)
		ok = c.ProposePathSingle(i)
	}

	accepted := false
	if ok {
		var err error
		accepted, err = c.AcceptPath(c.params.UsePriorOnly)
		if err != nil {
			return false, err
		}
	}

	if accepted && c.phase == PhaseSample {
		c.acceptedInSample++
		if c.acceptedInSample%c.params.KeepSampleNth == 0 {
			c.SavePathPosterior()
			c.SavePath()
		}
	}

	c.trace = append(c.trace, TracePoint{
		Iteration:    c.iteration,
		Phase:        c.phase,
		LogPosterior: c.LogPosterior(),
		AcceptRate:   c.acceptRate(),
	})
	return accepted, nil
}

func (c *Coffin) acceptRate() float64 {
	if c.proposals == 0 {
		return 0
	}
	return float64(c.accepted) / float64(c.proposals)
}

func (c *Coffin) reportProgress(completed, total int) {
	if c.params.Progress != nil {
		c.params.Progress(completed, total, c.name)
		return
	}
	c.log.Info("progress",
		slog.String("phase", c.phase.String()),
		slog.Int("iteration", completed),
		slog.Int("total", total),
		slog.Float64("accept_rate", c.acceptRate()))
}

// record updates the acceptance counters of the perturbed control points.
func (c *Coffin) record(accepted bool, reason string) {
	for i, p := range c.perturbed {
		if !p {
			continue
		}
		if accepted {
			c.accWindow[i]++
			c.accTotal[i]++
		} else {
			c.rejWindow[i]++
			c.rejTotal[i]++
		}
	}
	if accepted {
		c.accepted++
		c.metrics.accepts.WithLabelValues(c.phase.String()).Inc()
		return
	}
	c.rejections[reason]++
	c.metrics.rejects.WithLabelValues(reason).Inc()
	c.log.Debug("jump rejected", slog.Int("iteration", c.iteration), slog.String("reason", reason))
}
