// Package timepoint evaluates a candidate pathway against the diffusion data
// of one imaging session. The shared base-space path is mapped into the
// session's native grid, and the session contributes its data log-likelihood
// to the posterior.
package timepoint

import (
	"fmt"
	"log/slog"
	"math"

	"tractmcmc/internal/models"
	"tractmcmc/pkg/diffusion"
	"tractmcmc/pkg/registration"
	"tractmcmc/pkg/spline"
)

// DefaultOffPathSamples is the number of mask voxels sampled for the
// off-path likelihood.
const DefaultOffPathSamples = 2000

// Options configures a TimePoint.
type Options struct {
	// OffPathSamples is the number of mask voxels visited when accumulating
	// the off-path log-likelihood. Zero selects DefaultOffPathSamples.
	OffPathSamples int

	// Logger for debug output. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Stats are the accumulated data-fit statistics of one path.
type Stats struct {
	// LogLikOn is the summed on-path log-likelihood
	LogLikOn float64

	// LogLikOff is the estimated off-path log-likelihood over the mask
	LogLikOff float64

	// FZero counts on-path voxels without a valid fiber sample
	FZero int

	// PathLength is the number of local path points
	PathLength int
}

// LogLikelihood returns the total data log-likelihood.
func (s Stats) LogLikelihood() float64 {
	return s.LogLikOn + s.LogLikOff
}

// Decision is the session-local verdict on a proposal.
type Decision struct {
	// DeltaLogLik is the proposed minus the current log-likelihood
	DeltaLogLik float64

	FZeroOld int
	FZeroNew int

	// Accept is true when the likelihood improved and no f-zero voxel was added
	Accept bool
}

// NumericalError reports a non-finite likelihood accumulation.
type NumericalError struct {
	Session int
	Segment int
	Value   float64
}

func (e *NumericalError) Error() string {
	return fmt.Sprintf("session %d: non-finite log-likelihood %v in path segment %d", e.Session, e.Value, e.Segment)
}

// TimePoint holds one session's data and the mapping of the shared path into
// its native space. It is used by a single goroutine at a time.
type TimePoint struct {
	index int
	model diffusion.Model
	mask  models.Grid
	reg   registration.Registration
	log   *slog.Logger

	// maskPoints are the native mask voxels, sampled for the off-path term
	maskPoints []models.Point3
	offStride  int
	offStart   int

	// path is the local path of the latest mapping; pathSegment holds the
	// base control-point segment each local point came from
	path        []models.Point3
	pathSegment []int

	// duplicates marks base points that collapsed onto the previous local point
	duplicates []bool

	// errorSegment is the base segment implicated in the last failure, or -1
	errorSegment int

	currentPath []models.Point3
	current     Stats
	proposed    Stats
}

// New creates the evaluator for session index. reg maps base space to this
// session's native space; nil means identity.
func New(index int, model diffusion.Model, mask *models.Volume, reg registration.Registration, opts Options) (*TimePoint, error) {
	if model == nil {
		return nil, fmt.Errorf("session %d: diffusion model must not be nil", index)
	}
	if mask == nil {
		return nil, fmt.Errorf("session %d: mask must not be nil", index)
	}
	if reg == nil {
		reg = registration.Identity{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	samples := opts.OffPathSamples
	if samples <= 0 {
		samples = DefaultOffPathSamples
	}

	tp := &TimePoint{
		index:        index,
		model:        model,
		mask:         mask,
		reg:          reg,
		log:          logger.With(slog.Int("session", index)),
		maskPoints:   mask.Points(),
		errorSegment: -1,
	}
	if len(tp.maskPoints) == 0 {
		return nil, fmt.Errorf("session %d: mask is empty", index)
	}
	tp.offStride = max(1, len(tp.maskPoints)/samples)
	// spread the sample start across sessions
	tp.offStart = (index * 7919) % tp.offStride
	return tp, nil
}

// Index returns the session index.
func (tp *TimePoint) Index() int { return tp.index }

// Path returns the local path of the latest mapping.
func (tp *TimePoint) Path() []models.Point3 { return tp.path }

// CurrentPath returns the local path of the last committed proposal.
func (tp *TimePoint) CurrentPath() []models.Point3 { return tp.currentPath }

// Duplicates returns, per base path point, whether it collapsed onto the
// previous local point in the latest mapping.
func (tp *TimePoint) Duplicates() []bool { return tp.duplicates }

// ErrorSegment returns the base segment implicated in the last failure, or -1.
func (tp *TimePoint) ErrorSegment() int { return tp.errorSegment }

// Current returns the statistics of the committed path.
func (tp *TimePoint) Current() Stats { return tp.current }

// Proposed returns the statistics of the latest evaluated path.
func (tp *TimePoint) Proposed() Stats { return tp.proposed }

// MapPathFromBase maps every base path point into this session's grid,
// drops points that collapse onto their predecessor and bridges gaps that
// the mapping opened, so the local path stays connected. It returns false if
// the mapped path leaves the session mask or degenerates to a single voxel.
func (tp *TimePoint) MapPathFromBase(base *spline.Spline) bool {
	basePts := base.AllPoints()
	params := base.ArcParams()
	lastSeg := base.NumControlPoints() - 2

	tp.path = tp.path[:0]
	tp.pathSegment = tp.pathSegment[:0]
	tp.duplicates = resizeBool(tp.duplicates, len(basePts))
	tp.errorSegment = -1

	if len(basePts) == 0 {
		return false
	}

	seg := 0
	for i, bp := range basePts {
		if i > 0 && params[i] == 0 && seg < lastSeg {
			seg++
		}
		q := models.Round(tp.reg.ToNative(bp.Vec()))

		if n := len(tp.path); n > 0 {
			prev := tp.path[n-1]
			if q == prev {
				tp.duplicates[i] = true
				continue
			}
			if !tp.bridge(prev, q, seg) {
				return false
			}
		}
		if !models.Inside(tp.mask, q) {
			tp.errorSegment = seg
			return false
		}
		tp.path = append(tp.path, q)
		tp.pathSegment = append(tp.pathSegment, seg)
	}

	if len(tp.path) < 2 {
		tp.errorSegment = 0
		return false
	}
	return true
}

// bridge appends the digital line strictly between a and b.
func (tp *TimePoint) bridge(a, b models.Point3, seg int) bool {
	steps := a.Chebyshev(b)
	if steps <= 1 {
		return true
	}
	av, bv := a.Vec(), b.Vec()
	for s := 1; s < steps; s++ {
		f := float64(s) / float64(steps)
		p := models.Point3{
			X: int(math.Round(av.X + f*(bv.X-av.X))),
			Y: int(math.Round(av.Y + f*(bv.Y-av.Y))),
			Z: int(math.Round(av.Z + f*(bv.Z-av.Z))),
		}
		if !models.Inside(tp.mask, p) {
			tp.errorSegment = seg
			return false
		}
		tp.path = append(tp.path, p)
		tp.pathSegment = append(tp.pathSegment, seg)
	}
	return true
}

// ComputePathDataFit accumulates the data log-likelihood of the latest
// mapped path into the proposed statistics. On-path voxels are scored with
// the local path tangent; the off-path term is estimated from a fixed
// strided sample of mask voxels not on the path, scaled to the full
// off-path count. A non-finite accumulation returns a *NumericalError.
func (tp *TimePoint) ComputePathDataFit() error {
	tangents := spline.FiniteTangents(spline.PathVectors(tp.path))

	stats := Stats{PathLength: len(tp.path)}
	onSet := make(map[models.Point3]struct{}, len(tp.path))
	for i, v := range tp.path {
		if tp.model.IsFZero(v) {
			stats.FZero++
		}
		ll := tp.model.LogLikelihoodOnPath(v, tangents[i])
		if math.IsNaN(ll) || math.IsInf(ll, 0) {
			tp.errorSegment = tp.pathSegment[i]
			return &NumericalError{Session: tp.index, Segment: tp.pathSegment[i], Value: ll}
		}
		stats.LogLikOn += ll
		onSet[v] = struct{}{}
	}

	offSum := 0.0
	sampled := 0
	for j := tp.offStart; j < len(tp.maskPoints); j += tp.offStride {
		v := tp.maskPoints[j]
		if _, on := onSet[v]; on {
			continue
		}
		offSum += tp.model.LogLikelihoodOffPath(v)
		sampled++
	}
	if sampled > 0 {
		offCount := len(tp.maskPoints) - len(onSet)
		stats.LogLikOff = offSum * float64(offCount) / float64(sampled)
	}
	if math.IsNaN(stats.LogLikOff) || math.IsInf(stats.LogLikOff, 0) {
		return &NumericalError{Session: tp.index, Segment: -1, Value: stats.LogLikOff}
	}

	tp.proposed = stats
	return nil
}

// FindErrorSegment returns the first base segment whose mapped voxels leave
// the session mask or enter voxels without a valid fiber sample, or -1.
func (tp *TimePoint) FindErrorSegment(base *spline.Spline) int {
	params := base.ArcParams()
	lastSeg := base.NumControlPoints() - 2
	seg := 0
	for i, bp := range base.AllPoints() {
		if i > 0 && params[i] == 0 && seg < lastSeg {
			seg++
		}
		q := models.Round(tp.reg.ToNative(bp.Vec()))
		if !models.Inside(tp.mask, q) || tp.model.IsFZero(q) {
			tp.errorSegment = seg
			return seg
		}
	}
	return -1
}

// Decide compares the proposed statistics with the committed ones.
func (tp *TimePoint) Decide() Decision {
	d := Decision{
		DeltaLogLik: tp.proposed.LogLikelihood() - tp.current.LogLikelihood(),
		FZeroOld:    tp.current.FZero,
		FZeroNew:    tp.proposed.FZero,
	}
	d.Accept = d.DeltaLogLik > 0 && d.FZeroNew <= d.FZeroOld
	return d
}

// Commit makes the proposed path and statistics current.
func (tp *TimePoint) Commit() {
	tp.current = tp.proposed
	tp.currentPath = append(tp.currentPath[:0], tp.path...)
}

// Revert discards the proposed statistics.
func (tp *TimePoint) Revert() {
	tp.proposed = tp.current
}

// Initialize maps and scores the initial path and commits it.
func (tp *TimePoint) Initialize(base *spline.Spline) error {
	if !tp.MapPathFromBase(base) {
		return fmt.Errorf("session %d: initial path cannot be mapped (segment %d)", tp.index, tp.errorSegment)
	}
	if err := tp.ComputePathDataFit(); err != nil {
		return err
	}
	tp.Commit()
	tp.log.Debug("session initialized",
		slog.Int("path_length", tp.current.PathLength),
		slog.Float64("log_likelihood", tp.current.LogLikelihood()),
		slog.Int("f_zero", tp.current.FZero))
	return nil
}

func resizeBool(v []bool, n int) []bool {
	if cap(v) < n {
		return make([]bool, n)
	}
	v = v[:n]
	for i := range v {
		v[i] = false
	}
	return v
}
