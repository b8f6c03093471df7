package coffin

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"tractmcmc/internal/models"
	"tractmcmc/pkg/diffusion"
	"tractmcmc/pkg/registration"
	"tractmcmc/pkg/spline"
)

// ProgressCallback reports chain progress.
type ProgressCallback func(completed, total int, message string)

// ProposalMode selects how many control points a jump perturbs.
type ProposalMode int

const (
	// ProposalSingle perturbs one control point per jump, round-robin
	ProposalSingle ProposalMode = iota
	// ProposalFull perturbs every control point at once
	ProposalFull
)

func (m ProposalMode) String() string {
	if m == ProposalFull {
		return "full"
	}
	return "single"
}

// ParseProposalMode parses "single" or "full".
func ParseProposalMode(s string) (ProposalMode, error) {
	switch strings.ToLower(s) {
	case "", "single":
		return ProposalSingle, nil
	case "full":
		return ProposalFull, nil
	default:
		return ProposalSingle, fmt.Errorf("unknown proposal mode %q", s)
	}
}

// Params holds the chain parameters.
type Params struct {
	// NumBurnIn iterations are discarded before sampling
	NumBurnIn int

	// NumSample iterations make up the sampling phase
	NumSample int

	// KeepSampleNth keeps every n-th accepted draw of the sampling phase
	KeepSampleNth int

	// UpdatePropNth is the adaptation window, in burn-in iterations
	UpdatePropNth int

	// InitialStd is the per-axis proposal standard deviation of each
	// control point, in voxels. Every axis must lie in [MinStd, MaxStd].
	InitialStd []r3.Vec

	// MinStd and MaxStd clamp every axis of every proposal SD
	MinStd float64
	MaxStd float64

	// TargetAcceptLow and TargetAcceptHigh bound the acceptance rate band
	// inside which an SD is left unchanged
	TargetAcceptLow  float64
	TargetAcceptHigh float64

	// AdaptFactor scales an SD up or down when its rate leaves the band
	AdaptFactor float64

	Mode ProposalMode

	// InitRetries bounds the perturbations tried during initialization
	InitRetries int

	// Seed of the chain's random stream
	Seed uint64

	// UsePriorOnly omits the data term from the posterior
	UsePriorOnly bool

	// RejectFZero rejects jumps that add voxels without a valid fiber sample
	RejectFZero bool

	// DerivativeMode for the shape prior's tangents and curvatures
	DerivativeMode spline.DerivativeMode

	// OffPathSamples is passed to every session evaluator
	OffPathSamples int

	// Progress is called once per percent of the chain, if set
	Progress ProgressCallback
}

// Defaults for Params.
const (
	DefaultStd              = 1.0
	DefaultMinStd           = 0.1
	DefaultMaxStd           = 8.0
	DefaultTargetAcceptLow  = 0.25
	DefaultTargetAcceptHigh = 0.50
	DefaultAdaptFactor      = 1.25
	DefaultInitRetries      = 200
)

// DefaultParams returns parameters for a chain with n control points.
func DefaultParams(n int) Params {
	std := make([]r3.Vec, n)
	for i := range std {
		std[i] = r3.Vec{X: DefaultStd, Y: DefaultStd, Z: DefaultStd}
	}
	return Params{
		NumBurnIn:        5000,
		NumSample:        5000,
		KeepSampleNth:    5,
		UpdatePropNth:    40,
		InitialStd:       std,
		MinStd:           DefaultMinStd,
		MaxStd:           DefaultMaxStd,
		TargetAcceptLow:  DefaultTargetAcceptLow,
		TargetAcceptHigh: DefaultTargetAcceptHigh,
		AdaptFactor:      DefaultAdaptFactor,
		Mode:             ProposalSingle,
		InitRetries:      DefaultInitRetries,
		Seed:             1,
		RejectFZero:      true,
		DerivativeMode:   spline.Numerical,
	}
}

// Validate checks the parameters against a pathway with n control points.
func (p *Params) Validate(n int) error {
	if n < spline.MinControlPoints {
		return configErrorf("%d control points, need at least %d", n, spline.MinControlPoints)
	}
	if len(p.InitialStd) != n {
		return configErrorf("proposal SD has %d entries for %d control points", len(p.InitialStd), n)
	}
	if p.NumBurnIn < 0 || p.NumSample < 0 {
		return configErrorf("iteration counts must not be negative")
	}
	if p.KeepSampleNth < 1 || p.UpdatePropNth < 1 {
		return configErrorf("keepSampleNth and updatePropNth must be at least 1")
	}
	if p.MinStd <= 0 || p.MaxStd < p.MinStd {
		return configErrorf("proposal SD clamp [%g, %g] is invalid", p.MinStd, p.MaxStd)
	}
	for i, s := range p.InitialStd {
		for _, v := range []float64{s.X, s.Y, s.Z} {
			if v < p.MinStd || v > p.MaxStd {
				return configErrorf("proposal SD %v of control point %d is outside [%g, %g]", s, i, p.MinStd, p.MaxStd)
			}
		}
	}
	if p.TargetAcceptLow < 0 || p.TargetAcceptHigh > 1 || p.TargetAcceptLow > p.TargetAcceptHigh {
		return configErrorf("target acceptance band [%g, %g] is invalid", p.TargetAcceptLow, p.TargetAcceptHigh)
	}
	if p.AdaptFactor <= 1 {
		return configErrorf("adapt factor must be greater than 1")
	}
	if p.InitRetries < 0 {
		return configErrorf("init retries must not be negative")
	}
	return nil
}

// Pathway describes one tract to sample, in base space.
type Pathway struct {
	Name string

	// ControlPoints initializes the chain
	ControlPoints []models.Point3

	// Mask bounds the spline in base space
	Mask *models.Volume

	// EndROIs constrain the first and last control point. A nil ROI leaves
	// that end free.
	EndROIs [2]*models.Volume
}

// Session is the read-only input of one imaging session. Sessions are
// shared between chains; each chain builds its own evaluators.
type Session struct {
	Model        diffusion.Model
	Mask         *models.Volume
	Registration registration.Registration
}
