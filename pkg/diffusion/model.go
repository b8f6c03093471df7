// Package diffusion provides the data-likelihood collaborator of the
// sampler: given a voxel and a direction it scores how well the pre-fit
// local fiber orientations agree with that direction.
//
// The diffusion model itself is fitted elsewhere; StickSamples only consumes
// its per-voxel outputs.
package diffusion

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"tractmcmc/internal/models"
)

// Model scores voxels for the on-path and off-path likelihood terms.
// Implementations must be safe for concurrent reads.
type Model interface {
	// LogLikelihoodOnPath is the log-likelihood of the data at v given that
	// a pathway runs through v along dir.
	LogLikelihoodOnPath(v models.Point3, dir r3.Vec) float64

	// LogLikelihoodOffPath is the log-likelihood of the data at v given that
	// no pathway runs through v.
	LogLikelihoodOffPath(v models.Point3) float64

	// IsFZero reports whether v has no valid fiber sample (all volume
	// fractions below threshold).
	IsFZero(v models.Point3) bool
}

// Defaults for StickSamples.
const (
	DefaultFractionThreshold = 0.05
	DefaultIsotropicFloor    = 1e-3
)

// Stick is one anisotropic compartment of a ball-and-stick fit.
type Stick struct {
	// Fraction is the volume fraction f of the stick
	Fraction *models.Volume

	// Phi and Theta are the azimuth and polar angle of the stick orientation
	Phi, Theta *models.Volume
}

// StickSamples evaluates ball-and-stick model outputs. The on-path term
// rewards alignment of the path direction with the fiber orientations, each
// weighted by its volume fraction; the off-path term is the expected
// alignment with a random direction.
type StickSamples struct {
	sticks []Stick

	// FractionThreshold below which a stick is ignored
	FractionThreshold float64

	// IsotropicFloor keeps the logarithm finite in isotropic voxels
	IsotropicFloor float64
}

// NewStickSamples validates the stick volumes and returns the model.
func NewStickSamples(sticks []Stick) (*StickSamples, error) {
	if len(sticks) == 0 {
		return nil, fmt.Errorf("at least one stick compartment is required")
	}
	ref := sticks[0].Fraction
	for i, s := range sticks {
		if s.Fraction == nil || s.Phi == nil || s.Theta == nil {
			return nil, fmt.Errorf("stick %d is missing a volume", i)
		}
		for _, v := range []*models.Volume{s.Fraction, s.Phi, s.Theta} {
			if v.Width != ref.Width || v.Height != ref.Height || v.Depth != ref.Depth {
				return nil, fmt.Errorf("stick %d volume dimensions differ from stick 0", i)
			}
		}
	}
	return &StickSamples{
		sticks:            sticks,
		FractionThreshold: DefaultFractionThreshold,
		IsotropicFloor:    DefaultIsotropicFloor,
	}, nil
}

// Direction returns the unit orientation of stick k at v.
func (m *StickSamples) Direction(k int, v models.Point3) r3.Vec {
	phi := m.sticks[k].Phi.AtPoint(v)
	theta := m.sticks[k].Theta.AtPoint(v)
	return r3.Vec{
		X: math.Sin(theta) * math.Cos(phi),
		Y: math.Sin(theta) * math.Sin(phi),
		Z: math.Cos(theta),
	}
}

// LogLikelihoodOnPath implements Model.
func (m *StickSamples) LogLikelihoodOnPath(v models.Point3, dir r3.Vec) float64 {
	n := r3.Norm(dir)
	if n == 0 {
		return m.LogLikelihoodOffPath(v)
	}
	u := r3.Scale(1/n, dir)

	sum := 0.0
	for k := range m.sticks {
		f := m.sticks[k].Fraction.AtPoint(v)
		if f < m.FractionThreshold {
			continue
		}
		c := r3.Dot(u, m.Direction(k, v))
		sum += f * c * c
	}
	return math.Log(sum + m.IsotropicFloor)
}

// LogLikelihoodOffPath implements Model. The squared cosine with a uniformly
// random direction averages 1/3.
func (m *StickSamples) LogLikelihoodOffPath(v models.Point3) float64 {
	sum := 0.0
	for k := range m.sticks {
		f := m.sticks[k].Fraction.AtPoint(v)
		if f < m.FractionThreshold {
			continue
		}
		sum += f / 3
	}
	return math.Log(sum + m.IsotropicFloor)
}

// IsFZero implements Model.
func (m *StickSamples) IsFZero(v models.Point3) bool {
	for k := range m.sticks {
		if m.sticks[k].Fraction.AtPoint(v) >= m.FractionThreshold {
			return false
		}
	}
	return true
}

// Uniform is a model with the same likelihood everywhere. It carries no
// information and is used for sessions without diffusion data.
type Uniform struct{}

// LogLikelihoodOnPath implements Model.
func (Uniform) LogLikelihoodOnPath(models.Point3, r3.Vec) float64 { return 0 }

// LogLikelihoodOffPath implements Model.
func (Uniform) LogLikelihoodOffPath(models.Point3) float64 { return 0 }

// IsFZero implements Model.
func (Uniform) IsFZero(models.Point3) bool { return false }
