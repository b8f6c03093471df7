// Package priors implements the anatomical and shape priors of the pathway
// posterior. Every prior is a lookup table over atlas-space bins, built once
// and then only read, so a single instance can be shared by all chains.
package priors

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"tractmcmc/internal/models"
)

// DefaultFloor is the log-probability of an unseen bin.
const DefaultFloor = -10.0

// Path is the read-only view of a candidate path a prior scores.
type Path struct {
	Points     []models.Point3
	Tangents   []r3.Vec
	Curvatures []float64
}

// Prior contributes a log-probability term to the posterior.
type Prior interface {
	Name() string
	LogPrior(path Path) float64
}

// Set is an ordered collection of priors whose terms are summed.
type Set []Prior

// LogPrior returns the summed log-prior and the per-prior terms.
func (s Set) LogPrior(path Path) (float64, []float64) {
	terms := make([]float64, len(s))
	total := 0.0
	for i, p := range s {
		terms[i] = p.LogPrior(path)
		total += terms[i]
	}
	return total, terms
}

// SpatialPrior scores the voxels a path visits against atlas histograms of
// where the pathway was (on) and was not (off) found in training subjects.
// The term is relative to the path-free configuration, so only on-path
// voxels contribute: sum over visited voxels of on(v) - off(v).
type SpatialPrior struct {
	OnPath  *models.Volume
	OffPath *models.Volume
	Floor   float64
}

// NewSpatialPrior builds a spatial prior from two log-probability volumes.
func NewSpatialPrior(on, off *models.Volume) *SpatialPrior {
	return &SpatialPrior{OnPath: on, OffPath: off, Floor: DefaultFloor}
}

// Name implements Prior.
func (p *SpatialPrior) Name() string { return "spatial" }

// LogPrior implements Prior.
func (p *SpatialPrior) LogPrior(path Path) float64 {
	seen := make(map[models.Point3]struct{}, len(path.Points))
	sum := 0.0
	for _, v := range path.Points {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		sum += p.lookup(p.OnPath, v) - p.lookup(p.OffPath, v)
	}
	return sum
}

func (p *SpatialPrior) lookup(vol *models.Volume, v models.Point3) float64 {
	if vol == nil {
		return 0
	}
	if !vol.InBounds(v.X, v.Y, v.Z) {
		return p.Floor
	}
	return vol.At(v.X, v.Y, v.Z)
}

// LabelPrior scores the anatomical labels (from a segmentation such as
// aseg) a path passes through and the label transitions between
// consecutive path points.
type LabelPrior struct {
	Labels *models.Volume

	// Local is the log-probability of a label lying on the pathway
	Local map[int]float64

	// Transition is the log cost of stepping from one label to another
	Transition map[[2]int]float64

	Floor float64
}

// NewLabelPrior builds a label prior. Missing table entries score Floor.
func NewLabelPrior(labels *models.Volume, local map[int]float64, transition map[[2]int]float64) *LabelPrior {
	return &LabelPrior{Labels: labels, Local: local, Transition: transition, Floor: DefaultFloor}
}

// Name implements Prior.
func (p *LabelPrior) Name() string { return "anatomical" }

// LogPrior implements Prior.
func (p *LabelPrior) LogPrior(path Path) float64 {
	sum := 0.0
	prev := 0
	for i, v := range path.Points {
		label := int(p.Labels.AtPoint(v))
		sum += p.local(label)
		if i > 0 && label != prev {
			sum += p.transition(prev, label)
		}
		prev = label
	}
	return sum
}

func (p *LabelPrior) local(label int) float64 {
	if p.Local == nil {
		return 0
	}
	if lp, ok := p.Local[label]; ok {
		return lp
	}
	return p.Floor
}

func (p *LabelPrior) transition(from, to int) float64 {
	if p.Transition == nil {
		return 0
	}
	if lp, ok := p.Transition[[2]int{from, to}]; ok {
		return lp
	}
	return p.Floor
}

// ShapePrior scores path tangents and curvatures against histograms binned
// by normalized position along the path.
type ShapePrior struct {
	// PositionBins splits the path into equal fractions of its length
	PositionBins int

	// AngleBins is the number of bins for each spherical angle of the tangent
	AngleBins int

	// CurvatureBins and CurvatureBinWidth bin the curvature; larger values
	// fall in the last bin
	CurvatureBins     int
	CurvatureBinWidth float64

	// Tangent[pos][thetaBin*AngleBins+phiBin] is a log-probability
	Tangent [][]float64

	// Curvature[pos][bin] is a log-probability
	Curvature [][]float64

	Floor float64
}

// Name implements Prior.
func (p *ShapePrior) Name() string { return "shape" }

// LogPrior implements Prior.
func (p *ShapePrior) LogPrior(path Path) float64 {
	n := len(path.Points)
	if n == 0 || p.PositionBins <= 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		pos := min(i*p.PositionBins/n, p.PositionBins-1)
		if i < len(path.Tangents) && len(p.Tangent) > pos {
			sum += p.lookup(p.Tangent[pos], p.TangentBin(path.Tangents[i]))
		}
		if i < len(path.Curvatures) && len(p.Curvature) > pos {
			sum += p.lookup(p.Curvature[pos], p.CurvatureBin(path.Curvatures[i]))
		}
	}
	return sum
}

// TangentBin returns the flat (theta, phi) bin of a unit tangent.
func (p *ShapePrior) TangentBin(t r3.Vec) int {
	if p.AngleBins <= 0 {
		return 0
	}
	z := math.Max(-1, math.Min(1, t.Z))
	theta := math.Acos(z)                // [0, pi]
	phi := math.Atan2(t.Y, t.X) + math.Pi // [0, 2pi]
	tb := min(int(theta/math.Pi*float64(p.AngleBins)), p.AngleBins-1)
	pb := min(int(phi/(2*math.Pi)*float64(p.AngleBins)), p.AngleBins-1)
	return tb*p.AngleBins + pb
}

// CurvatureBin returns the histogram bin of a curvature value.
func (p *ShapePrior) CurvatureBin(k float64) int {
	if p.CurvatureBinWidth <= 0 || p.CurvatureBins <= 0 || k < 0 || math.IsNaN(k) {
		return 0
	}
	return min(int(k/p.CurvatureBinWidth), p.CurvatureBins-1)
}

func (p *ShapePrior) lookup(table []float64, bin int) float64 {
	if bin < 0 || bin >= len(table) {
		return p.Floor
	}
	return table[bin]
}
