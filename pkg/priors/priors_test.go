package priors

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"tractmcmc/internal/models"
	"tractmcmc/pkg/volumeio"
)

func linePath() Path {
	return Path{
		Points: []models.Point3{{X: 1, Y: 1, Z: 1}, {X: 2, Y: 1, Z: 1}, {X: 3, Y: 1, Z: 1}, {X: 3, Y: 1, Z: 1}},
	}
}

func TestSpatialPrior(t *testing.T) {
	on := models.NewVolume(5, 5, 5)
	off := models.NewVolume(5, 5, 5)
	on.Fill(-1)
	off.Fill(-3)
	on.Set(2, 1, 1, -0.5)

	p := NewSpatialPrior(on, off)
	// duplicates count once: (−1+3) + (−0.5+3) + (−1+3)
	assert.InDelta(t, 6.5, p.LogPrior(linePath()), 1e-12)
	assert.Equal(t, "spatial", p.Name())

	outside := Path{Points: []models.Point3{{X: 9, Y: 9, Z: 9}}}
	assert.InDelta(t, 0, p.LogPrior(outside), 1e-12, "floor cancels out off the grid")
}

func TestLabelPrior(t *testing.T) {
	labels := models.NewVolume(5, 5, 5)
	labels.Fill(2)
	labels.Set(3, 1, 1, 4)

	p := NewLabelPrior(labels,
		map[int]float64{2: -0.1, 4: -0.2},
		map[[2]int]float64{{2, 4}: -1.5},
	)
	// local: -0.1 -0.1 -0.2 -0.2; one 2->4 transition
	assert.InDelta(t, -0.6-1.5, p.LogPrior(linePath()), 1e-12)

	// unknown label and transition fall to the floor
	labels.Set(1, 1, 1, 9)
	want := DefaultFloor + DefaultFloor - 0.1 - 0.2 - 0.2 - 1.5
	assert.InDelta(t, want, p.LogPrior(linePath()), 1e-12)
}

func TestShapePriorBins(t *testing.T) {
	p := &ShapePrior{PositionBins: 2, AngleBins: 4, CurvatureBins: 3, CurvatureBinWidth: 0.1, Floor: DefaultFloor}

	assert.Equal(t, 0, p.CurvatureBin(0.05))
	assert.Equal(t, 1, p.CurvatureBin(0.15))
	assert.Equal(t, 2, p.CurvatureBin(5))
	assert.Equal(t, 0, p.CurvatureBin(math.NaN()))

	// +z has theta = 0; -z falls in the last theta bin
	assert.Less(t, p.TangentBin(r3.Vec{Z: 1}), 4)
	assert.GreaterOrEqual(t, p.TangentBin(r3.Vec{Z: -1}), 12)
	assert.NotEqual(t, p.TangentBin(r3.Vec{X: 1}), p.TangentBin(r3.Vec{X: -1}))
}

func TestShapePriorScore(t *testing.T) {
	p := &ShapePrior{PositionBins: 2, AngleBins: 2, CurvatureBins: 2, CurvatureBinWidth: 1, Floor: DefaultFloor}
	p.Tangent = [][]float64{{-1, -1, -1, -1}, {-2, -2, -2, -2}}
	p.Curvature = [][]float64{{-0.5, -5}, {-0.25, -5}}
	require.NoError(t, p.Validate())

	path := Path{
		Points:     make([]models.Point3, 4),
		Tangents:   []r3.Vec{{X: 1}, {X: 1}, {X: 1}, {X: 1}},
		Curvatures: []float64{0, 0, 0, 0},
	}
	assert.InDelta(t, 2*(-1-0.5)+2*(-2-0.25), p.LogPrior(path), 1e-12)

	bad := *p
	bad.Curvature = [][]float64{{0}}
	assert.Error(t, bad.Validate())
}

func TestPriorSet(t *testing.T) {
	on := models.NewVolume(5, 5, 5)
	off := models.NewVolume(5, 5, 5)
	on.Fill(1)
	set := Set{NewSpatialPrior(on, off), NewLabelPrior(models.NewVolume(5, 5, 5), nil, nil)}

	total, terms := set.LogPrior(linePath())
	require.Len(t, terms, 2)
	assert.InDelta(t, 3, terms[0], 1e-12)
	assert.InDelta(t, 0, terms[1], 1e-12)
	assert.InDelta(t, 3, total, 1e-12)
}

func TestLoaders(t *testing.T) {
	dir := t.TempDir()
	vol := models.NewVolume(3, 3, 3)
	vol.Fill(-1)
	onPath := filepath.Join(dir, "on.nii.gz")
	offPath := filepath.Join(dir, "off.nii.gz")
	require.NoError(t, volumeio.Write(onPath, vol, volumeio.DTFloat32))
	require.NoError(t, volumeio.Write(offPath, vol, volumeio.DTFloat32))

	sp, err := LoadSpatialPrior(onPath, offPath)
	require.NoError(t, err)
	assert.Equal(t, 3, sp.OnPath.Width)

	table := filepath.Join(dir, "labels.yaml")
	require.NoError(t, os.WriteFile(table, []byte(`
floor: -7
local:
  2: -0.5
transitions:
  - {from: 2, to: 4, logProb: -1}
`), 0644))
	lp, err := LoadLabelPrior(onPath, table)
	require.NoError(t, err)
	assert.Equal(t, -7.0, lp.Floor)
	assert.Equal(t, -0.5, lp.Local[2])
	assert.Equal(t, -1.0, lp.Transition[[2]int{2, 4}])

	shape := filepath.Join(dir, "shape.yaml")
	require.NoError(t, os.WriteFile(shape, []byte(`
positionBins: 1
angleBins: 1
curvatureBins: 2
curvatureBinWidth: 0.5
tangent: [[-1]]
curvature: [[-0.1, -2]]
`), 0644))
	shp, err := LoadShapePrior(shape)
	require.NoError(t, err)
	assert.Equal(t, DefaultFloor, shp.Floor)

	require.NoError(t, os.WriteFile(shape, []byte("positionBins: 0\n"), 0644))
	_, err = LoadShapePrior(shape)
	assert.Error(t, err)
}
