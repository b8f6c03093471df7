package priors

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"tractmcmc/pkg/volumeio"
)

// labelTable is the YAML layout of a label prior table.
type labelTable struct {
	Floor       *float64        `yaml:"floor"`
	Local       map[int]float64 `yaml:"local"`
	Transitions []struct {
		From    int     `yaml:"from"`
		To      int     `yaml:"to"`
		LogProb float64 `yaml:"logProb"`
	} `yaml:"transitions"`
}

// shapeTable is the YAML layout of a shape prior.
type shapeTable struct {
	Floor             *float64    `yaml:"floor"`
	PositionBins      int         `yaml:"positionBins"`
	AngleBins         int         `yaml:"angleBins"`
	CurvatureBins     int         `yaml:"curvatureBins"`
	CurvatureBinWidth float64     `yaml:"curvatureBinWidth"`
	Tangent           [][]float64 `yaml:"tangent"`
	Curvature         [][]float64 `yaml:"curvature"`
}

// LoadSpatialPrior reads the on-path and off-path log-probability volumes.
func LoadSpatialPrior(onPath, offPath string) (*SpatialPrior, error) {
	on, err := volumeio.Read(onPath)
	if err != nil {
		return nil, fmt.Errorf("error loading on-path prior: %w", err)
	}
	off, err := volumeio.Read(offPath)
	if err != nil {
		return nil, fmt.Errorf("error loading off-path prior: %w", err)
	}
	if on.Width != off.Width || on.Height != off.Height || on.Depth != off.Depth {
		return nil, fmt.Errorf("on-path and off-path priors have different dimensions")
	}
	return NewSpatialPrior(on, off), nil
}

// LoadLabelPrior reads a label volume and its YAML probability table.
func LoadLabelPrior(labelPath, tablePath string) (*LabelPrior, error) {
	labels, err := volumeio.Read(labelPath)
	if err != nil {
		return nil, fmt.Errorf("error loading label volume: %w", err)
	}

	data, err := os.ReadFile(tablePath)
	if err != nil {
		return nil, fmt.Errorf("error reading label prior table: %w", err)
	}
	var table labelTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("error parsing label prior table: %w", err)
	}

	transitions := make(map[[2]int]float64, len(table.Transitions))
	for _, tr := range table.Transitions {
		transitions[[2]int{tr.From, tr.To}] = tr.LogProb
	}
	p := NewLabelPrior(labels, table.Local, transitions)
	if table.Floor != nil {
		p.Floor = *table.Floor
	}
	return p, nil
}

// LoadShapePrior reads a shape prior from YAML and checks the table sizes.
func LoadShapePrior(path string) (*ShapePrior, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading shape prior: %w", err)
	}
	var table shapeTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("error parsing shape prior: %w", err)
	}

	p := &ShapePrior{
		PositionBins:      table.PositionBins,
		AngleBins:         table.AngleBins,
		CurvatureBins:     table.CurvatureBins,
		CurvatureBinWidth: table.CurvatureBinWidth,
		Tangent:           table.Tangent,
		Curvature:         table.Curvature,
		Floor:             DefaultFloor,
	}
	if table.Floor != nil {
		p.Floor = *table.Floor
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Validate checks that the histogram tables match the declared bins.
func (p *ShapePrior) Validate() error {
	if p.PositionBins <= 0 {
		return fmt.Errorf("positionBins must be positive")
	}
	if len(p.Tangent) != 0 && len(p.Tangent) != p.PositionBins {
		return fmt.Errorf("tangent table has %d rows, want %d", len(p.Tangent), p.PositionBins)
	}
	for i, row := range p.Tangent {
		if len(row) != p.AngleBins*p.AngleBins {
			return fmt.Errorf("tangent row %d has %d bins, want %d", i, len(row), p.AngleBins*p.AngleBins)
		}
	}
	if len(p.Curvature) != 0 && len(p.Curvature) != p.PositionBins {
		return fmt.Errorf("curvature table has %d rows, want %d", len(p.Curvature), p.PositionBins)
	}
	for i, row := range p.Curvature {
		if len(row) != p.CurvatureBins {
			return fmt.Errorf("curvature row %d has %d bins, want %d", i, len(row), p.CurvatureBins)
		}
	}
	return nil
}
