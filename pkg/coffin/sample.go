package coffin

import (
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"

	"tractmcmc/internal/models"
	"tractmcmc/pkg/geometry"
)

// Sample is one kept state of the chain.
type Sample struct {
	ControlPoints []models.Point3
	Path          []models.Point3
	LogPosterior  float64
}

// TracePoint records the chain after one iteration.
type TracePoint struct {
	Iteration    int
	Phase        Phase
	LogPosterior float64

	// AcceptRate is the acceptance rate since the start of the chain
	AcceptRate float64
}

// ControlPointStats summarizes the proposals of one control point.
type ControlPointStats struct {
	Accepted int
	Rejected int
	Rate     float64
	Std      r3.Vec
}

// SessionStats tallies the local decisions of one session.
type SessionStats struct {
	Accepted int
	Rejected int
}

// Result is the output of a finished chain.
type Result struct {
	RunID    uuid.UUID
	Name     string
	Started  time.Time
	Finished time.Time
	Params   Params

	// Probability holds, per voxel, the fraction of kept samples whose path
	// passes through it
	Probability *models.Volume

	MapControlPoints []models.Point3
	MapPath          []models.Point3

	// MapVolume marks the MAP path voxels with 1
	MapVolume *models.Volume

	InitialPath []models.Point3

	// MapDeviation is the Hausdorff distance between the MAP and initial path
	MapDeviation float64

	NumSamples     int
	MeanAcceptRate float64
	ControlPoints  []ControlPointStats
	Sessions       []SessionStats
	Rejections     map[string]int
	Trace          []TracePoint

	metrics *chainMetrics
}

// SavePathPosterior adds the accepted path to the spatial histogram. Each
// voxel counts once per sample.
func (c *Coffin) SavePathPosterior() {
	for _, p := range uniquePoints(c.path) {
		if c.histogram.InBounds(p.X, p.Y, p.Z) {
			c.histogram.Set(p.X, p.Y, p.Z, c.histogram.At(p.X, p.Y, p.Z)+1)
		}
	}
}

// SavePath appends the accepted state to the sample list.
func (c *Coffin) SavePath() {
	c.samples = append(c.samples, Sample{
		ControlPoints: c.ControlPoints(),
		Path:          c.Path(),
		LogPosterior:  c.LogPosterior(),
	})
	c.metrics.samples.Inc()
}

// Finalize builds the result: the probability map, the MAP path and the
// acceptance summary. The MAP path is the kept sample whose voxels have the
// highest mean histogram count; without samples the accepted state is used.
func (c *Coffin) Finalize() (*Result, error) {
	c.phase = PhaseFinalize

	n := len(c.samples)
	prob := c.histogram.Clone()
	if n > 0 {
		floats.Scale(1/float64(n), prob.Data)
	}

	mapCpts, mapPath := c.ControlPoints(), c.Path()
	if best := c.mapSample(); best >= 0 {
		mapCpts = c.samples[best].ControlPoints
		mapPath = c.samples[best].Path
	}

	mapVol := models.NewVolumeLike(c.mask)
	for _, p := range mapPath {
		if mapVol.InBounds(p.X, p.Y, p.Z) {
			mapVol.Set(p.X, p.Y, p.Z, 1)
		}
	}

	cptStats := make([]ControlPointStats, len(c.cpts))
	rates := make([]float64, 0, len(c.cpts))
	for i := range c.cpts {
		s := ControlPointStats{Accepted: c.accTotal[i], Rejected: c.rejTotal[i], Std: c.std[i]}
		if total := s.Accepted + s.Rejected; total > 0 {
			s.Rate = float64(s.Accepted) / float64(total)
			rates = append(rates, s.Rate)
		}
		cptStats[i] = s
	}
	meanRate := 0.0
	if len(rates) > 0 {
		meanRate = stat.Mean(rates, nil)
	}

	sessions := make([]SessionStats, len(c.timepoints))
	for k := range sessions {
		sessions[k] = SessionStats{Accepted: c.sessionAccept[k], Rejected: c.sessionReject[k]}
	}
	rejections := make(map[string]int, len(c.rejections))
	for k, v := range c.rejections {
		rejections[k] = v
	}

	res := &Result{
		RunID:            c.runID,
		Name:             c.name,
		Started:          c.started,
		Finished:         time.Now(),
		Params:           c.params,
		Probability:      prob,
		MapControlPoints: mapCpts,
		MapPath:          mapPath,
		MapVolume:        mapVol,
		InitialPath:      append([]models.Point3(nil), c.initialPath...),
		NumSamples:       n,
		MeanAcceptRate:   meanRate,
		ControlPoints:    cptStats,
		Sessions:         sessions,
		Rejections:       rejections,
		Trace:            c.trace,
		metrics:          c.metrics,
	}
	if len(mapPath) > 0 && len(c.initialPath) > 0 {
		res.MapDeviation = geometry.Hausdorff(mapPath, c.initialPath)
	}

	c.log.Info("chain finished",
		slog.Int("samples", n),
		slog.Float64("accept_rate", meanRate),
		slog.Float64("map_deviation", res.MapDeviation))
	return res, nil
}

// mapSample returns the index of the kept sample with the highest mean
// histogram count along its path, or -1 without samples.
func (c *Coffin) mapSample() int {
	best, bestScore := -1, math.Inf(-1)
	for k, s := range c.samples {
		pts := uniquePoints(s.Path)
		if len(pts) == 0 {
			continue
		}
		sum := 0.0
		for _, p := range pts {
			sum += c.histogram.AtPoint(p)
		}
		if score := sum / float64(len(pts)); score > bestScore {
			best, bestScore = k, score
		}
	}
	return best
}

func uniquePoints(path []models.Point3) []models.Point3 {
	seen := make(map[models.Point3]struct{}, len(path))
	out := make([]models.Point3, 0, len(path))
	for _, p := range path {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Samples returns the kept samples.
func (c *Coffin) Samples() []Sample { return c.samples }
