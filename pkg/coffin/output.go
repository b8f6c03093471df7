package coffin

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"tractmcmc/internal/models"
	"tractmcmc/pkg/spline"
	"tractmcmc/pkg/visualization"
	"tractmcmc/pkg/volumeio"
)

// Output file names inside a pathway's output directory.
const (
	FileProbability = "path.pd.nii.gz"
	FileMapCpts     = "cpts.map.txt"
	FileMapPath     = "path.map.txt"
	FileMapVolume   = "path.map.nii.gz"
	FileLog         = "log.txt"
	FileRun         = "run.yaml"
	FileTrace       = "trace.png"
	FileMetrics     = "metrics.prom"
	DirQuickLook    = "quicklook"
)

// OutputOptions selects the optional outputs.
type OutputOptions struct {
	TracePlot bool
	Metrics   bool
	QuickLook bool
}

// runSummary is the YAML record of a run.
type runSummary struct {
	RunID          string         `yaml:"runId"`
	Pathway        string         `yaml:"pathway"`
	Started        time.Time      `yaml:"started"`
	Finished       time.Time      `yaml:"finished"`
	NumBurnIn      int            `yaml:"numBurnIn"`
	NumSample      int            `yaml:"numSample"`
	KeepSampleNth  int            `yaml:"keepSampleNth"`
	UpdatePropNth  int            `yaml:"updatePropNth"`
	ProposalMode   string         `yaml:"proposalMode"`
	Seed           uint64         `yaml:"seed"`
	PriorOnly      bool           `yaml:"priorOnly"`
	NumSamples     int            `yaml:"numSamples"`
	MeanAcceptRate float64        `yaml:"meanAcceptRate"`
	MapDeviation   float64        `yaml:"mapDeviation"`
	Rejections     map[string]int `yaml:"rejections"`
}

// WriteOutputs writes the result of one chain into dir.
func WriteOutputs(dir string, res *Result, opts OutputOptions) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}

	if err := volumeio.Write(filepath.Join(dir, FileProbability), res.Probability, volumeio.DTFloat32); err != nil {
		return err
	}
	if err := volumeio.Write(filepath.Join(dir, FileMapVolume), res.MapVolume, volumeio.DTUint8); err != nil {
		return err
	}
	if err := spline.WriteControlPoints(filepath.Join(dir, FileMapCpts), res.MapControlPoints); err != nil {
		return err
	}
	if err := spline.WriteControlPoints(filepath.Join(dir, FileMapPath), res.MapPath); err != nil {
		return err
	}
	if err := writeFile(filepath.Join(dir, FileLog), func(w io.Writer) error { return WriteLog(w, res) }); err != nil {
		return err
	}
	if err := writeRunSummary(filepath.Join(dir, FileRun), res); err != nil {
		return err
	}

	if opts.TracePlot && len(res.Trace) > 0 {
		if err := visualization.SaveTracePlot(filepath.Join(dir, FileTrace), res.Name, traceSeries(res)); err != nil {
			return fmt.Errorf("error saving trace plot: %w", err)
		}
	}
	if opts.Metrics && res.metrics != nil {
		if err := writeFile(filepath.Join(dir, FileMetrics), res.metrics.WriteText); err != nil {
			return err
		}
	}
	if opts.QuickLook {
		if err := visualization.NewViewer(res.Probability).SaveProjections(filepath.Join(dir, DirQuickLook)); err != nil {
			return fmt.Errorf("error saving quick-look images: %w", err)
		}
	}
	return nil
}

func writeFile(path string, write func(io.Writer) error) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if err := write(f); err != nil {
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	return nil
}

// WriteLog writes the acceptance rates and final proposal SDs per control
// point, the per-session decisions and the rejection reasons.
func WriteLog(w io.Writer, res *Result) error {
	p := res.Params
	fmt.Fprintf(w, "pathway %s (run %s)\n", res.Name, res.RunID)
	fmt.Fprintf(w, "burn-in %d, samples %d, keep every %d, adapt every %d, mode %s\n",
		p.NumBurnIn, p.NumSample, p.KeepSampleNth, p.UpdatePropNth, p.Mode)
	fmt.Fprintf(w, "kept samples: %d\n", res.NumSamples)
	fmt.Fprintf(w, "mean acceptance rate: %.4f\n", res.MeanAcceptRate)
	fmt.Fprintf(w, "MAP deviation from initial path: %.3f voxels\n\n", res.MapDeviation)

	fmt.Fprintf(w, "%-5s %9s %9s %7s %8s %8s %8s\n", "cpt", "accepted", "rejected", "rate", "std.x", "std.y", "std.z")
	for i, s := range res.ControlPoints {
		fmt.Fprintf(w, "%-5d %9d %9d %7.4f %8.4f %8.4f %8.4f\n",
			i, s.Accepted, s.Rejected, s.Rate, s.Std.X, s.Std.Y, s.Std.Z)
	}

	if len(res.Sessions) > 0 {
		fmt.Fprintf(w, "\n%-7s %9s %9s\n", "session", "accepted", "rejected")
		for k, s := range res.Sessions {
			fmt.Fprintf(w, "%-7d %9d %9d\n", k, s.Accepted, s.Rejected)
		}
	}

	reasons := make([]string, 0, len(res.Rejections))
	for r := range res.Rejections {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	fmt.Fprintf(w, "\nrejections:\n")
	for _, r := range reasons {
		fmt.Fprintf(w, "  %-12s %d\n", r, res.Rejections[r])
	}

	_, err := fmt.Fprintf(w, "\nMAP control points:\n")
	if err != nil {
		return err
	}
	return spline.WritePoints(w, res.MapControlPoints)
}

func writeRunSummary(path string, res *Result) error {
	p := res.Params
	summary := runSummary{
		RunID:          res.RunID.String(),
		Pathway:        res.Name,
		Started:        res.Started,
		Finished:       res.Finished,
		NumBurnIn:      p.NumBurnIn,
		NumSample:      p.NumSample,
		KeepSampleNth:  p.KeepSampleNth,
		UpdatePropNth:  p.UpdatePropNth,
		ProposalMode:   p.Mode.String(),
		Seed:           p.Seed,
		PriorOnly:      p.UsePriorOnly,
		NumSamples:     res.NumSamples,
		MeanAcceptRate: res.MeanAcceptRate,
		MapDeviation:   res.MapDeviation,
		Rejections:     res.Rejections,
	}
	data, err := yaml.Marshal(&summary)
	if err != nil {
		return fmt.Errorf("error marshaling run summary: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing run summary: %w", err)
	}
	return nil
}

func traceSeries(res *Result) visualization.Trace {
	n := len(res.Trace)
	tr := visualization.Trace{
		Iterations:   make([]float64, n),
		LogPosterior: make([]float64, n),
		AcceptRate:   make([]float64, n),
		BurnIn:       float64(res.Params.NumBurnIn),
	}
	for i, pt := range res.Trace {
		tr.Iterations[i] = float64(pt.Iteration)
		tr.LogPosterior[i] = pt.LogPosterior
		tr.AcceptRate[i] = pt.AcceptRate
	}
	return tr
}

// ReadMapControlPoints reads a MAP control point file written by WriteOutputs.
func ReadMapControlPoints(dir string) ([]models.Point3, error) {
	return spline.ReadControlPoints(filepath.Join(dir, FileMapCpts))
}
