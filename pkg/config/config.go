// Package config provides configuration loading and management for tractmcmc.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/go-playground/validator/v10"
	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"

	"tractmcmc/pkg/coffin"
	"tractmcmc/pkg/spline"
	"tractmcmc/pkg/timepoint"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config represents the application configuration loaded from YAML
type Config struct {
	// Chain schedule and run-wide switches
	MCMC struct {
		// NumBurnIn iterations are discarded before sampling starts
		NumBurnIn int `yaml:"numBurnIn" validate:"gte=0"`

		// NumSample iterations make up the sampling phase
		NumSample int `yaml:"numSample" validate:"gte=0"`

		// KeepSampleNth keeps every n-th accepted draw of the sampling phase
		KeepSampleNth int `yaml:"keepSampleNth" validate:"gte=1"`

		// UpdatePropNth is the number of iterations between proposal SD updates
		UpdatePropNth int `yaml:"updatePropNth" validate:"gte=1"`

		// ProposalMode is "single" (one control point per step) or "full"
		ProposalMode string `yaml:"proposalMode" validate:"omitempty,oneof=single full"`

		// Seed makes runs reproducible. Pathway k uses Seed+k.
		Seed uint64 `yaml:"seed"`

		// InitRetries bounds the perturbations tried to find a valid start
		InitRetries int `yaml:"initRetries" validate:"gte=0"`

		// PriorOnly samples the prior alone, without any session data
		PriorOnly bool `yaml:"priorOnly"`

		// RejectFZero rejects jumps into voxels with no valid fiber sample
		RejectFZero bool `yaml:"rejectFZero"`

		// NumCores bounds how many pathway chains run at once
		NumCores int `yaml:"numCores" validate:"gte=1"`
	} `yaml:"mcmc"`

	// Proposal distribution and its adaptation
	Proposal struct {
		// InitialStd is the starting SD of every control point and axis
		InitialStd float64 `yaml:"initialStd" validate:"gt=0"`

		// PerControlPoint overrides InitialStd with one [x, y, z] triple per
		// control point
		PerControlPoint [][3]float64 `yaml:"perControlPoint,omitempty"`

		MinStd float64 `yaml:"minStd" validate:"gt=0"`
		MaxStd float64 `yaml:"maxStd" validate:"gtefield=MinStd"`

		// TargetAcceptLow and TargetAcceptHigh bound the acceptance band in
		// which an SD is left unchanged
		TargetAcceptLow  float64 `yaml:"targetAcceptLow" validate:"gte=0,lte=1"`
		TargetAcceptHigh float64 `yaml:"targetAcceptHigh" validate:"gtefield=TargetAcceptLow,lte=1"`

		// AdaptFactor scales an SD up or down outside the band
		AdaptFactor float64 `yaml:"adaptFactor" validate:"gt=1"`
	} `yaml:"proposal"`

	Spline struct {
		// DerivativeMode is "analytic" or "numerical"
		DerivativeMode string `yaml:"derivativeMode" validate:"omitempty,oneof=analytic numerical"`
	} `yaml:"spline"`

	DataFit struct {
		// OffPathSamples is the number of mask voxels sampled for the
		// off-path likelihood estimate
		OffPathSamples int `yaml:"offPathSamples" validate:"gte=0"`
	} `yaml:"dataFit"`

	Pathways []PathwayConfig `yaml:"pathways" validate:"required,min=1,dive"`
	Sessions []SessionConfig `yaml:"sessions" validate:"dive"`

	// Output parameters
	Output struct {
		// Directory receives one subdirectory per pathway
		Directory string `yaml:"directory" validate:"required"`

		// QuickLook saves maximum intensity projections of the probability map
		QuickLook bool `yaml:"quickLook"`

		// TracePlot saves a PNG of the log-posterior and acceptance rate
		TracePlot bool `yaml:"tracePlot"`

		// Metrics dumps the chain counters in the Prometheus text format
		Metrics bool `yaml:"metrics"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// PathwayConfig describes one tract. The initial control points come either
// from ControlPoints or from a seed streamline fitted with NumControlPoints
// control points.
type PathwayConfig struct {
	Name             string `yaml:"name" validate:"required"`
	ControlPoints    string `yaml:"controlPoints,omitempty"`
	SeedCurve        string `yaml:"seedCurve,omitempty"`
	NumControlPoints int    `yaml:"numControlPoints,omitempty" validate:"omitempty,min=4"`

	// Mask is the base-space volume the spline must stay inside
	Mask string `yaml:"mask" validate:"required"`

	// StartROI and EndROI constrain the end control points
	StartROI string `yaml:"startRoi,omitempty"`
	EndROI   string `yaml:"endRoi,omitempty"`

	Priors PriorsConfig `yaml:"priors,omitempty"`
}

// PriorsConfig lists the prior files of a pathway. Every prior is optional.
type PriorsConfig struct {
	SpatialOn  string `yaml:"spatialOn,omitempty"`
	SpatialOff string `yaml:"spatialOff,omitempty" validate:"required_with=SpatialOn"`
	Labels     string `yaml:"labels,omitempty"`
	LabelTable string `yaml:"labelTable,omitempty" validate:"required_with=Labels"`
	Shape      string `yaml:"shape,omitempty"`
}

// SessionConfig describes one imaging session in its native space.
type SessionConfig struct {
	Mask   string        `yaml:"mask" validate:"required"`
	Sticks []StickConfig `yaml:"sticks" validate:"required,min=1,dive"`

	// Affine is a 4x4 base-to-native matrix file. Displacement lists the x,
	// y and z displacement volumes of a non-linear registration. With
	// neither the session is in base space.
	Affine       string   `yaml:"affine,omitempty"`
	Displacement []string `yaml:"displacement,omitempty" validate:"omitempty,len=3,dive,required"`
}

// StickConfig names the volumes of one stick compartment.
type StickConfig struct {
	Fraction string `yaml:"fraction" validate:"required"`
	Phi      string `yaml:"phi" validate:"required"`
	Theta    string `yaml:"theta" validate:"required"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Chain schedule
	cfg.MCMC.NumBurnIn = 5000
	cfg.MCMC.NumSample = 5000
	cfg.MCMC.KeepSampleNth = 5
	cfg.MCMC.UpdatePropNth = 40
	cfg.MCMC.ProposalMode = "single"
	cfg.MCMC.Seed = 1
	cfg.MCMC.InitRetries = coffin.DefaultInitRetries
	cfg.MCMC.RejectFZero = true
	cfg.MCMC.NumCores = runtime.NumCPU() // Use all available cores by default

	// Proposal adaptation
	cfg.Proposal.InitialStd = coffin.DefaultStd
	cfg.Proposal.MinStd = coffin.DefaultMinStd
	cfg.Proposal.MaxStd = coffin.DefaultMaxStd
	cfg.Proposal.TargetAcceptLow = coffin.DefaultTargetAcceptLow
	cfg.Proposal.TargetAcceptHigh = coffin.DefaultTargetAcceptHigh
	cfg.Proposal.AdaptFactor = coffin.DefaultAdaptFactor

	cfg.Spline.DerivativeMode = "numerical"
	cfg.DataFit.OffPathSamples = timepoint.DefaultOffPathSamples

	cfg.Output.Directory = "tractmcmc_out"
	cfg.Output.TracePlot = true
	cfg.Output.Verbose = false

	return cfg
}

// exampleConfig is DefaultConfig plus one pathway and one session, so that a
// freshly created file shows every section.
func exampleConfig() *Config {
	cfg := DefaultConfig()
	cfg.Pathways = []PathwayConfig{{
		Name:          "lh.cst",
		ControlPoints: "lh.cst/cpts.txt",
		Mask:          "lh.cst/mask.nii.gz",
		StartROI:      "lh.cst/roi1.nii.gz",
		EndROI:        "lh.cst/roi2.nii.gz",
		Priors: PriorsConfig{
			SpatialOn:  "lh.cst/prior_on.nii.gz",
			SpatialOff: "lh.cst/prior_off.nii.gz",
		},
	}}
	cfg.Sessions = []SessionConfig{{
		Mask: "dmri/mask.nii.gz",
		Sticks: []StickConfig{
			{Fraction: "dmri/f1.nii.gz", Phi: "dmri/ph1.nii.gz", Theta: "dmri/th1.nii.gz"},
			{Fraction: "dmri/f2.nii.gz", Phi: "dmri/ph2.nii.gz", Theta: "dmri/th2.nii.gz"},
		},
		Affine: "dmri/base2diff.txt",
	}}
	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	// Input paths are relative to the config file
	cfg.resolvePaths(filepath.Dir(configPath))

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(exampleConfig(), configPath)
}

// resolvePaths makes every relative input and output path relative to base.
func (c *Config) resolvePaths(base string) {
	join := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	join(&c.Output.Directory)
	for i := range c.Pathways {
		pw := &c.Pathways[i]
		for _, p := range []*string{&pw.ControlPoints, &pw.SeedCurve, &pw.Mask, &pw.StartROI, &pw.EndROI,
			&pw.Priors.SpatialOn, &pw.Priors.SpatialOff, &pw.Priors.Labels, &pw.Priors.LabelTable, &pw.Priors.Shape} {
			join(p)
		}
	}
	for i := range c.Sessions {
		s := &c.Sessions[i]
		join(&s.Mask)
		join(&s.Affine)
		for k := range s.Displacement {
			join(&s.Displacement[k])
		}
		for k := range s.Sticks {
			st := &s.Sticks[k]
			join(&st.Fraction)
			join(&st.Phi)
			join(&st.Theta)
		}
	}
}

// Validate checks field ranges and the rules that span several fields.
// Every failure wraps coffin.ErrConfiguration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
			}
			return fmt.Errorf("%w: %s", coffin.ErrConfiguration, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", coffin.ErrConfiguration, err)
	}

	if err := c.checkInitialStd(); err != nil {
		return err
	}

	if len(c.Sessions) == 0 && !c.MCMC.PriorOnly {
		return fmt.Errorf("%w: at least one session is required unless priorOnly is set", coffin.ErrConfiguration)
	}

	names := make(map[string]bool, len(c.Pathways))
	for _, pw := range c.Pathways {
		if names[pw.Name] {
			return fmt.Errorf("%w: duplicate pathway name %q", coffin.ErrConfiguration, pw.Name)
		}
		names[pw.Name] = true

		if (pw.ControlPoints == "") == (pw.SeedCurve == "") {
			return fmt.Errorf("%w: pathway %s needs exactly one of controlPoints and seedCurve",
				coffin.ErrConfiguration, pw.Name)
		}
		if pw.SeedCurve != "" && pw.NumControlPoints == 0 {
			return fmt.Errorf("%w: pathway %s needs numControlPoints to fit its seed curve",
				coffin.ErrConfiguration, pw.Name)
		}
		if pw.Priors.SpatialOff != "" && pw.Priors.SpatialOn == "" {
			return fmt.Errorf("%w: pathway %s has an off-path prior without an on-path prior",
				coffin.ErrConfiguration, pw.Name)
		}
		if pw.Priors.LabelTable != "" && pw.Priors.Labels == "" {
			return fmt.Errorf("%w: pathway %s has a label table without a label volume",
				coffin.ErrConfiguration, pw.Name)
		}
	}

	for i, s := range c.Sessions {
		if s.Affine != "" && len(s.Displacement) > 0 {
			return fmt.Errorf("%w: session %d sets both affine and displacement", coffin.ErrConfiguration, i)
		}
	}
	return nil
}

// checkInitialStd requires every starting SD to lie inside the adaptation clamp.
func (c *Config) checkInitialStd() error {
	lo, hi := c.Proposal.MinStd, c.Proposal.MaxStd
	if s := c.Proposal.InitialStd; s < lo || s > hi {
		return fmt.Errorf("%w: initialStd %g is outside [%g, %g]", coffin.ErrConfiguration, s, lo, hi)
	}
	for i, s := range c.Proposal.PerControlPoint {
		for _, v := range s {
			if v < lo || v > hi {
				return fmt.Errorf("%w: perControlPoint[%d] %v is outside [%g, %g]", coffin.ErrConfiguration, i, s, lo, hi)
			}
		}
	}
	return nil
}

// ToParams converts the chain settings for a pathway with n control points.
// The chain of pathway k is seeded with Seed+k.
func (c *Config) ToParams(k, n int) (coffin.Params, error) {
	mode, err := coffin.ParseProposalMode(c.MCMC.ProposalMode)
	if err != nil {
		return coffin.Params{}, fmt.Errorf("%w: %v", coffin.ErrConfiguration, err)
	}
	deriv, err := spline.ParseDerivativeMode(c.Spline.DerivativeMode)
	if err != nil {
		return coffin.Params{}, fmt.Errorf("%w: %v", coffin.ErrConfiguration, err)
	}

	p := coffin.DefaultParams(n)
	p.NumBurnIn = c.MCMC.NumBurnIn
	p.NumSample = c.MCMC.NumSample
	p.KeepSampleNth = c.MCMC.KeepSampleNth
	p.UpdatePropNth = c.MCMC.UpdatePropNth
	p.Mode = mode
	p.Seed = c.MCMC.Seed + uint64(k)
	p.InitRetries = c.MCMC.InitRetries
	p.UsePriorOnly = c.MCMC.PriorOnly
	p.RejectFZero = c.MCMC.RejectFZero
	p.DerivativeMode = deriv
	p.OffPathSamples = c.DataFit.OffPathSamples

	p.MinStd = c.Proposal.MinStd
	p.MaxStd = c.Proposal.MaxStd
	p.TargetAcceptLow = c.Proposal.TargetAcceptLow
	p.TargetAcceptHigh = c.Proposal.TargetAcceptHigh
	p.AdaptFactor = c.Proposal.AdaptFactor

	if per := c.Proposal.PerControlPoint; len(per) > 0 {
		if len(per) != n {
			return coffin.Params{}, fmt.Errorf("%w: perControlPoint has %d entries for %d control points",
				coffin.ErrConfiguration, len(per), n)
		}
		for i, s := range per {
			p.InitialStd[i] = r3.Vec{X: s[0], Y: s[1], Z: s[2]}
		}
	} else {
		for i := range p.InitialStd {
			s := c.Proposal.InitialStd
			p.InitialStd[i] = r3.Vec{X: s, Y: s, Z: s}
		}
	}

	if err := p.Validate(n); err != nil {
		return coffin.Params{}, err
	}
	return p, nil
}
