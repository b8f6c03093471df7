package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"tractmcmc/pkg/coffin"
	"tractmcmc/pkg/spline"
)

func validConfig() *Config {
	cfg := exampleConfig()
	cfg.Output.Directory = "out"
	return cfg
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestCreateDefaultConfigFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "tract.yaml")
	require.NoError(t, CreateDefaultConfigFile(path))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	base := filepath.Dir(path)
	require.Len(t, cfg.Pathways, 1)
	assert.Equal(t, filepath.Join(base, "lh.cst/mask.nii.gz"), cfg.Pathways[0].Mask)
	assert.Equal(t, filepath.Join(base, "lh.cst/prior_off.nii.gz"), cfg.Pathways[0].Priors.SpatialOff)
	assert.Equal(t, filepath.Join(base, "dmri/th2.nii.gz"), cfg.Sessions[0].Sticks[1].Theta)
	assert.Equal(t, filepath.Join(base, "tractmcmc_out"), cfg.Output.Directory)
	assert.Equal(t, 5000, cfg.MCMC.NumBurnIn)
}

func TestLoadOverridesAndKeepsAbsolutePaths(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tract.yaml")
	yaml := `
mcmc:
  numBurnIn: 10
  proposalMode: full
pathways:
  - name: fmajor
    controlPoints: /abs/cpts.txt
    mask: mask.nii.gz
sessions:
  - mask: /abs/dmri_mask.nii.gz
    sticks:
      - {fraction: f1.nii.gz, phi: ph1.nii.gz, theta: th1.nii.gz}
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.MCMC.NumBurnIn)
	assert.Equal(t, 5000, cfg.MCMC.NumSample, "unset fields keep their default")
	assert.Equal(t, "/abs/cpts.txt", cfg.Pathways[0].ControlPoints)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "mask.nii.gz"), cfg.Pathways[0].Mask)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mcmc: [unterminated"), 0644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"no pathways", func(c *Config) { c.Pathways = nil }},
		{"no sessions", func(c *Config) { c.Sessions = nil }},
		{"negative burn-in", func(c *Config) { c.MCMC.NumBurnIn = -1 }},
		{"keep zero", func(c *Config) { c.MCMC.KeepSampleNth = 0 }},
		{"unknown mode", func(c *Config) { c.MCMC.ProposalMode = "blocked" }},
		{"unknown derivative", func(c *Config) { c.Spline.DerivativeMode = "spectral" }},
		{"clamp inverted", func(c *Config) { c.Proposal.MaxStd = c.Proposal.MinStd / 2 }},
		{"band inverted", func(c *Config) { c.Proposal.TargetAcceptHigh = 0.1 }},
		{"factor too small", func(c *Config) { c.Proposal.AdaptFactor = 1 }},
		{"initial SD above clamp", func(c *Config) { c.Proposal.InitialStd = c.Proposal.MaxStd * 2 }},
		{"per-point SD below clamp", func(c *Config) {
			c.Proposal.PerControlPoint = [][3]float64{{1, 1, 1}, {1, c.Proposal.MinStd / 2, 1}}
		}},
		{"no cores", func(c *Config) { c.MCMC.NumCores = 0 }},
		{"both initializations", func(c *Config) { c.Pathways[0].SeedCurve = "seed.txt" }},
		{"neither initialization", func(c *Config) { c.Pathways[0].ControlPoints = "" }},
		{"seed without count", func(c *Config) {
			c.Pathways[0].ControlPoints = ""
			c.Pathways[0].SeedCurve = "seed.txt"
		}},
		{"too few control points", func(c *Config) {
			c.Pathways[0].ControlPoints = ""
			c.Pathways[0].SeedCurve = "seed.txt"
			c.Pathways[0].NumControlPoints = 3
		}},
		{"duplicate names", func(c *Config) { c.Pathways = append(c.Pathways, c.Pathways[0]) }},
		{"half a spatial prior", func(c *Config) { c.Pathways[0].Priors.SpatialOff = "" }},
		{"label table alone", func(c *Config) { c.Pathways[0].Priors.LabelTable = "table.yaml" }},
		{"stickless session", func(c *Config) { c.Sessions[0].Sticks = nil }},
		{"two registrations", func(c *Config) {
			c.Sessions[0].Displacement = []string{"dx", "dy", "dz"}
		}},
		{"short displacement", func(c *Config) {
			c.Sessions[0].Affine = ""
			c.Sessions[0].Displacement = []string{"dx", "dy"}
		}},
	}

	require.NoError(t, validConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)
			assert.ErrorIs(t, cfg.Validate(), coffin.ErrConfiguration)
		})
	}
}

func TestPriorOnlyNeedsNoSessions(t *testing.T) {
	cfg := validConfig()
	cfg.Sessions = nil
	cfg.MCMC.PriorOnly = true
	assert.NoError(t, cfg.Validate())
}

func TestToParams(t *testing.T) {
	cfg := validConfig()
	cfg.MCMC.Seed = 7
	cfg.MCMC.ProposalMode = "full"
	cfg.Spline.DerivativeMode = "analytic"
	cfg.Proposal.InitialStd = 2

	p, err := cfg.ToParams(3, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), p.Seed)
	assert.Equal(t, coffin.ProposalFull, p.Mode)
	assert.Equal(t, spline.Analytic, p.DerivativeMode)
	require.Len(t, p.InitialStd, 5)
	assert.Equal(t, r3.Vec{X: 2, Y: 2, Z: 2}, p.InitialStd[4])
	assert.Equal(t, cfg.DataFit.OffPathSamples, p.OffPathSamples)

	cfg.Proposal.PerControlPoint = [][3]float64{{1, 2, 3}, {1, 1, 1}, {1, 1, 1}, {1, 1, 1}}
	p, err = cfg.ToParams(0, 4)
	require.NoError(t, err)
	assert.Equal(t, r3.Vec{X: 1, Y: 2, Z: 3}, p.InitialStd[0])

	_, err = cfg.ToParams(0, 5)
	assert.ErrorIs(t, err, coffin.ErrConfiguration, "per-point SDs must match the control points")

	_, err = cfg.ToParams(0, 3)
	assert.ErrorIs(t, err, coffin.ErrConfiguration)

	cfg.Proposal.PerControlPoint = nil
	cfg.Proposal.InitialStd = cfg.Proposal.MaxStd + 1
	_, err = cfg.ToParams(0, 4)
	assert.ErrorIs(t, err, coffin.ErrConfiguration, "initial SD outside the clamp")
}
