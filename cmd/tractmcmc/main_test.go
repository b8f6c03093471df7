package main

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tractmcmc/internal/models"
	"tractmcmc/pkg/coffin"
	"tractmcmc/pkg/config"
	"tractmcmc/pkg/volumeio"
)

const fixtureSize = 16

func writeVolume(t *testing.T, path string, value float64) {
	t.Helper()
	vol := models.NewVolume(fixtureSize, fixtureSize, fixtureSize)
	vol.Fill(value)
	require.NoError(t, volumeio.Write(path, vol, volumeio.DTFloat32))
}

// writeFixture lays out a single-session, single-pathway study whose fibers
// run along x, and returns the config path.
func writeFixture(t *testing.T, seedCurve bool) string {
	t.Helper()
	dir := t.TempDir()
	writeVolume(t, filepath.Join(dir, "mask.nii.gz"), 1)
	writeVolume(t, filepath.Join(dir, "f1.nii.gz"), 0.8)
	writeVolume(t, filepath.Join(dir, "ph1.nii.gz"), 0)
	writeVolume(t, filepath.Join(dir, "th1.nii.gz"), math.Pi/2)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base2diff.txt"),
		[]byte("1 0 0 0\n0 1 0 0\n0 0 1 0\n0 0 0 1\n"), 0644))

	cfg := config.DefaultConfig()
	cfg.MCMC.NumBurnIn = 40
	cfg.MCMC.NumSample = 40
	cfg.MCMC.KeepSampleNth = 1
	cfg.MCMC.UpdatePropNth = 10
	cfg.MCMC.NumCores = 2
	cfg.DataFit.OffPathSamples = 200
	cfg.Output.Directory = "out"
	cfg.Output.Metrics = true

	pw := config.PathwayConfig{Name: "line", Mask: "mask.nii.gz"}
	if seedCurve {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "seed.txt"),
			[]byte("2 8 8\n4 8 8\n6 8 8\n8 8 8\n10 8 8\n12 8 8\n14 8 8\n"), 0644))
		pw.SeedCurve = "seed.txt"
		pw.NumControlPoints = 4
	} else {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "cpts.txt"),
			[]byte("2 8 8\n6 8 8\n10 8 8\n14 8 8\n"), 0644))
		pw.ControlPoints = "cpts.txt"
	}
	cfg.Pathways = []config.PathwayConfig{pw}
	cfg.Sessions = []config.SessionConfig{{
		Mask:   "mask.nii.gz",
		Sticks: []config.StickConfig{{Fraction: "f1.nii.gz", Phi: "ph1.nii.gz", Theta: "th1.nii.gz"}},
		Affine: "base2diff.txt",
	}}

	path := filepath.Join(dir, "tract.yaml")
	require.NoError(t, config.SaveConfig(cfg, path))
	return path
}

func TestRunCommandWritesOutputs(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping chain run in short mode")
	}
	path := writeFixture(t, false)

	rootCmd.SetArgs([]string{"run", "--config", path})
	require.NoError(t, rootCmd.Execute())

	out := filepath.Join(filepath.Dir(path), "out", "line")
	for _, name := range []string{coffin.FileProbability, coffin.FileMapCpts, coffin.FileMapPath,
		coffin.FileMapVolume, coffin.FileLog, coffin.FileRun, coffin.FileTrace, coffin.FileMetrics} {
		_, err := os.Stat(filepath.Join(out, name))
		assert.NoError(t, err, name)
	}

	cpts, err := coffin.ReadMapControlPoints(out)
	require.NoError(t, err)
	assert.Len(t, cpts, 4)
}

func TestBuildJobsFromSeedCurve(t *testing.T) {
	path := writeFixture(t, true)
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	logger := newLogger(false)
	jobs, err := buildJobs(cfg, logger)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	cpts := jobs[0].Pathway.ControlPoints
	require.Len(t, cpts, 4)
	assert.Equal(t, models.Point3{X: 2, Y: 8, Z: 8}, cpts[0])
	assert.Equal(t, models.Point3{X: 14, Y: 8, Z: 8}, cpts[3])
	assert.Equal(t, cfg.MCMC.Seed, jobs[0].Params.Seed)

	sessions, err := loadSessions(cfg, logger)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.NotNil(t, sessions[0].Registration)
}

func TestLoadSessionsSkippedForPriorOnly(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MCMC.PriorOnly = true
	cfg.Sessions = []config.SessionConfig{{Mask: "does-not-exist.nii"}}
	sessions, err := loadSessions(cfg, newLogger(false))
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestInitConfigCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "example.yaml")
	rootCmd.SetArgs([]string{"init-config", path})
	require.NoError(t, rootCmd.Execute())

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
}

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	bar := newProgressBar(2)
	bar.out = &buf

	bar.Update(50, 100, "a")
	assert.Contains(t, buf.String(), "25.0%", "the silent chain counts as not started")

	bar.Update(100, 100, "b")
	assert.Contains(t, buf.String(), "75.0%")
	assert.True(t, strings.HasSuffix(buf.String(), "| b]"))

	bar.Done()
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
}
