package coffin

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"tractmcmc/internal/models"
	"tractmcmc/pkg/diffusion"
	"tractmcmc/pkg/priors"
	"tractmcmc/pkg/spline"
	"tractmcmc/pkg/timepoint"
)

type constModel struct {
	on, off float64
}

func (m constModel) LogLikelihoodOnPath(models.Point3, r3.Vec) float64 { return m.on }
func (m constModel) LogLikelihoodOffPath(models.Point3) float64        { return m.off }
func (m constModel) IsFZero(models.Point3) bool                        { return false }

// countingUniform records how often the Metropolis threshold is drawn
type countingUniform struct {
	calls int
	value float64
}

func (u *countingUniform) Rand() float64 {
	u.calls++
	return u.value
}

func fullMask(size int) *models.Volume {
	m := models.NewVolume(size, size, size)
	m.Fill(1)
	return m
}

func lineCpts() []models.Point3 {
	return []models.Point3{
		{X: 2, Y: 8, Z: 8}, {X: 6, Y: 8, Z: 8}, {X: 10, Y: 8, Z: 8}, {X: 14, Y: 8, Z: 8},
	}
}

func testParams(n int) Params {
	p := DefaultParams(n)
	p.NumBurnIn = 0
	p.NumSample = 0
	p.KeepSampleNth = 1
	p.UpdatePropNth = 10
	p.MaxStd = 4
	p.Seed = 42
	return p
}

func linePathway(mask *models.Volume) Pathway {
	return Pathway{Name: "test", ControlPoints: lineCpts(), Mask: mask}
}

func uniformSessions(mask *models.Volume) []Session {
	return []Session{{Model: diffusion.Uniform{}, Mask: mask}}
}

func newChain(t *testing.T, p Params, pw Pathway, sessions []Session, prs priors.Set) *Coffin {
	t.Helper()
	c, err := New(p, pw, sessions, prs, nil)
	require.NoError(t, err)
	return c
}

func TestNewValidation(t *testing.T) {
	mask := fullMask(20)

	short := linePathway(mask)
	short.ControlPoints = short.ControlPoints[:3]
	_, err := New(testParams(3), short, uniformSessions(mask), nil, nil)
	assert.ErrorIs(t, err, ErrConfiguration)

	p := testParams(4)
	p.InitialStd = p.InitialStd[:2]
	_, err = New(p, linePathway(mask), uniformSessions(mask), nil, nil)
	assert.ErrorIs(t, err, ErrConfiguration, "SD size mismatch")

	_, err = New(testParams(4), linePathway(mask), nil, nil, nil)
	assert.ErrorIs(t, err, ErrConfiguration, "no sessions without prior-only")

	roi := models.NewVolumeLike(mask)
	pw := linePathway(models.NewVolume(20, 20, 20))
	pw.Mask.Set(5, 5, 5, 1)
	roi.Set(1, 1, 1, 1)
	pw.EndROIs[0] = roi
	_, err = New(testParams(4), pw, uniformSessions(mask), nil, nil)
	assert.ErrorIs(t, err, ErrConfiguration, "ROI unreachable from the mask")

	p = testParams(4)
	p.MinStd = 0
	_, err = New(p, linePathway(mask), uniformSessions(mask), nil, nil)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestInitializeOutsideROI(t *testing.T) {
	mask := fullMask(20)
	roi := models.NewVolumeLike(mask)
	roi.Set(14, 8, 8, 1)
	pw := linePathway(mask)
	pw.EndROIs[0] = roi

	c := newChain(t, testParams(4), pw, uniformSessions(mask), nil)
	assert.ErrorIs(t, c.InitializeMcmc(), ErrConfiguration)
}

func TestAcceptWithoutRandomnessWhenNotWorse(t *testing.T) {
	mask := fullMask(20)
	c := newChain(t, testParams(4), linePathway(mask), uniformSessions(mask), nil)
	u := &countingUniform{value: 0.999}
	c.SetUniformSource(u)
	require.NoError(t, c.InitializeMcmc())

	accepted := 0
	for i := 0; i < 100; i++ {
		ok, err := c.Step()
		require.NoError(t, err)
		if ok {
			accepted++
		}
	}
	// the uniform model scores every path the same
	assert.Greater(t, accepted, 0)
	assert.Zero(t, u.calls)
}

func TestMetropolisConsultedWhenWorse(t *testing.T) {
	mask := fullMask(20)
	on := models.NewVolumeLike(mask)
	on.Fill(-1)
	off := models.NewVolumeLike(mask)
	prs := priors.Set{priors.NewSpatialPrior(on, off)}

	p := testParams(4)
	p.UsePriorOnly = true
	c := newChain(t, p, linePathway(mask), nil, prs)
	// log(1) = 0 never lets a worse state through
	u := &countingUniform{value: 1}
	c.SetUniformSource(u)
	require.NoError(t, c.InitializeMcmc())

	start := c.LogPosterior()
	for i := 0; i < 200; i++ {
		_, err := c.Step()
		require.NoError(t, err)
	}
	assert.Greater(t, u.calls, 0)
	assert.GreaterOrEqual(t, c.LogPosterior(), start)
}

func TestProposalStdStaysClamped(t *testing.T) {
	mask := fullMask(20)
	p := testParams(4)
	p.MinStd, p.MaxStd = 0.5, 2
	c := newChain(t, p, linePathway(mask), uniformSessions(mask), nil)

	for i := 0; i < 50; i++ {
		c.accWindow[1] = 10
		c.rejWindow[2] = 10
		c.UpdateProposalStd()
	}
	assert.Equal(t, r3.Vec{X: 2, Y: 2, Z: 2}, c.Std()[1])
	assert.Equal(t, r3.Vec{X: 0.5, Y: 0.5, Z: 0.5}, c.Std()[2])
	assert.Equal(t, p.InitialStd[0], c.Std()[0], "unproposed control point keeps its SD")
	assert.Zero(t, c.accWindow[1])

	// and over a real chain
	p.NumBurnIn, p.NumSample = 300, 100
	chain := newChain(t, p, linePathway(mask), uniformSessions(mask), nil)
	res, err := chain.Run(context.Background())
	require.NoError(t, err)
	for i, s := range res.ControlPoints {
		for _, v := range []float64{s.Std.X, s.Std.Y, s.Std.Z} {
			assert.True(t, v >= p.MinStd && v <= p.MaxStd, "cpt %d std %v", i, s.Std)
		}
	}
}

func TestInitialStdOutsideClampRejected(t *testing.T) {
	mask := fullMask(20)
	p := testParams(4)
	p.MinStd, p.MaxStd = 0.5, 2
	for i := range p.InitialStd {
		p.InitialStd[i] = r3.Vec{X: 10, Y: 10, Z: 10}
	}
	_, err := New(p, linePathway(mask), uniformSessions(mask), nil, nil)
	assert.ErrorIs(t, err, ErrConfiguration)

	p = testParams(4)
	p.MinStd, p.MaxStd = 0.5, 2
	p.InitialStd[3] = r3.Vec{X: 1, Y: 0.2, Z: 1}
	_, err = New(p, linePathway(mask), uniformSessions(mask), nil, nil)
	assert.ErrorIs(t, err, ErrConfiguration, "one axis below the clamp")

	// in-range SDs stay in range whether or not their point is proposed
	p = testParams(4)
	p.MinStd, p.MaxStd = 0.5, 2
	p.InitialStd[0] = r3.Vec{X: 2, Y: 2, Z: 2}
	c := newChain(t, p, linePathway(mask), uniformSessions(mask), nil)
	for i := 0; i < 20; i++ {
		c.accWindow[1] = 10
		c.UpdateProposalStd()
	}
	for i, s := range c.Std() {
		for _, v := range []float64{s.X, s.Y, s.Z} {
			assert.True(t, v >= p.MinStd && v <= p.MaxStd, "cpt %d std %v", i, s)
		}
	}
}

func TestAdaptationStopsAfterBurnIn(t *testing.T) {
	mask := fullMask(20)
	p := testParams(4)
	p.NumBurnIn, p.NumSample = 0, 200
	c := newChain(t, p, linePathway(mask), uniformSessions(mask), nil)
	res, err := c.Run(context.Background())
	require.NoError(t, err)

	// uniform data accepts nearly every jump, which would widen the SDs
	for i, s := range res.ControlPoints {
		assert.Equal(t, p.InitialStd[i], s.Std, "cpt %d", i)
	}
}

func TestMappingFailureTalliesEverySession(t *testing.T) {
	mask := fullMask(20)
	sessions := append(uniformSessions(mask), uniformSessions(mask)...)
	sessions = append(sessions, uniformSessions(mask)...)
	c := newChain(t, testParams(4), linePathway(mask), sessions, nil)

	results := []sessionResult{
		{mapped: true, decision: timepoint.Decision{Accept: true}},
		{mapped: false},
		{mapped: true, decision: timepoint.Decision{Accept: false}},
	}
	ok, reason := c.reduceSessions(results)
	assert.False(t, ok)
	assert.Equal(t, reasonMapping, reason)
	assert.Equal(t, []int{1, 0, 0}, c.sessionAccept)
	assert.Equal(t, []int{0, 0, 1}, c.sessionReject)
}

func TestMaskViolationLeavesStateUnchanged(t *testing.T) {
	mask := fullMask(20)
	mask.Set(10, 12, 8, 0)

	// the spline itself refuses the configuration
	moved := lineCpts()
	moved[2] = models.Point3{X: 10, Y: 12, Z: 8}
	s, err := spline.NewWithPoints(moved, mask)
	require.NoError(t, err)
	assert.False(t, s.Interpolate())

	c := newChain(t, testParams(4), linePathway(mask), uniformSessions(mask), nil)
	require.NoError(t, c.InitializeMcmc())
	cpts, path, post := c.ControlPoints(), c.Path(), c.LogPosterior()

	c.beginProposal()
	c.perturbed[2] = true
	c.proposed[2] = moved[2]
	assert.False(t, c.checkProposal())

	assert.Equal(t, cpts, c.ControlPoints())
	assert.Equal(t, path, c.Path())
	assert.Equal(t, post, c.LogPosterior())
	assert.Equal(t, 1, c.rejections[reasonMask])
	assert.Equal(t, 1, c.rejTotal[2])
	assert.Zero(t, c.rejTotal[1])

	// a degenerate proposal is rejected the same way
	c.beginProposal()
	c.perturbed[2] = true
	c.proposed[2] = c.proposed[1]
	assert.False(t, c.checkProposal())
	assert.Equal(t, cpts, c.ControlPoints())
	assert.Equal(t, 1, c.rejections[reasonInterpolate])
}

func TestSingleIterationPriorOnly(t *testing.T) {
	mask := fullMask(20)
	p := testParams(4)
	p.NumBurnIn, p.NumSample = 0, 1
	p.UsePriorOnly = true

	c := newChain(t, p, linePathway(mask), nil, nil)
	res, err := c.Run(context.Background())
	require.NoError(t, err)

	decisions := 0
	for _, s := range res.ControlPoints {
		decisions += s.Accepted + s.Rejected
	}
	assert.Equal(t, 1, decisions)
	assert.LessOrEqual(t, res.NumSamples, 1)
	assert.Len(t, res.Trace, 1)
	assert.Equal(t, PhaseSample, res.Trace[0].Phase)
}

func TestZigZag(t *testing.T) {
	cpts := lineCpts()
	assert.False(t, zigZag(cpts, 2))

	// fold the third point back past the second
	cpts[2] = models.Point3{X: 3, Y: 8, Z: 8}
	assert.True(t, zigZag(cpts, 2))
	assert.True(t, zigZag(cpts, 3), "reversal at a neighbour counts")
	assert.False(t, zigZag(lineCpts(), 0))
}

func TestInitializeRepairsOffendingControlPoint(t *testing.T) {
	base := fullMask(20)
	native := fullMask(20)
	native.Set(8, 8, 8, 0)

	p := testParams(4)
	p.InitialStd[1] = r3.Vec{X: 2, Y: 2, Z: 2}
	p.InitialStd[2] = r3.Vec{X: 2, Y: 2, Z: 2}
	p.InitRetries = 500
	c := newChain(t, p, linePathway(base), []Session{{Model: diffusion.Uniform{}, Mask: native}}, nil)
	require.NoError(t, c.InitializeMcmc())

	got := c.ControlPoints()
	assert.Equal(t, lineCpts()[0], got[0])
	assert.Equal(t, lineCpts()[3], got[3])
	assert.NotEqual(t, lineCpts(), got)
	assert.NotContains(t, c.Path(), models.Point3{X: 8, Y: 8, Z: 8})
}

func TestInitializeGivesUp(t *testing.T) {
	base := fullMask(20)
	native := models.NewVolume(20, 20, 20)
	for x := 0; x < 4; x++ {
		native.Set(x, 8, 8, 1)
	}
	p := testParams(4)
	p.InitRetries = 5
	c := newChain(t, p, linePathway(base), []Session{{Model: diffusion.Uniform{}, Mask: native}}, nil)
	assert.ErrorIs(t, c.InitializeMcmc(), ErrMappingFailure)
}

func TestNumericalFailureIsFatal(t *testing.T) {
	mask := fullMask(20)
	sessions := []Session{{Model: constModel{on: math.Inf(-1)}, Mask: mask}}
	c := newChain(t, testParams(4), linePathway(mask), sessions, nil)

	err := c.InitializeMcmc()
	assert.ErrorIs(t, err, ErrNumericalFailure)
	var numErr *NumericalError
	assert.True(t, errors.As(err, &numErr))
}

func TestRunWithDataAndOutputs(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping chain run in short mode")
	}
	mask := fullMask(20)
	frac := models.NewVolumeLike(mask)
	frac.Fill(0.6)
	phi := models.NewVolumeLike(mask)
	theta := models.NewVolumeLike(mask)
	theta.Fill(math.Pi / 2)
	model, err := diffusion.NewStickSamples([]diffusion.Stick{{Fraction: frac, Phi: phi, Theta: theta}})
	require.NoError(t, err)
	sessions := []Session{{Model: model, Mask: mask}, {Model: model, Mask: mask}}

	p := testParams(4)
	p.NumBurnIn, p.NumSample = 200, 400
	p.OffPathSamples = 500
	c := newChain(t, p, linePathway(mask), sessions, nil)
	res, err := c.Run(context.Background())
	require.NoError(t, err)

	require.Greater(t, res.NumSamples, 0)
	assert.Len(t, res.Trace, 600)
	assert.Len(t, res.Sessions, 2)
	for _, v := range res.Probability.Data {
		require.True(t, v >= 0 && v <= 1)
	}
	for _, pt := range res.MapPath {
		assert.Equal(t, 1.0, res.MapVolume.AtPoint(pt))
		assert.Greater(t, res.Probability.AtPoint(pt), 0.0)
	}
	assert.Equal(t, res.MapControlPoints[0], res.MapPath[0])

	dir := t.TempDir()
	require.NoError(t, WriteOutputs(dir, res, OutputOptions{TracePlot: true, Metrics: true, QuickLook: true}))
	for _, name := range []string{FileProbability, FileMapCpts, FileMapPath, FileMapVolume, FileLog, FileRun, FileTrace, FileMetrics} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
	cpts, err := ReadMapControlPoints(dir)
	require.NoError(t, err)
	assert.Equal(t, res.MapControlPoints, cpts)

	metrics, err := os.ReadFile(filepath.Join(dir, FileMetrics))
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "tractmcmc_proposals_total")
	assert.Contains(t, string(metrics), `reason="metropolis"`)
}

func TestWriteLog(t *testing.T) {
	mask := fullMask(20)
	p := testParams(4)
	p.NumSample = 20
	p.UsePriorOnly = true
	c := newChain(t, p, linePathway(mask), nil, nil)
	res, err := c.Run(context.Background())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteLog(&buf, res))
	out := buf.String()
	assert.Contains(t, out, "pathway test")
	assert.Contains(t, out, "MAP control points:")
	assert.Contains(t, out, "std.x")
	assert.Equal(t, 1, strings.Count(out, "rejections:"))
}

func TestRunPathways(t *testing.T) {
	mask := fullMask(20)
	p := testParams(4)
	p.NumBurnIn, p.NumSample = 20, 20
	p.UsePriorOnly = true

	second := linePathway(mask)
	second.Name = "second"
	second.ControlPoints = []models.Point3{
		{X: 8, Y: 2, Z: 8}, {X: 8, Y: 6, Z: 8}, {X: 8, Y: 10, Z: 8}, {X: 8, Y: 14, Z: 8},
	}
	jobs := []Job{
		{Params: p, Pathway: linePathway(mask)},
		{Params: p, Pathway: second},
	}
	results, err := RunPathways(context.Background(), jobs, nil, 2, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "test", results[0].Name)
	assert.Equal(t, "second", results[1].Name)
	assert.NotEqual(t, results[0].RunID, results[1].RunID)

	bad := jobs[1]
	bad.Pathway.ControlPoints = bad.Pathway.ControlPoints[:2]
	_, err = RunPathways(context.Background(), []Job{jobs[0], bad}, nil, 0, nil)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestRunCancelled(t *testing.T) {
	mask := fullMask(20)
	p := testParams(4)
	p.NumSample = 100
	p.UsePriorOnly = true
	c := newChain(t, p, linePathway(mask), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseProposalMode(t *testing.T) {
	m, err := ParseProposalMode("full")
	require.NoError(t, err)
	assert.Equal(t, ProposalFull, m)
	m, err = ParseProposalMode("")
	require.NoError(t, err)
	assert.Equal(t, ProposalSingle, m)
	_, err = ParseProposalMode("gibbs")
	assert.Error(t, err)
	assert.Equal(t, "burn-in", PhaseBurnIn.String())
}
