package projector

import (
	"context"
	"errors"
	"flag"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"

	"ctsim/internal/models"
	"ctsim/pkg/acquisition"
	"ctsim/pkg/phantom"
	"ctsim/pkg/simerr"
	"ctsim/pkg/spectrum"
	"ctsim/pkg/system"
	"ctsim/pkg/visualization"
)

var update = flag.Bool("update", false, "rewrite the reference projections in testdata")

// compareReference checks proj against the raw float32 reference at path.
// With -update the reference is rewritten from proj instead.
func compareReference(t *testing.T, proj *models.ProjectionData, path string) {
	t.Helper()
	if *update {
		require.NoError(t, visualization.WriteRaw(proj, path))
		t.Logf("recorded %s", path)
		return
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Skipf("reference %s not recorded, run with -update", path)
	}
	ref, err := visualization.ReadRaw(path, proj.Dimensions())
	require.NoError(t, err)
	want, got := ref.Values(), proj.Values()
	require.Len(t, got, len(want))
	for i := range want {
		if math.Abs(want[i]-got[i]) > 1e-5 {
			t.Fatalf("pixel %d = %g, reference %g", i, got[i], want[i])
		}
	}
}

func testSystem(mAs float64) *system.CTSystem {
	return system.New("flat panel",
		system.NewFlatPanelDetector(50, 50, 1, 1),
		system.NewTubularGantry(1200, 600),
		system.NewXrayTube(80, mAs))
}

func testSetup(t *testing.T, views int, mAs float64) *acquisition.Setup {
	t.Helper()
	setup := acquisition.NewSetup(testSystem(mAs), views)
	if views > 1 {
		require.NoError(t, setup.ApplyPreparationProtocol(acquisition.AxialScanTrajectory{}))
	}
	return setup
}

func configuredCaster(t *testing.T, setup *acquisition.Setup, cfg RayCasterConfig) *RayCaster {
	t.Helper()
	rc := NewRayCaster(cfg)
	require.NoError(t, rc.Configure(setup))
	return rc
}

func smallBall() *models.VoxelVolume {
	return phantom.Ball(20, 1, 0.02)
}

// nonLinearCaster forces extensions onto their generic code paths.
type nonLinearCaster struct {
	*RayCaster
}

func (nonLinearCaster) IsLinear() bool { return false }

func TestProjectUnconfigured(t *testing.T) {
	rc := NewRayCaster(DefaultRayCasterConfig())
	_, err := rc.Project(context.Background(), smallBall())
	assert.True(t, errors.Is(err, simerr.ErrConfiguration))

	_, err = NewPoissonNoise().Project(context.Background(), smallBall())
	assert.True(t, errors.Is(err, simerr.ErrConfiguration))
}

func TestProjectInvalidVolumes(t *testing.T) {
	rc := configuredCaster(t, testSetup(t, 1, 1), DefaultRayCasterConfig())
	ctx := context.Background()

	proj, err := rc.Project(ctx, &models.VoxelVolume{})
	assert.True(t, errors.Is(err, simerr.ErrDataShape))
	assert.True(t, proj.IsEmpty())

	zero := models.NewVoxelVolume(models.Dimensions{X: 4, Y: 4, Z: 4}, models.VoxelSize{})
	zero.Fill(1)
	_, err = rc.Project(ctx, zero)
	assert.True(t, errors.Is(err, simerr.ErrDataShape))

	_, err = rc.ProjectComposite(ctx, models.NewCompositeVolume())
	assert.True(t, errors.Is(err, simerr.ErrDataShape))
}

func TestNegativeVoxelSizeUsesMagnitude(t *testing.T) {
	rc := configuredCaster(t, testSetup(t, 1, 1), DefaultRayCasterConfig())
	ball := smallBall()
	flipped := ball.Clone()
	flipped.VoxelSize = models.VoxelSize{X: -1, Y: -1, Z: -1}

	want, err := rc.Project(context.Background(), ball)
	require.NoError(t, err)
	got, err := rc.Project(context.Background(), flipped)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Greater(t, want.Max(), 0.0)
}

func TestCentralRayThroughBall(t *testing.T) {
	rc := configuredCaster(t, testSetup(t, 1, 1), DefaultRayCasterConfig())
	proj, err := rc.Project(context.Background(), smallBall())
	require.NoError(t, err)

	dims := proj.Dimensions()
	assert.Equal(t, models.ProjectionDimensions{NbCols: 50, NbRows: 50, NbModules: 1, NbViews: 1}, dims)
	mod := proj.Views[0].Modules[0]
	// The ball has a 10 mm radius; the central pixels see almost the full chord.
	assert.InDelta(t, 0.4, mod.At(24, 24), 0.02)
	assert.Zero(t, mod.At(0, 0))
}

func TestSubRaysOnUniformSlab(t *testing.T) {
	setup := testSetup(t, 1, 1)
	slab := models.NewVoxelVolume(models.Dimensions{X: 200, Y: 40, Z: 200}, models.VoxelSize{X: 1, Y: 1, Z: 1})
	slab.Fill(0.01)

	cfg := DefaultRayCasterConfig()
	cfg.RaySampling = 0.1
	single, err := configuredCaster(t, setup, cfg).Project(context.Background(), slab)
	require.NoError(t, err)

	cfg.RaysPerPixel = [2]int{3, 3}
	multi, err := configuredCaster(t, setup, cfg).Project(context.Background(), slab)
	require.NoError(t, err)

	a, b := single.Values(), multi.Values()
	require.Len(t, b, len(a))
	for i := range a {
		require.InEpsilon(t, a[i], b[i], 1e-3, "pixel %d", i)
	}
	assert.InDelta(t, 0.4, single.Views[0].Modules[0].At(24, 24), 0.005)
}

func TestProgressInViewOrder(t *testing.T) {
	cfg := DefaultRayCasterConfig()
	cfg.Threads = 4
	rc := configuredCaster(t, testSetup(t, 8, 1), cfg)
	var seen []int
	rc.SetProgressFunc(func(view int) { seen = append(seen, view) })

	proj, err := rc.Project(context.Background(), phantom.Ball(8, 1, 0.02))
	require.NoError(t, err)
	assert.Equal(t, 8, proj.NbViews())
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, seen)
}

func TestProjectCancelled(t *testing.T) {
	rc := configuredCaster(t, testSetup(t, 4, 1), DefaultRayCasterConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	proj, err := rc.Project(ctx, smallBall())
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 4, proj.NbViews())
}

func TestPipeOrdering(t *testing.T) {
	_, err := Pipe(NewRayCaster(DefaultRayCasterConfig()), NewPoissonNoise(), NewArealFocalSpot(2, 2, false))
	assert.True(t, errors.Is(err, simerr.ErrConfiguration))

	chain, err := Pipe(NewRayCaster(DefaultRayCasterConfig()), NewArealFocalSpot(2, 2, false), NewPoissonNoise())
	require.NoError(t, err)
	assert.False(t, chain.IsLinear())
	assert.Contains(t, Describe(chain), "PoissonNoiseExtension")

	_, err = Pipe(chain, NewSpectralEffects(0))
	assert.True(t, errors.Is(err, simerr.ErrConfiguration))

	_, err = Pipe(nil)
	assert.Error(t, err)
}

func TestSingleSampleFocalSpotIsTransparent(t *testing.T) {
	setup := testSetup(t, 2, 1)
	rc := configuredCaster(t, setup, DefaultRayCasterConfig())
	want, err := rc.Project(context.Background(), smallBall())
	require.NoError(t, err)

	chain, err := Pipe(NewRayCaster(DefaultRayCasterConfig()), NewArealFocalSpot(1, 1, false))
	require.NoError(t, err)
	require.NoError(t, chain.Configure(setup))
	assert.True(t, chain.IsLinear())
	got, err := chain.Project(context.Background(), smallBall())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestPointFocalSpotSamplesAgree(t *testing.T) {
	setup := testSetup(t, 1, 1)
	want, err := configuredCaster(t, setup, DefaultRayCasterConfig()).Project(context.Background(), smallBall())
	require.NoError(t, err)

	ext := NewArealFocalSpot(2, 2, false)
	chain, err := Pipe(NewRayCaster(DefaultRayCasterConfig()), ext)
	require.NoError(t, err)
	require.NoError(t, chain.Configure(setup))
	assert.False(t, chain.IsLinear())
	got, err := chain.Project(context.Background(), smallBall())
	require.NoError(t, err)

	a, b := want.Values(), got.Values()
	for i := range a {
		require.InDelta(t, a[i], b[i], 1e-5)
	}
}

func TestExtendedFocalSpotBlursEdges(t *testing.T) {
	setup := testSetup(t, 1, 1)
	size := system.FocalSpotSize{Width: 4, Height: 4}
	setup.AddPrepareStepToAllViews(&acquisition.SourceParam{FocalSpotSize: &size})

	sharp, err := configuredCaster(t, setup, DefaultRayCasterConfig()).Project(context.Background(), smallBall())
	require.NoError(t, err)

	chain, err := Pipe(NewRayCaster(DefaultRayCasterConfig()), NewArealFocalSpot(3, 3, true))
	require.NoError(t, err)
	require.NoError(t, chain.Configure(setup))
	assert.True(t, chain.IsLinear())
	blurred, err := chain.Project(context.Background(), smallBall())
	require.NoError(t, err)

	assert.InDelta(t, sharp.Mean(), blurred.Mean(), 0.01*sharp.Mean())
	assert.NotEqual(t, sharp.Values(), blurred.Values())
}

func TestPhotonCountsInverseSquare(t *testing.T) {
	counts, err := PhotonCounts(testSetup(t, 1, 1))
	require.NoError(t, err)
	require.Len(t, counts, 1)
	want := 60 * 80.0 * 80 * math.Pow(1000.0/1200, 2)
	assert.InEpsilon(t, want, counts[0][0], 1e-9)

	_, err = PhotonCounts(acquisition.NewSetup(testSystem(1), 0))
	assert.True(t, errors.Is(err, simerr.ErrConfiguration))
}

func TestPoissonMeanEqualsVariance(t *testing.T) {
	// About 130 photons per pixel.
	setup := testSetup(t, 1, 0.0005)
	counts, err := PhotonCounts(setup)
	require.NoError(t, err)
	lambda := counts[0][0]

	chain, err := Pipe(NewRayCaster(DefaultRayCasterConfig()), NewSeededPoissonNoise(7))
	require.NoError(t, err)
	require.NoError(t, chain.Configure(setup))
	air := models.NewVoxelVolume(models.Dimensions{X: 4, Y: 4, Z: 4}, models.VoxelSize{X: 1, Y: 1, Z: 1})
	proj, err := chain.Project(context.Background(), air)
	require.NoError(t, err)

	values := proj.Values()
	detected := make([]float64, len(values))
	for i, ext := range values {
		detected[i] = math.Round(lambda * math.Exp(-ext))
	}
	mean, variance := stat.MeanVariance(detected, nil)
	assert.InEpsilon(t, lambda, mean, 0.02)
	assert.InEpsilon(t, lambda, variance, 0.15)
}

func TestPoissonSeedReproducible(t *testing.T) {
	setup := testSetup(t, 2, 0.01)
	run := func(seed uint64) *models.ProjectionData {
		chain, err := Pipe(NewRayCaster(DefaultRayCasterConfig()), NewSeededPoissonNoise(seed))
		require.NoError(t, err)
		require.NoError(t, chain.Configure(setup))
		proj, err := chain.Project(context.Background(), smallBall())
		require.NoError(t, err)
		return proj
	}
	assert.Equal(t, run(3), run(3))
	assert.NotEqual(t, run(3).Values(), run(4).Values())
}

func TestSpectralLinearAndGenericPathsAgree(t *testing.T) {
	setup := testSetup(t, 1, 1)
	water := models.NewCompositeVolume(models.SpectralVolume{
		Name:   "linear",
		Volume: phantom.Ball(20, 1, 1),
		Model:  spectrum.LinearAttenuation{Offset: 0.4, Slope: -0.003},
	})

	linear := NewSpectralEffects(4)
	fast, err := Pipe(NewRayCaster(DefaultRayCasterConfig()), linear)
	require.NoError(t, err)
	require.NoError(t, fast.Configure(setup))
	require.Len(t, linear.Bins(), 4)
	want, err := fast.ProjectComposite(context.Background(), water)
	require.NoError(t, err)

	slow, err := Pipe(nonLinearCaster{NewRayCaster(DefaultRayCasterConfig())}, NewSpectralEffects(4))
	require.NoError(t, err)
	require.NoError(t, slow.Configure(setup))
	got, err := slow.ProjectComposite(context.Background(), water)
	require.NoError(t, err)

	a, b := want.Values(), got.Values()
	require.Len(t, b, len(a))
	for i := range a {
		require.InDelta(t, a[i], b[i], 1e-4)
	}
	assert.Greater(t, want.Max(), 0.0)
	assert.False(t, fast.IsLinear())
}

func TestSpectralPathsAgreeWithPerViewVoltage(t *testing.T) {
	setup := testSetup(t, 2, 1)
	kv := 60.0
	require.NoError(t, setup.AddPrepareStep(1, &acquisition.XrayTubeParam{TubeVoltage: &kv}))
	require.True(t, setup.IsValid())
	ball := models.NewCompositeVolume(models.SpectralVolume{
		Name:   "linear",
		Volume: phantom.Ball(20, 1, 1),
		Model:  spectrum.LinearAttenuation{Offset: 0.4, Slope: -0.003},
	})

	project := func(base Projector) *models.ProjectionData {
		chain, err := Pipe(base, NewSpectralEffects(4))
		require.NoError(t, err)
		require.NoError(t, chain.Configure(setup))
		proj, err := chain.ProjectComposite(context.Background(), ball)
		require.NoError(t, err)
		return proj
	}
	want := project(NewRayCaster(DefaultRayCasterConfig()))
	got := project(nonLinearCaster{NewRayCaster(DefaultRayCasterConfig())})

	a, b := want.Values(), got.Values()
	require.Len(t, b, len(a))
	for i := range a {
		require.InDelta(t, a[i], b[i], 1e-4)
	}
	// The softer beam of view 1 sees a larger attenuation.
	assert.Greater(t, float64(got.Views[1].Modules[0].At(24, 24)), float64(got.Views[0].Modules[0].At(24, 24)))
}

func TestPerSampleSetupsAddOneStepPerView(t *testing.T) {
	setup := testSetup(t, 2, 1)
	kv := 60.0
	require.NoError(t, setup.AddPrepareStep(1, &acquisition.XrayTubeParam{TubeVoltage: &kv}))

	spot := NewArealFocalSpot(2, 2, false)
	_, err := Pipe(NewRayCaster(DefaultRayCasterConfig()), spot)
	require.NoError(t, err)
	require.NoError(t, spot.Configure(setup))
	sample, err := spot.sampleSetup(1, 0)
	require.NoError(t, err)
	for v := 0; v < setup.NbViews(); v++ {
		steps := sample.PrepareSteps(v)
		require.Len(t, steps, len(setup.PrepareSteps(v))+1)
		last := steps[len(steps)-1].(*acquisition.SourceParam)
		assert.Equal(t, 0.25, *last.FluxScaling)
	}

	spectral := NewSpectralEffects(4)
	_, err = Pipe(NewRayCaster(DefaultRayCasterConfig()), spectral)
	require.NoError(t, err)
	require.NoError(t, spectral.Configure(setup))
	top := len(spectral.Bins()) - 1
	bin, err := spectral.binSetup(top)
	require.NoError(t, err)
	for v := 0; v < bin.NbViews(); v++ {
		require.NoError(t, bin.PrepareView(v))
		assert.True(t, bin.System().IsValid(), "view %d", v)
	}

	steps := bin.PrepareSteps(1)
	last := steps[len(steps)-1].(*acquisition.SourceParam)
	assert.Nil(t, last.EnergyRange, "view 1 does not emit in the top bin")
	assert.Equal(t, 0.0, *last.FluxScaling)

	steps = bin.PrepareSteps(0)
	last = steps[len(steps)-1].(*acquisition.SourceParam)
	require.NotNil(t, last.EnergyRange)
	assert.LessOrEqual(t, last.EnergyRange.To, 80.0)
	assert.Positive(t, *last.FluxScaling)
}

func TestSpectralPassesThroughAttenuationVolumes(t *testing.T) {
	setup := testSetup(t, 1, 1)
	want, err := configuredCaster(t, setup, DefaultRayCasterConfig()).Project(context.Background(), smallBall())
	require.NoError(t, err)

	chain, err := Pipe(NewRayCaster(DefaultRayCasterConfig()), NewSpectralEffects(0))
	require.NoError(t, err)
	require.NoError(t, chain.Configure(setup))
	got, err := chain.Project(context.Background(), smallBall())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestModuleParamsMatchRayDirections(t *testing.T) {
	rc := configuredCaster(t, testSetup(t, 1, 1), DefaultRayCasterConfig())
	rays := rc.geo.views[0]
	params, err := moduleParams(rays, nil)
	require.NoError(t, err)
	require.Len(t, params, moduleParamStride*len(rays))

	mod := rays[0]
	assert.InDelta(t, mod.source.Y, float64(params[1]), 1e-3)
	for _, uv := range [][2]float64{{0, 0}, {24.5, 24.5}, {49, 10}} {
		var d r3.Vec
		a := params[3:12]
		d.X = float64(a[0])*uv[0] + float64(a[1])*uv[1] + float64(a[2])
		d.Y = float64(a[3])*uv[0] + float64(a[4])*uv[1] + float64(a[5])
		d.Z = float64(a[6])*uv[0] + float64(a[7])*uv[1] + float64(a[8])
		want := mod.direction(uv[0], uv[1])
		got := r3.Unit(d)
		assert.InDelta(t, want.X, got.X, 1e-5)
		assert.InDelta(t, want.Y, got.Y, 1e-5)
		assert.InDelta(t, want.Z, got.Z, 1e-5)
	}
}

func TestNoisyBallScenario(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping full-size projection in short mode")
	}
	setup := testSetup(t, 1, 1)
	ball := phantom.Ball(70, 0.5, 0.02)

	clean, err := configuredCaster(t, setup, DefaultRayCasterConfig()).Project(context.Background(), ball)
	require.NoError(t, err)

	noisy := func() *models.ProjectionData {
		chain, err := Pipe(NewRayCaster(DefaultRayCasterConfig()), NewSeededPoissonNoise(1337))
		require.NoError(t, err)
		require.NoError(t, chain.Configure(setup))
		proj, err := chain.Project(context.Background(), ball)
		require.NoError(t, err)
		return proj
	}
	first := noisy()
	assert.Equal(t, first, noisy())

	a, b := clean.Values(), first.Values()
	diff := make([]float64, len(a))
	for i := range a {
		diff[i] = b[i] - a[i]
	}
	mean, std := stat.MeanStdDev(diff, nil)
	assert.InDelta(t, 0, mean, 1e-3)
	assert.Less(t, std, 0.01)
	assert.Positive(t, std)
	assert.InDelta(t, 0.7, clean.Views[0].Modules[0].At(24, 24), 0.03)

	compareReference(t, first, filepath.Join("testdata", "noisy_ball_1337.f32"))
}
