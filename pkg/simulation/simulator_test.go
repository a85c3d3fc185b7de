package simulation

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctsim/pkg/acquisition"
	"ctsim/pkg/config"
	"ctsim/pkg/geometry"
	"ctsim/pkg/simerr"
	"ctsim/pkg/system"
)

func smallConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Processing.Threads = 2
	cfg.System.Detector.Cols = 16
	cfg.System.Detector.Rows = 8
	cfg.Protocol.NbViews = 4
	cfg.Phantom.Size = 16
	cfg.Phantom.VoxelSize = 1
	cfg.Output.Dir = t.TempDir()
	return cfg
}

func TestBuildSystemVariants(t *testing.T) {
	cfg := smallConfig(t)
	sys, err := BuildSystem(cfg)
	require.NoError(t, err)
	assert.IsType(t, &system.FlatPanelDetector{}, sys.Detector)
	assert.IsType(t, &system.TubularGantry{}, sys.Gantry)

	cfg.System.Detector.Type = "cylindrical"
	cfg.System.Detector.Modules = 3
	cfg.System.Detector.Angulation = 1
	cfg.System.Gantry.Type = "c-arm"
	sys, err = BuildSystem(cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, sys.Detector.NbModules())
	assert.InDelta(t, 1200, system.SourceDetectorDistance(sys.Gantry), 1e-9)

	cfg.System.Gantry.Type = "gimbal"
	_, err = BuildSystem(cfg)
	assert.True(t, errors.Is(err, simerr.ErrConfiguration))
}

func TestBuildSetupForEveryProtocol(t *testing.T) {
	for _, tc := range []struct {
		protocol string
		gantry   string
	}{
		{"axial", "tubular"},
		{"short-scan", "tubular"},
		{"helical", "tubular"},
		{"circular", "c-arm"},
		{"wobble", "c-arm"},
	} {
		t.Run(tc.protocol, func(t *testing.T) {
			cfg := smallConfig(t)
			cfg.Protocol.Type = tc.protocol
			cfg.System.Gantry.Type = tc.gantry
			cfg.Protocol.PitchIncrement = 1
			cfg.Protocol.WobbleAngle = 5
			cfg.Protocol.WobbleFrequency = 2
			cfg.Protocol.FlyingFocalSpot = 0.5
			cfg.Protocol.CurrentModulation = 0.2
			sys, err := BuildSystem(cfg)
			require.NoError(t, err)
			setup, err := BuildSetup(cfg, sys)
			require.NoError(t, err)
			assert.True(t, setup.IsValid())
			assert.Len(t, setup.PrepareSteps(1), 3)

			full, err := geometry.EncodeFullGeometry(setup)
			require.NoError(t, err)
			assert.Equal(t, 4, full.NbViews())
		})
	}
}

func TestBuildSetupRejectsMismatchedProtocol(t *testing.T) {
	cfg := smallConfig(t)
	cfg.Protocol.Type = "wobble"
	sys, err := BuildSystem(cfg)
	require.NoError(t, err)
	_, err = BuildSetup(cfg, sys)
	assert.True(t, errors.Is(err, simerr.ErrConfiguration))
}

func TestHelicalDefaultsToOneTurn(t *testing.T) {
	cfg := smallConfig(t)
	cfg.Protocol.Type = "helical"
	cfg.Protocol.PitchIncrement = 2
	protocols, err := BuildProtocols(cfg)
	require.NoError(t, err)
	require.Len(t, protocols, 1)
	h := protocols[0].(acquisition.HelicalTrajectory)
	assert.InDelta(t, math.Pi/2, h.AngleIncrement, 1e-12)
}

func TestBuildPhantom(t *testing.T) {
	cfg := smallConfig(t)
	vol, err := BuildPhantom(cfg)
	require.NoError(t, err)
	assert.False(t, vol.IsEnergyDependent())

	cfg.Phantom.Shape = "water-bone"
	vol, err = BuildPhantom(cfg)
	require.NoError(t, err)
	assert.True(t, vol.IsEnergyDependent())
}

func TestBuildProjectorChain(t *testing.T) {
	cfg := smallConfig(t)
	cfg.Extensions.FocalSpot.Enabled = true
	cfg.Extensions.Spectral.Enabled = true
	p, cleanup, err := BuildProjector(cfg)
	require.NoError(t, err)
	defer cleanup()
	assert.False(t, p.IsLinear())
}

func TestProcessExportsResults(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping full simulation in short mode")
	}
	cfg := smallConfig(t)
	cfg.Output.SaveRaw = true
	cfg.Output.SaveProfile = true
	cfg.Output.SaveSlices = true

	var views []int
	sim := NewSimulator(&Params{Config: cfg, Progress: func(v int) { views = append(views, v) }})
	require.NoError(t, sim.Process(context.Background()))

	m := sim.GetMetrics()
	assert.Equal(t, sim.RunID(), m.RunID)
	assert.Equal(t, 4, m.Dimensions.NbViews)
	assert.Greater(t, m.Summary.Max, 0.0)
	assert.Contains(t, m.Chain, "PoissonNoiseExtension")
	assert.Equal(t, []int{0, 1, 2, 3}, views)

	// 4 images, raw data, geometry, profile and one slice directory
	assert.Len(t, m.Files, 8)
	for _, f := range m.Files {
		_, err := os.Stat(f)
		assert.NoError(t, err, f)
	}
	_, err := geometry.LoadFullGeometry(filepath.Join(cfg.Output.Dir, sim.RunID(), "geometry.yaml"))
	assert.NoError(t, err)
}

func TestProcessRejectsInvalidConfig(t *testing.T) {
	cfg := smallConfig(t)
	cfg.Protocol.NbViews = 0
	err := NewSimulator(&Params{Config: cfg}).Process(context.Background())
	assert.Error(t, err)
}
