package simulation

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"ctsim/internal/models"
	"ctsim/pkg/acquisition"
	"ctsim/pkg/config"
	"ctsim/pkg/linalg"
	"ctsim/pkg/phantom"
	"ctsim/pkg/projector"
	"ctsim/pkg/simerr"
	"ctsim/pkg/system"
)

// BuildSystem assembles the imaging system described by cfg.
func BuildSystem(cfg *config.Config) (*system.CTSystem, error) {
	d := cfg.System.Detector
	var det system.Detector
	switch d.Type {
	case "flat-panel":
		det = system.NewFlatPanelDetector(d.Cols, d.Rows, d.PixelWidth, d.PixelHeight)
	case "cylindrical":
		det = system.NewCylindricalDetector(d.Modules, d.Cols, d.Rows, d.PixelWidth, d.PixelHeight,
			system.DegToRad(d.Angulation), d.Spacing)
	default:
		return nil, simerr.New(simerr.Configuration, "build system", "unknown detector type %q", d.Type)
	}

	g := cfg.System.Gantry
	var gantry system.Gantry
	switch g.Type {
	case "tubular":
		gantry = system.NewTubularGantry(g.SourceToDetector, g.SourceToIsocenter)
	case "c-arm":
		// Initial pose; the protocol moves the detector for every view.
		pose := system.Location{
			Position: r3.Vec{Y: g.SourceToDetector - g.SourceToIsocenter},
			Rotation: linalg.FromColumns(r3.Vec{X: 1}, r3.Vec{Z: -1}, r3.Vec{Y: 1}),
		}
		gantry = system.NewCarmGantry(pose, g.SourceToDetector)
	default:
		return nil, simerr.New(simerr.Configuration, "build system", "unknown gantry type %q", g.Type)
	}

	s := cfg.System.Source
	tube := system.NewXrayTube(s.TubeVoltage, s.MilliampereSeconds)
	tube.FocalSpot = system.FocalSpotSize{Width: s.FocalSpotWidth, Height: s.FocalSpotHeight}

	sys := system.New(fmt.Sprintf("%s %s", d.Type, g.Type), det, gantry, tube)
	if !sys.IsValid() {
		return nil, simerr.New(simerr.Configuration, "build system", "invalid system: %s", sys)
	}
	return sys, nil
}

// scanSpan returns the configured span in radians, a full turn when unset.
func scanSpan(deg float64) float64 {
	if deg == 0 {
		return 2 * math.Pi
	}
	return system.DegToRad(deg)
}

// BuildProtocols returns the preparation protocols of cfg in application
// order: the trajectory first, then focal spot and tube current patterns.
func BuildProtocols(cfg *config.Config) ([]acquisition.PreparationProtocol, error) {
	p := cfg.Protocol
	start := system.DegToRad(p.StartAngle)
	sid := cfg.System.Gantry.SourceToIsocenter

	var trajectory acquisition.PreparationProtocol
	switch p.Type {
	case "axial":
		trajectory = acquisition.AxialScanTrajectory{StartAngle: start, AngleIncrement: system.DegToRad(p.AngleIncrement)}
	case "short-scan":
		trajectory = acquisition.ShortScanTrajectory{StartAngle: start}
	case "helical":
		inc := system.DegToRad(p.AngleIncrement)
		if inc == 0 {
			inc = 2 * math.Pi / float64(max(p.NbViews, 1))
		}
		trajectory = acquisition.HelicalTrajectory{AngleIncrement: inc, PitchIncrement: p.PitchIncrement, StartAngle: start}
	case "circular":
		trajectory = acquisition.CircularTrajectory{SourceToIsocenter: sid, StartAngle: start, AngleSpan: scanSpan(p.AngleSpan)}
	case "wobble":
		trajectory = acquisition.WobbleTrajectory{
			SourceToIsocenter: sid,
			StartAngle:        start,
			AngleSpan:         scanSpan(p.AngleSpan),
			WobbleAngle:       system.DegToRad(p.WobbleAngle),
			WobbleFrequency:   p.WobbleFrequency,
		}
	default:
		return nil, simerr.New(simerr.Configuration, "build protocol", "unknown protocol %q", p.Type)
	}

	protocols := []acquisition.PreparationProtocol{trajectory}
	if p.FlyingFocalSpot != 0 {
		protocols = append(protocols, acquisition.TwoAlternatingSpots(p.FlyingFocalSpot))
	}
	if p.CurrentModulation != 0 {
		protocols = append(protocols, acquisition.SinusoidalModulation(p.NbViews, p.CurrentModulation, 1))
	}
	return protocols, nil
}

// BuildSetup creates the acquisition setup of cfg for sys.
func BuildSetup(cfg *config.Config, sys *system.CTSystem) (*acquisition.Setup, error) {
	protocols, err := BuildProtocols(cfg)
	if err != nil {
		return nil, err
	}
	setup := acquisition.NewSetup(sys, cfg.Protocol.NbViews)
	for _, p := range protocols {
		if err := setup.ApplyPreparationProtocol(p); err != nil {
			return nil, fmt.Errorf("applying %T: %w", p, err)
		}
	}
	return setup, nil
}

// BuildPhantom returns the volume to project. Single-material phantoms are
// wrapped as energy-independent composites.
func BuildPhantom(cfg *config.Config) (*models.CompositeVolume, error) {
	ph := cfg.Phantom
	if ph.Shape == "water-bone" {
		return phantom.WaterBone(ph.Size, ph.VoxelSize), nil
	}
	vol, err := phantom.New(ph.Shape, ph.Size, ph.VoxelSize, float32(ph.Value))
	if err != nil {
		return nil, simerr.Wrap(simerr.Configuration, "build phantom", err)
	}
	return models.NewAttenuationComposite(vol), nil
}

// BuildProjector creates the base projector and stacks the enabled
// extensions. The returned cleanup releases device resources.
func BuildProjector(cfg *config.Config) (projector.Projector, func(), error) {
	rc := projector.RayCasterConfig{
		RaysPerPixel: cfg.Processing.RaysPerPixel,
		RaySampling:  cfg.Processing.RaySampling,
		Interpolate:  cfg.Processing.Interpolate,
		Threads:      cfg.Processing.Threads,
	}

	cleanup := func() {}
	var base projector.Projector
	switch cfg.Processing.Device {
	case "cpu":
		base = projector.NewRayCaster(rc)
	case "opencl":
		engine, err := projector.NewOpenCLEngine()
		if err != nil {
			return nil, cleanup, err
		}
		cleanup = engine.Close
		base = projector.NewOpenCLRayCaster(engine, rc)
	default:
		return nil, cleanup, simerr.New(simerr.Configuration, "build projector", "unknown device %q", cfg.Processing.Device)
	}

	ext := cfg.Extensions
	var exts []projector.Extension
	if ext.FocalSpot.Enabled {
		exts = append(exts, projector.NewArealFocalSpot(ext.FocalSpot.Samples[0], ext.FocalSpot.Samples[1], ext.FocalSpot.LowExtinction))
	}
	if ext.Spectral.Enabled {
		exts = append(exts, projector.NewSpectralEffects(ext.Spectral.Bins))
	}
	if ext.Noise.Enabled {
		noise := projector.NewPoissonNoise()
		noise.Seed, noise.FixedSeed = ext.Noise.Seed, ext.Noise.FixedSeed
		noise.Threads = cfg.Processing.Threads
		exts = append(exts, noise)
	}

	p, err := projector.Pipe(base, exts...)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	return p, cleanup, nil
}
