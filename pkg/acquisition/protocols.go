package acquisition

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"ctsim/pkg/linalg"
	"ctsim/pkg/system"
)

func isTubular(sys *system.CTSystem) bool {
	_, ok := sys.Gantry.(*system.TubularGantry)
	return ok
}

func isCarm(sys *system.CTSystem) bool {
	_, ok := sys.Gantry.(*system.CarmGantry)
	return ok
}

// angleStep spreads span over n views so the first and last view sit at the
// ends of the span.
func angleStep(span float64, n int) float64 {
	if n <= 1 {
		return 0
	}
	return span / float64(n-1)
}

// FanAngle returns the full fan angle in radians seen from the source of a
// tubular system at gantry angle zero.
func FanAngle(sys *system.CTSystem) float64 {
	g, ok := sys.Gantry.(*system.TubularGantry)
	if !ok {
		return 0
	}
	cols, _ := sys.Detector.NbPixels()
	pw, _ := sys.Detector.PixelSize()
	half := float64(cols) * pw / 2
	var fan float64
	for _, m := range sys.Detector.ModuleLocations() {
		for _, edge := range []float64{-half, half} {
			p := m.ToWorld(r3.Vec{X: edge})
			fan = math.Max(fan, math.Abs(math.Atan2(p.X, g.SourceToDetector+p.Z)))
		}
	}
	return 2 * fan
}

// ShortScanTrajectory rotates a tubular gantry over 180 degrees plus the fan
// angle.
type ShortScanTrajectory struct {
	StartAngle float64
}

// PrepareSteps implements PreparationProtocol.
func (p ShortScanTrajectory) PrepareSteps(view int, setup *Setup) []PrepareStep {
	span := math.Pi + FanAngle(setup.InitialSystem())
	angle := p.StartAngle + float64(view)*angleStep(span, setup.NbViews())
	return []PrepareStep{&TubularGantryParam{Rotation: Float(angle)}}
}

// IsApplicableTo implements PreparationProtocol.
func (p ShortScanTrajectory) IsApplicableTo(sys *system.CTSystem) bool { return isTubular(sys) }

// AxialScanTrajectory rotates a tubular gantry by a fixed increment per
// view. A zero increment spreads a full turn over the views.
type AxialScanTrajectory struct {
	StartAngle     float64
	AngleIncrement float64
}

// PrepareSteps implements PreparationProtocol.
func (p AxialScanTrajectory) PrepareSteps(view int, setup *Setup) []PrepareStep {
	inc := p.AngleIncrement
	if inc == 0 && setup.NbViews() > 0 {
		inc = 2 * math.Pi / float64(setup.NbViews())
	}
	return []PrepareStep{&TubularGantryParam{Rotation: Float(p.StartAngle + float64(view)*inc)}}
}

// IsApplicableTo implements PreparationProtocol.
func (p AxialScanTrajectory) IsApplicableTo(sys *system.CTSystem) bool { return isTubular(sys) }

// HelicalTrajectory rotates a tubular gantry while advancing the table.
type HelicalTrajectory struct {
	AngleIncrement float64
	PitchIncrement float64
	StartAngle     float64
	StartPitch     float64
}

// PrepareSteps implements PreparationProtocol.
func (p HelicalTrajectory) PrepareSteps(view int, _ *Setup) []PrepareStep {
	return []PrepareStep{&TubularGantryParam{
		Rotation: Float(p.StartAngle + float64(view)*p.AngleIncrement),
		Pitch:    Float(p.StartPitch + float64(view)*p.PitchIncrement),
	}}
}

// IsApplicableTo implements PreparationProtocol.
func (p HelicalTrajectory) IsApplicableTo(sys *system.CTSystem) bool { return isTubular(sys) }

// carmPose returns the detector pose of a C-arm whose source circles the
// origin at sourceToIsocenter with the given orientation.
func carmPose(orientation linalg.Matrix3, sourceToDetector, sourceToIsocenter float64) system.Location {
	n := orientation.Col(2)
	return system.Location{
		Position: r3.Scale(sourceToDetector-sourceToIsocenter, n),
		Rotation: orientation,
	}
}

// carmAxes matches the detector orientation of a tubular gantry at angle
// zero: source below the isocenter on -y, rows running along -z.
var carmAxes = linalg.FromColumns(r3.Vec{X: 1}, r3.Vec{Z: -1}, r3.Vec{Y: 1})

func sourceToDetector(setup *Setup) float64 {
	if g, ok := setup.InitialSystem().Gantry.(*system.CarmGantry); ok {
		return g.SourceToDetector
	}
	return 0
}

// WobbleTrajectory moves a C-arm source on a circle around the z axis while
// the rotation plane tilts sinusoidally about x.
type WobbleTrajectory struct {
	SourceToIsocenter float64
	StartAngle        float64
	AngleSpan         float64
	WobbleAngle       float64
	// WobbleFrequency is the number of tilt periods over the scan
	WobbleFrequency float64
}

// PrepareSteps implements PreparationProtocol.
func (p WobbleTrajectory) PrepareSteps(view int, setup *Setup) []PrepareStep {
	n := setup.NbViews()
	angle := p.StartAngle + float64(view)*angleStep(p.AngleSpan, n)
	var phase float64
	if n > 0 {
		phase = 2 * math.Pi * p.WobbleFrequency * float64(view) / float64(n)
	}
	tilt := p.WobbleAngle * math.Sin(phase)
	orientation := linalg.RotationX(tilt).Mul(linalg.RotationZ(angle)).Mul(carmAxes)
	loc := carmPose(orientation, sourceToDetector(setup), p.SourceToIsocenter)
	return []PrepareStep{&CarmGantryParam{Location: &loc}}
}

// IsApplicableTo implements PreparationProtocol.
func (p WobbleTrajectory) IsApplicableTo(sys *system.CTSystem) bool { return isCarm(sys) }

// CircularTrajectory moves a C-arm source on a circle around RotationAxis
// through the origin. A zero axis means z.
type CircularTrajectory struct {
	SourceToIsocenter float64
	RotationAxis      r3.Vec
	StartAngle        float64
	AngleSpan         float64
}

// alignZ returns a rotation taking the z axis onto axis.
func alignZ(axis r3.Vec) linalg.Matrix3 {
	if r3.Norm(axis) == 0 {
		return linalg.Identity3()
	}
	axis = r3.Unit(axis)
	z := r3.Vec{Z: 1}
	cross := r3.Cross(z, axis)
	if r3.Norm(cross) < 1e-12 {
		if axis.Z < 0 {
			return linalg.RotationX(math.Pi)
		}
		return linalg.Identity3()
	}
	return linalg.RotationAxisAngle(cross, math.Acos(math.Max(-1, math.Min(1, r3.Dot(z, axis)))))
}

// PrepareSteps implements PreparationProtocol.
func (p CircularTrajectory) PrepareSteps(view int, setup *Setup) []PrepareStep {
	angle := p.StartAngle + float64(view)*angleStep(p.AngleSpan, setup.NbViews())
	orientation := alignZ(p.RotationAxis).Mul(linalg.RotationZ(angle)).Mul(carmAxes)
	loc := carmPose(orientation, sourceToDetector(setup), p.SourceToIsocenter)
	return []PrepareStep{&CarmGantryParam{Location: &loc}}
}

// IsApplicableTo implements PreparationProtocol.
func (p CircularTrajectory) IsApplicableTo(sys *system.CTSystem) bool { return isCarm(sys) }

// FlyingFocalSpot cycles the focal spot through Positions, one per view.
type FlyingFocalSpot struct {
	Positions []r3.Vec
}

// TwoAlternatingSpots returns a flying focal spot toggling between +-offset/2
// along the source u axis.
func TwoAlternatingSpots(offset float64) FlyingFocalSpot {
	return FlyingFocalSpot{Positions: []r3.Vec{{X: -offset / 2}, {X: offset / 2}}}
}

// PrepareSteps implements PreparationProtocol.
func (p FlyingFocalSpot) PrepareSteps(view int, _ *Setup) []PrepareStep {
	if len(p.Positions) == 0 {
		return nil
	}
	pos := p.Positions[view%len(p.Positions)]
	return []PrepareStep{&SourceParam{FocalSpotPosition: &pos}}
}

// IsApplicableTo implements PreparationProtocol.
func (p FlyingFocalSpot) IsApplicableTo(sys *system.CTSystem) bool {
	return sys.Source != nil && len(p.Positions) > 0
}

// TubeCurrentModulation sets the flux modifier of each view, cycling
// through Modifiers.
type TubeCurrentModulation struct {
	Modifiers []float64
}

// SinusoidalModulation returns a modulation over nbViews views varying
// between 1-amplitude and 1+amplitude with the given number of periods.
func SinusoidalModulation(nbViews int, amplitude, periods float64) TubeCurrentModulation {
	m := make([]float64, nbViews)
	for v := range m {
		m[v] = 1 + amplitude*math.Sin(2*math.Pi*periods*float64(v)/float64(nbViews))
	}
	return TubeCurrentModulation{Modifiers: m}
}

// PrepareSteps implements PreparationProtocol.
func (p TubeCurrentModulation) PrepareSteps(view int, _ *Setup) []PrepareStep {
	if len(p.Modifiers) == 0 {
		return nil
	}
	return []PrepareStep{&SourceParam{FluxModifier: Float(p.Modifiers[view%len(p.Modifiers)])}}
}

// IsApplicableTo implements PreparationProtocol.
func (p TubeCurrentModulation) IsApplicableTo(sys *system.CTSystem) bool {
	if sys.Source == nil || len(p.Modifiers) == 0 {
		return false
	}
	for _, m := range p.Modifiers {
		if m < 0 {
			return false
		}
	}
	return true
}
