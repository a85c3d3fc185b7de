package system

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"ctsim/pkg/linalg"
)

// Gantry holds the source and detector. Both locations are world poses and
// include the gantry displacement.
type Gantry interface {
	Name() string
	SourceLocation() Location
	DetectorLocation() Location
	Displacement() Location
	SetDisplacement(Location)
	Clone() Gantry
	IsValid() bool
}

// GantryBase carries a rigid displacement applied on top of the nominal
// source and detector poses.
type GantryBase struct {
	GlobalDisplacement Location `yaml:"displacement"`
}

// Displacement implements Gantry.
func (g *GantryBase) Displacement() Location { return g.GlobalDisplacement }

// SetDisplacement implements Gantry.
func (g *GantryBase) SetDisplacement(l Location) { g.GlobalDisplacement = l }

func (g *GantryBase) displaced(nominal Location) Location {
	return g.GlobalDisplacement.Compose(nominal)
}

// tubularDetectorAxes are the detector u, v and n axes at rotation angle
// zero: columns along +x, rows along -z, normal along +y.
var tubularDetectorAxes = linalg.FromColumns(r3.Vec{X: 1}, r3.Vec{Z: -1}, r3.Vec{Y: 1})

// TubularGantry is a clinical CT gantry. The source circles the z axis at
// SourceToIsocenter; Rotation is the gantry angle, Tilt tilts the rotation
// plane about x and Pitch translates the table position along z. Angles in
// radians, lengths in mm.
type TubularGantry struct {
	GantryBase        `yaml:",inline"`
	SourceToDetector  float64 `yaml:"sourceToDetector"`
	SourceToIsocenter float64 `yaml:"sourceToIsocenter"`
	Rotation          float64 `yaml:"rotation"`
	Pitch             float64 `yaml:"pitch"`
	Tilt              float64 `yaml:"tilt"`
}

// NewTubularGantry returns a gantry at angle zero.
func NewTubularGantry(sourceToDetector, sourceToIsocenter float64) *TubularGantry {
	return &TubularGantry{SourceToDetector: sourceToDetector, SourceToIsocenter: sourceToIsocenter}
}

// Name implements Gantry.
func (g *TubularGantry) Name() string { return "tubular" }

func (g *TubularGantry) orientation() linalg.Matrix3 {
	return linalg.RotationX(g.Tilt).Mul(linalg.RotationZ(g.Rotation)).Mul(tubularDetectorAxes)
}

func (g *TubularGantry) nominal(distanceAlongNormal float64) Location {
	rot := g.orientation()
	pos := r3.Add(r3.Scale(distanceAlongNormal, rot.Col(2)), r3.Vec{Z: g.Pitch})
	return Location{Position: pos, Rotation: rot}
}

// SourceLocation implements Gantry.
func (g *TubularGantry) SourceLocation() Location {
	return g.displaced(g.nominal(-g.SourceToIsocenter))
}

// DetectorLocation implements Gantry.
func (g *TubularGantry) DetectorLocation() Location {
	return g.displaced(g.nominal(g.SourceToDetector - g.SourceToIsocenter))
}

// Clone implements Gantry.
func (g *TubularGantry) Clone() Gantry {
	c := *g
	return &c
}

// IsValid implements Gantry.
func (g *TubularGantry) IsValid() bool {
	return g.SourceToIsocenter > 0 && g.SourceToDetector > g.SourceToIsocenter
}

// CarmGantry keeps source and detector rigidly opposed. Location is the
// detector pose; the source sits SourceToDetector mm behind it along the
// detector normal.
type CarmGantry struct {
	GantryBase       `yaml:",inline"`
	Location         Location `yaml:"location"`
	SourceToDetector float64  `yaml:"sourceToDetector"`
}

// NewCarmGantry returns a C-arm whose detector lies at the given pose.
func NewCarmGantry(detector Location, sourceToDetector float64) *CarmGantry {
	return &CarmGantry{Location: detector, SourceToDetector: sourceToDetector}
}

// Name implements Gantry.
func (g *CarmGantry) Name() string { return "c-arm" }

// SourceLocation implements Gantry.
func (g *CarmGantry) SourceLocation() Location {
	src := Location{
		Position: r3.Sub(g.Location.Position, r3.Scale(g.SourceToDetector, g.Location.Axis(2))),
		Rotation: g.Location.Rot(),
	}
	return g.displaced(src)
}

// DetectorLocation implements Gantry.
func (g *CarmGantry) DetectorLocation() Location { return g.displaced(g.Location) }

// Clone implements Gantry.
func (g *CarmGantry) Clone() Gantry {
	c := *g
	return &c
}

// IsValid implements Gantry.
func (g *CarmGantry) IsValid() bool {
	return g.SourceToDetector > 0 && linalg.IsRotation(g.Location.Rot(), 1e-6)
}

// GenericGantry stores source and detector poses directly.
type GenericGantry struct {
	GantryBase   `yaml:",inline"`
	SourcePose   Location `yaml:"source"`
	DetectorPose Location `yaml:"detector"`
}

// NewGenericGantry returns a gantry with explicit poses.
func NewGenericGantry(source, detector Location) *GenericGantry {
	return &GenericGantry{SourcePose: source, DetectorPose: detector}
}

// Name implements Gantry.
func (g *GenericGantry) Name() string { return "generic" }

// SourceLocation implements Gantry.
func (g *GenericGantry) SourceLocation() Location { return g.displaced(g.SourcePose) }

// DetectorLocation implements Gantry.
func (g *GenericGantry) DetectorLocation() Location { return g.displaced(g.DetectorPose) }

// Clone implements Gantry.
func (g *GenericGantry) Clone() Gantry {
	c := *g
	return &c
}

// IsValid implements Gantry.
func (g *GenericGantry) IsValid() bool {
	if !linalg.IsRotation(g.DetectorPose.Rot(), 1e-6) {
		return false
	}
	return r3.Norm(r3.Sub(g.DetectorPose.Position, g.SourcePose.Position)) > 0
}

// SourceDetectorDistance returns the distance between source and detector
// origins of g.
func SourceDetectorDistance(g Gantry) float64 {
	return r3.Norm(r3.Sub(g.DetectorLocation().Position, g.SourceLocation().Position))
}

// DegToRad converts degrees to radians.
func DegToRad(deg float64) float64 { return deg * math.Pi / 180 }
