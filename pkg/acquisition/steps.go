package acquisition

import (
	"gonum.org/v1/gonum/spatial/r3"

	"ctsim/pkg/simerr"
	"ctsim/pkg/spectrum"
	"ctsim/pkg/system"
)

// PrepareStep is a serializable patch applied to a system before a view is
// acquired. Every field is optional; nil fields leave the system untouched.
type PrepareStep interface {
	Type() string
	IsApplicableTo(sys *system.CTSystem) bool
	Prepare(sys *system.CTSystem) error
}

// Step type names used in serialized documents.
const (
	TypeTubularGantry      = "tubular-gantry"
	TypeCarmGantry         = "carm-gantry"
	TypeGenericGantry      = "generic-gantry"
	TypeGantryDisplacement = "gantry-displacement"
	TypeGenericDetector    = "generic-detector"
	TypeSource             = "source"
	TypeXrayTube           = "xray-tube"
)

func notApplicable(step PrepareStep, sys *system.CTSystem) error {
	return simerr.New(simerr.Configuration, "prepare "+step.Type(), "step is not applicable to system %q", sys.Name)
}

// Float returns a pointer to v, for filling optional step fields.
func Float(v float64) *float64 { return &v }

// TubularGantryParam sets the pose parameters of a tubular gantry.
type TubularGantryParam struct {
	Rotation *float64 `yaml:"rotation,omitempty"`
	Pitch    *float64 `yaml:"pitch,omitempty"`
	Tilt     *float64 `yaml:"tilt,omitempty"`
}

// Type implements PrepareStep.
func (p *TubularGantryParam) Type() string { return TypeTubularGantry }

// IsApplicableTo implements PrepareStep.
func (p *TubularGantryParam) IsApplicableTo(sys *system.CTSystem) bool {
	_, ok := sys.Gantry.(*system.TubularGantry)
	return ok
}

// Prepare implements PrepareStep.
func (p *TubularGantryParam) Prepare(sys *system.CTSystem) error {
	g, ok := sys.Gantry.(*system.TubularGantry)
	if !ok {
		return notApplicable(p, sys)
	}
	if p.Rotation != nil {
		g.Rotation = *p.Rotation
	}
	if p.Pitch != nil {
		g.Pitch = *p.Pitch
	}
	if p.Tilt != nil {
		g.Tilt = *p.Tilt
	}
	return nil
}

// CarmGantryParam sets the detector pose and span of a C-arm.
type CarmGantryParam struct {
	Location         *system.Location `yaml:"location,omitempty"`
	SourceToDetector *float64         `yaml:"sourceToDetector,omitempty"`
}

// Type implements PrepareStep.
func (p *CarmGantryParam) Type() string { return TypeCarmGantry }

// IsApplicableTo implements PrepareStep.
func (p *CarmGantryParam) IsApplicableTo(sys *system.CTSystem) bool {
	_, ok := sys.Gantry.(*system.CarmGantry)
	return ok
}

// Prepare implements PrepareStep.
func (p *CarmGantryParam) Prepare(sys *system.CTSystem) error {
	g, ok := sys.Gantry.(*system.CarmGantry)
	if !ok {
		return notApplicable(p, sys)
	}
	if p.Location != nil {
		g.Location = *p.Location
	}
	if p.SourceToDetector != nil {
		g.SourceToDetector = *p.SourceToDetector
	}
	return nil
}

// GenericGantryParam sets source and detector poses of a generic gantry.
type GenericGantryParam struct {
	SourceLocation   *system.Location `yaml:"sourceLocation,omitempty"`
	DetectorLocation *system.Location `yaml:"detectorLocation,omitempty"`
}

// Type implements PrepareStep.
func (p *GenericGantryParam) Type() string { return TypeGenericGantry }

// IsApplicableTo implements PrepareStep.
func (p *GenericGantryParam) IsApplicableTo(sys *system.CTSystem) bool {
	_, ok := sys.Gantry.(*system.GenericGantry)
	return ok
}

// Prepare implements PrepareStep.
func (p *GenericGantryParam) Prepare(sys *system.CTSystem) error {
	g, ok := sys.Gantry.(*system.GenericGantry)
	if !ok {
		return notApplicable(p, sys)
	}
	if p.SourceLocation != nil {
		g.SourcePose = *p.SourceLocation
	}
	if p.DetectorLocation != nil {
		g.DetectorPose = *p.DetectorLocation
	}
	return nil
}

// GantryDisplacementParam displaces any gantry. With Incremental set the
// displacement is composed with the current one instead of replacing it.
type GantryDisplacementParam struct {
	Displacement *system.Location `yaml:"displacement,omitempty"`
	Incremental  bool             `yaml:"incremental,omitempty"`
}

// Type implements PrepareStep.
func (p *GantryDisplacementParam) Type() string { return TypeGantryDisplacement }

// IsApplicableTo implements PrepareStep.
func (p *GantryDisplacementParam) IsApplicableTo(sys *system.CTSystem) bool {
	return sys.Gantry != nil
}

// Prepare implements PrepareStep.
func (p *GantryDisplacementParam) Prepare(sys *system.CTSystem) error {
	if sys.Gantry == nil {
		return notApplicable(p, sys)
	}
	if p.Displacement == nil {
		return nil
	}
	if p.Incremental {
		sys.Gantry.SetDisplacement(p.Displacement.Compose(sys.Gantry.Displacement()))
	} else {
		sys.Gantry.SetDisplacement(*p.Displacement)
	}
	return nil
}

// GenericDetectorParam replaces the module poses of a generic detector.
type GenericDetectorParam struct {
	ModuleLocations []system.Location `yaml:"moduleLocations,omitempty"`
}

// Type implements PrepareStep.
func (p *GenericDetectorParam) Type() string { return TypeGenericDetector }

// IsApplicableTo implements PrepareStep.
func (p *GenericDetectorParam) IsApplicableTo(sys *system.CTSystem) bool {
	_, ok := sys.Detector.(*system.GenericDetector)
	return ok
}

// Prepare implements PrepareStep.
func (p *GenericDetectorParam) Prepare(sys *system.CTSystem) error {
	d, ok := sys.Detector.(*system.GenericDetector)
	if !ok {
		return notApplicable(p, sys)
	}
	if p.ModuleLocations != nil {
		d.Locations = append([]system.Location(nil), p.ModuleLocations...)
	}
	return nil
}

// SourceParam patches the parameters shared by every source. Absolute
// fields (position, flux modifier) are applied before the relative ones
// (displacement, scaling).
type SourceParam struct {
	FocalSpotPosition     *r3.Vec               `yaml:"focalSpotPosition,omitempty"`
	FocalSpotDisplacement *r3.Vec               `yaml:"focalSpotDisplacement,omitempty"`
	FocalSpotSize         *system.FocalSpotSize `yaml:"focalSpotSize,omitempty"`
	FluxModifier          *float64              `yaml:"fluxModifier,omitempty"`
	FluxScaling           *float64              `yaml:"fluxScaling,omitempty"`
	EnergyRange           *spectrum.EnergyRange `yaml:"energyRange,omitempty"`
}

// Type implements PrepareStep.
func (p *SourceParam) Type() string { return TypeSource }

// IsApplicableTo implements PrepareStep.
func (p *SourceParam) IsApplicableTo(sys *system.CTSystem) bool { return sys.Source != nil }

// Prepare implements PrepareStep.
func (p *SourceParam) Prepare(sys *system.CTSystem) error {
	if sys.Source == nil {
		return notApplicable(p, sys)
	}
	b := sys.Source.Base()
	if p.FocalSpotPosition != nil {
		b.FocalSpotPosition = *p.FocalSpotPosition
	}
	if p.FocalSpotDisplacement != nil {
		b.FocalSpotPosition = r3.Add(b.FocalSpotPosition, *p.FocalSpotDisplacement)
	}
	if p.FocalSpotSize != nil {
		b.FocalSpot = *p.FocalSpotSize
	}
	if p.FluxModifier != nil {
		b.FluxModifier = *p.FluxModifier
	}
	if p.FluxScaling != nil {
		b.FluxModifier *= *p.FluxScaling
	}
	if p.EnergyRange != nil {
		b.Energy = *p.EnergyRange
	}
	return nil
}

// XrayTubeParam sets the operating point of an X-ray tube.
type XrayTubeParam struct {
	TubeVoltage        *float64 `yaml:"tubeVoltage,omitempty"`
	MilliampereSeconds *float64 `yaml:"mAs,omitempty"`
}

// Type implements PrepareStep.
func (p *XrayTubeParam) Type() string { return TypeXrayTube }

// IsApplicableTo implements PrepareStep.
func (p *XrayTubeParam) IsApplicableTo(sys *system.CTSystem) bool {
	_, ok := sys.Source.(*system.XrayTube)
	return ok
}

// Prepare implements PrepareStep. Changing the voltage moves the upper end
// of the energy window with it.
func (p *XrayTubeParam) Prepare(sys *system.CTSystem) error {
	t, ok := sys.Source.(*system.XrayTube)
	if !ok {
		return notApplicable(p, sys)
	}
	if p.TubeVoltage != nil {
		t.TubeVoltage = *p.TubeVoltage
		t.Energy.To = *p.TubeVoltage
	}
	if p.MilliampereSeconds != nil {
		t.MilliampereSeconds = *p.MilliampereSeconds
	}
	return nil
}
