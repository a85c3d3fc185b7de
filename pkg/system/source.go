package system

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"ctsim/pkg/spectrum"
)

// ReferenceDistance is the distance (mm) at which source fluence is quoted.
const ReferenceDistance = 1000.0

// Source is an X-ray source.
type Source interface {
	Name() string
	// Base exposes the parameters shared by all sources for patching.
	Base() *SourceBase
	// NominalPhotonFluence is photons per mm^2 at ReferenceDistance for one
	// view, ignoring the flux modifier.
	NominalPhotonFluence() float64
	SpectrumModel() spectrum.Model
	// SpectrumDiscretizationHint suggests a number of energy bins.
	SpectrumDiscretizationHint() int
	Clone() Source
	IsValid() bool
}

// FocalSpotSize is the extent of the emitting area in mm along the source
// u and v axes.
type FocalSpotSize struct {
	Width  float64 `yaml:"width"`
	Height float64 `yaml:"height"`
}

// SourceBase holds the parameters common to all sources.
type SourceBase struct {
	// FocalSpotPosition offsets the focal spot in the source frame (mm)
	FocalSpotPosition r3.Vec `yaml:"focalSpotPosition"`

	FocalSpot FocalSpotSize `yaml:"focalSpotSize"`

	// FluxModifier scales the nominal fluence; 1 means unchanged
	FluxModifier float64 `yaml:"fluxModifier"`

	// Energy is the emitted energy window in keV
	Energy spectrum.EnergyRange `yaml:"energyRange"`
}

// Base implements Source.
func (s *SourceBase) Base() *SourceBase { return s }

func (s *SourceBase) valid() bool {
	return s.FluxModifier >= 0 && s.Energy.IsValid() && s.FocalSpot.Width >= 0 && s.FocalSpot.Height >= 0
}

// PhotonFluence returns the fluence of src at ReferenceDistance including the
// flux modifier.
func PhotonFluence(src Source) float64 {
	return src.NominalPhotonFluence() * src.Base().FluxModifier
}

// yieldPerMAs is the empirical fluence (photons/mm^2 at 1 m) per mAs and kV^2
// of an unfiltered tungsten anode.
const yieldPerMAs = 60.0

// XrayTube is a tube with a Kramers bremsstrahlung spectrum.
type XrayTube struct {
	SourceBase         `yaml:",inline"`
	TubeVoltage        float64 `yaml:"tubeVoltage"`
	MilliampereSeconds float64 `yaml:"mAs"`
}

// NewXrayTube returns a tube at the given voltage (kV) and exposure (mAs)
// emitting from 10 keV up to the tube voltage.
func NewXrayTube(kV, mAs float64) *XrayTube {
	return &XrayTube{
		SourceBase: SourceBase{
			FluxModifier: 1,
			Energy:       spectrum.EnergyRange{From: math.Min(10, kV/2), To: kV},
		},
		TubeVoltage:        kV,
		MilliampereSeconds: mAs,
	}
}

// Name implements Source.
func (t *XrayTube) Name() string { return "x-ray tube" }

// NominalPhotonFluence implements Source.
func (t *XrayTube) NominalPhotonFluence() float64 {
	return yieldPerMAs * t.TubeVoltage * t.TubeVoltage * t.MilliampereSeconds
}

// SpectrumModel implements Source.
func (t *XrayTube) SpectrumModel() spectrum.Model {
	return spectrum.KramersModel{TubeVoltage: t.TubeVoltage}
}

// SpectrumDiscretizationHint implements Source: roughly one bin per 10 keV.
func (t *XrayTube) SpectrumDiscretizationHint() int {
	return max(1, int(math.Round(t.TubeVoltage/10)))
}

// Clone implements Source.
func (t *XrayTube) Clone() Source {
	c := *t
	return &c
}

// IsValid implements Source.
func (t *XrayTube) IsValid() bool {
	return t.valid() && t.TubeVoltage > 0 && t.MilliampereSeconds >= 0 && t.Energy.To <= t.TubeVoltage
}

// GenericSource has an arbitrary spectrum and a fixed fluence.
type GenericSource struct {
	SourceBase `yaml:",inline"`
	Spectrum   spectrum.Model `yaml:"-"`
	Fluence    float64        `yaml:"fluence"`
	Bins       int            `yaml:"bins"`
}

// NewGenericSource returns a source with the given spectrum and fluence
// (photons/mm^2 at ReferenceDistance).
func NewGenericSource(model spectrum.Model, energy spectrum.EnergyRange, fluence float64) *GenericSource {
	return &GenericSource{
		SourceBase: SourceBase{FluxModifier: 1, Energy: energy},
		Spectrum:   model,
		Fluence:    fluence,
	}
}

// Name implements Source.
func (s *GenericSource) Name() string { return "generic" }

// NominalPhotonFluence implements Source.
func (s *GenericSource) NominalPhotonFluence() float64 { return s.Fluence }

// SpectrumModel implements Source.
func (s *GenericSource) SpectrumModel() spectrum.Model { return s.Spectrum }

// SpectrumDiscretizationHint implements Source.
func (s *GenericSource) SpectrumDiscretizationHint() int {
	if s.Bins > 0 {
		return s.Bins
	}
	return max(1, int(math.Round(s.Energy.Width()/10)))
}

// Clone implements Source.
func (s *GenericSource) Clone() Source {
	c := *s
	return &c
}

// IsValid implements Source.
func (s *GenericSource) IsValid() bool {
	return s.valid() && s.Fluence >= 0 && s.Spectrum != nil
}
