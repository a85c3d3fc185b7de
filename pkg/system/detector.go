package system

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"ctsim/pkg/linalg"
)

// Detector is an X-ray detector built from one or more identical flat
// modules. Module locations are expressed in the detector frame whose local
// axes are u (pixel columns), v (pixel rows) and n (normal, pointing away
// from the source).
type Detector interface {
	Name() string
	NbModules() int
	// NbPixels returns the columns and rows of one module.
	NbPixels() (cols, rows int)
	// PixelSize returns the pixel width and height in mm.
	PixelSize() (width, height float64)
	// Skew returns the skew coefficient of the module pixel grid.
	Skew() float64
	ModuleLocations() []Location
	Clone() Detector
	IsValid() bool
}

// DetectorBase holds the pixel grid shared by all detector variants.
type DetectorBase struct {
	Label       string  `yaml:"name"`
	Cols        int     `yaml:"cols"`
	Rows        int     `yaml:"rows"`
	PixelWidth  float64 `yaml:"pixelWidth"`
	PixelHeight float64 `yaml:"pixelHeight"`
	SkewCoeff   float64 `yaml:"skew"`
}

// Name implements Detector.
func (d *DetectorBase) Name() string { return d.Label }

// NbPixels implements Detector.
func (d *DetectorBase) NbPixels() (int, int) { return d.Cols, d.Rows }

// PixelSize implements Detector.
func (d *DetectorBase) PixelSize() (float64, float64) { return d.PixelWidth, d.PixelHeight }

// Skew implements Detector.
func (d *DetectorBase) Skew() float64 { return d.SkewCoeff }

// ModuleWidth returns the physical module extent along u in mm.
func (d *DetectorBase) ModuleWidth() float64 { return float64(d.Cols) * d.PixelWidth }

// ModuleHeight returns the physical module extent along v in mm.
func (d *DetectorBase) ModuleHeight() float64 { return float64(d.Rows) * d.PixelHeight }

func (d *DetectorBase) valid() bool {
	return d.Cols > 0 && d.Rows > 0 && d.PixelWidth > 0 && d.PixelHeight > 0
}

// FlatPanelDetector is a single-module detector centred in the detector frame.
type FlatPanelDetector struct {
	DetectorBase `yaml:",inline"`
}

// NewFlatPanelDetector returns a flat panel with cols x rows pixels.
func NewFlatPanelDetector(cols, rows int, pixelWidth, pixelHeight float64) *FlatPanelDetector {
	return &FlatPanelDetector{DetectorBase{
		Label:       "flat panel",
		Cols:        cols,
		Rows:        rows,
		PixelWidth:  pixelWidth,
		PixelHeight: pixelHeight,
	}}
}

// NbModules implements Detector.
func (d *FlatPanelDetector) NbModules() int { return 1 }

// ModuleLocations implements Detector.
func (d *FlatPanelDetector) ModuleLocations() []Location {
	return []Location{{Rotation: linalg.Identity3()}}
}

// Clone implements Detector.
func (d *FlatPanelDetector) Clone() Detector {
	c := *d
	return &c
}

// IsValid implements Detector.
func (d *FlatPanelDetector) IsValid() bool { return d.valid() }

// CylindricalDetector arranges modules side by side along u on an arc whose
// centre lies towards the source. Angulation is the angle between adjacent
// modules in radians and Spacing the gap between them in mm.
type CylindricalDetector struct {
	DetectorBase `yaml:",inline"`
	Modules      int     `yaml:"modules"`
	Angulation   float64 `yaml:"angulation"`
	Spacing      float64 `yaml:"spacing"`
}

// NewCylindricalDetector returns a curved multi-module detector.
func NewCylindricalDetector(modules, cols, rows int, pixelWidth, pixelHeight, angulation, spacing float64) *CylindricalDetector {
	return &CylindricalDetector{
		DetectorBase: DetectorBase{
			Label:       "cylindrical",
			Cols:        cols,
			Rows:        rows,
			PixelWidth:  pixelWidth,
			PixelHeight: pixelHeight,
		},
		Modules:    modules,
		Angulation: angulation,
		Spacing:    spacing,
	}
}

// NbModules implements Detector.
func (d *CylindricalDetector) NbModules() int { return d.Modules }

// CurvatureRadius returns the arc radius in mm, or +Inf for zero angulation.
func (d *CylindricalDetector) CurvatureRadius() float64 {
	if d.Angulation == 0 {
		return math.Inf(1)
	}
	return (d.ModuleWidth() + d.Spacing) / (2 * math.Sin(d.Angulation/2))
}

// ModuleLocations implements Detector. The arc is symmetric about the
// detector centre; the middle of the arc touches the detector origin.
func (d *CylindricalDetector) ModuleLocations() []Location {
	locs := make([]Location, d.Modules)
	mid := float64(d.Modules-1) / 2
	if d.Angulation == 0 {
		pitch := d.ModuleWidth() + d.Spacing
		for i := range locs {
			locs[i] = Location{
				Position: r3.Vec{X: (float64(i) - mid) * pitch},
				Rotation: linalg.Identity3(),
			}
		}
		return locs
	}
	radius := d.CurvatureRadius()
	for i := range locs {
		alpha := (float64(i) - mid) * d.Angulation
		locs[i] = Location{
			Position: r3.Vec{X: radius * math.Sin(alpha), Z: radius*math.Cos(alpha) - radius},
			Rotation: linalg.RotationY(alpha),
		}
	}
	return locs
}

// Clone implements Detector.
func (d *CylindricalDetector) Clone() Detector {
	c := *d
	return &c
}

// IsValid implements Detector.
func (d *CylindricalDetector) IsValid() bool {
	return d.valid() && d.Modules > 0 && d.Spacing >= 0 && math.Abs(d.Angulation) < math.Pi
}

// GenericDetector places its modules at arbitrary locations.
type GenericDetector struct {
	DetectorBase `yaml:",inline"`
	Locations    []Location `yaml:"modules"`
}

// NewGenericDetector returns a detector with the given module poses.
func NewGenericDetector(cols, rows int, pixelWidth, pixelHeight float64, modules []Location) *GenericDetector {
	return &GenericDetector{
		DetectorBase: DetectorBase{
			Label:       "generic",
			Cols:        cols,
			Rows:        rows,
			PixelWidth:  pixelWidth,
			PixelHeight: pixelHeight,
		},
		Locations: modules,
	}
}

// NbModules implements Detector.
func (d *GenericDetector) NbModules() int { return len(d.Locations) }

// ModuleLocations implements Detector.
func (d *GenericDetector) ModuleLocations() []Location {
	return append([]Location(nil), d.Locations...)
}

// Clone implements Detector.
func (d *GenericDetector) Clone() Detector {
	c := *d
	c.Locations = append([]Location(nil), d.Locations...)
	return &c
}

// IsValid implements Detector.
func (d *GenericDetector) IsValid() bool { return d.valid() && len(d.Locations) > 0 }

// DescribeDetector returns a one-line summary used in logs.
func DescribeDetector(d Detector) string {
	cols, rows := d.NbPixels()
	pw, ph := d.PixelSize()
	return fmt.Sprintf("%s: %d module(s) of %dx%d pixels, %.3gx%.3g mm", d.Name(), d.NbModules(), cols, rows, pw, ph)
}
