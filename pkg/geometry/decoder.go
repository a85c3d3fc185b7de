package geometry

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"ctsim/pkg/acquisition"
	"ctsim/pkg/linalg"
	"ctsim/pkg/simerr"
	"ctsim/pkg/spectrum"
	"ctsim/pkg/system"
)

// PixelSize is a pixel width and height in mm.
type PixelSize struct {
	Width  float64 `yaml:"width"`
	Height float64 `yaml:"height"`
}

// PixelCount is the number of pixel columns and rows of a module.
type PixelCount struct {
	Cols int `yaml:"cols"`
	Rows int `yaml:"rows"`
}

// Decoded is the physical interpretation of one projection matrix.
type Decoded struct {
	K      linalg.Matrix3
	R      linalg.Matrix3
	Source r3.Vec

	// Module is the world pose of the detector module
	Module system.Location

	FocalLength float64
	Skew        float64
	PixelSize   PixelSize
}

// Decode recovers source and module pose from p, given the pixel pitch and
// module size the matrix was built for.
func Decode(p ProjectionMatrix, pixelSize PixelSize, nbPixels PixelCount) (Decoded, error) {
	if pixelSize.Width <= 0 || pixelSize.Height <= 0 {
		return Decoded{}, simerr.New(simerr.Configuration, "decode geometry", "pixel size %+v must be positive", pixelSize)
	}
	k, r, src, err := p.Decompose()
	if err != nil {
		return Decoded{}, err
	}

	// Focal length from the row focal length; for square pixels both agree.
	f := k[1][1] * pixelSize.Height
	s := r3.Vec{
		X: (k[0][2] - float64(nbPixels.Cols-1)/2) * pixelSize.Width,
		Y: (k[1][2] - float64(nbPixels.Rows-1)/2) * pixelSize.Height,
		Z: -f,
	}
	rm := r.T()
	return Decoded{
		K:           k,
		R:           r,
		Source:      src,
		Module:      system.Location{Position: r3.Sub(src, rm.MulVec(s)), Rotation: rm},
		FocalLength: f,
		Skew:        k[0][1],
		PixelSize:   pixelSize,
	}, nil
}

// DecodeView decodes every module matrix of a view.
func DecodeView(view SingleViewGeometry, pixelSize PixelSize, nbPixels PixelCount) ([]Decoded, error) {
	out := make([]Decoded, len(view))
	for i, p := range view {
		d, err := Decode(p, pixelSize, nbPixels)
		if err != nil {
			return nil, fmt.Errorf("module %d: %w", i, err)
		}
		out[i] = d
	}
	return out, nil
}

// DefaultDecodedSource is the source given to systems built by DecodeSystem:
// projection matrices carry no spectral information.
func DefaultDecodedSource() system.Source {
	return system.NewGenericSource(spectrum.MonoenergeticModel{Energy: 60}, spectrum.EnergyRange{From: 59.5, To: 60.5}, 1e5)
}

// DecodeSystem builds a generic system reproducing one view: a generic
// detector with the decoded module poses in world coordinates and a generic
// gantry whose detector frame is the world frame.
func DecodeSystem(view SingleViewGeometry, pixelSize PixelSize, nbPixels PixelCount) (*system.CTSystem, error) {
	if len(view) == 0 {
		return nil, simerr.New(simerr.DataShape, "decode system", "view has no modules")
	}
	decoded, err := DecodeView(view, pixelSize, nbPixels)
	if err != nil {
		return nil, err
	}
	modules := make([]system.Location, len(decoded))
	for i, d := range decoded {
		modules[i] = d.Module
	}
	det := system.NewGenericDetector(nbPixels.Cols, nbPixels.Rows, pixelSize.Width, pixelSize.Height, modules)
	det.SkewCoeff = decoded[0].Skew
	gantry := system.NewGenericGantry(
		system.Location{Position: decoded[0].Source, Rotation: decoded[0].Module.Rot()},
		system.Location{Rotation: linalg.Identity3()},
	)
	return system.New("decoded", det, gantry, DefaultDecodedSource()), nil
}

// GeometryProtocol replays externally supplied projection matrices. It
// applies to systems with a generic gantry and a generic detector holding
// the same number of modules.
type GeometryProtocol struct {
	views [][]Decoded
}

// NewGeometryProtocol decodes every view of g.
func NewGeometryProtocol(g FullGeometry, pixelSize PixelSize, nbPixels PixelCount) (*GeometryProtocol, error) {
	gp := &GeometryProtocol{views: make([][]Decoded, len(g))}
	for v, view := range g {
		d, err := DecodeView(view, pixelSize, nbPixels)
		if err != nil {
			return nil, fmt.Errorf("view %d: %w", v, err)
		}
		gp.views[v] = d
	}
	return gp, nil
}

// NbViews returns the number of views the protocol describes.
func (gp *GeometryProtocol) NbViews() int { return len(gp.views) }

// PrepareSteps implements acquisition.PreparationProtocol.
func (gp *GeometryProtocol) PrepareSteps(view int, _ *acquisition.Setup) []acquisition.PrepareStep {
	if view < 0 || view >= len(gp.views) {
		return nil
	}
	d := gp.views[view]
	modules := make([]system.Location, len(d))
	for i := range d {
		modules[i] = d[i].Module
	}
	src := system.Location{Position: d[0].Source, Rotation: d[0].Module.Rot()}
	det := system.Location{Rotation: linalg.Identity3()}
	return []acquisition.PrepareStep{
		&acquisition.GenericGantryParam{SourceLocation: &src, DetectorLocation: &det},
		&acquisition.GenericDetectorParam{ModuleLocations: modules},
	}
}

// IsApplicableTo implements acquisition.PreparationProtocol.
func (gp *GeometryProtocol) IsApplicableTo(sys *system.CTSystem) bool {
	if _, ok := sys.Gantry.(*system.GenericGantry); !ok {
		return false
	}
	det, ok := sys.Detector.(*system.GenericDetector)
	if !ok {
		return false
	}
	return len(gp.views) == 0 || len(gp.views[0]) == det.NbModules()
}
