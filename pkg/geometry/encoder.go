package geometry

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"ctsim/internal/logging"
	"ctsim/pkg/acquisition"
	"ctsim/pkg/linalg"
	"ctsim/pkg/simerr"
	"ctsim/pkg/system"
)

// intrinsics returns the K matrix of a module posed at module for a source
// at src (world), plus the focal length in mm.
func intrinsics(det system.Detector, module system.Location, src r3.Vec) (linalg.Matrix3, float64, error) {
	cols, rows := det.NbPixels()
	pw, ph := det.PixelSize()

	s := module.ToLocal(src)
	f := -s.Z
	if f <= 0 {
		return linalg.Matrix3{}, 0, simerr.New(simerr.Configuration, "encode geometry",
			"source lies on or behind the module plane (distance %g mm)", f)
	}
	k := linalg.Matrix3{
		{f / pw, det.Skew(), s.X/pw + float64(cols-1)/2},
		{0, f / ph, s.Y/ph + float64(rows-1)/2},
		{0, 0, 1},
	}
	return k, f, nil
}

// SourcePosition returns the world position of the focal spot of sys.
func SourcePosition(sys *system.CTSystem) r3.Vec {
	return sys.Gantry.SourceLocation().ToWorld(sys.Source.Base().FocalSpotPosition)
}

// ModuleLocations returns the world pose of each detector module of sys.
func ModuleLocations(sys *system.CTSystem) []system.Location {
	det := sys.Gantry.DetectorLocation()
	local := sys.Detector.ModuleLocations()
	out := make([]system.Location, len(local))
	for i, m := range local {
		out[i] = det.Compose(m)
	}
	return out
}

// EncodeSingleViewGeometry computes one normalized projection matrix per
// detector module for the current state of sys.
func EncodeSingleViewGeometry(sys *system.CTSystem) (SingleViewGeometry, error) {
	if !sys.IsValid() {
		return nil, simerr.New(simerr.Configuration, "encode geometry", "system %q is not valid", sys.Name)
	}
	src := SourcePosition(sys)
	modules := ModuleLocations(sys)
	view := make(SingleViewGeometry, len(modules))
	for i, m := range modules {
		k, _, err := intrinsics(sys.Detector, m, src)
		if err != nil {
			return nil, fmt.Errorf("module %d: %w", i, err)
		}
		p, err := FromKRS(k, m.Rot().T(), src).Normalized()
		if err != nil {
			return nil, fmt.Errorf("module %d: %w", i, err)
		}
		view[i] = p
	}
	return view, nil
}

// EncodeFullGeometry prepares every view of setup in turn and encodes it.
// setup's system is left in the state of the last view.
func EncodeFullGeometry(setup *acquisition.Setup) (FullGeometry, error) {
	log := logging.For("geometry")
	if !setup.IsValid() {
		return nil, simerr.New(simerr.Configuration, "encode geometry", "acquisition setup is not valid")
	}
	full := make(FullGeometry, setup.NbViews())
	for v := range full {
		if err := setup.PrepareView(v); err != nil {
			return nil, fmt.Errorf("preparing view %d: %w", v, err)
		}
		view, err := EncodeSingleViewGeometry(setup.System())
		if err != nil {
			return nil, fmt.Errorf("encoding view %d: %w", v, err)
		}
		full[v] = view
	}
	log.WithField("views", len(full)).Debug("encoded full geometry")
	return full, nil
}
