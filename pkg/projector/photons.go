package projector

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"ctsim/pkg/acquisition"
	"ctsim/pkg/geometry"
	"ctsim/pkg/simerr"
	"ctsim/pkg/system"
)

// PhotonCounts returns, for every view and module, the mean number of
// photons reaching one pixel without an object in the beam. The source
// fluence quoted at system.ReferenceDistance is scaled by the inverse square
// of the distance to the module centre, the pixel area and the obliquity of
// the incident ray.
func PhotonCounts(setup *acquisition.Setup) ([][]float64, error) {
	if setup == nil || !setup.IsValid() {
		return nil, simerr.New(simerr.Configuration, "photon counts", "acquisition setup is not valid")
	}
	work := setup.Clone()
	counts := make([][]float64, work.NbViews())
	for v := range counts {
		if err := work.PrepareView(v); err != nil {
			return nil, fmt.Errorf("photon counts, view %d: %w", v, err)
		}
		counts[v] = viewPhotonCounts(work.System())
	}
	return counts, nil
}

func viewPhotonCounts(sys *system.CTSystem) []float64 {
	fluence := system.PhotonFluence(sys.Source)
	pw, ph := sys.Detector.PixelSize()
	src := geometry.SourcePosition(sys)
	modules := geometry.ModuleLocations(sys)
	out := make([]float64, len(modules))
	for m, loc := range modules {
		ray := r3.Sub(loc.Position, src)
		d := r3.Norm(ray)
		if d == 0 {
			continue
		}
		cos := math.Abs(r3.Dot(loc.Axis(2), ray)) / d
		ratio := system.ReferenceDistance / d
		out[m] = fluence * ratio * ratio * pw * ph * cos
	}
	return out
}

// uniformCounts returns a view x module table filled with value.
func uniformCounts(views, modules int, value float64) [][]float64 {
	out := make([][]float64, views)
	for v := range out {
		out[v] = make([]float64, modules)
		for m := range out[v] {
			out[v][m] = value
		}
	}
	return out
}
