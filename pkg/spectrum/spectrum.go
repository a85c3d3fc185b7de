// Package spectrum models X-ray emission spectra and material attenuation.
//
// Emission models are black boxes mapping photon energy (keV) to relative
// intensity. Discretize turns a model into energy bins whose weights sum to
// one, which is the form the spectral projector extension consumes.
package spectrum

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/interp"
)

// pointsPerBin is the number of abscissae used to integrate a model over one bin.
const pointsPerBin = 9

// Model maps photon energy in keV to a relative emission intensity.
type Model interface {
	RelativeIntensity(energyKeV float64) float64
}

// ModelFunc adapts a plain function to Model.
type ModelFunc func(energyKeV float64) float64

// RelativeIntensity implements Model.
func (f ModelFunc) RelativeIntensity(energyKeV float64) float64 { return f(energyKeV) }

// KramersModel is the unfiltered bremsstrahlung spectrum of an X-ray tube,
// N(E) proportional to (E0 - E)/E for 0 < E < E0 with E0 the tube voltage in kV.
type KramersModel struct {
	TubeVoltage float64
}

// RelativeIntensity implements Model.
func (k KramersModel) RelativeIntensity(energyKeV float64) float64 {
	if energyKeV <= 0 || energyKeV >= k.TubeVoltage {
		return 0
	}
	return (k.TubeVoltage - energyKeV) / energyKeV
}

// MonoenergeticModel emits only at Energy. Discretize places the full weight
// in the bin containing it instead of integrating.
type MonoenergeticModel struct {
	Energy float64
}

// RelativeIntensity implements Model as a unit spike of width one keV.
func (m MonoenergeticModel) RelativeIntensity(energyKeV float64) float64 {
	if math.Abs(energyKeV-m.Energy) <= 0.5 {
		return 1
	}
	return 0
}

// TabulatedModel interpolates a sampled spectrum linearly. Energies outside
// the table take the value of the nearest end point.
type TabulatedModel struct {
	pl interp.PiecewiseLinear
}

// NewTabulatedModel fits a model to the (energy, intensity) table. Energies
// must be strictly increasing.
func NewTabulatedModel(energies, intensities []float64) (*TabulatedModel, error) {
	if len(energies) != len(intensities) {
		return nil, fmt.Errorf("spectrum table: %d energies but %d intensities", len(energies), len(intensities))
	}
	if err := checkAbscissae(energies); err != nil {
		return nil, fmt.Errorf("spectrum table: %w", err)
	}
	m := &TabulatedModel{}
	if err := m.pl.Fit(energies, intensities); err != nil {
		return nil, fmt.Errorf("fitting spectrum table: %w", err)
	}
	return m, nil
}

// checkAbscissae rejects tables interp.PiecewiseLinear.Fit would panic on.
func checkAbscissae(xs []float64) error {
	if len(xs) < 2 {
		return fmt.Errorf("need at least 2 entries, got %d", len(xs))
	}
	for i := 1; i < len(xs); i++ {
		if !(xs[i] > xs[i-1]) {
			return fmt.Errorf("energies not strictly increasing at entry %d (%g after %g)", i, xs[i], xs[i-1])
		}
	}
	return nil
}

// RelativeIntensity implements Model.
func (m *TabulatedModel) RelativeIntensity(energyKeV float64) float64 {
	return math.Max(0, m.pl.Predict(energyKeV))
}

// EnergyRange is a closed interval of photon energies in keV.
type EnergyRange struct {
	From float64 `yaml:"from"`
	To   float64 `yaml:"to"`
}

// Width returns To - From.
func (r EnergyRange) Width() float64 { return r.To - r.From }

// IsValid reports whether the range is non-empty and non-negative.
func (r EnergyRange) IsValid() bool { return r.From >= 0 && r.To > r.From }

// Union returns the smallest range containing r and o.
func (r EnergyRange) Union(o EnergyRange) EnergyRange {
	return EnergyRange{From: math.Min(r.From, o.From), To: math.Max(r.To, o.To)}
}

// Intersect returns the overlap of r and o, which may be invalid.
func (r EnergyRange) Intersect(o EnergyRange) EnergyRange {
	return EnergyRange{From: math.Max(r.From, o.From), To: math.Min(r.To, o.To)}
}

// Sample is one energy bin of a discretized spectrum.
type Sample struct {
	Energy    float64 // bin centre, keV
	BinWidth  float64 // keV
	Intensity float64 // relative weight
}

// Range returns the energy interval covered by the bin.
func (s Sample) Range() EnergyRange {
	return EnergyRange{From: s.Energy - s.BinWidth/2, To: s.Energy + s.BinWidth/2}
}

// Spectrum is an ordered set of energy bins.
type Spectrum []Sample

// Weights returns the bin intensities.
func (s Spectrum) Weights() []float64 {
	w := make([]float64, len(s))
	for i := range s {
		w[i] = s[i].Intensity
	}
	return w
}

// Energies returns the bin centres.
func (s Spectrum) Energies() []float64 {
	e := make([]float64, len(s))
	for i := range s {
		e[i] = s[i].Energy
	}
	return e
}

// TotalIntensity returns the sum of all weights.
func (s Spectrum) TotalIntensity() float64 {
	return floats.Sum(s.Weights())
}

// MeanEnergy returns the intensity-weighted mean energy.
func (s Spectrum) MeanEnergy() float64 {
	total := s.TotalIntensity()
	if total == 0 {
		return 0
	}
	return floats.Dot(s.Energies(), s.Weights()) / total
}

// Discretize integrates m over nbSamples equal bins spanning r and
// normalizes the result so the weights sum to one. A model with no emission
// inside r is an error.
func Discretize(m Model, r EnergyRange, nbSamples int) (Spectrum, error) {
	if nbSamples < 1 {
		return nil, fmt.Errorf("discretizing spectrum: need at least one sample, got %d", nbSamples)
	}
	if !r.IsValid() {
		return nil, fmt.Errorf("discretizing spectrum: invalid energy range [%g, %g]", r.From, r.To)
	}

	width := r.Width() / float64(nbSamples)
	sp := make(Spectrum, nbSamples)
	if mono, ok := m.(MonoenergeticModel); ok {
		return discretizeLine(sp, mono.Energy, r, width)
	}
	xs := make([]float64, pointsPerBin)
	fs := make([]float64, pointsPerBin)
	for b := range sp {
		lo := r.From + float64(b)*width
		floats.Span(xs, lo, lo+width)
		for i, x := range xs {
			fs[i] = m.RelativeIntensity(x)
		}
		sp[b] = Sample{
			Energy:    lo + width/2,
			BinWidth:  width,
			Intensity: integrate.Trapezoidal(xs, fs),
		}
	}

	total := sp.TotalIntensity()
	if total <= 0 {
		return sp, fmt.Errorf("discretizing spectrum: no emission in [%g, %g] keV", r.From, r.To)
	}
	for b := range sp {
		sp[b].Intensity /= total
	}
	return sp, nil
}

func discretizeLine(sp Spectrum, energy float64, r EnergyRange, width float64) (Spectrum, error) {
	for b := range sp {
		sp[b] = Sample{Energy: r.From + (float64(b)+0.5)*width, BinWidth: width}
	}
	if energy < r.From || energy > r.To {
		return sp, fmt.Errorf("discretizing spectrum: line at %g keV outside [%g, %g]", energy, r.From, r.To)
	}
	b := int((energy - r.From) / width)
	if b == len(sp) {
		b--
	}
	sp[b].Intensity = 1
	return sp, nil
}
