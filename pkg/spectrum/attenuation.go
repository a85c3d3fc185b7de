package spectrum

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/interp"
)

// AttenuationModel returns the mass attenuation coefficient mu/rho in cm^2/g
// at a photon energy in keV.
type AttenuationModel interface {
	MassAttenuation(energyKeV float64) float64
}

// ConstantAttenuation is energy independent.
type ConstantAttenuation float64

// MassAttenuation implements AttenuationModel.
func (c ConstantAttenuation) MassAttenuation(float64) float64 { return float64(c) }

// LinearAttenuation varies linearly with energy: Offset + Slope*E.
type LinearAttenuation struct {
	Offset float64
	Slope  float64
}

// MassAttenuation implements AttenuationModel.
func (l LinearAttenuation) MassAttenuation(energyKeV float64) float64 {
	return l.Offset + l.Slope*energyKeV
}

// TabulatedAttenuation interpolates a mu/rho table linearly in log-log space.
// Energies beyond the table take the nearest tabulated value.
type TabulatedAttenuation struct {
	Name string
	pl   interp.PiecewiseLinear
}

// NewTabulatedAttenuation fits a table of strictly increasing energies (keV)
// and positive mass attenuation coefficients (cm^2/g).
func NewTabulatedAttenuation(name string, energies, coefficients []float64) (*TabulatedAttenuation, error) {
	if len(energies) != len(coefficients) {
		return nil, fmt.Errorf("attenuation table %q: %d energies but %d coefficients", name, len(energies), len(coefficients))
	}
	logE := make([]float64, len(energies))
	logMu := make([]float64, len(coefficients))
	for i := range energies {
		if energies[i] <= 0 || coefficients[i] <= 0 {
			return nil, fmt.Errorf("attenuation table %q: entry %d is not positive", name, i)
		}
		logE[i] = math.Log(energies[i])
		logMu[i] = math.Log(coefficients[i])
	}
	if err := checkAbscissae(energies); err != nil {
		return nil, fmt.Errorf("attenuation table %q: %w", name, err)
	}
	t := &TabulatedAttenuation{Name: name}
	if err := t.pl.Fit(logE, logMu); err != nil {
		return nil, fmt.Errorf("attenuation table %q: %w", name, err)
	}
	return t, nil
}

// MassAttenuation implements AttenuationModel.
func (t *TabulatedAttenuation) MassAttenuation(energyKeV float64) float64 {
	if energyKeV <= 0 {
		energyKeV = math.SmallestNonzeroFloat64
	}
	return math.Exp(t.pl.Predict(math.Log(energyKeV)))
}

// NIST XCOM total attenuation with coherent scattering, keV -> cm^2/g.
var (
	tableEnergies = []float64{10, 15, 20, 30, 40, 50, 60, 80, 100, 150}
	waterMuRho    = []float64{5.329, 1.673, 0.8096, 0.3756, 0.2683, 0.2269, 0.2059, 0.1837, 0.1707, 0.1505}
	boneMuRho     = []float64{28.51, 9.032, 4.001, 1.331, 0.6655, 0.4242, 0.3148, 0.2229, 0.1855, 0.1480}
)

// Water returns the attenuation model of liquid water.
func Water() *TabulatedAttenuation {
	t, err := NewTabulatedAttenuation("water", tableEnergies, waterMuRho)
	if err != nil {
		panic(err)
	}
	return t
}

// Bone returns the attenuation model of cortical bone.
func Bone() *TabulatedAttenuation {
	t, err := NewTabulatedAttenuation("bone", tableEnergies, boneMuRho)
	if err != nil {
		panic(err)
	}
	return t
}

// Material looks up a built-in attenuation model by name.
func Material(name string) (AttenuationModel, error) {
	switch name {
	case "water":
		return Water(), nil
	case "bone":
		return Bone(), nil
	default:
		return nil, fmt.Errorf("unknown material %q", name)
	}
}
