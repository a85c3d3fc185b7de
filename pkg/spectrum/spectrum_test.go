package spectrum

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscretizeKramers(t *testing.T) {
	sp, err := Discretize(KramersModel{TubeVoltage: 80}, EnergyRange{From: 0, To: 80}, 8)
	require.NoError(t, err)
	require.Len(t, sp, 8)

	assert.InDelta(t, 1.0, sp.TotalIntensity(), 1e-12)
	assert.InDelta(t, 5.0, sp[0].Energy, 1e-12)
	assert.InDelta(t, 10.0, sp[0].BinWidth, 1e-12)
	for i := 1; i < len(sp); i++ {
		assert.Less(t, sp[i].Intensity, sp[i-1].Intensity, "Kramers spectrum decreases with energy")
	}
	assert.Greater(t, sp.MeanEnergy(), 0.0)
	assert.Less(t, sp.MeanEnergy(), 40.0)
}

func TestDiscretizeErrors(t *testing.T) {
	_, err := Discretize(KramersModel{TubeVoltage: 80}, EnergyRange{From: 0, To: 80}, 0)
	assert.Error(t, err)

	_, err = Discretize(KramersModel{TubeVoltage: 80}, EnergyRange{From: 10, To: 5}, 4)
	assert.Error(t, err)

	_, err = Discretize(KramersModel{TubeVoltage: 50}, EnergyRange{From: 60, To: 80}, 4)
	assert.Error(t, err)
}

func TestDiscretizeMonoenergetic(t *testing.T) {
	sp, err := Discretize(MonoenergeticModel{Energy: 63}, EnergyRange{From: 0, To: 100}, 10)
	require.NoError(t, err)
	assert.Equal(t, 1.0, sp[6].Intensity)
	assert.Equal(t, 1.0, sp.TotalIntensity())
}

func TestTabulatedModel(t *testing.T) {
	m, err := NewTabulatedModel([]float64{10, 20, 30}, []float64{1, 3, 0})
	require.NoError(t, err)
	assert.InDelta(t, 2.0, m.RelativeIntensity(15), 1e-12)
	assert.InDelta(t, 1.0, m.RelativeIntensity(5), 1e-12)

	_, err = NewTabulatedModel([]float64{10, 5}, []float64{1, 2})
	assert.Error(t, err)
	_, err = NewTabulatedModel([]float64{10, 10, 20}, []float64{1, 2, 3})
	assert.Error(t, err)
	_, err = NewTabulatedModel([]float64{10}, []float64{1})
	assert.Error(t, err)
	_, err = NewTabulatedModel(nil, nil)
	assert.Error(t, err)
}

func TestTabulatedAttenuationRejectsBadTables(t *testing.T) {
	a, err := NewTabulatedAttenuation("test", []float64{10, 100}, []float64{1, 0.1})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, a.MassAttenuation(10), 1e-9)
	assert.InDelta(t, math.Sqrt(0.1), a.MassAttenuation(math.Sqrt(1000)), 1e-9)

	for name, energies := range map[string][]float64{
		"decreasing": {100, 10},
		"repeated":   {10, 10},
		"single":     {10},
	} {
		_, err := NewTabulatedAttenuation(name, energies, ones(len(energies)))
		assert.Error(t, err, name)
	}
}

func ones(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

func TestAttenuationModels(t *testing.T) {
	w := Water()
	assert.InDelta(t, 0.2269, w.MassAttenuation(50), 1e-9)
	assert.Greater(t, w.MassAttenuation(45), w.MassAttenuation(50))
	assert.Less(t, w.MassAttenuation(45), w.MassAttenuation(40))
	assert.Greater(t, Bone().MassAttenuation(30), w.MassAttenuation(30))

	assert.Equal(t, 0.2, ConstantAttenuation(0.2).MassAttenuation(70))
	assert.InDelta(t, 0.5, LinearAttenuation{Offset: 0.1, Slope: 0.01}.MassAttenuation(40), 1e-12)

	_, err := Material("lead")
	assert.Error(t, err)
	m, err := Material("bone")
	require.NoError(t, err)
	assert.NotNil(t, m)
}

func TestEnergyRange(t *testing.T) {
	a := EnergyRange{From: 10, To: 50}
	b := EnergyRange{From: 30, To: 80}
	assert.Equal(t, EnergyRange{From: 10, To: 80}, a.Union(b))
	assert.Equal(t, EnergyRange{From: 30, To: 50}, a.Intersect(b))
	assert.False(t, EnergyRange{From: 50, To: 10}.IsValid())
}
