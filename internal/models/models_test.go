package models

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctsim/pkg/spectrum"
)

func TestVoxelVolumeIndexing(t *testing.T) {
	v := NewVoxelVolume(Dimensions{X: 4, Y: 3, Z: 2}, VoxelSize{X: 1, Y: 2, Z: 3})
	require.False(t, v.IsEmpty())
	v.Set(3, 2, 1, 7)
	assert.Equal(t, float32(7), v.Data[len(v.Data)-1])
	assert.Equal(t, float32(7), v.At(3, 2, 1))

	c := v.VoxelCenter(0, 0, 0)
	assert.InDelta(t, -1.5, c.X, 1e-12)
	assert.InDelta(t, -2, c.Y, 1e-12)
	assert.InDelta(t, -1.5, c.Z, 1e-12)
}

func TestVoxelVolumeEmpty(t *testing.T) {
	var nilVol *VoxelVolume
	assert.True(t, nilVol.IsEmpty())
	assert.True(t, NewVoxelVolume(Dimensions{}, VoxelSize{X: 1, Y: 1, Z: 1}).IsEmpty())
	assert.True(t, (&VoxelVolume{Dims: Dimensions{X: 2, Y: 2, Z: 2}}).IsEmpty())
}

func TestSpectralVolumeScaling(t *testing.T) {
	density := NewVoxelVolume(Dimensions{X: 2, Y: 2, Z: 2}, VoxelSize{X: 1, Y: 1, Z: 1})
	density.Fill(2)
	sv := SpectralVolume{Name: "m", Volume: density, Model: spectrum.ConstantAttenuation(0.5)}

	mu := sv.MuVolume(60)
	assert.InDelta(t, 0.1, float64(mu.At(1, 1, 1)), 1e-7)
	assert.Equal(t, float32(2), density.At(1, 1, 1), "source grid untouched")

	plain := SpectralVolume{Volume: density}
	assert.Same(t, density, plain.MuVolume(60))

	comp := NewCompositeVolume(sv, plain)
	assert.True(t, comp.IsEnergyDependent())
	assert.False(t, comp.AtEnergy(60).IsEnergyDependent())
}

func TestProjectionDataArithmetic(t *testing.T) {
	dims := ProjectionDimensions{NbCols: 3, NbRows: 2, NbModules: 2, NbViews: 4}
	p := NewProjectionData(dims)
	assert.Equal(t, dims, p.Dimensions())
	p.Transform(func(float64) float64 { return 1 })

	q := p.Clone()
	q.Scale(2)
	require.NoError(t, p.Add(q))
	assert.InDelta(t, 3, p.Mean(), 1e-9)
	assert.InDelta(t, 2, q.Max(), 1e-9)

	other := NewProjectionData(ProjectionDimensions{NbCols: 1, NbRows: 1, NbModules: 1, NbViews: 1})
	assert.Error(t, p.Add(other))
}

func TestIntensityExtinctionConversion(t *testing.T) {
	p := NewProjectionData(ProjectionDimensions{NbCols: 2, NbRows: 2, NbModules: 1, NbViews: 2})
	p.Views[1].Modules[0].Set(1, 1, 2)
	i0 := [][]float64{{1000}, {500}}

	require.NoError(t, p.ToIntensity(i0))
	assert.InDelta(t, 1000, float64(p.Views[0].Modules[0].At(0, 0)), 1e-3)
	assert.InDelta(t, 500*math.Exp(-2), float64(p.Views[1].Modules[0].At(1, 1)), 1e-3)

	require.NoError(t, p.ToExtinction(i0))
	assert.InDelta(t, 2, float64(p.Views[1].Modules[0].At(1, 1)), 1e-5)
	assert.InDelta(t, 0, float64(p.Views[0].Modules[0].At(0, 0)), 1e-6)

	assert.Error(t, p.ToIntensity([][]float64{{1}}))
}

func TestEmptyProjectionData(t *testing.T) {
	p := &ProjectionData{}
	assert.True(t, p.IsEmpty())
	assert.Equal(t, Summary{}, p.Summarize())
}
