package phantom

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBallVolumeFraction(t *testing.T) {
	v := Ball(40, 0.5, 1)
	var inside int
	for _, x := range v.Data {
		if x > 0 {
			inside++
		}
	}
	fraction := float64(inside) / float64(len(v.Data))
	assert.InDelta(t, math.Pi/6, fraction, 0.02)
	assert.Equal(t, float32(1), v.At(20, 20, 20))
	assert.Equal(t, float32(0), v.At(0, 0, 0))
}

func TestNamedPhantoms(t *testing.T) {
	for _, kind := range []string{"ball", "cylinder", "cube"} {
		v, err := New(kind, 8, 1, 0.02)
		require.NoError(t, err, kind)
		assert.Equal(t, float32(0.02), v.At(4, 4, 4), kind)
	}
	_, err := New("torus", 8, 1, 1)
	assert.Error(t, err)
}

func TestWaterBoneMaterialsDoNotOverlap(t *testing.T) {
	c := WaterBone(32, 1)
	require.Len(t, c.Components, 2)
	water, bone := c.Components[0].Volume, c.Components[1].Volume
	var boneVoxels int
	for i := range water.Data {
		if bone.Data[i] > 0 {
			boneVoxels++
			assert.Zero(t, water.Data[i])
		}
	}
	assert.Positive(t, boneVoxels)
	assert.True(t, c.IsEnergyDependent())
}
