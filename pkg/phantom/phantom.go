// Package phantom generates simple analytic test objects as voxel volumes.
package phantom

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"ctsim/internal/models"
	"ctsim/pkg/spectrum"
)

// Shape reports whether a point (mm, relative to the volume centre) lies
// inside an object.
type Shape func(p r3.Vec) bool

// BallShape is a sphere of the given radius centred at c.
func BallShape(c r3.Vec, radius float64) Shape {
	return func(p r3.Vec) bool { return r3.Norm(r3.Sub(p, c)) <= radius }
}

// CylinderShape is a z-aligned cylinder centred at c.
func CylinderShape(c r3.Vec, radius, height float64) Shape {
	return func(p r3.Vec) bool {
		d := r3.Sub(p, c)
		return math.Hypot(d.X, d.Y) <= radius && math.Abs(d.Z) <= height/2
	}
}

// CubeShape is an axis-aligned cube centred at c.
func CubeShape(c r3.Vec, edge float64) Shape {
	return func(p r3.Vec) bool {
		d := r3.Sub(p, c)
		h := edge / 2
		return math.Abs(d.X) <= h && math.Abs(d.Y) <= h && math.Abs(d.Z) <= h
	}
}

// Fill sets every voxel of v whose centre lies inside s to value.
func Fill(v *models.VoxelVolume, s Shape, value float32) {
	for z := 0; z < v.Dims.Z; z++ {
		for y := 0; y < v.Dims.Y; y++ {
			for x := 0; x < v.Dims.X; x++ {
				if s(r3.Sub(v.VoxelCenter(x, y, z), v.Offset)) {
					v.Set(x, y, z, value)
				}
			}
		}
	}
}

func cubic(n int, voxel float64) *models.VoxelVolume {
	return models.NewVoxelVolume(models.Dimensions{X: n, Y: n, Z: n}, models.VoxelSize{X: voxel, Y: voxel, Z: voxel})
}

// Ball returns an n^3 volume holding a centred ball of value filling the
// volume up to its faces.
func Ball(n int, voxel float64, value float32) *models.VoxelVolume {
	v := cubic(n, voxel)
	Fill(v, BallShape(r3.Vec{}, float64(n)*voxel/2), value)
	return v
}

// Cylinder returns an n^3 volume holding a centred z-aligned cylinder.
func Cylinder(n int, voxel float64, value float32) *models.VoxelVolume {
	v := cubic(n, voxel)
	extent := float64(n) * voxel
	Fill(v, CylinderShape(r3.Vec{}, extent/2, extent), value)
	return v
}

// Cube returns an n^3 volume of constant value.
func Cube(n int, voxel float64, value float32) *models.VoxelVolume {
	v := cubic(n, voxel)
	v.Fill(value)
	return v
}

// WaterBone returns a two-material composite: a water cylinder (density 1)
// with a bone ball insert (density 1.92) of a quarter of the volume extent.
func WaterBone(n int, voxel float64) *models.CompositeVolume {
	extent := float64(n) * voxel
	water := cubic(n, voxel)
	Fill(water, CylinderShape(r3.Vec{}, extent/2, extent), 1)
	bone := cubic(n, voxel)
	insert := BallShape(r3.Vec{X: extent / 8}, extent/8)
	Fill(bone, insert, 1.92)
	Fill(water, insert, 0)
	return models.NewCompositeVolume(
		models.SpectralVolume{Name: "water", Volume: water, Model: spectrum.Water()},
		models.SpectralVolume{Name: "bone", Volume: bone, Model: spectrum.Bone()},
	)
}

// New builds a named phantom: "ball", "cylinder" or "cube".
func New(kind string, n int, voxel float64, value float32) (*models.VoxelVolume, error) {
	switch kind {
	case "ball":
		return Ball(n, voxel, value), nil
	case "cylinder":
		return Cylinder(n, voxel, value), nil
	case "cube":
		return Cube(n, voxel, value), nil
	default:
		return nil, fmt.Errorf("unknown phantom %q (must be ball, cylinder or cube)", kind)
	}
}
