package models

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"ctsim/pkg/spectrum"
)

// Dimensions is the number of voxels along each axis.
type Dimensions struct {
	X int `yaml:"x"`
	Y int `yaml:"y"`
	Z int `yaml:"z"`
}

// Product returns X*Y*Z.
func (d Dimensions) Product() int { return d.X * d.Y * d.Z }

// VoxelSize is the physical edge length of a voxel in mm along each axis.
type VoxelSize struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	Z float64 `yaml:"z"`
}

// Smallest returns the shortest voxel edge (signed, as stored).
func (s VoxelSize) Smallest() float64 {
	return math.Min(s.X, math.Min(s.Y, s.Z))
}

// Abs returns the voxel size with every edge made non-negative.
func (s VoxelSize) Abs() VoxelSize {
	return VoxelSize{X: math.Abs(s.X), Y: math.Abs(s.Y), Z: math.Abs(s.Z)}
}

// VoxelVolume is a dense 3-D grid of scalar values (attenuation in 1/mm or
// density in g/cm^3).
type VoxelVolume struct {
	// Dims is the grid size in voxels
	Dims Dimensions

	// VoxelSize is the physical size of each voxel in mm
	VoxelSize VoxelSize

	// Offset is the world position (mm) of the volume centre
	Offset r3.Vec

	// Data holds the values in row-major order, x running fastest
	Data []float32
}

// NewVoxelVolume allocates a zero-filled volume centred at the origin.
func NewVoxelVolume(dims Dimensions, voxelSize VoxelSize) *VoxelVolume {
	return &VoxelVolume{
		Dims:      dims,
		VoxelSize: voxelSize,
		Data:      make([]float32, dims.Product()),
	}
}

// NbVoxels returns the number of voxels described by Dims.
func (v *VoxelVolume) NbVoxels() int { return v.Dims.Product() }

// IsEmpty reports whether the volume holds no usable data.
func (v *VoxelVolume) IsEmpty() bool {
	return v == nil || v.NbVoxels() == 0 || len(v.Data) != v.NbVoxels()
}

// Index returns the linear index of voxel (x, y, z).
func (v *VoxelVolume) Index(x, y, z int) int {
	return (z*v.Dims.Y+y)*v.Dims.X + x
}

// At returns the value of voxel (x, y, z).
func (v *VoxelVolume) At(x, y, z int) float32 { return v.Data[v.Index(x, y, z)] }

// Set assigns the value of voxel (x, y, z).
func (v *VoxelVolume) Set(x, y, z int, val float32) { v.Data[v.Index(x, y, z)] = val }

// Fill assigns val to every voxel.
func (v *VoxelVolume) Fill(val float32) {
	for i := range v.Data {
		v.Data[i] = val
	}
}

// VoxelCenter returns the world position of the centre of voxel (x, y, z).
func (v *VoxelVolume) VoxelCenter(x, y, z int) r3.Vec {
	return r3.Vec{
		X: v.Offset.X + (float64(x)-float64(v.Dims.X-1)/2)*v.VoxelSize.X,
		Y: v.Offset.Y + (float64(y)-float64(v.Dims.Y-1)/2)*v.VoxelSize.Y,
		Z: v.Offset.Z + (float64(z)-float64(v.Dims.Z-1)/2)*v.VoxelSize.Z,
	}
}

// Clone returns a deep copy.
func (v *VoxelVolume) Clone() *VoxelVolume {
	c := *v
	c.Data = append([]float32(nil), v.Data...)
	return &c
}

// Scaled returns a copy with every value multiplied by f.
func (v *VoxelVolume) Scaled(f float64) *VoxelVolume {
	c := v.Clone()
	for i := range c.Data {
		c.Data[i] = float32(float64(c.Data[i]) * f)
	}
	return c
}

// Add accumulates o into v. Both volumes must share dimensions.
func (v *VoxelVolume) Add(o *VoxelVolume) error {
	if v.Dims != o.Dims || len(v.Data) != len(o.Data) {
		return fmt.Errorf("adding volumes: dimensions %v and %v differ", v.Dims, o.Dims)
	}
	for i := range v.Data {
		v.Data[i] += o.Data[i]
	}
	return nil
}

// Max returns the largest voxel value.
func (v *VoxelVolume) Max() float32 {
	m := float32(math.Inf(-1))
	for _, val := range v.Data {
		if val > m {
			m = val
		}
	}
	return m
}

// SpectralVolume is a named material sub-volume. With a non-nil Model,
// Volume holds mass density (g/cm^3) and Model the mass attenuation
// coefficient (cm^2/g). A nil Model means Volume already holds attenuation
// (1/mm) that does not depend on energy.
type SpectralVolume struct {
	Name   string
	Volume *VoxelVolume
	Model  spectrum.AttenuationModel
}

// AttenuationScale returns the factor converting the stored values into
// attenuation in 1/mm at the given energy.
func (s SpectralVolume) AttenuationScale(energyKeV float64) float64 {
	if s.Model == nil {
		return 1
	}
	// g/cm^3 * cm^2/g = 1/cm
	return 0.1 * s.Model.MassAttenuation(energyKeV)
}

// MuVolume returns the attenuation grid (1/mm) at the given energy.
func (s SpectralVolume) MuVolume(energyKeV float64) *VoxelVolume {
	if s.Model == nil {
		return s.Volume
	}
	return s.Volume.Scaled(s.AttenuationScale(energyKeV))
}

// CompositeVolume is an ordered collection of material sub-volumes. The
// sub-volumes need not share a grid.
type CompositeVolume struct {
	Components []SpectralVolume
}

// NewCompositeVolume groups the given sub-volumes.
func NewCompositeVolume(components ...SpectralVolume) *CompositeVolume {
	return &CompositeVolume{Components: components}
}

// NewAttenuationComposite wraps a plain attenuation volume.
func NewAttenuationComposite(v *VoxelVolume) *CompositeVolume {
	return NewCompositeVolume(SpectralVolume{Name: "attenuation", Volume: v})
}

// Add appends a sub-volume.
func (c *CompositeVolume) Add(s SpectralVolume) {
	c.Components = append(c.Components, s)
}

// IsEmpty reports whether no component holds data.
func (c *CompositeVolume) IsEmpty() bool {
	if c == nil {
		return true
	}
	for _, s := range c.Components {
		if !s.Volume.IsEmpty() {
			return false
		}
	}
	return true
}

// IsEnergyDependent reports whether any component carries an attenuation model.
func (c *CompositeVolume) IsEnergyDependent() bool {
	for _, s := range c.Components {
		if s.Model != nil {
			return true
		}
	}
	return false
}

// AtEnergy returns the composite of attenuation grids at the given energy.
// The result is energy independent.
func (c *CompositeVolume) AtEnergy(energyKeV float64) *CompositeVolume {
	out := &CompositeVolume{Components: make([]SpectralVolume, len(c.Components))}
	for i, s := range c.Components {
		out.Components[i] = SpectralVolume{Name: s.Name, Volume: s.MuVolume(energyKeV)}
	}
	return out
}
