// Package visualization exports volumes and simulated projections as
// images, profile plots and raw data.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"ctsim/internal/models"
)

// Viewer extracts grey-level slices from a voxel volume. Values are mapped
// linearly from [Low, High] onto the full 16-bit range.
type Viewer struct {
	volume *models.VoxelVolume

	// display window
	Low  float64
	High float64
}

// NewViewer creates a viewer whose window spans zero to the volume maximum.
func NewViewer(volume *models.VoxelVolume) *Viewer {
	return &Viewer{volume: volume, High: float64(volume.Max())}
}

// grey maps v onto the display window.
func grey(v, low, high float64) color.Gray16 {
	if high <= low {
		return color.Gray16{}
	}
	t := (v - low) / (high - low)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, t*65535)))}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	d := v.volume.Dims
	var img *image.Gray16

	switch axis {
	case "x", "X":
		// YZ plane
		if position >= d.X {
			return nil, fmt.Errorf("position %d exceeds width %d", position, d.X)
		}
		img = image.NewGray16(image.Rect(0, 0, d.Z, d.Y))
		for y := 0; y < d.Y; y++ {
			for z := 0; z < d.Z; z++ {
				img.SetGray16(z, y, grey(float64(v.volume.At(position, y, z)), v.Low, v.High))
			}
		}

	case "y", "Y":
		// XZ plane
		if position >= d.Y {
			return nil, fmt.Errorf("position %d exceeds height %d", position, d.Y)
		}
		img = image.NewGray16(image.Rect(0, 0, d.X, d.Z))
		for z := 0; z < d.Z; z++ {
			for x := 0; x < d.X; x++ {
				img.SetGray16(x, z, grey(float64(v.volume.At(x, position, z)), v.Low, v.High))
			}
		}

	case "z", "Z":
		// XY plane
		if position >= d.Z {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, d.Z)
		}
		img = image.NewGray16(image.Rect(0, 0, d.X, d.Y))
		for y := 0; y < d.Y; y++ {
			for x := 0; x < d.X; x++ {
				img.SetGray16(x, y, grey(float64(v.volume.At(x, y, position)), v.Low, v.High))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// ExtractRegion copies a box of voxels into a new volume with the same voxel
// size, centred where the box sits in the source volume.
func (v *Viewer) ExtractRegion(startX, startY, startZ, sizeX, sizeY, sizeZ int) (*models.VoxelVolume, error) {
	if startX < 0 || startY < 0 || startZ < 0 {
		return nil, fmt.Errorf("start coordinates must be non-negative")
	}
	if sizeX <= 0 || sizeY <= 0 || sizeZ <= 0 {
		return nil, fmt.Errorf("size dimensions must be positive")
	}
	d := v.volume.Dims
	if startX+sizeX > d.X || startY+sizeY > d.Y || startZ+sizeZ > d.Z {
		return nil, fmt.Errorf("region extends beyond volume boundaries")
	}

	region := models.NewVoxelVolume(models.Dimensions{X: sizeX, Y: sizeY, Z: sizeZ}, v.volume.VoxelSize)
	lo := v.volume.VoxelCenter(startX, startY, startZ)
	hi := v.volume.VoxelCenter(startX+sizeX-1, startY+sizeY-1, startZ+sizeZ-1)
	region.Offset.X = (lo.X + hi.X) / 2
	region.Offset.Y = (lo.Y + hi.Y) / 2
	region.Offset.Z = (lo.Z + hi.Z) / 2
	for z := 0; z < sizeZ; z++ {
		for y := 0; y < sizeY; y++ {
			for x := 0; x < sizeX; x++ {
				region.Set(x, y, z, v.volume.At(startX+x, startY+y, startZ+z))
			}
		}
	}
	return region, nil
}

// SaveImage writes img as a PNG file.
func SaveImage(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.volume.Dims.X
	case "y", "Y":
		maxPos = v.volume.Dims.Y
	case "z", "Z":
		maxPos = v.volume.Dims.Z
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := SaveImage(img, filename); err != nil {
			return err
		}
	}
	return nil
}
