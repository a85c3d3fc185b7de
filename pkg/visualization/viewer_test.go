package visualization

import (
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"testing"

	"ctsim/internal/models"
)

func gradientVolume(width, height, depth int) *models.VoxelVolume {
	vol := models.NewVoxelVolume(models.Dimensions{X: width, Y: height, Z: depth}, models.VoxelSize{X: 1, Y: 1, Z: 1})
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				vol.Set(x, y, z, float32(x+y+z))
			}
		}
	}
	return vol
}

// TestNewViewer verifies that the display window covers the volume range
func TestNewViewer(t *testing.T) {
	vol := gradientVolume(10, 10, 5)
	viewer := NewViewer(vol)

	if viewer.Low != 0 {
		t.Errorf("Expected low 0, got %f", viewer.Low)
	}
	if viewer.High != 22 {
		t.Errorf("Expected high 22, got %f", viewer.High)
	}
}

// TestExtractSlice verifies that slices are correctly extracted from the volume
func TestExtractSlice(t *testing.T) {
	width, height, depth := 10, 10, 5
	vol := models.NewVoxelVolume(models.Dimensions{X: width, Y: height, Z: depth}, models.VoxelSize{X: 1, Y: 1, Z: 1})

	// Each slice along Z has a unique value
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				vol.Set(x, y, z, float32(z)/float32(depth-1))
			}
		}
	}
	viewer := NewViewer(vol)

	for z := 0; z < depth; z++ {
		img, err := viewer.ExtractSlice("z", z)
		if err != nil {
			t.Fatalf("Failed to extract Z slice at position %d: %v", z, err)
		}
		bounds := img.Bounds()
		if bounds.Dx() != width || bounds.Dy() != height {
			t.Errorf("Expected Z slice dimensions %dx%d, got %dx%d", width, height, bounds.Dx(), bounds.Dy())
		}

		gray16Img, ok := img.(*image.Gray16)
		if !ok {
			t.Fatalf("Expected *image.Gray16, got %T", img)
		}
		expected := float64(z) / float64(depth-1) * 65535
		got := float64(gray16Img.Gray16At(width/2, height/2).Y)
		if math.Abs(got-expected) > 1 {
			t.Errorf("Expected Z slice value ~%f at center, got %f", expected, got)
		}
	}

	imgX, err := viewer.ExtractSlice("x", width/2)
	if err != nil {
		t.Fatalf("Failed to extract X slice: %v", err)
	}
	if b := imgX.Bounds(); b.Dx() != depth || b.Dy() != height {
		t.Errorf("Expected X slice dimensions %dx%d, got %dx%d", depth, height, b.Dx(), b.Dy())
	}

	imgY, err := viewer.ExtractSlice("y", height/2)
	if err != nil {
		t.Fatalf("Failed to extract Y slice: %v", err)
	}
	if b := imgY.Bounds(); b.Dx() != width || b.Dy() != depth {
		t.Errorf("Expected Y slice dimensions %dx%d, got %dx%d", width, depth, b.Dx(), b.Dy())
	}

	if _, err := viewer.ExtractSlice("invalid", 0); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
	if _, err := viewer.ExtractSlice("z", depth+1); err == nil {
		t.Error("Expected error for out of bounds position, got nil")
	}
}

// TestExtractRegion verifies that sub-volumes are correctly extracted
func TestExtractRegion(t *testing.T) {
	vol := gradientVolume(10, 10, 5)
	viewer := NewViewer(vol)

	startX, startY, startZ := 2, 3, 1
	sizeX, sizeY, sizeZ := 4, 3, 2
	region, err := viewer.ExtractRegion(startX, startY, startZ, sizeX, sizeY, sizeZ)
	if err != nil {
		t.Fatalf("Failed to extract region: %v", err)
	}
	if region.NbVoxels() != sizeX*sizeY*sizeZ {
		t.Errorf("Expected region size %d, got %d", sizeX*sizeY*sizeZ, region.NbVoxels())
	}

	for z := 0; z < sizeZ; z++ {
		for y := 0; y < sizeY; y++ {
			for x := 0; x < sizeX; x++ {
				want := vol.At(startX+x, startY+y, startZ+z)
				if got := region.At(x, y, z); got != want {
					t.Errorf("Region value mismatch at (%d,%d,%d): expected %f, got %f", x, y, z, want, got)
				}
			}
		}
	}

	// Voxel positions are preserved
	if got, want := region.VoxelCenter(0, 0, 0), vol.VoxelCenter(startX, startY, startZ); got != want {
		t.Errorf("Expected first voxel at %v, got %v", want, got)
	}

	if _, err := viewer.ExtractRegion(-1, 0, 0, 1, 1, 1); err == nil {
		t.Error("Expected error for negative start coordinate, got nil")
	}
	if _, err := viewer.ExtractRegion(0, 0, 0, 0, 1, 1); err == nil {
		t.Error("Expected error for zero size, got nil")
	}
	if _, err := viewer.ExtractRegion(9, 0, 0, 2, 1, 1); err == nil {
		t.Error("Expected error for region extending beyond volume, got nil")
	}
}

// TestSaveSliceSequence verifies that a sequence of slices can be saved
func TestSaveSliceSequence(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}

	tempDir, err := os.MkdirTemp("", "viewer-sequence-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	depth := 3
	viewer := NewViewer(gradientVolume(5, 5, depth))
	outputDir := filepath.Join(tempDir, "slices")
	if err := viewer.SaveSliceSequence("z", outputDir); err != nil {
		t.Fatalf("Failed to save slice sequence: %v", err)
	}

	for z := 0; z < depth; z++ {
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_z_%03d.png", z))
		if _, err := os.Stat(filename); os.IsNotExist(err) {
			t.Errorf("Expected slice file does not exist: %s", filename)
		}
	}

	if err := viewer.SaveSliceSequence("invalid", outputDir); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
}
