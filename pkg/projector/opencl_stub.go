//go:build !opencl

package projector

import (
	"context"

	"ctsim/internal/models"
	"ctsim/pkg/acquisition"
	"ctsim/pkg/simerr"
)

// OpenCLEngine is unavailable without the opencl build tag.
type OpenCLEngine struct{}

// NewOpenCLEngine always fails in builds without OpenCL support.
func NewOpenCLEngine() (*OpenCLEngine, error) {
	return nil, simerr.New(simerr.Runtime, "opencl engine", "OpenCL support is not enabled; rebuild with -tags opencl")
}

// DeviceName returns an empty string.
func (e *OpenCLEngine) DeviceName() string { return "" }

// Close is a no-op.
func (e *OpenCLEngine) Close() {}

// OpenCLRayCaster is unavailable without the opencl build tag.
type OpenCLRayCaster struct{}

// NewOpenCLRayCaster returns a projector that reports ErrRuntime.
func NewOpenCLRayCaster(_ *OpenCLEngine, _ RayCasterConfig) *OpenCLRayCaster {
	return &OpenCLRayCaster{}
}

func errNoOpenCL(op string) error {
	return simerr.New(simerr.Runtime, op, "OpenCL projector unavailable; rebuild with -tags opencl")
}

// SetProgressFunc is a no-op.
func (rc *OpenCLRayCaster) SetProgressFunc(ProgressFunc) {}

// Configure implements Projector.
func (rc *OpenCLRayCaster) Configure(*acquisition.Setup) error { return errNoOpenCL("configure") }

// IsLinear implements Projector.
func (rc *OpenCLRayCaster) IsLinear() bool { return true }

// Project implements Projector.
func (rc *OpenCLRayCaster) Project(context.Context, *models.VoxelVolume) (*models.ProjectionData, error) {
	return &models.ProjectionData{}, errNoOpenCL("project")
}

// ProjectComposite implements Projector.
func (rc *OpenCLRayCaster) ProjectComposite(context.Context, *models.CompositeVolume) (*models.ProjectionData, error) {
	return &models.ProjectionData{}, errNoOpenCL("project composite")
}
