// Package projector computes simulated projections of voxel volumes. The
// base RayCaster integrates attenuation along rays from the source to every
// detector pixel; extensions wrap a nested projector to add physical
// effects such as an extended focal spot, polychromatic spectra and quantum
// noise.
package projector

import (
	"context"
	"fmt"

	"ctsim/internal/models"
	"ctsim/pkg/acquisition"
	"ctsim/pkg/simerr"
)

// Projector turns volumes into projections for a configured acquisition.
type Projector interface {
	// Configure prepares the projector for setup. It must be called before
	// projecting and again whenever the setup changes.
	Configure(setup *acquisition.Setup) error
	Project(ctx context.Context, volume *models.VoxelVolume) (*models.ProjectionData, error)
	ProjectComposite(ctx context.Context, volume *models.CompositeVolume) (*models.ProjectionData, error)
	// IsLinear reports whether projections scale linearly with the volume
	// values, so that projecting a sum equals the sum of projections.
	IsLinear() bool
}

// Extension is a projector that decorates a nested one.
type Extension interface {
	Projector
	Use(nested Projector)
	Nested() Projector
}

// ProgressFunc is called with the index of each completed view, in view
// order.
type ProgressFunc func(view int)

// ExtensionBase forwards every call to the nested projector. Extensions
// embed it and override what they change.
type ExtensionBase struct {
	nested Projector
}

// Use implements Extension.
func (e *ExtensionBase) Use(nested Projector) { e.nested = nested }

// Nested implements Extension.
func (e *ExtensionBase) Nested() Projector { return e.nested }

func (e *ExtensionBase) requireNested(op string) error {
	if e.nested == nil {
		return simerr.New(simerr.Configuration, op, "extension has no nested projector")
	}
	return nil
}

// Configure implements Projector.
func (e *ExtensionBase) Configure(setup *acquisition.Setup) error {
	if err := e.requireNested("configure extension"); err != nil {
		return err
	}
	return e.nested.Configure(setup)
}

// Project implements Projector.
func (e *ExtensionBase) Project(ctx context.Context, volume *models.VoxelVolume) (*models.ProjectionData, error) {
	if err := e.requireNested("project"); err != nil {
		return &models.ProjectionData{}, err
	}
	return e.nested.Project(ctx, volume)
}

// ProjectComposite implements Projector.
func (e *ExtensionBase) ProjectComposite(ctx context.Context, volume *models.CompositeVolume) (*models.ProjectionData, error) {
	if err := e.requireNested("project composite"); err != nil {
		return &models.ProjectionData{}, err
	}
	return e.nested.ProjectComposite(ctx, volume)
}

// IsLinear implements Projector.
func (e *ExtensionBase) IsLinear() bool {
	return e.nested != nil && e.nested.IsLinear()
}

// Pipe stacks exts on top of base: exts[0] wraps base, exts[1] wraps
// exts[0] and so on, so the last extension is outermost. Poisson noise must
// be the outermost effect; any extension placed outside it is rejected.
func Pipe(base Projector, exts ...Extension) (Projector, error) {
	if base == nil {
		return nil, simerr.New(simerr.Configuration, "pipe", "no base projector")
	}
	for i, ext := range exts {
		if _, ok := ext.(*PoissonNoiseExtension); ok && i != len(exts)-1 {
			return nil, simerr.New(simerr.Configuration, "pipe",
				"%T at position %d would wrap Poisson noise; noise must be outermost", exts[i+1], i+1)
		}
	}
	if len(exts) > 0 && containsPoisson(base) {
		return nil, simerr.New(simerr.Configuration, "pipe", "base chain already ends in Poisson noise")
	}
	current := base
	for _, ext := range exts {
		ext.Use(current)
		current = ext
	}
	return current, nil
}

func containsPoisson(p Projector) bool {
	for p != nil {
		if _, ok := p.(*PoissonNoiseExtension); ok {
			return true
		}
		ext, ok := p.(Extension)
		if !ok {
			return false
		}
		p = ext.Nested()
	}
	return false
}

// Describe lists the chain from the outermost projector inwards.
func Describe(p Projector) string {
	s := fmt.Sprintf("%T", p)
	for {
		ext, ok := p.(Extension)
		if !ok || ext.Nested() == nil {
			return s
		}
		p = ext.Nested()
		s += fmt.Sprintf(" -> %T", p)
	}
}
