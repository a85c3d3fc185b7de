package projector

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"ctsim/internal/logging"
	"ctsim/internal/models"
	"ctsim/pkg/acquisition"
	"ctsim/pkg/simerr"
	"ctsim/pkg/system"
)

// ArealFocalSpotExtension models a finite focal spot by averaging
// projections from a grid of source positions covering the focal spot of
// each view. Averaging happens in the intensity domain unless
// LowExtinctionApproximation is set, in which case extinctions are averaged
// directly and the extension stays linear.
type ArealFocalSpotExtension struct {
	ExtensionBase

	// Discretization is the number of samples along the source u and v axes
	Discretization [2]int

	LowExtinctionApproximation bool

	setup *acquisition.Setup
	spots []system.FocalSpotSize
}

// NewArealFocalSpot returns a focal spot extension sampling nu x nv points.
func NewArealFocalSpot(nu, nv int, lowExtinction bool) *ArealFocalSpotExtension {
	return &ArealFocalSpotExtension{Discretization: [2]int{nu, nv}, LowExtinctionApproximation: lowExtinction}
}

func (e *ArealFocalSpotExtension) grid() (int, int) {
	return max(e.Discretization[0], 1), max(e.Discretization[1], 1)
}

func (e *ArealFocalSpotExtension) nbSamples() int {
	nu, nv := e.grid()
	return nu * nv
}

// Configure implements Projector.
func (e *ArealFocalSpotExtension) Configure(setup *acquisition.Setup) error {
	if err := e.ExtensionBase.Configure(setup); err != nil {
		return err
	}
	work := setup.Clone()
	e.spots = make([]system.FocalSpotSize, work.NbViews())
	for v := range e.spots {
		if err := work.PrepareView(v); err != nil {
			return fmt.Errorf("configuring focal spot: %w", err)
		}
		e.spots[v] = work.System().Source.Base().FocalSpot
	}
	e.setup = setup.Clone()
	return nil
}

// IsLinear implements Projector.
func (e *ArealFocalSpotExtension) IsLinear() bool {
	return e.ExtensionBase.IsLinear() && (e.LowExtinctionApproximation || e.nbSamples() == 1)
}

// sampleSetup returns the setup of sample (i, j): every view gets its focal
// spot displaced to the sample position and its flux divided by the number
// of samples.
func (e *ArealFocalSpotExtension) sampleSetup(i, j int) (*acquisition.Setup, error) {
	nu, nv := e.grid()
	s := e.setup.Clone()
	scaling := 1 / float64(nu*nv)
	for v := 0; v < s.NbViews(); v++ {
		spot := e.spots[v]
		disp := r3.Vec{
			X: spot.Width * ((float64(i)+0.5)/float64(nu) - 0.5),
			Y: spot.Height * ((float64(j)+0.5)/float64(nv) - 0.5),
		}
		if err := s.AddPrepareStep(v, &acquisition.SourceParam{FocalSpotDisplacement: &disp, FluxScaling: &scaling}); err != nil {
			return nil, fmt.Errorf("focal spot sample (%d,%d): %w", i, j, err)
		}
	}
	return s, nil
}

// Project implements Projector.
func (e *ArealFocalSpotExtension) Project(ctx context.Context, volume *models.VoxelVolume) (*models.ProjectionData, error) {
	return e.project(ctx, func(ctx context.Context) (*models.ProjectionData, error) {
		return e.nested.Project(ctx, volume)
	})
}

// ProjectComposite implements Projector.
func (e *ArealFocalSpotExtension) ProjectComposite(ctx context.Context, volume *models.CompositeVolume) (*models.ProjectionData, error) {
	return e.project(ctx, func(ctx context.Context) (*models.ProjectionData, error) {
		return e.nested.ProjectComposite(ctx, volume)
	})
}

// project runs one nested projection per sample. The next sample is
// projected while the previous one is accumulated.
func (e *ArealFocalSpotExtension) project(ctx context.Context, run func(context.Context) (*models.ProjectionData, error)) (*models.ProjectionData, error) {
	if err := e.requireNested("project focal spot"); err != nil {
		return &models.ProjectionData{}, err
	}
	if e.setup == nil {
		return &models.ProjectionData{}, simerr.New(simerr.Configuration, "project focal spot", "extension is not configured")
	}
	if e.nbSamples() == 1 {
		return run(ctx)
	}
	log := logging.For("focalspot")
	nu, nv := e.grid()
	weight := 1 / float64(nu*nv)

	results := make(chan *models.ProjectionData, 1)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(results)
		for j := 0; j < nv; j++ {
			for i := 0; i < nu; i++ {
				setup, err := e.sampleSetup(i, j)
				if err != nil {
					return err
				}
				if err := e.nested.Configure(setup); err != nil {
					return fmt.Errorf("focal spot sample (%d,%d): %w", i, j, err)
				}
				proj, err := run(gctx)
				if err != nil {
					return fmt.Errorf("focal spot sample (%d,%d): %w", i, j, err)
				}
				select {
				case results <- proj:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		}
		return nil
	})

	var sum *models.ProjectionData
	g.Go(func() error {
		for proj := range results {
			if !e.LowExtinctionApproximation {
				dims := proj.Dimensions()
				if err := proj.ToIntensity(uniformCounts(dims.NbViews, dims.NbModules, weight)); err != nil {
					return err
				}
			} else {
				proj.Scale(weight)
			}
			if sum == nil {
				sum = proj
				continue
			}
			if err := sum.Add(proj); err != nil {
				return simerr.Wrap(simerr.DataShape, "accumulate focal spot samples", err)
			}
		}
		return nil
	})

	err := g.Wait()
	if cerr := e.nested.Configure(e.setup); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		if sum == nil {
			sum = &models.ProjectionData{}
		}
		return sum, err
	}
	if !e.LowExtinctionApproximation {
		dims := sum.Dimensions()
		if err := sum.ToExtinction(uniformCounts(dims.NbViews, dims.NbModules, 1)); err != nil {
			return sum, err
		}
	}
	log.WithField("samples", nu*nv).Debug("focal spot samples combined")
	return sum, nil
}
