package projector

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"ctsim/internal/logging"
	"ctsim/internal/models"
	"ctsim/pkg/acquisition"
	"ctsim/pkg/threadpool"
)

// PoissonNoiseExtension adds quantum noise. The nested projection is turned
// into expected photon counts, every pixel is replaced by a Poisson draw and
// the result is converted back to extinction. Pixels that receive no photon
// are clamped to one so the extinction stays finite.
type PoissonNoiseExtension struct {
	ExtensionBase

	// Seed initializes the per-view random streams when FixedSeed is set
	Seed      uint64
	FixedSeed bool

	// Threads bounds concurrent views; <= 0 uses all CPUs
	Threads int

	counts [][]float64
	run    uint64
}

// NewPoissonNoise returns a noise extension with random seeding.
func NewPoissonNoise() *PoissonNoiseExtension {
	return &PoissonNoiseExtension{}
}

// NewSeededPoissonNoise returns a noise extension whose output depends only
// on seed and the input.
func NewSeededPoissonNoise(seed uint64) *PoissonNoiseExtension {
	return &PoissonNoiseExtension{Seed: seed, FixedSeed: true}
}

// Configure implements Projector.
func (e *PoissonNoiseExtension) Configure(setup *acquisition.Setup) error {
	if err := e.ExtensionBase.Configure(setup); err != nil {
		return err
	}
	counts, err := PhotonCounts(setup)
	if err != nil {
		return err
	}
	e.counts = counts
	return nil
}

// IsLinear implements Projector. Noise is never linear.
func (e *PoissonNoiseExtension) IsLinear() bool { return false }

// Project implements Projector.
func (e *PoissonNoiseExtension) Project(ctx context.Context, volume *models.VoxelVolume) (*models.ProjectionData, error) {
	proj, err := e.ExtensionBase.Project(ctx, volume)
	if err != nil {
		return proj, err
	}
	return e.addNoise(proj)
}

// ProjectComposite implements Projector.
func (e *PoissonNoiseExtension) ProjectComposite(ctx context.Context, volume *models.CompositeVolume) (*models.ProjectionData, error) {
	proj, err := e.ExtensionBase.ProjectComposite(ctx, volume)
	if err != nil {
		return proj, err
	}
	return e.addNoise(proj)
}

func (e *PoissonNoiseExtension) seed() uint64 {
	if e.FixedSeed {
		return e.Seed
	}
	e.run = rand.Uint64()
	return e.run
}

func (e *PoissonNoiseExtension) addNoise(proj *models.ProjectionData) (*models.ProjectionData, error) {
	if err := proj.ToIntensity(e.counts); err != nil {
		return proj, fmt.Errorf("adding Poisson noise: %w", err)
	}
	seed := e.seed()
	pool := threadpool.New(e.Threads)
	for v := range proj.Views {
		pool.Enqueue(func() {
			rng := rand.New(rand.NewPCG(seed, uint64(v)))
			for _, mod := range proj.Views[v].Modules {
				for i, mean := range mod.Data {
					mod.Data[i] = float32(drawCount(float64(mean), rng))
				}
			}
		})
	}
	pool.Close()
	logging.For("poisson").WithField("seed", seed).Debug("noise applied")

	if err := proj.ToExtinction(e.counts); err != nil {
		return proj, fmt.Errorf("adding Poisson noise: %w", err)
	}
	return proj, nil
}

// drawCount samples a Poisson count with the given mean, at least one.
func drawCount(mean float64, rng rand.Source) float64 {
	if mean <= 0 || math.IsNaN(mean) {
		return 1
	}
	n := distuv.Poisson{Lambda: mean, Src: rng}.Rand()
	return math.Max(n, 1)
}
