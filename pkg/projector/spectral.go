package projector

import (
	"context"
	"fmt"

	"ctsim/internal/logging"
	"ctsim/internal/models"
	"ctsim/pkg/acquisition"
	"ctsim/pkg/simerr"
	"ctsim/pkg/spectrum"
)

// SpectralEffectsExtension simulates a polychromatic beam. The source
// spectrum is split into energy bins common to all views; the projection is
// the intensity-weighted combination of the per-bin projections.
//
// When the nested chain is linear, each material is projected once and the
// per-bin attenuation follows by scaling. Otherwise the nested chain is
// reconfigured and rerun once per bin.
type SpectralEffectsExtension struct {
	ExtensionBase

	// NbSamples is the number of energy bins; 0 uses the source's hint
	NbSamples int

	setup   *acquisition.Setup
	full    spectrum.EnergyRange
	ranges  []spectrum.EnergyRange
	bins    spectrum.Spectrum
	weights [][]float64
	counts  [][]float64
}

// NewSpectralEffects returns a spectral extension with nbSamples bins.
func NewSpectralEffects(nbSamples int) *SpectralEffectsExtension {
	return &SpectralEffectsExtension{NbSamples: nbSamples}
}

// IsLinear implements Projector.
func (e *SpectralEffectsExtension) IsLinear() bool { return false }

// Bins returns the energy bins of the last configuration.
func (e *SpectralEffectsExtension) Bins() spectrum.Spectrum { return e.bins }

// restrict zeroes m outside r unless r covers the whole discretization range.
func restrict(m spectrum.Model, r, full spectrum.EnergyRange) spectrum.Model {
	if r.From <= full.From && r.To >= full.To {
		return m
	}
	return spectrum.ModelFunc(func(energy float64) float64 {
		if energy < r.From || energy > r.To {
			return 0
		}
		return m.RelativeIntensity(energy)
	})
}

// Configure implements Projector.
func (e *SpectralEffectsExtension) Configure(setup *acquisition.Setup) error {
	if err := e.ExtensionBase.Configure(setup); err != nil {
		return err
	}
	log := logging.For("spectral")
	work := setup.Clone()
	specModels := make([]spectrum.Model, work.NbViews())
	ranges := make([]spectrum.EnergyRange, work.NbViews())
	var full spectrum.EnergyRange
	for v := range specModels {
		if err := work.PrepareView(v); err != nil {
			return fmt.Errorf("configuring spectral effects: %w", err)
		}
		src := work.System().Source
		specModels[v], ranges[v] = src.SpectrumModel(), src.Base().Energy
		if v == 0 {
			full = ranges[v]
		} else {
			full = full.Union(ranges[v])
		}
	}
	nb := e.NbSamples
	if nb <= 0 {
		nb = setup.InitialSystem().Source.SpectrumDiscretizationHint()
	}

	e.weights = make([][]float64, len(specModels))
	e.bins = nil
	for v := range specModels {
		sp, err := spectrum.Discretize(restrict(specModels[v], ranges[v], full), full, nb)
		if err != nil {
			log.WithField("view", v).WithError(err).Warn("view emits no photons in the energy range")
			e.weights[v] = make([]float64, nb)
			continue
		}
		e.weights[v] = sp.Weights()
		if e.bins == nil {
			e.bins = sp
		}
	}
	if e.bins == nil {
		return simerr.New(simerr.Configuration, "configure spectral effects", "no view emits photons in %+v keV", full)
	}

	counts, err := PhotonCounts(setup)
	if err != nil {
		return err
	}
	e.counts = counts
	e.full = full
	e.ranges = ranges
	e.setup = setup.Clone()
	log.WithField("bins", len(e.bins)).WithField("range", fmt.Sprintf("%g-%g keV", full.From, full.To)).Debug("configured")
	return nil
}

// binUsed reports whether any view has a non-zero weight in bin b.
func (e *SpectralEffectsExtension) binUsed(b int) bool {
	for v := range e.weights {
		if e.weights[v][b] > 0 {
			return true
		}
	}
	return false
}

// binWeights returns a view x module table holding the weight of bin b.
func (e *SpectralEffectsExtension) binWeights(b, modules int) [][]float64 {
	out := make([][]float64, len(e.weights))
	for v := range out {
		out[v] = make([]float64, modules)
		for m := range out[v] {
			out[v][m] = e.weights[v][b]
		}
	}
	return out
}

// Project implements Projector. A plain voxel volume carries no material
// information and is forwarded to the nested projector.
func (e *SpectralEffectsExtension) Project(ctx context.Context, volume *models.VoxelVolume) (*models.ProjectionData, error) {
	return e.ProjectComposite(ctx, models.NewAttenuationComposite(volume))
}

// ProjectComposite implements Projector.
func (e *SpectralEffectsExtension) ProjectComposite(ctx context.Context, volume *models.CompositeVolume) (*models.ProjectionData, error) {
	if err := e.requireNested("project spectral"); err != nil {
		return &models.ProjectionData{}, err
	}
	if e.setup == nil {
		return &models.ProjectionData{}, simerr.New(simerr.Configuration, "project spectral", "extension is not configured")
	}
	if volume.IsEmpty() || !volume.IsEnergyDependent() {
		return e.nested.ProjectComposite(ctx, volume)
	}
	if e.nested.IsLinear() {
		return e.projectLinear(ctx, volume)
	}
	return e.projectNonLinear(ctx, volume)
}

func (e *SpectralEffectsExtension) projectLinear(ctx context.Context, volume *models.CompositeVolume) (*models.ProjectionData, error) {
	log := logging.For("spectral")
	var mats []models.SpectralVolume
	var projs []*models.ProjectionData
	for _, c := range volume.Components {
		if c.Volume.IsEmpty() {
			continue
		}
		p, err := e.nested.Project(ctx, c.Volume)
		if err != nil {
			return p, fmt.Errorf("material %q: %w", c.Name, err)
		}
		mats = append(mats, c)
		projs = append(projs, p)
	}
	dims := projs[0].Dimensions()

	sum := models.NewProjectionData(dims)
	for b, bin := range e.bins {
		if !e.binUsed(b) {
			log.WithField("energy", bin.Energy).Debug("skipping empty bin")
			continue
		}
		ext := models.NewProjectionData(dims)
		for i, c := range mats {
			if err := ext.AddScaled(projs[i], c.AttenuationScale(bin.Energy)); err != nil {
				return sum, simerr.Wrap(simerr.DataShape, "project spectral", err)
			}
		}
		if err := ext.ToIntensity(e.binWeights(b, dims.NbModules)); err != nil {
			return sum, err
		}
		if err := sum.Add(ext); err != nil {
			return sum, simerr.Wrap(simerr.DataShape, "project spectral", err)
		}
	}
	if err := sum.ToExtinction(uniformCounts(dims.NbViews, dims.NbModules, 1)); err != nil {
		return sum, err
	}
	return sum, nil
}

// binSetup restricts every view of the configured setup to bin b. The
// window is clipped to the view's own emission range; views that do not
// emit in the bin are only scaled to zero flux.
func (e *SpectralEffectsExtension) binSetup(b int) (*acquisition.Setup, error) {
	s := e.setup.Clone()
	binRange := e.bins[b].Range()
	for v := 0; v < s.NbViews(); v++ {
		w := e.weights[v][b]
		step := &acquisition.SourceParam{FluxScaling: &w}
		if r := binRange.Intersect(e.ranges[v]); w > 0 && r.IsValid() {
			step.EnergyRange = &r
		} else {
			zero := 0.0
			step.FluxScaling = &zero
		}
		if err := s.AddPrepareStep(v, step); err != nil {
			return nil, fmt.Errorf("spectral bin %g keV: %w", e.bins[b].Energy, err)
		}
	}
	return s, nil
}

func (e *SpectralEffectsExtension) projectNonLinear(ctx context.Context, volume *models.CompositeVolume) (proj *models.ProjectionData, err error) {
	log := logging.For("spectral")
	defer func() {
		if cerr := e.nested.Configure(e.setup); cerr != nil && err == nil {
			err = cerr
		}
	}()

	var sum *models.ProjectionData
	for b, bin := range e.bins {
		if !e.binUsed(b) {
			log.WithField("energy", bin.Energy).Debug("skipping empty bin")
			continue
		}
		binSetup, err := e.binSetup(b)
		if err != nil {
			return &models.ProjectionData{}, err
		}
		if err := e.nested.Configure(binSetup); err != nil {
			return &models.ProjectionData{}, fmt.Errorf("spectral bin %g keV: %w", bin.Energy, err)
		}
		p, err := e.nested.ProjectComposite(ctx, volume.AtEnergy(bin.Energy))
		if err != nil {
			return p, fmt.Errorf("spectral bin %g keV: %w", bin.Energy, err)
		}
		counts, err := PhotonCounts(binSetup)
		if err != nil {
			return p, err
		}
		if err := p.ToIntensity(counts); err != nil {
			return p, err
		}
		if sum == nil {
			sum = p
			continue
		}
		if err := sum.Add(p); err != nil {
			return sum, simerr.Wrap(simerr.DataShape, "project spectral", err)
		}
	}
	if err := sum.ToExtinction(e.counts); err != nil {
		return sum, err
	}
	return sum, nil
}
