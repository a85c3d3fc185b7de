package projector

import (
	"context"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"

	"ctsim/internal/logging"
	"ctsim/internal/models"
	"ctsim/pkg/acquisition"
	"ctsim/pkg/geometry"
	"ctsim/pkg/linalg"
	"ctsim/pkg/simerr"
	"ctsim/pkg/spectrum"
	"ctsim/pkg/threadpool"
)

// boundsMargin widens the volume bounds so rays grazing a face still enter.
const boundsMargin = 1e-5

// RayCasterConfig controls ray sampling.
type RayCasterConfig struct {
	// RaysPerPixel is the sub-ray grid per pixel along u and v
	RaysPerPixel [2]int `yaml:"raysPerPixel"`

	// RaySampling is the step length as a fraction of the smallest voxel edge
	RaySampling float64 `yaml:"raySampling"`

	// Interpolate selects trilinear reads; otherwise the nearest voxel is used
	Interpolate bool `yaml:"interpolate"`

	// Threads bounds the number of views cast concurrently; <= 0 uses all CPUs
	Threads int `yaml:"threads"`
}

// DefaultRayCasterConfig returns one ray per pixel, a step of 0.3 voxels and
// trilinear interpolation.
func DefaultRayCasterConfig() RayCasterConfig {
	return RayCasterConfig{RaysPerPixel: [2]int{1, 1}, RaySampling: 0.3, Interpolate: true}
}

func (c RayCasterConfig) subRays() (int, int) {
	return max(c.RaysPerPixel[0], 1), max(c.RaysPerPixel[1], 1)
}

// moduleRays holds the factorized projection matrix of one module.
type moduleRays struct {
	source r3.Vec
	// back is Q^T, mapping camera directions into the world frame
	back linalg.Matrix3
	k    linalg.Matrix3
}

// direction returns the unit world direction of the ray through pixel
// coordinates (u, v).
func (m moduleRays) direction(u, v float64) r3.Vec {
	return r3.Unit(m.back.MulVec(linalg.SolveUpper(m.k, r3.Vec{X: u, Y: v, Z: 1})))
}

type viewRays []moduleRays

// rayGeometry is the configured state shared by the CPU and OpenCL casters.
type rayGeometry struct {
	views     []viewRays
	dims      models.ProjectionDimensions
	refEnergy float64
}

func prepareRayGeometry(setup *acquisition.Setup) (*rayGeometry, error) {
	if setup == nil || !setup.IsValid() {
		return nil, simerr.New(simerr.Configuration, "configure projector", "acquisition setup is not valid")
	}
	work := setup.Clone()
	full, err := geometry.EncodeFullGeometry(work)
	if err != nil {
		return nil, fmt.Errorf("configuring projector: %w", err)
	}
	cols, rows := work.System().Detector.NbPixels()
	rg := &rayGeometry{
		views: make([]viewRays, len(full)),
		dims: models.ProjectionDimensions{
			NbCols:    cols,
			NbRows:    rows,
			NbModules: len(full[0]),
			NbViews:   len(full),
		},
		refEnergy: referenceEnergy(setup),
	}
	for v, view := range full {
		rg.views[v] = make(viewRays, len(view))
		for m, p := range view {
			q, k, err := linalg.RQDecomposition(p.M(), true, true)
			if err != nil {
				return nil, fmt.Errorf("view %d module %d: %w", v, m, err)
			}
			src, err := p.SourcePosition()
			if err != nil {
				return nil, fmt.Errorf("view %d module %d: %w", v, m, err)
			}
			rg.views[v][m] = moduleRays{source: src, back: q.T(), k: k}
		}
	}
	return rg, nil
}

// referenceEnergy is the mean spectral energy of the initial source, used to
// turn density volumes into attenuation when no spectral extension is in the
// chain.
func referenceEnergy(setup *acquisition.Setup) float64 {
	src := setup.InitialSystem().Source
	r := src.Base().Energy
	sp, err := spectrum.Discretize(src.SpectrumModel(), r, src.SpectrumDiscretizationHint())
	if err != nil {
		return (r.From + r.To) / 2
	}
	return sp.MeanEnergy()
}

// sampler reads a voxel volume in voxel index coordinates.
type sampler struct {
	data        []float32
	n           [3]int
	voxel       [3]float64
	centre      [3]float64
	offset      [3]float64
	interpolate bool
	step        float64
}

func newSampler(vol *models.VoxelVolume, cfg RayCasterConfig) (*sampler, error) {
	log := logging.For("raycaster")
	vs := vol.VoxelSize
	if vs.X == 0 || vs.Y == 0 || vs.Z == 0 {
		return nil, simerr.New(simerr.DataShape, "project", "voxel size %+v has a zero edge", vs)
	}
	if vs.X < 0 || vs.Y < 0 || vs.Z < 0 {
		log.WithField("voxelSize", fmt.Sprintf("%+v", vs)).Warn("negative voxel size, using absolute values")
		vs = vs.Abs()
	}
	sampling := cfg.RaySampling
	if sampling <= 0 {
		sampling = DefaultRayCasterConfig().RaySampling
	}
	n := [3]int{vol.Dims.X, vol.Dims.Y, vol.Dims.Z}
	return &sampler{
		data:        vol.Data,
		n:           n,
		voxel:       [3]float64{vs.X, vs.Y, vs.Z},
		centre:      [3]float64{float64(n[0]-1) / 2, float64(n[1]-1) / 2, float64(n[2]-1) / 2},
		offset:      [3]float64{vol.Offset.X, vol.Offset.Y, vol.Offset.Z},
		interpolate: cfg.Interpolate,
		step:        vs.Smallest() * sampling,
	}, nil
}

func (s *sampler) at(x, y, z int) float64 {
	if x < 0 || y < 0 || z < 0 || x >= s.n[0] || y >= s.n[1] || z >= s.n[2] {
		return 0
	}
	return float64(s.data[(z*s.n[1]+y)*s.n[0]+x])
}

func (s *sampler) value(p [3]float64) float64 {
	if !s.interpolate {
		return s.at(int(math.Round(p[0])), int(math.Round(p[1])), int(math.Round(p[2])))
	}
	x0, y0, z0 := math.Floor(p[0]), math.Floor(p[1]), math.Floor(p[2])
	fx, fy, fz := p[0]-x0, p[1]-y0, p[2]-z0
	ix, iy, iz := int(x0), int(y0), int(z0)

	c00 := s.at(ix, iy, iz)*(1-fx) + s.at(ix+1, iy, iz)*fx
	c10 := s.at(ix, iy+1, iz)*(1-fx) + s.at(ix+1, iy+1, iz)*fx
	c01 := s.at(ix, iy, iz+1)*(1-fx) + s.at(ix+1, iy, iz+1)*fx
	c11 := s.at(ix, iy+1, iz+1)*(1-fx) + s.at(ix+1, iy+1, iz+1)*fx
	c0 := c00*(1-fy) + c10*fy
	c1 := c01*(1-fy) + c11*fy
	return c0*(1-fz) + c1*fz
}

// integrate returns the line integral of the volume along the ray from src
// in unit direction dir, in value units times mm.
func (s *sampler) integrate(src, dir r3.Vec) float64 {
	srcW := [3]float64{src.X, src.Y, src.Z}
	dirW := [3]float64{dir.X, dir.Y, dir.Z}
	var p0, d [3]float64
	tMin, tMax := 0.0, math.Inf(1)
	for a := 0; a < 3; a++ {
		p0[a] = (srcW[a]-s.offset[a])/s.voxel[a] + s.centre[a]
		d[a] = dirW[a] / s.voxel[a]
		lo, hi := -0.5-boundsMargin, float64(s.n[a])-0.5+boundsMargin
		if d[a] == 0 {
			if p0[a] < lo || p0[a] > hi {
				return 0
			}
			continue
		}
		t1, t2 := (lo-p0[a])/d[a], (hi-p0[a])/d[a]
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		tMin = math.Max(tMin, t1)
		tMax = math.Min(tMax, t2)
	}
	if tMax <= tMin {
		return 0
	}

	length := tMax - tMin
	steps := int(length / s.step)
	point := func(t float64) [3]float64 {
		return [3]float64{p0[0] + t*d[0], p0[1] + t*d[1], p0[2] + t*d[2]}
	}
	var sum float64
	for k := 0; k < steps; k++ {
		sum += s.value(point(tMin + (float64(k)+0.5)*s.step))
	}
	if rest := length - float64(steps)*s.step; rest > 0 {
		sum += s.value(point(tMin+float64(steps)*s.step+rest/2)) * rest / s.step
	}
	return sum * s.step
}

// progressTracker reports completed views in view order.
type progressTracker struct {
	mu   sync.Mutex
	done []bool
	next int
	fn   ProgressFunc
}

func newProgressTracker(n int, fn ProgressFunc) *progressTracker {
	return &progressTracker{done: make([]bool, n), fn: fn}
}

func (t *progressTracker) complete(view int) {
	if t.fn == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done[view] = true
	for t.next < len(t.done) && t.done[t.next] {
		t.fn(t.next)
		t.next++
	}
}

// RayCaster is the CPU projector. Views are cast in parallel on a
// threadpool.Pool, each writing its own pre-allocated output slot.
type RayCaster struct {
	cfg      RayCasterConfig
	progress ProgressFunc
	geo      *rayGeometry
}

// NewRayCaster returns an unconfigured ray caster.
func NewRayCaster(cfg RayCasterConfig) *RayCaster {
	return &RayCaster{cfg: cfg}
}

// SetProgressFunc registers a callback receiving completed view indices.
func (rc *RayCaster) SetProgressFunc(fn ProgressFunc) { rc.progress = fn }

// Configure implements Projector.
func (rc *RayCaster) Configure(setup *acquisition.Setup) error {
	geo, err := prepareRayGeometry(setup)
	if err != nil {
		return err
	}
	rc.geo = geo
	logging.For("raycaster").WithField("dims", geo.dims.String()).Debug("configured")
	return nil
}

// IsLinear implements Projector. Line integrals are linear in the volume.
func (rc *RayCaster) IsLinear() bool { return true }

// Project implements Projector. Cancellation is checked before each view is
// submitted; views already running finish and the partial result is returned
// with the context error.
func (rc *RayCaster) Project(ctx context.Context, volume *models.VoxelVolume) (*models.ProjectionData, error) {
	log := logging.For("raycaster")
	if rc.geo == nil {
		return &models.ProjectionData{}, simerr.New(simerr.Configuration, "project", "projector is not configured")
	}
	if volume.IsEmpty() {
		log.Warn("volume is empty, nothing to project")
		return &models.ProjectionData{}, simerr.New(simerr.DataShape, "project", "volume is empty")
	}
	smp, err := newSampler(volume, rc.cfg)
	if err != nil {
		log.WithError(err).Warn("cannot sample volume")
		return &models.ProjectionData{}, err
	}

	out := models.NewProjectionData(rc.geo.dims)
	pool := threadpool.New(rc.cfg.Threads)
	tracker := newProgressTracker(len(rc.geo.views), rc.progress)
	for v := range rc.geo.views {
		if err = ctx.Err(); err != nil {
			log.WithField("view", v).Info("projection cancelled")
			break
		}
		pool.Enqueue(func() {
			rc.castView(smp, rc.geo.views[v], out.Views[v])
			tracker.complete(v)
		})
	}
	pool.Close()
	if err != nil {
		return out, fmt.Errorf("projection cancelled: %w", err)
	}
	return out, nil
}

func (rc *RayCaster) castView(smp *sampler, rays viewRays, out models.SingleViewData) {
	nu, nv := rc.cfg.subRays()
	weight := 1 / float64(nu*nv)
	for m, mod := range rays {
		img := out.Modules[m]
		for row := 0; row < img.Height; row++ {
			for col := 0; col < img.Width; col++ {
				var sum float64
				for j := 0; j < nv; j++ {
					v := float64(row) - 0.5 + (float64(j)+0.5)/float64(nv)
					for i := 0; i < nu; i++ {
						u := float64(col) - 0.5 + (float64(i)+0.5)/float64(nu)
						sum += smp.integrate(mod.source, mod.direction(u, v))
					}
				}
				img.Set(col, row, float32(sum*weight))
			}
		}
	}
}

// ProjectComposite implements Projector by summing the projections of every
// material. Density volumes are converted at the mean energy of the source
// spectrum.
func (rc *RayCaster) ProjectComposite(ctx context.Context, volume *models.CompositeVolume) (*models.ProjectionData, error) {
	return projectCompositeSum(ctx, rc, volume, rc.refEnergyOrZero())
}

func (rc *RayCaster) refEnergyOrZero() float64 {
	if rc.geo == nil {
		return 0
	}
	return rc.geo.refEnergy
}

// projectCompositeSum projects every non-empty component at energy with p
// and sums the results.
func projectCompositeSum(ctx context.Context, p Projector, volume *models.CompositeVolume, energy float64) (*models.ProjectionData, error) {
	if volume.IsEmpty() {
		logging.For("projector").Warn("composite volume is empty, nothing to project")
		return &models.ProjectionData{}, simerr.New(simerr.DataShape, "project composite", "composite volume is empty")
	}
	var sum *models.ProjectionData
	for _, c := range volume.Components {
		if c.Volume.IsEmpty() {
			logging.For("projector").WithField("material", c.Name).Warn("skipping empty material volume")
			continue
		}
		proj, err := p.Project(ctx, c.MuVolume(energy))
		if err != nil {
			return proj, fmt.Errorf("material %q: %w", c.Name, err)
		}
		if sum == nil {
			sum = proj
			continue
		}
		if err := sum.Add(proj); err != nil {
			return sum, simerr.Wrap(simerr.DataShape, "project composite", err)
		}
	}
	return sum, nil
}
