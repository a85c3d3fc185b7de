//go:build opencl

package projector

import (
	"context"
	"fmt"
	"strings"

	"github.com/jgillich/go-opencl/cl"

	"ctsim/internal/logging"
	"ctsim/internal/models"
	"ctsim/pkg/acquisition"
	"ctsim/pkg/simerr"
)

// OpenCLEngine owns an OpenCL device, context, command queue and the
// compiled ray casting kernel. Create it once before any projection and
// share it between projectors; it is not safe for concurrent use.
type OpenCLEngine struct {
	context    *cl.Context
	queue      *cl.CommandQueue
	program    *cl.Program
	kernel     *cl.Kernel
	deviceName string
}

func pickDevice(platforms []*cl.Platform) *cl.Device {
	for _, kind := range []cl.DeviceType{cl.DeviceTypeGPU, cl.DeviceTypeCPU} {
		for _, p := range platforms {
			devices, err := p.GetDevices(kind)
			if err != nil && err != cl.ErrDeviceNotFound {
				continue
			}
			if len(devices) > 0 {
				return devices[0]
			}
		}
	}
	return nil
}

// NewOpenCLEngine selects the first GPU (falling back to a CPU device) and
// builds the kernel.
func NewOpenCLEngine() (*OpenCLEngine, error) {
	platforms, err := cl.GetPlatforms()
	if err != nil {
		msg := "querying OpenCL platforms"
		if strings.Contains(err.Error(), "-1001") {
			msg += ": no ICD loader reported any platforms"
		}
		return nil, simerr.Wrap(simerr.Runtime, "opencl engine", fmt.Errorf("%s: %w", msg, err))
	}
	device := pickDevice(platforms)
	if device == nil {
		return nil, simerr.New(simerr.Runtime, "opencl engine", "no suitable OpenCL devices found")
	}

	ctx, err := cl.CreateContext([]*cl.Device{device})
	if err != nil {
		return nil, simerr.Wrap(simerr.Runtime, "opencl engine", fmt.Errorf("creating context: %w", err))
	}
	queue, err := ctx.CreateCommandQueue(device, 0)
	if err != nil {
		ctx.Release()
		return nil, simerr.Wrap(simerr.Runtime, "opencl engine", fmt.Errorf("creating command queue: %w", err))
	}
	program, err := ctx.CreateProgramWithSource([]string{rayCastKernelSource})
	if err != nil {
		queue.Release()
		ctx.Release()
		return nil, simerr.Wrap(simerr.Runtime, "opencl engine", fmt.Errorf("creating program: %w", err))
	}
	if err := program.BuildProgram([]*cl.Device{device}, ""); err != nil {
		program.Release()
		queue.Release()
		ctx.Release()
		if buildErr, ok := err.(cl.BuildError); ok {
			return nil, simerr.New(simerr.Runtime, "opencl engine", "building program: %s", string(buildErr))
		}
		return nil, simerr.Wrap(simerr.Runtime, "opencl engine", fmt.Errorf("building program: %w", err))
	}
	kernel, err := program.CreateKernel("ray_cast")
	if err != nil {
		program.Release()
		queue.Release()
		ctx.Release()
		return nil, simerr.Wrap(simerr.Runtime, "opencl engine", fmt.Errorf("creating kernel: %w", err))
	}
	e := &OpenCLEngine{
		context:    ctx,
		queue:      queue,
		program:    program,
		kernel:     kernel,
		deviceName: device.Name(),
	}
	logging.For("opencl").WithField("device", e.deviceName).Info("OpenCL engine ready")
	return e, nil
}

// DeviceName returns the name of the selected device.
func (e *OpenCLEngine) DeviceName() string { return e.deviceName }

// Close releases all device resources.
func (e *OpenCLEngine) Close() {
	if e.kernel != nil {
		e.kernel.Release()
		e.kernel = nil
	}
	if e.program != nil {
		e.program.Release()
		e.program = nil
	}
	if e.queue != nil {
		e.queue.Release()
		e.queue = nil
	}
	if e.context != nil {
		e.context.Release()
		e.context = nil
	}
}

// OpenCLRayCaster runs the ray casting kernel on an OpenCLEngine. One
// NDRange per view covers all pixels of all modules.
type OpenCLRayCaster struct {
	engine   *OpenCLEngine
	cfg      RayCasterConfig
	progress ProgressFunc
	geo      *rayGeometry
}

// NewOpenCLRayCaster returns an unconfigured GPU projector.
func NewOpenCLRayCaster(engine *OpenCLEngine, cfg RayCasterConfig) *OpenCLRayCaster {
	return &OpenCLRayCaster{engine: engine, cfg: cfg}
}

// SetProgressFunc registers a callback receiving completed view indices.
func (rc *OpenCLRayCaster) SetProgressFunc(fn ProgressFunc) { rc.progress = fn }

// Configure implements Projector.
func (rc *OpenCLRayCaster) Configure(setup *acquisition.Setup) error {
	geo, err := prepareRayGeometry(setup)
	if err != nil {
		return err
	}
	rc.geo = geo
	return nil
}

// IsLinear implements Projector.
func (rc *OpenCLRayCaster) IsLinear() bool { return true }

// ProjectComposite implements Projector.
func (rc *OpenCLRayCaster) ProjectComposite(ctx context.Context, volume *models.CompositeVolume) (*models.ProjectionData, error) {
	var energy float64
	if rc.geo != nil {
		energy = rc.geo.refEnergy
	}
	return projectCompositeSum(ctx, rc, volume, energy)
}

// Project implements Projector. The volume is uploaded once; module
// parameters alternate between two buffers and are uploaded without
// blocking. Each view is read back with a blocking read before the next
// view is enqueued, so views run one at a time on the device. A device
// failure abandons the remaining views and returns the views completed so far.
func (rc *OpenCLRayCaster) Project(ctx context.Context, volume *models.VoxelVolume) (*models.ProjectionData, error) {
	log := logging.For("opencl")
	if rc.geo == nil || rc.engine == nil || rc.engine.kernel == nil {
		return &models.ProjectionData{}, simerr.New(simerr.Configuration, "project", "projector is not configured")
	}
	if volume.IsEmpty() {
		log.Warn("volume is empty, nothing to project")
		return &models.ProjectionData{}, simerr.New(simerr.DataShape, "project", "volume is empty")
	}
	smp, err := newSampler(volume, rc.cfg)
	if err != nil {
		return &models.ProjectionData{}, err
	}

	e := rc.engine
	dims := rc.geo.dims
	out := models.NewProjectionData(dims)
	pixels := dims.NbCols * dims.NbRows * dims.NbModules

	volBuf, err := e.context.CreateEmptyBuffer(cl.MemReadOnly, 4*len(volume.Data))
	if err != nil {
		return &models.ProjectionData{}, simerr.Wrap(simerr.Runtime, "project", fmt.Errorf("allocating volume buffer: %w", err))
	}
	defer volBuf.Release()
	outBuf, err := e.context.CreateEmptyBuffer(cl.MemWriteOnly, 4*pixels)
	if err != nil {
		return &models.ProjectionData{}, simerr.Wrap(simerr.Runtime, "project", fmt.Errorf("allocating output buffer: %w", err))
	}
	defer outBuf.Release()
	var modBufs [2]*cl.MemObject
	for i := range modBufs {
		modBufs[i], err = e.context.CreateEmptyBuffer(cl.MemReadOnly, 4*moduleParamStride*dims.NbModules)
		if err != nil {
			return &models.ProjectionData{}, simerr.Wrap(simerr.Runtime, "project", fmt.Errorf("allocating module buffer: %w", err))
		}
		defer modBufs[i].Release()
	}

	if _, err := e.queue.EnqueueWriteBufferFloat32(volBuf, true, 0, volume.Data, nil); err != nil {
		return &models.ProjectionData{}, simerr.Wrap(simerr.Runtime, "project", fmt.Errorf("uploading volume: %w", err))
	}
	nu, nv := rc.cfg.subRays()
	interpolate := int32(0)
	if rc.cfg.Interpolate {
		interpolate = 1
	}
	if err := e.kernel.SetArgs(
		volBuf,
		int32(smp.n[0]), int32(smp.n[1]), int32(smp.n[2]),
		float32(smp.voxel[0]), float32(smp.voxel[1]), float32(smp.voxel[2]),
		float32(smp.offset[0]), float32(smp.offset[1]), float32(smp.offset[2]),
		float32(smp.step),
		interpolate,
		int32(nu), int32(nv),
		int32(dims.NbCols), int32(dims.NbRows),
		modBufs[0],
		outBuf,
	); err != nil {
		return &models.ProjectionData{}, simerr.Wrap(simerr.Runtime, "project", fmt.Errorf("setting kernel arguments: %w", err))
	}

	var params [2][]float32
	host := make([]float32, pixels)
	global := []int{dims.NbCols, dims.NbRows, dims.NbModules}
	for v, rays := range rc.geo.views {
		if err := ctx.Err(); err != nil {
			return out, fmt.Errorf("projection cancelled: %w", err)
		}
		if err := rc.castView(v, rays, modBufs[v%2], &params[v%2], outBuf, host, global); err != nil {
			log.WithField("view", v).WithError(err).Error("OpenCL projection failed, abandoning remaining views")
			out.Views = out.Views[:v]
			return out, simerr.Wrap(simerr.Runtime, "project", fmt.Errorf("view %d: %w", v, err))
		}
		for m := range out.Views[v].Modules {
			n := dims.NbCols * dims.NbRows
			copy(out.Views[v].Modules[m].Data, host[m*n:(m+1)*n])
		}
		if rc.progress != nil {
			rc.progress(v)
		}
	}
	return out, nil
}

func (rc *OpenCLRayCaster) castView(v int, rays viewRays, modBuf *cl.MemObject, params *[]float32, outBuf *cl.MemObject, host []float32, global []int) error {
	e := rc.engine
	p, err := moduleParams(rays, *params)
	if err != nil {
		return err
	}
	*params = p
	if _, err := e.queue.EnqueueWriteBufferFloat32(modBuf, false, 0, p, nil); err != nil {
		return fmt.Errorf("writing module parameters: %w", err)
	}
	if err := e.kernel.SetArgBuffer(16, modBuf); err != nil {
		return fmt.Errorf("binding module parameters: %w", err)
	}
	if _, err := e.queue.EnqueueNDRangeKernel(e.kernel, nil, global, nil, nil); err != nil {
		return fmt.Errorf("enqueueing kernel: %w", err)
	}
	if _, err := e.queue.EnqueueReadBufferFloat32(outBuf, true, 0, host, nil); err != nil {
		return fmt.Errorf("reading projection: %w", err)
	}
	return nil
}
