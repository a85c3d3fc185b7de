package projector

// moduleParamStride is the number of floats describing one module in the
// OpenCL uniform buffer: source position then the 3x3 pixel-to-direction
// matrix, row-major.
const moduleParamStride = 12

// moduleParams packs the rays of a view for the OpenCL kernel. The direction
// of pixel (u, v) is A*(u, v, 1) with A = Q^T * K^-1.
func moduleParams(rays viewRays, dst []float32) ([]float32, error) {
	dst = dst[:0]
	for _, m := range rays {
		kInv, err := m.k.Inverse()
		if err != nil {
			return nil, err
		}
		a := m.back.Mul(kInv)
		dst = append(dst, float32(m.source.X), float32(m.source.Y), float32(m.source.Z))
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				dst = append(dst, float32(a[i][j]))
			}
		}
	}
	return dst, nil
}

const rayCastKernelSource = `float read_voxel(__global const float* vol, const int nx, const int ny, const int nz,
    const int x, const int y, const int z)
{
    if (x < 0 || y < 0 || z < 0 || x >= nx || y >= ny || z >= nz) {
        return 0.0f;
    }
    return vol[(z * ny + y) * nx + x];
}

float sample_volume(__global const float* vol, const int nx, const int ny, const int nz,
    const float3 p, const int interpolate)
{
    if (!interpolate) {
        return read_voxel(vol, nx, ny, nz, (int)round(p.x), (int)round(p.y), (int)round(p.z));
    }
    float3 f = floor(p);
    float3 w = p - f;
    int x = (int)f.x;
    int y = (int)f.y;
    int z = (int)f.z;
    float c00 = mix(read_voxel(vol, nx, ny, nz, x, y, z), read_voxel(vol, nx, ny, nz, x + 1, y, z), w.x);
    float c10 = mix(read_voxel(vol, nx, ny, nz, x, y + 1, z), read_voxel(vol, nx, ny, nz, x + 1, y + 1, z), w.x);
    float c01 = mix(read_voxel(vol, nx, ny, nz, x, y, z + 1), read_voxel(vol, nx, ny, nz, x + 1, y, z + 1), w.x);
    float c11 = mix(read_voxel(vol, nx, ny, nz, x, y + 1, z + 1), read_voxel(vol, nx, ny, nz, x + 1, y + 1, z + 1), w.x);
    return mix(mix(c00, c10, w.y), mix(c01, c11, w.y), w.z);
}

float slab(const float p, const float d, const float hi, float* t_min, float* t_max)
{
    const float lo = -0.5f - 1e-5f;
    if (d == 0.0f) {
        return (p < lo || p > hi) ? -1.0f : 1.0f;
    }
    float t1 = (lo - p) / d;
    float t2 = (hi - p) / d;
    *t_min = fmax(*t_min, fmin(t1, t2));
    *t_max = fmin(*t_max, fmax(t1, t2));
    return 1.0f;
}

__kernel void ray_cast(
    __global const float* volume,
    const int nx,
    const int ny,
    const int nz,
    const float vx,
    const float vy,
    const float vz,
    const float ox,
    const float oy,
    const float oz,
    const float step_mm,
    const int interpolate,
    const int sub_u,
    const int sub_v,
    const int cols,
    const int rows,
    __global const float* modules,
    __global float* out)
{
    int col = get_global_id(0);
    int row = get_global_id(1);
    int mod = get_global_id(2);
    if (col >= cols || row >= rows) {
        return;
    }
    __global const float* m = modules + 12 * mod;
    float3 src = (float3)(m[0], m[1], m[2]);
    float3 vs = (float3)(vx, vy, vz);
    float3 centre = ((float3)((float)nx, (float)ny, (float)nz) - 1.0f) * 0.5f;
    float3 p0 = (src - (float3)(ox, oy, oz)) / vs + centre;

    float sum = 0.0f;
    for (int j = 0; j < sub_v; ++j) {
        float v = (float)row - 0.5f + ((float)j + 0.5f) / (float)sub_v;
        for (int i = 0; i < sub_u; ++i) {
            float u = (float)col - 0.5f + ((float)i + 0.5f) / (float)sub_u;
            float3 d = normalize((float3)(
                m[3] * u + m[4] * v + m[5],
                m[6] * u + m[7] * v + m[8],
                m[9] * u + m[10] * v + m[11]));
            float3 di = d / vs;
            float t_min = 0.0f;
            float t_max = INFINITY;
            if (slab(p0.x, di.x, (float)nx - 0.5f + 1e-5f, &t_min, &t_max) < 0.0f ||
                slab(p0.y, di.y, (float)ny - 0.5f + 1e-5f, &t_min, &t_max) < 0.0f ||
                slab(p0.z, di.z, (float)nz - 0.5f + 1e-5f, &t_min, &t_max) < 0.0f ||
                t_max <= t_min) {
                continue;
            }
            float span = t_max - t_min;
            int steps = (int)(span / step_mm);
            float acc = 0.0f;
            for (int k = 0; k < steps; ++k) {
                acc += sample_volume(volume, nx, ny, nz, p0 + (t_min + ((float)k + 0.5f) * step_mm) * di, interpolate);
            }
            float rest = span - (float)steps * step_mm;
            if (rest > 0.0f) {
                acc += sample_volume(volume, nx, ny, nz, p0 + (t_min + (float)steps * step_mm + 0.5f * rest) * di, interpolate) * rest / step_mm;
            }
            sum += acc * step_mm;
        }
    }
    out[(mod * rows + row) * cols + col] = sum / (float)(sub_u * sub_v);
}`
