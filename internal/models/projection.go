// Package models holds the data containers exchanged between the simulator
// stages: voxel volumes in, projection images out.
package models

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// ModuleData is the 2-D image of one detector module, stored row-major.
type ModuleData struct {
	// Width is the number of pixel columns
	Width int

	// Height is the number of pixel rows
	Height int

	Data []float32
}

// NewModuleData allocates a zero-filled module image.
func NewModuleData(width, height int) ModuleData {
	return ModuleData{Width: width, Height: height, Data: make([]float32, width*height)}
}

// At returns the value of pixel (col, row).
func (m ModuleData) At(col, row int) float32 { return m.Data[row*m.Width+col] }

// Set assigns the value of pixel (col, row).
func (m ModuleData) Set(col, row int, val float32) { m.Data[row*m.Width+col] = val }

// Clone returns a deep copy.
func (m ModuleData) Clone() ModuleData {
	m.Data = append([]float32(nil), m.Data...)
	return m
}

// SingleViewData holds one image per detector module for one view.
type SingleViewData struct {
	Modules []ModuleData
}

// NewSingleViewData allocates nbModules zero-filled module images.
func NewSingleViewData(width, height, nbModules int) SingleViewData {
	v := SingleViewData{Modules: make([]ModuleData, nbModules)}
	for i := range v.Modules {
		v.Modules[i] = NewModuleData(width, height)
	}
	return v
}

// Clone returns a deep copy.
func (v SingleViewData) Clone() SingleViewData {
	c := SingleViewData{Modules: make([]ModuleData, len(v.Modules))}
	for i := range v.Modules {
		c.Modules[i] = v.Modules[i].Clone()
	}
	return c
}

// ProjectionDimensions describes the shape of a ProjectionData.
type ProjectionDimensions struct {
	NbCols    int
	NbRows    int
	NbModules int
	NbViews   int
}

// TotalPixels returns the number of values across all views and modules.
func (d ProjectionDimensions) TotalPixels() int {
	return d.NbCols * d.NbRows * d.NbModules * d.NbViews
}

func (d ProjectionDimensions) String() string {
	return fmt.Sprintf("%dx%d pixels x %d modules x %d views", d.NbCols, d.NbRows, d.NbModules, d.NbViews)
}

// ProjectionData holds simulated detector readings: views, then modules, then
// pixels. Values are extinction (line integrals) unless a caller converted
// them to intensity.
type ProjectionData struct {
	Views []SingleViewData
}

// NewProjectionData allocates zero-filled projections of the given shape.
func NewProjectionData(dims ProjectionDimensions) *ProjectionData {
	p := &ProjectionData{Views: make([]SingleViewData, dims.NbViews)}
	for i := range p.Views {
		p.Views[i] = NewSingleViewData(dims.NbCols, dims.NbRows, dims.NbModules)
	}
	return p
}

// Dimensions returns the shape. An empty container has zero dimensions.
func (p *ProjectionData) Dimensions() ProjectionDimensions {
	if p == nil || len(p.Views) == 0 || len(p.Views[0].Modules) == 0 {
		return ProjectionDimensions{NbViews: p.NbViews()}
	}
	m := p.Views[0].Modules[0]
	return ProjectionDimensions{
		NbCols:    m.Width,
		NbRows:    m.Height,
		NbModules: len(p.Views[0].Modules),
		NbViews:   len(p.Views),
	}
}

// NbViews returns the number of views.
func (p *ProjectionData) NbViews() int {
	if p == nil {
		return 0
	}
	return len(p.Views)
}

// IsEmpty reports whether the container has no pixels.
func (p *ProjectionData) IsEmpty() bool {
	return p.Dimensions().TotalPixels() == 0
}

// Append adds a view at the end.
func (p *ProjectionData) Append(v SingleViewData) {
	p.Views = append(p.Views, v)
}

// Clone returns a deep copy.
func (p *ProjectionData) Clone() *ProjectionData {
	c := &ProjectionData{Views: make([]SingleViewData, len(p.Views))}
	for i := range p.Views {
		c.Views[i] = p.Views[i].Clone()
	}
	return c
}

// Add accumulates o into p element-wise.
func (p *ProjectionData) Add(o *ProjectionData) error {
	if p.Dimensions() != o.Dimensions() {
		return fmt.Errorf("adding projections: dimensions %v and %v differ", p.Dimensions(), o.Dimensions())
	}
	for v := range p.Views {
		for m := range p.Views[v].Modules {
			dst, src := p.Views[v].Modules[m].Data, o.Views[v].Modules[m].Data
			for i := range dst {
				dst[i] += src[i]
			}
		}
	}
	return nil
}

// AddScaled accumulates f*o into p element-wise.
func (p *ProjectionData) AddScaled(o *ProjectionData, f float64) error {
	if p.Dimensions() != o.Dimensions() {
		return fmt.Errorf("adding projections: dimensions %v and %v differ", p.Dimensions(), o.Dimensions())
	}
	for v := range p.Views {
		for m := range p.Views[v].Modules {
			dst, src := p.Views[v].Modules[m].Data, o.Views[v].Modules[m].Data
			for i := range dst {
				dst[i] = float32(float64(dst[i]) + f*float64(src[i]))
			}
		}
	}
	return nil
}

// Scale multiplies every value by f.
func (p *ProjectionData) Scale(f float64) {
	p.Transform(func(x float64) float64 { return x * f })
}

// Transform replaces every value x by fn(x).
func (p *ProjectionData) Transform(fn func(float64) float64) {
	for v := range p.Views {
		for m := range p.Views[v].Modules {
			d := p.Views[v].Modules[m].Data
			for i := range d {
				d[i] = float32(fn(float64(d[i])))
			}
		}
	}
}

func (p *ProjectionData) checkFlux(i0 [][]float64) error {
	if len(i0) != len(p.Views) {
		return fmt.Errorf("photon counts for %d views, projections have %d", len(i0), len(p.Views))
	}
	for v := range p.Views {
		if len(i0[v]) != len(p.Views[v].Modules) {
			return fmt.Errorf("view %d: photon counts for %d modules, projections have %d", v, len(i0[v]), len(p.Views[v].Modules))
		}
	}
	return nil
}

// ToIntensity converts extinction values in place into mean photon counts
// I = i0 * exp(-ext), with i0 given per view and module.
func (p *ProjectionData) ToIntensity(i0 [][]float64) error {
	if err := p.checkFlux(i0); err != nil {
		return fmt.Errorf("converting to intensity: %w", err)
	}
	for v := range p.Views {
		for m := range p.Views[v].Modules {
			n0 := i0[v][m]
			d := p.Views[v].Modules[m].Data
			for i := range d {
				d[i] = float32(n0 * math.Exp(-float64(d[i])))
			}
		}
	}
	return nil
}

// ToExtinction converts photon counts in place back into extinction,
// ext = -ln(I / i0). Zero intensity maps to +Inf.
func (p *ProjectionData) ToExtinction(i0 [][]float64) error {
	if err := p.checkFlux(i0); err != nil {
		return fmt.Errorf("converting to extinction: %w", err)
	}
	for v := range p.Views {
		for m := range p.Views[v].Modules {
			n0 := i0[v][m]
			d := p.Views[v].Modules[m].Data
			for i := range d {
				d[i] = float32(math.Log(n0 / float64(d[i])))
			}
		}
	}
	return nil
}

// Values returns all values as float64 in view, module, pixel order.
func (p *ProjectionData) Values() []float64 {
	out := make([]float64, 0, p.Dimensions().TotalPixels())
	for v := range p.Views {
		for m := range p.Views[v].Modules {
			for _, x := range p.Views[v].Modules[m].Data {
				out = append(out, float64(x))
			}
		}
	}
	return out
}

// Summary holds basic statistics of a projection set.
type Summary struct {
	Min, Max, Mean, StdDev float64
}

// Summarize computes statistics over all values.
func (p *ProjectionData) Summarize() Summary {
	vals := p.Values()
	if len(vals) == 0 {
		return Summary{}
	}
	s := Summary{Min: math.Inf(1), Max: math.Inf(-1)}
	for _, x := range vals {
		s.Min = math.Min(s.Min, x)
		s.Max = math.Max(s.Max, x)
	}
	s.Mean, s.StdDev = stat.MeanStdDev(vals, nil)
	return s
}

// Min returns the smallest value.
func (p *ProjectionData) Min() float64 { return p.Summarize().Min }

// Max returns the largest value.
func (p *ProjectionData) Max() float64 { return p.Summarize().Max }

// Mean returns the arithmetic mean of all values.
func (p *ProjectionData) Mean() float64 { return p.Summarize().Mean }
