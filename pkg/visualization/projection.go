package visualization

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"ctsim/internal/models"
)

// ModuleImage renders one detector module with the window [low, high].
func ModuleImage(m models.ModuleData, low, high float64) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, m.Width, m.Height))
	for row := 0; row < m.Height; row++ {
		for col := 0; col < m.Width; col++ {
			img.SetGray16(col, row, grey(float64(m.At(col, row)), low, high))
		}
	}
	return img
}

// SaveProjectionImages writes one PNG per view and module, windowed on the
// global value range of proj. It returns the written paths.
func SaveProjectionImages(proj *models.ProjectionData, outputDir string) ([]string, error) {
	if proj.IsEmpty() {
		return nil, fmt.Errorf("no projection data to save")
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}
	s := proj.Summarize()
	var paths []string
	for v, view := range proj.Views {
		for m, mod := range view.Modules {
			name := filepath.Join(outputDir, fmt.Sprintf("view_%04d_module_%02d.png", v, m))
			if err := SaveImage(ModuleImage(mod, s.Min, s.Max), name); err != nil {
				return paths, err
			}
			paths = append(paths, name)
		}
	}
	return paths, nil
}

// WriteRaw writes every value of proj as little-endian float32 in view,
// module, row, column order.
func WriteRaw(proj *models.ProjectionData, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(file)
	for _, view := range proj.Views {
		for _, mod := range view.Modules {
			if err := binary.Write(w, binary.LittleEndian, mod.Data); err != nil {
				file.Close()
				return fmt.Errorf("writing raw projections: %w", err)
			}
		}
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// ReadRaw reads data written by WriteRaw into projections of shape dims.
func ReadRaw(filename string, dims models.ProjectionDimensions) (*models.ProjectionData, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	proj := models.NewProjectionData(dims)
	r := bufio.NewReader(file)
	for _, view := range proj.Views {
		for _, mod := range view.Modules {
			if err := binary.Read(r, binary.LittleEndian, mod.Data); err != nil {
				return nil, fmt.Errorf("reading raw projections: %w", err)
			}
		}
	}
	return proj, nil
}

// PlotRowProfile plots the values of one detector row and saves the figure.
// The format follows the file extension (png, svg, pdf).
func PlotRowProfile(proj *models.ProjectionData, view, module, row int, filename string) error {
	dims := proj.Dimensions()
	if view < 0 || view >= dims.NbViews || module < 0 || module >= dims.NbModules || row < 0 || row >= dims.NbRows {
		return fmt.Errorf("row %d of view %d module %d is outside %s", row, view, module, dims)
	}
	mod := proj.Views[view].Modules[module]
	pts := make(plotter.XYs, mod.Width)
	for col := range pts {
		pts[col] = plotter.XY{X: float64(col), Y: float64(mod.At(col, row))}
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("View %d, module %d, row %d", view, module, row)
	p.X.Label.Text = "Detector column"
	p.Y.Label.Text = "Extinction"
	p.Add(plotter.NewGrid())
	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("creating profile line: %w", err)
	}
	line.Width = vg.Points(1)
	p.Add(line)

	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	return p.Save(8*vg.Inch, 4*vg.Inch, filename)
}
