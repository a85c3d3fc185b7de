// Package simulation runs a complete projection simulation from a
// configuration: it builds the system, acquisition setup, phantom and
// projector chain, projects, and exports the results.
package simulation

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"ctsim/internal/logging"
	"ctsim/internal/models"
	"ctsim/pkg/acquisition"
	"ctsim/pkg/config"
	"ctsim/pkg/geometry"
	"ctsim/pkg/projector"
	"ctsim/pkg/visualization"
)

// Metrics summarizes a finished run.
type Metrics struct {
	// RunID identifies the run in logs and output file names
	RunID string

	// Dimensions of the simulated projections
	Dimensions models.ProjectionDimensions

	// Summary holds extinction statistics over all pixels
	Summary models.Summary

	// Chain lists the projector chain from the outermost extension inwards
	Chain string

	// Elapsed is the wall time of the projection step alone
	Elapsed time.Duration

	// Files lists every exported file
	Files []string
}

// Params holds the simulation parameters.
type Params struct {
	// Config describes system, protocol, phantom, projector and outputs
	Config *config.Config

	// Progress, when set, receives every completed view index in order
	Progress projector.ProgressFunc
}

// Simulator handles one simulation run.
//
// The run consists of several steps:
// 1. Building the system and the acquisition setup
// 2. Building the phantom volume
// 3. Building and configuring the projector chain
// 4. Projecting
// 5. Exporting projections, geometry and plots
type Simulator struct {
	params *Params
	runID  uuid.UUID
	log    *logrus.Entry

	setup       *acquisition.Setup
	volume      *models.CompositeVolume
	projections *models.ProjectionData
	metrics     Metrics
}

// NewSimulator creates a simulator with a fresh run ID.
func NewSimulator(params *Params) *Simulator {
	id := uuid.New()
	return &Simulator{
		params: params,
		runID:  id,
		log:    logging.For("simulation").WithField("run", id.String()),
	}
}

// RunID returns the identifier of this run.
func (s *Simulator) RunID() string { return s.runID.String() }

// Process runs the complete simulation pipeline
func (s *Simulator) Process(ctx context.Context) error {
	cfg := s.params.Config
	if cfg == nil {
		return fmt.Errorf("no configuration")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	s.log.Info("Step 1: Building system and acquisition setup")
	sys, err := BuildSystem(cfg)
	if err != nil {
		return err
	}
	s.setup, err = BuildSetup(cfg, sys)
	if err != nil {
		return err
	}
	s.log.WithField("system", sys.String()).WithField("views", s.setup.NbViews()).Debug("setup ready")

	s.log.Info("Step 2: Building phantom")
	s.volume, err = BuildPhantom(cfg)
	if err != nil {
		return err
	}

	s.log.Info("Step 3: Configuring projector")
	proj, cleanup, err := BuildProjector(cfg)
	if err != nil {
		return fmt.Errorf("failed to build projector: %w", err)
	}
	defer cleanup()
	s.attachProgress(proj)
	if err := proj.Configure(s.setup); err != nil {
		return fmt.Errorf("failed to configure projector: %w", err)
	}

	s.log.WithField("chain", projector.Describe(proj)).Info("Step 4: Projecting")
	start := time.Now()
	s.projections, err = proj.ProjectComposite(ctx, s.volume)
	if err != nil {
		return fmt.Errorf("projection failed: %w", err)
	}
	s.metrics = Metrics{
		RunID:      s.RunID(),
		Dimensions: s.projections.Dimensions(),
		Summary:    s.projections.Summarize(),
		Chain:      projector.Describe(proj),
		Elapsed:    time.Since(start),
	}
	s.log.WithFields(logrus.Fields{
		"elapsed": s.metrics.Elapsed.Round(time.Millisecond),
		"min":     s.metrics.Summary.Min,
		"max":     s.metrics.Summary.Max,
		"mean":    s.metrics.Summary.Mean,
	}).Info("projection finished")

	s.log.Info("Step 5: Exporting results")
	files, err := s.export(ctx)
	s.metrics.Files = files
	if err != nil {
		return fmt.Errorf("failed to export results: %w", err)
	}
	return nil
}

// attachProgress hooks the progress callback into the base projector.
func (s *Simulator) attachProgress(p projector.Projector) {
	for {
		ext, ok := p.(projector.Extension)
		if !ok {
			break
		}
		p = ext.Nested()
	}
	reporter, ok := p.(interface{ SetProgressFunc(projector.ProgressFunc) })
	if !ok {
		return
	}
	reporter.SetProgressFunc(func(view int) {
		s.log.WithField("view", view).Debug("view projected")
		if s.params.Progress != nil {
			s.params.Progress(view)
		}
	})
}

// export writes the enabled outputs concurrently.
func (s *Simulator) export(ctx context.Context) ([]string, error) {
	out := s.params.Config.Output
	dir := filepath.Join(out.Dir, s.RunID())
	results := make([][]string, 5)

	g, _ := errgroup.WithContext(ctx)
	if out.SaveImages {
		g.Go(func() error {
			paths, err := visualization.SaveProjectionImages(s.projections, filepath.Join(dir, "projections"))
			results[0] = paths
			return err
		})
	}
	if out.SaveRaw {
		g.Go(func() error {
			d := s.projections.Dimensions()
			name := filepath.Join(dir, fmt.Sprintf("projections_%dx%dx%dx%d.f32", d.NbCols, d.NbRows, d.NbModules, d.NbViews))
			results[1] = []string{name}
			return visualization.WriteRaw(s.projections, name)
		})
	}
	if out.SaveGeometry {
		g.Go(func() error {
			full, err := geometry.EncodeFullGeometry(s.setup)
			if err != nil {
				return err
			}
			name := filepath.Join(dir, "geometry.yaml")
			results[2] = []string{name}
			return geometry.SaveFullGeometry(name, full)
		})
	}
	if out.SaveProfile {
		g.Go(func() error {
			dims := s.projections.Dimensions()
			name := filepath.Join(dir, "profile.png")
			results[3] = []string{name}
			return visualization.PlotRowProfile(s.projections, 0, dims.NbModules/2, dims.NbRows/2, name)
		})
	}
	if out.SaveSlices {
		g.Go(func() error {
			var paths []string
			for _, c := range s.volume.Components {
				viewer := visualization.NewViewer(c.Volume)
				sliceDir := filepath.Join(dir, "phantom", c.Name)
				if err := viewer.SaveSliceSequence("z", sliceDir); err != nil {
					return err
				}
				paths = append(paths, sliceDir)
			}
			results[4] = paths
			return nil
		})
	}

	err := g.Wait()
	var files []string
	for _, r := range results {
		files = append(files, r...)
	}
	for _, f := range files {
		s.log.WithField("path", f).Debug("exported")
	}
	return files, err
}

// GetMetrics returns the metrics of the last run.
func (s *Simulator) GetMetrics() Metrics {
	return s.metrics
}

// Projections returns the simulated projections of the last run.
func (s *Simulator) Projections() *models.ProjectionData {
	return s.projections
}

// Setup returns the acquisition setup of the last run.
func (s *Simulator) Setup() *acquisition.Setup {
	return s.setup
}
