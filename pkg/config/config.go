// Package config provides configuration loading and management for ctsim.
// It handles loading simulation settings from YAML files and provides
// default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents a simulation run loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// Threads bounds the number of views projected concurrently
		Threads int `yaml:"threads"`

		// Device selects the projector backend: "cpu" or "opencl"
		Device string `yaml:"device"`

		// RaysPerPixel is the sub-ray grid per detector pixel (u, v)
		RaysPerPixel [2]int `yaml:"raysPerPixel"`

		// RaySampling is the ray step as a fraction of the smallest voxel edge
		RaySampling float64 `yaml:"raySampling"`

		// Interpolate enables trilinear voxel reads
		Interpolate bool `yaml:"interpolate"`
	} `yaml:"processing"`

	// Imaging system description
	System struct {
		Detector struct {
			// Type is "flat-panel" or "cylindrical"
			Type        string  `yaml:"type"`
			Modules     int     `yaml:"modules"`
			Cols        int     `yaml:"cols"`
			Rows        int     `yaml:"rows"`
			PixelWidth  float64 `yaml:"pixelWidth"`
			PixelHeight float64 `yaml:"pixelHeight"`

			// Angulation between neighbouring cylindrical modules in degrees
			Angulation float64 `yaml:"angulation"`

			// Spacing is the gap between cylindrical modules in mm
			Spacing float64 `yaml:"spacing"`
		} `yaml:"detector"`

		Gantry struct {
			// Type is "tubular" or "c-arm"
			Type              string  `yaml:"type"`
			SourceToDetector  float64 `yaml:"sourceToDetector"`
			SourceToIsocenter float64 `yaml:"sourceToIsocenter"`
		} `yaml:"gantry"`

		Source struct {
			TubeVoltage        float64 `yaml:"tubeVoltage"`
			MilliampereSeconds float64 `yaml:"mAs"`
			FocalSpotWidth     float64 `yaml:"focalSpotWidth"`
			FocalSpotHeight    float64 `yaml:"focalSpotHeight"`
		} `yaml:"source"`
	} `yaml:"system"`

	// Acquisition protocol
	Protocol struct {
		// Type is one of "axial", "short-scan", "helical", "circular" or "wobble"
		Type    string `yaml:"type"`
		NbViews int    `yaml:"nbViews"`

		// Angles are in degrees; a zero increment spreads a full turn over the views
		StartAngle     float64 `yaml:"startAngle"`
		AngleIncrement float64 `yaml:"angleIncrement"`
		AngleSpan      float64 `yaml:"angleSpan"`

		// PitchIncrement is the table feed per view in mm (helical only)
		PitchIncrement float64 `yaml:"pitchIncrement"`

		// WobbleAngle (degrees) and WobbleFrequency (periods per scan) apply to "wobble"
		WobbleAngle     float64 `yaml:"wobbleAngle"`
		WobbleFrequency float64 `yaml:"wobbleFrequency"`

		// FlyingFocalSpot alternates the focal spot by this offset in mm; 0 disables it
		FlyingFocalSpot float64 `yaml:"flyingFocalSpot"`

		// CurrentModulation is the relative amplitude of a sinusoidal tube current; 0 disables it
		CurrentModulation float64 `yaml:"currentModulation"`
	} `yaml:"protocol"`

	// Projector extensions, applied in the order focal spot, spectral, noise
	Extensions struct {
		FocalSpot struct {
			Enabled       bool   `yaml:"enabled"`
			Samples       [2]int `yaml:"samples"`
			LowExtinction bool   `yaml:"lowExtinction"`
		} `yaml:"focalSpot"`

		Spectral struct {
			Enabled bool `yaml:"enabled"`

			// Bins is the number of energy bins; 0 uses the source default
			Bins int `yaml:"bins"`
		} `yaml:"spectral"`

		Noise struct {
			Enabled bool `yaml:"enabled"`

			// Seed fixes the noise realisation when FixedSeed is set
			Seed      uint64 `yaml:"seed"`
			FixedSeed bool   `yaml:"fixedSeed"`
		} `yaml:"noise"`
	} `yaml:"extensions"`

	// Phantom to project
	Phantom struct {
		// Shape is "ball", "cylinder", "cube" or "water-bone"
		Shape string `yaml:"shape"`

		// Size is the number of voxels along each axis
		Size int `yaml:"size"`

		// VoxelSize is the isotropic voxel edge in mm
		VoxelSize float64 `yaml:"voxelSize"`

		// Value is the attenuation in 1/mm (ignored for water-bone)
		Value float64 `yaml:"value"`
	} `yaml:"phantom"`

	// Output parameters
	Output struct {
		// Dir receives every exported file
		Dir string `yaml:"dir"`

		SaveImages   bool `yaml:"saveImages"`
		SaveRaw      bool `yaml:"saveRaw"`
		SaveGeometry bool `yaml:"saveGeometry"`
		SaveProfile  bool `yaml:"saveProfile"`
		SaveSlices   bool `yaml:"saveSlices"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values: a 50x50 flat
// panel at 1200 mm from an 80 kV tube projecting a ball phantom.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.Threads = runtime.NumCPU()
	cfg.Processing.Device = "cpu"
	cfg.Processing.RaysPerPixel = [2]int{1, 1}
	cfg.Processing.RaySampling = 0.3
	cfg.Processing.Interpolate = true

	cfg.System.Detector.Type = "flat-panel"
	cfg.System.Detector.Modules = 1
	cfg.System.Detector.Cols = 50
	cfg.System.Detector.Rows = 50
	cfg.System.Detector.PixelWidth = 1
	cfg.System.Detector.PixelHeight = 1
	cfg.System.Gantry.Type = "tubular"
	cfg.System.Gantry.SourceToDetector = 1200
	cfg.System.Gantry.SourceToIsocenter = 600
	cfg.System.Source.TubeVoltage = 80
	cfg.System.Source.MilliampereSeconds = 1

	cfg.Protocol.Type = "axial"
	cfg.Protocol.NbViews = 1

	cfg.Extensions.FocalSpot.Samples = [2]int{3, 3}
	cfg.Extensions.Noise.Enabled = true
	cfg.Extensions.Noise.Seed = 1337
	cfg.Extensions.Noise.FixedSeed = true

	cfg.Phantom.Shape = "ball"
	cfg.Phantom.Size = 70
	cfg.Phantom.VoxelSize = 0.5
	cfg.Phantom.Value = 0.02

	cfg.Output.Dir = "ctsim_output"
	cfg.Output.SaveImages = true
	cfg.Output.SaveGeometry = true

	return cfg
}

// Validate reports every inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Processing.Device == "cpu" || c.Processing.Device == "opencl",
		"processing.device %q must be cpu or opencl", c.Processing.Device)
	check(c.Processing.RaySampling > 0, "processing.raySampling must be positive")

	d := c.System.Detector
	check(d.Type == "flat-panel" || d.Type == "cylindrical",
		"system.detector.type %q must be flat-panel or cylindrical", d.Type)
	check(d.Cols > 0 && d.Rows > 0, "system.detector needs positive cols and rows")
	check(d.PixelWidth > 0 && d.PixelHeight > 0, "system.detector needs a positive pixel size")
	check(d.Type != "cylindrical" || d.Modules > 0, "system.detector.modules must be positive")

	g := c.System.Gantry
	check(g.Type == "tubular" || g.Type == "c-arm", "system.gantry.type %q must be tubular or c-arm", g.Type)
	check(g.SourceToDetector > 0, "system.gantry.sourceToDetector must be positive")
	check(g.SourceToIsocenter > 0 && g.SourceToIsocenter < g.SourceToDetector,
		"system.gantry.sourceToIsocenter must lie between source and detector")

	check(c.System.Source.TubeVoltage > 0, "system.source.tubeVoltage must be positive")
	check(c.System.Source.MilliampereSeconds >= 0, "system.source.mAs must not be negative")

	p := c.Protocol
	check(p.NbViews > 0, "protocol.nbViews must be positive")
	switch p.Type {
	case "axial", "short-scan", "helical":
		check(g.Type == "tubular", "protocol %q needs a tubular gantry", p.Type)
	case "circular", "wobble":
		check(g.Type == "c-arm", "protocol %q needs a c-arm gantry", p.Type)
	default:
		errs = append(errs, fmt.Errorf("protocol.type %q is not supported", p.Type))
	}

	fs := c.Extensions.FocalSpot
	check(!fs.Enabled || (fs.Samples[0] > 0 && fs.Samples[1] > 0),
		"extensions.focalSpot.samples must be positive")
	check(c.Extensions.Spectral.Bins >= 0, "extensions.spectral.bins must not be negative")

	switch c.Phantom.Shape {
	case "ball", "cylinder", "cube", "water-bone":
	default:
		errs = append(errs, fmt.Errorf("phantom.shape %q is not supported", c.Phantom.Shape))
	}
	check(c.Phantom.Size > 0 && c.Phantom.VoxelSize > 0, "phantom needs a positive size and voxel size")

	check(c.Output.Dir != "", "output.dir must be set")

	return errors.Join(errs...)
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
