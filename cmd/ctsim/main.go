package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ctsim/internal/logging"
	"ctsim/pkg/config"
	"ctsim/pkg/geometry"
	"ctsim/pkg/simulation"
)

// Global flags
var (
	configPath string
	verbose    bool
	nbViews    int
	outputDir  string
)

var rootCmd = &cobra.Command{
	Use:   "ctsim",
	Short: "X-ray CT projection simulator",
	Long: `Simulates X-ray CT acquisitions: projects a voxel phantom through a
parametrized scanner (source, detector, gantry) along an acquisition protocol,
optionally adding focal spot blur, polychromatic spectra and quantum noise.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a simulation described by a configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Println("================================")
		fmt.Println("CT PROJECTION SIMULATION")
		fmt.Println("================================")

		sim := simulation.NewSimulator(&simulation.Params{Config: cfg})
		startTime := time.Now()
		if err := sim.Process(ctx); err != nil {
			return fmt.Errorf("simulation %s failed: %w", sim.RunID(), err)
		}
		processingTime := time.Since(startTime)

		m := sim.GetMetrics()
		fmt.Printf("\nSimulation %s completed in %.2f seconds\n", m.RunID, processingTime.Seconds())
		fmt.Printf("Projector chain: %s\n", m.Chain)
		fmt.Printf("Projections: %s (projection step %.2f s)\n", m.Dimensions, m.Elapsed.Seconds())
		fmt.Printf("Extinction min %.4f, max %.4f, mean %.4f, std %.4f\n",
			m.Summary.Min, m.Summary.Max, m.Summary.Mean, m.Summary.StdDev)
		if len(m.Files) > 0 {
			fmt.Printf("\n%d outputs saved to: %s\n", len(m.Files), filepath.Join(cfg.Output.Dir, m.RunID))
		}
		return nil
	},
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Write a configuration file holding the default settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("%s already exists", configPath)
		}
		if err := config.CreateDefaultConfigFile(configPath); err != nil {
			return err
		}
		fmt.Printf("Default configuration written to %s\n", configPath)
		return nil
	},
}

var geometryCmd = &cobra.Command{
	Use:   "geometry [output.yaml]",
	Short: "Export the projection matrices of the configured acquisition",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		sys, err := simulation.BuildSystem(cfg)
		if err != nil {
			return err
		}
		setup, err := simulation.BuildSetup(cfg, sys)
		if err != nil {
			return err
		}
		full, err := geometry.EncodeFullGeometry(setup)
		if err != nil {
			return err
		}

		path := filepath.Join(cfg.Output.Dir, "geometry.yaml")
		if len(args) == 1 {
			path = args[0]
		}
		if err := geometry.SaveFullGeometry(path, full); err != nil {
			return err
		}

		d := cfg.System.Detector
		decoded, err := geometry.DecodeView(full[0],
			geometry.PixelSize{Width: d.PixelWidth, Height: d.PixelHeight},
			geometry.PixelCount{Cols: d.Cols, Rows: d.Rows})
		if err != nil {
			return err
		}
		fmt.Printf("%d views x %d modules written to %s\n", full.NbViews(), len(full[0]), path)
		fmt.Printf("View 0: source at (%.2f, %.2f, %.2f) mm, focal length %.2f mm\n",
			decoded[0].Source.X, decoded[0].Source.Y, decoded[0].Source.Z, decoded[0].FocalLength)
		return nil
	},
}

// loadConfig reads the configuration file and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if nbViews > 0 {
		cfg.Protocol.NbViews = nbViews
	}
	if outputDir != "" {
		cfg.Output.Dir = outputDir
	}
	if verbose {
		cfg.Output.Verbose = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	logging.SetLogger(logging.New(cfg.Output.Verbose))
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "ctsim.yaml", "Configuration file path")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Verbose output")
	rootCmd.PersistentFlags().IntVar(&nbViews, "views", 0, "Number of views (overrides config)")
	rootCmd.PersistentFlags().StringVar(&outputDir, "output-dir", "", "Output directory (overrides config)")

	rootCmd.AddCommand(runCmd, initConfigCmd, geometryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
