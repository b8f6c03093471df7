package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"tractmcmc/pkg/coffin"
	"tractmcmc/pkg/config"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "tractmcmc",
	Short: "Probabilistic tractography by MCMC sampling of spline pathways",
	Long: `tractmcmc samples the posterior distribution of white-matter pathways.
Each pathway is a Catmull-Rom spline whose control points are explored by a
Metropolis-Hastings chain scored against diffusion data from one or more
imaging sessions and an optional set of anatomical priors.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the chains described in a configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config [path]",
	Short: "Write an example configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "tractmcmc.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.CreateDefaultConfigFile(path); err != nil {
			return err
		}
		fmt.Printf("Example configuration written to: %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	runCmd.Flags().StringVarP(&configPath, "config", "c", "tractmcmc.yaml", "Configuration file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(initConfigCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Fatalf("tractmcmc failed: %v", err)
	}
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func run(ctx context.Context) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(verbose || cfg.Output.Verbose)
	slog.SetDefault(logger)

	fmt.Println("================================")
	fmt.Println("PROBABILISTIC TRACTOGRAPHY BY MCMC PATHWAY SAMPLING")
	fmt.Println("================================")
	fmt.Printf("Pathways: %d, sessions: %d, burn-in: %d, samples: %d\n",
		len(cfg.Pathways), len(cfg.Sessions), cfg.MCMC.NumBurnIn, cfg.MCMC.NumSample)

	sessions, err := loadSessions(cfg, logger)
	if err != nil {
		return err
	}
	jobs, err := buildJobs(cfg, logger)
	if err != nil {
		return err
	}

	bar := newProgressBar(len(jobs))
	for i := range jobs {
		jobs[i].Params.Progress = bar.Update
	}

	fmt.Println("Starting chains...")
	startTime := time.Now()
	results, err := coffin.RunPathways(ctx, jobs, sessions, cfg.MCMC.NumCores, logger)
	bar.Done()
	if err != nil {
		return err
	}
	processingTime := time.Since(startTime)

	opts := coffin.OutputOptions{
		TracePlot: cfg.Output.TracePlot,
		Metrics:   cfg.Output.Metrics,
		QuickLook: cfg.Output.QuickLook,
	}
	for _, res := range results {
		dir := filepath.Join(cfg.Output.Directory, res.Name)
		if err := coffin.WriteOutputs(dir, res, opts); err != nil {
			return fmt.Errorf("pathway %s: %w", res.Name, err)
		}
	}

	fmt.Printf("\nSampling completed successfully in %.2f seconds!\n", processingTime.Seconds())
	fmt.Printf("Outputs saved to: %s\n\n", cfg.Output.Directory)
	fmt.Printf("%-16s %8s %12s %14s\n", "pathway", "samples", "accept rate", "MAP deviation")
	for _, res := range results {
		fmt.Printf("%-16s %8d %12.3f %14.2f\n", res.Name, res.NumSamples, res.MeanAcceptRate, res.MapDeviation)
	}
	return nil
}
