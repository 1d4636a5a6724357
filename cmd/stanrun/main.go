// stanrun runs a compiled engine executable to completion from the command
// line: it launches the requested chains, waits for them, and prints the
// assembled point estimates. It is the one-shot counterpart to stanrund.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/grburgess/cmdstanpy/internal/config"
	"github.com/grburgess/cmdstanpy/internal/console"
	"github.com/grburgess/cmdstanpy/internal/engine"
	"github.com/grburgess/cmdstanpy/internal/model"
	"github.com/grburgess/cmdstanpy/internal/runner"
	"github.com/grburgess/cmdstanpy/internal/store"
)

// version is set via ldflags at build time.
var version = "dev"

type runOptions struct {
	exePath   string
	method    string
	chains    int
	outputDir string
	dataFile  string
	parallel  int
	timeoutS  int
	relax     bool
	verbose   bool

	seed        int64
	sampleDraws int
	warmupDraws int
	adaptDelta  float64
	stepSize    float64
	tol         float64
}

func main() {
	opts := runOptions{}

	rootCmd := &cobra.Command{
		Use:           "stanrun --exe MODEL [flags]",
		Short:         "Run a compiled engine executable and print its estimates",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	f := rootCmd.Flags()
	f.StringVar(&opts.exePath, "exe", "", "path to the compiled model executable (required)")
	f.StringVar(&opts.method, "method", model.MethodSample, "inference method: sample, optimize or variational")
	f.IntVar(&opts.chains, "chains", 4, "number of chains (sample only; single-estimate methods run one)")
	f.StringVar(&opts.outputDir, "output-dir", "", "directory for chain CSV files (default: a temp dir)")
	f.StringVar(&opts.dataFile, "data", "", "path to the input data file")
	f.IntVar(&opts.parallel, "parallel", 0, "max chains running at once (0 = all)")
	f.IntVar(&opts.timeoutS, "timeout", 0, "per-run timeout in seconds (0 = none)")
	f.BoolVar(&opts.relax, "relax-convergence", false, "accept results from runs that only warned about convergence")
	f.BoolVar(&opts.verbose, "verbose", false, "log engine console output to stderr")

	f.Int64Var(&opts.seed, "seed", 0, "random seed (0 = engine default)")
	f.IntVar(&opts.sampleDraws, "num-samples", 0, "sampling iterations (0 = engine default)")
	f.IntVar(&opts.warmupDraws, "num-warmup", 0, "warmup iterations (0 = engine default)")
	f.Float64Var(&opts.adaptDelta, "adapt-delta", 0, "adaptation target acceptance statistic (0 = engine default)")
	f.Float64Var(&opts.stepSize, "step-size", 0, "initial step size (0 = engine default)")
	f.Float64Var(&opts.tol, "tol", 0, "optimizer convergence tolerance (0 = engine default)")
	_ = rootCmd.MarkFlagRequired("exe")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, out io.Writer, opts runOptions) error {
	logOut := io.Discard
	level := slog.LevelError
	if opts.verbose {
		logOut = os.Stderr
		level = slog.LevelInfo
	}
	logger := config.NewLogger(logOut, level)

	cfg, err := buildConfig(opts)
	if err != nil {
		return err
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	eng := engine.NewEngine(db, runner.NewSubprocess(logger), console.Default(), logger)

	submitted, err := eng.Submit(ctx, cfg)
	if err != nil {
		return err
	}
	eng.Wait()

	finished, err := db.GetRun(ctx, submitted.ID)
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	fmt.Fprintf(out, "run %s: %s", finished.ID, finished.Status)
	if finished.DurationMS != nil {
		fmt.Fprintf(out, " (%d ms)", *finished.DurationMS)
	}
	fmt.Fprintln(out)

	res, err := eng.Result(ctx, submitted.ID)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "method=%s draws=%d converged=%t", res.Method(), res.Draws(), res.Converged())
	if res.Method() == model.MethodSample {
		fmt.Fprintf(out, " divergences=%d", res.Divergences())
	}
	fmt.Fprintln(out)

	for _, v := range res.Variables() {
		val, err := res.Value(v.Name)
		if err != nil {
			return err
		}
		if s, ok := val.Scalar(); ok {
			fmt.Fprintf(out, "  %-20s %g\n", v.Name, s)
			continue
		}
		fmt.Fprintf(out, "  %-20s dims=%v %v\n", v.Name, val.Dims, val.Values)
	}
	return nil
}

// buildConfig turns CLI flags into a run configuration, constructing the
// engine argv for each chain.
func buildConfig(opts runOptions) (model.RunConfig, error) {
	outputDir := opts.outputDir
	if outputDir == "" {
		dir, err := os.MkdirTemp("", "stanrun-*")
		if err != nil {
			return model.RunConfig{}, fmt.Errorf("create output dir: %w", err)
		}
		outputDir = dir
	}

	chains := opts.chains
	if opts.method != model.MethodSample {
		chains = 1
	}

	cfg := model.RunConfig{
		Method:           opts.method,
		ExePath:          opts.exePath,
		MaxParallel:      opts.parallel,
		TimeoutS:         opts.timeoutS,
		RelaxConvergence: opts.relax,
		Seed:             opts.seed,
		SampleDraws:      opts.sampleDraws,
		WarmupDraws:      opts.warmupDraws,
		AdaptDelta:       opts.adaptDelta,
		StepSize:         opts.stepSize,
		Tol:              opts.tol,
	}
	for chain := 1; chain <= chains; chain++ {
		outputPath := filepath.Join(outputDir, fmt.Sprintf("%s-%d.csv", opts.method, chain))
		cfg.ChainArgs = append(cfg.ChainArgs, chainArgs(opts, chain, outputPath))
		cfg.OutputPaths = append(cfg.OutputPaths, outputPath)
	}
	return cfg, nil
}

// chainArgs builds the engine's hierarchical argv for one chain.
func chainArgs(opts runOptions, chain int, outputPath string) []string {
	args := []string{"id=" + strconv.Itoa(chain)}

	switch opts.method {
	case model.MethodSample:
		args = append(args, "method=sample")
		if opts.sampleDraws > 0 {
			args = append(args, "num_samples="+strconv.Itoa(opts.sampleDraws))
		}
		if opts.warmupDraws > 0 {
			args = append(args, "num_warmup="+strconv.Itoa(opts.warmupDraws))
		}
		if opts.adaptDelta > 0 {
			args = append(args, "adapt", "delta="+formatFloat(opts.adaptDelta))
		}
		if opts.stepSize > 0 {
			args = append(args, "algorithm=hmc", "stepsize="+formatFloat(opts.stepSize))
		}
	case model.MethodOptimize:
		args = append(args, "method=optimize")
		if opts.tol > 0 {
			args = append(args, "tol_rel_grad="+formatFloat(opts.tol))
		}
	case model.MethodVariational:
		args = append(args, "method=variational")
		if opts.tol > 0 {
			args = append(args, "tol_rel_obj="+formatFloat(opts.tol))
		}
	default:
		args = append(args, "method="+opts.method)
	}

	if opts.seed != 0 {
		args = append(args, "random", "seed="+strconv.FormatInt(opts.seed, 10))
	}
	if opts.dataFile != "" {
		args = append(args, "data", "file="+opts.dataFile)
	}
	args = append(args, "output", "file="+outputPath)
	return args
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
