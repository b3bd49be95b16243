package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/cwbudde/blackboxserve/internal/request"
)

var runFlags struct {
	dimensions int
	lower      float64
	upper      float64
	p          int
	q          int
	evals      float64
	funcName   string
	isFunc     bool
	isVect     bool
	withCache  bool
	withLog    bool
	withOpt    bool
	force      bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single optimization locally",
	Long: `Runs one optimization request in-process and prints the report.
Flags that are not given fall back to the same defaults as POST /optimize.
The configured cache backend is used, so durable caches are shared with the server.`,
	RunE: runOptimize,
}

func init() {
	f := runCmd.Flags()
	f.IntVar(&runFlags.dimensions, "dimensions", request.DefaultDimensions, "Problem dimension")
	f.Float64Var(&runFlags.lower, "lower", request.DefaultLowerBound, "Lower bound of every coordinate")
	f.Float64Var(&runFlags.upper, "upper", request.DefaultUpperBound, "Upper bound of every coordinate")
	f.IntVar(&runFlags.p, "p", request.DefaultGridFactorP, "Grid size factor p")
	f.IntVar(&runFlags.q, "q", request.DefaultGridFactorQ, "Grid size factor q")
	f.Float64Var(&runFlags.evals, "evals", request.DefaultEvals, "Evaluation budget")
	f.StringVar(&runFlags.funcName, "func", request.DefaultObjective, "Objective name")
	f.BoolVar(&runFlags.isFunc, "is-func", request.DefaultIsFunc, "Evaluate on coordinates instead of grid indices")
	f.BoolVar(&runFlags.isVect, "is-vect", request.DefaultIsVect, "Objective accepts batches")
	f.BoolVar(&runFlags.withCache, "with-cache", request.DefaultWithCache, "Enable engine caching and the report cache lookup")
	f.BoolVar(&runFlags.withLog, "with-log", request.DefaultWithLog, "Enable engine progress logging")
	f.BoolVar(&runFlags.withOpt, "with-opt", request.DefaultWithOpt, "Record the optimization history")
	f.BoolVar(&runFlags.force, "force", request.DefaultForceRecalc, "Bypass the report cache lookup")
	rootCmd.AddCommand(runCmd)
}

// requestFromFlags sets only the fields given on the command line, leaving
// the rest to request defaults.
func requestFromFlags(fs *pflag.FlagSet) request.OptimizationRequest {
	var req request.OptimizationRequest
	set := func(name string, apply func()) {
		if fs.Changed(name) {
			apply()
		}
	}
	set("dimensions", func() { req.Dimensions = &runFlags.dimensions })
	set("lower", func() { req.LowerBound = &runFlags.lower })
	set("upper", func() { req.UpperBound = &runFlags.upper })
	set("p", func() { req.GridSizeFactorP = &runFlags.p })
	set("q", func() { req.GridSizeFactorQ = &runFlags.q })
	set("evals", func() { req.Evals = &runFlags.evals })
	set("func", func() { req.FuncName = &runFlags.funcName })
	set("is-func", func() { req.IsFunc = &runFlags.isFunc })
	set("is-vect", func() { req.IsVect = &runFlags.isVect })
	set("with-cache", func() { req.WithCache = &runFlags.withCache })
	set("with-log", func() { req.WithLog = &runFlags.withLog })
	set("with-opt", func() { req.WithOpt = &runFlags.withOpt })
	set("force", func() { req.ForceRecal = &runFlags.force })
	return req
}

func runOptimize(cmd *cobra.Command, args []string) error {
	store, logs, orch, err := buildOrchestrator(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	req := requestFromFlags(cmd.Flags())
	key := request.Normalize(req)
	logger.Info("Starting optimization", "key", key.String())

	result, err := orch.Optimize(ctx, req)
	if err != nil {
		return fmt.Errorf("optimization failed: %w", err)
	}

	fmt.Println(result.Report)
	if result.Cached {
		fmt.Println("\n(report served from cache)")
	} else if path, err := logs.Path(result.SessionID); err == nil {
		fmt.Printf("\nLog: %s\n", path)
	}
	return nil
}
