// Benchmark command: synthetic closed-loop runs against known functions.
package main

import (
	"context"

	"github.com/spf13/cobra"

	"boa/internal/bench"
	"boa/internal/campaign"
	"boa/internal/store"
)

var benchCmd = &cobra.Command{
	Use:   "bench <function>",
	Short: "Run a synthetic closed-loop benchmark (sphere, zdt1)",
	Args:  cobra.ExactArgs(1),
	RunE:  runBench,
}

var (
	benchDim        int
	benchSeed       int
	benchInitial    int
	benchIterations int
	benchBatch      int
	benchRefPoint   []float64
	benchParallel   int
)

func runBench(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	fn, err := bench.ByName(args[0], benchDim, benchSeed)
	if err != nil {
		return err
	}
	report, err := bench.NewRunner(st, newEngine(st)).Run(cmd.Context(), fn, bench.Options{
		Initial:    benchInitial,
		Iterations: benchIterations,
		BatchSize:  benchBatch,
		RefPoint:   benchRefPoint,
		Parallel:   benchParallel,
	})
	if err != nil {
		return err
	}
	return printJSON(report)
}

// benchmarkHandler adapts the runner to the job queue so benchmarks can
// run in the background worker.
func benchmarkHandler(st *store.Store, engine *campaign.Engine) campaign.Handler {
	return func(ctx context.Context, job *store.Job, report func(float64)) (map[string]any, error) {
		fn, err := bench.ByName(jobParamStr(job.Params, "function", "sphere"),
			jobParamInt(job.Params, "dim", 2), jobParamInt(job.Params, "seed", 0))
		if err != nil {
			return nil, err
		}
		report(0.1)
		r, err := bench.NewRunner(st, engine).Run(ctx, fn, bench.Options{
			Initial:    jobParamInt(job.Params, "initial", 5),
			Iterations: jobParamInt(job.Params, "iterations", 3),
			BatchSize:  jobParamInt(job.Params, "batch", 1),
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"campaign_id":  r.CampaignID,
			"observations": r.Observations,
			"best":         r.Best,
			"elapsed":      r.Elapsed.String(),
		}, nil
	}
}

func jobParamStr(params map[string]any, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func jobParamInt(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

func init() {
	benchCmd.Flags().IntVar(&benchDim, "dim", 2, "input dimensionality")
	benchCmd.Flags().IntVar(&benchSeed, "seed", 0, "sampler and acquisition seed")
	benchCmd.Flags().IntVar(&benchInitial, "initial", 6, "initial design size")
	benchCmd.Flags().IntVar(&benchIterations, "iterations", 5, "optimization iterations")
	benchCmd.Flags().IntVar(&benchBatch, "batch", 1, "candidates per iteration")
	benchCmd.Flags().Float64SliceVar(&benchRefPoint, "ref-point", nil, "hypervolume reference point")
	benchCmd.Flags().IntVar(&benchParallel, "parallel", 1, "concurrent evaluations")

	rootCmd.AddCommand(benchCmd)
}
