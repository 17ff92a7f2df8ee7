// Package bench runs synthetic closed-loop campaigns against known test
// functions, standing in for the lab: every proposed candidate is
// evaluated immediately and fed back as an observation.
package bench

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"boa/internal/campaign"
	"boa/internal/errs"
	"boa/internal/logging"
	"boa/internal/spec"
	"boa/internal/store"
)

// Function is a synthetic optimization problem: a full process spec plus
// its ground-truth evaluator.
type Function struct {
	Name string
	Spec *spec.ProcessSpec
	Eval func(x map[string]any) map[string]float64
}

func benchStrategy(seed int) map[string]spec.Strategy {
	return map[string]spec.Strategy{
		"default": {
			Name:              "default",
			Sampler:           spec.DefaultSampler,
			Model:             spec.DefaultModel,
			Acquisition:       spec.DefaultAcquisition,
			SamplerParams:     map[string]any{"seed": seed},
			AcquisitionParams: map[string]any{"seed": seed, "candidates": 256},
		},
	}
}

// Sphere is the d-dimensional sphere function on [-5, 5]^d, minimized at
// the origin.
func Sphere(dim, seed int) Function {
	inputs := make([]spec.Input, dim)
	for i := range inputs {
		inputs[i] = spec.Input{Name: fmt.Sprintf("x%d", i+1), Kind: spec.Continuous, Lo: -5, Hi: 5}
	}
	return Function{
		Name: fmt.Sprintf("sphere%d", dim),
		Spec: &spec.ProcessSpec{
			Name:       fmt.Sprintf("sphere%d", dim),
			Version:    1,
			Inputs:     inputs,
			Objectives: []spec.Objective{{Name: "loss", Direction: spec.Minimize}},
			Strategies: benchStrategy(seed),
		},
		Eval: func(x map[string]any) map[string]float64 {
			var sum float64
			for _, v := range x {
				f, _ := v.(float64)
				sum += f * f
			}
			return map[string]float64{"loss": sum}
		},
	}
}

// ZDT1 is the classic two-objective benchmark on [0, 1]^d with a convex
// Pareto front, both objectives minimized.
func ZDT1(dim, seed int) Function {
	inputs := make([]spec.Input, dim)
	for i := range inputs {
		inputs[i] = spec.Input{Name: fmt.Sprintf("x%d", i+1), Kind: spec.Continuous, Lo: 0, Hi: 1}
	}
	return Function{
		Name: fmt.Sprintf("zdt1_%d", dim),
		Spec: &spec.ProcessSpec{
			Name:    fmt.Sprintf("zdt1_%d", dim),
			Version: 1,
			Inputs:  inputs,
			Objectives: []spec.Objective{
				{Name: "f1", Direction: spec.Minimize},
				{Name: "f2", Direction: spec.Minimize},
			},
			Strategies: benchStrategy(seed),
		},
		Eval: func(x map[string]any) map[string]float64 {
			x1, _ := x["x1"].(float64)
			var rest float64
			for i := 2; i <= dim; i++ {
				v, _ := x[fmt.Sprintf("x%d", i)].(float64)
				rest += v
			}
			g := 1.0
			if dim > 1 {
				g += 9 * rest / float64(dim-1)
			}
			return map[string]float64{
				"f1": x1,
				"f2": g * (1 - math.Sqrt(x1/g)),
			}
		},
	}
}

// ByName resolves a benchmark function.
func ByName(name string, dim, seed int) (Function, error) {
	switch name {
	case "sphere":
		return Sphere(dim, seed), nil
	case "zdt1":
		return ZDT1(dim, seed), nil
	default:
		return Function{}, errs.New(errs.NotFound, "unknown benchmark function %q", name)
	}
}

// Options shapes one closed-loop run.
type Options struct {
	Initial    int // initial design size
	Iterations int // optimization iterations after the initial design
	BatchSize  int // candidates per iteration
	RefPoint   []float64
	Parallel   int // concurrent evaluations, 1 when unset
}

// Report summarizes a finished run.
type Report struct {
	Function     string             `json:"function"`
	CampaignID   string             `json:"campaign_id"`
	Observations int                `json:"observations"`
	Best         map[string]float64 `json:"best"`
	Hypervolume  *float64           `json:"hypervolume,omitempty"`
	History      []float64          `json:"history,omitempty"`
	Elapsed      time.Duration      `json:"elapsed"`
}

// Runner drives closed loops through the engine, so benchmarks exercise
// the same locking, ledger and checkpoint paths as real campaigns.
type Runner struct {
	st     *store.Store
	engine *campaign.Engine
	log    *zap.Logger
}

// NewRunner builds a runner.
func NewRunner(st *store.Store, engine *campaign.Engine) *Runner {
	return &Runner{st: st, engine: engine, log: logging.Get(logging.CategoryBench)}
}

// Run executes one closed loop and returns its report.
func (r *Runner) Run(ctx context.Context, fn Function, opts Options) (*Report, error) {
	if opts.Initial <= 0 {
		opts.Initial = 5
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.Parallel <= 0 {
		opts.Parallel = 1
	}

	specJSON, err := json.Marshal(fn.Spec)
	if err != nil {
		return nil, errs.Wrap(err, errs.SpecLoad, "failed to encode benchmark spec")
	}
	process, err := r.st.CreateProcess(ctx, fn.Name, "", string(specJSON), "synthetic benchmark", nil)
	if err != nil {
		return nil, err
	}
	c, err := r.st.CreateCampaign(ctx, process.ID,
		fmt.Sprintf("%s-%d", fn.Name, time.Now().Unix()), "closed-loop benchmark", nil, nil)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	proposals, err := r.engine.InitialDesign(ctx, c.ID, nil, opts.Initial)
	if err != nil {
		return nil, err
	}
	if err := r.observeAll(ctx, c.ID, fn, proposals, opts.Parallel); err != nil {
		return nil, err
	}

	for i := 0; i < opts.Iterations; i++ {
		proposals, err = r.engine.OptimizationIteration(ctx, c.ID, nil, opts.BatchSize, opts.RefPoint)
		if err != nil {
			return nil, err
		}
		if err := r.acceptAll(ctx, c.ID, i+1, proposals); err != nil {
			return nil, err
		}
		if err := r.observeAll(ctx, c.ID, fn, proposals, opts.Parallel); err != nil {
			return nil, err
		}
		r.log.Info("benchmark iteration done",
			zap.String("function", fn.Name), zap.Int("iteration", i+1))
	}

	m, err := r.engine.Analyze(ctx, c.ID, opts.RefPoint)
	if err != nil {
		return nil, err
	}
	return &Report{
		Function:     fn.Name,
		CampaignID:   c.ID,
		Observations: m.ObservationCount,
		Best:         m.BestValues,
		Hypervolume:  m.Hypervolume,
		History:      m.ImprovementHistory,
		Elapsed:      time.Since(start),
	}, nil
}

func (r *Runner) acceptAll(ctx context.Context, campaignID string, iterationIndex int, proposals []*store.Proposal) error {
	var accepted []store.AcceptedCandidates
	for _, p := range proposals {
		indices := make([]int, len(p.Raw))
		for i := range indices {
			indices[i] = i
		}
		accepted = append(accepted, store.AcceptedCandidates{ProposalID: p.ID, Indices: indices})
	}
	_, err := r.engine.AcceptCandidates(ctx, campaignID, iterationIndex, accepted, "benchmark auto-accept")
	return err
}

// observeAll evaluates every candidate of every proposal, in parallel up
// to the configured width, then records the batch atomically.
func (r *Runner) observeAll(ctx context.Context, campaignID string, fn Function, proposals []*store.Proposal, parallel int) error {
	var rows []map[string]any
	for _, p := range proposals {
		rows = append(rows, p.Raw...)
	}
	obs := make([]*store.Observation, len(rows))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, row := range rows {
		i, row := i, row
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			obs[i] = &store.Observation{X: row, Y: fn.Eval(row), Source: "benchmark"}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return r.engine.AddObservations(ctx, campaignID, obs)
}
