// Package campaign binds the store, the spec encoder and the plugin
// registry into the campaign runtime: the strategy executor, the proposal
// ledger, the engine that serializes mutations under the write lock, the
// checkpointer, the analyzer and the background job worker.
package campaign

import (
	"math"

	"go.uber.org/zap"

	"boa/internal/errs"
	"boa/internal/logging"
	"boa/internal/plugin"
	"boa/internal/spec"
)

// Executor runs one strategy pipeline against a spec. Stateless across
// calls; the fitted model is returned per call for checkpointing.
type Executor struct {
	registry *plugin.Registry
	log      *zap.Logger
}

// NewExecutor builds an executor over a plugin registry.
func NewExecutor(registry *plugin.Registry) *Executor {
	return &Executor{registry: registry, log: logging.Get(logging.CategoryExecutor)}
}

// Result is the output of one strategy run.
type Result struct {
	Encoded   [][]float64
	Raw       []map[string]any
	AcqScores []float64
	// Means and Stds are per candidate per objective, original directions.
	Means [][]float64
	Stds  [][]float64
	// Model is the fitted surrogate, nil for initial designs.
	Model plugin.FittedModel
}

func execErr(cause error, pluginName, format string, args ...any) error {
	e := errs.Wrap(cause, errs.Execution, format, args...)
	if ee, ok := e.(*errs.Error); ok {
		ee.Plugin = pluginName
	}
	return e
}

// InitialDesign draws n samples from the strategy's sampler.
func (x *Executor) InitialDesign(s *spec.ProcessSpec, strategy spec.Strategy, n int) (*Result, error) {
	sampler, err := x.registry.Sampler(strategy.Sampler)
	if err != nil {
		return nil, err
	}
	encoded, raw, err := sampler.Sample(s, n, strategy.SamplerParams)
	if err != nil {
		if errs.KindOf(err) == errs.Validation {
			return nil, err
		}
		return nil, execErr(err, strategy.Sampler, "sampler %s failed", strategy.Sampler)
	}
	x.log.Info("initial design sampled",
		zap.String("strategy", strategy.Name), zap.String("sampler", strategy.Sampler), zap.Int("n", n))
	return &Result{Encoded: encoded, Raw: raw}, nil
}

// OptimizationStep fits the strategy's surrogate on (X, Y) and optimizes
// its acquisition for q candidates. Y is in original objective directions;
// minimize columns are sign-flipped internally so the pipeline always
// maximizes. Rows with NaN cells are dropped from the modeling path.
func (x *Executor) OptimizationStep(s *spec.ProcessSpec, strategy spec.Strategy, X, Y [][]float64, q int, refPoint []float64) (*Result, error) {
	if q <= 0 {
		return nil, errs.New(errs.Validation, "candidate count must be positive, got %d", q)
	}
	Xf, Yf := dropNaNRows(X, Y)
	if len(Xf) == 0 {
		return nil, errs.New(errs.Validation, "no complete observations to fit on")
	}
	signs := objectiveSigns(s)
	Ys := applySigns(Yf, signs)

	model, err := x.registry.Model(strategy.Model)
	if err != nil {
		return nil, err
	}
	fitted, err := model.Fit(Xf, Ys, strategy.ModelParams)
	if err != nil {
		return nil, execErr(err, strategy.Model, "model %s failed to fit", strategy.Model)
	}

	ref := refPoint
	if ref != nil {
		ref = applySignsVec(ref, signs)
	} else {
		ref = defaultRefPoint(Ys)
	}
	var bestF []float64
	if len(signs) == 1 {
		bestF = []float64{columnMax(Ys, 0)}
	}

	acq, err := x.registry.Acquisition(strategy.Acquisition)
	if err != nil {
		return nil, err
	}
	scorer, err := acq.Build(fitted, bestF, ref, strategy.AcquisitionParams)
	if err != nil {
		return nil, execErr(err, strategy.Acquisition, "acquisition %s failed to build", strategy.Acquisition)
	}
	dim := spec.NewEncoder(s).Dim()
	candidates, err := acq.Optimize(scorer, dim, q, strategy.AcquisitionParams)
	if err != nil {
		return nil, execErr(err, strategy.Acquisition, "acquisition %s failed to optimize", strategy.Acquisition)
	}

	var scores []float64
	if scorer != nil {
		scores, err = scorer.Score(candidates)
		if err != nil {
			return nil, execErr(err, strategy.Acquisition, "acquisition %s failed to score candidates", strategy.Acquisition)
		}
	}

	means, variances, err := fitted.Posterior(candidates)
	if err != nil {
		return nil, execErr(err, strategy.Model, "model %s posterior query failed", strategy.Model)
	}
	// Posterior is in the maximize representation; flip back for display.
	stds := make([][]float64, len(means))
	for i := range means {
		means[i] = applySignsVec(means[i], signs)
		stds[i] = make([]float64, len(variances[i]))
		for j, v := range variances[i] {
			stds[i][j] = math.Sqrt(v)
		}
	}

	e := spec.NewEncoder(s)
	projected := e.Project(candidates)
	raw, err := e.Decode(projected)
	if err != nil {
		return nil, execErr(err, strategy.Model, "failed to decode candidates")
	}

	x.log.Info("optimization step completed",
		zap.String("strategy", strategy.Name),
		zap.Int("observations", len(Xf)), zap.Int("candidates", q))
	return &Result{
		Encoded:   projected,
		Raw:       raw,
		AcqScores: scores,
		Means:     means,
		Stds:      stds,
		Model:     fitted,
	}, nil
}

// objectiveSigns returns +1 for maximize and -1 for minimize, per
// objective in declaration order.
func objectiveSigns(s *spec.ProcessSpec) []float64 {
	signs := make([]float64, len(s.Objectives))
	for i, o := range s.Objectives {
		if o.Direction == spec.Minimize {
			signs[i] = -1
		} else {
			signs[i] = 1
		}
	}
	return signs
}

func applySigns(Y [][]float64, signs []float64) [][]float64 {
	out := make([][]float64, len(Y))
	for i, row := range Y {
		out[i] = applySignsVec(row, signs)
	}
	return out
}

func applySignsVec(row, signs []float64) []float64 {
	out := make([]float64, len(row))
	for j := range row {
		out[j] = row[j] * signs[j]
	}
	return out
}

func dropNaNRows(X, Y [][]float64) ([][]float64, [][]float64) {
	var Xf, Yf [][]float64
	for i := range Y {
		ok := true
		for _, v := range Y[i] {
			if math.IsNaN(v) {
				ok = false
				break
			}
		}
		if ok {
			Xf = append(Xf, X[i])
			Yf = append(Yf, Y[i])
		}
	}
	return Xf, Yf
}

// defaultRefPoint is min(Y) - 0.1*std(Y) per column, in the maximize
// representation.
func defaultRefPoint(Ys [][]float64) []float64 {
	if len(Ys) == 0 {
		return nil
	}
	p := len(Ys[0])
	ref := make([]float64, p)
	for j := 0; j < p; j++ {
		min, mean := math.Inf(1), 0.0
		for i := range Ys {
			if Ys[i][j] < min {
				min = Ys[i][j]
			}
			mean += Ys[i][j]
		}
		mean /= float64(len(Ys))
		var variance float64
		for i := range Ys {
			d := Ys[i][j] - mean
			variance += d * d
		}
		variance /= float64(len(Ys))
		ref[j] = min - 0.1*math.Sqrt(variance)
	}
	return ref
}

func columnMax(Y [][]float64, j int) float64 {
	max := math.Inf(-1)
	for i := range Y {
		if Y[i][j] > max {
			max = Y[i][j]
		}
	}
	return max
}
