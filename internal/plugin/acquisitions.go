package plugin

import (
	"fmt"
	"math"
	"sort"
)

// candidateOptimize maximizes a scorer over a seeded uniform candidate set
// and returns the q best points. The shared optimizer behind the analytic
// acquisitions.
func candidateOptimize(sc Scorer, dim, q int, params map[string]any) ([][]float64, error) {
	n := paramInt(params, "candidates", 1024)
	if n < q {
		n = q
	}
	rng := rngFrom(params)
	pool := make([][]float64, n)
	for i := range pool {
		pool[i] = make([]float64, dim)
		for j := range pool[i] {
			pool[i][j] = rng.Float64()
		}
	}
	scores, err := sc.Score(pool)
	if err != nil {
		return nil, err
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })

	out := make([][]float64, q)
	for i := 0; i < q; i++ {
		out[i] = pool[order[i]]
	}
	return out, nil
}

// ucbAcquisition scores candidates by upper confidence bound, summed over
// objectives.
type ucbAcquisition struct{}

type ucbScorer struct {
	model FittedModel
	beta  float64
}

func (*ucbAcquisition) Meta() Meta {
	return Meta{Name: "ucb", Description: "upper confidence bound", Tags: []string{"analytic"}}
}

func (*ucbAcquisition) Defaults() map[string]any {
	return map[string]any{"beta": 2.0, "candidates": 1024}
}

func (*ucbAcquisition) Build(m FittedModel, bestF, refPoint []float64, params map[string]any) (Scorer, error) {
	if m == nil {
		return nil, fmt.Errorf("ucb requires a fitted model")
	}
	return &ucbScorer{model: m, beta: paramFloat(params, "beta", 2.0)}, nil
}

func (*ucbAcquisition) Optimize(sc Scorer, dim, q int, params map[string]any) ([][]float64, error) {
	return candidateOptimize(sc, dim, q, params)
}

func (s *ucbScorer) Score(X [][]float64) ([]float64, error) {
	mean, variance, err := s.model.Posterior(X)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(X))
	for i := range X {
		for j := range mean[i] {
			out[i] += mean[i][j] + s.beta*math.Sqrt(variance[i][j])
		}
	}
	return out, nil
}

// eiAcquisition is single-objective expected improvement over bestF.
type eiAcquisition struct{}

type eiScorer struct {
	model FittedModel
	best  float64
	xi    float64
}

func (*eiAcquisition) Meta() Meta {
	return Meta{Name: "ei", Description: "expected improvement", Tags: []string{"analytic", "single-objective"}}
}

func (*eiAcquisition) Defaults() map[string]any {
	return map[string]any{"xi": 0.0, "candidates": 1024}
}

func (*eiAcquisition) Build(m FittedModel, bestF, refPoint []float64, params map[string]any) (Scorer, error) {
	if m == nil {
		return nil, fmt.Errorf("ei requires a fitted model")
	}
	if len(bestF) != 1 {
		return nil, fmt.Errorf("ei is single-objective, got %d best values", len(bestF))
	}
	return &eiScorer{model: m, best: bestF[0], xi: paramFloat(params, "xi", 0.0)}, nil
}

func (*eiAcquisition) Optimize(sc Scorer, dim, q int, params map[string]any) ([][]float64, error) {
	return candidateOptimize(sc, dim, q, params)
}

func (s *eiScorer) Score(X [][]float64) ([]float64, error) {
	mean, variance, err := s.model.Posterior(X)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(X))
	for i := range X {
		mu, sigma := mean[i][0], math.Sqrt(variance[i][0])
		if sigma < 1e-12 {
			if imp := mu - s.best - s.xi; imp > 0 {
				out[i] = imp
			}
			continue
		}
		z := (mu - s.best - s.xi) / sigma
		out[i] = (mu-s.best-s.xi)*normCDF(z) + sigma*normPDF(z)
	}
	return out, nil
}

// randomAcquisition is the random baseline: no scorer, optimization is a
// uniform draw.
type randomAcquisition struct{}

func (*randomAcquisition) Meta() Meta {
	return Meta{Name: "random", Description: "uniform random baseline", Tags: []string{"baseline"}}
}

func (*randomAcquisition) Defaults() map[string]any { return map[string]any{"seed": 0} }

func (*randomAcquisition) Build(m FittedModel, bestF, refPoint []float64, params map[string]any) (Scorer, error) {
	return nil, nil
}

func (*randomAcquisition) Optimize(sc Scorer, dim, q int, params map[string]any) ([][]float64, error) {
	rng := rngFrom(params)
	out := make([][]float64, q)
	for i := range out {
		out[i] = make([]float64, dim)
		for j := range out[i] {
			out[i][j] = rng.Float64()
		}
	}
	return out, nil
}

func normPDF(z float64) float64 {
	return math.Exp(-z*z/2) / math.Sqrt(2*math.Pi)
}

func normCDF(z float64) float64 {
	return 0.5 * (1 + math.Erf(z/math.Sqrt2))
}
