package plugin

import (
	"math"
	"math/rand"
	"time"

	"boa/internal/errs"
	"boa/internal/spec"
)

// rngFrom builds the sampler RNG. A caller-supplied seed makes the draw
// exactly reproducible; without one the draw is time-seeded.
func rngFrom(params map[string]any) *rand.Rand {
	if params != nil {
		if _, ok := params["seed"]; ok {
			return rand.New(rand.NewSource(int64(paramInt(params, "seed", 0))))
		}
	}
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// finalize projects sampled points onto the feasible grid and derives the
// parallel raw candidates. Re-encoding the decoded rows keeps the encoded
// matrix self-consistent with activation and one-hot structure.
func finalize(e *spec.Encoder, X [][]float64) ([][]float64, []map[string]any, error) {
	raw, err := e.Decode(e.Project(X))
	if err != nil {
		return nil, nil, err
	}
	enc, err := e.Encode(raw)
	if err != nil {
		return nil, nil, err
	}
	return enc, raw, nil
}

type randomSampler struct{}

func (*randomSampler) Meta() Meta {
	return Meta{Name: "random", Description: "uniform random design", Tags: []string{"baseline"}}
}

func (*randomSampler) Defaults() map[string]any { return map[string]any{"seed": 0} }

func (*randomSampler) Sample(s *spec.ProcessSpec, n int, params map[string]any) ([][]float64, []map[string]any, error) {
	if n <= 0 {
		return nil, nil, errs.New(errs.Validation, "sample count must be positive, got %d", n)
	}
	e := spec.NewEncoder(s)
	rng := rngFrom(params)
	X := make([][]float64, n)
	for i := range X {
		X[i] = make([]float64, e.Dim())
		for j := range X[i] {
			X[i][j] = rng.Float64()
		}
	}
	return finalize(e, X)
}

type lhsSampler struct{}

func (*lhsSampler) Meta() Meta {
	return Meta{Name: "lhs", Description: "Latin hypercube design", Tags: []string{"space-filling"}}
}

func (*lhsSampler) Defaults() map[string]any { return map[string]any{"seed": 0} }

// Sample stratifies every column into n bins and draws one point per bin,
// with an independent bin permutation per column.
func (*lhsSampler) Sample(s *spec.ProcessSpec, n int, params map[string]any) ([][]float64, []map[string]any, error) {
	if n <= 0 {
		return nil, nil, errs.New(errs.Validation, "sample count must be positive, got %d", n)
	}
	e := spec.NewEncoder(s)
	rng := rngFrom(params)
	X := make([][]float64, n)
	for i := range X {
		X[i] = make([]float64, e.Dim())
	}
	for j := 0; j < e.Dim(); j++ {
		perm := rng.Perm(n)
		for i := 0; i < n; i++ {
			X[i][j] = (float64(perm[i]) + rng.Float64()) / float64(n)
		}
	}
	return finalize(e, X)
}

type gridSampler struct{}

func (*gridSampler) Meta() Meta {
	return Meta{Name: "grid", Description: "full-factorial grid design", Tags: []string{"deterministic"}}
}

func (*gridSampler) Defaults() map[string]any { return map[string]any{} }

// Sample lays an even k-level lattice over the cube, with k the smallest
// level count whose factorial covers n, and returns its first n points.
func (*gridSampler) Sample(s *spec.ProcessSpec, n int, params map[string]any) ([][]float64, []map[string]any, error) {
	if n <= 0 {
		return nil, nil, errs.New(errs.Validation, "sample count must be positive, got %d", n)
	}
	e := spec.NewEncoder(s)
	d := e.Dim()

	k := int(math.Ceil(math.Pow(float64(n), 1.0/float64(d))))
	if k < 2 {
		k = 2
	}
	for pow(k, d) < n && k < n {
		k++
	}

	X := make([][]float64, n)
	for t := 0; t < n; t++ {
		X[t] = make([]float64, d)
		rem := t
		for j := 0; j < d; j++ {
			idx := rem % k
			rem /= k
			X[t][j] = float64(idx) / float64(k-1)
		}
	}
	return finalize(e, X)
}

func pow(k, d int) int {
	out := 1
	for i := 0; i < d; i++ {
		if out > 1<<30 {
			return out
		}
		out *= k
	}
	return out
}
