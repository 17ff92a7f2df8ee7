package plugin

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"
)

// gpState is the serialized form of a fitted GP.
type gpState struct {
	X           [][]float64
	Y           [][]float64 // m x p, maximize representation
	Alpha       [][]float64 // p x m, K^-1 y per objective
	L           [][]float64 // lower Cholesky factor of K
	Lengthscale float64
	Variance    float64
	Noise       float64
}

type fittedGP struct {
	state gpState
}

type gpRBFModel struct{}

func (*gpRBFModel) Meta() Meta {
	return Meta{Name: "gp_rbf", Description: "exact Gaussian process with RBF kernel", Tags: []string{"gp"}}
}

func (*gpRBFModel) Defaults() map[string]any {
	return map[string]any{"lengthscale": 0.2, "variance": 1.0, "noise": 1e-4}
}

func (g *gpRBFModel) Fit(X, Y [][]float64, params map[string]any) (FittedModel, error) {
	m := len(X)
	if m == 0 {
		return nil, fmt.Errorf("cannot fit on zero observations")
	}
	p := len(Y[0])
	st := gpState{
		X:           X,
		Y:           Y,
		Lengthscale: paramFloat(params, "lengthscale", 0.2),
		Variance:    paramFloat(params, "variance", 1.0),
		Noise:       paramFloat(params, "noise", 1e-4),
	}

	K := make([][]float64, m)
	for i := range K {
		K[i] = make([]float64, m)
		for j := range K[i] {
			K[i][j] = rbf(X[i], X[j], st.Lengthscale, st.Variance)
		}
		K[i][i] += st.Noise
	}
	L, err := cholesky(K)
	if err != nil {
		return nil, err
	}
	st.L = L

	st.Alpha = make([][]float64, p)
	for j := 0; j < p; j++ {
		y := make([]float64, m)
		for i := 0; i < m; i++ {
			y[i] = Y[i][j]
		}
		z := solveLower(L, y)
		st.Alpha[j] = solveUpperT(L, z)
	}
	return &fittedGP{state: st}, nil
}

func (g *gpRBFModel) Load(state []byte, X, Y [][]float64) (FittedModel, error) {
	var st gpState
	if err := gob.NewDecoder(bytes.NewReader(state)).Decode(&st); err != nil {
		// Stale or foreign payload; refit from the training data.
		if len(X) > 0 {
			return g.Fit(X, Y, nil)
		}
		return nil, fmt.Errorf("failed to decode gp state: %w", err)
	}
	return &fittedGP{state: st}, nil
}

func (f *fittedGP) Posterior(X [][]float64) ([][]float64, [][]float64, error) {
	m := len(f.state.X)
	p := len(f.state.Alpha)
	mean := make([][]float64, len(X))
	variance := make([][]float64, len(X))
	for i, x := range X {
		kstar := make([]float64, m)
		for t := 0; t < m; t++ {
			kstar[t] = rbf(x, f.state.X[t], f.state.Lengthscale, f.state.Variance)
		}
		v := solveLower(f.state.L, kstar)
		vv := dot(v, v)
		s2 := f.state.Variance + f.state.Noise - vv
		if s2 < 1e-12 {
			s2 = 1e-12
		}
		mean[i] = make([]float64, p)
		variance[i] = make([]float64, p)
		for j := 0; j < p; j++ {
			mean[i][j] = dot(kstar, f.state.Alpha[j])
			variance[i][j] = s2
		}
	}
	return mean, variance, nil
}

func (f *fittedGP) Save() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(f.state); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// meanVarModel predicts the global per-objective running mean and variance
// regardless of location. A cheap baseline for smoke tests and benchmarks.
type meanVarModel struct{}

type meanVarState struct {
	Mean     []float64
	Variance []float64
}

type fittedMeanVar struct {
	state meanVarState
}

func (*meanVarModel) Meta() Meta {
	return Meta{Name: "mean_var", Description: "global mean/variance baseline", Tags: []string{"baseline"}}
}

func (*meanVarModel) Defaults() map[string]any { return map[string]any{} }

func (*meanVarModel) Fit(X, Y [][]float64, params map[string]any) (FittedModel, error) {
	m := len(Y)
	if m == 0 {
		return nil, fmt.Errorf("cannot fit on zero observations")
	}
	p := len(Y[0])
	st := meanVarState{Mean: make([]float64, p), Variance: make([]float64, p)}
	for j := 0; j < p; j++ {
		for i := 0; i < m; i++ {
			st.Mean[j] += Y[i][j]
		}
		st.Mean[j] /= float64(m)
		for i := 0; i < m; i++ {
			d := Y[i][j] - st.Mean[j]
			st.Variance[j] += d * d
		}
		st.Variance[j] /= float64(m)
		if st.Variance[j] < 1e-12 {
			st.Variance[j] = 1e-12
		}
	}
	return &fittedMeanVar{state: st}, nil
}

func (mv *meanVarModel) Load(state []byte, X, Y [][]float64) (FittedModel, error) {
	var st meanVarState
	if err := gob.NewDecoder(bytes.NewReader(state)).Decode(&st); err != nil {
		if len(Y) > 0 {
			return mv.Fit(X, Y, nil)
		}
		return nil, fmt.Errorf("failed to decode mean_var state: %w", err)
	}
	return &fittedMeanVar{state: st}, nil
}

func (f *fittedMeanVar) Posterior(X [][]float64) ([][]float64, [][]float64, error) {
	mean := make([][]float64, len(X))
	variance := make([][]float64, len(X))
	for i := range X {
		mean[i] = append([]float64(nil), f.state.Mean...)
		variance[i] = append([]float64(nil), f.state.Variance...)
	}
	return mean, variance, nil
}

func (f *fittedMeanVar) Save() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(f.state); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func rbf(a, b []float64, lengthscale, variance float64) float64 {
	var d2 float64
	for i := range a {
		d := a[i] - b[i]
		d2 += d * d
	}
	return variance * math.Exp(-d2/(2*lengthscale*lengthscale))
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// cholesky factors a symmetric positive-definite matrix into its lower
// triangular factor.
func cholesky(A [][]float64) ([][]float64, error) {
	n := len(A)
	L := make([][]float64, n)
	for i := range L {
		L[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			s := A[i][j]
			for k := 0; k < j; k++ {
				s -= L[i][k] * L[j][k]
			}
			if i == j {
				if s <= 0 {
					return nil, fmt.Errorf("matrix is not positive definite at pivot %d", i)
				}
				L[i][i] = math.Sqrt(s)
			} else {
				L[i][j] = s / L[j][j]
			}
		}
	}
	return L, nil
}

// solveLower solves L x = b for lower triangular L.
func solveLower(L [][]float64, b []float64) []float64 {
	n := len(b)
	x := make([]float64, n)
	for i := 0; i < n; i++ {
		s := b[i]
		for j := 0; j < i; j++ {
			s -= L[i][j] * x[j]
		}
		x[i] = s / L[i][i]
	}
	return x
}

// solveUpperT solves L^T x = b for lower triangular L.
func solveUpperT(L [][]float64, b []float64) []float64 {
	n := len(b)
	x := make([]float64, n)
	for i := n - 1; i >= 0; i-- {
		s := b[i]
		for j := i + 1; j < n; j++ {
			s -= L[j][i] * x[j]
		}
		x[i] = s / L[i][i]
	}
	return x
}
