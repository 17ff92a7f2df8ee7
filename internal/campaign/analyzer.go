package campaign

import (
	"math"
	"sort"

	"boa/internal/spec"
	"boa/internal/store"
)

// Analyzer holds the pure, read-only metrics functions over a campaign's
// observations. All internal buffers use the maximize representation with
// NaN replaced by -Inf; reported values are in the original directions.
type Analyzer struct {
	spec  *spec.ProcessSpec
	signs []float64
}

// NewAnalyzer builds an analyzer for a spec.
func NewAnalyzer(s *spec.ProcessSpec) *Analyzer {
	return &Analyzer{spec: s, signs: objectiveSigns(s)}
}

// Metrics is the analyzer summary of a campaign.
type Metrics struct {
	ObservationCount   int                `json:"observation_count"`
	BestValues         map[string]float64 `json:"best_values"`
	ParetoIndices      []int              `json:"pareto_indices"`
	Hypervolume        *float64           `json:"hypervolume,omitempty"`
	ImprovementHistory []float64          `json:"improvement_history,omitempty"`
}

// Analyze computes the full summary. refPoint is in original directions
// and may be nil; hypervolume is then absent.
func (a *Analyzer) Analyze(obs []*store.Observation, refPoint []float64) *Metrics {
	m := &Metrics{
		ObservationCount: len(obs),
		BestValues:       a.BestValues(obs),
		ParetoIndices:    a.ParetoSet(obs),
	}
	if hv := a.Hypervolume(obs, refPoint); hv != nil {
		m.Hypervolume = hv
	}
	m.ImprovementHistory = a.ImprovementHistory(obs, refPoint)
	return m
}

// yMatrix internalizes observations: rows in objective order, maximize
// representation, missing or NaN cells as -Inf.
func (a *Analyzer) yMatrix(obs []*store.Observation) [][]float64 {
	names := a.spec.ObjectiveNames()
	Y := make([][]float64, len(obs))
	for i, o := range obs {
		Y[i] = make([]float64, len(names))
		for j, name := range names {
			v, ok := o.Y[name]
			if !ok || math.IsNaN(v) {
				Y[i][j] = math.Inf(-1)
				continue
			}
			Y[i][j] = v * a.signs[j]
		}
	}
	return Y
}

// BestValues returns the per-objective extremum in its own direction over
// non-NaN cells. Objectives with no finite value are absent.
func (a *Analyzer) BestValues(obs []*store.Observation) map[string]float64 {
	out := map[string]float64{}
	for j, name := range a.spec.ObjectiveNames() {
		best := math.Inf(-1)
		found := false
		for _, o := range obs {
			v, ok := o.Y[name]
			if !ok || math.IsNaN(v) {
				continue
			}
			if s := v * a.signs[j]; s > best {
				best = s
				found = true
			}
		}
		if found {
			out[name] = best * a.signs[j]
		}
	}
	return out
}

// dominates reports whether u dominates v in the maximize representation:
// at least as good everywhere and strictly better somewhere.
func dominates(u, v []float64) bool {
	strict := false
	for j := range u {
		if u[j] < v[j] {
			return false
		}
		if u[j] > v[j] {
			strict = true
		}
	}
	return strict
}

// ParetoSet returns the indices of non-dominated observations, in input
// order. Empty input yields the empty set.
func (a *Analyzer) ParetoSet(obs []*store.Observation) []int {
	Y := a.yMatrix(obs)
	var out []int
	for i := range Y {
		dominated := false
		for k := range Y {
			if k != i && dominates(Y[k], Y[i]) {
				dominated = true
				break
			}
		}
		if !dominated {
			out = append(out, i)
		}
	}
	return out
}

// BestObservationIndex returns the single best observation: the extremum
// for one objective, or the Pareto-optimal point that is lexicographically
// greatest by objective order in the maximize representation. Returns -1
// on empty input.
func (a *Analyzer) BestObservationIndex(obs []*store.Observation) int {
	if len(obs) == 0 {
		return -1
	}
	Y := a.yMatrix(obs)
	best := -1
	for _, i := range a.ParetoSet(obs) {
		if best < 0 || lexGreater(Y[i], Y[best]) {
			best = i
		}
	}
	return best
}

func lexGreater(u, v []float64) bool {
	for j := range u {
		if u[j] != v[j] {
			return u[j] > v[j]
		}
	}
	return false
}

// Hypervolume is computed over the Pareto set relative to the reference
// point, both in the maximize representation. It is absent for a single
// objective or without a reference point; an empty Pareto set scores 0.
func (a *Analyzer) Hypervolume(obs []*store.Observation, refPoint []float64) *float64 {
	p := len(a.spec.Objectives)
	if p < 2 || len(refPoint) != p {
		return nil
	}
	ref := applySignsVec(refPoint, a.signs)
	Y := a.yMatrix(obs)
	var front [][]float64
	for _, i := range a.ParetoSet(obs) {
		finite := true
		for _, v := range Y[i] {
			if math.IsInf(v, -1) {
				finite = false
				break
			}
		}
		if finite {
			front = append(front, Y[i])
		}
	}
	hv := hypervolume(front, ref)
	return &hv
}

// hypervolume slices off the last objective and recurses, the standard
// exact computation for small fronts.
func hypervolume(points [][]float64, ref []float64) float64 {
	if len(points) == 0 {
		return 0
	}
	d := len(ref)
	if d == 1 {
		best := 0.0
		for _, pt := range points {
			if v := pt[0] - ref[0]; v > best {
				best = v
			}
		}
		return best
	}

	sorted := make([][]float64, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i][d-1] > sorted[j][d-1] })

	var vol float64
	for i := range sorted {
		z := sorted[i][d-1]
		if z <= ref[d-1] {
			break
		}
		next := ref[d-1]
		if i+1 < len(sorted) && sorted[i+1][d-1] > next {
			next = sorted[i+1][d-1]
		}
		slice := make([][]float64, 0, i+1)
		for _, pt := range sorted[:i+1] {
			slice = append(slice, pt[:d-1])
		}
		vol += (z - next) * hypervolume(nondominated(slice), ref[:d-1])
	}
	return vol
}

func nondominated(points [][]float64) [][]float64 {
	var out [][]float64
	for i := range points {
		dominated := false
		for k := range points {
			if k != i && dominates(points[k], points[i]) {
				dominated = true
				break
			}
		}
		if !dominated {
			out = append(out, points[i])
		}
	}
	return out
}

// ImprovementHistory tracks progress per observation: the running
// extremum for one objective (NaN rows yield NaN entries), or the
// hypervolume of each prefix for several. Multi-objective history without
// a reference point is absent.
func (a *Analyzer) ImprovementHistory(obs []*store.Observation, refPoint []float64) []float64 {
	if len(obs) == 0 {
		return nil
	}
	if len(a.spec.Objectives) == 1 {
		name := a.spec.Objectives[0].Name
		sign := a.signs[0]
		history := make([]float64, len(obs))
		best := math.Inf(-1)
		for i, o := range obs {
			v, ok := o.Y[name]
			if !ok || math.IsNaN(v) {
				history[i] = math.NaN()
				continue
			}
			if s := v * sign; s > best {
				best = s
			}
			history[i] = best * sign
		}
		return history
	}

	if len(refPoint) != len(a.spec.Objectives) {
		return nil
	}
	history := make([]float64, len(obs))
	for i := range obs {
		hv := a.Hypervolume(obs[:i+1], refPoint)
		if hv != nil {
			history[i] = *hv
		}
	}
	return history
}
