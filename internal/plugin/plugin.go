// Package plugin defines the four plugin partitions of the strategy
// pipeline (samplers, surrogate models, acquisition functions, input
// constraints), the typed registry they live in, and the built-in
// implementations registered at startup.
package plugin

import (
	"sort"
	"strings"
	"sync"

	"boa/internal/errs"
	"boa/internal/spec"
)

// Meta describes a plugin for listings.
type Meta struct {
	Name        string
	Description string
	Tags        []string
}

// Sampler produces an initial design: encoded points in [0,1]^d plus the
// parallel raw candidate maps.
type Sampler interface {
	Meta() Meta
	Defaults() map[string]any
	Sample(s *spec.ProcessSpec, n int, params map[string]any) (encoded [][]float64, raw []map[string]any, err error)
}

// FittedModel is a surrogate fit on one campaign's observations.
type FittedModel interface {
	// Posterior returns per-candidate per-objective predictive mean and
	// variance, both n x p.
	Posterior(X [][]float64) (mean, variance [][]float64, err error)
	// Save serializes the fitted state for checkpointing.
	Save() ([]byte, error)
}

// Model fits surrogates.
type Model interface {
	Meta() Meta
	Defaults() map[string]any
	Fit(X, Y [][]float64, params map[string]any) (FittedModel, error)
	// Load restores a checkpointed fit. X and Y are the training data the
	// state was fit on, available for implementations that refit.
	Load(state []byte, X, Y [][]float64) (FittedModel, error)
}

// Scorer evaluates an acquisition over encoded candidates.
type Scorer interface {
	Score(X [][]float64) ([]float64, error)
}

// Acquisition builds and optimizes an acquisition function. Build may
// return a nil Scorer for baselines whose Optimize ignores it.
type Acquisition interface {
	Meta() Meta
	Defaults() map[string]any
	Build(m FittedModel, bestF []float64, refPoint []float64, params map[string]any) (Scorer, error)
	Optimize(sc Scorer, dim, q int, params map[string]any) ([][]float64, error)
}

// Constraint is a named physical relation over the input space.
type Constraint interface {
	Meta() Meta
	Defaults() map[string]any
	Check(X [][]float64, s *spec.ProcessSpec, params map[string]any) ([]bool, error)
	Apply(X [][]float64, s *spec.ProcessSpec, params map[string]any) ([][]float64, error)
}

// Registry is the named lookup for all four partitions. Populated once at
// startup and immutable afterwards; lookups are safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	samplers     map[string]Sampler
	models       map[string]Model
	acquisitions map[string]Acquisition
	constraints  map[string]Constraint
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		samplers:     map[string]Sampler{},
		models:       map[string]Model{},
		acquisitions: map[string]Acquisition{},
		constraints:  map[string]Constraint{},
	}
}

// NewBuiltinRegistry returns a registry with every built-in registered.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	r.RegisterBuiltins()
	return r
}

// RegisterBuiltins adds the built-in plugins of every partition.
func (r *Registry) RegisterBuiltins() {
	r.RegisterSampler(&randomSampler{})
	r.RegisterSampler(&lhsSampler{})
	r.RegisterSampler(&gridSampler{})
	r.RegisterModel(&gpRBFModel{})
	r.RegisterModel(&meanVarModel{})
	r.RegisterAcquisition(&ucbAcquisition{})
	r.RegisterAcquisition(&eiAcquisition{})
	r.RegisterAcquisition(&randomAcquisition{})
	r.RegisterConstraint(&clausiusClapeyronConstraint{})
}

func (r *Registry) RegisterSampler(p Sampler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samplers[p.Meta().Name] = p
}

func (r *Registry) RegisterModel(p Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[p.Meta().Name] = p
}

func (r *Registry) RegisterAcquisition(p Acquisition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acquisitions[p.Meta().Name] = p
}

func (r *Registry) RegisterConstraint(p Constraint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constraints[p.Meta().Name] = p
}

// Sampler looks up a sampler by name.
func (r *Registry) Sampler(name string) (Sampler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.samplers[name]
	if !ok {
		return nil, notFound("sampler", name, keys(r.samplers))
	}
	return p, nil
}

// Model looks up a surrogate model by name.
func (r *Registry) Model(name string) (Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.models[name]
	if !ok {
		return nil, notFound("model", name, keys(r.models))
	}
	return p, nil
}

// Acquisition looks up an acquisition by name.
func (r *Registry) Acquisition(name string) (Acquisition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.acquisitions[name]
	if !ok {
		return nil, notFound("acquisition", name, keys(r.acquisitions))
	}
	return p, nil
}

// Constraint looks up an input constraint by name.
func (r *Registry) Constraint(name string) (Constraint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.constraints[name]
	if !ok {
		return nil, notFound("constraint", name, keys(r.constraints))
	}
	return p, nil
}

// Known returns the registered names per partition, for spec validation.
func (r *Registry) Known() *spec.KnownPlugins {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &spec.KnownPlugins{
		Samplers:     keys(r.samplers),
		Models:       keys(r.models),
		Acquisitions: keys(r.acquisitions),
		Constraints:  keys(r.constraints),
	}
}

func notFound(partition, name string, available []string) error {
	return &errs.Error{
		Kind:   errs.PluginNotFound,
		Msg:    partition + " " + name + " is not registered (available: " + strings.Join(available, ", ") + ")",
		Plugin: name,
	}
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// paramFloat reads a numeric parameter, falling back to def.
func paramFloat(params map[string]any, key string, def float64) float64 {
	if params == nil {
		return def
	}
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return def
	}
}

// paramInt reads an integer parameter, falling back to def.
func paramInt(params map[string]any, key string, def int) int {
	if params == nil {
		return def
	}
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}
