// Package spec defines the parsed process specification: the typed inputs,
// objectives, constraints and strategies of an optimization problem, the
// YAML loader that produces it, the cross-reference validator, and the
// mixed-space encoder that maps raw input maps onto the unit cube.
package spec

import (
	"fmt"
	"sort"
	"strconv"
)

// InputKind tags the input variants.
type InputKind string

const (
	Continuous  InputKind = "continuous"
	Discrete    InputKind = "discrete"
	Categorical InputKind = "categorical"
)

// Direction of an objective.
type Direction string

const (
	Maximize Direction = "maximize"
	Minimize Direction = "minimize"
)

// Preference expresses an optional per-objective weighting.
type Preference struct {
	Type  string  `yaml:"type" json:"type"` // weight, aspiration, reference_point
	Value float64 `yaml:"value" json:"value"`
}

// Input is one dimension of the search space. Exactly one variant payload
// is populated, selected by Kind. ActiveIf maps the name of a categorical
// input to the levels that activate this input; the input is active on a
// row iff every predicate holds.
type Input struct {
	Name string    `yaml:"name" json:"name"`
	Kind InputKind `yaml:"type" json:"type"`

	// Continuous.
	Lo   float64 `yaml:"-" json:"lo,omitempty"`
	Hi   float64 `yaml:"-" json:"hi,omitempty"`
	Unit string  `yaml:"unit,omitempty" json:"unit,omitempty"`

	// Discrete.
	Values []float64 `yaml:"-" json:"values,omitempty"`

	// Categorical.
	Categories []string `yaml:"categories,omitempty" json:"categories,omitempty"`

	ActiveIf map[string][]string `yaml:"active_if,omitempty" json:"active_if,omitempty"`
}

// Conditional reports whether the input carries an activation predicate.
func (in *Input) Conditional() bool { return len(in.ActiveIf) > 0 }

// Objective names one output dimension and the direction it improves in.
type Objective struct {
	Name       string      `yaml:"name" json:"name"`
	Direction  Direction   `yaml:"direction" json:"direction"`
	Preference *Preference `yaml:"preference,omitempty" json:"preference,omitempty"`
}

// InputConstraint names a physical relation over input columns, resolved
// against the constraint plugin partition at execution time.
type InputConstraint struct {
	Name   string         `yaml:"name" json:"name"`
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// OutcomeConstraint bounds an objective. Data only, never a plugin.
type OutcomeConstraint struct {
	Objective  string  `yaml:"objective" json:"objective"`
	Comparator string  `yaml:"comparator" json:"comparator"` // <=, >=, <, >, ==
	Threshold  float64 `yaml:"threshold" json:"threshold"`
}

// Constraints groups both constraint families.
type Constraints struct {
	Input   []InputConstraint   `yaml:"input,omitempty" json:"input,omitempty"`
	Outcome []OutcomeConstraint `yaml:"outcome,omitempty" json:"outcome,omitempty"`
}

// Strategy is a named sampler+model+acquisition triple with parameter bags.
type Strategy struct {
	Name              string         `yaml:"-" json:"name"`
	Sampler           string         `yaml:"sampler" json:"sampler"`
	Model             string         `yaml:"model" json:"model"`
	Acquisition       string         `yaml:"acquisition" json:"acquisition"`
	SamplerParams     map[string]any `yaml:"sampler_params,omitempty" json:"sampler_params,omitempty"`
	ModelParams       map[string]any `yaml:"model_params,omitempty" json:"model_params,omitempty"`
	AcquisitionParams map[string]any `yaml:"acquisition_params,omitempty" json:"acquisition_params,omitempty"`
}

// Default plugin names used when a spec declares no strategies.
const (
	DefaultStrategyName = "default"
	DefaultSampler      = "lhs"
	DefaultModel        = "gp_rbf"
	DefaultAcquisition  = "ucb"
)

// ProcessSpec is the parsed, canonicalized problem definition.
type ProcessSpec struct {
	Name        string              `json:"name"`
	Version     int                 `json:"version"`
	Description string              `json:"description,omitempty"`
	Inputs      []Input             `json:"inputs"`
	Objectives  []Objective         `json:"objectives"`
	Constraints Constraints         `json:"constraints"`
	Strategies  map[string]Strategy `json:"strategies"`
	Metadata    map[string]any      `json:"metadata,omitempty"`
}

// InputByName returns the named input or nil.
func (s *ProcessSpec) InputByName(name string) *Input {
	for i := range s.Inputs {
		if s.Inputs[i].Name == name {
			return &s.Inputs[i]
		}
	}
	return nil
}

// ObjectiveNames returns the objective names in declaration order.
func (s *ProcessSpec) ObjectiveNames() []string {
	names := make([]string, len(s.Objectives))
	for i, o := range s.Objectives {
		names[i] = o.Name
	}
	return names
}

// StrategyNames returns the declared strategy names, sorted.
func (s *ProcessSpec) StrategyNames() []string {
	names := make([]string, 0, len(s.Strategies))
	for name := range s.Strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StrategyByName returns the named strategy, falling back to the implicit
// default when name is empty.
func (s *ProcessSpec) StrategyByName(name string) (Strategy, bool) {
	if name == "" {
		name = DefaultStrategyName
	}
	st, ok := s.Strategies[name]
	return st, ok
}

// InputActive evaluates the input's activation predicates against a raw
// row. An input without predicates is always active. Predicates read the
// referenced categorical's raw value directly, whether or not the
// referenced input is itself active.
func (s *ProcessSpec) InputActive(in *Input, row map[string]any) bool {
	for ref, levels := range in.ActiveIf {
		v, ok := row[ref]
		if !ok {
			return false
		}
		level := fmt.Sprint(v)
		found := false
		for _, l := range levels {
			if l == level {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ActiveInputs returns the names of inputs active under the given row, in
// declaration order.
func (s *ProcessSpec) ActiveInputs(row map[string]any) []string {
	var names []string
	for i := range s.Inputs {
		if s.InputActive(&s.Inputs[i], row) {
			names = append(names, s.Inputs[i].Name)
		}
	}
	return names
}

// CanonicalKey renders a raw input row as a stable comparison key: the
// sorted name=value pairs with floats in shortest round-trip form. Used for
// pending-candidate matching, so equality is exact.
func CanonicalKey(row map[string]any) string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += ","
		}
		out += k + "=" + canonicalValue(row[k])
	}
	return out
}

func canonicalValue(v any) string {
	switch x := v.(type) {
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 64)
	case int:
		return strconv.FormatFloat(float64(x), 'g', -1, 64)
	case int64:
		return strconv.FormatFloat(float64(x), 'g', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
