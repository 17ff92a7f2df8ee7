package spec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"boa/internal/errs"
)

const fullDoc = `
name: perovskite-stability
version: 2
description: additive screening
inputs:
  - name: temperature
    type: continuous
    bounds: [20, 120]
    unit: C
  - name: spin_speed
    type: discrete
    start: 1000
    stop: 4000
    step: 500
  - name: additive
    type: categorical
    categories: [none, MACl, FAI]
  - name: additive_conc
    type: continuous
    bounds: [0.01, 0.5]
    active_if:
      additive: [MACl, FAI]
objectives:
  - name: stability
    direction: maximize
  - name: defect_density
    direction: minimize
    preference: {type: weight, value: 2.0}
constraints:
  input:
    - name: clausius_clapeyron
      params: {temperature_col: temperature}
  outcome:
    - objective: defect_density
      comparator: "<="
      threshold: 10.0
strategies:
  explore:
    sampler: random
    model: gp_rbf
    acquisition: ucb
    acquisition_params: {beta: 2.0}
`

func TestLoadFullDocument(t *testing.T) {
	s, err := Load([]byte(fullDoc))
	require.NoError(t, err)

	require.Equal(t, "perovskite-stability", s.Name)
	require.Equal(t, 2, s.Version)
	require.Len(t, s.Inputs, 4)

	temp := s.InputByName("temperature")
	require.NotNil(t, temp)
	require.Equal(t, Continuous, temp.Kind)
	require.Equal(t, 20.0, temp.Lo)
	require.Equal(t, 120.0, temp.Hi)

	speed := s.InputByName("spin_speed")
	require.NotNil(t, speed)
	require.Equal(t, []float64{1000, 1500, 2000, 2500, 3000, 3500, 4000}, speed.Values)

	conc := s.InputByName("additive_conc")
	require.NotNil(t, conc)
	require.True(t, conc.Conditional())
	require.Equal(t, []string{"MACl", "FAI"}, conc.ActiveIf["additive"])

	require.Equal(t, []string{"stability", "defect_density"}, s.ObjectiveNames())
	require.Equal(t, Minimize, s.Objectives[1].Direction)
	require.NotNil(t, s.Objectives[1].Preference)
	require.Equal(t, 2.0, s.Objectives[1].Preference.Value)

	require.Len(t, s.Constraints.Input, 1)
	require.Equal(t, "clausius_clapeyron", s.Constraints.Input[0].Name)
	require.Len(t, s.Constraints.Outcome, 1)
	require.Equal(t, "defect_density", s.Constraints.Outcome[0].Objective)

	st, ok := s.StrategyByName("explore")
	require.True(t, ok)
	require.Equal(t, "random", st.Sampler)
	require.Equal(t, 2.0, st.AcquisitionParams["beta"])
}

func TestLoadObjectivesShorthand(t *testing.T) {
	doc := `
name: bench
inputs:
  - name: x
    type: continuous
    bounds: [0, 1]
objectives:
  names: [y1, y2]
`
	s, err := Load([]byte(doc))
	require.NoError(t, err)
	require.Len(t, s.Objectives, 2)
	for _, o := range s.Objectives {
		require.Equal(t, Maximize, o.Direction)
		require.Nil(t, o.Preference)
	}
}

func TestLoadLegacyConstraintList(t *testing.T) {
	doc := `
name: humid
inputs:
  - name: temperature
    type: continuous
    bounds: [20, 80]
objectives:
  names: [yield]
constraints:
  - type: clausius_clapeyron
    params: {safety_factor: 0.95}
`
	s, err := Load([]byte(doc))
	require.NoError(t, err)
	require.Len(t, s.Constraints.Input, 1)
	require.Equal(t, "clausius_clapeyron", s.Constraints.Input[0].Name)
	require.Equal(t, 0.95, s.Constraints.Input[0].Params["safety_factor"])
	require.Empty(t, s.Constraints.Outcome)
}

func TestLoadImplicitDefaultStrategy(t *testing.T) {
	doc := `
name: minimal
inputs:
  - name: x
    type: continuous
    bounds: [0, 1]
objectives:
  names: [y]
`
	s, err := Load([]byte(doc))
	require.NoError(t, err)
	st, ok := s.StrategyByName("")
	require.True(t, ok)
	require.Equal(t, DefaultSampler, st.Sampler)
	require.Equal(t, DefaultModel, st.Model)
	require.Equal(t, DefaultAcquisition, st.Acquisition)
}

func TestLoadDefaultsVersion(t *testing.T) {
	s, err := Load([]byte("name: v\ninputs: [{name: x, type: continuous, bounds: [0, 1]}]\nobjectives: {names: [y]}\n"))
	require.NoError(t, err)
	require.Equal(t, 1, s.Version)
}

func TestExpandGridIncludesStopOnStep(t *testing.T) {
	values, err := expandGrid(0.0, 1.0, 0.1)
	require.NoError(t, err)
	require.Len(t, values, 11)
	require.InDelta(t, 1.0, values[10], 1e-9)
}

func TestLoadErrors(t *testing.T) {
	cases := map[string]string{
		"no name":        "inputs: [{name: x, type: continuous, bounds: [0, 1]}]",
		"unknown type":   "name: s\ninputs: [{name: x, type: ordinal}]",
		"no bounds":      "name: s\ninputs: [{name: x, type: continuous}]",
		"empty discrete": "name: s\ninputs: [{name: x, type: discrete}]",
		"bad step":       "name: s\ninputs: [{name: x, type: discrete, start: 0, stop: 1, step: -1}]",
		"not yaml":       "{{{{",
	}
	for label, doc := range cases {
		_, err := Load([]byte(doc))
		require.Error(t, err, label)
		require.Equal(t, errs.SpecLoad, errs.KindOf(err), label)
	}
}
