package spec

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"boa/internal/errs"
)

func validSpec() *ProcessSpec {
	s, err := Load([]byte(fullDoc))
	if err != nil {
		panic(err)
	}
	return s
}

func knownBuiltins() *KnownPlugins {
	return &KnownPlugins{
		Samplers:     []string{"random", "lhs", "grid"},
		Models:       []string{"gp_rbf", "mean_var"},
		Acquisitions: []string{"ucb", "ei", "random"},
		Constraints:  []string{"clausius_clapeyron"},
	}
}

func TestValidateAcceptsSoundSpec(t *testing.T) {
	require.NoError(t, Validate(validSpec(), knownBuiltins()))
}

func TestValidateFindings(t *testing.T) {
	cases := []struct {
		label  string
		mutate func(*ProcessSpec)
		want   string
	}{
		{
			"duplicate input",
			func(s *ProcessSpec) { s.Inputs = append(s.Inputs, Input{Name: "temperature", Kind: Continuous, Lo: 0, Hi: 1}) },
			"duplicate input name",
		},
		{
			"inverted bounds",
			func(s *ProcessSpec) { s.Inputs[0].Lo, s.Inputs[0].Hi = 5, 5 },
			"lo 5 >= hi 5",
		},
		{
			"empty discrete",
			func(s *ProcessSpec) { s.InputByName("spin_speed").Values = nil },
			"has no values",
		},
		{
			"duplicate grid value",
			func(s *ProcessSpec) { s.InputByName("spin_speed").Values = []float64{1000, 1000} },
			"duplicate value",
		},
		{
			"single-level categorical",
			func(s *ProcessSpec) { s.InputByName("additive").Categories = []string{"none"} },
			"fewer than 2 levels",
		},
		{
			"duplicate objective",
			func(s *ProcessSpec) { s.Objectives = append(s.Objectives, Objective{Name: "stability", Direction: Maximize}) },
			"duplicate objective name",
		},
		{
			"bad preference",
			func(s *ProcessSpec) { s.Objectives[1].Preference = &Preference{Type: "weight", Value: 0} },
			"preference value must be > 0",
		},
		{
			"active_if unknown input",
			func(s *ProcessSpec) { s.InputByName("additive_conc").ActiveIf = map[string][]string{"solvent": {"DMF"}} },
			"references unknown input",
		},
		{
			"active_if non-categorical",
			func(s *ProcessSpec) {
				s.InputByName("additive_conc").ActiveIf = map[string][]string{"temperature": {"20"}}
			},
			"non-categorical",
		},
		{
			"active_if unknown level",
			func(s *ProcessSpec) { s.InputByName("additive_conc").ActiveIf = map[string][]string{"additive": {"PbI2"}} },
			`level "PbI2" not declared`,
		},
		{
			"outcome constraint unknown objective",
			func(s *ProcessSpec) { s.Constraints.Outcome[0].Objective = "turbidity" },
			"unknown objective",
		},
		{
			"unknown sampler",
			func(s *ProcessSpec) {
				st := s.Strategies["explore"]
				st.Sampler = "sobol"
				s.Strategies["explore"] = st
			},
			"unknown sampler",
		},
		{
			"unknown constraint plugin",
			func(s *ProcessSpec) { s.Constraints.Input[0].Name = "antoine" },
			"unknown plugin",
		},
	}

	for _, tc := range cases {
		s := validSpec()
		tc.mutate(s)
		err := Validate(s, knownBuiltins())
		require.Error(t, err, tc.label)
		require.Equal(t, errs.SpecValidation, errs.KindOf(err), tc.label)

		var e *errs.Error
		require.ErrorAs(t, err, &e, tc.label)
		joined := strings.Join(e.Messages, "\n")
		require.Contains(t, joined, tc.want, tc.label)
	}
}

func TestValidateActiveIfCycle(t *testing.T) {
	s := &ProcessSpec{
		Name: "cyclic",
		Inputs: []Input{
			{Name: "a", Kind: Categorical, Categories: []string{"x", "y"}, ActiveIf: map[string][]string{"b": {"x"}}},
			{Name: "b", Kind: Categorical, Categories: []string{"x", "y"}, ActiveIf: map[string][]string{"a": {"x"}}},
		},
		Objectives: []Objective{{Name: "y", Direction: Maximize}},
		Strategies: map[string]Strategy{},
	}
	findings := Findings(s, nil)
	require.NotEmpty(t, findings)
	require.Contains(t, strings.Join(findings, "\n"), "cycle")
}

func TestValidateSkipsPluginChecksWhenUnknownNil(t *testing.T) {
	s := validSpec()
	st := s.Strategies["explore"]
	st.Sampler = "sobol"
	s.Strategies["explore"] = st
	require.NoError(t, Validate(s, nil))
}
