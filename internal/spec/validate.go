package spec

import (
	"fmt"

	"boa/internal/errs"
)

// KnownPlugins lists the registered plugin names per partition, used to
// cross-check strategy and constraint references. A nil value skips the
// plugin checks, which benchmark callers rely on.
type KnownPlugins struct {
	Samplers     []string
	Models       []string
	Acquisitions []string
	Constraints  []string
}

// Validate cross-checks a loaded specification and returns a
// SpecValidationError carrying every finding, or nil when the spec is
// sound.
func Validate(s *ProcessSpec, known *KnownPlugins) error {
	findings := Findings(s, known)
	if len(findings) == 0 {
		return nil
	}
	return errs.SpecInvalid(findings)
}

// Findings returns the individual validation messages without wrapping
// them in an error.
func Findings(s *ProcessSpec, known *KnownPlugins) []string {
	var out []string
	add := func(format string, args ...any) {
		out = append(out, fmt.Sprintf(format, args...))
	}

	if len(s.Inputs) == 0 {
		add("specification declares no inputs")
	}
	if len(s.Objectives) == 0 {
		add("specification declares no objectives")
	}

	inputs := map[string]*Input{}
	for i := range s.Inputs {
		in := &s.Inputs[i]
		if _, dup := inputs[in.Name]; dup {
			add("duplicate input name %q", in.Name)
			continue
		}
		inputs[in.Name] = in

		switch in.Kind {
		case Continuous:
			if in.Lo >= in.Hi {
				add("continuous input %q has lo %g >= hi %g", in.Name, in.Lo, in.Hi)
			}
		case Discrete:
			if len(in.Values) == 0 {
				add("discrete input %q has no values", in.Name)
			}
			seen := map[float64]bool{}
			for _, v := range in.Values {
				if seen[v] {
					add("discrete input %q has duplicate value %g", in.Name, v)
				}
				seen[v] = true
			}
		case Categorical:
			if len(in.Categories) < 2 {
				add("categorical input %q has fewer than 2 levels", in.Name)
			}
			seen := map[string]bool{}
			for _, l := range in.Categories {
				if seen[l] {
					add("categorical input %q has duplicate level %q", in.Name, l)
				}
				seen[l] = true
			}
		}
	}

	objectives := map[string]bool{}
	for _, o := range s.Objectives {
		if objectives[o.Name] {
			add("duplicate objective name %q", o.Name)
		}
		objectives[o.Name] = true
		if o.Direction != Maximize && o.Direction != Minimize {
			add("objective %q has unknown direction %q", o.Name, o.Direction)
		}
		if o.Preference != nil && o.Preference.Value <= 0 {
			add("objective %q preference value must be > 0, got %g", o.Name, o.Preference.Value)
		}
	}

	for i := range s.Inputs {
		in := &s.Inputs[i]
		for ref, levels := range in.ActiveIf {
			target, ok := inputs[ref]
			if !ok {
				add("input %q active_if references unknown input %q", in.Name, ref)
				continue
			}
			if target.Kind != Categorical {
				add("input %q active_if references non-categorical input %q", in.Name, ref)
				continue
			}
			for _, level := range levels {
				found := false
				for _, l := range target.Categories {
					if l == level {
						found = true
						break
					}
				}
				if !found {
					add("input %q active_if references level %q not declared on %q", in.Name, level, ref)
				}
			}
		}
	}

	if cycle := activeIfCycle(s); cycle != "" {
		add("active_if graph contains a cycle through %q", cycle)
	}

	for _, oc := range s.Constraints.Outcome {
		if !objectives[oc.Objective] {
			add("outcome constraint references unknown objective %q", oc.Objective)
		}
	}

	if known != nil {
		for name, st := range s.Strategies {
			if !contains(known.Samplers, st.Sampler) {
				add("strategy %q names unknown sampler %q", name, st.Sampler)
			}
			if !contains(known.Models, st.Model) {
				add("strategy %q names unknown model %q", name, st.Model)
			}
			if !contains(known.Acquisitions, st.Acquisition) {
				add("strategy %q names unknown acquisition %q", name, st.Acquisition)
			}
		}
		for _, ic := range s.Constraints.Input {
			if !contains(known.Constraints, ic.Name) {
				add("input constraint names unknown plugin %q", ic.Name)
			}
		}
	}

	return out
}

// activeIfCycle walks the activation graph depth-first and returns the name
// of an input on a cycle, or empty. Edges run from an input to the
// categoricals its predicates reference.
func activeIfCycle(s *ProcessSpec) string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := map[string]int{}
	var visit func(name string) string
	visit = func(name string) string {
		color[name] = grey
		in := s.InputByName(name)
		if in != nil {
			for ref := range in.ActiveIf {
				switch color[ref] {
				case grey:
					return ref
				case white:
					if hit := visit(ref); hit != "" {
						return hit
					}
				}
			}
		}
		color[name] = black
		return ""
	}
	for i := range s.Inputs {
		name := s.Inputs[i].Name
		if color[name] == white {
			if hit := visit(name); hit != "" {
				return hit
			}
		}
	}
	return ""
}

func contains(list []string, name string) bool {
	for _, n := range list {
		if n == name {
			return true
		}
	}
	return false
}
