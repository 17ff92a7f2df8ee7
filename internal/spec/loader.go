package spec

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"boa/internal/errs"
)

// rawDocument mirrors the YAML surface. Objectives and constraints accept
// more than one shape, so they stay as nodes until loadObjectives and
// loadConstraints disambiguate them.
type rawDocument struct {
	Name        string         `yaml:"name"`
	Version     int            `yaml:"version"`
	Description string         `yaml:"description"`
	Inputs      []rawInput     `yaml:"inputs"`
	Objectives  yaml.Node      `yaml:"objectives"`
	Constraints yaml.Node      `yaml:"constraints"`
	Strategies  map[string]Strategy `yaml:"strategies"`
	Metadata    map[string]any `yaml:"metadata"`
}

type rawInput struct {
	Name       string              `yaml:"name"`
	Type       string              `yaml:"type"`
	Bounds     []float64           `yaml:"bounds"`
	Lo         *float64            `yaml:"lo"`
	Hi         *float64            `yaml:"hi"`
	Unit       string              `yaml:"unit"`
	Values     []float64           `yaml:"values"`
	Start      *float64            `yaml:"start"`
	Stop       *float64            `yaml:"stop"`
	Step       *float64            `yaml:"step"`
	Categories []string            `yaml:"categories"`
	ActiveIf   map[string][]string `yaml:"active_if"`
}

type rawObjective struct {
	Name       string      `yaml:"name"`
	Direction  string      `yaml:"direction"`
	Preference *Preference `yaml:"preference"`
}

type rawLegacyConstraint struct {
	Type   string         `yaml:"type"`
	Name   string         `yaml:"name"`
	Params map[string]any `yaml:"params"`
}

// Load parses a YAML specification into its canonical form. Structural
// failures (unparseable YAML, unknown input type, unexpandable discrete
// grid) surface as SpecLoadError; cross-reference checks live in Validate.
func Load(data []byte) (*ProcessSpec, error) {
	var doc rawDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errs.Wrap(err, errs.SpecLoad, "failed to parse specification")
	}
	if doc.Name == "" {
		return nil, errs.New(errs.SpecLoad, "specification has no name")
	}
	if doc.Version == 0 {
		doc.Version = 1
	}

	s := &ProcessSpec{
		Name:        doc.Name,
		Version:     doc.Version,
		Description: doc.Description,
		Metadata:    doc.Metadata,
		Strategies:  map[string]Strategy{},
	}

	for _, ri := range doc.Inputs {
		in, err := loadInput(ri)
		if err != nil {
			return nil, err
		}
		s.Inputs = append(s.Inputs, in)
	}

	objectives, err := loadObjectives(&doc.Objectives)
	if err != nil {
		return nil, err
	}
	s.Objectives = objectives

	constraints, err := loadConstraints(&doc.Constraints)
	if err != nil {
		return nil, err
	}
	s.Constraints = constraints

	for name, st := range doc.Strategies {
		st.Name = name
		s.Strategies[name] = st
	}
	if len(s.Strategies) == 0 {
		s.Strategies[DefaultStrategyName] = Strategy{
			Name:        DefaultStrategyName,
			Sampler:     DefaultSampler,
			Model:       DefaultModel,
			Acquisition: DefaultAcquisition,
		}
	}

	return s, nil
}

func loadInput(ri rawInput) (Input, error) {
	in := Input{
		Name:     ri.Name,
		Kind:     InputKind(ri.Type),
		Unit:     ri.Unit,
		ActiveIf: ri.ActiveIf,
	}
	if in.Name == "" {
		return in, errs.New(errs.SpecLoad, "input has no name")
	}
	switch in.Kind {
	case Continuous:
		switch {
		case len(ri.Bounds) == 2:
			in.Lo, in.Hi = ri.Bounds[0], ri.Bounds[1]
		case ri.Lo != nil && ri.Hi != nil:
			in.Lo, in.Hi = *ri.Lo, *ri.Hi
		default:
			return in, errs.New(errs.SpecLoad, "continuous input %q has no bounds", in.Name)
		}
	case Discrete:
		switch {
		case len(ri.Values) > 0:
			in.Values = ri.Values
		case ri.Start != nil && ri.Stop != nil && ri.Step != nil:
			values, err := expandGrid(*ri.Start, *ri.Stop, *ri.Step)
			if err != nil {
				return in, errs.New(errs.SpecLoad, "discrete input %q: %v", in.Name, err)
			}
			in.Values = values
		default:
			return in, errs.New(errs.SpecLoad, "discrete input %q has neither values nor start/stop/step", in.Name)
		}
	case Categorical:
		in.Categories = ri.Categories
	default:
		return in, errs.New(errs.SpecLoad, "input %q has unknown type %q", in.Name, ri.Type)
	}
	return in, nil
}

// expandGrid enumerates start + k*step while the value stays within half a
// step of stop, so a stop that lies exactly on a step is included despite
// float rounding.
func expandGrid(start, stop, step float64) ([]float64, error) {
	if step <= 0 {
		return nil, fmt.Errorf("step must be positive, got %g", step)
	}
	if stop < start {
		return nil, fmt.Errorf("stop %g is below start %g", stop, start)
	}
	var values []float64
	for k := 0; ; k++ {
		v := start + float64(k)*step
		if v > stop+step/2 {
			break
		}
		values = append(values, v)
	}
	return values, nil
}

func loadObjectives(node *yaml.Node) ([]Objective, error) {
	if node.Kind == 0 || node.Tag == "!!null" {
		return nil, nil
	}
	switch node.Kind {
	case yaml.MappingNode:
		// Shorthand: {names: [...]}, every objective maximized.
		var shorthand struct {
			Names []string `yaml:"names"`
		}
		if err := node.Decode(&shorthand); err != nil {
			return nil, errs.Wrap(err, errs.SpecLoad, "failed to parse objectives shorthand")
		}
		objectives := make([]Objective, len(shorthand.Names))
		for i, name := range shorthand.Names {
			objectives[i] = Objective{Name: name, Direction: Maximize}
		}
		return objectives, nil
	case yaml.SequenceNode:
		var raw []rawObjective
		if err := node.Decode(&raw); err != nil {
			return nil, errs.Wrap(err, errs.SpecLoad, "failed to parse objectives")
		}
		objectives := make([]Objective, len(raw))
		for i, ro := range raw {
			direction := Direction(ro.Direction)
			if direction == "" {
				direction = Maximize
			}
			objectives[i] = Objective{Name: ro.Name, Direction: direction, Preference: ro.Preference}
		}
		return objectives, nil
	default:
		return nil, errs.New(errs.SpecLoad, "objectives must be a list or a names mapping")
	}
}

func loadConstraints(node *yaml.Node) (Constraints, error) {
	var c Constraints
	if node.Kind == 0 || node.Tag == "!!null" {
		return c, nil
	}
	switch node.Kind {
	case yaml.SequenceNode:
		// Legacy shape: a flat list of input-constraint flags.
		var raw []rawLegacyConstraint
		if err := node.Decode(&raw); err != nil {
			return c, errs.Wrap(err, errs.SpecLoad, "failed to parse constraints")
		}
		for _, rc := range raw {
			name := rc.Type
			if name == "" {
				name = rc.Name
			}
			if name == "" {
				return c, errs.New(errs.SpecLoad, "constraint list entry has no type")
			}
			c.Input = append(c.Input, InputConstraint{Name: name, Params: rc.Params})
		}
		return c, nil
	case yaml.MappingNode:
		if err := node.Decode(&c); err != nil {
			return c, errs.Wrap(err, errs.SpecLoad, "failed to parse constraints")
		}
		return c, nil
	default:
		return c, errs.New(errs.SpecLoad, "constraints must be a list or an input/outcome mapping")
	}
}
