package spec

import (
	"encoding/json"
	"fmt"
	"math"

	"boa/internal/errs"
)

// span records where one input's columns live in the encoded vector.
type span struct {
	input    *Input
	start    int // first content column
	width    int // content columns
	activity int // activity column index, -1 when unconditional
}

// Encoder maps raw input rows onto [0,1]^d and back. The layout follows
// input declaration order: a continuous or discrete input contributes one
// normalized column, a categorical contributes one one-hot column per
// level, and a conditional input additionally contributes a trailing
// activity column directly after its content columns.
type Encoder struct {
	spec  *ProcessSpec
	spans []span
	names []string
}

// NewEncoder builds the encoder for a loaded spec.
func NewEncoder(s *ProcessSpec) *Encoder {
	e := &Encoder{spec: s}
	for i := range s.Inputs {
		in := &s.Inputs[i]
		sp := span{input: in, start: len(e.names), activity: -1}
		switch in.Kind {
		case Categorical:
			sp.width = len(in.Categories)
			for _, level := range in.Categories {
				e.names = append(e.names, in.Name+"__"+level)
			}
		default:
			sp.width = 1
			e.names = append(e.names, in.Name)
		}
		if in.Conditional() {
			sp.activity = len(e.names)
			e.names = append(e.names, in.Name+"__active")
		}
		e.spans = append(e.spans, sp)
	}
	return e
}

// Dim returns the total number of encoded columns.
func (e *Encoder) Dim() int { return len(e.names) }

// ColumnNames returns the ordered encoded column names.
func (e *Encoder) ColumnNames() []string {
	out := make([]string, len(e.names))
	copy(out, e.names)
	return out
}

// Encode maps raw rows to encoded vectors. Every active input must be
// present in its row; values outside continuous bounds clip to [0,1].
func (e *Encoder) Encode(rows []map[string]any) ([][]float64, error) {
	X := make([][]float64, len(rows))
	for i, row := range rows {
		vec, err := e.encodeRow(row)
		if err != nil {
			return nil, err
		}
		X[i] = vec
	}
	return X, nil
}

func (e *Encoder) encodeRow(row map[string]any) ([]float64, error) {
	vec := make([]float64, e.Dim())
	for _, sp := range e.spans {
		in := sp.input
		active := e.spec.InputActive(in, row)
		if sp.activity >= 0 {
			if active {
				vec[sp.activity] = 1.0
			} else {
				vec[sp.activity] = 0.0
			}
		}
		if !active {
			// Neutral filler: midpoint for numeric columns, all-zero
			// one-hot for categoricals.
			if in.Kind != Categorical {
				vec[sp.start] = 0.5
			}
			continue
		}

		v, ok := row[in.Name]
		if !ok {
			return nil, &errs.Error{
				Kind:  errs.Validation,
				Msg:   fmt.Sprintf("row is missing active input %q", in.Name),
				Field: in.Name,
			}
		}
		switch in.Kind {
		case Continuous:
			f, ok := toFloat(v)
			if !ok {
				return nil, &errs.Error{Kind: errs.Validation, Msg: fmt.Sprintf("input %q value %v is not numeric", in.Name, v), Field: in.Name}
			}
			vec[sp.start] = clip01((f - in.Lo) / (in.Hi - in.Lo))
		case Discrete:
			f, ok := toFloat(v)
			if !ok {
				return nil, &errs.Error{Kind: errs.Validation, Msg: fmt.Sprintf("input %q value %v is not numeric", in.Name, v), Field: in.Name}
			}
			vec[sp.start] = normalizeGrid(f, in.Values)
		case Categorical:
			level := fmt.Sprint(v)
			idx := -1
			for j, l := range in.Categories {
				if l == level {
					idx = j
					break
				}
			}
			if idx < 0 {
				return nil, &errs.Error{Kind: errs.Validation, Msg: fmt.Sprintf("input %q has no level %q", in.Name, level), Field: in.Name}
			}
			vec[sp.start+idx] = 1.0
		}
	}
	return vec, nil
}

// Decode maps encoded vectors back to raw rows. Every input decodes to a
// value, including inactive conditionals; callers consult the activity
// column before trusting those.
func (e *Encoder) Decode(X [][]float64) ([]map[string]any, error) {
	rows := make([]map[string]any, len(X))
	for i, vec := range X {
		if len(vec) != e.Dim() {
			return nil, errs.New(errs.Validation, "encoded row has %d columns, expected %d", len(vec), e.Dim())
		}
		row := make(map[string]any, len(e.spans))
		for _, sp := range e.spans {
			in := sp.input
			switch in.Kind {
			case Continuous:
				row[in.Name] = in.Lo + vec[sp.start]*(in.Hi-in.Lo)
			case Discrete:
				row[in.Name] = snapGrid(denormalizeGrid(vec[sp.start], in.Values), in.Values)
			case Categorical:
				row[in.Name] = in.Categories[argmax(vec[sp.start:sp.start+sp.width])]
			}
		}
		rows[i] = row
	}
	return rows, nil
}

// Project snaps arbitrary vectors onto the feasible encoded grid:
// categorical blocks harden to one-hot, discrete columns snap to their
// grid, continuous and activity columns pass through. Idempotent.
func (e *Encoder) Project(X [][]float64) [][]float64 {
	out := make([][]float64, len(X))
	for i, vec := range X {
		p := make([]float64, len(vec))
		copy(p, vec)
		for _, sp := range e.spans {
			in := sp.input
			switch in.Kind {
			case Categorical:
				hot := argmax(p[sp.start : sp.start+sp.width])
				for j := 0; j < sp.width; j++ {
					if j == hot {
						p[sp.start+j] = 1.0
					} else {
						p[sp.start+j] = 0.0
					}
				}
			case Discrete:
				snapped := snapGrid(denormalizeGrid(p[sp.start], in.Values), in.Values)
				p[sp.start] = normalizeGrid(snapped, in.Values)
			}
		}
		out[i] = p
	}
	return out
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func gridExtremes(values []float64) (lo, hi float64) {
	lo, hi = values[0], values[0]
	for _, v := range values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

func normalizeGrid(v float64, values []float64) float64 {
	lo, hi := gridExtremes(values)
	if hi == lo {
		return 0.5
	}
	return clip01((v - lo) / (hi - lo))
}

func denormalizeGrid(v float64, values []float64) float64 {
	lo, hi := gridExtremes(values)
	return lo + v*(hi-lo)
}

// snapGrid picks the grid value nearest v by absolute distance, ties going
// to the lower index.
func snapGrid(v float64, values []float64) float64 {
	best := values[0]
	bestDist := math.Abs(v - values[0])
	for _, g := range values[1:] {
		if d := math.Abs(v - g); d < bestDist {
			best, bestDist = g, d
		}
	}
	return best
}

// argmax returns the index of the largest element, ties going to the
// lowest index.
func argmax(vec []float64) int {
	best := 0
	for i := 1; i < len(vec); i++ {
		if vec[i] > vec[best] {
			best = i
		}
	}
	return best
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
