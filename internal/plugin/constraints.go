package plugin

import (
	"fmt"
	"math"

	"boa/internal/spec"
)

// clausiusClapeyronConstraint bounds a humidity column by the saturation
// vapor pressure at the row's temperature, scaled by a safety factor. The
// saturation curve uses the Magnus form over liquid water.
type clausiusClapeyronConstraint struct{}

func (*clausiusClapeyronConstraint) Meta() Meta {
	return Meta{Name: "clausius_clapeyron", Description: "humidity bounded by saturation pressure at temperature", Tags: []string{"physical"}}
}

func (*clausiusClapeyronConstraint) Defaults() map[string]any {
	return map[string]any{
		"temperature_col": "temperature",
		"humidity_col":    "humidity",
		"safety_factor":   0.95,
	}
}

// saturationPressure is the Magnus approximation, hPa for T in Celsius.
func saturationPressure(tempC float64) float64 {
	return 6.112 * math.Exp(17.62*tempC/(243.12+tempC))
}

func (c *clausiusClapeyronConstraint) rows(X [][]float64, s *spec.ProcessSpec, params map[string]any) ([]map[string]any, string, string, float64, error) {
	tempCol := paramString(params, "temperature_col", "temperature")
	humCol := paramString(params, "humidity_col", "humidity")
	safety := paramFloat(params, "safety_factor", 0.95)

	if in := s.InputByName(tempCol); in == nil || in.Kind == spec.Categorical {
		return nil, "", "", 0, fmt.Errorf("temperature column %q is not a numeric input", tempCol)
	}
	if in := s.InputByName(humCol); in == nil || in.Kind == spec.Categorical {
		return nil, "", "", 0, fmt.Errorf("humidity column %q is not a numeric input", humCol)
	}

	rows, err := spec.NewEncoder(s).Decode(X)
	if err != nil {
		return nil, "", "", 0, err
	}
	return rows, tempCol, humCol, safety, nil
}

func (c *clausiusClapeyronConstraint) Check(X [][]float64, s *spec.ProcessSpec, params map[string]any) ([]bool, error) {
	rows, tempCol, humCol, safety, err := c.rows(X, s, params)
	if err != nil {
		return nil, err
	}
	mask := make([]bool, len(rows))
	for i, row := range rows {
		t := row[tempCol].(float64)
		h := row[humCol].(float64)
		// Tolerance absorbs encode/decode float noise on clamped rows.
		mask[i] = h <= safety*saturationPressure(t)+1e-9
	}
	return mask, nil
}

func (c *clausiusClapeyronConstraint) Apply(X [][]float64, s *spec.ProcessSpec, params map[string]any) ([][]float64, error) {
	rows, tempCol, humCol, safety, err := c.rows(X, s, params)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		t := row[tempCol].(float64)
		limit := safety * saturationPressure(t)
		if h := row[humCol].(float64); h > limit {
			row[humCol] = limit
		}
	}
	return spec.NewEncoder(s).Encode(rows)
}

func paramString(params map[string]any, key, def string) string {
	if params == nil {
		return def
	}
	if v, ok := params[key].(string); ok {
		return v
	}
	return def
}
