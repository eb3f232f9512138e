package planner

import (
	"strconv"
	"strings"
	"time"

	"freightline/internal/domain"
)

const (
	ConstraintMaxCostPerUnit  = "max_cost_per_unit"
	ConstraintPreferredModes  = "preferred_transport_modes"
	ConstraintMultipleResults = "multiple_recommendations"
)

func floatConstraint(c map[string]any, key string) (float64, bool) {
	switch v := c[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

func boolConstraint(c map[string]any, key string) bool {
	switch v := c[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// preferredModes returns the allowed modes in generation order. Unknown
// entries are ignored; an empty result means every mode.
func preferredModes(c map[string]any) []domain.TransportMode {
	var raw []string
	switch v := c[ConstraintPreferredModes].(type) {
	case string:
		raw = strings.Split(v, ",")
	case []string:
		raw = v
	case []any:
		for _, x := range v {
			if s, ok := x.(string); ok {
				raw = append(raw, s)
			}
		}
	}
	want := map[domain.TransportMode]bool{}
	for _, r := range raw {
		want[domain.TransportMode(strings.ToLower(strings.TrimSpace(r)))] = true
	}
	var out []domain.TransportMode
	for _, m := range domain.Modes {
		if want[m] {
			out = append(out, m)
		}
	}
	if len(out) == 0 {
		return domain.Modes
	}
	return out
}

// periodStart parses forecast periods such as 2024-03-01, 2024-03 or 2024-Q2.
func periodStart(period string) (time.Time, bool) {
	p := strings.TrimSpace(period)
	for _, layout := range []string{"2006-01-02", "2006-01"} {
		if t, err := time.Parse(layout, p); err == nil {
			return t, true
		}
	}
	if len(p) == 7 && (p[5] == 'Q' || p[5] == 'q') && p[4] == '-' {
		year, err := strconv.Atoi(p[:4])
		q := int(p[6] - '0')
		if err == nil && q >= 1 && q <= 4 {
			return time.Date(year, time.Month(3*(q-1)+1), 1, 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}
