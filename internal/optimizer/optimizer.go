package optimizer

import (
	"math"
	"sort"

	"freightline/internal/domain"
)

// Options control the composite score and how many routes are recommended.
type Options struct {
	CostWeight float64
	RiskWeight float64
	TimeWeight float64
	// TopK and Tolerance apply only when Multiple is set: up to TopK routes
	// whose score is within Tolerance of the best are recommended.
	Multiple  bool
	TopK      int
	Tolerance float64
}

func DefaultOptions() Options {
	return Options{CostWeight: 0.4, RiskWeight: 0.4, TimeWeight: 0.2, TopK: 1}
}

func (o Options) weights() (float64, float64, float64) {
	c, r, t := clampZero(o.CostWeight), clampZero(o.RiskWeight), clampZero(o.TimeWeight)
	sum := c + r + t
	if sum == 0 {
		d := DefaultOptions()
		return d.CostWeight, d.RiskWeight, d.TimeWeight
	}
	return c / sum, r / sum, t / sum
}

func clampZero(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

type bounds struct{ min, max float64 }

func boundsOf(xs []float64) bounds {
	b := bounds{min: xs[0], max: xs[0]}
	for _, x := range xs[1:] {
		if x < b.min {
			b.min = x
		}
		if x > b.max {
			b.max = x
		}
	}
	return b
}

// norm maps x into [0,1] against the set; a flat set normalizes to 0.
func (b bounds) norm(x float64) float64 {
	if b.max == b.min {
		return 0
	}
	return (x - b.min) / (b.max - b.min)
}

// Rank orders candidates by ascending composite score with ties broken by
// total cost and then id, assigns ranks 1..N and flags recommendations.
// It does not modify its input.
func Rank(candidates []domain.CandidateRoute, opts Options) []domain.OptimizedRoute {
	if len(candidates) == 0 {
		return []domain.OptimizedRoute{}
	}
	wc, wr, wt := opts.weights()
	costs := make([]float64, len(candidates))
	hours := make([]float64, len(candidates))
	for i, c := range candidates {
		costs[i] = c.TotalCost
		hours[i] = c.DurationHours
	}
	cb, hb := boundsOf(costs), boundsOf(hours)

	out := make([]domain.OptimizedRoute, len(candidates))
	for i, c := range candidates {
		out[i] = domain.OptimizedRoute{
			CandidateRoute: c.Clone(),
			CompositeScore: wc*cb.norm(c.TotalCost) + wr*c.RiskScore + wt*hb.norm(c.DurationHours),
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.CompositeScore != b.CompositeScore {
			return a.CompositeScore < b.CompositeScore
		}
		if a.TotalCost != b.TotalCost {
			return a.TotalCost < b.TotalCost
		}
		return a.ID < b.ID
	})

	k := 1
	tolerance := 0.0
	if opts.Multiple {
		if opts.TopK > 1 {
			k = opts.TopK
		}
		tolerance = opts.Tolerance
	}
	best := out[0].CompositeScore
	for i := range out {
		out[i].OptimizationRank = i + 1
		out[i].Recommended = i < k && out[i].CompositeScore <= best+tolerance
	}
	return out
}

// Summary aggregates a ranked set.
type Summary struct {
	TotalRoutes  int     `json:"total_routes"`
	Recommended  int     `json:"recommended"`
	AverageCost  float64 `json:"average_cost"`
	AverageRisk  float64 `json:"average_risk"`
	BestRouteID  string  `json:"best_route_id,omitempty"`
	CheapestCost float64 `json:"cheapest_cost"`
}

func Summarize(routes []domain.OptimizedRoute) Summary {
	var s Summary
	s.TotalRoutes = len(routes)
	if len(routes) == 0 {
		return s
	}
	s.CheapestCost = routes[0].TotalCost
	for _, r := range routes {
		s.AverageCost += r.TotalCost
		s.AverageRisk += r.RiskScore
		if r.Recommended {
			s.Recommended++
		}
		if r.OptimizationRank == 1 {
			s.BestRouteID = r.ID
		}
		if r.TotalCost < s.CheapestCost {
			s.CheapestCost = r.TotalCost
		}
	}
	s.AverageCost = round2(s.AverageCost / float64(len(routes)))
	s.AverageRisk = round2(s.AverageRisk / float64(len(routes)))
	return s
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
