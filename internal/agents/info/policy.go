package info

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"freightline/internal/domain"
	"freightline/internal/search"
)

// RiskPolicy turns gathered signals into a risk assessment. Implementations
// must be deterministic for identical input.
type RiskPolicy interface {
	Assess(in PolicyInput) domain.RiskAssessment
}

type PolicyInput struct {
	Forecast    domain.Forecast
	Knowledge   []domain.KnowledgeRecord
	Disruptions []domain.DisruptionRecord
}

// WeightedMaxPolicy scores each disruption as its severity rank times a
// weight (MatchedWeight when it names a forecast destination, otherwise
// UnmatchedWeight) and takes the maximum, floored onto the risk scale.
// Relevant risk-management knowledge that names a destination raises the
// result to at least medium.
type WeightedMaxPolicy struct {
	MatchedWeight      float64
	UnmatchedWeight    float64
	KnowledgeThreshold float64
}

func DefaultPolicy() WeightedMaxPolicy {
	return WeightedMaxPolicy{MatchedWeight: 1.0, UnmatchedWeight: 0.5, KnowledgeThreshold: 0.5}
}

func (p WeightedMaxPolicy) Assess(in PolicyInput) domain.RiskAssessment {
	dests := in.Forecast.Destinations()
	var (
		factors   []domain.RiskFactor
		rationale []string
		best      float64
		medium    int
		high      int
	)
	for _, d := range in.Disruptions {
		_, kind := search.Classify(d.Title + " " + d.Summary)
		weight := p.UnmatchedWeight
		matched := ""
		for _, dest := range dests {
			if search.Mentions(d, dest) {
				weight = p.MatchedWeight
				matched = dest
				break
			}
		}
		score := float64(d.Severity.Rank()) * weight
		if score > best {
			best = score
		}
		switch {
		case d.Severity.Rank() >= domain.RiskHigh.Rank():
			high++
		case d.Severity == domain.RiskMedium:
			medium++
		}
		if d.Severity == domain.RiskLow {
			continue
		}
		factors = append(factors, domain.RiskFactor{Type: kind, Severity: d.Severity, Source: d.Title})
		line := fmt.Sprintf("%s: %s severity at %s (weight %.1f)", d.Title, d.Severity, d.Location, weight)
		if matched != "" {
			line += " affects " + matched
		}
		rationale = append(rationale, line)
	}
	overall := domain.RiskFromRank(int(math.Floor(best + 1e-9)))

	for _, k := range in.Knowledge {
		if k.SourceType != "risk_management" || k.RelevanceScore < p.KnowledgeThreshold {
			continue
		}
		for _, dest := range dests {
			if strings.Contains(strings.ToLower(k.Content), strings.ToLower(dest)) {
				if overall.Rank() < domain.RiskMedium.Rank() {
					overall = domain.RiskMedium
					rationale = append(rationale, "risk guidance mentions "+dest)
				}
				break
			}
		}
	}
	if len(rationale) == 0 {
		rationale = []string{"no material disruption signals"}
	}

	sorted := append([]domain.RiskFactor(nil), factors...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Severity.Rank() > sorted[j].Severity.Rank() })
	var concerns []string
	for i := 0; i < len(sorted) && i < 3; i++ {
		concerns = append(concerns, sorted[i].Source)
	}

	return domain.RiskAssessment{
		OverallRisk:     overall,
		Rationale:       rationale,
		RiskFactors:     factors,
		KeyConcerns:     concerns,
		Recommendations: recommendations(overall, medium, high),
	}
}

func recommendations(overall domain.RiskLevel, medium, high int) []string {
	out := make([]string, 0, 3)
	if overall != domain.RiskLow {
		out = append(out, "Consider alternative routes")
	} else {
		out = append(out, "Proceed with standard routing")
	}
	if medium > 0 {
		out = append(out, "Build buffer time")
	} else {
		out = append(out, "Standard timing acceptable")
	}
	if high > 0 {
		out = append(out, "Monitor situation closely")
	} else {
		out = append(out, "Regular monitoring sufficient")
	}
	return out
}
