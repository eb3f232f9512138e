package search

import (
	"context"
	"strings"
	"unicode"

	"freightline/internal/domain"
)

// KnowledgeSource looks up domain knowledge for a query within a region.
type KnowledgeSource interface {
	Name() string
	SearchKnowledge(ctx context.Context, query, region string) ([]domain.KnowledgeRecord, error)
}

// DisruptionSource looks up current disruption signals for a region.
type DisruptionSource interface {
	Name() string
	SearchDisruptions(ctx context.Context, region string) ([]domain.DisruptionRecord, error)
}

// KnowledgeQuery builds the lookup text for a forecast.
func KnowledgeQuery(f domain.Forecast) string {
	parts := []string{"supply chain analysis", f.Region}
	parts = append(parts, f.Models()...)
	return strings.Join(parts, " ")
}

var (
	escalationTerms   = []string{"war", "conflict", "blockade"}
	logisticsTerms    = []string{"port", "delay", "closure", "congestion"}
	environmentTerms  = []string{"weather", "storm", "typhoon"}
	deescalationTerms = []string{"normalized", "normalised", "resumed"}
)

// Classify maps disruption text to a severity and risk factor type using
// keyword rules. The same text always yields the same result.
func Classify(text string) (domain.RiskLevel, string) {
	words := tokenSet(text)
	has := func(terms []string) bool {
		for _, t := range terms {
			if words[t] || words[t+"s"] {
				return true
			}
		}
		return false
	}
	switch {
	case has(escalationTerms):
		return domain.RiskHigh, "geopolitical"
	case has(deescalationTerms):
		return domain.RiskLow, "resolved"
	case has(logisticsTerms):
		return domain.RiskMedium, "logistics"
	case has(environmentTerms):
		return domain.RiskMedium, "environmental"
	}
	return domain.RiskLow, "general"
}

// normalizeDisruption fills severity from text when the source gave none.
func normalizeDisruption(d domain.DisruptionRecord, source string) domain.DisruptionRecord {
	if !d.Severity.Valid() {
		d.Severity, _ = Classify(d.Title + " " + d.Summary)
	}
	if d.Location == "" {
		d.Location = "global"
	}
	if d.Source == "" {
		d.Source = source
	}
	return d
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "as": true, "at": true, "for": true,
	"in": true, "of": true, "on": true, "or": true, "the": true, "to": true,
}

func tokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if !stopwords[f] {
			out = append(out, f)
		}
	}
	return out
}

func tokenSet(text string) map[string]bool {
	set := map[string]bool{}
	for _, t := range tokens(text) {
		set[t] = true
	}
	return set
}

// overlap is the share of query tokens found in doc, rounded to 2 places.
func overlap(query, doc string) float64 {
	q := tokenSet(query)
	if len(q) == 0 {
		return 0
	}
	d := tokenSet(doc)
	hits := 0
	for t := range q {
		if d[t] {
			hits++
		}
	}
	return float64(int(float64(hits)/float64(len(q))*100+0.5)) / 100
}

// Mentions reports whether a disruption concerns the named place.
func Mentions(d domain.DisruptionRecord, place string) bool {
	p := strings.ToLower(strings.TrimSpace(place))
	if p == "" {
		return false
	}
	if strings.EqualFold(d.Location, place) {
		return true
	}
	return strings.Contains(strings.ToLower(d.Title+" "+d.Summary), p)
}

// Affects reports whether a disruption names mode, or names no mode at all.
func Affects(d domain.DisruptionRecord, mode domain.TransportMode) bool {
	if len(d.TransportModes) == 0 {
		return true
	}
	for _, m := range d.TransportModes {
		if m == mode {
			return true
		}
	}
	return false
}
