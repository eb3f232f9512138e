package search

import (
	"context"
	"sort"
	"strings"

	"freightline/internal/domain"
)

type KnowledgeDoc struct {
	ID         string
	Text       string
	SourceType string
	Region     string
}

// StaticKnowledge ranks a fixed document set by token overlap with the query.
type StaticKnowledge struct {
	name  string
	docs  []KnowledgeDoc
	limit int
}

func NewStaticKnowledge(name string, docs []KnowledgeDoc, limit int) *StaticKnowledge {
	if limit <= 0 {
		limit = 5
	}
	return &StaticKnowledge{name: name, docs: docs, limit: limit}
}

func (s *StaticKnowledge) Name() string { return s.name }

func (s *StaticKnowledge) SearchKnowledge(ctx context.Context, query, region string) ([]domain.KnowledgeRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var res []domain.KnowledgeRecord
	for _, doc := range s.docs {
		if doc.Region != "" && region != "" && !strings.EqualFold(doc.Region, region) {
			continue
		}
		score := overlap(query, doc.Text)
		if score == 0 {
			continue
		}
		res = append(res, domain.KnowledgeRecord{
			Content:        doc.Text,
			RelevanceScore: score,
			SourceType:     doc.SourceType,
			Source:         s.name,
			Region:         region,
			Metadata:       map[string]string{"id": doc.ID},
		})
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].RelevanceScore > res[j].RelevanceScore })
	if len(res) > s.limit {
		res = res[:s.limit]
	}
	return res, nil
}

type DisruptionItem struct {
	Title          string
	Summary        string
	URL            string
	Location       string
	Regions        []string
	TransportModes []domain.TransportMode
}

// StaticDisruptions serves a fixed disruption feed filtered by region.
type StaticDisruptions struct {
	name  string
	items []DisruptionItem
}

func NewStaticDisruptions(name string, items []DisruptionItem) *StaticDisruptions {
	return &StaticDisruptions{name: name, items: items}
}

func (s *StaticDisruptions) Name() string { return s.name }

func (s *StaticDisruptions) SearchDisruptions(ctx context.Context, region string) ([]domain.DisruptionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var res []domain.DisruptionRecord
	for _, item := range s.items {
		if !inRegion(item.Regions, region) {
			continue
		}
		res = append(res, normalizeDisruption(domain.DisruptionRecord{
			Title:          item.Title,
			Summary:        item.Summary,
			URL:            item.URL,
			Location:       item.Location,
			TransportModes: append([]domain.TransportMode(nil), item.TransportModes...),
		}, s.name))
	}
	return res, nil
}

func inRegion(regions []string, region string) bool {
	if len(regions) == 0 || region == "" {
		return true
	}
	for _, r := range regions {
		if strings.EqualFold(r, region) {
			return true
		}
	}
	return false
}

// DefaultKnowledge is the seeded knowledge base.
var DefaultKnowledge = []KnowledgeDoc{
	{ID: "doc1", Text: "Dell supply chain best practices include multi-sourcing strategies", SourceType: "guidelines"},
	{ID: "doc2", Text: "Air freight is preferred for high-value electronics in APAC region", SourceType: "logistics", Region: "APAC"},
	{ID: "doc3", Text: "Singapore hub serves as primary distribution center for Southeast Asia", SourceType: "facilities", Region: "APAC"},
	{ID: "doc4", Text: "Risk mitigation strategies for geopolitical disruptions in supply chains", SourceType: "risk_management"},
	{ID: "doc5", Text: "Cost optimization techniques for international shipping routes", SourceType: "cost_optimization"},
}

// DefaultDisruptions is the seeded news feed.
var DefaultDisruptions = []DisruptionItem{
	{
		Title: "Red Sea shipping disruptions continue", Summary: "Ongoing conflicts affecting major shipping routes",
		URL: "mock://news1", Location: "Red Sea", Regions: []string{"EMEA"},
		TransportModes: []domain.TransportMode{domain.ModeSea},
	},
	{
		Title: "Port of Shanghai delays due to weather", Summary: "Severe weather causing 2-day delays",
		URL: "mock://news2", Location: "Shanghai", Regions: []string{"APAC"},
		TransportModes: []domain.TransportMode{domain.ModeSea},
	},
	{
		Title: "Suez Canal traffic normalized", Summary: "Normal operations resumed after temporary closure",
		URL: "mock://news3", Location: "Suez Canal", Regions: []string{"EMEA"},
		TransportModes: []domain.TransportMode{domain.ModeSea},
	},
	{
		Title: "Aircraft supply chain bottlenecks in Europe", Summary: "Manufacturing delays affecting air freight capacity",
		URL: "mock://news4", Location: "Europe", Regions: []string{"EMEA"},
		TransportModes: []domain.TransportMode{domain.ModeAir},
	},
	{
		Title: "Southeast Asia port congestion warning", Summary: "Increased traffic causing delays at major ports",
		URL: "mock://news5", Location: "Southeast Asia", Regions: []string{"APAC"},
		TransportModes: []domain.TransportMode{domain.ModeSea},
	},
}
