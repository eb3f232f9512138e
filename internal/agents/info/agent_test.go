package info

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"freightline/internal/domain"
	"freightline/internal/search"
)

type failingKnowledge struct{ name string }

func (f failingKnowledge) Name() string { return f.name }

func (f failingKnowledge) SearchKnowledge(context.Context, string, string) ([]domain.KnowledgeRecord, error) {
	return nil, errors.New("connection refused")
}

type failingDisruptions struct{}

func (failingDisruptions) Name() string { return "news-down" }

func (failingDisruptions) SearchDisruptions(context.Context, string) ([]domain.DisruptionRecord, error) {
	return nil, errors.New("timeout")
}

func forecastFor(region string, dests ...string) domain.Forecast {
	f := domain.Forecast{Region: region, ForecastPeriod: "2024-Q1"}
	for _, d := range dests {
		f.DeviceForecasts = append(f.DeviceForecasts, domain.DeviceForecast{Model: "Latitude", Quantity: 100, Destination: d, Priority: domain.PriorityMedium})
	}
	return f
}

func TestPartialKnowledgeFailure(t *testing.T) {
	good := search.NewStaticKnowledge("kb", search.DefaultKnowledge, 5)
	agent := New(
		[]search.KnowledgeSource{failingKnowledge{name: "vector-kb"}, good},
		[]search.DisruptionSource{search.NewStaticDisruptions("news", search.DefaultDisruptions)},
		nil,
	)
	var steps []domain.Step
	analysis, err := agent.Analyze(context.Background(), forecastFor("APAC", "Singapore"), func(_ context.Context, s domain.Step) error {
		steps = append(steps, s)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []domain.Step{domain.StepKnowledgeSearchComplete, domain.StepDisruptionSearchComplete}, steps)
	require.NotEmpty(t, analysis.DomainKnowledge)
	for _, k := range analysis.DomainKnowledge {
		assert.Equal(t, "kb", k.Source)
	}
	require.Len(t, analysis.SourceErrors, 1)
	assert.Contains(t, analysis.SourceErrors[0], "vector-kb")
	assert.Len(t, analysis.DisruptionData, 2)
	assert.Equal(t, domain.RiskLow, analysis.RiskAssessment.OverallRisk)
}

func TestAllSourcesFail(t *testing.T) {
	agent := New([]search.KnowledgeSource{failingKnowledge{name: "a"}, failingKnowledge{name: "b"}}, []search.DisruptionSource{failingDisruptions{}}, nil)
	_, err := agent.Analyze(context.Background(), forecastFor("APAC", "Singapore"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCollaboratorUnavailable)
	var cerr *domain.CollaboratorError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "information sources", cerr.Collaborator)
}

func TestKnowledgeOnlyFailureIsAbsorbed(t *testing.T) {
	agent := New([]search.KnowledgeSource{failingKnowledge{name: "a"}}, []search.DisruptionSource{search.NewStaticDisruptions("news", search.DefaultDisruptions)}, nil)
	analysis, err := agent.Analyze(context.Background(), forecastFor("APAC", "Shanghai"), nil)
	require.NoError(t, err)
	assert.Empty(t, analysis.DomainKnowledge)
	assert.Equal(t, domain.RiskMedium, analysis.RiskAssessment.OverallRisk, "Shanghai delays name the destination")
}

func TestProgressErrorAborts(t *testing.T) {
	agent := New(nil, nil, nil)
	boom := errors.New("store down")
	_, err := agent.Analyze(context.Background(), forecastFor("APAC", "Singapore"), func(context.Context, domain.Step) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestAnalyzeIsDeterministic(t *testing.T) {
	agent := New(
		[]search.KnowledgeSource{search.NewStaticKnowledge("kb", search.DefaultKnowledge, 5)},
		[]search.DisruptionSource{search.NewStaticDisruptions("news", search.DefaultDisruptions)},
		nil,
	)
	f := forecastFor("EMEA", "Dubai", "London")
	first, err := agent.Analyze(context.Background(), f, nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := agent.Analyze(context.Background(), f, nil)
		require.NoError(t, err)
		if diff := cmp.Diff(first, again); diff != "" {
			t.Fatalf("analysis changed between runs (-first +again):\n%s", diff)
		}
	}
}

func TestWeightedMaxPolicy(t *testing.T) {
	p := DefaultPolicy()
	cases := []struct {
		name string
		in   PolicyInput
		want domain.RiskLevel
	}{
		{"nothing", PolicyInput{Forecast: forecastFor("APAC", "Singapore")}, domain.RiskLow},
		{
			"unmatched high halves to medium",
			PolicyInput{Forecast: forecastFor("EMEA", "London"), Disruptions: []domain.DisruptionRecord{
				{Title: "Red Sea shipping disruptions continue", Location: "Red Sea", Severity: domain.RiskHigh},
			}},
			domain.RiskMedium,
		},
		{
			"matched high",
			PolicyInput{Forecast: forecastFor("EMEA", "Haifa"), Disruptions: []domain.DisruptionRecord{
				{Title: "Blockade near Haifa", Location: "Haifa", Severity: domain.RiskHigh},
			}},
			domain.RiskHigh,
		},
		{
			"matched critical",
			PolicyInput{Forecast: forecastFor("EMEA", "Haifa"), Disruptions: []domain.DisruptionRecord{
				{Title: "War", Location: "Haifa", Severity: domain.RiskCritical},
			}},
			domain.RiskCritical,
		},
		{
			"knowledge bump",
			PolicyInput{Forecast: forecastFor("APAC", "Singapore"), Knowledge: []domain.KnowledgeRecord{
				{Content: "Singapore transshipment faces geopolitical risk", SourceType: "risk_management", RelevanceScore: 0.8},
			}},
			domain.RiskMedium,
		},
		{
			"irrelevant knowledge ignored",
			PolicyInput{Forecast: forecastFor("APAC", "Singapore"), Knowledge: []domain.KnowledgeRecord{
				{Content: "Singapore transshipment faces geopolitical risk", SourceType: "risk_management", RelevanceScore: 0.1},
			}},
			domain.RiskLow,
		},
	}
	for _, tc := range cases {
		got := p.Assess(tc.in)
		assert.Equal(t, tc.want, got.OverallRisk, tc.name)
		assert.Len(t, got.Recommendations, 3, tc.name)
		assert.NotEmpty(t, got.Rationale, tc.name)
	}
}

func TestRecommendationsFollowFactors(t *testing.T) {
	got := DefaultPolicy().Assess(PolicyInput{
		Forecast: forecastFor("EMEA", "Haifa"),
		Disruptions: []domain.DisruptionRecord{
			{Title: "Port of Haifa closure", Location: "Haifa", Severity: domain.RiskMedium},
			{Title: "Conflict escalates", Location: "Haifa", Severity: domain.RiskHigh},
		},
	})
	assert.Equal(t, []string{"Consider alternative routes", "Build buffer time", "Monitor situation closely"}, got.Recommendations)
	assert.Equal(t, []string{"Conflict escalates", "Port of Haifa closure"}, got.KeyConcerns)
	require.Len(t, got.RiskFactors, 2)
	assert.Equal(t, "logistics", got.RiskFactors[0].Type)
	assert.Equal(t, "geopolitical", got.RiskFactors[1].Type)
}
