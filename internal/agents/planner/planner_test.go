package planner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"freightline/internal/catalog"
	"freightline/internal/config"
	"freightline/internal/domain"
)

func defaultPlanner() *Planner {
	return New(catalog.FromConfig(config.Default().Catalog.Regions), DefaultConfig(), nil)
}

func forecast(region string, qty int, dests ...string) domain.Forecast {
	f := domain.Forecast{Region: region, ForecastPeriod: "2024-03-01", Constraints: map[string]any{}}
	for _, d := range dests {
		f.DeviceForecasts = append(f.DeviceForecasts, domain.DeviceForecast{Model: "Latitude 7440", Quantity: qty, Destination: d, Priority: domain.PriorityHigh})
	}
	return f
}

func lowRisk() domain.InfoAnalysis {
	return domain.InfoAnalysis{RiskAssessment: domain.RiskAssessment{OverallRisk: domain.RiskLow}}
}

func pointIDs(r domain.OptimizedRoute) []string {
	ids := make([]string, len(r.Points))
	for i, p := range r.Points {
		ids[i] = p.Location.ID
	}
	return ids
}

func byMode(routes []domain.OptimizedRoute) map[domain.TransportMode]domain.OptimizedRoute {
	out := map[domain.TransportMode]domain.OptimizedRoute{}
	for _, r := range routes {
		out[r.TransportMode] = r
	}
	return out
}

func TestPlanReportsSubSteps(t *testing.T) {
	var steps []domain.Step
	plan, err := defaultPlanner().Plan(context.Background(), Input{TaskID: "task-1", Forecast: forecast("APAC", 100, "Singapore"), Analysis: lowRisk()},
		func(_ context.Context, s domain.Step) error {
			steps = append(steps, s)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []domain.Step{
		domain.StepRoutesGenerated,
		domain.StepCostsAnalyzed,
		domain.StepRisksAssessed,
		domain.StepOptimizationComplete,
	}, steps)

	require.Len(t, plan.Routes, 3)
	recommended := 0
	for i, r := range plan.Routes {
		assert.Equal(t, i+1, r.OptimizationRank)
		assert.Equal(t, "WH001", r.Points[0].Location.ID)
		assert.Equal(t, domain.LocationWarehouse, r.Points[0].Location.Type)
		for j, p := range r.Points {
			assert.Equal(t, j+1, p.Order)
		}
		assert.Greater(t, r.TotalCost, 0.0)
		assert.GreaterOrEqual(t, r.RiskScore, 0.0)
		assert.LessOrEqual(t, r.RiskScore, 1.0)
		assert.Equal(t, "1 days", r.EstimatedDuration)
		if r.Recommended {
			recommended++
		}
	}
	assert.Equal(t, 1, recommended)
	assert.Empty(t, plan.Warnings)
	assert.Equal(t, 3, plan.Summary.TotalRoutes)

	routes := byMode(plan.Routes)
	assert.Equal(t, []string{"WH001", "AIR001"}, pointIDs(routes[domain.ModeAir]))
	assert.Equal(t, []string{"WH001", "PORT001"}, pointIDs(routes[domain.ModeSea]))
	assert.Equal(t, []string{"WH001", "PORT001"}, pointIDs(routes[domain.ModeLand]))
}

func TestCostFollowsModeAndRisk(t *testing.T) {
	p := defaultPlanner()
	in := Input{TaskID: "task-1", Forecast: forecast("APAC", 100, "Singapore"), Analysis: lowRisk()}
	low, err := p.Plan(context.Background(), in, nil)
	require.NoError(t, err)
	air := byMode(low.Routes)[domain.ModeAir]
	assert.InDelta(t, air.TotalDistance*2.5*100*0.01, air.TotalCost, 0.01)

	in.Analysis.RiskAssessment.OverallRisk = domain.RiskHigh
	high, err := p.Plan(context.Background(), in, nil)
	require.NoError(t, err)
	assert.InDelta(t, air.TotalCost*1.6, byMode(high.Routes)[domain.ModeAir].TotalCost, 0.02)
	assert.InDelta(t, 0.5, byMode(high.Routes)[domain.ModeAir].RiskScore, 1e-9)
}

func TestTransitWaypoint(t *testing.T) {
	plan, err := defaultPlanner().Plan(context.Background(), Input{TaskID: "task-2", Forecast: forecast("APAC", 12000, "Singapore"), Analysis: lowRisk()}, nil)
	require.NoError(t, err)
	routes := byMode(plan.Routes)
	require.Len(t, routes, 2, "land exceeds the maximum land leg")
	assert.Equal(t, []string{"WH002", "AIR002", "AIR001"}, pointIDs(routes[domain.ModeAir]))
	assert.Equal(t, []string{"WH002", "PORT002", "PORT001"}, pointIDs(routes[domain.ModeSea]))
	assert.Greater(t, routes[domain.ModeSea].TotalDistance, 2000.0)
	assert.Equal(t, "7 days", routes[domain.ModeSea].EstimatedDuration)
}

func TestRiskScoreBlendsExposure(t *testing.T) {
	analysis := lowRisk()
	analysis.DisruptionData = []domain.DisruptionRecord{
		{Title: "Singapore port congestion", Location: "Singapore", Severity: domain.RiskMedium, TransportModes: []domain.TransportMode{domain.ModeSea}},
		{Title: "Typhoon over the Pacific", Location: "Pacific", Severity: domain.RiskHigh, TransportModes: []domain.TransportMode{domain.ModeAir}},
	}
	plan, err := defaultPlanner().Plan(context.Background(), Input{TaskID: "task-3", Forecast: forecast("APAC", 100, "Singapore"), Analysis: analysis}, nil)
	require.NoError(t, err)
	routes := byMode(plan.Routes)
	// sea: mode exposure and destination exposure from the medium item
	assert.InDelta(t, 0.22, routes[domain.ModeSea].RiskScore, 1e-9)
	// air: mode exposure from the high item, destination exposure from the medium item
	assert.InDelta(t, 0.27, routes[domain.ModeAir].RiskScore, 1e-9)
	// land: destination exposure only
	assert.InDelta(t, 0.17, routes[domain.ModeLand].RiskScore, 1e-9)
}

func TestRiskScoreIsClipped(t *testing.T) {
	analysis := domain.InfoAnalysis{RiskAssessment: domain.RiskAssessment{OverallRisk: domain.RiskCritical}}
	for i := 0; i < 5; i++ {
		analysis.DisruptionData = append(analysis.DisruptionData, domain.DisruptionRecord{Title: "War near Singapore", Location: "Singapore", Severity: domain.RiskCritical})
	}
	plan, err := defaultPlanner().Plan(context.Background(), Input{TaskID: "task-4", Forecast: forecast("APAC", 100, "Singapore"), Analysis: analysis}, nil)
	require.NoError(t, err)
	for _, r := range plan.Routes {
		assert.Equal(t, 1.0, r.RiskScore)
	}
}

func TestUnknownDestinationIsWarning(t *testing.T) {
	plan, err := defaultPlanner().Plan(context.Background(), Input{TaskID: "task-5", Forecast: forecast("APAC", 100, "Singapore", "Atlantis"), Analysis: lowRisk()}, nil)
	require.NoError(t, err)
	require.Len(t, plan.Warnings, 1)
	assert.Contains(t, plan.Warnings[0], "Atlantis")
	for _, r := range plan.Routes {
		assert.Equal(t, "Singapore", r.Destination)
	}
}

func TestNoReachableDestination(t *testing.T) {
	_, err := defaultPlanner().Plan(context.Background(), Input{TaskID: "task-6", Forecast: forecast("APAC", 100, "Atlantis"), Analysis: lowRisk()}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Contains(t, err.Error(), "no reachable destinations")
}

func TestCapacityExcludesEveryWarehouse(t *testing.T) {
	_, err := defaultPlanner().Plan(context.Background(), Input{TaskID: "task-7", Forecast: forecast("APAC", 50000, "Singapore"), Analysis: lowRisk()}, nil)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

type brokenCatalog struct{}

func (brokenCatalog) LocationsFor(context.Context, string) (map[domain.LocationType][]domain.Location, error) {
	return nil, errors.New("catalog backend offline")
}

func (brokenCatalog) Regions() []string { return nil }

func TestCatalogFailureIsCollaboratorError(t *testing.T) {
	p := New(brokenCatalog{}, DefaultConfig(), nil)
	_, err := p.Plan(context.Background(), Input{TaskID: "task-8", Forecast: forecast("APAC", 100, "Singapore"), Analysis: lowRisk()}, nil)
	assert.ErrorIs(t, err, domain.ErrCollaboratorUnavailable)
	var cerr *domain.CollaboratorError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "location catalog", cerr.Collaborator)
}

func TestUnknownRegionIsValidationError(t *testing.T) {
	_, err := defaultPlanner().Plan(context.Background(), Input{TaskID: "task-9", Forecast: forecast("LATAM", 100, "Lima"), Analysis: lowRisk()}, nil)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestConstraints(t *testing.T) {
	f := forecast("APAC", 100, "Singapore")
	f.Constraints[ConstraintPreferredModes] = []any{"sea", "LAND", "rail"}
	f.Constraints[ConstraintMaxCostPerUnit] = 0.05
	f.Constraints[ConstraintMultipleResults] = true
	p := defaultPlanner()
	p.Config.Optimizer.TopK = 2
	p.Config.Optimizer.Tolerance = 1

	plan, err := p.Plan(context.Background(), Input{TaskID: "task-10", Forecast: f, Analysis: lowRisk()}, nil)
	require.NoError(t, err)
	require.Len(t, plan.Routes, 2)
	for _, r := range plan.Routes {
		assert.NotEqual(t, domain.ModeAir, r.TransportMode)
		assert.True(t, r.Recommended)
	}
	require.Len(t, plan.Warnings, 1, "only land costs more than 0.05 per unit")
	assert.Contains(t, plan.Warnings[0], "max_cost_per_unit")
}

func TestEstimatedArrivals(t *testing.T) {
	plan, err := defaultPlanner().Plan(context.Background(), Input{TaskID: "task-11", Forecast: forecast("APAC", 12000, "Singapore"), Analysis: lowRisk()}, nil)
	require.NoError(t, err)
	sea := byMode(plan.Routes)[domain.ModeSea]
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NotNil(t, sea.Points[0].EstimatedArrival)
	assert.Equal(t, start, *sea.Points[0].EstimatedArrival)
	assert.Equal(t, start.Add(7*24*time.Hour), *sea.Points[2].EstimatedArrival)
	assert.True(t, sea.Points[1].EstimatedArrival.Before(*sea.Points[2].EstimatedArrival))

	f := forecast("APAC", 100, "Singapore")
	f.ForecastPeriod = "next quarter"
	plan, err = defaultPlanner().Plan(context.Background(), Input{TaskID: "task-12", Forecast: f, Analysis: lowRisk()}, nil)
	require.NoError(t, err)
	assert.Nil(t, plan.Routes[0].Points[0].EstimatedArrival)
}

func TestRouteIDsAreStable(t *testing.T) {
	in := Input{TaskID: "task-13", Forecast: forecast("APAC", 100, "Singapore"), Analysis: lowRisk()}
	a, err := defaultPlanner().Plan(context.Background(), in, nil)
	require.NoError(t, err)
	b, err := defaultPlanner().Plan(context.Background(), in, nil)
	require.NoError(t, err)
	require.Equal(t, len(a.Routes), len(b.Routes))
	for i := range a.Routes {
		assert.Equal(t, a.Routes[i].ID, b.Routes[i].ID)
	}
	in.TaskID = "task-14"
	c, err := defaultPlanner().Plan(context.Background(), in, nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.Routes[0].ID, c.Routes[0].ID)
}

func TestProgressErrorAborts(t *testing.T) {
	boom := errors.New("store down")
	_, err := defaultPlanner().Plan(context.Background(), Input{TaskID: "task-15", Forecast: forecast("APAC", 100, "Singapore"), Analysis: lowRisk()},
		func(context.Context, domain.Step) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestPeriodStart(t *testing.T) {
	cases := map[string]time.Time{
		"2024-03-15": time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		"2024-07":    time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC),
		"2024-Q2":    time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	for in, want := range cases {
		got, ok := periodStart(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := periodStart("2024-Q5")
	assert.False(t, ok)
}
