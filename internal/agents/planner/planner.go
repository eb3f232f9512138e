package planner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"freightline/internal/catalog"
	"freightline/internal/config"
	"freightline/internal/domain"
	"freightline/internal/logging"
	"freightline/internal/optimizer"
	"freightline/internal/search"
)

// Progress records a completed sub-step. A returned error aborts the run.
type Progress func(ctx context.Context, step domain.Step) error

// Config holds the pricing and geometry knobs of the planner.
type Config struct {
	UnitCosts          map[domain.TransportMode]float64
	DurationFactors    map[domain.TransportMode]float64
	MaxLandKM          float64
	TransitThresholdKM float64
	LongHaulKM         float64
	Optimizer          optimizer.Options
}

func DefaultConfig() Config {
	return Config{
		UnitCosts:          map[domain.TransportMode]float64{domain.ModeAir: 2.5, domain.ModeLand: 1.0, domain.ModeSea: 0.5},
		DurationFactors:    map[domain.TransportMode]float64{domain.ModeAir: 0.1, domain.ModeLand: 0.5, domain.ModeSea: 1.0},
		MaxLandKM:          1500,
		TransitThresholdKM: 2000,
		LongHaulKM:         5000,
		Optimizer:          optimizer.DefaultOptions(),
	}
}

// ConfigFrom maps the file config onto planner settings.
func ConfigFrom(cfg *config.Config) Config {
	out := DefaultConfig()
	for mode, v := range cfg.Planner.UnitCosts {
		out.UnitCosts[domain.TransportMode(mode)] = v
	}
	for mode, v := range cfg.Planner.DurationFactors {
		out.DurationFactors[domain.TransportMode(mode)] = v
	}
	out.MaxLandKM = cfg.Planner.MaxLandKM
	out.TransitThresholdKM = cfg.Planner.TransitThresholdKM
	out.LongHaulKM = cfg.Planner.LongHaulKM
	out.Optimizer = optimizer.Options{
		CostWeight: cfg.Optimizer.CostWeight,
		RiskWeight: cfg.Optimizer.RiskWeight,
		TimeWeight: cfg.Optimizer.TimeWeight,
		TopK:       cfg.Optimizer.MaxRecommendations,
		Tolerance:  cfg.Optimizer.Tolerance,
	}
	return out
}

var (
	costMultiplier = map[domain.RiskLevel]float64{
		domain.RiskLow: 1.0, domain.RiskMedium: 1.3, domain.RiskHigh: 1.6, domain.RiskCritical: 2.0,
	}
	baseRisk = map[domain.RiskLevel]float64{
		domain.RiskLow: 0.1, domain.RiskMedium: 0.3, domain.RiskHigh: 0.5, domain.RiskCritical: 0.7,
	}
)

const (
	modeExposure        = 0.15
	destinationExposure = 0.2
	longHaulPenalty     = 0.1
	kmPerDay            = 500.0
)

// Planner generates, prices, scores and ranks candidate routes.
type Planner struct {
	Catalog catalog.Catalog
	Config  Config
	Logger  *zap.Logger
}

func New(c catalog.Catalog, cfg Config, logger *zap.Logger) *Planner {
	return &Planner{Catalog: c, Config: cfg, Logger: logging.OrNop(logger)}
}

type Input struct {
	TaskID   string
	Forecast domain.Forecast
	Analysis domain.InfoAnalysis
}

type Plan struct {
	Routes   []domain.OptimizedRoute
	Warnings []string
	Summary  optimizer.Summary
}

// Plan runs route generation, costing, risk scoring and ranking, reporting
// each sub-step through progress.
func (p *Planner) Plan(ctx context.Context, in Input, progress Progress) (Plan, error) {
	logger := logging.OrNop(p.Logger).With(zap.String("task_id", in.TaskID), zap.String("region", in.Forecast.Region))
	if progress == nil {
		progress = func(context.Context, domain.Step) error { return nil }
	}

	locs, err := p.Catalog.LocationsFor(ctx, in.Forecast.Region)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Plan{}, &domain.ValidationError{Field: "region", Reason: fmt.Sprintf("%q is not in the location catalog", in.Forecast.Region)}
		}
		return Plan{}, &domain.CollaboratorError{Collaborator: "location catalog", Err: err}
	}

	routes, warnings := p.generate(in, locs)
	if len(routes) == 0 {
		return Plan{}, &domain.ValidationError{Field: "device_forecasts", Reason: "no reachable destinations"}
	}
	logger.Debug("routes generated", zap.Int("routes", len(routes)), zap.Int("warnings", len(warnings)))
	if err := progress(ctx, domain.StepRoutesGenerated); err != nil {
		return Plan{}, err
	}

	overall := in.Analysis.RiskAssessment.OverallRisk
	if !overall.Valid() {
		overall = domain.RiskLow
	}
	maxPerUnit, capped := floatConstraint(in.Forecast.Constraints, ConstraintMaxCostPerUnit)
	for i := range routes {
		r := &routes[i]
		r.TotalCost = round2(r.TotalDistance * p.Config.UnitCosts[r.TransportMode] * float64(r.Quantity) * 0.01 * costMultiplier[overall])
		if capped && r.Quantity > 0 {
			if perUnit := r.TotalCost / float64(r.Quantity); perUnit > maxPerUnit {
				warnings = append(warnings, fmt.Sprintf("%s route to %s costs %.2f per unit, above max_cost_per_unit %.2f", r.TransportMode, r.Destination, perUnit, maxPerUnit))
			}
		}
	}
	if err := progress(ctx, domain.StepCostsAnalyzed); err != nil {
		return Plan{}, err
	}

	for i := range routes {
		routes[i].RiskScore = p.riskScore(routes[i], overall, in.Analysis.DisruptionData)
	}
	if err := progress(ctx, domain.StepRisksAssessed); err != nil {
		return Plan{}, err
	}

	opts := p.Config.Optimizer
	opts.Multiple = boolConstraint(in.Forecast.Constraints, ConstraintMultipleResults)
	ranked := optimizer.Rank(routes, opts)
	summary := optimizer.Summarize(ranked)
	logger.Info("routes ranked",
		zap.Int("routes", summary.TotalRoutes),
		zap.Int("recommended", summary.Recommended),
		zap.String("best_route_id", summary.BestRouteID),
		zap.Float64("average_cost", summary.AverageCost),
	)
	if err := progress(ctx, domain.StepOptimizationComplete); err != nil {
		return Plan{}, err
	}
	return Plan{Routes: ranked, Warnings: warnings, Summary: summary}, nil
}

func (p *Planner) generate(in Input, locs map[domain.LocationType][]domain.Location) ([]domain.CandidateRoute, []string) {
	var (
		routes   []domain.CandidateRoute
		warnings []string
		start, hasStart = periodStart(in.Forecast.ForecastPeriod)
	)
	modes := preferredModes(in.Forecast.Constraints)
	for _, dest := range in.Forecast.Destinations() {
		qty := in.Forecast.QuantityFor(dest)
		found := 0
		for _, mode := range modes {
			points, ok := p.path(mode, dest, qty, locs)
			if !ok {
				continue
			}
			route := domain.CandidateRoute{
				ID:            routeID(in.TaskID, dest, mode),
				Destination:   dest,
				Quantity:      qty,
				Points:        points,
				TotalDistance: round2(catalog.PathKM(points)),
				TransportMode: mode,
			}
			days := durationDays(route.TotalDistance, p.Config.DurationFactors[mode])
			route.EstimatedDuration = fmt.Sprintf("%d days", days)
			route.DurationHours = float64(days * 24)
			if hasStart {
				stampArrivals(route.Points, start, days)
			}
			routes = append(routes, route)
			found++
		}
		if found == 0 {
			warnings = append(warnings, fmt.Sprintf("no usable route to %s in region %s", dest, in.Forecast.Region))
		}
	}
	return routes, warnings
}

// path picks the warehouse and gateway pair for one destination and mode.
func (p *Planner) path(mode domain.TransportMode, dest string, qty int, locs map[domain.LocationType][]domain.Location) ([]domain.RoutePoint, bool) {
	var gatewayTypes []domain.LocationType
	switch mode {
	case domain.ModeAir:
		gatewayTypes = []domain.LocationType{domain.LocationAirport}
	case domain.ModeSea:
		gatewayTypes = []domain.LocationType{domain.LocationPort}
	case domain.ModeLand:
		gatewayTypes = []domain.LocationType{domain.LocationPort, domain.LocationAirport}
	default:
		return nil, false
	}
	hasRoom := func(l domain.Location) bool {
		return catalog.Operational(l) && (l.Capacity == nil || *l.Capacity >= qty)
	}

	var (
		origin, endpoint domain.Location
		direct           = math.Inf(1)
		ok               bool
	)
	for _, typ := range gatewayTypes {
		for _, gw := range locs[typ] {
			if !catalog.Operational(gw) || !catalog.Serves(gw, dest) {
				continue
			}
			wh, d, found := catalog.Nearest(gw, locs[domain.LocationWarehouse], hasRoom)
			if !found {
				continue
			}
			if d < direct || (d == direct && gw.ID < endpoint.ID) {
				origin, endpoint, direct, ok = wh, gw, d, true
			}
		}
	}
	if !ok {
		return nil, false
	}
	if mode == domain.ModeLand && direct > p.Config.MaxLandKM {
		return nil, false
	}

	stops := []domain.Location{origin}
	if mode != domain.ModeLand && direct > p.Config.TransitThresholdKM {
		transit, _, found := catalog.Nearest(origin, locs[gatewayTypes[0]], catalog.Operational)
		if found && transit.ID != endpoint.ID {
			stops = append(stops, transit)
		}
	}
	stops = append(stops, endpoint)

	points := make([]domain.RoutePoint, len(stops))
	for i, loc := range stops {
		points[i] = domain.RoutePoint{Location: loc, Order: i + 1}
	}
	return points, true
}

func (p *Planner) riskScore(r domain.CandidateRoute, overall domain.RiskLevel, disruptions []domain.DisruptionRecord) float64 {
	score := baseRisk[overall]
	for _, d := range disruptions {
		if search.Affects(d, r.TransportMode) {
			score += modeExposure * d.Severity.Weight()
		}
		if search.Mentions(d, r.Destination) {
			score += destinationExposure * d.Severity.Weight()
		}
	}
	if r.TotalDistance > p.Config.LongHaulKM {
		score += longHaulPenalty
	}
	return round2(math.Min(1, math.Max(0, score)))
}

func durationDays(distanceKM, factor float64) int {
	days := int(distanceKM * factor / kmPerDay)
	if days < 1 {
		return 1
	}
	return days
}

// stampArrivals spreads the trip duration over the legs by distance.
func stampArrivals(points []domain.RoutePoint, start time.Time, days int) {
	total := catalog.PathKM(points)
	span := time.Duration(days) * 24 * time.Hour
	covered := 0.0
	for i := range points {
		if i > 0 {
			covered += catalog.DistanceKM(points[i-1].Location, points[i].Location)
		}
		share := 0.0
		switch {
		case i == len(points)-1:
			share = 1
		case total > 0:
			share = covered / total
		}
		ts := start.Add(time.Duration(share * float64(span))).Truncate(time.Hour).UTC()
		points[i].EstimatedArrival = &ts
	}
}

func routeID(taskID, dest string, mode domain.TransportMode) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(taskID+"|"+dest+"|"+string(mode))).String()
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
