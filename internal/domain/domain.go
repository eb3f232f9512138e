package domain

import (
	"time"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

type LocationType string

const (
	LocationWarehouse LocationType = "warehouse"
	LocationPort      LocationType = "port"
	LocationAirport   LocationType = "airport"
)

type TransportMode string

const (
	ModeAir  TransportMode = "air"
	ModeSea  TransportMode = "sea"
	ModeLand TransportMode = "land"
)

// Modes lists the supported transport modes in generation order.
var Modes = []TransportMode{ModeAir, ModeSea, ModeLand}

type Task struct {
	ID           string           `json:"id"`
	Status       Status           `json:"status" enum:"queued,processing,completed,failed"`
	CurrentStep  Step             `json:"current_step,omitempty"`
	Forecast     Forecast         `json:"forecast"`
	InfoAnalysis *InfoAnalysis    `json:"info_analysis,omitempty"`
	Routes       []OptimizedRoute `json:"routes,omitempty"`
	Warnings     []string         `json:"warnings,omitempty"`
	Error        string           `json:"error,omitempty"`
	CreatedAt    time.Time        `json:"created_at" format:"date-time"`
	UpdatedAt    time.Time        `json:"updated_at" format:"date-time"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty" format:"date-time"`
}

// Clone returns a deep copy so stored records never alias caller memory.
func (t Task) Clone() Task {
	out := t
	out.Forecast = t.Forecast.Clone()
	if t.InfoAnalysis != nil {
		ia := t.InfoAnalysis.Clone()
		out.InfoAnalysis = &ia
	}
	if t.Routes != nil {
		out.Routes = make([]OptimizedRoute, len(t.Routes))
		for i, r := range t.Routes {
			out.Routes[i] = r.Clone()
		}
	}
	if t.Warnings != nil {
		out.Warnings = append([]string{}, t.Warnings...)
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		out.CompletedAt = &ts
	}
	return out
}

type Forecast struct {
	Region          string           `json:"region"`
	ForecastPeriod  string           `json:"forecast_period"`
	DeviceForecasts []DeviceForecast `json:"device_forecasts"`
	Constraints     map[string]any   `json:"constraints,omitempty"`
}

type DeviceForecast struct {
	Model          string   `json:"model"`
	Quantity       int      `json:"quantity"`
	Destination    string   `json:"destination"`
	Priority       Priority `json:"priority" enum:"low,medium,high"`
	DeliveryWindow string   `json:"delivery_window,omitempty"`
}

func (f Forecast) Clone() Forecast {
	out := f
	if f.DeviceForecasts != nil {
		out.DeviceForecasts = append([]DeviceForecast{}, f.DeviceForecasts...)
	}
	if f.Constraints != nil {
		out.Constraints = cloneMap(f.Constraints)
	}
	return out
}

// cloneMap deep-copies the nested maps and slices that JSON and YAML
// decoding produce. Other values are copied as is.
func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), x...)
	case []float64:
		return append([]float64(nil), x...)
	case []int:
		return append([]int(nil), x...)
	default:
		return v
	}
}

// Destinations returns the distinct destinations in first-seen order.
func (f Forecast) Destinations() []string {
	seen := map[string]bool{}
	var out []string
	for _, d := range f.DeviceForecasts {
		if seen[d.Destination] {
			continue
		}
		seen[d.Destination] = true
		out = append(out, d.Destination)
	}
	return out
}

// QuantityFor sums the forecast quantity shipped to one destination.
func (f Forecast) QuantityFor(destination string) int {
	total := 0
	for _, d := range f.DeviceForecasts {
		if d.Destination == destination {
			total += d.Quantity
		}
	}
	return total
}

// Models returns the distinct device models in first-seen order.
func (f Forecast) Models() []string {
	seen := map[string]bool{}
	var out []string
	for _, d := range f.DeviceForecasts {
		if d.Model == "" || seen[d.Model] {
			continue
		}
		seen[d.Model] = true
		out = append(out, d.Model)
	}
	return out
}

// Validate checks the forecast shape. Region membership is checked by the
// engine against the location catalog.
func (f Forecast) Validate() error {
	if f.Region == "" {
		return &ValidationError{Field: "region", Reason: "is required"}
	}
	if len(f.DeviceForecasts) == 0 {
		return &ValidationError{Field: "device_forecasts", Reason: "at least one entry is required"}
	}
	for i, d := range f.DeviceForecasts {
		if d.Quantity <= 0 {
			return &ValidationError{Field: fieldIndex("device_forecasts", i, "quantity"), Reason: "must be positive"}
		}
		if d.Destination == "" {
			return &ValidationError{Field: fieldIndex("device_forecasts", i, "destination"), Reason: "is required"}
		}
		switch d.Priority {
		case PriorityLow, PriorityMedium, PriorityHigh:
		default:
			return &ValidationError{Field: fieldIndex("device_forecasts", i, "priority"), Reason: "must be one of low, medium, high"}
		}
	}
	return nil
}

type KnowledgeRecord struct {
	Content        string            `json:"content"`
	RelevanceScore float64           `json:"relevance_score"`
	SourceType     string            `json:"source_type,omitempty"`
	Source         string            `json:"source"`
	Region         string            `json:"region,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type DisruptionRecord struct {
	Title          string          `json:"title"`
	Summary        string          `json:"summary,omitempty"`
	URL            string          `json:"url,omitempty"`
	Location       string          `json:"location"`
	Severity       RiskLevel       `json:"severity" enum:"low,medium,high,critical"`
	TransportModes []TransportMode `json:"transport_modes,omitempty"`
	Source         string          `json:"source"`
}

type RiskFactor struct {
	Type     string    `json:"type"`
	Severity RiskLevel `json:"severity"`
	Source   string    `json:"source"`
}

type RiskAssessment struct {
	OverallRisk     RiskLevel    `json:"overall_risk" enum:"low,medium,high,critical"`
	Rationale       []string     `json:"rationale,omitempty"`
	RiskFactors     []RiskFactor `json:"risk_factors,omitempty"`
	KeyConcerns     []string     `json:"key_concerns,omitempty"`
	Recommendations []string     `json:"recommendations,omitempty"`
}

type InfoAnalysis struct {
	DomainKnowledge []KnowledgeRecord  `json:"domain_knowledge"`
	DisruptionData  []DisruptionRecord `json:"disruption_data"`
	RiskAssessment  RiskAssessment     `json:"risk_assessment"`
	SourceErrors    []string           `json:"source_errors,omitempty"`
}

func (a InfoAnalysis) Clone() InfoAnalysis {
	out := a
	out.DomainKnowledge = append([]KnowledgeRecord(nil), a.DomainKnowledge...)
	out.DisruptionData = append([]DisruptionRecord(nil), a.DisruptionData...)
	out.RiskAssessment.Rationale = append([]string(nil), a.RiskAssessment.Rationale...)
	out.RiskAssessment.RiskFactors = append([]RiskFactor(nil), a.RiskAssessment.RiskFactors...)
	out.RiskAssessment.KeyConcerns = append([]string(nil), a.RiskAssessment.KeyConcerns...)
	out.RiskAssessment.Recommendations = append([]string(nil), a.RiskAssessment.Recommendations...)
	out.SourceErrors = append([]string(nil), a.SourceErrors...)
	return out
}

type Location struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	City     string       `json:"city,omitempty"`
	Lat      float64      `json:"lat"`
	Lng      float64      `json:"lng"`
	Type     LocationType `json:"type" enum:"warehouse,port,airport"`
	Capacity *int         `json:"capacity,omitempty"`
	Status   string       `json:"status"`
}

type RoutePoint struct {
	Location         Location   `json:"location"`
	Order            int        `json:"order"`
	EstimatedArrival *time.Time `json:"estimated_arrival,omitempty" format:"date-time"`
}

// CandidateRoute is a priced, risk-scored path before ranking.
type CandidateRoute struct {
	ID                string        `json:"id"`
	Destination       string        `json:"destination"`
	Quantity          int           `json:"quantity"`
	Points            []RoutePoint  `json:"points"`
	TotalCost         float64       `json:"total_cost"`
	TotalDistance     float64       `json:"total_distance"`
	RiskScore         float64       `json:"risk_score"`
	TransportMode     TransportMode `json:"transport_mode" enum:"air,sea,land"`
	EstimatedDuration string        `json:"estimated_duration"`
	DurationHours     float64       `json:"duration_hours"`
}

type OptimizedRoute struct {
	CandidateRoute
	CompositeScore   float64 `json:"composite_score"`
	OptimizationRank int     `json:"optimization_rank"`
	Recommended      bool    `json:"recommended"`
}

func (r CandidateRoute) Clone() CandidateRoute {
	out := r
	out.Points = make([]RoutePoint, len(r.Points))
	for i, p := range r.Points {
		out.Points[i] = p
		if p.Location.Capacity != nil {
			c := *p.Location.Capacity
			out.Points[i].Location.Capacity = &c
		}
		if p.EstimatedArrival != nil {
			ts := *p.EstimatedArrival
			out.Points[i].EstimatedArrival = &ts
		}
	}
	return out
}

func (r OptimizedRoute) Clone() OptimizedRoute {
	out := r
	out.CandidateRoute = r.CandidateRoute.Clone()
	return out
}

type ReviewStatus string

const (
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

type RouteReview struct {
	RouteID    string       `json:"route_id"`
	TaskID     string       `json:"task_id"`
	Status     ReviewStatus `json:"status" enum:"approved,rejected"`
	ActorID    string       `json:"actor_id"`
	Comments   string       `json:"comments,omitempty"`
	ReviewedAt time.Time    `json:"reviewed_at" format:"date-time"`
}

// RouteRecord is a ranked route together with its owning task and review.
type RouteRecord struct {
	TaskID string         `json:"task_id"`
	Route  OptimizedRoute `json:"route"`
	Review *RouteReview   `json:"review,omitempty"`
}

type Event struct {
	ID         int64          `json:"id"`
	TS         time.Time      `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	TaskID     string         `json:"task_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}
