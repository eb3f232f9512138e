package server

import (
	"time"

	"freightline/internal/domain"
	"freightline/internal/optimizer"
)

// Request payloads

type DeviceForecastRequest struct {
	Model          string          `json:"model" example:"Latitude 7440"`
	Quantity       int             `json:"quantity" example:"500"`
	Destination    string          `json:"destination" example:"Singapore"`
	Priority       domain.Priority `json:"priority,omitempty" enum:"low,medium,high"`
	DeliveryWindow string          `json:"delivery_window,omitempty" example:"2024-03-01/2024-03-31"`
}

type SubmitForecastRequest struct {
	Region          string                  `json:"region" example:"APAC"`
	ForecastPeriod  string                  `json:"forecast_period" example:"2024-Q1"`
	DeviceForecasts []DeviceForecastRequest `json:"device_forecasts"`
	Constraints     map[string]any          `json:"constraints,omitempty"`
}

type ReviewRouteRequest struct {
	Approved bool   `json:"approved"`
	Comments string `json:"comments,omitempty"`
}

// Response payloads

type TaskResponse struct {
	ID           string                  `json:"id"`
	Status       domain.Status           `json:"status" enum:"queued,processing,completed,failed"`
	CurrentStep  domain.Step             `json:"current_step,omitempty"`
	Progress     int                     `json:"progress" minimum:"0" maximum:"100"`
	Forecast     domain.Forecast         `json:"forecast"`
	InfoAnalysis *domain.InfoAnalysis    `json:"info_analysis,omitempty"`
	Routes       []domain.OptimizedRoute `json:"routes,omitempty"`
	Warnings     []string                `json:"warnings,omitempty"`
	Error        string                  `json:"error,omitempty"`
	CreatedAt    time.Time               `json:"created_at" format:"date-time"`
	UpdatedAt    time.Time               `json:"updated_at" format:"date-time"`
	CompletedAt  *time.Time              `json:"completed_at,omitempty" format:"date-time"`
}

type TaskSummaryResponse struct {
	ID          string        `json:"id"`
	Status      domain.Status `json:"status" enum:"queued,processing,completed,failed"`
	CurrentStep domain.Step   `json:"current_step,omitempty"`
	Progress    int           `json:"progress"`
	Region      string        `json:"region"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at" format:"date-time"`
}

type RoutesResponse struct {
	TaskID   string                  `json:"task_id"`
	Routes   []domain.OptimizedRoute `json:"routes"`
	Summary  optimizer.Summary       `json:"summary"`
	Warnings []string                `json:"warnings,omitempty"`
}

type RouteResponse struct {
	TaskID string                `json:"task_id"`
	Route  domain.OptimizedRoute `json:"route"`
	Review *domain.RouteReview   `json:"review,omitempty"`
}

type LocationsResponse struct {
	Regions map[string]map[domain.LocationType][]domain.Location `json:"regions"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         time.Time      `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	TaskID     string         `json:"task_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type RoutingTestRequest struct {
	Forecast SubmitForecastRequest `json:"forecast"`
	// InfoAnalysis is optional; without it the information agent runs first.
	InfoAnalysis *domain.InfoAnalysis `json:"info_analysis,omitempty"`
}

type RoutingTestResponse struct {
	Routes   []domain.OptimizedRoute `json:"routes"`
	Summary  optimizer.Summary       `json:"summary"`
	Warnings []string                `json:"warnings,omitempty"`
}

type AgentDescriptor struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Steps       []domain.Step `json:"steps"`
	Sources     []string      `json:"sources,omitempty"`
}

type AgentInfoResponse struct {
	Agents  []AgentDescriptor `json:"agents"`
	Regions []string          `json:"regions"`
}

type paginatedTasks struct {
	Items []TaskSummaryResponse `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func (r SubmitForecastRequest) forecast() domain.Forecast {
	f := domain.Forecast{
		Region:         r.Region,
		ForecastPeriod: r.ForecastPeriod,
		Constraints:    r.Constraints,
	}
	for _, d := range r.DeviceForecasts {
		f.DeviceForecasts = append(f.DeviceForecasts, domain.DeviceForecast{
			Model:          d.Model,
			Quantity:       d.Quantity,
			Destination:    d.Destination,
			Priority:       d.Priority,
			DeliveryWindow: d.DeliveryWindow,
		})
	}
	return f
}

// progress maps the pipeline position to a percentage.
func progress(t domain.Task) int {
	switch t.Status {
	case domain.StatusCompleted:
		return 100
	case domain.StatusQueued:
		return 0
	}
	idx := t.CurrentStep.Index()
	if idx < 0 {
		return 0
	}
	return (idx + 1) * 100 / (len(domain.Steps) + 1)
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:           t.ID,
		Status:       t.Status,
		CurrentStep:  t.CurrentStep,
		Progress:     progress(t),
		Forecast:     t.Forecast,
		InfoAnalysis: t.InfoAnalysis,
		Routes:       t.Routes,
		Warnings:     t.Warnings,
		Error:        t.Error,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		CompletedAt:  t.CompletedAt,
	}
}

func taskSummary(t domain.Task) TaskSummaryResponse {
	return TaskSummaryResponse{
		ID:          t.ID,
		Status:      t.Status,
		CurrentStep: t.CurrentStep,
		Progress:    progress(t),
		Region:      t.Forecast.Region,
		Error:       t.Error,
		CreatedAt:   t.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		TaskID:     e.TaskID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}
