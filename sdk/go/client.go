package freightlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Freightline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "v1",
		Timeout:  10 * time.Second,
	}
}

// DeviceForecast is one line of a forecast submission.
type DeviceForecast struct {
	Model          string `json:"model"`
	Quantity       int    `json:"quantity"`
	Destination    string `json:"destination"`
	Priority       string `json:"priority,omitempty"`
	DeliveryWindow string `json:"delivery_window,omitempty"`
}

// Forecast is the body of a submission.
type Forecast struct {
	Region          string           `json:"region"`
	ForecastPeriod  string           `json:"forecast_period"`
	DeviceForecasts []DeviceForecast `json:"device_forecasts"`
	Constraints     map[string]any   `json:"constraints,omitempty"`
}

type Location struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	City   string  `json:"city,omitempty"`
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
	Type   string  `json:"type"`
	Status string  `json:"status"`
}

type RoutePoint struct {
	Location         Location   `json:"location"`
	Order            int        `json:"order"`
	EstimatedArrival *time.Time `json:"estimated_arrival,omitempty"`
}

// Route represents a ranked route (partial).
type Route struct {
	ID                string       `json:"id"`
	Destination       string       `json:"destination"`
	Quantity          int          `json:"quantity"`
	Points            []RoutePoint `json:"points"`
	TotalCost         float64      `json:"total_cost"`
	TotalDistance     float64      `json:"total_distance"`
	RiskScore         float64      `json:"risk_score"`
	TransportMode     string       `json:"transport_mode"`
	EstimatedDuration string       `json:"estimated_duration"`
	CompositeScore    float64      `json:"composite_score"`
	OptimizationRank  int          `json:"optimization_rank"`
	Recommended       bool         `json:"recommended"`
}

// Task represents the API task model (partial).
type Task struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	CurrentStep string     `json:"current_step"`
	Progress    int        `json:"progress"`
	Routes      []Route    `json:"routes"`
	Warnings    []string   `json:"warnings"`
	Error       string     `json:"error"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// Terminal reports whether the task has finished.
func (t Task) Terminal() bool { return t.Status == "completed" || t.Status == "failed" }

type Summary struct {
	TotalRoutes  int     `json:"total_routes"`
	Recommended  int     `json:"recommended"`
	AverageCost  float64 `json:"average_cost"`
	AverageRisk  float64 `json:"average_risk"`
	BestRouteID  string  `json:"best_route_id"`
	CheapestCost float64 `json:"cheapest_cost"`
}

type Routes struct {
	TaskID   string   `json:"task_id"`
	Routes   []Route  `json:"routes"`
	Summary  Summary  `json:"summary"`
	Warnings []string `json:"warnings"`
}

type Review struct {
	Status     string    `json:"status"`
	ActorID    string    `json:"actor_id"`
	Comments   string    `json:"comments"`
	ReviewedAt time.Time `json:"reviewed_at"`
}

type RouteRecord struct {
	TaskID string  `json:"task_id"`
	Route  Route   `json:"route"`
	Review *Review `json:"review"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	TaskID     string         `json:"task_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsNotReady reports whether err is the conflict returned for unfinished tasks.
func IsNotReady(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "not_ready"
}

// Submit queues a forecast and returns the created task.
func (c *Client) Submit(ctx context.Context, f Forecast) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "forecasts", f, &resp)
	return resp, err
}

func (c *Client) Task(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Tasks lists tasks, optionally filtered by status.
func (c *Client) Tasks(ctx context.Context, status string, limit int) ([]Task, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := "tasks"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Routes returns the ranked routes of a completed task.
func (c *Client) Routes(ctx context.Context, taskID string) (Routes, error) {
	var resp Routes
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(taskID)+"/routes", nil, &resp)
	return resp, err
}

func (c *Client) Route(ctx context.Context, routeID string) (RouteRecord, error) {
	var resp RouteRecord
	err := c.do(ctx, http.MethodGet, "routes/"+url.PathEscape(routeID), nil, &resp)
	return resp, err
}

// Approve records a review for a route; approved=false rejects it.
func (c *Client) Approve(ctx context.Context, routeID string, approved bool, comments string) (RouteRecord, error) {
	body := map[string]any{
		"approved": approved,
		"comments": comments,
	}
	var resp RouteRecord
	err := c.do(ctx, http.MethodPost, "routes/"+url.PathEscape(routeID)+"/approve", body, &resp)
	return resp, err
}

// Locations returns catalog locations keyed by region then type.
func (c *Client) Locations(ctx context.Context, region string) (map[string]map[string][]Location, error) {
	endpoint := "locations"
	if region != "" {
		endpoint += "?region=" + url.QueryEscape(region)
	}
	var resp struct {
		Regions map[string]map[string][]Location `json:"regions"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Regions, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Wait polls the task until it completes or fails, or ctx ends.
func (c *Client) Wait(ctx context.Context, taskID string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var last Task
	for {
		task, err := c.Task(ctx, taskID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return last, ctxErr
			}
			return last, err
		}
		last = task
		if task.Terminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
