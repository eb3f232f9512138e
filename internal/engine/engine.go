package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"freightline/internal/agents/info"
	"freightline/internal/agents/planner"
	"freightline/internal/catalog"
	"freightline/internal/domain"
	"freightline/internal/logging"
	"freightline/internal/store"
)

const tracerName = "freightline/internal/engine"

// ErrClosed is returned by Submit once Close has been called.
var ErrClosed = errors.New("engine closed")

type Options struct {
	// MaxConcurrentTasks bounds running pipelines; 0 means unbounded.
	MaxConcurrentTasks int
	PollInterval       time.Duration
	// Retention > 0 starts a janitor that prunes terminal tasks older than it.
	Retention     time.Duration
	PruneInterval time.Duration
	Now           func() time.Time
	Tracer        trace.Tracer
}

// Engine drives submitted forecasts through the information and route
// planning agents, persisting every step in the store.
type Engine struct {
	Store   store.Store
	Info    *info.Agent
	Planner *planner.Planner
	Catalog catalog.Catalog
	Logger  *zap.Logger
	Now     func() time.Time

	pollInterval time.Duration
	tracer       trace.Tracer
	sem          *semaphore.Weighted

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	stop   chan struct{}
}

func New(st store.Store, infoAgent *info.Agent, pl *planner.Planner, cat catalog.Catalog, logger *zap.Logger, opts Options) *Engine {
	e := &Engine{
		Store:        st,
		Info:         infoAgent,
		Planner:      pl,
		Catalog:      cat,
		Logger:       logging.OrNop(logger),
		Now:          opts.Now,
		pollInterval: opts.PollInterval,
		tracer:       opts.Tracer,
		stop:         make(chan struct{}),
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	if e.pollInterval <= 0 {
		e.pollInterval = 200 * time.Millisecond
	}
	if opts.MaxConcurrentTasks > 0 {
		e.sem = semaphore.NewWeighted(int64(opts.MaxConcurrentTasks))
	}
	if opts.Retention > 0 {
		interval := opts.PruneInterval
		if interval <= 0 {
			interval = time.Minute
		}
		e.wg.Add(1)
		go e.janitor(opts.Retention, interval)
	}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// Submit stores a queued task for forecast and starts its pipeline. It
// returns as soon as the task is persisted.
func (e *Engine) Submit(ctx context.Context, forecast domain.Forecast) (domain.Task, error) {
	// The wait group slot is reserved under mu so Close cannot start
	// waiting between the closed check and the spawn. Create runs unlocked.
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return domain.Task{}, ErrClosed
	}
	e.wg.Add(1)
	e.mu.Unlock()

	task, err := e.Store.Create(ctx, forecast)
	if err != nil {
		e.wg.Done()
		return domain.Task{}, fmt.Errorf("create task: %w", err)
	}
	e.Logger.Info("task submitted",
		zap.String("task_id", task.ID),
		zap.String("region", forecast.Region),
		zap.Int("device_forecasts", len(forecast.DeviceForecasts)),
	)
	go e.run(context.WithoutCancel(ctx), task.ID, task.Forecast)
	return task, nil
}

func (e *Engine) run(ctx context.Context, id string, forecast domain.Forecast) {
	defer e.wg.Done()
	logger := e.Logger.With(zap.String("task_id", id))
	if e.sem != nil {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			logger.Error("acquire worker slot", zap.Error(err))
			return
		}
		defer e.sem.Release(1)
	}

	ctx, span := e.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("task.id", id),
		attribute.String("forecast.region", forecast.Region),
	))
	defer span.End()

	started := e.now()
	err := e.pipeline(ctx, id, forecast)
	if err == nil {
		span.SetStatus(codes.Ok, "")
		logger.Info("task completed", zap.Duration("elapsed", e.now().Sub(started)))
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	logger.Warn("task failed", zap.Error(err))
	if _, ferr := e.Store.Advance(ctx, id, store.Fail(err)); ferr != nil {
		logger.Error("record task failure", zap.Error(ferr), zap.NamedError("cause", err))
	}
}

// pipeline runs every step in order. A panic in an agent is converted into
// an error so the task still ends in failed.
func (e *Engine) pipeline(ctx context.Context, id string, forecast domain.Forecast) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()
	step := func(ctx context.Context, s domain.Step) error {
		return e.advance(ctx, id, store.StepTo(s))
	}

	if err := step(ctx, domain.StepInformationAnalysis); err != nil {
		return err
	}
	if err := e.validate(forecast); err != nil {
		return err
	}
	analysis, err := e.Info.Analyze(ctx, forecast, step)
	if err != nil {
		return fmt.Errorf("information analysis: %w", err)
	}
	if err := e.advance(ctx, id, store.StepWithAnalysis(domain.StepInfoAnalysisComplete, analysis)); err != nil {
		return err
	}

	if err := step(ctx, domain.StepRouteOptimization); err != nil {
		return err
	}
	plan, err := e.Planner.Plan(ctx, planner.Input{TaskID: id, Forecast: forecast, Analysis: analysis}, step)
	if err != nil {
		return fmt.Errorf("route planning: %w", err)
	}
	return e.advance(ctx, id, store.Complete(plan.Routes, plan.Warnings))
}

func (e *Engine) validate(forecast domain.Forecast) error {
	if err := forecast.Validate(); err != nil {
		return err
	}
	if e.Catalog != nil && !catalog.HasRegion(e.Catalog, forecast.Region) {
		return &domain.ValidationError{Field: "region", Reason: fmt.Sprintf("%q is not a known region", forecast.Region)}
	}
	return nil
}

// Analyze runs the information agent alone, without creating a task.
func (e *Engine) Analyze(ctx context.Context, forecast domain.Forecast) (domain.InfoAnalysis, error) {
	if err := e.validate(forecast); err != nil {
		return domain.InfoAnalysis{}, err
	}
	return e.Info.Analyze(ctx, forecast, nil)
}

// PlanRoutes runs the route planning agent alone. A nil analysis is
// replaced by a fresh information analysis of forecast.
func (e *Engine) PlanRoutes(ctx context.Context, forecast domain.Forecast, analysis *domain.InfoAnalysis) (planner.Plan, error) {
	if err := e.validate(forecast); err != nil {
		return planner.Plan{}, err
	}
	var in domain.InfoAnalysis
	if analysis != nil {
		in = *analysis
	} else {
		a, err := e.Info.Analyze(ctx, forecast, nil)
		if err != nil {
			return planner.Plan{}, fmt.Errorf("information analysis: %w", err)
		}
		in = a
	}
	return e.Planner.Plan(ctx, planner.Input{TaskID: "standalone", Forecast: forecast, Analysis: in}, nil)
}

func (e *Engine) advance(ctx context.Context, id string, tr store.Transition) error {
	task, err := e.Store.Advance(ctx, id, tr)
	if err != nil {
		return err
	}
	attrs := []attribute.KeyValue{attribute.String("task.status", string(task.Status))}
	if task.CurrentStep != "" {
		attrs = append(attrs, attribute.String("task.step", string(task.CurrentStep)))
	}
	trace.SpanFromContext(ctx).AddEvent(string(tr.Kind), trace.WithAttributes(attrs...))
	e.Logger.Debug("task advanced",
		zap.String("task_id", id),
		zap.String("status", string(task.Status)),
		zap.String("step", string(task.CurrentStep)),
	)
	return nil
}

func (e *Engine) Task(ctx context.Context, id string) (domain.Task, error) {
	return e.Store.Get(ctx, id)
}

func (e *Engine) Tasks(ctx context.Context, f store.Filter) ([]domain.Task, error) {
	return e.Store.List(ctx, f)
}

// Routes returns the ranked routes of a completed task.
func (e *Engine) Routes(ctx context.Context, id string) ([]domain.OptimizedRoute, error) {
	task, err := e.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != domain.StatusCompleted {
		return nil, fmt.Errorf("task %s is %s: %w", id, task.Status, domain.ErrNotReady)
	}
	return task.Routes, nil
}

func (e *Engine) Route(ctx context.Context, routeID string) (domain.RouteRecord, error) {
	return e.Store.Route(ctx, routeID)
}

func (e *Engine) ApproveRoute(ctx context.Context, routeID, actorID, comments string) (domain.RouteRecord, error) {
	return e.review(ctx, routeID, store.ReviewInput{Status: domain.ReviewApproved, ActorID: actorID, Comments: comments})
}

func (e *Engine) RejectRoute(ctx context.Context, routeID, actorID, comments string) (domain.RouteRecord, error) {
	return e.review(ctx, routeID, store.ReviewInput{Status: domain.ReviewRejected, ActorID: actorID, Comments: comments})
}

func (e *Engine) review(ctx context.Context, routeID string, in store.ReviewInput) (domain.RouteRecord, error) {
	rec, err := e.Store.ReviewRoute(ctx, routeID, in)
	if err != nil {
		return domain.RouteRecord{}, err
	}
	e.Logger.Info("route reviewed",
		zap.String("route_id", routeID),
		zap.String("task_id", rec.TaskID),
		zap.String("status", string(in.Status)),
		zap.String("actor_id", rec.Review.ActorID),
	)
	return rec, nil
}

// Waypoint is one marker of a route drawn on a map.
type Waypoint struct {
	Lat   float64             `json:"lat"`
	Lng   float64             `json:"lng"`
	Name  string              `json:"name"`
	Type  domain.LocationType `json:"type"`
	Order int                 `json:"order"`
}

type Visualization struct {
	RouteID           string               `json:"route_id"`
	Waypoints         []Waypoint           `json:"waypoints"`
	TransportMode     domain.TransportMode `json:"transport_mode"`
	TotalDistance     float64              `json:"total_distance"`
	EstimatedDuration string               `json:"estimated_duration"`
}

func (e *Engine) Visualize(ctx context.Context, routeID string) (Visualization, error) {
	rec, err := e.Store.Route(ctx, routeID)
	if err != nil {
		return Visualization{}, err
	}
	v := Visualization{
		RouteID:           rec.Route.ID,
		Waypoints:         make([]Waypoint, 0, len(rec.Route.Points)),
		TransportMode:     rec.Route.TransportMode,
		TotalDistance:     rec.Route.TotalDistance,
		EstimatedDuration: rec.Route.EstimatedDuration,
	}
	for _, p := range rec.Route.Points {
		v.Waypoints = append(v.Waypoints, Waypoint{
			Lat: p.Location.Lat, Lng: p.Location.Lng, Name: p.Location.Name, Type: p.Location.Type, Order: p.Order,
		})
	}
	return v, nil
}

// Locations lists the catalog locations of a region grouped by type.
func (e *Engine) Locations(ctx context.Context, region string) (map[domain.LocationType][]domain.Location, error) {
	if e.Catalog == nil {
		return nil, &domain.CollaboratorError{Collaborator: "location catalog", Err: errors.New("not configured")}
	}
	locs, err := e.Catalog.LocationsFor(ctx, region)
	if err != nil {
		return nil, fmt.Errorf("region %q: %w", region, err)
	}
	return locs, nil
}

func (e *Engine) Regions() []string {
	if e.Catalog == nil {
		return nil
	}
	return e.Catalog.Regions()
}

// Events returns store events after cursor in ascending id order.
func (e *Engine) Events(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	return e.Store.EventsAfter(ctx, cursor, limit)
}

func (e *Engine) LatestEventID(ctx context.Context) (int64, error) {
	return e.Store.LatestEventID(ctx)
}

// WaitForTask polls the store until the task is terminal or ctx is done.
func (e *Engine) WaitForTask(ctx context.Context, id string, interval time.Duration) (domain.Task, error) {
	if interval <= 0 {
		interval = e.pollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var last domain.Task
	for {
		task, err := e.Store.Get(ctx, id)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return last, ctxErr
			}
			return last, err
		}
		last = task
		if task.Status.Terminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Engine) janitor(retention, interval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			if _, err := e.Prune(context.Background(), retention); err != nil {
				e.Logger.Warn("prune tasks", zap.Error(err))
			}
		}
	}
}

// Prune removes terminal tasks that finished more than retention ago.
func (e *Engine) Prune(ctx context.Context, retention time.Duration) ([]string, error) {
	ids, err := e.Store.Prune(ctx, e.now().Add(-retention))
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		e.Logger.Info("pruned tasks", zap.Int("count", len(ids)))
	}
	return ids, nil
}

// Close stops accepting submissions and waits for in-flight pipelines and
// the janitor to finish.
func (e *Engine) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.stop)
	}
	e.mu.Unlock()
	e.wg.Wait()
}
