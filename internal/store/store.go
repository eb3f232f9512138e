package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"freightline/internal/domain"
	"freightline/internal/events"
)

// Store holds task lifecycle state. Advance is the only mutation path for a
// task once created and enforces the pipeline state machine.
type Store interface {
	Create(ctx context.Context, forecast domain.Forecast) (domain.Task, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	Advance(ctx context.Context, id string, tr Transition) (domain.Task, error)
	List(ctx context.Context, f Filter) ([]domain.Task, error)
	Route(ctx context.Context, id string) (domain.RouteRecord, error)
	ReviewRoute(ctx context.Context, routeID string, in ReviewInput) (domain.RouteRecord, error)
	EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
	Prune(ctx context.Context, before time.Time) ([]string, error)
}

type Filter struct {
	Status domain.Status
	Limit  int
}

type ReviewInput struct {
	Status   domain.ReviewStatus
	ActorID  string
	Comments string
}

// Options are shared by the store backends.
type Options struct {
	Now   func() time.Time
	NewID func() string
	// MaxEvents caps the in-memory event log; the oldest events are dropped
	// first. 0 means DefaultMaxEvents. The SQL store ignores it.
	MaxEvents int
}

const DefaultMaxEvents = 10000

func (o Options) maxEvents() int {
	if o.MaxEvents > 0 {
		return o.MaxEvents
	}
	return DefaultMaxEvents
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

func (o Options) newID() string {
	if o.NewID != nil {
		return o.NewID()
	}
	return uuid.NewString()
}

type TransitionKind string

const (
	KindStep     TransitionKind = "step"
	KindComplete TransitionKind = "complete"
	KindFail     TransitionKind = "fail"
)

type Transition struct {
	Kind     TransitionKind
	Step     domain.Step
	Analysis *domain.InfoAnalysis
	Routes   []domain.OptimizedRoute
	Warnings []string
	Error    string
}

func StepTo(step domain.Step) Transition {
	return Transition{Kind: KindStep, Step: step}
}

// StepWithAnalysis advances to step and attaches the information analysis in
// the same write.
func StepWithAnalysis(step domain.Step, analysis domain.InfoAnalysis) Transition {
	a := analysis.Clone()
	return Transition{Kind: KindStep, Step: step, Analysis: &a}
}

func Complete(routes []domain.OptimizedRoute, warnings []string) Transition {
	return Transition{Kind: KindComplete, Routes: routes, Warnings: warnings}
}

func Fail(err error) Transition {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Transition{Kind: KindFail, Error: msg}
}

func (tr Transition) target() string {
	switch tr.Kind {
	case KindStep:
		return string(tr.Step)
	case KindComplete:
		return string(domain.StatusCompleted)
	case KindFail:
		return string(domain.StatusFailed)
	}
	return string(tr.Kind)
}

func state(t domain.Task) string {
	if t.Status == domain.StatusProcessing {
		return string(t.CurrentStep)
	}
	return string(t.Status)
}

// Apply computes the task that results from tr, or a TransitionError.
func Apply(t domain.Task, tr Transition, now time.Time) (domain.Task, error) {
	invalid := &domain.TransitionError{TaskID: t.ID, From: state(t), To: tr.target()}
	out := t.Clone()
	switch tr.Kind {
	case KindStep:
		if t.Status != domain.StatusQueued && t.Status != domain.StatusProcessing {
			return t, invalid
		}
		next, ok := t.CurrentStep.Next()
		if !ok || next != tr.Step {
			return t, invalid
		}
		if tr.Analysis != nil {
			if t.InfoAnalysis != nil {
				return t, invalid
			}
			a := tr.Analysis.Clone()
			out.InfoAnalysis = &a
		}
		out.Status = domain.StatusProcessing
		out.CurrentStep = tr.Step
	case KindComplete:
		if t.Status != domain.StatusProcessing || !t.CurrentStep.Last() {
			return t, invalid
		}
		if len(tr.Routes) == 0 {
			return t, &domain.ValidationError{Field: "routes", Reason: "are required to complete a task"}
		}
		out.Status = domain.StatusCompleted
		out.Routes = make([]domain.OptimizedRoute, len(tr.Routes))
		for i, r := range tr.Routes {
			out.Routes[i] = r.Clone()
		}
		if len(tr.Warnings) > 0 {
			out.Warnings = append([]string{}, tr.Warnings...)
		}
		ts := now
		out.CompletedAt = &ts
	case KindFail:
		if t.Status != domain.StatusProcessing {
			return t, invalid
		}
		out.Status = domain.StatusFailed
		out.Error = tr.Error
		if out.Error == "" {
			out.Error = "unknown error"
		}
	default:
		return t, invalid
	}
	out.UpdatedAt = now
	return out, nil
}

// ApplyReview validates a review against the existing one. It returns
// changed=false when the same decision is repeated.
func ApplyReview(rec domain.RouteRecord, in ReviewInput, now time.Time) (domain.RouteReview, bool, error) {
	if in.Status != domain.ReviewApproved && in.Status != domain.ReviewRejected {
		return domain.RouteReview{}, false, &domain.ValidationError{Field: "status", Reason: "must be approved or rejected"}
	}
	if rec.Review != nil {
		if rec.Review.Status == in.Status {
			return *rec.Review, false, nil
		}
		return domain.RouteReview{}, false, &domain.TransitionError{TaskID: rec.TaskID, From: "route " + string(rec.Review.Status), To: string(in.Status)}
	}
	actor := in.ActorID
	if actor == "" {
		actor = "anonymous"
	}
	return domain.RouteReview{
		RouteID:    rec.Route.ID,
		TaskID:     rec.TaskID,
		Status:     in.Status,
		ActorID:    actor,
		Comments:   in.Comments,
		ReviewedAt: now,
	}, true, nil
}

func reviewEvent(s domain.ReviewStatus) string {
	if s == domain.ReviewRejected {
		return events.RouteRejected
	}
	return events.RouteApproved
}

// IsNotFound reports whether err is a not-found error from any backend.
func IsNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}

// transitionEvent describes the event recorded for the task after a transition.
func transitionEvent(t domain.Task) (string, events.Payload) {
	switch t.Status {
	case domain.StatusCompleted:
		return events.TaskCompleted, events.Payload{"routes": len(t.Routes), "warnings": len(t.Warnings)}
	case domain.StatusFailed:
		return events.TaskFailed, events.Payload{"step": string(t.CurrentStep), "error": t.Error}
	}
	return events.TaskStep, events.Payload{"step": string(t.CurrentStep)}
}
