package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"freightline/internal/domain"
	"freightline/internal/events"
)

// MemoryStore keeps tasks in process memory. Every read and write copies the
// record so callers never share memory with the store. Pruning a task also
// drops its events; only the task.pruned marker remains.
type MemoryStore struct {
	opts Options

	mu      sync.RWMutex
	tasks   map[string]domain.Task
	order   []string
	routes  map[string]string
	reviews map[string]domain.RouteReview
	events  []domain.Event
	nextEvt int64
}

func NewMemory(opts Options) *MemoryStore {
	return &MemoryStore{
		opts:    opts,
		tasks:   map[string]domain.Task{},
		routes:  map[string]string{},
		reviews: map[string]domain.RouteReview{},
	}
}

func (s *MemoryStore) appendEvent(ts time.Time, evtType, taskID, kind, entityID, actor string, payload events.Payload) {
	if actor == "" {
		actor = events.SystemActor
	}
	s.nextEvt++
	s.events = append(s.events, domain.Event{
		ID:         s.nextEvt,
		TS:         ts,
		Type:       evtType,
		TaskID:     taskID,
		EntityKind: kind,
		EntityID:   entityID,
		ActorID:    actor,
		Payload:    payload,
	})
	if over := len(s.events) - s.opts.maxEvents(); over > 0 {
		s.events = append(s.events[:0:0], s.events[over:]...)
	}
}

func (s *MemoryStore) Create(ctx context.Context, forecast domain.Forecast) (domain.Task, error) {
	now := s.opts.now()
	t := domain.Task{
		ID:        s.opts.newID(),
		Status:    domain.StatusQueued,
		Forecast:  forecast.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
	s.order = append(s.order, t.ID)
	s.appendEvent(now, events.TaskCreated, t.ID, "task", t.ID, "", events.Payload{
		"region":  forecast.Region,
		"entries": len(forecast.DeviceForecasts),
	})
	return t.Clone(), nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) Advance(ctx context.Context, id string, tr Transition) (domain.Task, error) {
	now := s.opts.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	next, err := Apply(t, tr, now)
	if err != nil {
		return t.Clone(), err
	}
	if next.Status == domain.StatusCompleted {
		for _, r := range next.Routes {
			s.routes[r.ID] = id
		}
	}
	s.tasks[id] = next
	evtType, payload := transitionEvent(next)
	s.appendEvent(now, evtType, id, "task", id, "", payload)
	return next.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []domain.Task
	for i := len(s.order) - 1; i >= 0; i-- {
		t := s.tasks[s.order[i]]
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		c := t.Clone()
		c.Routes = nil
		res = append(res, c)
		if f.Limit > 0 && len(res) == f.Limit {
			break
		}
	}
	return res, nil
}

func (s *MemoryStore) Route(ctx context.Context, id string) (domain.RouteRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.routeLocked(id)
}

func (s *MemoryStore) routeLocked(id string) (domain.RouteRecord, error) {
	taskID, ok := s.routes[id]
	if !ok {
		return domain.RouteRecord{}, domain.ErrNotFound
	}
	for _, r := range s.tasks[taskID].Routes {
		if r.ID != id {
			continue
		}
		rec := domain.RouteRecord{TaskID: taskID, Route: r.Clone()}
		if rv, ok := s.reviews[id]; ok {
			rec.Review = &rv
		}
		return rec, nil
	}
	return domain.RouteRecord{}, domain.ErrNotFound
}

func (s *MemoryStore) ReviewRoute(ctx context.Context, routeID string, in ReviewInput) (domain.RouteRecord, error) {
	now := s.opts.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.routeLocked(routeID)
	if err != nil {
		return rec, err
	}
	review, changed, err := ApplyReview(rec, in, now)
	if err != nil {
		return rec, err
	}
	if changed {
		s.reviews[routeID] = review
		s.appendEvent(now, reviewEvent(review.Status), rec.TaskID, "route", routeID, review.ActorID, events.Payload{
			"comments": review.Comments,
		})
	}
	rec.Review = &review
	return rec, nil
}

func (s *MemoryStore) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := sort.Search(len(s.events), func(i int) bool { return s.events[i].ID > cursor })
	end := start + limit
	if end > len(s.events) {
		end = len(s.events)
	}
	return append([]domain.Event(nil), s.events[start:end]...), nil
}

func (s *MemoryStore) LatestEventID(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.events) == 0 {
		return 0, nil
	}
	return s.events[len(s.events)-1].ID, nil
}

func (s *MemoryStore) Prune(ctx context.Context, before time.Time) ([]string, error) {
	now := s.opts.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var pruned []string
	kept := s.order[:0]
	for _, id := range s.order {
		t := s.tasks[id]
		if !t.Status.Terminal() || !t.UpdatedAt.Before(before) {
			kept = append(kept, id)
			continue
		}
		for _, r := range t.Routes {
			delete(s.routes, r.ID)
			delete(s.reviews, r.ID)
		}
		delete(s.tasks, id)
		pruned = append(pruned, id)
	}
	s.order = kept
	if len(pruned) == 0 {
		return nil, nil
	}
	gone := make(map[string]bool, len(pruned))
	for _, id := range pruned {
		gone[id] = true
	}
	evts := s.events[:0]
	for _, e := range s.events {
		if !gone[e.TaskID] {
			evts = append(evts, e)
		}
	}
	clear(s.events[len(evts):])
	s.events = evts
	for _, id := range pruned {
		s.appendEvent(now, events.TaskPruned, id, "task", id, "", nil)
	}
	return pruned, nil
}
