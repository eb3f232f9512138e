package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"freightline/internal/db"
	"freightline/internal/domain"
	"freightline/internal/events"
	"freightline/internal/migrate"
	"freightline/internal/repo"
)

// SQLStore persists tasks in SQLite. Each transition is one transaction that
// also appends its event.
type SQLStore struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	opts   Options
}

func NewSQL(conn *sql.DB, opts Options) *SQLStore {
	return &SQLStore{
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Events: events.Writer{Now: opts.Now},
		opts:   opts,
	}
}

// OpenSQL opens and migrates the workspace database.
func OpenSQL(ctx context.Context, workspace string, opts Options) (*SQLStore, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return NewSQL(conn, opts), nil
}

func (s *SQLStore) Close() error {
	return s.DB.Close()
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) Create(ctx context.Context, forecast domain.Forecast) (domain.Task, error) {
	now := s.opts.now()
	t := domain.Task{
		ID:        s.opts.newID(),
		Status:    domain.StatusQueued,
		Forecast:  forecast.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.Repo.InsertTaskTx(ctx, tx, t); err != nil {
			return err
		}
		_, err := s.Events.Append(ctx, tx, events.TaskCreated, t.ID, "task", t.ID, "", events.Payload{
			"region":  forecast.Region,
			"entries": len(forecast.DeviceForecasts),
		})
		return err
	})
	if err != nil {
		return domain.Task{}, err
	}
	return s.Repo.GetTask(ctx, t.ID)
}

func (s *SQLStore) Get(ctx context.Context, id string) (domain.Task, error) {
	return s.Repo.GetTask(ctx, id)
}

func (s *SQLStore) Advance(ctx context.Context, id string, tr Transition) (domain.Task, error) {
	now := s.opts.now()
	var next domain.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.Repo.GetTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		next, err = Apply(cur, tr, now)
		if err != nil {
			return err
		}
		if err := s.Repo.UpdateTaskTx(ctx, tx, next); err != nil {
			return err
		}
		if next.Status == domain.StatusCompleted {
			if err := s.Repo.InsertRoutesTx(ctx, tx, id, next.Routes); err != nil {
				return err
			}
		}
		evtType, payload := transitionEvent(next)
		_, err = s.Events.Append(ctx, tx, evtType, id, "task", id, "", payload)
		return err
	})
	if err != nil {
		return domain.Task{}, err
	}
	return s.Repo.GetTask(ctx, id)
}

func (s *SQLStore) List(ctx context.Context, f Filter) ([]domain.Task, error) {
	return s.Repo.ListTasks(ctx, repo.TaskFilters{Status: string(f.Status), Limit: f.Limit})
}

func (s *SQLStore) Route(ctx context.Context, id string) (domain.RouteRecord, error) {
	return s.Repo.GetRoute(ctx, id)
}

func (s *SQLStore) ReviewRoute(ctx context.Context, routeID string, in ReviewInput) (domain.RouteRecord, error) {
	now := s.opts.now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := s.Repo.GetRouteTx(ctx, tx, routeID)
		if err != nil {
			return err
		}
		review, changed, err := ApplyReview(rec, in, now)
		if err != nil || !changed {
			return err
		}
		if err := s.Repo.UpsertReviewTx(ctx, tx, review); err != nil {
			return err
		}
		_, err = s.Events.Append(ctx, tx, reviewEvent(review.Status), rec.TaskID, "route", routeID, review.ActorID, events.Payload{
			"comments": review.Comments,
		})
		return err
	})
	if err != nil {
		return domain.RouteRecord{}, err
	}
	return s.Repo.GetRoute(ctx, routeID)
}

func (s *SQLStore) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	return s.Repo.EventsAfter(ctx, cursor, limit)
}

func (s *SQLStore) LatestEventID(ctx context.Context) (int64, error) {
	return s.Repo.LatestEventID(ctx)
}

func (s *SQLStore) Prune(ctx context.Context, before time.Time) ([]string, error) {
	var ids []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		ids, err = s.Repo.DeleteTerminalBeforeTx(ctx, tx, before)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := s.Events.Append(ctx, tx, events.TaskPruned, id, "task", id, "", nil); err != nil {
				return err
			}
		}
		return nil
	})
	return ids, err
}
