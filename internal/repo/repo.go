package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"freightline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = domain.ErrNotFound

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type TaskFilters struct {
	Status string
	Limit  int
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableJSON(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	forecast, err := json.Marshal(t.Forecast)
	if err != nil {
		return fmt.Errorf("marshal forecast: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(id,status,current_step,forecast_json,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		t.ID, t.Status, nullable(string(t.CurrentStep)), string(forecast), formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	return err
}

// UpdateTaskTx writes the mutable task columns. Routes are written separately.
func (r Repo) UpdateTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	analysis, err := nullableJSON(t.InfoAnalysis, t.InfoAnalysis == nil)
	if err != nil {
		return fmt.Errorf("marshal info analysis: %w", err)
	}
	warnings, err := nullableJSON(t.Warnings, t.Warnings == nil)
	if err != nil {
		return fmt.Errorf("marshal warnings: %w", err)
	}
	var completed any
	if t.CompletedAt != nil {
		completed = formatTime(*t.CompletedAt)
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?,current_step=?,info_analysis_json=?,warnings_json=?,error=?,updated_at=?,completed_at=? WHERE id=?`,
		t.Status, nullable(string(t.CurrentStep)), analysis, warnings, nullable(t.Error), formatTime(t.UpdatedAt), completed, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertRoutesTx(ctx context.Context, tx *sql.Tx, taskID string, routes []domain.OptimizedRoute) error {
	for _, route := range routes {
		data, err := json.Marshal(route)
		if err != nil {
			return fmt.Errorf("marshal route %s: %w", route.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO routes(id,task_id,rank,route_json) VALUES (?,?,?,?)`,
			route.ID, taskID, route.OptimizationRank, string(data)); err != nil {
			return fmt.Errorf("insert route %s: %w", route.ID, err)
		}
	}
	return nil
}

const taskColumns = `id,status,COALESCE(current_step,''),forecast_json,info_analysis_json,warnings_json,COALESCE(error,''),created_at,updated_at,completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t                  domain.Task
		step, forecast     string
		analysis, warnings sql.NullString
		created, updated   string
		completed          sql.NullString
	)
	err := row.Scan(&t.ID, &t.Status, &step, &forecast, &analysis, &warnings, &t.Error, &created, &updated, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.CurrentStep = domain.Step(step)
	if err := json.Unmarshal([]byte(forecast), &t.Forecast); err != nil {
		return t, fmt.Errorf("decode forecast for task %s: %w", t.ID, err)
	}
	if analysis.Valid {
		var ia domain.InfoAnalysis
		if err := json.Unmarshal([]byte(analysis.String), &ia); err != nil {
			return t, fmt.Errorf("decode info analysis for task %s: %w", t.ID, err)
		}
		t.InfoAnalysis = &ia
	}
	if warnings.Valid {
		if err := json.Unmarshal([]byte(warnings.String), &t.Warnings); err != nil {
			return t, fmt.Errorf("decode warnings for task %s: %w", t.ID, err)
		}
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return t, err
	}
	if t.UpdatedAt, err = parseTime(updated); err != nil {
		return t, err
	}
	if completed.Valid {
		ts, err := parseTime(completed.String)
		if err != nil {
			return t, err
		}
		t.CompletedAt = &ts
	}
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return getTask(ctx, r.DB, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return getTask(ctx, tx, id)
}

func getTask(ctx context.Context, q querier, id string) (domain.Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	if t.Status == domain.StatusCompleted {
		routes, err := listRoutes(ctx, q, id)
		if err != nil {
			return t, err
		}
		t.Routes = routes
	}
	return t, nil
}

func listRoutes(ctx context.Context, q querier, taskID string) ([]domain.OptimizedRoute, error) {
	rows, err := q.QueryContext(ctx, `SELECT route_json FROM routes WHERE task_id=? ORDER BY rank ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.OptimizedRoute{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var route domain.OptimizedRoute
		if err := json.Unmarshal([]byte(data), &route); err != nil {
			return nil, fmt.Errorf("decode route: %w", err)
		}
		res = append(res, route)
	}
	return res, rows.Err()
}

// ListTasks returns tasks newest first. Routes are not loaded.
func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) GetRoute(ctx context.Context, id string) (domain.RouteRecord, error) {
	return getRoute(ctx, r.DB, id)
}

func (r Repo) GetRouteTx(ctx context.Context, tx *sql.Tx, id string) (domain.RouteRecord, error) {
	return getRoute(ctx, tx, id)
}

func getRoute(ctx context.Context, q querier, id string) (domain.RouteRecord, error) {
	var (
		rec  domain.RouteRecord
		data string
	)
	err := q.QueryRowContext(ctx, `SELECT task_id,route_json FROM routes WHERE id=?`, id).Scan(&rec.TaskID, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal([]byte(data), &rec.Route); err != nil {
		return rec, fmt.Errorf("decode route %s: %w", id, err)
	}
	review, err := getReview(ctx, q, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return rec, err
	}
	if err == nil {
		rec.Review = &review
	}
	return rec, nil
}

func getReview(ctx context.Context, q querier, routeID string) (domain.RouteReview, error) {
	var (
		rv       domain.RouteReview
		comments sql.NullString
		ts       string
	)
	err := q.QueryRowContext(ctx, `SELECT route_id,task_id,status,actor_id,comments,reviewed_at FROM route_reviews WHERE route_id=?`, routeID).
		Scan(&rv.RouteID, &rv.TaskID, &rv.Status, &rv.ActorID, &comments, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return rv, ErrNotFound
	}
	if err != nil {
		return rv, err
	}
	rv.Comments = comments.String
	if rv.ReviewedAt, err = parseTime(ts); err != nil {
		return rv, err
	}
	return rv, nil
}

func (r Repo) UpsertReviewTx(ctx context.Context, tx *sql.Tx, rv domain.RouteReview) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO route_reviews(route_id,task_id,status,actor_id,comments,reviewed_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(route_id) DO UPDATE SET status=excluded.status, actor_id=excluded.actor_id, comments=excluded.comments, reviewed_at=excluded.reviewed_at`,
		rv.RouteID, rv.TaskID, rv.Status, rv.ActorID, nullable(rv.Comments), formatTime(rv.ReviewedAt))
	return err
}

// DeleteTerminalBeforeTx removes completed and failed tasks last updated
// before the cutoff and returns their ids.
func (r Repo) DeleteTerminalBeforeTx(ctx context.Context, tx *sql.Tx, before time.Time) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks WHERE status IN (?,?) AND updated_at < ? ORDER BY id`,
		domain.StatusCompleted, domain.StatusFailed, formatTime(before))
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id); err != nil {
			return nil, fmt.Errorf("delete task %s: %w", id, err)
		}
	}
	return ids, nil
}

// EventsAfter returns events with ids greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(task_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var (
			e       domain.Event
			ts      string
			payload string
		)
		if err := rows.Scan(&e.ID, &ts, &e.Type, &e.TaskID, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if e.TS, err = parseTime(ts); err != nil {
			return nil, err
		}
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
				return nil, fmt.Errorf("decode event %d payload: %w", e.ID, err)
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event id, or 0.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
