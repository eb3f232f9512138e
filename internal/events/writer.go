package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	TaskCreated   = "task.created"
	TaskStep      = "task.step"
	TaskCompleted = "task.completed"
	TaskFailed    = "task.failed"
	TaskPruned    = "task.pruned"
	RouteApproved = "route.approved"
	RouteRejected = "route.rejected"
)

// SystemActor is recorded for mutations made by the pipeline itself.
const SystemActor = "system"

type Payload map[string]any

// Writer appends events inside the caller's transaction.
type Writer struct {
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, taskID, entityKind, entityID, actorID string, payload Payload) (int64, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	if actorID == "" {
		actorID = SystemActor
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,task_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), evtType, nullable(taskID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
