package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskReconcileDaily is the scheduled all-organizations reconciliation.
	TaskReconcileDaily = "reconcile:daily"
	// TaskReconcileRun is an on-demand reconciliation for one organization.
	TaskReconcileRun = "reconcile:run"
	// TaskIdempotencySweep purges expired idempotency records.
	TaskIdempotencySweep = "idempotency:sweep"
)

// ReconcileRunPayload targets one organization.
type ReconcileRunPayload struct {
	OrgID   int64 `json:"org_id"`
	ActorID int64 `json:"actor_id"`
}

// NewReconcileDailyTask constructs the scheduled reconciliation task.
func NewReconcileDailyTask() *asynq.Task {
	return asynq.NewTask(TaskReconcileDaily, nil)
}

// NewReconcileRunTask constructs an on-demand reconciliation task.
func NewReconcileRunTask(payload ReconcileRunPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconcileRun, data), nil
}

// NewIdempotencySweepTask constructs the idempotency sweep task.
func NewIdempotencySweepTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencySweep, nil)
}
