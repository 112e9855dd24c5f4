package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerline/ledgerline/internal/reconcile"
)

// ReconcileJob runs reconciliation for organizations from the queue.
type ReconcileJob struct {
	service *reconcile.Service
	pool    *pgxpool.Pool
	logger  *slog.Logger
}

// NewReconcileJob constructs ReconcileJob.
func NewReconcileJob(service *reconcile.Service, pool *pgxpool.Pool, logger *slog.Logger) *ReconcileJob {
	return &ReconcileJob{service: service, pool: pool, logger: logger}
}

// HandleDaily runs the scheduled reconciliation for every organization with
// a fiscal profile. Per-organization failures are logged and do not abort
// the sweep.
func (j *ReconcileJob) HandleDaily(ctx context.Context, _ *asynq.Task) error {
	orgIDs, err := j.listOrganizations(ctx)
	if err != nil {
		return err
	}
	for _, orgID := range orgIDs {
		summary, err := j.service.RunScheduled(ctx, orgID)
		if err != nil {
			j.logger.Error("scheduled reconciliation failed", slog.Int64("org_id", orgID), slog.Any("error", err))
			continue
		}
		j.logger.Info("scheduled reconciliation completed",
			slog.Int64("org_id", orgID),
			slog.Int64("run_id", summary.RunID),
			slog.String("status", string(summary.Status)),
			slog.Float64("total_variance", summary.TotalVariance))
	}
	return nil
}

// HandleRun processes an on-demand reconciliation request.
func (j *ReconcileJob) HandleRun(ctx context.Context, t *asynq.Task) error {
	var payload ReconcileRunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	summary, _, err := j.service.Run(ctx, payload.OrgID, reconcile.RunTypeOnDemand, payload.ActorID)
	if err != nil {
		return err
	}
	j.logger.Info("on-demand reconciliation completed",
		slog.Int64("org_id", payload.OrgID),
		slog.Int64("run_id", summary.RunID),
		slog.String("status", string(summary.Status)))
	return nil
}

func (j *ReconcileJob) listOrganizations(ctx context.Context) ([]int64, error) {
	rows, err := j.pool.Query(ctx, `SELECT org_id FROM organization_profiles ORDER BY org_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
