package jobs

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"
)

// ExpiredSweeper deletes idempotency records past their TTL.
type ExpiredSweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// IdempotencySweepJob keeps the idempotency table from growing unbounded.
type IdempotencySweepJob struct {
	sweeper ExpiredSweeper
	logger  *slog.Logger
}

// NewIdempotencySweepJob constructs IdempotencySweepJob.
func NewIdempotencySweepJob(sweeper ExpiredSweeper, logger *slog.Logger) *IdempotencySweepJob {
	return &IdempotencySweepJob{sweeper: sweeper, logger: logger}
}

// Handle removes expired records and logs the count.
func (j *IdempotencySweepJob) Handle(ctx context.Context, _ *asynq.Task) error {
	removed, err := j.sweeper.SweepExpired(ctx)
	if err != nil {
		return err
	}
	if removed > 0 {
		j.logger.Info("idempotency sweep", slog.Int64("removed", removed))
	}
	return nil
}
