package alert

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/ledgerline/ledgerline/internal/reconcile"
)

// Notifier pushes critical reconciliation alerts onto a Redis list consumed
// by the external notification pipeline. Delivery is fire-and-forget from the
// reconciliation engine's point of view.
type Notifier struct {
	client   *redis.Client
	queueKey string
	printer  *message.Printer
}

// NewNotifier constructs Notifier. queueKey is the Redis list key.
func NewNotifier(client *redis.Client, queueKey string) *Notifier {
	if queueKey == "" {
		queueKey = "ledgerline:alerts"
	}
	return &Notifier{
		client:   client,
		queueKey: queueKey,
		printer:  message.NewPrinter(language.English),
	}
}

type alertPayload struct {
	Kind       string          `json:"kind"`
	OrgID      int64           `json:"org_id"`
	RunID      int64           `json:"run_id"`
	Count      int             `json:"count"`
	Summary    string          `json:"summary"`
	Variances  []alertVariance `json:"variances"`
	OccurredAt time.Time       `json:"occurred_at"`
}

type alertVariance struct {
	ID     int64   `json:"id"`
	Check  string  `json:"check"`
	Detail string  `json:"detail"`
	Amount float64 `json:"amount"`
}

// CriticalVariances publishes one alert covering every critical variance of
// a run.
func (n *Notifier) CriticalVariances(ctx context.Context, orgID, runID int64, variances []reconcile.Variance) error {
	payload := alertPayload{
		Kind:       "reconciliation.critical_variance",
		OrgID:      orgID,
		RunID:      runID,
		Count:      len(variances),
		Summary:    n.printer.Sprintf("%d critical reconciliation variance(s) detected", len(variances)),
		OccurredAt: time.Now().UTC(),
	}
	for _, v := range variances {
		payload.Variances = append(payload.Variances, alertVariance{
			ID:     v.ID,
			Check:  v.Check,
			Detail: n.printer.Sprintf("%s expected %.2f actual %.2f (off by %.2f)", v.Kind, v.Expected, v.Actual, v.Amount),
			Amount: v.Amount,
		})
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return n.client.LPush(ctx, n.queueKey, data).Err()
}
