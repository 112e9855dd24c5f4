package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ledgerline/ledgerline/internal/fiscal"
)

// RepositoryPort persists runs and variances and answers the aggregate
// queries the checks need.
type RepositoryPort interface {
	InsertRun(ctx context.Context, run Run) (Run, error)
	CompleteRun(ctx context.Context, runID int64, status RunStatus, totalVariance float64, varianceCount int) error
	InsertVariance(ctx context.Context, v Variance) (Variance, error)
	GetVariance(ctx context.Context, orgID, varianceID int64) (Variance, error)
	MarkVarianceResolved(ctx context.Context, varianceID, actorID int64, notes string) error

	SumPostedEntries(ctx context.Context, orgID int64, asOf time.Time) (debits, credits float64, err error)
	ListUnbalancedJournals(ctx context.Context, orgID int64, asOf time.Time, tolerance float64) ([]JournalImbalance, error)
	SumActiveLayerValue(ctx context.Context, orgID int64) (float64, error)
	ActiveLayerValueByWarehouse(ctx context.Context, orgID int64) ([]WarehouseValue, error)
	AccountBalance(ctx context.Context, orgID, accountID int64, asOf time.Time) (float64, error)
	SumOutstandingReceivables(ctx context.Context, orgID int64, asOf time.Time) (float64, error)
}

// JournalImbalance is one journal whose own entries do not net to zero.
type JournalImbalance struct {
	JournalID int64
	Debits    float64
	Credits   float64
}

// WarehouseValue is the active-layer value of one warehouse.
type WarehouseValue struct {
	WarehouseID int64
	Value       float64
}

// Alerter is the fire-and-forget notification hook for critical variances.
type Alerter interface {
	CriticalVariances(ctx context.Context, orgID, runID int64, variances []Variance) error
}

// MetricsPort records run outcomes and discovered variances.
type MetricsPort interface {
	ObserveReconciliationRun(status string)
	ObserveVariance(check, severity string)
}

// Thresholds control severity bucketing and check tolerances.
type Thresholds struct {
	// TrialBalanceTolerance is the cent tolerance for debit/credit equality.
	TrialBalanceTolerance float64
	// ValueTolerance is the dollar tolerance for inventory and AR checks.
	ValueTolerance float64
	// CriticalAmount upgrades a variance to CRITICAL at or above this value.
	CriticalAmount float64
}

// DefaultThresholds mirror production configuration defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TrialBalanceTolerance: 0.01,
		ValueTolerance:        1.00,
		CriticalAmount:        10_000,
	}
}

// Service executes reconciliation runs against the ledger store.
type Service struct {
	repo       RepositoryPort
	accounts   fiscal.AccountResolver
	alerter    Alerter
	metrics    MetricsPort
	thresholds Thresholds
	logger     Logger
	now        func() time.Time
}

// Logger is the minimal structured logging surface the service uses.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NewService constructs the reconciliation service.
func NewService(repo RepositoryPort, accounts fiscal.AccountResolver, alerter Alerter, metrics MetricsPort, thresholds Thresholds, logger Logger) *Service {
	if thresholds.TrialBalanceTolerance <= 0 {
		thresholds.TrialBalanceTolerance = 0.01
	}
	if thresholds.ValueTolerance <= 0 {
		thresholds.ValueTolerance = 1.00
	}
	if thresholds.CriticalAmount <= 0 {
		thresholds.CriticalAmount = 10_000
	}
	return &Service{
		repo:       repo,
		accounts:   accounts,
		alerter:    alerter,
		metrics:    metrics,
		thresholds: thresholds,
		logger:     logger,
		now:        time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// severityFor buckets a variance magnitude.
func (s *Service) severityFor(amount float64) Severity {
	switch {
	case amount >= s.thresholds.CriticalAmount:
		return SeverityCritical
	case amount >= 1_000:
		return SeverityHigh
	case amount >= 100:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// checkOutcome is what one check hands back before persistence.
type checkOutcome struct {
	result    CheckResult
	variances []Variance
}

// Run executes the three checks concurrently against a point-in-time view,
// persists every discovered variance, and aggregates the outcome. A check
// error never aborts the other checks but forces the run to FAILED.
func (s *Service) Run(ctx context.Context, orgID int64, runType RunType, actorID int64) (Summary, []Variance, error) {
	asOf := s.now()
	run, err := s.repo.InsertRun(ctx, Run{
		OrgID:     orgID,
		RunType:   runType,
		Status:    RunStatusRunning,
		StartedBy: actorID,
		StartedAt: asOf,
	})
	if err != nil {
		return Summary{}, nil, err
	}

	checks := []func(context.Context, int64, time.Time) checkOutcome{
		s.checkTrialBalance,
		s.checkInventory,
		s.checkReceivables,
	}
	outcomes := make([]checkOutcome, len(checks))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i, check := range checks {
		g.Go(func() error {
			out := check(gctx, orgID, asOf)
			mu.Lock()
			outcomes[i] = out
			mu.Unlock()
			return nil
		})
	}
	// Checks trap their own failures into an ERROR result, so the group
	// itself never errors.
	_ = g.Wait()

	summary := Summary{
		RunID:           run.ID,
		Status:          RunStatusClean,
		CountBySeverity: make(map[Severity]int),
	}
	var persisted []Variance
	for _, out := range outcomes {
		summary.Checks = append(summary.Checks, out.result)
		switch out.result.Status {
		case CheckStatusError:
			summary.Status = RunStatusFailed
		case CheckStatusVariance:
			if summary.Status != RunStatusFailed {
				summary.Status = RunStatusVariance
			}
		}
		for _, v := range out.variances {
			v.RunID = run.ID
			v.OrgID = orgID
			v.DetectedAt = asOf
			saved, err := s.repo.InsertVariance(ctx, v)
			if err != nil {
				s.failRun(ctx, run.ID)
				return Summary{}, nil, err
			}
			persisted = append(persisted, saved)
			summary.TotalVariance += saved.Amount
			summary.CountBySeverity[saved.Severity]++
			if saved.Severity == SeverityCritical {
				summary.HasCritical = true
			}
			if s.metrics != nil {
				s.metrics.ObserveVariance(saved.Check, string(saved.Severity))
			}
		}
	}

	if err := s.repo.CompleteRun(ctx, run.ID, summary.Status, summary.TotalVariance, len(persisted)); err != nil {
		s.failRun(ctx, run.ID)
		return Summary{}, nil, err
	}
	if s.metrics != nil {
		s.metrics.ObserveReconciliationRun(string(summary.Status))
	}
	return summary, persisted, nil
}

// RunScheduled runs a scheduled reconciliation and fires the alert hook when
// any critical variance surfaced. Alert delivery failure is logged, never
// propagated.
func (s *Service) RunScheduled(ctx context.Context, orgID int64) (Summary, error) {
	summary, variances, err := s.Run(ctx, orgID, RunTypeScheduled, 0)
	if err != nil {
		return Summary{}, err
	}
	if summary.HasCritical && s.alerter != nil {
		critical := make([]Variance, 0, len(variances))
		for _, v := range variances {
			if v.Severity == SeverityCritical {
				critical = append(critical, v)
			}
		}
		if err := s.alerter.CriticalVariances(ctx, orgID, summary.RunID, critical); err != nil && s.logger != nil {
			s.logger.Error("reconcile: critical variance alert failed", "org_id", orgID, "run_id", summary.RunID, "error", err)
		}
	}
	return summary, nil
}

// ResolveVariance records a triage resolution on a persisted variance.
func (s *Service) ResolveVariance(ctx context.Context, orgID, varianceID, actorID int64, notes string) (Variance, error) {
	v, err := s.repo.GetVariance(ctx, orgID, varianceID)
	if err != nil {
		return Variance{}, err
	}
	if v.Resolved {
		return Variance{}, ErrVarianceResolved
	}
	if err := s.repo.MarkVarianceResolved(ctx, varianceID, actorID, notes); err != nil {
		return Variance{}, err
	}
	return s.repo.GetVariance(ctx, orgID, varianceID)
}

// failRun best-effort flips a run out of RUNNING when persistence breaks
// mid-flight, so a broken run never looks in-progress forever.
func (s *Service) failRun(ctx context.Context, runID int64) {
	if err := s.repo.CompleteRun(ctx, runID, RunStatusFailed, 0, 0); err != nil && s.logger != nil {
		s.logger.Warn("reconcile: mark run failed", "run_id", runID, "error", err)
	}
}

// errorResult wraps a check execution failure into an ERROR outcome.
func errorResult(check string, err error) checkOutcome {
	return checkOutcome{result: CheckResult{
		Check:  check,
		Status: CheckStatusError,
		Error:  fmt.Sprintf("%v: %v", ErrCheckFailed, err),
	}}
}
