package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerline/ledgerline/internal/fiscal"
)

type memoryRepo struct {
	runs      map[int64]*Run
	variances map[int64]*Variance
	nextID    int64

	debits, credits float64
	unbalanced      []JournalImbalance
	layerValue      float64
	warehouseValues []WarehouseValue
	balances        map[int64]float64
	outstanding     float64

	entriesErr        error
	layerValueErr     error
	outstandingErr    error
	insertVarianceErr error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		runs:      make(map[int64]*Run),
		variances: make(map[int64]*Variance),
		balances:  make(map[int64]float64),
	}
}

func (r *memoryRepo) id() int64 {
	r.nextID++
	return r.nextID
}

func (r *memoryRepo) InsertRun(ctx context.Context, run Run) (Run, error) {
	run.ID = r.id()
	r.runs[run.ID] = &run
	return run, nil
}

func (r *memoryRepo) CompleteRun(ctx context.Context, runID int64, status RunStatus, totalVariance float64, varianceCount int) error {
	run, ok := r.runs[runID]
	if !ok {
		return errors.New("run not found")
	}
	run.Status = status
	run.TotalVariance = totalVariance
	run.VarianceCount = varianceCount
	return nil
}

func (r *memoryRepo) InsertVariance(ctx context.Context, v Variance) (Variance, error) {
	if r.insertVarianceErr != nil {
		return Variance{}, r.insertVarianceErr
	}
	v.ID = r.id()
	r.variances[v.ID] = &v
	return v, nil
}

func (r *memoryRepo) GetVariance(ctx context.Context, orgID, varianceID int64) (Variance, error) {
	v, ok := r.variances[varianceID]
	if !ok || v.OrgID != orgID {
		return Variance{}, ErrVarianceNotFound
	}
	return *v, nil
}

func (r *memoryRepo) MarkVarianceResolved(ctx context.Context, varianceID, actorID int64, notes string) error {
	v, ok := r.variances[varianceID]
	if !ok {
		return ErrVarianceNotFound
	}
	v.Resolved = true
	v.ResolvedBy = &actorID
	v.Notes = notes
	return nil
}

func (r *memoryRepo) SumPostedEntries(ctx context.Context, orgID int64, asOf time.Time) (float64, float64, error) {
	if r.entriesErr != nil {
		return 0, 0, r.entriesErr
	}
	return r.debits, r.credits, nil
}

func (r *memoryRepo) ListUnbalancedJournals(ctx context.Context, orgID int64, asOf time.Time, tolerance float64) ([]JournalImbalance, error) {
	return r.unbalanced, nil
}

func (r *memoryRepo) SumActiveLayerValue(ctx context.Context, orgID int64) (float64, error) {
	if r.layerValueErr != nil {
		return 0, r.layerValueErr
	}
	return r.layerValue, nil
}

func (r *memoryRepo) ActiveLayerValueByWarehouse(ctx context.Context, orgID int64) ([]WarehouseValue, error) {
	return r.warehouseValues, nil
}

func (r *memoryRepo) AccountBalance(ctx context.Context, orgID, accountID int64, asOf time.Time) (float64, error) {
	return r.balances[accountID], nil
}

func (r *memoryRepo) SumOutstandingReceivables(ctx context.Context, orgID int64, asOf time.Time) (float64, error) {
	if r.outstandingErr != nil {
		return 0, r.outstandingErr
	}
	return r.outstanding, nil
}

type fixedAccounts struct{}

func (fixedAccounts) Resolve(ctx context.Context, orgID int64, role string) (int64, error) {
	switch role {
	case fiscal.RoleInventoryAsset:
		return 1400, nil
	case fiscal.RoleARControl:
		return 1200, nil
	}
	return 0, errors.New("unknown role " + role)
}

type captureAlerter struct {
	calls     int
	variances []Variance
}

func (a *captureAlerter) CriticalVariances(ctx context.Context, orgID, runID int64, variances []Variance) error {
	a.calls++
	a.variances = variances
	return nil
}

// balancedRepo seeds a fully consistent ledger so all checks pass.
func balancedRepo() *memoryRepo {
	repo := newMemoryRepo()
	repo.debits = 10_000
	repo.credits = 10_000
	repo.layerValue = 50_000
	repo.balances[1400] = 50_000
	repo.balances[1200] = 2_500
	repo.outstanding = 2_500
	return repo
}

func newTestService(repo *memoryRepo, alerter Alerter) *Service {
	svc := NewService(repo, fixedAccounts{}, alerter, nil, DefaultThresholds(), nil)
	svc.WithNow(func() time.Time { return time.Date(2024, time.June, 10, 3, 0, 0, 0, time.UTC) })
	return svc
}

func TestRunCleanLedger(t *testing.T) {
	repo := balancedRepo()
	svc := newTestService(repo, nil)

	summary, variances, err := svc.Run(context.Background(), 1, RunTypeOnDemand, 7)
	require.NoError(t, err)
	require.Equal(t, RunStatusClean, summary.Status)
	require.Empty(t, variances)
	require.Len(t, summary.Checks, 3)
	for _, check := range summary.Checks {
		require.Equal(t, CheckStatusOK, check.Status)
	}
	require.Equal(t, RunStatusClean, repo.runs[summary.RunID].Status)
}

func TestInventoryCheckVarianceSeverity(t *testing.T) {
	repo := balancedRepo()
	// Layers total 50,000 but the GL inventory account shows 48,500.
	repo.balances[1400] = 48_500
	svc := newTestService(repo, nil)

	summary, variances, err := svc.Run(context.Background(), 1, RunTypeOnDemand, 7)
	require.NoError(t, err)
	require.Equal(t, RunStatusVariance, summary.Status)

	var inv *Variance
	for i := range variances {
		if variances[i].Check == CheckInventory && variances[i].Kind == "INVENTORY_GL_MISMATCH" {
			inv = &variances[i]
		}
	}
	require.NotNil(t, inv)
	require.InDelta(t, 1_500.0, inv.Amount, 0.01)
	require.Equal(t, SeverityHigh, inv.Severity)
	require.False(t, summary.HasCritical)
}

func TestTrialBalanceCheckDecomposesJournals(t *testing.T) {
	repo := balancedRepo()
	repo.debits = 10_050
	repo.unbalanced = []JournalImbalance{{JournalID: 42, Debits: 150, Credits: 100}}
	svc := newTestService(repo, nil)

	summary, variances, err := svc.Run(context.Background(), 1, RunTypeOnDemand, 7)
	require.NoError(t, err)
	require.Equal(t, RunStatusVariance, summary.Status)

	kinds := make(map[string]Variance)
	for _, v := range variances {
		if v.Check == CheckTrialBalance {
			kinds[v.Kind] = v
		}
	}
	require.Contains(t, kinds, "LEDGER_IMBALANCE")
	require.Contains(t, kinds, "UNBALANCED_JOURNAL")
	require.Equal(t, "journal:42", kinds["UNBALANCED_JOURNAL"].RefID)
	require.InDelta(t, 50.0, kinds["UNBALANCED_JOURNAL"].Amount, 0.01)
	require.Equal(t, SeverityLow, kinds["UNBALANCED_JOURNAL"].Severity)
}

func TestCheckErrorIsIsolatedButFailsRun(t *testing.T) {
	repo := balancedRepo()
	repo.entriesErr = errors.New("relation journal_entries does not exist")
	// Make the AR check produce a variance to prove it still ran.
	repo.outstanding = 9_999
	svc := newTestService(repo, nil)

	summary, variances, err := svc.Run(context.Background(), 1, RunTypeOnDemand, 7)
	require.NoError(t, err)
	require.Equal(t, RunStatusFailed, summary.Status)

	byCheck := make(map[string]CheckResult)
	for _, check := range summary.Checks {
		byCheck[check.Check] = check
	}
	require.Equal(t, CheckStatusError, byCheck[CheckTrialBalance].Status)
	require.Contains(t, byCheck[CheckTrialBalance].Error, "journal_entries")
	require.Equal(t, CheckStatusOK, byCheck[CheckInventory].Status)
	require.Equal(t, CheckStatusVariance, byCheck[CheckARControl].Status)
	require.NotEmpty(t, variances)
}

func TestPersistenceFailureMarksRunFailed(t *testing.T) {
	repo := balancedRepo()
	// Force a variance so InsertVariance is reached, then make it fail.
	repo.balances[1400] = 48_500
	repo.insertVarianceErr = errors.New("variance table unavailable")
	svc := newTestService(repo, nil)

	_, _, err := svc.Run(context.Background(), 1, RunTypeOnDemand, 7)
	require.ErrorContains(t, err, "variance table unavailable")

	// The run row is not stranded in RUNNING.
	require.Len(t, repo.runs, 1)
	for _, run := range repo.runs {
		require.Equal(t, RunStatusFailed, run.Status)
	}
}

func TestScheduledRunAlertsOnCritical(t *testing.T) {
	repo := balancedRepo()
	repo.balances[1400] = 25_000 // 25,000 off, over the critical threshold
	alerter := &captureAlerter{}
	svc := newTestService(repo, alerter)

	summary, err := svc.RunScheduled(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, summary.HasCritical)
	require.Equal(t, 1, alerter.calls)
	require.NotEmpty(t, alerter.variances)
	for _, v := range alerter.variances {
		require.Equal(t, SeverityCritical, v.Severity)
	}
}

func TestScheduledRunSkipsAlertWhenHealthy(t *testing.T) {
	alerter := &captureAlerter{}
	svc := newTestService(balancedRepo(), alerter)

	summary, err := svc.RunScheduled(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, RunStatusClean, summary.Status)
	require.Zero(t, alerter.calls)
}

func TestResolveVariance(t *testing.T) {
	repo := balancedRepo()
	repo.balances[1400] = 48_500
	svc := newTestService(repo, nil)

	_, variances, err := svc.Run(context.Background(), 1, RunTypeOnDemand, 7)
	require.NoError(t, err)
	require.NotEmpty(t, variances)

	resolved, err := svc.ResolveVariance(context.Background(), 1, variances[0].ID, 7, "manual journal correction posted")
	require.NoError(t, err)
	require.True(t, resolved.Resolved)
	require.Equal(t, "manual journal correction posted", resolved.Notes)

	_, err = svc.ResolveVariance(context.Background(), 1, variances[0].ID, 7, "again")
	require.ErrorIs(t, err, ErrVarianceResolved)

	_, err = svc.ResolveVariance(context.Background(), 1, 9999, 7, "missing")
	require.ErrorIs(t, err, ErrVarianceNotFound)
}
