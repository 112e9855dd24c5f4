package fiscal

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerline/ledgerline/internal/shared"
)

type memoryRepo struct {
	profiles map[int64]Profile
	periods  map[int64]*Period
	runs     map[int64]*ClosingRun
	nextID   int64

	activity        []AccountActivity
	activityErr     error
	closingJournals []closingJournal
}

type closingJournal struct {
	orgID   int64
	date    time.Time
	memo    string
	entries []ClosingEntry
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		profiles: make(map[int64]Profile),
		periods:  make(map[int64]*Period),
		runs:     make(map[int64]*ClosingRun),
	}
}

func (r *memoryRepo) id() int64 {
	r.nextID++
	return r.nextID
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) GetProfile(ctx context.Context, orgID int64) (Profile, error) {
	p, ok := r.profiles[orgID]
	if !ok {
		return Profile{}, ErrProfileNotFound
	}
	return p, nil
}

func (r *memoryRepo) FindPeriodForDate(ctx context.Context, orgID int64, d time.Time) (Period, error) {
	for _, p := range r.sorted(orgID) {
		if p.Contains(d) {
			return *p, nil
		}
	}
	return Period{}, ErrPeriodNotFound
}

func (r *memoryRepo) GetPeriod(ctx context.Context, id int64) (Period, error) {
	p, ok := r.periods[id]
	if !ok {
		return Period{}, ErrPeriodNotFoundByID
	}
	return *p, nil
}

func (r *memoryRepo) HasCompletedClosingRun(ctx context.Context, orgID int64, fy int) (bool, error) {
	for _, run := range r.runs {
		if run.OrgID == orgID && run.FiscalYear == fy && run.Status == ClosingRunCompleted {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryRepo) InsertClosingRun(ctx context.Context, run ClosingRun) (ClosingRun, error) {
	run.ID = r.id()
	r.runs[run.ID] = &run
	return run, nil
}

func (r *memoryRepo) MarkClosingRunFailed(ctx context.Context, runID int64, message string) error {
	run, ok := r.runs[runID]
	if !ok {
		return errors.New("run not found")
	}
	run.Status = ClosingRunFailed
	run.Error = message
	return nil
}

func (r *memoryRepo) sorted(orgID int64) []*Period {
	var out []*Period
	for _, p := range r.periods {
		if p.OrgID == orgID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FiscalYear != out[j].FiscalYear {
			return out[i].FiscalYear < out[j].FiscalYear
		}
		return out[i].PeriodNumber < out[j].PeriodNumber
	})
	return out
}

func (tx *memoryTx) UpsertProfile(ctx context.Context, profile Profile) (Profile, error) {
	tx.repo.profiles[profile.OrgID] = profile
	return profile, nil
}

func (tx *memoryTx) PeriodExists(ctx context.Context, orgID int64, fy, n int) (bool, error) {
	for _, p := range tx.repo.periods {
		if p.OrgID == orgID && p.FiscalYear == fy && p.PeriodNumber == n {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memoryTx) InsertPeriod(ctx context.Context, period Period) (Period, error) {
	period.ID = tx.repo.id()
	tx.repo.periods[period.ID] = &period
	return period, nil
}

func (tx *memoryTx) DeleteOpenPeriodsEndingOnOrAfter(ctx context.Context, orgID int64, d time.Time) (int, error) {
	removed := 0
	for id, p := range tx.repo.periods {
		if p.OrgID == orgID && p.Status == PeriodStatusOpen && !p.EndDate.Before(d) {
			delete(tx.repo.periods, id)
			removed++
		}
	}
	return removed, nil
}

func (tx *memoryTx) GetPeriodForUpdate(ctx context.Context, id int64) (Period, error) {
	return tx.repo.GetPeriod(ctx, id)
}

func (tx *memoryTx) CountOpenPriorPeriods(ctx context.Context, orgID int64, fy, n int) (int, error) {
	count := 0
	for _, p := range tx.repo.periods {
		if p.OrgID != orgID || p.Status != PeriodStatusOpen {
			continue
		}
		if p.FiscalYear < fy || (p.FiscalYear == fy && p.PeriodNumber < n) {
			count++
		}
	}
	return count, nil
}

func (tx *memoryTx) CountClosedLaterPeriods(ctx context.Context, orgID int64, fy, n int) (int, error) {
	count := 0
	for _, p := range tx.repo.periods {
		if p.OrgID != orgID || p.Status == PeriodStatusOpen {
			continue
		}
		if p.FiscalYear > fy || (p.FiscalYear == fy && p.PeriodNumber > n) {
			count++
		}
	}
	return count, nil
}

func (tx *memoryTx) SetPeriodClosed(ctx context.Context, id int64, status PeriodStatus, actorID int64) (Period, error) {
	p, ok := tx.repo.periods[id]
	if !ok {
		return Period{}, ErrPeriodNotFoundByID
	}
	p.Status = status
	p.ClosedBy = &actorID
	return *p, nil
}

func (tx *memoryTx) SetPeriodReopened(ctx context.Context, id int64, actorID int64, reason string) (Period, error) {
	p, ok := tx.repo.periods[id]
	if !ok {
		return Period{}, ErrPeriodNotFoundByID
	}
	p.Status = PeriodStatusOpen
	p.ReopenedBy = &actorID
	p.ReopenReason = reason
	return *p, nil
}

func (tx *memoryTx) SumIncomeExpenseActivity(ctx context.Context, orgID int64, from, to time.Time) ([]AccountActivity, error) {
	if tx.repo.activityErr != nil {
		return nil, tx.repo.activityErr
	}
	return tx.repo.activity, nil
}

func (tx *memoryTx) InsertClosingJournal(ctx context.Context, orgID int64, d time.Time, memo string, entries []ClosingEntry, actorID int64) (int64, error) {
	tx.repo.closingJournals = append(tx.repo.closingJournals, closingJournal{orgID: orgID, date: d, memo: memo, entries: entries})
	return tx.repo.id(), nil
}

func (tx *memoryTx) ForceCloseYearPeriods(ctx context.Context, orgID int64, fy int, actorID int64) (int, error) {
	closed := 0
	for _, p := range tx.repo.periods {
		if p.OrgID == orgID && p.FiscalYear == fy && p.Status != PeriodStatusClosed {
			p.Status = PeriodStatusClosed
			p.ClosedBy = &actorID
			closed++
		}
	}
	return closed, nil
}

func (tx *memoryTx) CompleteClosingRun(ctx context.Context, run ClosingRun) error {
	stored, ok := tx.repo.runs[run.ID]
	if !ok {
		return errors.New("run not found")
	}
	*stored = run
	return nil
}

type staticResolver struct {
	ids map[string]int64
}

func (r staticResolver) Resolve(ctx context.Context, orgID int64, role string) (int64, error) {
	id, ok := r.ids[role]
	if !ok {
		return 0, errors.New("unknown role " + role)
	}
	return id, nil
}

type recordingAudit struct {
	logs []shared.AuditLog
}

func (a *recordingAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

func newTestService(repo *memoryRepo) (*Service, *recordingAudit) {
	audit := &recordingAudit{}
	svc := NewService(repo, staticResolver{ids: map[string]int64{
		RoleRetainedEarnings: 3900,
	}}, audit)
	svc.WithNow(func() time.Time { return date(2024, time.July, 15) })
	return svc, audit
}

func TestGetOrCreateProfileDefaults(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo)
	ctx := context.Background()

	profile, err := svc.GetOrCreateProfile(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, profile.FiscalYearStartMonth)
	require.Equal(t, 1, profile.FiscalYearStartDay)
	require.Equal(t, BasisAccrual, profile.ReportingBasis)
	require.Equal(t, "USD", profile.BaseCurrency)
	require.Equal(t, int64(3900), profile.RetainedEarningsAccountID)

	again, err := svc.GetOrCreateProfile(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, profile, again)
}

func TestGeneratePeriodsIdempotent(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo)
	ctx := context.Background()

	profile, err := svc.GetOrCreateProfile(ctx, 1)
	require.NoError(t, err)

	created, err := svc.GeneratePeriods(ctx, 1, profile)
	require.NoError(t, err)
	require.Equal(t, 36, created)

	created, err = svc.GeneratePeriods(ctx, 1, profile)
	require.NoError(t, err)
	require.Equal(t, 0, created)

	// Exactly one period covers any date.
	for _, d := range []time.Time{date(2024, time.January, 1), date(2024, time.July, 15), date(2026, time.December, 31)} {
		matches := 0
		for _, p := range repo.periods {
			if p.Contains(d) {
				matches++
			}
		}
		require.Equal(t, 1, matches, "date %s", d)
	}
}

func TestUpdateProfileYearStartRealignsCalendar(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo)
	ctx := context.Background()

	profile, err := svc.GetOrCreateProfile(ctx, 1)
	require.NoError(t, err)
	_, err = svc.GeneratePeriods(ctx, 1, profile)
	require.NoError(t, err)

	var jan *Period
	for _, p := range repo.periods {
		if p.FiscalYear == 2024 && p.PeriodNumber == 1 {
			jan = p
		}
	}
	require.NotNil(t, jan)
	jan.Status = PeriodStatusClosed

	// A change that leaves the year start alone never touches periods.
	basis := BasisCash
	updated, err := svc.UpdateProfile(ctx, 1, ProfileChanges{ReportingBasis: &basis})
	require.NoError(t, err)
	require.Equal(t, BasisCash, updated.ReportingBasis)
	require.Len(t, repo.periods, 36)

	// Move the year start to April. The current year keeps its grid, the
	// January-March 2025 gap becomes transition periods, and later years
	// follow the new calendar.
	month := 4
	updated, err = svc.UpdateProfile(ctx, 1, ProfileChanges{FiscalYearStartMonth: &month})
	require.NoError(t, err)
	require.Equal(t, 4, updated.FiscalYearStartMonth)

	// Closed history is preserved.
	require.Equal(t, PeriodStatusClosed, repo.periods[jan.ID].Status)
	require.Equal(t, date(2024, time.January, 1), repo.periods[jan.ID].StartDate)

	// Today still posts into the current year's grid.
	v, err := svc.ValidatePostingDate(ctx, 1, date(2024, time.July, 15), false)
	require.NoError(t, err)
	require.Equal(t, 2024, v.Period.FiscalYear)
	require.Equal(t, 7, v.Period.PeriodNumber)

	byKey := make(map[[2]int]*Period)
	for _, p := range repo.periods {
		byKey[[2]int{p.FiscalYear, p.PeriodNumber}] = p
	}
	p13 := byKey[[2]int{2024, 13}]
	require.NotNil(t, p13)
	require.Equal(t, date(2025, time.January, 1), p13.StartDate)
	require.Equal(t, date(2025, time.January, 31), p13.EndDate)
	p15 := byKey[[2]int{2024, 15}]
	require.NotNil(t, p15)
	require.Equal(t, date(2025, time.March, 31), p15.EndDate)

	fy25 := byKey[[2]int{2025, 1}]
	require.NotNil(t, fy25)
	require.Equal(t, date(2025, time.April, 1), fy25.StartDate)

	// 12 current-year periods, 3 transition periods, 3 new-grid years.
	require.Len(t, repo.periods, 51)

	// No gaps and no overlaps anywhere in the realigned calendar.
	sorted := repo.sorted(1)
	for i := 1; i < len(sorted); i++ {
		require.Equal(t, sorted[i-1].EndDate.AddDate(0, 0, 1), sorted[i].StartDate,
			"gap between %s and %s", sorted[i-1].Name, sorted[i].Name)
	}
}

func TestValidatePostingDateStateMachine(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo)
	ctx := context.Background()

	profile, err := svc.GetOrCreateProfile(ctx, 1)
	require.NoError(t, err)
	_, err = svc.GeneratePeriods(ctx, 1, profile)
	require.NoError(t, err)

	// Current open period posts cleanly.
	v, err := svc.ValidatePostingDate(ctx, 1, date(2024, time.July, 20), false)
	require.NoError(t, err)
	require.False(t, v.RequiresReversal)
	require.Equal(t, 7, v.Period.PeriodNumber)

	// An elapsed but still-open period flags back-dated posting.
	v, err = svc.ValidatePostingDate(ctx, 1, date(2024, time.March, 10), false)
	require.NoError(t, err)
	require.True(t, v.RequiresReversal)

	// Soft close period 3 and retry.
	var march *Period
	for _, p := range repo.periods {
		if p.FiscalYear == 2024 && p.PeriodNumber == 3 {
			march = p
		}
	}
	require.NotNil(t, march)
	march.Status = PeriodStatusSoftClosed

	_, err = svc.ValidatePostingDate(ctx, 1, date(2024, time.March, 10), false)
	require.ErrorIs(t, err, ErrPeriodSoftClosed)
	_, err = svc.ValidatePostingDate(ctx, 1, date(2024, time.March, 10), true)
	require.NoError(t, err)

	march.Status = PeriodStatusClosed
	_, err = svc.ValidatePostingDate(ctx, 1, date(2024, time.March, 10), false)
	require.ErrorIs(t, err, ErrPeriodClosed)
	_, err = svc.ValidatePostingDate(ctx, 1, date(2024, time.March, 10), true)
	require.NoError(t, err)

	// Outside every generated period.
	_, err = svc.ValidatePostingDate(ctx, 1, date(2019, time.January, 1), false)
	require.ErrorIs(t, err, ErrPeriodNotFound)
}

func TestClosePeriodOrdering(t *testing.T) {
	repo := newMemoryRepo()
	svc, audit := newTestService(repo)
	ctx := context.Background()

	profile, err := svc.GetOrCreateProfile(ctx, 1)
	require.NoError(t, err)
	_, err = svc.GeneratePeriods(ctx, 1, profile)
	require.NoError(t, err)

	byNumber := make(map[int]*Period)
	for _, p := range repo.periods {
		if p.FiscalYear == 2024 {
			byNumber[p.PeriodNumber] = p
		}
	}

	_, err = svc.ClosePeriod(ctx, byNumber[2].ID, 7, false)
	require.ErrorIs(t, err, ErrPriorPeriodsOpen)

	// Soft close ignores ordering.
	closed, err := svc.ClosePeriod(ctx, byNumber[2].ID, 7, true)
	require.NoError(t, err)
	require.Equal(t, PeriodStatusSoftClosed, closed.Status)

	closed, err = svc.ClosePeriod(ctx, byNumber[1].ID, 7, false)
	require.NoError(t, err)
	require.Equal(t, PeriodStatusClosed, closed.Status)

	// Now period 2 can hard close (soft-closed is no longer open).
	closed, err = svc.ClosePeriod(ctx, byNumber[2].ID, 7, false)
	require.NoError(t, err)
	require.Equal(t, PeriodStatusClosed, closed.Status)

	// Closing an already-closed period is a no-op, not an error.
	closed, err = svc.ClosePeriod(ctx, byNumber[2].ID, 7, false)
	require.NoError(t, err)
	require.Equal(t, PeriodStatusClosed, closed.Status)

	require.NotEmpty(t, audit.logs)
	require.Equal(t, "period.close", audit.logs[0].Action)
}

func TestReopenPeriodWarnsAboutLaterClosed(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo)
	ctx := context.Background()

	profile, err := svc.GetOrCreateProfile(ctx, 1)
	require.NoError(t, err)
	_, err = svc.GeneratePeriods(ctx, 1, profile)
	require.NoError(t, err)

	var p1, p2 *Period
	for _, p := range repo.periods {
		if p.FiscalYear == 2024 && p.PeriodNumber == 1 {
			p1 = p
		}
		if p.FiscalYear == 2024 && p.PeriodNumber == 2 {
			p2 = p
		}
	}
	p1.Status = PeriodStatusClosed
	p2.Status = PeriodStatusClosed

	result, err := svc.ReopenPeriod(ctx, p1.ID, 7, "correcting vendor bill")
	require.NoError(t, err)
	require.Equal(t, PeriodStatusOpen, result.Period.Status)
	require.NotEmpty(t, result.Warning)

	// Reopening the last closed period warns about nothing.
	result, err = svc.ReopenPeriod(ctx, p2.ID, 7, "follow-up fix")
	require.NoError(t, err)
	require.Empty(t, result.Warning)
}

func TestPerformYearEndClose(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo)
	ctx := context.Background()

	profile, err := svc.GetOrCreateProfile(ctx, 1)
	require.NoError(t, err)
	_, err = svc.GeneratePeriods(ctx, 1, profile)
	require.NoError(t, err)

	// Income is credit-normal (net credits 1,000,000); expenses are
	// debit-heavy (net debits 600,000 so credits-minus-debits is negative).
	repo.activity = []AccountActivity{
		{AccountID: 4000, AccountType: "INCOME", Net: 1_000_000},
		{AccountID: 5000, AccountType: "EXPENSE", Net: -600_000},
	}

	result, err := svc.PerformYearEndClose(ctx, 1, 2024, time.Time{}, 7)
	require.NoError(t, err)
	require.InDelta(t, 1_000_000, result.Run.TotalIncome, 0.01)
	require.InDelta(t, 600_000, result.Run.TotalExpenses, 0.01)
	require.InDelta(t, 400_000, result.Run.NetIncome, 0.01)
	require.Equal(t, ClosingRunCompleted, result.Run.Status)
	require.Equal(t, 12, result.PeriodsClosed)

	require.Len(t, repo.closingJournals, 1)
	journal := repo.closingJournals[0]
	var debits, credits, retained float64
	for _, e := range journal.entries {
		debits += e.Debit
		credits += e.Credit
		if e.AccountID == 3900 {
			retained = e.Credit
		}
	}
	require.InDelta(t, debits, credits, 0.01)
	require.InDelta(t, 400_000, retained, 0.01)

	for _, p := range repo.periods {
		if p.FiscalYear == 2024 {
			require.Equal(t, PeriodStatusClosed, p.Status)
		}
	}

	_, err = svc.PerformYearEndClose(ctx, 1, 2024, time.Time{}, 7)
	require.ErrorIs(t, err, ErrYearAlreadyClosed)
}

func TestPerformYearEndCloseFailureMarksRun(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo)
	ctx := context.Background()

	_, err := svc.GetOrCreateProfile(ctx, 1)
	require.NoError(t, err)
	repo.activityErr = errors.New("aggregate query timeout")

	_, err = svc.PerformYearEndClose(ctx, 1, 2024, time.Time{}, 7)
	require.ErrorIs(t, err, ErrClosingRunFailed)

	var failed *ClosingRun
	for _, run := range repo.runs {
		if run.OrgID == 1 && run.FiscalYear == 2024 {
			failed = run
		}
	}
	require.NotNil(t, failed)
	require.Equal(t, ClosingRunFailed, failed.Status)
	require.Contains(t, failed.Error, "aggregate query timeout")
}
