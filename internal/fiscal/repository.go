package fiscal

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists fiscal entities.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes fn within a repeatable-read transaction, stricter than the
// read-committed default used by db.WithTx: close and reopen decide on
// aggregate reads (open-prior and closed-later counts, year-end activity
// sums) and then mutate based on them, so the whole transition must see one
// snapshot. Lifecycle transitions on the period row itself serialize through
// the GetPeriodForUpdate row lock. No statement timeout is set here; callers
// run these transitions interactively and the statements touch few rows.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("fiscal repository not initialised")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	if err := fn(ctx, &txRepository{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

const profileColumns = `org_id, fy_start_month, fy_start_day, reporting_basis, base_currency, retained_earnings_account_id, allow_negative_inventory, created_at, updated_at`

// GetProfile loads the organization profile.
func (r *Repository) GetProfile(ctx context.Context, orgID int64) (Profile, error) {
	var p Profile
	err := r.pool.QueryRow(ctx, `SELECT `+profileColumns+` FROM organization_profiles WHERE org_id=$1`, orgID).
		Scan(&p.OrgID, &p.FiscalYearStartMonth, &p.FiscalYearStartDay, &p.ReportingBasis, &p.BaseCurrency, &p.RetainedEarningsAccountID, &p.AllowNegativeInventory, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrProfileNotFound
		}
		return Profile{}, err
	}
	return p, nil
}

func (r *txRepository) UpsertProfile(ctx context.Context, profile Profile) (Profile, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO organization_profiles (org_id, fy_start_month, fy_start_day, reporting_basis, base_currency, retained_earnings_account_id, allow_negative_inventory)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (org_id) DO UPDATE SET
  fy_start_month=EXCLUDED.fy_start_month,
  fy_start_day=EXCLUDED.fy_start_day,
  reporting_basis=EXCLUDED.reporting_basis,
  base_currency=EXCLUDED.base_currency,
  allow_negative_inventory=EXCLUDED.allow_negative_inventory,
  updated_at=NOW()
RETURNING `+profileColumns,
		profile.OrgID, profile.FiscalYearStartMonth, profile.FiscalYearStartDay, profile.ReportingBasis, profile.BaseCurrency, profile.RetainedEarningsAccountID, profile.AllowNegativeInventory)
	var p Profile
	if err := row.Scan(&p.OrgID, &p.FiscalYearStartMonth, &p.FiscalYearStartDay, &p.ReportingBasis, &p.BaseCurrency, &p.RetainedEarningsAccountID, &p.AllowNegativeInventory, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return Profile{}, err
	}
	return p, nil
}

const periodColumns = `id, org_id, fiscal_year, period_number, name, start_date, end_date, status, closed_by, closed_at, reopened_by, reopened_at, reopen_reason, created_at, updated_at`

func scanPeriod(row pgx.Row) (Period, error) {
	var p Period
	err := row.Scan(&p.ID, &p.OrgID, &p.FiscalYear, &p.PeriodNumber, &p.Name, &p.StartDate, &p.EndDate, &p.Status, &p.ClosedBy, &p.ClosedAt, &p.ReopenedBy, &p.ReopenedAt, &p.ReopenReason, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// FindPeriodForDate returns the unique period covering the date.
func (r *Repository) FindPeriodForDate(ctx context.Context, orgID int64, date time.Time) (Period, error) {
	p, err := scanPeriod(r.pool.QueryRow(ctx, `SELECT `+periodColumns+` FROM accounting_periods WHERE org_id=$1 AND $2::date BETWEEN start_date AND end_date`, orgID, date))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, ErrPeriodNotFound
		}
		return Period{}, err
	}
	return p, nil
}

// GetPeriod fetches a period by id.
func (r *Repository) GetPeriod(ctx context.Context, id int64) (Period, error) {
	p, err := scanPeriod(r.pool.QueryRow(ctx, `SELECT `+periodColumns+` FROM accounting_periods WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, ErrPeriodNotFoundByID
		}
		return Period{}, err
	}
	return p, nil
}

func (r *txRepository) PeriodExists(ctx context.Context, orgID int64, fiscalYear, periodNumber int) (bool, error) {
	var one int
	err := r.tx.QueryRow(ctx, `SELECT 1 FROM accounting_periods WHERE org_id=$1 AND fiscal_year=$2 AND period_number=$3`, orgID, fiscalYear, periodNumber).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *txRepository) InsertPeriod(ctx context.Context, period Period) (Period, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO accounting_periods (org_id, fiscal_year, period_number, name, start_date, end_date, status)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING `+periodColumns,
		period.OrgID, period.FiscalYear, period.PeriodNumber, period.Name, period.StartDate, period.EndDate, period.Status)
	return scanPeriod(row)
}

func (r *txRepository) DeleteOpenPeriodsEndingOnOrAfter(ctx context.Context, orgID int64, date time.Time) (int, error) {
	cmd, err := r.tx.Exec(ctx, `DELETE FROM accounting_periods WHERE org_id=$1 AND status='OPEN' AND end_date >= $2::date`, orgID, date)
	if err != nil {
		return 0, err
	}
	return int(cmd.RowsAffected()), nil
}

func (r *txRepository) GetPeriodForUpdate(ctx context.Context, id int64) (Period, error) {
	p, err := scanPeriod(r.tx.QueryRow(ctx, `SELECT `+periodColumns+` FROM accounting_periods WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, ErrPeriodNotFoundByID
		}
		return Period{}, err
	}
	return p, nil
}

func (r *txRepository) CountOpenPriorPeriods(ctx context.Context, orgID int64, fiscalYear, periodNumber int) (int, error) {
	var count int
	err := r.tx.QueryRow(ctx, `SELECT COUNT(*) FROM accounting_periods
WHERE org_id=$1 AND status='OPEN' AND (fiscal_year < $2 OR (fiscal_year = $2 AND period_number < $3))`, orgID, fiscalYear, periodNumber).Scan(&count)
	return count, err
}

func (r *txRepository) CountClosedLaterPeriods(ctx context.Context, orgID int64, fiscalYear, periodNumber int) (int, error) {
	var count int
	err := r.tx.QueryRow(ctx, `SELECT COUNT(*) FROM accounting_periods
WHERE org_id=$1 AND status IN ('CLOSED','SOFT_CLOSED') AND (fiscal_year > $2 OR (fiscal_year = $2 AND period_number > $3))`, orgID, fiscalYear, periodNumber).Scan(&count)
	return count, err
}

func (r *txRepository) SetPeriodClosed(ctx context.Context, id int64, status PeriodStatus, actorID int64) (Period, error) {
	row := r.tx.QueryRow(ctx, `UPDATE accounting_periods SET status=$2, closed_by=$3, closed_at=NOW(), updated_at=NOW() WHERE id=$1 RETURNING `+periodColumns, id, status, actorID)
	return scanPeriod(row)
}

func (r *txRepository) SetPeriodReopened(ctx context.Context, id int64, actorID int64, reason string) (Period, error) {
	row := r.tx.QueryRow(ctx, `UPDATE accounting_periods SET status='OPEN', reopened_by=$2, reopened_at=NOW(), reopen_reason=$3, updated_at=NOW() WHERE id=$1 RETURNING `+periodColumns, id, actorID, reason)
	return scanPeriod(row)
}

func (r *txRepository) SumIncomeExpenseActivity(ctx context.Context, orgID int64, from, to time.Time) ([]AccountActivity, error) {
	rows, err := r.tx.Query(ctx, `SELECT e.account_id, a.type, COALESCE(SUM(e.credit - e.debit), 0)
FROM journal_entries e
JOIN journals j ON j.id = e.journal_id
JOIN accounts a ON a.id = e.account_id
WHERE j.org_id=$1 AND j.status IN ('POSTED','REVERSED') AND j.journal_date BETWEEN $2 AND $3 AND a.type IN ('INCOME','EXPENSE')
GROUP BY e.account_id, a.type
ORDER BY e.account_id`, orgID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var activity []AccountActivity
	for rows.Next() {
		var a AccountActivity
		if err := rows.Scan(&a.AccountID, &a.AccountType, &a.Net); err != nil {
			return nil, err
		}
		activity = append(activity, a)
	}
	return activity, rows.Err()
}

func (r *txRepository) InsertClosingJournal(ctx context.Context, orgID int64, date time.Time, memo string, entries []ClosingEntry, actorID int64) (int64, error) {
	var totalDebit, totalCredit float64
	for _, e := range entries {
		totalDebit += e.Debit
		totalCredit += e.Credit
	}
	var journalID int64
	err := r.tx.QueryRow(ctx, `INSERT INTO journals (org_id, journal_date, source_module, source_id, memo, status, total_debit, total_credit, created_by)
VALUES ($1,$2,'YEAR_END_CLOSE',$3,$4,'POSTED',$5,$6,$7) RETURNING id`,
		orgID, date, uuid.New(), memo, totalDebit, totalCredit, actorID).Scan(&journalID)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if _, err := r.tx.Exec(ctx, `INSERT INTO journal_entries (journal_id, account_id, debit, credit) VALUES ($1,$2,$3,$4)`,
			journalID, e.AccountID, e.Debit, e.Credit); err != nil {
			return 0, err
		}
	}
	return journalID, nil
}

func (r *txRepository) ForceCloseYearPeriods(ctx context.Context, orgID int64, fiscalYear int, actorID int64) (int, error) {
	cmd, err := r.tx.Exec(ctx, `UPDATE accounting_periods SET status='CLOSED', closed_by=$3, closed_at=NOW(), updated_at=NOW()
WHERE org_id=$1 AND fiscal_year=$2 AND status <> 'CLOSED'`, orgID, fiscalYear, actorID)
	if err != nil {
		return 0, err
	}
	return int(cmd.RowsAffected()), nil
}

// HasCompletedClosingRun reports whether the year was already closed.
func (r *Repository) HasCompletedClosingRun(ctx context.Context, orgID int64, fiscalYear int) (bool, error) {
	var one int
	err := r.pool.QueryRow(ctx, `SELECT 1 FROM year_end_closing_runs WHERE org_id=$1 AND fiscal_year=$2 AND status='COMPLETED'`, orgID, fiscalYear).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// InsertClosingRun creates the run row on the pool so a later transaction
// rollback cannot erase it.
func (r *Repository) InsertClosingRun(ctx context.Context, run ClosingRun) (ClosingRun, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO year_end_closing_runs (org_id, fiscal_year, status, created_by)
VALUES ($1,$2,$3,$4) RETURNING id, created_at`, run.OrgID, run.FiscalYear, run.Status, run.CreatedBy)
	if err := row.Scan(&run.ID, &run.CreatedAt); err != nil {
		return ClosingRun{}, err
	}
	return run, nil
}

// MarkClosingRunFailed records the failure reason on the run row.
func (r *Repository) MarkClosingRunFailed(ctx context.Context, runID int64, message string) error {
	_, err := r.pool.Exec(ctx, `UPDATE year_end_closing_runs SET status='FAILED', error=$2, completed_at=NOW() WHERE id=$1`, runID, message)
	return err
}

func (r *txRepository) CompleteClosingRun(ctx context.Context, run ClosingRun) error {
	_, err := r.tx.Exec(ctx, `UPDATE year_end_closing_runs SET status='COMPLETED', total_income=$2, total_expenses=$3, net_income=$4, closing_journal_id=$5, completed_at=NOW() WHERE id=$1`,
		run.ID, run.TotalIncome, run.TotalExpenses, run.NetIncome, run.ClosingJournalID)
	return err
}
