package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the Postgres reconciliation store.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const runColumns = `id, org_id, run_type, status, total_variance, variance_count, started_by, started_at, completed_at`

func (r *Repository) InsertRun(ctx context.Context, run Run) (Run, error) {
	err := r.pool.QueryRow(ctx, `INSERT INTO reconciliation_runs (org_id, run_type, status, started_by, started_at)
VALUES ($1,$2,$3,$4,COALESCE($5, NOW())) RETURNING id, started_at`,
		run.OrgID, run.RunType, run.Status, run.StartedBy, nullTime(run.StartedAt)).Scan(&run.ID, &run.StartedAt)
	if err != nil {
		return Run{}, err
	}
	return run, nil
}

func (r *Repository) CompleteRun(ctx context.Context, runID int64, status RunStatus, totalVariance float64, varianceCount int) error {
	cmd, err := r.pool.Exec(ctx, `UPDATE reconciliation_runs
SET status=$2, total_variance=$3, variance_count=$4, completed_at=NOW()
WHERE id=$1`, runID, status, totalVariance, varianceCount)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return errors.New("reconcile: run not found")
	}
	return nil
}

const varianceColumns = `id, run_id, org_id, check_name, kind, ref_id, expected, actual, amount, severity, resolved, resolved_by, resolved_at, COALESCE(notes,''), detected_at`

func scanVariance(row pgx.Row) (Variance, error) {
	var v Variance
	err := row.Scan(&v.ID, &v.RunID, &v.OrgID, &v.Check, &v.Kind, &v.RefID, &v.Expected, &v.Actual, &v.Amount, &v.Severity, &v.Resolved, &v.ResolvedBy, &v.ResolvedAt, &v.Notes, &v.DetectedAt)
	return v, err
}

func (r *Repository) InsertVariance(ctx context.Context, v Variance) (Variance, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO reconciliation_variances (run_id, org_id, check_name, kind, ref_id, expected, actual, amount, severity, detected_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,COALESCE($10, NOW())) RETURNING `+varianceColumns,
		v.RunID, v.OrgID, v.Check, v.Kind, v.RefID, v.Expected, v.Actual, v.Amount, v.Severity, nullTime(v.DetectedAt))
	return scanVariance(row)
}

func (r *Repository) GetVariance(ctx context.Context, orgID, varianceID int64) (Variance, error) {
	v, err := scanVariance(r.pool.QueryRow(ctx, `SELECT `+varianceColumns+` FROM reconciliation_variances WHERE id=$1 AND org_id=$2`, varianceID, orgID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Variance{}, ErrVarianceNotFound
		}
		return Variance{}, err
	}
	return v, nil
}

func (r *Repository) MarkVarianceResolved(ctx context.Context, varianceID, actorID int64, notes string) error {
	cmd, err := r.pool.Exec(ctx, `UPDATE reconciliation_variances
SET resolved=TRUE, resolved_by=$2, resolved_at=NOW(), notes=$3
WHERE id=$1 AND NOT resolved`, varianceID, actorID, notes)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrVarianceNotFound
	}
	return nil
}

func (r *Repository) SumPostedEntries(ctx context.Context, orgID int64, asOf time.Time) (float64, float64, error) {
	var debits, credits float64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(e.debit),0), COALESCE(SUM(e.credit),0)
FROM journal_entries e
JOIN journals j ON j.id = e.journal_id
WHERE j.org_id=$1 AND j.status IN ('POSTED','REVERSED') AND j.journal_date <= $2`, orgID, asOf).Scan(&debits, &credits)
	return debits, credits, err
}

func (r *Repository) ListUnbalancedJournals(ctx context.Context, orgID int64, asOf time.Time, tolerance float64) ([]JournalImbalance, error) {
	rows, err := r.pool.Query(ctx, `SELECT j.id, COALESCE(SUM(e.debit),0) AS d, COALESCE(SUM(e.credit),0) AS c
FROM journals j
JOIN journal_entries e ON e.journal_id = j.id
WHERE j.org_id=$1 AND j.status IN ('POSTED','REVERSED') AND j.journal_date <= $2
GROUP BY j.id
HAVING ABS(COALESCE(SUM(e.debit),0) - COALESCE(SUM(e.credit),0)) > $3
ORDER BY j.id`, orgID, asOf, tolerance)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []JournalImbalance
	for rows.Next() {
		var j JournalImbalance
		if err := rows.Scan(&j.JournalID, &j.Debits, &j.Credits); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (r *Repository) SumActiveLayerValue(ctx context.Context, orgID int64) (float64, error) {
	var value float64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(quantity_remaining * unit_cost),0)
FROM inventory_layers WHERE org_id=$1 AND status='ACTIVE'`, orgID).Scan(&value)
	return value, err
}

func (r *Repository) ActiveLayerValueByWarehouse(ctx context.Context, orgID int64) ([]WarehouseValue, error) {
	rows, err := r.pool.Query(ctx, `SELECT warehouse_id, COALESCE(SUM(quantity_remaining * unit_cost),0)
FROM inventory_layers WHERE org_id=$1 AND status='ACTIVE'
GROUP BY warehouse_id ORDER BY warehouse_id`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WarehouseValue
	for rows.Next() {
		var w WarehouseValue
		if err := rows.Scan(&w.WarehouseID, &w.Value); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// AccountBalance returns debit-minus-credit for the account up to asOf.
// Asset accounts carry debit-normal balances, so the sign lines up with
// layer values and outstanding receivables.
func (r *Repository) AccountBalance(ctx context.Context, orgID, accountID int64, asOf time.Time) (float64, error) {
	var balance float64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(e.debit - e.credit),0)
FROM journal_entries e
JOIN journals j ON j.id = e.journal_id
WHERE j.org_id=$1 AND e.account_id=$2 AND j.status IN ('POSTED','REVERSED') AND j.journal_date <= $3`,
		orgID, accountID, asOf).Scan(&balance)
	return balance, err
}

func (r *Repository) SumOutstandingReceivables(ctx context.Context, orgID int64, asOf time.Time) (float64, error) {
	var outstanding float64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(i.total),0) - COALESCE((
  SELECT SUM(p.amount) FROM payments p
  JOIN invoices pi ON pi.id = p.invoice_id
  WHERE pi.org_id=$1 AND p.status <> 'VOID' AND p.paid_at <= $2
),0)
FROM invoices i
WHERE i.org_id=$1 AND i.status <> 'VOID' AND i.issued_at <= $2`, orgID, asOf).Scan(&outstanding)
	return outstanding, err
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
