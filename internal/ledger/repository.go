package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerline/ledgerline/internal/inventory"
	"github.com/ledgerline/ledgerline/internal/platform/db"
	"github.com/ledgerline/ledgerline/internal/shared"
)

// Repository is the Postgres ledger store.
type Repository struct {
	pool *pgxpool.Pool
	inv  *inventory.Repository
}

// NewRepository constructs Repository. inv is bound into coordinator
// transactions so inventory mutations share the same commit.
func NewRepository(pool *pgxpool.Pool, inv *inventory.Repository) *Repository {
	return &Repository{pool: pool, inv: inv}
}

type txStore struct {
	tx  pgx.Tx
	inv inventory.TxRepository
}

// WithTx runs fn inside a read-committed transaction bounded by timeout.
func (r *Repository) WithTx(ctx context.Context, timeout time.Duration, fn func(context.Context, TxStore) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	return db.WithTx(ctx, r.pool, timeout, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txStore{tx: tx, inv: r.inv.Bind(tx)})
	})
}

const idempotencyColumns = `org_id, operation, idem_key, fingerprint, status, response, error, expires_at, created_at, updated_at`

func scanIdempotencyRecord(row pgx.Row) (IdempotencyRecord, error) {
	var rec IdempotencyRecord
	var response []byte
	var errMsg *string
	err := row.Scan(&rec.OrgID, &rec.Operation, &rec.Key, &rec.Fingerprint, &rec.Status, &response, &errMsg, &rec.ExpiresAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return IdempotencyRecord{}, err
	}
	rec.Response = response
	if errMsg != nil {
		rec.Error = *errMsg
	}
	return rec, nil
}

// GetIdempotencyRecord loads a live record; expired rows behave as absent.
func (r *Repository) GetIdempotencyRecord(ctx context.Context, orgID int64, operation, key string) (IdempotencyRecord, error) {
	rec, err := scanIdempotencyRecord(r.pool.QueryRow(ctx, `SELECT `+idempotencyColumns+` FROM idempotency_records
WHERE org_id=$1 AND operation=$2 AND idem_key=$3 AND expires_at > NOW()`, orgID, operation, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return IdempotencyRecord{}, ErrRecordNotFound
		}
		return IdempotencyRecord{}, err
	}
	return rec, nil
}

// MarkIdempotencyFailed upserts a FAILED record on the pool so the failure
// survives the rolled-back transaction. COMPLETED is terminal: a marker
// arriving after a retry already completed the key must not clobber the
// recorded response, or the next call would re-execute the mutations.
func (r *Repository) MarkIdempotencyFailed(ctx context.Context, rec IdempotencyRecord, message string) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO idempotency_records (org_id, operation, idem_key, fingerprint, status, error, expires_at)
VALUES ($1,$2,$3,$4,'FAILED',$5,$6)
ON CONFLICT (org_id, operation, idem_key) DO UPDATE
SET status='FAILED', fingerprint=EXCLUDED.fingerprint, error=EXCLUDED.error, expires_at=EXCLUDED.expires_at, updated_at=NOW()
WHERE idempotency_records.status <> 'COMPLETED'`,
		rec.OrgID, rec.Operation, rec.Key, rec.Fingerprint, message, rec.ExpiresAt)
	return err
}

// SweepExpired deletes terminal records past their TTL. Returns rows removed.
func (r *Repository) SweepExpired(ctx context.Context) (int64, error) {
	cmd, err := r.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at < NOW() AND status <> 'PROCESSING'`)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

// BeginProcessing claims the key. The conditional upsert only takes over
// rows that are FAILED or expired; a live PROCESSING or COMPLETED row wins
// and the caller gets ErrAlreadyInProgress. The marker is written inside the
// operation transaction so the claim commits or rolls back atomically with
// the mutations; the cost is that a concurrent duplicate waits on the row
// lock until the first attempt resolves before it observes the claim.
func (s *txStore) BeginProcessing(ctx context.Context, rec IdempotencyRecord) error {
	cmd, err := s.tx.Exec(ctx, `INSERT INTO idempotency_records (org_id, operation, idem_key, fingerprint, status, expires_at)
VALUES ($1,$2,$3,$4,'PROCESSING',$5)
ON CONFLICT (org_id, operation, idem_key) DO UPDATE
SET status='PROCESSING', fingerprint=EXCLUDED.fingerprint, error=NULL, expires_at=EXCLUDED.expires_at, updated_at=NOW()
WHERE idempotency_records.status='FAILED' OR idempotency_records.expires_at < NOW()`,
		rec.OrgID, rec.Operation, rec.Key, rec.Fingerprint, rec.ExpiresAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrAlreadyInProgress
	}
	return nil
}

func (s *txStore) MarkCompleted(ctx context.Context, orgID int64, operation, key string, response []byte) error {
	cmd, err := s.tx.Exec(ctx, `UPDATE idempotency_records
SET status='COMPLETED', response=$4, error=NULL, updated_at=NOW()
WHERE org_id=$1 AND operation=$2 AND idem_key=$3`, orgID, operation, key, response)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// RestampJournal recomputes the denormalized totals from the entry rows and
// writes them back, returning the fresh sums.
func (s *txStore) RestampJournal(ctx context.Context, journalID int64) (float64, float64, error) {
	var debit, credit float64
	err := s.tx.QueryRow(ctx, `UPDATE journals j
SET total_debit=t.d, total_credit=t.c, updated_at=NOW()
FROM (SELECT COALESCE(SUM(debit),0) AS d, COALESCE(SUM(credit),0) AS c FROM journal_entries WHERE journal_id=$1) t
WHERE j.id=$1
RETURNING t.d, t.c`, journalID).Scan(&debit, &credit)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, ErrJournalNotFound
		}
		return 0, 0, err
	}
	return debit, credit, nil
}

func (s *txStore) ActiveLayerQuantity(ctx context.Context, orgID, itemID, warehouseID int64) (float64, error) {
	var qty float64
	err := s.tx.QueryRow(ctx, `SELECT COALESCE(SUM(quantity_remaining),0) FROM inventory_layers
WHERE org_id=$1 AND item_id=$2 AND warehouse_id=$3 AND status='ACTIVE'`, orgID, itemID, warehouseID).Scan(&qty)
	return qty, err
}

func (s *txStore) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	return shared.RecordAuditTx(ctx, s.tx, log)
}

const journalColumns = `id, org_id, journal_date, source_module, source_id, COALESCE(memo,''), status, reversal_of, total_debit, total_credit, created_by, created_at, updated_at`

func scanJournal(row pgx.Row) (Journal, error) {
	var j Journal
	err := row.Scan(&j.ID, &j.OrgID, &j.Date, &j.SourceModule, &j.SourceID, &j.Memo, &j.Status, &j.ReversalOf, &j.TotalDebit, &j.TotalCredit, &j.CreatedBy, &j.CreatedAt, &j.UpdatedAt)
	return j, err
}

func (s *txStore) GetJournalWithEntries(ctx context.Context, journalID int64) (Journal, []Entry, error) {
	journal, err := scanJournal(s.tx.QueryRow(ctx, `SELECT `+journalColumns+` FROM journals WHERE id=$1 FOR UPDATE`, journalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Journal{}, nil, ErrJournalNotFound
		}
		return Journal{}, nil, err
	}
	rows, err := s.tx.Query(ctx, `SELECT id, journal_id, account_id, debit, credit FROM journal_entries WHERE journal_id=$1 ORDER BY id`, journalID)
	if err != nil {
		return Journal{}, nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.JournalID, &e.AccountID, &e.Debit, &e.Credit); err != nil {
			return Journal{}, nil, err
		}
		entries = append(entries, e)
	}
	return journal, entries, rows.Err()
}

func (s *txStore) InsertJournal(ctx context.Context, journal Journal, entries []Entry) (Journal, error) {
	if journal.SourceID == uuid.Nil {
		journal.SourceID = uuid.New()
	}
	created, err := scanJournal(s.tx.QueryRow(ctx, `INSERT INTO journals (org_id, journal_date, source_module, source_id, memo, status, reversal_of, total_debit, total_credit, created_by)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING `+journalColumns,
		journal.OrgID, journal.Date, journal.SourceModule, journal.SourceID, journal.Memo, journal.Status, journal.ReversalOf, journal.TotalDebit, journal.TotalCredit, journal.CreatedBy))
	if err != nil {
		return Journal{}, err
	}
	for _, e := range entries {
		if _, err := s.tx.Exec(ctx, `INSERT INTO journal_entries (journal_id, account_id, debit, credit) VALUES ($1,$2,$3,$4)`,
			created.ID, e.AccountID, e.Debit, e.Credit); err != nil {
			return Journal{}, err
		}
	}
	return created, nil
}

func (s *txStore) SetJournalStatus(ctx context.Context, journalID int64, status JournalStatus) error {
	cmd, err := s.tx.Exec(ctx, `UPDATE journals SET status=$2, updated_at=NOW() WHERE id=$1`, journalID, status)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrJournalNotFound
	}
	return nil
}

func (s *txStore) GetInvoiceForUpdate(ctx context.Context, orgID, invoiceID int64) (Invoice, error) {
	var inv Invoice
	err := s.tx.QueryRow(ctx, `SELECT id, org_id, number, status, total, journal_id FROM invoices
WHERE id=$1 AND org_id=$2 FOR UPDATE`, invoiceID, orgID).Scan(&inv.ID, &inv.OrgID, &inv.Number, &inv.Status, &inv.Total, &inv.JournalID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, ErrInvoiceNotFound
		}
		return Invoice{}, err
	}
	return inv, nil
}

func (s *txStore) CountInvoicePayments(ctx context.Context, invoiceID int64) (int, error) {
	var n int
	err := s.tx.QueryRow(ctx, `SELECT COUNT(*) FROM payments WHERE invoice_id=$1 AND status <> 'VOID'`, invoiceID).Scan(&n)
	return n, err
}

func (s *txStore) MarkInvoiceVoided(ctx context.Context, invoiceID, actorID int64, reason string) error {
	cmd, err := s.tx.Exec(ctx, `UPDATE invoices SET status='VOID', voided_by=$2, voided_at=NOW(), void_reason=$3, updated_at=NOW() WHERE id=$1`,
		invoiceID, actorID, reason)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

// ListActiveMovementIDsBySource finds the movements a document produced so a
// void can reverse them all.
func (s *txStore) ListActiveMovementIDsBySource(ctx context.Context, orgID int64, sourceType, sourceID string) ([]int64, error) {
	rows, err := s.tx.Query(ctx, `SELECT id FROM inventory_movements
WHERE org_id=$1 AND source_type=$2 AND source_id=$3 AND status='ACTIVE'
ORDER BY id`, orgID, sourceType, sourceID)
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

func (s *txStore) Inventory() inventory.TxRepository {
	return s.inv
}

// QueryTrialBalance aggregates posted and reversed journal entries per
// account up to asOf.
func (r *Repository) QueryTrialBalance(ctx context.Context, orgID int64, asOf time.Time) ([]AccountBalance, error) {
	rows, err := r.pool.Query(ctx, `SELECT a.id, a.code, a.name, a.type, COALESCE(SUM(e.debit),0), COALESCE(SUM(e.credit),0)
FROM accounts a
JOIN journal_entries e ON e.account_id = a.id
JOIN journals j ON j.id = e.journal_id
WHERE j.org_id=$1 AND j.status IN ('POSTED','REVERSED') AND j.journal_date <= $2
GROUP BY a.id, a.code, a.name, a.type
ORDER BY a.code`, orgID, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var balances []AccountBalance
	for rows.Next() {
		var b AccountBalance
		if err := rows.Scan(&b.AccountID, &b.Code, &b.Name, &b.Type, &b.Debits, &b.Credits); err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}
