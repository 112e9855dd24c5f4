package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerline/ledgerline/internal/platform/db"
)

// Repository persists layers and movements.
type Repository struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewRepository constructs Repository. timeout bounds standalone
// transactions opened by WithTx.
func NewRepository(pool *pgxpool.Pool, timeout time.Duration) *Repository {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Repository{pool: pool, timeout: timeout}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes fn within a read-committed transaction bounded by the
// repository timeout.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("inventory repository not initialised")
	}
	return db.WithTx(ctx, r.pool, r.timeout, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// Bind wraps an externally owned transaction so inventory operations can
// compose into a larger atomic mutation.
func (r *Repository) Bind(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

const layerColumns = `id, org_id, item_id, warehouse_id, quantity_remaining, unit_cost, source_type, source_id, status, created_at`

func scanLayer(row pgx.Row) (Layer, error) {
	var l Layer
	err := row.Scan(&l.ID, &l.OrgID, &l.ItemID, &l.WarehouseID, &l.QuantityRemaining, &l.UnitCost, &l.SourceType, &l.SourceID, &l.Status, &l.CreatedAt)
	return l, err
}

func (r *txRepository) InsertLayer(ctx context.Context, layer Layer) (Layer, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO inventory_layers (org_id, item_id, warehouse_id, quantity_remaining, unit_cost, source_type, source_id, status, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,COALESCE($9, NOW())) RETURNING `+layerColumns,
		layer.OrgID, layer.ItemID, layer.WarehouseID, layer.QuantityRemaining, layer.UnitCost, layer.SourceType, layer.SourceID, layer.Status, nullTime(layer.CreatedAt))
	return scanLayer(row)
}

// SelectLayersForConsumption locks eligible layers oldest-first. Layers
// created after asOf are excluded to keep back-dated costing correct.
func (r *txRepository) SelectLayersForConsumption(ctx context.Context, orgID, itemID, warehouseID int64, asOf time.Time) ([]Layer, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+layerColumns+` FROM inventory_layers
WHERE org_id=$1 AND item_id=$2 AND warehouse_id=$3 AND status='ACTIVE' AND quantity_remaining > 0 AND created_at <= $4
ORDER BY created_at ASC, id ASC
FOR UPDATE`, orgID, itemID, warehouseID, endOfDay(asOf))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var layers []Layer
	for rows.Next() {
		l, err := scanLayer(rows)
		if err != nil {
			return nil, err
		}
		layers = append(layers, l)
	}
	return layers, rows.Err()
}

func (r *txRepository) AddLayerQuantity(ctx context.Context, layerID int64, delta float64) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE inventory_layers SET quantity_remaining = quantity_remaining + $2 WHERE id=$1`, layerID, delta)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrLayerNotFound
	}
	return nil
}

func (r *txRepository) SetLayerStatus(ctx context.Context, layerID int64, status LayerStatus) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE inventory_layers SET status=$2 WHERE id=$1`, layerID, status)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrLayerNotFound
	}
	return nil
}

const movementColumns = `id, org_id, item_id, warehouse_id, layer_id, direction, quantity, unit_cost, total_value, movement_type, source_type, source_id, journal_id, reversal_of, status, posting_date, created_at`

func scanMovement(row pgx.Row) (Movement, error) {
	var m Movement
	err := row.Scan(&m.ID, &m.OrgID, &m.ItemID, &m.WarehouseID, &m.LayerID, &m.Direction, &m.Quantity, &m.UnitCost, &m.TotalValue, &m.MovementType, &m.SourceType, &m.SourceID, &m.JournalID, &m.ReversalOf, &m.Status, &m.PostingDate, &m.CreatedAt)
	return m, err
}

func (r *txRepository) InsertMovement(ctx context.Context, movement Movement) (Movement, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO inventory_movements (org_id, item_id, warehouse_id, layer_id, direction, quantity, unit_cost, total_value, movement_type, source_type, source_id, journal_id, reversal_of, status, posting_date)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15) RETURNING `+movementColumns,
		movement.OrgID, movement.ItemID, movement.WarehouseID, movement.LayerID, movement.Direction, movement.Quantity, movement.UnitCost, movement.TotalValue, movement.MovementType, movement.SourceType, movement.SourceID, movement.JournalID, movement.ReversalOf, movement.Status, movement.PostingDate)
	return scanMovement(row)
}

func (r *txRepository) GetMovementForUpdate(ctx context.Context, id int64) (Movement, error) {
	m, err := scanMovement(r.tx.QueryRow(ctx, `SELECT `+movementColumns+` FROM inventory_movements WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Movement{}, ErrMovementNotFound
		}
		return Movement{}, err
	}
	return m, nil
}

func (r *txRepository) SetMovementStatus(ctx context.Context, id int64, status MovementStatus) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE inventory_movements SET status=$2 WHERE id=$1`, id, status)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrMovementNotFound
	}
	return nil
}

func (r *txRepository) InsertTwoLineJournal(ctx context.Context, in JournalInput) (int64, error) {
	var journalID int64
	err := r.tx.QueryRow(ctx, `INSERT INTO journals (org_id, journal_date, source_module, source_id, memo, status, total_debit, total_credit, created_by)
VALUES ($1,$2,$3,$4,$5,'POSTED',$6,$6,$7) RETURNING id`,
		in.OrgID, in.Date, in.SourceModule, uuid.New(), in.Memo, in.Amount, in.ActorID).Scan(&journalID)
	if err != nil {
		return 0, err
	}
	if _, err := r.tx.Exec(ctx, `INSERT INTO journal_entries (journal_id, account_id, debit, credit) VALUES ($1,$2,$3,0), ($1,$4,0,$3)`,
		journalID, in.DebitAccount, in.Amount, in.CreditAccount); err != nil {
		return 0, err
	}
	return journalID, nil
}

// GetLevels aggregates active layers per warehouse for an item.
func (r *Repository) GetLevels(ctx context.Context, orgID, itemID int64) ([]WarehouseLevel, error) {
	rows, err := r.pool.Query(ctx, `SELECT warehouse_id, COALESCE(SUM(quantity_remaining),0), COALESCE(SUM(quantity_remaining*unit_cost),0)
FROM inventory_layers
WHERE org_id=$1 AND item_id=$2 AND status='ACTIVE'
GROUP BY warehouse_id
ORDER BY warehouse_id`, orgID, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var levels []WarehouseLevel
	for rows.Next() {
		var lvl WarehouseLevel
		if err := rows.Scan(&lvl.WarehouseID, &lvl.Quantity, &lvl.TotalValue); err != nil {
			return nil, err
		}
		if lvl.Quantity > 0 {
			lvl.AverageCost = lvl.TotalValue / lvl.Quantity
		}
		levels = append(levels, lvl)
	}
	return levels, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 999999999, t.Location())
}
