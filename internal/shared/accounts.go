package shared

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AccountDirectory resolves semantic account roles to ledger account ids,
// creating the account on first use. It satisfies the account-resolution
// ports declared by the domain packages.
type AccountDirectory struct {
	pool *pgxpool.Pool
}

// NewAccountDirectory constructs the directory.
func NewAccountDirectory(pool *pgxpool.Pool) *AccountDirectory {
	return &AccountDirectory{pool: pool}
}

type roleSpec struct {
	Code string
	Name string
	Type string
}

var roleSpecs = map[string]roleSpec{
	"RETAINED_EARNINGS":      {Code: "3900", Name: "Retained Earnings", Type: "EQUITY"},
	"OPENING_BALANCE_EQUITY": {Code: "3000", Name: "Opening Balance Equity", Type: "EQUITY"},
	"COST_OF_GOODS_SOLD":     {Code: "5000", Name: "Cost of Goods Sold", Type: "EXPENSE"},
	"INVENTORY_ASSET":        {Code: "1400", Name: "Inventory Asset", Type: "ASSET"},
	"AR_CONTROL":             {Code: "1200", Name: "Accounts Receivable", Type: "ASSET"},
}

// Resolve returns the account id bound to the role for the organization.
func (d *AccountDirectory) Resolve(ctx context.Context, orgID int64, role string) (int64, error) {
	if d == nil {
		return 0, errors.New("account directory not initialised")
	}
	spec, ok := roleSpecs[role]
	if !ok {
		return 0, fmt.Errorf("shared: unknown account role %q", role)
	}
	var id int64
	err := d.pool.QueryRow(ctx, `SELECT id FROM accounts WHERE org_id=$1 AND role=$2`, orgID, role).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}
	// Concurrent first use races on the unique (org_id, role) index; the
	// loser reads the winner's row.
	err = d.pool.QueryRow(ctx, `INSERT INTO accounts (org_id, code, name, type, role, is_active)
VALUES ($1,$2,$3,$4,$5,TRUE)
ON CONFLICT (org_id, role) DO UPDATE SET updated_at=NOW()
RETURNING id`, orgID, spec.Code, spec.Name, spec.Type, role).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}
