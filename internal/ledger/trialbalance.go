package ledger

import (
	"context"
	"math"
	"time"
)

// GetTrialBalance aggregates posted activity per account up to asOf and
// reports whether total debits and credits agree within a cent.
func (c *Coordinator) GetTrialBalance(ctx context.Context, orgID int64, asOf time.Time) (TrialBalance, error) {
	if asOf.IsZero() {
		asOf = c.now()
	}
	accounts, err := c.store.QueryTrialBalance(ctx, orgID, asOf)
	if err != nil {
		return TrialBalance{}, err
	}
	tb := TrialBalance{AsOf: asOf, Accounts: accounts}
	for _, a := range accounts {
		tb.TotalDebits += a.Debits
		tb.TotalCredits += a.Credits
	}
	tb.IsBalanced = math.Abs(tb.TotalDebits-tb.TotalCredits) <= balanceTolerance
	return tb, nil
}
