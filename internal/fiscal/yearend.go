package fiscal

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ledgerline/ledgerline/internal/shared"
)

// closingBalanceFloor drops noise accounts from the closing journal.
const closingBalanceFloor = 0.01

// PerformYearEndClose rolls the fiscal year's profit and loss into retained
// earnings, posts the closing journal, and force-closes every period of the
// year. The closing run record never stays in PROCESSING: it ends COMPLETED
// or FAILED with the error message attached.
func (s *Service) PerformYearEndClose(ctx context.Context, orgID int64, fiscalYear int, closingDate time.Time, actorID int64) (YearEndResult, error) {
	if orgID == 0 || actorID == 0 {
		return YearEndResult{}, errors.New("fiscal: organization and actor required")
	}
	profile, err := s.GetOrCreateProfile(ctx, orgID)
	if err != nil {
		return YearEndResult{}, err
	}
	done, err := s.repo.HasCompletedClosingRun(ctx, orgID, fiscalYear)
	if err != nil {
		return YearEndResult{}, err
	}
	if done {
		return YearEndResult{}, ErrYearAlreadyClosed
	}

	// The run row is created outside the closing transaction so a failure
	// leaves a FAILED record behind instead of rolling the evidence away.
	run, err := s.repo.InsertClosingRun(ctx, ClosingRun{
		OrgID:      orgID,
		FiscalYear: fiscalYear,
		Status:     ClosingRunProcessing,
		CreatedBy:  actorID,
	})
	if err != nil {
		return YearEndResult{}, err
	}

	result, err := s.performClose(ctx, profile, run, fiscalYear, closingDate, actorID)
	if err != nil {
		if markErr := s.repo.MarkClosingRunFailed(ctx, run.ID, err.Error()); markErr != nil {
			return YearEndResult{}, fmt.Errorf("%w: %v (marking run failed: %v)", ErrClosingRunFailed, err, markErr)
		}
		return YearEndResult{}, fmt.Errorf("%w: %v", ErrClosingRunFailed, err)
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			OrgID:    orgID,
			ActorID:  actorID,
			Action:   "period.year_end_close",
			Entity:   "closing_run",
			EntityID: fmt.Sprintf("%d", result.Run.ID),
			Meta: map[string]any{
				"fiscal_year":     fiscalYear,
				"net_income":      result.Run.NetIncome,
				"closing_journal": result.ClosingJournalID,
			},
			At: s.now(),
		})
	}
	return result, nil
}

func (s *Service) performClose(ctx context.Context, profile Profile, run ClosingRun, fiscalYear int, closingDate time.Time, actorID int64) (YearEndResult, error) {
	from := fiscalYearStart(fiscalYear, profile.FiscalYearStartMonth, profile.FiscalYearStartDay)
	to := fiscalYearStart(fiscalYear+1, profile.FiscalYearStartMonth, profile.FiscalYearStartDay).AddDate(0, 0, -1)
	if closingDate.IsZero() {
		closingDate = to
	}

	var result YearEndResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		activity, err := tx.SumIncomeExpenseActivity(ctx, run.OrgID, from, to)
		if err != nil {
			return err
		}

		var totalIncome, totalExpenses float64
		entries := make([]ClosingEntry, 0, len(activity)+1)
		for _, acc := range activity {
			// Income accounts are credit-normal so credits-minus-debits is
			// the balance; expense accounts are debit-heavy and negate.
			balance := acc.Net
			if acc.AccountType == "EXPENSE" {
				balance = -balance
			}
			if math.Abs(balance) <= closingBalanceFloor {
				continue
			}
			if acc.AccountType == "EXPENSE" {
				totalExpenses += balance
				entries = append(entries, offsetEntry(acc.AccountID, -balance))
			} else {
				totalIncome += balance
				entries = append(entries, offsetEntry(acc.AccountID, balance))
			}
		}

		netIncome := totalIncome - totalExpenses
		var closingJournalID int64
		if len(entries) > 0 {
			// Retained earnings takes the net: credit on income, debit on loss.
			entries = append(entries, offsetEntry(profile.RetainedEarningsAccountID, -netIncome))
			memo := fmt.Sprintf("Year-end close FY%d", fiscalYear)
			closingJournalID, err = tx.InsertClosingJournal(ctx, run.OrgID, closingDate, memo, entries, actorID)
			if err != nil {
				return err
			}
		}

		closed, err := tx.ForceCloseYearPeriods(ctx, run.OrgID, fiscalYear, actorID)
		if err != nil {
			return err
		}

		run.Status = ClosingRunCompleted
		run.TotalIncome = totalIncome
		run.TotalExpenses = totalExpenses
		run.NetIncome = netIncome
		if closingJournalID != 0 {
			run.ClosingJournalID = &closingJournalID
		}
		if err := tx.CompleteClosingRun(ctx, run); err != nil {
			return err
		}
		result = YearEndResult{Run: run, ClosingJournalID: closingJournalID, PeriodsClosed: closed}
		return nil
	})
	if err != nil {
		return YearEndResult{}, err
	}
	return result, nil
}

// offsetEntry posts the signed credit-normal balance against an account: a
// positive balance is debited away, a negative one credited away.
func offsetEntry(accountID int64, balance float64) ClosingEntry {
	if balance >= 0 {
		return ClosingEntry{AccountID: accountID, Debit: balance}
	}
	return ClosingEntry{AccountID: accountID, Credit: -balance}
}
