package fiscal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ledgerline/ledgerline/internal/shared"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetProfile(ctx context.Context, orgID int64) (Profile, error)
	FindPeriodForDate(ctx context.Context, orgID int64, date time.Time) (Period, error)
	GetPeriod(ctx context.Context, id int64) (Period, error)
	HasCompletedClosingRun(ctx context.Context, orgID int64, fiscalYear int) (bool, error)
	InsertClosingRun(ctx context.Context, run ClosingRun) (ClosingRun, error)
	MarkClosingRunFailed(ctx context.Context, runID int64, message string) error
}

// TxRepository exposes the mutations available inside a transaction.
type TxRepository interface {
	UpsertProfile(ctx context.Context, profile Profile) (Profile, error)
	PeriodExists(ctx context.Context, orgID int64, fiscalYear, periodNumber int) (bool, error)
	InsertPeriod(ctx context.Context, period Period) (Period, error)
	DeleteOpenPeriodsEndingOnOrAfter(ctx context.Context, orgID int64, date time.Time) (int, error)
	GetPeriodForUpdate(ctx context.Context, id int64) (Period, error)
	CountOpenPriorPeriods(ctx context.Context, orgID int64, fiscalYear, periodNumber int) (int, error)
	CountClosedLaterPeriods(ctx context.Context, orgID int64, fiscalYear, periodNumber int) (int, error)
	SetPeriodClosed(ctx context.Context, id int64, status PeriodStatus, actorID int64) (Period, error)
	SetPeriodReopened(ctx context.Context, id int64, actorID int64, reason string) (Period, error)
	SumIncomeExpenseActivity(ctx context.Context, orgID int64, from, to time.Time) ([]AccountActivity, error)
	InsertClosingJournal(ctx context.Context, orgID int64, date time.Time, memo string, entries []ClosingEntry, actorID int64) (int64, error)
	ForceCloseYearPeriods(ctx context.Context, orgID int64, fiscalYear int, actorID int64) (int, error)
	CompleteClosingRun(ctx context.Context, run ClosingRun) error
}

// AuditPort records fiscal lifecycle events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service owns the fiscal calendar: period generation, the posting-date
// state machine, close ordering, and the year-end close.
type Service struct {
	repo     RepositoryPort
	accounts AccountResolver
	audit    AuditPort
	now      func() time.Time
}

// NewService constructs the fiscal period controller.
func NewService(repo RepositoryPort, accounts AccountResolver, audit AuditPort) *Service {
	return &Service{repo: repo, accounts: accounts, audit: audit, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// GetOrCreateProfile returns the organization profile, lazily creating one
// with calendar-year accrual defaults and a generated retained-earnings
// account when absent.
func (s *Service) GetOrCreateProfile(ctx context.Context, orgID int64) (Profile, error) {
	if orgID == 0 {
		return Profile{}, errors.New("fiscal: organization required")
	}
	profile, err := s.repo.GetProfile(ctx, orgID)
	if err == nil {
		return profile, nil
	}
	if !errors.Is(err, ErrProfileNotFound) {
		return Profile{}, err
	}
	retained, err := s.accounts.Resolve(ctx, orgID, RoleRetainedEarnings)
	if err != nil {
		return Profile{}, fmt.Errorf("fiscal: resolve retained earnings account: %w", err)
	}
	fresh := Profile{
		OrgID:                     orgID,
		FiscalYearStartMonth:      1,
		FiscalYearStartDay:        1,
		ReportingBasis:            BasisAccrual,
		BaseCurrency:              "USD",
		RetainedEarningsAccountID: retained,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var e error
		profile, e = tx.UpsertProfile(ctx, fresh)
		return e
	})
	if err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// GeneratePeriods creates 12 periods for the current fiscal year and the two
// following years. Idempotent: existing (org, year, number) rows are skipped.
func (s *Service) GeneratePeriods(ctx context.Context, orgID int64, profile Profile) (int, error) {
	current := fiscalYearFor(s.today(), profile.FiscalYearStartMonth, profile.FiscalYearStartDay)
	created := 0
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		n, err := s.generatePeriodsTx(ctx, tx, orgID, profile, current)
		created = n
		return err
	})
	return created, err
}

func (s *Service) generatePeriodsTx(ctx context.Context, tx TxRepository, orgID int64, profile Profile, fromYear int) (int, error) {
	created := 0
	for fy := fromYear; fy <= fromYear+2; fy++ {
		for n := 1; n <= 12; n++ {
			exists, err := tx.PeriodExists(ctx, orgID, fy, n)
			if err != nil {
				return created, err
			}
			if exists {
				continue
			}
			start, end := periodBounds(fy, profile.FiscalYearStartMonth, profile.FiscalYearStartDay, n)
			if _, err := tx.InsertPeriod(ctx, Period{
				OrgID:        orgID,
				FiscalYear:   fy,
				PeriodNumber: n,
				Name:         periodName(fy, n, start),
				StartDate:    start,
				EndDate:      end,
				Status:       PeriodStatusOpen,
			}); err != nil {
				return created, err
			}
			created++
		}
	}
	return created, nil
}

// UpdateProfile applies partial profile changes. A fiscal-year start change
// realigns the calendar via realignPeriods; closed and soft-closed periods
// stay untouched.
func (s *Service) UpdateProfile(ctx context.Context, orgID int64, changes ProfileChanges) (Profile, error) {
	profile, err := s.GetOrCreateProfile(ctx, orgID)
	if err != nil {
		return Profile{}, err
	}
	oldMonth, oldDay := profile.FiscalYearStartMonth, profile.FiscalYearStartDay
	yearStartChanged := false
	if changes.FiscalYearStartMonth != nil {
		m := *changes.FiscalYearStartMonth
		if m < 1 || m > 12 {
			return Profile{}, fmt.Errorf("fiscal: start month %d out of range", m)
		}
		yearStartChanged = yearStartChanged || m != profile.FiscalYearStartMonth
		profile.FiscalYearStartMonth = m
	}
	if changes.FiscalYearStartDay != nil {
		d := *changes.FiscalYearStartDay
		if d < 1 || d > 31 {
			return Profile{}, fmt.Errorf("fiscal: start day %d out of range", d)
		}
		yearStartChanged = yearStartChanged || d != profile.FiscalYearStartDay
		profile.FiscalYearStartDay = d
	}
	if changes.ReportingBasis != nil {
		profile.ReportingBasis = *changes.ReportingBasis
	}
	if changes.BaseCurrency != nil {
		profile.BaseCurrency = *changes.BaseCurrency
	}
	if changes.AllowNegativeInventory != nil {
		profile.AllowNegativeInventory = *changes.AllowNegativeInventory
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var e error
		profile, e = tx.UpsertProfile(ctx, profile)
		if e != nil {
			return e
		}
		if !yearStartChanged {
			return nil
		}
		return s.realignPeriods(ctx, tx, orgID, profile, oldMonth, oldDay)
	})
	if err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// realignPeriods applies a fiscal-year-start change without rewriting
// history or opening coverage gaps. The current fiscal year keeps its grid
// so every elapsed and in-flight month stays covered; open periods of later
// years are dropped, the months between the current year's end and the
// first start of the new calendar become transition periods appended to the
// current year (P13 onward), and full years on the new grid follow.
func (s *Service) realignPeriods(ctx context.Context, tx TxRepository, orgID int64, profile Profile, oldMonth, oldDay int) error {
	currentFY := fiscalYearFor(s.today(), oldMonth, oldDay)
	_, yearEnd := periodBounds(currentFY, oldMonth, oldDay, 12)

	if _, err := tx.DeleteOpenPeriodsEndingOnOrAfter(ctx, orgID, yearEnd.AddDate(0, 0, 1)); err != nil {
		return err
	}

	newFY := fiscalYearFor(yearEnd, profile.FiscalYearStartMonth, profile.FiscalYearStartDay) + 1
	newStart := fiscalYearStart(newFY, profile.FiscalYearStartMonth, profile.FiscalYearStartDay)

	number := 13
	for {
		exists, err := tx.PeriodExists(ctx, orgID, currentFY, number)
		if err != nil {
			return err
		}
		if !exists {
			break
		}
		number++
	}
	cur := yearEnd.AddDate(0, 0, 1)
	for cur.Before(newStart) {
		end := nextGridStart(cur, profile.FiscalYearStartDay)
		if end.After(newStart) {
			end = newStart
		}
		if _, err := tx.InsertPeriod(ctx, Period{
			OrgID:        orgID,
			FiscalYear:   currentFY,
			PeriodNumber: number,
			Name:         periodName(currentFY, number, cur),
			StartDate:    cur,
			EndDate:      end.AddDate(0, 0, -1),
			Status:       PeriodStatusOpen,
		}); err != nil {
			return err
		}
		cur = end
		number++
	}

	_, err := s.generatePeriodsTx(ctx, tx, orgID, profile, newFY)
	return err
}

// FindPeriodForDate returns the unique period containing the date.
func (s *Service) FindPeriodForDate(ctx context.Context, orgID int64, date time.Time) (Period, error) {
	return s.repo.FindPeriodForDate(ctx, orgID, date)
}

// ValidatePostingDate runs the posting-date state machine. Reversal flows set
// allowReversalInClosed so offsetting entries may land in closed periods.
func (s *Service) ValidatePostingDate(ctx context.Context, orgID int64, date time.Time, allowReversalInClosed bool) (DateValidation, error) {
	period, err := s.repo.FindPeriodForDate(ctx, orgID, date)
	if err != nil {
		if errors.Is(err, ErrPeriodNotFound) {
			return DateValidation{}, ErrPeriodNotFound
		}
		return DateValidation{}, err
	}
	switch period.Status {
	case PeriodStatusOpen:
		return DateValidation{
			Period:           period,
			RequiresReversal: period.EndDate.Before(s.today()),
		}, nil
	case PeriodStatusSoftClosed:
		if allowReversalInClosed {
			return DateValidation{Period: period}, nil
		}
		return DateValidation{}, ErrPeriodSoftClosed
	case PeriodStatusClosed:
		if allowReversalInClosed {
			return DateValidation{Period: period}, nil
		}
		return DateValidation{}, ErrPeriodClosed
	default:
		return DateValidation{}, fmt.Errorf("fiscal: unknown period status %q", period.Status)
	}
}

// ClosePeriod closes the period. Hard closes enforce front-to-back ordering;
// soft closes may run out of order.
func (s *Service) ClosePeriod(ctx context.Context, periodID, actorID int64, soft bool) (Period, error) {
	if actorID == 0 {
		return Period{}, errors.New("fiscal: actor required")
	}
	var period Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetPeriodForUpdate(ctx, periodID)
		if err != nil {
			return err
		}
		target := PeriodStatusClosed
		if soft {
			target = PeriodStatusSoftClosed
		}
		if current.Status == target {
			period = current
			return nil
		}
		if !soft {
			open, err := tx.CountOpenPriorPeriods(ctx, current.OrgID, current.FiscalYear, current.PeriodNumber)
			if err != nil {
				return err
			}
			if open > 0 {
				return ErrPriorPeriodsOpen
			}
		}
		period, err = tx.SetPeriodClosed(ctx, periodID, target, actorID)
		return err
	})
	if err != nil {
		return Period{}, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			OrgID:    period.OrgID,
			ActorID:  actorID,
			Action:   "period.close",
			Entity:   "accounting_period",
			EntityID: fmt.Sprintf("%d", period.ID),
			Meta:     map[string]any{"status": string(period.Status), "soft": soft},
			At:       s.now(),
		})
	}
	return period, nil
}

// ReopenPeriod reopens a closed period. Later closed periods do not block the
// reopen but produce a non-fatal warning; the system never auto-cascades.
func (s *Service) ReopenPeriod(ctx context.Context, periodID, actorID int64, reason string) (ReopenResult, error) {
	if actorID == 0 {
		return ReopenResult{}, errors.New("fiscal: actor required")
	}
	var result ReopenResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetPeriodForUpdate(ctx, periodID)
		if err != nil {
			return err
		}
		if current.Status == PeriodStatusOpen {
			result.Period = current
			return nil
		}
		period, err := tx.SetPeriodReopened(ctx, periodID, actorID, reason)
		if err != nil {
			return err
		}
		result.Period = period
		later, err := tx.CountClosedLaterPeriods(ctx, period.OrgID, period.FiscalYear, period.PeriodNumber)
		if err != nil {
			return err
		}
		if later > 0 {
			result.Warning = fmt.Sprintf("%d closed period(s) follow the reopened period; postings here leave an open period sandwiched between closed ones", later)
		}
		return nil
	})
	if err != nil {
		return ReopenResult{}, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			OrgID:    result.Period.OrgID,
			ActorID:  actorID,
			Action:   "period.reopen",
			Entity:   "accounting_period",
			EntityID: fmt.Sprintf("%d", result.Period.ID),
			Meta:     map[string]any{"reason": reason, "warning": result.Warning},
			At:       s.now(),
		})
	}
	return result, nil
}

// today returns the wall-clock date truncated to midnight UTC.
func (s *Service) today() time.Time {
	now := s.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}
