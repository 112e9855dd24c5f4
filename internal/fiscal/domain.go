package fiscal

import (
	"context"
	"errors"
	"time"
)

// PeriodStatus enumerates accounting period lifecycle stages.
type PeriodStatus string

const (
	PeriodStatusOpen       PeriodStatus = "OPEN"
	PeriodStatusSoftClosed PeriodStatus = "SOFT_CLOSED"
	PeriodStatusClosed     PeriodStatus = "CLOSED"
)

// ClosingRunStatus captures the lifecycle of a year-end closing run.
type ClosingRunStatus string

const (
	ClosingRunProcessing ClosingRunStatus = "PROCESSING"
	ClosingRunCompleted  ClosingRunStatus = "COMPLETED"
	ClosingRunFailed     ClosingRunStatus = "FAILED"
)

// ReportingBasis selects the recognition basis for an organization.
type ReportingBasis string

const (
	BasisAccrual ReportingBasis = "ACCRUAL"
	BasisCash    ReportingBasis = "CASH"
)

// Profile holds per-organization fiscal settings. Created lazily with
// calendar-year accrual defaults on first access.
type Profile struct {
	OrgID                     int64
	FiscalYearStartMonth      int
	FiscalYearStartDay        int
	ReportingBasis            ReportingBasis
	BaseCurrency              string
	RetainedEarningsAccountID int64
	AllowNegativeInventory    bool
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

// Period represents one fiscal period window scoped to an organization.
// Exactly one period covers any calendar date per organization.
type Period struct {
	ID           int64
	OrgID        int64
	FiscalYear   int
	PeriodNumber int
	Name         string
	StartDate    time.Time
	EndDate      time.Time
	Status       PeriodStatus
	ClosedBy     *int64
	ClosedAt     *time.Time
	ReopenedBy   *int64
	ReopenedAt   *time.Time
	ReopenReason string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Contains reports whether the period range covers the date.
func (p Period) Contains(date time.Time) bool {
	d := date.Truncate(24 * time.Hour)
	return !d.Before(p.StartDate) && !d.After(p.EndDate)
}

// ClosingRun records one year-end close execution. At most one completed
// run exists per (organization, fiscal year).
type ClosingRun struct {
	ID               int64
	OrgID            int64
	FiscalYear       int
	Status           ClosingRunStatus
	TotalIncome      float64
	TotalExpenses    float64
	NetIncome        float64
	ClosingJournalID *int64
	Error            string
	CreatedBy        int64
	CreatedAt        time.Time
	CompletedAt      *time.Time
}

// DateValidation is the result of checking a posting date against the
// period calendar.
type DateValidation struct {
	Period Period
	// RequiresReversal flags back-dated postings into a period that is
	// still open but has already elapsed.
	RequiresReversal bool
}

// ProfileChanges carries partial profile updates; nil fields are untouched.
type ProfileChanges struct {
	FiscalYearStartMonth   *int
	FiscalYearStartDay     *int
	ReportingBasis         *ReportingBasis
	BaseCurrency           *string
	AllowNegativeInventory *bool
}

// AccountActivity aggregates credit-minus-debit per account over a range.
type AccountActivity struct {
	AccountID   int64
	AccountType string
	// Net is credits minus debits over the queried range.
	Net float64
}

// ClosingEntry is one line of the generated closing journal.
type ClosingEntry struct {
	AccountID int64
	Debit     float64
	Credit    float64
}

// YearEndResult summarises a completed year-end close.
type YearEndResult struct {
	Run              ClosingRun
	ClosingJournalID int64
	PeriodsClosed    int
}

// ReopenResult carries the reopened period plus a non-fatal consistency
// warning when later periods remain closed.
type ReopenResult struct {
	Period  Period
	Warning string
}

var (
	// ErrPeriodNotFound indicates no period covers the posting date.
	ErrPeriodNotFound = errors.New("fiscal: no period covers the posting date")
	// ErrPeriodSoftClosed indicates posting into a soft-closed period.
	ErrPeriodSoftClosed = errors.New("fiscal: period is soft closed")
	// ErrPeriodClosed indicates posting into a closed period.
	ErrPeriodClosed = errors.New("fiscal: period is closed")
	// ErrPriorPeriodsOpen indicates a close-order violation.
	ErrPriorPeriodsOpen = errors.New("fiscal: earlier periods are still open")
	// ErrYearAlreadyClosed indicates a completed closing run already exists.
	ErrYearAlreadyClosed = errors.New("fiscal: fiscal year already closed")
	// ErrClosingRunFailed wraps a year-end close failure.
	ErrClosingRunFailed = errors.New("fiscal: year-end closing run failed")
	// ErrProfileNotFound indicates a missing organization profile.
	ErrProfileNotFound = errors.New("fiscal: organization profile not found")
	// ErrPeriodNotFoundByID indicates a missing period row.
	ErrPeriodNotFoundByID = errors.New("fiscal: period not found")
)

// Account roles resolved through the account resolution collaborator.
const (
	RoleRetainedEarnings     = "RETAINED_EARNINGS"
	RoleOpeningBalanceEquity = "OPENING_BALANCE_EQUITY"
	RoleCostOfGoodsSold      = "COST_OF_GOODS_SOLD"
	RoleInventoryAsset       = "INVENTORY_ASSET"
	RoleARControl            = "AR_CONTROL"
)

// AccountResolver returns the account id for a semantic role, creating the
// account on first use if absent.
type AccountResolver interface {
	Resolve(ctx context.Context, orgID int64, role string) (int64, error)
}
