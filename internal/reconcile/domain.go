package reconcile

import (
	"errors"
	"time"
)

// RunType records how a reconciliation run was started.
type RunType string

const (
	RunTypeScheduled RunType = "SCHEDULED"
	RunTypeOnDemand  RunType = "ON_DEMAND"
)

// RunStatus is the aggregate outcome of a run. Any check-level error forces
// FAILED so operators never see a false healthy status.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "RUNNING"
	RunStatusClean    RunStatus = "CLEAN"
	RunStatusVariance RunStatus = "VARIANCE"
	RunStatusFailed   RunStatus = "FAILED"
)

// CheckStatus is the outcome of one isolated check.
type CheckStatus string

const (
	CheckStatusOK       CheckStatus = "OK"
	CheckStatusVariance CheckStatus = "VARIANCE"
	CheckStatusError    CheckStatus = "ERROR"
)

// Check names.
const (
	CheckTrialBalance = "TRIAL_BALANCE"
	CheckInventory    = "INVENTORY"
	CheckARControl    = "AR_CONTROL"
)

// Severity buckets variances by magnitude for triage ordering.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Run is one reconciliation execution snapshot.
type Run struct {
	ID            int64
	OrgID         int64
	RunType       RunType
	Status        RunStatus
	TotalVariance float64
	VarianceCount int
	CheckResults  []CheckResult
	StartedBy     int64
	StartedAt     time.Time
	CompletedAt   *time.Time
}

// CheckResult summarises one check inside a run.
type CheckResult struct {
	Check    string
	Status   CheckStatus
	Error    string
	Expected float64
	Actual   float64
}

// Variance is one persisted discrepancy awaiting triage.
type Variance struct {
	ID          int64
	RunID       int64
	OrgID       int64
	Check       string
	Kind        string
	RefID       string
	Expected    float64
	Actual      float64
	Amount      float64
	Severity    Severity
	Resolved    bool
	ResolvedBy  *int64
	ResolvedAt  *time.Time
	Notes       string
	DetectedAt  time.Time
}

// Summary is the caller-facing aggregation of one run.
type Summary struct {
	RunID           int64
	Status          RunStatus
	TotalVariance   float64
	CountBySeverity map[Severity]int
	Checks          []CheckResult
	HasCritical     bool
}

var (
	// ErrCheckFailed wraps a check-level execution error.
	ErrCheckFailed = errors.New("reconcile: check execution failed")
	// ErrVarianceNotFound indicates a missing variance row.
	ErrVarianceNotFound = errors.New("reconcile: variance not found")
	// ErrVarianceResolved indicates the variance was already resolved.
	ErrVarianceResolved = errors.New("reconcile: variance already resolved")
)
