package ledger

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// JournalStatus enumerates journal lifecycle values.
type JournalStatus string

const (
	JournalStatusPosted   JournalStatus = "POSTED"
	JournalStatusReversed JournalStatus = "REVERSED"
)

// Journal groups balanced entries. sum(debit) == sum(credit) holds for every
// journal in POSTED or REVERSED state; the coordinator re-derives and stamps
// the denormalized totals after every mutation.
type Journal struct {
	ID           int64
	OrgID        int64
	Date         time.Time
	SourceModule string
	SourceID     uuid.UUID
	Memo         string
	Status       JournalStatus
	ReversalOf   *int64
	TotalDebit   float64
	TotalCredit  float64
	CreatedBy    int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Entry carries a debit or credit against an account, never both.
type Entry struct {
	ID        int64
	JournalID int64
	AccountID int64
	Debit     float64
	Credit    float64
}

// IdempotencyStatus tracks the mutation replay state machine:
// (absent) -> PROCESSING -> {COMPLETED | FAILED}; FAILED -> PROCESSING is the
// only re-entry; COMPLETED is terminal and replay-only.
type IdempotencyStatus string

const (
	IdempotencyProcessing IdempotencyStatus = "PROCESSING"
	IdempotencyCompleted  IdempotencyStatus = "COMPLETED"
	IdempotencyFailed     IdempotencyStatus = "FAILED"
)

// IdempotencyRecord caches one keyed operation execution.
type IdempotencyRecord struct {
	OrgID       int64
	Operation   string
	Key         string
	Fingerprint string
	Status      IdempotencyStatus
	Response    []byte
	Error       string
	ExpiresAt   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// InvoiceStatus enumerates the document states the void workflow observes.
type InvoiceStatus string

const (
	InvoiceStatusOpen InvoiceStatus = "OPEN"
	InvoiceStatusPaid InvoiceStatus = "PAID"
	InvoiceStatusVoid InvoiceStatus = "VOID"
)

// Invoice is the document shape the void workflow operates on.
type Invoice struct {
	ID        int64
	OrgID     int64
	Number    string
	Status    InvoiceStatus
	Total     float64
	JournalID *int64
}

// InventoryChange identifies stock touched by a wrapped operation so the
// coordinator can verify the negative-inventory policy before commit.
type InventoryChange struct {
	ItemID      int64
	WarehouseID int64
}

// AccountBalance is one trial balance row.
type AccountBalance struct {
	AccountID int64
	Code      string
	Name      string
	Type      string
	Debits    float64
	Credits   float64
}

// TrialBalance aggregates posted entries per account as of a date.
type TrialBalance struct {
	AsOf         time.Time
	Accounts     []AccountBalance
	TotalDebits  float64
	TotalCredits float64
	IsBalanced   bool
}

var (
	// ErrUnbalancedJournal indicates entry sums diverge beyond a cent.
	ErrUnbalancedJournal = errors.New("ledger: journal debits and credits do not balance")
	// ErrAlreadyInProgress indicates a concurrent request holds the key.
	ErrAlreadyInProgress = errors.New("ledger: operation already in progress for this idempotency key")
	// ErrIdempotencyConflict indicates key reuse with a different payload.
	ErrIdempotencyConflict = errors.New("ledger: idempotency key reused with a different request")
	// ErrNegativeInventory indicates the organization disallows negative stock.
	ErrNegativeInventory = errors.New("ledger: operation would drive inventory negative")
	// ErrJournalNotFound indicates a missing journal row.
	ErrJournalNotFound = errors.New("ledger: journal not found")
	// ErrJournalNotReversible indicates the journal is not in POSTED state.
	ErrJournalNotReversible = errors.New("ledger: only posted journals can be reversed")
	// ErrAlreadyVoided indicates the document was voided before.
	ErrAlreadyVoided = errors.New("ledger: document already voided")
	// ErrHasPayments indicates payments must be voided first.
	ErrHasPayments = errors.New("ledger: invoice has recorded payments")
	// ErrInvoiceNotFound indicates a missing invoice row.
	ErrInvoiceNotFound = errors.New("ledger: invoice not found")
	// ErrRecordNotFound indicates a missing idempotency record.
	ErrRecordNotFound = errors.New("ledger: idempotency record not found")
)
