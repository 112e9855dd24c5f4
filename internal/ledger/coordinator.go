package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ledgerline/ledgerline/internal/fiscal"
	"github.com/ledgerline/ledgerline/internal/inventory"
	"github.com/ledgerline/ledgerline/internal/shared"
)

var validate = validator.New()

// balanceTolerance is the cent tolerance for debit/credit equality.
const balanceTolerance = 0.01

// Store is the ledger store port the coordinator drives.
type Store interface {
	WithTx(ctx context.Context, timeout time.Duration, fn func(context.Context, TxStore) error) error
	GetIdempotencyRecord(ctx context.Context, orgID int64, operation, key string) (IdempotencyRecord, error)
	MarkIdempotencyFailed(ctx context.Context, rec IdempotencyRecord, message string) error
	QueryTrialBalance(ctx context.Context, orgID int64, asOf time.Time) ([]AccountBalance, error)
}

// TxStore exposes the mutations available inside one coordinator transaction.
type TxStore interface {
	BeginProcessing(ctx context.Context, rec IdempotencyRecord) error
	MarkCompleted(ctx context.Context, orgID int64, operation, key string, response []byte) error
	RestampJournal(ctx context.Context, journalID int64) (debit, credit float64, err error)
	ActiveLayerQuantity(ctx context.Context, orgID, itemID, warehouseID int64) (float64, error)
	RecordAudit(ctx context.Context, log shared.AuditLog) error
	GetJournalWithEntries(ctx context.Context, journalID int64) (Journal, []Entry, error)
	InsertJournal(ctx context.Context, journal Journal, entries []Entry) (Journal, error)
	SetJournalStatus(ctx context.Context, journalID int64, status JournalStatus) error
	GetInvoiceForUpdate(ctx context.Context, orgID, invoiceID int64) (Invoice, error)
	CountInvoicePayments(ctx context.Context, invoiceID int64) (int, error)
	MarkInvoiceVoided(ctx context.Context, invoiceID, actorID int64, reason string) error
	ListActiveMovementIDsBySource(ctx context.Context, orgID int64, sourceType, sourceID string) ([]int64, error)
	Inventory() inventory.TxRepository
}

// PeriodValidator checks posting dates against the fiscal calendar.
type PeriodValidator interface {
	ValidatePostingDate(ctx context.Context, orgID int64, date time.Time, allowReversalInClosed bool) (fiscal.DateValidation, error)
}

// ProfileProvider exposes the organization's policy flags.
type ProfileProvider interface {
	GetOrCreateProfile(ctx context.Context, orgID int64) (fiscal.Profile, error)
}

// InventoryReverser flips movements on a shared transaction.
type InventoryReverser interface {
	ReverseMovement(ctx context.Context, tx inventory.TxRepository, movementID int64) (inventory.Movement, error)
}

// MetricsPort records operation outcomes.
type MetricsPort interface {
	ObserveOperation(operation, outcome string, elapsed time.Duration)
}

// Coordinator is the single gateway for mutating accounting operations,
// guaranteeing atomicity, idempotence, and auditability.
type Coordinator struct {
	store     Store
	periods   PeriodValidator
	profiles  ProfileProvider
	inventory InventoryReverser
	metrics   MetricsPort
	txTimeout time.Duration
	idemTTL   time.Duration
	now       func() time.Time
}

// CoordinatorConfig groups optional settings.
type CoordinatorConfig struct {
	TxTimeout      time.Duration
	IdempotencyTTL time.Duration
}

// NewCoordinator constructs the transaction safety coordinator.
func NewCoordinator(store Store, periods PeriodValidator, profiles ProfileProvider, inv InventoryReverser, metrics MetricsPort, cfg CoordinatorConfig) *Coordinator {
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = 30 * time.Second
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	return &Coordinator{
		store:     store,
		periods:   periods,
		profiles:  profiles,
		inventory: inv,
		metrics:   metrics,
		txTimeout: cfg.TxTimeout,
		idemTTL:   cfg.IdempotencyTTL,
		now:       time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (c *Coordinator) WithNow(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

// OperationInput identifies one mutating operation.
type OperationInput struct {
	OrgID          int64  `validate:"required"`
	ActorID        int64  `validate:"required"`
	Operation      string `validate:"required"`
	IdempotencyKey string
	// PostingDate is validated against the period calendar when non-zero.
	PostingDate           time.Time
	AllowReversalInClosed bool
	// Payload is fingerprinted to detect idempotency key reuse with a
	// different request body.
	Payload any
	Meta    map[string]any
}

// OperationResult is what a wrapped function reports back for verification.
type OperationResult struct {
	JournalIDs       []int64
	InventoryChanges []InventoryChange
	Response         any
}

// Outcome is the caller-facing result of a wrapped operation.
type Outcome struct {
	Response json.RawMessage
	Replayed bool
	// RequiresReversal surfaces the back-dated-posting flag from period
	// validation.
	RequiresReversal bool
}

// Fn is the domain mutation executed inside the coordinator transaction.
type Fn func(ctx context.Context, tx TxStore) (OperationResult, error)

// WithAccountingTransaction executes fn atomically with idempotency, period
// validation, journal balance enforcement, inventory policy checks, and an
// audit trail. On failure the idempotency record is marked FAILED and the
// transaction rolls back fully; no partial ledger mutation survives.
func (c *Coordinator) WithAccountingTransaction(ctx context.Context, in OperationInput, fn Fn) (Outcome, error) {
	if err := validate.Struct(in); err != nil {
		return Outcome{}, fmt.Errorf("ledger: invalid operation input: %w", err)
	}

	rec := IdempotencyRecord{
		OrgID:       in.OrgID,
		Operation:   in.Operation,
		Key:         in.IdempotencyKey,
		Fingerprint: fingerprint(in.Payload),
		Status:      IdempotencyProcessing,
		ExpiresAt:   c.now().Add(c.idemTTL),
	}
	if in.IdempotencyKey != "" {
		existing, err := c.store.GetIdempotencyRecord(ctx, in.OrgID, in.Operation, in.IdempotencyKey)
		switch {
		case errors.Is(err, ErrRecordNotFound):
			// First use of the key.
		case err != nil:
			return Outcome{}, err
		default:
			if existing.Fingerprint != rec.Fingerprint {
				return Outcome{}, ErrIdempotencyConflict
			}
			switch existing.Status {
			case IdempotencyCompleted:
				c.observe(in.Operation, "replayed", 0)
				return Outcome{Response: existing.Response, Replayed: true}, nil
			case IdempotencyProcessing:
				return Outcome{}, ErrAlreadyInProgress
			case IdempotencyFailed:
				// Explicit retry; re-enter PROCESSING below.
			}
		}
	}

	// Validate the posting date outside the transaction to fail fast.
	requiresReversal := false
	if !in.PostingDate.IsZero() {
		validation, err := c.periods.ValidatePostingDate(ctx, in.OrgID, in.PostingDate, in.AllowReversalInClosed)
		if err != nil {
			return Outcome{}, err
		}
		requiresReversal = validation.RequiresReversal
	}

	start := c.now()
	var outcome Outcome
	err := c.store.WithTx(ctx, c.txTimeout, func(ctx context.Context, tx TxStore) error {
		if in.IdempotencyKey != "" {
			if err := tx.BeginProcessing(ctx, rec); err != nil {
				return err
			}
		}

		result, err := fn(ctx, tx)
		if err != nil {
			return err
		}

		for _, journalID := range result.JournalIDs {
			debit, credit, err := tx.RestampJournal(ctx, journalID)
			if err != nil {
				return err
			}
			if math.Abs(debit-credit) > balanceTolerance {
				return fmt.Errorf("%w: journal %d debit %.2f credit %.2f", ErrUnbalancedJournal, journalID, debit, credit)
			}
		}

		if len(result.InventoryChanges) > 0 {
			profile, err := c.profiles.GetOrCreateProfile(ctx, in.OrgID)
			if err != nil {
				return err
			}
			if !profile.AllowNegativeInventory {
				for _, change := range result.InventoryChanges {
					qty, err := tx.ActiveLayerQuantity(ctx, in.OrgID, change.ItemID, change.WarehouseID)
					if err != nil {
						return err
					}
					if qty < -1e-4 {
						return fmt.Errorf("%w: item %d warehouse %d quantity %.4f", ErrNegativeInventory, change.ItemID, change.WarehouseID, qty)
					}
				}
			}
		}

		response, err := json.Marshal(result.Response)
		if err != nil {
			return fmt.Errorf("ledger: marshal response: %w", err)
		}
		if in.IdempotencyKey != "" {
			if err := tx.MarkCompleted(ctx, in.OrgID, in.Operation, in.IdempotencyKey, response); err != nil {
				return err
			}
		}

		if err := tx.RecordAudit(ctx, shared.AuditLog{
			OrgID:    in.OrgID,
			ActorID:  in.ActorID,
			Action:   in.Operation,
			Entity:   "accounting_operation",
			EntityID: auditEntityID(result.JournalIDs, in.IdempotencyKey),
			Meta:     auditMeta(in, result),
			At:       c.now(),
		}); err != nil {
			return err
		}

		outcome = Outcome{Response: response, RequiresReversal: requiresReversal}
		return nil
	})
	if err != nil {
		// The rollback erased the PROCESSING marker; record the failure so
		// the caller can retry under the same key.
		if in.IdempotencyKey != "" && !errors.Is(err, ErrAlreadyInProgress) {
			_ = c.store.MarkIdempotencyFailed(ctx, rec, err.Error())
		}
		c.observe(in.Operation, "failed", c.now().Sub(start))
		return Outcome{}, err
	}
	c.observe(in.Operation, "completed", c.now().Sub(start))
	return outcome, nil
}

func (c *Coordinator) observe(operation, outcome string, elapsed time.Duration) {
	if c.metrics != nil {
		c.metrics.ObserveOperation(operation, outcome, elapsed)
	}
}

// fingerprint hashes the canonical JSON encoding of the request payload.
func fingerprint(payload any) string {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", payload))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func auditEntityID(journalIDs []int64, key string) string {
	if len(journalIDs) > 0 {
		return fmt.Sprintf("journal:%d", journalIDs[0])
	}
	if key != "" {
		return "key:" + key
	}
	return "unkeyed"
}

func auditMeta(in OperationInput, result OperationResult) map[string]any {
	meta := make(map[string]any, len(in.Meta)+2)
	for k, v := range in.Meta {
		meta[k] = v
	}
	if len(result.JournalIDs) > 0 {
		meta["journal_ids"] = result.JournalIDs
	}
	if len(result.InventoryChanges) > 0 {
		meta["inventory_changes"] = len(result.InventoryChanges)
	}
	return meta
}
