package ledger

import (
	"context"
	"fmt"
	"time"
)

// ReversalInput identifies the journal to reverse.
type ReversalInput struct {
	OrgID          int64  `validate:"required"`
	ActorID        int64  `validate:"required"`
	JournalID      int64  `validate:"required"`
	IdempotencyKey string `validate:"required"`
	// ReversalDate defaults to today. It is validated against the period
	// calendar with the reversal allowance, so a journal in a soft-closed
	// period can still be corrected.
	ReversalDate time.Time
	Memo         string
}

// ReversalResult reports the mirror journal created for a reversal.
type ReversalResult struct {
	OriginalJournalID int64   `json:"original_journal_id"`
	ReversalJournalID int64   `json:"reversal_journal_id"`
	TotalDebit        float64 `json:"total_debit"`
	TotalCredit       float64 `json:"total_credit"`
}

// CreateReversalJournal posts a mirror-image journal for a posted journal and
// marks the original REVERSED. The original rows are never touched beyond the
// status flip; corrections are always new entries.
func (c *Coordinator) CreateReversalJournal(ctx context.Context, in ReversalInput) (ReversalResult, error) {
	if err := validate.Struct(in); err != nil {
		return ReversalResult{}, fmt.Errorf("ledger: invalid reversal input: %w", err)
	}
	date := in.ReversalDate
	if date.IsZero() {
		date = c.now()
	}

	var result ReversalResult
	outcome, err := c.WithAccountingTransaction(ctx, OperationInput{
		OrgID:                 in.OrgID,
		ActorID:               in.ActorID,
		Operation:             "journal.reverse",
		IdempotencyKey:        in.IdempotencyKey,
		PostingDate:           date,
		AllowReversalInClosed: true,
		Payload:               in,
		Meta:                  map[string]any{"original_journal_id": in.JournalID},
	}, func(ctx context.Context, tx TxStore) (OperationResult, error) {
		reversal, err := c.reverseJournalTx(ctx, tx, in.OrgID, in.JournalID, in.ActorID, date, in.Memo)
		if err != nil {
			return OperationResult{}, err
		}
		result = ReversalResult{
			OriginalJournalID: in.JournalID,
			ReversalJournalID: reversal.ID,
			TotalDebit:        reversal.TotalDebit,
			TotalCredit:       reversal.TotalCredit,
		}
		return OperationResult{JournalIDs: []int64{reversal.ID}, Response: result}, nil
	})
	if err != nil {
		return ReversalResult{}, err
	}
	if outcome.Replayed {
		return result, unmarshalReplay(outcome.Response, &result)
	}
	return result, nil
}

// reverseJournalTx creates the mirror journal inside an open transaction so
// larger workflows (invoice void) can compose it.
func (c *Coordinator) reverseJournalTx(ctx context.Context, tx TxStore, orgID, journalID, actorID int64, date time.Time, memo string) (Journal, error) {
	original, entries, err := tx.GetJournalWithEntries(ctx, journalID)
	if err != nil {
		return Journal{}, err
	}
	if original.OrgID != orgID {
		return Journal{}, ErrJournalNotFound
	}
	if original.Status != JournalStatusPosted {
		return Journal{}, ErrJournalNotReversible
	}

	if memo == "" {
		memo = fmt.Sprintf("Reversal of journal %d", journalID)
	}
	mirrored := make([]Entry, 0, len(entries))
	for _, e := range entries {
		mirrored = append(mirrored, Entry{AccountID: e.AccountID, Debit: e.Credit, Credit: e.Debit})
	}
	reversal, err := tx.InsertJournal(ctx, Journal{
		OrgID:        orgID,
		Date:         date,
		SourceModule: original.SourceModule,
		Memo:         memo,
		Status:       JournalStatusPosted,
		ReversalOf:   &original.ID,
		TotalDebit:   original.TotalCredit,
		TotalCredit:  original.TotalDebit,
		CreatedBy:    actorID,
	}, mirrored)
	if err != nil {
		return Journal{}, err
	}
	if err := tx.SetJournalStatus(ctx, original.ID, JournalStatusReversed); err != nil {
		return Journal{}, err
	}
	return reversal, nil
}

// InventoryReversalInput identifies the stock movements of one document.
type InventoryReversalInput struct {
	OrgID          int64  `validate:"required"`
	ActorID        int64  `validate:"required"`
	SourceType     string `validate:"required"`
	SourceID       string `validate:"required"`
	IdempotencyKey string `validate:"required"`
}

// InventoryReversalResult lists the reversal movements created.
type InventoryReversalResult struct {
	ReversedMovementIDs []int64 `json:"reversed_movement_ids"`
	ReversalMovementIDs []int64 `json:"reversal_movement_ids"`
}

// CreateInventoryReversal flips every active movement a source document
// produced. Issues restore their layer quantities; receipts retire their
// layers. No new cost layers are created.
func (c *Coordinator) CreateInventoryReversal(ctx context.Context, in InventoryReversalInput) (InventoryReversalResult, error) {
	if err := validate.Struct(in); err != nil {
		return InventoryReversalResult{}, fmt.Errorf("ledger: invalid inventory reversal input: %w", err)
	}

	var result InventoryReversalResult
	outcome, err := c.WithAccountingTransaction(ctx, OperationInput{
		OrgID:          in.OrgID,
		ActorID:        in.ActorID,
		Operation:      "inventory.reverse",
		IdempotencyKey: in.IdempotencyKey,
		Payload:        in,
		Meta:           map[string]any{"source_type": in.SourceType, "source_id": in.SourceID},
	}, func(ctx context.Context, tx TxStore) (OperationResult, error) {
		ids, err := tx.ListActiveMovementIDsBySource(ctx, in.OrgID, in.SourceType, in.SourceID)
		if err != nil {
			return OperationResult{}, err
		}
		result = InventoryReversalResult{}
		changes := make([]InventoryChange, 0, len(ids))
		for _, id := range ids {
			reversal, err := c.inventory.ReverseMovement(ctx, tx.Inventory(), id)
			if err != nil {
				return OperationResult{}, err
			}
			result.ReversedMovementIDs = append(result.ReversedMovementIDs, id)
			result.ReversalMovementIDs = append(result.ReversalMovementIDs, reversal.ID)
			changes = append(changes, InventoryChange{ItemID: reversal.ItemID, WarehouseID: reversal.WarehouseID})
		}
		return OperationResult{InventoryChanges: changes, Response: result}, nil
	})
	if err != nil {
		return InventoryReversalResult{}, err
	}
	if outcome.Replayed {
		return result, unmarshalReplay(outcome.Response, &result)
	}
	return result, nil
}
