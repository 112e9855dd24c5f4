package ledger

import (
	"context"
	"encoding/json"
	"fmt"
)

// VoidInvoiceInput identifies the invoice to void.
type VoidInvoiceInput struct {
	OrgID          int64  `validate:"required"`
	ActorID        int64  `validate:"required"`
	InvoiceID      int64  `validate:"required"`
	Reason         string `validate:"required"`
	IdempotencyKey string `validate:"required"`
}

// VoidInvoiceResult reports everything the void touched.
type VoidInvoiceResult struct {
	InvoiceID           int64   `json:"invoice_id"`
	ReversalJournalID   *int64  `json:"reversal_journal_id,omitempty"`
	ReversedMovementIDs []int64 `json:"reversed_movement_ids,omitempty"`
}

// VoidInvoice voids an open invoice: its journal is reversed with a mirror
// journal, its stock movements are flipped, and the document is flagged VOID.
// Invoices with recorded payments are rejected until the payments are voided.
func (c *Coordinator) VoidInvoice(ctx context.Context, in VoidInvoiceInput) (VoidInvoiceResult, error) {
	if err := validate.Struct(in); err != nil {
		return VoidInvoiceResult{}, fmt.Errorf("ledger: invalid void input: %w", err)
	}
	date := c.now()

	var result VoidInvoiceResult
	outcome, err := c.WithAccountingTransaction(ctx, OperationInput{
		OrgID:                 in.OrgID,
		ActorID:               in.ActorID,
		Operation:             "invoice.void",
		IdempotencyKey:        in.IdempotencyKey,
		PostingDate:           date,
		AllowReversalInClosed: true,
		Payload:               in,
		Meta:                  map[string]any{"invoice_id": in.InvoiceID, "reason": in.Reason},
	}, func(ctx context.Context, tx TxStore) (OperationResult, error) {
		invoice, err := tx.GetInvoiceForUpdate(ctx, in.OrgID, in.InvoiceID)
		if err != nil {
			return OperationResult{}, err
		}
		if invoice.Status == InvoiceStatusVoid {
			return OperationResult{}, ErrAlreadyVoided
		}
		payments, err := tx.CountInvoicePayments(ctx, in.InvoiceID)
		if err != nil {
			return OperationResult{}, err
		}
		if payments > 0 {
			return OperationResult{}, ErrHasPayments
		}

		result = VoidInvoiceResult{InvoiceID: in.InvoiceID}
		var journalIDs []int64
		if invoice.JournalID != nil {
			reversal, err := c.reverseJournalTx(ctx, tx, in.OrgID, *invoice.JournalID, in.ActorID, date,
				fmt.Sprintf("Void of invoice %s: %s", invoice.Number, in.Reason))
			if err != nil {
				return OperationResult{}, err
			}
			result.ReversalJournalID = &reversal.ID
			journalIDs = append(journalIDs, reversal.ID)
		}

		movementIDs, err := tx.ListActiveMovementIDsBySource(ctx, in.OrgID, "INVOICE", fmt.Sprintf("%d", in.InvoiceID))
		if err != nil {
			return OperationResult{}, err
		}
		changes := make([]InventoryChange, 0, len(movementIDs))
		for _, id := range movementIDs {
			reversal, err := c.inventory.ReverseMovement(ctx, tx.Inventory(), id)
			if err != nil {
				return OperationResult{}, err
			}
			result.ReversedMovementIDs = append(result.ReversedMovementIDs, id)
			changes = append(changes, InventoryChange{ItemID: reversal.ItemID, WarehouseID: reversal.WarehouseID})
		}

		if err := tx.MarkInvoiceVoided(ctx, in.InvoiceID, in.ActorID, in.Reason); err != nil {
			return OperationResult{}, err
		}
		return OperationResult{JournalIDs: journalIDs, InventoryChanges: changes, Response: result}, nil
	})
	if err != nil {
		return VoidInvoiceResult{}, err
	}
	if outcome.Replayed {
		return result, unmarshalReplay(outcome.Response, &result)
	}
	return result, nil
}

// unmarshalReplay decodes a cached response for an idempotent replay.
func unmarshalReplay(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
