package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ledgerline/ledgerline/internal/fiscal"
)

var validate = validator.New()

// PeriodValidator checks posting dates against the fiscal calendar.
type PeriodValidator interface {
	ValidatePostingDate(ctx context.Context, orgID int64, date time.Time, allowReversalInClosed bool) (fiscal.DateValidation, error)
}

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetLevels(ctx context.Context, orgID, itemID int64) ([]WarehouseLevel, error)
}

// TxRepository exposes layer and movement mutations inside a transaction.
type TxRepository interface {
	InsertLayer(ctx context.Context, layer Layer) (Layer, error)
	SelectLayersForConsumption(ctx context.Context, orgID, itemID, warehouseID int64, asOf time.Time) ([]Layer, error)
	AddLayerQuantity(ctx context.Context, layerID int64, delta float64) error
	SetLayerStatus(ctx context.Context, layerID int64, status LayerStatus) error
	InsertMovement(ctx context.Context, movement Movement) (Movement, error)
	GetMovementForUpdate(ctx context.Context, id int64) (Movement, error)
	SetMovementStatus(ctx context.Context, id int64, status MovementStatus) error
	InsertTwoLineJournal(ctx context.Context, in JournalInput) (int64, error)
}

// JournalInput describes the two-line journals the engine posts itself
// (opening balance and cost of goods sold).
type JournalInput struct {
	OrgID         int64
	Date          time.Time
	SourceModule  string
	Memo          string
	DebitAccount  int64
	CreditAccount int64
	Amount        float64
	ActorID       int64
}

// Service tracks inventory cost using strict first-in-first-out layers.
type Service struct {
	repo     RepositoryPort
	periods  PeriodValidator
	accounts fiscal.AccountResolver
	now      func() time.Time
}

// NewService builds the costing engine.
func NewService(repo RepositoryPort, periods PeriodValidator, accounts fiscal.AccountResolver) *Service {
	return &Service{repo: repo, periods: periods, accounts: accounts, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CreateOpeningBalance atomically posts the opening journal (debit inventory
// asset, credit opening balance equity) and seeds the first layer.
func (s *Service) CreateOpeningBalance(ctx context.Context, in OpeningBalanceInput) (OpeningBalanceResult, error) {
	if err := validate.Struct(in); err != nil {
		return OpeningBalanceResult{}, fmt.Errorf("inventory: invalid opening balance input: %w", err)
	}
	asOf := s.postingDate(in.AsOfDate)
	if _, err := s.periods.ValidatePostingDate(ctx, in.OrgID, asOf, false); err != nil {
		return OpeningBalanceResult{}, err
	}
	assetAccount, err := s.accounts.Resolve(ctx, in.OrgID, fiscal.RoleInventoryAsset)
	if err != nil {
		return OpeningBalanceResult{}, err
	}
	equityAccount, err := s.accounts.Resolve(ctx, in.OrgID, fiscal.RoleOpeningBalanceEquity)
	if err != nil {
		return OpeningBalanceResult{}, err
	}

	var result OpeningBalanceResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		journalID, err := tx.InsertTwoLineJournal(ctx, JournalInput{
			OrgID:         in.OrgID,
			Date:          asOf,
			SourceModule:  "INVENTORY_OPENING",
			Memo:          fmt.Sprintf("Opening balance item %d warehouse %d", in.ItemID, in.WarehouseID),
			DebitAccount:  assetAccount,
			CreditAccount: equityAccount,
			Amount:        in.Quantity * in.UnitCost,
			ActorID:       in.ActorID,
		})
		if err != nil {
			return err
		}
		layer, err := tx.InsertLayer(ctx, Layer{
			OrgID:             in.OrgID,
			ItemID:            in.ItemID,
			WarehouseID:       in.WarehouseID,
			QuantityRemaining: in.Quantity,
			UnitCost:          in.UnitCost,
			SourceType:        MovementTypeOpeningBalance,
			Status:            LayerStatusActive,
			CreatedAt:         asOf,
		})
		if err != nil {
			return err
		}
		movement, err := tx.InsertMovement(ctx, Movement{
			OrgID:        in.OrgID,
			ItemID:       in.ItemID,
			WarehouseID:  in.WarehouseID,
			LayerID:      layer.ID,
			Direction:    DirectionIn,
			Quantity:     in.Quantity,
			UnitCost:     in.UnitCost,
			TotalValue:   in.Quantity * in.UnitCost,
			MovementType: MovementTypeOpeningBalance,
			JournalID:    &journalID,
			Status:       MovementStatusActive,
			PostingDate:  asOf,
		})
		if err != nil {
			return err
		}
		result = OpeningBalanceResult{Layer: layer, MovementID: movement.ID, JournalID: journalID}
		return nil
	})
	if err != nil {
		return OpeningBalanceResult{}, err
	}
	return result, nil
}

// ProcessInbound creates a new cost layer and an IN movement.
func (s *Service) ProcessInbound(ctx context.Context, in InboundInput) (Movement, error) {
	if err := validate.Struct(in); err != nil {
		return Movement{}, fmt.Errorf("inventory: invalid inbound input: %w", err)
	}
	postingDate := s.postingDate(in.PostingDate)
	if _, err := s.periods.ValidatePostingDate(ctx, in.OrgID, postingDate, false); err != nil {
		return Movement{}, err
	}
	var movement Movement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		layer, err := tx.InsertLayer(ctx, Layer{
			OrgID:             in.OrgID,
			ItemID:            in.ItemID,
			WarehouseID:       in.WarehouseID,
			QuantityRemaining: in.Quantity,
			UnitCost:          in.UnitCost,
			SourceType:        in.SourceType,
			SourceID:          in.SourceID,
			Status:            LayerStatusActive,
			CreatedAt:         postingDate,
		})
		if err != nil {
			return err
		}
		movement, err = tx.InsertMovement(ctx, Movement{
			OrgID:        in.OrgID,
			ItemID:       in.ItemID,
			WarehouseID:  in.WarehouseID,
			LayerID:      layer.ID,
			Direction:    DirectionIn,
			Quantity:     in.Quantity,
			UnitCost:     in.UnitCost,
			TotalValue:   in.Quantity * in.UnitCost,
			MovementType: MovementTypeReceipt,
			SourceType:   in.SourceType,
			SourceID:     in.SourceID,
			Status:       MovementStatusActive,
			PostingDate:  postingDate,
		})
		return err
	})
	if err != nil {
		return Movement{}, err
	}
	return movement, nil
}

// ProcessOutbound consumes layers FIFO inside its own bounded transaction.
func (s *Service) ProcessOutbound(ctx context.Context, in OutboundInput) (OutboundResult, error) {
	if err := s.validateOutbound(ctx, &in); err != nil {
		return OutboundResult{}, err
	}
	var result OutboundResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var e error
		result, e = s.consumeLayers(ctx, tx, in)
		return e
	})
	if err != nil {
		return OutboundResult{}, err
	}
	return result, nil
}

// ProcessOutboundWith consumes layers on a caller-supplied transaction so the
// issue composes into a larger atomic operation.
func (s *Service) ProcessOutboundWith(ctx context.Context, tx TxRepository, in OutboundInput) (OutboundResult, error) {
	if err := s.validateOutbound(ctx, &in); err != nil {
		return OutboundResult{}, err
	}
	return s.consumeLayers(ctx, tx, in)
}

func (s *Service) validateOutbound(ctx context.Context, in *OutboundInput) error {
	if err := validate.Struct(*in); err != nil {
		return fmt.Errorf("inventory: invalid outbound input: %w", err)
	}
	in.PostingDate = s.postingDate(in.PostingDate)
	_, err := s.periods.ValidatePostingDate(ctx, in.OrgID, in.PostingDate, false)
	return err
}

// consumeLayers walks eligible layers oldest-first. A layer created after the
// posting date is never consumed, even when it already exists at execution
// time; back-dated issues must cost against the layers of their own day.
func (s *Service) consumeLayers(ctx context.Context, tx TxRepository, in OutboundInput) (OutboundResult, error) {
	layers, err := tx.SelectLayersForConsumption(ctx, in.OrgID, in.ItemID, in.WarehouseID, in.PostingDate)
	if err != nil {
		return OutboundResult{}, err
	}
	available := 0.0
	for _, l := range layers {
		available += l.QuantityRemaining
	}
	if available+1e-9 < in.Quantity {
		return OutboundResult{}, fmt.Errorf("%w: requested %.4f, available %.4f", ErrInsufficientInventory, in.Quantity, available)
	}

	result := OutboundResult{Quantity: in.Quantity}
	remaining := in.Quantity
	for _, layer := range layers {
		if remaining <= 1e-9 {
			break
		}
		take := layer.QuantityRemaining
		if take > remaining {
			take = remaining
		}
		if err := tx.AddLayerQuantity(ctx, layer.ID, -take); err != nil {
			return OutboundResult{}, err
		}
		movement, err := tx.InsertMovement(ctx, Movement{
			OrgID:        in.OrgID,
			ItemID:       in.ItemID,
			WarehouseID:  in.WarehouseID,
			LayerID:      layer.ID,
			Direction:    DirectionOut,
			Quantity:     take,
			UnitCost:     layer.UnitCost,
			TotalValue:   take * layer.UnitCost,
			MovementType: MovementTypeIssue,
			SourceType:   in.SourceType,
			SourceID:     in.SourceID,
			Status:       MovementStatusActive,
			PostingDate:  in.PostingDate,
		})
		if err != nil {
			return OutboundResult{}, err
		}
		result.Consumed = append(result.Consumed, LayerConsumption{
			LayerID:  layer.ID,
			Quantity: take,
			UnitCost: layer.UnitCost,
			Cost:     take * layer.UnitCost,
		})
		result.MovementIDs = append(result.MovementIDs, movement.ID)
		result.TotalCost += take * layer.UnitCost
		remaining -= take
	}
	result.AverageCost = result.TotalCost / in.Quantity
	return result, nil
}

// CreateCOGSJournal posts the cost of a computed outbound: debit cost of
// goods sold, credit the inventory asset account.
func (s *Service) CreateCOGSJournal(ctx context.Context, in COGSInput) (int64, error) {
	var journalID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var e error
		journalID, e = s.CreateCOGSJournalWith(ctx, tx, in)
		return e
	})
	return journalID, err
}

// CreateCOGSJournalWith posts the COGS journal on a caller transaction.
func (s *Service) CreateCOGSJournalWith(ctx context.Context, tx TxRepository, in COGSInput) (int64, error) {
	if err := validate.Struct(in); err != nil {
		return 0, fmt.Errorf("inventory: invalid cogs input: %w", err)
	}
	cogsAccount, err := s.accounts.Resolve(ctx, in.OrgID, fiscal.RoleCostOfGoodsSold)
	if err != nil {
		return 0, err
	}
	assetAccount, err := s.accounts.Resolve(ctx, in.OrgID, fiscal.RoleInventoryAsset)
	if err != nil {
		return 0, err
	}
	memo := in.Memo
	if memo == "" {
		memo = fmt.Sprintf("COGS %s %s", in.SourceType, in.SourceID)
	}
	return tx.InsertTwoLineJournal(ctx, JournalInput{
		OrgID:         in.OrgID,
		Date:          s.postingDate(in.PostingDate),
		SourceModule:  "INVENTORY_COGS",
		Memo:          memo,
		DebitAccount:  cogsAccount,
		CreditAccount: assetAccount,
		Amount:        in.TotalCost,
		ActorID:       in.ActorID,
	})
}

// GetInventoryLevels aggregates active layers per warehouse. Read-only; no
// locks taken.
func (s *Service) GetInventoryLevels(ctx context.Context, orgID, itemID int64) ([]WarehouseLevel, error) {
	if orgID == 0 || itemID == 0 {
		return nil, errors.New("inventory: organization and item required")
	}
	return s.repo.GetLevels(ctx, orgID, itemID)
}

// ReverseMovement flips a movement on an open transaction. An OUT reversal
// restores QuantityRemaining on the original layer; an IN reversal marks the
// layer reversed. Reversal never creates layers, preserving FIFO history.
func (s *Service) ReverseMovement(ctx context.Context, tx TxRepository, movementID int64) (Movement, error) {
	original, err := tx.GetMovementForUpdate(ctx, movementID)
	if err != nil {
		return Movement{}, err
	}
	if original.Status != MovementStatusActive {
		return Movement{}, ErrMovementReversed
	}
	flipped := DirectionIn
	if original.Direction == DirectionIn {
		flipped = DirectionOut
	}
	reversal, err := tx.InsertMovement(ctx, Movement{
		OrgID:        original.OrgID,
		ItemID:       original.ItemID,
		WarehouseID:  original.WarehouseID,
		LayerID:      original.LayerID,
		Direction:    flipped,
		Quantity:     original.Quantity,
		UnitCost:     original.UnitCost,
		TotalValue:   original.TotalValue,
		MovementType: MovementTypeReversal,
		SourceType:   original.SourceType,
		SourceID:     original.SourceID,
		ReversalOf:   &original.ID,
		Status:       MovementStatusActive,
		PostingDate:  s.postingDate(time.Time{}),
	})
	if err != nil {
		return Movement{}, err
	}
	if err := tx.SetMovementStatus(ctx, original.ID, MovementStatusReversed); err != nil {
		return Movement{}, err
	}
	switch original.Direction {
	case DirectionOut:
		if err := tx.AddLayerQuantity(ctx, original.LayerID, original.Quantity); err != nil {
			return Movement{}, err
		}
	case DirectionIn:
		if err := tx.SetLayerStatus(ctx, original.LayerID, LayerStatusReversed); err != nil {
			return Movement{}, err
		}
	}
	return reversal, nil
}

// postingDate defaults a zero date to today UTC.
func (s *Service) postingDate(date time.Time) time.Time {
	if date.IsZero() {
		now := s.now().UTC()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
	return date
}
