package inventory

import (
	"errors"
	"time"
)

// LayerStatus marks whether a cost layer still participates in costing.
type LayerStatus string

const (
	LayerStatusActive   LayerStatus = "ACTIVE"
	LayerStatusReversed LayerStatus = "REVERSED"
)

// MovementDirection separates receipts from issues.
type MovementDirection string

const (
	DirectionIn  MovementDirection = "IN"
	DirectionOut MovementDirection = "OUT"
)

// MovementStatus marks whether a movement has been reversed.
type MovementStatus string

const (
	MovementStatusActive   MovementStatus = "ACTIVE"
	MovementStatusReversed MovementStatus = "REVERSED"
)

// Movement types recorded on the immutable movement ledger.
const (
	MovementTypeOpeningBalance = "OPENING_BALANCE"
	MovementTypeReceipt        = "RECEIPT"
	MovementTypeIssue          = "ISSUE"
	MovementTypeReversal       = "REVERSAL"
)

// Layer is one FIFO cost layer. Immutable except for QuantityRemaining,
// which only decreases on consumption or increases on reversal restoration.
// CreatedAt is the FIFO ordering key.
type Layer struct {
	ID                int64
	OrgID             int64
	ItemID            int64
	WarehouseID       int64
	QuantityRemaining float64
	UnitCost          float64
	SourceType        string
	SourceID          string
	Status            LayerStatus
	CreatedAt         time.Time
}

// Movement is an append-only record of a layer interaction.
type Movement struct {
	ID           int64
	OrgID        int64
	ItemID       int64
	WarehouseID  int64
	LayerID      int64
	Direction    MovementDirection
	Quantity     float64
	UnitCost     float64
	TotalValue   float64
	MovementType string
	SourceType   string
	SourceID     string
	JournalID    *int64
	ReversalOf   *int64
	Status       MovementStatus
	PostingDate  time.Time
	CreatedAt    time.Time
}

// OpeningBalanceInput seeds an item's first layer in a warehouse.
type OpeningBalanceInput struct {
	OrgID       int64   `validate:"required"`
	ItemID      int64   `validate:"required"`
	WarehouseID int64   `validate:"required"`
	Quantity    float64 `validate:"gt=0"`
	UnitCost    float64 `validate:"gte=0"`
	AsOfDate    time.Time
	ActorID     int64 `validate:"required"`
}

// OpeningBalanceResult reports the created layer and its backing journal.
type OpeningBalanceResult struct {
	Layer      Layer
	MovementID int64
	JournalID  int64
}

// InboundInput records a receipt. Each receipt is its own layer; layers are
// never merged so distinct unit costs survive.
type InboundInput struct {
	OrgID       int64   `validate:"required"`
	ItemID      int64   `validate:"required"`
	WarehouseID int64   `validate:"required"`
	Quantity    float64 `validate:"gt=0"`
	UnitCost    float64 `validate:"gte=0"`
	SourceType  string  `validate:"required"`
	SourceID    string
	PostingDate time.Time
	ActorID     int64 `validate:"required"`
}

// OutboundInput consumes layers oldest-first.
type OutboundInput struct {
	OrgID       int64   `validate:"required"`
	ItemID      int64   `validate:"required"`
	WarehouseID int64   `validate:"required"`
	Quantity    float64 `validate:"gt=0"`
	SourceType  string  `validate:"required"`
	SourceID    string
	PostingDate time.Time
	ActorID     int64 `validate:"required"`
}

// LayerConsumption is one slice of an outbound cost breakdown.
type LayerConsumption struct {
	LayerID  int64
	Quantity float64
	UnitCost float64
	Cost     float64
}

// OutboundResult reports the quantity-weighted cost of an issue.
type OutboundResult struct {
	Quantity    float64
	TotalCost   float64
	AverageCost float64
	Consumed    []LayerConsumption
	MovementIDs []int64
}

// COGSInput posts the cost of a previously computed outbound.
type COGSInput struct {
	OrgID       int64   `validate:"required"`
	TotalCost   float64 `validate:"gt=0"`
	PostingDate time.Time
	SourceType  string
	SourceID    string
	Memo        string
	ActorID     int64 `validate:"required"`
}

// WarehouseLevel aggregates active layers for one warehouse.
type WarehouseLevel struct {
	WarehouseID int64
	Quantity    float64
	TotalValue  float64
	AverageCost float64
}

var (
	// ErrInsufficientInventory indicates eligible layers cannot cover the
	// requested quantity.
	ErrInsufficientInventory = errors.New("inventory: insufficient quantity in eligible layers")
	// ErrInvalidQuantity indicates a non-positive quantity.
	ErrInvalidQuantity = errors.New("inventory: quantity must be positive")
	// ErrInvalidUnitCost indicates a negative unit cost.
	ErrInvalidUnitCost = errors.New("inventory: unit cost cannot be negative")
	// ErrMovementNotFound indicates a missing movement row.
	ErrMovementNotFound = errors.New("inventory: movement not found")
	// ErrMovementReversed indicates the movement was already reversed.
	ErrMovementReversed = errors.New("inventory: movement already reversed")
	// ErrLayerNotFound indicates a missing layer row.
	ErrLayerNotFound = errors.New("inventory: layer not found")
)
