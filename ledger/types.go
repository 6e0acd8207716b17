/*
Package ledger provides the inventory cost ledger engine.

PURPOSE:
  This package contains the types and algorithms for stock-quantity and
  weighted-average-cost (WAC) bookkeeping of tracked items (raw materials).
  Every stock movement - purchase, usage, waste, adjustment - flows through
  the Service, which keeps the item row, the transaction log, and the audit
  trail consistent.

KEY CONCEPTS IN THIS FILE (types.go):
  - TrackedItem: current stock state of one raw material
  - StockTransaction: an immutable ledger entry recording one movement
  - StockAuditEntry: before/after trace of a movement, for audit UIs only
  - MutationResult: the full before/after picture returned to callers

DESIGN PRINCIPLES:
  1. Immutability: transactions are never modified, only reversed with a
     new ADJUSTMENT transaction carrying a negated delta
  2. Precision: uses decimal.Decimal to avoid floating-point errors
  3. Type Safety: strong typing for IDs prevents mixing item/user IDs
  4. Single writer: TrackedItem is mutated exclusively through the Service

SEE ALSO:
  - arithmetic.go: Pure WAC math for each mutation kind
  - service.go: The stock ledger service applying mutations
  - store.go: Persistence interfaces
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ItemID string
type UserID string
type TransactionID string

// =============================================================================
// MUTATION KINDS
// =============================================================================

type MutationKind string

const (
	KindPurchase   MutationKind = "PURCHASE"   // Stock received, WAC re-blended
	KindUsage      MutationKind = "USAGE"      // Production or order fulfillment, WAC unchanged
	KindAdjustment MutationKind = "ADJUSTMENT" // Manual correction, restoration, or purchase reversal
	KindWaste      MutationKind = "WASTE"      // Spoilage write-off, WAC unchanged
)

// Valid reports whether k is a supported mutation kind.
func (k MutationKind) Valid() bool {
	switch k {
	case KindPurchase, KindUsage, KindAdjustment, KindWaste:
		return true
	}
	return false
}

// =============================================================================
// TRACKED ITEM - Current stock state of one raw material
// =============================================================================

// TrackedItem holds the live stock state of an ingredient. It is owned by a
// user (tenant) and mutated only through the Service.
//
// INVARIANTS:
//   - StockQuantity >= 0 (over-withdrawal clamps at zero)
//   - WeightedAverageCost is meaningful only while StockQuantity > 0
type TrackedItem struct {
	ID                  ItemID
	UserID              UserID
	Name                string
	Unit                string // e.g. "kg", "liter", "pcs"
	StockQuantity       decimal.Decimal
	WeightedAverageCost decimal.Decimal
	LastReferencePrice  decimal.Decimal // most recent purchase unit price
	LastPurchaseAt      time.Time
	LastMutationAt      time.Time

	// Version supports optimistic concurrency: state updates are conditional
	// on the version read, and bump it by one.
	Version int64
}

// =============================================================================
// STOCK TRANSACTION - Immutable ledger entry
// =============================================================================

// StockTransaction records one ledger mutation. Append-only: corrections are
// made by appending an ADJUSTMENT with a negated delta, never by editing.
type StockTransaction struct {
	ID            TransactionID
	ItemID        ItemID
	UserID        UserID
	Kind          MutationKind
	QuantityDelta decimal.Decimal // signed: positive adds stock, negative removes
	UnitPrice     decimal.Decimal // purchase price, or WAC at time of movement
	TotalValue    decimal.Decimal
	Reference     string // free text: what triggered this movement
	Notes         string
	Actor         string
	CreatedAt     time.Time
}

// =============================================================================
// STOCK AUDIT ENTRY - Traceability record
// =============================================================================

// StockAuditEntry traces one movement with explicit before/after quantities.
// It exists purely for audit UIs; business logic never reads it.
type StockAuditEntry struct {
	ID             string
	ItemID         ItemID
	Kind           MutationKind
	QuantityBefore decimal.Decimal
	QuantityDelta  decimal.Decimal
	QuantityAfter  decimal.Decimal
	Reason         string
	ReferenceType  string // "purchase", "production", "order", "manual"
	ReferenceID    string
	Actor          string
	Metadata       map[string]string // e.g. old/new WAC on purchases
	CreatedAt      time.Time
}

// Reference describes what triggered a mutation, carried into both the
// transaction and the audit entry.
type Reference struct {
	Type  string // "purchase", "production", "order", "manual"
	ID    string
	Note  string
	Actor string
}

// =============================================================================
// MUTATION REQUEST / RESULT
// =============================================================================

// MutationRequest describes one mutation to apply to a tracked item.
//
// Quantity semantics by kind:
//   - PURCHASE:   positive quantity received, UnitPrice required
//   - USAGE:      positive quantity withdrawn
//   - WASTE:      positive quantity written off
//   - ADJUSTMENT: signed delta (positive restores, negative removes)
type MutationRequest struct {
	ItemID    ItemID
	Kind      MutationKind
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
	Reference Reference
}

// MutationResult reports the full before/after picture of one mutation so
// batch callers can surface per-item outcomes.
type MutationResult struct {
	ItemID        ItemID
	ItemName      string
	PreviousQty   decimal.Decimal
	NewQty        decimal.Decimal
	PreviousWAC   decimal.Decimal
	NewWAC        decimal.Decimal
	TransactionID TransactionID

	// Shortfall is positive when a withdrawal exceeded available stock and
	// the quantity was clamped at zero. Advisory only: the mutation still
	// succeeded.
	Shortfall decimal.Decimal
}
