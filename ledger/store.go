/*
store.go - Persistence interfaces for item state, transactions, and audit

PURPOSE:
  Defines the interface between the ledger logic and the database.
  Different implementations can use SQLite or in-memory storage.

KEY INTERFACES:
  Store:   item state + append-only transaction/audit writes
  TxStore: wraps a mutation's three writes in one atomic unit
  History: read access to the transaction log and audit trail

APPEND-ONLY CONTRACT:
  stock_transactions and stock_audit_log have no Update or Delete.
  Corrections are new ADJUSTMENT transactions with negated deltas.

ATOMICITY:
  The Service performs item-update + transaction-insert + audit-insert
  inside WithTx. Either all three land or none do - a failed audit insert
  must roll back the item update.

OPTIMISTIC CONCURRENCY:
  UpdateItemState is conditional on ItemStateUpdate.ExpectedVersion and
  returns ErrConcurrentModification when the row moved underneath the
  caller. The Service retries the whole read-compute-write cycle.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite
  - ledger/store/memory.go: In-memory for testing

SEE ALSO:
  - service.go: The only writer of TrackedItem state
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Item state plus append-only transaction/audit writes
// =============================================================================

// Store handles persistence of one mutation's writes. Transaction and audit
// writes are APPEND-ONLY: no Update, no Delete, ever.
type Store interface {
	// GetItem returns the tracked item scoped to its owning user.
	// Returns ErrItemNotFound when absent.
	GetItem(ctx context.Context, userID UserID, itemID ItemID) (*TrackedItem, error)

	// UpdateItemState persists new stock/WAC state, conditional on
	// ExpectedVersion. Returns ErrConcurrentModification on a stale version.
	UpdateItemState(ctx context.Context, update ItemStateUpdate) error

	// AppendTransaction persists an immutable stock transaction.
	AppendTransaction(ctx context.Context, tx StockTransaction) error

	// AppendAudit persists an immutable audit entry.
	AppendAudit(ctx context.Context, entry StockAuditEntry) error
}

// ItemStateUpdate carries the new item state for a conditional write.
// LastReferencePrice is only set for purchases; when set, stores also stamp
// the item's last purchase time with MutatedAt.
type ItemStateUpdate struct {
	ItemID             ItemID
	UserID             UserID
	ExpectedVersion    int64
	StockQuantity      decimal.Decimal
	WAC                decimal.Decimal
	LastReferencePrice *decimal.Decimal
	MutatedAt          time.Time
}

// =============================================================================
// TRANSACTIONAL STORE - Atomic multi-write mutations
// =============================================================================

// TxStore wraps Store with transaction support. The Service requires it so
// partial writes (item updated, transaction/audit missing) cannot occur.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns an error, every write inside is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// HISTORY - Read access for UIs and reconciliation
// =============================================================================

// History exposes the transaction log and audit trail. Business logic never
// reads the audit trail; it exists for traceability surfaces only.
type History interface {
	// TransactionsForItem returns an item's transactions, newest first.
	TransactionsForItem(ctx context.Context, userID UserID, itemID ItemID) ([]StockTransaction, error)

	// AuditTrailForItem returns an item's audit entries, newest first.
	AuditTrailForItem(ctx context.Context, itemID ItemID) ([]StockAuditEntry, error)
}
