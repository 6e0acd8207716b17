// Package store provides ledger store implementations.
package store

import (
	"context"
	"sync"

	"github.com/warp/cost-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	items        map[itemKey]ledger.TrackedItem
	transactions map[ledger.ItemID][]ledger.StockTransaction
	audits       map[ledger.ItemID][]ledger.StockAuditEntry
}

type itemKey struct {
	UserID ledger.UserID
	ItemID ledger.ItemID
}

func NewMemory() *Memory {
	return &Memory{
		items:        make(map[itemKey]ledger.TrackedItem),
		transactions: make(map[ledger.ItemID][]ledger.StockTransaction),
		audits:       make(map[ledger.ItemID][]ledger.StockAuditEntry),
	}
}

// SeedItem inserts or replaces a tracked item. Test/dev setup only; the
// ledger service never creates items.
func (m *Memory) SeedItem(item ledger.TrackedItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[itemKey{UserID: item.UserID, ItemID: item.ID}] = item
}

func (m *Memory) GetItem(_ context.Context, userID ledger.UserID, itemID ledger.ItemID) (*ledger.TrackedItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getItemLocked(userID, itemID)
}

func (m *Memory) getItemLocked(userID ledger.UserID, itemID ledger.ItemID) (*ledger.TrackedItem, error) {
	item, ok := m.items[itemKey{UserID: userID, ItemID: itemID}]
	if !ok {
		return nil, ledger.ErrItemNotFound
	}
	copied := item
	return &copied, nil
}

func (m *Memory) UpdateItemState(_ context.Context, update ledger.ItemStateUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateItemLocked(update)
}

func (m *Memory) updateItemLocked(update ledger.ItemStateUpdate) error {
	k := itemKey{UserID: update.UserID, ItemID: update.ItemID}
	item, ok := m.items[k]
	if !ok {
		return ledger.ErrItemNotFound
	}
	if item.Version != update.ExpectedVersion {
		return ledger.ErrConcurrentModification
	}

	item.StockQuantity = update.StockQuantity
	item.WeightedAverageCost = update.WAC
	if update.LastReferencePrice != nil {
		item.LastReferencePrice = *update.LastReferencePrice
		item.LastPurchaseAt = update.MutatedAt
	}
	item.LastMutationAt = update.MutatedAt
	item.Version++
	m.items[k] = item
	return nil
}

func (m *Memory) AppendTransaction(_ context.Context, tx ledger.StockTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendTransactionLocked(tx)
}

func (m *Memory) appendTransactionLocked(tx ledger.StockTransaction) error {
	m.transactions[tx.ItemID] = append(m.transactions[tx.ItemID], tx)
	return nil
}

func (m *Memory) AppendAudit(_ context.Context, entry ledger.StockAuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendAuditLocked(entry)
}

func (m *Memory) appendAuditLocked(entry ledger.StockAuditEntry) error {
	m.audits[entry.ItemID] = append(m.audits[entry.ItemID], entry)
	return nil
}

// TransactionsForItem returns an item's transactions, newest first.
func (m *Memory) TransactionsForItem(_ context.Context, userID ledger.UserID, itemID ledger.ItemID) ([]ledger.StockTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.StockTransaction
	for _, tx := range m.transactions[itemID] {
		if tx.UserID == userID {
			result = append(result, tx)
		}
	}
	// Stored in append order; reverse for newest-first.
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result, nil
}

// AuditTrailForItem returns an item's audit entries, newest first.
func (m *Memory) AuditTrailForItem(_ context.Context, itemID ledger.ItemID) ([]ledger.StockAuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.audits[itemID]
	result := make([]ledger.StockAuditEntry, len(entries))
	for i, e := range entries {
		result[len(entries)-1-i] = e
	}
	return result, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For the memory store this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()

	if err := fn(&txMemoryView{parent: tm.Memory}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

func (tm *TxMemory) snapshot() memorySnapshot {
	itemsCopy := make(map[itemKey]ledger.TrackedItem, len(tm.items))
	for k, v := range tm.items {
		itemsCopy[k] = v
	}
	txCopy := make(map[ledger.ItemID][]ledger.StockTransaction, len(tm.transactions))
	for k, v := range tm.transactions {
		txCopy[k] = append([]ledger.StockTransaction{}, v...)
	}
	auditCopy := make(map[ledger.ItemID][]ledger.StockAuditEntry, len(tm.audits))
	for k, v := range tm.audits {
		auditCopy[k] = append([]ledger.StockAuditEntry{}, v...)
	}
	return memorySnapshot{items: itemsCopy, transactions: txCopy, audits: auditCopy}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.items = s.items
	tm.transactions = s.transactions
	tm.audits = s.audits
}

type memorySnapshot struct {
	items        map[itemKey]ledger.TrackedItem
	transactions map[ledger.ItemID][]ledger.StockTransaction
	audits       map[ledger.ItemID][]ledger.StockAuditEntry
}

// txMemoryView gives fn direct access to the already-locked parent state.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) GetItem(_ context.Context, userID ledger.UserID, itemID ledger.ItemID) (*ledger.TrackedItem, error) {
	return tv.parent.getItemLocked(userID, itemID)
}

func (tv *txMemoryView) UpdateItemState(_ context.Context, update ledger.ItemStateUpdate) error {
	return tv.parent.updateItemLocked(update)
}

func (tv *txMemoryView) AppendTransaction(_ context.Context, tx ledger.StockTransaction) error {
	return tv.parent.appendTransactionLocked(tx)
}

func (tv *txMemoryView) AppendAudit(_ context.Context, entry ledger.StockAuditEntry) error {
	return tv.parent.appendAuditLocked(entry)
}
