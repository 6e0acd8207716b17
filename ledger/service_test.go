package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/cost-ledger/ledger"
	"github.com/warp/cost-ledger/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestService(t *testing.T) (*ledger.Service, *store.TxMemory) {
	t.Helper()
	mem := store.NewTxMemory()
	return ledger.NewService(mem, nil), mem
}

func seedFlour(mem *store.TxMemory, qty, wac string) {
	mem.SeedItem(ledger.TrackedItem{
		ID:                  "item-flour",
		UserID:              "user-1",
		Name:                "Flour",
		Unit:                "kg",
		StockQuantity:       dec(qty),
		WeightedAverageCost: dec(wac),
	})
}

// =============================================================================
// PURCHASE
// =============================================================================

func TestService_Purchase_UpdatesStateAndAppendsRecords(t *testing.T) {
	// GIVEN: Flour at 100 kg, WAC 1000
	// WHEN: Purchasing 50 kg at 1200
	// THEN: Item is 150 kg at WAC 160000/150 = 1066.67, with exactly one
	//       transaction and one audit entry recording the movement

	svc, mem := newTestService(t)
	seedFlour(mem, "100", "1000")
	ctx := context.Background()

	result, err := svc.Mutate(ctx, "user-1", ledger.MutationRequest{
		ItemID:    "item-flour",
		Kind:      ledger.KindPurchase,
		Quantity:  dec("50"),
		UnitPrice: dec("1200"),
		Reference: ledger.Reference{Type: "purchase", ID: "po-9"},
	})
	require.NoError(t, err)

	expectedWAC := dec("160000").Div(dec("150"))
	assert.True(t, result.NewQty.Equal(dec("150")))
	assert.True(t, result.NewWAC.Equal(expectedWAC), "got %s", result.NewWAC)
	assert.True(t, result.PreviousQty.Equal(dec("100")))
	assert.True(t, result.PreviousWAC.Equal(dec("1000")))

	item, err := mem.GetItem(ctx, "user-1", "item-flour")
	require.NoError(t, err)
	assert.True(t, item.StockQuantity.Equal(dec("150")))
	assert.True(t, item.WeightedAverageCost.Equal(expectedWAC))
	assert.True(t, item.LastReferencePrice.Equal(dec("1200")), "purchase updates reference price")
	assert.False(t, item.LastPurchaseAt.IsZero(), "purchase stamps the last purchase time")
	assert.Equal(t, int64(1), item.Version)

	txs, err := mem.TransactionsForItem(ctx, "user-1", "item-flour")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.KindPurchase, txs[0].Kind)
	assert.True(t, txs[0].QuantityDelta.Equal(dec("50")))
	assert.True(t, txs[0].UnitPrice.Equal(dec("1200")), "purchase transaction carries the purchase price")
	assert.Equal(t, result.TransactionID, txs[0].ID)

	audits, err := mem.AuditTrailForItem(ctx, "item-flour")
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.True(t, audits[0].QuantityBefore.Equal(dec("100")))
	assert.True(t, audits[0].QuantityAfter.Equal(dec("150")))
	assert.Equal(t, expectedWAC.String(), audits[0].Metadata["new_wac"])
}

func TestService_Purchase_InvalidQuantityRejectedBeforeWrites(t *testing.T) {
	// GIVEN: A seeded item
	// WHEN: Purchasing a non-positive quantity
	// THEN: The mutation is rejected and nothing was written

	svc, mem := newTestService(t)
	seedFlour(mem, "100", "1000")
	ctx := context.Background()

	_, err := svc.Mutate(ctx, "user-1", ledger.MutationRequest{
		ItemID:   "item-flour",
		Kind:     ledger.KindPurchase,
		Quantity: dec("-5"),
	})
	require.Error(t, err)
	assert.True(t, ledger.IsClientError(err))
	assert.ErrorIs(t, err, ledger.ErrInvalidMutation)

	txs, _ := mem.TransactionsForItem(ctx, "user-1", "item-flour")
	assert.Empty(t, txs)
}

func TestService_UnknownItem_AbortsWithoutWrites(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()

	_, err := svc.Mutate(ctx, "user-1", ledger.MutationRequest{
		ItemID:   "item-ghost",
		Kind:     ledger.KindUsage,
		Quantity: dec("1"),
	})
	require.Error(t, err)
	assert.True(t, ledger.IsNotFound(err))

	audits, _ := mem.AuditTrailForItem(ctx, "item-ghost")
	assert.Empty(t, audits)
}

func TestService_UnknownKind_Rejected(t *testing.T) {
	svc, mem := newTestService(t)
	seedFlour(mem, "10", "100")

	_, err := svc.Mutate(context.Background(), "user-1", ledger.MutationRequest{
		ItemID:   "item-flour",
		Kind:     ledger.MutationKind("TRANSMUTE"),
		Quantity: dec("1"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrInvalidMutation)
}

// =============================================================================
// WITHDRAWAL AND SHORTFALL
// =============================================================================

func TestService_Usage_DeductsAndKeepsWAC(t *testing.T) {
	// GIVEN: 150 kg at WAC 1100
	// WHEN: Using 30 kg
	// THEN: 120 kg remain and WAC is untouched

	svc, mem := newTestService(t)
	seedFlour(mem, "150", "1100")
	ctx := context.Background()

	result, err := svc.Mutate(ctx, "user-1", ledger.MutationRequest{
		ItemID:    "item-flour",
		Kind:      ledger.KindUsage,
		Quantity:  dec("30"),
		Reference: ledger.Reference{Type: "production", ID: "prod-1"},
	})
	require.NoError(t, err)

	assert.True(t, result.NewQty.Equal(dec("120")))
	assert.True(t, result.NewWAC.Equal(dec("1100")), "usage never changes WAC")
	assert.True(t, result.Shortfall.IsZero())

	txs, _ := mem.TransactionsForItem(ctx, "user-1", "item-flour")
	require.Len(t, txs, 1)
	assert.True(t, txs[0].QuantityDelta.Equal(dec("-30")), "usage delta is negative")
	assert.True(t, txs[0].UnitPrice.Equal(dec("1100")), "usage is valued at WAC")
}

func TestService_Usage_ShortfallIsAdvisoryNotFatal(t *testing.T) {
	// GIVEN: Only 5 kg in stock
	// WHEN: Using 8 kg
	// THEN: The mutation succeeds, stock clamps at zero, and the result
	//       reports the 3 kg shortfall

	svc, mem := newTestService(t)
	seedFlour(mem, "5", "1100")
	ctx := context.Background()

	result, err := svc.Mutate(ctx, "user-1", ledger.MutationRequest{
		ItemID:   "item-flour",
		Kind:     ledger.KindUsage,
		Quantity: dec("8"),
	})
	require.NoError(t, err, "insufficient stock must not fail the mutation")

	assert.True(t, result.NewQty.IsZero())
	assert.True(t, result.Shortfall.Equal(dec("3")), "got %s", result.Shortfall)
}

func TestService_Waste_BehavesLikeUsage(t *testing.T) {
	svc, mem := newTestService(t)
	seedFlour(mem, "10", "500")
	ctx := context.Background()

	result, err := svc.Mutate(ctx, "user-1", ledger.MutationRequest{
		ItemID:    "item-flour",
		Kind:      ledger.KindWaste,
		Quantity:  dec("2"),
		Reference: ledger.Reference{Type: "manual", Note: "spoiled overnight"},
	})
	require.NoError(t, err)
	assert.True(t, result.NewQty.Equal(dec("8")))
	assert.True(t, result.NewWAC.Equal(dec("500")))

	txs, _ := mem.TransactionsForItem(ctx, "user-1", "item-flour")
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.KindWaste, txs[0].Kind)
}

// =============================================================================
// REVERSAL
// =============================================================================

func TestService_ReversePurchase_RestoresWACAndAppendsAdjustment(t *testing.T) {
	// GIVEN: 100 kg at WAC 1000, then a recorded purchase of 50 at 1200
	// WHEN: That purchase is reversed
	// THEN: State returns to 100 kg at WAC 1000 (within rounding tolerance)
	//       via a new ADJUSTMENT transaction with a negated delta

	svc, mem := newTestService(t)
	seedFlour(mem, "100", "1000")
	ctx := context.Background()

	_, err := svc.Mutate(ctx, "user-1", ledger.MutationRequest{
		ItemID:    "item-flour",
		Kind:      ledger.KindPurchase,
		Quantity:  dec("50"),
		UnitPrice: dec("1200"),
	})
	require.NoError(t, err)

	result, err := svc.ReversePurchase(ctx, "user-1", "item-flour", dec("50"), dec("1200"),
		ledger.Reference{Type: "purchase", ID: "po-9"})
	require.NoError(t, err)

	assert.True(t, result.NewQty.Equal(dec("100")))
	assert.True(t, result.NewWAC.Sub(dec("1000")).Abs().LessThan(dec("0.0001")),
		"WAC should return to 1000 within tolerance, got %s", result.NewWAC)

	txs, _ := mem.TransactionsForItem(ctx, "user-1", "item-flour")
	require.Len(t, txs, 2)
	// Newest first: the reversal.
	assert.Equal(t, ledger.KindAdjustment, txs[0].Kind, "reversal is an ADJUSTMENT, not a deleted purchase")
	assert.True(t, txs[0].QuantityDelta.Equal(dec("-50")))
	// The original purchase row is untouched.
	assert.Equal(t, ledger.KindPurchase, txs[1].Kind)
	assert.True(t, txs[1].QuantityDelta.Equal(dec("50")))
}

// =============================================================================
// ATOMICITY AND CONCURRENCY
// =============================================================================

// auditFailStore forces the audit insert to fail inside the unit of work.
type auditFailStore struct {
	*store.TxMemory
}

func (s *auditFailStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return s.TxMemory.WithTx(ctx, func(st ledger.Store) error {
		return fn(&failingAuditView{Store: st})
	})
}

type failingAuditView struct {
	ledger.Store
}

func (v *failingAuditView) AppendAudit(context.Context, ledger.StockAuditEntry) error {
	return errors.New("audit write failed")
}

func TestService_FailedAuditRollsBackEverything(t *testing.T) {
	// GIVEN: A store whose audit insert always fails
	// WHEN: A purchase is attempted
	// THEN: The item update and the transaction insert roll back with it

	mem := store.NewTxMemory()
	seedFlour(mem, "100", "1000")
	svc := ledger.NewService(&auditFailStore{TxMemory: mem}, nil)
	ctx := context.Background()

	_, err := svc.Mutate(ctx, "user-1", ledger.MutationRequest{
		ItemID:    "item-flour",
		Kind:      ledger.KindPurchase,
		Quantity:  dec("50"),
		UnitPrice: dec("1200"),
	})
	require.Error(t, err)

	item, err := mem.GetItem(ctx, "user-1", "item-flour")
	require.NoError(t, err)
	assert.True(t, item.StockQuantity.Equal(dec("100")), "item update must roll back")
	assert.Equal(t, int64(0), item.Version)

	txs, _ := mem.TransactionsForItem(ctx, "user-1", "item-flour")
	assert.Empty(t, txs, "transaction insert must roll back")
}

// conflictStore reports version conflicts for the first n update attempts.
type conflictStore struct {
	*store.TxMemory
	remaining int
}

func (s *conflictStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return s.TxMemory.WithTx(ctx, func(st ledger.Store) error {
		return fn(&conflictView{Store: st, parent: s})
	})
}

type conflictView struct {
	ledger.Store
	parent *conflictStore
}

func (v *conflictView) UpdateItemState(ctx context.Context, update ledger.ItemStateUpdate) error {
	if v.parent.remaining > 0 {
		v.parent.remaining--
		return ledger.ErrConcurrentModification
	}
	return v.Store.UpdateItemState(ctx, update)
}

func TestService_RetriesVersionConflicts(t *testing.T) {
	// GIVEN: A store that conflicts twice before accepting the write
	// WHEN: A purchase is applied
	// THEN: The service retries and eventually succeeds

	mem := store.NewTxMemory()
	seedFlour(mem, "100", "1000")
	svc := ledger.NewService(&conflictStore{TxMemory: mem, remaining: 2}, nil)

	result, err := svc.Mutate(context.Background(), "user-1", ledger.MutationRequest{
		ItemID:    "item-flour",
		Kind:      ledger.KindPurchase,
		Quantity:  dec("50"),
		UnitPrice: dec("1200"),
	})
	require.NoError(t, err)
	assert.True(t, result.NewQty.Equal(dec("150")))
}

func TestService_GivesUpAfterRepeatedConflicts(t *testing.T) {
	// GIVEN: A store that never stops conflicting
	// WHEN: A purchase is applied
	// THEN: The mutation fails after bounded retries with the conflict error

	mem := store.NewTxMemory()
	seedFlour(mem, "100", "1000")
	svc := ledger.NewService(&conflictStore{TxMemory: mem, remaining: 100}, nil)

	_, err := svc.Mutate(context.Background(), "user-1", ledger.MutationRequest{
		ItemID:    "item-flour",
		Kind:      ledger.KindPurchase,
		Quantity:  dec("50"),
		UnitPrice: dec("1200"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
}

// =============================================================================
// TENANCY
// =============================================================================

func TestService_ItemsAreScopedToOwningUser(t *testing.T) {
	// GIVEN: Flour owned by user-1
	// WHEN: user-2 tries to mutate it
	// THEN: Not found

	svc, mem := newTestService(t)
	seedFlour(mem, "100", "1000")

	_, err := svc.Mutate(context.Background(), "user-2", ledger.MutationRequest{
		ItemID:   "item-flour",
		Kind:     ledger.KindUsage,
		Quantity: dec("1"),
	})
	require.Error(t, err)
	assert.True(t, ledger.IsNotFound(err))
}
