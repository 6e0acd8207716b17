package ledger_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/warp/cost-ledger/ledger"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// =============================================================================
// PURCHASE BLENDING
// =============================================================================

func TestApplyPurchase_BlendsWeightedAverage(t *testing.T) {
	// GIVEN: 100 units at WAC 1000
	// WHEN: Purchasing 50 units at 1200
	// THEN: 150 units at WAC (100*1000 + 50*1200)/150 = 1066.67

	newQty, newWAC := ledger.ApplyPurchase(dec("100"), dec("1000"), dec("50"), dec("1200"))

	expected := dec("160000").Div(dec("150"))
	assert.True(t, newQty.Equal(dec("150")), "quantity should be 150, got %s", newQty)
	assert.True(t, newWAC.Equal(expected), "WAC should be %s, got %s", expected, newWAC)
}

func TestApplyPurchase_FirstPurchaseOnEmptyItem(t *testing.T) {
	// GIVEN: A fresh item with zero stock and zero WAC
	// WHEN: Purchasing 20 units at 500
	// THEN: WAC equals the purchase price exactly

	newQty, newWAC := ledger.ApplyPurchase(decimal.Zero, decimal.Zero, dec("20"), dec("500"))

	assert.True(t, newQty.Equal(dec("20")))
	assert.True(t, newWAC.Equal(dec("500")), "first purchase sets WAC to unit price, got %s", newWAC)
}

func TestApplyPurchase_FractionalQuantities(t *testing.T) {
	// GIVEN: 2.5 kg at WAC 40
	// WHEN: Purchasing 1.5 kg at 60
	// THEN: 4 kg at WAC (2.5*40 + 1.5*60)/4 = 47.5

	newQty, newWAC := ledger.ApplyPurchase(dec("2.5"), dec("40"), dec("1.5"), dec("60"))

	assert.True(t, newQty.Equal(dec("4")))
	assert.True(t, newWAC.Equal(dec("47.5")), "got %s", newWAC)
}

func TestApplyPurchase_FreeStockLowersWAC(t *testing.T) {
	// GIVEN: 10 units at WAC 100
	// WHEN: Receiving 10 units for free (price 0)
	// THEN: WAC halves to 50

	newQty, newWAC := ledger.ApplyPurchase(dec("10"), dec("100"), dec("10"), decimal.Zero)

	assert.True(t, newQty.Equal(dec("20")))
	assert.True(t, newWAC.Equal(dec("50")), "got %s", newWAC)
}

// =============================================================================
// PURCHASE REVERSAL
// =============================================================================

func TestReversePurchase_RestoresPriorState(t *testing.T) {
	// GIVEN: 100 units at WAC 1000, then a purchase of 50 at 1200 is applied
	// WHEN: That same purchase is reversed
	// THEN: Quantity returns exactly; the WAC returns within rounding
	//       tolerance (the blend division leaves a tiny residue)

	qty1, wac1 := ledger.ApplyPurchase(dec("100"), dec("1000"), dec("50"), dec("1200"))
	newQty, newWAC := ledger.ReversePurchase(qty1, wac1, dec("50"), dec("1200"))

	assert.True(t, newQty.Equal(dec("100")), "quantity should return to 100, got %s", newQty)
	assert.True(t, newWAC.Sub(dec("1000")).Abs().LessThan(dec("0.0001")),
		"WAC should return to 1000 within tolerance, got %s", newWAC)
}

func TestReversePurchase_RemovesOnlyThatPurchasesValue(t *testing.T) {
	// GIVEN: Two purchases commingled: 100@1000 then 100@2000 (200 @ WAC 1500)
	// WHEN: The second purchase is reversed
	// THEN: The first purchase's cost basis is untouched

	qty1, wac1 := ledger.ApplyPurchase(decimal.Zero, decimal.Zero, dec("100"), dec("1000"))
	qty2, wac2 := ledger.ApplyPurchase(qty1, wac1, dec("100"), dec("2000"))
	assert.True(t, wac2.Equal(dec("1500")))

	newQty, newWAC := ledger.ReversePurchase(qty2, wac2, dec("100"), dec("2000"))

	assert.True(t, newQty.Equal(dec("100")))
	assert.True(t, newWAC.Equal(dec("1000")), "got %s", newWAC)
}

func TestReversePurchase_FullDrainFallsBackToOldWAC(t *testing.T) {
	// GIVEN: Exactly one purchase in stock
	// WHEN: It is fully reversed
	// THEN: Quantity hits zero and the WAC keeps its last value

	newQty, newWAC := ledger.ReversePurchase(dec("50"), dec("1200"), dec("50"), dec("1200"))

	assert.True(t, newQty.IsZero())
	assert.True(t, newWAC.Equal(dec("1200")), "got %s", newWAC)
}

func TestReversePurchase_OverReversalClampsAtZero(t *testing.T) {
	// GIVEN: 30 units in stock
	// WHEN: Reversing a purchase of 50 (stock partially consumed since)
	// THEN: Quantity clamps at zero instead of going negative

	newQty, _ := ledger.ReversePurchase(dec("30"), dec("1000"), dec("50"), dec("1000"))

	assert.True(t, newQty.IsZero(), "got %s", newQty)
}

func TestReversePurchase_ValueNeverGoesNegative(t *testing.T) {
	// GIVEN: Remaining stock worth less than the reversed purchase's value
	// WHEN: Reversing
	// THEN: The remaining value floors at zero, so the WAC cannot be negative

	newQty, newWAC := ledger.ReversePurchase(dec("60"), dec("100"), dec("50"), dec("500"))

	assert.True(t, newQty.Equal(dec("10")))
	assert.False(t, newWAC.IsNegative(), "WAC must not be negative, got %s", newWAC)
	assert.True(t, newWAC.IsZero())
}

// =============================================================================
// WITHDRAWALS AND ADJUSTMENTS
// =============================================================================

func TestApplyWithdrawal_DeductsWithoutTouchingWAC(t *testing.T) {
	// Withdrawals only exist in quantity space; callers keep the old WAC.
	newQty := ledger.ApplyWithdrawal(dec("10"), dec("3.5"))
	assert.True(t, newQty.Equal(dec("6.5")))
}

func TestApplyWithdrawal_OverdrawClampsAtZero(t *testing.T) {
	// GIVEN: 5 units in stock
	// WHEN: Withdrawing 8
	// THEN: Stock is zero, not -3

	newQty := ledger.ApplyWithdrawal(dec("5"), dec("8"))
	assert.True(t, newQty.IsZero())
}

func TestApplyAdjustment_SignedDelta(t *testing.T) {
	assert.True(t, ledger.ApplyAdjustment(dec("10"), dec("4")).Equal(dec("14")))
	assert.True(t, ledger.ApplyAdjustment(dec("10"), dec("-4")).Equal(dec("6")))
	assert.True(t, ledger.ApplyAdjustment(dec("3"), dec("-10")).IsZero(), "negative result clamps")
}
