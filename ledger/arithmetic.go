/*
arithmetic.go - Pure weighted-average-cost math

PURPOSE:
  Side-effect-free functions computing the new stock quantity and new WAC
  for each mutation kind. The Service calls these; nothing here touches
  storage, time, or logging, so every formula is directly testable.

THE MOVING WAC FORMULA:
  A purchase re-blends the cost basis by value:

    newWAC = (oldQty*oldWAC + purchaseQty*purchasePrice) / (oldQty + purchaseQty)

  Withdrawals (usage, waste) and plain adjustments never touch WAC: cost
  basis reflects acquisition cost, not depletion.

REVERSALS:
  Reversing a purchase removes exactly the value that purchase contributed.
  A full recompute from transaction history would be wrong once purchases
  have been commingled and partially consumed.

CLAMPING:
  A resulting negative quantity is clamped to zero rather than rejected.
  Upstream workflows tolerate over-withdrawal; callers surface the
  shortfall as an advisory warning (see Service).

SEE ALSO:
  - service.go: Applies these results to storage
  - arithmetic_test.go: Round-trip and boundary properties
*/
package ledger

import "github.com/shopspring/decimal"

// ApplyPurchase returns the new quantity and WAC after receiving qty units
// at unitPrice. When the resulting quantity is zero the WAC falls back to
// the purchase price.
func ApplyPurchase(oldQty, oldWAC, qty, unitPrice decimal.Decimal) (newQty, newWAC decimal.Decimal) {
	newQty = oldQty.Add(qty)
	if newQty.IsPositive() {
		oldValue := oldQty.Mul(oldWAC)
		newValue := qty.Mul(unitPrice)
		newWAC = oldValue.Add(newValue).Div(newQty)
	} else {
		newWAC = unitPrice
	}
	return newQty, newWAC
}

// ReversePurchase returns the new quantity and WAC after undoing a purchase
// of qty units at unitPrice. It subtracts exactly the reversed purchase's
// value contribution, leaving unrelated purchases' cost intact. With no
// stock left the WAC falls back to the previous WAC, or the reversed price
// if the previous WAC was never set.
func ReversePurchase(oldQty, oldWAC, qty, unitPrice decimal.Decimal) (newQty, newWAC decimal.Decimal) {
	newQty = clampZero(oldQty.Sub(qty))
	if newQty.IsPositive() {
		remaining := clampZero(oldQty.Mul(oldWAC).Sub(qty.Mul(unitPrice)))
		newWAC = remaining.Div(newQty)
		return newQty, newWAC
	}
	if oldWAC.IsPositive() {
		return newQty, oldWAC
	}
	return newQty, unitPrice
}

// ApplyWithdrawal returns the new quantity after withdrawing qty units
// (usage, order fulfillment, waste). WAC is unchanged by withdrawals.
func ApplyWithdrawal(oldQty, qty decimal.Decimal) decimal.Decimal {
	return clampZero(oldQty.Sub(qty))
}

// ApplyAdjustment returns the new quantity after a signed manual delta.
// Positive deltas restore stock (e.g. a cancelled production run), negative
// deltas remove it. WAC is unchanged.
func ApplyAdjustment(oldQty, delta decimal.Decimal) decimal.Decimal {
	return clampZero(oldQty.Add(delta))
}

func clampZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
