/*
service.go - The stock ledger service

PURPOSE:
  Applies one mutation to one tracked item: reads current state, computes
  new state via the pure arithmetic, persists the item's new stock/WAC, and
  appends exactly one immutable transaction plus one audit entry.

UNIT OF WORK:
  All writes for a mutation run inside TxStore.WithTx. If the transaction
  or audit insert fails, the item update rolls back with it - the ledger
  never holds an item update without its matching transaction and audit row.

CONCURRENCY:
  Two mutations racing on the same item are detected by the item's version
  column. On ErrConcurrentModification the whole read-compute-write cycle
  is retried (bounded), so neither update is lost.

INSUFFICIENT STOCK:
  Over-withdrawal is advisory, not fatal: the quantity clamps at zero, the
  shortfall is logged and reported in the MutationResult, and the mutation
  succeeds. Upstream workflows tolerate negative-stock situations.

SEE ALSO:
  - arithmetic.go: The formulas applied here
  - store.go: Persistence contract
  - recipe/aggregator.go: Batch caller for recipe-wide mutations
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// maxMutationRetries bounds optimistic-lock retries per mutation.
const maxMutationRetries = 3

// Service is the single writer of TrackedItem state.
type Service struct {
	store TxStore
	log   *zap.Logger

	now   func() time.Time
	newID func() string
}

// NewService creates a stock ledger service over the given store.
func NewService(store TxStore, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store: store,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.NewString() },
	}
}

// =============================================================================
// MUTATE - The single entry point for the four mutation kinds
// =============================================================================

// Mutate applies one mutation to the item named in req, scoped to userID.
//
// Aborts before any writes on ErrItemNotFound or ErrInvalidMutation. On
// success exactly one StockTransaction and one StockAuditEntry exist for
// the mutation, both referencing the same before/after quantities.
func (s *Service) Mutate(ctx context.Context, userID UserID, req MutationRequest) (*MutationResult, error) {
	if !req.Kind.Valid() {
		return nil, &InvalidMutationError{Kind: req.Kind, Detail: "unsupported mutation kind"}
	}
	if err := validateQuantities(req); err != nil {
		return nil, err
	}

	return s.apply(ctx, userID, req.ItemID, func(item *TrackedItem) (*mutationPlan, error) {
		switch req.Kind {
		case KindPurchase:
			return s.planPurchase(item, req), nil
		case KindUsage:
			return s.planWithdrawal(item, req), nil
		case KindWaste:
			return s.planWaste(item, req), nil
		case KindAdjustment:
			return s.planAdjustment(item, req), nil
		}
		return nil, &InvalidMutationError{Kind: req.Kind, Detail: "unsupported mutation kind"}
	})
}

// ReversePurchase undoes a previously recorded purchase of qty units at
// unitPrice. The reversal is appended as a new ADJUSTMENT transaction with a
// negated delta - the original purchase transaction is never touched - and
// the WAC gives back exactly the reversed purchase's value contribution.
func (s *Service) ReversePurchase(ctx context.Context, userID UserID, itemID ItemID, qty, unitPrice decimal.Decimal, ref Reference) (*MutationResult, error) {
	if !qty.IsPositive() {
		return nil, &InvalidMutationError{Kind: KindAdjustment, Detail: "reversal quantity must be positive"}
	}
	if unitPrice.IsNegative() {
		return nil, &InvalidMutationError{Kind: KindAdjustment, Detail: "reversal unit price must not be negative"}
	}

	return s.apply(ctx, userID, itemID, func(item *TrackedItem) (*mutationPlan, error) {
		newQty, newWAC := ReversePurchase(item.StockQuantity, item.WeightedAverageCost, qty, unitPrice)
		return &mutationPlan{
			kind:        KindAdjustment,
			delta:       qty.Neg(),
			newQty:      newQty,
			newWAC:      newWAC,
			txUnitPrice: item.WeightedAverageCost,
			notes: fmt.Sprintf("Stock reversed from %s to %s due to purchase deletion",
				item.StockQuantity, newQty),
			reason:    "Purchase deleted - stock reversed",
			reference: ref,
			metadata: map[string]string{
				"previous_wac": item.WeightedAverageCost.String(),
				"new_wac":      newWAC.String(),
			},
		}, nil
	})
}

// =============================================================================
// PLANNING - Per-kind state computation
// =============================================================================

// mutationPlan is the computed outcome of one mutation before it is written.
type mutationPlan struct {
	kind        MutationKind
	delta       decimal.Decimal
	newQty      decimal.Decimal
	newWAC      decimal.Decimal
	txUnitPrice decimal.Decimal
	refPrice    *decimal.Decimal // set only for purchases
	notes       string
	reason      string
	reference   Reference
	metadata    map[string]string
	shortfall   decimal.Decimal
}

func (s *Service) planPurchase(item *TrackedItem, req MutationRequest) *mutationPlan {
	newQty, newWAC := ApplyPurchase(item.StockQuantity, item.WeightedAverageCost, req.Quantity, req.UnitPrice)
	price := req.UnitPrice
	return &mutationPlan{
		kind:        KindPurchase,
		delta:       req.Quantity,
		newQty:      newQty,
		newWAC:      newWAC,
		txUnitPrice: req.UnitPrice,
		refPrice:    &price,
		notes: fmt.Sprintf("Stock updated from %s to %s. WAC: %s -> %s",
			item.StockQuantity, newQty, item.WeightedAverageCost, newWAC),
		reason:    "Purchase received",
		reference: req.Reference,
		metadata: map[string]string{
			"unit_price":   req.UnitPrice.String(),
			"previous_wac": item.WeightedAverageCost.String(),
			"new_wac":      newWAC.String(),
		},
	}
}

func (s *Service) planWithdrawal(item *TrackedItem, req MutationRequest) *mutationPlan {
	plan := &mutationPlan{
		kind:        KindUsage,
		delta:       req.Quantity.Neg(),
		newQty:      ApplyWithdrawal(item.StockQuantity, req.Quantity),
		newWAC:      item.WeightedAverageCost,
		txUnitPrice: item.WeightedAverageCost,
		reason:      req.Reference.Note,
		reference:   req.Reference,
	}
	plan.notes = fmt.Sprintf("Stock deducted. %s -> %s", item.StockQuantity, plan.newQty)
	plan.shortfall = s.checkShortfall(item, req.Quantity)
	return plan
}

func (s *Service) planWaste(item *TrackedItem, req MutationRequest) *mutationPlan {
	plan := &mutationPlan{
		kind:        KindWaste,
		delta:       req.Quantity.Neg(),
		newQty:      ApplyWithdrawal(item.StockQuantity, req.Quantity),
		newWAC:      item.WeightedAverageCost,
		txUnitPrice: item.WeightedAverageCost,
		reason:      req.Reference.Note,
		reference:   req.Reference,
	}
	plan.notes = fmt.Sprintf("Waste write-off: %s -> %s", item.StockQuantity, plan.newQty)
	plan.shortfall = s.checkShortfall(item, req.Quantity)
	return plan
}

func (s *Service) planAdjustment(item *TrackedItem, req MutationRequest) *mutationPlan {
	plan := &mutationPlan{
		kind:        KindAdjustment,
		delta:       req.Quantity,
		newQty:      ApplyAdjustment(item.StockQuantity, req.Quantity),
		newWAC:      item.WeightedAverageCost,
		txUnitPrice: item.WeightedAverageCost,
		reason:      req.Reference.Note,
		reference:   req.Reference,
	}
	plan.notes = fmt.Sprintf("Manual adjustment: %s -> %s", item.StockQuantity, plan.newQty)
	if req.Quantity.IsNegative() {
		plan.shortfall = s.checkShortfall(item, req.Quantity.Neg())
	}
	return plan
}

// checkShortfall logs the advisory insufficient-stock warning and returns the
// uncovered quantity, zero when fully covered.
func (s *Service) checkShortfall(item *TrackedItem, withdrawQty decimal.Decimal) decimal.Decimal {
	if item.StockQuantity.GreaterThanOrEqual(withdrawQty) {
		return decimal.Zero
	}
	shortErr := &InsufficientStockError{
		ItemID:    item.ID,
		Requested: withdrawQty,
		Available: item.StockQuantity,
	}
	s.log.Warn("insufficient stock, clamping at zero",
		zap.String("item_id", string(item.ID)),
		zap.String("item_name", item.Name),
		zap.String("requested", withdrawQty.String()),
		zap.String("available", item.StockQuantity.String()),
		zap.Error(shortErr),
	)
	return shortErr.Shortfall()
}

// =============================================================================
// APPLY - Atomic read-compute-write with optimistic retry
// =============================================================================

func (s *Service) apply(ctx context.Context, userID UserID, itemID ItemID, plan func(*TrackedItem) (*mutationPlan, error)) (*MutationResult, error) {
	var lastErr error
	for attempt := 0; attempt < maxMutationRetries; attempt++ {
		result, err := s.applyOnce(ctx, userID, itemID, plan)
		if err == nil {
			return result, nil
		}
		if !IsRetryable(err) {
			return nil, err
		}
		lastErr = err
		s.log.Warn("mutation conflict, retrying",
			zap.String("item_id", string(itemID)),
			zap.Int("attempt", attempt+1),
		)
	}
	return nil, fmt.Errorf("mutation on %s gave up after %d attempts: %w", itemID, maxMutationRetries, lastErr)
}

func (s *Service) applyOnce(ctx context.Context, userID UserID, itemID ItemID, plan func(*TrackedItem) (*mutationPlan, error)) (*MutationResult, error) {
	var result *MutationResult

	err := s.store.WithTx(ctx, func(st Store) error {
		item, err := st.GetItem(ctx, userID, itemID)
		if err != nil {
			return err
		}

		p, err := plan(item)
		if err != nil {
			return err
		}

		now := s.now()
		txID := TransactionID(s.newID())

		update := ItemStateUpdate{
			ItemID:             item.ID,
			UserID:             userID,
			ExpectedVersion:    item.Version,
			StockQuantity:      p.newQty,
			WAC:                p.newWAC,
			LastReferencePrice: p.refPrice,
			MutatedAt:          now,
		}
		if err := st.UpdateItemState(ctx, update); err != nil {
			return err
		}

		tx := StockTransaction{
			ID:            txID,
			ItemID:        item.ID,
			UserID:        userID,
			Kind:          p.kind,
			QuantityDelta: p.delta,
			UnitPrice:     p.txUnitPrice,
			TotalValue:    p.delta.Abs().Mul(p.txUnitPrice),
			Reference:     referenceText(p.reference),
			Notes:         p.notes,
			Actor:         p.reference.Actor,
			CreatedAt:     now,
		}
		if err := st.AppendTransaction(ctx, tx); err != nil {
			return fmt.Errorf("append transaction for %s: %w", item.ID, err)
		}

		audit := StockAuditEntry{
			ID:             s.newID(),
			ItemID:         item.ID,
			Kind:           p.kind,
			QuantityBefore: item.StockQuantity,
			QuantityDelta:  p.delta,
			QuantityAfter:  p.newQty,
			Reason:         p.reason,
			ReferenceType:  p.reference.Type,
			ReferenceID:    p.reference.ID,
			Actor:          p.reference.Actor,
			Metadata:       p.metadata,
			CreatedAt:      now,
		}
		if err := st.AppendAudit(ctx, audit); err != nil {
			return fmt.Errorf("append audit for %s: %w", item.ID, err)
		}

		result = &MutationResult{
			ItemID:        item.ID,
			ItemName:      item.Name,
			PreviousQty:   item.StockQuantity,
			NewQty:        p.newQty,
			PreviousWAC:   item.WeightedAverageCost,
			NewWAC:        p.newWAC,
			TransactionID: txID,
			Shortfall:     p.shortfall,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("stock mutated",
		zap.String("item_id", string(result.ItemID)),
		zap.String("item_name", result.ItemName),
		zap.String("previous_qty", result.PreviousQty.String()),
		zap.String("new_qty", result.NewQty.String()),
		zap.String("previous_wac", result.PreviousWAC.String()),
		zap.String("new_wac", result.NewWAC.String()),
	)
	return result, nil
}

func validateQuantities(req MutationRequest) error {
	switch req.Kind {
	case KindPurchase:
		if !req.Quantity.IsPositive() {
			return &InvalidMutationError{Kind: req.Kind, Detail: "purchase quantity must be positive"}
		}
		if req.UnitPrice.IsNegative() {
			return &InvalidMutationError{Kind: req.Kind, Detail: "purchase unit price must not be negative"}
		}
	case KindUsage, KindWaste:
		if !req.Quantity.IsPositive() {
			return &InvalidMutationError{Kind: req.Kind, Detail: "withdrawal quantity must be positive"}
		}
	case KindAdjustment:
		if req.Quantity.IsZero() {
			return &InvalidMutationError{Kind: req.Kind, Detail: "adjustment delta must be non-zero"}
		}
	}
	return nil
}

func referenceText(ref Reference) string {
	if ref.ID == "" {
		return ref.Note
	}
	if ref.Note == "" {
		return ref.ID
	}
	return fmt.Sprintf("%s - %s", ref.ID, ref.Note)
}
