/*
Package recipe provides the recipe cost aggregator.

PURPOSE:
  Batch-applies ledger mutations across every ingredient of a recipe:
  production completion and order fulfillment deduct stock (USAGE), while
  cancellations restore exactly what was deducted (positive ADJUSTMENT).

CONTINUE-ON-ERROR:
  A failure mutating one ingredient never blocks the rest of the recipe.
  The failure is logged and recorded in BatchResult.Failures; the
  aggregator moves on to the remaining ingredients. Callers must inspect
  the failure set and reconcile manually - this is a deliberate
  partial-success model, not an aggregate transaction.

MULTIPLIER CORRECTNESS:
  A restoration must use the same multiplier as the operation it undoes,
  otherwise the restored quantities won't match the deducted ones.

SEE ALSO:
  - ledger/service.go: The per-ingredient mutation applied here
*/
package recipe

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/cost-ledger/ledger"
)

type RecipeID string

// Ingredient is one line of a recipe: an item and its quantity per serving.
type Ingredient struct {
	ItemID             ledger.ItemID
	QuantityPerServing decimal.Decimal
}

// Resolver resolves recipe facts from the external recipe subsystem.
// Read-only: the aggregator never writes recipes.
type Resolver interface {
	RecipeIngredients(ctx context.Context, userID ledger.UserID, recipeID RecipeID) ([]Ingredient, error)
	RecipeName(ctx context.Context, userID ledger.UserID, recipeID RecipeID) (string, error)
}

// Failure records one ingredient that could not be mutated.
type Failure struct {
	ItemID ledger.ItemID
	Err    error
}

// BatchResult is the partial-success outcome of a recipe-wide mutation.
type BatchResult struct {
	RecipeID RecipeID
	Results  []ledger.MutationResult
	Failures []Failure
}

// Failed reports whether any ingredient mutation failed.
func (r *BatchResult) Failed() bool { return len(r.Failures) > 0 }

// =============================================================================
// AGGREGATOR
// =============================================================================

type Aggregator struct {
	resolver Resolver
	service  *ledger.Service
	log      *zap.Logger
}

func NewAggregator(resolver Resolver, service *ledger.Service, log *zap.Logger) *Aggregator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{resolver: resolver, service: service, log: log}
}

// DeductForProduction deducts every ingredient of a recipe for a completed
// production run of multiplier servings.
func (a *Aggregator) DeductForProduction(ctx context.Context, userID ledger.UserID, recipeID RecipeID, productionID string, multiplier decimal.Decimal) (*BatchResult, error) {
	return a.apply(ctx, userID, recipeID, batchSpec{
		kind:          ledger.KindUsage,
		multiplier:    multiplier,
		referenceType: "production",
		referenceID:   productionID,
		reason:        "Production",
	})
}

// DeductForOrder deducts every ingredient of a recipe when an order for
// servings units is delivered.
func (a *Aggregator) DeductForOrder(ctx context.Context, userID ledger.UserID, recipeID RecipeID, orderID string, servings decimal.Decimal) (*BatchResult, error) {
	return a.apply(ctx, userID, recipeID, batchSpec{
		kind:          ledger.KindUsage,
		multiplier:    servings,
		referenceType: "order",
		referenceID:   orderID,
		reason:        "Order",
	})
}

// RestoreForCancelledProduction reverses the deductions of a completed
// production run that was cancelled. The multiplier must match the original
// production's multiplier.
func (a *Aggregator) RestoreForCancelledProduction(ctx context.Context, userID ledger.UserID, recipeID RecipeID, productionID string, multiplier decimal.Decimal) (*BatchResult, error) {
	return a.apply(ctx, userID, recipeID, batchSpec{
		kind:          ledger.KindAdjustment,
		multiplier:    multiplier,
		restore:       true,
		referenceType: "production",
		referenceID:   productionID,
		reason:        "Production cancelled",
	})
}

// RestoreForCancelledOrder reverses the deductions of a delivered order that
// was cancelled. servings must match the original order's quantity.
func (a *Aggregator) RestoreForCancelledOrder(ctx context.Context, userID ledger.UserID, recipeID RecipeID, orderID string, servings decimal.Decimal) (*BatchResult, error) {
	return a.apply(ctx, userID, recipeID, batchSpec{
		kind:          ledger.KindAdjustment,
		multiplier:    servings,
		restore:       true,
		referenceType: "order",
		referenceID:   orderID,
		reason:        "Order cancelled",
	})
}

type batchSpec struct {
	kind          ledger.MutationKind
	multiplier    decimal.Decimal
	restore       bool // ADJUSTMENT with positive delta
	referenceType string
	referenceID   string
	reason        string
}

func (a *Aggregator) apply(ctx context.Context, userID ledger.UserID, recipeID RecipeID, spec batchSpec) (*BatchResult, error) {
	ingredients, err := a.resolver.RecipeIngredients(ctx, userID, recipeID)
	if err != nil {
		return nil, fmt.Errorf("resolve ingredients for recipe %s: %w", recipeID, err)
	}

	recipeName, err := a.resolver.RecipeName(ctx, userID, recipeID)
	if err != nil {
		// Name is cosmetic (reference text); fall back to the id.
		recipeName = string(recipeID)
	}

	result := &BatchResult{RecipeID: recipeID}
	for _, ing := range ingredients {
		quantity := ing.QuantityPerServing.Mul(spec.multiplier)
		req := ledger.MutationRequest{
			ItemID:   ing.ItemID,
			Kind:     spec.kind,
			Quantity: quantity,
			Reference: ledger.Reference{
				Type: spec.referenceType,
				ID:   spec.referenceID,
				Note: fmt.Sprintf("%s: %s", spec.reason, recipeName),
			},
		}
		if spec.restore {
			// Positive delta puts the previously deducted quantity back.
			req.Reference.Note = fmt.Sprintf("%s: %s (restored %s units)", spec.reason, recipeName, quantity)
		}

		mr, err := a.service.Mutate(ctx, userID, req)
		if err != nil {
			a.log.Error("ingredient mutation failed, continuing",
				zap.String("recipe_id", string(recipeID)),
				zap.String("item_id", string(ing.ItemID)),
				zap.String("kind", string(spec.kind)),
				zap.Error(err),
			)
			result.Failures = append(result.Failures, Failure{ItemID: ing.ItemID, Err: err})
			continue
		}
		result.Results = append(result.Results, *mr)
	}

	a.log.Info("recipe batch applied",
		zap.String("recipe_id", string(recipeID)),
		zap.String("kind", string(spec.kind)),
		zap.Int("succeeded", len(result.Results)),
		zap.Int("failed", len(result.Failures)),
	)
	return result, nil
}
