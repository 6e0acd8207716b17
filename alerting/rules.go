/*
rules.go - Pure snapshot comparison rules

PURPOSE:
  Compares two consecutive snapshots of the same recipe and emits zero or
  more typed alerts. No I/O; the detection job feeds snapshots in and
  persists whatever comes out.

THE THREE RULES (each evaluated independently):
  cost_increase: cost of goods rose more than 10% (high above 20%)
  margin_low:    margin defined and below 15% (critical below 10%)
  cost_spike:    any single ingredient's cost rose more than 15%

ISOLATION:
  A rule panicking must not prevent the other rules from running; each
  rule is evaluated behind a recover, and the recovered panic is handed
  back as an error so the detection run can record it. Rule order does
  not affect the resulting alert set.

ZERO GUARD:
  PctChange treats a zero old value as "no change" so empty or zero-cost
  previous snapshots cannot produce divide-by-zero false positives.

SEE ALSO:
  - detector.go: Feeds snapshot pairs into Evaluate
*/
package alerting

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Rule thresholds, in percent.
var (
	costIncreaseThreshold  = decimal.NewFromInt(10)
	costIncreaseHighAbove  = decimal.NewFromInt(20)
	marginLowThreshold     = decimal.NewFromInt(15)
	marginCriticalBelow    = decimal.NewFromInt(10)
	ingredientSpikeAbove   = decimal.NewFromInt(15)
	componentChangeMinimum = decimal.NewFromInt(5)
)

var hundred = decimal.NewFromInt(100)

// PctChange returns (new-old)/old*100, or zero when old is zero.
func PctChange(newValue, oldValue decimal.Decimal) decimal.Decimal {
	if oldValue.IsZero() {
		return decimal.Zero
	}
	return newValue.Sub(oldValue).Div(oldValue).Mul(hundred)
}

type ruleFunc func(current, previous CostSnapshot, recipeName string) *Alert

var ruleSet = []ruleFunc{
	evaluateCostIncrease,
	evaluateMarginLow,
	evaluateCostSpike,
}

// Evaluate runs the rules against a snapshot pair and returns the generated
// alerts plus one error per rule that panicked. current must be the newer
// snapshot. The result is independent of rule order and a failing rule never
// suppresses the others.
func Evaluate(current, previous CostSnapshot, recipeName string) ([]Alert, []error) {
	var alerts []Alert
	var errs []error
	for _, rule := range ruleSet {
		alert, err := runIsolated(rule, current, previous, recipeName)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if alert != nil {
			alerts = append(alerts, *alert)
		}
	}
	return alerts, errs
}

// runIsolated shields the other rules from a panicking one, converting the
// recovered panic into an error the caller can record.
func runIsolated(rule ruleFunc, current, previous CostSnapshot, recipeName string) (alert *Alert, err error) {
	defer func() {
		if r := recover(); r != nil {
			alert = nil
			err = fmt.Errorf("alert rule panicked: %v", r)
		}
	}()
	return rule(current, previous, recipeName), nil
}

// =============================================================================
// RULE 1 - cost_increase
// =============================================================================

func evaluateCostIncrease(current, previous CostSnapshot, recipeName string) *Alert {
	change := PctChange(current.CostValue, previous.CostValue)
	if change.LessThanOrEqual(costIncreaseThreshold) {
		return nil
	}

	severity := SeverityMedium
	if change.GreaterThan(costIncreaseHighAbove) {
		severity = SeverityHigh
	}

	return &Alert{
		RecipeID:         current.RecipeID,
		UserID:           current.UserID,
		Type:             AlertCostIncrease,
		Severity:         severity,
		Title:            fmt.Sprintf("Cost of goods for %s up %s%%", recipeName, change.StringFixed(1)),
		Message:          fmt.Sprintf("Cost of goods increased from %s to %s", previous.CostValue, current.CostValue),
		OldValue:         previous.CostValue,
		NewValue:         current.CostValue,
		ChangePercentage: change,
		Affected:         diffComponents(current.Breakdown, previous.Breakdown),
		DedupeKey:        dedupeKey(current, AlertCostIncrease),
	}
}

// =============================================================================
// RULE 2 - margin_low
// =============================================================================

func evaluateMarginLow(current, previous CostSnapshot, recipeName string) *Alert {
	if current.MarginPercentage == nil {
		return nil
	}
	margin := *current.MarginPercentage
	if margin.GreaterThanOrEqual(marginLowThreshold) {
		return nil
	}

	severity := SeverityHigh
	if margin.LessThan(marginCriticalBelow) {
		severity = SeverityCritical
	}

	oldMargin := decimal.Zero
	if previous.MarginPercentage != nil {
		oldMargin = *previous.MarginPercentage
	}

	return &Alert{
		RecipeID:         current.RecipeID,
		UserID:           current.UserID,
		Type:             AlertMarginLow,
		Severity:         severity,
		Title:            fmt.Sprintf("Margin for %s is low (%s%%)", recipeName, margin.StringFixed(1)),
		Message:          fmt.Sprintf("Profit margin is below the %s%% minimum target", marginLowThreshold),
		OldValue:         oldMargin,
		NewValue:         margin,
		ChangePercentage: decimal.Zero,
		DedupeKey:        dedupeKey(current, AlertMarginLow),
	}
}

// =============================================================================
// RULE 3 - cost_spike
// =============================================================================

func evaluateCostSpike(current, previous CostSnapshot, recipeName string) *Alert {
	spikes := detectIngredientSpikes(current.Breakdown, previous.Breakdown)
	if len(spikes) == 0 {
		return nil
	}

	return &Alert{
		RecipeID:         current.RecipeID,
		UserID:           current.UserID,
		Type:             AlertCostSpike,
		Severity:         SeverityMedium,
		Title:            fmt.Sprintf("Ingredient cost spike for %s", recipeName),
		Message:          fmt.Sprintf("%d ingredient(s) rose sharply in price", len(spikes)),
		OldValue:         previous.MaterialCost,
		NewValue:         current.MaterialCost,
		ChangePercentage: PctChange(current.MaterialCost, previous.MaterialCost),
		Affected:         &AffectedComponents{Ingredients: spikes},
		DedupeKey:        dedupeKey(current, AlertCostSpike),
	}
}

// detectIngredientSpikes returns ingredients whose cost rose above the spike
// threshold, matched by id against the previous snapshot.
func detectIngredientSpikes(current, previous CostBreakdown) []ComponentChange {
	var spikes []ComponentChange
	prevByID := make(map[string]IngredientCost, len(previous.Ingredients))
	for _, ing := range previous.Ingredients {
		prevByID[ing.ID] = ing
	}

	for _, ing := range current.Ingredients {
		prev, ok := prevByID[ing.ID]
		if !ok || !prev.Cost.IsPositive() {
			continue
		}
		change := PctChange(ing.Cost, prev.Cost)
		if change.GreaterThan(ingredientSpikeAbove) {
			spikes = append(spikes, ComponentChange{
				Name:   ing.Name,
				Old:    prev.Cost,
				New:    ing.Cost,
				Change: change,
			})
		}
	}
	return spikes
}

// =============================================================================
// COMPONENT DIFF
// =============================================================================

// diffComponents compares every ingredient and operational category present
// in both breakdowns and keeps entries whose absolute change exceeds the
// significance threshold. Returns nil when nothing moved significantly.
func diffComponents(current, previous CostBreakdown) *AffectedComponents {
	affected := &AffectedComponents{}

	prevIng := make(map[string]IngredientCost, len(previous.Ingredients))
	for _, ing := range previous.Ingredients {
		prevIng[ing.ID] = ing
	}
	for _, ing := range current.Ingredients {
		prev, ok := prevIng[ing.ID]
		if !ok || !prev.Cost.IsPositive() {
			continue
		}
		change := PctChange(ing.Cost, prev.Cost)
		if change.Abs().GreaterThan(componentChangeMinimum) {
			affected.Ingredients = append(affected.Ingredients, ComponentChange{
				Name:   ing.Name,
				Old:    prev.Cost,
				New:    ing.Cost,
				Change: change,
			})
		}
	}

	prevOps := make(map[string]OperationalCost, len(previous.Operational))
	for _, op := range previous.Operational {
		prevOps[op.Category] = op
	}
	for _, op := range current.Operational {
		prev, ok := prevOps[op.Category]
		if !ok || !prev.Cost.IsPositive() {
			continue
		}
		change := PctChange(op.Cost, prev.Cost)
		if change.Abs().GreaterThan(componentChangeMinimum) {
			affected.Operational = append(affected.Operational, ComponentChange{
				Name:   op.Category,
				Old:    prev.Cost,
				New:    op.Cost,
				Change: change,
			})
		}
	}

	if len(affected.Ingredients) == 0 && len(affected.Operational) == 0 {
		return nil
	}
	return affected
}

// dedupeKey makes an alert deterministic in (recipe, type, snapshot date).
func dedupeKey(current CostSnapshot, alertType AlertType) string {
	return fmt.Sprintf("%s|%s|%s", current.RecipeID, alertType, current.Date.UTC().Format("2006-01-02"))
}
