package alerting

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate_PanickingRuleDoesNotSuppressOthers(t *testing.T) {
	// GIVEN: A rule set whose first rule panics on every pair
	// WHEN: Evaluating a pair that trips cost_increase
	// THEN: The surviving rules still produce their alerts and the panic
	//       comes back as an error instead of vanishing

	original := ruleSet
	ruleSet = append([]ruleFunc{
		func(CostSnapshot, CostSnapshot, string) *Alert { panic("broken rule") },
	}, original...)
	defer func() { ruleSet = original }()

	date := time.Date(2025, time.June, 2, 0, 0, 0, 0, time.UTC)
	previous := CostSnapshot{
		RecipeID: "recipe-cake", UserID: "user-1", Date: date,
		CostValue: decimal.NewFromInt(1000), MaterialCost: decimal.NewFromInt(1000),
	}
	current := previous
	current.CostValue = decimal.NewFromInt(1300)
	current.MaterialCost = decimal.NewFromInt(1300)

	alerts, errs := Evaluate(current, previous, "Chocolate Cake")

	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "panicked")
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCostIncrease, alerts[0].Type)
}
