/*
Package alerting provides cost snapshot comparison and alert detection.

PURPOSE:
  Consumes the append-only cost snapshot time series (one row per recipe
  and date, produced by the external costing job) and detects cost-of-goods
  anomalies by diffing each recipe's two most recent snapshots.

KEY CONCEPTS IN THIS FILE (snapshot.go):
  - CostSnapshot: point-in-time cost of goods for a recipe, with a
    structured breakdown by ingredient and operational category
  - Alert: a typed notification that a snapshot-over-snapshot comparison
    crossed a threshold
  - AffectedComponents: the breakdown entries whose change was significant

SEE ALSO:
  - rules.go: The three comparison rules
  - detector.go: The scheduled batch job running the rules
*/
package alerting

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/cost-ledger/ledger"
	"github.com/warp/cost-ledger/recipe"
)

// =============================================================================
// COST SNAPSHOT - Immutable, one per (recipe, date)
// =============================================================================

// CostSnapshot is a point-in-time record of a recipe's computed cost of
// goods. This core only ever reads snapshots; creation is external.
type CostSnapshot struct {
	ID               string
	RecipeID         recipe.RecipeID
	UserID           ledger.UserID
	Date             time.Time
	CostValue        decimal.Decimal
	MaterialCost     decimal.Decimal
	MarginPercentage *decimal.Decimal // nil when no selling price is set
	Breakdown        CostBreakdown
}

// CostBreakdown decomposes a snapshot's cost value.
type CostBreakdown struct {
	Ingredients []IngredientCost  `json:"ingredients,omitempty"`
	Operational []OperationalCost `json:"operational,omitempty"`
}

type IngredientCost struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Cost decimal.Decimal `json:"cost"`
}

type OperationalCost struct {
	Category string          `json:"category"`
	Cost     decimal.Decimal `json:"cost"`
}

// =============================================================================
// ALERTS
// =============================================================================

type AlertType string

const (
	AlertCostIncrease AlertType = "cost_increase"
	AlertMarginLow    AlertType = "margin_low"
	AlertCostSpike    AlertType = "cost_spike"
)

type Severity string

const (
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ComponentChange is one breakdown entry whose cost moved.
type ComponentChange struct {
	Name   string          `json:"name"`
	Old    decimal.Decimal `json:"old"`
	New    decimal.Decimal `json:"new"`
	Change decimal.Decimal `json:"change"` // percentage
}

// AffectedComponents mirrors the breakdown shape, filtered to entries whose
// change exceeded the relevant threshold.
type AffectedComponents struct {
	Ingredients []ComponentChange `json:"ingredients,omitempty"`
	Operational []ComponentChange `json:"operational,omitempty"`
}

// Alert is a generated cost anomaly notification. Created only by the
// detection job; the read/dismiss flags are flipped later by the UI.
type Alert struct {
	ID               string
	RecipeID         recipe.RecipeID
	UserID           ledger.UserID
	Type             AlertType
	Severity         Severity
	Title            string
	Message          string
	OldValue         decimal.Decimal
	NewValue         decimal.Decimal
	ChangePercentage decimal.Decimal
	Affected         *AffectedComponents

	// DedupeKey makes detection re-runs idempotent: it is deterministic in
	// (recipe, alert type, current snapshot date) and the sink skips
	// duplicates.
	DedupeKey string

	IsRead      bool
	IsDismissed bool
	CreatedAt   time.Time
}
