/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

NUMERICS:
  Quantities and costs cross the wire as decimal strings ("150.5"), never
  as floats, so clients round-trip values exactly.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"github.com/warp/cost-ledger/alerting"
)

// =============================================================================
// ITEM TYPES
// =============================================================================

// ItemDTO represents a tracked item in API responses.
type ItemDTO struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	Unit                string `json:"unit"`
	StockQuantity       string `json:"stock_quantity"`
	WeightedAverageCost string `json:"weighted_average_cost"`
	LastReferencePrice  string `json:"last_reference_price"`
	LastPurchaseAt      string `json:"last_purchase_at,omitempty"`
	LastMutationAt      string `json:"last_mutation_at,omitempty"`
}

// CreateItemRequest registers a new tracked item.
type CreateItemRequest struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Unit          string `json:"unit"`
	StockQuantity string `json:"stock_quantity,omitempty"`
	UnitCost      string `json:"unit_cost,omitempty"`
}

// =============================================================================
// MUTATION TYPES
// =============================================================================

// MutationRequestDTO is the shared request body for the stock mutation
// endpoints. Quantity is always positive except for adjustments, where it is
// the signed delta.
type MutationRequestDTO struct {
	Quantity      string `json:"quantity"`
	UnitPrice     string `json:"unit_price,omitempty"` // purchases and reversals only
	ReferenceType string `json:"reference_type,omitempty"`
	ReferenceID   string `json:"reference_id,omitempty"`
	Note          string `json:"note,omitempty"`
	Actor         string `json:"actor,omitempty"`
}

// MutationResultDTO reports the before/after picture of one mutation.
type MutationResultDTO struct {
	ItemID        string `json:"item_id"`
	ItemName      string `json:"item_name"`
	PreviousQty   string `json:"previous_qty"`
	NewQty        string `json:"new_qty"`
	PreviousWAC   string `json:"previous_wac"`
	NewWAC        string `json:"new_wac"`
	TransactionID string `json:"transaction_id"`
	Shortfall     string `json:"shortfall,omitempty"`
}

// =============================================================================
// HISTORY TYPES
// =============================================================================

// TransactionDTO represents one stock ledger entry.
type TransactionDTO struct {
	ID            string `json:"id"`
	ItemID        string `json:"item_id"`
	Kind          string `json:"kind"`
	QuantityDelta string `json:"quantity_delta"`
	UnitPrice     string `json:"unit_price"`
	TotalValue    string `json:"total_value"`
	Reference     string `json:"reference,omitempty"`
	Notes         string `json:"notes,omitempty"`
	Actor         string `json:"actor,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// AuditEntryDTO represents one audit trail entry.
type AuditEntryDTO struct {
	ID             string            `json:"id"`
	ItemID         string            `json:"item_id"`
	Kind           string            `json:"kind"`
	QuantityBefore string            `json:"quantity_before"`
	QuantityDelta  string            `json:"quantity_delta"`
	QuantityAfter  string            `json:"quantity_after"`
	Reason         string            `json:"reason,omitempty"`
	ReferenceType  string            `json:"reference_type,omitempty"`
	ReferenceID    string            `json:"reference_id,omitempty"`
	Actor          string            `json:"actor,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      string            `json:"created_at"`
}

// =============================================================================
// RECIPE BATCH TYPES
// =============================================================================

// RecipeBatchRequest drives a recipe-wide deduction or restoration.
type RecipeBatchRequest struct {
	ReferenceID string `json:"reference_id"`
	Multiplier  string `json:"multiplier"` // servings or production multiplier
}

// BatchFailureDTO is one ingredient that could not be mutated.
type BatchFailureDTO struct {
	ItemID string `json:"item_id"`
	Error  string `json:"error"`
}

// BatchResultDTO is the partial-success outcome of a recipe batch.
type BatchResultDTO struct {
	RecipeID string              `json:"recipe_id"`
	Results  []MutationResultDTO `json:"results"`
	Failures []BatchFailureDTO   `json:"failures,omitempty"`
}

// SaveRecipeRequest creates or replaces a recipe definition.
type SaveRecipeRequest struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	IsActive    *bool                  `json:"is_active,omitempty"` // defaults to true
	Ingredients []RecipeIngredientJSON `json:"ingredients"`
}

type RecipeIngredientJSON struct {
	ItemID             string `json:"item_id"`
	QuantityPerServing string `json:"quantity_per_serving"`
}

// =============================================================================
// ALERT TYPES
// =============================================================================

// AlertDTO represents one generated cost alert.
type AlertDTO struct {
	ID               string                        `json:"id"`
	RecipeID         string                        `json:"recipe_id"`
	Type             string                        `json:"type"`
	Severity         string                        `json:"severity"`
	Title            string                        `json:"title"`
	Message          string                        `json:"message,omitempty"`
	OldValue         string                        `json:"old_value"`
	NewValue         string                        `json:"new_value"`
	ChangePercentage string                        `json:"change_percentage"`
	Affected         *alerting.AffectedComponents  `json:"affected_components,omitempty"`
	IsRead           bool                          `json:"is_read"`
	IsDismissed      bool                          `json:"is_dismissed"`
	CreatedAt        string                        `json:"created_at"`
}

// DetectionRunDTO summarizes one detection job run.
type DetectionRunDTO struct {
	StartedAt         string          `json:"started_at"`
	FinishedAt        string          `json:"finished_at"`
	UsersProcessed    int             `json:"users_processed"`
	RecipesProcessed  int             `json:"recipes_processed"`
	SnapshotsCompared int             `json:"snapshots_compared"`
	AlertsGenerated   int             `json:"alerts_generated"`
	AlertsInserted    int             `json:"alerts_inserted"`
	Errors            []RunErrorDTO   `json:"errors,omitempty"`
}

type RunErrorDTO struct {
	UserID   string `json:"user_id"`
	RecipeID string `json:"recipe_id,omitempty"`
	Message  string `json:"message"`
}

// =============================================================================
// ERROR RESPONSE
// =============================================================================

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
