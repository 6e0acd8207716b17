/*
handlers.go - HTTP API handlers for the inventory cost ledger

PURPOSE:
  Exposes the stock ledger, recipe batch operations, and cost alerts via
  REST API. Handles HTTP request/response, JSON serialization, and
  delegates to domain logic.

ENDPOINTS:
  Items:
    GET    /api/items                     List tracked items
    POST   /api/items                     Register a tracked item
    GET    /api/items/{id}                Get item state
    GET    /api/items/{id}/transactions   Transaction history (newest first)
    GET    /api/items/{id}/audit          Audit trail (newest first)

  Mutations:
    POST   /api/items/{id}/purchase          Record a purchase
    POST   /api/items/{id}/purchase/reverse  Reverse a recorded purchase
    POST   /api/items/{id}/use               Withdraw stock (usage)
    POST   /api/items/{id}/waste             Write off spoilage
    POST   /api/items/{id}/adjust            Manual signed adjustment

  Recipes:
    POST   /api/recipes                           Save recipe definition
    POST   /api/recipes/{id}/production           Deduct for production
    POST   /api/recipes/{id}/production/cancel    Restore cancelled production
    POST   /api/recipes/{id}/order                Deduct for delivered order
    POST   /api/recipes/{id}/order/cancel         Restore cancelled order

  Alerts:
    GET    /api/alerts                    List alerts (?include_dismissed=true)
    POST   /api/alerts/{id}/read          Mark read
    POST   /api/alerts/{id}/dismiss       Dismiss
    POST   /api/alerts/detect             Run detection now

TENANCY:
  Every request is scoped to the user named in the X-User-ID header.
  Requests without the header are rejected.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Item or alert not found
  - 500: Internal errors

SECURITY NOTE:
  X-User-ID is trusted as-is; an authenticating proxy must set it in
  production. No authentication middleware here.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/cost-ledger/alerting"
	"github.com/warp/cost-ledger/ledger"
	"github.com/warp/cost-ledger/recipe"
	"github.com/warp/cost-ledger/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      *sqlite.Store
	Service    *ledger.Service
	Aggregator *recipe.Aggregator
	Detector   *alerting.Detector
	Log        *zap.Logger
}

// NewHandler wires a handler over the store and domain services.
func NewHandler(store *sqlite.Store, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	service := ledger.NewService(store, log)
	return &Handler{
		Store:      store,
		Service:    service,
		Aggregator: recipe.NewAggregator(store, service, log),
		Detector:   alerting.NewDetector(store, store, store, log),
		Log:        log,
	}
}

// userID extracts the tenant scope from the request, or writes a 400 and
// returns false.
func userID(w http.ResponseWriter, r *http.Request) (ledger.UserID, bool) {
	id := r.Header.Get("X-User-ID")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing X-User-ID header", nil)
		return "", false
	}
	return ledger.UserID(id), true
}

// =============================================================================
// ITEM HANDLERS
// =============================================================================

// ListItems returns all tracked items for the user.
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	items, err := h.Store.ListItems(r.Context(), uid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list items", err)
		return
	}

	dtos := make([]ItemDTO, len(items))
	for i, item := range items {
		dtos[i] = toItemDTO(item)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetItem returns one tracked item's current state.
func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	item, err := h.Store.GetItem(r.Context(), uid, ledger.ItemID(chi.URLParam(r, "id")))
	if err != nil {
		if ledger.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "Item not found", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get item", err)
		return
	}
	writeJSON(w, http.StatusOK, toItemDTO(*item))
}

// CreateItem registers a new tracked item.
func (h *Handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req CreateItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.Name == "" || req.Unit == "" {
		writeError(w, http.StatusBadRequest, "id, name and unit are required", nil)
		return
	}

	qty, err := parseDecimalOrZero(req.StockQuantity)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid stock_quantity", err)
		return
	}
	cost, err := parseDecimalOrZero(req.UnitCost)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid unit_cost", err)
		return
	}

	item := ledger.TrackedItem{
		ID:                  ledger.ItemID(req.ID),
		UserID:              uid,
		Name:                req.Name,
		Unit:                req.Unit,
		StockQuantity:       qty,
		WeightedAverageCost: cost,
		LastReferencePrice:  cost,
	}
	if err := h.Store.SaveItem(r.Context(), item); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create item", err)
		return
	}
	writeJSON(w, http.StatusCreated, toItemDTO(item))
}

// GetTransactions returns an item's transaction history.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	txs, err := h.Store.TransactionsForItem(r.Context(), uid, ledger.ItemID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load transactions", err)
		return
	}

	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = TransactionDTO{
			ID:            string(tx.ID),
			ItemID:        string(tx.ItemID),
			Kind:          string(tx.Kind),
			QuantityDelta: tx.QuantityDelta.String(),
			UnitPrice:     tx.UnitPrice.String(),
			TotalValue:    tx.TotalValue.String(),
			Reference:     tx.Reference,
			Notes:         tx.Notes,
			Actor:         tx.Actor,
			CreatedAt:     tx.CreatedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetAuditTrail returns an item's audit entries.
func (h *Handler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	if _, ok := userID(w, r); !ok {
		return
	}

	entries, err := h.Store.AuditTrailForItem(r.Context(), ledger.ItemID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load audit trail", err)
		return
	}

	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = AuditEntryDTO{
			ID:             e.ID,
			ItemID:         string(e.ItemID),
			Kind:           string(e.Kind),
			QuantityBefore: e.QuantityBefore.String(),
			QuantityDelta:  e.QuantityDelta.String(),
			QuantityAfter:  e.QuantityAfter.String(),
			Reason:         e.Reason,
			ReferenceType:  e.ReferenceType,
			ReferenceID:    e.ReferenceID,
			Actor:          e.Actor,
			Metadata:       e.Metadata,
			CreatedAt:      e.CreatedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// MUTATION HANDLERS
// =============================================================================

// RecordPurchase records a stock purchase and re-blends the WAC.
func (h *Handler) RecordPurchase(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, ledger.KindPurchase)
}

// WithdrawStock deducts stock for usage.
func (h *Handler) WithdrawStock(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, ledger.KindUsage)
}

// RecordWaste writes off spoiled stock.
func (h *Handler) RecordWaste(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, ledger.KindWaste)
}

// AdjustStock applies a manual signed adjustment.
func (h *Handler) AdjustStock(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, ledger.KindAdjustment)
}

func (h *Handler) mutate(w http.ResponseWriter, r *http.Request, kind ledger.MutationKind) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req MutationRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid quantity", err)
		return
	}
	price, err := parseDecimalOrZero(req.UnitPrice)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid unit_price", err)
		return
	}

	result, err := h.Service.Mutate(r.Context(), uid, ledger.MutationRequest{
		ItemID:    ledger.ItemID(chi.URLParam(r, "id")),
		Kind:      kind,
		Quantity:  qty,
		UnitPrice: price,
		Reference: ledger.Reference{
			Type:  req.ReferenceType,
			ID:    req.ReferenceID,
			Note:  req.Note,
			Actor: req.Actor,
		},
	})
	if err != nil {
		h.writeMutationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMutationResultDTO(*result))
}

// ReversePurchase undoes a recorded purchase via a new ADJUSTMENT entry.
func (h *Handler) ReversePurchase(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req MutationRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid quantity", err)
		return
	}
	price, err := parseDecimalOrZero(req.UnitPrice)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid unit_price", err)
		return
	}

	result, err := h.Service.ReversePurchase(r.Context(), uid,
		ledger.ItemID(chi.URLParam(r, "id")), qty, price,
		ledger.Reference{
			Type:  "purchase",
			ID:    req.ReferenceID,
			Note:  req.Note,
			Actor: req.Actor,
		})
	if err != nil {
		h.writeMutationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMutationResultDTO(*result))
}

func (h *Handler) writeMutationError(w http.ResponseWriter, err error) {
	switch {
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Item not found", err)
	case ledger.IsClientError(err):
		writeError(w, http.StatusBadRequest, "Invalid mutation", err)
	default:
		writeError(w, http.StatusInternalServerError, "Mutation failed", err)
	}
}

// =============================================================================
// RECIPE HANDLERS
// =============================================================================

// SaveRecipe creates or replaces a recipe definition.
func (h *Handler) SaveRecipe(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req SaveRecipeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "id and name are required", nil)
		return
	}

	ingredients := make([]recipe.Ingredient, 0, len(req.Ingredients))
	for _, ing := range req.Ingredients {
		qty, err := decimal.NewFromString(ing.QuantityPerServing)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid quantity_per_serving for "+ing.ItemID, err)
			return
		}
		ingredients = append(ingredients, recipe.Ingredient{
			ItemID:             ledger.ItemID(ing.ItemID),
			QuantityPerServing: qty,
		})
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	if err := h.Store.SaveRecipe(r.Context(), uid, recipe.RecipeID(req.ID), req.Name, active, ingredients); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save recipe", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

// DeductForProduction deducts all ingredients for a completed production run.
func (h *Handler) DeductForProduction(w http.ResponseWriter, r *http.Request) {
	h.recipeBatch(w, r, h.Aggregator.DeductForProduction)
}

// RestoreForCancelledProduction restores the deductions of a cancelled run.
func (h *Handler) RestoreForCancelledProduction(w http.ResponseWriter, r *http.Request) {
	h.recipeBatch(w, r, h.Aggregator.RestoreForCancelledProduction)
}

// DeductForOrder deducts all ingredients for a delivered order.
func (h *Handler) DeductForOrder(w http.ResponseWriter, r *http.Request) {
	h.recipeBatch(w, r, h.Aggregator.DeductForOrder)
}

// RestoreForCancelledOrder restores the deductions of a cancelled order.
func (h *Handler) RestoreForCancelledOrder(w http.ResponseWriter, r *http.Request) {
	h.recipeBatch(w, r, h.Aggregator.RestoreForCancelledOrder)
}

type batchFunc func(ctx context.Context, userID ledger.UserID, recipeID recipe.RecipeID, referenceID string, multiplier decimal.Decimal) (*recipe.BatchResult, error)

func (h *Handler) recipeBatch(w http.ResponseWriter, r *http.Request, fn batchFunc) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req RecipeBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ReferenceID == "" {
		writeError(w, http.StatusBadRequest, "reference_id is required", nil)
		return
	}

	multiplier, err := decimal.NewFromString(req.Multiplier)
	if err != nil || !multiplier.IsPositive() {
		writeError(w, http.StatusBadRequest, "multiplier must be a positive decimal", err)
		return
	}

	result, err := fn(r.Context(), uid, recipe.RecipeID(chi.URLParam(r, "id")), req.ReferenceID, multiplier)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Recipe batch failed", err)
		return
	}

	dto := BatchResultDTO{
		RecipeID: string(result.RecipeID),
		Results:  make([]MutationResultDTO, len(result.Results)),
	}
	for i, mr := range result.Results {
		dto.Results[i] = toMutationResultDTO(mr)
	}
	for _, f := range result.Failures {
		dto.Failures = append(dto.Failures, BatchFailureDTO{
			ItemID: string(f.ItemID),
			Error:  f.Err.Error(),
		})
	}

	// Partial success still returns 200; clients inspect failures.
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// ALERT HANDLERS
// =============================================================================

// ListAlerts returns the user's cost alerts, newest first.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	includeDismissed := r.URL.Query().Get("include_dismissed") == "true"
	alerts, err := h.Store.ListAlerts(r.Context(), uid, includeDismissed)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list alerts", err)
		return
	}

	dtos := make([]AlertDTO, len(alerts))
	for i, a := range alerts {
		dtos[i] = AlertDTO{
			ID:               a.ID,
			RecipeID:         string(a.RecipeID),
			Type:             string(a.Type),
			Severity:         string(a.Severity),
			Title:            a.Title,
			Message:          a.Message,
			OldValue:         a.OldValue.String(),
			NewValue:         a.NewValue.String(),
			ChangePercentage: a.ChangePercentage.String(),
			Affected:         a.Affected,
			IsRead:           a.IsRead,
			IsDismissed:      a.IsDismissed,
			CreatedAt:        a.CreatedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// MarkAlertRead flips an alert's read flag.
func (h *Handler) MarkAlertRead(w http.ResponseWriter, r *http.Request) {
	h.setAlertFlags(w, r, true, false)
}

// DismissAlert dismisses an alert.
func (h *Handler) DismissAlert(w http.ResponseWriter, r *http.Request) {
	h.setAlertFlags(w, r, true, true)
}

func (h *Handler) setAlertFlags(w http.ResponseWriter, r *http.Request, isRead, isDismissed bool) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.Store.SetAlertFlags(r.Context(), uid, id, isRead, isDismissed); err != nil {
		writeError(w, http.StatusNotFound, "Alert not found", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// RunDetection triggers an immediate alert detection pass.
func (h *Handler) RunDetection(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Detector.Run(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Detection run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toDetectionRunDTO(*summary))
}

// =============================================================================
// HELPERS
// =============================================================================

func toItemDTO(item ledger.TrackedItem) ItemDTO {
	dto := ItemDTO{
		ID:                  string(item.ID),
		Name:                item.Name,
		Unit:                item.Unit,
		StockQuantity:       item.StockQuantity.String(),
		WeightedAverageCost: item.WeightedAverageCost.String(),
		LastReferencePrice:  item.LastReferencePrice.String(),
	}
	if !item.LastPurchaseAt.IsZero() {
		dto.LastPurchaseAt = item.LastPurchaseAt.Format(time.RFC3339)
	}
	if !item.LastMutationAt.IsZero() {
		dto.LastMutationAt = item.LastMutationAt.Format(time.RFC3339)
	}
	return dto
}

func toMutationResultDTO(mr ledger.MutationResult) MutationResultDTO {
	dto := MutationResultDTO{
		ItemID:        string(mr.ItemID),
		ItemName:      mr.ItemName,
		PreviousQty:   mr.PreviousQty.String(),
		NewQty:        mr.NewQty.String(),
		PreviousWAC:   mr.PreviousWAC.String(),
		NewWAC:        mr.NewWAC.String(),
		TransactionID: string(mr.TransactionID),
	}
	if mr.Shortfall.IsPositive() {
		dto.Shortfall = mr.Shortfall.String()
	}
	return dto
}

func toDetectionRunDTO(s alerting.RunSummary) DetectionRunDTO {
	dto := DetectionRunDTO{
		StartedAt:         s.StartedAt.Format(time.RFC3339),
		FinishedAt:        s.FinishedAt.Format(time.RFC3339),
		UsersProcessed:    s.UsersProcessed,
		RecipesProcessed:  s.RecipesProcessed,
		SnapshotsCompared: s.SnapshotsCompared,
		AlertsGenerated:   s.AlertsGenerated,
		AlertsInserted:    s.AlertsInserted,
	}
	for _, e := range s.Errors {
		dto.Errors = append(dto.Errors, RunErrorDTO{
			UserID:   string(e.UserID),
			RecipeID: string(e.RecipeID),
			Message:  e.Message,
		})
	}
	return dto
}

func parseDecimalOrZero(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
