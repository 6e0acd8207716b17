/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers match with errors.Is / errors.As; the helpers at the bottom
  cover the common checks.

ERROR CATEGORIES:
  1. Lookup errors      - missing items
  2. Validation errors  - unsupported kind, bad quantity/price
  3. Concurrency errors - optimistic lock conflicts (retryable)
  4. Advisory errors    - insufficient stock (logged, never fatal)

SEE ALSO:
  - service.go: Produces these errors
  - store.go: Store implementations map driver errors onto these
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrItemNotFound is returned when the tracked item does not exist for
	// the given user. No writes happen after this error.
	ErrItemNotFound = errors.New("tracked item not found")

	// ErrInvalidMutation is returned for an unsupported mutation kind, or a
	// negative quantity/price where a positive value is required.
	ErrInvalidMutation = errors.New("invalid mutation")

	// ErrConcurrentModification is returned when the item's version changed
	// between read and write. The service retries these automatically.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInsufficientStock marks the advisory shortfall condition: the
	// withdrawal exceeded available stock and was clamped at zero. It is
	// logged and reported in the MutationResult, never returned as a
	// mutation failure.
	ErrInsufficientStock = errors.New("insufficient stock")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientStockError details an over-withdrawal.
type InsufficientStockError struct {
	ItemID    ItemID
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %s, available %s",
		e.ItemID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// Shortfall returns the quantity that could not be covered.
func (e *InsufficientStockError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

// InvalidMutationError details a rejected mutation request.
type InvalidMutationError struct {
	Kind   MutationKind
	Detail string
}

func (e *InvalidMutationError) Error() string {
	return fmt.Sprintf("invalid %s mutation: %s", e.Kind, e.Detail)
}

func (e *InvalidMutationError) Unwrap() error { return ErrInvalidMutation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound reports whether err indicates a missing tracked item.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrItemNotFound)
}

// IsRetryable reports whether the operation might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError reports whether the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidMutation) || errors.Is(err, ErrItemNotFound)
}
