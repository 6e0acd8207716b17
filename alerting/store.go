/*
store.go - Boundary interfaces for the detection job

PURPOSE:
  The detection job only needs three narrow views of the backing store:
  which users own active recipes, the latest snapshots per recipe, and a
  batch alert sink. Snapshot creation and recipe management stay external.

SEE ALSO:
  - detector.go: The job consuming these
  - store/sqlite: Production implementation
*/
package alerting

import (
	"context"

	"github.com/warp/cost-ledger/ledger"
	"github.com/warp/cost-ledger/recipe"
)

// RecipeRef is the minimal recipe fact the job needs: id and display name.
type RecipeRef struct {
	ID   recipe.RecipeID
	Name string
}

// RecipeDirectory enumerates users and their active recipes. Read-only.
type RecipeDirectory interface {
	ListUsersWithActiveRecipes(ctx context.Context) ([]ledger.UserID, error)
	ListActiveRecipes(ctx context.Context, userID ledger.UserID) ([]RecipeRef, error)
}

// SnapshotSource reads the snapshot time series. The core never writes
// snapshots.
type SnapshotSource interface {
	// LatestSnapshots returns up to limit snapshots for the recipe,
	// ordered newest first.
	LatestSnapshots(ctx context.Context, userID ledger.UserID, recipeID recipe.RecipeID, limit int) ([]CostSnapshot, error)
}

// AlertSink persists generated alerts in one batch write. Implementations
// must skip alerts whose DedupeKey already exists and report how many rows
// were actually inserted.
type AlertSink interface {
	InsertAlerts(ctx context.Context, alerts []Alert) (inserted int, err error)
}
