/*
detector.go - The scheduled alert detection job

PURPOSE:
  Stateless batch entry point: for every user owning at least one active
  recipe, fetch each recipe's two most recent cost snapshots, run the rule
  engine on the pair, and batch-insert whatever alerts come out.

ERROR ISOLATION:
  One bad recipe never aborts the run. Failures enumerating a user's
  recipes, fetching a recipe's snapshots, or a rule panicking mid-pair
  are recorded in the summary's error list, keyed by user/recipe, and
  processing continues. The job only
  returns an error for truly fatal setup failures - the data store being
  unreachable for the initial user enumeration, or the final batch insert
  failing.

IDEMPOTENCY:
  Re-running against unchanged snapshots regenerates the same alerts, but
  their dedupe keys are deterministic and the sink skips existing keys, so
  duplicates never land.

SEE ALSO:
  - rules.go: The comparison rules
  - api/scheduler.go: Periodic trigger
*/
package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/cost-ledger/ledger"
	"github.com/warp/cost-ledger/recipe"
)

// snapshotPairSize is how many snapshots a comparison needs.
const snapshotPairSize = 2

// RunError records one isolated failure inside a detection run.
type RunError struct {
	UserID   ledger.UserID
	RecipeID recipe.RecipeID // empty when the failure was user-level
	Message  string
}

// RunSummary reports what a detection run did. Partial failures live in
// Errors; the run itself still counts as successful.
type RunSummary struct {
	StartedAt         time.Time
	FinishedAt        time.Time
	UsersProcessed    int
	RecipesProcessed  int
	SnapshotsCompared int
	AlertsGenerated   int
	AlertsInserted    int // generated minus dedupe-skipped
	Errors            []RunError
}

// Detector is the alert detection job.
type Detector struct {
	directory RecipeDirectory
	snapshots SnapshotSource
	sink      AlertSink
	log       *zap.Logger

	now   func() time.Time
	newID func() string
}

func NewDetector(directory RecipeDirectory, snapshots SnapshotSource, sink AlertSink, log *zap.Logger) *Detector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Detector{
		directory: directory,
		snapshots: snapshots,
		sink:      sink,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.NewString() },
	}
}

// Run executes one detection pass over all users and active recipes.
func (d *Detector) Run(ctx context.Context) (*RunSummary, error) {
	summary := &RunSummary{StartedAt: d.now()}

	users, err := d.directory.ListUsersWithActiveRecipes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users with active recipes: %w", err)
	}

	var collected []Alert
	for _, userID := range users {
		summary.UsersProcessed++

		recipes, err := d.directory.ListActiveRecipes(ctx, userID)
		if err != nil {
			d.recordError(summary, userID, "", err)
			continue
		}

		for _, ref := range recipes {
			summary.RecipesProcessed++
			alerts, compared, err := d.detectForRecipe(ctx, userID, ref, summary)
			if err != nil {
				d.recordError(summary, userID, ref.ID, err)
				continue
			}
			summary.SnapshotsCompared += compared
			collected = append(collected, alerts...)
		}
	}
	summary.AlertsGenerated = len(collected)

	if len(collected) > 0 {
		inserted, err := d.sink.InsertAlerts(ctx, collected)
		if err != nil {
			return nil, fmt.Errorf("insert %d alerts: %w", len(collected), err)
		}
		summary.AlertsInserted = inserted
	}

	summary.FinishedAt = d.now()
	d.log.Info("alert detection run completed",
		zap.Int("users", summary.UsersProcessed),
		zap.Int("recipes", summary.RecipesProcessed),
		zap.Int("snapshots_compared", summary.SnapshotsCompared),
		zap.Int("alerts_generated", summary.AlertsGenerated),
		zap.Int("alerts_inserted", summary.AlertsInserted),
		zap.Int("errors", len(summary.Errors)),
		zap.Duration("took", summary.FinishedAt.Sub(summary.StartedAt)),
	)
	return summary, nil
}

// detectForRecipe compares the recipe's two latest snapshots. Returns the
// generated alerts and how many snapshot pairs were compared (0 or 1).
// Individual rule failures land in the summary's error list; the pair still
// counts as compared and the surviving rules' alerts are returned.
func (d *Detector) detectForRecipe(ctx context.Context, userID ledger.UserID, ref RecipeRef, summary *RunSummary) ([]Alert, int, error) {
	snaps, err := d.snapshots.LatestSnapshots(ctx, userID, ref.ID, snapshotPairSize)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch snapshots: %w", err)
	}
	if len(snaps) < snapshotPairSize {
		// Nothing to compare yet.
		return nil, 0, nil
	}

	alerts, ruleErrs := Evaluate(snaps[0], snaps[1], ref.Name)
	for _, ruleErr := range ruleErrs {
		d.recordError(summary, userID, ref.ID, ruleErr)
	}
	now := d.now()
	for i := range alerts {
		alerts[i].ID = d.newID()
		alerts[i].CreatedAt = now
	}
	return alerts, 1, nil
}

func (d *Detector) recordError(summary *RunSummary, userID ledger.UserID, recipeID recipe.RecipeID, err error) {
	summary.Errors = append(summary.Errors, RunError{
		UserID:   userID,
		RecipeID: recipeID,
		Message:  err.Error(),
	})
	d.log.Error("detection failure, continuing",
		zap.String("user_id", string(userID)),
		zap.String("recipe_id", string(recipeID)),
		zap.Error(err),
	)
}
