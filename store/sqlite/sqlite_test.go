package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/cost-ledger/alerting"
	"github.com/warp/cost-ledger/ledger"
	"github.com/warp/cost-ledger/recipe"
	"github.com/warp/cost-ledger/store/sqlite"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedItem(t *testing.T, st *sqlite.Store, id, qty, wac string) {
	t.Helper()
	require.NoError(t, st.SaveItem(context.Background(), ledger.TrackedItem{
		ID:                  ledger.ItemID(id),
		UserID:              "user-1",
		Name:                "Flour",
		Unit:                "kg",
		StockQuantity:       dec(qty),
		WeightedAverageCost: dec(wac),
		LastReferencePrice:  dec(wac),
	}))
}

// =============================================================================
// ITEM STATE
// =============================================================================

func TestStore_ItemRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedItem(t, st, "item-flour", "100.5", "1000.25")

	item, err := st.GetItem(ctx, "user-1", "item-flour")
	require.NoError(t, err)

	assert.Equal(t, "Flour", item.Name)
	assert.True(t, item.StockQuantity.Equal(dec("100.5")), "decimals survive storage exactly")
	assert.True(t, item.WeightedAverageCost.Equal(dec("1000.25")))
	assert.Equal(t, int64(0), item.Version)
}

func TestStore_GetItem_MissingOrWrongUser(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedItem(t, st, "item-flour", "10", "100")

	_, err := st.GetItem(ctx, "user-1", "item-ghost")
	assert.ErrorIs(t, err, ledger.ErrItemNotFound)

	_, err = st.GetItem(ctx, "user-2", "item-flour")
	assert.ErrorIs(t, err, ledger.ErrItemNotFound, "items are scoped to their owner")
}

func TestStore_UpdateItemState_VersionConflict(t *testing.T) {
	// GIVEN: An item at version 0
	// WHEN: Writing with a stale expected version
	// THEN: ErrConcurrentModification, and the row is unchanged

	st := newTestStore(t)
	ctx := context.Background()
	seedItem(t, st, "item-flour", "100", "1000")

	ok := ledger.ItemStateUpdate{
		ItemID:          "item-flour",
		UserID:          "user-1",
		ExpectedVersion: 0,
		StockQuantity:   dec("150"),
		WAC:             dec("1100"),
		MutatedAt:       time.Now().UTC(),
	}
	require.NoError(t, st.UpdateItemState(ctx, ok))

	stale := ok
	stale.StockQuantity = dec("999")
	err := st.UpdateItemState(ctx, stale)
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)

	item, err := st.GetItem(ctx, "user-1", "item-flour")
	require.NoError(t, err)
	assert.True(t, item.StockQuantity.Equal(dec("150")))
	assert.Equal(t, int64(1), item.Version, "successful write bumps the version once")
}

func TestStore_UpdateItemState_MissingItemIsNotFound(t *testing.T) {
	st := newTestStore(t)

	err := st.UpdateItemState(context.Background(), ledger.ItemStateUpdate{
		ItemID:        "item-ghost",
		UserID:        "user-1",
		StockQuantity: dec("1"),
		WAC:           dec("1"),
		MutatedAt:     time.Now().UTC(),
	})
	assert.ErrorIs(t, err, ledger.ErrItemNotFound)
}

// =============================================================================
// FULL MUTATION PATH
// =============================================================================

func TestStore_ServiceMutationPersistsAllThreeWrites(t *testing.T) {
	// GIVEN: The real service over the SQLite store
	// WHEN: A purchase is applied
	// THEN: Item state, transaction, and audit entry are all present

	st := newTestStore(t)
	ctx := context.Background()
	seedItem(t, st, "item-flour", "100", "1000")

	svc := ledger.NewService(st, nil)
	result, err := svc.Mutate(ctx, "user-1", ledger.MutationRequest{
		ItemID:    "item-flour",
		Kind:      ledger.KindPurchase,
		Quantity:  dec("50"),
		UnitPrice: dec("1200"),
		Reference: ledger.Reference{Type: "purchase", ID: "po-1", Actor: "tester"},
	})
	require.NoError(t, err)
	assert.True(t, result.NewWAC.Equal(dec("160000").Div(dec("150"))), "got %s", result.NewWAC)

	item, err := st.GetItem(ctx, "user-1", "item-flour")
	require.NoError(t, err)
	assert.True(t, item.StockQuantity.Equal(dec("150")))
	assert.True(t, item.LastReferencePrice.Equal(dec("1200")))

	txs, err := st.TransactionsForItem(ctx, "user-1", "item-flour")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.KindPurchase, txs[0].Kind)
	assert.Equal(t, "tester", txs[0].Actor)
	assert.True(t, txs[0].TotalValue.Equal(dec("60000")))

	audits, err := st.AuditTrailForItem(ctx, "item-flour")
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.True(t, audits[0].QuantityBefore.Equal(dec("100")))
	assert.True(t, audits[0].QuantityAfter.Equal(dec("150")))
	assert.Equal(t, "1000", audits[0].Metadata["previous_wac"])
}

func TestStore_WithTxRollsBackOnError(t *testing.T) {
	// GIVEN: A transaction that updates state then fails
	// WHEN: WithTx returns the error
	// THEN: The state update is rolled back

	st := newTestStore(t)
	ctx := context.Background()
	seedItem(t, st, "item-flour", "100", "1000")

	failure := errors.New("deliberate failure")
	err := st.WithTx(ctx, func(tx ledger.Store) error {
		if err := tx.UpdateItemState(ctx, ledger.ItemStateUpdate{
			ItemID:          "item-flour",
			UserID:          "user-1",
			ExpectedVersion: 0,
			StockQuantity:   dec("0"),
			WAC:             dec("0"),
			MutatedAt:       time.Now().UTC(),
		}); err != nil {
			return err
		}
		return failure
	})
	assert.ErrorIs(t, err, failure)

	item, err := st.GetItem(ctx, "user-1", "item-flour")
	require.NoError(t, err)
	assert.True(t, item.StockQuantity.Equal(dec("100")), "rolled back")
	assert.Equal(t, int64(0), item.Version)
}

// =============================================================================
// RECIPE DIRECTORY
// =============================================================================

func TestStore_RecipeDirectory(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	ingredients := []recipe.Ingredient{
		{ItemID: "item-flour", QuantityPerServing: dec("0.5")},
		{ItemID: "item-sugar", QuantityPerServing: dec("0.2")},
	}
	require.NoError(t, st.SaveRecipe(ctx, "user-1", "recipe-cake", "Chocolate Cake", true, ingredients))
	require.NoError(t, st.SaveRecipe(ctx, "user-1", "recipe-old", "Retired", false, nil))
	require.NoError(t, st.SaveRecipe(ctx, "user-2", "recipe-bread", "Bread", true, nil))

	got, err := st.RecipeIngredients(ctx, "user-1", "recipe-cake")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ledger.ItemID("item-flour"), got[0].ItemID, "recipe order preserved")
	assert.True(t, got[0].QuantityPerServing.Equal(dec("0.5")))

	name, err := st.RecipeName(ctx, "user-1", "recipe-cake")
	require.NoError(t, err)
	assert.Equal(t, "Chocolate Cake", name)

	users, err := st.ListUsersWithActiveRecipes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ledger.UserID{"user-1", "user-2"}, users)

	refs, err := st.ListActiveRecipes(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, refs, 1, "inactive recipes excluded")
	assert.Equal(t, recipe.RecipeID("recipe-cake"), refs[0].ID)
}

// =============================================================================
// SNAPSHOTS AND ALERTS
// =============================================================================

func snap(id string, recipeID recipe.RecipeID, day int, cost string) alerting.CostSnapshot {
	return alerting.CostSnapshot{
		ID:           id,
		RecipeID:     recipeID,
		UserID:       "user-1",
		Date:         time.Date(2025, time.June, day, 0, 0, 0, 0, time.UTC),
		CostValue:    dec(cost),
		MaterialCost: dec(cost),
	}
}

func TestStore_LatestSnapshotsNewestFirst(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertSnapshot(ctx, snap("s1", "recipe-cake", 1, "1000")))
	require.NoError(t, st.InsertSnapshot(ctx, snap("s2", "recipe-cake", 2, "1100")))
	require.NoError(t, st.InsertSnapshot(ctx, snap("s3", "recipe-cake", 3, "1300")))

	snaps, err := st.LatestSnapshots(ctx, "user-1", "recipe-cake", 2)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "s3", snaps[0].ID)
	assert.Equal(t, "s2", snaps[1].ID)
	assert.True(t, snaps[0].CostValue.Equal(dec("1300")))
}

func TestStore_InsertSnapshot_RejectsDuplicateDate(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertSnapshot(ctx, snap("s1", "recipe-cake", 1, "1000")))
	err := st.InsertSnapshot(ctx, snap("s1b", "recipe-cake", 1, "1001"))
	assert.Error(t, err, "one snapshot per recipe per date")
}

func alertFixture(id, dedupeKey string) alerting.Alert {
	return alerting.Alert{
		ID:               id,
		RecipeID:         "recipe-cake",
		UserID:           "user-1",
		Type:             alerting.AlertCostIncrease,
		Severity:         alerting.SeverityHigh,
		Title:            "Cost of goods for Chocolate Cake up 30.0%",
		OldValue:         dec("1000"),
		NewValue:         dec("1300"),
		ChangePercentage: dec("30"),
		DedupeKey:        dedupeKey,
		CreatedAt:        time.Now().UTC(),
	}
}

func TestStore_InsertAlerts_SkipsDuplicateDedupeKeys(t *testing.T) {
	// GIVEN: An alert already inserted
	// WHEN: A batch containing the same dedupe key plus a fresh one lands
	// THEN: Only the fresh alert is counted as inserted

	st := newTestStore(t)
	ctx := context.Background()

	inserted, err := st.InsertAlerts(ctx, []alerting.Alert{
		alertFixture("a1", "recipe-cake|cost_increase|2025-06-02"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)

	inserted, err = st.InsertAlerts(ctx, []alerting.Alert{
		alertFixture("a2", "recipe-cake|cost_increase|2025-06-02"),
		alertFixture("a3", "recipe-cake|margin_low|2025-06-02"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, inserted, "duplicate key skipped")

	alerts, err := st.ListAlerts(ctx, "user-1", true)
	require.NoError(t, err)
	assert.Len(t, alerts, 2)
}

func TestStore_AlertFlagsAndDismissFilter(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.InsertAlerts(ctx, []alerting.Alert{
		alertFixture("a1", "k1"),
		alertFixture("a2", "k2"),
	})
	require.NoError(t, err)

	require.NoError(t, st.SetAlertFlags(ctx, "user-1", "a1", true, true))

	active, err := st.ListAlerts(ctx, "user-1", false)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "a2", active[0].ID)

	all, err := st.ListAlerts(ctx, "user-1", true)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	err = st.SetAlertFlags(ctx, "user-1", "a-ghost", true, false)
	assert.Error(t, err)
}

func TestStore_EndToEndDetectionOverSQLite(t *testing.T) {
	// GIVEN: A recipe with two snapshots 30% apart, all in SQLite
	// WHEN: The detector runs twice against the store
	// THEN: Exactly one alert exists afterwards

	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveRecipe(ctx, "user-1", "recipe-cake", "Chocolate Cake", true, nil))
	require.NoError(t, st.InsertSnapshot(ctx, snap("s1", "recipe-cake", 1, "1000")))
	require.NoError(t, st.InsertSnapshot(ctx, snap("s2", "recipe-cake", 2, "1300")))

	detector := alerting.NewDetector(st, st, st, nil)

	first, err := detector.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.AlertsInserted)

	second, err := detector.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, second.AlertsGenerated)
	assert.Equal(t, 0, second.AlertsInserted)

	alerts, err := st.ListAlerts(ctx, "user-1", true)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}
