/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface of the core (ledger.TxStore,
  ledger.History, recipe.Resolver, alerting.RecipeDirectory,
  alerting.SnapshotSource, alerting.AlertSink) using SQLite. In production
  the same patterns apply to PostgreSQL - only minor SQL dialect differences.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on stock_transactions
  - No UPDATE or DELETE statements on stock_audit_log
  - Corrections happen via new ADJUSTMENT transactions only

KEY TABLES:
  tracked_items:      Live item state (stock, WAC) with a version column
  stock_transactions: Immutable ledger of all stock movements
  stock_audit_log:    Immutable before/after trace per movement
  recipes,
  recipe_ingredients: Recipe directory read by the aggregator and the job
  cost_snapshots:     Append-only cost time series, one row per recipe+date
  cost_alerts:        Generated alerts, unique on dedupe_key
  detection_runs:     One summary row per detection job run

CONCURRENCY:
  Item updates are conditional on the version column; a stale version maps
  to ledger.ErrConcurrentModification so the service can retry. A
  sync.RWMutex serializes the single SQLite writer; with PostgreSQL the
  database's own concurrency control takes over.

NUMERICS:
  All quantities and costs are stored as decimal strings, never as REAL,
  so nothing is lost to float rounding.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  st, err := sqlite.New("./data/costledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()

  service := ledger.NewService(st, logger)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for pure-logic tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/cost-ledger/alerting"
	"github.com/warp/cost-ledger/ledger"
	"github.com/warp/cost-ledger/recipe"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Tracked items (live stock state, version-checked writes)
	CREATE TABLE IF NOT EXISTS tracked_items (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		unit TEXT NOT NULL,
		stock_quantity TEXT NOT NULL DEFAULT '0',
		weighted_average_cost TEXT NOT NULL DEFAULT '0',
		last_reference_price TEXT NOT NULL DEFAULT '0',
		last_purchase_at TEXT,
		last_mutation_at TEXT,
		version INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_items_user ON tracked_items(user_id);

	-- Stock transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS stock_transactions (
		id TEXT PRIMARY KEY,
		item_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		quantity_delta TEXT NOT NULL,
		unit_price TEXT NOT NULL,
		total_value TEXT NOT NULL,
		reference TEXT,
		notes TEXT,
		actor TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_stock_tx_item
		ON stock_transactions(item_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_stock_tx_user
		ON stock_transactions(user_id);
	CREATE INDEX IF NOT EXISTS idx_stock_tx_kind
		ON stock_transactions(kind);

	-- Stock audit log (append-only, read by audit UIs only)
	CREATE TABLE IF NOT EXISTS stock_audit_log (
		id TEXT PRIMARY KEY,
		item_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		quantity_before TEXT NOT NULL,
		quantity_delta TEXT NOT NULL,
		quantity_after TEXT NOT NULL,
		reason TEXT,
		reference_type TEXT,
		reference_id TEXT,
		actor TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_item
		ON stock_audit_log(item_id, created_at DESC);

	-- Recipes (directory only; recipe management is external)
	CREATE TABLE IF NOT EXISTS recipes (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_recipes_user_active
		ON recipes(user_id, is_active);

	CREATE TABLE IF NOT EXISTS recipe_ingredients (
		recipe_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		quantity_per_serving TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (recipe_id, item_id)
	);

	-- Cost snapshots (append-only time series, written externally)
	CREATE TABLE IF NOT EXISTS cost_snapshots (
		id TEXT PRIMARY KEY,
		recipe_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		snapshot_date TEXT NOT NULL,
		cost_value TEXT NOT NULL,
		material_cost TEXT NOT NULL,
		margin_percentage TEXT,
		cost_breakdown_json TEXT,
		UNIQUE (recipe_id, snapshot_date)
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_recipe_date
		ON cost_snapshots(recipe_id, user_id, snapshot_date DESC);

	-- Cost alerts (dedupe_key makes detection re-runs idempotent)
	CREATE TABLE IF NOT EXISTS cost_alerts (
		id TEXT PRIMARY KEY,
		recipe_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		alert_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		title TEXT NOT NULL,
		message TEXT,
		old_value TEXT NOT NULL,
		new_value TEXT NOT NULL,
		change_percentage TEXT NOT NULL,
		affected_components_json TEXT,
		dedupe_key TEXT NOT NULL UNIQUE,
		is_read INTEGER NOT NULL DEFAULT 0,
		is_dismissed INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_alerts_user
		ON cost_alerts(user_id, created_at DESC);

	-- Detection runs (one summary row per job execution)
	CREATE TABLE IF NOT EXISTS detection_runs (
		id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		users_processed INTEGER NOT NULL,
		recipes_processed INTEGER NOT NULL,
		snapshots_compared INTEGER NOT NULL,
		alerts_generated INTEGER NOT NULL,
		alerts_inserted INTEGER NOT NULL,
		errors_json TEXT
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// ITEM STATE (ledger.Store interface)
// =============================================================================

// GetItem returns the tracked item scoped to its owning user.
func (s *Store) GetItem(ctx context.Context, userID ledger.UserID, itemID ledger.ItemID) (*ledger.TrackedItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getItem(ctx, s.db, userID, itemID)
}

func (s *Store) getItem(ctx context.Context, db dbtx, userID ledger.UserID, itemID ledger.ItemID) (*ledger.TrackedItem, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, user_id, name, unit, stock_quantity, weighted_average_cost,
		       last_reference_price, last_purchase_at, last_mutation_at, version
		FROM tracked_items
		WHERE id = ? AND user_id = ?
	`, itemID, userID)

	item, err := scanItem(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load item %s: %w", itemID, err)
	}
	return item, nil
}

// scanItem reads one tracked_items row from any Scan-shaped source.
func scanItem(scan func(dest ...any) error) (*ledger.TrackedItem, error) {
	var (
		item        ledger.TrackedItem
		qty         string
		wac         string
		refPrice    string
		purchasedAt sql.NullString
		mutatedAt   sql.NullString
	)
	if err := scan(&item.ID, &item.UserID, &item.Name, &item.Unit,
		&qty, &wac, &refPrice, &purchasedAt, &mutatedAt, &item.Version); err != nil {
		return nil, err
	}
	item.StockQuantity = mustDecimal(qty)
	item.WeightedAverageCost = mustDecimal(wac)
	item.LastReferencePrice = mustDecimal(refPrice)
	if purchasedAt.Valid {
		item.LastPurchaseAt, _ = time.Parse(time.RFC3339, purchasedAt.String)
	}
	if mutatedAt.Valid {
		item.LastMutationAt, _ = time.Parse(time.RFC3339, mutatedAt.String)
	}
	return &item, nil
}

// UpdateItemState persists new stock/WAC state, conditional on the version
// the caller read. A stale version maps to ledger.ErrConcurrentModification.
func (s *Store) UpdateItemState(ctx context.Context, update ledger.ItemStateUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateItemState(ctx, s.db, update)
}

func (s *Store) updateItemState(ctx context.Context, db dbtx, update ledger.ItemStateUpdate) error {
	query := `
		UPDATE tracked_items
		SET stock_quantity = ?, weighted_average_cost = ?,
		    last_mutation_at = ?, version = version + 1
	`
	args := []any{
		update.StockQuantity.String(),
		update.WAC.String(),
		update.MutatedAt.UTC().Format(time.RFC3339),
	}
	if update.LastReferencePrice != nil {
		query += `, last_reference_price = ?, last_purchase_at = ?`
		args = append(args, update.LastReferencePrice.String(),
			update.MutatedAt.UTC().Format(time.RFC3339))
	}
	query += ` WHERE id = ? AND user_id = ? AND version = ?`
	args = append(args, update.ItemID, update.UserID, update.ExpectedVersion)

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update item state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Either the row is gone or the version moved; distinguish them.
		if _, lookupErr := s.getItem(ctx, db, update.UserID, update.ItemID); lookupErr != nil {
			return lookupErr
		}
		return ledger.ErrConcurrentModification
	}
	return nil
}

// AppendTransaction adds a stock transaction to the ledger.
func (s *Store) AppendTransaction(ctx context.Context, tx ledger.StockTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendTransaction(ctx, s.db, tx)
}

func (s *Store) appendTransaction(ctx context.Context, db dbtx, tx ledger.StockTransaction) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO stock_transactions
		(id, item_id, user_id, kind, quantity_delta, unit_price, total_value,
		 reference, notes, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID, tx.ItemID, tx.UserID, tx.Kind,
		tx.QuantityDelta.String(), tx.UnitPrice.String(), tx.TotalValue.String(),
		nullString(tx.Reference), nullString(tx.Notes), nullString(tx.Actor),
		tx.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to append stock transaction: %w", err)
	}
	return nil
}

// AppendAudit adds an audit entry.
func (s *Store) AppendAudit(ctx context.Context, entry ledger.StockAuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendAudit(ctx, s.db, entry)
}

func (s *Store) appendAudit(ctx context.Context, db dbtx, entry ledger.StockAuditEntry) error {
	var metadataJSON any
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal audit metadata: %w", err)
		}
		metadataJSON = string(raw)
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO stock_audit_log
		(id, item_id, kind, quantity_before, quantity_delta, quantity_after,
		 reason, reference_type, reference_id, actor, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.ID, entry.ItemID, entry.Kind,
		entry.QuantityBefore.String(), entry.QuantityDelta.String(), entry.QuantityAfter.String(),
		nullString(entry.Reason), nullString(entry.ReferenceType), nullString(entry.ReferenceID),
		nullString(entry.Actor), metadataJSON,
		entry.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx, parent: s}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore is a Store view bound to an open transaction.
type txStore struct {
	tx     *sql.Tx
	parent *Store
}

func (ts *txStore) GetItem(ctx context.Context, userID ledger.UserID, itemID ledger.ItemID) (*ledger.TrackedItem, error) {
	return ts.parent.getItem(ctx, ts.tx, userID, itemID)
}

func (ts *txStore) UpdateItemState(ctx context.Context, update ledger.ItemStateUpdate) error {
	return ts.parent.updateItemState(ctx, ts.tx, update)
}

func (ts *txStore) AppendTransaction(ctx context.Context, tx ledger.StockTransaction) error {
	return ts.parent.appendTransaction(ctx, ts.tx, tx)
}

func (ts *txStore) AppendAudit(ctx context.Context, entry ledger.StockAuditEntry) error {
	return ts.parent.appendAudit(ctx, ts.tx, entry)
}

// =============================================================================
// HISTORY (ledger.History interface)
// =============================================================================

// TransactionsForItem returns an item's transactions, newest first.
func (s *Store) TransactionsForItem(ctx context.Context, userID ledger.UserID, itemID ledger.ItemID) ([]ledger.StockTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, item_id, user_id, kind, quantity_delta, unit_price, total_value,
		       reference, notes, actor, created_at
		FROM stock_transactions
		WHERE item_id = ? AND user_id = ?
		ORDER BY created_at DESC, id DESC
	`, itemID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stock transactions: %w", err)
	}
	defer rows.Close()

	var txs []ledger.StockTransaction
	for rows.Next() {
		var (
			tx        ledger.StockTransaction
			delta     string
			price     string
			total     string
			reference sql.NullString
			notes     sql.NullString
			actor     sql.NullString
			createdAt string
		)
		if err := rows.Scan(&tx.ID, &tx.ItemID, &tx.UserID, &tx.Kind,
			&delta, &price, &total, &reference, &notes, &actor, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan stock transaction: %w", err)
		}
		tx.QuantityDelta = mustDecimal(delta)
		tx.UnitPrice = mustDecimal(price)
		tx.TotalValue = mustDecimal(total)
		tx.Reference = reference.String
		tx.Notes = notes.String
		tx.Actor = actor.String
		tx.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// AuditTrailForItem returns an item's audit entries, newest first.
func (s *Store) AuditTrailForItem(ctx context.Context, itemID ledger.ItemID) ([]ledger.StockAuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, item_id, kind, quantity_before, quantity_delta, quantity_after,
		       reason, reference_type, reference_id, actor, metadata_json, created_at
		FROM stock_audit_log
		WHERE item_id = ?
		ORDER BY created_at DESC, id DESC
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	defer rows.Close()

	var entries []ledger.StockAuditEntry
	for rows.Next() {
		var (
			entry        ledger.StockAuditEntry
			before       string
			delta        string
			after        string
			reason       sql.NullString
			refType      sql.NullString
			refID        sql.NullString
			actor        sql.NullString
			metadataJSON sql.NullString
			createdAt    string
		)
		if err := rows.Scan(&entry.ID, &entry.ItemID, &entry.Kind,
			&before, &delta, &after, &reason, &refType, &refID, &actor,
			&metadataJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.QuantityBefore = mustDecimal(before)
		entry.QuantityDelta = mustDecimal(delta)
		entry.QuantityAfter = mustDecimal(after)
		entry.Reason = reason.String
		entry.ReferenceType = refType.String
		entry.ReferenceID = refID.String
		entry.Actor = actor.String
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &entry.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode audit metadata: %w", err)
			}
		}
		entry.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// =============================================================================
// ITEM ADMIN - Seeding and listing (the service itself never creates items)
// =============================================================================

// SaveItem inserts or replaces a tracked item. Used by item management
// endpoints and test fixtures, never by the mutation path.
func (s *Store) SaveItem(ctx context.Context, item ledger.TrackedItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO tracked_items
		(id, user_id, name, unit, stock_quantity, weighted_average_cost,
		 last_reference_price, last_purchase_at, last_mutation_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		item.ID, item.UserID, item.Name, item.Unit,
		item.StockQuantity.String(), item.WeightedAverageCost.String(),
		item.LastReferencePrice.String(),
		nullTime(item.LastPurchaseAt), nullTime(item.LastMutationAt), item.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to save item: %w", err)
	}
	return nil
}

// ListItems returns all tracked items for a user, sorted by name.
func (s *Store) ListItems(ctx context.Context, userID ledger.UserID) ([]ledger.TrackedItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, unit, stock_quantity, weighted_average_cost,
		       last_reference_price, last_purchase_at, last_mutation_at, version
		FROM tracked_items
		WHERE user_id = ?
		ORDER BY name ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var items []ledger.TrackedItem
	for rows.Next() {
		item, err := scanItem(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// =============================================================================
// RECIPE DIRECTORY (recipe.Resolver + alerting.RecipeDirectory interfaces)
// =============================================================================

// SaveRecipe inserts or replaces a recipe and its ingredient list.
func (s *Store) SaveRecipe(ctx context.Context, userID ledger.UserID, recipeID recipe.RecipeID, name string, active bool, ingredients []recipe.Ingredient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if _, err := sqlTx.ExecContext(ctx, `
		INSERT OR REPLACE INTO recipes (id, user_id, name, is_active)
		VALUES (?, ?, ?, ?)
	`, recipeID, userID, name, boolInt(active)); err != nil {
		return fmt.Errorf("failed to save recipe: %w", err)
	}

	if _, err := sqlTx.ExecContext(ctx,
		`DELETE FROM recipe_ingredients WHERE recipe_id = ?`, recipeID); err != nil {
		return fmt.Errorf("failed to clear recipe ingredients: %w", err)
	}
	for i, ing := range ingredients {
		if _, err := sqlTx.ExecContext(ctx, `
			INSERT INTO recipe_ingredients (recipe_id, item_id, quantity_per_serving, position)
			VALUES (?, ?, ?, ?)
		`, recipeID, ing.ItemID, ing.QuantityPerServing.String(), i); err != nil {
			return fmt.Errorf("failed to save recipe ingredient: %w", err)
		}
	}
	return sqlTx.Commit()
}

// RecipeIngredients returns a recipe's ingredient list in recipe order.
func (s *Store) RecipeIngredients(ctx context.Context, userID ledger.UserID, recipeID recipe.RecipeID) ([]recipe.Ingredient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT ri.item_id, ri.quantity_per_serving
		FROM recipe_ingredients ri
		JOIN recipes r ON r.id = ri.recipe_id
		WHERE ri.recipe_id = ? AND r.user_id = ?
		ORDER BY ri.position ASC
	`, recipeID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query recipe ingredients: %w", err)
	}
	defer rows.Close()

	var ingredients []recipe.Ingredient
	for rows.Next() {
		var (
			itemID   string
			quantity string
		)
		if err := rows.Scan(&itemID, &quantity); err != nil {
			return nil, fmt.Errorf("failed to scan recipe ingredient: %w", err)
		}
		ingredients = append(ingredients, recipe.Ingredient{
			ItemID:             ledger.ItemID(itemID),
			QuantityPerServing: mustDecimal(quantity),
		})
	}
	return ingredients, rows.Err()
}

// RecipeName returns a recipe's display name.
func (s *Store) RecipeName(ctx context.Context, userID ledger.UserID, recipeID recipe.RecipeID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT name FROM recipes WHERE id = ? AND user_id = ?`,
		recipeID, userID,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("recipe %s not found", recipeID)
	}
	return name, err
}

// ListUsersWithActiveRecipes enumerates users owning at least one active recipe.
func (s *Store) ListUsersWithActiveRecipes(ctx context.Context) ([]ledger.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM recipes WHERE is_active = 1 ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []ledger.UserID
	for rows.Next() {
		var id ledger.UserID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// ListActiveRecipes returns a user's active recipes.
func (s *Store) ListActiveRecipes(ctx context.Context, userID ledger.UserID) ([]alerting.RecipeRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name FROM recipes WHERE user_id = ? AND is_active = 1 ORDER BY name`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list recipes: %w", err)
	}
	defer rows.Close()

	var refs []alerting.RecipeRef
	for rows.Next() {
		var ref alerting.RecipeRef
		if err := rows.Scan(&ref.ID, &ref.Name); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// =============================================================================
// COST SNAPSHOTS (alerting.SnapshotSource interface)
// =============================================================================

// InsertSnapshot appends one snapshot row. Used by the external costing job
// and test fixtures; the detection core itself only reads.
func (s *Store) InsertSnapshot(ctx context.Context, snap alerting.CostSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var breakdownJSON any
	if len(snap.Breakdown.Ingredients) > 0 || len(snap.Breakdown.Operational) > 0 {
		raw, err := json.Marshal(snap.Breakdown)
		if err != nil {
			return fmt.Errorf("failed to marshal cost breakdown: %w", err)
		}
		breakdownJSON = string(raw)
	}
	var margin any
	if snap.MarginPercentage != nil {
		margin = snap.MarginPercentage.String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cost_snapshots
		(id, recipe_id, user_id, snapshot_date, cost_value, material_cost,
		 margin_percentage, cost_breakdown_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		snap.ID, snap.RecipeID, snap.UserID,
		snap.Date.UTC().Format(time.RFC3339),
		snap.CostValue.String(), snap.MaterialCost.String(),
		margin, breakdownJSON,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("snapshot for recipe %s on %s already exists: %w",
				snap.RecipeID, snap.Date.UTC().Format("2006-01-02"), err)
		}
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// LatestSnapshots returns up to limit snapshots for a recipe, newest first.
func (s *Store) LatestSnapshots(ctx context.Context, userID ledger.UserID, recipeID recipe.RecipeID, limit int) ([]alerting.CostSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipe_id, user_id, snapshot_date, cost_value, material_cost,
		       margin_percentage, cost_breakdown_json
		FROM cost_snapshots
		WHERE recipe_id = ? AND user_id = ?
		ORDER BY snapshot_date DESC
		LIMIT ?
	`, recipeID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []alerting.CostSnapshot
	for rows.Next() {
		var (
			snap          alerting.CostSnapshot
			date          string
			costValue     string
			materialCost  string
			margin        sql.NullString
			breakdownJSON sql.NullString
		)
		if err := rows.Scan(&snap.ID, &snap.RecipeID, &snap.UserID, &date,
			&costValue, &materialCost, &margin, &breakdownJSON); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap.Date, _ = time.Parse(time.RFC3339, date)
		snap.CostValue = mustDecimal(costValue)
		snap.MaterialCost = mustDecimal(materialCost)
		if margin.Valid {
			m := mustDecimal(margin.String)
			snap.MarginPercentage = &m
		}
		if breakdownJSON.Valid && breakdownJSON.String != "" {
			if err := json.Unmarshal([]byte(breakdownJSON.String), &snap.Breakdown); err != nil {
				return nil, fmt.Errorf("failed to decode cost breakdown: %w", err)
			}
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// =============================================================================
// COST ALERTS (alerting.AlertSink interface)
// =============================================================================

// InsertAlerts batch-inserts alerts inside one transaction, skipping any
// whose dedupe key already exists. Returns how many rows actually landed.
func (s *Store) InsertAlerts(ctx context.Context, alerts []alerting.Alert) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	inserted := 0
	for _, a := range alerts {
		var affectedJSON any
		if a.Affected != nil {
			raw, err := json.Marshal(a.Affected)
			if err != nil {
				return 0, fmt.Errorf("failed to marshal affected components: %w", err)
			}
			affectedJSON = string(raw)
		}

		res, err := sqlTx.ExecContext(ctx, `
			INSERT INTO cost_alerts
			(id, recipe_id, user_id, alert_type, severity, title, message,
			 old_value, new_value, change_percentage, affected_components_json,
			 dedupe_key, is_read, is_dismissed, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(dedupe_key) DO NOTHING
		`,
			a.ID, a.RecipeID, a.UserID, a.Type, a.Severity, a.Title, nullString(a.Message),
			a.OldValue.String(), a.NewValue.String(), a.ChangePercentage.String(),
			affectedJSON, a.DedupeKey,
			boolInt(a.IsRead), boolInt(a.IsDismissed),
			a.CreatedAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert alert: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}

	if err := sqlTx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// ListAlerts returns a user's alerts, newest first.
func (s *Store) ListAlerts(ctx context.Context, userID ledger.UserID, includeDismissed bool) ([]alerting.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, recipe_id, user_id, alert_type, severity, title, message,
		       old_value, new_value, change_percentage, affected_components_json,
		       dedupe_key, is_read, is_dismissed, created_at
		FROM cost_alerts
		WHERE user_id = ?
	`
	if !includeDismissed {
		query += ` AND is_dismissed = 0`
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []alerting.Alert
	for rows.Next() {
		var (
			a            alerting.Alert
			message      sql.NullString
			oldValue     string
			newValue     string
			changePct    string
			affectedJSON sql.NullString
			isRead       int
			isDismissed  int
			createdAt    string
		)
		if err := rows.Scan(&a.ID, &a.RecipeID, &a.UserID, &a.Type, &a.Severity,
			&a.Title, &message, &oldValue, &newValue, &changePct,
			&affectedJSON, &a.DedupeKey, &isRead, &isDismissed, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.Message = message.String
		a.OldValue = mustDecimal(oldValue)
		a.NewValue = mustDecimal(newValue)
		a.ChangePercentage = mustDecimal(changePct)
		if affectedJSON.Valid && affectedJSON.String != "" {
			a.Affected = &alerting.AffectedComponents{}
			if err := json.Unmarshal([]byte(affectedJSON.String), a.Affected); err != nil {
				return nil, fmt.Errorf("failed to decode affected components: %w", err)
			}
		}
		a.IsRead = isRead != 0
		a.IsDismissed = isDismissed != 0
		a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// SetAlertFlags updates an alert's read/dismissed flags.
func (s *Store) SetAlertFlags(ctx context.Context, userID ledger.UserID, alertID string, isRead, isDismissed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE cost_alerts SET is_read = ?, is_dismissed = ?
		WHERE id = ? AND user_id = ?
	`, boolInt(isRead), boolInt(isDismissed), alertID, userID)
	if err != nil {
		return fmt.Errorf("failed to update alert flags: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("alert %s not found", alertID)
	}
	return nil
}

// =============================================================================
// DETECTION RUNS
// =============================================================================

// SaveDetectionRun records one detection job run summary.
func (s *Store) SaveDetectionRun(ctx context.Context, id string, summary alerting.RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errorsJSON any
	if len(summary.Errors) > 0 {
		raw, err := json.Marshal(summary.Errors)
		if err != nil {
			return fmt.Errorf("failed to marshal run errors: %w", err)
		}
		errorsJSON = string(raw)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO detection_runs
		(id, started_at, finished_at, users_processed, recipes_processed,
		 snapshots_compared, alerts_generated, alerts_inserted, errors_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		id,
		summary.StartedAt.UTC().Format(time.RFC3339),
		summary.FinishedAt.UTC().Format(time.RFC3339),
		summary.UsersProcessed, summary.RecipesProcessed,
		summary.SnapshotsCompared, summary.AlertsGenerated, summary.AlertsInserted,
		errorsJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to save detection run: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// mustDecimal parses a stored decimal string, treating corruption as zero.
func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}

// nullString converts an empty string to NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullTime converts a zero time to NULL.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueConstraintError checks whether err is a SQLite unique violation.
func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
