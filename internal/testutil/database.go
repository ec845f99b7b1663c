// Package testutil provides test utilities shared by the engine packages: an
// isolated in-memory database and fixtures for the ledger domain.
package testutil

import (
	"context"
	"fmt"
	"testing"

	"github.com/Veraticus/spice-ledger/internal/model"
	"github.com/Veraticus/spice-ledger/internal/service"
	"github.com/Veraticus/spice-ledger/internal/storage"
)

// TestDB represents a test database with associated test utilities.
type TestDB struct {
	Storage       service.Storage
	t             *testing.T
	Subcategories []model.Subcategory
}

// SetupTestDB creates a new in-memory test database seeded with subs.
// It automatically handles migrations and cleanup.
//
// Example:
//
//	db := testutil.SetupTestDB(t, testutil.StandardSubcategories()...)
func SetupTestDB(t *testing.T, subs ...model.Subcategory) *TestDB {
	t.Helper()

	// Create in-memory SQLite storage
	store, err := storage.NewSQLiteStorage(":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	// Run migrations
	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	for i := range subs {
		if err := store.CreateSubcategory(ctx, &subs[i]); err != nil {
			t.Fatalf("failed to seed subcategory %q: %v", subs[i].ID, err)
		}
	}

	// Register cleanup
	t.Cleanup(func() {
		_ = store.Close()
	})

	return &TestDB{
		Storage:       store,
		Subcategories: subs,
		t:             t,
	}
}

// MustSaveTransactions stores transactions or fails the test.
func (db *TestDB) MustSaveTransactions(txns ...model.EnrichedTransaction) {
	db.t.Helper()
	if err := db.Storage.SaveTransactions(context.Background(), txns); err != nil {
		db.t.Fatalf("failed to save transactions: %v", err)
	}
}

// MustCreateItems stores recurring items or fails the test.
func (db *TestDB) MustCreateItems(items ...model.RecurringItem) {
	db.t.Helper()
	for i := range items {
		if err := db.Storage.CreateRecurringItem(context.Background(), &items[i]); err != nil {
			db.t.Fatalf("failed to create recurring item %q: %v", items[i].ID, err)
		}
	}
}

// MustCreateRules stores pattern rules or fails the test.
func (db *TestDB) MustCreateRules(rules ...model.PatternRule) {
	db.t.Helper()
	for i := range rules {
		if err := db.Storage.CreatePatternRule(context.Background(), &rules[i]); err != nil {
			db.t.Fatalf("failed to create pattern rule %q: %v", rules[i].Name, err)
		}
	}
}

// MustGetTransaction loads a transaction or fails the test.
func (db *TestDB) MustGetTransaction(id string) model.EnrichedTransaction {
	db.t.Helper()
	txn, err := db.Storage.GetTransactionByID(context.Background(), id)
	if err != nil {
		db.t.Fatalf("failed to get transaction %q: %v", id, err)
	}
	return *txn
}

// WithTransaction executes the given function within a database transaction.
// The transaction is automatically rolled back after the function completes.
func (db *TestDB) WithTransaction(fn func(tx service.Transaction) error) error {
	ctx := context.Background()
	tx, err := db.Storage.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	return fn(tx)
}
