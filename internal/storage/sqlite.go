package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Veraticus/spice-ledger/internal/model"
	"github.com/Veraticus/spice-ledger/internal/service"
	"github.com/mattn/go-sqlite3"
)

var (
	_ service.Storage     = (*SQLiteStorage)(nil)
	_ service.Transaction = (*sqliteTransaction)(nil)
)

// SQLiteStorage implements the Storage interface using SQLite.
type SQLiteStorage struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	// Validate input
	if err := validateString(dbPath, "dbPath"); err != nil {
		return nil, err
	}

	// Ensure directory exists
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Open database
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite doesn't benefit from multiple connections
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLiteStorage{
		db:     db,
		dbPath: dbPath,
	}, nil
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// BeginTx starts a new database transaction.
func (s *SQLiteStorage) BeginTx(ctx context.Context) (service.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	return &sqliteTransaction{
		tx:      tx,
		storage: s,
	}, nil
}

// inTx runs fn inside its own database transaction.
func (s *SQLiteStorage) inTx(ctx context.Context, fn func(q queryable) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// queryable is an interface satisfied by both *sql.DB and *sql.Tx.
type queryable interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Calendar dates are stored as YYYY-MM-DD and instants as fixed-width UTC text
// so both sort lexicographically and the driver never reinterprets them.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

func formatDate(t time.Time) string {
	return model.DateOnly(t).Format(model.DateLayout)
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(timestampLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	if strings.TrimSpace(s) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDate(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatDate(t), Valid: true}
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// prefixed qualifies a comma-separated column list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = alias + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// sqliteTransaction wraps sql.Tx to implement service.Transaction.
type sqliteTransaction struct {
	tx      *sql.Tx
	storage *SQLiteStorage
}

func (t *sqliteTransaction) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTransaction) Rollback() error {
	return t.tx.Rollback()
}

func (t *sqliteTransaction) Migrate(_ context.Context) error {
	// Migrations should not be run within a transaction
	return fmt.Errorf("migrations cannot be run within a transaction")
}

func (t *sqliteTransaction) BeginTx(_ context.Context) (service.Transaction, error) {
	// Nested transactions not supported
	return nil, fmt.Errorf("nested transactions not supported")
}

func (t *sqliteTransaction) Close() error {
	// Transactions should be committed or rolled back, not closed
	return fmt.Errorf("transactions must be committed or rolled back, not closed")
}

// Transaction methods delegate to the main storage with the transaction.

func (t *sqliteTransaction) SaveTransactions(ctx context.Context, transactions []model.EnrichedTransaction) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateTransactions(transactions); err != nil {
		return err
	}
	return t.storage.saveTransactionsTx(ctx, t.tx, transactions)
}

func (t *sqliteTransaction) GetTransactionByID(ctx context.Context, id string) (*model.EnrichedTransaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}
	return t.storage.getTransactionByIDTx(ctx, t.tx, id)
}

func (t *sqliteTransaction) GetTransactions(ctx context.Context, filter service.TransactionFilter) ([]model.EnrichedTransaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return t.storage.getTransactionsTx(ctx, t.tx, filter)
}

func (t *sqliteTransaction) UpdateTransactionClassification(ctx context.Context, id, subcategoryID string, status model.ReviewStatus) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(id, "id"); err != nil {
		return err
	}
	return t.storage.updateTransactionClassificationTx(ctx, t.tx, id, subcategoryID, status)
}

func (t *sqliteTransaction) LinkRecurringItem(ctx context.Context, transactionID, recurringItemID string) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	return t.storage.linkRecurringItemTx(ctx, t.tx, transactionID, recurringItemID)
}

func (t *sqliteTransaction) CreateRecurringItem(ctx context.Context, item *model.RecurringItem) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateRecurringItem(item); err != nil {
		return err
	}
	return t.storage.createRecurringItemTx(ctx, t.tx, item)
}

func (t *sqliteTransaction) UpdateRecurringItem(ctx context.Context, item *model.RecurringItem) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateRecurringItem(item); err != nil {
		return err
	}
	return t.storage.updateRecurringItemTx(ctx, t.tx, item)
}

func (t *sqliteTransaction) GetRecurringItem(ctx context.Context, id string) (*model.RecurringItem, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}
	return t.storage.getRecurringItemTx(ctx, t.tx, id)
}

func (t *sqliteTransaction) GetRecurringItemsByHousehold(ctx context.Context, householdID string, includeInactive bool) ([]model.RecurringItem, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(householdID, "householdID"); err != nil {
		return nil, err
	}
	return t.storage.getRecurringItemsByHouseholdTx(ctx, t.tx, householdID, includeInactive)
}

func (t *sqliteTransaction) DeactivateRecurringItem(ctx context.Context, id string) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(id, "id"); err != nil {
		return err
	}
	return t.storage.deactivateRecurringItemTx(ctx, t.tx, id)
}

func (t *sqliteTransaction) AdvanceRecurringItem(ctx context.Context, id string, expectedNextDue, newNextDue, observedAt time.Time) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(id, "id"); err != nil {
		return err
	}
	return t.storage.advanceRecurringItemTx(ctx, t.tx, id, expectedNextDue, newNextDue, observedAt)
}

func (t *sqliteTransaction) SaveOutcome(ctx context.Context, outcome *model.ClassificationOutcome) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateOutcome(outcome); err != nil {
		return err
	}
	return t.storage.saveOutcomeTx(ctx, t.tx, outcome)
}

func (t *sqliteTransaction) GetLatestOutcome(ctx context.Context, transactionID string) (*model.ClassificationOutcome, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(transactionID, "transactionID"); err != nil {
		return nil, err
	}
	return t.storage.getLatestOutcomeTx(ctx, t.tx, transactionID)
}

func (t *sqliteTransaction) GetOutcomeHistory(ctx context.Context, transactionID string) ([]model.ClassificationOutcome, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(transactionID, "transactionID"); err != nil {
		return nil, err
	}
	return t.storage.getOutcomeHistoryTx(ctx, t.tx, transactionID)
}

func (t *sqliteTransaction) GetHouseholdHistory(ctx context.Context, householdID string, since time.Time, limit int) ([]service.HistoricalClassification, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(householdID, "householdID"); err != nil {
		return nil, err
	}
	return t.storage.getHouseholdHistoryTx(ctx, t.tx, householdID, since, limit)
}

func (t *sqliteTransaction) CreateProposal(ctx context.Context, proposal *model.ReimbursementProposal) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateProposal(proposal); err != nil {
		return err
	}
	return t.storage.createProposalTx(ctx, t.tx, proposal)
}

func (t *sqliteTransaction) GetProposal(ctx context.Context, id string) (*model.ReimbursementProposal, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}
	return t.storage.getProposalTx(ctx, t.tx, id)
}

func (t *sqliteTransaction) GetProposalGroup(ctx context.Context, groupID string) ([]model.ReimbursementProposal, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(groupID, "groupID"); err != nil {
		return nil, err
	}
	return t.storage.getProposalGroupTx(ctx, t.tx, groupID)
}

func (t *sqliteTransaction) GetProposalsByIncomingTransaction(ctx context.Context, transactionID string) ([]model.ReimbursementProposal, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(transactionID, "transactionID"); err != nil {
		return nil, err
	}
	return t.storage.getProposalsByIncomingTx(ctx, t.tx, transactionID)
}

func (t *sqliteTransaction) GetPendingProposals(ctx context.Context, householdID string) ([]model.ReimbursementProposal, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(householdID, "householdID"); err != nil {
		return nil, err
	}
	return t.storage.getPendingProposalsTx(ctx, t.tx, householdID)
}

func (t *sqliteTransaction) DecideProposal(ctx context.Context, decision service.ProposalDecision) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateDecision(decision); err != nil {
		return err
	}
	return t.storage.decideProposalTx(ctx, t.tx, decision)
}

func (t *sqliteTransaction) CreateSubcategory(ctx context.Context, sub *model.Subcategory) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateSubcategory(sub); err != nil {
		return err
	}
	return t.storage.createSubcategoryTx(ctx, t.tx, sub)
}

func (t *sqliteTransaction) GetSubcategories(ctx context.Context) ([]model.Subcategory, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return t.storage.getSubcategoriesTx(ctx, t.tx)
}

func (t *sqliteTransaction) GetSubcategory(ctx context.Context, id string) (*model.Subcategory, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}
	return t.storage.getSubcategoryTx(ctx, t.tx, id)
}

func (t *sqliteTransaction) CreatePatternRule(ctx context.Context, rule *model.PatternRule) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validatePatternRule(rule); err != nil {
		return err
	}
	return t.storage.createPatternRuleTx(ctx, t.tx, rule)
}

func (t *sqliteTransaction) GetActivePatternRules(ctx context.Context, householdID string) ([]model.PatternRule, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return t.storage.getActivePatternRulesTx(ctx, t.tx, householdID)
}

func (t *sqliteTransaction) DeletePatternRule(ctx context.Context, id int) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	return t.storage.deletePatternRuleTx(ctx, t.tx, id)
}
