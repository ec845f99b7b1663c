package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Veraticus/spice-ledger/internal/common"
	"github.com/Veraticus/spice-ledger/internal/model"
	"github.com/Veraticus/spice-ledger/internal/service"
	"github.com/shopspring/decimal"
)

// SaveTransactions saves multiple transactions to the database. Transactions
// already present are left untouched so re-imports never clobber engine links.
func (s *SQLiteStorage) SaveTransactions(ctx context.Context, transactions []model.EnrichedTransaction) error {
	// Validate inputs
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateTransactions(transactions); err != nil {
		return err
	}

	return s.inTx(ctx, func(q queryable) error {
		return s.saveTransactionsTx(ctx, q, transactions)
	})
}

func (s *SQLiteStorage) saveTransactionsTx(ctx context.Context, q queryable, transactions []model.EnrichedTransaction) error {
	now := formatTimestamp(time.Now())
	for _, txn := range transactions {
		status := txn.ReviewStatus
		if status == "" {
			status = model.ReviewNone
		}

		res, err := q.ExecContext(ctx, `
			INSERT OR IGNORE INTO transactions (
				id, household_id, account_id, date, description, merchant_name,
				amount, recurring_item_id, subcategory_id, review_status, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			txn.ID,
			txn.HouseholdID,
			txn.AccountID,
			formatDate(txn.Date),
			txn.Description,
			txn.MerchantName,
			txn.Amount.String(),
			nullString(txn.RecurringItemID),
			nullString(txn.SubcategoryID),
			string(status),
			now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert transaction %s: %w", txn.ID, err)
		}

		inserted, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read insert result: %w", err)
		}
		if inserted == 0 {
			continue
		}

		for i, split := range txn.Splits {
			_, err := q.ExecContext(ctx, `
				INSERT INTO transaction_splits (
					id, transaction_id, position, subcategory_id, amount, amortization_months, notes
				) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				split.ID,
				txn.ID,
				i,
				nullString(split.SubcategoryID),
				split.Amount.String(),
				split.AmortizationMonths,
				split.Notes,
			)
			if err != nil {
				return fmt.Errorf("failed to insert split %s: %w", split.ID, err)
			}
		}
	}
	return nil
}

// GetTransactionByID retrieves a single transaction with its splits.
func (s *SQLiteStorage) GetTransactionByID(ctx context.Context, id string) (*model.EnrichedTransaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}
	return s.getTransactionByIDTx(ctx, s.db, id)
}

const transactionColumns = `id, household_id, account_id, date, description, merchant_name,
	amount, recurring_item_id, subcategory_id, review_status`

func (s *SQLiteStorage) getTransactionByIDTx(ctx context.Context, q queryable, id string) (*model.EnrichedTransaction, error) {
	row := q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	txn, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NewNotFoundError("transaction", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}

	splits, err := s.getSplitsTx(ctx, q, []string{id})
	if err != nil {
		return nil, err
	}
	txn.Splits = splits[id]
	return &txn, nil
}

// GetTransactions returns transactions matching the filter, oldest first.
func (s *SQLiteStorage) GetTransactions(ctx context.Context, filter service.TransactionFilter) ([]model.EnrichedTransaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return s.getTransactionsTx(ctx, s.db, filter)
}

func (s *SQLiteStorage) getTransactionsTx(ctx context.Context, q queryable, filter service.TransactionFilter) ([]model.EnrichedTransaction, error) {
	var (
		where []string
		args  []any
	)
	if filter.HouseholdID != "" {
		where = append(where, "household_id = ?")
		args = append(args, filter.HouseholdID)
	}
	if filter.StartDate != nil {
		where = append(where, "date >= ?")
		args = append(args, formatDate(*filter.StartDate))
	}
	if filter.EndDate != nil {
		where = append(where, "date <= ?")
		args = append(args, formatDate(*filter.EndDate))
	}
	if filter.ReviewStatus != nil {
		where = append(where, "review_status = ?")
		args = append(args, string(*filter.ReviewStatus))
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY date, id"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var (
		transactions []model.EnrichedTransaction
		ids          []string
	)
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, txn)
		ids = append(ids, txn.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return transactions, nil
	}

	splits, err := s.getSplitsTx(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	for i := range transactions {
		transactions[i].Splits = splits[transactions[i].ID]
	}
	return transactions, nil
}

func (s *SQLiteStorage) getSplitsTx(ctx context.Context, q queryable, transactionIDs []string) (map[string][]model.TransactionSplit, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(transactionIDs)), ",")
	args := make([]any, len(transactionIDs))
	for i, id := range transactionIDs {
		args[i] = id
	}

	rows, err := q.QueryContext(ctx, `
		SELECT transaction_id, id, subcategory_id, amount, amortization_months, notes
		FROM transaction_splits
		WHERE transaction_id IN (`+placeholders+`)
		ORDER BY transaction_id, position`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query splits: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make(map[string][]model.TransactionSplit)
	for rows.Next() {
		var (
			txnID  string
			split  model.TransactionSplit
			subcat sql.NullString
		)
		if err := rows.Scan(&txnID, &split.ID, &subcat, &split.Amount, &split.AmortizationMonths, &split.Notes); err != nil {
			return nil, fmt.Errorf("failed to scan split: %w", err)
		}
		split.SubcategoryID = subcat.String
		result[txnID] = append(result[txnID], split)
	}
	return result, rows.Err()
}

// UpdateTransactionClassification records the current subcategory and review status.
func (s *SQLiteStorage) UpdateTransactionClassification(ctx context.Context, id, subcategoryID string, status model.ReviewStatus) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(id, "id"); err != nil {
		return err
	}
	return s.updateTransactionClassificationTx(ctx, s.db, id, subcategoryID, status)
}

func (s *SQLiteStorage) updateTransactionClassificationTx(ctx context.Context, q queryable, id, subcategoryID string, status model.ReviewStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: review status %q", ErrInvalidTransaction, status)
	}
	res, err := q.ExecContext(ctx,
		`UPDATE transactions SET subcategory_id = ?, review_status = ? WHERE id = ?`,
		nullString(subcategoryID), string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update transaction classification: %w", err)
	}
	return requireRow(res, "transaction", id)
}

// LinkRecurringItem links a transaction to a recurring item if it is unlinked.
// Relinking to the same item is a no-op; linking to a different one conflicts.
func (s *SQLiteStorage) LinkRecurringItem(ctx context.Context, transactionID, recurringItemID string) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	return s.linkRecurringItemTx(ctx, s.db, transactionID, recurringItemID)
}

func (s *SQLiteStorage) linkRecurringItemTx(ctx context.Context, q queryable, transactionID, recurringItemID string) error {
	if err := validateString(transactionID, "transactionID"); err != nil {
		return err
	}
	if err := validateString(recurringItemID, "recurringItemID"); err != nil {
		return err
	}

	res, err := q.ExecContext(ctx,
		`UPDATE transactions SET recurring_item_id = ? WHERE id = ? AND recurring_item_id IS NULL`,
		recurringItemID, transactionID)
	if err != nil {
		return fmt.Errorf("failed to link recurring item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 1 {
		return nil
	}

	var existing sql.NullString
	err = q.QueryRowContext(ctx, `SELECT recurring_item_id FROM transactions WHERE id = ?`, transactionID).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return common.NewNotFoundError("transaction", transactionID)
	}
	if err != nil {
		return fmt.Errorf("failed to read recurring link: %w", err)
	}
	if existing.String == recurringItemID {
		return nil
	}
	return common.NewConflictError("transaction", transactionID,
		fmt.Sprintf("already linked to recurring item %s", existing.String))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (model.EnrichedTransaction, error) {
	var (
		txn       model.EnrichedTransaction
		date      string
		amount    string
		recurring sql.NullString
		subcat    sql.NullString
		status    string
	)
	err := row.Scan(&txn.ID, &txn.HouseholdID, &txn.AccountID, &date, &txn.Description,
		&txn.MerchantName, &amount, &recurring, &subcat, &status)
	if err != nil {
		return txn, err
	}

	if txn.Date, err = model.ParseDate(date); err != nil {
		return txn, fmt.Errorf("invalid stored date %q: %w", date, err)
	}
	if txn.Amount, err = decimal.NewFromString(amount); err != nil {
		return txn, fmt.Errorf("invalid stored amount %q: %w", amount, err)
	}
	txn.RecurringItemID = recurring.String
	txn.SubcategoryID = subcat.String
	txn.ReviewStatus = model.ReviewStatus(status)
	return txn, nil
}

func requireRow(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		return common.NewNotFoundError(resource, id)
	}
	return nil
}
