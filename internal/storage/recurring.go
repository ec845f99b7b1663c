package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/spice-ledger/internal/common"
	"github.com/Veraticus/spice-ledger/internal/model"
	"github.com/shopspring/decimal"
)

const recurringColumns = `id, household_id, merchant_name, expected_amount, is_variable,
	frequency, anchor_day, next_due_date, due_window_days_before, due_window_days_after,
	amount_variance_percent, amount_variance_absolute, deterministic_match_threshold,
	weight_due_date, weight_amount, weight_recency, score_version, tie_break_policy,
	last_observed_at, is_active, created_at, updated_at`

// CreateRecurringItem inserts a recurring item.
func (s *SQLiteStorage) CreateRecurringItem(ctx context.Context, item *model.RecurringItem) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateRecurringItem(item); err != nil {
		return err
	}
	return s.createRecurringItemTx(ctx, s.db, item)
}

func (s *SQLiteStorage) createRecurringItemTx(ctx context.Context, q queryable, item *model.RecurringItem) error {
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = item.CreatedAt
	}

	_, err := q.ExecContext(ctx, `INSERT INTO recurring_items (`+recurringColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID,
		item.HouseholdID,
		item.MerchantName,
		item.ExpectedAmount.String(),
		boolToInt(item.IsVariable),
		string(item.Frequency),
		item.AnchorDay,
		formatDate(item.NextDueDate),
		item.DueWindowDaysBefore,
		item.DueWindowDaysAfter,
		item.AmountVariancePercent.String(),
		item.AmountVarianceAbsolute.String(),
		item.DeterministicMatchThreshold,
		item.Weights.DueDate,
		item.Weights.Amount,
		item.Weights.Recency,
		item.ScoreVersion,
		item.TieBreakPolicy,
		nullDate(item.LastObservedAt),
		boolToInt(item.IsActive),
		formatTimestamp(item.CreatedAt),
		formatTimestamp(item.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create recurring item: %w", err)
	}
	return nil
}

// UpdateRecurringItem replaces an item's configuration. The schedule fields
// next_due_date and last_observed_at are included so edits can reset them.
func (s *SQLiteStorage) UpdateRecurringItem(ctx context.Context, item *model.RecurringItem) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateRecurringItem(item); err != nil {
		return err
	}
	return s.updateRecurringItemTx(ctx, s.db, item)
}

func (s *SQLiteStorage) updateRecurringItemTx(ctx context.Context, q queryable, item *model.RecurringItem) error {
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = time.Now().UTC()
	}
	res, err := q.ExecContext(ctx, `
		UPDATE recurring_items SET
			merchant_name = ?, expected_amount = ?, is_variable = ?, frequency = ?,
			anchor_day = ?, next_due_date = ?, due_window_days_before = ?,
			due_window_days_after = ?, amount_variance_percent = ?,
			amount_variance_absolute = ?, deterministic_match_threshold = ?,
			weight_due_date = ?, weight_amount = ?, weight_recency = ?,
			score_version = ?, tie_break_policy = ?, last_observed_at = ?,
			is_active = ?, updated_at = ?
		WHERE id = ?`,
		item.MerchantName,
		item.ExpectedAmount.String(),
		boolToInt(item.IsVariable),
		string(item.Frequency),
		item.AnchorDay,
		formatDate(item.NextDueDate),
		item.DueWindowDaysBefore,
		item.DueWindowDaysAfter,
		item.AmountVariancePercent.String(),
		item.AmountVarianceAbsolute.String(),
		item.DeterministicMatchThreshold,
		item.Weights.DueDate,
		item.Weights.Amount,
		item.Weights.Recency,
		item.ScoreVersion,
		item.TieBreakPolicy,
		nullDate(item.LastObservedAt),
		boolToInt(item.IsActive),
		formatTimestamp(item.UpdatedAt),
		item.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update recurring item: %w", err)
	}
	return requireRow(res, "recurring_item", item.ID)
}

// GetRecurringItem retrieves a recurring item by id.
func (s *SQLiteStorage) GetRecurringItem(ctx context.Context, id string) (*model.RecurringItem, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}
	return s.getRecurringItemTx(ctx, s.db, id)
}

func (s *SQLiteStorage) getRecurringItemTx(ctx context.Context, q queryable, id string) (*model.RecurringItem, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recurringColumns+` FROM recurring_items WHERE id = ?`, id)
	item, err := scanRecurringItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NewNotFoundError("recurring_item", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recurring item: %w", err)
	}
	return &item, nil
}

// GetRecurringItemsByHousehold lists a household's items ordered by id.
func (s *SQLiteStorage) GetRecurringItemsByHousehold(ctx context.Context, householdID string, includeInactive bool) ([]model.RecurringItem, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(householdID, "householdID"); err != nil {
		return nil, err
	}
	return s.getRecurringItemsByHouseholdTx(ctx, s.db, householdID, includeInactive)
}

func (s *SQLiteStorage) getRecurringItemsByHouseholdTx(ctx context.Context, q queryable, householdID string, includeInactive bool) ([]model.RecurringItem, error) {
	query := `SELECT ` + recurringColumns + ` FROM recurring_items WHERE household_id = ?`
	if !includeInactive {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY id`

	rows, err := q.QueryContext(ctx, query, householdID)
	if err != nil {
		return nil, fmt.Errorf("failed to query recurring items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []model.RecurringItem
	for rows.Next() {
		item, err := scanRecurringItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recurring item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// DeactivateRecurringItem soft-deletes an item.
func (s *SQLiteStorage) DeactivateRecurringItem(ctx context.Context, id string) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(id, "id"); err != nil {
		return err
	}
	return s.deactivateRecurringItemTx(ctx, s.db, id)
}

func (s *SQLiteStorage) deactivateRecurringItemTx(ctx context.Context, q queryable, id string) error {
	res, err := q.ExecContext(ctx,
		`UPDATE recurring_items SET is_active = 0, updated_at = ? WHERE id = ?`,
		formatTimestamp(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to deactivate recurring item: %w", err)
	}
	return requireRow(res, "recurring_item", id)
}

// AdvanceRecurringItem moves the item's next due date forward, conditional on
// it still being expectedNextDue.
func (s *SQLiteStorage) AdvanceRecurringItem(ctx context.Context, id string, expectedNextDue, newNextDue, observedAt time.Time) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(id, "id"); err != nil {
		return err
	}
	return s.advanceRecurringItemTx(ctx, s.db, id, expectedNextDue, newNextDue, observedAt)
}

func (s *SQLiteStorage) advanceRecurringItemTx(ctx context.Context, q queryable, id string, expectedNextDue, newNextDue, observedAt time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE recurring_items
		SET next_due_date = ?, last_observed_at = ?, updated_at = ?
		WHERE id = ? AND next_due_date = ?`,
		formatDate(newNextDue),
		formatDate(observedAt),
		formatTimestamp(time.Now()),
		id,
		formatDate(expectedNextDue),
	)
	if err != nil {
		return fmt.Errorf("failed to advance recurring item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 1 {
		return nil
	}

	if _, err := s.getRecurringItemTx(ctx, q, id); err != nil {
		return err
	}
	return common.NewConflictError("recurring_item", id,
		fmt.Sprintf("next due date is no longer %s", formatDate(expectedNextDue)))
}

func scanRecurringItem(row rowScanner) (model.RecurringItem, error) {
	var (
		item         model.RecurringItem
		expected     string
		pct          string
		abs          string
		frequency    string
		nextDue      string
		lastObserved sql.NullString
		createdAt    string
		updatedAt    string
		isVariable   int
		isActive     int
	)
	err := row.Scan(
		&item.ID, &item.HouseholdID, &item.MerchantName, &expected, &isVariable,
		&frequency, &item.AnchorDay, &nextDue, &item.DueWindowDaysBefore, &item.DueWindowDaysAfter,
		&pct, &abs, &item.DeterministicMatchThreshold,
		&item.Weights.DueDate, &item.Weights.Amount, &item.Weights.Recency,
		&item.ScoreVersion, &item.TieBreakPolicy,
		&lastObserved, &isActive, &createdAt, &updatedAt,
	)
	if err != nil {
		return item, err
	}

	item.Frequency = model.Frequency(frequency)
	item.IsVariable = isVariable == 1
	item.IsActive = isActive == 1

	if item.ExpectedAmount, err = decimal.NewFromString(expected); err != nil {
		return item, fmt.Errorf("invalid stored expected_amount %q: %w", expected, err)
	}
	if item.AmountVariancePercent, err = decimal.NewFromString(pct); err != nil {
		return item, fmt.Errorf("invalid stored amount_variance_percent %q: %w", pct, err)
	}
	if item.AmountVarianceAbsolute, err = decimal.NewFromString(abs); err != nil {
		return item, fmt.Errorf("invalid stored amount_variance_absolute %q: %w", abs, err)
	}
	if item.NextDueDate, err = model.ParseDate(nextDue); err != nil {
		return item, fmt.Errorf("invalid stored next_due_date %q: %w", nextDue, err)
	}
	if lastObserved.Valid {
		if item.LastObservedAt, err = model.ParseDate(lastObserved.String); err != nil {
			return item, fmt.Errorf("invalid stored last_observed_at %q: %w", lastObserved.String, err)
		}
	}
	if item.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return item, fmt.Errorf("invalid stored created_at %q: %w", createdAt, err)
	}
	if item.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
		return item, fmt.Errorf("invalid stored updated_at %q: %w", updatedAt, err)
	}
	return item, nil
}
