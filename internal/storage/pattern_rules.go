package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Veraticus/spice-ledger/internal/common"
	"github.com/Veraticus/spice-ledger/internal/model"
	"github.com/shopspring/decimal"
)

// CreatePatternRule creates a new pattern rule.
func (s *SQLiteStorage) CreatePatternRule(ctx context.Context, rule *model.PatternRule) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	if err := validatePatternRule(rule); err != nil {
		return err
	}

	return s.createPatternRuleTx(ctx, s.db, rule)
}

func (s *SQLiteStorage) createPatternRuleTx(ctx context.Context, q queryable, rule *model.PatternRule) error {
	// Verify subcategory exists
	var count int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM subcategories WHERE id = ? AND is_active = 1",
		rule.SubcategoryID).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to verify subcategory: %w", err)
	}
	if count == 0 {
		return common.NewNotFoundError("subcategory", rule.SubcategoryID)
	}

	matchMode := rule.MatchMode
	if matchMode == "" {
		matchMode = model.MatchExact
	}
	condition := rule.AmountCondition
	if condition == "" {
		condition = model.AmountAny
	}

	now := time.Now().UTC()
	result, err := q.ExecContext(ctx, `
		INSERT INTO pattern_rules (
			household_id, name, merchant_pattern, match_mode,
			amount_condition, amount_value, amount_min, amount_max,
			direction, subcategory_id, priority, confidence, is_active,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.HouseholdID, rule.Name, rule.MerchantPattern, string(matchMode),
		string(condition), nullDecimal(rule.AmountValue), nullDecimal(rule.AmountMin), nullDecimal(rule.AmountMax),
		directionToNullString(rule.Direction), rule.SubcategoryID,
		rule.Priority, rule.Confidence, boolToInt(rule.IsActive),
		formatTimestamp(now), formatTimestamp(now),
	)
	if err != nil {
		return fmt.Errorf("failed to create pattern rule: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get pattern rule ID: %w", err)
	}

	rule.ID = int(id)
	rule.MatchMode = matchMode
	rule.AmountCondition = condition
	rule.CreatedAt = now
	rule.UpdatedAt = now

	return nil
}

// GetActivePatternRules returns a household's active rules, highest priority first.
func (s *SQLiteStorage) GetActivePatternRules(ctx context.Context, householdID string) ([]model.PatternRule, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return s.getActivePatternRulesTx(ctx, s.db, householdID)
}

func (s *SQLiteStorage) getActivePatternRulesTx(ctx context.Context, q queryable, householdID string) ([]model.PatternRule, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, household_id, name, merchant_pattern, match_mode,
			amount_condition, amount_value, amount_min, amount_max,
			direction, subcategory_id, priority, confidence, is_active,
			created_at, updated_at
		FROM pattern_rules
		WHERE household_id = ? AND is_active = 1
		ORDER BY priority DESC, id ASC`, householdID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pattern rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []model.PatternRule
	for rows.Next() {
		var (
			rule        model.PatternRule
			matchMode   string
			condition   string
			amountValue sql.NullString
			amountMin   sql.NullString
			amountMax   sql.NullString
			direction   sql.NullString
			isActive    int
			createdAt   string
			updatedAt   string
		)
		err := rows.Scan(
			&rule.ID, &rule.HouseholdID, &rule.Name, &rule.MerchantPattern, &matchMode,
			&condition, &amountValue, &amountMin, &amountMax,
			&direction, &rule.SubcategoryID, &rule.Priority, &rule.Confidence, &isActive,
			&createdAt, &updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pattern rule: %w", err)
		}

		rule.MatchMode = model.MerchantMatchMode(matchMode)
		rule.AmountCondition = model.AmountConditionType(condition)
		rule.IsActive = isActive == 1
		if direction.Valid {
			d := model.FlowDirection(direction.String)
			rule.Direction = &d
		}
		if rule.AmountValue, err = parseNullDecimal(amountValue); err != nil {
			return nil, err
		}
		if rule.AmountMin, err = parseNullDecimal(amountMin); err != nil {
			return nil, err
		}
		if rule.AmountMax, err = parseNullDecimal(amountMax); err != nil {
			return nil, err
		}
		rule.CreatedAt, _ = parseTimestamp(createdAt)
		rule.UpdatedAt, _ = parseTimestamp(updatedAt)

		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// DeletePatternRule deactivates a pattern rule.
func (s *SQLiteStorage) DeletePatternRule(ctx context.Context, id int) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	return s.deletePatternRuleTx(ctx, s.db, id)
}

func (s *SQLiteStorage) deletePatternRuleTx(ctx context.Context, q queryable, id int) error {
	res, err := q.ExecContext(ctx,
		"UPDATE pattern_rules SET is_active = 0, updated_at = ? WHERE id = ?",
		formatTimestamp(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to delete pattern rule: %w", err)
	}
	return requireRow(res, "pattern_rule", fmt.Sprint(id))
}

// directionToNullString converts a direction pointer to sql.NullString.
func directionToNullString(d *model.FlowDirection) sql.NullString {
	if d == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: string(*d), Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDecimal(s sql.NullString) (*decimal.Decimal, error) {
	if !s.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil, fmt.Errorf("invalid stored amount %q: %w", s.String, err)
	}
	return &d, nil
}
