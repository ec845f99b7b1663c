package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/spice-ledger/internal/common"
	"github.com/Veraticus/spice-ledger/internal/model"
)

// CreateSubcategory adds a subcategory to the catalog.
func (s *SQLiteStorage) CreateSubcategory(ctx context.Context, sub *model.Subcategory) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateSubcategory(sub); err != nil {
		return err
	}
	return s.createSubcategoryTx(ctx, s.db, sub)
}

func (s *SQLiteStorage) createSubcategoryTx(ctx context.Context, q queryable, sub *model.Subcategory) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO subcategories (id, name, description, is_active, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		sub.ID, sub.Name, sub.Description, boolToInt(sub.IsActive), formatTimestamp(sub.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return common.NewConflictError("subcategory", sub.ID, "id or name already exists")
		}
		return fmt.Errorf("failed to create subcategory: %w", err)
	}
	return nil
}

// GetSubcategories returns the whole catalog ordered by name.
func (s *SQLiteStorage) GetSubcategories(ctx context.Context) ([]model.Subcategory, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return s.getSubcategoriesTx(ctx, s.db)
}

func (s *SQLiteStorage) getSubcategoriesTx(ctx context.Context, q queryable) ([]model.Subcategory, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, name, description, is_active, created_at
		FROM subcategories
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query subcategories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []model.Subcategory
	for rows.Next() {
		sub, err := scanSubcategory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subcategory: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// GetSubcategory retrieves a subcategory by id.
func (s *SQLiteStorage) GetSubcategory(ctx context.Context, id string) (*model.Subcategory, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}
	return s.getSubcategoryTx(ctx, s.db, id)
}

func (s *SQLiteStorage) getSubcategoryTx(ctx context.Context, q queryable, id string) (*model.Subcategory, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, name, description, is_active, created_at
		FROM subcategories WHERE id = ?`, id)
	sub, err := scanSubcategory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NewNotFoundError("subcategory", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subcategory: %w", err)
	}
	return &sub, nil
}

func scanSubcategory(row rowScanner) (model.Subcategory, error) {
	var (
		sub       model.Subcategory
		isActive  int
		createdAt string
	)
	if err := row.Scan(&sub.ID, &sub.Name, &sub.Description, &isActive, &createdAt); err != nil {
		return sub, err
	}
	sub.IsActive = isActive == 1
	sub.CreatedAt, _ = parseTimestamp(createdAt)
	return sub, nil
}
