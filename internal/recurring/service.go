package recurring

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veraticus/spice-ledger/internal/common"
	"github.com/Veraticus/spice-ledger/internal/model"
	"github.com/Veraticus/spice-ledger/internal/scoring"
	"github.com/Veraticus/spice-ledger/internal/service"
	"github.com/google/uuid"
)

// Service reconciles transactions against stored recurring items.
type Service struct {
	store   service.Storage
	scope   service.AccessScope
	matcher *Matcher
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the clock used for item timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a recurring service. A nil scope allows everything.
func NewService(store service.Storage, scope service.AccessScope, opts ...Option) *Service {
	if scope == nil {
		scope = service.AllowAll{}
	}
	s := &Service{
		store:   store,
		scope:   scope,
		matcher: NewMatcher(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reconcile matches txn against its household's active items and commits the
// match. A transaction that is already linked is returned as-is without
// advancing its item again. Losing a concurrent advance returns a conflict.
func (s *Service) Reconcile(ctx context.Context, txn model.EnrichedTransaction) (MatchResult, error) {
	if txn.RecurringItemID != "" {
		return s.existingLink(ctx, txn)
	}

	items, err := s.store.GetRecurringItemsByHousehold(ctx, txn.HouseholdID, false)
	if err != nil {
		return MatchResult{}, fmt.Errorf("failed to load recurring items: %w", err)
	}
	items, err = s.scope.FilterRecurringItems(ctx, txn.HouseholdID, items)
	if err != nil {
		return MatchResult{}, fmt.Errorf("failed to filter recurring items: %w", err)
	}

	result, err := s.matcher.Match(txn, items)
	if err != nil {
		return MatchResult{}, err
	}
	if !result.Matched() {
		slog.Debug("No recurring match",
			"transaction_id", txn.ID,
			"candidates", len(result.Candidates))
		return result, nil
	}

	var matched model.RecurringItem
	for _, item := range items {
		if item.ID == result.MatchedItemID {
			matched = item
			break
		}
	}

	if err := s.commit(ctx, txn, matched, *result.NextDueDate); err != nil {
		return MatchResult{}, err
	}

	slog.Info("Matched recurring item",
		"transaction_id", txn.ID,
		"item_id", matched.ID,
		"score", result.Score,
		"tie_break", result.TieBreakApplied,
		"next_due_date", result.NextDueDate.Format(model.DateLayout))
	return result, nil
}

func (s *Service) commit(ctx context.Context, txn model.EnrichedTransaction, item model.RecurringItem, next time.Time) (err error) {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				slog.Warn("Rollback failed", "error", rbErr)
			}
		}
	}()

	if err = tx.LinkRecurringItem(ctx, txn.ID, item.ID); err != nil {
		return fmt.Errorf("failed to link transaction %s: %w", txn.ID, err)
	}
	if err = tx.AdvanceRecurringItem(ctx, item.ID, item.NextDueDate, next, txn.Date); err != nil {
		return fmt.Errorf("failed to advance recurring item %s: %w", item.ID, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit recurring match: %w", err)
	}
	return nil
}

func (s *Service) existingLink(ctx context.Context, txn model.EnrichedTransaction) (MatchResult, error) {
	item, err := s.store.GetRecurringItem(ctx, txn.RecurringItemID)
	if err != nil {
		return MatchResult{}, fmt.Errorf("failed to load linked item: %w", err)
	}
	next := item.NextDueDate
	return MatchResult{
		MatchedItemID: item.ID,
		ScoreVersion:  item.ScoreVersion,
		NextDueDate:   &next,
		AlreadyLinked: true,
	}, nil
}

// CreateItem validates and stores a new item. Defaults are applied first so
// every stored item carries its own weights, policy and score version.
func (s *Service) CreateItem(ctx context.Context, item *model.RecurringItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.ApplyDefaults(scoring.Version)
	if err := item.Validate(); err != nil {
		return err
	}
	now := s.now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now

	if err := s.store.CreateRecurringItem(ctx, item); err != nil {
		return fmt.Errorf("failed to create recurring item: %w", err)
	}
	slog.Info("Created recurring item", "item_id", item.ID, "merchant", item.MerchantName)
	return nil
}

// UpdateItem validates and replaces an item's configuration.
func (s *Service) UpdateItem(ctx context.Context, item *model.RecurringItem) error {
	if item.ID == "" {
		return common.NewValidationError("id", "is required")
	}
	item.ApplyDefaults(scoring.Version)
	if err := item.Validate(); err != nil {
		return err
	}
	item.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateRecurringItem(ctx, item); err != nil {
		return fmt.Errorf("failed to update recurring item: %w", err)
	}
	return nil
}

// DeactivateItem soft-deletes an item; it stays available for audit.
func (s *Service) DeactivateItem(ctx context.Context, id string) error {
	if id == "" {
		return common.NewValidationError("id", "is required")
	}
	if err := s.store.DeactivateRecurringItem(ctx, id); err != nil {
		return fmt.Errorf("failed to deactivate recurring item: %w", err)
	}
	slog.Info("Deactivated recurring item", "item_id", id)
	return nil
}

// ListItems returns the household's items visible through the access scope.
func (s *Service) ListItems(ctx context.Context, householdID string, includeInactive bool) ([]model.RecurringItem, error) {
	if householdID == "" {
		return nil, common.NewValidationError("household_id", "is required")
	}
	items, err := s.store.GetRecurringItemsByHousehold(ctx, householdID, includeInactive)
	if err != nil {
		return nil, fmt.Errorf("failed to list recurring items: %w", err)
	}
	return s.scope.FilterRecurringItems(ctx, householdID, items)
}

// DTO converts a match result for output.
func (r MatchResult) DTO(transactionID string) service.RecurringMatchDTO {
	dto := service.RecurringMatchDTO{
		TransactionID:   transactionID,
		ScoreVersion:    r.ScoreVersion,
		TieBreakApplied: r.TieBreakApplied,
		AlreadyLinked:   r.AlreadyLinked,
	}
	// A recorded link was scored when it was made; that score is not kept.
	if !r.AlreadyLinked {
		score := r.Score
		dto.Score = &score
	}
	if r.Matched() {
		id := r.MatchedItemID
		dto.MatchedRecurringItemID = &id
	}
	if r.NextDueDate != nil {
		due := r.NextDueDate.Format(model.DateLayout)
		dto.RecurringItemNextDueDate = &due
	}
	return dto
}
