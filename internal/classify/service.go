package classify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Veraticus/spice-ledger/internal/common"
	"github.com/Veraticus/spice-ledger/internal/model"
	"github.com/Veraticus/spice-ledger/internal/service"
	"github.com/google/uuid"
)

// History window defaults.
const (
	DefaultHistoryLookbackDays = 365
	DefaultHistoryLimit        = 500
)

// Thresholds are the acceptance thresholds of the standard stages.
type Thresholds struct {
	Rule    float64
	History float64
	Agent   float64
}

// DefaultThresholds returns the thresholds used when none are configured.
func DefaultThresholds() Thresholds {
	return Thresholds{Rule: 0.90, History: 0.75, Agent: 0.80}
}

// NewStandardPipeline builds rules, history and, when agent is non-nil, the
// agent stage in that order.
func NewStandardPipeline(rules service.RuleStore, agent service.AgentClassifier, th Thresholds) (*Pipeline, error) {
	stages := []StageConfig{
		{Stage: NewRuleStage(rules), AcceptanceThreshold: th.Rule},
		{Stage: NewHistoryStage(), AcceptanceThreshold: th.History},
	}
	if agent != nil {
		stages = append(stages, StageConfig{Stage: NewAgentStage(agent), AcceptanceThreshold: th.Agent})
	}
	return NewPipeline(stages...)
}

// Service runs the pipeline and records append-only outcomes.
type Service struct {
	store        service.Storage
	pipeline     *Pipeline
	now          func() time.Time
	lookbackDays int
	historyLimit int
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the clock used for outcome timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithHistoryWindow bounds the prior classifications handed to the stages.
func WithHistoryWindow(days, limit int) Option {
	return func(s *Service) {
		if days > 0 {
			s.lookbackDays = days
		}
		if limit > 0 {
			s.historyLimit = limit
		}
	}
}

// NewService creates a classification service.
func NewService(store service.Storage, pipeline *Pipeline, opts ...Option) *Service {
	s := &Service{
		store:        store,
		pipeline:     pipeline,
		now:          time.Now,
		lookbackDays: DefaultHistoryLookbackDays,
		historyLimit: DefaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Classify runs the pipeline for txn and appends the outcome. When the latest
// outcome was produced from identical inputs it is returned unchanged, so a
// repeated call never creates a second run.
func (s *Service) Classify(ctx context.Context, txn model.EnrichedTransaction) (*model.ClassificationOutcome, error) {
	if err := txn.Validate(); err != nil {
		return nil, err
	}

	fingerprint := txn.Fingerprint()
	latest, err := s.store.GetLatestOutcome(ctx, txn.ID)
	switch {
	case err == nil && latest.InputFingerprint == fingerprint:
		slog.Debug("Classification unchanged", "transaction_id", txn.ID, "outcome_id", latest.ID)
		return latest, nil
	case err != nil && !errors.Is(err, common.ErrNotFound):
		return nil, fmt.Errorf("failed to load latest outcome: %w", err)
	}

	subs, err := s.store.GetSubcategories(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load subcategories: %w", err)
	}
	since := txn.Date.AddDate(0, 0, -s.lookbackDays)
	history, err := s.store.GetHouseholdHistory(ctx, txn.HouseholdID, since, s.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load classification history: %w", err)
	}

	result, err := s.pipeline.Run(ctx, Input{
		Transaction:   txn,
		History:       history,
		Subcategories: subs,
	})
	if err != nil {
		return nil, fmt.Errorf("classification pipeline aborted: %w", err)
	}

	outcome := &model.ClassificationOutcome{
		ID:                 uuid.NewString(),
		TransactionID:      txn.ID,
		Decision:           result.Decision,
		FinalConfidence:    result.FinalConfidence,
		DecisionReasonCode: result.ReasonCode,
		DecisionRationale:  result.Rationale,
		AgentNoteSummary:   result.AgentNote,
		AssignmentSource:   result.Source,
		AssignedBy:         result.AssignedBy,
		InputFingerprint:   fingerprint,
		StageOutputs:       result.StageOutputs,
		CreatedAt:          s.now().UTC(),
	}
	if err := s.record(ctx, outcome); err != nil {
		return nil, err
	}

	slog.Info("Classified transaction",
		"transaction_id", txn.ID,
		"decision", outcome.Decision.Code(),
		"confidence", outcome.FinalConfidence,
		"assigned_by", outcome.AssignedBy)
	return outcome, nil
}

// RecordManual appends a human correction. Prior outcomes are left untouched.
func (s *Service) RecordManual(ctx context.Context, transactionID, subcategoryID, userID, rationale string) (*model.ClassificationOutcome, error) {
	var errs common.ValidationErrors
	if strings.TrimSpace(transactionID) == "" {
		errs.Add("transaction_id", "is required")
	}
	if strings.TrimSpace(subcategoryID) == "" {
		errs.Add("subcategory_id", "is required")
	}
	if strings.TrimSpace(userID) == "" {
		errs.Add("user_id", "is required")
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}

	txn, err := s.store.GetTransactionByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	sub, err := s.store.GetSubcategory(ctx, subcategoryID)
	if err != nil {
		return nil, err
	}
	if !sub.IsActive {
		return nil, common.NewValidationError("subcategory_id", "%q is not active", subcategoryID)
	}

	if rationale == "" {
		rationale = fmt.Sprintf("assigned to %s by %s", sub.Name, userID)
	}
	outcome := &model.ClassificationOutcome{
		ID:                 uuid.NewString(),
		TransactionID:      txn.ID,
		Decision:           model.ManuallyAssigned(sub.ID),
		FinalConfidence:    1.0,
		DecisionReasonCode: model.ReasonManualReview,
		DecisionRationale:  rationale,
		AssignmentSource:   model.AssignedByManual,
		AssignedBy:         userID,
		InputFingerprint:   txn.Fingerprint(),
		CreatedAt:          s.now().UTC(),
	}
	if err := s.record(ctx, outcome); err != nil {
		return nil, err
	}

	slog.Info("Recorded manual classification",
		"transaction_id", txn.ID,
		"subcategory", sub.ID,
		"user", userID)
	return outcome, nil
}

// record appends the outcome and mirrors it onto the transaction atomically.
func (s *Service) record(ctx context.Context, outcome *model.ClassificationOutcome) (err error) {
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

	if err = tx.SaveOutcome(ctx, outcome); err != nil {
		return fmt.Errorf("failed to save outcome: %w", err)
	}
	subcategoryID, _ := outcome.Decision.SubcategoryID()
	if err = tx.UpdateTransactionClassification(ctx, outcome.TransactionID, subcategoryID, outcome.ReviewStatus()); err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit outcome: %w", err)
	}
	return nil
}

// Latest returns the current classification of a transaction.
func (s *Service) Latest(ctx context.Context, transactionID string) (*model.ClassificationOutcome, error) {
	return s.store.GetLatestOutcome(ctx, transactionID)
}

// History returns every outcome of a transaction, oldest first.
func (s *Service) History(ctx context.Context, transactionID string) ([]model.ClassificationOutcome, error) {
	return s.store.GetOutcomeHistory(ctx, transactionID)
}
