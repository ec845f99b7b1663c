package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/spice-ledger/internal/common"
	"github.com/Veraticus/spice-ledger/internal/model"
	"github.com/Veraticus/spice-ledger/internal/service"
	"github.com/shopspring/decimal"
)

// SaveOutcome appends a classification outcome and its stage outputs.
// Outcomes are never updated.
func (s *SQLiteStorage) SaveOutcome(ctx context.Context, outcome *model.ClassificationOutcome) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateOutcome(outcome); err != nil {
		return err
	}
	return s.inTx(ctx, func(q queryable) error {
		return s.saveOutcomeTx(ctx, q, outcome)
	})
}

func (s *SQLiteStorage) saveOutcomeTx(ctx context.Context, q queryable, outcome *model.ClassificationOutcome) error {
	if outcome.CreatedAt.IsZero() {
		outcome.CreatedAt = time.Now().UTC()
	}
	subcategoryID, _ := outcome.Decision.SubcategoryID()

	_, err := q.ExecContext(ctx, `
		INSERT INTO classification_outcomes (
			id, transaction_id, decision_code, subcategory_id, final_confidence,
			review_status, decision_reason_code, decision_rationale, agent_note_summary,
			assignment_source, assigned_by, input_fingerprint, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		outcome.ID,
		outcome.TransactionID,
		outcome.Decision.Code(),
		nullString(subcategoryID),
		outcome.FinalConfidence,
		string(outcome.ReviewStatus()),
		outcome.DecisionReasonCode,
		outcome.DecisionRationale,
		nullString(outcome.AgentNoteSummary),
		string(outcome.AssignmentSource),
		outcome.AssignedBy,
		outcome.InputFingerprint,
		formatTimestamp(outcome.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save classification outcome: %w", err)
	}

	for _, out := range outcome.StageOutputs {
		_, err := q.ExecContext(ctx, `
			INSERT INTO classification_stage_outputs (
				outcome_id, stage_order, stage_name, candidate_subcategory_id, confidence,
				rationale_code, rationale, accepted, escalated_to_next_stage
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			outcome.ID,
			out.StageOrder,
			out.StageName,
			nullString(out.CandidateSubcategoryID),
			out.Confidence,
			out.RationaleCode,
			out.Rationale,
			boolToInt(out.Accepted),
			boolToInt(out.EscalatedToNextStage),
		)
		if err != nil {
			return fmt.Errorf("failed to save stage output %d: %w", out.StageOrder, err)
		}
	}
	return nil
}

const outcomeColumns = `id, transaction_id, decision_code, subcategory_id, final_confidence,
	decision_reason_code, decision_rationale, agent_note_summary, assignment_source,
	assigned_by, input_fingerprint, created_at`

// GetLatestOutcome returns the current classification of a transaction.
func (s *SQLiteStorage) GetLatestOutcome(ctx context.Context, transactionID string) (*model.ClassificationOutcome, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(transactionID, "transactionID"); err != nil {
		return nil, err
	}
	return s.getLatestOutcomeTx(ctx, s.db, transactionID)
}

func (s *SQLiteStorage) getLatestOutcomeTx(ctx context.Context, q queryable, transactionID string) (*model.ClassificationOutcome, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+outcomeColumns+` FROM classification_outcomes
		WHERE transaction_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1`, transactionID)
	outcome, err := scanOutcome(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NewNotFoundError("classification_outcome", transactionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest outcome: %w", err)
	}
	if outcome.StageOutputs, err = s.getStageOutputsTx(ctx, q, outcome.ID); err != nil {
		return nil, err
	}
	return &outcome, nil
}

// GetOutcomeHistory returns every outcome of a transaction, oldest first.
func (s *SQLiteStorage) GetOutcomeHistory(ctx context.Context, transactionID string) ([]model.ClassificationOutcome, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(transactionID, "transactionID"); err != nil {
		return nil, err
	}
	return s.getOutcomeHistoryTx(ctx, s.db, transactionID)
}

func (s *SQLiteStorage) getOutcomeHistoryTx(ctx context.Context, q queryable, transactionID string) ([]model.ClassificationOutcome, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+outcomeColumns+` FROM classification_outcomes
		WHERE transaction_id = ?
		ORDER BY created_at, rowid`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcome history: %w", err)
	}

	var outcomes []model.ClassificationOutcome
	for rows.Next() {
		outcome, err := scanOutcome(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		outcomes = append(outcomes, outcome)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range outcomes {
		if outcomes[i].StageOutputs, err = s.getStageOutputsTx(ctx, q, outcomes[i].ID); err != nil {
			return nil, err
		}
	}
	return outcomes, nil
}

func (s *SQLiteStorage) getStageOutputsTx(ctx context.Context, q queryable, outcomeID string) ([]model.ClassificationStageOutput, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT stage_order, stage_name, candidate_subcategory_id, confidence,
			rationale_code, rationale, accepted, escalated_to_next_stage
		FROM classification_stage_outputs
		WHERE outcome_id = ?
		ORDER BY stage_order`, outcomeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stage outputs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var outputs []model.ClassificationStageOutput
	for rows.Next() {
		var (
			out       model.ClassificationStageOutput
			candidate sql.NullString
			accepted  int
			escalated int
		)
		if err := rows.Scan(&out.StageOrder, &out.StageName, &candidate, &out.Confidence,
			&out.RationaleCode, &out.Rationale, &accepted, &escalated); err != nil {
			return nil, fmt.Errorf("failed to scan stage output: %w", err)
		}
		out.CandidateSubcategoryID = candidate.String
		out.Accepted = accepted == 1
		out.EscalatedToNextStage = escalated == 1
		outputs = append(outputs, out)
	}
	return outputs, rows.Err()
}

// GetHouseholdHistory returns the latest assigned classification of each of the
// household's transactions dated on or after since, newest first.
func (s *SQLiteStorage) GetHouseholdHistory(ctx context.Context, householdID string, since time.Time, limit int) ([]service.HistoricalClassification, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(householdID, "householdID"); err != nil {
		return nil, err
	}
	return s.getHouseholdHistoryTx(ctx, s.db, householdID, since, limit)
}

func (s *SQLiteStorage) getHouseholdHistoryTx(ctx context.Context, q queryable, householdID string, since time.Time, limit int) ([]service.HistoricalClassification, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := q.QueryContext(ctx, `
		SELECT t.id, t.merchant_name, t.description, t.amount, t.date, o.subcategory_id
		FROM transactions t
		JOIN classification_outcomes o ON o.id = (
			SELECT id FROM classification_outcomes
			WHERE transaction_id = t.id
			ORDER BY created_at DESC, rowid DESC
			LIMIT 1
		)
		WHERE t.household_id = ?
			AND t.date >= ?
			AND o.subcategory_id IS NOT NULL
		ORDER BY t.date DESC, t.id
		LIMIT ?`, householdID, formatDate(since), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query household history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var history []service.HistoricalClassification
	for rows.Next() {
		var (
			h      service.HistoricalClassification
			amount string
			date   string
		)
		if err := rows.Scan(&h.TransactionID, &h.Merchant, &h.Description, &amount, &date, &h.SubcategoryID); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		if h.Date, err = model.ParseDate(date); err != nil {
			return nil, fmt.Errorf("invalid stored date %q: %w", date, err)
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("invalid stored amount %q: %w", amount, err)
		}
		h.Amount = d.InexactFloat64()
		history = append(history, h)
	}
	return history, rows.Err()
}

func scanOutcome(row rowScanner) (model.ClassificationOutcome, error) {
	var (
		o             model.ClassificationOutcome
		code          string
		subcategoryID sql.NullString
		agentNote     sql.NullString
		source        string
		createdAt     string
	)
	err := row.Scan(&o.ID, &o.TransactionID, &code, &subcategoryID, &o.FinalConfidence,
		&o.DecisionReasonCode, &o.DecisionRationale, &agentNote, &source,
		&o.AssignedBy, &o.InputFingerprint, &createdAt)
	if err != nil {
		return o, err
	}

	if o.Decision, err = model.ParseDecision(code, subcategoryID.String); err != nil {
		return o, err
	}
	if o.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return o, fmt.Errorf("invalid stored created_at %q: %w", createdAt, err)
	}
	o.AgentNoteSummary = agentNote.String
	o.AssignmentSource = model.AssignmentSource(source)
	return o, nil
}
