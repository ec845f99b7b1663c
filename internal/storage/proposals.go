package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Veraticus/spice-ledger/internal/common"
	"github.com/Veraticus/spice-ledger/internal/model"
	"github.com/Veraticus/spice-ledger/internal/service"
	"github.com/shopspring/decimal"
)

const proposalColumns = `id, incoming_transaction_id, related_transaction_id, related_split_id,
	proposed_amount, lifecycle_group_id, lifecycle_ordinal, status, status_reason_code,
	status_rationale, source, provenance, supersedes_proposal_id, superseded_by_proposal_id,
	decided_by_user_id, decided_at, created_at`

// CreateProposal inserts a proposal and, when it supersedes another, marks the
// superseded proposal in the same transaction.
func (s *SQLiteStorage) CreateProposal(ctx context.Context, proposal *model.ReimbursementProposal) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateProposal(proposal); err != nil {
		return err
	}
	return s.inTx(ctx, func(q queryable) error {
		return s.createProposalTx(ctx, q, proposal)
	})
}

func (s *SQLiteStorage) createProposalTx(ctx context.Context, q queryable, p *model.ReimbursementProposal) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	provenance, err := json.Marshal(p.Provenance)
	if err != nil {
		return fmt.Errorf("failed to encode provenance: %w", err)
	}

	_, err = q.ExecContext(ctx, `INSERT INTO reimbursement_proposals (`+proposalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, ?)`,
		p.ID,
		p.IncomingTransactionID,
		nullString(p.RelatedTransactionID),
		nullString(p.RelatedSplitID),
		p.ProposedAmount.String(),
		p.LifecycleGroupID,
		p.LifecycleOrdinal,
		string(p.Status),
		p.StatusReasonCode,
		p.StatusRationale,
		string(p.Source),
		string(provenance),
		nullString(p.SupersedesProposalID),
		formatTimestamp(p.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			if strings.Contains(err.Error(), "incoming_transaction_id") {
				return common.NewConflictError("transaction", p.IncomingTransactionID,
					"already has an automatic reimbursement proposal")
			}
			return common.NewConflictError("reimbursement_group", p.LifecycleGroupID,
				fmt.Sprintf("ordinal %d already taken", p.LifecycleOrdinal))
		}
		return fmt.Errorf("failed to create proposal: %w", err)
	}

	if p.SupersedesProposalID == "" {
		return nil
	}

	res, err := q.ExecContext(ctx, `
		UPDATE reimbursement_proposals
		SET superseded_by_proposal_id = ?, status_reason_code = ?
		WHERE id = ?
			AND lifecycle_group_id = ?
			AND decided_at IS NULL
			AND superseded_by_proposal_id IS NULL`,
		p.ID, model.ReasonSuperseded, p.SupersedesProposalID, p.LifecycleGroupID)
	if err != nil {
		return fmt.Errorf("failed to mark superseded proposal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 1 {
		return nil
	}
	return s.explainProposalConflict(ctx, q, p.SupersedesProposalID, "supersede")
}

// GetProposal retrieves a proposal by id.
func (s *SQLiteStorage) GetProposal(ctx context.Context, id string) (*model.ReimbursementProposal, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}
	return s.getProposalTx(ctx, s.db, id)
}

func (s *SQLiteStorage) getProposalTx(ctx context.Context, q queryable, id string) (*model.ReimbursementProposal, error) {
	row := q.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM reimbursement_proposals WHERE id = ?`, id)
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NewNotFoundError("reimbursement_proposal", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get proposal: %w", err)
	}
	return &p, nil
}

// GetProposalGroup returns a lifecycle group ordered by ordinal.
func (s *SQLiteStorage) GetProposalGroup(ctx context.Context, groupID string) ([]model.ReimbursementProposal, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(groupID, "groupID"); err != nil {
		return nil, err
	}
	return s.getProposalGroupTx(ctx, s.db, groupID)
}

func (s *SQLiteStorage) getProposalGroupTx(ctx context.Context, q queryable, groupID string) ([]model.ReimbursementProposal, error) {
	return s.queryProposals(ctx, q, `
		SELECT `+proposalColumns+` FROM reimbursement_proposals
		WHERE lifecycle_group_id = ?
		ORDER BY lifecycle_ordinal`, groupID)
}

// GetProposalsByIncomingTransaction lists proposals claiming a transaction as the reimbursement.
func (s *SQLiteStorage) GetProposalsByIncomingTransaction(ctx context.Context, transactionID string) ([]model.ReimbursementProposal, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(transactionID, "transactionID"); err != nil {
		return nil, err
	}
	return s.getProposalsByIncomingTx(ctx, s.db, transactionID)
}

func (s *SQLiteStorage) getProposalsByIncomingTx(ctx context.Context, q queryable, transactionID string) ([]model.ReimbursementProposal, error) {
	return s.queryProposals(ctx, q, `
		SELECT `+proposalColumns+` FROM reimbursement_proposals
		WHERE incoming_transaction_id = ?
		ORDER BY created_at, lifecycle_ordinal`, transactionID)
}

// GetPendingProposals lists undecided, unsuperseded proposals of a household.
func (s *SQLiteStorage) GetPendingProposals(ctx context.Context, householdID string) ([]model.ReimbursementProposal, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(householdID, "householdID"); err != nil {
		return nil, err
	}
	return s.getPendingProposalsTx(ctx, s.db, householdID)
}

func (s *SQLiteStorage) getPendingProposalsTx(ctx context.Context, q queryable, householdID string) ([]model.ReimbursementProposal, error) {
	return s.queryProposals(ctx, q, `
		SELECT `+prefixed("p.", proposalColumns)+`
		FROM reimbursement_proposals p
		JOIN transactions t ON t.id = p.incoming_transaction_id
		WHERE t.household_id = ?
			AND p.decided_at IS NULL
			AND p.superseded_by_proposal_id IS NULL
		ORDER BY p.created_at, p.id`, householdID)
}

// DecideProposal applies the single terminal transition of a proposal.
func (s *SQLiteStorage) DecideProposal(ctx context.Context, decision service.ProposalDecision) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateDecision(decision); err != nil {
		return err
	}
	return s.decideProposalTx(ctx, s.db, decision)
}

func (s *SQLiteStorage) decideProposalTx(ctx context.Context, q queryable, d service.ProposalDecision) error {
	res, err := q.ExecContext(ctx, `
		UPDATE reimbursement_proposals
		SET status = ?, status_reason_code = ?, status_rationale = ?,
			decided_by_user_id = ?, decided_at = ?
		WHERE id = ?
			AND decided_at IS NULL
			AND superseded_by_proposal_id IS NULL`,
		string(d.Status), d.ReasonCode, d.Rationale,
		d.DecidedByUserID, formatTimestamp(d.DecidedAt), d.ProposalID)
	if err != nil {
		return fmt.Errorf("failed to decide proposal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 1 {
		return nil
	}
	return s.explainProposalConflict(ctx, q, d.ProposalID, "decide")
}

// explainProposalConflict turns a failed conditional write into NotFound or a
// conflict naming why the proposal can no longer change.
func (s *SQLiteStorage) explainProposalConflict(ctx context.Context, q queryable, id, action string) error {
	current, err := s.getProposalTx(ctx, q, id)
	if err != nil {
		return err
	}
	switch {
	case current.IsDecided():
		return common.NewConflictError("reimbursement_proposal", id,
			fmt.Sprintf("cannot %s: already %s", action, current.Status))
	case current.IsSuperseded():
		return common.NewConflictError("reimbursement_proposal", id,
			fmt.Sprintf("cannot %s: superseded by %s", action, current.SupersededByProposalID))
	}
	return common.NewConflictError("reimbursement_proposal", id,
		fmt.Sprintf("cannot %s: proposal belongs to another group", action))
}

func (s *SQLiteStorage) queryProposals(ctx context.Context, q queryable, query string, args ...any) ([]model.ReimbursementProposal, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query proposals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var proposals []model.ReimbursementProposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan proposal: %w", err)
		}
		proposals = append(proposals, p)
	}
	return proposals, rows.Err()
}

func scanProposal(row rowScanner) (model.ReimbursementProposal, error) {
	var (
		p            model.ReimbursementProposal
		relatedTxn   sql.NullString
		relatedSplit sql.NullString
		amount       string
		status       string
		source       string
		provenance   string
		supersedes   sql.NullString
		supersededBy sql.NullString
		decidedBy    sql.NullString
		decidedAt    sql.NullString
		createdAt    string
	)
	err := row.Scan(&p.ID, &p.IncomingTransactionID, &relatedTxn, &relatedSplit,
		&amount, &p.LifecycleGroupID, &p.LifecycleOrdinal, &status, &p.StatusReasonCode,
		&p.StatusRationale, &source, &provenance, &supersedes, &supersededBy,
		&decidedBy, &decidedAt, &createdAt)
	if err != nil {
		return p, err
	}

	if p.ProposedAmount, err = decimal.NewFromString(amount); err != nil {
		return p, fmt.Errorf("invalid stored amount %q: %w", amount, err)
	}
	if provenance != "" {
		if err := json.Unmarshal([]byte(provenance), &p.Provenance); err != nil {
			return p, fmt.Errorf("invalid stored provenance: %w", err)
		}
	}
	if decidedAt.Valid {
		at, err := parseTimestamp(decidedAt.String)
		if err != nil {
			return p, fmt.Errorf("invalid stored decided_at %q: %w", decidedAt.String, err)
		}
		p.DecidedAt = &at
	}
	if p.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return p, fmt.Errorf("invalid stored created_at %q: %w", createdAt, err)
	}

	p.RelatedTransactionID = relatedTxn.String
	p.RelatedSplitID = relatedSplit.String
	p.Status = model.ProposalStatus(status)
	p.Source = model.ProposalSource(source)
	p.SupersedesProposalID = supersedes.String
	p.SupersededByProposalID = supersededBy.String
	p.DecidedByUserID = decidedBy.String
	return p, nil
}
