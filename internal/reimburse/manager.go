package reimburse

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Veraticus/spice-ledger/internal/common"
	"github.com/Veraticus/spice-ledger/internal/model"
	"github.com/Veraticus/spice-ledger/internal/service"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CreateRequest describes a new proposal. An empty LifecycleGroupID starts a
// new group unless SupersedesProposalID names a proposal whose group is reused.
type CreateRequest struct {
	ProposedAmount        decimal.Decimal
	IncomingTransactionID string
	RelatedTransactionID  string
	RelatedSplitID        string
	LifecycleGroupID      string
	SupersedesProposalID  string
	Source                model.ProposalSource
	Rationale             string
	Provenance            model.Provenance
}

// DecideRequest is a household user's verdict on a proposal.
type DecideRequest struct {
	ProposalID    string
	Action        model.DecisionAction
	DeciderUserID string
	Rationale     string
}

// Manager creates and decides reimbursement proposals.
type Manager struct {
	store service.Storage
	now   func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the clock used for creation and decision timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a lifecycle manager.
func NewManager(store service.Storage, opts ...Option) *Manager {
	m := &Manager{store: store, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (r *CreateRequest) validate() error {
	var errs common.ValidationErrors
	if strings.TrimSpace(r.IncomingTransactionID) == "" {
		errs.Add("incoming_transaction_id", "is required")
	}
	if !r.ProposedAmount.IsPositive() {
		errs.Add("proposed_amount", "must be greater than zero")
	}
	if r.RelatedSplitID != "" && r.RelatedTransactionID == "" {
		errs.Add("related_split_id", "requires related_transaction_id")
	}
	if r.RelatedTransactionID != "" && r.RelatedTransactionID == r.IncomingTransactionID {
		errs.Add("related_transaction_id", "must differ from the incoming transaction")
	}
	if r.Source != "" && !r.Source.Valid() {
		errs.Add("source", "unknown value %q", r.Source)
	}
	return errs.Err()
}

// Create validates the request and stores a new proposal. Supersession marks
// the revised proposal in the same storage transaction, so a concurrent
// decision on it makes exactly one of the two writes fail.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (_ *model.ReimbursementProposal, err error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.Source == "" {
		req.Source = model.SourceManual
	}

	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				slog.Warn("Rollback failed", "error", rbErr)
			}
		}
	}()

	if err = checkReferences(ctx, tx, req); err != nil {
		return nil, err
	}

	groupID := req.LifecycleGroupID
	if groupID == "" && req.SupersedesProposalID != "" {
		target, err := tx.GetProposal(ctx, req.SupersedesProposalID)
		if err != nil {
			return nil, err
		}
		groupID = target.LifecycleGroupID
	}

	proposal := &model.ReimbursementProposal{
		ID:                    uuid.NewString(),
		IncomingTransactionID: req.IncomingTransactionID,
		RelatedTransactionID:  req.RelatedTransactionID,
		RelatedSplitID:        req.RelatedSplitID,
		ProposedAmount:        req.ProposedAmount,
		Status:                model.ProposalProposed,
		StatusReasonCode:      model.ReasonProposed,
		StatusRationale:       req.Rationale,
		Source:                req.Source,
		Provenance:            req.Provenance,
		SupersedesProposalID:  req.SupersedesProposalID,
		CreatedAt:             m.now().UTC(),
	}
	if proposal.Provenance.SourceTag == "" {
		proposal.Provenance.SourceTag = string(req.Source)
	}

	if groupID == "" {
		proposal.LifecycleGroupID = uuid.NewString()
		proposal.LifecycleOrdinal = 1
	} else {
		group, err := loadGroup(ctx, tx, groupID)
		if err != nil {
			return nil, err
		}
		if group.IncomingTransactionID() != req.IncomingTransactionID {
			return nil, common.NewValidationError("lifecycle_group_id",
				"group %s belongs to incoming transaction %s", groupID, group.IncomingTransactionID())
		}
		if req.SupersedesProposalID != "" {
			if err := group.checkSupersede(req.SupersedesProposalID); err != nil {
				return nil, err
			}
			proposal.StatusReasonCode = model.ReasonRevision
		}
		proposal.LifecycleGroupID = groupID
		proposal.LifecycleOrdinal = group.NextOrdinal()
	}

	if err = tx.CreateProposal(ctx, proposal); err != nil {
		return nil, fmt.Errorf("failed to create proposal: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit proposal: %w", err)
	}

	slog.Info("Created reimbursement proposal",
		"proposal_id", proposal.ID,
		"incoming_transaction_id", proposal.IncomingTransactionID,
		"group", proposal.LifecycleGroupID,
		"ordinal", proposal.LifecycleOrdinal,
		"supersedes", proposal.SupersedesProposalID,
		"amount", proposal.ProposedAmount.String())
	return proposal, nil
}

func checkReferences(ctx context.Context, store service.Storage, req CreateRequest) error {
	incoming, err := store.GetTransactionByID(ctx, req.IncomingTransactionID)
	if err != nil {
		return err
	}
	if req.RelatedTransactionID == "" {
		return nil
	}
	related, err := store.GetTransactionByID(ctx, req.RelatedTransactionID)
	if err != nil {
		return err
	}
	if related.HouseholdID != incoming.HouseholdID {
		return common.NewValidationError("related_transaction_id", "belongs to another household")
	}
	if req.RelatedSplitID != "" {
		if _, ok := related.FindSplit(req.RelatedSplitID); !ok {
			return common.NewNotFoundError("transaction_split", req.RelatedSplitID)
		}
	}
	return nil
}

func loadGroup(ctx context.Context, store service.ReimbursementStore, groupID string) (*Group, error) {
	proposals, err := store.GetProposalGroup(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to load group %s: %w", groupID, err)
	}
	if len(proposals) == 0 {
		return nil, common.NewNotFoundError("reimbursement_group", groupID)
	}
	return NewGroup(groupID, proposals)
}

// Decide applies the terminal transition. It succeeds at most once per
// proposal; every later call gets a conflict whatever its action.
func (m *Manager) Decide(ctx context.Context, req DecideRequest) (*model.ReimbursementProposal, error) {
	var errs common.ValidationErrors
	if strings.TrimSpace(req.ProposalID) == "" {
		errs.Add("proposal_id", "is required")
	}
	if strings.TrimSpace(req.DeciderUserID) == "" {
		errs.Add("decider_user_id", "is required")
	}
	status, ok := req.Action.Status()
	if !ok {
		errs.Add("action", "must be approve or reject, got %q", req.Action)
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}

	reason := model.ReasonApproved
	if status == model.ProposalRejected {
		reason = model.ReasonRejected
	}

	err := m.store.DecideProposal(ctx, service.ProposalDecision{
		ProposalID:      req.ProposalID,
		Status:          status,
		ReasonCode:      reason,
		Rationale:       req.Rationale,
		DecidedByUserID: req.DeciderUserID,
		DecidedAt:       m.now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Decided reimbursement proposal",
		"proposal_id", req.ProposalID,
		"status", status,
		"decider", req.DeciderUserID)
	return m.store.GetProposal(ctx, req.ProposalID)
}

// Get returns a proposal by id.
func (m *Manager) Get(ctx context.Context, id string) (*model.ReimbursementProposal, error) {
	return m.store.GetProposal(ctx, id)
}

// Group loads a lifecycle group.
func (m *Manager) Group(ctx context.Context, groupID string) (*Group, error) {
	return loadGroup(ctx, m.store, groupID)
}

// ForIncoming lists every proposal that claims transactionID as the reimbursement.
func (m *Manager) ForIncoming(ctx context.Context, transactionID string) ([]model.ReimbursementProposal, error) {
	return m.store.GetProposalsByIncomingTransaction(ctx, transactionID)
}

// ListPending returns the household's proposals awaiting a decision.
func (m *Manager) ListPending(ctx context.Context, householdID string) ([]model.ReimbursementProposal, error) {
	if strings.TrimSpace(householdID) == "" {
		return nil, common.NewValidationError("household_id", "is required")
	}
	return m.store.GetPendingProposals(ctx, householdID)
}
