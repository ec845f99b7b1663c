// Package service defines the interfaces between the engine and its collaborators.
package service

import (
	"context"
	"time"

	"github.com/Veraticus/spice-ledger/internal/model"
)

// TransactionFilter defines filtering options for transaction queries.
type TransactionFilter struct {
	StartDate    *time.Time
	EndDate      *time.Time
	ReviewStatus *model.ReviewStatus
	HouseholdID  string
	Limit        int
	Offset       int
}

// TransactionStore persists enriched transactions. Transactions are never
// deleted; the engine only writes classification and recurring links.
type TransactionStore interface {
	SaveTransactions(ctx context.Context, transactions []model.EnrichedTransaction) error
	GetTransactionByID(ctx context.Context, id string) (*model.EnrichedTransaction, error)
	GetTransactions(ctx context.Context, filter TransactionFilter) ([]model.EnrichedTransaction, error)
	UpdateTransactionClassification(ctx context.Context, id, subcategoryID string, status model.ReviewStatus) error
	// LinkRecurringItem sets the recurring item only if the transaction is unlinked.
	LinkRecurringItem(ctx context.Context, transactionID, recurringItemID string) error
}

// RecurringStore persists recurring items.
type RecurringStore interface {
	CreateRecurringItem(ctx context.Context, item *model.RecurringItem) error
	UpdateRecurringItem(ctx context.Context, item *model.RecurringItem) error
	GetRecurringItem(ctx context.Context, id string) (*model.RecurringItem, error)
	GetRecurringItemsByHousehold(ctx context.Context, householdID string, includeInactive bool) ([]model.RecurringItem, error)
	DeactivateRecurringItem(ctx context.Context, id string) error
	// AdvanceRecurringItem moves next_due_date from expectedNextDue to newNextDue.
	// It fails with a conflict if the stored next_due_date is no longer expectedNextDue.
	AdvanceRecurringItem(ctx context.Context, id string, expectedNextDue, newNextDue, observedAt time.Time) error
}

// ClassificationStore persists append-only classification outcomes.
type ClassificationStore interface {
	SaveOutcome(ctx context.Context, outcome *model.ClassificationOutcome) error
	GetLatestOutcome(ctx context.Context, transactionID string) (*model.ClassificationOutcome, error)
	GetOutcomeHistory(ctx context.Context, transactionID string) ([]model.ClassificationOutcome, error)
	// GetHouseholdHistory returns the latest assigned classification per
	// transaction of the household, newest first.
	GetHouseholdHistory(ctx context.Context, householdID string, since time.Time, limit int) ([]HistoricalClassification, error)
}

// ReimbursementStore persists reimbursement proposals.
type ReimbursementStore interface {
	// CreateProposal inserts a proposal. When SupersedesProposalID is set the
	// superseded proposal is marked in the same write, conditional on it being
	// undecided and not yet superseded.
	CreateProposal(ctx context.Context, proposal *model.ReimbursementProposal) error
	GetProposal(ctx context.Context, id string) (*model.ReimbursementProposal, error)
	GetProposalGroup(ctx context.Context, groupID string) ([]model.ReimbursementProposal, error)
	GetProposalsByIncomingTransaction(ctx context.Context, transactionID string) ([]model.ReimbursementProposal, error)
	GetPendingProposals(ctx context.Context, householdID string) ([]model.ReimbursementProposal, error)
	// DecideProposal writes the terminal decision only if the proposal is
	// undecided and not superseded; otherwise it fails with a conflict.
	DecideProposal(ctx context.Context, decision ProposalDecision) error
}

// SubcategoryStore persists the subcategory catalog.
type SubcategoryStore interface {
	CreateSubcategory(ctx context.Context, sub *model.Subcategory) error
	GetSubcategories(ctx context.Context) ([]model.Subcategory, error)
	GetSubcategory(ctx context.Context, id string) (*model.Subcategory, error)
}

// RuleStore persists pattern rules.
type RuleStore interface {
	CreatePatternRule(ctx context.Context, rule *model.PatternRule) error
	GetActivePatternRules(ctx context.Context, householdID string) ([]model.PatternRule, error)
	DeletePatternRule(ctx context.Context, id int) error
}

// Storage defines the contract for our persistence layer.
type Storage interface {
	TransactionStore
	RecurringStore
	ClassificationStore
	ReimbursementStore
	SubcategoryStore
	RuleStore

	// Database management
	Migrate(ctx context.Context) error
	BeginTx(ctx context.Context) (Transaction, error)
	Close() error
}

// Transaction represents a database transaction.
type Transaction interface {
	Commit() error
	Rollback() error
	// Include all Storage methods for use within transaction
	Storage
}

// ProposalDecision is the terminal write applied to a proposal.
type ProposalDecision struct {
	DecidedAt       time.Time
	ProposalID      string
	Status          model.ProposalStatus
	ReasonCode      string
	Rationale       string
	DecidedByUserID string
}

// HistoricalClassification is a prior classification used for similarity staging.
type HistoricalClassification struct {
	Date          time.Time
	TransactionID string
	Merchant      string
	Description   string
	SubcategoryID string
	Amount        float64
}

// AccessScope is the opaque authorization boundary owned by the host system.
// The engine consults it before reading transactions or recurring items.
type AccessScope interface {
	CanAccessTransaction(ctx context.Context, txn model.EnrichedTransaction) (bool, error)
	FilterRecurringItems(ctx context.Context, householdID string, items []model.RecurringItem) ([]model.RecurringItem, error)
}

// AllowAll is an AccessScope that permits everything, for single-household use.
type AllowAll struct{}

// CanAccessTransaction always allows access.
func (AllowAll) CanAccessTransaction(context.Context, model.EnrichedTransaction) (bool, error) {
	return true, nil
}

// FilterRecurringItems returns items unchanged.
func (AllowAll) FilterRecurringItems(_ context.Context, _ string, items []model.RecurringItem) ([]model.RecurringItem, error) {
	return items, nil
}

// AgentRequest is what the optional agent stage receives.
type AgentRequest struct {
	Transaction   model.EnrichedTransaction
	Subcategories []model.Subcategory
	PriorStages   []model.ClassificationStageOutput
}

// AgentProposal is the agent's answer. SubcategoryID is empty when the agent
// has no candidate.
type AgentProposal struct {
	SubcategoryID string
	Rationale     string
	Confidence    float64
}

// AgentClassifier is the black-box capability behind the third classification stage.
type AgentClassifier interface {
	ProposeClassification(ctx context.Context, req AgentRequest) (AgentProposal, error)
}
