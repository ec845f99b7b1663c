package service

import (
	"time"

	"github.com/Veraticus/spice-ledger/internal/model"
)

// RecurringMatchDTO is the boundary shape of a recurring match decision.
// Score is null when the transaction was already linked.
type RecurringMatchDTO struct {
	MatchedRecurringItemID   *string  `json:"matchedRecurringItemId"`
	RecurringItemNextDueDate *string  `json:"recurringItemNextDueDate"`
	Score                    *float64 `json:"score"`
	TransactionID            string   `json:"transactionId"`
	ScoreVersion             string   `json:"scoreVersion"`
	TieBreakApplied          bool     `json:"tieBreakApplied"`
	AlreadyLinked            bool     `json:"alreadyLinked"`
}

// StageOutputDTO is one stage of a classification outcome.
type StageOutputDTO struct {
	CandidateSubcategoryID *string `json:"candidateSubcategoryId"`
	StageName              string  `json:"stageName"`
	RationaleCode          string  `json:"rationaleCode"`
	Rationale              string  `json:"rationale"`
	StageOrder             int     `json:"stageOrder"`
	Confidence             float64 `json:"confidence"`
	Accepted               bool    `json:"accepted"`
	EscalatedToNextStage   bool    `json:"escalatedToNextStage"`
}

// ClassificationOutcomeDTO is the boundary shape of a classification outcome.
type ClassificationOutcomeDTO struct {
	CreatedAt             time.Time        `json:"createdAtUtc"`
	ProposedSubcategoryID *string          `json:"proposedSubcategoryId"`
	AgentNoteSummary      *string          `json:"agentNoteSummary"`
	ID                    string           `json:"id"`
	TransactionID         string           `json:"transactionId"`
	Decision              string           `json:"decision"`
	ReviewStatus          string           `json:"reviewStatus"`
	DecisionReasonCode    string           `json:"decisionReasonCode"`
	DecisionRationale     string           `json:"decisionRationale"`
	AssignmentSource      string           `json:"assignmentSource"`
	AssignedBy            string           `json:"assignedBy,omitempty"`
	StageOutputs          []StageOutputDTO `json:"stageOutputs"`
	FinalConfidence       float64          `json:"finalConfidence"`
}

// ReimbursementProposalDTO is the boundary shape of a reimbursement proposal.
type ReimbursementProposalDTO struct {
	DecisionedAtUTC           *time.Time       `json:"decisionedAtUtc"`
	RelatedTransactionID      *string          `json:"relatedTransactionId"`
	RelatedTransactionSplitID *string          `json:"relatedTransactionSplitId"`
	SupersedesProposalID      *string          `json:"supersedesProposalId"`
	SupersededByProposalID    *string          `json:"supersededByProposalId"`
	DecisionedByUserID        *string          `json:"decisionedByUserId"`
	CreatedAt                 time.Time        `json:"createdAtUtc"`
	ID                        string           `json:"id"`
	IncomingTransactionID     string           `json:"incomingTransactionId"`
	ProposedAmount            string           `json:"proposedAmount"`
	LifecycleGroupID          string           `json:"lifecycleGroupId"`
	Status                    string           `json:"status"`
	StatusReasonCode          string           `json:"statusReasonCode"`
	StatusRationale           string           `json:"statusRationale"`
	Source                    string           `json:"source"`
	Provenance                model.Provenance `json:"provenance"`
	LifecycleOrdinal          int              `json:"lifecycleOrdinal"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// NewClassificationOutcomeDTO converts an outcome for output.
func NewClassificationOutcomeDTO(o *model.ClassificationOutcome) ClassificationOutcomeDTO {
	subcategoryID, _ := o.Decision.SubcategoryID()
	dto := ClassificationOutcomeDTO{
		ID:                    o.ID,
		TransactionID:         o.TransactionID,
		ProposedSubcategoryID: optional(subcategoryID),
		FinalConfidence:       o.FinalConfidence,
		Decision:              o.Decision.Code(),
		ReviewStatus:          string(o.ReviewStatus()),
		DecisionReasonCode:    o.DecisionReasonCode,
		DecisionRationale:     o.DecisionRationale,
		AgentNoteSummary:      optional(o.AgentNoteSummary),
		AssignmentSource:      string(o.AssignmentSource),
		AssignedBy:            o.AssignedBy,
		CreatedAt:             o.CreatedAt.UTC(),
		StageOutputs:          make([]StageOutputDTO, len(o.StageOutputs)),
	}
	for i, s := range o.StageOutputs {
		dto.StageOutputs[i] = StageOutputDTO{
			StageName:              s.StageName,
			StageOrder:             s.StageOrder,
			CandidateSubcategoryID: optional(s.CandidateSubcategoryID),
			Confidence:             s.Confidence,
			RationaleCode:          s.RationaleCode,
			Rationale:              s.Rationale,
			Accepted:               s.Accepted,
			EscalatedToNextStage:   s.EscalatedToNextStage,
		}
	}
	return dto
}

// NewReimbursementProposalDTO converts a proposal for output.
func NewReimbursementProposalDTO(p *model.ReimbursementProposal) ReimbursementProposalDTO {
	dto := ReimbursementProposalDTO{
		ID:                        p.ID,
		IncomingTransactionID:     p.IncomingTransactionID,
		RelatedTransactionID:      optional(p.RelatedTransactionID),
		RelatedTransactionSplitID: optional(p.RelatedSplitID),
		ProposedAmount:            p.ProposedAmount.String(),
		LifecycleGroupID:          p.LifecycleGroupID,
		LifecycleOrdinal:          p.LifecycleOrdinal,
		Status:                    string(p.Status),
		StatusReasonCode:          p.StatusReasonCode,
		StatusRationale:           p.StatusRationale,
		Source:                    string(p.Source),
		Provenance:                p.Provenance,
		SupersedesProposalID:      optional(p.SupersedesProposalID),
		SupersededByProposalID:    optional(p.SupersededByProposalID),
		DecisionedByUserID:        optional(p.DecidedByUserID),
		CreatedAt:                 p.CreatedAt.UTC(),
	}
	if p.DecidedAt != nil {
		at := p.DecidedAt.UTC()
		dto.DecisionedAtUTC = &at
	}
	return dto
}
