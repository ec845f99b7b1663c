package model

import (
	"fmt"
	"time"

	"github.com/Veraticus/spice-ledger/internal/common"
)

// DecisionKind is the closed set of classification decisions.
type DecisionKind int

// Decision kinds. The zero value is deliberately invalid.
const (
	decisionInvalid DecisionKind = iota
	DecisionAutoAssigned
	DecisionManuallyAssigned
	DecisionNeedsReview
)

// Decision codes as persisted.
const (
	CodeAutoAssigned     = "auto_assigned"
	CodeManuallyAssigned = "manually_assigned"
	CodeNeedsReview      = "needs_review"
)

// Decision is the final verdict of a classification outcome. It can only be
// built through AutoAssigned, ManuallyAssigned or NeedsReview, so an assigned
// decision always carries a subcategory and a review decision never does.
type Decision struct {
	subcategoryID string
	kind          DecisionKind
}

// AutoAssigned is the decision for a subcategory accepted by a pipeline stage.
func AutoAssigned(subcategoryID string) Decision {
	return Decision{kind: DecisionAutoAssigned, subcategoryID: subcategoryID}
}

// ManuallyAssigned is the decision recorded when a household user picks a subcategory.
func ManuallyAssigned(subcategoryID string) Decision {
	return Decision{kind: DecisionManuallyAssigned, subcategoryID: subcategoryID}
}

// NeedsReview is the decision when no stage produced an accepted candidate.
func NeedsReview() Decision {
	return Decision{kind: DecisionNeedsReview}
}

// Kind returns the decision kind.
func (d Decision) Kind() DecisionKind {
	return d.kind
}

// SubcategoryID returns the assigned subcategory, if any.
func (d Decision) SubcategoryID() (string, bool) {
	if d.kind == DecisionAutoAssigned || d.kind == DecisionManuallyAssigned {
		return d.subcategoryID, true
	}
	return "", false
}

// Code returns the persisted decision code.
func (d Decision) Code() string {
	switch d.kind {
	case DecisionAutoAssigned:
		return CodeAutoAssigned
	case DecisionManuallyAssigned:
		return CodeManuallyAssigned
	case DecisionNeedsReview:
		return CodeNeedsReview
	}
	return ""
}

// ReviewStatus returns the transaction review status implied by the decision.
func (d Decision) ReviewStatus() ReviewStatus {
	switch d.kind {
	case DecisionManuallyAssigned:
		return ReviewReviewed
	case DecisionNeedsReview:
		return ReviewNeedsReview
	}
	return ReviewNone
}

// ParseDecision rebuilds a decision from its persisted form.
func ParseDecision(code, subcategoryID string) (Decision, error) {
	switch code {
	case CodeAutoAssigned:
		if subcategoryID == "" {
			return Decision{}, fmt.Errorf("decision %s without subcategory", code)
		}
		return AutoAssigned(subcategoryID), nil
	case CodeManuallyAssigned:
		if subcategoryID == "" {
			return Decision{}, fmt.Errorf("decision %s without subcategory", code)
		}
		return ManuallyAssigned(subcategoryID), nil
	case CodeNeedsReview:
		return NeedsReview(), nil
	}
	return Decision{}, fmt.Errorf("unknown decision code %q", code)
}

// AssignmentSource attributes a classification to a stage or a person.
type AssignmentSource string

// Assignment sources.
const (
	AssignedByNone    AssignmentSource = "none"
	AssignedByRule    AssignmentSource = "rule"
	AssignedByHistory AssignmentSource = "history"
	AssignedByAgent   AssignmentSource = "agent"
	AssignedByManual  AssignmentSource = "manual"
)

// Decision reason codes.
const (
	ReasonStageAccepted       = "stage_accepted"
	ReasonEscalationExhausted = "escalation_exhausted"
	ReasonManualReview        = "manual_review"
)

// MaxStageOrder is the last stage a pipeline may have.
const MaxStageOrder = 3

// ClassificationStageOutput is what one stage contributed to an outcome.
type ClassificationStageOutput struct {
	StageName              string
	CandidateSubcategoryID string
	RationaleCode          string
	Rationale              string
	StageOrder             int
	Confidence             float64
	Accepted               bool
	EscalatedToNextStage   bool
}

// ClassificationOutcome is one immutable classification run. A correction is a
// new outcome; the current classification is the latest by CreatedAt.
type ClassificationOutcome struct {
	CreatedAt          time.Time
	Decision           Decision
	ID                 string
	TransactionID      string
	DecisionReasonCode string
	DecisionRationale  string
	AgentNoteSummary   string
	AssignmentSource   AssignmentSource
	AssignedBy         string
	InputFingerprint   string
	StageOutputs       []ClassificationStageOutput
	FinalConfidence    float64
}

// ReviewStatus returns the review status implied by the decision.
func (o *ClassificationOutcome) ReviewStatus() ReviewStatus {
	return o.Decision.ReviewStatus()
}

// Validate checks confidence bounds and the stage-order invariant.
func (o *ClassificationOutcome) Validate() error {
	var errs common.ValidationErrors
	if o.TransactionID == "" {
		errs.Add("transaction_id", "is required")
	}
	if o.Decision.Kind() == decisionInvalid {
		errs.Add("decision", "is required")
	}
	if o.FinalConfidence < 0 || o.FinalConfidence > 1 {
		errs.Add("final_confidence", "must be between 0 and 1")
	}
	for i, out := range o.StageOutputs {
		if out.StageOrder != i+1 {
			errs.Add(fmt.Sprintf("stage_outputs[%d].stage_order", i), "expected %d, got %d", i+1, out.StageOrder)
		}
		if out.StageOrder > MaxStageOrder {
			errs.Add(fmt.Sprintf("stage_outputs[%d].stage_order", i), "exceeds %d", MaxStageOrder)
		}
		if out.Confidence < 0 || out.Confidence > 1 {
			errs.Add(fmt.Sprintf("stage_outputs[%d].confidence", i), "must be between 0 and 1")
		}
		if out.EscalatedToNextStage && out.StageOrder >= MaxStageOrder {
			errs.Add(fmt.Sprintf("stage_outputs[%d].escalated_to_next_stage", i), "cannot escalate past stage %d", MaxStageOrder)
		}
	}
	return errs.Err()
}
