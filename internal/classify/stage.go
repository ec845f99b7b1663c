// Package classify assigns subcategories to transactions through an ordered
// pipeline of confidence-scored stages.
package classify

import (
	"context"

	"github.com/Veraticus/spice-ledger/internal/model"
	"github.com/Veraticus/spice-ledger/internal/service"
)

// Rationale codes recorded on stage outputs.
const (
	CodeRuleMatched         = "rule_matched"
	CodeNoRuleMatched       = "no_rule_matched"
	CodeHistorySimilarity   = "history_similarity"
	CodeInsufficientHistory = "insufficient_history"
	CodeAgentProposal       = "agent_proposal"
	CodeAgentNoCandidate    = "agent_no_candidate"
	CodeAgentUnknownTarget  = "agent_unknown_subcategory"
	CodeStageFailed         = "stage_failed"
)

// Input is everything a stage may consult.
type Input struct {
	Transaction   model.EnrichedTransaction
	History       []service.HistoricalClassification
	Subcategories []model.Subcategory
	// PriorStages holds the outputs already recorded in this run.
	PriorStages []model.ClassificationStageOutput
}

// Proposal is a stage's candidate. An empty SubcategoryID means no candidate.
type Proposal struct {
	SubcategoryID string
	RationaleCode string
	Rationale     string
	// Note is a human-safe summary surfaced on the outcome.
	Note       string
	Confidence float64
}

// HasCandidate reports whether the stage named a subcategory.
func (p Proposal) HasCandidate() bool {
	return p.SubcategoryID != ""
}

// Stage proposes a subcategory and confidence for a transaction.
type Stage interface {
	Name() string
	Propose(ctx context.Context, in Input) (Proposal, error)
}

// Attributed is implemented by stages that report the assignment source used
// when their candidate is adopted.
type Attributed interface {
	Source() model.AssignmentSource
}

func sourceOf(s Stage) model.AssignmentSource {
	if a, ok := s.(Attributed); ok {
		return a.Source()
	}
	return model.AssignedByNone
}

// activeSubcategories indexes the usable part of the catalog.
func activeSubcategories(subs []model.Subcategory) map[string]model.Subcategory {
	active := make(map[string]model.Subcategory, len(subs))
	for _, s := range subs {
		if s.IsActive {
			active[s.ID] = s
		}
	}
	return active
}
