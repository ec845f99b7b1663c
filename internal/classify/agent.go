package classify

import (
	"context"
	"fmt"

	"github.com/Veraticus/spice-ledger/internal/model"
	"github.com/Veraticus/spice-ledger/internal/service"
)

// AgentStage asks an external classifier, typically an LLM, for a candidate.
type AgentStage struct {
	agent service.AgentClassifier
}

// NewAgentStage wraps an agent capability as the final stage.
func NewAgentStage(agent service.AgentClassifier) *AgentStage {
	return &AgentStage{agent: agent}
}

// Name implements Stage.
func (s *AgentStage) Name() string { return "agent" }

// Source implements Attributed.
func (s *AgentStage) Source() model.AssignmentSource { return model.AssignedByAgent }

// Propose implements Stage. Only active subcategories are offered, and an
// answer naming anything else is treated as no candidate.
func (s *AgentStage) Propose(ctx context.Context, in Input) (Proposal, error) {
	active := activeSubcategories(in.Subcategories)
	offered := make([]model.Subcategory, 0, len(active))
	for _, sub := range in.Subcategories {
		if sub.IsActive {
			offered = append(offered, sub)
		}
	}

	answer, err := s.agent.ProposeClassification(ctx, service.AgentRequest{
		Transaction:   in.Transaction,
		Subcategories: offered,
		PriorStages:   in.PriorStages,
	})
	if err != nil {
		return Proposal{}, fmt.Errorf("agent classification failed: %w", err)
	}

	proposal := Proposal{
		Confidence:    answer.Confidence,
		RationaleCode: CodeAgentProposal,
		Rationale:     answer.Rationale,
		Note:          answer.Rationale,
	}
	switch {
	case answer.SubcategoryID == "":
		proposal.RationaleCode = CodeAgentNoCandidate
	case !isActive(active, answer.SubcategoryID):
		proposal.RationaleCode = CodeAgentUnknownTarget
		proposal.Rationale = fmt.Sprintf("agent proposed unknown subcategory %q: %s", answer.SubcategoryID, answer.Rationale)
	default:
		proposal.SubcategoryID = answer.SubcategoryID
	}
	return proposal, nil
}

func isActive(active map[string]model.Subcategory, id string) bool {
	_, ok := active[id]
	return ok
}
