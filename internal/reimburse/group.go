// Package reimburse manages reimbursement proposals: creation, revision by
// supersession, and the single irrevocable decision.
package reimburse

import (
	"fmt"
	"sort"

	"github.com/Veraticus/spice-ledger/internal/common"
	"github.com/Veraticus/spice-ledger/internal/model"
)

// Group is a lifecycle group loaded as an arena: proposals are held in ordinal
// order and revision links are resolved through the id index.
type Group struct {
	index     map[string]int
	ID        string
	proposals []model.ReimbursementProposal
}

// NewGroup builds an arena from the stored proposals of one group. Ordinals
// must be unique.
func NewGroup(id string, proposals []model.ReimbursementProposal) (*Group, error) {
	sorted := make([]model.ReimbursementProposal, len(proposals))
	copy(sorted, proposals)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].LifecycleOrdinal < sorted[j].LifecycleOrdinal
	})

	g := &Group{
		ID:        id,
		proposals: sorted,
		index:     make(map[string]int, len(sorted)),
	}
	for i, p := range sorted {
		if p.LifecycleGroupID != id {
			return nil, fmt.Errorf("proposal %s belongs to group %s, not %s", p.ID, p.LifecycleGroupID, id)
		}
		if i > 0 && sorted[i-1].LifecycleOrdinal == p.LifecycleOrdinal {
			return nil, fmt.Errorf("group %s has duplicate ordinal %d", id, p.LifecycleOrdinal)
		}
		g.index[p.ID] = i
	}
	return g, nil
}

// Len returns the number of proposals in the group.
func (g *Group) Len() int {
	return len(g.proposals)
}

// Proposals returns the group ordered by ordinal.
func (g *Group) Proposals() []model.ReimbursementProposal {
	out := make([]model.ReimbursementProposal, len(g.proposals))
	copy(out, g.proposals)
	return out
}

// Get looks up a proposal by id.
func (g *Group) Get(id string) (model.ReimbursementProposal, bool) {
	i, ok := g.index[id]
	if !ok {
		return model.ReimbursementProposal{}, false
	}
	return g.proposals[i], true
}

// NextOrdinal is the ordinal the next proposal of the group receives.
func (g *Group) NextOrdinal() int {
	if len(g.proposals) == 0 {
		return 1
	}
	return g.proposals[len(g.proposals)-1].LifecycleOrdinal + 1
}

// IncomingTransactionID is the transaction every proposal of the group claims.
func (g *Group) IncomingTransactionID() string {
	if len(g.proposals) == 0 {
		return ""
	}
	return g.proposals[0].IncomingTransactionID
}

// Pending returns the proposals that can still be decided.
func (g *Group) Pending() []model.ReimbursementProposal {
	var out []model.ReimbursementProposal
	for _, p := range g.proposals {
		if p.IsDecidable() {
			out = append(out, p)
		}
	}
	return out
}

// Chain returns the revision chain containing id, newest revision first.
// A cycle in the links is reported as a validation error.
func (g *Group) Chain(id string) ([]model.ReimbursementProposal, error) {
	start, ok := g.Get(id)
	if !ok {
		return nil, common.NewNotFoundError("reimbursement_proposal", id)
	}

	head := start
	seen := map[string]bool{head.ID: true}
	for head.SupersededByProposalID != "" {
		next, ok := g.Get(head.SupersededByProposalID)
		if !ok {
			break
		}
		if seen[next.ID] {
			return nil, common.NewValidationError("supersedes_proposal_id", "revision cycle through %s", next.ID)
		}
		seen[next.ID] = true
		head = next
	}

	chain := []model.ReimbursementProposal{head}
	seen = map[string]bool{head.ID: true}
	for cur := head; cur.SupersedesProposalID != ""; {
		prev, ok := g.Get(cur.SupersedesProposalID)
		if !ok {
			break
		}
		if seen[prev.ID] {
			return nil, common.NewValidationError("supersedes_proposal_id", "revision cycle through %s", prev.ID)
		}
		seen[prev.ID] = true
		chain = append(chain, prev)
		cur = prev
	}
	return chain, nil
}

// checkSupersede verifies that a new proposal may revise target.
func (g *Group) checkSupersede(targetID string) error {
	target, ok := g.Get(targetID)
	if !ok {
		return common.NewConflictError("reimbursement_proposal", targetID,
			fmt.Sprintf("not part of group %s", g.ID))
	}
	switch {
	case target.IsDecided():
		return common.NewConflictError("reimbursement_proposal", targetID,
			fmt.Sprintf("cannot supersede: already %s", target.Status))
	case target.IsSuperseded():
		return common.NewConflictError("reimbursement_proposal", targetID,
			fmt.Sprintf("cannot supersede: superseded by %s", target.SupersededByProposalID))
	}
	// The new proposal extends the chain ending at target; a chain that
	// already loops cannot be extended.
	_, err := g.Chain(targetID)
	return err
}
