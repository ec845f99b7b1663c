package reimburse

import (
	"testing"

	"github.com/Veraticus/spice-ledger/internal/common"
	"github.com/Veraticus/spice-ledger/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func revision(id string, ordinal int, supersedes, supersededBy string) model.ReimbursementProposal {
	return model.ReimbursementProposal{
		ID:                     id,
		IncomingTransactionID:  "payback",
		LifecycleGroupID:       "g1",
		LifecycleOrdinal:       ordinal,
		Status:                 model.ProposalProposed,
		SupersedesProposalID:   supersedes,
		SupersededByProposalID: supersededBy,
	}
}

func TestGroup_Chain(t *testing.T) {
	// p1 <- p2 <- p4, with p3 an unrelated alternate in the same group.
	g, err := NewGroup("g1", []model.ReimbursementProposal{
		revision("p4", 4, "p2", ""),
		revision("p1", 1, "", "p2"),
		revision("p3", 3, "", ""),
		revision("p2", 2, "p1", "p4"),
	})
	require.NoError(t, err)

	assert.Equal(t, 5, g.NextOrdinal())
	assert.Equal(t, "payback", g.IncomingTransactionID())
	ids := func(ps []model.ReimbursementProposal) []string {
		out := make([]string, len(ps))
		for i, p := range ps {
			out[i] = p.ID
		}
		return out
	}
	assert.Equal(t, []string{"p1", "p2", "p3", "p4"}, ids(g.Proposals()))
	assert.Equal(t, []string{"p3", "p4"}, ids(g.Pending()))

	for _, start := range []string{"p1", "p2", "p4"} {
		chain, err := g.Chain(start)
		require.NoError(t, err)
		assert.Equal(t, []string{"p4", "p2", "p1"}, ids(chain), "chain from %s", start)
	}

	chain, err := g.Chain("p3")
	require.NoError(t, err)
	assert.Equal(t, []string{"p3"}, ids(chain))

	_, err = g.Chain("nope")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestGroup_ChainCycle(t *testing.T) {
	g, err := NewGroup("g1", []model.ReimbursementProposal{
		revision("p1", 1, "p2", "p2"),
		revision("p2", 2, "p1", "p1"),
	})
	require.NoError(t, err)

	_, err = g.Chain("p1")
	assert.ErrorIs(t, err, common.ErrValidation)

	g, err = NewGroup("g1", []model.ReimbursementProposal{
		revision("p1", 1, "p2", ""),
		revision("p2", 2, "p1", ""),
	})
	require.NoError(t, err)
	assert.ErrorIs(t, g.checkSupersede("p2"), common.ErrValidation)
}

func TestNewGroup_RejectsInconsistentData(t *testing.T) {
	_, err := NewGroup("g1", []model.ReimbursementProposal{
		revision("p1", 1, "", ""),
		revision("p2", 1, "", ""),
	})
	assert.Error(t, err)

	foreign := revision("p1", 1, "", "")
	foreign.LifecycleGroupID = "g2"
	_, err = NewGroup("g1", []model.ReimbursementProposal{foreign})
	assert.Error(t, err)

	empty, err := NewGroup("g1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, empty.NextOrdinal())
}
