package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Veraticus/spice-ledger/internal/common"
	"github.com/Veraticus/spice-ledger/internal/model"
	"github.com/Veraticus/spice-ledger/internal/service"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedProposalTransactions(t *testing.T, store *SQLiteStorage) {
	t.Helper()
	refund := testTransaction("refund", "-30.00", "2024-03-20")
	refund.MerchantName = "Venmo"
	require.NoError(t, store.SaveTransactions(context.Background(), []model.EnrichedTransaction{
		testTransaction("dinner", "60.00", "2024-03-10"),
		refund,
	}))
}

func testProposal(id, group string, ordinal int, supersedes string) *model.ReimbursementProposal {
	reason := model.ReasonProposed
	if supersedes != "" {
		reason = model.ReasonRevision
	}
	return &model.ReimbursementProposal{
		ID:                    id,
		IncomingTransactionID: "refund",
		RelatedTransactionID:  "dinner",
		ProposedAmount:        decimal.RequireFromString("30.00"),
		LifecycleGroupID:      group,
		LifecycleOrdinal:      ordinal,
		Status:                model.ProposalProposed,
		StatusReasonCode:      reason,
		Source:                model.SourceManual,
		SupersedesProposalID:  supersedes,
		Provenance: model.Provenance{
			SourceTag: "cli",
			Payload:   json.RawMessage(`{"note":"split dinner"}`),
		},
	}
}

func TestSQLiteStorage_ProposalSupersede(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()
	seedProposalTransactions(t, store)

	require.NoError(t, store.CreateProposal(ctx, testProposal("p1", "g1", 1, "")))
	require.NoError(t, store.CreateProposal(ctx, testProposal("p2", "g1", 2, "p1")))

	p1, err := store.GetProposal(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "p2", p1.SupersededByProposalID)
	assert.Equal(t, model.ReasonSuperseded, p1.StatusReasonCode)
	assert.False(t, p1.IsDecidable())

	p2, err := store.GetProposal(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, "p1", p2.SupersedesProposalID)
	assert.Equal(t, "cli", p2.Provenance.SourceTag)
	assert.JSONEq(t, `{"note":"split dinner"}`, string(p2.Provenance.Payload))

	// The marker is write-once: a second revision of p1 is refused and leaves no row.
	err = store.CreateProposal(ctx, testProposal("p3", "g1", 3, "p1"))
	assertConflict(t, err)
	_, err = store.GetProposal(ctx, "p3")
	assertNotFound(t, err)

	group, err := store.GetProposalGroup(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, group, 2)
	assert.Equal(t, 1, group[0].LifecycleOrdinal)
	assert.Equal(t, 2, group[1].LifecycleOrdinal)
}

func TestSQLiteStorage_ProposalOrdinalUnique(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()
	seedProposalTransactions(t, store)

	require.NoError(t, store.CreateProposal(ctx, testProposal("p1", "g1", 1, "")))
	assertConflict(t, store.CreateProposal(ctx, testProposal("p2", "g1", 1, "")))
}

func TestSQLiteStorage_OneAutomaticGroupPerIncoming(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()
	seedProposalTransactions(t, store)

	auto := func(id, group string) *model.ReimbursementProposal {
		p := testProposal(id, group, 1, "")
		p.Source = model.SourceDeterministic
		return p
	}
	require.NoError(t, store.CreateProposal(ctx, auto("p1", "g1")))

	err := store.CreateProposal(ctx, auto("p2", "g2"))
	assertConflict(t, err)
	var conflict *common.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "transaction", conflict.Resource)
	assert.Equal(t, "refund", conflict.ID)

	// Manual groups and revisions of the automatic group stay allowed.
	require.NoError(t, store.CreateProposal(ctx, testProposal("p3", "g3", 1, "")))
	require.NoError(t, store.CreateProposal(ctx, testProposal("p4", "g1", 2, "p1")))

	byIncoming, err := store.GetProposalsByIncomingTransaction(ctx, "refund")
	require.NoError(t, err)
	assert.Len(t, byIncoming, 3)
}

func TestSQLiteStorage_DecideProposal(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()
	seedProposalTransactions(t, store)

	require.NoError(t, store.CreateProposal(ctx, testProposal("p1", "g1", 1, "")))
	require.NoError(t, store.CreateProposal(ctx, testProposal("p2", "g1", 2, "p1")))

	at := time.Date(2024, 3, 21, 12, 0, 0, 0, time.UTC)
	decision := service.ProposalDecision{
		ProposalID:      "p2",
		Status:          model.ProposalApproved,
		ReasonCode:      model.ReasonApproved,
		Rationale:       "confirmed with roommate",
		DecidedByUserID: "user-1",
		DecidedAt:       at,
	}
	require.NoError(t, store.DecideProposal(ctx, decision))

	p2, err := store.GetProposal(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, model.ProposalApproved, p2.Status)
	assert.Equal(t, "user-1", p2.DecidedByUserID)
	require.NotNil(t, p2.DecidedAt)
	assert.True(t, at.Equal(*p2.DecidedAt))

	// Terminal states never change.
	decision.Status = model.ProposalRejected
	err = store.DecideProposal(ctx, decision)
	assertConflict(t, err)
	assert.Contains(t, err.Error(), "already approved")

	// Superseded proposals cannot be decided.
	decision.ProposalID = "p1"
	err = store.DecideProposal(ctx, decision)
	assertConflict(t, err)
	assert.Contains(t, err.Error(), "superseded by p2")

	decision.ProposalID = "missing"
	assertNotFound(t, store.DecideProposal(ctx, decision))

	decision.Status = model.ProposalProposed
	assert.ErrorIs(t, store.DecideProposal(ctx, decision), ErrInvalidProposal)
}

func TestSQLiteStorage_PendingProposals(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()
	seedProposalTransactions(t, store)

	require.NoError(t, store.CreateProposal(ctx, testProposal("p1", "g1", 1, "")))
	require.NoError(t, store.CreateProposal(ctx, testProposal("p2", "g1", 2, "p1")))
	require.NoError(t, store.CreateProposal(ctx, testProposal("p3", "g2", 1, "")))
	require.NoError(t, store.DecideProposal(ctx, service.ProposalDecision{
		ProposalID:      "p3",
		Status:          model.ProposalRejected,
		ReasonCode:      model.ReasonRejected,
		DecidedByUserID: "user-1",
		DecidedAt:       time.Now(),
	}))

	pending, err := store.GetPendingProposals(ctx, "hh1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "p2", pending[0].ID)

	none, err := store.GetPendingProposals(ctx, "hh2")
	require.NoError(t, err)
	assert.Empty(t, none)

	byIncoming, err := store.GetProposalsByIncomingTransaction(ctx, "refund")
	require.NoError(t, err)
	assert.Len(t, byIncoming, 3)
}
