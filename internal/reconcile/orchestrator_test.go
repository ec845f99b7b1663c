package reconcile

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/Veraticus/spice-ledger/internal/classify"
	"github.com/Veraticus/spice-ledger/internal/common"
	"github.com/Veraticus/spice-ledger/internal/model"
	"github.com/Veraticus/spice-ledger/internal/recurring"
	"github.com/Veraticus/spice-ledger/internal/reimburse"
	"github.com/Veraticus/spice-ledger/internal/service"
	"github.com/Veraticus/spice-ledger/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newOrchestrator(t *testing.T, db *testutil.TestDB, scope service.AccessScope, cfg Config) *Orchestrator {
	t.Helper()
	pipeline, err := classify.NewStandardPipeline(db.Storage, nil, classify.DefaultThresholds())
	require.NoError(t, err)
	return New(db.Storage, scope,
		recurring.NewService(db.Storage, scope),
		classify.NewService(db.Storage, pipeline),
		reimburse.NewManager(db.Storage),
		cfg)
}

func reimbursementConfig() Config {
	return Config{
		ReimbursementSubcategories: []string{"reimbursement"},
		ReimbursementKeywords:      []string{"Venmo", "refund"},
		AutoPropose:                true,
	}
}

func seedHousehold(db *testutil.TestDB) {
	db.MustCreateItems(testutil.ElectricBill())
	db.MustCreateRules(
		model.PatternRule{
			HouseholdID: testutil.Household, Name: "power", MerchantPattern: "city power",
			SubcategoryID: "utilities", Confidence: 0.95, IsActive: true,
		},
		model.PatternRule{
			HouseholdID: testutil.Household, Name: "expense reimbursement", MerchantPattern: "acme payroll reimb",
			Direction: func() *model.FlowDirection { d := model.DirectionInflow; return &d }(),
			SubcategoryID: "reimbursement", Confidence: 0.95, IsActive: true,
		},
	)

	dinner := testutil.Transaction("dinner", "Trattoria Roma", "60.00", "2024-03-01")
	dinner.Splits = []model.TransactionSplit{
		{ID: "mine", Amount: decimal.RequireFromString("35.00"), AmortizationMonths: 1},
		{ID: "friend", Amount: decimal.RequireFromString("25.00"), AmortizationMonths: 1},
	}
	db.MustSaveTransactions(
		testutil.Transaction("txn1", "City Power", "52.10", "2024-03-14"),
		dinner,
		testutil.Transaction("payback", "Venmo from Sam", "-25.00", "2024-03-04"),
		testutil.Transaction("hotel", "Harbor Hotel", "45.00", "2024-02-20"),
		testutil.Transaction("expense", "Acme Payroll Reimb", "-45.00", "2024-03-10"),
		testutil.Transaction("gift", "Venmo from Grandma", "-99.00", "2024-03-10"),
	)
}

func TestOrchestrator_RecurringAndClassification(t *testing.T) {
	db := testutil.SetupTestDB(t, testutil.StandardSubcategories()...)
	seedHousehold(db)
	o := newOrchestrator(t, db, nil, reimbursementConfig())
	ctx := context.Background()

	result, err := o.Reconcile(ctx, "txn1")
	require.NoError(t, err)

	assert.Equal(t, "power", result.Match.MatchedItemID)
	require.NotNil(t, result.Match.NextDueDate)
	assert.Equal(t, "2024-04-15", result.Match.NextDueDate.Format(model.DateLayout))

	require.NotNil(t, result.Classification)
	id, ok := result.Classification.Decision.SubcategoryID()
	require.True(t, ok)
	assert.Equal(t, "utilities", id)

	assert.Nil(t, result.Reimbursement)
	assert.Nil(t, result.Proposal)

	txn := db.MustGetTransaction("txn1")
	assert.Equal(t, "power", txn.RecurringItemID)
	assert.Equal(t, "utilities", txn.SubcategoryID)

	// Running again reuses everything.
	again, err := o.Reconcile(ctx, "txn1")
	require.NoError(t, err)
	assert.True(t, again.Match.AlreadyLinked)
	assert.Equal(t, result.Classification.ID, again.Classification.ID)
}

func TestOrchestrator_ProposesReimbursementBySplit(t *testing.T) {
	db := testutil.SetupTestDB(t, testutil.StandardSubcategories()...)
	seedHousehold(db)
	o := newOrchestrator(t, db, nil, reimbursementConfig())
	ctx := context.Background()

	result, err := o.Reconcile(ctx, "payback")
	require.NoError(t, err)

	require.NotNil(t, result.Reimbursement)
	assert.Equal(t, HintKeyword, result.Reimbursement.Reason)
	assert.Equal(t, "venmo", result.Reimbursement.Keyword)

	require.NotNil(t, result.Proposal)
	p := result.Proposal
	assert.Equal(t, "dinner", p.RelatedTransactionID)
	assert.Equal(t, "friend", p.RelatedSplitID)
	assert.True(t, p.ProposedAmount.Equal(decimal.RequireFromString("25.00")))
	assert.Equal(t, model.SourceDeterministic, p.Source)
	assert.Equal(t, result.Classification.ID, p.Provenance.Reference)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(p.Provenance.Payload, &payload))
	assert.Equal(t, HintKeyword, payload["reason"])

	// A second run never proposes twice.
	again, err := o.Reconcile(ctx, "payback")
	require.NoError(t, err)
	assert.NotNil(t, again.Reimbursement)
	assert.Nil(t, again.Proposal)

	proposals, err := db.Storage.GetProposalsByIncomingTransaction(ctx, "payback")
	require.NoError(t, err)
	assert.Len(t, proposals, 1)
}

func TestOrchestrator_HintFromSubcategory(t *testing.T) {
	db := testutil.SetupTestDB(t, testutil.StandardSubcategories()...)
	seedHousehold(db)
	cfg := reimbursementConfig()
	cfg.AutoPropose = false
	o := newOrchestrator(t, db, nil, cfg)

	result, err := o.Reconcile(context.Background(), "expense")
	require.NoError(t, err)
	require.NotNil(t, result.Reimbursement)
	assert.Equal(t, HintSubcategory, result.Reimbursement.Reason)
	assert.Equal(t, "reimbursement", result.Reimbursement.SubcategoryID)
	assert.Nil(t, result.Proposal)
}

func TestOrchestrator_WholeTransactionMatch(t *testing.T) {
	db := testutil.SetupTestDB(t, testutil.StandardSubcategories()...)
	seedHousehold(db)
	o := newOrchestrator(t, db, nil, reimbursementConfig())

	result, err := o.Reconcile(context.Background(), "expense")
	require.NoError(t, err)
	require.NotNil(t, result.Proposal)
	assert.Equal(t, "hotel", result.Proposal.RelatedTransactionID)
	assert.Empty(t, result.Proposal.RelatedSplitID)
}

func TestOrchestrator_NoCandidateNoProposal(t *testing.T) {
	db := testutil.SetupTestDB(t, testutil.StandardSubcategories()...)
	seedHousehold(db)
	o := newOrchestrator(t, db, nil, reimbursementConfig())

	result, err := o.Reconcile(context.Background(), "gift")
	require.NoError(t, err)
	require.NotNil(t, result.Reimbursement)
	assert.Nil(t, result.Proposal)
	assert.Equal(t, model.DecisionNeedsReview, result.Classification.Decision.Kind())
}

type denyAll struct{ service.AllowAll }

func (denyAll) CanAccessTransaction(context.Context, model.EnrichedTransaction) (bool, error) {
	return false, nil
}

func TestOrchestrator_NotFound(t *testing.T) {
	db := testutil.SetupTestDB(t, testutil.StandardSubcategories()...)
	seedHousehold(db)
	ctx := context.Background()

	_, err := newOrchestrator(t, db, nil, reimbursementConfig()).Reconcile(ctx, "missing")
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = newOrchestrator(t, db, denyAll{}, reimbursementConfig()).Reconcile(ctx, "txn1")
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.Empty(t, db.MustGetTransaction("txn1").RecurringItemID)
}

func TestOrchestrator_ReconcileBatch(t *testing.T) {
	db := testutil.SetupTestDB(t, testutil.StandardSubcategories()...)
	seedHousehold(db)
	o := newOrchestrator(t, db, nil, reimbursementConfig())

	var calls [][2]int
	batch, err := o.ReconcileBatch(context.Background(), []string{"txn1", "missing", "payback"}, func(done, total int) {
		calls = append(calls, [2]int{done, total})
	})
	require.NoError(t, err)

	require.Len(t, batch.Results, 2)
	assert.Equal(t, "txn1", batch.Results[0].TransactionID)
	assert.Equal(t, "payback", batch.Results[1].TransactionID)
	require.Len(t, batch.Failures, 1)
	assert.Equal(t, "missing", batch.Failures[0].TransactionID)
	assert.ErrorIs(t, batch.Failures[0].Err, common.ErrNotFound)
	assert.Equal(t, [][2]int{{1, 3}, {2, 3}, {3, 3}}, calls)
}

func TestOrchestrator_ReconcileBatchCancelled(t *testing.T) {
	db := testutil.SetupTestDB(t, testutil.StandardSubcategories()...)
	seedHousehold(db)
	o := newOrchestrator(t, db, nil, reimbursementConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	batch, err := o.ReconcileBatch(ctx, []string{"txn1"}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, batch.Results)
}

// staleProposals hides existing proposals, as a reconcile that read before a
// concurrent one committed would see them.
type staleProposals struct {
	service.Storage
}

func (staleProposals) GetProposalsByIncomingTransaction(context.Context, string) ([]model.ReimbursementProposal, error) {
	return nil, nil
}

func TestOrchestrator_ConcurrentAutoProposeOpensOneGroup(t *testing.T) {
	db := testutil.SetupTestDB(t, testutil.StandardSubcategories()...)
	seedHousehold(db)
	ctx := context.Background()

	first, err := newOrchestrator(t, db, nil, reimbursementConfig()).Reconcile(ctx, "payback")
	require.NoError(t, err)
	require.NotNil(t, first.Proposal)

	pipeline, err := classify.NewStandardPipeline(db.Storage, nil, classify.DefaultThresholds())
	require.NoError(t, err)
	late := New(db.Storage, nil,
		recurring.NewService(db.Storage, nil),
		classify.NewService(db.Storage, pipeline),
		reimburse.NewManager(staleProposals{db.Storage}),
		reimbursementConfig())

	second, err := late.Reconcile(ctx, "payback")
	require.NoError(t, err)
	assert.NotNil(t, second.Reimbursement)
	assert.Nil(t, second.Proposal)

	proposals, err := db.Storage.GetProposalsByIncomingTransaction(ctx, "payback")
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	assert.Equal(t, first.Proposal.LifecycleGroupID, proposals[0].LifecycleGroupID)
}
