package classify

import (
	"context"
	"testing"
	"time"

	"github.com/Veraticus/spice-ledger/internal/common"
	"github.com/Veraticus/spice-ledger/internal/model"
	"github.com/Veraticus/spice-ledger/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tickingClock advances a second on every call so outcome order is explicit.
func tickingClock() func() time.Time {
	now := time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

func newTestService(t *testing.T, db *testutil.TestDB) *Service {
	t.Helper()
	pipeline, err := NewStandardPipeline(db.Storage, nil, DefaultThresholds())
	require.NoError(t, err)
	return NewService(db.Storage, pipeline, WithClock(tickingClock()))
}

func TestService_ClassifyByRule(t *testing.T) {
	db := testutil.SetupTestDB(t, testutil.StandardSubcategories()...)
	db.MustCreateRules(model.PatternRule{
		HouseholdID: testutil.Household, Name: "power", MerchantPattern: "city power",
		SubcategoryID: "utilities", Confidence: 0.95, IsActive: true,
	})
	db.MustSaveTransactions(testutil.Transaction("txn1", "City Power", "52.10", "2024-03-14"))
	ctx := context.Background()
	svc := newTestService(t, db)

	outcome, err := svc.Classify(ctx, db.MustGetTransaction("txn1"))
	require.NoError(t, err)
	id, ok := outcome.Decision.SubcategoryID()
	require.True(t, ok)
	assert.Equal(t, "utilities", id)
	assert.Equal(t, model.AssignedByRule, outcome.AssignmentSource)
	assert.Equal(t, "rules", outcome.AssignedBy)
	require.Len(t, outcome.StageOutputs, 1)

	txn := db.MustGetTransaction("txn1")
	assert.Equal(t, "utilities", txn.SubcategoryID)
	assert.Equal(t, model.ReviewNone, txn.ReviewStatus)

	// Same inputs return the recorded outcome instead of a second run.
	again, err := svc.Classify(ctx, txn)
	require.NoError(t, err)
	assert.Equal(t, outcome.ID, again.ID)
	history, err := svc.History(ctx, "txn1")
	require.NoError(t, err)
	assert.Len(t, history, 1)

	// Changed inputs produce a new outcome; the old one stays.
	txn.Description = "CITY POWER AUTOPAY"
	changed, err := svc.Classify(ctx, txn)
	require.NoError(t, err)
	assert.NotEqual(t, outcome.ID, changed.ID)
	history, err = svc.History(ctx, "txn1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, outcome.ID, history[0].ID)
}

func TestService_ClassifyNeedsReview(t *testing.T) {
	db := testutil.SetupTestDB(t, testutil.StandardSubcategories()...)
	db.MustSaveTransactions(testutil.Transaction("txn1", "Mystery Vendor", "18.00", "2024-03-14"))
	ctx := context.Background()

	outcome, err := newTestService(t, db).Classify(ctx, db.MustGetTransaction("txn1"))
	require.NoError(t, err)
	assert.Equal(t, model.DecisionNeedsReview, outcome.Decision.Kind())
	assert.Equal(t, model.ReasonEscalationExhausted, outcome.DecisionReasonCode)
	require.Len(t, outcome.StageOutputs, 2)
	assert.True(t, outcome.StageOutputs[0].EscalatedToNextStage)
	assert.False(t, outcome.StageOutputs[1].EscalatedToNextStage)

	txn := db.MustGetTransaction("txn1")
	assert.Empty(t, txn.SubcategoryID)
	assert.Equal(t, model.ReviewNeedsReview, txn.ReviewStatus)
}

func TestService_ClassifyFromHistory(t *testing.T) {
	db := testutil.SetupTestDB(t, testutil.StandardSubcategories()...)
	db.MustSaveTransactions(
		testutil.Transaction("old1", "Corner Market", "23.45", "2024-02-02"),
		testutil.Transaction("old2", "Corner Market", "23.45", "2024-02-16"),
		testutil.Transaction("new", "Corner Market", "23.45", "2024-03-02"),
	)
	ctx := context.Background()
	svc := newTestService(t, db)

	for _, id := range []string{"old1", "old2"} {
		_, err := svc.RecordManual(ctx, id, "groceries", "user-1", "")
		require.NoError(t, err)
	}

	outcome, err := svc.Classify(ctx, db.MustGetTransaction("new"))
	require.NoError(t, err)
	id, ok := outcome.Decision.SubcategoryID()
	require.True(t, ok)
	assert.Equal(t, "groceries", id)
	assert.Equal(t, model.AssignedByHistory, outcome.AssignmentSource)
	require.Len(t, outcome.StageOutputs, 2)
	assert.Equal(t, CodeHistorySimilarity, outcome.StageOutputs[1].RationaleCode)
}

func TestService_RecordManual(t *testing.T) {
	db := testutil.SetupTestDB(t, testutil.StandardSubcategories()...)
	db.MustSaveTransactions(testutil.Transaction("txn1", "Mystery Vendor", "18.00", "2024-03-14"))
	ctx := context.Background()
	svc := newTestService(t, db)

	first, err := svc.Classify(ctx, db.MustGetTransaction("txn1"))
	require.NoError(t, err)

	manual, err := svc.RecordManual(ctx, "txn1", "dining", "user-1", "lunch with a client")
	require.NoError(t, err)
	assert.Equal(t, model.DecisionManuallyAssigned, manual.Decision.Kind())
	assert.Equal(t, "user-1", manual.AssignedBy)

	latest, err := svc.Latest(ctx, "txn1")
	require.NoError(t, err)
	assert.Equal(t, manual.ID, latest.ID)
	assert.Equal(t, model.ReviewReviewed, latest.ReviewStatus())

	history, err := svc.History(ctx, "txn1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, first.ID, history[0].ID)
	assert.Equal(t, model.DecisionNeedsReview, history[0].Decision.Kind())

	txn := db.MustGetTransaction("txn1")
	assert.Equal(t, "dining", txn.SubcategoryID)
	assert.Equal(t, model.ReviewReviewed, txn.ReviewStatus)

	// A later run over unchanged inputs keeps the human decision.
	again, err := svc.Classify(ctx, txn)
	require.NoError(t, err)
	assert.Equal(t, manual.ID, again.ID)
}

func TestService_RecordManualErrors(t *testing.T) {
	db := testutil.SetupTestDB(t, testutil.StandardSubcategories()...)
	db.MustSaveTransactions(testutil.Transaction("txn1", "Mystery Vendor", "18.00", "2024-03-14"))
	ctx := context.Background()
	svc := newTestService(t, db)

	_, err := svc.RecordManual(ctx, "", "", "", "")
	assert.ErrorIs(t, err, common.ErrValidation)

	_, err = svc.RecordManual(ctx, "missing", "dining", "user-1", "")
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = svc.RecordManual(ctx, "txn1", "nope", "user-1", "")
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = svc.RecordManual(ctx, "txn1", "legacy", "user-1", "")
	assert.ErrorIs(t, err, common.ErrValidation)

	_, err = svc.Latest(ctx, "txn1")
	assert.ErrorIs(t, err, common.ErrNotFound)
}
