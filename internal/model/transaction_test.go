package model

import (
	"testing"

	"github.com/Veraticus/spice-ledger/internal/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnrichedTransaction_Validate(t *testing.T) {
	base := func() EnrichedTransaction {
		return EnrichedTransaction{
			ID:          "txn1",
			HouseholdID: "hh1",
			AccountID:   "acc1",
			Description: "CITY POWER AUTOPAY",
			Amount:      decimal.RequireFromString("100.00"),
			Date:        date("2024-03-14"),
		}
	}

	t.Run("no splits", func(t *testing.T) {
		txn := base()
		assert.NoError(t, txn.Validate())
	})

	t.Run("splits sum to amount", func(t *testing.T) {
		txn := base()
		txn.Splits = []TransactionSplit{
			{ID: "s1", Amount: decimal.RequireFromString("60.00"), AmortizationMonths: 1},
			{ID: "s2", Amount: decimal.RequireFromString("40.00"), AmortizationMonths: 12},
		}
		assert.NoError(t, txn.Validate())
	})

	t.Run("splits off by a cent", func(t *testing.T) {
		txn := base()
		txn.Splits = []TransactionSplit{
			{ID: "s1", Amount: decimal.RequireFromString("60.00"), AmortizationMonths: 1},
			{ID: "s2", Amount: decimal.RequireFromString("39.99"), AmortizationMonths: 1},
		}
		err := txn.Validate()
		assert.ErrorIs(t, err, common.ErrValidation)
		assert.Contains(t, err.Error(), "splits")
	})

	t.Run("amortization below one", func(t *testing.T) {
		txn := base()
		txn.Splits = []TransactionSplit{{ID: "s1", Amount: txn.Amount, AmortizationMonths: 0}}
		assert.ErrorIs(t, txn.Validate(), common.ErrValidation)
	})

	t.Run("missing household", func(t *testing.T) {
		txn := base()
		txn.HouseholdID = ""
		assert.ErrorIs(t, txn.Validate(), common.ErrValidation)
	})
}

func TestEnrichedTransaction_Fingerprint(t *testing.T) {
	txn := EnrichedTransaction{
		ID:          "txn1",
		AccountID:   "acc1",
		Description: "Netflix.com",
		Amount:      decimal.RequireFromString("15.49"),
		Date:        date("2024-03-01"),
	}
	same := txn
	same.Description = "  NETFLIX.COM "
	same.ReviewStatus = ReviewReviewed

	assert.Equal(t, txn.Fingerprint(), same.Fingerprint())

	changed := txn
	changed.Amount = decimal.RequireFromString("15.50")
	assert.NotEqual(t, txn.Fingerprint(), changed.Fingerprint())
}

func TestDecision(t *testing.T) {
	auto := AutoAssigned("groceries")
	id, ok := auto.SubcategoryID()
	require.True(t, ok)
	assert.Equal(t, "groceries", id)
	assert.Equal(t, CodeAutoAssigned, auto.Code())
	assert.Equal(t, ReviewNone, auto.ReviewStatus())

	review := NeedsReview()
	_, ok = review.SubcategoryID()
	assert.False(t, ok)
	assert.Equal(t, ReviewNeedsReview, review.ReviewStatus())

	manual := ManuallyAssigned("utilities")
	assert.Equal(t, ReviewReviewed, manual.ReviewStatus())

	parsed, err := ParseDecision(CodeNeedsReview, "")
	require.NoError(t, err)
	assert.Equal(t, review, parsed)

	_, err = ParseDecision(CodeAutoAssigned, "")
	assert.Error(t, err)
	_, err = ParseDecision("maybe", "x")
	assert.Error(t, err)
}

func TestClassificationOutcome_Validate(t *testing.T) {
	outcome := ClassificationOutcome{
		TransactionID:   "txn1",
		Decision:        NeedsReview(),
		FinalConfidence: 0.55,
		StageOutputs: []ClassificationStageOutput{
			{StageName: "rules", StageOrder: 1, Confidence: 0.4, EscalatedToNextStage: true},
			{StageName: "history", StageOrder: 2, Confidence: 0.55, EscalatedToNextStage: true},
			{StageName: "agent", StageOrder: 3, Confidence: 0.3},
		},
	}
	require.NoError(t, outcome.Validate())

	gap := outcome
	gap.StageOutputs = []ClassificationStageOutput{
		{StageName: "rules", StageOrder: 1},
		{StageName: "agent", StageOrder: 3},
	}
	assert.ErrorIs(t, gap.Validate(), common.ErrValidation)

	escalatedPastEnd := outcome
	escalatedPastEnd.StageOutputs = append([]ClassificationStageOutput(nil), outcome.StageOutputs...)
	escalatedPastEnd.StageOutputs[2].EscalatedToNextStage = true
	assert.ErrorIs(t, escalatedPastEnd.Validate(), common.ErrValidation)

	var zero ClassificationOutcome
	zero.TransactionID = "txn1"
	assert.ErrorIs(t, zero.Validate(), common.ErrValidation)
}
