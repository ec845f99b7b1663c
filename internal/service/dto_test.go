package service

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/Veraticus/spice-ledger/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClassificationOutcomeDTO(t *testing.T) {
	created := time.Date(2024, 3, 14, 9, 30, 0, 0, time.FixedZone("EST", -5*3600))
	outcome := &model.ClassificationOutcome{
		ID:                 "out-1",
		TransactionID:      "txn1",
		Decision:           model.NeedsReview(),
		DecisionReasonCode: model.ReasonEscalationExhausted,
		FinalConfidence:    0.55,
		AssignmentSource:   model.AssignedByHistory,
		CreatedAt:          created,
		StageOutputs: []model.ClassificationStageOutput{
			{StageName: "rules", StageOrder: 1, RationaleCode: "no_rule_matched", EscalatedToNextStage: true},
			{StageName: "history", StageOrder: 2, CandidateSubcategoryID: "dining", Confidence: 0.55, RationaleCode: "history_similarity"},
		},
	}

	dto := NewClassificationOutcomeDTO(outcome)
	assert.Equal(t, model.CodeNeedsReview, dto.Decision)
	assert.Equal(t, string(model.ReviewNeedsReview), dto.ReviewStatus)
	assert.Nil(t, dto.ProposedSubcategoryID)
	assert.Nil(t, dto.AgentNoteSummary)
	assert.Equal(t, time.UTC, dto.CreatedAt.Location())
	require.Len(t, dto.StageOutputs, 2)
	assert.Nil(t, dto.StageOutputs[0].CandidateSubcategoryID)
	require.NotNil(t, dto.StageOutputs[1].CandidateSubcategoryID)
	assert.Equal(t, "dining", *dto.StageOutputs[1].CandidateSubcategoryID)

	raw, err := json.Marshal(dto)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Contains(t, decoded, "proposedSubcategoryId")
	assert.Nil(t, decoded["proposedSubcategoryId"])
	assert.NotContains(t, decoded, "assignedBy")
	assert.Equal(t, "2024-03-14T14:30:00Z", decoded["createdAtUtc"])
}

func TestNewReimbursementProposalDTO(t *testing.T) {
	decided := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	p := &model.ReimbursementProposal{
		ID:                    "p1",
		IncomingTransactionID: "payback",
		RelatedTransactionID:  "dinner",
		RelatedSplitID:        "friend",
		ProposedAmount:        decimal.RequireFromString("30.00"),
		LifecycleGroupID:      "g1",
		LifecycleOrdinal:      1,
		Status:                model.ProposalApproved,
		StatusReasonCode:      model.ReasonApproved,
		Source:                model.SourceManual,
		DecidedByUserID:       "user-1",
		DecidedAt:             &decided,
		Provenance:            model.Provenance{SourceTag: "manual"},
	}

	dto := NewReimbursementProposalDTO(p)
	assert.Equal(t, "30", dto.ProposedAmount)
	require.NotNil(t, dto.RelatedTransactionSplitID)
	assert.Equal(t, "friend", *dto.RelatedTransactionSplitID)
	assert.Nil(t, dto.SupersedesProposalID)
	assert.Nil(t, dto.SupersededByProposalID)
	require.NotNil(t, dto.DecisionedAtUTC)
	assert.True(t, dto.DecisionedAtUTC.Equal(decided))
	require.NotNil(t, dto.DecisionedByUserID)
	assert.Equal(t, "user-1", *dto.DecisionedByUserID)
}
