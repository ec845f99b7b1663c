package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Veraticus/spice-ledger/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reviewFixture() (model.EnrichedTransaction, *model.ClassificationOutcome, []model.Subcategory) {
	txn := model.EnrichedTransaction{
		ID:           "txn-1",
		HouseholdID:  "hh",
		Date:         time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC),
		Description:  "SQ *CORNER CAFE 0192",
		MerchantName: "Corner Cafe",
		Amount:       decimal.RequireFromString("18.40"),
	}
	outcome := &model.ClassificationOutcome{
		TransactionID:      "txn-1",
		Decision:           model.NeedsReview(),
		DecisionReasonCode: model.ReasonEscalationExhausted,
		FinalConfidence:    0.6,
		StageOutputs: []model.ClassificationStageOutput{
			{StageName: "rules", StageOrder: 1, RationaleCode: "no_rule_matched", EscalatedToNextStage: true},
			{StageName: "history", StageOrder: 2, CandidateSubcategoryID: "coffee", Confidence: 0.6, RationaleCode: "history_similarity", EscalatedToNextStage: true},
			{StageName: "agent", StageOrder: 3, CandidateSubcategoryID: "dining", Confidence: 0.4, RationaleCode: "agent_proposal"},
		},
	}
	subs := []model.Subcategory{
		{ID: "groceries", Name: "Groceries", IsActive: true},
		{ID: "dining", Name: "Dining Out", IsActive: true},
		{ID: "coffee", Name: "Coffee", IsActive: true},
		{ID: "legacy", Name: "Legacy", IsActive: false},
	}
	return txn, outcome, subs
}

func TestReviewPrompter_Review(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    ReviewChoice
		wantErr error
		output  []string
	}{
		{
			name:   "enter accepts strongest candidate",
			input:  "\n\n",
			want:   ReviewChoice{SubcategoryID: "coffee"},
			output: []string{"Corner Cafe", "$18.40 out", "enter to accept"},
		},
		{
			name:  "number picks option",
			input: "2\nsplit with a friend\n",
			want:  ReviewChoice{SubcategoryID: "dining", Rationale: "split with a friend"},
		},
		{
			name:  "id picks option case-insensitively",
			input: "GROCERIES\n\n",
			want:  ReviewChoice{SubcategoryID: "groceries"},
		},
		{
			name:   "invalid input reprompts",
			input:  "9\nlegacy\n1\n\n",
			want:   ReviewChoice{SubcategoryID: "groceries"},
			output: []string{`Unknown choice "9"`, `Unknown choice "legacy"`},
		},
		{
			name:  "skip",
			input: "s\n",
			want:  ReviewChoice{Skip: true},
		},
		{
			name:    "quit",
			input:   "q\n",
			wantErr: ErrReviewQuit,
		},
		{
			name:    "end of input quits",
			input:   "",
			wantErr: ErrReviewQuit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			txn, outcome, subs := reviewFixture()
			var out bytes.Buffer
			p := NewReviewPrompter(strings.NewReader(tt.input), &out)

			got, err := p.Review(context.Background(), txn, outcome, subs)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			for _, s := range tt.output {
				assert.Contains(t, out.String(), s)
			}
			assert.NotContains(t, out.String(), "Legacy")
		})
	}
}

func TestReviewPrompter_NoSuggestion(t *testing.T) {
	txn, _, subs := reviewFixture()
	var out bytes.Buffer
	p := NewReviewPrompter(strings.NewReader("\n3\n\n"), &out)

	got, err := p.Review(context.Background(), txn, nil, subs)
	require.NoError(t, err)
	assert.Equal(t, "coffee", got.SubcategoryID)
	assert.Contains(t, out.String(), "No suggestion available")
	assert.Contains(t, out.String(), "not classified")
}

func TestReviewPrompter_Errors(t *testing.T) {
	txn, outcome, subs := reviewFixture()

	t.Run("canceled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		p := NewReviewPrompter(strings.NewReader("1\n"), &bytes.Buffer{})
		_, err := p.Review(ctx, txn, outcome, subs)
		require.ErrorIs(t, err, context.Canceled)
	})

	t.Run("no active subcategories", func(t *testing.T) {
		p := NewReviewPrompter(strings.NewReader("1\n"), &bytes.Buffer{})
		_, err := p.Review(context.Background(), txn, outcome, subs[3:])
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no active subcategories")
	})
}

func TestResolveChoice(t *testing.T) {
	_, _, subs := reviewFixture()
	active := subs[:3]

	tests := []struct {
		input  string
		want   string
		wantOK bool
	}{
		{"1", "groceries", true},
		{"3", "coffee", true},
		{"0", "", false},
		{"4", "", false},
		{"Dining", "dining", true},
		{"pets", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := resolveChoice(tt.input, active)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
