package classify

import (
	"context"
	"testing"

	"github.com/Veraticus/spice-ledger/internal/service"
	"github.com/Veraticus/spice-ledger/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func past(id, merchant, subcategory string, amount float64) service.HistoricalClassification {
	return service.HistoricalClassification{
		TransactionID: id,
		Merchant:      merchant,
		SubcategoryID: subcategory,
		Amount:        amount,
		Date:          testutil.Date("2024-02-01"),
	}
}

func TestHistoryStage_Propose(t *testing.T) {
	tests := []struct {
		name       string
		merchant   string
		history    []service.HistoricalClassification
		want       string
		code       string
		confidence float64
	}{
		{
			name:     "unanimous identical history",
			merchant: "Corner Market #112",
			history: []service.HistoricalClassification{
				past("h1", "Corner Market #98", "groceries", 23.45),
				past("h2", "CORNER MARKET", "groceries", 23.45),
			},
			want:       "groceries",
			code:       CodeHistorySimilarity,
			confidence: 1.0,
		},
		{
			name:     "split vote lowers confidence",
			merchant: "Corner Market",
			history: []service.HistoricalClassification{
				past("h1", "Corner Market", "groceries", 23.45),
				past("h2", "Corner Market", "groceries", 23.45),
				past("h3", "Corner Market", "dining", 23.45),
			},
			want:       "groceries",
			code:       CodeHistorySimilarity,
			confidence: 2.0 / 3.0,
		},
		{
			name:     "too few examples",
			merchant: "Corner Market",
			history: []service.HistoricalClassification{
				past("h1", "Corner Market", "groceries", 23.45),
				past("h2", "Gas Station", "groceries", 23.45),
			},
			code: CodeInsufficientHistory,
		},
		{
			name:     "inactive subcategories do not vote",
			merchant: "Corner Market",
			history: []service.HistoricalClassification{
				past("h1", "Corner Market", "legacy", 23.45),
				past("h2", "Corner Market", "legacy", 23.45),
			},
			code: CodeInsufficientHistory,
		},
		{
			name:     "own prior classification is ignored",
			merchant: "Corner Market",
			history: []service.HistoricalClassification{
				past("txn1", "Corner Market", "groceries", 23.45),
				past("h2", "Corner Market", "groceries", 23.45),
			},
			code: CodeInsufficientHistory,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := Input{
				Transaction:   testutil.Transaction("txn1", tt.merchant, "23.45", "2024-03-02"),
				History:       tt.history,
				Subcategories: testutil.StandardSubcategories(),
			}
			p, err := NewHistoryStage().Propose(context.Background(), in)
			require.NoError(t, err)
			assert.Equal(t, tt.code, p.RationaleCode)
			assert.Equal(t, tt.want, p.SubcategoryID)
			assert.InDelta(t, tt.confidence, p.Confidence, 1e-9)
		})
	}
}

func TestHistoryStage_AmountProximity(t *testing.T) {
	in := Input{
		Transaction: testutil.Transaction("txn1", "Corner Market", "100.00", "2024-03-02"),
		History: []service.HistoricalClassification{
			past("h1", "Corner Market", "groceries", 50.00),
			past("h2", "Corner Market", "groceries", 50.00),
		},
		Subcategories: testutil.StandardSubcategories(),
	}
	p, err := NewHistoryStage().Propose(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "groceries", p.SubcategoryID)
	assert.InDelta(t, 0.8+0.2*0.5, p.Confidence, 1e-9)
}

func TestMerchantTokens(t *testing.T) {
	tokens := merchantTokens("SQ *Corner-Market #1123 a")
	assert.Len(t, tokens, 3)
	assert.Contains(t, tokens, "sq")
	assert.Contains(t, tokens, "corner")
	assert.Contains(t, tokens, "market")

	assert.InDelta(t, 0.5, jaccard(merchantTokens("corner market"), merchantTokens("corner store market deli")), 1e-9)
	assert.Zero(t, jaccard(merchantTokens(""), merchantTokens("corner")))
}
