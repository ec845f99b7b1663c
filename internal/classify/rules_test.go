package classify

import (
	"context"
	"testing"

	"github.com/Veraticus/spice-ledger/internal/model"
	"github.com/Veraticus/spice-ledger/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decimalPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func directionPtr(d model.FlowDirection) *model.FlowDirection {
	return &d
}

func TestRuleMatcher_Match(t *testing.T) {
	tests := []struct {
		name    string
		rule    model.PatternRule
		txn     model.EnrichedTransaction
		matches bool
	}{
		{
			name:    "exact merchant ignores case",
			rule:    model.PatternRule{ID: 1, MerchantPattern: "CITY POWER", MatchMode: model.MatchExact, IsActive: true},
			txn:     testutil.Transaction("t", "City Power", "52.10", "2024-03-14"),
			matches: true,
		},
		{
			name: "exact merchant rejects partial",
			rule: model.PatternRule{ID: 1, MerchantPattern: "power", MatchMode: model.MatchExact, IsActive: true},
			txn:  testutil.Transaction("t", "City Power", "52.10", "2024-03-14"),
		},
		{
			name:    "contains",
			rule:    model.PatternRule{ID: 1, MerchantPattern: "power", MatchMode: model.MatchContains, IsActive: true},
			txn:     testutil.Transaction("t", "City Power", "52.10", "2024-03-14"),
			matches: true,
		},
		{
			name:    "regex",
			rule:    model.PatternRule{ID: 1, MerchantPattern: `^netflix(\.com)?$`, MatchMode: model.MatchRegex, IsActive: true},
			txn:     testutil.Transaction("t", "NETFLIX.COM", "15.49", "2024-03-01"),
			matches: true,
		},
		{
			name: "invalid regex never matches",
			rule: model.PatternRule{ID: 1, MerchantPattern: `(`, MatchMode: model.MatchRegex, IsActive: true},
			txn:  testutil.Transaction("t", "(", "15.49", "2024-03-01"),
		},
		{
			name:    "empty pattern matches all",
			rule:    model.PatternRule{ID: 1, IsActive: true},
			txn:     testutil.Transaction("t", "Anything", "1.00", "2024-03-01"),
			matches: true,
		},
		{
			name: "amount less than uses absolute value",
			rule: model.PatternRule{
				ID: 1, MerchantPattern: "refund", MatchMode: model.MatchContains,
				AmountCondition: model.AmountLessThan, AmountValue: decimalPtr("20"), IsActive: true,
			},
			txn:     testutil.Transaction("t", "Store Refund", "-12.00", "2024-03-01"),
			matches: true,
		},
		{
			name: "amount range excludes above max",
			rule: model.PatternRule{
				ID: 1, AmountCondition: model.AmountRange,
				AmountMin: decimalPtr("10"), AmountMax: decimalPtr("50"), IsActive: true,
			},
			txn: testutil.Transaction("t", "Store", "50.01", "2024-03-01"),
		},
		{
			name: "amount range open max",
			rule: model.PatternRule{
				ID: 1, AmountCondition: model.AmountRange, AmountMin: decimalPtr("10"), IsActive: true,
			},
			txn:     testutil.Transaction("t", "Store", "500", "2024-03-01"),
			matches: true,
		},
		{
			name: "amount equal",
			rule: model.PatternRule{
				ID: 1, AmountCondition: model.AmountEqual, AmountValue: decimalPtr("15.49"), IsActive: true,
			},
			txn:     testutil.Transaction("t", "Netflix", "15.490", "2024-03-01"),
			matches: true,
		},
		{
			name: "direction inflow rejects outflow",
			rule: model.PatternRule{ID: 1, Direction: directionPtr(model.DirectionInflow), IsActive: true},
			txn:  testutil.Transaction("t", "Venmo", "30.00", "2024-03-01"),
		},
		{
			name:    "direction inflow accepts inflow",
			rule:    model.PatternRule{ID: 1, Direction: directionPtr(model.DirectionInflow), IsActive: true},
			txn:     testutil.Transaction("t", "Venmo", "-30.00", "2024-03-01"),
			matches: true,
		},
		{
			name: "inactive rule",
			rule: model.PatternRule{ID: 1, IsActive: false},
			txn:  testutil.Transaction("t", "Anything", "1.00", "2024-03-01"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matched := NewRuleMatcher([]model.PatternRule{tt.rule}).Match(tt.txn)
			assert.Equal(t, tt.matches, len(matched) == 1)
		})
	}
}

func TestRuleMatcher_PriorityOrder(t *testing.T) {
	rules := []model.PatternRule{
		{ID: 3, Name: "low", Priority: 1, IsActive: true},
		{ID: 2, Name: "high-b", Priority: 10, IsActive: true},
		{ID: 1, Name: "high-a", Priority: 10, IsActive: true},
	}
	matched := NewRuleMatcher(rules).Match(testutil.Transaction("t", "Anything", "1.00", "2024-03-01"))
	require.Len(t, matched, 3)
	assert.Equal(t, []string{"high-a", "high-b", "low"}, []string{matched[0].Name, matched[1].Name, matched[2].Name})
}

func TestRuleStage_Propose(t *testing.T) {
	db := testutil.SetupTestDB(t, testutil.StandardSubcategories()...)
	db.MustCreateRules(
		model.PatternRule{
			HouseholdID: testutil.Household, Name: "streaming", MerchantPattern: "netflix",
			MatchMode: model.MatchContains, SubcategoryID: "streaming", Confidence: 0.97, Priority: 5, IsActive: true,
		},
		model.PatternRule{
			HouseholdID: testutil.Household, Name: "catch-all", SubcategoryID: "groceries",
			Confidence: 0.5, Priority: 1, IsActive: true,
		},
	)

	stage := NewRuleStage(db.Storage)
	in := Input{
		Transaction:   testutil.Transaction("t", "NETFLIX.COM", "15.49", "2024-03-01"),
		Subcategories: testutil.StandardSubcategories(),
	}
	p, err := stage.Propose(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "streaming", p.SubcategoryID)
	assert.InDelta(t, 0.97, p.Confidence, 1e-9)
	assert.Equal(t, CodeRuleMatched, p.RationaleCode)
	assert.Contains(t, p.Rationale, "streaming")

	// Rules for other households are never consulted.
	in.Transaction.HouseholdID = "hh2"
	p, err = stage.Propose(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, p.HasCandidate())
	assert.Equal(t, CodeNoRuleMatched, p.RationaleCode)
}

func TestRuleStage_SkipsInactiveTargets(t *testing.T) {
	db := testutil.SetupTestDB(t, testutil.StandardSubcategories()...)
	db.MustCreateRules(model.PatternRule{
		HouseholdID: testutil.Household, Name: "power", MerchantPattern: "city power",
		SubcategoryID: "utilities", Confidence: 0.95, IsActive: true,
	})

	subs := testutil.StandardSubcategories()
	for i := range subs {
		if subs[i].ID == "utilities" {
			subs[i].IsActive = false
		}
	}
	p, err := NewRuleStage(db.Storage).Propose(context.Background(), Input{
		Transaction:   testutil.Transaction("t", "City Power", "52.10", "2024-03-14"),
		Subcategories: subs,
	})
	require.NoError(t, err)
	assert.False(t, p.HasCandidate())
}
