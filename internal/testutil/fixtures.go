package testutil

import (
	"time"

	"github.com/Veraticus/spice-ledger/internal/model"
	"github.com/shopspring/decimal"
)

// Household used by fixtures unless overridden.
const Household = "hh1"

// StandardSubcategories is the catalog most engine tests run against.
func StandardSubcategories() []model.Subcategory {
	return []model.Subcategory{
		{ID: "groceries", Name: "Groceries", IsActive: true},
		{ID: "dining", Name: "Dining Out", IsActive: true},
		{ID: "utilities", Name: "Utilities", IsActive: true},
		{ID: "streaming", Name: "Streaming", IsActive: true},
		{ID: "reimbursement", Name: "Reimbursement", Description: "Money paid back by others", IsActive: true},
		{ID: "legacy", Name: "Legacy", IsActive: false},
	}
}

// Date parses YYYY-MM-DD and panics on malformed input.
func Date(s string) time.Time {
	d, err := model.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Transaction builds a valid household transaction. A negative amount is an inflow.
func Transaction(id, merchant, amount, date string) model.EnrichedTransaction {
	return model.EnrichedTransaction{
		ID:           id,
		HouseholdID:  Household,
		AccountID:    "checking",
		Description:  merchant,
		MerchantName: merchant,
		Amount:       decimal.RequireFromString(amount),
		Date:         Date(date),
		ReviewStatus: model.ReviewNone,
	}
}

// ElectricBill is the monthly power item: $50 expected, 5% or $5 tolerance,
// due 2024-03-15 with a three day window either side, last seen 2024-02-14.
func ElectricBill() model.RecurringItem {
	item := model.RecurringItem{
		ID:                          "power",
		HouseholdID:                 Household,
		MerchantName:                "City Power",
		ExpectedAmount:              decimal.RequireFromString("50.00"),
		AmountVariancePercent:       decimal.NewFromInt(5),
		AmountVarianceAbsolute:      decimal.RequireFromString("5.00"),
		Frequency:                   model.FrequencyMonthly,
		NextDueDate:                 Date("2024-03-15"),
		LastObservedAt:              Date("2024-02-14"),
		DueWindowDaysBefore:         3,
		DueWindowDaysAfter:          3,
		DeterministicMatchThreshold: 0.70,
		IsActive:                    true,
	}
	item.ApplyDefaults("v1")
	return item
}
