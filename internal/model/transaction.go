// Package model defines the core domain models used throughout the application.
package model

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"time"

	"github.com/Veraticus/spice-ledger/internal/common"
	"github.com/shopspring/decimal"
)

// ReviewStatus tracks whether a human needs to look at a transaction.
type ReviewStatus string

// Review status constants.
const (
	ReviewNone        ReviewStatus = "none"
	ReviewNeedsReview ReviewStatus = "needs_review"
	ReviewReviewed    ReviewStatus = "reviewed"
)

// Valid reports whether s is a known review status.
func (s ReviewStatus) Valid() bool {
	switch s {
	case ReviewNone, ReviewNeedsReview, ReviewReviewed:
		return true
	}
	return false
}

// EnrichedTransaction is a provider transaction after normalization, linking,
// and split decomposition. Amount is signed: positive is an outflow.
type EnrichedTransaction struct {
	Date            time.Time
	Amount          decimal.Decimal
	ID              string
	HouseholdID     string
	AccountID       string
	Description     string // Raw provider description
	MerchantName    string // Cleaned merchant name
	RecurringItemID string
	SubcategoryID   string
	ReviewStatus    ReviewStatus
	Splits          []TransactionSplit
}

// TransactionSplit is one allocated portion of a transaction.
type TransactionSplit struct {
	Amount             decimal.Decimal
	ID                 string
	SubcategoryID      string
	Notes              string
	AmortizationMonths int
}

// IsInflow reports whether money came into the account.
func (t *EnrichedTransaction) IsInflow() bool {
	return t.Amount.IsNegative()
}

// Merchant returns the cleaned merchant name, falling back to the raw description.
func (t *EnrichedTransaction) Merchant() string {
	if strings.TrimSpace(t.MerchantName) != "" {
		return t.MerchantName
	}
	return t.Description
}

// Validate checks required fields and the split-sum invariant.
func (t *EnrichedTransaction) Validate() error {
	var errs common.ValidationErrors
	if strings.TrimSpace(t.ID) == "" {
		errs.Add("id", "is required")
	}
	if strings.TrimSpace(t.HouseholdID) == "" {
		errs.Add("household_id", "is required")
	}
	if strings.TrimSpace(t.AccountID) == "" {
		errs.Add("account_id", "is required")
	}
	if t.Date.IsZero() {
		errs.Add("date", "is required")
	}
	if t.ReviewStatus != "" && !t.ReviewStatus.Valid() {
		errs.Add("review_status", "unknown value %q", t.ReviewStatus)
	}

	if len(t.Splits) > 0 {
		sum := decimal.Zero
		for i, s := range t.Splits {
			if s.AmortizationMonths < 1 {
				errs.Add(fmt.Sprintf("splits[%d].amortization_months", i), "must be at least 1")
			}
			sum = sum.Add(s.Amount)
		}
		if !sum.Equal(t.Amount) {
			errs.Add("splits", "sum %s does not equal amount %s", sum.String(), t.Amount.String())
		}
	}

	return errs.Err()
}

// Fingerprint hashes the inputs that classification depends on, so a repeated
// run over an unchanged transaction can be recognized.
func (t *EnrichedTransaction) Fingerprint() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%s|%s|%s|%s",
		t.ID,
		t.AccountID,
		t.Date.Format(DateLayout),
		t.Amount.String(),
		strings.ToLower(strings.TrimSpace(t.Description)),
		strings.ToLower(strings.TrimSpace(t.MerchantName)))
	for _, s := range t.Splits {
		fmt.Fprintf(&b, "|%s:%s:%s", s.ID, s.Amount.String(), s.SubcategoryID)
	}
	hash := sha256.Sum256([]byte(b.String()))
	return fmt.Sprintf("%x", hash)
}

// FindSplit returns the split with the given id.
func (t *EnrichedTransaction) FindSplit(id string) (TransactionSplit, bool) {
	for _, s := range t.Splits {
		if s.ID == id {
			return s, true
		}
	}
	return TransactionSplit{}, false
}
