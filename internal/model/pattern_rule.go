package model

import (
	"strings"
	"time"

	"github.com/Veraticus/spice-ledger/internal/common"
	"github.com/shopspring/decimal"
)

// PatternRule maps matching transactions to a subcategory with a fixed confidence.
type PatternRule struct {
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	AmountValue     *decimal.Decimal    `json:"amount_value,omitempty"`
	AmountMin       *decimal.Decimal    `json:"amount_min,omitempty"`
	AmountMax       *decimal.Decimal    `json:"amount_max,omitempty"`
	Direction       *FlowDirection      `json:"direction,omitempty"`
	HouseholdID     string              `json:"household_id"`
	Name            string              `json:"name"`
	MerchantPattern string              `json:"merchant_pattern"`
	MatchMode       MerchantMatchMode   `json:"match_mode"`
	AmountCondition AmountConditionType `json:"amount_condition"`
	SubcategoryID   string              `json:"subcategory_id"`
	Priority        int                 `json:"priority"`
	ID              int                 `json:"id"`
	Confidence      float64             `json:"confidence"`
	IsActive        bool                `json:"is_active"`
}

// FlowDirection restricts a rule to inflows or outflows.
type FlowDirection string

// Flow directions.
const (
	DirectionInflow  FlowDirection = "inflow"
	DirectionOutflow FlowDirection = "outflow"
)

// MerchantMatchMode is how MerchantPattern is compared.
type MerchantMatchMode string

// Merchant match modes.
const (
	MatchExact    MerchantMatchMode = "exact"
	MatchContains MerchantMatchMode = "contains"
	MatchRegex    MerchantMatchMode = "regex"
)

// AmountConditionType represents the type of amount comparison.
type AmountConditionType string

// Amount condition constants.
const (
	AmountLessThan     AmountConditionType = "lt"
	AmountLessEqual    AmountConditionType = "le"
	AmountEqual        AmountConditionType = "eq"
	AmountGreaterEqual AmountConditionType = "ge"
	AmountGreaterThan  AmountConditionType = "gt"
	AmountRange        AmountConditionType = "range"
	AmountAny          AmountConditionType = "any"
)

// Validate checks that the rule can be evaluated.
func (r *PatternRule) Validate() error {
	var errs common.ValidationErrors
	if strings.TrimSpace(r.HouseholdID) == "" {
		errs.Add("household_id", "is required")
	}
	if strings.TrimSpace(r.SubcategoryID) == "" {
		errs.Add("subcategory_id", "is required")
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		errs.Add("confidence", "must be between 0 and 1")
	}

	switch r.MatchMode {
	case MatchExact, MatchContains, "":
	case MatchRegex:
		if _, err := common.CompileCaseInsensitive(r.MerchantPattern); err != nil {
			errs.Add("merchant_pattern", "invalid regex: %v", err)
		}
	default:
		errs.Add("match_mode", "unknown value %q", r.MatchMode)
	}

	switch r.AmountCondition {
	case AmountAny, "":
	case AmountLessThan, AmountLessEqual, AmountEqual, AmountGreaterEqual, AmountGreaterThan:
		if r.AmountValue == nil {
			errs.Add("amount_value", "is required for condition %s", r.AmountCondition)
		}
	case AmountRange:
		if r.AmountMin == nil && r.AmountMax == nil {
			errs.Add("amount_min", "range needs a minimum or maximum")
		}
		if r.AmountMin != nil && r.AmountMax != nil && r.AmountMin.GreaterThan(*r.AmountMax) {
			errs.Add("amount_min", "must be less than or equal to amount_max")
		}
	default:
		errs.Add("amount_condition", "unknown value %q", r.AmountCondition)
	}

	if r.Direction != nil && *r.Direction != DirectionInflow && *r.Direction != DirectionOutflow {
		errs.Add("direction", "unknown value %q", *r.Direction)
	}

	return errs.Err()
}
