package model

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Veraticus/spice-ledger/internal/common"
	"github.com/shopspring/decimal"
)

// Frequency is how often a recurring obligation comes due.
type Frequency string

// Frequency constants.
const (
	FrequencyWeekly     Frequency = "weekly"
	FrequencyBiweekly   Frequency = "biweekly"
	FrequencyMonthly    Frequency = "monthly"
	FrequencyQuarterly  Frequency = "quarterly"
	FrequencySemiannual Frequency = "semiannual"
	FrequencyAnnual     Frequency = "annual"
)

// Valid reports whether f is a known frequency.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyWeekly, FrequencyBiweekly, FrequencyMonthly,
		FrequencyQuarterly, FrequencySemiannual, FrequencyAnnual:
		return true
	}
	return false
}

// Advance returns the due date one period after from. For month-based
// frequencies anchorDay is the preferred day of month; it is clamped to the last
// day of shorter months so a 31st anchor yields Feb 28/29 and then Mar 31 again.
func (f Frequency) Advance(from time.Time, anchorDay int) time.Time {
	from = DateOnly(from)
	switch f {
	case FrequencyWeekly:
		return from.AddDate(0, 0, 7)
	case FrequencyBiweekly:
		return from.AddDate(0, 0, 14)
	case FrequencyMonthly:
		return addMonthsClamped(from, 1, anchorDay)
	case FrequencyQuarterly:
		return addMonthsClamped(from, 3, anchorDay)
	case FrequencySemiannual:
		return addMonthsClamped(from, 6, anchorDay)
	case FrequencyAnnual:
		return addMonthsClamped(from, 12, anchorDay)
	}
	return from
}

func addMonthsClamped(from time.Time, months, anchorDay int) time.Time {
	if anchorDay < 1 || anchorDay > 31 {
		anchorDay = from.Day()
	}
	// Day 1 avoids time.Date normalizing an overflowing day into the next month.
	first := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, months, 0)
	lastDay := first.AddDate(0, 1, -1).Day()
	day := anchorDay
	if day > lastDay {
		day = lastDay
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, time.UTC)
}

// ScoreWeights are the per-item weights of the three scoring primitives.
type ScoreWeights struct {
	DueDate float64 `json:"due_date"`
	Amount  float64 `json:"amount"`
	Recency float64 `json:"recency"`
}

// WeightSumTolerance is how far the weights may drift from 1.0.
const WeightSumTolerance = 0.001

// DefaultWeights returns the weights stored on new items.
func DefaultWeights() ScoreWeights {
	return ScoreWeights{DueDate: 0.50, Amount: 0.35, Recency: 0.15}
}

// Sum returns the total of all weights.
func (w ScoreWeights) Sum() float64 {
	return w.DueDate + w.Amount + w.Recency
}

// Validate rejects negative or non-finite weights and sums outside
// 1.0 ± WeightSumTolerance.
// Weights are never renormalized.
func (w ScoreWeights) Validate() error {
	var errs common.ValidationErrors
	weights := []struct {
		field string
		value float64
	}{
		{"weights.due_date", w.DueDate},
		{"weights.amount", w.Amount},
		{"weights.recency", w.Recency},
	}
	finite := true
	for _, wt := range weights {
		switch {
		case !isFinite(wt.value):
			errs.Add(wt.field, "must be a finite number")
			finite = false
		case wt.value < 0:
			errs.Add(wt.field, "must not be negative")
		}
	}
	if sum := w.Sum(); finite && math.Abs(sum-1.0) > WeightSumTolerance {
		errs.Add("weights", "sum to %.4f, expected 1.0 within %.3f", sum, WeightSumTolerance)
	}
	return errs.Err()
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// TieBreakKey is one secondary comparison used when candidates score equally.
type TieBreakKey string

// Tie-break keys.
const (
	TieBreakDueDateDistance TieBreakKey = "due_date_distance"
	TieBreakAmountDelta     TieBreakKey = "amount_delta"
	TieBreakLatestObserved  TieBreakKey = "latest_observed"
	TieBreakItemID          TieBreakKey = "item_id"
)

// DefaultTieBreakPolicy is stored on new items.
const DefaultTieBreakPolicy = "due_date_distance_then_amount_delta_then_latest_observed"

const tieBreakSeparator = "_then_"

// ParseTieBreakPolicy splits a policy string into its ordered keys. The item_id
// key is always appended last so every comparison is total.
func ParseTieBreakPolicy(policy string) ([]TieBreakKey, error) {
	policy = strings.TrimSpace(strings.ToLower(policy))
	if policy == "" {
		policy = DefaultTieBreakPolicy
	}

	parts := strings.Split(policy, tieBreakSeparator)
	keys := make([]TieBreakKey, 0, len(parts)+1)
	seen := make(map[TieBreakKey]bool, len(parts))
	for _, part := range parts {
		key := TieBreakKey(part)
		switch key {
		case TieBreakDueDateDistance, TieBreakAmountDelta, TieBreakLatestObserved, TieBreakItemID:
		default:
			return nil, common.NewValidationError("tie_break_policy", "unknown key %q", part)
		}
		if seen[key] {
			return nil, common.NewValidationError("tie_break_policy", "duplicate key %q", part)
		}
		seen[key] = true
		keys = append(keys, key)
	}
	if !seen[TieBreakItemID] {
		keys = append(keys, TieBreakItemID)
	}
	return keys, nil
}

// RecurringItem is a household's expected periodic obligation.
type RecurringItem struct {
	NextDueDate                 time.Time
	LastObservedAt              time.Time
	CreatedAt                   time.Time
	UpdatedAt                   time.Time
	ExpectedAmount              decimal.Decimal
	AmountVariancePercent       decimal.Decimal
	AmountVarianceAbsolute      decimal.Decimal
	ID                          string
	HouseholdID                 string
	MerchantName                string
	Frequency                   Frequency
	ScoreVersion                string
	TieBreakPolicy              string
	Weights                     ScoreWeights
	DeterministicMatchThreshold float64
	DueWindowDaysBefore         int
	DueWindowDaysAfter          int
	AnchorDay                   int
	IsVariable                  bool
	IsActive                    bool
}

// Validate checks the item's configuration. It is called whenever an item is
// created or updated so malformed scoring configuration never reaches the matcher.
func (r *RecurringItem) Validate() error {
	var errs common.ValidationErrors
	if strings.TrimSpace(r.HouseholdID) == "" {
		errs.Add("household_id", "is required")
	}
	if strings.TrimSpace(r.MerchantName) == "" {
		errs.Add("merchant_name", "is required")
	}
	if !r.Frequency.Valid() {
		errs.Add("frequency", "unknown value %q", r.Frequency)
	}
	if r.NextDueDate.IsZero() {
		errs.Add("next_due_date", "is required")
	}
	if r.DueWindowDaysBefore < 0 {
		errs.Add("due_window_days_before", "must not be negative")
	}
	if r.DueWindowDaysAfter < 0 {
		errs.Add("due_window_days_after", "must not be negative")
	}
	if r.AmountVariancePercent.IsNegative() {
		errs.Add("amount_variance_percent", "must not be negative")
	}
	if r.AmountVarianceAbsolute.IsNegative() {
		errs.Add("amount_variance_absolute", "must not be negative")
	}
	if !isFinite(r.DeterministicMatchThreshold) || r.DeterministicMatchThreshold < 0 || r.DeterministicMatchThreshold > 1 {
		errs.Add("deterministic_match_threshold", "must be between 0 and 1")
	}
	if r.AnchorDay < 0 || r.AnchorDay > 31 {
		errs.Add("anchor_day", "must be between 1 and 31")
	}
	if strings.TrimSpace(r.ScoreVersion) == "" {
		errs.Add("score_version", "is required")
	}

	if err := r.Weights.Validate(); err != nil {
		appendFieldErrors(&errs, err)
	}
	if _, err := ParseTieBreakPolicy(r.TieBreakPolicy); err != nil {
		appendFieldErrors(&errs, err)
	}

	return errs.Err()
}

// ApplyDefaults fills in the per-item defaults for fields left empty.
func (r *RecurringItem) ApplyDefaults(scoreVersion string) {
	if r.Weights == (ScoreWeights{}) {
		r.Weights = DefaultWeights()
	}
	if r.TieBreakPolicy == "" {
		r.TieBreakPolicy = DefaultTieBreakPolicy
	}
	if r.ScoreVersion == "" {
		r.ScoreVersion = scoreVersion
	}
	if r.AnchorDay == 0 && !r.NextDueDate.IsZero() {
		r.AnchorDay = r.NextDueDate.Day()
	}
	r.NextDueDate = DateOnly(r.NextDueDate)
}

func appendFieldErrors(errs *common.ValidationErrors, err error) {
	if ve, ok := err.(*common.ValidationError); ok {
		for _, f := range ve.Fields {
			errs.Add(f.Field, "%s", f.Message)
		}
		return
	}
	errs.Add("config", "%v", err)
}

// String renders a short human label.
func (r *RecurringItem) String() string {
	return fmt.Sprintf("%s (%s, next %s)", r.MerchantName, r.Frequency, r.NextDueDate.Format(DateLayout))
}
