package config

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/Veraticus/spice-ledger/internal/common"
	"github.com/Veraticus/spice-ledger/internal/model"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Seed is the content of a seed file: the subcategory catalog plus a
// household's rules and recurring obligations.
type Seed struct {
	Household      string          `yaml:"household"`
	Subcategories  []SeedSubcat    `yaml:"subcategories"`
	Rules          []SeedRule      `yaml:"rules"`
	RecurringItems []SeedRecurring `yaml:"recurring_items"`
}

// SeedSubcat is one catalog entry.
type SeedSubcat struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Inactive    bool   `yaml:"inactive"`
}

// SeedRule is a pattern rule. Amounts are decimal strings.
type SeedRule struct {
	Name        string  `yaml:"name"`
	Merchant    string  `yaml:"merchant"`
	MatchMode   string  `yaml:"match_mode"`
	Condition   string  `yaml:"amount_condition"`
	Amount      string  `yaml:"amount"`
	AmountMin   string  `yaml:"amount_min"`
	AmountMax   string  `yaml:"amount_max"`
	Direction   string  `yaml:"direction"`
	Subcategory string  `yaml:"subcategory"`
	Priority    int     `yaml:"priority"`
	Confidence  float64 `yaml:"confidence"`
}

// SeedRecurring is a recurring obligation. Omitted weights, policy and
// variance take the engine defaults.
type SeedRecurring struct {
	Weights         *SeedWeights `yaml:"weights"`
	ID              string       `yaml:"id"`
	Merchant        string       `yaml:"merchant"`
	Frequency       string       `yaml:"frequency"`
	ExpectedAmount  string       `yaml:"expected_amount"`
	VariancePercent string       `yaml:"variance_percent"`
	VarianceAmount  string       `yaml:"variance_amount"`
	NextDueDate     string       `yaml:"next_due_date"`
	LastObservedAt  string       `yaml:"last_observed_at"`
	TieBreakPolicy  string       `yaml:"tie_break_policy"`
	Threshold       float64      `yaml:"threshold"`
	WindowBefore    int          `yaml:"due_window_days_before"`
	WindowAfter     int          `yaml:"due_window_days_after"`
	Variable        bool         `yaml:"variable"`
}

// SeedWeights are per-item score weights.
type SeedWeights struct {
	DueDate float64 `yaml:"due_date"`
	Amount  float64 `yaml:"amount"`
	Recency float64 `yaml:"recency"`
}

// LoadSeed reads and validates a seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeed(bytes.NewReader(data))
}

// ParseSeed decodes a seed document. Unknown keys are rejected so typos do
// not silently drop configuration.
func ParseSeed(r io.Reader) (*Seed, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var seed Seed
	if err := dec.Decode(&seed); err != nil {
		if err == io.EOF {
			return &seed, nil
		}
		return nil, common.NewValidationError("seed", "invalid YAML: %v", err)
	}
	return &seed, nil
}

// SubcategoryModels converts the catalog entries.
func (s *Seed) SubcategoryModels() ([]model.Subcategory, error) {
	var errs common.ValidationErrors
	subs := make([]model.Subcategory, 0, len(s.Subcategories))
	seen := make(map[string]bool, len(s.Subcategories))
	for i, entry := range s.Subcategories {
		if entry.ID == "" || entry.Name == "" {
			errs.Add(fmt.Sprintf("subcategories[%d]", i), "id and name are required")
			continue
		}
		if seen[entry.ID] {
			errs.Add(fmt.Sprintf("subcategories[%d]", i), "duplicate id %q", entry.ID)
			continue
		}
		seen[entry.ID] = true
		subs = append(subs, model.Subcategory{
			ID:          entry.ID,
			Name:        entry.Name,
			Description: entry.Description,
			IsActive:    !entry.Inactive,
		})
	}
	return subs, errs.Err()
}

// RuleModels converts the rules for the seed's household.
func (s *Seed) RuleModels() ([]model.PatternRule, error) {
	var errs common.ValidationErrors
	rules := make([]model.PatternRule, 0, len(s.Rules))
	for i, entry := range s.Rules {
		field := fmt.Sprintf("rules[%d]", i)
		rule := model.PatternRule{
			HouseholdID:     s.Household,
			Name:            entry.Name,
			MerchantPattern: entry.Merchant,
			MatchMode:       model.MerchantMatchMode(entry.MatchMode),
			AmountCondition: model.AmountConditionType(entry.Condition),
			SubcategoryID:   entry.Subcategory,
			Priority:        entry.Priority,
			Confidence:      entry.Confidence,
			IsActive:        true,
		}
		if rule.AmountCondition == "" {
			rule.AmountCondition = model.AmountAny
		}
		if entry.Direction != "" {
			d := model.FlowDirection(entry.Direction)
			rule.Direction = &d
		}

		var err error
		if rule.AmountValue, err = optionalDecimal(entry.Amount); err != nil {
			errs.Add(field+".amount", "%v", err)
		}
		if rule.AmountMin, err = optionalDecimal(entry.AmountMin); err != nil {
			errs.Add(field+".amount_min", "%v", err)
		}
		if rule.AmountMax, err = optionalDecimal(entry.AmountMax); err != nil {
			errs.Add(field+".amount_max", "%v", err)
		}
		if err := rule.Validate(); err != nil {
			errs.Add(field, "%v", err)
			continue
		}
		rules = append(rules, rule)
	}
	return rules, errs.Err()
}

// RecurringModels converts the recurring items for the seed's household.
// scoreVersion is stamped on items that do not name one.
func (s *Seed) RecurringModels(scoreVersion string) ([]model.RecurringItem, error) {
	var errs common.ValidationErrors
	items := make([]model.RecurringItem, 0, len(s.RecurringItems))
	for i, entry := range s.RecurringItems {
		field := fmt.Sprintf("recurring_items[%d]", i)
		item := model.RecurringItem{
			ID:                          entry.ID,
			HouseholdID:                 s.Household,
			MerchantName:                entry.Merchant,
			Frequency:                   model.Frequency(entry.Frequency),
			TieBreakPolicy:              entry.TieBreakPolicy,
			DeterministicMatchThreshold: entry.Threshold,
			DueWindowDaysBefore:         entry.WindowBefore,
			DueWindowDaysAfter:          entry.WindowAfter,
			IsVariable:                  entry.Variable,
			IsActive:                    true,
		}
		if entry.Weights != nil {
			item.Weights = model.ScoreWeights{
				DueDate: entry.Weights.DueDate,
				Amount:  entry.Weights.Amount,
				Recency: entry.Weights.Recency,
			}
		}

		amount, err := decimal.NewFromString(entry.ExpectedAmount)
		if err != nil {
			errs.Add(field+".expected_amount", "invalid amount %q", entry.ExpectedAmount)
			continue
		}
		item.ExpectedAmount = amount
		if item.AmountVariancePercent, err = decimalOrZero(entry.VariancePercent); err != nil {
			errs.Add(field+".variance_percent", "%v", err)
		}
		if item.AmountVarianceAbsolute, err = decimalOrZero(entry.VarianceAmount); err != nil {
			errs.Add(field+".variance_amount", "%v", err)
		}

		if item.NextDueDate, err = model.ParseDate(entry.NextDueDate); err != nil {
			errs.Add(field+".next_due_date", "must be YYYY-MM-DD")
			continue
		}
		if entry.LastObservedAt != "" {
			if item.LastObservedAt, err = model.ParseDate(entry.LastObservedAt); err != nil {
				errs.Add(field+".last_observed_at", "must be YYYY-MM-DD")
				continue
			}
		}

		item.ApplyDefaults(scoreVersion)
		if err := item.Validate(); err != nil {
			errs.Add(field, "%v", err)
			continue
		}
		items = append(items, item)
	}
	return items, errs.Err()
}

func optionalDecimal(s string) (*decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return &d, nil
}

func decimalOrZero(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", s)
	}
	return d, nil
}
