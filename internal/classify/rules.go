package classify

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/Veraticus/spice-ledger/internal/common"
	"github.com/Veraticus/spice-ledger/internal/model"
	"github.com/Veraticus/spice-ledger/internal/service"
)

// RuleMatcher evaluates pattern rules against transactions.
type RuleMatcher struct {
	compiledRegex map[int]*regexp.Regexp
	rules         []model.PatternRule
}

// NewRuleMatcher creates a matcher with the given rules, highest priority first.
// Regex rules that fail to compile never match.
func NewRuleMatcher(rules []model.PatternRule) *RuleMatcher {
	sorted := make([]model.PatternRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return sorted[i].ID < sorted[j].ID
	})

	m := &RuleMatcher{
		rules:         sorted,
		compiledRegex: make(map[int]*regexp.Regexp),
	}

	// Pre-compile regex patterns
	for _, rule := range sorted {
		if rule.MatchMode == model.MatchRegex && rule.MerchantPattern != "" {
			re, err := common.CompileCaseInsensitive(rule.MerchantPattern)
			if err != nil {
				slog.Warn("Skipping rule with invalid pattern", "rule", rule.Name, "error", err)
				continue
			}
			m.compiledRegex[rule.ID] = re
		}
	}

	return m
}

// Match returns every active rule the transaction satisfies, highest priority first.
func (m *RuleMatcher) Match(txn model.EnrichedTransaction) []model.PatternRule {
	var matches []model.PatternRule
	for _, rule := range m.rules {
		if !rule.IsActive {
			continue
		}
		if m.matchesRule(txn, rule) {
			matches = append(matches, rule)
		}
	}
	return matches
}

func (m *RuleMatcher) matchesRule(txn model.EnrichedTransaction, rule model.PatternRule) bool {
	if !m.matchesMerchant(txn, rule) {
		return false
	}
	if !matchesAmount(txn, rule) {
		return false
	}
	if rule.Direction != nil && direction(txn) != *rule.Direction {
		return false
	}
	return true
}

func (m *RuleMatcher) matchesMerchant(txn model.EnrichedTransaction, rule model.PatternRule) bool {
	if rule.MerchantPattern == "" {
		return true // No merchant pattern means match all
	}

	merchant := strings.ToLower(strings.TrimSpace(txn.Merchant()))
	pattern := strings.ToLower(strings.TrimSpace(rule.MerchantPattern))

	switch rule.MatchMode {
	case model.MatchRegex:
		if re, ok := m.compiledRegex[rule.ID]; ok {
			return re.MatchString(merchant)
		}
		return false
	case model.MatchContains:
		return strings.Contains(merchant, pattern)
	default:
		return merchant == pattern
	}
}

// matchesAmount compares the absolute amount; direction is a separate condition.
func matchesAmount(txn model.EnrichedTransaction, rule model.PatternRule) bool {
	amount := txn.Amount.Abs()

	switch rule.AmountCondition {
	case model.AmountAny, "":
		return true
	case model.AmountLessThan:
		return rule.AmountValue != nil && amount.LessThan(*rule.AmountValue)
	case model.AmountLessEqual:
		return rule.AmountValue != nil && amount.LessThanOrEqual(*rule.AmountValue)
	case model.AmountEqual:
		return rule.AmountValue != nil && amount.Equal(*rule.AmountValue)
	case model.AmountGreaterEqual:
		return rule.AmountValue != nil && amount.GreaterThanOrEqual(*rule.AmountValue)
	case model.AmountGreaterThan:
		return rule.AmountValue != nil && amount.GreaterThan(*rule.AmountValue)
	case model.AmountRange:
		if rule.AmountMin != nil && amount.LessThan(*rule.AmountMin) {
			return false
		}
		if rule.AmountMax != nil && amount.GreaterThan(*rule.AmountMax) {
			return false
		}
		return true
	}

	return false
}

func direction(txn model.EnrichedTransaction) model.FlowDirection {
	if txn.IsInflow() {
		return model.DirectionInflow
	}
	return model.DirectionOutflow
}

// RuleStage proposes the subcategory of the highest-priority matching rule.
type RuleStage struct {
	rules service.RuleStore
}

// NewRuleStage creates the deterministic first stage.
func NewRuleStage(rules service.RuleStore) *RuleStage {
	return &RuleStage{rules: rules}
}

// Name implements Stage.
func (s *RuleStage) Name() string { return "rules" }

// Source implements Attributed.
func (s *RuleStage) Source() model.AssignmentSource { return model.AssignedByRule }

// Propose implements Stage. Rules pointing at a subcategory that is not active
// are ignored.
func (s *RuleStage) Propose(ctx context.Context, in Input) (Proposal, error) {
	rules, err := s.rules.GetActivePatternRules(ctx, in.Transaction.HouseholdID)
	if err != nil {
		return Proposal{}, fmt.Errorf("failed to load pattern rules: %w", err)
	}

	active := activeSubcategories(in.Subcategories)
	for _, rule := range NewRuleMatcher(rules).Match(in.Transaction) {
		if _, ok := active[rule.SubcategoryID]; !ok {
			continue
		}
		return Proposal{
			SubcategoryID: rule.SubcategoryID,
			Confidence:    rule.Confidence,
			RationaleCode: CodeRuleMatched,
			Rationale:     fmt.Sprintf("rule %q (priority %d) matched", rule.Name, rule.Priority),
		}, nil
	}

	return Proposal{
		RationaleCode: CodeNoRuleMatched,
		Rationale:     fmt.Sprintf("none of %d rules matched", len(rules)),
	}, nil
}
