package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Veraticus/spice-ledger/internal/common"
	"github.com/Veraticus/spice-ledger/internal/model"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	t.Setenv("LEDGER_TEST_DIR", "/tmp/ledger")

	tests := []struct {
		input    string
		expected string
	}{
		{input: "", expected: ""},
		{input: "~", expected: home},
		{input: "~/data/ledger.db", expected: filepath.Join(home, "data/ledger.db")},
		{input: "$LEDGER_TEST_DIR/ledger.db", expected: "/tmp/ledger/ledger.db"},
		{input: "/abs/path.db", expected: "/abs/path.db"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ExpandPath(tt.input))
		})
	}
}

func TestDefaultEngineConfigIsValid(t *testing.T) {
	cfg := DefaultEngineConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "ledger.db", filepath.Base(cfg.Database))
	assert.False(t, cfg.Agent.Enabled)
}

func TestEngineConfig_Validate(t *testing.T) {
	tests := []struct {
		mutate func(*EngineConfig)
		name   string
		field  string
	}{
		{name: "empty database", field: "database", mutate: func(c *EngineConfig) { c.Database = " " }},
		{name: "rule threshold above one", field: "thresholds.rule", mutate: func(c *EngineConfig) { c.Thresholds.Rule = 1.2 }},
		{name: "negative history threshold", field: "thresholds.history", mutate: func(c *EngineConfig) { c.Thresholds.History = -0.1 }},
		{name: "zero lookback", field: "reimbursement.lookback_days", mutate: func(c *EngineConfig) { c.Reimbursement.LookbackDays = 0 }},
		{name: "blank keyword", field: "reimbursement.keywords", mutate: func(c *EngineConfig) { c.Reimbursement.Keywords = []string{"venmo", " "} }},
		{name: "agent without key", field: "agent.api_key", mutate: func(c *EngineConfig) { c.Agent.Enabled = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultEngineConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, common.ErrValidation)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestLoadEngineConfig(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "from-env")

	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(`
database: /tmp/ledger-test.db
engine:
  thresholds:
    rule: 0.95
  reimbursement:
    keywords: [venmo]
    lookback_days: 30
  agent:
    enabled: true
    cache_ttl: 5m
`)))

	cfg, err := LoadEngineConfig(v)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/ledger-test.db", cfg.Database)
	assert.InDelta(t, 0.95, cfg.Thresholds.Rule, 1e-9)
	assert.InDelta(t, 0.75, cfg.Thresholds.History, 1e-9, "unset keys keep defaults")
	assert.Equal(t, []string{"venmo"}, cfg.Reimbursement.Keywords)
	assert.Equal(t, 30, cfg.Reimbursement.LookbackDays)
	assert.Equal(t, 5*time.Minute, cfg.Agent.CacheTTL)
	assert.Equal(t, "from-env", cfg.Agent.APIKey)
	assert.Equal(t, "gemini-2.5-flash", cfg.Agent.Model)
}

func TestLoadEngineConfig_Invalid(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")

	v := viper.New()
	v.Set("engine.agent.enabled", true)
	_, err := LoadEngineConfig(v)
	assert.ErrorIs(t, err, common.ErrValidation)
}

const sampleSeed = `
household: hh1
subcategories:
  - id: utilities
    name: Utilities
  - id: reimbursement
    name: Reimbursement
    description: Money paid back by others
  - id: legacy
    name: Legacy
    inactive: true
rules:
  - name: power
    merchant: city power
    match_mode: contains
    subcategory: utilities
    confidence: 0.95
  - name: venmo in
    merchant: venmo
    match_mode: contains
    direction: inflow
    amount_condition: range
    amount_min: "1.00"
    amount_max: "500.00"
    subcategory: reimbursement
    confidence: 0.6
recurring_items:
  - id: power
    merchant: City Power
    frequency: monthly
    expected_amount: "50.00"
    variance_percent: "0.10"
    variance_amount: "5.00"
    next_due_date: "2024-03-15"
    last_observed_at: "2024-02-14"
    threshold: 0.7
    due_window_days_before: 3
    due_window_days_after: 3
`

func TestParseSeed(t *testing.T) {
	seed, err := ParseSeed(strings.NewReader(sampleSeed))
	require.NoError(t, err)
	assert.Equal(t, "hh1", seed.Household)

	subs, err := seed.SubcategoryModels()
	require.NoError(t, err)
	require.Len(t, subs, 3)
	assert.True(t, subs[0].IsActive)
	assert.False(t, subs[2].IsActive)

	rules, err := seed.RuleModels()
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, model.AmountAny, rules[0].AmountCondition)
	require.NotNil(t, rules[1].Direction)
	assert.Equal(t, model.DirectionInflow, *rules[1].Direction)
	require.NotNil(t, rules[1].AmountMax)
	assert.Equal(t, "500", rules[1].AmountMax.String())

	items, err := seed.RecurringModels("v1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	item := items[0]
	assert.Equal(t, "hh1", item.HouseholdID)
	assert.Equal(t, model.DefaultWeights(), item.Weights)
	assert.Equal(t, model.DefaultTieBreakPolicy, item.TieBreakPolicy)
	assert.Equal(t, "v1", item.ScoreVersion)
	assert.Equal(t, 15, item.AnchorDay)
	assert.Equal(t, "2024-02-14", item.LastObservedAt.Format(model.DateLayout))
}

func TestParseSeed_Errors(t *testing.T) {
	_, err := ParseSeed(strings.NewReader("household: hh1\nsubcategory: []\n"))
	assert.ErrorIs(t, err, common.ErrValidation, "unknown keys are rejected")

	seed, err := ParseSeed(strings.NewReader(`
household: hh1
subcategories:
  - id: a
    name: A
  - id: a
    name: Again
rules:
  - name: bad regex
    merchant: "("
    match_mode: regex
    subcategory: a
    confidence: 0.9
recurring_items:
  - merchant: Gym
    frequency: fortnightly
    expected_amount: "30"
    next_due_date: "2024-03-01"
  - merchant: Rent
    frequency: monthly
    expected_amount: lots
    next_due_date: "2024-03-01"
`))
	require.NoError(t, err)

	_, err = seed.SubcategoryModels()
	assert.ErrorContains(t, err, "duplicate id")
	_, err = seed.RuleModels()
	assert.ErrorContains(t, err, "rules[0]")
	items, err := seed.RecurringModels("v1")
	require.ErrorIs(t, err, common.ErrValidation)
	assert.Empty(t, items)
	assert.Contains(t, err.Error(), "recurring_items[0]")
	assert.Contains(t, err.Error(), "recurring_items[1].expected_amount")
}

func TestParseSeed_NonFiniteNumbers(t *testing.T) {
	seed, err := ParseSeed(strings.NewReader(`
household: hh1
recurring_items:
  - id: power
    merchant: City Power
    frequency: monthly
    expected_amount: "50.00"
    next_due_date: "2024-03-15"
    threshold: .nan
  - id: water
    merchant: City Water
    frequency: monthly
    expected_amount: "30.00"
    next_due_date: "2024-03-20"
    threshold: 0.7
    weights:
      due_date: .inf
      amount: 0.35
      recency: 0.15
`))
	require.NoError(t, err)

	items, err := seed.RecurringModels("v1")
	require.ErrorIs(t, err, common.ErrValidation)
	assert.Empty(t, items)
	assert.Contains(t, err.Error(), "deterministic_match_threshold")
	assert.Contains(t, err.Error(), "weights.due_date: must be a finite number")
}

func TestLoadSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleSeed), 0o600))

	seed, err := LoadSeed(path)
	require.NoError(t, err)
	assert.Len(t, seed.RecurringItems, 1)

	_, err = LoadSeed(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
