package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Veraticus/spice-ledger/internal/common"
	"github.com/spf13/viper"
)

// Thresholds are the per-stage acceptance thresholds.
type Thresholds struct {
	Rule    float64 `mapstructure:"rule"`
	History float64 `mapstructure:"history"`
	Agent   float64 `mapstructure:"agent"`
}

// ReimbursementConfig controls reimbursement detection.
type ReimbursementConfig struct {
	Subcategories []string `mapstructure:"subcategories"`
	Keywords      []string `mapstructure:"keywords"`
	LookbackDays  int      `mapstructure:"lookback_days"`
	AutoPropose   bool     `mapstructure:"auto_propose"`
}

// AgentConfig configures the optional Gemini classification stage.
type AgentConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	Temperature float64       `mapstructure:"temperature"`
	RateLimit   int           `mapstructure:"rate_limit"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Enabled     bool          `mapstructure:"enabled"`
}

// EngineConfig is everything the CLI needs to build the engine.
type EngineConfig struct {
	Database            string              `mapstructure:"database"`
	Agent               AgentConfig         `mapstructure:"agent"`
	Reimbursement       ReimbursementConfig `mapstructure:"reimbursement"`
	Thresholds          Thresholds          `mapstructure:"thresholds"`
	HistoryLookbackDays int                 `mapstructure:"history_lookback_days"`
}

// DefaultEngineConfig returns the configuration used when nothing is set.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Database:            filepath.Join(DefaultDataDir(), "ledger.db"),
		Thresholds:          Thresholds{Rule: 0.90, History: 0.75, Agent: 0.80},
		HistoryLookbackDays: 365,
		Reimbursement: ReimbursementConfig{
			Subcategories: []string{"reimbursement"},
			Keywords:      []string{"venmo", "zelle", "refund", "reimb"},
			LookbackDays:  60,
			AutoPropose:   true,
		},
		Agent: AgentConfig{
			Model:       "gemini-2.5-flash",
			Temperature: 0.1,
			RateLimit:   60,
			MaxRetries:  3,
			RetryDelay:  time.Second,
			CacheTTL:    15 * time.Minute,
		},
	}
}

// LoadEngineConfig reads the "engine" section from viper over the defaults.
// The agent key falls back to GEMINI_API_KEY and then GOOGLE_API_KEY.
func LoadEngineConfig(v *viper.Viper) (*EngineConfig, error) {
	cfg := DefaultEngineConfig()
	if v == nil {
		v = viper.GetViper()
	}
	if v.IsSet("engine") {
		if err := v.UnmarshalKey("engine", &cfg); err != nil {
			return nil, common.NewUserError("engine configuration could not be read", err)
		}
	}
	if db := v.GetString("database"); db != "" {
		cfg.Database = db
	}

	cfg.Database = ExpandPath(cfg.Database)
	if cfg.Agent.APIKey == "" {
		cfg.Agent.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if cfg.Agent.APIKey == "" {
		cfg.Agent.APIKey = os.Getenv("GOOGLE_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every setting and reports all problems at once.
func (c *EngineConfig) Validate() error {
	var errs common.ValidationErrors

	if strings.TrimSpace(c.Database) == "" {
		errs.Add("database", "is required")
	}

	thresholds := []struct {
		name  string
		value float64
	}{
		{"thresholds.rule", c.Thresholds.Rule},
		{"thresholds.history", c.Thresholds.History},
		{"thresholds.agent", c.Thresholds.Agent},
	}
	for _, th := range thresholds {
		if th.value < 0 || th.value > 1 {
			errs.Add(th.name, "must be between 0 and 1, got %v", th.value)
		}
	}

	if c.HistoryLookbackDays < 1 {
		errs.Add("history_lookback_days", "must be at least 1")
	}
	if c.Reimbursement.LookbackDays < 1 {
		errs.Add("reimbursement.lookback_days", "must be at least 1")
	}
	for i, kw := range c.Reimbursement.Keywords {
		if strings.TrimSpace(kw) == "" {
			errs.Add("reimbursement.keywords", "entry %d is empty", i)
		}
	}

	if c.Agent.Enabled {
		if c.Agent.APIKey == "" {
			errs.Add("agent.api_key", "is required when the agent stage is enabled")
		}
		if c.Agent.Model == "" {
			errs.Add("agent.model", "is required when the agent stage is enabled")
		}
		if c.Agent.Temperature < 0 || c.Agent.Temperature > 2 {
			errs.Add("agent.temperature", "must be between 0 and 2")
		}
		if c.Agent.RateLimit < 0 {
			errs.Add("agent.rate_limit", "must not be negative")
		}
	}

	return errs.Err()
}
