package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/Veraticus/spice-ledger/internal/common"
	"github.com/Veraticus/spice-ledger/internal/model"
	"github.com/Veraticus/spice-ledger/internal/service"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.5-flash"

// Config holds configuration for the agent classifier.
type Config struct {
	APIKey      string
	Model       string
	MaxRetries  int
	RetryDelay  time.Duration
	CacheTTL    time.Duration
	RateLimit   int
	Temperature float64
}

// Classifier implements service.AgentClassifier on top of a language model.
type Classifier struct {
	client      Client
	cache       *proposalCache
	logger      *slog.Logger
	rateLimiter *rateLimiter
	retryOpts   common.RetryOptions
}

var _ service.AgentClassifier = (*Classifier)(nil)

// NewClassifier creates a Gemini-backed classifier.
func NewClassifier(ctx context.Context, cfg Config, logger *slog.Logger) (*Classifier, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	client, err := newGeminiClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	return NewClassifierWithClient(client, cfg, logger), nil
}

// NewClassifierWithClient creates a classifier around an existing client.
func NewClassifierWithClient(client Client, cfg Config, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}

	retryOpts := common.RetryOptions{
		MaxAttempts:  cfg.MaxRetries,
		InitialDelay: cfg.RetryDelay,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
	if retryOpts.MaxAttempts == 0 {
		retryOpts.MaxAttempts = 3
	}
	if retryOpts.InitialDelay == 0 {
		retryOpts.InitialDelay = time.Second
	}

	return &Classifier{
		client:      client,
		cache:       newProposalCache(cfg.CacheTTL, nil),
		logger:      logger,
		retryOpts:   retryOpts,
		rateLimiter: newRateLimiter(cfg.RateLimit, nil),
	}
}

// ProposeClassification asks the model for one of the offered subcategories.
// A reply naming anything else is passed through unchanged; the agent stage
// decides what an unknown target means.
func (c *Classifier) ProposeClassification(ctx context.Context, req service.AgentRequest) (service.AgentProposal, error) {
	key := requestKey(req)
	if proposal, ok := c.cache.get(key); ok {
		c.logger.Debug("cache hit for transaction",
			"transaction_id", req.Transaction.ID,
			"merchant", req.Transaction.MerchantName)
		return proposal, nil
	}

	prompt := buildPrompt(req)

	var proposal service.AgentProposal
	err := common.WithRetry(ctx, func() error {
		if err := c.rateLimiter.wait(ctx); err != nil {
			return err
		}

		c.logger.Debug("attempting agent classification",
			"transaction_id", req.Transaction.ID)

		reply, err := c.client.Generate(ctx, prompt)
		if err != nil {
			c.logger.Warn("agent classification attempt failed",
				"error", err,
				"transaction_id", req.Transaction.ID)
			return &common.RetryableError{Err: err, Retryable: ctx.Err() == nil}
		}

		parsed, err := parseAgentReply(reply)
		if err != nil {
			c.logger.Warn("invalid agent reply",
				"error", err,
				"transaction_id", req.Transaction.ID)
			return &common.RetryableError{Err: err, Retryable: true}
		}
		proposal = parsed
		return nil
	}, c.retryOpts)
	if err != nil {
		return service.AgentProposal{}, fmt.Errorf("agent classification failed for %s: %w", req.Transaction.ID, err)
	}

	c.cache.set(key, proposal)
	c.logger.Info("transaction proposed by agent",
		"transaction_id", req.Transaction.ID,
		"merchant", req.Transaction.MerchantName,
		"subcategory", proposal.SubcategoryID,
		"confidence", proposal.Confidence)
	return proposal, nil
}

// requestKey fingerprints everything the prompt depends on.
func requestKey(req service.AgentRequest) string {
	txn := req.Transaction
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%s\x00",
		txn.ID, txn.Description, txn.MerchantName, txn.Amount.String(), txn.Date.Format(model.DateLayout))

	ids := make([]string, 0, len(req.Subcategories))
	for _, s := range req.Subcategories {
		ids = append(ids, s.ID+"="+s.Name)
	}
	sort.Strings(ids)
	fmt.Fprintf(h, "%s\x00", strings.Join(ids, ","))

	for _, s := range req.PriorStages {
		fmt.Fprintf(h, "%s:%s:%.4f\x00", s.StageName, s.CandidateSubcategoryID, s.Confidence)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// buildPrompt creates the prompt for transaction classification.
func buildPrompt(req service.AgentRequest) string {
	txn := req.Transaction
	merchant := txn.MerchantName
	if merchant == "" {
		merchant = txn.Description
	}

	var subcategories strings.Builder
	for _, s := range req.Subcategories {
		fmt.Fprintf(&subcategories, "- %s: %s", s.ID, s.Name)
		if s.Description != "" {
			fmt.Fprintf(&subcategories, " (%s)", s.Description)
		}
		subcategories.WriteString("\n")
	}

	direction := "money out"
	if txn.IsInflow() {
		direction = "money in"
	}
	details := fmt.Sprintf("Merchant: %s\nDescription: %s\nAmount: %s (%s)\nDate: %s",
		merchant,
		txn.Description,
		txn.Amount.Abs().StringFixed(2),
		direction,
		txn.Date.Format(model.DateLayout))

	var prior strings.Builder
	for _, s := range req.PriorStages {
		candidate := s.CandidateSubcategoryID
		if candidate == "" {
			candidate = "none"
		}
		fmt.Fprintf(&prior, "- %s suggested %s with confidence %.2f: %s\n", s.StageName, candidate, s.Confidence, s.Rationale)
	}
	if prior.Len() == 0 {
		prior.WriteString("- none\n")
	}

	return fmt.Sprintf(`Classify this household financial transaction into one of the subcategories below.

IMPORTANT GUIDELINES:
- Choose only from the listed subcategory ids
- Classify by what the merchant is, not by assumed intent
- If nothing fits, answer with "none" and confidence 0

TRANSACTION:
%s

SUBCATEGORIES:
%s
EARLIER STAGES:
%s
Respond with a single JSON object and nothing else:
{"subcategory_id": "<id or none>", "confidence": <0.0 to 1.0>, "rationale": "<one short sentence>"}`,
		details, subcategories.String(), prior.String())
}
