// Package reconcile is the engine's entry point: for one transaction it runs
// recurring matching and classification, then looks for a reimbursement.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/Veraticus/spice-ledger/internal/classify"
	"github.com/Veraticus/spice-ledger/internal/common"
	"github.com/Veraticus/spice-ledger/internal/model"
	"github.com/Veraticus/spice-ledger/internal/recurring"
	"github.com/Veraticus/spice-ledger/internal/reimburse"
	"github.com/Veraticus/spice-ledger/internal/service"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// DefaultLookbackDays bounds the search for the transaction being reimbursed.
const DefaultLookbackDays = 60

// Hint reasons.
const (
	HintSubcategory = "subcategory"
	HintKeyword     = "keyword"
)

// Config controls reimbursement detection.
type Config struct {
	ReimbursementSubcategories []string
	ReimbursementKeywords      []string
	LookbackDays               int
	AutoPropose                bool
}

// ReimbursementHint says an inflow looks like money paid back.
type ReimbursementHint struct {
	Amount        decimal.Decimal `json:"amount"`
	Reason        string          `json:"reason"`
	SubcategoryID string          `json:"subcategory_id,omitempty"`
	Keyword       string          `json:"keyword,omitempty"`
}

// Result is everything one reconciliation produced.
type Result struct {
	Classification *model.ClassificationOutcome
	Reimbursement  *ReimbursementHint
	Proposal       *model.ReimbursementProposal
	TransactionID  string
	Match          recurring.MatchResult
}

// Orchestrator wires the matcher, the classification pipeline and the
// reimbursement manager together.
type Orchestrator struct {
	store      service.Storage
	scope      service.AccessScope
	recurring  *recurring.Service
	classifier *classify.Service
	proposals  *reimburse.Manager
	cfg        Config
}

// New creates an orchestrator. A nil scope allows everything.
func New(store service.Storage, scope service.AccessScope, rec *recurring.Service, cls *classify.Service, proposals *reimburse.Manager, cfg Config) *Orchestrator {
	if scope == nil {
		scope = service.AllowAll{}
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = DefaultLookbackDays
	}
	return &Orchestrator{
		store:      store,
		scope:      scope,
		recurring:  rec,
		classifier: cls,
		proposals:  proposals,
		cfg:        cfg,
	}
}

// Reconcile processes one transaction. Matching and classification run
// concurrently and both finish before the reimbursement step, which needs the
// classification outcome for provenance. Calling it again with unchanged data
// is safe: the link, the outcome and any proposal are reused.
func (o *Orchestrator) Reconcile(ctx context.Context, transactionID string) (Result, error) {
	txn, err := o.store.GetTransactionByID(ctx, transactionID)
	if err != nil {
		return Result{}, err
	}
	allowed, err := o.scope.CanAccessTransaction(ctx, *txn)
	if err != nil {
		return Result{}, fmt.Errorf("failed to authorize transaction %s: %w", transactionID, err)
	}
	if !allowed {
		return Result{}, common.NewNotFoundError("transaction", transactionID)
	}

	result := Result{TransactionID: txn.ID}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		match, err := o.recurring.Reconcile(gctx, *txn)
		if err != nil {
			return fmt.Errorf("recurring match failed: %w", err)
		}
		result.Match = match
		return nil
	})
	g.Go(func() error {
		outcome, err := o.classifier.Classify(gctx, *txn)
		if err != nil {
			return fmt.Errorf("classification failed: %w", err)
		}
		result.Classification = outcome
		return nil
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	result.Reimbursement = o.hint(*txn, result.Classification)
	if result.Reimbursement != nil && o.cfg.AutoPropose {
		proposal, err := o.autoPropose(ctx, *txn, result.Classification, result.Reimbursement)
		if err != nil {
			return Result{}, fmt.Errorf("reimbursement proposal failed: %w", err)
		}
		result.Proposal = proposal
	}

	slog.Info("Reconciled transaction",
		"transaction_id", txn.ID,
		"recurring_item", result.Match.MatchedItemID,
		"decision", result.Classification.Decision.Code(),
		"reimbursement_hint", result.Reimbursement != nil,
		"proposed", result.Proposal != nil)
	return result, nil
}

// hint reports whether an inflow looks like a reimbursement, first by its
// classified subcategory and then by description keywords.
func (o *Orchestrator) hint(txn model.EnrichedTransaction, outcome *model.ClassificationOutcome) *ReimbursementHint {
	if !txn.IsInflow() {
		return nil
	}
	amount := txn.Amount.Abs()

	if outcome != nil {
		if id, ok := outcome.Decision.SubcategoryID(); ok {
			for _, sub := range o.cfg.ReimbursementSubcategories {
				if sub == id {
					return &ReimbursementHint{Reason: HintSubcategory, SubcategoryID: id, Amount: amount}
				}
			}
		}
	}

	text := strings.ToLower(txn.Description + " " + txn.MerchantName)
	for _, kw := range o.cfg.ReimbursementKeywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" && strings.Contains(text, kw) {
			return &ReimbursementHint{Reason: HintKeyword, Keyword: kw, Amount: amount}
		}
	}
	return nil
}

type provenancePayload struct {
	Reason        string `json:"reason"`
	Keyword       string `json:"keyword,omitempty"`
	SubcategoryID string `json:"subcategory_id,omitempty"`
	MatchedAmount string `json:"matched_amount"`
	LookbackDays  int    `json:"lookback_days"`
}

// autoPropose links the inflow to the most recent outflow, or split of one,
// with exactly the same absolute amount. Nothing is proposed when the inflow
// already has a proposal or no candidate exists.
func (o *Orchestrator) autoPropose(ctx context.Context, txn model.EnrichedTransaction, outcome *model.ClassificationOutcome, hint *ReimbursementHint) (*model.ReimbursementProposal, error) {
	existing, err := o.proposals.ForIncoming(ctx, txn.ID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		slog.Debug("Reimbursement already proposed", "transaction_id", txn.ID, "proposals", len(existing))
		return nil, nil
	}

	start := txn.Date.AddDate(0, 0, -o.cfg.LookbackDays)
	end := txn.Date
	candidates, err := o.store.GetTransactions(ctx, service.TransactionFilter{
		HouseholdID: txn.HouseholdID,
		StartDate:   &start,
		EndDate:     &end,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load candidate transactions: %w", err)
	}

	relatedID, splitID, ok := findRelated(txn, candidates, hint.Amount)
	if !ok {
		slog.Debug("No reimbursable transaction found", "transaction_id", txn.ID, "amount", hint.Amount.String())
		return nil, nil
	}

	payload, err := json.Marshal(provenancePayload{
		Reason:        hint.Reason,
		Keyword:       hint.Keyword,
		SubcategoryID: hint.SubcategoryID,
		MatchedAmount: hint.Amount.String(),
		LookbackDays:  o.cfg.LookbackDays,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode provenance: %w", err)
	}

	proposal, err := o.proposals.Create(ctx, reimburse.CreateRequest{
		IncomingTransactionID: txn.ID,
		RelatedTransactionID:  relatedID,
		RelatedSplitID:        splitID,
		ProposedAmount:        hint.Amount,
		Source:                model.SourceDeterministic,
		Rationale:             fmt.Sprintf("inflow of %s matches an earlier outflow of the same amount", hint.Amount.StringFixed(2)),
		Provenance: model.Provenance{
			SourceTag: "reconcile",
			Reference: outcome.ID,
			Payload:   payload,
		},
	})
	// A concurrent reconcile of the same inflow may have proposed first.
	var conflict *common.ConflictError
	if errors.As(err, &conflict) && conflict.Resource == "transaction" {
		slog.Debug("Reimbursement proposed concurrently", "transaction_id", txn.ID)
		return nil, nil
	}
	return proposal, err
}

// findRelated scans newest first. A whole transaction beats a split of the
// same transaction.
func findRelated(txn model.EnrichedTransaction, candidates []model.EnrichedTransaction, amount decimal.Decimal) (string, string, bool) {
	sorted := make([]model.EnrichedTransaction, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Date.Equal(sorted[j].Date) {
			return sorted[i].Date.After(sorted[j].Date)
		}
		return sorted[i].ID < sorted[j].ID
	})

	for _, c := range sorted {
		if c.ID == txn.ID || c.IsInflow() {
			continue
		}
		if c.Amount.Equal(amount) {
			return c.ID, "", true
		}
		for _, s := range c.Splits {
			if s.Amount.Equal(amount) {
				return c.ID, s.ID, true
			}
		}
	}
	return "", "", false
}

// Failure records one transaction a batch could not reconcile.
type Failure struct {
	Err           error
	TransactionID string
}

// BatchResult collects a batch run.
type BatchResult struct {
	Results  []Result
	Failures []Failure
}

// ReconcileBatch reconciles transactions one after another. A failing
// transaction is recorded and the batch continues; only cancellation stops it.
func (o *Orchestrator) ReconcileBatch(ctx context.Context, ids []string, progress func(done, total int)) (BatchResult, error) {
	var batch BatchResult
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return batch, err
		}
		result, err := o.Reconcile(ctx, id)
		if err != nil {
			slog.Warn("Failed to reconcile transaction", "transaction_id", id, "error", err)
			batch.Failures = append(batch.Failures, Failure{TransactionID: id, Err: err})
		} else {
			batch.Results = append(batch.Results, result)
		}
		if progress != nil {
			progress(i+1, len(ids))
		}
	}
	return batch, nil
}
