package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veraticus/spice-ledger/internal/cli"
	"github.com/Veraticus/spice-ledger/internal/common"
	"github.com/Veraticus/spice-ledger/internal/model"
	"github.com/Veraticus/spice-ledger/internal/reconcile"
	"github.com/Veraticus/spice-ledger/internal/service"
	"github.com/spf13/cobra"
)

// conflictRetry bounds how often a transaction is retried after losing a
// write race.
var conflictRetry = common.RetryOptions{
	MaxAttempts:  3,
	InitialDelay: 50 * time.Millisecond,
	MaxDelay:     time.Second,
	Multiplier:   2.0,
}

// resultOutput is the JSON form of one reconciliation.
type resultOutput struct {
	Classification *service.ClassificationOutcomeDTO `json:"classification"`
	Reimbursement  *reconcile.ReimbursementHint       `json:"reimbursementHint,omitempty"`
	Proposal       *service.ReimbursementProposalDTO `json:"proposal,omitempty"`
	TransactionID  string                            `json:"transactionId"`
	Match          service.RecurringMatchDTO         `json:"recurringMatch"`
}

type failureOutput struct {
	TransactionID string `json:"transactionId"`
	Error         string `json:"error"`
}

type batchOutput struct {
	Results  []resultOutput  `json:"results"`
	Failures []failureOutput `json:"failures"`
}

func reconcileCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile [transaction ids...]",
		Short: "Match, classify and check transactions for reimbursements",
		Long: `Reconcile transactions: match them against recurring items, run the
classification pipeline and flag inflows that look like reimbursements.

Transactions that lose a write race are retried with fresh state.

Examples:
  ledger reconcile 0c6f1e0a-...
  ledger reconcile --all-unreviewed --household home
  ledger reconcile --all-unreviewed --household home --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all-unreviewed")
			household, _ := cmd.Flags().GetString("household")
			asJSON, _ := cmd.Flags().GetBool("json")
			verbose, _ := cmd.Flags().GetBool("verbose")

			if all == (len(args) > 0) {
				return fmt.Errorf("pass transaction ids or --all-unreviewed, not both")
			}
			if all && household == "" {
				return fmt.Errorf("--household is required with --all-unreviewed")
			}

			interrupts := cli.NewInterruptHandler(cmd.ErrOrStderr(), "Reconciliation")
			ctx := interrupts.HandleInterrupts(cmd.Context())
			defer interrupts.Stop()

			a, err := env.openApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			ids := args
			if all {
				if ids, err = unreviewedIDs(ctx, a.store, household); err != nil {
					return err
				}
			}
			if len(ids) == 0 {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), cli.FormatInfo("Nothing to reconcile"))
				return err
			}

			var progress func(done, total int)
			if !asJSON && len(ids) > 1 {
				progress = cli.ProgressFunc(cli.NewProgressBar(len(ids), cmd.ErrOrStderr(), "Reconciling"))
			}

			batch, err := a.orchestrator.ReconcileBatch(ctx, ids, progress)
			if err != nil && !interrupts.WasInterrupted() {
				return err
			}
			batch = retryConflicts(ctx, a.orchestrator, batch)

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), newBatchOutput(batch))
			}

			out := cmd.OutOrStdout()
			if verbose || len(ids) == 1 {
				for _, r := range batch.Results {
					if _, err := fmt.Fprintln(out, cli.RenderResult(r)); err != nil {
						return err
					}
				}
			}
			if len(ids) > 1 || len(batch.Failures) > 0 {
				if _, err := fmt.Fprintln(out, cli.RenderBatchSummary(batch)); err != nil {
					return err
				}
			}
			if len(batch.Failures) > 0 {
				return fmt.Errorf("%d of %d transactions failed", len(batch.Failures), len(ids))
			}
			return nil
		},
	}

	cmd.Flags().Bool("all-unreviewed", false, "reconcile every transaction not yet reviewed by a person")
	cmd.Flags().String("household", "", "household for --all-unreviewed")
	cmd.Flags().Bool("json", false, "print results as JSON")
	cmd.Flags().BoolP("verbose", "v", false, "show every result, not only the summary")

	return cmd
}

// unreviewedIDs lists transactions without a manual classification, oldest
// first so recurring items advance in order.
func unreviewedIDs(ctx context.Context, store service.Storage, householdID string) ([]string, error) {
	txns, err := store.GetTransactions(ctx, service.TransactionFilter{HouseholdID: householdID})
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	ids := make([]string, 0, len(txns))
	for _, txn := range txns {
		if txn.ReviewStatus != model.ReviewReviewed {
			ids = append(ids, txn.ID)
		}
	}
	return ids, nil
}

// retryConflicts reconciles conflicting transactions again. Each attempt
// reloads the transaction, so it sees the state the winning write left.
func retryConflicts(ctx context.Context, orch *reconcile.Orchestrator, batch reconcile.BatchResult) reconcile.BatchResult {
	var remaining []reconcile.Failure
	for _, f := range batch.Failures {
		if !errors.Is(f.Err, common.ErrConflict) || ctx.Err() != nil {
			remaining = append(remaining, f)
			continue
		}

		var result reconcile.Result
		err := common.WithRetry(ctx, func() error {
			var err error
			result, err = orch.Reconcile(ctx, f.TransactionID)
			return err
		}, conflictRetry)
		if err != nil {
			slog.Warn("Reconciliation retry failed", "transaction_id", f.TransactionID, "error", err)
			remaining = append(remaining, reconcile.Failure{TransactionID: f.TransactionID, Err: err})
			continue
		}
		batch.Results = append(batch.Results, result)
	}
	batch.Failures = remaining
	return batch
}

func newResultOutput(r reconcile.Result) resultOutput {
	out := resultOutput{
		TransactionID: r.TransactionID,
		Match:         r.Match.DTO(r.TransactionID),
		Reimbursement: r.Reimbursement,
	}
	if r.Classification != nil {
		dto := service.NewClassificationOutcomeDTO(r.Classification)
		out.Classification = &dto
	}
	if r.Proposal != nil {
		dto := service.NewReimbursementProposalDTO(r.Proposal)
		out.Proposal = &dto
	}
	return out
}

func newBatchOutput(batch reconcile.BatchResult) batchOutput {
	out := batchOutput{
		Results:  make([]resultOutput, 0, len(batch.Results)),
		Failures: make([]failureOutput, 0, len(batch.Failures)),
	}
	for _, r := range batch.Results {
		out.Results = append(out.Results, newResultOutput(r))
	}
	for _, f := range batch.Failures {
		out.Failures = append(out.Failures, failureOutput{TransactionID: f.TransactionID, Error: f.Err.Error()})
	}
	return out
}
