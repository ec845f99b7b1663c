package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Veraticus/spice-ledger/internal/cli"
	"github.com/Veraticus/spice-ledger/internal/common"
	"github.com/Veraticus/spice-ledger/internal/model"
	"github.com/Veraticus/spice-ledger/internal/service"
	"github.com/spf13/cobra"
)

func outcomesCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outcomes",
		Short: "Inspect and correct classification outcomes",
	}
	cmd.AddCommand(outcomesShowCmd(env))
	cmd.AddCommand(outcomesReviewCmd(env))
	return cmd
}

func outcomesShowCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <transaction id>",
		Short: "Show the latest classification of a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			history, _ := cmd.Flags().GetBool("history")
			asJSON, _ := cmd.Flags().GetBool("json")

			a, err := env.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			var outcomes []model.ClassificationOutcome
			if history {
				if outcomes, err = a.classifier.History(cmd.Context(), args[0]); err != nil {
					return err
				}
			} else {
				latest, err := a.classifier.Latest(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				outcomes = []model.ClassificationOutcome{*latest}
			}

			if asJSON {
				dtos := make([]service.ClassificationOutcomeDTO, 0, len(outcomes))
				for i := range outcomes {
					dtos = append(dtos, service.NewClassificationOutcomeDTO(&outcomes[i]))
				}
				if !history {
					return writeJSON(cmd.OutOrStdout(), dtos[0])
				}
				return writeJSON(cmd.OutOrStdout(), dtos)
			}

			for i := range outcomes {
				title := fmt.Sprintf("Outcome %s", outcomes[i].CreatedAt.UTC().Format("2006-01-02 15:04:05 MST"))
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), cli.RenderBox(title, cli.RenderOutcome(&outcomes[i]))); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().Bool("history", false, "show every outcome, oldest first")
	cmd.Flags().Bool("json", false, "print as JSON")
	return cmd
}

func outcomesReviewCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review [transaction id]",
		Short: "Record a manual classification",
		Long: `Record a household user's classification. The new outcome is appended;
earlier outcomes stay in the history.

With a transaction id and --subcategory the choice is recorded directly.
Without --subcategory you are prompted. Without a transaction id every
transaction of --household that needs review is walked through in turn.

Examples:
  ledger outcomes review 0c6f1e0a-... --subcategory dining --user alex
  ledger outcomes review --household home --user alex`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subcategory, _ := cmd.Flags().GetString("subcategory")
			user, _ := cmd.Flags().GetString("user")
			rationale, _ := cmd.Flags().GetString("rationale")
			household, _ := cmd.Flags().GetString("household")

			if len(args) == 0 && household == "" {
				return fmt.Errorf("pass a transaction id or --household")
			}
			if len(args) == 0 && subcategory != "" {
				return fmt.Errorf("--subcategory needs a transaction id")
			}

			a, err := env.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			out := cmd.OutOrStdout()
			if subcategory != "" {
				outcome, err := a.classifier.RecordManual(cmd.Context(), args[0], subcategory, user, rationale)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(out, cli.RenderOutcome(outcome))
				return err
			}

			ids := args
			if len(ids) == 0 {
				if ids, err = needsReviewIDs(cmd.Context(), a.store, household); err != nil {
					return err
				}
			}
			reviewed, err := reviewInteractively(cmd.Context(), a, cmd.InOrStdin(), out, ids, user)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(out, cli.FormatSuccess(fmt.Sprintf("Reviewed %d of %d transactions", reviewed, len(ids))))
			return err
		},
	}
	cmd.Flags().String("subcategory", "", "subcategory to assign")
	cmd.Flags().String("user", "", "household user making the choice")
	cmd.Flags().String("rationale", "", "note recorded with the outcome")
	cmd.Flags().String("household", "", "review every transaction of this household that needs review")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func needsReviewIDs(ctx context.Context, store service.Storage, householdID string) ([]string, error) {
	status := model.ReviewNeedsReview
	txns, err := store.GetTransactions(ctx, service.TransactionFilter{HouseholdID: householdID, ReviewStatus: &status})
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	ids := make([]string, 0, len(txns))
	for _, txn := range txns {
		ids = append(ids, txn.ID)
	}
	return ids, nil
}

// reviewInteractively prompts for each transaction and records the answers.
// Quitting keeps everything recorded so far.
func reviewInteractively(ctx context.Context, a *app, in io.Reader, out io.Writer, ids []string, user string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if in == nil {
		in = os.Stdin
	}

	subs, err := a.store.GetSubcategories(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load subcategories: %w", err)
	}

	prompter := cli.NewReviewPrompter(in, out)
	reviewed := 0
	for _, id := range ids {
		txn, err := a.store.GetTransactionByID(ctx, id)
		if err != nil {
			return reviewed, err
		}
		latest, err := a.classifier.Latest(ctx, id)
		if err != nil && !errors.Is(err, common.ErrNotFound) {
			return reviewed, err
		}

		choice, err := prompter.Review(ctx, *txn, latest, subs)
		if errors.Is(err, cli.ErrReviewQuit) {
			return reviewed, nil
		}
		if err != nil {
			return reviewed, err
		}
		if choice.Skip {
			continue
		}

		if _, err := a.classifier.RecordManual(ctx, id, choice.SubcategoryID, user, choice.Rationale); err != nil {
			return reviewed, err
		}
		reviewed++
	}
	return reviewed, nil
}
