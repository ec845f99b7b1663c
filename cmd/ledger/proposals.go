package main

import (
	"fmt"

	"github.com/Veraticus/spice-ledger/internal/cli"
	"github.com/Veraticus/spice-ledger/internal/model"
	"github.com/Veraticus/spice-ledger/internal/reimburse"
	"github.com/Veraticus/spice-ledger/internal/service"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func proposalsCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proposals",
		Short: "Create, revise and decide reimbursement proposals",
	}
	cmd.AddCommand(proposalsCreateCmd(env))
	cmd.AddCommand(proposalsDecideCmd(env))
	cmd.AddCommand(proposalsShowCmd(env))
	cmd.AddCommand(proposalsPendingCmd(env))
	return cmd
}

func proposalsCreateCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Propose that an inflow reimburses a transaction",
		Long: `Propose that an incoming transaction pays back a related transaction or
one of its splits. Pass --supersedes to revise an undecided proposal; the
revision joins the same lifecycle group.

Examples:
  ledger proposals create --incoming venmo-in --related dinner --amount 30
  ledger proposals create --incoming venmo-in --related dinner --split friend \
    --amount 25 --supersedes 9b1e...`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			incoming, _ := flags.GetString("incoming")
			related, _ := flags.GetString("related")
			split, _ := flags.GetString("split")
			amountStr, _ := flags.GetString("amount")
			supersedes, _ := flags.GetString("supersedes")
			group, _ := flags.GetString("group")
			rationale, _ := flags.GetString("rationale")
			source, _ := flags.GetString("source")
			reference, _ := flags.GetString("reference")
			asJSON, _ := flags.GetBool("json")

			amount, err := decimal.NewFromString(amountStr)
			if err != nil {
				return fmt.Errorf("invalid amount %q", amountStr)
			}

			a, err := env.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			p, err := a.proposals.Create(cmd.Context(), reimburse.CreateRequest{
				IncomingTransactionID: incoming,
				RelatedTransactionID:  related,
				RelatedSplitID:        split,
				ProposedAmount:        amount,
				LifecycleGroupID:      group,
				SupersedesProposalID:  supersedes,
				Source:                model.ProposalSource(source),
				Rationale:             rationale,
				Provenance:            model.Provenance{SourceTag: "cli", Reference: reference},
			})
			if err != nil {
				return err
			}
			return printProposal(cmd, p, asJSON)
		},
	}

	flags := cmd.Flags()
	flags.String("incoming", "", "incoming transaction id")
	flags.String("related", "", "related transaction id")
	flags.String("split", "", "related split id")
	flags.String("amount", "", "proposed amount")
	flags.String("supersedes", "", "proposal this one revises")
	flags.String("group", "", "lifecycle group (default: inferred or new)")
	flags.String("rationale", "", "why this proposal was made")
	flags.String("source", string(model.SourceManual), "deterministic, manual or agent")
	flags.String("reference", "", "external reference for provenance")
	flags.Bool("json", false, "print the proposal as JSON")
	for _, name := range []string{"incoming", "related", "amount"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func proposalsDecideCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decide <proposal id>",
		Short: "Approve or reject a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, _ := cmd.Flags().GetString("action")
			user, _ := cmd.Flags().GetString("user")
			rationale, _ := cmd.Flags().GetString("rationale")
			asJSON, _ := cmd.Flags().GetBool("json")

			a, err := env.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			p, err := a.proposals.Decide(cmd.Context(), reimburse.DecideRequest{
				ProposalID:    args[0],
				Action:        model.DecisionAction(action),
				DeciderUserID: user,
				Rationale:     rationale,
			})
			if err != nil {
				return err
			}
			return printProposal(cmd, p, asJSON)
		},
	}
	cmd.Flags().String("action", "", "approve or reject")
	cmd.Flags().String("user", "", "household user making the decision")
	cmd.Flags().String("rationale", "", "note recorded with the decision")
	cmd.Flags().Bool("json", false, "print the proposal as JSON")
	_ = cmd.MarkFlagRequired("action")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func proposalsShowCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <proposal id>",
		Short: "Show a proposal with its whole lifecycle group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")

			a, err := env.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			p, err := a.proposals.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			group, err := a.proposals.Group(cmd.Context(), p.LifecycleGroupID)
			if err != nil {
				return err
			}
			return printProposals(cmd, "Lifecycle group "+p.LifecycleGroupID, group.Proposals(), asJSON)
		},
	}
	cmd.Flags().Bool("json", false, "print the group as JSON")
	return cmd
}

func proposalsPendingCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List undecided proposals of a household",
		RunE: func(cmd *cobra.Command, _ []string) error {
			household, _ := cmd.Flags().GetString("household")
			asJSON, _ := cmd.Flags().GetBool("json")

			a, err := env.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			pending, err := a.proposals.ListPending(cmd.Context(), household)
			if err != nil {
				return err
			}
			if len(pending) == 0 && !asJSON {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), cli.FormatInfo("No pending proposals"))
				return err
			}
			return printProposals(cmd, fmt.Sprintf("Pending proposals (%d)", len(pending)), pending, asJSON)
		},
	}
	cmd.Flags().String("household", "", "household to list")
	cmd.Flags().Bool("json", false, "print proposals as JSON")
	_ = cmd.MarkFlagRequired("household")
	return cmd
}

func printProposal(cmd *cobra.Command, p *model.ReimbursementProposal, asJSON bool) error {
	if asJSON {
		return writeJSON(cmd.OutOrStdout(), service.NewReimbursementProposalDTO(p))
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), cli.RenderProposal(p))
	return err
}

func printProposals(cmd *cobra.Command, title string, proposals []model.ReimbursementProposal, asJSON bool) error {
	if asJSON {
		dtos := make([]service.ReimbursementProposalDTO, 0, len(proposals))
		for i := range proposals {
			dtos = append(dtos, service.NewReimbursementProposalDTO(&proposals[i]))
		}
		return writeJSON(cmd.OutOrStdout(), dtos)
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), cli.RenderBox(title, cli.RenderProposalGroup(proposals)))
	return err
}
