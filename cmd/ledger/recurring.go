package main

import (
	"fmt"

	"github.com/Veraticus/spice-ledger/internal/cli"
	"github.com/Veraticus/spice-ledger/internal/common"
	"github.com/Veraticus/spice-ledger/internal/model"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func recurringCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recurring",
		Short: "Manage recurring obligations",
	}
	cmd.AddCommand(recurringListCmd(env))
	cmd.AddCommand(recurringAddCmd(env))
	cmd.AddCommand(recurringDeactivateCmd(env))
	return cmd
}

func recurringListCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a household's recurring items",
		RunE: func(cmd *cobra.Command, _ []string) error {
			household, _ := cmd.Flags().GetString("household")
			includeInactive, _ := cmd.Flags().GetBool("all")

			a, err := env.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			items, err := a.recurring.ListItems(cmd.Context(), household, includeInactive)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), cli.RenderRecurringItems(items))
			return err
		},
	}
	cmd.Flags().String("household", "", "household to list")
	cmd.Flags().Bool("all", false, "include inactive items")
	_ = cmd.MarkFlagRequired("household")
	return cmd
}

func recurringAddCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a recurring item",
		Long: `Add a recurring obligation. Omitted weights and tie-break policy take
the engine defaults.

Example:
  ledger recurring add --household home --merchant "City Power" \
    --amount 120 --frequency monthly --next-due 2024-03-15 --variance-amount 5`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			item, err := recurringItemFromFlags(cmd)
			if err != nil {
				return err
			}

			a, err := env.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if err := a.recurring.CreateItem(cmd.Context(), item); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("Created recurring item %s (%s)", item.ID, item.MerchantName)))
			return err
		},
	}

	flags := cmd.Flags()
	flags.String("id", "", "item id (default: generated)")
	flags.String("household", "", "household the item belongs to")
	flags.String("merchant", "", "merchant name as it appears on transactions")
	flags.String("amount", "", "expected amount")
	flags.String("frequency", string(model.FrequencyMonthly), "weekly, biweekly, monthly, quarterly, semiannual or annual")
	flags.String("next-due", "", "next due date (YYYY-MM-DD)")
	flags.String("variance-percent", "", "allowed amount variance as a fraction, e.g. 0.1")
	flags.String("variance-amount", "", "allowed absolute amount variance")
	flags.Float64("threshold", 0.7, "minimum score for a match")
	flags.Int("window-before", 3, "days before the due date a match is accepted")
	flags.Int("window-after", 3, "days after the due date a match is accepted")
	flags.String("tie-break", "", "tie-break policy, e.g. due_date_distance_then_amount_delta")
	flags.Bool("variable", false, "the amount varies from cycle to cycle")
	for _, name := range []string{"household", "merchant", "amount", "next-due"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func recurringItemFromFlags(cmd *cobra.Command) (*model.RecurringItem, error) {
	flags := cmd.Flags()
	id, _ := flags.GetString("id")
	household, _ := flags.GetString("household")
	merchant, _ := flags.GetString("merchant")
	amountStr, _ := flags.GetString("amount")
	frequency, _ := flags.GetString("frequency")
	nextDue, _ := flags.GetString("next-due")
	variancePct, _ := flags.GetString("variance-percent")
	varianceAbs, _ := flags.GetString("variance-amount")
	threshold, _ := flags.GetFloat64("threshold")
	before, _ := flags.GetInt("window-before")
	after, _ := flags.GetInt("window-after")
	policy, _ := flags.GetString("tie-break")
	variable, _ := flags.GetBool("variable")

	var errs common.ValidationErrors
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		errs.Add("amount", "invalid amount %q", amountStr)
	}
	due, err := model.ParseDate(nextDue)
	if err != nil {
		errs.Add("next-due", "must be YYYY-MM-DD")
	}
	pct, err := optionalAmount(variancePct)
	if err != nil {
		errs.Add("variance-percent", "%v", err)
	}
	abs, err := optionalAmount(varianceAbs)
	if err != nil {
		errs.Add("variance-amount", "%v", err)
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}

	return &model.RecurringItem{
		ID:                          id,
		HouseholdID:                 household,
		MerchantName:                merchant,
		ExpectedAmount:              amount,
		AmountVariancePercent:       pct,
		AmountVarianceAbsolute:      abs,
		Frequency:                   model.Frequency(frequency),
		NextDueDate:                 due,
		DeterministicMatchThreshold: threshold,
		DueWindowDaysBefore:         before,
		DueWindowDaysAfter:          after,
		TieBreakPolicy:              policy,
		IsVariable:                  variable,
		IsActive:                    true,
	}, nil
}

func optionalAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", s)
	}
	return d, nil
}

func recurringDeactivateCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <item id>",
		Short: "Stop matching transactions against a recurring item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := env.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if err := a.recurring.DeactivateItem(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess("Deactivated recurring item "+args[0]))
			return err
		},
	}
}
