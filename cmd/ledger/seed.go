package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Veraticus/spice-ledger/internal/cli"
	"github.com/Veraticus/spice-ledger/internal/common"
	"github.com/Veraticus/spice-ledger/internal/config"
	"github.com/Veraticus/spice-ledger/internal/scoring"
	"github.com/spf13/cobra"
)

// seedCounts tallies what a seed run created and skipped.
type seedCounts struct {
	subcategories, rules, recurring int
	skipped                         int
}

func seedCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load subcategories, rules and recurring items from YAML",
		Long: `Load the subcategory catalog and a household's pattern rules and
recurring items from a seed file. Entries that already exist are skipped,
so seeding the same file twice is harmless.

Example:
  ledger seed --file household.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("file")

			seed, err := config.LoadSeed(path)
			if err != nil {
				return err
			}

			a, err := env.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			counts, err := applySeed(cmd.Context(), a, seed)
			if err != nil {
				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf(
				"Seeded %d subcategories, %d rules, %d recurring items (%d already present)",
				counts.subcategories, counts.rules, counts.recurring, counts.skipped)))
			return err
		},
	}

	cmd.Flags().StringP("file", "f", "", "seed file (YAML)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// applySeed validates the whole seed before writing any of it.
func applySeed(ctx context.Context, a *app, seed *config.Seed) (seedCounts, error) {
	var counts seedCounts

	subs, err := seed.SubcategoryModels()
	if err != nil {
		return counts, err
	}
	rules, err := seed.RuleModels()
	if err != nil {
		return counts, err
	}
	items, err := seed.RecurringModels(scoring.Version)
	if err != nil {
		return counts, err
	}
	if (len(rules) > 0 || len(items) > 0) && seed.Household == "" {
		return counts, common.NewValidationError("household", "is required when the seed has rules or recurring items")
	}

	for i := range subs {
		if err := a.store.CreateSubcategory(ctx, &subs[i]); err != nil {
			if errors.Is(err, common.ErrConflict) {
				counts.skipped++
				continue
			}
			return counts, fmt.Errorf("failed to create subcategory %s: %w", subs[i].ID, err)
		}
		counts.subcategories++
	}

	existing, err := a.store.GetActivePatternRules(ctx, seed.Household)
	if err != nil {
		return counts, fmt.Errorf("failed to load rules: %w", err)
	}
	names := make(map[string]bool, len(existing))
	for _, r := range existing {
		names[r.Name] = true
	}
	for i := range rules {
		if rules[i].Name != "" && names[rules[i].Name] {
			counts.skipped++
			continue
		}
		if err := a.store.CreatePatternRule(ctx, &rules[i]); err != nil {
			return counts, fmt.Errorf("failed to create rule %q: %w", rules[i].Name, err)
		}
		counts.rules++
	}

	for i := range items {
		if items[i].ID != "" {
			if _, err := a.store.GetRecurringItem(ctx, items[i].ID); err == nil {
				counts.skipped++
				continue
			} else if !errors.Is(err, common.ErrNotFound) {
				return counts, err
			}
		}
		if err := a.recurring.CreateItem(ctx, &items[i]); err != nil {
			return counts, err
		}
		counts.recurring++
	}

	slog.Info("Seed applied",
		"household_id", seed.Household,
		"subcategories", counts.subcategories,
		"rules", counts.rules,
		"recurring_items", counts.recurring,
		"skipped", counts.skipped)
	return counts, nil
}
