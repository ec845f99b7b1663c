package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/Veraticus/spice-ledger/internal/cli"
	"github.com/Veraticus/spice-ledger/internal/model"
	"github.com/Veraticus/spice-ledger/internal/ofx"
	"github.com/spf13/cobra"
)

func importOFXCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import-ofx [files...]",
		Short: "Import transactions from OFX/QFX files",
		Long: `Import financial transactions from OFX or QFX (Quicken) files exported from your bank.

Transaction ids are derived from the bank's FITID, so importing an
overlapping statement again does not create duplicates.

Examples:
  # Import a single file
  ledger import-ofx --household home ~/Downloads/checking_mar_2024.qfx

  # Import every statement in a directory
  ledger import-ofx --household home ~/Downloads/*.qfx`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			household, _ := cmd.Flags().GetString("household")
			dryRun, _ := cmd.Flags().GetBool("dry-run")

			files, err := expandFiles(args)
			if err != nil {
				return err
			}

			interrupts := cli.NewInterruptHandler(cmd.ErrOrStderr(), "Import")
			ctx := interrupts.HandleInterrupts(cmd.Context())
			defer interrupts.Stop()

			parser := ofx.NewParser(household)
			seen := make(map[string]bool)
			var all []model.EnrichedTransaction
			for _, path := range files {
				f, err := os.Open(path)
				if err != nil {
					slog.Error("Failed to open file", "file", path, "error", err)
					continue
				}
				txns, err := parser.ParseFile(ctx, f)
				_ = f.Close()
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					slog.Error("Failed to parse OFX file", "file", path, "error", err)
					continue
				}

				added := 0
				for _, tx := range txns {
					if seen[tx.ID] {
						continue
					}
					seen[tx.ID] = true
					all = append(all, tx)
					added++
				}
				slog.Info("Processed file",
					"file", filepath.Base(path),
					"transactions_found", len(txns),
					"added", added,
					"duplicates", len(txns)-added)
			}

			out := cmd.OutOrStdout()
			if len(all) == 0 {
				_, err := fmt.Fprintln(out, cli.FormatWarning("No transactions found"))
				return err
			}
			if dryRun {
				_, err := fmt.Fprintln(out, cli.FormatInfo(fmt.Sprintf("Dry run: %d transactions parsed, nothing saved", len(all))))
				return err
			}

			a, err := env.openApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if err := a.store.SaveTransactions(ctx, all); err != nil {
				return fmt.Errorf("failed to save transactions: %w", err)
			}
			_, err = fmt.Fprintln(out, cli.FormatSuccess(fmt.Sprintf("Imported %d transactions from %d files", len(all), len(files))))
			return err
		},
	}

	cmd.Flags().String("household", "", "household the transactions belong to")
	cmd.Flags().BoolP("dry-run", "d", false, "parse without saving")
	_ = cmd.MarkFlagRequired("household")

	return cmd
}

// expandFiles resolves glob patterns, keeping plain paths that exist.
func expandFiles(patterns []string) ([]string, error) {
	var files []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %s: %w", pattern, err)
		}
		if len(matches) == 0 {
			if _, err := os.Stat(pattern); err == nil {
				files = append(files, pattern)
			} else {
				slog.Warn("No files found matching pattern", "pattern", pattern)
			}
			continue
		}
		files = append(files, matches...)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no files found to import")
	}
	sort.Strings(files)
	return files, nil
}
