package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/Veraticus/spice-ledger/internal/cli"
	"github.com/Veraticus/spice-ledger/internal/common"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "dev"

// environment is the state shared by every command of one invocation.
type environment struct {
	viper   *viper.Viper
	cfgFile string
}

func newRootCmd() *cobra.Command {
	env := &environment{viper: viper.New()}

	rootCmd := &cobra.Command{
		Use:   "ledger",
		Short: cli.LedgerIcon + " Household transaction reconciliation",
		Long: `ledger matches household transactions against recurring obligations,
classifies them through rules, history and an optional agent, and tracks
reimbursement proposals from first guess to decision.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return env.initConfig(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&env.cfgFile, "config", "", "config file (default: $HOME/.config/ledger/config.yaml)")
	flags.String("database", "", "database path (default: $XDG_DATA_HOME/ledger/ledger.db)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "console", "log format (console, json)")

	_ = env.viper.BindPFlag("database", flags.Lookup("database"))
	_ = env.viper.BindPFlag("logging.level", flags.Lookup("log-level"))
	_ = env.viper.BindPFlag("logging.format", flags.Lookup("log-format"))

	rootCmd.AddCommand(migrateCmd(env))
	rootCmd.AddCommand(seedCmd(env))
	rootCmd.AddCommand(importOFXCmd(env))
	rootCmd.AddCommand(reconcileCmd(env))
	rootCmd.AddCommand(recurringCmd(env))
	rootCmd.AddCommand(proposalsCmd(env))
	rootCmd.AddCommand(outcomesCmd(env))
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, cli.FormatError(err.Error()))
		os.Exit(1)
	}
}

func (e *environment) initConfig(cmd *cobra.Command) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	v := e.viper
	if e.cfgFile != "" {
		v.SetConfigFile(e.cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		v.AddConfigPath(fmt.Sprintf("%s/.config/ledger", home))
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	level, err := common.ParseLevel(v.GetString("logging.level"))
	if err != nil {
		return err
	}
	if err := common.SetupLoggerTo(cmd.ErrOrStderr(), level, v.GetString("logging.format")); err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), cli.FormatTitle("ledger "+version))
			return err
		},
	}
}
