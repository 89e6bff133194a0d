// Package cli provides the command-line interface for fnsched.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fnsched/fnsched/internal/cli/commands"
	"github.com/fnsched/fnsched/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "fnsched",
	Short: "fnsched - single-node task scheduler",
	Long: `fnsched persists shell-script tasks, fires them on cron timers or
condition signals, runs each one as a child process under a chosen OS
account, and serves a REST API plus a web UI for managing them.`,
	Version: version.Version,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func init() {
	rootCmd.AddCommand(commands.NewServeCommand())
	rootCmd.AddCommand(commands.NewVersionCommand())
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}
