// Package commands implements the fingerctl CLI commands.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// serverAddr is the daemon address (host:port) queries are sent to.
var serverAddr string

// rootCmd is the top-level cobra command for fingerctl.
var rootCmd = &cobra.Command{
	Use:   "fingerctl",
	Short: "CLI client for the dfingerd daemon",
	Long:  "fingerctl speaks the finger protocol directly to query the dfingerd daemon.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:79",
		"dfingerd finger port address (host:port)")

	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
