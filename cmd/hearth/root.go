package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"hearth/internal/logging"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	config    string
	dbPath    string
	logLevel  string
	logFormat string
}

var rootCmd = &cobra.Command{
	Use:   "hearth",
	Short: "Closed-loop tuning for a residential heat pump",
	Long: "Hearth tunes heat-pump parameters in a measured loop: every change\n" +
		"passes a safety gate, gets a 48h before/after evaluation, and is kept\n" +
		"or reverted on evidence.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		level, err := logging.ParseLevel(rootFlags.logLevel)
		if err != nil {
			return err
		}
		logging.Init(level, rootFlags.logFormat)
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&rootFlags.config, "config", "c", "", "Path to config YAML (default: built-in defaults)")
	pf.StringVar(&rootFlags.dbPath, "db", "", "SQLite path (overrides config)")
	pf.StringVar(&rootFlags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&rootFlags.logFormat, "log-format", "text", "Log format (text, json)")

	rootCmd.AddCommand(cycleCmd)
	rootCmd.AddCommand(proposeCmd)
	rootCmd.AddCommand(evaluateCmd)
	rootCmd.AddCommand(backlogCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(pollCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
