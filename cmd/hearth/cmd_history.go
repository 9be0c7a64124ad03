package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var historyFlags struct {
	kind   string
	window time.Duration
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent decisions, changes, or evaluation results",
	RunE:  runHistory,
}

func init() {
	f := historyCmd.Flags()
	f.StringVar(&historyFlags.kind, "kind", "decisions", "What to list (decisions, changes, results)")
	f.DurationVar(&historyFlags.window, "window", 7*24*time.Hour, "Lookback window")
}

func runHistory(_ *cobra.Command, _ []string) error {
	a, err := newReadApp()
	if err != nil {
		return err
	}
	defer a.close()

	since := time.Now().UTC().Add(-historyFlags.window).Format(time.RFC3339)
	switch historyFlags.kind {
	case "decisions":
		entries, err := a.st.ListDecisionsSince(since)
		if err != nil {
			return err
		}
		return printJSON(entries)
	case "changes":
		changes, err := a.st.ListChangesSince(since)
		if err != nil {
			return err
		}
		return printJSON(changes)
	case "results":
		results, err := a.st.ListResultsSince(since)
		if err != nil {
			return err
		}
		return printJSON(results)
	default:
		return fmt.Errorf("unknown kind %q (want decisions, changes, or results)", historyFlags.kind)
	}
}
