package main

import (
	"time"

	"github.com/spf13/cobra"

	"hearth/internal/prioritize"
)

var proposeFlags struct {
	window time.Duration
}

var proposeCmd = &cobra.Command{
	Use:   "propose",
	Short: "Generate and queue new test candidates",
	Long: `Propose aggregates recent metrics, asks the rule set and the reasoning
chain for improvement hypotheses, scores them, and queues them as proposed
tests in the backlog.`,
	RunE: runPropose,
}

func init() {
	proposeCmd.Flags().DurationVar(&proposeFlags.window, "window", 48*time.Hour, "Metric window candidates are generated from")
}

func runPropose(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	state, err := a.ctrl.ReadState(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	metrics, err := a.agg.Aggregate(ctx, now.Add(-proposeFlags.window), now)
	if err != nil {
		return err
	}

	queued, err := a.pri.Propose(ctx, prioritize.Context{State: state, Metrics: metrics}, now)
	if err != nil {
		return err
	}
	return printJSON(queued)
}
