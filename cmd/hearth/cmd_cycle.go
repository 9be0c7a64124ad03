package main

import (
	"time"

	"github.com/spf13/cobra"
)

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run one full tuning cycle",
	Long: `Cycle reads the device state, evaluates any change whose dwell window
has elapsed, plans a predictive move from the price and weather forecast,
promotes the next backlog test, and applies whatever passes the safety gate.`,
	RunE: runCycle,
}

func runCycle(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	eng, err := a.engine()
	if err != nil {
		return err
	}
	report, err := eng.RunCycle(cmd.Context(), time.Now().UTC())
	if err != nil {
		return err
	}
	return printJSON(report)
}
