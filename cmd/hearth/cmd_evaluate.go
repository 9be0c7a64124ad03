package main

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"hearth/internal/evaluate"
	"hearth/internal/store"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Score applied changes whose dwell window has elapsed",
	RunE:  runEvaluate,
}

func runEvaluate(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	changes, err := a.st.ListUnevaluatedChanges()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	var results []*store.ABTestResult
	for _, change := range changes {
		result, err := a.eval.Evaluate(cmd.Context(), change, now)
		if err != nil {
			if errors.Is(err, evaluate.ErrNotDue) {
				continue
			}
			return err
		}
		results = append(results, result)
	}
	return printJSON(results)
}
