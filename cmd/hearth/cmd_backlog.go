package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"hearth/internal/store"
)

var backlogFlags struct {
	promote    int64
	cancel     int64
	exportPath string
	importPath string
}

var backlogCmd = &cobra.Command{
	Use:   "backlog",
	Short: "List the prioritized test backlog, promote or cancel entries",
	RunE:  runBacklog,
}

func init() {
	f := backlogCmd.Flags()
	f.Int64Var(&backlogFlags.promote, "promote", 0, "Promote the proposed test with this ID to pending")
	f.Int64Var(&backlogFlags.cancel, "cancel", 0, "Cancel the proposed or pending test with this ID")
	f.StringVar(&backlogFlags.exportPath, "export", "", "Write the backlog as YAML to this file")
	f.StringVar(&backlogFlags.importPath, "import", "", "Queue candidates from a YAML file")
}

// backlogEntry is the import/export shape: the operator-editable subset of a
// planned test.
type backlogEntry struct {
	Parameter     string  `yaml:"parameter"`
	CurrentValue  float64 `yaml:"current_value"`
	ProposedValue float64 `yaml:"proposed_value"`
	Hypothesis    string  `yaml:"hypothesis,omitempty"`
	ExpectedGain  float64 `yaml:"expected_gain,omitempty"`
	Confidence    float64 `yaml:"confidence"`
}

func runBacklog(_ *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	switch {
	case backlogFlags.promote != 0:
		t, err := a.pri.Promote(backlogFlags.promote)
		if err != nil {
			return err
		}
		return printJSON(t)
	case backlogFlags.cancel != 0:
		t, err := a.pri.Cancel(backlogFlags.cancel)
		if err != nil {
			return err
		}
		return printJSON(t)
	case backlogFlags.importPath != "":
		return importBacklog(a, backlogFlags.importPath)
	case backlogFlags.exportPath != "":
		return exportBacklog(a, backlogFlags.exportPath)
	}

	backlog, err := a.st.ListBacklog()
	if err != nil {
		return err
	}
	return printJSON(backlog)
}

func importBacklog(a *app, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var entries []backlogEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	now := time.Now().UTC()
	var queued []*store.PlannedTest
	for i, e := range entries {
		t, err := a.pri.Enqueue(&store.PlannedTest{
			Parameter:     e.Parameter,
			CurrentValue:  e.CurrentValue,
			ProposedValue: e.ProposedValue,
			Hypothesis:    e.Hypothesis,
			ExpectedGain:  e.ExpectedGain,
			Confidence:    e.Confidence,
		}, now)
		if err != nil {
			return fmt.Errorf("entry %d: %w", i+1, err)
		}
		queued = append(queued, t)
	}
	return printJSON(queued)
}

func exportBacklog(a *app, path string) error {
	backlog, err := a.st.ListBacklog()
	if err != nil {
		return err
	}
	entries := make([]backlogEntry, 0, len(backlog))
	for _, t := range backlog {
		entries = append(entries, backlogEntry{
			Parameter:     t.Parameter,
			CurrentValue:  t.CurrentValue,
			ProposedValue: t.ProposedValue,
			Hypothesis:    t.Hypothesis,
			ExpectedGain:  t.ExpectedGain,
			Confidence:    t.Confidence,
		})
	}
	data, err := yaml.Marshal(entries)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
