package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"hearth/internal/telemetry"
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Record appliance telemetry samples until interrupted",
	RunE:  runPoll,
}

func runPoll(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	reader, ok := a.ctrl.(telemetry.SampleReader)
	if !ok {
		return errors.New("configured device adapter does not expose telemetry")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poller := telemetry.NewPoller(a.st, reader, a.cfg.SampleInterval.D())
	if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
