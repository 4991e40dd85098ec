package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"storysave/internal/replay"
)

var replayNoWait bool

func replayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <journal>...",
		Short: "Queue the operations recorded in JSON-lines journals",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runReplay,
	}
	cmd.Flags().BoolVar(&replayNoWait, "no-wait", false, "Exit without waiting for the queue to drain")
	return cmd
}

func runReplay(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	result, err := replay.Run(ctx, a.editor, args, replay.Options{Wait: !replayNoWait})
	if err != nil {
		return err
	}

	status := a.svc.Status()
	fmt.Fprintln(os.Stdout, "Replay complete.")
	fmt.Fprintf(os.Stdout, "  Journals read:     %d\n", result.Files)
	fmt.Fprintf(os.Stdout, "  Saves queued:      %d\n", result.Queued)
	fmt.Fprintf(os.Stdout, "  Saves debounced:   %d\n", result.Debounced)
	fmt.Fprintf(os.Stdout, "  Entries skipped:   %d\n", result.Skipped)
	fmt.Fprintf(os.Stdout, "  Still queued:      %d\n", status.QueueLength+status.PendingDebounced)
	if stamp := a.svc.Versions().Stamp(); !stamp.IsZero() {
		fmt.Fprintf(os.Stdout, "  Story updated at:  %s\n", formatStamp(stamp))
	}

	if len(result.Errors) > 0 {
		fmt.Fprintf(os.Stdout, "\nErrors (%d):\n", len(result.Errors))
		for _, item := range result.Errors {
			fmt.Fprintf(os.Stdout, "  - %v\n", item)
		}
		return fmt.Errorf("replay completed with errors")
	}

	return nil
}
