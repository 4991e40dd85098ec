package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"storysave/internal/savequeue"
)

var (
	fullSaveForce bool
	fullSaveStory string
)

func fullSaveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "full-save [document.json]",
		Short: "Write a whole story document, replacing the stored copy",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runFullSave,
	}
	cmd.Flags().BoolVar(&fullSaveForce, "force", false, "Overwrite even when the stored story is newer")
	cmd.Flags().StringVar(&fullSaveStory, "story", "", "Story id (defaults to the configured story)")
	return cmd
}

func runFullSave(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	var payload json.RawMessage
	if len(args) == 1 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading %s: %w", args[0], err)
		}
		if !json.Valid(data) {
			return fmt.Errorf("%s is not valid JSON", args[0])
		}
		payload = data
	}

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	storyID := fullSaveStory
	if storyID == "" {
		storyID = a.cfg.Story
	}

	stamp, err := a.editor.FullSave(ctx, storyID, payload, fullSaveForce)
	var saveErr *savequeue.Error
	if errors.As(err, &saveErr) && saveErr.Class == savequeue.ClassConflict {
		fmt.Fprintf(os.Stdout, "Story %s changed on the server at %s.\n", storyID, formatStamp(saveErr.ServerStamp))
		fmt.Fprintln(os.Stdout, "Re-run with --force to overwrite it.")
		return err
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "Saved story %s at %s.\n", storyID, formatStamp(stamp))
	return nil
}

func formatStamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339Nano)
}
