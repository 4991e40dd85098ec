// Package replay feeds recorded operation journals through a save queue.
package replay

import (
	"context"
	"fmt"
	"os"
	"time"

	"storysave/internal/editor"
)

type Result struct {
	Files     int
	Queued    int
	Debounced int
	Skipped   int
	Errors    []error
}

type Options struct {
	// Wait blocks until the queue has drained after the last entry.
	Wait bool
	// PollInterval is how often Wait checks the queue. Defaults to 20ms.
	PollInterval time.Duration
}

// Run replays every journal under paths in file order, then optionally
// waits for the queue to drain.
func Run(ctx context.Context, ed *editor.Editor, paths []string, options Options) (*Result, error) {
	files, err := walkJournalFiles(paths)
	if err != nil {
		return nil, fmt.Errorf("walking journals: %w", err)
	}

	result := &Result{}
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		f, err := os.Open(path)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("opening %s: %w", path, err))
			continue
		}
		entries, errs := Read(f)
		f.Close()
		result.Files++
		for _, err := range errs {
			result.Errors = append(result.Errors, fmt.Errorf("%s: %w", path, err))
			result.Skipped++
		}

		for _, entry := range entries {
			if err := apply(ctx, ed, entry); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("%s: line %d: %w", path, entry.Line, err))
				result.Skipped++
				continue
			}
			if entry.Debounce {
				result.Debounced++
			} else {
				result.Queued++
			}
		}
	}

	if options.Wait {
		if err := WaitIdle(ctx, ed, options.PollInterval); err != nil {
			return result, err
		}
	}
	return result, nil
}

func apply(ctx context.Context, ed *editor.Editor, entry Entry) error {
	if entry.Debounce {
		return ed.QueueDebounced(entry.Op, time.Duration(entry.DelayMS)*time.Millisecond)
	}
	return ed.Queue(ctx, entry.Op, false)
}

// WaitIdle polls until nothing is debounced, queued, or saving.
func WaitIdle(ctx context.Context, ed *editor.Editor, interval time.Duration) error {
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st := ed.Status()
		if !st.Saving && st.QueueLength == 0 && st.PendingDebounced == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
