package document

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

type storySaver interface {
	SaveFullStory(ctx context.Context, storyID string, payload json.RawMessage) error
}

// AutoSaver writes the whole document whenever it is triggered. Triggers
// that arrive while a save runs collapse into one follow-up save.
type AutoSaver struct {
	ctx    context.Context
	doc    *Document
	saver  storySaver
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	again   bool
	wg      sync.WaitGroup
}

func NewAutoSaver(ctx context.Context, doc *Document, saver storySaver, logger *slog.Logger) *AutoSaver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &AutoSaver{ctx: ctx, doc: doc, saver: saver, logger: logger}
}

func (a *AutoSaver) Trigger() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		a.again = true
		return
	}
	a.running = true
	a.wg.Add(1)
	go a.run()
}

// Wait blocks until no save is running or pending.
func (a *AutoSaver) Wait() {
	a.wg.Wait()
}

func (a *AutoSaver) run() {
	defer a.wg.Done()
	for {
		if err := a.save(); err != nil {
			a.logger.Warn("local full save failed", "story", a.doc.StoryID(), "error", err)
		}

		a.mu.Lock()
		if !a.again || a.ctx.Err() != nil {
			a.running = false
			a.again = false
			a.mu.Unlock()
			return
		}
		a.again = false
		a.mu.Unlock()
	}
}

func (a *AutoSaver) save() error {
	payload, err := a.doc.Marshal()
	if err != nil {
		return err
	}
	return a.saver.SaveFullStory(a.ctx, a.doc.StoryID(), payload)
}
