// Package editor is the entry point control surfaces use to change a story:
// it keeps the optional local document in step and hands writes to the save
// queue.
package editor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"storysave/internal/document"
	"storysave/internal/savequeue"
)

var ErrNoPayload = errors.New("full save needs a payload or a local document")

type Editor struct {
	svc    *savequeue.Service
	doc    *document.Document
	story  string
	delays savequeue.DebounceDelays
}

type Option func(*Editor)

// WithDocument applies every accepted operation for the document's story to
// doc before it is queued.
func WithDocument(doc *document.Document) Option {
	return func(e *Editor) { e.doc = doc }
}

func WithDefaultStory(storyID string) Option {
	return func(e *Editor) { e.story = storyID }
}

func WithDebounceDelays(d savequeue.DebounceDelays) Option {
	return func(e *Editor) { e.delays = d }
}

func New(svc *savequeue.Service, opts ...Option) *Editor {
	e := &Editor{svc: svc, delays: savequeue.DefaultDebounceDelays}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Editor) Service() *savequeue.Service {
	return e.svc
}

func (e *Editor) Document() *document.Document {
	return e.doc
}

func (e *Editor) DefaultStory() string {
	return e.story
}

// Queue applies op locally and queues it. With wait set it blocks until the
// processing run op joined has finished or ctx is done.
func (e *Editor) Queue(ctx context.Context, op savequeue.Operation, wait bool) error {
	op, err := e.prepare(op)
	if err != nil {
		return err
	}
	done, err := e.svc.QueueSave(op)
	if err != nil {
		return err
	}
	if !wait {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDebounced applies op locally and debounces it. A zero delay picks the
// default for the entity type.
func (e *Editor) QueueDebounced(op savequeue.Operation, delay time.Duration) error {
	op, err := e.prepare(op)
	if err != nil {
		return err
	}
	if delay <= 0 {
		delay = e.DelayFor(op.EntityType)
	}
	return e.svc.QueueSaveDebounced(op, delay)
}

// DelayFor is the debounce delay used for entityType when the caller gives
// none: content for streamed text, node for the tree, metadata otherwise.
func (e *Editor) DelayFor(entityType savequeue.EntityType) time.Duration {
	switch entityType {
	case savequeue.EntityMessage, savequeue.EntityParagraph:
		return e.delays.Content
	case savequeue.EntityNode:
		return e.delays.Node
	default:
		return e.delays.Metadata
	}
}

func (e *Editor) Cancel() {
	e.svc.CancelAllPendingSaves()
}

func (e *Editor) Status() savequeue.Status {
	return e.svc.Status()
}

// FullSave writes the whole story. An empty payload is rendered from the
// local document.
func (e *Editor) FullSave(ctx context.Context, storyID string, payload json.RawMessage, force bool) (time.Time, error) {
	if storyID == "" {
		storyID = e.story
	}
	if storyID == "" {
		return time.Time{}, fmt.Errorf("full save: story id is required")
	}
	if len(payload) == 0 {
		if e.doc == nil || e.doc.StoryID() != storyID {
			return time.Time{}, ErrNoPayload
		}
		var err error
		if payload, err = e.doc.Marshal(); err != nil {
			return time.Time{}, err
		}
	}

	var err error
	if force {
		err = e.svc.ForceSave(ctx, storyID, payload)
	} else {
		err = e.svc.SaveFullStory(ctx, storyID, payload)
	}
	if err != nil {
		return time.Time{}, err
	}
	return e.svc.Versions().Stamp(), nil
}

func (e *Editor) prepare(op savequeue.Operation) (savequeue.Operation, error) {
	if op.StoryID == "" {
		op.StoryID = e.story
	}
	if err := op.Validate(); err != nil {
		return op, err
	}
	if e.doc != nil && e.doc.StoryID() == op.StoryID {
		if err := e.doc.Apply(op); err != nil {
			return op, err
		}
	}
	return op, nil
}
