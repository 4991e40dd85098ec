package editor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"storysave/internal/document"
	"storysave/internal/savequeue"
)

type adapterFunc func(ctx context.Context, op savequeue.Operation) (savequeue.Result, error)

func (f adapterFunc) Save(ctx context.Context, op savequeue.Operation) (savequeue.Result, error) {
	return f(ctx, op)
}

type memorySaver struct {
	mu      sync.Mutex
	payload json.RawMessage
	force   bool
}

func (m *memorySaver) SaveStory(_ context.Context, _ string, payload json.RawMessage, _ time.Time, force bool) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payload = payload
	m.force = force
	return time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), nil
}

func newTestEditor(t *testing.T, adapter savequeue.Adapter, opts ...Option) (*Editor, *memorySaver) {
	t.Helper()
	saver := &memorySaver{}
	svc := savequeue.New(adapter, savequeue.WithFullSaver(saver))
	t.Cleanup(func() { _ = svc.Close() })
	return New(svc, opts...), saver
}

func TestQueueAppliesToDocumentAndWaits(t *testing.T) {
	var mu sync.Mutex
	var saved []string
	adapter := adapterFunc(func(_ context.Context, op savequeue.Operation) (savequeue.Result, error) {
		mu.Lock()
		saved = append(saved, op.Type())
		mu.Unlock()
		return savequeue.Result{}, nil
	})
	doc := document.New("s1")
	e, _ := newTestEditor(t, adapter, WithDocument(doc), WithDefaultStory("s1"))

	op := savequeue.Operation{Kind: savequeue.KindInsert, EntityType: savequeue.EntityMessage, EntityID: "m1", Data: map[string]any{"content": "hi"}}
	if err := e.Queue(context.Background(), op, true); err != nil {
		t.Fatalf("queue: %v", err)
	}

	if _, ok := doc.Entity(savequeue.EntityMessage, "m1"); !ok {
		t.Fatalf("expected message in document")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(saved) != 1 || saved[0] != "message-insert" {
		t.Fatalf("unexpected saves: %v", saved)
	}
}

func TestQueueRejectsInvalidOperation(t *testing.T) {
	doc := document.New("s1")
	e, _ := newTestEditor(t, adapterFunc(func(context.Context, savequeue.Operation) (savequeue.Result, error) {
		return savequeue.Result{}, nil
	}), WithDocument(doc))

	err := e.Queue(context.Background(), savequeue.Operation{Kind: "upsert", EntityType: savequeue.EntityNode, EntityID: "n1", StoryID: "s1"}, false)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if _, ok := doc.Entity(savequeue.EntityNode, "n1"); ok {
		t.Fatalf("invalid operation must not reach the document")
	}
}

func TestDelayFor(t *testing.T) {
	e := New(nil, WithDebounceDelays(savequeue.DebounceDelays{Content: 3 * time.Second, Node: 2 * time.Second, Metadata: time.Second}))
	tests := []struct {
		entityType savequeue.EntityType
		want       time.Duration
	}{
		{savequeue.EntityMessage, 3 * time.Second},
		{savequeue.EntityParagraph, 3 * time.Second},
		{savequeue.EntityNode, 2 * time.Second},
		{savequeue.EntityMap, time.Second},
	}
	for _, tt := range tests {
		if got := e.DelayFor(tt.entityType); got != tt.want {
			t.Fatalf("%s: expected %v, got %v", tt.entityType, tt.want, got)
		}
	}
}

func TestFullSaveRendersDocument(t *testing.T) {
	doc := document.New("s1")
	if err := doc.Apply(savequeue.Operation{Kind: savequeue.KindInsert, EntityType: savequeue.EntityChapter, EntityID: "c1", StoryID: "s1", Data: map[string]any{"title": "One"}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	e, saver := newTestEditor(t, adapterFunc(func(context.Context, savequeue.Operation) (savequeue.Result, error) {
		return savequeue.Result{}, nil
	}), WithDocument(doc), WithDefaultStory("s1"))

	stamp, err := e.FullSave(context.Background(), "", nil, true)
	if err != nil {
		t.Fatalf("full save: %v", err)
	}
	if stamp.IsZero() {
		t.Fatalf("expected stamp after full save")
	}
	want, _ := doc.Marshal()
	if string(saver.payload) != string(want) || !saver.force {
		t.Fatalf("unexpected full save: %s force=%v", saver.payload, saver.force)
	}

	if _, err := e.FullSave(context.Background(), "other", nil, false); !errors.Is(err, ErrNoPayload) {
		t.Fatalf("expected ErrNoPayload, got %v", err)
	}
}
