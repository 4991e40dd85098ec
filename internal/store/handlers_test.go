package store

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"storysave/internal/savequeue"
)

type mockBackend struct {
	err error

	lastInsert  Entity
	lastPut     []Entity
	lastMerge   bool
	lastReorder []savequeue.MessageOrder
	lastPayload json.RawMessage
}

var stamp = time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

func (m *mockBackend) Close(ctx context.Context) error        { return nil }
func (m *mockBackend) EnsureSchema(ctx context.Context) error { return nil }

func (m *mockBackend) InsertEntity(ctx context.Context, storyID string, e Entity) (time.Time, error) {
	m.lastInsert = e
	return stamp, m.err
}

func (m *mockBackend) UpdateEntity(ctx context.Context, storyID string, e Entity) (time.Time, error) {
	return stamp, m.err
}

func (m *mockBackend) DeleteEntity(ctx context.Context, storyID, entityType, id string) (time.Time, error) {
	return stamp, m.err
}

func (m *mockBackend) PutEntities(ctx context.Context, storyID string, entities []Entity, merge bool) (time.Time, error) {
	m.lastPut = entities
	m.lastMerge = merge
	return stamp, m.err
}

func (m *mockBackend) ReorderMessages(ctx context.Context, storyID string, items []savequeue.MessageOrder) (time.Time, error) {
	m.lastReorder = items
	return stamp, m.err
}

func (m *mockBackend) GetEntity(ctx context.Context, storyID, entityType, id string) (*Entity, error) {
	return nil, nil
}

func (m *mockBackend) ListEntities(ctx context.Context, storyID, entityType string) ([]Entity, error) {
	return nil, nil
}

func (m *mockBackend) LoadStory(ctx context.Context, storyID string) (*Story, error) {
	return nil, nil
}

func (m *mockBackend) SaveStory(ctx context.Context, storyID string, payload json.RawMessage, expected time.Time, force bool) (time.Time, error) {
	m.lastPayload = payload
	return stamp, m.err
}

func save(t *testing.T, reg *savequeue.Registry, op savequeue.Operation) (savequeue.Result, error) {
	t.Helper()
	op.StoryID = "s1"
	return reg.Save(context.Background(), op)
}

func TestRegisterCoversEditorOperations(t *testing.T) {
	reg := savequeue.NewRegistry()
	Register(reg, &mockBackend{})

	for _, et := range crudTypes {
		for _, kind := range []savequeue.Kind{savequeue.KindInsert, savequeue.KindUpdate, savequeue.KindDelete} {
			if _, ok := reg.Handler(et, kind); !ok {
				t.Fatalf("missing handler for %s-%s", et, kind)
			}
		}
	}
	if _, ok := reg.Handler(savequeue.EntityStorySettings, savequeue.KindSave); !ok {
		t.Fatalf("missing settings handler")
	}
}

func TestHandlersReturnStamp(t *testing.T) {
	backend := &mockBackend{}
	reg := savequeue.NewRegistry()
	Register(reg, backend)

	res, err := save(t, reg, savequeue.Operation{Kind: savequeue.KindInsert, EntityType: savequeue.EntityCharacter, EntityID: "c1", Data: map[string]any{"name": "Ada"}})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !res.UpdatedAt.Equal(stamp) {
		t.Fatalf("expected stamp, got %v", res.UpdatedAt)
	}
	if backend.lastInsert.Type != "character" || backend.lastInsert.Data["name"] != "Ada" {
		t.Fatalf("unexpected insert: %+v", backend.lastInsert)
	}
}

func TestHandlersDecodeBatchPayloads(t *testing.T) {
	backend := &mockBackend{}
	reg := savequeue.NewRegistry()
	Register(reg, backend)

	_, err := save(t, reg, savequeue.Operation{
		Kind: savequeue.KindReorder, EntityType: savequeue.EntityMessage, EntityID: "reorder-batch",
		Data: map[string]any{"items": []any{map[string]any{"messageId": "m1", "nodeId": "n1", "order": 2}}},
	})
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if len(backend.lastReorder) != 1 || backend.lastReorder[0].Order != 2 {
		t.Fatalf("unexpected reorder items: %+v", backend.lastReorder)
	}

	_, err = save(t, reg, savequeue.Operation{
		Kind: savequeue.KindSetState, EntityType: savequeue.EntityContextStates, EntityID: "context-states-1",
		Data: map[string]any{
			"characterStates":   []savequeue.CharacterState{{CharacterID: "c1", MessageID: "m1", IsActive: true}},
			"contextItemStates": []savequeue.ContextItemState{{ContextItemID: "i1", MessageID: "m1"}},
		},
	})
	if err != nil {
		t.Fatalf("context states: %v", err)
	}
	if len(backend.lastPut) != 2 || backend.lastPut[0].ID != "character:c1:m1" || backend.lastPut[1].ID != "context-item:i1:m1" {
		t.Fatalf("unexpected context state entities: %+v", backend.lastPut)
	}

	_, err = save(t, reg, savequeue.Operation{
		Kind: savequeue.KindBulkUpdate, EntityType: savequeue.EntityNode, EntityID: "bulk-1",
		Data: []any{map[string]any{"id": "n1", "title": "One"}},
	})
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if !backend.lastMerge || backend.lastPut[0].ID != "n1" {
		t.Fatalf("unexpected bulk put: %+v merge=%v", backend.lastPut, backend.lastMerge)
	}

	_, err = save(t, reg, savequeue.Operation{
		Kind: savequeue.KindBulkUpdate, EntityType: savequeue.EntityNode, EntityID: "bulk-2",
		Data: []any{map[string]any{"title": "no id"}},
	})
	if savequeue.Classify(err) != savequeue.ClassClient {
		t.Fatalf("expected client error for node without id, got %v", err)
	}
}

func TestHandlersClassifyBackendErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantClass  savequeue.Class
		wantStatus int
	}{
		{"not found", ErrNotFound, savequeue.ClassClient, http.StatusNotFound},
		{"duplicate", ErrDuplicate, savequeue.ClassClient, http.StatusConflict},
		{"invalid", ErrInvalid, savequeue.ClassClient, http.StatusBadRequest},
		{"conflict passes through", savequeue.ConflictError(stamp, time.Time{}), savequeue.ClassConflict, http.StatusConflict},
		{"driver failure", errors.New("database is locked"), savequeue.ClassTransient, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := savequeue.NewRegistry()
			Register(reg, &mockBackend{err: tt.err})
			_, err := save(t, reg, savequeue.Operation{Kind: savequeue.KindDelete, EntityType: savequeue.EntityMap, EntityID: "map1"})
			if got := savequeue.Classify(err); got != tt.wantClass {
				t.Fatalf("expected %s, got %s", tt.wantClass, got)
			}
			var saveErr *savequeue.Error
			if !errors.As(err, &saveErr) || saveErr.Status != tt.wantStatus {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestNextStampAdvances(t *testing.T) {
	prev := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := NextStamp(prev.Add(-time.Hour), prev); !got.After(prev) {
		t.Fatalf("expected stamp after %v, got %v", prev, got)
	}
	now := prev.Add(1500 * time.Nanosecond)
	if got := NextStamp(now, prev); !got.Equal(prev.Add(time.Microsecond)) {
		t.Fatalf("expected microsecond precision, got %v", got)
	}
}

func TestCheckStale(t *testing.T) {
	stored := stamp
	if err := CheckStale(stored, stored.Add(-time.Second), false); savequeue.Classify(err) != savequeue.ClassConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := CheckStale(stored, stored.Add(-time.Second), true); err != nil {
		t.Fatalf("forced save must skip the check, got %v", err)
	}
	if err := CheckStale(stored, time.Time{}, false); err != nil {
		t.Fatalf("unknown client stamp must skip the check, got %v", err)
	}
}
