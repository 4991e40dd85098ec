//go:build integration

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"storysave/internal/savequeue"
	"storysave/internal/store"
)

func newIntegrationClient(t *testing.T) (*Client, string) {
	t.Helper()
	dsn := os.Getenv("STORYSAVE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("STORYSAVE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	c, err := New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(ctx) })
	if err := c.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	storyID := "it-" + uuid.NewString()
	t.Cleanup(func() {
		_, _ = c.pool.Exec(ctx, `DELETE FROM stories WHERE id = $1`, storyID)
	})
	return c, storyID
}

func TestEntityLifecycle(t *testing.T) {
	ctx := context.Background()
	c, storyID := newIntegrationClient(t)

	first, err := c.InsertEntity(ctx, storyID, store.Entity{Type: "message", ID: "m1", Data: map[string]any{"content": "a", "role": "user"}})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := c.InsertEntity(ctx, storyID, store.Entity{Type: "message", ID: "m1"}); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	second, err := c.UpdateEntity(ctx, storyID, store.Entity{Type: "message", ID: "m1", Data: map[string]any{"content": "ab"}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !second.After(first) {
		t.Fatalf("expected stamp to advance")
	}

	got, err := c.GetEntity(ctx, storyID, "message", "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Data["content"] != "ab" || got.Data["role"] != "user" {
		t.Fatalf("expected jsonb merge, got %v", got.Data)
	}

	if _, err := c.ReorderMessages(ctx, storyID, []savequeue.MessageOrder{{MessageID: "m1", NodeID: "n1", Order: 3}}); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	got, _ = c.GetEntity(ctx, storyID, "message", "m1")
	if got.Data["order"] != float64(3) || got.Data["nodeId"] != "n1" {
		t.Fatalf("unexpected reorder result: %v", got.Data)
	}

	if _, err := c.DeleteEntity(ctx, storyID, "message", "m1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := c.DeleteEntity(ctx, storyID, "message", "m1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutEntitiesBatch(t *testing.T) {
	ctx := context.Background()
	c, storyID := newIntegrationClient(t)

	nodes := []store.Entity{
		{Type: "node", ID: "n1", Data: map[string]any{"title": "One"}},
		{Type: "node", ID: "n2", Data: map[string]any{"title": "Two"}},
	}
	if _, err := c.PutEntities(ctx, storyID, nodes, true); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := c.PutEntities(ctx, storyID, []store.Entity{{Type: "node", ID: "n1", Data: map[string]any{"order": 1}}}, true); err != nil {
		t.Fatalf("merge put: %v", err)
	}
	list, err := c.ListEntities(ctx, storyID, "node")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Data["title"] != "One" || list[0].Data["order"] != float64(1) {
		t.Fatalf("unexpected nodes: %+v", list)
	}
}

func TestSaveStoryConflict(t *testing.T) {
	ctx := context.Background()
	c, storyID := newIntegrationClient(t)
	payload := json.RawMessage(`{"storyId":"x"}`)

	first, err := c.SaveStory(ctx, storyID, payload, time.Time{}, false)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := c.SaveStory(ctx, storyID, payload, first, false); err != nil {
		t.Fatalf("save with current stamp: %v", err)
	}
	if _, err := c.SaveStory(ctx, storyID, payload, first, false); savequeue.Classify(err) != savequeue.ClassConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := c.SaveStory(ctx, storyID, payload, first, true); err != nil {
		t.Fatalf("forced save: %v", err)
	}
}
