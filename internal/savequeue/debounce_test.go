package savequeue

import (
	"testing"
	"time"
)

func TestNonUpdateCancelsPendingDebouncedUpdate(t *testing.T) {
	tests := []struct {
		name  string
		queue func(s *Service, op Operation) error
	}{
		{name: "debounced delete", queue: func(s *Service, op Operation) error {
			return s.QueueSaveDebounced(op, time.Hour)
		}},
		{name: "direct delete", queue: func(s *Service, op Operation) error {
			_, err := s.QueueSave(op)
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := &fakeAdapter{}
			s, _ := newTestService(t, adapter)

			node := Operation{Kind: KindUpdate, EntityType: EntityNode, EntityID: "n1", StoryID: "s1", Data: map[string]any{"title": "x"}}
			if err := s.QueueSaveDebounced(node, 30*time.Millisecond); err != nil {
				t.Fatalf("queue debounced: %v", err)
			}
			node.Kind, node.Data = KindDelete, nil
			if err := tt.queue(s, node); err != nil {
				t.Fatalf("queue delete: %v", err)
			}
			if n := s.Status().PendingDebounced; n != 0 {
				t.Fatalf("expected debounced update to be cancelled, %d pending", n)
			}

			waitIdle(t, s)
			time.Sleep(60 * time.Millisecond)

			calls := adapter.Calls()
			if len(calls) != 1 || calls[0].Type() != "node-delete" {
				var types []string
				for _, c := range calls {
					types = append(types, c.Type())
				}
				t.Fatalf("expected only node-delete, got %v", types)
			}
		})
	}
}

func TestDebouncedUpdateSurvivesOtherKeys(t *testing.T) {
	adapter := &fakeAdapter{}
	s, _ := newTestService(t, adapter)

	if err := s.QueueSaveDebounced(msg(KindUpdate, "m1", map[string]any{"content": "a"}), 20*time.Millisecond); err != nil {
		t.Fatalf("queue debounced: %v", err)
	}
	mustQueue(t, s, msg(KindDelete, "m2", nil))
	waitIdle(t, s)

	if n := len(adapter.Calls()); n != 2 {
		t.Fatalf("expected 2 calls, got %d", n)
	}
}
