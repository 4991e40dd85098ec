package savequeue

import (
	"reflect"
	"testing"
	"time"
)

func op(kind Kind, entityType EntityType, id string, data any) *Operation {
	return &Operation{Kind: kind, EntityType: entityType, EntityID: id, StoryID: "s1", Data: data}
}

func kinds(q *queue) []string {
	out := make([]string, 0, q.len())
	for _, o := range q.ops {
		out = append(out, o.Type()+":"+o.EntityID)
	}
	return out
}

func TestSubmitInsertThenUpdateMergesIntoInsert(t *testing.T) {
	var q queue
	q.submit(op(KindInsert, EntityMessage, "m1", map[string]any{"content": "a", "role": "user"}))
	later := op(KindUpdate, EntityMessage, "m1", map[string]any{"content": "b"})
	later.Timestamp = time.Unix(100, 0)

	if got := q.submit(later); got != Merged {
		t.Fatalf("expected merged, got %s", got)
	}
	if q.len() != 1 {
		t.Fatalf("expected one queued op, got %d", q.len())
	}
	head := q.ops[0]
	if head.Kind != KindInsert {
		t.Fatalf("expected insert to survive, got %s", head.Kind)
	}
	want := map[string]any{"content": "b", "role": "user"}
	if !reflect.DeepEqual(head.Data, want) {
		t.Fatalf("unexpected merged data: %#v", head.Data)
	}
	if !head.Timestamp.Equal(later.Timestamp) {
		t.Fatalf("expected timestamp of newer op, got %v", head.Timestamp)
	}
}

func TestSubmitUpdatesCollapse(t *testing.T) {
	var q queue
	q.submit(op(KindUpdate, EntityChapter, "c1", map[string]any{"title": "one"}))
	q.submit(op(KindUpdate, EntityChapter, "c1", map[string]any{"title": "two", "summary": "x"}))
	q.submit(op(KindUpdate, EntityChapter, "c1", map[string]any{"title": "three"}))

	if q.len() != 1 {
		t.Fatalf("expected one op, got %d", q.len())
	}
	want := map[string]any{"title": "three", "summary": "x"}
	if !reflect.DeepEqual(q.ops[0].Data, want) {
		t.Fatalf("unexpected data: %#v", q.ops[0].Data)
	}
}

func TestSubmitInsertThenDeleteAnnihilates(t *testing.T) {
	var q queue
	q.submit(op(KindInsert, EntityMessage, "m0", nil))
	q.submit(op(KindInsert, EntityMessage, "m1", map[string]any{"content": "a"}))
	if got := q.submit(op(KindDelete, EntityMessage, "m1", nil)); got != Annihilated {
		t.Fatalf("expected annihilated, got %s", got)
	}
	if !reflect.DeepEqual(kinds(&q), []string{"message-insert:m0"}) {
		t.Fatalf("unexpected queue: %v", kinds(&q))
	}
}

func TestSubmitDeleteIsFinal(t *testing.T) {
	for _, kind := range []Kind{KindInsert, KindUpdate, KindDelete, KindSetState} {
		t.Run(string(kind), func(t *testing.T) {
			var q queue
			q.submit(op(KindDelete, EntityNode, "n1", nil))
			if got := q.submit(op(kind, EntityNode, "n1", map[string]any{"title": "x"})); got != Discarded {
				t.Fatalf("expected discarded, got %s", got)
			}
			if q.len() != 1 || q.ops[0].Kind != KindDelete {
				t.Fatalf("expected lone delete, got %v", kinds(&q))
			}
		})
	}
}

func TestSubmitUpdateThenDeleteReplacesAtTail(t *testing.T) {
	var q queue
	q.submit(op(KindUpdate, EntityMessage, "m1", map[string]any{"content": "a"}))
	q.submit(op(KindInsert, EntityChapter, "c1", nil))
	if got := q.submit(op(KindDelete, EntityMessage, "m1", nil)); got != Replaced {
		t.Fatalf("expected replaced, got %s", got)
	}
	want := []string{"chapter-insert:c1", "message-delete:m1"}
	if !reflect.DeepEqual(kinds(&q), want) {
		t.Fatalf("expected %v, got %v", want, kinds(&q))
	}
}

func TestSubmitNonCRUDKindsReplace(t *testing.T) {
	var q queue
	q.submit(op(KindReorder, EntityMessage, reorderBatchID, map[string]any{"items": 1}))
	q.submit(op(KindInsert, EntityMessage, "m1", nil))
	q.submit(op(KindReorder, EntityMessage, reorderBatchID, map[string]any{"items": 2}))

	want := []string{"message-insert:m1", "message-reorder:reorder-batch"}
	if !reflect.DeepEqual(kinds(&q), want) {
		t.Fatalf("expected %v, got %v", want, kinds(&q))
	}
	if q.ops[1].Data.(map[string]any)["items"] != 2 {
		t.Fatalf("expected newest reorder payload")
	}
}

func TestSubmitKeysIncludeEntityType(t *testing.T) {
	var q queue
	q.submit(op(KindUpdate, EntityMessage, "x", nil))
	q.submit(op(KindUpdate, EntityNode, "x", nil))
	if q.len() != 2 {
		t.Fatalf("expected distinct keys, got %v", kinds(&q))
	}
}

func TestSubmitIdempotentForIdenticalUpdates(t *testing.T) {
	var once, twice queue
	data := map[string]any{"title": "same"}
	once.submit(op(KindUpdate, EntityMap, "map1", data))
	twice.submit(op(KindUpdate, EntityMap, "map1", data))
	twice.submit(op(KindUpdate, EntityMap, "map1", data))

	if !reflect.DeepEqual(kinds(&once), kinds(&twice)) {
		t.Fatalf("queues differ: %v vs %v", kinds(&once), kinds(&twice))
	}
	if !reflect.DeepEqual(once.ops[0].Data, twice.ops[0].Data) {
		t.Fatalf("payloads differ: %#v vs %#v", once.ops[0].Data, twice.ops[0].Data)
	}
}

func TestMergeDataDoesNotMutateInputs(t *testing.T) {
	older := map[string]any{"a": 1}
	newer := map[string]any{"b": 2}
	merged := mergeData(older, newer).(map[string]any)
	merged["c"] = 3
	if len(older) != 1 || len(newer) != 1 {
		t.Fatalf("inputs mutated: %v %v", older, newer)
	}
}

func TestMergeDataNonMapPayloads(t *testing.T) {
	if got := mergeData([]any{1}, []any{2}); !reflect.DeepEqual(got, []any{2}) {
		t.Fatalf("expected newer slice, got %#v", got)
	}
	if got := mergeData(map[string]any{"a": 1}, nil); !reflect.DeepEqual(got, map[string]any{"a": 1}) {
		t.Fatalf("expected older payload kept, got %#v", got)
	}
}

func TestRequeueReconcilesWithNewerEntry(t *testing.T) {
	tests := []struct {
		name     string
		retried  *Operation
		newer    *Operation
		want     Outcome
		wantOps  []string
		wantData any
	}{
		{
			name:     "update merges",
			retried:  op(KindUpdate, EntityMessage, "m1", map[string]any{"content": "a", "role": "user"}),
			newer:    op(KindUpdate, EntityMessage, "m1", map[string]any{"content": "b"}),
			want:     Merged,
			wantOps:  []string{"message-update:m1", "chapter-update:c1"},
			wantData: map[string]any{"content": "b", "role": "user"},
		},
		{
			name:    "insert then delete annihilates",
			retried: op(KindInsert, EntityMessage, "m1", nil),
			newer:   op(KindDelete, EntityMessage, "m1", nil),
			want:    Annihilated,
			wantOps: []string{"chapter-update:c1"},
		},
		{
			name:    "delete stays final",
			retried: op(KindDelete, EntityMessage, "m1", nil),
			newer:   op(KindInsert, EntityMessage, "m1", nil),
			want:    Discarded,
			wantOps: []string{"message-delete:m1", "chapter-update:c1"},
		},
		{
			name:    "update superseded by delete",
			retried: op(KindUpdate, EntityMessage, "m1", nil),
			newer:   op(KindDelete, EntityMessage, "m1", nil),
			want:    Replaced,
			wantOps: []string{"chapter-update:c1", "message-delete:m1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var q queue
			q.submit(op(KindUpdate, EntityChapter, "c1", nil))
			q.submit(tt.newer)
			if got := q.requeue(tt.retried); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
			if !reflect.DeepEqual(kinds(&q), tt.wantOps) {
				t.Fatalf("expected %v, got %v", tt.wantOps, kinds(&q))
			}
			if tt.wantData != nil && !reflect.DeepEqual(q.ops[0].Data, tt.wantData) {
				t.Fatalf("unexpected data: %#v", q.ops[0].Data)
			}
		})
	}
}

func TestRequeueWithoutConflictPushesFront(t *testing.T) {
	var q queue
	q.submit(op(KindUpdate, EntityChapter, "c1", nil))
	q.requeue(op(KindUpdate, EntityMessage, "m1", nil))
	want := []string{"message-update:m1", "chapter-update:c1"}
	if !reflect.DeepEqual(kinds(&q), want) {
		t.Fatalf("expected %v, got %v", want, kinds(&q))
	}
}
