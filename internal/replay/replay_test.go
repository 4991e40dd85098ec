package replay

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"storysave/internal/editor"
	"storysave/internal/savequeue"
)

type recordingAdapter struct {
	mu    sync.Mutex
	calls []savequeue.Operation
}

func (a *recordingAdapter) Save(_ context.Context, op savequeue.Operation) (savequeue.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, op)
	return savequeue.Result{}, nil
}

func (a *recordingAdapter) Types() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, op := range a.calls {
		out = append(out, op.Type()+":"+op.EntityID)
	}
	return out
}

func writeJournal(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write journal: %v", err)
	}
	return path
}

func TestRead(t *testing.T) {
	journal := `# recorded session
{"kind":"insert","entityType":"message","entityId":"m1","storyId":"s1","data":{"content":"a"}}

{"kind":"update","entityType":"message","entityId":"m1","storyId":"s1","data":{"content":"ab"},"debounce":true,"delayMs":5}
{"kind":"upsert","entityType":"message","entityId":"m1"}
not json
`
	entries, errs := Read(strings.NewReader(journal))
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Line != 2 || entries[1].Line != 4 || !entries[1].Debounce || entries[1].DelayMS != 5 {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if len(errs) != 2 || !strings.Contains(errs[0].Error(), "line 5") || !strings.Contains(errs[1].Error(), "line 6") {
		t.Fatalf("unexpected errors: %v", errs)
	}
}

func TestRunReplaysDirectoryInOrder(t *testing.T) {
	dir := t.TempDir()
	writeJournal(t, dir, "b.jsonl",
		`{"kind":"delete","entityType":"chapter","entityId":"c1","storyId":"s1"}`+"\n")
	writeJournal(t, dir, "a.jsonl",
		`{"kind":"insert","entityType":"chapter","entityId":"c1","storyId":"s1","data":{"title":"x"}}`+"\n"+
			`{"kind":"insert","entityType":"node","entityId":"n1","data":{"title":"y"}}`+"\n")
	writeJournal(t, dir, "notes.txt", "ignored")

	adapter := &recordingAdapter{}
	svc := savequeue.New(adapter)
	t.Cleanup(func() { _ = svc.Close() })
	ed := editor.New(svc, editor.WithDefaultStory("s1"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := Run(ctx, ed, []string{dir}, Options{Wait: true, PollInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Files != 2 || result.Queued != 3 || len(result.Errors) != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}

	// The insert and delete of c1 annihilate unless the insert was already
	// in flight, in which case the delete must follow it.
	index := map[string]int{}
	for i, ty := range adapter.Types() {
		index[ty] = i
	}
	if _, ok := index["node-insert:n1"]; !ok {
		t.Fatalf("expected node insert, got %v", adapter.Types())
	}
	if ins, ok := index["chapter-insert:c1"]; ok {
		if del, ok := index["chapter-delete:c1"]; !ok || del < ins {
			t.Fatalf("expected delete after insert, got %v", adapter.Types())
		}
	} else if _, ok := index["chapter-delete:c1"]; ok {
		t.Fatalf("delete without insert: %v", adapter.Types())
	}
}

func TestRunWaitsForDebouncedEntries(t *testing.T) {
	dir := t.TempDir()
	path := writeJournal(t, dir, "session.jsonl",
		`{"kind":"update","entityType":"node","entityId":"n1","storyId":"s1","data":{"title":"a"},"debounce":true,"delayMs":10}`+"\n"+
			`{"kind":"update","entityType":"node","entityId":"n1","storyId":"s1","data":{"title":"b"},"debounce":true,"delayMs":10}`+"\n")

	adapter := &recordingAdapter{}
	svc := savequeue.New(adapter)
	t.Cleanup(func() { _ = svc.Close() })
	ed := editor.New(svc)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := Run(ctx, ed, []string{path}, Options{Wait: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Debounced != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if types := adapter.Types(); len(types) != 1 || types[0] != "node-update:n1" {
		t.Fatalf("expected one collapsed update, got %v", types)
	}
}
