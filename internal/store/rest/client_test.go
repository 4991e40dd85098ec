package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"storysave/internal/config"
	"storysave/internal/savequeue"
)

type request struct {
	Method string
	Path   string
	Auth   string
	Body   map[string]any
}

type server struct {
	mu       sync.Mutex
	requests []request
	respond  func(w http.ResponseWriter, r *http.Request)
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	req := request{Method: r.Method, Path: r.URL.EscapedPath(), Auth: r.Header.Get("Authorization")}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &req.Body)
	}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	if s.respond != nil {
		s.respond(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"updatedAt":"2026-05-01T10:00:00Z"}`)
}

func (s *server) Requests() []request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]request(nil), s.requests...)
}

func newTestClient(t *testing.T, srv *server, routes *config.RouteTable) (*Client, *savequeue.Registry) {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	c, err := New(Options{BaseURL: ts.URL + "/", Token: "secret", Timeout: 5 * time.Second, Routes: routes})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	reg := savequeue.NewRegistry()
	c.Register(reg)
	return c, reg
}

func TestHandlersFollowDefaultRoutes(t *testing.T) {
	srv := &server{}
	_, reg := newTestClient(t, srv, nil)
	ctx := context.Background()

	tests := []struct {
		op         savequeue.Operation
		wantMethod string
		wantPath   string
	}{
		{
			op:         savequeue.Operation{Kind: savequeue.KindInsert, EntityType: savequeue.EntityMessage, EntityID: "m1", StoryID: "s 1", Data: map[string]any{"content": "hi"}},
			wantMethod: http.MethodPost,
			wantPath:   "/stories/s%201/messages",
		},
		{
			op:         savequeue.Operation{Kind: savequeue.KindUpdate, EntityType: savequeue.EntityChapter, EntityID: "c1", StoryID: "s1", Data: map[string]any{"title": "x"}},
			wantMethod: http.MethodPatch,
			wantPath:   "/chapters/c1",
		},
		{
			op:         savequeue.Operation{Kind: savequeue.KindDelete, EntityType: savequeue.EntityLandmark, EntityID: "l1", StoryID: "s1", Data: map[string]any{"mapId": "map1"}},
			wantMethod: http.MethodDelete,
			wantPath:   "/maps/map1/landmarks/l1",
		},
		{
			op:         savequeue.Operation{Kind: savequeue.KindReorder, EntityType: savequeue.EntityMessage, EntityID: "reorder-batch", StoryID: "s1", Data: map[string]any{"items": []any{}}},
			wantMethod: http.MethodPut,
			wantPath:   "/stories/s1/messages/order",
		},
	}

	for _, tt := range tests {
		t.Run(tt.op.Type(), func(t *testing.T) {
			res, err := reg.Save(ctx, tt.op)
			if err != nil {
				t.Fatalf("save: %v", err)
			}
			if !res.UpdatedAt.Equal(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)) {
				t.Fatalf("unexpected stamp %v", res.UpdatedAt)
			}
			reqs := srv.Requests()
			last := reqs[len(reqs)-1]
			if last.Method != tt.wantMethod || last.Path != tt.wantPath {
				t.Fatalf("expected %s %s, got %s %s", tt.wantMethod, tt.wantPath, last.Method, last.Path)
			}
			if last.Auth != "Bearer secret" {
				t.Fatalf("expected bearer token, got %q", last.Auth)
			}
			if tt.wantMethod == http.MethodDelete && last.Body != nil {
				t.Fatalf("delete must not send a body, got %v", last.Body)
			}
		})
	}
}

func TestMissingPathFieldIsClientError(t *testing.T) {
	srv := &server{}
	_, reg := newTestClient(t, srv, nil)

	_, err := reg.Save(context.Background(), savequeue.Operation{
		Kind: savequeue.KindUpdate, EntityType: savequeue.EntityLandmark, EntityID: "l1", StoryID: "s1",
		Data: map[string]any{"name": "Keep"},
	})
	if savequeue.Classify(err) != savequeue.ClassClient {
		t.Fatalf("expected client error, got %v", err)
	}
	if len(srv.Requests()) != 0 {
		t.Fatalf("no request should be sent")
	}
}

func TestErrorResponsesAreClassified(t *testing.T) {
	serverStamp := time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		status int
		body   string
		want   savequeue.Class
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":"token expired"}`, savequeue.ClassAuth},
		{"conflict", http.StatusConflict, `{"error":"stale","code":"VERSION_CONFLICT","serverUpdatedAt":"2026-05-02T00:00:00Z"}`, savequeue.ClassConflict},
		{"not found", http.StatusNotFound, `{"error":"no such message"}`, savequeue.ClassClient},
		{"plain text", http.StatusUnprocessableEntity, `bad field`, savequeue.ClassClient},
		{"server error", http.StatusServiceUnavailable, ``, savequeue.ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := &server{respond: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}}
			_, reg := newTestClient(t, srv, nil)
			_, err := reg.Save(context.Background(), savequeue.Operation{
				Kind: savequeue.KindDelete, EntityType: savequeue.EntityMessage, EntityID: "m1", StoryID: "s1",
			})
			if got := savequeue.Classify(err); got != tt.want {
				t.Fatalf("expected %s, got %s (%v)", tt.want, got, err)
			}
			if tt.want == savequeue.ClassConflict {
				var saveErr *savequeue.Error
				if !errors.As(err, &saveErr) || !saveErr.ServerStamp.Equal(serverStamp) {
					t.Fatalf("expected server stamp on conflict, got %v", err)
				}
			}
		})
	}
}

func TestNetworkFailureIsTransient(t *testing.T) {
	c, err := New(Options{BaseURL: "http://127.0.0.1:1", Timeout: time.Second})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	reg := savequeue.NewRegistry()
	c.Register(reg)

	_, err = reg.Save(context.Background(), savequeue.Operation{
		Kind: savequeue.KindDelete, EntityType: savequeue.EntityNode, EntityID: "n1", StoryID: "s1",
	})
	if err == nil || savequeue.Classify(err) != savequeue.ClassTransient {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestRouteOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	content := `version: 1
routes:
  - entity: message
    kind: insert
    method: put
    path: /v2/stories/{storyId}/messages/{id}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write routes: %v", err)
	}
	table, err := config.LoadRoutes(path)
	if err != nil {
		t.Fatalf("load routes: %v", err)
	}

	srv := &server{}
	_, reg := newTestClient(t, srv, table)
	if _, err := reg.Save(context.Background(), savequeue.Operation{
		Kind: savequeue.KindInsert, EntityType: savequeue.EntityMessage, EntityID: "m1", StoryID: "s1", Data: map[string]any{},
	}); err != nil {
		t.Fatalf("save: %v", err)
	}
	got := srv.Requests()[0]
	if got.Method != http.MethodPut || got.Path != "/v2/stories/s1/messages/m1" {
		t.Fatalf("unexpected request %s %s", got.Method, got.Path)
	}
}

func TestSaveStorySendsClientStamp(t *testing.T) {
	srv := &server{}
	c, _ := newTestClient(t, srv, nil)
	expected := time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC)

	stamp, err := c.SaveStory(context.Background(), "s1", json.RawMessage(`{"storyId":"s1"}`), expected, true)
	if err != nil {
		t.Fatalf("save story: %v", err)
	}
	if stamp.IsZero() {
		t.Fatalf("expected stamp from response")
	}
	got := srv.Requests()[0]
	if got.Method != http.MethodPut || got.Path != "/stories/s1/full" {
		t.Fatalf("unexpected request %s %s", got.Method, got.Path)
	}
	if got.Body["clientUpdatedAt"] != "2026-04-30T00:00:00Z" || got.Body["force"] != true {
		t.Fatalf("unexpected body %v", got.Body)
	}
	story, _ := got.Body["story"].(map[string]any)
	if story["storyId"] != "s1" {
		t.Fatalf("expected story payload, got %v", got.Body["story"])
	}
}
