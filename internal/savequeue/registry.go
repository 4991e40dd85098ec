package savequeue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"
)

// Result is what a store returns for a successful write. UpdatedAt is the
// document revision after the write, zero when the store does not report one.
type Result struct {
	UpdatedAt time.Time
}

// Adapter performs one operation against the remote store.
type Adapter interface {
	Save(ctx context.Context, op Operation) (Result, error)
}

// FullSaver writes a whole-document payload. expected is the client's last
// known stamp; unless force is set a store holding a different revision must
// return a conflict error.
type FullSaver interface {
	SaveStory(ctx context.Context, storyID string, payload json.RawMessage, expected time.Time, force bool) (time.Time, error)
}

type Handler func(ctx context.Context, op Operation) (Result, error)

type Route struct {
	EntityType EntityType
	Kind       Kind
}

func (r Route) String() string {
	return string(r.EntityType) + "-" + string(r.Kind)
}

var _ Adapter = (*Registry)(nil)

// Registry dispatches operations to handlers by entity type and kind.
type Registry struct {
	handlers map[Route]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Route]Handler)}
}

func (r *Registry) Register(entityType EntityType, kind Kind, h Handler) {
	r.handlers[Route{EntityType: entityType, Kind: kind}] = h
}

func (r *Registry) Handler(entityType EntityType, kind Kind) (Handler, bool) {
	h, ok := r.handlers[Route{EntityType: entityType, Kind: kind}]
	return h, ok
}

func (r *Registry) Routes() []Route {
	routes := make([]Route, 0, len(r.handlers))
	for route := range r.handlers {
		routes = append(routes, route)
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].String() < routes[j].String()
	})
	return routes
}

func (r *Registry) Save(ctx context.Context, op Operation) (Result, error) {
	h, ok := r.Handler(op.EntityType, op.Kind)
	if !ok {
		return Result{}, ClientError(http.StatusNotFound, fmt.Errorf("%w for %s", ErrNoHandler, op.Type()))
	}
	return h(ctx, op)
}
