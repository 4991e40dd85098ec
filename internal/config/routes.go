package config

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"storysave/internal/savequeue"
)

// RouteTable maps operations to REST endpoints. Paths are templates over
// {storyId}, {id} and any string field of the operation payload, e.g.
// {mapId}.
type RouteTable struct {
	Version int     `yaml:"version"`
	Routes  []Route `yaml:"routes"`

	index map[string]*Route
}

type Route struct {
	Entity string `yaml:"entity"`
	Kind   string `yaml:"kind"`
	Method string `yaml:"method"`
	Path   string `yaml:"path"`
}

func LoadRoutes(path string) (*RouteTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading routes: %w", err)
	}

	var table RouteTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("loading routes: %w", err)
	}

	if err := validateRoutes(&table); err != nil {
		return nil, fmt.Errorf("loading routes: %w", err)
	}

	table.index = make(map[string]*Route, len(table.Routes))
	for i := range table.Routes {
		route := &table.Routes[i]
		route.Entity = strings.ToLower(strings.TrimSpace(route.Entity))
		route.Kind = strings.ToLower(strings.TrimSpace(route.Kind))
		route.Method = strings.ToUpper(route.Method)
		table.index[routeKey(route.Entity, route.Kind)] = route
	}

	return &table, nil
}

func validateRoutes(t *RouteTable) error {
	if t.Version != 1 {
		return fmt.Errorf("unsupported version: %d", t.Version)
	}
	if len(t.Routes) == 0 {
		return fmt.Errorf("at least one route is required")
	}

	seen := make(map[string]struct{})
	for i, route := range t.Routes {
		entity, err := savequeue.ParseEntityType(route.Entity)
		if err != nil {
			return fmt.Errorf("route %d: %w", i, err)
		}
		kind, err := savequeue.ParseKind(route.Kind)
		if err != nil {
			return fmt.Errorf("route %d: %w", i, err)
		}
		switch strings.ToUpper(route.Method) {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			return fmt.Errorf("route %d has unsupported method: %q", i, route.Method)
		}
		if !strings.HasPrefix(route.Path, "/") {
			return fmt.Errorf("route %d path must start with /", i)
		}
		key := routeKey(string(entity), string(kind))
		if _, exists := seen[key]; exists {
			return fmt.Errorf("duplicate route: %s", key)
		}
		seen[key] = struct{}{}
	}

	return nil
}

func (t *RouteTable) Lookup(entity, kind string) (*Route, bool) {
	if t == nil {
		return nil, false
	}
	route, ok := t.index[routeKey(strings.ToLower(entity), strings.ToLower(kind))]
	return route, ok
}

func routeKey(entity, kind string) string {
	return entity + "-" + kind
}
