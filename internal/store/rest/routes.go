package rest

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"storysave/internal/config"
	"storysave/internal/savequeue"
)

type endpoint struct {
	method string
	path   string
}

var collections = map[savequeue.EntityType]string{
	savequeue.EntityMessage:     "messages",
	savequeue.EntityParagraph:   "paragraphs",
	savequeue.EntityNode:        "nodes",
	savequeue.EntityChapter:     "chapters",
	savequeue.EntityCharacter:   "characters",
	savequeue.EntityContextItem: "context-items",
	savequeue.EntityMap:         "maps",
	savequeue.EntityFleet:       "fleets",
	savequeue.EntityHyperlane:   "hyperlanes",
}

// defaultRoutes is the endpoint table used when no route file overrides an
// operation.
func defaultRoutes() map[savequeue.Route]endpoint {
	routes := make(map[savequeue.Route]endpoint)
	for entityType, collection := range collections {
		crud(routes, entityType, "/stories/{storyId}/"+collection, "/"+collection+"/{id}")
	}
	crud(routes, savequeue.EntityLandmark, "/maps/{mapId}/landmarks", "/maps/{mapId}/landmarks/{id}")
	crud(routes, savequeue.EntityFleetMovement,
		"/maps/{mapId}/fleets/{fleetId}/movements", "/maps/{mapId}/fleets/{fleetId}/movements/{id}")

	routes[savequeue.Route{EntityType: savequeue.EntityMessage, Kind: savequeue.KindReorder}] =
		endpoint{http.MethodPut, "/stories/{storyId}/messages/order"}
	routes[savequeue.Route{EntityType: savequeue.EntityNode, Kind: savequeue.KindBulkUpdate}] =
		endpoint{http.MethodPatch, "/stories/{storyId}/nodes"}
	routes[savequeue.Route{EntityType: savequeue.EntityLandmarkState, Kind: savequeue.KindSetState}] =
		endpoint{http.MethodPut, "/maps/{mapId}/landmark-states"}
	routes[savequeue.Route{EntityType: savequeue.EntityContextStates, Kind: savequeue.KindSetState}] =
		endpoint{http.MethodPut, "/stories/{storyId}/context-states"}
	routes[savequeue.Route{EntityType: savequeue.EntityStorySettings, Kind: savequeue.KindSave}] =
		endpoint{http.MethodPatch, "/stories/{storyId}/settings"}
	routes[savequeue.Route{EntityType: savequeue.EntityStory, Kind: savequeue.KindSave}] =
		endpoint{http.MethodPut, "/stories/{storyId}"}
	return routes
}

func crud(routes map[savequeue.Route]endpoint, entityType savequeue.EntityType, collection, item string) {
	routes[savequeue.Route{EntityType: entityType, Kind: savequeue.KindInsert}] = endpoint{http.MethodPost, collection}
	routes[savequeue.Route{EntityType: entityType, Kind: savequeue.KindUpdate}] = endpoint{http.MethodPatch, item}
	routes[savequeue.Route{EntityType: entityType, Kind: savequeue.KindDelete}] = endpoint{http.MethodDelete, item}
}

// resolveRoutes applies the overrides in table on top of the defaults.
func resolveRoutes(table *config.RouteTable) map[savequeue.Route]endpoint {
	routes := defaultRoutes()
	if table == nil {
		return routes
	}
	for _, r := range table.Routes {
		entityType, err := savequeue.ParseEntityType(r.Entity)
		if err != nil {
			continue
		}
		kind, err := savequeue.ParseKind(r.Kind)
		if err != nil {
			continue
		}
		routes[savequeue.Route{EntityType: entityType, Kind: kind}] = endpoint{strings.ToUpper(r.Method), r.Path}
	}
	return routes
}

// expandPath fills {storyId}, {id} and payload-field placeholders.
func expandPath(template string, op savequeue.Operation) (string, error) {
	fields, _ := op.Data.(map[string]any)

	var b strings.Builder
	rest := template
	for {
		start := strings.IndexByte(rest, '{')
		if start < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		end := strings.IndexByte(rest[start:], '}')
		if end < 0 {
			return "", fmt.Errorf("unterminated placeholder in %q", template)
		}
		name := rest[start+1 : start+end]
		b.WriteString(rest[:start])

		var value string
		switch name {
		case "storyId":
			value = op.StoryID
		case "id":
			value = op.EntityID
		default:
			s, ok := fields[name].(string)
			if !ok || s == "" {
				return "", fmt.Errorf("%s: payload field %q required by route %q", op.Type(), name, template)
			}
			value = s
		}
		b.WriteString(url.PathEscape(value))
		rest = rest[start+end+1:]
	}
}
