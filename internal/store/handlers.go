package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"storysave/internal/savequeue"
)

// SettingsID is the entity id story settings are stored under.
const SettingsID = "settings"

var crudTypes = []savequeue.EntityType{
	savequeue.EntityMessage,
	savequeue.EntityParagraph,
	savequeue.EntityNode,
	savequeue.EntityChapter,
	savequeue.EntityCharacter,
	savequeue.EntityContextItem,
	savequeue.EntityMap,
	savequeue.EntityLandmark,
	savequeue.EntityFleet,
	savequeue.EntityFleetMovement,
	savequeue.EntityHyperlane,
}

// Register installs a handler on reg for every operation the editor emits,
// all backed by b.
func Register(reg *savequeue.Registry, b Backend) {
	for _, t := range crudTypes {
		reg.Register(t, savequeue.KindInsert, insertHandler(b))
		reg.Register(t, savequeue.KindUpdate, updateHandler(b))
		reg.Register(t, savequeue.KindDelete, deleteHandler(b))
	}
	reg.Register(savequeue.EntityMessage, savequeue.KindReorder, reorderHandler(b))
	reg.Register(savequeue.EntityNode, savequeue.KindBulkUpdate, bulkHandler(b))
	reg.Register(savequeue.EntityLandmarkState, savequeue.KindSetState, landmarkStateHandler(b))
	reg.Register(savequeue.EntityContextStates, savequeue.KindSetState, contextStatesHandler(b))
	reg.Register(savequeue.EntityStorySettings, savequeue.KindSave, settingsHandler(b))
	reg.Register(savequeue.EntityStory, savequeue.KindSave, storyHandler(b))
}

func insertHandler(b Backend) savequeue.Handler {
	return func(ctx context.Context, op savequeue.Operation) (savequeue.Result, error) {
		data, err := asMap(op.Data)
		if err != nil {
			return result(time.Time{}, err)
		}
		return result(b.InsertEntity(ctx, op.StoryID, Entity{Type: string(op.EntityType), ID: op.EntityID, Data: data}))
	}
}

func updateHandler(b Backend) savequeue.Handler {
	return func(ctx context.Context, op savequeue.Operation) (savequeue.Result, error) {
		data, err := asMap(op.Data)
		if err != nil {
			return result(time.Time{}, err)
		}
		return result(b.UpdateEntity(ctx, op.StoryID, Entity{Type: string(op.EntityType), ID: op.EntityID, Data: data}))
	}
}

func deleteHandler(b Backend) savequeue.Handler {
	return func(ctx context.Context, op savequeue.Operation) (savequeue.Result, error) {
		return result(b.DeleteEntity(ctx, op.StoryID, string(op.EntityType), op.EntityID))
	}
}

func reorderHandler(b Backend) savequeue.Handler {
	return func(ctx context.Context, op savequeue.Operation) (savequeue.Result, error) {
		var payload struct {
			Items []savequeue.MessageOrder `json:"items"`
		}
		if err := decodeInto(op.Data, &payload); err != nil {
			return result(time.Time{}, err)
		}
		return result(b.ReorderMessages(ctx, op.StoryID, payload.Items))
	}
}

func bulkHandler(b Backend) savequeue.Handler {
	return func(ctx context.Context, op savequeue.Operation) (savequeue.Result, error) {
		var nodes []map[string]any
		if err := decodeInto(op.Data, &nodes); err != nil {
			return result(time.Time{}, err)
		}
		entities := make([]Entity, 0, len(nodes))
		for i, n := range nodes {
			id, _ := n["id"].(string)
			if id == "" {
				return result(time.Time{}, fmt.Errorf("%w: node %d has no id", ErrInvalid, i))
			}
			entities = append(entities, Entity{Type: string(savequeue.EntityNode), ID: id, Data: n})
		}
		return result(b.PutEntities(ctx, op.StoryID, entities, true))
	}
}

func landmarkStateHandler(b Backend) savequeue.Handler {
	return func(ctx context.Context, op savequeue.Operation) (savequeue.Result, error) {
		data, err := asMap(op.Data)
		if err != nil {
			return result(time.Time{}, err)
		}
		e := Entity{Type: string(savequeue.EntityLandmarkState), ID: op.EntityID, Data: data}
		return result(b.PutEntities(ctx, op.StoryID, []Entity{e}, false))
	}
}

func contextStatesHandler(b Backend) savequeue.Handler {
	return func(ctx context.Context, op savequeue.Operation) (savequeue.Result, error) {
		var payload struct {
			CharacterStates   []savequeue.CharacterState   `json:"characterStates"`
			ContextItemStates []savequeue.ContextItemState `json:"contextItemStates"`
		}
		if err := decodeInto(op.Data, &payload); err != nil {
			return result(time.Time{}, err)
		}
		entityType := string(savequeue.EntityContextStates)
		var entities []Entity
		for _, s := range payload.CharacterStates {
			entities = append(entities, Entity{
				Type: entityType,
				ID:   "character:" + s.CharacterID + ":" + s.MessageID,
				Data: map[string]any{"characterId": s.CharacterID, "messageId": s.MessageID, "isActive": s.IsActive},
			})
		}
		for _, s := range payload.ContextItemStates {
			entities = append(entities, Entity{
				Type: entityType,
				ID:   "context-item:" + s.ContextItemID + ":" + s.MessageID,
				Data: map[string]any{"contextItemId": s.ContextItemID, "messageId": s.MessageID, "isActive": s.IsActive},
			})
		}
		if len(entities) == 0 {
			return savequeue.Result{}, nil
		}
		return result(b.PutEntities(ctx, op.StoryID, entities, false))
	}
}

func settingsHandler(b Backend) savequeue.Handler {
	return func(ctx context.Context, op savequeue.Operation) (savequeue.Result, error) {
		data, err := asMap(op.Data)
		if err != nil {
			return result(time.Time{}, err)
		}
		e := Entity{Type: string(savequeue.EntityStorySettings), ID: SettingsID, Data: data}
		return result(b.PutEntities(ctx, op.StoryID, []Entity{e}, true))
	}
}

func storyHandler(b Backend) savequeue.Handler {
	return func(ctx context.Context, op savequeue.Operation) (savequeue.Result, error) {
		payload, err := json.Marshal(op.Data)
		if err != nil {
			return result(time.Time{}, fmt.Errorf("%w: %v", ErrInvalid, err))
		}
		return result(b.SaveStory(ctx, op.StoryID, payload, time.Time{}, false))
	}
}

func result(stamp time.Time, err error) (savequeue.Result, error) {
	if err != nil {
		return savequeue.Result{}, classify(err)
	}
	return savequeue.Result{UpdatedAt: stamp}, nil
}

// classify maps backend errors onto save queue failure classes.
func classify(err error) error {
	var saveErr *savequeue.Error
	switch {
	case errors.As(err, &saveErr):
		return err
	case errors.Is(err, ErrNotFound):
		return savequeue.ClientError(http.StatusNotFound, err)
	case errors.Is(err, ErrDuplicate):
		return savequeue.ClientError(http.StatusConflict, err)
	case errors.Is(err, ErrInvalid):
		return savequeue.ClientError(http.StatusBadRequest, err)
	default:
		return savequeue.TransientError(err)
	}
}

func asMap(data any) (map[string]any, error) {
	switch v := data.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return v, nil
	}
	m := map[string]any{}
	if err := decodeInto(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// decodeInto converts an in-memory payload into v through its JSON form.
func decodeInto(data any, v any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
