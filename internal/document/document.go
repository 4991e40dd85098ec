// Package document holds a story in memory so local-mode edits can be
// applied optimistically and written back as one whole-story payload.
package document

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"storysave/internal/savequeue"
)

// Payload is the whole-story JSON written by a full save.
type Payload struct {
	StoryID  string                      `json:"storyId"`
	Settings map[string]any              `json:"settings"`
	Entities map[string][]map[string]any `json:"entities"`
}

type snapshot struct {
	data    map[string]any
	existed bool
}

type Document struct {
	mu       sync.Mutex
	storyID  string
	settings map[string]any
	entities map[savequeue.EntityType]map[string]map[string]any
	// undo holds the state of a key before its first unconfirmed write.
	undo map[savequeue.Key]snapshot
}

func New(storyID string) *Document {
	return &Document{
		storyID:  storyID,
		settings: map[string]any{},
		entities: make(map[savequeue.EntityType]map[string]map[string]any),
		undo:     make(map[savequeue.Key]snapshot),
	}
}

// Load parses a payload previously produced by Marshal.
func Load(data []byte) (*Document, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("loading document: %w", err)
	}
	if p.StoryID == "" {
		return nil, fmt.Errorf("loading document: storyId is required")
	}
	d := New(p.StoryID)
	if p.Settings != nil {
		d.settings = p.Settings
	}
	for rawType, items := range p.Entities {
		entityType, err := savequeue.ParseEntityType(rawType)
		if err != nil {
			return nil, fmt.Errorf("loading document: %w", err)
		}
		for i, item := range items {
			id, _ := item["id"].(string)
			if id == "" {
				return nil, fmt.Errorf("loading document: %s %d has no id", rawType, i)
			}
			data := copyMap(item)
			delete(data, "id")
			d.set(entityType, id, data)
		}
	}
	return d, nil
}

func (d *Document) StoryID() string {
	return d.storyID
}

// Apply mirrors op onto the in-memory story.
func (d *Document) Apply(op savequeue.Operation) error {
	if op.StoryID != d.storyID {
		return fmt.Errorf("applying %s: operation is for story %s, document is %s", op.Type(), op.StoryID, d.storyID)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch op.Kind {
	case savequeue.KindInsert, savequeue.KindUpdate, savequeue.KindDelete:
		return d.applyCRUD(op)
	case savequeue.KindReorder:
		return d.applyReorder(op)
	case savequeue.KindBulkUpdate:
		return d.applyBulk(op)
	case savequeue.KindSetState:
		return d.applySetState(op)
	case savequeue.KindSave:
		return d.applySave(op)
	}
	return fmt.Errorf("applying %s: unsupported kind", op.Type())
}

func (d *Document) applyCRUD(op savequeue.Operation) error {
	key := op.Key()
	current, exists := d.get(op.EntityType, op.EntityID)
	if _, tracked := d.undo[key]; !tracked {
		d.undo[key] = snapshot{data: copyMap(current), existed: exists}
	}

	switch op.Kind {
	case savequeue.KindDelete:
		delete(d.entities[op.EntityType], op.EntityID)
		return nil
	case savequeue.KindInsert:
		data, err := asMap(op.Data)
		if err != nil {
			return fmt.Errorf("applying %s: %w", op.Type(), err)
		}
		d.set(op.EntityType, op.EntityID, copyMap(data))
		return nil
	default:
		data, err := asMap(op.Data)
		if err != nil {
			return fmt.Errorf("applying %s: %w", op.Type(), err)
		}
		merged := copyMap(current)
		if merged == nil {
			merged = map[string]any{}
		}
		for k, v := range data {
			merged[k] = v
		}
		d.set(op.EntityType, op.EntityID, merged)
		return nil
	}
}

func (d *Document) applyReorder(op savequeue.Operation) error {
	var payload struct {
		Items []savequeue.MessageOrder `json:"items"`
	}
	if err := decodeInto(op.Data, &payload); err != nil {
		return fmt.Errorf("applying %s: %w", op.Type(), err)
	}
	for _, item := range payload.Items {
		msg, ok := d.get(savequeue.EntityMessage, item.MessageID)
		if !ok {
			return fmt.Errorf("applying %s: message %s not found", op.Type(), item.MessageID)
		}
		msg["order"] = item.Order
		msg["nodeId"] = item.NodeID
	}
	return nil
}

func (d *Document) applyBulk(op savequeue.Operation) error {
	var nodes []map[string]any
	if err := decodeInto(op.Data, &nodes); err != nil {
		return fmt.Errorf("applying %s: %w", op.Type(), err)
	}
	for i, n := range nodes {
		id, _ := n["id"].(string)
		if id == "" {
			return fmt.Errorf("applying %s: node %d has no id", op.Type(), i)
		}
		current, _ := d.get(savequeue.EntityNode, id)
		merged := copyMap(current)
		if merged == nil {
			merged = map[string]any{}
		}
		for k, v := range n {
			if k != "id" {
				merged[k] = v
			}
		}
		d.set(savequeue.EntityNode, id, merged)
	}
	return nil
}

func (d *Document) applySetState(op savequeue.Operation) error {
	if op.EntityType != savequeue.EntityContextStates {
		data, err := asMap(op.Data)
		if err != nil {
			return fmt.Errorf("applying %s: %w", op.Type(), err)
		}
		d.set(op.EntityType, op.EntityID, copyMap(data))
		return nil
	}

	var payload struct {
		CharacterStates   []savequeue.CharacterState   `json:"characterStates"`
		ContextItemStates []savequeue.ContextItemState `json:"contextItemStates"`
	}
	if err := decodeInto(op.Data, &payload); err != nil {
		return fmt.Errorf("applying %s: %w", op.Type(), err)
	}
	for _, s := range payload.CharacterStates {
		d.set(op.EntityType, "character:"+s.CharacterID+":"+s.MessageID,
			map[string]any{"characterId": s.CharacterID, "messageId": s.MessageID, "isActive": s.IsActive})
	}
	for _, s := range payload.ContextItemStates {
		d.set(op.EntityType, "context-item:"+s.ContextItemID+":"+s.MessageID,
			map[string]any{"contextItemId": s.ContextItemID, "messageId": s.MessageID, "isActive": s.IsActive})
	}
	return nil
}

func (d *Document) applySave(op savequeue.Operation) error {
	data, err := asMap(op.Data)
	if err != nil {
		return fmt.Errorf("applying %s: %w", op.Type(), err)
	}
	switch op.EntityType {
	case savequeue.EntityStorySettings:
		for k, v := range data {
			d.settings[k] = v
		}
		return nil
	case savequeue.EntityStory:
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("applying %s: %w", op.Type(), err)
		}
		loaded, err := Load(b)
		if err != nil {
			return fmt.Errorf("applying %s: %w", op.Type(), err)
		}
		d.settings = loaded.settings
		d.entities = loaded.entities
		clear(d.undo)
		return nil
	}
	return fmt.Errorf("applying %s: unsupported entity", op.Type())
}

// Confirm forgets the rollback state for a key once the store has accepted
// its write.
func (d *Document) Confirm(op savequeue.Operation) {
	d.mu.Lock()
	delete(d.undo, op.Key())
	d.mu.Unlock()
}

// Revert restores the entity op targeted to what it was before the first
// unconfirmed write to its key. Batch operations have nothing to restore.
func (d *Document) Revert(op savequeue.Operation) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := op.Key()
	prev, ok := d.undo[key]
	if !ok {
		return
	}
	delete(d.undo, key)
	if !prev.existed {
		delete(d.entities[op.EntityType], op.EntityID)
		return
	}
	d.set(op.EntityType, op.EntityID, prev.data)
}

// Observer keeps the rollback state in step with the save queue.
func (d *Document) Observer() savequeue.Observer {
	return savequeue.ObserverFuncs{
		OnOperationAttempted: func(op savequeue.Operation, err error, _ time.Duration) {
			if err == nil {
				d.Confirm(op)
			}
		},
		OnOperationFailed: func(op savequeue.Operation, _ error) {
			d.Revert(op)
		},
	}
}

func (d *Document) Entity(entityType savequeue.EntityType, id string) (map[string]any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, ok := d.get(entityType, id)
	return copyMap(data), ok
}

func (d *Document) Settings() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return copyMap(d.settings)
}

// Marshal renders the whole story. Entities are listed by id within each
// type so equal documents encode identically.
func (d *Document) Marshal() (json.RawMessage, error) {
	d.mu.Lock()
	p := Payload{
		StoryID:  d.storyID,
		Settings: copyMap(d.settings),
		Entities: make(map[string][]map[string]any, len(d.entities)),
	}
	for entityType, items := range d.entities {
		if len(items) == 0 {
			continue
		}
		ids := make([]string, 0, len(items))
		for id := range items {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		list := make([]map[string]any, 0, len(ids))
		for _, id := range ids {
			item := copyMap(items[id])
			item["id"] = id
			list = append(list, item)
		}
		p.Entities[string(entityType)] = list
	}
	d.mu.Unlock()

	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}
	return b, nil
}

func (d *Document) get(entityType savequeue.EntityType, id string) (map[string]any, bool) {
	data, ok := d.entities[entityType][id]
	return data, ok
}

func (d *Document) set(entityType savequeue.EntityType, id string, data map[string]any) {
	items, ok := d.entities[entityType]
	if !ok {
		items = make(map[string]map[string]any)
		d.entities[entityType] = items
	}
	if data == nil {
		data = map[string]any{}
	}
	items[id] = data
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
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

func decodeInto(data any, v any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
