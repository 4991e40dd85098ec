package savequeue

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindInsert     Kind = "insert"
	KindUpdate     Kind = "update"
	KindDelete     Kind = "delete"
	KindReorder    Kind = "reorder"
	KindBulkUpdate Kind = "bulk-update"
	KindSetState   Kind = "set-state"
	KindSave       Kind = "save"
)

type EntityType string

const (
	EntityMessage       EntityType = "message"
	EntityParagraph     EntityType = "paragraph"
	EntityNode          EntityType = "node"
	EntityChapter       EntityType = "chapter"
	EntityCharacter     EntityType = "character"
	EntityContextItem   EntityType = "context-item"
	EntityContextStates EntityType = "context-states"
	EntityMap           EntityType = "map"
	EntityLandmark      EntityType = "landmark"
	EntityLandmarkState EntityType = "landmark-state"
	EntityFleet         EntityType = "fleet"
	EntityFleetMovement EntityType = "fleet-movement"
	EntityHyperlane     EntityType = "hyperlane"
	EntityStorySettings EntityType = "story-settings"
	EntityStory         EntityType = "story"
)

var knownKinds = map[Kind]struct{}{
	KindInsert: {}, KindUpdate: {}, KindDelete: {},
	KindReorder: {}, KindBulkUpdate: {}, KindSetState: {}, KindSave: {},
}

var knownEntityTypes = map[EntityType]struct{}{
	EntityMessage: {}, EntityParagraph: {}, EntityNode: {}, EntityChapter: {},
	EntityCharacter: {}, EntityContextItem: {}, EntityContextStates: {}, EntityMap: {},
	EntityLandmark: {}, EntityLandmarkState: {}, EntityFleet: {}, EntityFleetMovement: {},
	EntityHyperlane: {}, EntityStorySettings: {}, EntityStory: {},
}

// Key identifies the coalescing target of an operation.
type Key struct {
	EntityType EntityType
	EntityID   string
}

func (k Key) String() string {
	return string(k.EntityType) + "-" + k.EntityID
}

// Operation is one pending mutation of a story entity.
type Operation struct {
	ID         string     `json:"id"`
	Kind       Kind       `json:"kind"`
	EntityType EntityType `json:"entityType"`
	EntityID   string     `json:"entityId"`
	StoryID    string     `json:"storyId"`
	Data       any        `json:"data,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
	RetryCount int        `json:"retryCount,omitempty"`
}

func (op Operation) Key() Key {
	return Key{EntityType: op.EntityType, EntityID: op.EntityID}
}

// Type is the entity type crossed with the kind, e.g. "message-insert".
func (op Operation) Type() string {
	return string(op.EntityType) + "-" + string(op.Kind)
}

func (op Operation) Is(kind Kind) bool {
	return op.Kind == kind
}

func (op Operation) Validate() error {
	if _, ok := knownKinds[op.Kind]; !ok {
		return fmt.Errorf("unknown operation kind: %q", op.Kind)
	}
	if _, ok := knownEntityTypes[op.EntityType]; !ok {
		return fmt.Errorf("unknown entity type: %q", op.EntityType)
	}
	if strings.TrimSpace(op.EntityID) == "" {
		return fmt.Errorf("%s: entity id is required", op.Type())
	}
	if strings.TrimSpace(op.StoryID) == "" {
		return fmt.Errorf("%s: story id is required", op.Type())
	}
	return nil
}

// clone copies the operation. Keyed payloads are copied one level deep so a
// caller mutating its map after queueing cannot change what gets written.
func (op Operation) clone() Operation {
	if m, ok := op.Data.(map[string]any); ok {
		cp := make(map[string]any, len(m))
		for k, v := range m {
			cp[k] = v
		}
		op.Data = cp
	}
	return op
}

func stamp(op *Operation, now time.Time) {
	op.Timestamp = now
	if op.ID == "" {
		op.ID = op.Key().String() + "-" + uuid.Must(uuid.NewV7()).String()
	}
}

// ParseKind accepts the kind names used in journals and tool calls.
func ParseKind(raw string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := knownKinds[kind]; !ok {
		return "", fmt.Errorf("unknown operation kind: %q", raw)
	}
	return kind, nil
}

func ParseEntityType(raw string) (EntityType, error) {
	entityType := EntityType(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := knownEntityTypes[entityType]; !ok {
		return "", fmt.Errorf("unknown entity type: %q", raw)
	}
	return entityType, nil
}
