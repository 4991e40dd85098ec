package savequeue

import (
	"fmt"
	"strconv"
	"time"
)

// DebounceDelays are the quiet periods used by the typed helpers.
type DebounceDelays struct {
	Content  time.Duration
	Node     time.Duration
	Metadata time.Duration
}

var DefaultDebounceDelays = DebounceDelays{
	Content:  2 * time.Second,
	Node:     time.Second,
	Metadata: 500 * time.Millisecond,
}

func WithDebounceDelays(d DebounceDelays) Option {
	return func(s *Service) {
		if d.Content > 0 {
			s.delays.Content = d.Content
		}
		if d.Node > 0 {
			s.delays.Node = d.Node
		}
		if d.Metadata > 0 {
			s.delays.Metadata = d.Metadata
		}
	}
}

// Fields the editor keeps on nodes for display only.
var nodeUIFields = []string{
	"isSummarizing", "wordCount", "messageWordCounts", "children", "createdAt", "updatedAt", "isOpen",
}

const reorderBatchID = "reorder-batch"

type MessageOrder struct {
	MessageID string `json:"messageId"`
	NodeID    string `json:"nodeId"`
	Order     int    `json:"order"`
}

type CharacterState struct {
	CharacterID string `json:"characterId"`
	MessageID   string `json:"messageId"`
	IsActive    bool   `json:"isActive"`
}

type ContextItemState struct {
	ContextItemID string `json:"contextItemId"`
	MessageID     string `json:"messageId"`
	IsActive      bool   `json:"isActive"`
}

type LandmarkState struct {
	MapID      string  `json:"mapId"`
	LandmarkID string  `json:"landmarkId"`
	MessageID  string  `json:"messageId"`
	Field      string  `json:"field"`
	Value      *string `json:"value"`
}

type Paragraph struct {
	ID            string `json:"id"`
	Body          string `json:"body"`
	ContentSchema string `json:"contentSchema,omitempty"`
	State         string `json:"state,omitempty"`
}

type ParagraphChanges struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
}

func (s *Service) submit(op Operation, debounce bool, delay time.Duration) error {
	if debounce {
		return s.QueueSaveDebounced(op, delay)
	}
	_, err := s.QueueSave(op)
	return err
}

// SaveMessage queues a message write. Streaming content updates are debounced
// with the content delay when debounce is set. A non-empty afterMessageID on
// an insert places the message after that sibling.
func (s *Service) SaveMessage(storyID, messageID string, kind Kind, message map[string]any, afterMessageID string, debounce bool) error {
	var data any
	switch kind {
	case KindDelete:
	case KindInsert:
		if afterMessageID != "" {
			message = withFields(message, "afterMessageId", afterMessageID)
		}
		data = message
	default:
		data = message
	}
	op := Operation{Kind: kind, EntityType: EntityMessage, EntityID: messageID, StoryID: storyID, Data: data}
	return s.submit(op, debounce, s.delays.Content)
}

func (s *Service) SaveNode(storyID, nodeID string, kind Kind, node map[string]any, debounce bool) error {
	op := Operation{Kind: kind, EntityType: EntityNode, EntityID: nodeID, StoryID: storyID}
	if kind == KindDelete {
		return s.submit(op, false, 0)
	}
	op.Data = stripNodeUIFields(node)
	return s.submit(op, debounce, s.delays.Node)
}

// SaveNodesBulk writes a structural change spanning many nodes as one
// operation.
func (s *Service) SaveNodesBulk(storyID string, nodes []map[string]any) error {
	items := make([]any, 0, len(nodes))
	for _, n := range nodes {
		items = append(items, stripNodeUIFields(n))
	}
	return s.submit(Operation{
		Kind:       KindBulkUpdate,
		EntityType: EntityNode,
		EntityID:   syntheticID("bulk"),
		StoryID:    storyID,
		Data:       items,
	}, false, 0)
}

// ReorderMessages queues the new order of messages. A newer reorder replaces
// one still waiting in the queue.
func (s *Service) ReorderMessages(storyID string, items []MessageOrder) error {
	return s.submit(Operation{
		Kind:       KindReorder,
		EntityType: EntityMessage,
		EntityID:   reorderBatchID,
		StoryID:    storyID,
		Data:       map[string]any{"items": items},
	}, false, 0)
}

func (s *Service) SaveChapter(storyID, chapterID string, updates map[string]any, debounce bool) error {
	op := Operation{Kind: KindUpdate, EntityType: EntityChapter, EntityID: chapterID, StoryID: storyID, Data: updates}
	return s.submit(op, debounce, s.delays.Metadata)
}

func (s *Service) DeleteChapter(storyID, chapterID string) error {
	return s.submit(Operation{Kind: KindDelete, EntityType: EntityChapter, EntityID: chapterID, StoryID: storyID}, false, 0)
}

func (s *Service) SaveCharacter(storyID, characterID string, kind Kind, character map[string]any) error {
	return s.submit(entityOp(EntityCharacter, characterID, storyID, kind, character), false, 0)
}

func (s *Service) SaveContextItem(storyID, itemID string, kind Kind, item map[string]any) error {
	return s.submit(entityOp(EntityContextItem, itemID, storyID, kind, item), false, 0)
}

func (s *Service) SaveContextStates(storyID string, characters []CharacterState, items []ContextItemState) error {
	return s.submit(Operation{
		Kind:       KindSetState,
		EntityType: EntityContextStates,
		EntityID:   syntheticID("context-states"),
		StoryID:    storyID,
		Data: map[string]any{
			"characterStates":   characters,
			"contextItemStates": items,
		},
	}, false, 0)
}

func (s *Service) SaveMap(storyID, mapID string, kind Kind, m map[string]any, debounce bool) error {
	return s.submit(entityOp(EntityMap, mapID, storyID, kind, m), debounce, s.delays.Metadata)
}

// SaveLandmark and the other map children carry their map id in the payload,
// deletes included, so the store can resolve the parent.
func (s *Service) SaveLandmark(storyID, mapID, landmarkID string, kind Kind, landmark map[string]any, debounce bool) error {
	op := childOp(EntityLandmark, landmarkID, storyID, kind, landmark, "mapId", mapID)
	return s.submit(op, debounce, s.delays.Metadata)
}

// SaveLandmarkState records one field of a landmark as of a message. Later
// writes for the same map, landmark and field replace earlier queued ones.
func (s *Service) SaveLandmarkState(storyID string, state LandmarkState) error {
	return s.submit(Operation{
		Kind:       KindSetState,
		EntityType: EntityLandmarkState,
		EntityID:   state.MapID + "-" + state.LandmarkID + "-" + state.Field,
		StoryID:    storyID,
		Data: map[string]any{
			"mapId":      state.MapID,
			"landmarkId": state.LandmarkID,
			"messageId":  state.MessageID,
			"field":      state.Field,
			"value":      state.Value,
		},
	}, false, 0)
}

func (s *Service) SaveFleet(storyID, mapID, fleetID string, kind Kind, fleet map[string]any, debounce bool) error {
	op := childOp(EntityFleet, fleetID, storyID, kind, fleet, "mapId", mapID)
	return s.submit(op, debounce, s.delays.Metadata)
}

func (s *Service) SaveFleetMovement(storyID, mapID, fleetID, movementID string, kind Kind, movement map[string]any, debounce bool) error {
	op := childOp(EntityFleetMovement, movementID, storyID, kind, movement, "mapId", mapID, "fleetId", fleetID)
	return s.submit(op, debounce, s.delays.Metadata)
}

func (s *Service) SaveHyperlane(storyID, mapID, hyperlaneID string, kind Kind, hyperlane map[string]any, debounce bool) error {
	op := childOp(EntityHyperlane, hyperlaneID, storyID, kind, hyperlane, "mapId", mapID)
	return s.submit(op, debounce, s.delays.Metadata)
}

func (s *Service) SaveStorySettings(storyID string, settings map[string]any) error {
	return s.submit(Operation{
		Kind:       KindSave,
		EntityType: EntityStorySettings,
		EntityID:   syntheticID("settings"),
		StoryID:    storyID,
		Data:       settings,
	}, false, 0)
}

// SaveParagraphs diffs the paragraphs of a message revision by id and queues
// an insert, update or delete for each difference. Sort order follows the
// position in updated.
func (s *Service) SaveParagraphs(storyID, revisionID string, original, updated []Paragraph) (ParagraphChanges, error) {
	var changes ParagraphChanges
	before := make(map[string]Paragraph, len(original))
	for _, p := range original {
		before[p.ID] = p
	}
	after := make(map[string]struct{}, len(updated))

	for i, p := range updated {
		after[p.ID] = struct{}{}
		prev, existed := before[p.ID]
		kind := KindInsert
		if existed {
			if prev == p {
				continue
			}
			kind = KindUpdate
		}
		op := Operation{
			Kind:       kind,
			EntityType: EntityParagraph,
			EntityID:   p.ID,
			StoryID:    storyID,
			Data:       paragraphData(revisionID, p, i),
		}
		if err := s.submit(op, false, 0); err != nil {
			return changes, fmt.Errorf("paragraph %s: %w", p.ID, err)
		}
		if kind == KindInsert {
			changes.Created++
		} else {
			changes.Updated++
		}
	}

	for _, p := range original {
		if _, kept := after[p.ID]; kept {
			continue
		}
		op := Operation{
			Kind:       KindDelete,
			EntityType: EntityParagraph,
			EntityID:   p.ID,
			StoryID:    storyID,
			Data:       map[string]any{"revisionId": revisionID},
		}
		if err := s.submit(op, false, 0); err != nil {
			return changes, fmt.Errorf("paragraph %s: %w", p.ID, err)
		}
		changes.Deleted++
	}

	s.logger.Debug("queued paragraph changes", "revision", revisionID,
		"created", changes.Created, "updated", changes.Updated, "deleted", changes.Deleted)
	return changes, nil
}

func paragraphData(revisionID string, p Paragraph, order int) map[string]any {
	data := map[string]any{
		"revisionId": revisionID,
		"id":         p.ID,
		"body":       p.Body,
		"sortOrder":  order,
	}
	if p.ContentSchema != "" {
		data["contentSchema"] = p.ContentSchema
	}
	if p.State != "" {
		data["state"] = p.State
	}
	return data
}

func entityOp(entityType EntityType, id, storyID string, kind Kind, data map[string]any) Operation {
	op := Operation{Kind: kind, EntityType: entityType, EntityID: id, StoryID: storyID}
	if kind != KindDelete {
		op.Data = data
	}
	return op
}

func childOp(entityType EntityType, id, storyID string, kind Kind, data map[string]any, parents ...string) Operation {
	op := Operation{Kind: kind, EntityType: entityType, EntityID: id, StoryID: storyID}
	if kind == KindDelete {
		op.Data = withFields(nil, parents...)
	} else {
		op.Data = withFields(data, parents...)
	}
	return op
}

// withFields copies m and sets alternating key, value pairs on the copy.
func withFields(m map[string]any, kv ...string) map[string]any {
	out := make(map[string]any, len(m)+len(kv)/2)
	for k, v := range m {
		out[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i]] = kv[i+1]
	}
	return out
}

func stripNodeUIFields(node map[string]any) map[string]any {
	out := make(map[string]any, len(node))
	for k, v := range node {
		out[k] = v
	}
	for _, f := range nodeUIFields {
		delete(out, f)
	}
	return out
}

func syntheticID(prefix string) string {
	return prefix + "-" + strconv.FormatInt(time.Now().UnixNano(), 10)
}
