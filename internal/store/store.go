package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"storysave/internal/savequeue"
)

var (
	ErrNotFound  = errors.New("entity not found")
	ErrDuplicate = errors.New("entity already exists")
	ErrInvalid   = errors.New("invalid payload")
)

// Backend persists story entities. Every write bumps the story revision and
// returns the new stamp.
type Backend interface {
	Close(ctx context.Context) error
	EnsureSchema(ctx context.Context) error

	InsertEntity(ctx context.Context, storyID string, e Entity) (time.Time, error)
	UpdateEntity(ctx context.Context, storyID string, e Entity) (time.Time, error)
	DeleteEntity(ctx context.Context, storyID, entityType, id string) (time.Time, error)
	// PutEntities upserts all entities in one transaction. With merge set an
	// existing row is shallow-merged instead of replaced.
	PutEntities(ctx context.Context, storyID string, entities []Entity, merge bool) (time.Time, error)
	ReorderMessages(ctx context.Context, storyID string, items []savequeue.MessageOrder) (time.Time, error)

	GetEntity(ctx context.Context, storyID, entityType, id string) (*Entity, error)
	ListEntities(ctx context.Context, storyID, entityType string) ([]Entity, error)

	LoadStory(ctx context.Context, storyID string) (*Story, error)
	SaveStory(ctx context.Context, storyID string, payload json.RawMessage, expected time.Time, force bool) (time.Time, error)
}

type Entity struct {
	Type      string         `json:"type"`
	ID        string         `json:"id"`
	Data      map[string]any `json:"data"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

type Story struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updatedAt"`
}
