package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"storysave/internal/savequeue"
	"storysave/internal/store"
)

// write runs fn in a transaction after locking and bumping the story
// revision.
func (c *Client) write(ctx context.Context, storyID string, fn func(tx pgx.Tx, stamp time.Time) error) (time.Time, error) {
	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return time.Time{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	prev, err := lockStory(ctx, tx, storyID)
	if err != nil {
		return time.Time{}, err
	}
	stamp := store.NextStamp(c.now(), prev)

	query := `
INSERT INTO stories (id, payload, updated_at) VALUES ($1, '{}', $2)
ON CONFLICT (id) DO UPDATE SET updated_at = EXCLUDED.updated_at
`
	if _, err := tx.Exec(ctx, query, storyID, stamp); err != nil {
		return time.Time{}, fmt.Errorf("bumping story revision: %w", err)
	}

	if err := fn(tx, stamp); err != nil {
		return time.Time{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return time.Time{}, fmt.Errorf("committing transaction: %w", err)
	}
	return stamp, nil
}

func lockStory(ctx context.Context, tx pgx.Tx, storyID string) (time.Time, error) {
	var stamp time.Time
	err := tx.QueryRow(ctx, `SELECT updated_at FROM stories WHERE id = $1 FOR UPDATE`, storyID).Scan(&stamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading story revision: %w", err)
	}
	return stamp.UTC(), nil
}

func (c *Client) InsertEntity(ctx context.Context, storyID string, e store.Entity) (time.Time, error) {
	data, err := store.EncodeData(e.Data)
	if err != nil {
		return time.Time{}, err
	}
	return c.write(ctx, storyID, func(tx pgx.Tx, stamp time.Time) error {
		query := `
INSERT INTO entities (story_id, entity_type, entity_id, data, updated_at)
VALUES ($1, $2, $3, $4::jsonb, $5)
ON CONFLICT (story_id, entity_type, entity_id) DO NOTHING
`
		tag, err := tx.Exec(ctx, query, storyID, e.Type, e.ID, data, stamp)
		if err != nil {
			return fmt.Errorf("inserting entity: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%s %s: %w", e.Type, e.ID, store.ErrDuplicate)
		}
		return nil
	})
}

func (c *Client) UpdateEntity(ctx context.Context, storyID string, e store.Entity) (time.Time, error) {
	patch, err := store.EncodeData(e.Data)
	if err != nil {
		return time.Time{}, err
	}
	return c.write(ctx, storyID, func(tx pgx.Tx, stamp time.Time) error {
		query := `
UPDATE entities SET data = data || $4::jsonb, updated_at = $5
WHERE story_id = $1 AND entity_type = $2 AND entity_id = $3
`
		tag, err := tx.Exec(ctx, query, storyID, e.Type, e.ID, patch, stamp)
		if err != nil {
			return fmt.Errorf("updating entity: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%s %s: %w", e.Type, e.ID, store.ErrNotFound)
		}
		return nil
	})
}

func (c *Client) DeleteEntity(ctx context.Context, storyID, entityType, id string) (time.Time, error) {
	return c.write(ctx, storyID, func(tx pgx.Tx, _ time.Time) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM entities WHERE story_id = $1 AND entity_type = $2 AND entity_id = $3`,
			storyID, entityType, id)
		if err != nil {
			return fmt.Errorf("deleting entity: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%s %s: %w", entityType, id, store.ErrNotFound)
		}
		return nil
	})
}

func (c *Client) PutEntities(ctx context.Context, storyID string, entities []store.Entity, merge bool) (time.Time, error) {
	query := `
INSERT INTO entities (story_id, entity_type, entity_id, data, updated_at)
VALUES ($1, $2, $3, $4::jsonb, $5)
ON CONFLICT (story_id, entity_type, entity_id) DO UPDATE SET
    data = CASE WHEN $6::boolean THEN entities.data || EXCLUDED.data ELSE EXCLUDED.data END,
    updated_at = EXCLUDED.updated_at
`
	encoded := make([][]byte, len(entities))
	for i, e := range entities {
		data, err := store.EncodeData(e.Data)
		if err != nil {
			return time.Time{}, err
		}
		encoded[i] = data
	}

	return c.write(ctx, storyID, func(tx pgx.Tx, stamp time.Time) error {
		batch := &pgx.Batch{}
		for i, e := range entities {
			batch.Queue(query, storyID, e.Type, e.ID, encoded[i], stamp, merge)
		}
		results := tx.SendBatch(ctx, batch)
		for _, e := range entities {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return fmt.Errorf("writing %s %s: %w", e.Type, e.ID, err)
			}
		}
		if err := results.Close(); err != nil {
			return fmt.Errorf("closing batch: %w", err)
		}
		return nil
	})
}

func (c *Client) ReorderMessages(ctx context.Context, storyID string, items []savequeue.MessageOrder) (time.Time, error) {
	query := `
UPDATE entities
SET data = data || jsonb_build_object('order', $3::int, 'nodeId', $4::text), updated_at = $5
WHERE story_id = $1 AND entity_type = 'message' AND entity_id = $2
`
	return c.write(ctx, storyID, func(tx pgx.Tx, stamp time.Time) error {
		for _, item := range items {
			tag, err := tx.Exec(ctx, query, storyID, item.MessageID, item.Order, item.NodeID, stamp)
			if err != nil {
				return fmt.Errorf("reordering message %s: %w", item.MessageID, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("message %s: %w", item.MessageID, store.ErrNotFound)
			}
		}
		return nil
	})
}

func (c *Client) GetEntity(ctx context.Context, storyID, entityType, id string) (*store.Entity, error) {
	query := `
SELECT data, updated_at FROM entities
WHERE story_id = $1 AND entity_type = $2 AND entity_id = $3
`
	var data []byte
	var updated time.Time
	err := c.pool.QueryRow(ctx, query, storyID, entityType, id).Scan(&data, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting entity: %w", err)
	}
	decoded, err := store.DecodeData(data)
	if err != nil {
		return nil, err
	}
	return &store.Entity{Type: entityType, ID: id, Data: decoded, UpdatedAt: updated.UTC()}, nil
}

func (c *Client) ListEntities(ctx context.Context, storyID, entityType string) ([]store.Entity, error) {
	query := `
SELECT entity_type, entity_id, data, updated_at FROM entities
WHERE story_id = $1 AND ($2 = '' OR entity_type = $2)
ORDER BY entity_type, entity_id
`
	rows, err := c.pool.Query(ctx, query, storyID, entityType)
	if err != nil {
		return nil, fmt.Errorf("listing entities: %w", err)
	}
	defer rows.Close()

	entities := make([]store.Entity, 0)
	for rows.Next() {
		var e store.Entity
		var data []byte
		if err := rows.Scan(&e.Type, &e.ID, &data, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning entity: %w", err)
		}
		if e.Data, err = store.DecodeData(data); err != nil {
			return nil, err
		}
		e.UpdatedAt = e.UpdatedAt.UTC()
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entity rows: %w", err)
	}
	return entities, nil
}
