package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"storysave/internal/savequeue"
	"storysave/internal/store"
)

const stampLayout = "2006-01-02T15:04:05.000000Z07:00"

func formatStamp(t time.Time) string {
	return t.UTC().Format(stampLayout)
}

func parseStamp(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing stamp %q: %w", raw, err)
	}
	return t.UTC(), nil
}

// write runs fn in a transaction after bumping the story revision.
func (c *Client) write(ctx context.Context, storyID string, fn func(tx *sql.Tx, stamp string) error) (time.Time, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stamp, err := c.bumpStory(ctx, tx, storyID)
	if err != nil {
		return time.Time{}, err
	}
	if err := fn(tx, formatStamp(stamp)); err != nil {
		return time.Time{}, err
	}
	if err := tx.Commit(); err != nil {
		return time.Time{}, fmt.Errorf("committing transaction: %w", err)
	}
	return stamp, nil
}

func (c *Client) bumpStory(ctx context.Context, tx *sql.Tx, storyID string) (time.Time, error) {
	prev, err := storyStamp(ctx, tx, storyID)
	if err != nil {
		return time.Time{}, err
	}
	stamp := store.NextStamp(c.now(), prev)

	query := `
	INSERT INTO stories (id, payload, updated_at) VALUES (?, '{}', ?)
	ON CONFLICT (id) DO UPDATE SET updated_at = excluded.updated_at
	`
	if _, err := tx.ExecContext(ctx, query, storyID, formatStamp(stamp)); err != nil {
		return time.Time{}, fmt.Errorf("bumping story revision: %w", err)
	}
	return stamp, nil
}

func storyStamp(ctx context.Context, tx *sql.Tx, storyID string) (time.Time, error) {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT updated_at FROM stories WHERE id = ?`, storyID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading story revision: %w", err)
	}
	return parseStamp(raw)
}

func (c *Client) InsertEntity(ctx context.Context, storyID string, e store.Entity) (time.Time, error) {
	data, err := store.EncodeData(e.Data)
	if err != nil {
		return time.Time{}, err
	}
	return c.write(ctx, storyID, func(tx *sql.Tx, stamp string) error {
		query := `
		INSERT INTO entities (story_id, entity_type, entity_id, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (story_id, entity_type, entity_id) DO NOTHING
		`
		res, err := tx.ExecContext(ctx, query, storyID, e.Type, e.ID, string(data), stamp)
		if err != nil {
			return fmt.Errorf("inserting entity: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%s %s: %w", e.Type, e.ID, store.ErrDuplicate)
		}
		return nil
	})
}

func (c *Client) UpdateEntity(ctx context.Context, storyID string, e store.Entity) (time.Time, error) {
	return c.write(ctx, storyID, func(tx *sql.Tx, stamp string) error {
		current, err := entityData(ctx, tx, storyID, e.Type, e.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("%s %s: %w", e.Type, e.ID, store.ErrNotFound)
		}
		merged, err := store.MergeJSON(current, e.Data)
		if err != nil {
			return err
		}
		return putEntity(ctx, tx, storyID, e.Type, e.ID, merged, stamp)
	})
}

func (c *Client) DeleteEntity(ctx context.Context, storyID, entityType, id string) (time.Time, error) {
	return c.write(ctx, storyID, func(tx *sql.Tx, _ string) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM entities WHERE story_id = ? AND entity_type = ? AND entity_id = ?`,
			storyID, entityType, id)
		if err != nil {
			return fmt.Errorf("deleting entity: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%s %s: %w", entityType, id, store.ErrNotFound)
		}
		return nil
	})
}

func (c *Client) PutEntities(ctx context.Context, storyID string, entities []store.Entity, merge bool) (time.Time, error) {
	return c.write(ctx, storyID, func(tx *sql.Tx, stamp string) error {
		for _, e := range entities {
			var (
				data []byte
				err  error
			)
			if merge {
				current, err := entityData(ctx, tx, storyID, e.Type, e.ID)
				if err != nil {
					return err
				}
				data, err = store.MergeJSON(current, e.Data)
				if err != nil {
					return err
				}
			} else {
				data, err = store.EncodeData(e.Data)
				if err != nil {
					return err
				}
			}
			if err := putEntity(ctx, tx, storyID, e.Type, e.ID, data, stamp); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *Client) ReorderMessages(ctx context.Context, storyID string, items []savequeue.MessageOrder) (time.Time, error) {
	messageType := string(savequeue.EntityMessage)
	return c.write(ctx, storyID, func(tx *sql.Tx, stamp string) error {
		for _, item := range items {
			current, err := entityData(ctx, tx, storyID, messageType, item.MessageID)
			if err != nil {
				return err
			}
			if current == nil {
				return fmt.Errorf("message %s: %w", item.MessageID, store.ErrNotFound)
			}
			merged, err := store.MergeJSON(current, map[string]any{"order": item.Order, "nodeId": item.NodeID})
			if err != nil {
				return err
			}
			if err := putEntity(ctx, tx, storyID, messageType, item.MessageID, merged, stamp); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *Client) GetEntity(ctx context.Context, storyID, entityType, id string) (*store.Entity, error) {
	query := `
	SELECT data, updated_at FROM entities
	WHERE story_id = ? AND entity_type = ? AND entity_id = ?
	`
	var data, updated string
	err := c.db.QueryRowContext(ctx, query, storyID, entityType, id).Scan(&data, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting entity: %w", err)
	}
	return decodeEntity(entityType, id, data, updated)
}

func (c *Client) ListEntities(ctx context.Context, storyID, entityType string) ([]store.Entity, error) {
	query := `
	SELECT entity_type, entity_id, data, updated_at FROM entities
	WHERE story_id = ? AND (? = '' OR entity_type = ?)
	ORDER BY entity_type, entity_id
	`
	rows, err := c.db.QueryContext(ctx, query, storyID, entityType, entityType)
	if err != nil {
		return nil, fmt.Errorf("listing entities: %w", err)
	}
	defer rows.Close()

	entities := make([]store.Entity, 0)
	for rows.Next() {
		var typ, id, data, updated string
		if err := rows.Scan(&typ, &id, &data, &updated); err != nil {
			return nil, fmt.Errorf("scanning entity: %w", err)
		}
		e, err := decodeEntity(typ, id, data, updated)
		if err != nil {
			return nil, err
		}
		entities = append(entities, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entity rows: %w", err)
	}
	return entities, nil
}

func entityData(ctx context.Context, tx *sql.Tx, storyID, entityType, id string) ([]byte, error) {
	var data string
	err := tx.QueryRowContext(ctx,
		`SELECT data FROM entities WHERE story_id = ? AND entity_type = ? AND entity_id = ?`,
		storyID, entityType, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading entity: %w", err)
	}
	return []byte(data), nil
}

func putEntity(ctx context.Context, tx *sql.Tx, storyID, entityType, id string, data []byte, stamp string) error {
	query := `
	INSERT INTO entities (story_id, entity_type, entity_id, data, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (story_id, entity_type, entity_id) DO UPDATE SET
		data = excluded.data,
		updated_at = excluded.updated_at
	`
	if _, err := tx.ExecContext(ctx, query, storyID, entityType, id, string(data), stamp); err != nil {
		return fmt.Errorf("writing entity: %w", err)
	}
	return nil
}

func decodeEntity(entityType, id, data, updated string) (*store.Entity, error) {
	decoded, err := store.DecodeData([]byte(data))
	if err != nil {
		return nil, err
	}
	stamp, err := parseStamp(updated)
	if err != nil {
		return nil, err
	}
	return &store.Entity{Type: entityType, ID: id, Data: decoded, UpdatedAt: stamp}, nil
}
