package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"storysave/internal/store"
)

func (c *Client) LoadStory(ctx context.Context, storyID string) (*store.Story, error) {
	var payload []byte
	var updated time.Time
	err := c.pool.QueryRow(ctx,
		`SELECT payload, updated_at FROM stories WHERE id = $1`, storyID).Scan(&payload, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading story: %w", err)
	}
	return &store.Story{ID: storyID, Payload: payload, UpdatedAt: updated.UTC()}, nil
}

func (c *Client) SaveStory(ctx context.Context, storyID string, payload json.RawMessage, expected time.Time, force bool) (time.Time, error) {
	if !json.Valid(payload) {
		return time.Time{}, fmt.Errorf("%w: story payload is not JSON", store.ErrInvalid)
	}

	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return time.Time{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	stored, err := lockStory(ctx, tx, storyID)
	if err != nil {
		return time.Time{}, err
	}
	if err := store.CheckStale(stored, expected, force); err != nil {
		return time.Time{}, err
	}

	stamp := store.NextStamp(c.now(), stored)
	query := `
INSERT INTO stories (id, payload, updated_at) VALUES ($1, $2::jsonb, $3)
ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at
`
	if _, err := tx.Exec(ctx, query, storyID, []byte(payload), stamp); err != nil {
		return time.Time{}, fmt.Errorf("saving story: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return time.Time{}, fmt.Errorf("committing transaction: %w", err)
	}
	return stamp, nil
}
