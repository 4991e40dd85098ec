package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"storysave/internal/store"
)

func (c *Client) LoadStory(ctx context.Context, storyID string) (*store.Story, error) {
	var payload, updated string
	err := c.db.QueryRowContext(ctx,
		`SELECT payload, updated_at FROM stories WHERE id = ?`, storyID).Scan(&payload, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading story: %w", err)
	}
	stamp, err := parseStamp(updated)
	if err != nil {
		return nil, err
	}
	return &store.Story{ID: storyID, Payload: json.RawMessage(payload), UpdatedAt: stamp}, nil
}

// SaveStory writes the whole-document payload. Unless forced, a known
// expected stamp must match the stored revision.
func (c *Client) SaveStory(ctx context.Context, storyID string, payload json.RawMessage, expected time.Time, force bool) (time.Time, error) {
	if !json.Valid(payload) {
		return time.Time{}, fmt.Errorf("%w: story payload is not JSON", store.ErrInvalid)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stored, err := storyStamp(ctx, tx, storyID)
	if err != nil {
		return time.Time{}, err
	}
	if err := store.CheckStale(stored, expected, force); err != nil {
		return time.Time{}, err
	}

	stamp := store.NextStamp(c.now(), stored)
	query := `
	INSERT INTO stories (id, payload, updated_at) VALUES (?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		payload = excluded.payload,
		updated_at = excluded.updated_at
	`
	if _, err := tx.ExecContext(ctx, query, storyID, string(payload), formatStamp(stamp)); err != nil {
		return time.Time{}, fmt.Errorf("saving story: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return time.Time{}, fmt.Errorf("committing transaction: %w", err)
	}
	return stamp, nil
}
