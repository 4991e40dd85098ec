package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"storysave/internal/savequeue"
)

type QueueSaveInput struct {
	Kind       string `json:"kind" jsonschema:"insert, update, delete, reorder, bulk-update, set-state or save"`
	EntityType string `json:"entity_type" jsonschema:"entity type, e.g. message or landmark-state"`
	EntityID   string `json:"entity_id" jsonschema:"target entity id"`
	StoryID    string `json:"story_id,omitempty" jsonschema:"owning story, defaults to the configured story"`
	Data       any    `json:"data,omitempty" jsonschema:"operation payload"`
	Wait       bool   `json:"wait,omitempty" jsonschema:"block until the save run finishes"`
}

type QueueSaveDebouncedInput struct {
	Kind       string `json:"kind" jsonschema:"operation kind, normally update"`
	EntityType string `json:"entity_type" jsonschema:"entity type"`
	EntityID   string `json:"entity_id" jsonschema:"target entity id"`
	StoryID    string `json:"story_id,omitempty" jsonschema:"owning story, defaults to the configured story"`
	Data       any    `json:"data,omitempty" jsonschema:"operation payload"`
	DelayMS    int    `json:"delay_ms,omitempty" jsonschema:"quiet period in milliseconds, defaults by entity type"`
}

type CancelPendingSavesInput struct{}

type SaveStatusInput struct{}

type FullSaveInput struct {
	StoryID string         `json:"story_id,omitempty" jsonschema:"story to save, defaults to the configured story"`
	Story   map[string]any `json:"story,omitempty" jsonschema:"whole-story payload, rendered from the local document when omitted"`
	Force   bool           `json:"force,omitempty" jsonschema:"skip the version check and overwrite"`
}

type PendingOutput struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	EntityID   string `json:"entity_id"`
	StoryID    string `json:"story_id"`
	RetryCount int    `json:"retry_count"`
}

type StatusOutput struct {
	Saving             bool            `json:"saving"`
	QueueLength        int             `json:"queue_length"`
	Current            *PendingOutput  `json:"current,omitempty"`
	FullSaveInProgress bool            `json:"full_save_in_progress"`
	PendingDebounced   int             `json:"pending_debounced"`
	Pending            []PendingOutput `json:"pending"`
	StoryUpdatedAt     string          `json:"story_updated_at,omitempty"`
}

type FullSaveOutput struct {
	UpdatedAt string `json:"updated_at"`
}

func (s *Server) registerTools() {
	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "queue_save",
		Description: "Queue one story mutation for saving",
	}, s.handleQueueSave)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "queue_save_debounced",
		Description: "Queue an update after a quiet period, replacing any pending update for the same entity",
	}, s.handleQueueSaveDebounced)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "cancel_pending_saves",
		Description: "Drop all debounced and queued saves",
	}, s.handleCancelPendingSaves)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "save_status",
		Description: "Report the save queue state",
	}, s.handleSaveStatus)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "full_save",
		Description: "Write the whole story, optionally overwriting a newer server copy",
	}, s.handleFullSave)
}

func (s *Server) handleQueueSave(ctx context.Context, req *sdk.CallToolRequest, input QueueSaveInput) (*sdk.CallToolResult, StatusOutput, error) {
	op, err := buildOperation(input.Kind, input.EntityType, input.EntityID, input.StoryID, input.Data)
	if err != nil {
		return nil, StatusOutput{}, err
	}
	if err := s.editor.Queue(ctx, op, input.Wait); err != nil {
		return nil, StatusOutput{}, err
	}
	return nil, s.status(), nil
}

func (s *Server) handleQueueSaveDebounced(ctx context.Context, req *sdk.CallToolRequest, input QueueSaveDebouncedInput) (*sdk.CallToolResult, StatusOutput, error) {
	if input.DelayMS < 0 {
		return nil, StatusOutput{}, fmt.Errorf("delay_ms must not be negative")
	}
	op, err := buildOperation(input.Kind, input.EntityType, input.EntityID, input.StoryID, input.Data)
	if err != nil {
		return nil, StatusOutput{}, err
	}
	if err := s.editor.QueueDebounced(op, time.Duration(input.DelayMS)*time.Millisecond); err != nil {
		return nil, StatusOutput{}, err
	}
	return nil, s.status(), nil
}

func (s *Server) handleCancelPendingSaves(ctx context.Context, req *sdk.CallToolRequest, input CancelPendingSavesInput) (*sdk.CallToolResult, StatusOutput, error) {
	s.editor.Cancel()
	return nil, s.status(), nil
}

func (s *Server) handleSaveStatus(ctx context.Context, req *sdk.CallToolRequest, input SaveStatusInput) (*sdk.CallToolResult, StatusOutput, error) {
	return nil, s.status(), nil
}

func (s *Server) handleFullSave(ctx context.Context, req *sdk.CallToolRequest, input FullSaveInput) (*sdk.CallToolResult, FullSaveOutput, error) {
	var payload json.RawMessage
	if input.Story != nil {
		b, err := json.Marshal(input.Story)
		if err != nil {
			return nil, FullSaveOutput{}, fmt.Errorf("encoding story: %w", err)
		}
		payload = b
	}
	stamp, err := s.editor.FullSave(ctx, input.StoryID, payload, input.Force)
	if err != nil {
		return nil, FullSaveOutput{}, err
	}
	return nil, FullSaveOutput{UpdatedAt: formatStamp(stamp)}, nil
}

func buildOperation(rawKind, rawType, entityID, storyID string, data any) (savequeue.Operation, error) {
	kind, err := savequeue.ParseKind(rawKind)
	if err != nil {
		return savequeue.Operation{}, err
	}
	entityType, err := savequeue.ParseEntityType(rawType)
	if err != nil {
		return savequeue.Operation{}, err
	}
	if entityID == "" {
		return savequeue.Operation{}, fmt.Errorf("entity_id is required")
	}
	return savequeue.Operation{
		Kind:       kind,
		EntityType: entityType,
		EntityID:   entityID,
		StoryID:    storyID,
		Data:       data,
	}, nil
}

func (s *Server) status() StatusOutput {
	st := s.editor.Status()
	out := StatusOutput{
		Saving:             st.Saving,
		QueueLength:        st.QueueLength,
		FullSaveInProgress: st.FullSaveInProgress,
		PendingDebounced:   st.PendingDebounced,
		Pending:            make([]PendingOutput, 0, st.QueueLength),
		StoryUpdatedAt:     formatStamp(s.editor.Service().Versions().Stamp()),
	}
	if st.CurrentOperation != nil {
		current := pendingOutputFromOperation(*st.CurrentOperation)
		out.Current = &current
	}
	for _, op := range s.editor.Service().Pending() {
		out.Pending = append(out.Pending, pendingOutputFromOperation(op))
	}
	return out
}

func pendingOutputFromOperation(op savequeue.Operation) PendingOutput {
	return PendingOutput{
		ID:         op.ID,
		Type:       op.Type(),
		EntityID:   op.EntityID,
		StoryID:    op.StoryID,
		RetryCount: op.RetryCount,
	}
}

func formatStamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
