package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"storysave/internal/config"
	"storysave/internal/savequeue"
)

var _ savequeue.FullSaver = (*Client)(nil)

type Options struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	Routes     *config.RouteTable
	HTTPClient *http.Client
}

// Client writes operations to a story server over HTTP.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
	routes  map[savequeue.Route]endpoint
}

func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("rest base url is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		http:    httpClient,
		baseURL: base,
		token:   opts.Token,
		routes:  resolveRoutes(opts.Routes),
	}, nil
}

// Register installs a handler for every routed operation.
func (c *Client) Register(reg *savequeue.Registry) {
	for route, ep := range c.routes {
		reg.Register(route.EntityType, route.Kind, c.handler(ep))
	}
}

func (c *Client) handler(ep endpoint) savequeue.Handler {
	return func(ctx context.Context, op savequeue.Operation) (savequeue.Result, error) {
		path, err := expandPath(ep.path, op)
		if err != nil {
			return savequeue.Result{}, savequeue.ClientError(http.StatusBadRequest, err)
		}
		var body any
		if ep.method != http.MethodDelete {
			body = op.Data
		}
		stamp, err := c.do(ctx, ep.method, path, body)
		if err != nil {
			return savequeue.Result{}, fmt.Errorf("%s: %w", op.Type(), err)
		}
		return savequeue.Result{UpdatedAt: stamp}, nil
	}
}

type fullSaveRequest struct {
	Story           json.RawMessage `json:"story"`
	ClientUpdatedAt *time.Time      `json:"clientUpdatedAt,omitempty"`
	Force           bool            `json:"force,omitempty"`
}

func (c *Client) SaveStory(ctx context.Context, storyID string, payload json.RawMessage, expected time.Time, force bool) (time.Time, error) {
	req := fullSaveRequest{Story: payload, Force: force}
	if !expected.IsZero() {
		req.ClientUpdatedAt = &expected
	}
	stamp, err := c.do(ctx, http.MethodPut, "/stories/"+url.PathEscape(storyID)+"/full", req)
	if err != nil {
		return time.Time{}, fmt.Errorf("full save: %w", err)
	}
	return stamp, nil
}

type successBody struct {
	UpdatedAt time.Time `json:"updatedAt"`
}

type errorBody struct {
	Error           string    `json:"error"`
	Code            string    `json:"code"`
	ServerUpdatedAt time.Time `json:"serverUpdatedAt"`
	ClientUpdatedAt time.Time `json:"clientUpdatedAt"`
}

func (c *Client) do(ctx context.Context, method, path string, body any) (time.Time, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return time.Time{}, savequeue.ClientError(http.StatusBadRequest, fmt.Errorf("encoding body: %w", err))
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return time.Time{}, savequeue.ClientError(http.StatusBadRequest, err)
	}
	req.Header.Set("Accept", "application/json")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return time.Time{}, ctx.Err()
		}
		return time.Time{}, savequeue.TransientError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return time.Time{}, savequeue.TransientError(fmt.Errorf("reading response: %w", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var ok successBody
		if len(bytes.TrimSpace(data)) > 0 {
			// A body without a stamp is still a success.
			_ = json.Unmarshal(data, &ok)
		}
		return ok.UpdatedAt, nil
	}
	return time.Time{}, responseError(resp.StatusCode, data)
}

func responseError(status int, data []byte) error {
	var body errorBody
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
	}
	if body.Error == "" {
		body.Error = http.StatusText(status)
	}

	class := savequeue.ClassifyStatus(status, body.Code)
	if class == savequeue.ClassAuth {
		return savequeue.AuthError(errors.New(body.Error))
	}
	return &savequeue.Error{
		Class:       class,
		Status:      status,
		Code:        body.Code,
		ServerStamp: body.ServerUpdatedAt,
		ClientStamp: body.ClientUpdatedAt,
		Err:         errors.New(body.Error),
	}
}
