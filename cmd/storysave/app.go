package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"storysave/internal/config"
	"storysave/internal/document"
	"storysave/internal/editor"
	"storysave/internal/logging"
	"storysave/internal/metrics"
	"storysave/internal/savequeue"
	"storysave/internal/store"
	"storysave/internal/store/postgres"
	"storysave/internal/store/rest"
	"storysave/internal/store/s3"
	"storysave/internal/store/sqlite"
)

// app is one open story: its store, save queue and local document.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	backend store.Backend
	metrics *metrics.Collector
	svc     *savequeue.Service
	editor  *editor.Editor
	auto    *document.AutoSaver
}

type storyLoader interface {
	LoadStory(ctx context.Context, storyID string) (*store.Story, error)
}

func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return nil, err
	}
	return openApp(ctx, cfg, logger)
}

func openApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	reg := savequeue.NewRegistry()
	fullSaver, err := a.openStorage(ctx, reg)
	if err != nil {
		return nil, err
	}
	if cfg.Snapshots.Driver == "s3" {
		snapshots, err := openSnapshots(ctx, cfg.Snapshots.S3)
		if err != nil {
			a.close(ctx)
			return nil, err
		}
		fullSaver = snapshots
	}

	doc, stamp, err := loadDocument(ctx, cfg.Story, fullSaver)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	delays := savequeue.DebounceDelays{
		Content:  cfg.Queue.Debounce.Content,
		Node:     cfg.Queue.Debounce.Node,
		Metadata: cfg.Queue.Debounce.Metadata,
	}
	opts := []savequeue.Option{
		savequeue.WithLogger(logger),
		savequeue.WithObserver(savequeue.MultiObserver{a.metrics, doc.Observer()}),
		savequeue.WithMaxRetries(cfg.Queue.Retries()),
		savequeue.WithRetryBackoff(cfg.Queue.RetryBackoff),
		savequeue.WithDebounceDelays(delays),
		savequeue.WithFullSaver(fullSaver),
		savequeue.WithStorageMode(savequeue.StorageMode(cfg.Storage.Mode)),
		savequeue.WithFullSaveTrigger(func() { a.auto.Trigger() }),
	}
	if cfg.Snapshots.Driver == "s3" {
		opts = append(opts, savequeue.WithIndependentFullSaver())
	}
	a.svc = savequeue.New(reg, opts...)
	a.svc.Versions().Reset(stamp)
	a.auto = document.NewAutoSaver(ctx, doc, a.svc, logger)
	a.editor = editor.New(a.svc,
		editor.WithDocument(doc),
		editor.WithDefaultStory(cfg.Story),
		editor.WithDebounceDelays(delays),
	)

	logger.Debug("story opened", "story", cfg.Story, "mode", cfg.Storage.Mode, "backend", cfg.Storage.Backend, "snapshots", cfg.Snapshots.Driver)
	return a, nil
}

// openStorage registers the configured backend's handlers on reg and returns
// its full-save path.
func (a *app) openStorage(ctx context.Context, reg *savequeue.Registry) (savequeue.FullSaver, error) {
	cfg := a.cfg.Storage
	switch cfg.Backend {
	case "sqlite", "postgres":
		var backend store.Backend
		var err error
		if cfg.Backend == "sqlite" {
			backend, err = sqlite.New(ctx, cfg.DSN)
		} else {
			backend, err = postgres.New(ctx, cfg.DSN)
		}
		if err != nil {
			return nil, err
		}
		if err := backend.EnsureSchema(ctx); err != nil {
			backend.Close(ctx)
			return nil, err
		}
		a.backend = backend
		store.Register(reg, backend)
		return backend, nil

	case "rest":
		var routes *config.RouteTable
		if cfg.REST.Routes != "" {
			var err error
			if routes, err = config.LoadRoutes(cfg.REST.Routes); err != nil {
				return nil, err
			}
		}
		var token string
		if cfg.REST.TokenEnv != "" {
			token = os.Getenv(cfg.REST.TokenEnv)
		}
		client, err := rest.New(rest.Options{
			BaseURL: cfg.REST.BaseURL,
			Token:   token,
			Timeout: cfg.REST.Timeout,
			Routes:  routes,
		})
		if err != nil {
			return nil, err
		}
		client.Register(reg)
		return client, nil
	}
	return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
}

func openSnapshots(ctx context.Context, cfg config.S3Config) (*s3.Store, error) {
	s3cfg := s3.Config{
		Region:    cfg.Region,
		Bucket:    cfg.Bucket,
		Endpoint:  cfg.Endpoint,
		Prefix:    cfg.Prefix,
		PathStyle: cfg.PathStyle,
	}
	if cfg.AccessKeyEnv != "" {
		s3cfg.AccessKeyID = os.Getenv(cfg.AccessKeyEnv)
		s3cfg.SecretAccessKey = os.Getenv(cfg.SecretKeyEnv)
	}
	return s3.New(ctx, s3cfg)
}

// loadDocument seeds the local document and the last known revision stamp
// from the stored story when the full-save target can read one back.
func loadDocument(ctx context.Context, storyID string, saver savequeue.FullSaver) (*document.Document, time.Time, error) {
	loader, ok := saver.(storyLoader)
	if !ok {
		return document.New(storyID), time.Time{}, nil
	}
	story, err := loader.LoadStory(ctx, storyID)
	if err != nil {
		return nil, time.Time{}, err
	}
	if story == nil {
		return document.New(storyID), time.Time{}, nil
	}
	if len(story.Payload) == 0 {
		return document.New(storyID), story.UpdatedAt, nil
	}
	doc, err := document.Load(story.Payload)
	if err != nil || doc.StoryID() != storyID {
		// Stored payloads written by other tools are not required to use
		// the document layout.
		return document.New(storyID), story.UpdatedAt, nil
	}
	return doc, story.UpdatedAt, nil
}

// close waits for local saves, stops the queue and closes the store.
func (a *app) close(ctx context.Context) {
	if a.auto != nil {
		a.auto.Wait()
	}
	if a.svc != nil {
		_ = a.svc.Close()
	}
	if a.backend != nil {
		if err := a.backend.Close(ctx); err != nil {
			a.logger.Warn("closing store", "error", err)
		}
	}
}
