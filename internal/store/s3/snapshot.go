package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"storysave/internal/savequeue"
	"storysave/internal/store"
)

// stampKey is the object metadata entry carrying the snapshot revision.
const stampKey = "updated-at"

var _ savequeue.FullSaver = (*Store)(nil)

// Store keeps whole-story snapshots as JSON objects in one bucket.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
	now    func() time.Time
}

type Config struct {
	Region          string
	Bucket          string
	Endpoint        string // optional; set for MinIO and other S3-compatible stores
	Prefix          string
	AccessKeyID     string // optional, falls back to the default credentials chain
	SecretAccessKey string
	PathStyle       bool
	HTTPClient      *http.Client
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.HTTPClient != nil {
			o.HTTPClient = cfg.HTTPClient
		}
	})
	return &Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, now: time.Now}, nil
}

func (s *Store) key(storyID string) string {
	return s.prefix + storyID + ".json"
}

// SaveStory writes the snapshot unless the stored revision differs from
// expected. The check and the write are two requests, so two writers racing
// on the same story can both pass it.
func (s *Store) SaveStory(ctx context.Context, storyID string, payload json.RawMessage, expected time.Time, force bool) (time.Time, error) {
	if !json.Valid(payload) {
		return time.Time{}, savequeue.ClientError(http.StatusBadRequest, store.ErrInvalid)
	}

	stored, err := s.stamp(ctx, storyID)
	if err != nil {
		return time.Time{}, err
	}
	if err := store.CheckStale(stored, expected, force); err != nil {
		return time.Time{}, err
	}

	next := store.NextStamp(s.now(), stored)
	key := s.key(storyID)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
		Metadata:    map[string]string{stampKey: next.Format(time.RFC3339Nano)},
	})
	if err != nil {
		return time.Time{}, savequeue.TransientError(fmt.Errorf("writing snapshot %s: %w", key, err))
	}
	return next, nil
}

// LoadStory returns the stored snapshot, nil when there is none.
func (s *Store) LoadStory(ctx context.Context, storyID string) (*store.Story, error) {
	key := s.key(storyID)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading snapshot %s: %w", key, err)
	}
	defer out.Body.Close()

	payload, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot %s: %w", key, err)
	}
	return &store.Story{ID: storyID, Payload: payload, UpdatedAt: parseStamp(out.Metadata)}, nil
}

func (s *Store) stamp(ctx context.Context, storyID string) (time.Time, error) {
	key := s.key(storyID)
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		if isNotFound(err) {
			return time.Time{}, nil
		}
		return time.Time{}, savequeue.TransientError(fmt.Errorf("reading snapshot %s: %w", key, err))
	}
	return parseStamp(out.Metadata), nil
}

func parseStamp(md map[string]string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, md[stampKey])
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return true
	}
	var status interface{ HTTPStatusCode() int }
	return errors.As(err, &status) && status.HTTPStatusCode() == http.StatusNotFound
}
