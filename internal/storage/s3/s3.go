// Package s3 implements storage.Backend against any S3-compatible object
// store via the MinIO client. Records are stored one JSON object per key under
// intents/, agents/, and verifications/<intent-id>/.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/intentd/api"
	"pkt.systems/intentd/internal/storage"
)

// Config controls the S3 store.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	// CustomCreds overrides the default env/file/IAM credential chain.
	CustomCreds *credentials.Credentials
	// Transport overrides the HTTP transport (useful for tests).
	Transport http.RoundTripper
}

// Store persists records in one bucket.
type Store struct {
	client *minio.Client
	cfg    Config
}

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{client: client, cfg: cfg}, nil
}

// PutIntent writes the intent object.
func (s *Store) PutIntent(ctx context.Context, intent *api.Intent) error {
	return s.putJSON(ctx, s.key("intents", intent.ID), intent)
}

// GetIntent loads one intent object.
func (s *Store) GetIntent(ctx context.Context, id string) (*api.Intent, error) {
	var intent api.Intent
	if err := s.getJSON(ctx, s.key("intents", id), &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// ListIntents loads every intent object in creation order.
func (s *Store) ListIntents(ctx context.Context) ([]*api.Intent, error) {
	keys, err := s.listKeys(ctx, s.dir("intents"))
	if err != nil {
		return nil, err
	}
	out := make([]*api.Intent, 0, len(keys))
	for _, key := range keys {
		var intent api.Intent
		if err := s.getJSON(ctx, key, &intent); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, &intent)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// PutAgent writes the agent object.
func (s *Store) PutAgent(ctx context.Context, agent *api.Agent) error {
	return s.putJSON(ctx, s.key("agents", agent.ID), agent)
}

// GetAgent loads one agent object.
func (s *Store) GetAgent(ctx context.Context, id string) (*api.Agent, error) {
	var agent api.Agent
	if err := s.getJSON(ctx, s.key("agents", id), &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// ListAgents loads every agent object in creation order.
func (s *Store) ListAgents(ctx context.Context) ([]*api.Agent, error) {
	keys, err := s.listKeys(ctx, s.dir("agents"))
	if err != nil {
		return nil, err
	}
	out := make([]*api.Agent, 0, len(keys))
	for _, key := range keys {
		var agent api.Agent
		if err := s.getJSON(ctx, key, &agent); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, &agent)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// PutVerification writes the proof object under its intent's prefix.
func (s *Store) PutVerification(ctx context.Context, v *api.Verification) error {
	return s.putJSON(ctx, s.key("verifications/"+v.IntentID, v.ID), v)
}

// ListVerifications loads the proofs recorded for intentID in submission
// order (UUIDv7 keys sort chronologically).
func (s *Store) ListVerifications(ctx context.Context, intentID string) ([]*api.Verification, error) {
	keys, err := s.listKeys(ctx, s.dir("verifications/"+intentID))
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	out := make([]*api.Verification, 0, len(keys))
	for _, key := range keys {
		var v api.Verification
		if err := s.getJSON(ctx, key, &v); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, &v)
	}
	return out, nil
}

// Close satisfies storage.Backend and is a no-op for the S3 client.
func (s *Store) Close() error { return nil }

// BucketExists reports whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	return s.client.BucketExists(ctx, s.cfg.Bucket)
}

func (s *Store) key(kind, id string) string {
	return s.dir(kind) + id + ".json"
}

func (s *Store) dir(kind string) string {
	if s.cfg.Prefix != "" {
		return s.cfg.Prefix + "/" + kind + "/"
	}
	return kind + "/"
}

func (s *Store) putJSON(ctx context.Context, key string, doc any) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("s3: marshal %s: %w", key, err)
	}
	_, err = s.client.PutObject(ctx, s.cfg.Bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return classify(fmt.Errorf("s3: put %s: %w", key, err))
	}
	return nil
}

func (s *Store) getJSON(ctx context.Context, key string, doc any) error {
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return classify(fmt.Errorf("s3: get %s: %w", key, err))
	}
	defer obj.Close()
	payload, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		return classify(fmt.Errorf("s3: read %s: %w", key, err))
	}
	if err := json.Unmarshal(payload, doc); err != nil {
		return fmt.Errorf("s3: decode %s: %w", key, err)
	}
	return nil
}

func (s *Store) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for object := range s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, classify(fmt.Errorf("s3: list %s: %w", prefix, object.Err))
		}
		if strings.HasSuffix(object.Key, ".json") {
			keys = append(keys, object.Key)
		}
	}
	return keys, nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return storage.ErrNotFound
	}
	if isTransient(err) {
		return storage.NewTransientError(err)
	}
	return err
}

func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode >= http.StatusInternalServerError && resp.StatusCode != 0 {
		return true
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusRequestTimeout, http.StatusServiceUnavailable:
		return true
	}
	return false
}
