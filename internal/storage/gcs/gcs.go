// Package gcs provides a Google Cloud Storage provider.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/fruitsalade/filevault/internal/logging"
	"github.com/fruitsalade/filevault/internal/metrics"
	filestorage "github.com/fruitsalade/filevault/internal/storage"
)

// Config holds GCS settings. Endpoint is meant for emulators and disables
// authentication.
type Config struct {
	Bucket          string `json:"bucket"`
	CredentialsFile string `json:"credentials_file"`
	Endpoint        string `json:"endpoint"`
}

// Provider implements storage.Provider on a GCS bucket.
type Provider struct {
	bucket string
	client *filestorage.Lazy[*storage.Client]
}

// New creates a GCS provider. The client is built on first use.
func New(cfg Config) *Provider {
	return &Provider{
		bucket: cfg.Bucket,
		client: filestorage.NewLazy(filestorage.GCS, func(ctx context.Context) (*storage.Client, error) {
			return newClient(ctx, cfg)
		}),
	}
}

func newClient(ctx context.Context, cfg Config) (*storage.Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs: bucket is required")
	}

	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	} else if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return client, nil
}

// Upload writes the object in a single request.
func (p *Provider) Upload(ctx context.Context, obj filestorage.Object) error {
	client, err := p.client.Get(ctx)
	if err != nil {
		return fmt.Errorf("error getting client for upload: %w", err)
	}

	start := time.Now()
	err = p.write(ctx, client, obj)
	metrics.RecordProviderOperation(filestorage.GCS, "upload", time.Since(start), int64(len(obj.Data)), err == nil)
	if err != nil {
		return err
	}

	logging.Debug("gcs put object", zap.String("key", obj.Key), zap.Int("size", len(obj.Data)))
	return nil
}

func (p *Provider) write(ctx context.Context, client *storage.Client, obj filestorage.Object) error {
	w := client.Bucket(p.bucket).Object(obj.Key).NewWriter(ctx)
	w.ContentType = obj.ContentType
	// Payloads are bounded in size; send them in one request.
	w.ChunkSize = 0

	if _, err := w.Write(obj.Data); err != nil {
		w.Close()
		return fmt.Errorf("write object %s: %w", obj.Key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", obj.Key, err)
	}
	return nil
}

// Download reads the whole object.
func (p *Provider) Download(ctx context.Context, key string) ([]byte, error) {
	client, err := p.client.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting client for download: %w", err)
	}

	start := time.Now()
	data, err := p.read(ctx, client, key)
	metrics.RecordProviderOperation(filestorage.GCS, "download", time.Since(start), int64(len(data)), err == nil)
	return data, err
}

func (p *Provider) read(ctx context.Context, client *storage.Client, key string) ([]byte, error) {
	r, err := client.Bucket(p.bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("get object %s: %w", key, filestorage.ErrObjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

// Remove deletes the object. A missing object is not an error.
func (p *Provider) Remove(ctx context.Context, key string) error {
	client, err := p.client.Get(ctx)
	if err != nil {
		return fmt.Errorf("error getting client for remove: %w", err)
	}

	start := time.Now()
	err = client.Bucket(p.bucket).Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		err = nil
	}
	metrics.RecordProviderOperation(filestorage.GCS, "remove", time.Since(start), 0, err == nil)
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}

	logging.Debug("gcs delete object", zap.String("key", key))
	return nil
}

// Name returns "gcs".
func (p *Provider) Name() string { return filestorage.GCS }
