// Package s3 provides the S3-compatible storage provider. The same
// implementation serves AWS S3 (or MinIO) and Cloudflare R2; the two differ
// only in how the client is constructed.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/fruitsalade/filevault/internal/logging"
	"github.com/fruitsalade/filevault/internal/metrics"
	"github.com/fruitsalade/filevault/internal/storage"
)

// r2Region is the pseudo-region R2 expects in request signatures.
const r2Region = "auto"

// Config holds settings for a generic S3 endpoint.
type Config struct {
	Endpoint     string `json:"endpoint"` // empty = AWS default resolution
	Region       string `json:"region"`
	Bucket       string `json:"bucket"`
	AccessKey    string `json:"access_key"`
	SecretKey    string `json:"secret_key"`
	UsePathStyle bool   `json:"use_path_style"`
}

// R2Config holds Cloudflare R2 settings. Endpoint overrides the one derived
// from AccountID.
type R2Config struct {
	AccountID string `json:"account_id"`
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
}

// Provider implements storage.Provider on top of an S3 API.
type Provider struct {
	name   string
	bucket string
	client *storage.Lazy[*s3.Client]
}

// NewS3 creates a provider for a generic S3 endpoint. No network or
// credential work happens until the first operation.
func NewS3(cfg Config) *Provider {
	return newProvider(storage.S3, cfg)
}

// NewR2 creates a provider for Cloudflare R2.
func NewR2(cfg R2Config) *Provider {
	endpoint := cfg.Endpoint
	if endpoint == "" && cfg.AccountID != "" {
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	}
	return newProvider(storage.R2, Config{
		Endpoint:  endpoint,
		Region:    r2Region,
		Bucket:    cfg.Bucket,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
	})
}

func newProvider(name string, cfg Config) *Provider {
	return &Provider{
		name:   name,
		bucket: cfg.Bucket,
		client: storage.NewLazy(name, func(ctx context.Context) (*s3.Client, error) {
			return newClient(ctx, name, cfg)
		}),
	}
}

func newClient(ctx context.Context, name string, cfg Config) (*s3.Client, error) {
	switch {
	case cfg.Bucket == "":
		return nil, fmt.Errorf("%s: bucket is required", name)
	case cfg.AccessKey == "" || cfg.SecretKey == "":
		return nil, fmt.Errorf("%s: access key and secret key are required", name)
	case cfg.Region == "":
		return nil, fmt.Errorf("%s: region is required", name)
	case name == storage.R2 && cfg.Endpoint == "":
		return nil, fmt.Errorf("%s: account id or endpoint is required", name)
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
		// Several S3-compatible stores reject the default CRC trailers.
		config.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired),
		config.WithResponseChecksumValidation(aws.ResponseChecksumValidationWhenRequired),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// Upload puts the object into the bucket.
func (p *Provider) Upload(ctx context.Context, obj storage.Object) error {
	client, err := p.client.Get(ctx)
	if err != nil {
		return fmt.Errorf("error getting client for upload: %w", err)
	}

	start := time.Now()
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(obj.Key),
		Body:          bytes.NewReader(obj.Data),
		ContentLength: aws.Int64(int64(len(obj.Data))),
		ContentType:   aws.String(obj.ContentType),
	})
	metrics.RecordProviderOperation(p.name, "upload", time.Since(start), int64(len(obj.Data)), err == nil)
	if err != nil {
		return fmt.Errorf("put object %s: %w", obj.Key, err)
	}

	logging.Debug("s3 put object",
		zap.String("provider", p.name),
		zap.String("key", obj.Key),
		zap.Int("size", len(obj.Data)))
	return nil
}

// Download fetches the whole object.
func (p *Provider) Download(ctx context.Context, key string) ([]byte, error) {
	client, err := p.client.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting client for download: %w", err)
	}

	start := time.Now()
	data, err := p.getObject(ctx, client, key)
	metrics.RecordProviderOperation(p.name, "download", time.Since(start), int64(len(data)), err == nil)
	if err != nil {
		return nil, err
	}

	logging.Debug("s3 get object",
		zap.String("provider", p.name),
		zap.String("key", key),
		zap.Int("size", len(data)))
	return data, nil
}

func (p *Provider) getObject(ctx context.Context, client *s3.Client, key string) ([]byte, error) {
	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, fmt.Errorf("get object %s: %w", key, storage.ErrObjectNotFound)
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

// Remove deletes the object. S3 treats deleting a missing key as success.
func (p *Provider) Remove(ctx context.Context, key string) error {
	client, err := p.client.Get(ctx)
	if err != nil {
		return fmt.Errorf("error getting client for remove: %w", err)
	}

	start := time.Now()
	_, err = client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	metrics.RecordProviderOperation(p.name, "remove", time.Since(start), 0, err == nil)
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}

	logging.Debug("s3 delete object", zap.String("provider", p.name), zap.String("key", key))
	return nil
}

// Name returns "s3" or "r2".
func (p *Provider) Name() string { return p.name }
