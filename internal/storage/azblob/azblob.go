// Package azblob provides an Azure Blob Storage provider.
package azblob

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"go.uber.org/zap"

	"github.com/fruitsalade/filevault/internal/logging"
	"github.com/fruitsalade/filevault/internal/metrics"
	"github.com/fruitsalade/filevault/internal/storage"
)

// Config holds Azure Blob settings. ConnectionString takes precedence over
// AccountName/AccountKey. ServiceURL defaults to the public endpoint for
// AccountName.
type Config struct {
	AccountName      string `json:"account_name"`
	AccountKey       string `json:"account_key"`
	ConnectionString string `json:"connection_string"`
	Container        string `json:"container"`
	ServiceURL       string `json:"service_url"`
}

// Provider implements storage.Provider on an Azure container.
type Provider struct {
	container string
	client    *storage.Lazy[*azblob.Client]
}

// New creates an Azure Blob provider. The client is built on first use.
func New(cfg Config) *Provider {
	return &Provider{
		container: cfg.Container,
		client: storage.NewLazy(storage.AzureBlob, func(ctx context.Context) (*azblob.Client, error) {
			return newClient(cfg)
		}),
	}
}

func newClient(cfg Config) (*azblob.Client, error) {
	if cfg.Container == "" {
		return nil, fmt.Errorf("azblob: container is required")
	}

	if cfg.ConnectionString != "" {
		client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("create azblob client from connection string: %w", err)
		}
		return client, nil
	}

	if cfg.AccountName == "" || cfg.AccountKey == "" {
		return nil, fmt.Errorf("azblob: account name and key, or a connection string, are required")
	}

	cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("azblob shared key: %w", err)
	}

	serviceURL := cfg.ServiceURL
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
	}

	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create azblob client: %w", err)
	}
	return client, nil
}

// Upload writes the object as a block blob.
func (p *Provider) Upload(ctx context.Context, obj storage.Object) error {
	client, err := p.client.Get(ctx)
	if err != nil {
		return fmt.Errorf("error getting client for upload: %w", err)
	}

	start := time.Now()
	contentType := obj.ContentType
	_, err = client.UploadBuffer(ctx, p.container, obj.Key, obj.Data, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	metrics.RecordProviderOperation(storage.AzureBlob, "upload", time.Since(start), int64(len(obj.Data)), err == nil)
	if err != nil {
		return fmt.Errorf("upload blob %s: %w", obj.Key, err)
	}

	logging.Debug("azblob put blob", zap.String("key", obj.Key), zap.Int("size", len(obj.Data)))
	return nil
}

// Download reads the whole blob.
func (p *Provider) Download(ctx context.Context, key string) ([]byte, error) {
	client, err := p.client.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting client for download: %w", err)
	}

	start := time.Now()
	data, err := p.read(ctx, client, key)
	metrics.RecordProviderOperation(storage.AzureBlob, "download", time.Since(start), int64(len(data)), err == nil)
	return data, err
}

func (p *Provider) read(ctx context.Context, client *azblob.Client, key string) ([]byte, error) {
	resp, err := client.DownloadStream(ctx, p.container, key, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return nil, fmt.Errorf("download blob %s: %w", key, storage.ErrObjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("download blob %s: %w", key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", key, err)
	}
	return data, nil
}

// Remove deletes the blob. A missing blob is not an error.
func (p *Provider) Remove(ctx context.Context, key string) error {
	client, err := p.client.Get(ctx)
	if err != nil {
		return fmt.Errorf("error getting client for remove: %w", err)
	}

	start := time.Now()
	_, err = client.DeleteBlob(ctx, p.container, key, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		err = nil
	}
	metrics.RecordProviderOperation(storage.AzureBlob, "remove", time.Since(start), 0, err == nil)
	if err != nil {
		return fmt.Errorf("delete blob %s: %w", key, err)
	}

	logging.Debug("azblob delete blob", zap.String("key", key))
	return nil
}

// Name returns "azblob".
func (p *Provider) Name() string { return storage.AzureBlob }
