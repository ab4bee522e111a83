// Package storage defines the Provider interface implemented by every
// object-storage backend, and the lazy client initializer shared by the
// remote ones.
package storage

import (
	"context"
	"errors"
)

// Provider names, as selected by configuration.
const (
	Local     = "local"
	S3        = "s3"
	R2        = "r2"
	GCS       = "gcs"
	AzureBlob = "azblob"
)

// ErrObjectNotFound is returned (wrapped) by Download when the key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// Object is an in-flight object handed to a Provider. Key is
// "<ownerID>/<generatedID>" and never changes once assigned.
type Object struct {
	Key         string
	ContentType string
	Data        []byte
}

// Provider is the capability set every storage backend implements.
// Implementations handle raw object I/O only; file records are kept by the
// metadata store.
type Provider interface {
	// Upload writes obj.Data under obj.Key.
	Upload(ctx context.Context, obj Object) error

	// Download returns the full content stored under key.
	Download(ctx context.Context, key string) ([]byte, error)

	// Remove deletes the object stored under key.
	Remove(ctx context.Context, key string) error

	// Name returns the provider identifier ("local", "s3", "r2", "gcs", "azblob").
	Name() string
}
