// Package factory resolves a configured provider name to a storage.Provider.
package factory

import (
	"errors"
	"fmt"

	"github.com/fruitsalade/filevault/internal/storage"
	"github.com/fruitsalade/filevault/internal/storage/azblob"
	"github.com/fruitsalade/filevault/internal/storage/gcs"
	"github.com/fruitsalade/filevault/internal/storage/local"
	"github.com/fruitsalade/filevault/internal/storage/s3"
)

// ErrUnknownProvider is returned for a provider name outside Names.
var ErrUnknownProvider = errors.New("unknown storage provider")

// Names lists the accepted provider discriminators.
var Names = []string{storage.Local, storage.S3, storage.R2, storage.GCS, storage.AzureBlob}

// Config selects one provider and carries the settings of every variant.
// Only the section matching Provider is read.
type Config struct {
	Provider string
	Local    local.Config
	S3       s3.Config
	R2       s3.R2Config
	GCS      gcs.Config
	Azure    azblob.Config
}

// Known reports whether name is an accepted provider discriminator.
func Known(name string) bool {
	for _, n := range Names {
		if n == name {
			return true
		}
	}
	return false
}

// New builds the configured provider. Remote providers defer client
// construction to their first operation; the local provider validates its
// root directory here.
func New(cfg Config) (storage.Provider, error) {
	switch cfg.Provider {
	case storage.Local:
		return local.New(cfg.Local)
	case storage.S3:
		return s3.NewS3(cfg.S3), nil
	case storage.R2:
		return s3.NewR2(cfg.R2), nil
	case storage.GCS:
		return gcs.New(cfg.GCS), nil
	case storage.AzureBlob:
		return azblob.New(cfg.Azure), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}
