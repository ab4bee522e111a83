package files

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/filevault/internal/logging"
	"github.com/fruitsalade/filevault/internal/metadata"
)

// race runs op in its own goroutine and returns its outcome, or the context
// error if the scope ends first. The result channels are buffered so a late
// op never blocks.
func race[T any](ctx context.Context, op func(context.Context) (T, error)) (T, error) {
	succeeded := make(chan T, 1)
	failed := make(chan error, 1)

	go func() {
		v, err := op(ctx)
		if err != nil {
			failed <- err
			return
		}
		succeeded <- v
	}()

	var zero T
	select {
	case v := <-succeeded:
		return v, nil
	case err := <-failed:
		return zero, err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// resolve loads the record for id within the operation's scope.
func (s *Service) resolve(ctx context.Context, op string, id uuid.UUID) (*metadata.FileRecord, error) {
	rec, err := s.store.GetFile(ctx, id)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, internalError(ctx, op, "error resolving file record", err)
	}
	return rec, nil
}

// Lookup returns the record for id.
func (s *Service) Lookup(ctx context.Context, id uuid.UUID) (*metadata.FileRecord, error) {
	return s.resolve(ctx, "lookup", id)
}

// Download resolves id and fetches its content from the provider, bounded by
// DownloadTimeout.
func (s *Service) Download(ctx context.Context, id uuid.UUID) (*metadata.FileRecord, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.DownloadTimeout)
	defer cancel()

	rec, err := s.resolve(ctx, "download", id)
	if err != nil {
		return nil, nil, err
	}

	data, err := s.fetch(ctx, rec)
	if err != nil {
		return nil, nil, err
	}
	return rec, data, nil
}

// Fetch downloads the content of a record the caller already holds, bounded
// by DownloadTimeout.
func (s *Service) Fetch(ctx context.Context, rec *metadata.FileRecord) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.DownloadTimeout)
	defer cancel()

	return s.fetch(ctx, rec)
}

func (s *Service) fetch(ctx context.Context, rec *metadata.FileRecord) ([]byte, error) {
	data, err := race(ctx, func(ctx context.Context) ([]byte, error) {
		return s.provider.Download(ctx, rec.StorageKey)
	})
	if err != nil {
		return nil, internalError(ctx, "download", "error downloading file from provider", err)
	}
	return data, nil
}

// Remove deletes the object and then its record. The provider call is
// bounded by RemoveTimeout; the record delete that follows a confirmed
// provider delete gets its own ReclaimTimeout. A failed provider delete
// keeps the record, so the remove can be retried.
func (s *Service) Remove(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.RemoveTimeout)
	defer cancel()

	rec, err := s.resolve(ctx, "remove", id)
	if err != nil {
		return err
	}

	_, err = race(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.provider.Remove(ctx, rec.StorageKey)
	})
	if err != nil {
		return internalError(ctx, "remove", "error removing file from provider", err)
	}

	// The object is gone; the record must follow even if the scope has
	// just ended.
	dctx, dcancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ReclaimTimeout)
	defer dcancel()

	if err := s.store.DeleteFile(dctx, id); err != nil {
		// A concurrent remove got there first.
		if errors.Is(err, metadata.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return internalError(dctx, "remove", "error deleting file record", err)
	}

	logging.WithContext(ctx).Info("file removed",
		zap.String("id", id.String()),
		zap.String("key", rec.StorageKey))
	return nil
}
