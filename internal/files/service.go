// Package files implements the file service: validated, paced batch uploads
// to a storage provider with per-file metadata records, and bounded
// single-file download and removal.
package files

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/filevault/internal/logging"
	"github.com/fruitsalade/filevault/internal/metadata"
	"github.com/fruitsalade/filevault/internal/metrics"
	"github.com/fruitsalade/filevault/internal/storage"
)

// Default operation scopes.
const (
	DefaultUploadTimeout   = 60 * time.Second
	DefaultDownloadTimeout = 30 * time.Second
	DefaultRemoveTimeout   = 30 * time.Second
	DefaultPaceInterval    = 200 * time.Millisecond
	DefaultReclaimTimeout  = 30 * time.Second
)

// Store is the metadata store the service persists records to.
type Store interface {
	CreateFile(ctx context.Context, rec *metadata.FileRecord) error
	GetFile(ctx context.Context, id uuid.UUID) (*metadata.FileRecord, error)
	ListFiles(ctx context.Context, ownerID uuid.UUID) ([]*metadata.FileRecord, error)
	DeleteFile(ctx context.Context, id uuid.UUID) error
}

// Options bounds each operation. Zero fields take the defaults above.
type Options struct {
	// UploadTimeout bounds a whole batch, from the first dispatch to the
	// last persisted record.
	UploadTimeout time.Duration

	DownloadTimeout time.Duration
	RemoveTimeout   time.Duration

	// PaceInterval is the wait before each backend upload is dispatched.
	PaceInterval time.Duration

	// ReclaimTimeout bounds each delete of an object whose upload finished
	// after its batch was abandoned, and the record delete that follows a
	// confirmed provider remove.
	ReclaimTimeout time.Duration
}

// DefaultOptions returns the default operation scopes.
func DefaultOptions() Options {
	return Options{
		UploadTimeout:   DefaultUploadTimeout,
		DownloadTimeout: DefaultDownloadTimeout,
		RemoveTimeout:   DefaultRemoveTimeout,
		PaceInterval:    DefaultPaceInterval,
		ReclaimTimeout:  DefaultReclaimTimeout,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.UploadTimeout <= 0 {
		o.UploadTimeout = d.UploadTimeout
	}
	if o.DownloadTimeout <= 0 {
		o.DownloadTimeout = d.DownloadTimeout
	}
	if o.RemoveTimeout <= 0 {
		o.RemoveTimeout = d.RemoveTimeout
	}
	if o.PaceInterval <= 0 {
		o.PaceInterval = d.PaceInterval
	}
	if o.ReclaimTimeout <= 0 {
		o.ReclaimTimeout = d.ReclaimTimeout
	}
	return o
}

// Upload is one file of a batch.
type Upload struct {
	Name        string
	ContentType string
	Data        []byte
}

// Service coordinates a storage provider and a metadata store.
type Service struct {
	provider storage.Provider
	store    Store
	opts     Options
	now      func() time.Time

	// reclaimers tracks background cleanup of abandoned batches.
	reclaimers sync.WaitGroup
}

// NewService creates a file service.
func NewService(provider storage.Provider, store Store, opts Options) *Service {
	return &Service{
		provider: provider,
		store:    store,
		opts:     opts.withDefaults(),
		now:      time.Now,
	}
}

// Provider returns the storage provider in use.
func (s *Service) Provider() storage.Provider {
	return s.provider
}

// StorageKey returns the object key for a file: "<ownerID>/<fileID>".
func StorageKey(ownerID, fileID uuid.UUID) string {
	return ownerID.String() + "/" + fileID.String()
}

// pending is a validated file waiting to be dispatched.
type pending struct {
	obj storage.Object
	rec *metadata.FileRecord
}

// UploadBatch validates every file, then uploads them one per pace tick and
// persists a record for each as its upload lands. It returns the records in
// completion order.
//
// The first backend failure, metadata failure or scope expiry ends the
// batch: the error is returned at once and no further records are written.
// Records persisted before that point are kept. Uploads still in flight are
// handed to a background reclaimer that deletes whatever they manage to
// write; see Wait.
func (s *Service) UploadBatch(ctx context.Context, ownerID uuid.UUID, uploads []Upload) ([]*metadata.FileRecord, error) {
	if len(uploads) == 0 {
		return nil, nil
	}

	batch := make([]pending, 0, len(uploads))
	for i, u := range uploads {
		if err := Validate(u.Data, u.Name, u.ContentType); err != nil {
			metrics.RecordUploadBatch(len(uploads), "invalid")
			return nil, fmt.Errorf("file %d (%q): %w", i, u.Name, err)
		}
		id := uuid.New()
		key := StorageKey(ownerID, id)
		batch = append(batch, pending{
			obj: storage.Object{Key: key, ContentType: u.ContentType, Data: u.Data},
			rec: &metadata.FileRecord{
				ID:          id,
				OwnerID:     ownerID,
				StorageKey:  key,
				DisplayName: u.Name,
				SizeBytes:   int64(len(u.Data)),
				ContentType: u.ContentType,
			},
		})
	}

	log := logging.WithContext(ctx).With(
		zap.String("owner_id", ownerID.String()),
		zap.Int("files", len(batch)),
		zap.String("provider", s.provider.Name()))

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, s.opts.UploadTimeout)
	defer cancel()

	// Buffered to the batch size so no upload task ever blocks on send,
	// whether or not anyone is still receiving.
	succeeded := make(chan *metadata.FileRecord, len(batch))
	failed := make(chan error, len(batch))
	var inflight sync.WaitGroup

	ticker := time.NewTicker(s.opts.PaceInterval)
	defer ticker.Stop()

	abort := func(err error) ([]*metadata.FileRecord, error) {
		cancel()
		s.reclaim(parent, &inflight, succeeded, failed)
		result := "error"
		if errors.Is(err, ErrDeadlineExceeded) {
			result = "timeout"
		}
		metrics.RecordUploadBatch(len(batch), result)
		log.Warn("upload batch aborted", zap.Error(err))
		return nil, err
	}

	records := make([]*metadata.FileRecord, 0, len(batch))
	next := 0
	for len(records) < len(batch) {
		// Stop ticking once everything is dispatched.
		var tick <-chan time.Time
		if next < len(batch) {
			tick = ticker.C
		}

		select {
		case <-tick:
			p := batch[next]
			next++
			inflight.Add(1)
			go s.upload(ctx, &inflight, p, succeeded, failed)

		case rec := <-succeeded:
			now := s.now().UTC()
			rec.CreatedAt, rec.UpdatedAt = now, now
			if err := s.store.CreateFile(ctx, rec); err != nil {
				return abort(internalError(ctx, "upload batch", "error saving file record", err))
			}
			records = append(records, rec)

		case err := <-failed:
			return abort(internalError(ctx, "upload batch", "error uploading file to provider", err))

		case <-ctx.Done():
			return abort(scopeError(ctx, "upload batch"))
		}
	}

	metrics.RecordUploadBatch(len(batch), "success")
	log.Info("upload batch complete")
	return records, nil
}

func (s *Service) upload(ctx context.Context, wg *sync.WaitGroup, p pending, succeeded chan<- *metadata.FileRecord, failed chan<- error) {
	defer wg.Done()
	if err := s.provider.Upload(ctx, p.obj); err != nil {
		failed <- fmt.Errorf("upload %s: %w", p.obj.Key, err)
		return
	}
	succeeded <- p.rec
}

// reclaim waits in the background for the in-flight uploads of an abandoned
// batch and deletes every object they wrote. It runs on a context detached
// from the caller's so it outlives the request.
func (s *Service) reclaim(parent context.Context, inflight *sync.WaitGroup, succeeded chan *metadata.FileRecord, failed chan error) {
	s.reclaimers.Add(1)
	go func() {
		defer s.reclaimers.Done()
		inflight.Wait()
		close(succeeded)
		close(failed)

		base := context.WithoutCancel(parent)
		for rec := range succeeded {
			ctx, cancel := context.WithTimeout(base, s.opts.ReclaimTimeout)
			err := s.provider.Remove(ctx, rec.StorageKey)
			cancel()

			metrics.RecordOrphanReclaim(s.provider.Name(), err == nil)
			if err != nil {
				logging.Error("failed to reclaim abandoned object",
					zap.String("key", rec.StorageKey), zap.Error(err))
				continue
			}
			logging.Debug("reclaimed abandoned object", zap.String("key", rec.StorageKey))
		}
		for err := range failed {
			logging.Debug("abandoned upload failed", zap.Error(err))
		}
	}()
}

// Wait blocks until background cleanup of abandoned batches has finished.
func (s *Service) Wait() {
	s.reclaimers.Wait()
}

// List returns an owner's records, oldest first.
func (s *Service) List(ctx context.Context, ownerID uuid.UUID) ([]*metadata.FileRecord, error) {
	records, err := s.store.ListFiles(ctx, ownerID)
	if err != nil {
		return nil, internalError(ctx, "list", "error listing file records", err)
	}
	return records, nil
}
