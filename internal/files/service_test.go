package files

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fruitsalade/filevault/internal/logging"
	"github.com/fruitsalade/filevault/internal/metadata"
	"github.com/fruitsalade/filevault/internal/metadata/memory"
	"github.com/fruitsalade/filevault/internal/storage"
	"github.com/fruitsalade/filevault/internal/storage/local"
)

func init() {
	logging.InitNop()
}

// stubProvider is an in-memory storage.Provider that records calls. The
// hooks, when set, replace the default behavior for matching calls.
type stubProvider struct {
	mu      sync.Mutex
	objects map[string][]byte
	uploads int
	removes int

	onUpload   func(ctx context.Context, obj storage.Object) error
	onDownload func(ctx context.Context, key string) error
	onRemove   func(ctx context.Context, key string) error
}

func newStubProvider() *stubProvider {
	return &stubProvider{objects: make(map[string][]byte)}
}

func (p *stubProvider) Upload(ctx context.Context, obj storage.Object) error {
	p.mu.Lock()
	p.uploads++
	hook := p.onUpload
	p.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, obj); err != nil {
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.objects[obj.Key] = append([]byte(nil), obj.Data...)
	return nil
}

func (p *stubProvider) Download(ctx context.Context, key string) ([]byte, error) {
	if p.onDownload != nil {
		if err := p.onDownload(ctx, key); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return data, nil
}

func (p *stubProvider) Remove(ctx context.Context, key string) error {
	p.mu.Lock()
	p.removes++
	p.mu.Unlock()

	if p.onRemove != nil {
		if err := p.onRemove(ctx, key); err != nil {
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.objects, key)
	return nil
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) counts() (uploads, removes, objects int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uploads, p.removes, len(p.objects)
}

// failingStore fails CreateFile and delegates everything else.
type failingStore struct {
	*memory.Store
}

func (failingStore) CreateFile(context.Context, *metadata.FileRecord) error {
	return errors.New("connection refused")
}

// slowDeleteStore holds every DeleteFile for delay before honouring ctx.
type slowDeleteStore struct {
	*memory.Store
	delay time.Duration
}

func (s slowDeleteStore) DeleteFile(ctx context.Context, id uuid.UUID) error {
	time.Sleep(s.delay)
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.DeleteFile(ctx, id)
}

func fastOptions() Options {
	return Options{
		UploadTimeout:   5 * time.Second,
		DownloadTimeout: 5 * time.Second,
		RemoveTimeout:   5 * time.Second,
		PaceInterval:    10 * time.Millisecond,
		ReclaimTimeout:  time.Second,
	}
}

func textUpload(name, body string) Upload {
	return Upload{Name: name, ContentType: "text/plain", Data: []byte(body)}
}

func TestUploadBatchEmpty(t *testing.T) {
	provider := newStubProvider()
	svc := NewService(provider, memory.New(), fastOptions())

	records, err := svc.UploadBatch(context.Background(), uuid.New(), nil)
	if err != nil {
		t.Fatalf("UploadBatch: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected no records, got %d", len(records))
	}
	if uploads, _, _ := provider.counts(); uploads != 0 {
		t.Errorf("expected 0 uploads, got %d", uploads)
	}
}

func TestUploadBatchValidatesBeforeAnyIO(t *testing.T) {
	provider := newStubProvider()
	store := memory.New()
	svc := NewService(provider, store, fastOptions())

	batch := []Upload{
		textUpload("a.txt", "first"),
		textUpload("b.txt", "second"),
		{Name: "empty.txt", ContentType: "text/plain", Data: []byte{}},
	}

	_, err := svc.UploadBatch(context.Background(), uuid.New(), batch)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if !strings.Contains(err.Error(), "empty.txt") {
		t.Errorf("expected error to name the offending file, got %q", err.Error())
	}
	if uploads, _, _ := provider.counts(); uploads != 0 {
		t.Errorf("expected 0 backend uploads, got %d", uploads)
	}
	if store.Len() != 0 {
		t.Errorf("expected 0 records, got %d", store.Len())
	}
}

func TestUploadBatchRejectsOversizedFile(t *testing.T) {
	provider := newStubProvider()
	svc := NewService(provider, memory.New(), fastOptions())

	batch := []Upload{{Name: "big.bin", ContentType: "application/octet-stream", Data: make([]byte, MaxFileSize+1)}}
	if _, err := svc.UploadBatch(context.Background(), uuid.New(), batch); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if uploads, _, _ := provider.counts(); uploads != 0 {
		t.Errorf("expected 0 backend uploads, got %d", uploads)
	}
}

func TestUploadBatchPersistsEveryFile(t *testing.T) {
	provider := newStubProvider()
	store := memory.New()
	svc := NewService(provider, store, fastOptions())
	owner := uuid.New()

	batch := []Upload{
		textUpload("a.txt", "alpha"),
		textUpload("b.txt", "bravo"),
		textUpload("c.txt", "charlie"),
		{Name: "d.png", ContentType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}},
	}

	records, err := svc.UploadBatch(context.Background(), owner, batch)
	if err != nil {
		t.Fatalf("UploadBatch: %v", err)
	}
	if len(records) != len(batch) {
		t.Fatalf("expected %d records, got %d", len(batch), len(records))
	}
	if store.Len() != len(batch) {
		t.Errorf("expected %d stored records, got %d", len(batch), store.Len())
	}

	keys := make(map[string]bool)
	names := make(map[string]bool)
	for _, rec := range records {
		if !strings.HasPrefix(rec.StorageKey, owner.String()+"/") {
			t.Errorf("key %q lacks owner prefix", rec.StorageKey)
		}
		if rec.StorageKey != StorageKey(owner, rec.ID) {
			t.Errorf("key %q does not match record id %s", rec.StorageKey, rec.ID)
		}
		if keys[rec.StorageKey] {
			t.Errorf("duplicate key %q", rec.StorageKey)
		}
		keys[rec.StorageKey] = true
		names[rec.DisplayName] = true

		if rec.OwnerID != owner {
			t.Errorf("expected owner %s, got %s", owner, rec.OwnerID)
		}
		if rec.CreatedAt.IsZero() || !rec.CreatedAt.Equal(rec.UpdatedAt) {
			t.Errorf("expected equal non-zero timestamps, got %v / %v", rec.CreatedAt, rec.UpdatedAt)
		}
	}
	for _, u := range batch {
		if !names[u.Name] {
			t.Errorf("missing record for %q", u.Name)
		}
	}
	if _, _, objects := provider.counts(); objects != len(batch) {
		t.Errorf("expected %d objects, got %d", len(batch), objects)
	}
}

func TestUploadBatchPacesDispatch(t *testing.T) {
	provider := newStubProvider()
	opts := fastOptions()
	opts.PaceInterval = 40 * time.Millisecond
	svc := NewService(provider, memory.New(), opts)

	start := time.Now()
	batch := []Upload{textUpload("a", "1"), textUpload("b", "2"), textUpload("c", "3")}
	if _, err := svc.UploadBatch(context.Background(), uuid.New(), batch); err != nil {
		t.Fatalf("UploadBatch: %v", err)
	}

	// One wait precedes every dispatch, including the first.
	if elapsed := time.Since(start); elapsed < 3*opts.PaceInterval {
		t.Errorf("expected at least %v, took %v", 3*opts.PaceInterval, elapsed)
	}
}

func TestUploadBatchBackendFailureStopsBatch(t *testing.T) {
	provider := newStubProvider()
	provider.onUpload = func(ctx context.Context, obj storage.Object) error {
		if string(obj.Data) == "boom" {
			return errors.New("bucket unavailable")
		}
		return nil
	}
	store := memory.New()
	opts := fastOptions()
	opts.PaceInterval = 30 * time.Millisecond
	svc := NewService(provider, store, opts)

	batch := []Upload{
		textUpload("ok.txt", "fine"),
		textUpload("bad.txt", "boom"),
		textUpload("never.txt", "unreached"),
	}

	records, err := svc.UploadBatch(context.Background(), uuid.New(), batch)
	if !errors.Is(err, ErrInternal) {
		t.Fatalf("expected ErrInternal, got %v", err)
	}
	if !strings.Contains(err.Error(), "error uploading file to provider") {
		t.Errorf("unexpected message: %q", err.Error())
	}
	if records != nil {
		t.Errorf("expected nil records on failure, got %d", len(records))
	}

	svc.Wait()

	uploads, _, objects := provider.counts()
	if uploads != 2 {
		t.Errorf("expected dispatch to stop after the failure (2 uploads), got %d", uploads)
	}
	// The record written before the failure is kept along with its object.
	if store.Len() != 1 {
		t.Errorf("expected 1 record, got %d", store.Len())
	}
	if objects != 1 {
		t.Errorf("expected 1 object, got %d", objects)
	}
}

func TestUploadBatchReclaimsAbandonedUploads(t *testing.T) {
	release := make(chan struct{})
	provider := newStubProvider()
	provider.onUpload = func(ctx context.Context, obj storage.Object) error {
		switch string(obj.Data) {
		case "slow":
			// Ignores cancellation and completes after the batch is gone.
			<-release
			return nil
		case "boom":
			return errors.New("bucket unavailable")
		}
		return nil
	}
	store := memory.New()
	opts := fastOptions()
	opts.PaceInterval = 30 * time.Millisecond
	svc := NewService(provider, store, opts)

	batch := []Upload{textUpload("slow.txt", "slow"), textUpload("bad.txt", "boom")}
	if _, err := svc.UploadBatch(context.Background(), uuid.New(), batch); !errors.Is(err, ErrInternal) {
		t.Fatalf("expected ErrInternal, got %v", err)
	}

	close(release)
	svc.Wait()

	_, removes, objects := provider.counts()
	if store.Len() != 0 {
		t.Errorf("expected no records for the abandoned batch, got %d", store.Len())
	}
	if objects != 0 {
		t.Errorf("expected the late object to be reclaimed, %d remain", objects)
	}
	if removes != 1 {
		t.Errorf("expected 1 reclaim remove, got %d", removes)
	}
}

func TestUploadBatchDeadline(t *testing.T) {
	provider := newStubProvider()
	provider.onUpload = func(ctx context.Context, obj storage.Object) error {
		<-ctx.Done()
		return ctx.Err()
	}
	store := memory.New()
	opts := fastOptions()
	opts.UploadTimeout = 100 * time.Millisecond
	svc := NewService(provider, store, opts)

	start := time.Now()
	_, err := svc.UploadBatch(context.Background(), uuid.New(), []Upload{textUpload("a", "1"), textUpload("b", "2")})
	elapsed := time.Since(start)

	if !errors.Is(err, ErrDeadlineExceeded) {
		t.Fatalf("expected ErrDeadlineExceeded, got %v", err)
	}
	if errors.Is(err, ErrInternal) {
		t.Errorf("deadline should not also be reported as internal: %v", err)
	}
	if elapsed > opts.UploadTimeout+time.Second {
		t.Errorf("expected return near the deadline, took %v", elapsed)
	}

	svc.Wait()
	if store.Len() != 0 {
		t.Errorf("expected 0 records, got %d", store.Len())
	}
}

func TestUploadBatchDeadlineWithUnresponsiveBackend(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	provider := newStubProvider()
	provider.onUpload = func(ctx context.Context, obj storage.Object) error {
		<-release
		return nil
	}
	opts := fastOptions()
	opts.UploadTimeout = 80 * time.Millisecond
	svc := NewService(provider, memory.New(), opts)

	start := time.Now()
	_, err := svc.UploadBatch(context.Background(), uuid.New(), []Upload{textUpload("a", "1")})
	if !errors.Is(err, ErrDeadlineExceeded) {
		t.Fatalf("expected ErrDeadlineExceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > opts.UploadTimeout+time.Second {
		t.Errorf("expected return near the deadline, took %v", elapsed)
	}
}

func TestUploadBatchMetadataFailure(t *testing.T) {
	provider := newStubProvider()
	svc := NewService(provider, failingStore{memory.New()}, fastOptions())

	_, err := svc.UploadBatch(context.Background(), uuid.New(), []Upload{textUpload("a.txt", "data")})
	if !errors.Is(err, ErrInternal) {
		t.Fatalf("expected ErrInternal, got %v", err)
	}
	if !strings.Contains(err.Error(), "error saving file record") {
		t.Errorf("unexpected message: %q", err.Error())
	}

	svc.Wait()
	// The object whose record failed is left in place.
	if _, removes, objects := provider.counts(); objects != 1 || removes != 0 {
		t.Errorf("expected 1 object and 0 removes, got %d objects and %d removes", objects, removes)
	}
}

func TestUploadBatchParentCanceled(t *testing.T) {
	provider := newStubProvider()
	svc := NewService(provider, memory.New(), fastOptions())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.UploadBatch(ctx, uuid.New(), []Upload{textUpload("a", "1")})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, ErrDeadlineExceeded) {
		t.Errorf("cancellation should not be reported as a deadline: %v", err)
	}
}

func TestDownloadRoundTripLocal(t *testing.T) {
	provider, err := local.New(local.Config{RootPath: t.TempDir(), CreateDirs: true})
	if err != nil {
		t.Fatalf("local.New: %v", err)
	}
	svc := NewService(provider, memory.New(), fastOptions())

	payload := []byte("the quick brown fox")
	records, err := svc.UploadBatch(context.Background(), uuid.New(), []Upload{
		{Name: "fox.txt", ContentType: "text/plain", Data: payload},
	})
	if err != nil {
		t.Fatalf("UploadBatch: %v", err)
	}

	rec, data, err := svc.Download(context.Background(), records[0].ID)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Errorf("expected %q, got %q", payload, data)
	}
	if rec.DisplayName != "fox.txt" {
		t.Errorf("expected fox.txt, got %s", rec.DisplayName)
	}
}

func TestDownloadNotFound(t *testing.T) {
	provider := newStubProvider()
	svc := NewService(provider, memory.New(), fastOptions())

	_, _, err := svc.Download(context.Background(), uuid.New())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDownloadMissingObjectIsInternal(t *testing.T) {
	provider := newStubProvider()
	store := memory.New()
	svc := NewService(provider, store, fastOptions())

	owner, id := uuid.New(), uuid.New()
	rec := &metadata.FileRecord{ID: id, OwnerID: owner, StorageKey: StorageKey(owner, id), DisplayName: "y", SizeBytes: 1, ContentType: "text/plain"}
	if err := store.CreateFile(context.Background(), rec); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	_, _, err := svc.Download(context.Background(), rec.ID)
	if !errors.Is(err, ErrInternal) {
		t.Fatalf("expected ErrInternal, got %v", err)
	}
	if !errors.Is(err, storage.ErrObjectNotFound) {
		t.Errorf("expected cause to be kept, got %v", err)
	}
}

func TestDownloadDeadline(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	provider := newStubProvider()
	provider.onDownload = func(ctx context.Context, key string) error {
		<-release
		return nil
	}
	store := memory.New()
	opts := fastOptions()
	opts.DownloadTimeout = 80 * time.Millisecond
	svc := NewService(provider, store, opts)

	records, err := svc.UploadBatch(context.Background(), uuid.New(), []Upload{textUpload("a", "1")})
	if err != nil {
		t.Fatalf("UploadBatch: %v", err)
	}

	start := time.Now()
	_, _, err = svc.Download(context.Background(), records[0].ID)
	if !errors.Is(err, ErrDeadlineExceeded) {
		t.Fatalf("expected ErrDeadlineExceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > opts.DownloadTimeout+time.Second {
		t.Errorf("expected return near the deadline, took %v", elapsed)
	}
}

func TestRemoveThenRemoveAgain(t *testing.T) {
	provider := newStubProvider()
	store := memory.New()
	svc := NewService(provider, store, fastOptions())

	records, err := svc.UploadBatch(context.Background(), uuid.New(), []Upload{textUpload("a", "1")})
	if err != nil {
		t.Fatalf("UploadBatch: %v", err)
	}
	id := records[0].ID

	if err := svc.Remove(context.Background(), id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("expected record deleted, %d remain", store.Len())
	}
	if _, _, objects := provider.counts(); objects != 0 {
		t.Errorf("expected object deleted, %d remain", objects)
	}

	if err := svc.Remove(context.Background(), id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second remove, got %v", err)
	}
	if _, removes, _ := provider.counts(); removes != 1 {
		t.Errorf("expected the backend to be called once, got %d", removes)
	}

	if _, _, err := svc.Download(context.Background(), id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on download after remove, got %v", err)
	}
}

func TestRemoveBackendFailureKeepsRecord(t *testing.T) {
	provider := newStubProvider()
	store := memory.New()
	svc := NewService(provider, store, fastOptions())

	records, err := svc.UploadBatch(context.Background(), uuid.New(), []Upload{textUpload("a", "1")})
	if err != nil {
		t.Fatalf("UploadBatch: %v", err)
	}

	provider.onRemove = func(ctx context.Context, key string) error {
		return errors.New("access denied")
	}
	err = svc.Remove(context.Background(), records[0].ID)
	if !errors.Is(err, ErrInternal) {
		t.Fatalf("expected ErrInternal, got %v", err)
	}
	if !strings.Contains(err.Error(), "error removing file from provider") {
		t.Errorf("unexpected message: %q", err.Error())
	}
	if _, err := svc.Lookup(context.Background(), records[0].ID); err != nil {
		t.Errorf("expected record to survive a failed remove: %v", err)
	}
}

func TestRemoveDeadline(t *testing.T) {
	provider := newStubProvider()
	store := memory.New()
	opts := fastOptions()
	opts.RemoveTimeout = 80 * time.Millisecond
	svc := NewService(provider, store, opts)

	records, err := svc.UploadBatch(context.Background(), uuid.New(), []Upload{textUpload("a", "1")})
	if err != nil {
		t.Fatalf("UploadBatch: %v", err)
	}

	provider.onRemove = func(ctx context.Context, key string) error {
		<-ctx.Done()
		return ctx.Err()
	}
	if err := svc.Remove(context.Background(), records[0].ID); !errors.Is(err, ErrDeadlineExceeded) {
		t.Fatalf("expected ErrDeadlineExceeded, got %v", err)
	}
	if store.Len() != 1 {
		t.Errorf("expected record kept after a timed-out remove, got %d", store.Len())
	}
}

func TestRemoveDeletesRecordAfterDeadline(t *testing.T) {
	provider := newStubProvider()
	mem := memory.New()
	opts := fastOptions()
	opts.RemoveTimeout = 50 * time.Millisecond
	svc := NewService(provider, slowDeleteStore{Store: mem, delay: 120 * time.Millisecond}, opts)

	records, err := svc.UploadBatch(context.Background(), uuid.New(), []Upload{textUpload("a", "1")})
	if err != nil {
		t.Fatalf("UploadBatch: %v", err)
	}

	if err := svc.Remove(context.Background(), records[0].ID); err != nil {
		t.Fatalf("expected remove to finish the record delete, got %v", err)
	}
	if mem.Len() != 0 {
		t.Errorf("expected no dangling record, %d remain", mem.Len())
	}
	if _, _, objects := provider.counts(); objects != 0 {
		t.Errorf("expected object deleted, %d remain", objects)
	}
}

func TestFetchUsesHeldRecord(t *testing.T) {
	provider := newStubProvider()
	store := memory.New()
	svc := NewService(provider, store, fastOptions())

	records, err := svc.UploadBatch(context.Background(), uuid.New(), []Upload{textUpload("a.txt", "alpha")})
	if err != nil {
		t.Fatalf("UploadBatch: %v", err)
	}
	rec := records[0]

	data, err := svc.Fetch(context.Background(), rec)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(data) != "alpha" {
		t.Errorf("expected alpha, got %q", data)
	}

	provider.mu.Lock()
	delete(provider.objects, rec.StorageKey)
	provider.mu.Unlock()
	_, err = svc.Fetch(context.Background(), rec)
	if !errors.Is(err, ErrInternal) || !errors.Is(err, storage.ErrObjectNotFound) {
		t.Errorf("expected internal error wrapping ErrObjectNotFound, got %v", err)
	}
}

func TestListReturnsOwnerRecords(t *testing.T) {
	provider := newStubProvider()
	svc := NewService(provider, memory.New(), fastOptions())
	alice, bob := uuid.New(), uuid.New()

	if _, err := svc.UploadBatch(context.Background(), alice, []Upload{textUpload("a1", "1"), textUpload("a2", "2")}); err != nil {
		t.Fatalf("UploadBatch alice: %v", err)
	}
	if _, err := svc.UploadBatch(context.Background(), bob, []Upload{textUpload("b1", "1")}); err != nil {
		t.Fatalf("UploadBatch bob: %v", err)
	}

	records, err := svc.List(context.Background(), alice)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	for _, rec := range records {
		if rec.OwnerID != alice {
			t.Errorf("expected owner %s, got %s", alice, rec.OwnerID)
		}
	}
}
