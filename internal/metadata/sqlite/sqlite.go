// Package sqlite provides an embedded SQLite metadata store for single-node
// deployments and development.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fruitsalade/filevault/internal/logging"
	"github.com/fruitsalade/filevault/internal/metadata"
	"github.com/fruitsalade/filevault/internal/metrics"
)

const storeName = "sqlite"

// timeLayout is fixed width so that ORDER BY on the text column is chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is a SQLite metadata store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows a single writer; serialize through one connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS files (
	id           TEXT PRIMARY KEY,
	owner_id     TEXT NOT NULL,
	storage_key  TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL,
	size_bytes   INTEGER NOT NULL,
	content_type TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_files_owner_id ON files (owner_id, created_at);
`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func iso(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*metadata.FileRecord, error) {
	var (
		r                metadata.FileRecord
		id, owner        string
		created, updated string
	)
	if err := row.Scan(&id, &owner, &r.StorageKey, &r.DisplayName, &r.SizeBytes, &r.ContentType, &created, &updated); err != nil {
		return nil, err
	}

	var err error
	if r.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse id: %w", err)
	}
	if r.OwnerID, err = uuid.Parse(owner); err != nil {
		return nil, fmt.Errorf("parse owner id: %w", err)
	}
	if r.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if r.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &r, nil
}

// CreateFile inserts a new record.
func (s *Store) CreateFile(ctx context.Context, rec *metadata.FileRecord) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(storeName, "create_file", time.Since(start)) }()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (id, owner_id, storage_key, display_name, size_bytes, content_type, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), rec.OwnerID.String(), rec.StorageKey, rec.DisplayName,
		rec.SizeBytes, rec.ContentType, iso(rec.CreatedAt), iso(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert file %s: %w", rec.ID, err)
	}

	logging.Debug("created file record", zap.String("id", rec.ID.String()), zap.String("key", rec.StorageKey))
	return nil
}

// GetFile returns the record for id, or metadata.ErrNotFound.
func (s *Store) GetFile(ctx context.Context, id uuid.UUID) (*metadata.FileRecord, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(storeName, "get_file", time.Since(start)) }()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, storage_key, display_name, size_bytes, content_type, created_at, updated_at
		 FROM files WHERE id = ?`, id.String())
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", metadata.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return r, nil
}

// ListFiles returns an owner's records, oldest first.
func (s *Store) ListFiles(ctx context.Context, ownerID uuid.UUID) ([]*metadata.FileRecord, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(storeName, "list_files", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, storage_key, display_name, size_bytes, content_type, created_at, updated_at
		 FROM files WHERE owner_id = ? ORDER BY created_at, id`, ownerID.String())
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()

	var records []*metadata.FileRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// DeleteFile removes the record for id, or returns metadata.ErrNotFound.
func (s *Store) DeleteFile(ctx context.Context, id uuid.UUID) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(storeName, "delete_file", time.Since(start)) }()

	result, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete file %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", metadata.ErrNotFound, id)
	}
	return nil
}
