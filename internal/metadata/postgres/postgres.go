// Package postgres provides a PostgreSQL-backed metadata store with metrics.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/fruitsalade/filevault/internal/logging"
	"github.com/fruitsalade/filevault/internal/metadata"
	"github.com/fruitsalade/filevault/internal/metrics"
)

const storeName = "postgres"

// Store is a PostgreSQL metadata store.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL metadata store.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	stats := s.db.Stats()
	metrics.SetDBConnectionsOpen(stats.OpenConnections)
}

// Migrate runs SQL migration files in lexical order.
func (s *Store) Migrate(migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}

	for _, f := range files {
		logging.Info("running migration", zap.String("file", filepath.Base(f)))
		content, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}

	return nil
}

// CreateFile inserts a new record.
func (s *Store) CreateFile(ctx context.Context, rec *metadata.FileRecord) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(storeName, "create_file", time.Since(start)) }()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (id, owner_id, storage_key, display_name, size_bytes, content_type, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.OwnerID, rec.StorageKey, rec.DisplayName, rec.SizeBytes, rec.ContentType, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert file %s: %w", rec.ID, err)
	}

	logging.Debug("created file record",
		zap.String("id", rec.ID.String()),
		zap.String("key", rec.StorageKey),
		zap.Int64("size", rec.SizeBytes))
	return nil
}

// GetFile returns the record for id, or metadata.ErrNotFound.
func (s *Store) GetFile(ctx context.Context, id uuid.UUID) (*metadata.FileRecord, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(storeName, "get_file", time.Since(start)) }()

	var r metadata.FileRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, storage_key, display_name, size_bytes, content_type, created_at, updated_at
		 FROM files WHERE id = $1`, id).Scan(
		&r.ID, &r.OwnerID, &r.StorageKey, &r.DisplayName, &r.SizeBytes, &r.ContentType, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", metadata.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return &r, nil
}

// ListFiles returns an owner's records, oldest first.
func (s *Store) ListFiles(ctx context.Context, ownerID uuid.UUID) ([]*metadata.FileRecord, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(storeName, "list_files", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, storage_key, display_name, size_bytes, content_type, created_at, updated_at
		 FROM files WHERE owner_id = $1 ORDER BY created_at, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()

	var records []*metadata.FileRecord
	for rows.Next() {
		var r metadata.FileRecord
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.StorageKey, &r.DisplayName,
			&r.SizeBytes, &r.ContentType, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

// DeleteFile removes the record for id, or returns metadata.ErrNotFound.
func (s *Store) DeleteFile(ctx context.Context, id uuid.UUID) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(storeName, "delete_file", time.Since(start)) }()

	result, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete file %s: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", metadata.ErrNotFound, id)
	}

	logging.Debug("deleted file record", zap.String("id", id.String()))
	return nil
}
