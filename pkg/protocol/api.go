// Package protocol defines the API request/response types.
package protocol

import (
	"time"

	"github.com/google/uuid"
)

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// File describes one stored file.
type File struct {
	ID          uuid.UUID `json:"id"`
	OwnerID     uuid.UUID `json:"owner_id"`
	StorageKey  string    `json:"storage_key"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UploadResponse is returned by POST /api/v1/files.
type UploadResponse struct {
	Files []File `json:"files"`
}

// ListResponse is returned by GET /api/v1/files.
type ListResponse struct {
	Files []File `json:"files"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Provider string `json:"provider"`
}
