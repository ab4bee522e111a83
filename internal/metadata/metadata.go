// Package metadata defines the persisted file record and the errors shared by
// the metadata store implementations.
package metadata

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no record exists for an ID.
var ErrNotFound = errors.New("file record not found")

// FileRecord describes one stored object. A record exists only for objects
// whose backend write was confirmed.
type FileRecord struct {
	ID          uuid.UUID `json:"id"`
	OwnerID     uuid.UUID `json:"owner_id"`
	StorageKey  string    `json:"storage_key"`
	DisplayName string    `json:"display_name"`
	SizeBytes   int64     `json:"size_bytes"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
